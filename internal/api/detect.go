package api

import (
	"fmt"
	"image"
	"net/http"
	"strconv"

	"github.com/bbernstein/lacylights-ledmap/internal/services/detect"
)

// maxUploadSize bounds the frame accepted by POST /api/detect.
const maxUploadSize = 32 << 20

// detectResponse is the result of running the detector on an uploaded frame.
type detectResponse struct {
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Threshold int             `json:"threshold"`
	MinArea   int             `json:"minArea"`
	Spot      interface{}     `json:"spot"`
	Regions   []detect.Region `json:"regions"`
}

// handleDetect runs the detector on an image request body in any format the
// camera package registers. threshold and
// minArea query parameters override the configured values.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	d := *s.deps.Detector
	q := r.URL.Query()
	if v := q.Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 255 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid threshold %q", v))
			return
		}
		d.Threshold = n
	}
	if v := q.Get("minArea"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid minArea %q", v))
			return
		}
		d.MinArea = n
	}

	frame, _, err := image.Decode(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode image: %w", err))
		return
	}

	regions := d.Regions(frame)
	resp := detectResponse{
		Width:     frame.Bounds().Dx(),
		Height:    frame.Bounds().Dy(),
		Threshold: d.Threshold,
		MinArea:   d.MinArea,
		Regions:   regions,
	}
	if len(regions) > 0 {
		resp.Spot = regions[0].Centroid
	}
	if resp.Regions == nil {
		resp.Regions = []detect.Region{}
	}
	writeJSON(w, http.StatusOK, resp)
}
