package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
	"github.com/bbernstein/lacylights-ledmap/internal/services/stereo"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

// depthRequest is the body of POST /api/depth.
type depthRequest struct {
	Name     string   `json:"name"`
	RunIDs   []string `json:"runIds"`
	Baseline *float64 `json:"baseline,omitempty"`
}

// depthResponse is a depth map with its points.
type depthResponse struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name,omitempty"`
	Baseline  float64                 `json:"baseline"`
	RunIDs    []string                `json:"runIds"`
	Skipped   int                     `json:"skipped"`
	CreatedAt time.Time               `json:"createdAt"`
	Positions []ledmap.StereoPosition `json:"positions,omitempty"`
}

func toDepthResponse(dm *models.DepthMap) (depthResponse, error) {
	ids, err := repositories.RunIDs(dm)
	if err != nil {
		return depthResponse{}, err
	}
	out := depthResponse{
		ID:        dm.ID,
		Baseline:  dm.Baseline,
		RunIDs:    ids,
		Skipped:   dm.Skipped,
		CreatedAt: dm.CreatedAt,
		Positions: dm.Positions(),
	}
	if dm.Name != nil {
		out.Name = *dm.Name
	}
	return out, nil
}

func (s *Server) handleListDepth(w http.ResponseWriter, r *http.Request) {
	maps, err := s.deps.Depths.FindAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]depthResponse, 0, len(maps))
	for i := range maps {
		resp, err := toDepthResponse(&maps[i])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleComputeDepth combines stored runs, in the order given, into a depth map.
func (s *Server) handleComputeDepth(w http.ResponseWriter, r *http.Request) {
	req := depthRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	baseline := s.deps.Baseline
	if s.deps.Settings != nil {
		stored, err := s.deps.Settings.GetFloat(r.Context(), repositories.SettingStereoBaseline, baseline)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		baseline = stored
	}
	if req.Baseline != nil {
		baseline = *req.Baseline
	}

	maps := make([]*ledmap.Map, 0, len(req.RunIDs))
	for _, id := range req.RunIDs {
		m, err := s.deps.Runs.FindMap(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if m == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
			return
		}
		maps = append(maps, m)
	}

	res, err := stereo.Combine(maps, baseline)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dm, err := s.deps.Depths.Save(r.Context(), req.Name, req.RunIDs, baseline, res.Positions, len(res.Skipped))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp, err := toDepthResponse(dm)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.deps.PubSub.Publish(pubsub.TopicDepthComputed, "", resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dm, err := s.deps.Depths.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dm == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("depth map %s not found", id))
		return
	}
	resp, err := toDepthResponse(dm)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteDepth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dm, err := s.deps.Depths.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dm == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("depth map %s not found", id))
		return
	}
	if err := s.deps.Depths.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
