package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bbernstein/lacylights-ledmap/internal/services/device"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

// effectRequest is the body of POST /api/device/effect.
type effectRequest struct {
	Effect     int  `json:"effect"`
	Palette    int  `json:"palette"`
	Brightness *int `json:"brightness,omitempty"`
}

// highlightRequest is the optional body of POST /api/device/highlight/{id}.
type highlightRequest struct {
	Color      string `json:"color,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
}

// deviceEvent is published on TopicDeviceChanged.
type deviceEvent struct {
	Action string `json:"action"`
	LED    *int   `json:"led,omitempty"`
	Effect string `json:"effect,omitempty"`
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Device.Info(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":      s.deps.Device.BaseURL(),
		"ledCount": s.deps.Device.LEDCount(),
		"state":    info.State,
		"effects":  info.Effects,
		"palettes": info.Palettes,
	})
}

func (s *Server) handleEffect(w http.ResponseWriter, r *http.Request) {
	req := effectRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	brightness := wled.MaxBrightness
	if req.Brightness != nil {
		brightness = *req.Brightness
	}
	if err := s.deps.Device.ApplyEffect(r.Context(), req.Effect, req.Palette, brightness); err != nil {
		writeDeviceError(w, err)
		return
	}

	event := deviceEvent{Action: "effect", Effect: strconv.Itoa(req.Effect)}
	if info, err := s.deps.Device.Info(r.Context()); err == nil {
		if name := info.EffectName(req.Effect); name != "" {
			event.Effect = name
		}
	}
	s.deps.PubSub.Publish(pubsub.TopicDeviceChanged, "", event)
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleHighlight(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid LED id %q", chi.URLParam(r, "id")))
		return
	}
	req := highlightRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	color := wled.White
	if req.Color != "" {
		if color, err = wled.ParseColor(req.Color); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	brightness := wled.MaxBrightness
	if req.Brightness != nil {
		brightness = *req.Brightness
	}
	if s.CurrentRun() != "" {
		writeError(w, http.StatusConflict, errors.New("calibration in progress"))
		return
	}

	if err := s.deps.Device.TurnOffAll(r.Context()); err != nil {
		writeDeviceError(w, err)
		return
	}
	if err := s.deps.Device.TurnOnSingle(r.Context(), id, color, brightness); err != nil {
		writeDeviceError(w, err)
		return
	}
	event := deviceEvent{Action: "highlight", LED: &id}
	s.deps.PubSub.Publish(pubsub.TopicDeviceChanged, "", event)
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Device.TurnOffAll(r.Context()); err != nil {
		writeDeviceError(w, err)
		return
	}
	event := deviceEvent{Action: "reset"}
	s.deps.PubSub.Publish(pubsub.TopicDeviceChanged, "", event)
	writeJSON(w, http.StatusOK, event)
}

// writeDeviceError maps controller errors to HTTP statuses: bad input is the
// caller's fault, anything the device did is a bad gateway.
func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrLEDOutOfRange), errors.Is(err, device.ErrInvalidSegment),
		errors.Is(err, device.ErrInvalidBrightness):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}
