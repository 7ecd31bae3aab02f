package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
)

type settingRequest struct {
	Value string `json:"value"`
}

type settingResponse struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toSettingResponse(s *models.Setting) settingResponse {
	return settingResponse{Key: s.Key, Value: s.Value, UpdatedAt: s.UpdatedAt}
}

// settingStatus maps validation errors to HTTP status codes.
func settingStatus(err error) int {
	switch {
	case errors.Is(err, repositories.ErrUnknownSetting):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrReadOnlySetting):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrInvalidSetting):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Settings.FindAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]settingResponse, 0, len(settings))
	for i := range settings {
		out = append(out, toSettingResponse(&settings[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	setting, err := s.deps.Settings.FindByKey(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if setting == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("setting %s not set", key))
		return
	}
	writeJSON(w, http.StatusOK, toSettingResponse(setting))
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	req := settingRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value := strings.TrimSpace(req.Value)
	if err := repositories.ValidateSetting(key, value); err != nil {
		writeError(w, settingStatus(err), err)
		return
	}

	setting, err := s.deps.Settings.Upsert(r.Context(), key, value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("⚙️  Setting %s = %s", key, value)
	writeJSON(w, http.StatusOK, toSettingResponse(setting))
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := repositories.CheckWritable(key); err != nil {
		writeError(w, settingStatus(err), err)
		return
	}
	if err := s.deps.Settings.Delete(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("⚙️  Setting %s cleared", key)
	w.WriteHeader(http.StatusNoContent)
}
