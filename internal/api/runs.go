package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
	"github.com/bbernstein/lacylights-ledmap/internal/services/calibration"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

// startRunRequest is the optional body of POST /api/runs.
type startRunRequest struct {
	Vantage string `json:"vantage"`
}

// runSummary is a run without its positions.
type runSummary struct {
	ID         string     `json:"id"`
	Vantage    string     `json:"vantage,omitempty"`
	Phase      string     `json:"phase"`
	LEDCount   int        `json:"ledCount"`
	Detected   int        `json:"detected"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func toRunSummary(run models.CalibrationRun) runSummary {
	return runSummary{
		ID:         run.ID,
		Vantage:    run.Vantage,
		Phase:      run.Phase,
		LEDCount:   run.LEDCount,
		Detected:   run.Detected,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Runs.FindAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunSummary(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	req := startRunRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runID, err := s.StartRun(req.Vantage)
	if err != nil {
		if errors.Is(err, calibration.ErrBusy) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"runId": runID,
		"phase": string(calibration.PhaseSequencing),
	})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	runID := s.CurrentRun()
	if runID == "" {
		writeError(w, http.StatusNotFound, errors.New("no calibration in progress"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"runId": runID,
		"phase": string(calibration.PhaseSequencing),
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.CancelRun() {
		writeError(w, http.StatusNotFound, errors.New("no calibration in progress"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetRun returns the run's LED map as JSON, or as YAML with ?format=yaml.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.deps.Runs.FindMap(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return
	}

	if r.URL.Query().Get("format") == "yaml" {
		data, err := ledmap.MarshalYAML(m)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.deps.Runs.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return
	}
	if err := s.deps.Runs.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
