// Package api exposes the device controller, calibration runs and depth maps
// over HTTP, with a websocket stream of calibration events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lucsky/cuid"

	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
	"github.com/bbernstein/lacylights-ledmap/internal/services/calibration"
	"github.com/bbernstein/lacylights-ledmap/internal/services/camera"
	"github.com/bbernstein/lacylights-ledmap/internal/services/detect"
	"github.com/bbernstein/lacylights-ledmap/internal/services/device"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
)

// CameraOpener opens the camera for one calibration run. The server closes
// the returned source when the run ends.
type CameraOpener func() (camera.Source, error)

// Deps holds the services the handlers use.
type Deps struct {
	Device      *device.Controller
	Detector    *detect.Detector
	Runs        *repositories.RunRepository
	Depths      *repositories.DepthRepository
	Settings    *repositories.SettingRepository
	PubSub      *pubsub.PubSub
	OpenCamera  CameraOpener
	Calibration calibration.Options
	Baseline    float64 // STEREO_BASELINE; a stored stereo_baseline setting overrides it
	Version     string
}

// Server holds handler state. At most one calibration runs at a time.
type Server struct {
	deps    Deps
	started time.Time

	mu     sync.Mutex
	runID  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server.
func NewServer(deps Deps) *Server {
	if deps.PubSub == nil {
		deps.PubSub = pubsub.New()
	}
	return &Server{deps: deps, started: time.Now()}
}

// Router returns the chi router with the standard middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// The websocket is long-lived and must not sit behind the request timeout.
	r.Get("/ws", s.handleWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/health", s.handleHealth)

		r.Route("/api", func(r chi.Router) {
			r.Route("/device", func(r chi.Router) {
				r.Get("/info", s.handleDeviceInfo)
				r.Post("/effect", s.handleEffect)
				r.Post("/highlight/{id}", s.handleHighlight)
				r.Post("/reset", s.handleReset)
			})
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Post("/", s.handleStartRun)
				r.Get("/current", s.handleCurrentRun)
				r.Delete("/current", s.handleCancelRun)
				r.Get("/{id}", s.handleGetRun)
				r.Delete("/{id}", s.handleDeleteRun)
			})
			r.Route("/depth", func(r chi.Router) {
				r.Get("/", s.handleListDepth)
				r.Post("/", s.handleComputeDepth)
				r.Get("/{id}", s.handleGetDepth)
				r.Delete("/{id}", s.handleDeleteDepth)
			})
			r.Route("/settings", func(r chi.Router) {
				r.Get("/", s.handleListSettings)
				r.Get("/{key}", s.handleGetSetting)
				r.Put("/{key}", s.handlePutSetting)
				r.Delete("/{key}", s.handleDeleteSetting)
			})
			r.Post("/detect", s.handleDetect)
		})
	})
	return r
}

// StartRun opens the camera and starts a calibration in the background. It
// returns calibration.ErrBusy if a run is in progress.
func (s *Server) StartRun(vantage string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return "", calibration.ErrBusy
	}
	if s.deps.OpenCamera == nil {
		return "", errors.New("no camera configured")
	}

	cam, err := s.deps.OpenCamera()
	if err != nil {
		return "", fmt.Errorf("failed to open camera: %w", err)
	}

	opts := s.deps.Calibration
	opts.Vantage = vantage
	cal := calibration.New(s.deps.Device, cam, s.deps.Detector, opts, s.deps.PubSub)

	ctx, cancel := context.WithCancel(context.Background())
	s.runID = cuid.New()
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, cal, cam, s.runID)
	return s.runID, nil
}

func (s *Server) run(ctx context.Context, cal *calibration.Calibrator, cam camera.Source, runID string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.cancel()
		s.cancel = nil
		s.runID = ""
		s.mu.Unlock()
	}()
	defer func() {
		if err := cam.Close(); err != nil {
			log.Printf("⚠️  Failed to close camera: %v", err)
		}
	}()

	if _, err := cal.Run(ctx, runID); err != nil {
		log.Printf("⚠️  Calibration %s stopped: %v", runID, err)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.deps.Runs == nil {
		return
	}
	if err := cal.Store(storeCtx, s.deps.Runs); err != nil {
		log.Printf("⚠️  Failed to store calibration %s: %v", runID, err)
		return
	}
	if s.deps.Settings != nil {
		if _, err := s.deps.Settings.Upsert(storeCtx, repositories.SettingLastRunID, runID); err != nil {
			log.Printf("⚠️  Failed to record last run id: %v", err)
		}
	}
}

// CurrentRun returns the id of the run in progress, or "".
func (s *Server) CurrentRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// CancelRun stops the run in progress. It reports whether a run was active.
func (s *Server) CancelRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Shutdown cancels any run in progress and waits for it to be stored.
func (s *Server) Shutdown() {
	s.CancelRun()
	s.wg.Wait()
}

// Wait blocks until the background run, if any, has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"version":     s.deps.Version,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"calibrating": s.CurrentRun() != "",
	})
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
