// Package calibration maps each LED on the strip to a pixel position by
// lighting LEDs one at a time and locating the bright spot in a camera frame.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/lucsky/cuid"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
	"github.com/bbernstein/lacylights-ledmap/internal/services/camera"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

// ErrBusy is returned when a run is started while another is sequencing.
var ErrBusy = errors.New("calibration already running")

// Phase is the calibrator state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSequencing Phase = "sequencing"
	PhaseDone       Phase = "done"
	PhaseCancelled  Phase = "cancelled"
)

// Device is the subset of the LED controller used during a run.
type Device interface {
	TurnOffAll(ctx context.Context) error
	TurnOnSingle(ctx context.Context, id int, color wled.Color, brightness int) error
	TurnOffSingle(ctx context.Context, id int) error
}

// Spotter locates the bright spot in a frame.
type Spotter interface {
	Find(frame image.Image) *ledmap.Point
}

// Options controls a calibration run.
type Options struct {
	LEDCount   int
	Color      wled.Color
	Brightness int
	// SettleDelay is waited between lighting an LED and capturing. It is a
	// heuristic for device and camera latency, not a guarantee.
	SettleDelay       time.Duration
	ClearBefore       bool
	ClearAfterCapture bool
	Vantage           string
}

// DefaultOptions returns options for a full-brightness white run.
func DefaultOptions(ledCount int) Options {
	return Options{
		LEDCount:          ledCount,
		Color:             wled.White,
		Brightness:        wled.MaxBrightness,
		SettleDelay:       250 * time.Millisecond,
		ClearBefore:       true,
		ClearAfterCapture: true,
	}
}

// Progress is published on TopicCalibrationProgress after every LED.
type Progress struct {
	RunID   string        `json:"runId"`
	Vantage string        `json:"vantage,omitempty"`
	Index   int           `json:"index"`
	Total   int           `json:"total"`
	Record  ledmap.Record `json:"record"`
}

// Completed is published on TopicCalibrationCompleted when a run ends.
type Completed struct {
	RunID      string                `json:"runId"`
	Vantage    string                `json:"vantage,omitempty"`
	Phase      Phase                 `json:"phase"`
	Map        *ledmap.Map           `json:"map"`
	Counts     map[ledmap.Status]int `json:"counts"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt"`
	Error      string                `json:"error,omitempty"`
}

// Model converts the run to its database row.
func (d *Completed) Model() *models.CalibrationRun {
	run := &models.CalibrationRun{
		ID:        d.RunID,
		Vantage:   d.Vantage,
		Phase:     string(d.Phase),
		StartedAt: d.StartedAt,
	}
	if !d.FinishedAt.IsZero() {
		finished := d.FinishedAt
		run.FinishedAt = &finished
	}
	if d.Error != "" {
		e := d.Error
		run.Error = &e
	}
	if d.Map != nil {
		run.LEDCount = d.Map.Len()
		run.Detected = d.Map.DetectedCount()
		for _, rec := range d.Map.Records {
			run.Positions = append(run.Positions, models.PositionFromRecord(run.ID, rec))
		}
	}
	return run
}

// RunStore persists a finished run.
type RunStore interface {
	Create(ctx context.Context, run *models.CalibrationRun) error
}

// Calibrator runs the light-capture-detect sequence. One Calibrator runs at
// most one sequence at a time.
type Calibrator struct {
	device   Device
	camera   camera.Source
	detector Spotter
	opts     Options
	pubsub   *pubsub.PubSub

	mu      sync.RWMutex
	phase   Phase
	current int
	last    *Completed
}

// New creates a calibrator. pubsub may be nil.
func New(device Device, cam camera.Source, detector Spotter, opts Options, ps *pubsub.PubSub) *Calibrator {
	return &Calibrator{
		device:   device,
		camera:   cam,
		detector: detector,
		opts:     opts,
		pubsub:   ps,
		phase:    PhaseIdle,
	}
}

// Phase returns the current state.
func (c *Calibrator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Current returns the LED index being sequenced.
func (c *Calibrator) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Last returns the most recent finished run, or nil.
func (c *Calibrator) Last() *Completed {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Run sequences LEDs 0..LEDCount-1 and returns one record per LED. Per-LED
// failures are recorded, never returned. If ctx is cancelled the records
// collected so far are returned together with ctx.Err(). The camera is not
// closed; that is left to whoever opened it.
func (c *Calibrator) Run(ctx context.Context, runID string) (*ledmap.Map, error) {
	if c.opts.LEDCount <= 0 {
		return nil, fmt.Errorf("led count must be positive, got %d", c.opts.LEDCount)
	}
	if runID == "" {
		runID = cuid.New()
	}

	c.mu.Lock()
	if c.phase == PhaseSequencing {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.phase = PhaseSequencing
	c.current = 0
	c.mu.Unlock()

	started := time.Now()
	total := c.opts.LEDCount
	m := &ledmap.Map{Vantage: c.opts.Vantage, Records: make([]ledmap.Record, 0, total)}
	log.Printf("🎯 Calibration %s started: %d LEDs (vantage %q)", runID, total, c.opts.Vantage)

	if c.opts.ClearBefore {
		if err := c.device.TurnOffAll(ctx); err != nil && ctx.Err() == nil {
			log.Printf("⚠️  Calibration %s: could not clear strip: %v", runID, err)
		}
	}

	var runErr error
	for id := 0; id < total; id++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		c.mu.Lock()
		c.current = id
		c.mu.Unlock()

		rec, err := c.captureOne(ctx, id)
		if err != nil {
			runErr = err
			break
		}
		m.Records = append(m.Records, rec)
		c.publish(pubsub.TopicCalibrationProgress, runID, Progress{
			RunID:   runID,
			Vantage: c.opts.Vantage,
			Index:   id,
			Total:   total,
			Record:  rec,
		})
	}

	phase := PhaseDone
	if runErr != nil {
		phase = PhaseCancelled
	}
	done := &Completed{
		RunID:      runID,
		Vantage:    c.opts.Vantage,
		Phase:      phase,
		Map:        m,
		Counts:     m.Counts(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if runErr != nil {
		done.Error = runErr.Error()
	}

	c.mu.Lock()
	c.phase = phase
	c.last = done
	c.mu.Unlock()

	c.publish(pubsub.TopicCalibrationCompleted, runID, done)
	log.Printf("✅ Calibration %s %s: %d/%d detected in %v", runID, phase,
		m.DetectedCount(), total, done.FinishedAt.Sub(started).Round(time.Millisecond))
	return m, runErr
}

// captureOne lights, captures and detects a single LED. The error is non-nil
// only when ctx was cancelled.
func (c *Calibrator) captureOne(ctx context.Context, id int) (ledmap.Record, error) {
	if err := c.device.TurnOnSingle(ctx, id, c.opts.Color, c.opts.Brightness); err != nil {
		if ctx.Err() != nil {
			return ledmap.Record{}, ctx.Err()
		}
		log.Printf("⚠️  LED %d: device error: %v", id, err)
		return ledmap.Missed(id, ledmap.StatusTransportFailed, err), nil
	}
	defer c.clear(ctx, id)

	if err := sleep(ctx, c.opts.SettleDelay); err != nil {
		return ledmap.Record{}, err
	}

	frame, err := c.camera.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ledmap.Record{}, ctx.Err()
		}
		log.Printf("⚠️  LED %d: capture failed: %v", id, err)
		return ledmap.Missed(id, ledmap.StatusCaptureFailed, err), nil
	}

	p := c.detector.Find(frame)
	if p == nil {
		log.Printf("LED %d: not detected", id)
		return ledmap.Missed(id, ledmap.StatusNotDetected, nil), nil
	}
	log.Printf("LED %d: detected at (%.1f, %.1f)", id, p.X, p.Y)
	return ledmap.Detected(id, *p), nil
}

func (c *Calibrator) clear(ctx context.Context, id int) {
	if !c.opts.ClearAfterCapture {
		return
	}
	// Use a fresh context so a cancelled run still darkens the LED.
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.device.TurnOffSingle(clearCtx, id); err != nil {
		log.Printf("⚠️  LED %d: could not clear: %v", id, err)
	}
}

func (c *Calibrator) publish(topic pubsub.Topic, runID string, msg interface{}) {
	if c.pubsub != nil {
		c.pubsub.Publish(topic, runID, msg)
	}
}

// Save writes the last finished map to path as JSON.
func (c *Calibrator) Save(path string) error {
	last := c.Last()
	if last == nil {
		return errors.New("no calibration has run")
	}
	if err := ledmap.Save(path, last.Map); err != nil {
		return err
	}
	log.Printf("💾 LED map saved to %s", path)
	return nil
}

// Store persists the last finished run.
func (c *Calibrator) Store(ctx context.Context, store RunStore) error {
	last := c.Last()
	if last == nil {
		return errors.New("no calibration has run")
	}
	return store.Create(ctx, last.Model())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
