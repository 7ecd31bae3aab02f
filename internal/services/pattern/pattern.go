package pattern

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

// Device is the subset of the LED controller used by patterns.
type Device interface {
	TurnOffAll(ctx context.Context) error
	TurnOnSingle(ctx context.Context, id int, color wled.Color, brightness int) error
	TurnOffSingle(ctx context.Context, id int) error
	SetColors(ctx context.Context, colors map[int]wled.Color) error
}

// Direction is the order LEDs are visited in one pass.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

// Sequence lights LEDs one after another.
type Sequence struct {
	LEDCount   int
	OnTime     time.Duration
	Color      wled.Color
	Brightness int
	Passes     []Direction
	// Trail leaves each LED lit after its turn instead of clearing it.
	Trail bool
}

// Order returns the LED ids visited by the sequence, pass by pass.
func (s Sequence) Order() []int {
	passes := s.Passes
	if len(passes) == 0 {
		passes = []Direction{Forward}
	}
	ids := make([]int, 0, len(passes)*s.LEDCount)
	for _, dir := range passes {
		for i := 0; i < s.LEDCount; i++ {
			if dir == Reverse {
				ids = append(ids, s.LEDCount-1-i)
			} else {
				ids = append(ids, i)
			}
		}
	}
	return ids
}

// Run plays the sequence. The strip is cleared before and after.
func (s Sequence) Run(ctx context.Context, dev Device) error {
	if s.LEDCount <= 0 {
		return fmt.Errorf("led count must be positive, got %d", s.LEDCount)
	}
	if err := dev.TurnOffAll(ctx); err != nil {
		return fmt.Errorf("clear strip: %w", err)
	}

	log.Printf("🔁 Sequence: %d steps, %v per LED", len(s.Order()), s.OnTime)
	for _, id := range s.Order() {
		if err := dev.TurnOnSingle(ctx, id, s.Color, s.Brightness); err != nil {
			return fmt.Errorf("light LED %d: %w", id, err)
		}
		if err := sleep(ctx, s.OnTime); err != nil {
			return err
		}
		if !s.Trail {
			if err := dev.TurnOffSingle(ctx, id); err != nil {
				return fmt.Errorf("clear LED %d: %w", id, err)
			}
		}
	}
	return dev.TurnOffAll(ctx)
}

// Wave sweeps a horizontal band down a calibrated map. LEDs within Threshold
// pixels of the band centre are lit, dimming with distance.
type Wave struct {
	Threshold     float64
	Step          float64 // defaults to Threshold
	Delay         time.Duration
	MaxBrightness int
	Color         wled.Color
	Easing        EasingType
}

// Level returns the brightness factor (0-1) of an LED at ledY while the band
// is centred on waveY.
func (w Wave) Level(ledY, waveY float64) float64 {
	if w.Threshold <= 0 {
		return 0
	}
	d := math.Abs(ledY - waveY)
	if d > w.Threshold {
		return 0
	}
	return 1 - ApplyEasing(d/w.Threshold, w.Easing)
}

// Frames computes the per-step colours for every detected LED in m. LEDs that
// fall outside the band are included as black so they go dark again.
func (w Wave) Frames(m *ledmap.Map) []map[int]wled.Color {
	lo, hi, ok := m.Bounds()
	if !ok || w.Threshold <= 0 {
		return nil
	}
	step := w.Step
	if step <= 0 {
		step = w.Threshold
	}
	scale := float64(w.MaxBrightness) / wled.MaxBrightness

	var frames []map[int]wled.Color
	for waveY := math.Floor(lo.Y); waveY <= hi.Y; waveY += step {
		frame := make(map[int]wled.Color)
		for _, r := range m.Records {
			if r.Position == nil {
				continue
			}
			level := w.Level(r.Position.Y, waveY) * scale
			frame[r.ID] = w.Color.Scale(level)
		}
		frames = append(frames, frame)
	}
	return frames
}

// Run plays the wave once over m.
func (w Wave) Run(ctx context.Context, dev Device, m *ledmap.Map) error {
	frames := w.Frames(m)
	if len(frames) == 0 {
		return fmt.Errorf("map has no detected LEDs")
	}
	log.Printf("🌊 Wave: %d steps over %d LEDs", len(frames), m.DetectedCount())
	for i, frame := range frames {
		if err := dev.SetColors(ctx, frame); err != nil {
			return fmt.Errorf("wave step %d: %w", i, err)
		}
		if err := sleep(ctx, w.Delay); err != nil {
			return err
		}
	}
	return nil
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
