// Package wled provides the JSON state payloads understood by WLED LED controllers.
package wled

import (
	"errors"
	"fmt"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	// StatePath is the endpoint that accepts state updates.
	StatePath = "/json/state"
	// InfoPath is the endpoint that returns state, effects and palettes.
	InfoPath = "/json"
	// MaxBrightness is the largest brightness value accepted by the device.
	MaxBrightness = 255
)

var (
	// ErrInvalidSegment is returned when a segment's bounds violate 0 <= start < stop <= ledCount.
	ErrInvalidSegment = errors.New("invalid segment bounds")
	// ErrInvalidBrightness is returned for a brightness outside 0..MaxBrightness.
	ErrInvalidBrightness = errors.New("brightness out of range")
)

// Color is an RGB triple. It encodes as a JSON array, e.g. [255, 0, 0].
type Color [3]uint8

var (
	// Black turns an LED off while keeping its segment on.
	Black = Color{0, 0, 0}
	// White is used for calibration captures.
	White = Color{255, 255, 255}
)

// ParseColor parses an HTML hex colour ("#ff0000" or "#f00").
func ParseColor(hex string) (Color, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return Color{}, fmt.Errorf("parse color %q: %w", hex, err)
	}
	return FromColorful(c), nil
}

// FromColorful converts a go-colorful colour to an RGB triple, clamping out-of-gamut values.
func FromColorful(c colorful.Color) Color {
	r, g, b := c.Clamped().RGB255()
	return Color{r, g, b}
}

// Gray returns a white of the given level, used for brightness-scaled effects.
func Gray(level uint8) Color {
	return Color{level, level, level}
}

// Scale multiplies every channel by f (0-1).
func (c Color) Scale(f float64) Color {
	if f <= 0 {
		return Black
	}
	if f >= 1 {
		return c
	}
	return Color{
		uint8(float64(c[0])*f + 0.5),
		uint8(float64(c[1])*f + 0.5),
		uint8(float64(c[2])*f + 0.5),
	}
}

// Hex returns the colour in "#rrggbb" form.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// Segment is a contiguous LED range on the strip. Nil fields are left
// unchanged by the device.
type Segment struct {
	ID         int     `json:"id"`
	Start      *int    `json:"start,omitempty"`
	Stop       *int    `json:"stop,omitempty"`
	Colors     []Color `json:"col,omitempty"`
	Effect     *int    `json:"fx,omitempty"`
	Palette    *int    `json:"pal,omitempty"`
	Freeze     *bool   `json:"frz,omitempty"`
	Brightness *int    `json:"bri,omitempty"`
	On         *bool   `json:"on,omitempty"`
	Individual []any   `json:"i,omitempty"`
}

// State is the controllable state of the strip. Nil fields are left unchanged.
type State struct {
	On         *bool     `json:"on,omitempty"`
	Brightness *int      `json:"bri,omitempty"`
	Segments   []Segment `json:"seg,omitempty"`
}

// Info is the response of GET /json.
type Info struct {
	State    State          `json:"state"`
	Info     map[string]any `json:"info,omitempty"`
	Effects  []string       `json:"effects"`
	Palettes []string       `json:"palettes"`
}

// EffectName returns the effect name at index id, or "" if out of range.
func (i *Info) EffectName(id int) string {
	if id < 0 || id >= len(i.Effects) {
		return ""
	}
	return i.Effects[id]
}

// PaletteName returns the palette name at index id, or "" if out of range.
func (i *Info) PaletteName(id int) string {
	if id < 0 || id >= len(i.Palettes) {
		return ""
	}
	return i.Palettes[id]
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Validate checks the segment's bounds against the strip length. Segments
// without explicit bounds are partial updates and always valid.
func (s Segment) Validate(ledCount int) error {
	if s.Start == nil && s.Stop == nil {
		return nil
	}
	if s.Start == nil || s.Stop == nil {
		return fmt.Errorf("%w: start and stop must be set together", ErrInvalidSegment)
	}
	start, stop := *s.Start, *s.Stop
	if start < 0 || start >= stop || stop > ledCount {
		return fmt.Errorf("%w: [%d, %d) with %d LEDs", ErrInvalidSegment, start, stop, ledCount)
	}
	if s.Brightness != nil && (*s.Brightness < 0 || *s.Brightness > MaxBrightness) {
		return fmt.Errorf("%w: segment brightness %d not in 0-%d", ErrInvalidBrightness, *s.Brightness, MaxBrightness)
	}
	return nil
}

// Validate checks every segment and the global brightness.
func (s State) Validate(ledCount int) error {
	if s.Brightness != nil && (*s.Brightness < 0 || *s.Brightness > MaxBrightness) {
		return fmt.Errorf("%w: %d not in 0-%d", ErrInvalidBrightness, *s.Brightness, MaxBrightness)
	}
	for _, seg := range s.Segments {
		if err := seg.Validate(ledCount); err != nil {
			return err
		}
	}
	return nil
}

// RangeSegment builds segment 0 covering [start, stop) in one colour.
func RangeSegment(start, stop int, color Color) Segment {
	return Segment{
		ID:     0,
		Start:  Int(start),
		Stop:   Int(stop),
		Colors: []Color{color},
		On:     Bool(true),
	}
}

// AllOff sets the full strip to black while keeping the segment on.
func AllOff(ledCount int) State {
	return State{Segments: []Segment{RangeSegment(0, ledCount, Black)}}
}

// SingleLED lights exactly LED id. Other LEDs keep their current state.
func SingleLED(id int, color Color, brightness int) State {
	seg := RangeSegment(id, id+1, color)
	seg.Brightness = Int(brightness)
	return State{Segments: []Segment{seg}}
}

// AllLEDs lights the full strip in one colour.
func AllLEDs(ledCount int, color Color, brightness int) State {
	seg := RangeSegment(0, ledCount, color)
	seg.Brightness = Int(brightness)
	return State{Segments: []Segment{seg}}
}

// Effect applies a built-in effect and palette to the full strip, unfrozen.
func Effect(ledCount, effect, palette, brightness int) State {
	return State{
		On:         Bool(true),
		Brightness: Int(brightness),
		Segments: []Segment{{
			ID:         0,
			Start:      Int(0),
			Stop:       Int(ledCount),
			Effect:     Int(effect),
			Palette:    Int(palette),
			Freeze:     Bool(false),
			Brightness: Int(MaxBrightness),
		}},
	}
}

// Individual sets per-LED colours with the "i" array: [index, [r,g,b], index, [r,g,b], ...].
// ids are emitted in the given order.
func Individual(ids []int, colors map[int]Color) State {
	list := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		c, ok := colors[id]
		if !ok {
			continue
		}
		list = append(list, id, c)
	}
	return State{Segments: []Segment{{ID: 0, Individual: list}}}
}
