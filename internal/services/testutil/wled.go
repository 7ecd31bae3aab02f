package testutil

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

// FakeDevice is an in-process WLED controller. It applies posted segment
// updates to an LED buffer so tests can observe which LEDs are lit.
type FakeDevice struct {
	Server *httptest.Server

	mu       sync.Mutex
	leds     []wled.Color
	requests []wled.State
	fail     func(wled.State) int
	info     wled.Info
}

// NewFakeDevice starts a fake controller with ledCount LEDs. The server is
// closed when the test ends.
func NewFakeDevice(t *testing.T, ledCount int) *FakeDevice {
	t.Helper()

	f := &FakeDevice{
		leds: make([]wled.Color, ledCount),
		info: wled.Info{
			Effects:  []string{"Solid", "Blink", "Breathe", "Wipe"},
			Palettes: []string{"Default", "* Random Cycle", "* Color 1", "Party"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wled.StatePath, f.handleState)
	mux.HandleFunc(wled.InfoPath, f.handleInfo)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the fake device.
func (f *FakeDevice) URL() string {
	return f.Server.URL
}

// FailWith makes the device answer with the returned status code when fn
// returns non-zero. Pass nil to accept everything again.
func (f *FakeDevice) FailWith(fn func(wled.State) int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

// Requests returns every state update received, in order.
func (f *FakeDevice) Requests() []wled.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wled.State, len(f.requests))
	copy(out, f.requests)
	return out
}

// Lit returns the ids of LEDs that are not black.
func (f *FakeDevice) Lit() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for i, c := range f.leds {
		if c != wled.Black {
			ids = append(ids, i)
		}
	}
	return ids
}

// Color returns the current colour of LED id.
func (f *FakeDevice) Color(id int) wled.Color {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leds[id]
}

func (f *FakeDevice) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		f.mu.Lock()
		state := f.info.State
		f.mu.Unlock()
		writeJSON(w, state)
		return
	}

	var state wled.State
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, state)
	if f.fail != nil {
		if code := f.fail(state); code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
	}
	f.apply(state)
	writeJSON(w, map[string]bool{"success": true})
}

func (f *FakeDevice) handleInfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	info := f.info
	f.mu.Unlock()
	writeJSON(w, info)
}

func (f *FakeDevice) apply(state wled.State) {
	if state.On != nil {
		f.info.State.On = state.On
	}
	if state.Brightness != nil {
		f.info.State.Brightness = state.Brightness
	}
	for _, seg := range state.Segments {
		if seg.Start != nil && seg.Stop != nil && len(seg.Colors) > 0 {
			c := seg.Colors[0]
			if seg.On != nil && !*seg.On {
				c = wled.Black
			}
			for i := *seg.Start; i < *seg.Stop && i < len(f.leds); i++ {
				f.leds[i] = c
			}
		}
		for i := 0; i+1 < len(seg.Individual); i += 2 {
			id, ok := seg.Individual[i].(float64)
			if !ok || int(id) >= len(f.leds) {
				continue
			}
			rgb, ok := seg.Individual[i+1].([]any)
			if !ok || len(rgb) < 3 {
				continue
			}
			var c wled.Color
			for ch := 0; ch < 3; ch++ {
				v, _ := rgb[ch].(float64)
				c[ch] = uint8(v)
			}
			f.leds[int(id)] = c
		}
	}
	f.info.State.Segments = state.Segments
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// SceneCamera renders what a camera pointed at a FakeDevice would see: a
// white disc at the pixel position of every lit LED on a black background.
type SceneCamera struct {
	Device    *FakeDevice
	Positions map[int]image.Point
	Width     int
	Height    int
	Radius    int
	// FailOn lists capture call numbers (0-based) that return an error.
	FailOn map[int]error

	mu       sync.Mutex
	captures int
	closed   bool
}

// Capture renders the current scene.
func (s *SceneCamera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	n := s.captures
	s.captures++
	s.mu.Unlock()

	if err, ok := s.FailOn[n]; ok {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	for _, id := range s.Device.Lit() {
		p, ok := s.Positions[id]
		if !ok {
			continue
		}
		c := s.Device.Color(id)
		FillDisc(img, p, s.Radius, color.RGBA{c[0], c[1], c[2], 255})
	}
	return img, nil
}

// Close marks the camera closed.
func (s *SceneCamera) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SceneCamera) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Captures returns the number of Capture calls.
func (s *SceneCamera) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

// BlankFrame returns a black RGBA frame.
func BlankFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	return img
}

// FillDisc paints a filled disc of radius r centred at p.
func FillDisc(img draw.Image, p image.Point, r int, c color.Color) {
	for y := p.Y - r; y <= p.Y+r; y++ {
		for x := p.X - r; x <= p.X+r; x++ {
			dx, dy := x-p.X, y-p.Y
			if dx*dx+dy*dy <= r*r && image.Pt(x, y).In(img.Bounds()) {
				img.Set(x, y, c)
			}
		}
	}
}

// FillRect paints the rectangle r.
func FillRect(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}
