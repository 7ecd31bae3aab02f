// Package device drives a WLED LED controller over its HTTP JSON API.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

// DefaultTimeout is used when no http.Client is supplied.
const DefaultTimeout = 5 * time.Second

var (
	// ErrLEDOutOfRange is returned for an LED id outside 0..ledCount-1. No
	// request is sent.
	ErrLEDOutOfRange = errors.New("led id out of range")
	// ErrInvalidSegment is returned when a state contains a segment with bad bounds.
	ErrInvalidSegment = wled.ErrInvalidSegment
	// ErrInvalidBrightness is returned for a brightness outside 0..255.
	ErrInvalidBrightness = wled.ErrInvalidBrightness
)

// StatusError is returned when the device answers with a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Controller sends state updates to one LED strip.
type Controller struct {
	baseURL  string
	ledCount int
	client   *http.Client
}

// NewController creates a controller for the device at baseURL
// (e.g. "http://10.0.0.2"). If client is nil, a client with DefaultTimeout is used.
func NewController(baseURL string, ledCount int, client *http.Client) *Controller {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Controller{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		ledCount: ledCount,
		client:   client,
	}
}

// LEDCount returns the configured strip length.
func (c *Controller) LEDCount() int {
	return c.ledCount
}

// BaseURL returns the device address.
func (c *Controller) BaseURL() string {
	return c.baseURL
}

// SetState posts a (partial) state update. A failed request is not retried.
func (c *Controller) SetState(ctx context.Context, state wled.State) error {
	if err := state.Validate(c.ledCount); err != nil {
		return err
	}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return c.do(ctx, http.MethodPost, wled.StatePath, bytes.NewReader(body), nil)
}

// TurnOffAll sets every LED to black.
func (c *Controller) TurnOffAll(ctx context.Context) error {
	return c.SetState(ctx, wled.AllOff(c.ledCount))
}

// TurnOnSingle lights LED id. Other LEDs are not touched.
func (c *Controller) TurnOnSingle(ctx context.Context, id int, color wled.Color, brightness int) error {
	if err := c.checkID(id); err != nil {
		return err
	}
	return c.SetState(ctx, wled.SingleLED(id, color, brightness))
}

// TurnOffSingle sets LED id to black.
func (c *Controller) TurnOffSingle(ctx context.Context, id int) error {
	if err := c.checkID(id); err != nil {
		return err
	}
	return c.SetState(ctx, wled.State{Segments: []wled.Segment{wled.RangeSegment(id, id+1, wled.Black)}})
}

// TurnOnAll lights the whole strip in one colour.
func (c *Controller) TurnOnAll(ctx context.Context, color wled.Color, brightness int) error {
	return c.SetState(ctx, wled.AllLEDs(c.ledCount, color, brightness))
}

// SetColors sets individual LED colours in one request, in ascending id order.
func (c *Controller) SetColors(ctx context.Context, colors map[int]wled.Color) error {
	ids := make([]int, 0, len(colors))
	for id := range colors {
		if err := c.checkID(id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return c.SetState(ctx, wled.Individual(ids, colors))
}

// ApplyEffect runs a built-in effect and palette over the full strip.
func (c *Controller) ApplyEffect(ctx context.Context, effect, palette, brightness int) error {
	return c.SetState(ctx, wled.Effect(c.ledCount, effect, palette, brightness))
}

// Info fetches the device state with its effect and palette names.
func (c *Controller) Info(ctx context.Context) (*wled.Info, error) {
	info := &wled.Info{}
	if err := c.do(ctx, http.MethodGet, wled.InfoPath, nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

// State fetches the current device state.
func (c *Controller) State(ctx context.Context) (*wled.State, error) {
	state := &wled.State{}
	if err := c.do(ctx, http.MethodGet, wled.StatePath, nil, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Controller) checkID(id int) error {
	if id < 0 || id >= c.ledCount {
		return fmt.Errorf("%w: %d not in 0..%d", ErrLEDOutOfRange, id, c.ledCount-1)
	}
	return nil
}

func (c *Controller) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &StatusError{
			Method:     method,
			URL:        u,
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}
