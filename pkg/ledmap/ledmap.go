// Package ledmap defines calibrated LED position maps and their file formats.
package ledmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidID is returned for negative or duplicate LED ids.
var ErrInvalidID = errors.New("invalid LED id")

// Point is a pixel coordinate. It encodes as a JSON array [x, y].
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes [x, y].
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy []float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return err
	}
	if len(xy) < 2 {
		return fmt.Errorf("point needs 2 coordinates, got %d", len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// MarshalYAML encodes the point as a flow sequence.
func (p Point) MarshalYAML() (interface{}, error) {
	return []float64{p.X, p.Y}, nil
}

// Status is the outcome of capturing a single LED.
type Status string

const (
	// StatusDetected means a bright spot was found.
	StatusDetected Status = "detected"
	// StatusNotDetected means the frame was captured but no region qualified.
	StatusNotDetected Status = "not_detected"
	// StatusCaptureFailed means the camera did not return a frame.
	StatusCaptureFailed Status = "capture_failed"
	// StatusTransportFailed means the device did not accept the LED command.
	StatusTransportFailed Status = "transport_failed"
)

// Failed reports whether the status is a capture or transport error
// rather than a genuine miss.
func (s Status) Failed() bool {
	return s == StatusCaptureFailed || s == StatusTransportFailed
}

// Record is one LED's calibration result.
type Record struct {
	ID       int    `json:"id" yaml:"id"`
	Position *Point `json:"position" yaml:"position"`
	Status   Status `json:"status,omitempty" yaml:"status,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Detected builds a record with a position.
func Detected(id int, p Point) Record {
	return Record{ID: id, Position: &p, Status: StatusDetected}
}

// Missed builds a record without a position. err may be nil.
func Missed(id int, status Status, err error) Record {
	r := Record{ID: id, Status: status}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Map is the output of one calibration pass from one vantage point.
type Map struct {
	Vantage string   `json:"vantage,omitempty" yaml:"vantage,omitempty"`
	Records []Record `json:"records" yaml:"records"`
}

// Len returns the number of records.
func (m *Map) Len() int {
	return len(m.Records)
}

// Get returns the record for LED id.
func (m *Map) Get(id int) (Record, bool) {
	if id >= 0 && id < len(m.Records) && m.Records[id].ID == id {
		return m.Records[id], true
	}
	for _, r := range m.Records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Position returns the detected position of LED id, or nil.
func (m *Map) Position(id int) *Point {
	r, ok := m.Get(id)
	if !ok {
		return nil
	}
	return r.Position
}

// Counts returns the number of records per status.
func (m *Map) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range m.Records {
		counts[r.Status]++
	}
	return counts
}

// DetectedCount returns how many records carry a position.
func (m *Map) DetectedCount() int {
	n := 0
	for _, r := range m.Records {
		if r.Position != nil {
			n++
		}
	}
	return n
}

// FailedCount returns how many records failed on a capture or transport
// error rather than a genuine miss.
func (m *Map) FailedCount() int {
	n := 0
	for _, r := range m.Records {
		if r.Status.Failed() {
			n++
		}
	}
	return n
}

// CheckIDs reports negative or duplicate ids. Gaps are allowed.
func (m *Map) CheckIDs() error {
	seen := make(map[int]struct{}, len(m.Records))
	for i, r := range m.Records {
		if r.ID < 0 {
			return fmt.Errorf("record %d: %w: %d is negative", i, ErrInvalidID, r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("record %d: %w: %d appears twice", i, ErrInvalidID, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Validate checks that ids are unique and cover 0..Len()-1 in order.
func (m *Map) Validate() error {
	for i, r := range m.Records {
		if r.ID != i {
			return fmt.Errorf("record %d has id %d, want ids 0..%d in order", i, r.ID, len(m.Records)-1)
		}
	}
	return nil
}

// Bounds returns the min and max of all detected positions.
func (m *Map) Bounds() (min, max Point, ok bool) {
	for _, r := range m.Records {
		if r.Position == nil {
			continue
		}
		p := *r.Position
		if !ok {
			min, max, ok = p, p, true
			continue
		}
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		max.X = math.Max(max.X, p.X)
		max.Y = math.Max(max.Y, p.Y)
	}
	return min, max, ok
}

// StereoPosition is an LED position with a relative depth estimate.
type StereoPosition struct {
	ID int     `json:"id" yaml:"id"`
	X  float64 `json:"-" yaml:"x"`
	Y  float64 `json:"-" yaml:"y"`
	Z  float64 `json:"-" yaml:"z"`
}

type stereoJSON struct {
	ID       int        `json:"id"`
	Position [3]float64 `json:"position"`
}

// MarshalJSON encodes {"id": n, "position": [x, y, z]}.
func (s StereoPosition) MarshalJSON() ([]byte, error) {
	return json.Marshal(stereoJSON{ID: s.ID, Position: [3]float64{s.X, s.Y, s.Z}})
}

// UnmarshalJSON decodes {"id": n, "position": [x, y, z]}.
func (s *StereoPosition) UnmarshalJSON(data []byte) error {
	var v stereoJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s.ID = v.ID
	s.X, s.Y, s.Z = v.Position[0], v.Position[1], v.Position[2]
	return nil
}
