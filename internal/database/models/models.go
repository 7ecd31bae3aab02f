// Package models contains the database model definitions for calibration
// history and computed depth maps.
package models

import (
	"time"

	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

// CalibrationRun is one pass of the calibrator from one vantage point.
// Table: calibration_runs
type CalibrationRun struct {
	ID         string     `gorm:"column:id;primaryKey"`
	Vantage    string     `gorm:"column:vantage"`
	Phase      string     `gorm:"column:phase"`
	LEDCount   int        `gorm:"column:led_count"`
	Detected   int        `gorm:"column:detected"`
	Error      *string    `gorm:"column:error"`
	StartedAt  time.Time  `gorm:"column:started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`

	// Relations (loaded separately)
	Positions []LedPosition `gorm:"foreignKey:RunID"`
}

func (CalibrationRun) TableName() string { return "calibration_runs" }

// ToMap rebuilds the LED map from the loaded positions.
func (r *CalibrationRun) ToMap() *ledmap.Map {
	m := &ledmap.Map{Vantage: r.Vantage, Records: make([]ledmap.Record, 0, len(r.Positions))}
	for _, p := range r.Positions {
		m.Records = append(m.Records, p.ToRecord())
	}
	return m
}

// LedPosition is the result for one LED within a run.
// Table: led_positions
type LedPosition struct {
	ID     string   `gorm:"column:id;primaryKey"`
	RunID  string   `gorm:"column:run_id;index"`
	LedID  int      `gorm:"column:led_id"`
	X      *float64 `gorm:"column:x"`
	Y      *float64 `gorm:"column:y"`
	Status string   `gorm:"column:status"`
	Error  *string  `gorm:"column:error"`
}

func (LedPosition) TableName() string { return "led_positions" }

// ToRecord converts the row to a map record.
func (p LedPosition) ToRecord() ledmap.Record {
	rec := ledmap.Record{ID: p.LedID, Status: ledmap.Status(p.Status)}
	if p.X != nil && p.Y != nil {
		rec.Position = &ledmap.Point{X: *p.X, Y: *p.Y}
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	return rec
}

// PositionFromRecord converts a map record to a row for run runID.
func PositionFromRecord(runID string, rec ledmap.Record) LedPosition {
	p := LedPosition{RunID: runID, LedID: rec.ID, Status: string(rec.Status)}
	if rec.Position != nil {
		x, y := rec.Position.X, rec.Position.Y
		p.X, p.Y = &x, &y
	}
	if rec.Error != "" {
		e := rec.Error
		p.Error = &e
	}
	return p
}

// DepthMap is a stereo combination of two or more runs.
// Table: depth_maps
type DepthMap struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      *string   `gorm:"column:name"`
	Baseline  float64   `gorm:"column:baseline"`
	RunIDs    string    `gorm:"column:run_ids"` // JSON array of run IDs, in pass order
	Skipped   int       `gorm:"column:skipped"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`

	// Relations (loaded separately)
	Points []DepthPoint `gorm:"foreignKey:DepthMapID"`
}

func (DepthMap) TableName() string { return "depth_maps" }

// Positions converts the loaded points to stereo positions.
func (d *DepthMap) Positions() []ledmap.StereoPosition {
	out := make([]ledmap.StereoPosition, 0, len(d.Points))
	for _, p := range d.Points {
		out = append(out, ledmap.StereoPosition{ID: p.LedID, X: p.X, Y: p.Y, Z: p.Z})
	}
	return out
}

// DepthPoint is one LED of a depth map.
// Table: depth_points
type DepthPoint struct {
	ID         string  `gorm:"column:id;primaryKey"`
	DepthMapID string  `gorm:"column:depth_map_id;index"`
	LedID      int     `gorm:"column:led_id"`
	X          float64 `gorm:"column:x"`
	Y          float64 `gorm:"column:y"`
	Z          float64 `gorm:"column:z"`
}

func (DepthPoint) TableName() string { return "depth_points" }

// Setting represents a system setting.
// Table: settings
type Setting struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Key       string    `gorm:"column:key;uniqueIndex"`
	Value     string    `gorm:"column:value"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Setting) TableName() string { return "settings" }

// All lists every model, in migration order.
func All() []interface{} {
	return []interface{}{
		&CalibrationRun{},
		&LedPosition{},
		&DepthMap{},
		&DepthPoint{},
		&Setting{},
	}
}
