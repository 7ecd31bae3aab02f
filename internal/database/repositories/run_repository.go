// Package repositories provides data access layer implementations.
package repositories

import (
	"context"
	"errors"
	"slices"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

// RunRepository handles calibration run data access.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// FindAll returns all runs, newest first, without positions.
func (r *RunRepository) FindAll(ctx context.Context) ([]models.CalibrationRun, error) {
	var runs []models.CalibrationRun
	result := r.db.WithContext(ctx).
		Order("started_at DESC").
		Find(&runs)
	return runs, result.Error
}

// FindByID returns a run with its positions ordered by LED id, or nil.
func (r *RunRepository) FindByID(ctx context.Context, id string) (*models.CalibrationRun, error) {
	var run models.CalibrationRun
	result := r.db.WithContext(ctx).
		Preload("Positions", func(db *gorm.DB) *gorm.DB {
			return db.Order("led_id ASC")
		}).
		First(&run, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &run, nil
}

// FindMap returns the LED map of a run, or nil if the run does not exist.
func (r *RunRepository) FindMap(ctx context.Context, id string) (*ledmap.Map, error) {
	run, err := r.FindByID(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	return run.ToMap(), nil
}

// Create creates a run and its positions in one transaction.
func (r *RunRepository) Create(ctx context.Context, run *models.CalibrationRun) error {
	if run.ID == "" {
		run.ID = cuid.New()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		positions := run.Positions
		run.Positions = nil
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		for i := range positions {
			if positions[i].ID == "" {
				positions[i].ID = cuid.New()
			}
			positions[i].RunID = run.ID
		}
		if len(positions) > 0 {
			if err := tx.CreateInBatches(positions, 200).Error; err != nil {
				return err
			}
		}
		run.Positions = positions
		return nil
	})
}

// Delete deletes a run with its positions. Depth maps computed from the run
// are deleted too.
func (r *RunRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maps []models.DepthMap
		if err := tx.Select("id", "run_ids").
			Where("run_ids LIKE ?", "%\""+id+"\"%").
			Find(&maps).Error; err != nil {
			return err
		}
		for i := range maps {
			ids, err := RunIDs(&maps[i])
			if err != nil {
				return err
			}
			if !slices.Contains(ids, id) {
				continue
			}
			if err := deleteDepthMap(tx, maps[i].ID); err != nil {
				return err
			}
		}

		if err := tx.Delete(&models.LedPosition{}, "run_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.CalibrationRun{}, "id = ?", id).Error
	})
}
