package repositories

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

// DepthRepository handles depth map data access.
type DepthRepository struct {
	db *gorm.DB
}

// NewDepthRepository creates a new DepthRepository.
func NewDepthRepository(db *gorm.DB) *DepthRepository {
	return &DepthRepository{db: db}
}

// FindAll returns all depth maps, newest first, without points.
func (r *DepthRepository) FindAll(ctx context.Context) ([]models.DepthMap, error) {
	var maps []models.DepthMap
	result := r.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&maps)
	return maps, result.Error
}

// FindByID returns a depth map with its points ordered by LED id, or nil.
func (r *DepthRepository) FindByID(ctx context.Context, id string) (*models.DepthMap, error) {
	var dm models.DepthMap
	result := r.db.WithContext(ctx).
		Preload("Points", func(db *gorm.DB) *gorm.DB {
			return db.Order("led_id ASC")
		}).
		First(&dm, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &dm, nil
}

// Save stores depth positions computed from runIDs. skipped is the number of
// LEDs that could not be placed.
func (r *DepthRepository) Save(ctx context.Context, name string, runIDs []string, baseline float64, positions []ledmap.StereoPosition, skipped int) (*models.DepthMap, error) {
	ids, err := json.Marshal(runIDs)
	if err != nil {
		return nil, err
	}
	dm := &models.DepthMap{
		ID:       cuid.New(),
		Baseline: baseline,
		RunIDs:   string(ids),
		Skipped:  skipped,
	}
	if name != "" {
		dm.Name = &name
	}
	for _, p := range positions {
		dm.Points = append(dm.Points, models.DepthPoint{
			ID:    cuid.New(),
			LedID: p.ID,
			X:     p.X,
			Y:     p.Y,
			Z:     p.Z,
		})
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		points := dm.Points
		dm.Points = nil
		if err := tx.Create(dm).Error; err != nil {
			return err
		}
		for i := range points {
			points[i].DepthMapID = dm.ID
		}
		if len(points) > 0 {
			if err := tx.CreateInBatches(points, 200).Error; err != nil {
				return err
			}
		}
		dm.Points = points
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dm, nil
}

// RunIDs decodes the run ids a depth map was computed from.
func RunIDs(dm *models.DepthMap) ([]string, error) {
	var ids []string
	if dm.RunIDs == "" {
		return ids, nil
	}
	err := json.Unmarshal([]byte(dm.RunIDs), &ids)
	return ids, err
}

// Delete deletes a depth map and its points.
func (r *DepthRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteDepthMap(tx, id)
	})
}

func deleteDepthMap(tx *gorm.DB, id string) error {
	if err := tx.Delete(&models.DepthPoint{}, "depth_map_id = ?", id).Error; err != nil {
		return err
	}
	return tx.Delete(&models.DepthMap{}, "id = ?", id).Error
}
