package repositories

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
)

// Setting keys persisted by the server.
const (
	SettingStereoBaseline = "stereo_baseline"
	SettingLastRunID      = "last_run_id"
)

// Setting validation errors.
var (
	ErrUnknownSetting  = errors.New("unknown setting")
	ErrReadOnlySetting = errors.New("setting is managed by the server")
	ErrInvalidSetting  = errors.New("invalid setting value")
)

// SettingKeys lists every known key.
var SettingKeys = []string{SettingStereoBaseline, SettingLastRunID}

// CheckWritable returns nil if users may change or clear key.
func CheckWritable(key string) error {
	switch key {
	case SettingStereoBaseline:
		return nil
	case SettingLastRunID:
		return fmt.Errorf("%w: %s", ErrReadOnlySetting, key)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
}

// ValidateSetting checks a user-supplied value for key.
func ValidateSetting(key, value string) error {
	if err := CheckWritable(key); err != nil {
		return err
	}
	// Only stereo_baseline is writable today.
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || !(v > 0) || math.IsInf(v, 1) {
		return fmt.Errorf("%w: %s must be a positive number, got %q", ErrInvalidSetting, key, value)
	}
	return nil
}

// SettingRepository handles setting data access.
type SettingRepository struct {
	db *gorm.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *gorm.DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// FindAll returns all settings.
func (r *SettingRepository) FindAll(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	result := r.db.WithContext(ctx).
		Order("key ASC").
		Find(&settings)
	return settings, result.Error
}

// FindByKey returns a setting by key, or nil if it does not exist.
func (r *SettingRepository) FindByKey(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	result := r.db.WithContext(ctx).First(&setting, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &setting, nil
}

// GetFloat returns a numeric setting, or def when missing or unparsable.
func (r *SettingRepository) GetFloat(ctx context.Context, key string, def float64) (float64, error) {
	setting, err := r.FindByKey(ctx, key)
	if err != nil || setting == nil {
		return def, err
	}
	v, err := strconv.ParseFloat(setting.Value, 64)
	if err != nil {
		return def, nil
	}
	return v, nil
}

// Upsert creates or updates a setting by key.
func (r *SettingRepository) Upsert(ctx context.Context, key, value string) (*models.Setting, error) {
	var setting models.Setting

	result := r.db.WithContext(ctx).First(&setting, "key = ?", key)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		setting = models.Setting{
			ID:    cuid.New(),
			Key:   key,
			Value: value,
		}
		if err := r.db.WithContext(ctx).Create(&setting).Error; err != nil {
			return nil, err
		}
		return &setting, nil
	} else if result.Error != nil {
		return nil, result.Error
	}

	setting.Value = value
	if err := r.db.WithContext(ctx).Save(&setting).Error; err != nil {
		return nil, err
	}
	return &setting, nil
}

// Delete deletes a setting by key.
func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Delete(&models.Setting{}, "key = ?", key).Error
}
