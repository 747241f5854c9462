package repositories

import (
	"context"
	"errors"
	"sort"

	"github.com/bbernstein/lacyconnect/internal/database/models"
	"github.com/lucsky/cuid"
	"gorm.io/gorm"
)

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

// FindByPrefix returns the settings whose key starts with prefix.
func (r *SettingRepository) FindByPrefix(ctx context.Context, prefix string) ([]models.Setting, error) {
	var settings []models.Setting
	result := r.db.WithContext(ctx).
		Where("substr(key, 1, ?) = ?", len(prefix), prefix).
		Order("key ASC").
		Find(&settings)
	return settings, result.Error
}

// FindByKey returns a setting by key, or nil when it does not exist.
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

// Upsert creates or updates a setting by key.
func (r *SettingRepository) Upsert(ctx context.Context, key, value string) (*models.Setting, error) {
	return upsert(r.db.WithContext(ctx), key, value)
}

// UpsertMany writes all values in one transaction, so readers never see a
// half-written group.
func (r *SettingRepository) UpsertMany(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			if _, err := upsert(tx, k, values[k]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete deletes a setting by key.
func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Delete(&models.Setting{}, "key = ?", key).Error
}

// DeleteByPrefix deletes every setting whose key starts with prefix.
func (r *SettingRepository) DeleteByPrefix(ctx context.Context, prefix string) error {
	return r.db.WithContext(ctx).
		Where("substr(key, 1, ?) = ?", len(prefix), prefix).
		Delete(&models.Setting{}).Error
}

func upsert(db *gorm.DB, key, value string) (*models.Setting, error) {
	var setting models.Setting

	result := db.First(&setting, "key = ?", key)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		setting = models.Setting{
			ID:    cuid.New(),
			Key:   key,
			Value: value,
		}
		if err := db.Create(&setting).Error; err != nil {
			return nil, err
		}
		return &setting, nil
	} else if result.Error != nil {
		return nil, result.Error
	}

	setting.Value = value
	if err := db.Save(&setting).Error; err != nil {
		return nil, err
	}
	return &setting, nil
}
