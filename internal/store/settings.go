package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fermentation-monitor-backend/internal/model"
)

// DefaultSettings is what a device without a settings row behaves as.
func DefaultSettings(deviceID int64) model.DeviceSettings {
	return model.DeviceSettings{
		DeviceID:            deviceID,
		TargetPH:            DefaultTargetPH,
		AutoDrainPreference: true,
	}
}

// GetSettings returns the device settings, or the defaults when none were saved.
func (s *gormStore) GetSettings(ctx context.Context, deviceID int64) (model.DeviceSettings, error) {
	return getSettings(s.db.WithContext(ctx), deviceID)
}

func getSettings(db *gorm.DB, deviceID int64) (model.DeviceSettings, error) {
	var settings model.DeviceSettings
	if err := db.Where("device_id = ?", deviceID).Take(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultSettings(deviceID), nil
		}
		return model.DeviceSettings{}, fmt.Errorf("failed to load settings for device %d: %w", deviceID, err)
	}
	return settings, nil
}

// UpsertSettings creates or replaces the settings row of a device.
func (s *gormStore) UpsertSettings(ctx context.Context, settings *model.DeviceSettings) error {
	settings.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"target_ph", "auto_drain_preference", "updated_at"}),
	}).Create(settings).Error; err != nil {
		return fmt.Errorf("failed to save settings for device %d: %w", settings.DeviceID, err)
	}
	return nil
}
