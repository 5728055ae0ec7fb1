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

// PlaceholderName is the display name given to auto-registered devices.
func PlaceholderName(code string) string {
	return "Device " + code
}

// ResolveOrRegisterDevice returns the device with the given code, creating an
// unassigned placeholder when none exists. Concurrent first arrivals converge on a
// single row through the unique index on device_code. A failed attempt is retried once.
func (s *gormStore) ResolveOrRegisterDevice(ctx context.Context, code string) (model.Device, error) {
	device, err := s.resolveOrRegister(ctx, code)
	if err != nil {
		device, err = s.resolveOrRegister(ctx, code)
	}
	return device, err
}

func (s *gormStore) resolveOrRegister(ctx context.Context, code string) (model.Device, error) {
	device, err := s.findDeviceByCode(ctx, code)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Device{}, err
	}

	placeholder := model.Device{DeviceCode: code, Name: PlaceholderName(code)}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_code"}},
		DoNothing: true,
	}).Create(&placeholder).Error; err != nil {
		return model.Device{}, fmt.Errorf("failed to register device %q: %w", code, err)
	}
	if placeholder.ID != 0 {
		return placeholder, nil
	}

	// Another ingestion registered the code between our lookup and insert.
	return s.findDeviceByCode(ctx, code)
}

func (s *gormStore) findDeviceByCode(ctx context.Context, code string) (model.Device, error) {
	var device model.Device
	if err := s.db.WithContext(ctx).Where("device_code = ?", code).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("failed to look up device %q: %w", code, err)
	}
	return device, nil
}

// GetDevice fetches a device by its internal identity.
func (s *gormStore) GetDevice(ctx context.Context, deviceID int64) (model.Device, error) {
	var device model.Device
	if err := s.db.WithContext(ctx).First(&device, deviceID).Error; err != nil {
		return model.Device{}, notFound(err, ErrNotFound)
	}
	return device, nil
}

// MarkSeen flags the device online and records when it was last heard from.
func (s *gormStore) MarkSeen(ctx context.Context, deviceID int64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]any{"is_online": true, "last_seen": at}).Error
}

// MarkOfflineIfStale flips every online device whose last reading is older than
// now-timeout to offline in one conditional UPDATE and returns the affected ids.
func (s *gormStore) MarkOfflineIfStale(ctx context.Context, now time.Time, timeout time.Duration) ([]int64, error) {
	cutoff := now.Add(-timeout)

	var transitioned []model.Device
	if err := s.db.WithContext(ctx).Model(&transitioned).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}}).
		Where("is_online = ? AND last_seen < ?", true, cutoff).
		Updates(map[string]any{"is_online": false}).Error; err != nil {
		return nil, fmt.Errorf("failed to mark stale devices offline: %w", err)
	}

	ids := make([]int64, 0, len(transitioned))
	for _, d := range transitioned {
		ids = append(ids, d.ID)
	}
	return ids, nil
}
