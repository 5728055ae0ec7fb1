package store

import (
	"context"
	"fmt"

	"fermentation-monitor-backend/internal/model"
)

// AppendTelemetry inserts one immutable reading. Duplicates are stored as distinct rows.
func (s *gormStore) AppendTelemetry(ctx context.Context, reading *model.Telemetry) error {
	if err := s.db.WithContext(ctx).Create(reading).Error; err != nil {
		return fmt.Errorf("failed to append telemetry for device %d: %w", reading.DeviceID, err)
	}
	return nil
}

// LatestTelemetry returns up to n readings for the device, newest first.
func (s *gormStore) LatestTelemetry(ctx context.Context, deviceID int64, n int) ([]model.Telemetry, error) {
	var readings []model.Telemetry
	if err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").Order("id DESC").
		Limit(n).
		Find(&readings).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch telemetry for device %d: %w", deviceID, err)
	}
	return readings, nil
}

// TelemetryForRun returns the first or last reading recorded while the run was active.
func (s *gormStore) TelemetryForRun(ctx context.Context, runID int64, edge Edge) (model.Telemetry, error) {
	order := "created_at ASC, id ASC"
	if edge == EdgeLast {
		order = "created_at DESC, id DESC"
	}

	var reading model.Telemetry
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order(order).
		Take(&reading).Error; err != nil {
		return model.Telemetry{}, notFound(err, ErrNotFound)
	}
	return reading, nil
}
