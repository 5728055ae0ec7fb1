package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fermentation-monitor-backend/internal/model"
)

// StartRun opens a new running run for the device. The target pH is frozen into the
// run: the caller's value when given, else the device settings target.
//
// The count check rejects the common case; the partial unique index on
// (device_id) WHERE status='running' rejects a concurrent start that slipped past it.
func (s *gormStore) StartRun(ctx context.Context, deviceID int64, mode model.RunMode, targetPH *float64, now time.Time) (model.FermentationRun, error) {
	var run model.FermentationRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device model.Device
		if err := tx.Select("id").First(&device, deviceID).Error; err != nil {
			return notFound(err, ErrNotFound)
		}

		var running int64
		if err := tx.Model(&model.FermentationRun{}).
			Where("device_id = ? AND status = ?", deviceID, model.RunStatusRunning).
			Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return ErrAlreadyRunning
		}

		var target float64
		if targetPH != nil {
			target = *targetPH
		} else {
			settings, err := getSettings(tx, deviceID)
			if err != nil {
				return err
			}
			target = settings.TargetPH
		}

		run = model.FermentationRun{
			DeviceID:  deviceID,
			Status:    model.RunStatusRunning,
			Mode:      mode,
			TargetPH:  target,
			StartedAt: now,
		}
		return tx.Create(&run).Error
	})
	if err == nil {
		return run, nil
	}
	if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotFound) {
		return model.FermentationRun{}, err
	}

	// A failed insert while another run is now active means we lost the race.
	if _, activeErr := s.ActiveRun(ctx, deviceID); activeErr == nil {
		return model.FermentationRun{}, ErrAlreadyRunning
	}
	return model.FermentationRun{}, fmt.Errorf("failed to start run for device %d: %w", deviceID, err)
}

// StopRun finishes the running run of the device. Stopping an idle device is a no-op
// and returns a nil run, so concurrent stops are idempotent.
func (s *gormStore) StopRun(ctx context.Context, deviceID int64, now time.Time) (*model.FermentationRun, error) {
	var stopped *model.FermentationRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run model.FermentationRun
		if err := tx.Where("device_id = ? AND status = ?", deviceID, model.RunStatusRunning).
			Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		res := tx.Model(&model.FermentationRun{}).
			Where("id = ? AND status = ?", run.ID, model.RunStatusRunning).
			Updates(map[string]any{"status": model.RunStatusDone, "ended_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		run.Status = model.RunStatusDone
		run.EndedAt = &now
		stopped = &run
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stop run for device %d: %w", deviceID, err)
	}
	return stopped, nil
}

// ActiveRun returns the running run of the device or ErrNoActiveRun.
func (s *gormStore) ActiveRun(ctx context.Context, deviceID int64) (model.FermentationRun, error) {
	var run model.FermentationRun
	if err := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, model.RunStatusRunning).
		Take(&run).Error; err != nil {
		return model.FermentationRun{}, notFound(err, ErrNoActiveRun)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *gormStore) GetRun(ctx context.Context, runID int64) (model.FermentationRun, error) {
	var run model.FermentationRun
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return model.FermentationRun{}, notFound(err, ErrNotFound)
	}
	return run, nil
}

// MarkLeakDetected sets the sticky leak flag. It reports true only for the call that set it.
func (s *gormStore) MarkLeakDetected(ctx context.Context, runID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.FermentationRun{}).
		Where("id = ? AND leak_detected = ?", runID, false).
		Update("leak_detected", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to flag leak on run %d: %w", runID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TriggerDrain latches the run's drain flag with a false->true compare-and-set and,
// only when this call flipped it, enqueues a DRAIN_OPEN command in the same
// transaction. A nil command means the drain had already been triggered for this run.
func (s *gormStore) TriggerDrain(ctx context.Context, run model.FermentationRun, payload string, now time.Time) (*model.DeviceCommand, error) {
	var cmd *model.DeviceCommand
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.FermentationRun{}).
			Where("id = ? AND status = ? AND drain_triggered = ?", run.ID, model.RunStatusRunning, false).
			Update("drain_triggered", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		runID := run.ID
		created := newCommand(run.DeviceID, &runID, model.CommandDrainOpen, payload, now)
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		cmd = &created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to trigger drain on run %d: %w", run.ID, err)
	}
	return cmd, nil
}
