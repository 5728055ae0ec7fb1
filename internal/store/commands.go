package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fermentation-monitor-backend/internal/model"
)

func newCommand(deviceID int64, runID *int64, kind model.CommandKind, payload string, now time.Time) model.DeviceCommand {
	return model.DeviceCommand{
		DeviceID:  deviceID,
		RunID:     runID,
		Kind:      kind,
		Payload:   payload,
		Status:    model.CommandStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EnqueueCommand records a queued command for the external publisher.
func (s *gormStore) EnqueueCommand(ctx context.Context, deviceID int64, runID *int64, kind model.CommandKind, payload string) (model.DeviceCommand, error) {
	cmd := newCommand(deviceID, runID, kind, payload, time.Now().UTC())
	if err := s.db.WithContext(ctx).Create(&cmd).Error; err != nil {
		return model.DeviceCommand{}, fmt.Errorf("failed to enqueue %s for device %d: %w", kind, deviceID, err)
	}
	return cmd, nil
}

// QueuedCommands returns up to limit queued commands, oldest first.
func (s *gormStore) QueuedCommands(ctx context.Context, limit int) ([]model.DeviceCommand, error) {
	var cmds []model.DeviceCommand
	if err := s.db.WithContext(ctx).
		Where("status = ?", model.CommandStatusQueued).
		Order("id ASC").
		Limit(limit).
		Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch queued commands: %w", err)
	}
	return cmds, nil
}

// AckCommand moves a queued command to delivered or failed.
func (s *gormStore) AckCommand(ctx context.Context, commandID int64, status model.CommandStatus, lastError string) (model.DeviceCommand, error) {
	var cmd model.DeviceCommand
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.DeviceCommand{}).
			Where("id = ? AND status = ?", commandID, model.CommandStatusQueued).
			Updates(map[string]any{
				"status":     status,
				"last_error": lastError,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}

		if err := tx.First(&cmd, commandID).Error; err != nil {
			return notFound(err, ErrNotFound)
		}
		if res.RowsAffected == 0 {
			return ErrCommandNotQueued
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCommandNotQueued) {
			return model.DeviceCommand{}, err
		}
		return model.DeviceCommand{}, fmt.Errorf("failed to ack command %d: %w", commandID, err)
	}
	return cmd, nil
}

// RecordCommandFailure counts a failed delivery attempt. The command stays queued for
// another attempt until maxAttempts is reached, then it is marked failed.
func (s *gormStore) RecordCommandFailure(ctx context.Context, commandID int64, lastError string, maxAttempts int) (model.CommandStatus, error) {
	var cmd model.DeviceCommand
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND status = ?", commandID, model.CommandStatusQueued).Take(&cmd).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCommandNotQueued
			}
			return err
		}

		cmd.Attempts++
		cmd.LastError = lastError
		if cmd.Attempts >= maxAttempts {
			cmd.Status = model.CommandStatusFailed
		}
		return tx.Model(&model.DeviceCommand{}).
			Where("id = ?", commandID).
			Updates(map[string]any{
				"status":     cmd.Status,
				"last_error": cmd.LastError,
				"attempts":   cmd.Attempts,
			}).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to record failure for command %d: %w", commandID, err)
	}
	return cmd.Status, nil
}
