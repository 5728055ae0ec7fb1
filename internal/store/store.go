package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"fermentation-monitor-backend/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyRunning is returned by StartRun when the device already has a running run.
	ErrAlreadyRunning = errors.New("store: device already has a running fermentation run")

	// ErrNoActiveRun is returned when an operation needs a running run and there is none.
	ErrNoActiveRun = errors.New("store: device has no active fermentation run")

	// ErrCommandNotQueued is returned when acknowledging a command that already left the queue.
	ErrCommandNotQueued = errors.New("store: command is not queued")
)

// DefaultTargetPH is used when a device has no settings row.
const DefaultTargetPH = 4.5

// Edge selects the first or last reading of a run.
type Edge int

const (
	EdgeFirst Edge = iota
	EdgeLast
)

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB

	// Device registry.
	ResolveOrRegisterDevice(ctx context.Context, code string) (model.Device, error)
	GetDevice(ctx context.Context, deviceID int64) (model.Device, error)
	MarkSeen(ctx context.Context, deviceID int64, at time.Time) error
	MarkOfflineIfStale(ctx context.Context, now time.Time, timeout time.Duration) ([]int64, error)

	// Telemetry.
	AppendTelemetry(ctx context.Context, reading *model.Telemetry) error
	LatestTelemetry(ctx context.Context, deviceID int64, n int) ([]model.Telemetry, error)
	TelemetryForRun(ctx context.Context, runID int64, edge Edge) (model.Telemetry, error)

	// Fermentation runs.
	StartRun(ctx context.Context, deviceID int64, mode model.RunMode, targetPH *float64, now time.Time) (model.FermentationRun, error)
	StopRun(ctx context.Context, deviceID int64, now time.Time) (*model.FermentationRun, error)
	ActiveRun(ctx context.Context, deviceID int64) (model.FermentationRun, error)
	GetRun(ctx context.Context, runID int64) (model.FermentationRun, error)
	MarkLeakDetected(ctx context.Context, runID int64) (bool, error)
	TriggerDrain(ctx context.Context, run model.FermentationRun, payload string, now time.Time) (*model.DeviceCommand, error)

	// Device settings.
	GetSettings(ctx context.Context, deviceID int64) (model.DeviceSettings, error)
	UpsertSettings(ctx context.Context, settings *model.DeviceSettings) error

	// Device commands.
	EnqueueCommand(ctx context.Context, deviceID int64, runID *int64, kind model.CommandKind, payload string) (model.DeviceCommand, error)
	QueuedCommands(ctx context.Context, limit int) ([]model.DeviceCommand, error)
	AckCommand(ctx context.Context, commandID int64, status model.CommandStatus, lastError string) (model.DeviceCommand, error)
	RecordCommandFailure(ctx context.Context, commandID int64, lastError string, maxAttempts int) (model.CommandStatus, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for handlers that query read models directly.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func notFound(err error, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}
