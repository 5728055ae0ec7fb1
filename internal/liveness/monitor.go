// Package liveness marks devices offline when they stop reporting.
package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"fermentation-monitor-backend/config"
	"fermentation-monitor-backend/internal/metrics"
	"fermentation-monitor-backend/internal/store"
)

// DefaultTimeout is how long a device may stay silent before it is marked offline.
const DefaultTimeout = 10 * time.Second

// SweepResult lists the devices a sweep transitioned to offline.
type SweepResult struct {
	Count     int     `json:"count"`
	DeviceIDs []int64 `json:"device_ids"`
}

// Monitor runs the offline sweep on a cron schedule.
type Monitor struct {
	store    store.Store
	timeout  time.Duration
	schedule string
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	cron     *cron.Cron
}

// NewMonitor creates a liveness monitor. A nil metrics set records into unregistered collectors.
func NewMonitor(st store.Store, cfg config.LivenessConfig, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if m == nil {
		m = metrics.New(nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 5s"
	}
	return &Monitor{
		store:    st,
		timeout:  timeout,
		schedule: schedule,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep marks every online device whose last reading is older than now-timeout as
// offline. Re-running it with no newly stale devices changes nothing.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	ids, err := m.store.MarkOfflineIfStale(ctx, now, m.timeout)
	if err != nil {
		m.metrics.SweepFailures.Inc()
		return SweepResult{}, err
	}

	if len(ids) > 0 {
		m.metrics.DevicesOffline.Add(float64(len(ids)))
		m.logger.Info("devices marked offline", zap.Int64s("device_ids", ids))
	}
	return SweepResult{Count: len(ids), DeviceIDs: ids}, nil
}

// SweepNow runs a sweep against the monitor's clock.
func (m *Monitor) SweepNow(ctx context.Context) (SweepResult, error) {
	return m.Sweep(ctx, m.now())
}

// Start schedules the sweep and returns once the scheduler is running. The scheduler
// stops when ctx is cancelled. Sweep failures are logged and retried on the next tick.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger.Sugar()})),
	)
	if _, err := c.AddFunc(m.schedule, func() {
		if _, err := m.SweepNow(ctx); err != nil {
			m.logger.Error("liveness sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid liveness schedule %q: %w", m.schedule, err)
	}

	m.cron = c
	c.Start()
	m.logger.Info("liveness monitor started",
		zap.String("schedule", m.schedule),
		zap.Duration("timeout", m.timeout),
	)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		m.logger.Info("liveness monitor stopped")
	}()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
