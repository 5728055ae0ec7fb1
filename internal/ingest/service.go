package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fermentation-monitor-backend/internal/metrics"
	"fermentation-monitor-backend/internal/model"
	"fermentation-monitor-backend/internal/notification"
	"fermentation-monitor-backend/internal/policy"
	"fermentation-monitor-backend/internal/store"
)

// ReadingSink receives every persisted reading. Sinks are best effort: a failing sink is
// logged and never fails the ingestion.
type ReadingSink interface {
	Name() string
	Write(ctx context.Context, device model.Device, reading model.Telemetry) error
}

// Alerter queues user-facing alerts without blocking.
type Alerter interface {
	Notify(alert notification.Alert) bool
}

// Result is the acknowledgement returned for a successfully ingested reading.
type Result struct {
	DeviceID       int64  `json:"device_id"`
	DeviceCode     string `json:"device_code"`
	TelemetryID    int64  `json:"telemetry_id"`
	RunID          *int64 `json:"run_id"`
	DrainTriggered bool   `json:"drain_triggered"`
	CommandID      *int64 `json:"command_id,omitempty"`
	LeakDetected   bool   `json:"leak_detected"`
}

// DrainPayload is the JSON body stored with a DRAIN_OPEN command.
type DrainPayload struct {
	Reason        string  `json:"reason"`
	RunID         int64   `json:"run_id"`
	TargetPH      float64 `json:"target_ph"`
	PH            float64 `json:"ph"`
	CorrelationID string  `json:"correlation_id"`
}

// Service runs the ingestion pipeline.
type Service struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	sinks   []ReadingSink
	alerts  Alerter
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSinks adds reading sinks.
func WithSinks(sinks ...ReadingSink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// WithAlerter sets where drain and leak alerts go.
func WithAlerter(a Alerter) Option {
	return func(s *Service) { s.alerts = a }
}

// WithMetrics sets the collectors to record into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the ingestion service.
func NewService(st store.Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		logger:  logger,
		metrics: metrics.New(nil),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestPayload decodes an HTTP body and ingests it.
func (s *Service) IngestPayload(ctx context.Context, body []byte) (Result, error) {
	ev, err := Decode(body)
	if err != nil {
		s.metrics.ReadingsIngested.WithLabelValues(outcome(err)).Inc()
		return Result{}, err
	}
	return s.Ingest(ctx, ev)
}

// IngestMessage ingests a message received from the broker.
func (s *Service) IngestMessage(ctx context.Context, topic string, payload []byte) (Result, error) {
	return s.Ingest(ctx, RawEvent{Envelope: &BrokerEnvelope{Topic: topic, Payload: payload}})
}

// Ingest resolves the device, persists the reading and applies the control policy.
//
// Device resolution and persistence are the critical path and their failures are
// returned. Everything after the reading is stored only logs its failures.
func (s *Service) Ingest(ctx context.Context, ev RawEvent) (Result, error) {
	receivedAt := s.now()
	timer := time.Now()
	defer func() { s.metrics.IngestDuration.Observe(time.Since(timer).Seconds()) }()

	result, err := s.ingest(ctx, ev, receivedAt)
	s.metrics.ReadingsIngested.WithLabelValues(outcome(err)).Inc()
	return result, err
}

func (s *Service) ingest(ctx context.Context, ev RawEvent, receivedAt time.Time) (Result, error) {
	reading, err := Resolve(ev, receivedAt)
	if err != nil {
		s.logger.Warn("rejected reading", zap.Error(err))
		return Result{}, err
	}
	log := s.logger.With(zap.String("device_code", reading.DeviceCode))

	device, err := s.store.ResolveOrRegisterDevice(ctx, reading.DeviceCode)
	if err != nil {
		log.Error("failed to resolve device", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	log = log.With(zap.Int64("device_id", device.ID))

	// Liveness is refreshed before the insert; a failed insert leaves the device online.
	if err := s.store.MarkSeen(ctx, device.ID, receivedAt); err != nil {
		log.Warn("failed to mark device seen", zap.Error(err))
	}

	var run *model.FermentationRun
	active, err := s.store.ActiveRun(ctx, device.ID)
	switch {
	case err == nil:
		run = &active
	case !errors.Is(err, store.ErrNoActiveRun):
		s.metrics.PolicyErrors.WithLabelValues("active_run").Inc()
		log.Warn("failed to load active run, storing reading without batch", zap.Error(err))
	}

	telemetry := model.Telemetry{
		DeviceID:   device.ID,
		PH:         reading.PH,
		TempC:      reading.TempC,
		WaterLevel: reading.WaterLevel,
		CreatedAt:  reading.Timestamp,
	}
	if run != nil {
		runID := run.ID
		telemetry.RunID = &runID
	}
	if err := s.store.AppendTelemetry(ctx, &telemetry); err != nil {
		log.Error("failed to persist reading", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrTelemetryPersistFailed, err)
	}

	result := Result{
		DeviceID:    device.ID,
		DeviceCode:  device.DeviceCode,
		TelemetryID: telemetry.ID,
		RunID:       telemetry.RunID,
	}
	if run != nil {
		s.applyPolicy(ctx, log, *run, telemetry, &result)
	}

	for _, sink := range s.sinks {
		if err := sink.Write(ctx, device, telemetry); err != nil {
			log.Warn("reading sink failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}

	log.Debug("ingested reading",
		zap.Int64("telemetry_id", telemetry.ID),
		zap.String("reported_mode", string(reading.Mode)),
		zap.Bool("drain_triggered", result.DrainTriggered),
		zap.Bool("leak_detected", result.LeakDetected),
	)
	return result, nil
}

// applyPolicy evaluates the drain trigger and leak detection for a reading that is
// already persisted. Failures are counted and logged only.
func (s *Service) applyPolicy(ctx context.Context, log *zap.Logger, run model.FermentationRun, current model.Telemetry, result *Result) {
	log = log.With(zap.Int64("run_id", run.ID))

	settings, err := s.store.GetSettings(ctx, run.DeviceID)
	if err != nil {
		s.metrics.PolicyErrors.WithLabelValues("settings").Inc()
		log.Warn("skipping policy: settings lookup failed", zap.Error(err))
		return
	}

	in := policy.Input{Run: run, Settings: settings, Current: current}
	if run.Mode == model.RunModeAuto {
		previous, err := s.previousReading(ctx, current)
		if err != nil {
			s.metrics.PolicyErrors.WithLabelValues("previous_reading").Inc()
			log.Warn("skipping leak check: previous reading lookup failed", zap.Error(err))
		}
		in.Previous = previous
	}
	decision := policy.Evaluate(in)

	if decision.TriggerDrain {
		s.triggerDrain(ctx, log, run, current, decision, result)
	}

	if decision.LeakSuspected {
		result.LeakDetected = true
		flagged, err := s.store.MarkLeakDetected(ctx, run.ID)
		if err != nil {
			s.metrics.PolicyErrors.WithLabelValues("leak").Inc()
			log.Warn("failed to flag leak", zap.Error(err))
			return
		}
		if flagged {
			s.metrics.LeaksDetected.Inc()
			log.Warn("leak suspected",
				zap.Float64("drop", decision.Drop),
				zap.Duration("elapsed", decision.Elapsed),
			)
			s.alert(log, notification.Alert{Kind: notification.AlertLeakSuspected, DeviceID: run.DeviceID, RunID: run.ID})
		}
	}
}

func (s *Service) triggerDrain(ctx context.Context, log *zap.Logger, run model.FermentationRun, current model.Telemetry, decision policy.Decision, result *Result) {
	payload, err := json.Marshal(DrainPayload{
		Reason:        policy.ReasonPHTargetReached,
		RunID:         run.ID,
		TargetPH:      decision.TargetPH,
		PH:            current.PH,
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		s.metrics.PolicyErrors.WithLabelValues("drain").Inc()
		log.Error("failed to encode drain payload", zap.Error(err))
		return
	}

	cmd, err := s.store.TriggerDrain(ctx, run, string(payload), s.now())
	if err != nil {
		s.metrics.PolicyErrors.WithLabelValues("drain").Inc()
		log.Warn("failed to trigger drain", zap.Error(err))
		return
	}
	if cmd == nil {
		// Latched by an earlier or concurrent reading.
		return
	}

	result.DrainTriggered = true
	result.CommandID = &cmd.ID
	s.metrics.DrainsTriggered.Inc()
	log.Info("drain triggered",
		zap.Int64("command_id", cmd.ID),
		zap.Float64("ph", current.PH),
		zap.Float64("target_ph", decision.TargetPH),
	)
	s.alert(log, notification.Alert{Kind: notification.AlertDrainTriggered, DeviceID: run.DeviceID, RunID: run.ID})
}

// previousReading returns the reading just before current for the same device. It
// returns nil when current is not the newest reading, so a late arrival is never
// compared against readings that were taken after it.
func (s *Service) previousReading(ctx context.Context, current model.Telemetry) (*model.Telemetry, error) {
	latest, err := s.store.LatestTelemetry(ctx, current.DeviceID, 2)
	if err != nil {
		return nil, err
	}
	if len(latest) < 2 || latest[0].ID != current.ID {
		return nil, nil
	}
	return &latest[1], nil
}

func (s *Service) alert(log *zap.Logger, a notification.Alert) {
	if s.alerts == nil {
		return
	}
	if !s.alerts.Notify(a) {
		s.metrics.AlertsDropped.Inc()
		log.Warn("alert queue full, dropping alert", zap.String("kind", string(a.Kind)))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrMissingDeviceIdentifier):
		return metrics.OutcomeMissingIdentifier
	case errors.Is(err, ErrRegistrationFailed):
		return metrics.OutcomeRegistration
	case errors.Is(err, ErrTelemetryPersistFailed):
		return metrics.OutcomePersist
	default:
		return metrics.OutcomeInvalidPayload
	}
}
