// Package commands delivers queued device commands to devices over the broker.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fermentation-monitor-backend/config"
	"fermentation-monitor-backend/internal/broker"
	"fermentation-monitor-backend/internal/metrics"
	"fermentation-monitor-backend/internal/model"
	"fermentation-monitor-backend/internal/store"
)

// Publish results used as the "result" metric label.
const (
	ResultDelivered = "delivered"
	ResultRetry     = "retry"
	ResultFailed    = "failed"
)

// CommandSender delivers one command to its device.
type CommandSender interface {
	Send(ctx context.Context, device model.Device, cmd model.DeviceCommand) error
}

// Message is the wire format published to a device's command topic.
type Message struct {
	CommandID int64             `json:"command_id"`
	Kind      model.CommandKind `json:"kind"`
	RunID     *int64            `json:"run_id,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	IssuedAt  time.Time         `json:"issued_at"`
}

// BrokerPublisher is implemented by broker.Client.
type BrokerPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSender publishes commands to <namespace>/<device_code>/commands.
type MQTTSender struct {
	client    BrokerPublisher
	namespace string
	qos       byte
}

// NewMQTTSender creates a sender on top of a broker client.
func NewMQTTSender(client BrokerPublisher, namespace string, qos byte) *MQTTSender {
	return &MQTTSender{client: client, namespace: namespace, qos: qos}
}

// Send publishes cmd. Commands are never retained; a device that was offline picks
// them up from the next publish cycle instead.
func (s *MQTTSender) Send(_ context.Context, device model.Device, cmd model.DeviceCommand) error {
	msg := Message{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		RunID:     cmd.RunID,
		IssuedAt:  cmd.CreatedAt,
	}
	if cmd.Payload != "" {
		msg.Payload = json.RawMessage(cmd.Payload)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode command %d: %w", cmd.ID, err)
	}
	return s.client.Publish(broker.CommandTopic(s.namespace, device.DeviceCode), body, s.qos, false)
}

// NewPayload encodes fields as a command payload with a fresh correlation_id, so
// devices can ack a command they received more than once.
func NewPayload(fields map[string]any) (string, error) {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["correlation_id"] = uuid.NewString()
	body, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Publisher polls the command queue and hands each command to a sender.
type Publisher struct {
	cfg     config.CommandsConfig
	store   store.Store
	sender  CommandSender
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewPublisher creates a command publisher.
func NewPublisher(cfg config.CommandsConfig, st store.Store, sender CommandSender, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Publisher{cfg: cfg, store: st, sender: sender, logger: logger, metrics: m}
}

// Run publishes queued commands every poll interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		p.logger.Info("command publisher is disabled, not starting")
		return
	}
	p.logger.Info("starting command publisher", zap.Duration("interval", p.cfg.PollInterval))

	p.PublishOnce(ctx)

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("command publisher shutting down")
			return
		case <-timer.C:
			p.PublishOnce(ctx)
			timer.Reset(p.cfg.PollInterval)
		}
	}
}

// PublishOnce sends one batch of queued commands, oldest first, and returns how many
// were delivered. Commands are sent one at a time so each device sees them in order;
// after a failed send the device's remaining commands wait for the next cycle.
func (p *Publisher) PublishOnce(ctx context.Context) int {
	cmds, err := p.store.QueuedCommands(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to fetch queued commands", zap.Error(err))
		return 0
	}

	devices := make(map[int64]model.Device)
	blocked := make(map[int64]bool)
	delivered := 0
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			break
		}
		if blocked[cmd.DeviceID] {
			continue
		}
		log := p.logger.With(zap.Int64("command_id", cmd.ID), zap.Int64("device_id", cmd.DeviceID))

		device, ok := devices[cmd.DeviceID]
		if !ok {
			device, err = p.store.GetDevice(ctx, cmd.DeviceID)
			if err != nil {
				log.Error("failed to load command device", zap.Error(err))
				blocked[cmd.DeviceID] = true
				continue
			}
			devices[cmd.DeviceID] = device
		}

		if err := p.sender.Send(ctx, device, cmd); err != nil {
			p.recordFailure(ctx, log, cmd, err)
			blocked[cmd.DeviceID] = true
			continue
		}

		if _, err := p.store.AckCommand(ctx, cmd.ID, model.CommandStatusDelivered, ""); err != nil {
			if errors.Is(err, store.ErrCommandNotQueued) {
				log.Debug("command acknowledged elsewhere")
				continue
			}
			log.Error("failed to mark command delivered", zap.Error(err))
			continue
		}
		delivered++
		p.metrics.CommandsPublished.WithLabelValues(ResultDelivered).Inc()
		log.Info("command delivered", zap.String("kind", string(cmd.Kind)), zap.String("device_code", device.DeviceCode))
	}
	return delivered
}

func (p *Publisher) recordFailure(ctx context.Context, log *zap.Logger, cmd model.DeviceCommand, sendErr error) {
	status, err := p.store.RecordCommandFailure(ctx, cmd.ID, sendErr.Error(), p.cfg.MaxAttempts)
	if err != nil {
		log.Error("failed to record command failure", zap.NamedError("send_error", sendErr), zap.Error(err))
		return
	}
	if status == model.CommandStatusFailed {
		p.metrics.CommandsPublished.WithLabelValues(ResultFailed).Inc()
		log.Error("command failed permanently", zap.Int("max_attempts", p.cfg.MaxAttempts), zap.Error(sendErr))
		return
	}
	p.metrics.CommandsPublished.WithLabelValues(ResultRetry).Inc()
	log.Warn("command publish failed, will retry", zap.Error(sendErr))
}
