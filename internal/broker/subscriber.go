package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fermentation-monitor-backend/internal/ingest"
)

// MessageIngester is the part of the ingestion service the subscriber needs.
type MessageIngester interface {
	IngestMessage(ctx context.Context, topic string, payload []byte) (ingest.Result, error)
}

// Subscriptions is implemented by Client.
type Subscriptions interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// Subscriber feeds sensor messages from every device into ingestion.
type Subscriber struct {
	client    Subscriptions
	ingester  MessageIngester
	namespace string
	qos       byte
	logger    *zap.Logger
}

// NewSubscriber creates a sensor topic subscriber.
func NewSubscriber(client Subscriptions, ingester MessageIngester, namespace string, qos byte, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		client:    client,
		ingester:  ingester,
		namespace: namespace,
		qos:       qos,
		logger:    logger,
	}
}

// Start subscribes to the sensor filter. Messages are ingested with ctx until it is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	filter := SensorFilter(s.namespace)
	if err := s.client.Subscribe(filter, s.qos, s.handle(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	s.logger.Info("sensor subscriber started", zap.String("filter", filter))
	return nil
}

func (s *Subscriber) handle(ctx context.Context) MessageHandler {
	return func(topic string, payload []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := s.ingester.IngestMessage(ctx, topic, payload)
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
		s.logger.Debug("ingested broker reading",
			zap.String("topic", topic),
			zap.Int64("device_id", res.DeviceID),
			zap.Int64("telemetry_id", res.TelemetryID),
		)
		return nil
	}
}
