// Package events publishes persisted readings to a Redis stream for live consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"fermentation-monitor-backend/config"
	"fermentation-monitor-backend/internal/model"
)

// DefaultMaxLen bounds the stream; older entries are trimmed approximately.
const DefaultMaxLen = 10000

// ReadingEvent is the JSON document stored in the "data" field of each entry.
type ReadingEvent struct {
	DeviceID   int64     `json:"device_id"`
	DeviceCode string    `json:"device_code"`
	RunID      *int64    `json:"run_id"`
	PH         float64   `json:"ph"`
	TempC      float64   `json:"temp_c"`
	WaterLevel float64   `json:"water_level"`
	CreatedAt  time.Time `json:"created_at"`
}

// StreamSink appends every reading to a Redis stream with XADD.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewStreamSink creates a sink writing to stream.
func NewStreamSink(client *redis.Client, stream string) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: DefaultMaxLen}
}

// Name identifies the sink in logs.
func (s *StreamSink) Name() string { return "redis_stream" }

// Write publishes one reading.
func (s *StreamSink) Write(ctx context.Context, device model.Device, reading model.Telemetry) error {
	data, err := json.Marshal(ReadingEvent{
		DeviceID:   device.ID,
		DeviceCode: device.DeviceCode,
		RunID:      reading.RunID,
		PH:         reading.PH,
		TempC:      reading.TempC,
		WaterLevel: reading.WaterLevel,
		CreatedAt:  reading.CreatedAt,
	})
	if err != nil {
		return err
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"device_code": device.DeviceCode,
			"data":        string(data),
			"timestamp":   reading.CreatedAt.Unix(),
		},
	}).Err()
}
