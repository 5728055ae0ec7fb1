// Package tsdb mirrors telemetry into InfluxDB for long-range charting.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"fermentation-monitor-backend/config"
	"fermentation-monitor-backend/internal/model"
)

// Measurement is the InfluxDB measurement readings are written to.
const Measurement = "fermentation_telemetry"

const (
	connectTimeout = 10 * time.Second
	batchSize      = 100
	flushInterval  = 1000 // milliseconds
)

// ErrDisabled is returned by Connect when the mirror is switched off.
var ErrDisabled = errors.New("tsdb: influxdb is disabled")

// Sink writes readings through the client's non-blocking write API.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger
}

// Connect pings the server and prepares a batched writer for the configured bucket.
func Connect(cfg config.InfluxDBConfig, logger *zap.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushInterval),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}

	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
	}
	go s.logWriteErrors(s.writeAPI.Errors())
	return s, nil
}

func (s *Sink) logWriteErrors(errs <-chan error) {
	for err := range errs {
		s.logger.Warn("influxdb write failed", zap.Error(err))
	}
}

// Name identifies the sink in logs.
func (s *Sink) Name() string { return "influxdb" }

// Write queues one point. Delivery errors surface asynchronously in the log.
func (s *Sink) Write(_ context.Context, device model.Device, reading model.Telemetry) error {
	s.writeAPI.WritePoint(Point(device, reading))
	return nil
}

// Point converts a reading into an InfluxDB point tagged by device.
func Point(device model.Device, reading model.Telemetry) *write.Point {
	tags := map[string]string{
		"device_code": device.DeviceCode,
		"device_id":   strconv.FormatInt(device.ID, 10),
	}
	if reading.RunID != nil {
		tags["run_id"] = strconv.FormatInt(*reading.RunID, 10)
	}
	return write.NewPoint(Measurement, tags,
		map[string]interface{}{
			"ph":          reading.PH,
			"temp_c":      reading.TempC,
			"water_level": reading.WaterLevel,
		},
		reading.CreatedAt,
	)
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
