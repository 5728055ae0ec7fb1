package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ingestion outcomes used as the "outcome" label.
const (
	OutcomeOK                = "ok"
	OutcomeMissingIdentifier = "missing_device_identifier"
	OutcomeInvalidPayload    = "invalid_payload"
	OutcomeRegistration      = "registration_failed"
	OutcomePersist           = "telemetry_persist_failed"
)

// Metrics groups the service's Prometheus collectors.
type Metrics struct {
	ReadingsIngested  *prometheus.CounterVec
	IngestDuration    prometheus.Histogram
	PolicyErrors      *prometheus.CounterVec
	DrainsTriggered   prometheus.Counter
	LeaksDetected     prometheus.Counter
	DevicesOffline    prometheus.Counter
	SweepFailures     prometheus.Counter
	CommandsPublished *prometheus.CounterVec
	AlertsDropped     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil registerer leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "readings_ingested_total",
			Help:      "Telemetry readings received, by outcome.",
		}, []string{"outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fermentd",
			Name:      "ingest_duration_seconds",
			Help:      "Time spent ingesting one reading.",
			Buckets:   prometheus.DefBuckets,
		}),
		PolicyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "policy_errors_total",
			Help:      "Non-fatal failures in the control policy path, by stage.",
		}, []string{"stage"}),
		DrainsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "drains_triggered_total",
			Help:      "DRAIN_OPEN commands enqueued by the pH trigger.",
		}),
		LeaksDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "leaks_detected_total",
			Help:      "Runs newly flagged with a suspected leak.",
		}),
		DevicesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "devices_marked_offline_total",
			Help:      "Devices transitioned to offline by the liveness sweep.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "liveness_sweep_failures_total",
			Help:      "Liveness sweeps that failed and were deferred to the next cycle.",
		}),
		CommandsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "commands_published_total",
			Help:      "Device command publish attempts, by result.",
		}, []string{"result"}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fermentd",
			Name:      "alerts_dropped_total",
			Help:      "Alerts dropped because the alert queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ReadingsIngested,
			m.IngestDuration,
			m.PolicyErrors,
			m.DrainsTriggered,
			m.LeaksDetected,
			m.DevicesOffline,
			m.SweepFailures,
			m.CommandsPublished,
			m.AlertsDropped,
		)
	}
	return m
}
