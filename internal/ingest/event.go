// Package ingest turns inbound sensor events into persisted telemetry and applies the
// control policy to the device's active run.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"fermentation-monitor-backend/internal/model"
	"fermentation-monitor-backend/internal/parse"
)

var (
	// ErrMissingDeviceIdentifier is returned when neither the payload nor the topic names a device.
	ErrMissingDeviceIdentifier = errors.New("ingest: missing device identifier")

	// ErrInvalidPayload is returned for events that cannot be decoded or carry out-of-range values.
	ErrInvalidPayload = errors.New("ingest: invalid payload")

	// ErrRegistrationFailed is returned when the device could not be resolved or created.
	ErrRegistrationFailed = errors.New("ingest: device registration failed")

	// ErrTelemetryPersistFailed is returned when the reading could not be stored.
	ErrTelemetryPersistFailed = errors.New("ingest: telemetry persist failed")
)

// MaxClockSkew is how far in the future a device timestamp may be before it is
// replaced by the receipt time.
const MaxClockSkew = 5 * time.Minute

// Numeric timestamps above maxUnixMilli and times before minEventTime are treated as
// unusable.
const maxUnixMilli = 1e15

var minEventTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DirectPayload is the sensor reading as a device or bridge sends it.
type DirectPayload struct {
	DeviceCode string          `json:"device_code"`
	PH         *float64        `json:"ph"`
	TempC      *float64        `json:"temp_c"`
	WaterLevel *float64        `json:"water_level"`
	Mode       string          `json:"mode"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
}

// BrokerEnvelope wraps a payload with the topic it was published on. Payload is either
// a JSON object or a JSON string holding one.
type BrokerEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// RawEvent holds exactly one of Direct or Envelope.
type RawEvent struct {
	Direct   *DirectPayload
	Envelope *BrokerEnvelope
}

// Reading is the canonical event after the boundary has been resolved.
type Reading struct {
	DeviceCode string
	PH         float64
	TempC      float64
	WaterLevel float64
	// Mode is what the device reported. The policy uses the run's mode, not this.
	Mode      model.RunMode
	Timestamp time.Time
	Topic     string
}

// Decode sniffs the body and builds the matching RawEvent variant. A body with a
// "payload" member is a broker envelope; anything else is a direct payload.
func Decode(body []byte) (RawEvent, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return RawEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if _, ok := probe["payload"]; ok {
		var env BrokerEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return RawEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return RawEvent{Envelope: &env}, nil
	}

	var direct DirectPayload
	if err := json.Unmarshal(body, &direct); err != nil {
		return RawEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return RawEvent{Direct: &direct}, nil
}

// Resolve validates the event and converts it into a Reading. receivedAt is used when
// the event has no usable timestamp.
func Resolve(ev RawEvent, receivedAt time.Time) (Reading, error) {
	var (
		payload DirectPayload
		topic   string
	)
	switch {
	case ev.Envelope != nil:
		topic = ev.Envelope.Topic
		p, err := unwrapEnvelope(ev.Envelope.Payload)
		if err != nil {
			return Reading{}, err
		}
		payload = p
		if strings.TrimSpace(payload.DeviceCode) == "" {
			payload.DeviceCode = parse.DeviceCodeFromTopic(topic)
		}
	case ev.Direct != nil:
		payload = *ev.Direct
	default:
		return Reading{}, fmt.Errorf("%w: empty event", ErrInvalidPayload)
	}

	code := strings.TrimSpace(payload.DeviceCode)
	if code == "" {
		return Reading{}, ErrMissingDeviceIdentifier
	}

	if payload.PH == nil || payload.TempC == nil || payload.WaterLevel == nil {
		return Reading{}, fmt.Errorf("%w: ph, temp_c and water_level are required", ErrInvalidPayload)
	}
	if err := validate(*payload.PH, *payload.TempC, *payload.WaterLevel); err != nil {
		return Reading{}, err
	}

	r := Reading{
		DeviceCode: code,
		PH:         *payload.PH,
		TempC:      *payload.TempC,
		WaterLevel: *payload.WaterLevel,
		Timestamp:  eventTime(payload.Timestamp, receivedAt),
		Topic:      topic,
	}
	if mode := model.RunMode(strings.ToLower(strings.TrimSpace(payload.Mode))); mode.Valid() {
		r.Mode = mode
	}
	return r, nil
}

func unwrapEnvelope(raw json.RawMessage) (DirectPayload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return DirectPayload{}, fmt.Errorf("%w: envelope has no payload", ErrInvalidPayload)
	}

	// Bridges that forward the broker message verbatim send it as a string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return DirectPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = []byte(inner)
	}

	var p DirectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return DirectPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

func validate(ph, tempC, waterLevel float64) error {
	for _, v := range []float64{ph, tempC, waterLevel} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidPayload)
		}
	}
	if ph < 0 || ph > 14 {
		return fmt.Errorf("%w: ph %.2f out of range [0,14]", ErrInvalidPayload, ph)
	}
	if waterLevel < 0 || waterLevel > 100 {
		return fmt.Errorf("%w: water_level %.2f out of range [0,100]", ErrInvalidPayload, waterLevel)
	}
	return nil
}

// eventTime reads an RFC3339 string or a unix timestamp (seconds, or milliseconds for
// values above 1e12). Missing, unparseable, pre-2000 or too-far-future values yield
// receivedAt.
func eventTime(raw json.RawMessage, receivedAt time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return receivedAt
	}

	var ts time.Time
	var s string
	var n float64
	switch {
	case json.Unmarshal(raw, &s) == nil:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return receivedAt
		}
		ts = t
	case json.Unmarshal(raw, &n) == nil:
		if n <= 0 || n > maxUnixMilli {
			return receivedAt
		}
		if n > 1e12 {
			ts = time.UnixMilli(int64(n))
		} else {
			sec, frac := math.Modf(n)
			ts = time.Unix(int64(sec), int64(frac*1e9))
		}
	default:
		return receivedAt
	}

	if ts.Before(minEventTime) || ts.After(receivedAt.Add(MaxClockSkew)) {
		return receivedAt
	}
	return ts.UTC()
}
