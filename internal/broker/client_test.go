package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fermentation-monitor-backend/internal/ingest"
)

// fakeToken completes immediately with err.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakePaho records calls and lets tests deliver messages to subscribed handlers.
type fakePaho struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	subErr     error
	published  []published
	handlers   map[string]pahomqtt.MessageHandler
	subscribes int
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, handlers: map[string]pahomqtt.MessageHandler{}}
}

func (f *fakePaho) IsConnected() bool      { return f.connected }
func (f *fakePaho) IsConnectionOpen() bool { return f.connected }
func (f *fakePaho) Connect() pahomqtt.Token {
	f.connected = true
	return &fakeToken{}
}
func (f *fakePaho) Disconnect(uint) { f.connected = false }
func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return &fakeToken{err: f.publishErr}
	}
	f.published = append(f.published, published{topic, qos, retained, payload.([]byte)})
	return &fakeToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subErr != nil {
		return &fakeToken{err: f.subErr}
	}
	f.handlers[topic] = callback
	return &fakeToken{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) Unsubscribe(...string) pahomqtt.Token        { return &fakeToken{} }
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler)    {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

func (f *fakePaho) deliver(filter, topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	h(f, &fakeMessage{topic: topic, payload: payload})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestClient(f *fakePaho) *Client {
	c := newClient(zap.NewNop())
	c.client = f
	return c
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "farm/+/sensors", SensorFilter("farm"))
	assert.Equal(t, "farm/barn/+/sensors", SensorFilter("/farm/barn/"))
	assert.Equal(t, "farm/0001/commands", CommandTopic("farm", "0001"))
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		qos       byte
		connected bool
		brokerErr error
		wantErr   error
	}{
		{"ok", "farm/0001/commands", 1, true, nil, nil},
		{"empty topic", "", 1, true, nil, ErrInvalidTopic},
		{"bad qos", "farm/0001/commands", 3, true, nil, ErrInvalidQoS},
		{"disconnected", "farm/0001/commands", 1, false, nil, ErrNotConnected},
		{"broker rejects", "farm/0001/commands", 1, true, errors.New("not authorized"), ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakePaho()
			f.connected = tt.connected
			f.publishErr = tt.brokerErr
			c := newTestClient(f)

			err := c.Publish(tt.topic, []byte(`{}`), tt.qos, false)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, f.published, 1)
			assert.Equal(t, tt.topic, f.published[0].topic)
			assert.Equal(t, tt.qos, f.published[0].qos)
		})
	}
}

func TestSubscribe_RestoredOnReconnect(t *testing.T) {
	f := newFakePaho()
	c := newTestClient(f)

	var got []string
	require.NoError(t, c.Subscribe("farm/+/sensors", 1, func(topic string, _ []byte) error {
		got = append(got, topic)
		return nil
	}))
	assert.Equal(t, 1, f.subscribes)

	// A reconnect drops broker-side subscriptions.
	f.handlers = map[string]pahomqtt.MessageHandler{}
	c.restoreSubscriptions()
	assert.Equal(t, 2, f.subscribes)

	f.deliver("farm/+/sensors", "farm/0001/sensors", nil)
	assert.Equal(t, []string{"farm/0001/sensors"}, got)
}

func TestSubscribe_FailureIsNotTracked(t *testing.T) {
	f := newFakePaho()
	f.subErr = errors.New("quota exceeded")
	c := newTestClient(f)

	err := c.Subscribe("farm/+/sensors", 1, func(string, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.Empty(t, c.subscriptions)
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	f := newFakePaho()
	c := newTestClient(f)
	require.NoError(t, c.Subscribe("farm/+/sensors", 1, func(string, []byte) error {
		panic("boom")
	}))

	assert.NotPanics(t, func() {
		f.deliver("farm/+/sensors", "farm/0001/sensors", []byte(`{}`))
	})
}

type fakeIngester struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (f *fakeIngester) IngestMessage(_ context.Context, topic string, _ []byte) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{DeviceID: 1, TelemetryID: 1}, nil
}

func TestSubscriber(t *testing.T) {
	f := newFakePaho()
	c := newTestClient(f)
	ing := &fakeIngester{}
	sub := NewSubscriber(c, ing, "farm", 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sub.Start(ctx))

	f.deliver("farm/+/sensors", "farm/0001/sensors", []byte(`{"ph":5}`))
	ing.err = ingest.ErrInvalidPayload
	f.deliver("farm/+/sensors", "farm/0002/sensors", []byte(`{}`))
	assert.Equal(t, []string{"farm/0001/sensors", "farm/0002/sensors"}, ing.topics)

	cancel()
	f.deliver("farm/+/sensors", "farm/0003/sensors", []byte(`{}`))
	assert.Len(t, ing.topics, 2, "messages after shutdown are not ingested")
}

func TestSubscriber_StartFailsWhenDisconnected(t *testing.T) {
	f := newFakePaho()
	f.connected = false
	sub := NewSubscriber(newTestClient(f), &fakeIngester{}, "farm", 1, zap.NewNop())

	err := sub.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
