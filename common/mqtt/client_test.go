package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stancesense/common/config"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type subscribeCall struct {
	topic    string
	qos      byte
	callback paho.MessageHandler
}

// fakePaho records calls; methods the client does not use are left to the
// embedded nil interface.
type fakePaho struct {
	paho.Client

	mu           sync.Mutex
	subscribes   []subscribeCall
	unsubscribes []string
	subscribeErr error
	token        paho.Token
}

func (f *fakePaho) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, subscribeCall{topic: topic, qos: qos, callback: callback})
	if f.token != nil {
		return f.token
	}
	return doneToken(f.subscribeErr)
}

func (f *fakePaho) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, topics...)
	return doneToken(nil)
}

func (f *fakePaho) calls() []subscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscribeCall(nil), f.subscribes...)
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Duplicate() bool { return true }
func (m fakeMessage) Retained() bool  { return false }

func testConfig() *config.MQTTConfig {
	return &config.MQTTConfig{
		Broker:   "tcp://broker.test:1883",
		ClientID: "stancesense-ingest",
		Username: "relay",
		Password: "secret",
		QoS:      1,
	}
}

func newTestClient(fake *fakePaho) *Client {
	c := newClient(testConfig(), zap.NewNop())
	c.client = fake
	return c
}

func TestOptions(t *testing.T) {
	c := newClient(testConfig(), zap.NewNop())
	opts := c.options(testConfig())

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker.test:1883", opts.Servers[0].String())
	assert.Equal(t, "stancesense-ingest", opts.ClientID)
	assert.Equal(t, "relay", opts.Username)
	assert.True(t, opts.CleanSession)
	assert.True(t, opts.AutoReconnect)
	assert.NotNil(t, opts.OnConnect)
}

func TestSubscribe_DeliversTypedMessages(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)

	var got []Message
	handler := func(msg Message) error {
		got = append(got, msg)
		return errors.New("bad payload")
	}
	require.NoError(t, c.Subscribe(context.Background(), "stancesense/+/telemetry", handler))

	calls := fake.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, byte(1), calls[0].qos)

	// handler errors are logged, not propagated
	calls[0].callback(fake, fakeMessage{topic: "stancesense/d1/telemetry", payload: []byte(`{}`)})
	calls[0].callback(fake, fakeMessage{topic: "stancesense/d2/telemetry", payload: []byte(`{}`)})

	require.Len(t, got, 2)
	assert.Equal(t, "stancesense/d1/telemetry", got[0].Topic)
	assert.Equal(t, []byte(`{}`), got[0].Payload)
	assert.True(t, got[0].Duplicate)
}

func TestSubscribe_Error(t *testing.T) {
	c := newTestClient(&fakePaho{subscribeErr: errors.New("not authorized")})

	err := c.Subscribe(context.Background(), "stancesense/+/telemetry", func(Message) error { return nil })
	assert.ErrorContains(t, err, "not authorized")
	assert.Empty(t, c.subs)
}

func TestSubscribe_HonoursContext(t *testing.T) {
	c := newTestClient(&fakePaho{token: &fakeToken{done: make(chan struct{})}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Subscribe(ctx, "stancesense/+/telemetry", func(Message) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResubscribeAfterReconnect(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)
	ctx := context.Background()
	noop := func(Message) error { return nil }

	require.NoError(t, c.Subscribe(ctx, "stancesense/+/telemetry", noop))
	require.NoError(t, c.Subscribe(ctx, "stancesense/+/status", noop))
	require.NoError(t, c.Unsubscribe(ctx, "stancesense/+/status"))
	assert.Equal(t, []string{"stancesense/+/status"}, fake.unsubscribes)

	c.resubscribe()

	calls := fake.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "stancesense/+/telemetry", calls[2].topic)
	assert.Equal(t, byte(1), calls[2].qos)
}
