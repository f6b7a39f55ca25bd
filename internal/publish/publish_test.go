package publish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/shaunagostinho/obdtrack/internal/hub"
	"github.com/shaunagostinho/obdtrack/internal/obd"
)

type message struct {
	device  string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []message
	fail bool
}

func (f *fakePublisher) Name() string   { return "fake" }
func (f *fakePublisher) Connect() error { return nil }
func (f *fakePublisher) Close() error   { return nil }

func (f *fakePublisher) Publish(deviceID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.sent = append(f.sent, message{deviceID, payload})
	return nil
}

func (f *fakePublisher) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

func startRepublisher(t *testing.T, p Publisher, h *hub.Hub) *Republisher {
	t.Helper()
	rp := NewRepublisher(p, h, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rp.Run(ctx) }()
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.Equal(t, 0, h.Len())
	})
	return rp
}

func TestRepublisherForwardsReadings(t *testing.T) {
	h := hub.New()
	fake := &fakePublisher{}
	rp := startRepublisher(t, fake, h)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.Publish(&obd.Reading{DeviceID: "dev-1", ProtocolID: obd.ProtoHeartbeat, ReceivedAt: at})
	h.Publish(&obd.Reading{DeviceID: "dev-2", ProtocolID: obd.ProtoHeartbeat, ReceivedAt: at})

	require.Eventually(t, func() bool { return len(fake.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := fake.messages()
	assert.Equal(t, "dev-1", msgs[0].device)
	assert.Equal(t, "dev-2", msgs[1].device)

	var decoded obd.Reading
	require.NoError(t, sonnet.Unmarshal(msgs[0].payload, &decoded))
	assert.Equal(t, "dev-1", decoded.DeviceID)
	assert.Equal(t, uint64(2), rp.Sent())
}

func TestRepublisherCountsFailures(t *testing.T) {
	h := hub.New()
	fake := &fakePublisher{fail: true}
	rp := startRepublisher(t, fake, h)

	for i := 0; i < 3; i++ {
		h.Publish(&obd.Reading{DeviceID: "dev"})
	}
	require.Eventually(t, func() bool { return rp.Failed() == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rp.Sent())
}

func TestRepublisherStopsWhenHubCloses(t *testing.T) {
	h := hub.New()
	rp := NewRepublisher(&fakePublisher{}, h, 4)
	done := make(chan error, 1)
	go func() { done <- rp.Run(context.Background()) }()
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("republisher did not stop")
	}
}

func TestTopicAndSubjectNames(t *testing.T) {
	m := NewMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1"})
	assert.Equal(t, "obd/213GL2018000123/reading", m.Topic("213GL2018000123"))
	assert.Equal(t, "obd/a_b_c/reading", m.Topic("a/b#c"))
	assert.Equal(t, "obd/unknown/reading", m.Topic(""))

	n := NewNATS(NATSConfig{SubjectPrefix: "fleet.obd"})
	assert.Equal(t, "fleet.obd.213GL2018000123", n.Subject("213GL2018000123"))
	assert.Equal(t, "fleet.obd.a_b_c_d", n.Subject("a.b*c>d"))
	assert.Equal(t, "fleet.obd.x_y", n.Subject("x y"))
}

func TestPublishWithoutConnection(t *testing.T) {
	assert.ErrorIs(t, NewNATS(NATSConfig{}).Publish("dev", []byte("{}")), ErrNotConnected)
	assert.ErrorIs(t, NewMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1"}).Publish("dev", []byte("{}")), ErrNotConnected)
	assert.NoError(t, NewNATS(NATSConfig{}).Close())
}
