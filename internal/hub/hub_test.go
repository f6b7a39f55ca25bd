package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdtrack/internal/obd"
)

func reading(device string) *obd.Reading {
	return &obd.Reading{DeviceID: device, ProtocolID: obd.ProtoGPSReport}
}

func TestSubscriberSeesOnlyLaterReadings(t *testing.T) {
	h := New()
	r1, r2 := reading("a"), reading("a")

	h.Publish(r1)
	s := h.Subscribe("late", 8)
	h.Publish(r2)

	got, ok := s.TryRecv()
	require.True(t, ok)
	assert.Same(t, r2, got)
	_, ok = s.TryRecv()
	assert.False(t, ok)
}

func TestSaturatedSubscriberIsLossyAndNeverBlocks(t *testing.T) {
	var evicted int
	h := New(WithDropHandler(func(*Subscription, *obd.Reading) { evicted++ }))
	slow := h.Subscribe("slow", 2)
	fast := h.Subscribe("fast", 100)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Publish(reading("a"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a saturated subscriber")
	}

	assert.True(t, slow.Lossy())
	assert.Equal(t, uint64(48), slow.Dropped())
	assert.Equal(t, 48, evicted)
	assert.Equal(t, 2, slow.Len())
	assert.False(t, fast.Lossy())
	assert.Equal(t, 50, fast.Len())
}

func TestDropOldestKeepsNewest(t *testing.T) {
	h := New()
	s := h.Subscribe("s", 2)
	a, b, c := reading("a"), reading("b"), reading("c")
	h.Publish(a)
	h.Publish(b)
	h.Publish(c)

	got, _ := s.TryRecv()
	assert.Same(t, b, got)
	got, _ = s.TryRecv()
	assert.Same(t, c, got)
}

func TestDeviceFilter(t *testing.T) {
	h := New()
	s := h.Subscribe("one", 4, WithDevice("x"))
	h.Publish(reading("y"))
	h.Publish(reading("x"))

	assert.Equal(t, 1, s.Len())
	got, _ := s.TryRecv()
	assert.Equal(t, "x", got.DeviceID)
}

func TestRecvWaitsAndDrainsAfterClose(t *testing.T) {
	h := New()
	s := h.Subscribe("s", 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Publish(reading("a"))
	}()
	got, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.DeviceID)

	h.Publish(reading("b"))
	s.Close()
	assert.Equal(t, 0, h.Len())

	got, err = s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.DeviceID)
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// Closed subscriptions ignore further readings.
	h.Publish(reading("c"))
	assert.Equal(t, 0, s.Len())
}

func TestRecvHonoursContext(t *testing.T) {
	s := New().Subscribe("s", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentSubscribeDuringPublish(t *testing.T) {
	h := New(WithQueueSize(4))
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			h.Publish(reading("a"))
		}
	}()

	subs := make([]*Subscription, 0, 50)
	for i := 0; i < 50; i++ {
		s := h.Subscribe("c", 0)
		subs = append(subs, s)
		if i%2 == 0 {
			h.Unsubscribe(s)
		}
	}
	cancel()
	wg.Wait()

	assert.Equal(t, 25, h.Len())
	for _, s := range subs {
		assert.LessOrEqual(t, s.Len(), 4)
	}
	assert.Len(t, h.Subscribers(), 25)

	h.Close()
	assert.Equal(t, 0, h.Len())
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	reg.Connected("c1", "10.0.0.1:5000", t0)
	assert.Equal(t, 1, reg.Connections())
	assert.Empty(t, reg.Devices())

	reg.Seen("c1", "dev1", t0.Add(time.Second))
	reg.Seen("c1", "dev1", t0.Add(2*time.Second))

	d, ok := reg.Device("dev1")
	require.True(t, ok)
	assert.True(t, d.Online())
	assert.Equal(t, uint64(2), d.Frames)
	assert.Equal(t, t0.Add(time.Second), d.FirstSeen)
	assert.Equal(t, t0.Add(2*time.Second), d.LastSeen)
	assert.Equal(t, "10.0.0.1:5000", d.Remote)

	reg.Connected("c2", "10.0.0.2:5000", t0)
	reg.Seen("c2", "dev1", t0.Add(3*time.Second))
	d, _ = reg.Device("dev1")
	assert.Equal(t, 2, d.Connections)

	reg.Disconnected("c1", t0.Add(4*time.Second))
	reg.Disconnected("c2", t0.Add(4*time.Second))
	reg.Disconnected("unknown", t0)

	d, _ = reg.Device("dev1")
	assert.False(t, d.Online())
	assert.Equal(t, 0, reg.Connections())
	_, ok = reg.Device("nope")
	assert.False(t, ok)
}

func TestRegistryRebind(t *testing.T) {
	reg := NewRegistry()
	now := time.Now()
	reg.Connected("c", "peer", now)
	reg.Seen("c", "b", now)
	reg.Seen("c", "a", now)

	devs := reg.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "a", devs[0].DeviceID)
	assert.Equal(t, 1, devs[0].Connections)
	assert.Equal(t, 0, devs[1].Connections)
}
