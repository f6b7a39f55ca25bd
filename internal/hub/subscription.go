package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/obdtrack/internal/obd"
)

// ErrClosed is returned by Recv once the subscription is closed and drained.
var ErrClosed = errors.New("hub: subscription closed")

// Subscription is one live-monitor consumer. Its queue is bounded; when
// full the oldest unread reading is dropped and the subscription is marked
// lossy. Producers never wait on it.
type Subscription struct {
	id     string
	name   string
	hub    *Hub
	filter func(*obd.Reading) bool

	mu     sync.Mutex
	queue  []*obd.Reading
	head   int
	size   int
	closed bool

	ready     chan struct{} // capacity 1, signalled on push
	done      chan struct{}
	closeOnce sync.Once

	lossy     atomic.Bool
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// WithFilter only queues readings for which fn returns true.
func WithFilter(fn func(*obd.Reading) bool) SubscribeOption {
	return func(s *Subscription) { s.filter = fn }
}

// WithDevice only queues readings from one device.
func WithDevice(deviceID string) SubscribeOption {
	return WithFilter(func(r *obd.Reading) bool { return r.DeviceID == deviceID })
}

func newSubscription(id, name string, size int, h *Hub) *Subscription {
	if size < 1 {
		size = 1
	}
	return &Subscription{
		id:    id,
		name:  name,
		hub:   h,
		queue: make([]*obd.Reading, size),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *Subscription) ID() string   { return s.id }
func (s *Subscription) Name() string { return s.name }

// Lossy reports whether any reading was dropped on overflow.
func (s *Subscription) Lossy() bool { return s.lossy.Load() }

// Dropped is the number of readings lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Delivered is the number of readings handed out by Recv/TryRecv.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Len is the number of queued readings.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Ready is signalled after a push. A receive may still find the queue empty
// if another Recv raced it.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// push enqueues r and returns the reading it evicted, if any.
func (s *Subscription) push(r *obd.Reading) (evicted *obd.Reading, ok bool) {
	if s.filter != nil && !s.filter(r) {
		return nil, true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	if s.size == len(s.queue) {
		evicted = s.queue[s.head]
		s.queue[s.head] = nil
		s.head = (s.head + 1) % len(s.queue)
		s.size--
		s.lossy.Store(true)
		s.dropped.Add(1)
	}
	s.queue[(s.head+s.size)%len(s.queue)] = r
	s.size++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return evicted, true
}

// TryRecv pops the oldest queued reading without waiting.
func (s *Subscription) TryRecv() (*obd.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return nil, false
	}
	r := s.queue[s.head]
	s.queue[s.head] = nil
	s.head = (s.head + 1) % len(s.queue)
	s.size--
	s.delivered.Add(1)
	return r, true
}

// Recv waits for the next reading. Queued readings are still returned after
// Close; ErrClosed comes once the queue is empty.
func (s *Subscription) Recv(ctx context.Context) (*obd.Reading, error) {
	for {
		if r, ok := s.TryRecv(); ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			if r, ok := s.TryRecv(); ok {
				return r, nil
			}
			return nil, ErrClosed
		case <-s.ready:
		}
	}
}

// Close unregisters the subscription from its hub. It is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.hub != nil {
			s.hub.remove(s)
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
