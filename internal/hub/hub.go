// Package hub fans decoded readings out to live subscribers and keeps the
// device liveness read model.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obdtrack/internal/obd"
)

// DefaultQueueSize is used when Subscribe is given a size below 1.
const DefaultQueueSize = 64

// Hub broadcasts readings to every registered Subscription.
//
// The subscriber set is copy-on-write: Subscribe and Unsubscribe publish a
// new snapshot under mu, Publish iterates whatever snapshot it loaded. A
// subscriber registered for the whole of a Publish call receives that
// reading exactly once.
type Hub struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscription]

	queueSize int
	onDrop    func(s *Subscription, evicted *obd.Reading)

	published atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the default per-subscriber queue size.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithDropHandler is called, on the publishing goroutine, for every
// reading evicted from a full subscriber queue. It must not block.
func WithDropHandler(fn func(s *Subscription, evicted *obd.Reading)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{queueSize: DefaultQueueSize}
	empty := []*Subscription{}
	h.subs.Store(&empty)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber. queueSize <= 0 uses the hub default.
func (h *Hub) Subscribe(name string, queueSize int, opts ...SubscribeOption) *Subscription {
	if queueSize <= 0 {
		queueSize = h.queueSize
	}
	s := newSubscription(uuid.NewString(), name, queueSize, h)
	for _, opt := range opts {
		opt(s)
	}

	h.mu.Lock()
	old := *h.subs.Load()
	next := make([]*Subscription, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, s)
	h.subs.Store(&next)
	h.mu.Unlock()

	log.WithFields(log.Fields{"sub": s.id, "name": name}).Debugf("[hub] subscribed (%d total)", len(next))
	return s
}

// Unsubscribe removes s and releases its queue.
func (h *Hub) Unsubscribe(s *Subscription) {
	s.Close()
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	old := *h.subs.Load()
	next := make([]*Subscription, 0, len(old))
	for _, o := range old {
		if o != s {
			next = append(next, o)
		}
	}
	h.subs.Store(&next)
	h.mu.Unlock()

	log.WithFields(log.Fields{"sub": s.id, "name": s.name, "dropped": s.Dropped()}).
		Debugf("[hub] unsubscribed (%d total)", len(next))
}

// Publish hands r to every current subscriber. It never blocks.
func (h *Hub) Publish(r *obd.Reading) {
	h.published.Add(1)
	for _, s := range *h.subs.Load() {
		evicted, _ := s.push(r)
		if evicted != nil && h.onDrop != nil {
			h.onDrop(s, evicted)
		}
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int { return len(*h.subs.Load()) }

// Published returns the number of Publish calls.
func (h *Hub) Published() uint64 { return h.published.Load() }

// SubscriberInfo is a point-in-time view of one subscriber.
type SubscriberInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Lossy     bool   `json:"lossy"`
}

// Subscribers lists the current subscribers.
func (h *Hub) Subscribers() []SubscriberInfo {
	subs := *h.subs.Load()
	out := make([]SubscriberInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubscriberInfo{
			ID:        s.id,
			Name:      s.name,
			Queued:    s.Len(),
			Delivered: s.Delivered(),
			Dropped:   s.Dropped(),
			Lossy:     s.Lossy(),
		})
	}
	return out
}

// Close closes every subscription.
func (h *Hub) Close() {
	for _, s := range *h.subs.Load() {
		s.Close()
	}
}
