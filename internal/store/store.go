// Package store persists decoded readings.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obdtrack/internal/obd"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("store: sink closed")
	// ErrQueueFull is returned by Enqueue when the queue stayed full for
	// the whole enqueue timeout.
	ErrQueueFull = errors.New("store: queue full")
)

// Sink is an append-only reading store. Appending the same reading twice
// must not create a second record.
type Sink interface {
	Append(ctx context.Context, r *obd.Reading) error
}

// AsyncSink hands readings to a single writer goroutine through a bounded
// queue, so the sink sees them in enqueue order. A failed append is retried
// with backoff before the reading is given up on and reported.
//
// Enqueue waits at most the enqueue timeout for room in a full queue, so a
// stalled database delays a device stream by a bounded amount and never
// stops it. Close is serialised against Enqueue by mu; an Enqueue waiting on
// a full queue holds the read lock until the writer makes room or it gives up.
type AsyncSink struct {
	sink    Sink
	queue   chan *obd.Reading
	onError func(r *obd.Reading, err error)

	attempts     int
	baseDelay    time.Duration
	enqueueLimit time.Duration

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithErrorHandler is called for every reading that could not be appended.
func WithErrorHandler(fn func(r *obd.Reading, err error)) AsyncOption {
	return func(a *AsyncSink) { a.onError = fn }
}

// WithRetry sets the number of append attempts per reading and the delay
// before the first retry. The delay doubles on every retry.
func WithRetry(attempts int, delay time.Duration) AsyncOption {
	return func(a *AsyncSink) {
		if attempts > 0 {
			a.attempts = attempts
		}
		if delay >= 0 {
			a.baseDelay = delay
		}
	}
}

// WithEnqueueTimeout bounds how long Enqueue waits on a full queue. Zero
// means it never waits.
func WithEnqueueTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncSink) {
		if d >= 0 {
			a.enqueueLimit = d
		}
	}
}

// NewAsyncSink starts the writer goroutine. Close stops it.
func NewAsyncSink(sink Sink, queueSize int, opts ...AsyncOption) *AsyncSink {
	if queueSize < 1 {
		queueSize = 1
	}
	a := &AsyncSink{
		sink:      sink,
		queue:     make(chan *obd.Reading, queueSize),
		attempts:     3,
		baseDelay:    100 * time.Millisecond,
		enqueueLimit: DefaultEnqueueTimeout,
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// DefaultEnqueueTimeout is the longest Enqueue waits on a full queue.
const DefaultEnqueueTimeout = 500 * time.Millisecond

// Enqueue queues r for persistence. It only waits when the queue is full,
// and then for at most the enqueue timeout before returning ErrQueueFull.
func (a *AsyncSink) Enqueue(ctx context.Context, r *obd.Reading) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- r:
		return nil
	default:
	}
	if a.enqueueLimit == 0 {
		return ErrQueueFull
	}
	log.WithField("device", r.DeviceID).Debug("[store] queue full, waiting")
	timer := time.NewTimer(a.enqueueLimit)
	defer timer.Stop()
	select {
	case a.queue <- r:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueue")
	}
}

// Append implements Sink by queueing r.
func (a *AsyncSink) Append(ctx context.Context, r *obd.Reading) error {
	return a.Enqueue(ctx, r)
}

// Len is the number of queued readings.
func (a *AsyncSink) Len() int { return len(a.queue) }

// Close stops accepting readings, writes what is queued and waits for the
// writer to exit or ctx to end.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain sink queue")
	}
}

func (a *AsyncSink) run() {
	defer close(a.stopped)
	for r := range a.queue {
		if err := a.write(r); err != nil {
			log.WithField("device", r.DeviceID).Errorf("[store] append failed: %v", err)
			if a.onError != nil {
				a.onError(r, err)
			}
		}
	}
}

func (a *AsyncSink) write(r *obd.Reading) error {
	delay := a.baseDelay
	var err error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		if err = a.sink.Append(context.Background(), r); err == nil {
			return nil
		}
		if attempt == a.attempts {
			break
		}
		log.WithField("device", r.DeviceID).Warnf("[store] append attempt %d/%d failed: %v (retry in %v)",
			attempt, a.attempts, err, delay)
		time.Sleep(delay)
		delay *= 2
	}
	return errors.Wrapf(err, "after %d attempts", a.attempts)
}
