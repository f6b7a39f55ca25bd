// Package publish republishes live readings to message brokers. Each
// broker is an ordinary hub subscriber, so a slow or absent broker only
// loses its own queued readings.
package publish

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sugawarayuuta/sonnet"

	"github.com/shaunagostinho/obdtrack/internal/hub"
	"github.com/shaunagostinho/obdtrack/internal/obd"
)

// ErrNotConnected is returned by Publish while the broker link is down.
var ErrNotConnected = errors.New("publish: not connected")

// Publisher sends one encoded reading to a broker.
type Publisher interface {
	Name() string
	Connect() error
	Publish(deviceID string, payload []byte) error
	Close() error
}

// Republisher forwards hub readings to a Publisher.
type Republisher struct {
	pub       Publisher
	hub       *hub.Hub
	queueSize int

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewRepublisher creates a Republisher. queueSize bounds the readings
// waiting for the broker.
func NewRepublisher(p Publisher, h *hub.Hub, queueSize int) *Republisher {
	return &Republisher{pub: p, hub: h, queueSize: queueSize}
}

// Sent is the number of readings handed to the broker.
func (r *Republisher) Sent() uint64 { return r.sent.Load() }

// Failed is the number of readings the broker refused.
func (r *Republisher) Failed() uint64 { return r.failed.Load() }

// Run subscribes to the hub and publishes until ctx ends.
func (r *Republisher) Run(ctx context.Context) error {
	sub := r.hub.Subscribe(r.pub.Name(), r.queueSize)
	defer func() {
		sub.Close()
		log.WithFields(log.Fields{"sent": r.Sent(), "failed": r.Failed(), "dropped": sub.Dropped()}).
			Infof("[%s] republisher stopped", r.pub.Name())
	}()

	for {
		reading, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, hub.ErrClosed) {
				return nil
			}
			return err
		}
		r.forward(reading)
	}
}

func (r *Republisher) forward(reading *obd.Reading) {
	payload, err := sonnet.Marshal(reading)
	if err != nil {
		log.Errorf("[%s] encode reading: %v", r.pub.Name(), err)
		return
	}
	if err := r.pub.Publish(reading.DeviceID, payload); err != nil {
		// Log the first failure of a run, then every 100th.
		if n := r.failed.Add(1); n == 1 || n%100 == 0 {
			log.WithField("device", reading.DeviceID).Warnf("[%s] publish failed (%d so far): %v", r.pub.Name(), n, err)
		}
		return
	}
	r.sent.Add(1)
}

// sanitize replaces characters with a meaning in topic or subject syntax.
func sanitize(deviceID, reserved string) string {
	if deviceID == "" {
		return "unknown"
	}
	return strings.Map(func(c rune) rune {
		if c <= ' ' || strings.ContainsRune(reserved, c) {
			return '_'
		}
		return c
	}, deviceID)
}
