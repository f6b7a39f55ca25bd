// Package ingest accepts device byte streams, reassembles and decodes
// frames, and hands each reading to the persistence sink and the hub.
package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obdtrack/internal/archive"
	"github.com/shaunagostinho/obdtrack/internal/frame"
	"github.com/shaunagostinho/obdtrack/internal/hub"
	"github.com/shaunagostinho/obdtrack/internal/obd"
	"github.com/shaunagostinho/obdtrack/internal/store"
)

// Pipeline is the per-frame path shared by every connection: decode, then
// broadcast and persist in wire order. It is safe for concurrent use.
type Pipeline struct {
	Decoder  *obd.Decoder
	Sink     store.Sink
	Hub      *hub.Hub
	Registry *hub.Registry
	Archive  *archive.Recorder // optional
	Metrics  *Metrics          // optional

	// ArchiveTruncated also archives frames that decoded only partially.
	ArchiveTruncated bool

	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Session is one device stream: a TCP connection or a serial port.
type Session struct {
	ID       string
	Remote   string
	DeviceID string // set by the first decoded frame
	Frames   uint64
}

// Open registers a new stream with the registry.
func (p *Pipeline) Open(id, remote string) *Session {
	if p.Registry != nil {
		p.Registry.Connected(id, remote, p.now())
	}
	p.Metrics.connOpened()
	return &Session{ID: id, Remote: remote}
}

// Close records the end of a stream. reason is empty for a clean close.
func (p *Pipeline) Close(s *Session, reason string) {
	if p.Registry != nil {
		p.Registry.Disconnected(s.ID, p.now())
	}
	p.Metrics.connClosed(reason)
}

// Anomaly records a framing anomaly on s.
func (p *Pipeline) Anomaly(s *Session, a frame.Anomaly) {
	p.Metrics.anomaly(a)
	log.WithFields(log.Fields{
		"conn":    s.ID,
		"remote":  s.Remote,
		"device":  s.DeviceID,
		"skipped": a.Skipped,
		"length":  a.Length,
	}).Debugf("[ingest] framing anomaly: %s", a.Kind)
}

// HandleFrame decodes f and delivers the reading. Decode problems are
// counted and archived, never returned: only a failure to hand the reading
// to the sink because ctx ended is an error.
func (p *Pipeline) HandleFrame(ctx context.Context, s *Session, f *frame.Frame) error {
	p.Metrics.frame()
	s.Frames++

	r, err := p.Decoder.Decode(f)
	if err != nil {
		var de *obd.DecodeError
		if !errors.As(err, &de) {
			return errors.Wrap(err, "decode")
		}
		p.Metrics.decodeError(de.Kind)
		fields := log.Fields{"conn": s.ID, "device": f.DeviceID, "protocol": f.ProtocolID}

		switch de.Kind {
		case obd.KindTruncated:
			log.WithFields(fields).Debugf("[ingest] partial decode: %v", err)
			if p.ArchiveTruncated {
				p.archive(s, f, de.Kind.String())
			}
		default:
			log.WithFields(fields).Infof("[ingest] %v", err)
			p.archive(s, f, de.Kind.String())
		}
		if r == nil {
			return nil
		}
	}

	if !r.ChecksumValid {
		p.Metrics.checksum()
		log.WithFields(log.Fields{"conn": s.ID, "device": r.DeviceID}).Debug("[ingest] checksum mismatch")
	}

	if s.DeviceID != r.DeviceID {
		if s.DeviceID == "" {
			log.WithFields(log.Fields{"conn": s.ID, "remote": s.Remote, "device": r.DeviceID}).
				Info("[ingest] device identified")
		} else {
			log.WithFields(log.Fields{"conn": s.ID, "was": s.DeviceID, "device": r.DeviceID}).
				Warn("[ingest] device id changed mid-stream")
		}
		s.DeviceID = r.DeviceID
	}
	if p.Registry != nil {
		p.Registry.Seen(s.ID, r.DeviceID, r.ReceivedAt)
	}

	// Broadcast first: Publish never blocks, the sink handoff may wait.
	if p.Hub != nil {
		p.Hub.Publish(r)
	}
	if p.Sink != nil {
		if err := p.Sink.Append(ctx, r); err != nil {
			p.Metrics.SinkError()
			if errors.Is(err, store.ErrQueueFull) {
				p.Metrics.sinkBackpressure()
			}
			if ctx.Err() != nil {
				return errors.Wrap(err, "hand off to sink")
			}
			log.WithField("device", r.DeviceID).Errorf("[ingest] sink: %v", err)
		}
	}
	return nil
}

func (p *Pipeline) archive(s *Session, f *frame.Frame, reason string) {
	if p.Archive == nil || !p.Archive.IsEnabled() {
		return
	}
	if err := p.Archive.Record(f, s.Remote, reason); err != nil {
		log.WithField("device", f.DeviceID).Warnf("[ingest] archive: %v", err)
		return
	}
	p.Metrics.archived()
}
