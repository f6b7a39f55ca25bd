package obd

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/obdtrack/internal/frame"
)

// ErrorKind classifies decode failures.
type ErrorKind int

const (
	// KindUnsupportedProtocol means no routine is registered for the protocol id.
	KindUnsupportedProtocol ErrorKind = iota
	// KindTruncated means the payload ended early; a partial Reading is returned.
	KindTruncated
	// KindMalformed means a routine rejected the payload contents.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedProtocol:
		return "unsupported_protocol"
	case KindTruncated:
		return "truncated"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError carries the frame so callers can archive it.
type DecodeError struct {
	Kind   ErrorKind
	Frame  *frame.Frame
	Offset int // payload offset where decoding stopped
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("obd: %s (protocol 0x%04X, offset %d): %v", e.Kind, e.Frame.ProtocolID, e.Offset, e.Err)
	}
	return fmt.Sprintf("obd: %s (protocol 0x%04X)", e.Kind, e.Frame.ProtocolID)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Routine decodes one protocol's payload into r. Sections are assigned to
// r only once they parsed completely.
type Routine func(c *Cursor, l Layout, r *Reading) error

// Decoder dispatches frames by protocol id. Decode is safe for concurrent
// use; Register may be called at any time.
type Decoder struct {
	mu        sync.RWMutex
	routines  map[uint16]Routine
	layouts   *LayoutTable
	unitHints map[string]DistanceUnit
	now       func() time.Time
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithUnitHints overrides the distance unit per device id.
func WithUnitHints(hints map[string]DistanceUnit) DecoderOption {
	return func(d *Decoder) {
		for id, u := range hints {
			d.unitHints[id] = u
		}
	}
}

// WithClock replaces time.Now for ReceivedAt.
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) { d.now = now }
}

// NewDecoder creates a decoder with the built-in routines registered.
func NewDecoder(layouts *LayoutTable, opts ...DecoderOption) *Decoder {
	if layouts == nil {
		layouts = NewLayoutTable()
	}
	d := &Decoder{
		routines:  make(map[uint16]Routine),
		layouts:   layouts,
		unitHints: make(map[string]DistanceUnit),
		now:       time.Now,
	}
	for id, fn := range builtinRoutines {
		d.routines[id] = fn
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds or replaces the routine for a protocol id.
func (d *Decoder) Register(protocolID uint16, fn Routine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routines[protocolID] = fn
}

// Supports reports whether a routine is registered for protocolID.
func (d *Decoder) Supports(protocolID uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routines[protocolID]
	return ok
}

// Decode turns a frame into a Reading. On KindTruncated both the partial
// Reading and the error are returned.
func (d *Decoder) Decode(f *frame.Frame) (*Reading, error) {
	d.mu.RLock()
	fn, ok := d.routines[f.ProtocolID]
	d.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{Kind: KindUnsupportedProtocol, Frame: f}
	}

	l := d.layouts.Select(f.ProtocolID, f.Version, f.DeviceID)
	if u, ok := d.unitHints[f.DeviceID]; ok {
		l.DistanceUnit = u
	}

	r := &Reading{
		DeviceID:      f.DeviceID,
		ProtocolID:    f.ProtocolID,
		ReceivedAt:    d.now().UTC(),
		ChecksumValid: f.VerifyChecksum(),
		Suspect:       f.Suspect,
		Layout:        l.Name,
		RawHex:        f.Hex(),
	}

	c := NewCursor(f.Payload)
	if err := fn(c, l, r); err != nil {
		kind := KindMalformed
		if errors.Is(err, ErrTruncated) {
			kind = KindTruncated
			r.Partial = true
		}
		de := &DecodeError{Kind: kind, Frame: f, Offset: c.Offset(), Err: err}
		if kind == KindTruncated {
			return r, de
		}
		return nil, de
	}
	return r, nil
}
