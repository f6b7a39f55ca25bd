package frame

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrNeedMore is returned by Next when the buffer holds no complete frame.
var ErrNeedMore = errors.New("frame: need more data")

// AnomalyKind classifies recoverable framing problems.
type AnomalyKind int

const (
	// AnomalyResync means bytes were skipped to reach the next magic header.
	AnomalyResync AnomalyKind = iota
	// AnomalyBadLength means a header carried an impossible length field.
	AnomalyBadLength
	// AnomalyTerminator means a complete frame ended without 0x0D0A.
	AnomalyTerminator
)

func (k AnomalyKind) String() string {
	switch k {
	case AnomalyResync:
		return "resync"
	case AnomalyBadLength:
		return "bad_length"
	case AnomalyTerminator:
		return "terminator"
	default:
		return "unknown"
	}
}

// Anomaly describes one framing anomaly.
type Anomaly struct {
	Kind    AnomalyKind
	Skipped int    // bytes discarded (resync)
	Length  uint16 // declared length (bad_length, terminator)
}

// Reader reassembles frames from arbitrarily chunked input. It is not safe
// for concurrent use; each connection owns one.
type Reader struct {
	buf          []byte
	maxFrameSize int
	onAnomaly    func(Anomaly)

	// resyncing is true while inside a run of skipped bytes, so one run
	// counts the same however it was chunked.
	resyncing bool
	skipped   int
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxFrameSize caps the accepted length field. Values below
// MinFrameSize are ignored.
func WithMaxFrameSize(n int) Option {
	return func(r *Reader) {
		if n >= MinFrameSize {
			r.maxFrameSize = n
		}
	}
}

// WithAnomalyHandler registers a callback for framing anomalies.
func WithAnomalyHandler(fn func(Anomaly)) Option {
	return func(r *Reader) {
		r.onAnomaly = fn
	}
}

// NewReader creates a Reader.
func NewReader(opts ...Option) *Reader {
	r := &Reader{maxFrameSize: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Buffered returns the number of bytes waiting for a complete frame.
func (r *Reader) Buffered() int { return len(r.buf) }

// Write appends a chunk. It never fails.
func (r *Reader) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame or ErrNeedMore. It can be called
// again after more data has been written.
func (r *Reader) Next() (*Frame, error) {
	for {
		i := bytes.Index(r.buf, magic)
		if i < 0 {
			// Keep a trailing half magic; everything else is garbage.
			keep := 0
			if n := len(r.buf); n > 0 && r.buf[n-1] == magic0 {
				keep = 1
			}
			r.skip(len(r.buf) - keep)
			return nil, ErrNeedMore
		}
		if i > 0 {
			r.skip(i)
			continue
		}
		if len(r.buf) < 4 {
			return nil, ErrNeedMore
		}

		length := binary.BigEndian.Uint16(r.buf[2:4])
		if int(length) < MinFrameSize || int(length) > r.maxFrameSize {
			r.report(Anomaly{Kind: AnomalyBadLength, Length: length})
			r.resyncing = true
			r.skip(1)
			continue
		}
		if len(r.buf) < int(length) {
			return nil, ErrNeedMore
		}

		raw := make([]byte, length)
		copy(raw, r.buf[:length])
		r.consume(int(length))
		r.endResync()

		f, err := Parse(raw)
		if err != nil {
			// Parse only fails on conditions checked above.
			return nil, errors.Wrap(err, "frame: parse")
		}
		if f.Suspect {
			r.report(Anomaly{Kind: AnomalyTerminator, Length: length})
		}
		return f, nil
	}
}

// ReadFrames pumps src through r until src returns an error, calling fn for
// every complete frame in wire order. io.EOF is returned as nil. An error
// from fn stops the loop and is returned.
func ReadFrames(src io.Reader, r *Reader, fn func(*Frame) error) error {
	chunk := make([]byte, 4096)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			r.Write(chunk[:n])
			for {
				f, nerr := r.Next()
				if nerr == ErrNeedMore {
					break
				}
				if nerr != nil {
					return nerr
				}
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *Reader) skip(n int) {
	if n <= 0 {
		return
	}
	if !r.resyncing {
		r.resyncing = true
		r.report(Anomaly{Kind: AnomalyResync, Skipped: n})
	}
	// A long garbage run keeps reporting, once per maxFrameSize bytes.
	r.skipped += n
	for r.skipped >= r.maxFrameSize {
		r.skipped -= r.maxFrameSize
		r.report(Anomaly{Kind: AnomalyResync, Skipped: r.maxFrameSize})
	}
	r.consume(n)
}

func (r *Reader) endResync() {
	r.resyncing = false
	r.skipped = 0
}

func (r *Reader) consume(n int) {
	r.buf = append(r.buf[:0], r.buf[n:]...)
}

func (r *Reader) report(a Anomaly) {
	if r.onAnomaly != nil {
		r.onAnomaly(a)
	}
}
