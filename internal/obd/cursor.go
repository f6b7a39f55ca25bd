package obd

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTruncated is returned when a field runs past the end of the payload.
var ErrTruncated = errors.New("obd: payload truncated")

// Cursor reads little-endian fields from a payload. The first overrun
// sticks: later reads return zero values and Err keeps returning it.
type Cursor struct {
	b   []byte
	off int
	err error
}

// NewCursor wraps a payload.
func NewCursor(b []byte) *Cursor { return &Cursor{b: b} }

// Err returns the first read error.
func (c *Cursor) Err() error { return c.err }

// Offset is the number of bytes consumed.
func (c *Cursor) Offset() int { return c.off }

// Remaining is the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.b) - c.off }

func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n > len(c.b)-c.off {
		c.err = errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, c.off, len(c.b)-c.off)
		return nil
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p
}

func (c *Cursor) U8() uint8 {
	p := c.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (c *Cursor) U16() uint16 {
	p := c.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (c *Cursor) U32() uint32 {
	p := c.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (c *Cursor) I32() int32 { return int32(c.U32()) }

// Uint reads an unsigned little-endian integer of width 0-4 bytes.
func (c *Cursor) Uint(width int) uint32 {
	p := c.take(width)
	var v uint32
	for i := len(p) - 1; i >= 0; i-- {
		v = v<<8 | uint32(p[i])
	}
	return v
}

// CString reads a NUL-terminated string. A missing NUL is a truncation.
func (c *Cursor) CString() string {
	if c.err != nil {
		return ""
	}
	i := bytes.IndexByte(c.b[c.off:], 0)
	if i < 0 {
		c.err = errors.Wrapf(ErrTruncated, "unterminated string at offset %d", c.off)
		return ""
	}
	s := string(c.b[c.off : c.off+i])
	c.off += i + 1
	return s
}
