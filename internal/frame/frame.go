// Package frame extracts tracker protocol frames from a raw byte stream.
//
// Wire layout (all offsets in bytes):
//
//	0    2   magic 0x40 0x40
//	2    2   total frame length, big-endian
//	4    1   protocol version
//	5    20  device id, ASCII, NUL padded
//	25   2   protocol id, big-endian
//	27   n   payload
//	27+n 2   CRC-16/X-25 over [0, 27+n), little-endian
//	29+n 2   terminator 0x0D 0x0A
package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

const (
	magic0 = 0x40
	magic1 = 0x40

	DeviceIDLen = 20

	HeaderLen  = 2 + 2 + 1 + DeviceIDLen + 2 // 27
	TrailerLen = 2 + 2                       // checksum + terminator

	// MinFrameSize is a frame with an empty payload.
	MinFrameSize = HeaderLen + TrailerLen

	// DefaultMaxFrameSize bounds the per-connection buffer.
	DefaultMaxFrameSize = 1024
)

var (
	magic      = []byte{magic0, magic1}
	terminator = []byte{0x0D, 0x0A}
)

var (
	ErrShortFrame  = errors.New("frame: short frame")
	ErrBadMagic    = errors.New("frame: bad magic")
	ErrLengthField = errors.New("frame: length field does not match frame size")
)

// Frame is one delimited unit of the wire protocol, header to terminator.
type Frame struct {
	Length     uint16
	Version    uint8
	DeviceID   string
	ProtocolID uint16
	Payload    []byte
	Checksum   uint16
	Terminator [2]byte

	// Raw holds the complete frame bytes. Payload aliases into it.
	Raw []byte

	// Suspect is set when the terminator did not match 0x0D0A.
	Suspect bool
}

// Parse decodes a complete frame. raw must span exactly header to terminator.
// A terminator mismatch is not an error; it marks the frame Suspect.
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < MinFrameSize {
		return nil, ErrShortFrame
	}
	if raw[0] != magic0 || raw[1] != magic1 {
		return nil, ErrBadMagic
	}
	length := binary.BigEndian.Uint16(raw[2:4])
	if int(length) != len(raw) {
		return nil, errors.Wrapf(ErrLengthField, "declared %d, have %d", length, len(raw))
	}

	end := len(raw)
	f := &Frame{
		Length:     length,
		Version:    raw[4],
		DeviceID:   trimDeviceID(raw[5 : 5+DeviceIDLen]),
		ProtocolID: binary.BigEndian.Uint16(raw[25:27]),
		Payload:    raw[HeaderLen : end-TrailerLen],
		Checksum:   binary.LittleEndian.Uint16(raw[end-4 : end-2]),
		Raw:        raw,
	}
	copy(f.Terminator[:], raw[end-2:])
	f.Suspect = !bytes.Equal(f.Terminator[:], terminator)
	return f, nil
}

// VerifyChecksum recomputes the CRC over header and payload and compares it
// to the trailing checksum.
func (f *Frame) VerifyChecksum() bool {
	if len(f.Raw) < MinFrameSize {
		return false
	}
	return Checksum(f.Raw[:len(f.Raw)-TrailerLen]) == f.Checksum
}

// Hex returns the raw frame as lowercase hex.
func (f *Frame) Hex() string {
	return hex.EncodeToString(f.Raw)
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{device=%q proto=0x%04X len=%d}", f.DeviceID, f.ProtocolID, f.Length)
}

// Encode builds a well-formed frame with a valid checksum and terminator.
func Encode(version uint8, deviceID string, protocolID uint16, payload []byte) ([]byte, error) {
	if len(deviceID) > DeviceIDLen {
		return nil, errors.Errorf("frame: device id %q longer than %d bytes", deviceID, DeviceIDLen)
	}
	total := HeaderLen + len(payload) + TrailerLen
	if total > 0xFFFF {
		return nil, errors.Errorf("frame: payload of %d bytes does not fit", len(payload))
	}

	out := make([]byte, total)
	out[0], out[1] = magic0, magic1
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	out[4] = version
	copy(out[5:5+DeviceIDLen], deviceID)
	binary.BigEndian.PutUint16(out[25:27], protocolID)
	copy(out[HeaderLen:], payload)

	body := HeaderLen + len(payload)
	binary.LittleEndian.PutUint16(out[body:body+2], Checksum(out[:body]))
	copy(out[body+2:], terminator)
	return out, nil
}

func trimDeviceID(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
