package obd

import (
	"encoding/binary"
	"math"
	"time"
)

// Status is the input to EncodeStatus. It mirrors what a tracker reports.
type Status struct {
	LastAccOn       time.Time
	UTC             time.Time
	TotalDistance   uint32
	CurrentDistance uint32
	TotalFuel       uint32 // deciliters
	FuelLevel       uint16 // 0..1024
	State           uint32

	Latitude   float64
	Longitude  float64
	SpeedKmH   float64
	CourseDeg  float64
	Satellites int
	FixValid   bool

	SoftwareVersion string
	HardwareVersion string
}

// EncodeStatus builds a status-family payload the way a tracker using
// layout l would. Version strings are only written for ProtoLogin.
func EncodeStatus(l Layout, protocolID uint16, s Status) []byte {
	b := make([]byte, 0, 64)
	b = binary.LittleEndian.AppendUint32(b, unixSeconds(s.LastAccOn))
	b = binary.LittleEndian.AppendUint32(b, unixSeconds(s.UTC))
	b = binary.LittleEndian.AppendUint32(b, s.TotalDistance)
	b = binary.LittleEndian.AppendUint32(b, s.CurrentDistance)
	b = binary.LittleEndian.AppendUint32(b, s.TotalFuel)
	b = binary.LittleEndian.AppendUint16(b, s.FuelLevel)
	for i := 0; i < l.StateWidth; i++ {
		b = append(b, byte(s.State>>(8*i)))
	}

	var status byte
	if s.FixValid {
		status |= statusFixValid
	}
	lat := int32(math.Round(s.Latitude * coordScale))
	lon := int32(math.Round(s.Longitude * coordScale))
	if l.Hemisphere != HemisphereSigned {
		if lat >= 0 {
			status |= statusNorth
		} else {
			lat = -lat
		}
		if lon >= 0 {
			status |= statusEast
		} else {
			lon = -lon
		}
	}
	if l.Satellites {
		b = append(b, status, byte(s.Satellites))
	} else {
		b = append(b, status|byte(s.Satellites&0x0F)<<4)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(lat))
	b = binary.LittleEndian.AppendUint32(b, uint32(lon))
	b = binary.LittleEndian.AppendUint16(b, uint16(math.Round(s.SpeedKmH/speedScale)))
	b = binary.LittleEndian.AppendUint16(b, uint16(math.Round(s.CourseDeg)))

	if protocolID == ProtoLogin {
		b = append(b, s.SoftwareVersion...)
		b = append(b, 0)
		b = append(b, s.HardwareVersion...)
		b = append(b, 0)
	}
	return b
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}
