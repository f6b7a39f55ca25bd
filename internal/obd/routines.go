package obd

import (
	"math"
	"time"
)

// Protocol ids of the status family.
const (
	ProtoLogin     uint16 = 0x1001
	ProtoLogout    uint16 = 0x1002
	ProtoHeartbeat uint16 = 0x1003
	ProtoGPSReport uint16 = 0x4001
)

const (
	coordScale     = 3600000.0 // raw units per degree
	speedScale     = 0.036     // km/h per raw unit
	fuelLevelScale = 1024.0

	statusFixValid = 1 << 0
	statusNorth    = 1 << 2
	statusEast     = 1 << 3
)

var builtinRoutines = map[uint16]Routine{
	ProtoLogin:     decodeLogin,
	ProtoLogout:    decodeStatus,
	ProtoGPSReport: decodeStatus,
	ProtoHeartbeat: decodeHeartbeat,
}

func decodeLogin(c *Cursor, l Layout, r *Reading) error {
	if err := decodeStatus(c, l, r); err != nil {
		return err
	}
	return ReadIdentity(c, r)
}

func decodeStatus(c *Cursor, l Layout, r *Reading) error {
	if err := ReadTrip(c, l, r); err != nil {
		return err
	}
	return ReadGPS(c, l, r)
}

// Heartbeats may carry nothing but the device clock.
func decodeHeartbeat(c *Cursor, _ Layout, r *Reading) error {
	if c.Remaining() == 0 {
		return nil
	}
	utc := c.U32()
	if err := c.Err(); err != nil {
		return err
	}
	r.UTCTime = unixTime(utc)
	return nil
}

// ReadTrip reads the timestamps, trip counters, fuel and vehicle state.
func ReadTrip(c *Cursor, l Layout, r *Reading) error {
	lastAcc := c.U32()
	utc := c.U32()
	if err := c.Err(); err != nil {
		return err
	}
	r.UTCTime = unixTime(utc)

	t := &Trip{LastAccOn: unixTime(lastAcc), DistanceUnit: l.DistanceUnit}
	t.TotalDistanceRaw = c.U32()
	t.CurrentDistanceRaw = c.U32()
	t.TotalFuelRaw = c.U32()
	t.CurrentFuelRaw = c.U16()
	t.VehicleState = c.Uint(l.StateWidth)
	if err := c.Err(); err != nil {
		return err
	}

	if km, ok := l.DistanceUnit.Km(t.TotalDistanceRaw); ok {
		t.TotalDistanceKm = &km
	}
	if km, ok := l.DistanceUnit.Km(t.CurrentDistanceRaw); ok {
		t.CurrentDistanceKm = &km
	}
	t.TotalFuelLiters = float64(t.TotalFuelRaw) / 10
	t.CurrentFuelPercent = float64(t.CurrentFuelRaw) / fuelLevelScale * 100

	r.Trip = t
	return nil
}

// ReadGPS reads the GPS block.
func ReadGPS(c *Cursor, l Layout, r *Reading) error {
	status := c.U8()
	sats := int(status >> 4)
	if l.Satellites {
		sats = int(c.U8())
	}
	lat := c.I32()
	lon := c.I32()
	speed := c.U16()
	course := c.U16()
	if err := c.Err(); err != nil {
		return err
	}

	g := &GPSFix{
		Latitude:   float64(lat) / coordScale,
		Longitude:  float64(lon) / coordScale,
		SpeedKmH:   round3(float64(speed) * speedScale),
		CourseDeg:  float64(course),
		Satellites: sats,
		FixValid:   status&statusFixValid != 0,
	}
	if l.Hemisphere != HemisphereSigned {
		if status&statusNorth == 0 && g.Latitude > 0 {
			g.Latitude = -g.Latitude
		}
		if status&statusEast == 0 && g.Longitude > 0 {
			g.Longitude = -g.Longitude
		}
	}
	r.GPS = g
	return nil
}

// ReadIdentity reads the NUL-terminated software and hardware versions.
func ReadIdentity(c *Cursor, r *Reading) error {
	sw := c.CString()
	hw := c.CString()
	if err := c.Err(); err != nil {
		return err
	}
	r.Identity = &Identity{SoftwareVersion: sw, HardwareVersion: hw}
	return nil
}

func unixTime(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

// round3 trims float noise from scaled integers (441*0.036 = 15.876).
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
