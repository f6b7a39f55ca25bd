// Package obd decodes tracker frames into unit-normalized readings.
package obd

import "time"

// Reading is the decoded result of one frame. It is created once by the
// Decoder and must not be modified afterwards; the sink and every hub
// subscriber share the same value.
type Reading struct {
	DeviceID   string    `json:"deviceId"`
	ProtocolID uint16    `json:"protocolId"`
	ReceivedAt time.Time `json:"receivedAt"`
	UTCTime    time.Time `json:"utcTime"` // device clock

	GPS      *GPSFix   `json:"gps,omitempty"`
	Trip     *Trip     `json:"trip,omitempty"`
	Identity *Identity `json:"identity,omitempty"`

	// ChecksumValid is a trust signal only; invalid frames are still
	// persisted and broadcast.
	ChecksumValid bool `json:"checksumValid"`
	// Suspect is set when the frame terminator was wrong.
	Suspect bool `json:"suspect,omitempty"`
	// Partial is set when the payload ended before every section parsed.
	Partial bool   `json:"partial,omitempty"`
	Layout  string `json:"layout,omitempty"`
	RawHex  string `json:"rawHex"`
}

// GPSFix holds the GPS block of a status payload.
type GPSFix struct {
	Latitude   float64 `json:"latitude"`  // decimal degrees, south negative
	Longitude  float64 `json:"longitude"` // decimal degrees, west negative
	SpeedKmH   float64 `json:"speedKmH"`
	CourseDeg  float64 `json:"courseDeg"`
	Satellites int     `json:"satellites"`
	FixValid   bool    `json:"fixValid"`
}

// Trip holds the mileage and fuel counters. Raw distance values are always
// present; the km values are only set when the distance unit is known.
type Trip struct {
	LastAccOn    time.Time `json:"lastAccOn"`
	VehicleState uint32    `json:"vehicleState"`

	TotalDistanceRaw   uint32       `json:"totalDistanceRaw"`
	CurrentDistanceRaw uint32       `json:"currentDistanceRaw"`
	DistanceUnit       DistanceUnit `json:"distanceUnit"`
	TotalDistanceKm    *float64     `json:"totalDistanceKm,omitempty"`
	CurrentDistanceKm  *float64     `json:"currentDistanceKm,omitempty"`

	TotalFuelRaw       uint32  `json:"totalFuelRaw"`    // deciliters
	TotalFuelLiters    float64 `json:"totalFuelLiters"` // cumulative
	CurrentFuelRaw     uint16  `json:"currentFuelRaw"`  // 0..1024
	CurrentFuelPercent float64 `json:"currentFuelPercent"`
}

// Identity holds the firmware strings reported at login.
type Identity struct {
	SoftwareVersion string `json:"softwareVersion"`
	HardwareVersion string `json:"hardwareVersion"`
}
