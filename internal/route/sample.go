// Package route post-processes a device's GPS track: outlier rejection,
// gap interpolation, smoothing and optional road snapping.
//
// The pipeline functions never modify their input and never reorder it.
package route

import (
	"math"
	"time"

	"github.com/shaunagostinho/obdtrack/internal/obd"
)

// Sample is one point of a route.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestampUtc"`
	SpeedKmH  float64   `json:"speedKmH"`
	Synthetic bool      `json:"synthetic,omitempty"` // inserted by Interpolate
}

// FromReading returns the sample carried by r, if it has a GPS fix.
// The device's own UTC time is preferred over the receive time.
func FromReading(r *obd.Reading) (Sample, bool) {
	if r == nil || r.GPS == nil {
		return Sample{}, false
	}
	ts := r.UTCTime
	if ts.IsZero() {
		ts = r.ReceivedAt
	}
	return Sample{
		Latitude:  r.GPS.Latitude,
		Longitude: r.GPS.Longitude,
		Timestamp: ts.UTC(),
		SpeedKmH:  r.GPS.SpeedKmH,
	}, true
}

const earthRadiusKm = 6371.0

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// DistanceMeters is the great-circle distance between two samples.
func DistanceMeters(a, b Sample) float64 {
	return haversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude) * 1000
}
