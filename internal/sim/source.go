// Package sim generates tracker traffic for exercising the ingestion
// service without hardware.
package sim

import (
	"bufio"
	"io"
	"math"
	"math/rand"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	log "github.com/sirupsen/logrus"
)

// Fix is one position a simulated tracker reports.
type Fix struct {
	Time       time.Time
	Valid      bool
	Latitude   float64 // decimal degrees
	Longitude  float64 // decimal degrees
	SpeedKmH   float64
	CourseDeg  float64
	Satellites int
}

// Source produces fixes. Next returns io.EOF when the source is exhausted.
type Source interface {
	Name() string
	Next() (*Fix, error)
}

// Demo drives in a circle around a center point forever.
type Demo struct {
	CenterLat float64
	CenterLon float64
	RadiusDeg float64 // ~111 km per degree of latitude
	Step      time.Duration

	rng *rand.Rand
	t   float64
	now time.Time
}

// NewDemo creates a demo route starting at start. seed makes the speed
// jitter reproducible.
func NewDemo(start time.Time, seed int64) *Demo {
	return &Demo{
		CenterLat: -22.9747,
		CenterLon: -43.3725,
		RadiusDeg: 0.005, // ~500m
		Step:      10 * time.Second,
		rng:       rand.New(rand.NewSource(seed)),
		now:       start,
	}
}

func (d *Demo) Name() string { return "demo" }

func (d *Demo) Next() (*Fix, error) {
	d.t += 0.1
	d.now = d.now.Add(d.Step)
	return &Fix{
		Time:       d.now,
		Valid:      true,
		Latitude:   d.CenterLat + d.RadiusDeg*math.Sin(d.t),
		Longitude:  d.CenterLon + d.RadiusDeg*math.Cos(d.t),
		SpeedKmH:   50 + 30*math.Sin(d.t*3) + d.rng.Float64()*5,
		CourseDeg:  math.Mod(d.t*180/math.Pi+180, 360),
		Satellites: 12,
	}, nil
}

// NMEA replays a recorded NMEA 0183 log. Each RMC sentence becomes one fix;
// the satellite count comes from the latest GGA sentence.
type NMEA struct {
	scanner    *bufio.Scanner
	satellites int
	skipped    int
}

// NewNMEA reads sentences from r.
func NewNMEA(r io.Reader) *NMEA {
	return &NMEA{scanner: bufio.NewScanner(r)}
}

func (n *NMEA) Name() string { return "nmea" }

// Skipped is the number of lines that did not parse.
func (n *NMEA) Skipped() int { return n.skipped }

func (n *NMEA) Next() (*Fix, error) {
	for n.scanner.Scan() {
		line := strings.TrimSpace(n.scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			n.skipped++
			log.Debugf("[sim] skipping sentence %q: %v", line, err)
			continue
		}

		switch sentence.DataType() {
		case nmea.TypeGGA:
			n.satellites = int(sentence.(nmea.GGA).NumSatellites)
		case nmea.TypeRMC:
			m := sentence.(nmea.RMC)
			return &Fix{
				Time:       rmcTime(m),
				Valid:      m.Validity == nmea.ValidRMC,
				Latitude:   m.Latitude,
				Longitude:  m.Longitude,
				SpeedKmH:   m.Speed * 1.852, // knots
				CourseDeg:  m.Course,
				Satellites: n.satellites,
			}, nil
		}
	}
	if err := n.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func rmcTime(m nmea.RMC) time.Time {
	if !m.Date.Valid || !m.Time.Valid {
		return time.Time{}
	}
	return time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
}
