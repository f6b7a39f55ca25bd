package sim

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obdtrack/internal/frame"
	"github.com/shaunagostinho/obdtrack/internal/obd"
	"github.com/shaunagostinho/obdtrack/internal/route"
)

// Device is one simulated tracker. It keeps the trip counters a real unit
// would accumulate between reports.
type Device struct {
	ID      string
	Version uint8
	Layout  obd.Layout

	SoftwareVersion string
	HardwareVersion string

	accOn    time.Time
	last     *Fix
	meters   float64
	fuelDl   uint32
	fuelLeft float64 // 0..1
}

// NewDevice creates a tracker using the default payload layout.
func NewDevice(id string) *Device {
	return &Device{
		ID:              id,
		Version:         3,
		Layout:          obd.DefaultLayout(),
		SoftwareVersion: "SIM-1.0",
		HardwareVersion: "HW-A",
		fuelLeft:        0.8,
	}
}

func (d *Device) encode(protocolID uint16, payload []byte) ([]byte, error) {
	return frame.Encode(d.Version, d.ID, protocolID, payload)
}

// Login builds the login frame sent when the tracker connects.
func (d *Device) Login(at time.Time) ([]byte, error) {
	d.accOn = at
	return d.encode(obd.ProtoLogin, obd.EncodeStatus(d.Layout, obd.ProtoLogin, d.status(nil, at)))
}

// Logout builds the logout frame.
func (d *Device) Logout(at time.Time) ([]byte, error) {
	return d.encode(obd.ProtoLogout, obd.EncodeStatus(d.Layout, obd.ProtoLogout, d.status(d.last, at)))
}

// Heartbeat builds a heartbeat carrying the device clock.
func (d *Device) Heartbeat(at time.Time) ([]byte, error) {
	return d.encode(obd.ProtoHeartbeat, binary.LittleEndian.AppendUint32(nil, uint32(at.Unix())))
}

// Report builds a GPS report for fix and advances the trip counters.
func (d *Device) Report(fix *Fix) ([]byte, error) {
	if fix.Valid && d.last != nil && d.last.Valid {
		d.meters += route.DistanceMeters(
			route.Sample{Latitude: d.last.Latitude, Longitude: d.last.Longitude},
			route.Sample{Latitude: fix.Latitude, Longitude: fix.Longitude},
		)
		// ~10 km per liter
		d.fuelDl = uint32(d.meters / 1000)
		d.fuelLeft = math.Max(0, 0.8-d.meters/500_000)
	}
	d.last = fix
	return d.encode(obd.ProtoGPSReport, obd.EncodeStatus(d.Layout, obd.ProtoGPSReport, d.status(fix, fix.Time)))
}

func (d *Device) status(fix *Fix, at time.Time) obd.Status {
	s := obd.Status{
		LastAccOn:       d.accOn,
		UTC:             at,
		TotalDistance:   uint32(d.meters),
		CurrentDistance: uint32(d.meters),
		TotalFuel:       d.fuelDl,
		FuelLevel:       uint16(d.fuelLeft * 1024),
		State:           0x01, // ignition on
		SoftwareVersion: d.SoftwareVersion,
		HardwareVersion: d.HardwareVersion,
	}
	if fix != nil {
		s.Latitude = fix.Latitude
		s.Longitude = fix.Longitude
		s.SpeedKmH = fix.SpeedKmH
		s.CourseDeg = fix.CourseDeg
		s.Satellites = fix.Satellites
		s.FixValid = fix.Valid
	}
	return s
}

// StreamConfig controls how frames are written.
type StreamConfig struct {
	Interval       time.Duration // pause between reports, 0 sends as fast as possible
	Count          int           // reports to send, 0 until the source ends
	HeartbeatEvery int           // a heartbeat after every n reports, 0 disables
	MaxChunk       int           // split writes into random chunks of 1..MaxChunk bytes, 0 writes whole frames
	Seed           int64
}

// Stream writes a login, then one report per fix from src, then a logout.
// It returns the number of reports written.
func Stream(ctx context.Context, w io.Writer, d *Device, src Source, cfg StreamConfig) (int, error) {
	cw := &chunkWriter{w: w, max: cfg.MaxChunk, rng: rand.New(rand.NewSource(cfg.Seed))}

	var (
		sent int
		last = time.Now().UTC()
	)
	login, err := d.Login(last)
	if err != nil {
		return 0, err
	}
	if err := cw.write(login); err != nil {
		return 0, errors.Wrap(err, "write login")
	}

	var ticker *time.Ticker
	if cfg.Interval > 0 {
		ticker = time.NewTicker(cfg.Interval)
		defer ticker.Stop()
	}

	for cfg.Count == 0 || sent < cfg.Count {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return sent, nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return sent, nil
		}

		fix, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sent, errors.Wrapf(err, "%s source", src.Name())
		}
		if !fix.Time.IsZero() {
			last = fix.Time
		} else {
			fix.Time = last
		}

		report, err := d.Report(fix)
		if err != nil {
			return sent, err
		}
		if err := cw.write(report); err != nil {
			return sent, errors.Wrap(err, "write report")
		}
		sent++

		if cfg.HeartbeatEvery > 0 && sent%cfg.HeartbeatEvery == 0 {
			hb, err := d.Heartbeat(last)
			if err != nil {
				return sent, err
			}
			if err := cw.write(hb); err != nil {
				return sent, errors.Wrap(err, "write heartbeat")
			}
		}
	}

	logout, err := d.Logout(last)
	if err != nil {
		return sent, err
	}
	if err := cw.write(logout); err != nil {
		return sent, errors.Wrap(err, "write logout")
	}
	log.WithField("device", d.ID).Debugf("[sim] sent %d reports", sent)
	return sent, nil
}

// chunkWriter splits frames the way a cellular link fragments them.
type chunkWriter struct {
	w   io.Writer
	max int
	rng *rand.Rand
}

func (c *chunkWriter) write(b []byte) error {
	if c.max <= 0 {
		_, err := c.w.Write(b)
		return err
	}
	for len(b) > 0 {
		n := min(1+c.rng.Intn(c.max), len(b))
		if _, err := c.w.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
