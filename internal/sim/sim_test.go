package sim

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdtrack/internal/frame"
	"github.com/shaunagostinho/obdtrack/internal/obd"
)

const nmeaLog = `$GPGGA,123519,2258.485,S,04322.351,W,1,08,0.9,545.4,M,46.9,M,,*4E
garbage line
$GPRMC,123519,A,2258.485,S,04322.351,W,022.4,084.4,010524,003.1,W*6E
$GPRMC,123529,V,2258.500,S,04322.300,W,000.0,000.0,010524,003.1,W*00
$GPRMC,123529,V,2258.500,S,04322.300,W,000.0,000.0,010524,003.1,W*7E
`

func decodeAll(t *testing.T, stream []byte) []*obd.Reading {
	t.Helper()
	dec := obd.NewDecoder(obd.NewLayoutTable())
	var out []*obd.Reading
	err := frame.ReadFrames(bytes.NewReader(stream), frame.NewReader(), func(f *frame.Frame) error {
		r, err := dec.Decode(f)
		require.NoError(t, err)
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestNMEAReplay(t *testing.T) {
	src := NewNMEA(strings.NewReader(nmeaLog))

	fix, err := src.Next()
	require.NoError(t, err)
	assert.True(t, fix.Valid)
	assert.InDelta(t, -22.974750, fix.Latitude, 1e-6)
	assert.InDelta(t, -43.372517, fix.Longitude, 1e-6)
	assert.InDelta(t, 22.4*1.852, fix.SpeedKmH, 1e-9)
	assert.Equal(t, 8, fix.Satellites)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 35, 19, 0, time.UTC), fix.Time)

	fix, err = src.Next()
	require.NoError(t, err)
	assert.False(t, fix.Valid)

	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, src.Skipped(), "bad checksum")
}

func TestStreamProducesDecodableFrames(t *testing.T) {
	var buf bytes.Buffer
	dev := NewDevice("SIM0000000000001")
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	sent, err := Stream(context.Background(), &buf, dev, NewDemo(start, 1), StreamConfig{
		Count:          5,
		HeartbeatEvery: 2,
		MaxChunk:       7,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, sent)

	readings := decodeAll(t, buf.Bytes())
	// login, 5 reports, 2 heartbeats, logout
	require.Len(t, readings, 9)
	assert.Equal(t, obd.ProtoLogin, readings[0].ProtocolID)
	require.NotNil(t, readings[0].Identity)
	assert.Equal(t, "SIM-1.0", readings[0].Identity.SoftwareVersion)
	assert.Equal(t, obd.ProtoGPSReport, readings[1].ProtocolID)
	assert.Equal(t, obd.ProtoHeartbeat, readings[3].ProtocolID)
	assert.Equal(t, obd.ProtoLogout, readings[8].ProtocolID)

	for _, r := range readings {
		assert.Equal(t, "SIM0000000000001", r.DeviceID)
		assert.True(t, r.ChecksumValid)
	}

	first, last := readings[1], readings[7]
	require.NotNil(t, first.GPS)
	assert.True(t, first.GPS.FixValid)
	assert.Equal(t, start.Add(10*time.Second), first.UTCTime)
	assert.Greater(t, last.Trip.TotalDistanceRaw, first.Trip.TotalDistanceRaw)
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	sent, err := Stream(ctx, &buf, NewDevice("dev"), NewDemo(time.Now(), 1), StreamConfig{Interval: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, decodeAll(t, buf.Bytes()), 1, "only the login")
}

func TestReportAccumulatesTripDistance(t *testing.T) {
	dev := NewDevice("SIM0000000000002")
	a := &Fix{Time: time.Unix(1714564800, 0).UTC(), Valid: true, Latitude: -22.97, Longitude: -43.37}
	b := *a
	b.Time = a.Time.Add(time.Minute)
	b.Latitude += 0.01 // ~1112 m north

	var stream []byte
	for _, fix := range []*Fix{a, &b} {
		raw, err := dev.Report(fix)
		require.NoError(t, err)
		stream = append(stream, raw...)
	}

	readings := decodeAll(t, stream)
	require.Len(t, readings, 2)
	assert.Zero(t, readings[0].Trip.TotalDistanceRaw)
	assert.InDelta(t, 1112, float64(readings[1].Trip.TotalDistanceRaw), 2)
}
