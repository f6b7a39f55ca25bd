package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdtrack/internal/obd"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "readings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func gpsReading(device string, at time.Time, lat float64, fix bool) *obd.Reading {
	return &obd.Reading{
		DeviceID:      device,
		ProtocolID:    obd.ProtoGPSReport,
		ReceivedAt:    at.Add(time.Second),
		UTCTime:       at,
		GPS:           &obd.GPSFix{Latitude: lat, Longitude: -43.1, SpeedKmH: 30, FixValid: fix},
		ChecksumValid: true,
		RawHex:        "4040",
	}
}

func TestSQLiteAppendIsIdempotent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	r := gpsReading("dev", t0, -22.9, true)

	require.NoError(t, s.Append(ctx, r))
	require.NoError(t, s.Append(ctx, r))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same bytes received later is a new reading.
	again := *r
	again.ReceivedAt = r.ReceivedAt.Add(time.Minute)
	require.NoError(t, s.Append(ctx, &again))
	n, _ = s.Count(ctx)
	assert.Equal(t, 2, n)
}

func TestSQLiteSamplesWindowAndOrder(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	// Stored out of order; heartbeat and no-fix readings carry no sample.
	require.NoError(t, s.Append(ctx, gpsReading("dev", t0.Add(2*time.Minute), -22.3, true)))
	require.NoError(t, s.Append(ctx, gpsReading("dev", t0, -22.1, true)))
	require.NoError(t, s.Append(ctx, gpsReading("dev", t0.Add(time.Minute), -22.2, true)))
	require.NoError(t, s.Append(ctx, gpsReading("dev", t0.Add(90*time.Second), -40, false)))
	require.NoError(t, s.Append(ctx, &obd.Reading{DeviceID: "dev", ProtocolID: obd.ProtoHeartbeat, ReceivedAt: t0}))
	require.NoError(t, s.Append(ctx, gpsReading("other", t0, -10, true)))

	all, err := s.Samples(ctx, "dev", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, -22.1, all[0].Latitude)
	assert.Equal(t, -22.2, all[1].Latitude)
	assert.Equal(t, -22.3, all[2].Latitude)
	assert.Equal(t, t0, all[0].Timestamp)
	assert.Equal(t, 30.0, all[0].SpeedKmH)

	some, err := s.Samples(ctx, "dev", t0.Add(30*time.Second), t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, -22.2, some[0].Latitude)
}

func TestSQLiteReadings(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	km := 12.5
	r := gpsReading("dev", t0, -22.9, true)
	r.Trip = &obd.Trip{TotalDistanceRaw: 12500, DistanceUnit: obd.UnitMeters, TotalDistanceKm: &km}
	require.NoError(t, s.Append(ctx, r))
	require.NoError(t, s.Append(ctx, gpsReading("dev", t0.Add(time.Minute), -22.8, true)))

	got, err := s.Readings(ctx, "dev", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, -22.8, got[0].GPS.Latitude)

	got, err = s.Readings(ctx, "dev", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[1].Trip)
	assert.Equal(t, 12.5, *got[1].Trip.TotalDistanceKm)
	assert.True(t, got[1].UTCTime.Equal(t0))
}

type recordingSink struct {
	mu    sync.Mutex
	got   []*obd.Reading
	fails int // fail this many calls first
	block chan struct{}
}

func (s *recordingSink) Append(_ context.Context, r *obd.Reading) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("transient")
	}
	s.got = append(s.got, r)
	return nil
}

func (s *recordingSink) readings() []*obd.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*obd.Reading(nil), s.got...)
}

func TestAsyncSinkKeepsOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsyncSink(sink, 4)
	ctx := context.Background()

	var in []*obd.Reading
	for i := 0; i < 20; i++ {
		r := gpsReading("dev", t0.Add(time.Duration(i)*time.Second), float64(i), true)
		in = append(in, r)
		require.NoError(t, a.Enqueue(ctx, r))
	}
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, in, sink.readings())

	assert.ErrorIs(t, a.Enqueue(ctx, in[0]), ErrClosed)
	require.NoError(t, a.Close(ctx))
}

func TestAsyncSinkRetriesThenReports(t *testing.T) {
	sink := &recordingSink{fails: 2}
	var failed []*obd.Reading
	a := NewAsyncSink(sink, 4,
		WithRetry(2, time.Millisecond),
		WithErrorHandler(func(r *obd.Reading, err error) { failed = append(failed, r) }))

	first := gpsReading("dev", t0, 1, true)
	second := gpsReading("dev", t0.Add(time.Second), 2, true)
	require.NoError(t, a.Enqueue(context.Background(), first))
	require.NoError(t, a.Enqueue(context.Background(), second))
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, []*obd.Reading{first}, failed)
	assert.Equal(t, []*obd.Reading{second}, sink.readings())
}

func TestAsyncSinkEnqueueWaitsOnlyWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := NewAsyncSink(sink, 1)

	// The writer holds one reading, the queue holds the next.
	require.NoError(t, a.Enqueue(context.Background(), gpsReading("dev", t0, 1, true)))
	require.Eventually(t, func() bool { return a.Len() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Enqueue(context.Background(), gpsReading("dev", t0, 2, true)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Enqueue(ctx, gpsReading("dev", t0, 3, true))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sink.block)
	require.NoError(t, a.Close(context.Background()))
	assert.Len(t, sink.readings(), 2)
}

func TestAsyncSinkEnqueueGivesUpAfterTimeout(t *testing.T) {
	for name, limit := range map[string]time.Duration{"bounded": 5 * time.Millisecond, "no wait": 0} {
		t.Run(name, func(t *testing.T) {
			sink := &recordingSink{block: make(chan struct{})}
			a := NewAsyncSink(sink, 1, WithEnqueueTimeout(limit))

			require.NoError(t, a.Enqueue(context.Background(), gpsReading("dev", t0, 1, true)))
			require.Eventually(t, func() bool { return a.Len() == 0 }, time.Second, time.Millisecond)
			require.NoError(t, a.Enqueue(context.Background(), gpsReading("dev", t0, 2, true)))

			start := time.Now()
			err := a.Enqueue(context.Background(), gpsReading("dev", t0, 3, true))
			assert.ErrorIs(t, err, ErrQueueFull)
			assert.Less(t, time.Since(start), time.Second)

			close(sink.block)
			require.NoError(t, a.Close(context.Background()))
			assert.Len(t, sink.readings(), 2)
		})
	}
}
