package ingest

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdtrack/internal/archive"
	"github.com/shaunagostinho/obdtrack/internal/frame"
	"github.com/shaunagostinho/obdtrack/internal/hub"
	"github.com/shaunagostinho/obdtrack/internal/obd"
	"github.com/shaunagostinho/obdtrack/internal/store"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memSink struct {
	mu  sync.Mutex
	got []*obd.Reading
}

func (s *memSink) Append(_ context.Context, r *obd.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, r)
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type fixture struct {
	pipeline *Pipeline
	sink     *memSink
	hub      *hub.Hub
	registry *hub.Registry
	archive  *archive.Recorder
	metrics  *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sink:     &memSink{},
		hub:      hub.New(),
		registry: hub.NewRegistry(),
		archive:  archive.New(archive.Config{Enabled: true, Path: t.TempDir()}),
		metrics:  NewMetrics(),
	}
	t.Cleanup(f.archive.Close)
	f.pipeline = &Pipeline{
		Decoder:  obd.NewDecoder(obd.NewLayoutTable()),
		Sink:     f.sink,
		Hub:      f.hub,
		Registry: f.registry,
		Archive:  f.archive,
		Metrics:  f.metrics,
	}
	return f
}

func statusFrame(t *testing.T, device string, i int) []byte {
	t.Helper()
	payload := obd.EncodeStatus(obd.DefaultLayout(), obd.ProtoGPSReport, obd.Status{
		UTC:       base.Add(time.Duration(i) * time.Second),
		Latitude:  -22.9 + float64(i)*0.0001,
		Longitude: -43.2,
		SpeedKmH:  30,
		FixValid:  true,
	})
	raw, err := frame.Encode(3, device, obd.ProtoGPSReport, payload)
	require.NoError(t, err)
	return raw
}

func serve(t *testing.T, f *fixture, cfg Config) (*Server, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg, f.pipeline)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return srv, cancel
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recv(t *testing.T, s *hub.Subscription) *obd.Reading {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := s.Recv(ctx)
	require.NoError(t, err)
	return r
}

func TestServerDeliversInWireOrder(t *testing.T) {
	f := newFixture(t)
	srv, _ := serve(t, f, DefaultConfig())
	sub := f.hub.Subscribe("test", 64)

	var stream []byte
	stream = append(stream, "garbage"...)
	for i := 0; i < 10; i++ {
		stream = append(stream, statusFrame(t, "213GL2018000123", i)...)
	}

	conn := dial(t, srv)
	rng := rand.New(rand.NewSource(1))
	for len(stream) > 0 {
		n := min(1+rng.Intn(40), len(stream))
		_, err := conn.Write(stream[:n])
		require.NoError(t, err)
		stream = stream[n:]
	}

	for i := 0; i < 10; i++ {
		r := recv(t, sub)
		assert.Equal(t, "213GL2018000123", r.DeviceID)
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), r.UTCTime)
		assert.True(t, r.ChecksumValid)
	}
	assert.Equal(t, 10, f.sink.len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Anomalies.WithLabelValues("resync")))

	d, ok := f.registry.Device("213GL2018000123")
	require.True(t, ok)
	assert.True(t, d.Online())
	assert.Equal(t, uint64(10), d.Frames)

	conn.Close()
	require.Eventually(t, func() bool {
		d, _ := f.registry.Device("213GL2018000123")
		return !d.Online() && testutil.ToFloat64(f.metrics.Connections) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerArchivesUnsupportedProtocol(t *testing.T) {
	f := newFixture(t)
	srv, _ := serve(t, f, DefaultConfig())
	sub := f.hub.Subscribe("test", 8)

	unsupported, err := frame.Encode(3, "dev", 0x2002, []byte{1, 2, 3})
	require.NoError(t, err)

	conn := dial(t, srv)
	_, err = conn.Write(append(unsupported, statusFrame(t, "dev", 0)...))
	require.NoError(t, err)

	r := recv(t, sub)
	assert.Equal(t, obd.ProtoGPSReport, r.ProtocolID)
	assert.Equal(t, uint64(1), f.archive.Total())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecodeErrors.WithLabelValues("unsupported_protocol")))
	assert.Equal(t, 1, f.sink.len())
}

func TestAnomalyBudgetClosesOnlyTheAbusiveConnection(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.AnomalyRate = 1
	cfg.AnomalyBurst = 3
	srv, _ := serve(t, f, cfg)
	sub := f.hub.Subscribe("test", 8)

	good := dial(t, srv)
	bad := dial(t, srv)

	// Each header declares an impossible length.
	var junk []byte
	for i := 0; i < 20; i++ {
		junk = append(junk, 0x40, 0x40, 0x00, 0x05, 'x')
	}
	_, err := bad.Write(junk)
	require.NoError(t, err)

	require.NoError(t, bad.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = bad.Read(make([]byte, 1))
	require.Error(t, err)
	if ne, ok := err.(net.Error); ok {
		assert.False(t, ne.Timeout(), "abusive connection should be closed, not idle")
	}

	_, err = good.Write(statusFrame(t, "good", 1))
	require.NoError(t, err)
	assert.Equal(t, "good", recv(t, sub).DeviceID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Rejected.WithLabelValues(reasonAnomalies)))
}

func TestServerIdleTimeout(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.IdleTimeoutSec = 1
	srv, _ := serve(t, f, cfg)

	conn := dial(t, srv)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Rejected.WithLabelValues(reasonIdle)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerConnectionLimit(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	srv, _ := serve(t, f, cfg)

	dial(t, srv)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, srv)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := second.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Equal(t, 1, srv.Connections())
}

func TestPartialReadingIsDelivered(t *testing.T) {
	f := newFixture(t)
	f.pipeline.ArchiveTruncated = true
	sub := f.hub.Subscribe("test", 8)

	full := obd.EncodeStatus(obd.DefaultLayout(), obd.ProtoGPSReport, obd.Status{UTC: base, FixValid: true})
	raw, err := frame.Encode(3, "dev", obd.ProtoGPSReport, full[:30])
	require.NoError(t, err)
	fr, err := frame.Parse(raw)
	require.NoError(t, err)

	sess := f.pipeline.Open("c1", "peer")
	require.NoError(t, f.pipeline.HandleFrame(context.Background(), sess, fr))

	r, ok := sub.TryRecv()
	require.True(t, ok)
	assert.True(t, r.Partial)
	assert.Nil(t, r.GPS)
	assert.Equal(t, "dev", sess.DeviceID)
	assert.Equal(t, uint64(1), f.archive.Total())
	assert.Equal(t, 1, f.sink.len())
}

func TestMetricsExposeHub(t *testing.T) {
	m := NewMetrics()
	h := hub.New()
	m.RegisterHub(h)

	h.Subscribe("a", 4)
	h.Subscribe("b", 4)
	h.Publish(&obd.Reading{DeviceID: "dev"})
	h.Publish(&obd.Reading{DeviceID: "dev"})
	h.Publish(&obd.Reading{DeviceID: "dev"})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[mf.GetName()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["obdtrack_subscribers"])
	assert.Equal(t, 3.0, values["obdtrack_hub_published_total"])
}

// stalledSink never finishes an append until release is closed.
type stalledSink struct{ release chan struct{} }

func (s *stalledSink) Append(ctx context.Context, _ *obd.Reading) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStalledSinkDoesNotHoldUpBroadcast(t *testing.T) {
	f := newFixture(t)
	stalled := &stalledSink{release: make(chan struct{})}
	sink := store.NewAsyncSink(stalled, 1, store.WithEnqueueTimeout(5*time.Millisecond))
	t.Cleanup(func() {
		close(stalled.release)
		sink.Close(context.Background())
	})
	f.pipeline.Sink = sink
	sub := f.hub.Subscribe("test", 16)

	const n = 5
	frames := make([]*frame.Frame, n)
	for i := range frames {
		fr, err := frame.Parse(statusFrame(t, "dev", i))
		require.NoError(t, err)
		frames[i] = fr
	}

	sess := f.pipeline.Open("c1", "peer")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, fr := range frames {
			assert.NoError(t, f.pipeline.HandleFrame(context.Background(), sess, fr))
		}
	}()

	for i := 0; i < n; i++ {
		r := recv(t, sub)
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), r.UTCTime)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingestion blocked by a stalled sink")
	}
	// One reading in the writer, one queued, the rest turned away.
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.SinkBackpressure), float64(n-2))
}

func TestSerialServe(t *testing.T) {
	f := newFixture(t)
	src := NewSerialSource(SerialConfig{PortPath: "/dev/ttyTEST"}, DefaultConfig(), f.pipeline)
	sub := f.hub.Subscribe("test", 8)

	var stream bytes.Buffer
	stream.Write(statusFrame(t, "bench", 0))
	stream.Write(statusFrame(t, "bench", 1))

	err := src.serve(context.Background(), &stream)
	assert.ErrorIs(t, err, ErrPortClosed)
	assert.Equal(t, "bench", recv(t, sub).DeviceID)
	assert.Equal(t, "bench", recv(t, sub).DeviceID)

	d, ok := f.registry.Device("bench")
	require.True(t, ok)
	assert.False(t, d.Online())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, src.serve(ctx, &stream))

	assert.Error(t, src.Run(context.Background()), "not connected")
}
