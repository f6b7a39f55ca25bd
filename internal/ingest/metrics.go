package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shaunagostinho/obdtrack/internal/frame"
	"github.com/shaunagostinho/obdtrack/internal/obd"
)

// Metrics holds the pipeline counters. Every method is nil-safe so tests
// can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	Frames           prometheus.Counter
	Anomalies        *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	ChecksumMismatch prometheus.Counter
	SinkErrors       prometheus.Counter
	SinkBackpressure prometheus.Counter
	HubDropped       prometheus.Counter
	Archived         prometheus.Counter
	Connections      prometheus.Gauge
	Rejected         *prometheus.CounterVec
	RouteSnap        *prometheus.HistogramVec
}

// NewMetrics creates the pipeline metrics on a private registry, together
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdtrack_frames_total",
			Help: "Frames extracted from device streams.",
		}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdtrack_framing_anomalies_total",
			Help: "Recoverable framing anomalies by kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdtrack_decode_errors_total",
			Help: "Frames that did not fully decode, by kind.",
		}, []string{"kind"}),
		ChecksumMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdtrack_checksum_mismatch_total",
			Help: "Decoded frames whose checksum did not match.",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdtrack_sink_errors_total",
			Help: "Readings that could not be persisted.",
		}),
		SinkBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdtrack_sink_backpressure_total",
			Help: "Readings not persisted because the store queue stayed full.",
		}),
		HubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdtrack_hub_dropped_total",
			Help: "Readings dropped from full subscriber queues.",
		}),
		Archived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdtrack_archived_frames_total",
			Help: "Frames queued for the archive.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obdtrack_connections",
			Help: "Open device connections.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdtrack_connections_closed_total",
			Help: "Device connections closed by the server, by reason.",
		}, []string{"reason"}),
		RouteSnap: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obdtrack_route_snap_seconds",
			Help:    "Road provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "result"}),
	}

	m.registry.MustRegister(
		m.Frames, m.Anomalies, m.DecodeErrors, m.ChecksumMismatch, m.SinkErrors,
		m.SinkBackpressure, m.HubDropped, m.Archived, m.Connections, m.Rejected, m.RouteSnap,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the prometheus registry to expose.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// HubStats is the part of the hub exposed as metrics.
type HubStats interface {
	Len() int
	Published() uint64
}

// RegisterHub exposes the live subscriber count and the readings published
// to the hub.
func (m *Metrics) RegisterHub(h HubStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "obdtrack_subscribers",
			Help: "Live reading subscribers.",
		}, func() float64 { return float64(h.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "obdtrack_hub_published_total",
			Help: "Readings published to the hub.",
		}, func() float64 { return float64(h.Published()) }),
	)
}

func (m *Metrics) frame() {
	if m != nil {
		m.Frames.Inc()
	}
}

func (m *Metrics) anomaly(a frame.Anomaly) {
	if m != nil {
		m.Anomalies.WithLabelValues(a.Kind.String()).Inc()
	}
}

func (m *Metrics) decodeError(k obd.ErrorKind) {
	if m != nil {
		m.DecodeErrors.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) checksum() {
	if m != nil {
		m.ChecksumMismatch.Inc()
	}
}

func (m *Metrics) archived() {
	if m != nil {
		m.Archived.Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed(reason string) {
	if m != nil {
		m.Connections.Dec()
		if reason != "" {
			m.Rejected.WithLabelValues(reason).Inc()
		}
	}
}

func (m *Metrics) refused(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}

// SinkError counts a reading that could not be persisted.
func (m *Metrics) SinkError() {
	if m != nil {
		m.SinkErrors.Inc()
	}
}

func (m *Metrics) sinkBackpressure() {
	if m != nil {
		m.SinkBackpressure.Inc()
	}
}

// HubDrop counts a reading evicted from a subscriber queue.
func (m *Metrics) HubDrop() {
	if m != nil {
		m.HubDropped.Inc()
	}
}

// ObserveSnap records one road provider call.
func (m *Metrics) ObserveSnap(provider string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RouteSnap.WithLabelValues(provider, result).Observe(took.Seconds())
}
