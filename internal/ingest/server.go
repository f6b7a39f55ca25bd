package ingest

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/obdtrack/internal/frame"
)

// Config holds the TCP ingestion settings.
type Config struct {
	ListenAddr     string  `yaml:"listen_addr" json:"listenAddr"`
	MaxFrameSize   int     `yaml:"max_frame_size" json:"maxFrameSize"`
	IdleTimeoutSec int     `yaml:"idle_timeout_sec" json:"idleTimeoutSec"` // 0 disables
	MaxConnections int     `yaml:"max_connections" json:"maxConnections"`  // 0 is unlimited
	AnomalyRate    float64 `yaml:"anomaly_rate" json:"anomalyRate"`        // per second, 0 disables
	AnomalyBurst   int     `yaml:"anomaly_burst" json:"anomalyBurst"`
}

// DefaultConfig returns the ingestion defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":5013",
		MaxFrameSize:   frame.DefaultMaxFrameSize,
		IdleTimeoutSec: 300,
		MaxConnections: 10000,
		AnomalyRate:    5,
		AnomalyBurst:   50,
	}
}

// Close reasons reported to metrics.
const (
	reasonIdle      = "idle"
	reasonAnomalies = "anomaly_rate"
	reasonIO        = "io"
	reasonLimit     = "limit"
	reasonShutdown  = "shutdown"
)

var errAnomalyBudget = errors.New("ingest: framing anomaly budget exceeded")

// Server accepts device connections. Each connection gets its own
// goroutine and frame.Reader; a failure on one never touches another.
type Server struct {
	cfg      Config
	pipeline *Pipeline

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	addr  net.Addr
	ready chan struct{}
}

// NewServer creates a Server.
func NewServer(cfg Config, p *Pipeline) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	return &Server{
		cfg:      cfg,
		pipeline: p,
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.ListenAddr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addr = ln.Addr()
	close(s.ready)
	log.WithField("addr", ln.Addr().String()).Info("[ingest] listening")

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()
	defer s.wg.Wait()

	delay := 5 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warnf("[ingest] accept: %v (retry in %v)", err, delay)
				time.Sleep(delay)
				delay = min(delay*2, time.Second)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		delay = 5 * time.Millisecond

		if !s.track(conn) {
			log.WithField("remote", conn.RemoteAddr().String()).Warn("[ingest] connection limit reached")
			s.pipeline.Metrics.refused(reasonLimit)
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

// handle runs one connection's read loop.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	sess := s.pipeline.Open(uuid.NewString(), conn.RemoteAddr().String())
	logger := log.WithFields(log.Fields{"conn": sess.ID, "remote": sess.Remote})
	logger.Debug("[ingest] connection opened")

	err := serveStream(ctx, s.pipeline, sess, s.deadlined(conn), s.cfg)
	reason := closeReason(ctx, err)
	s.pipeline.Close(sess, reason)

	fields := log.Fields{"device": sess.DeviceID, "frames": sess.Frames}
	if reason == "" || reason == reasonShutdown {
		logger.WithFields(fields).Debug("[ingest] connection closed")
	} else {
		logger.WithFields(fields).Infof("[ingest] connection closed (%s): %v", reason, err)
	}
}

// serveStream pumps one device stream through a fresh frame.Reader.
func serveStream(ctx context.Context, p *Pipeline, sess *Session, src io.Reader, cfg Config) error {
	var budget *rate.Limiter
	if cfg.AnomalyRate > 0 {
		burst := cfg.AnomalyBurst
		if burst < 1 {
			burst = 1
		}
		budget = rate.NewLimiter(rate.Limit(cfg.AnomalyRate), burst)
	}

	exceeded := false
	reader := frame.NewReader(
		frame.WithMaxFrameSize(cfg.MaxFrameSize),
		frame.WithAnomalyHandler(func(a frame.Anomaly) {
			p.Anomaly(sess, a)
			if budget != nil && !budget.Allow() {
				exceeded = true
			}
		}),
	)

	guarded := readerFunc(func(b []byte) (int, error) {
		if exceeded {
			return 0, errAnomalyBudget
		}
		return src.Read(b)
	})
	return frame.ReadFrames(guarded, reader, func(f *frame.Frame) error {
		if exceeded {
			return errAnomalyBudget
		}
		return p.HandleFrame(ctx, sess, f)
	})
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(b []byte) (int, error) { return f(b) }

// deadlined refreshes the idle deadline before every read.
func (s *Server) deadlined(conn net.Conn) io.Reader {
	if s.cfg.IdleTimeoutSec <= 0 {
		return conn
	}
	idle := time.Duration(s.cfg.IdleTimeoutSec) * time.Second
	return readerFunc(func(b []byte) (int, error) {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return 0, err
		}
		return conn.Read(b)
	})
}

func closeReason(ctx context.Context, err error) string {
	if err == nil {
		return ""
	}
	if ctx.Err() != nil {
		return reasonShutdown
	}
	if errors.Is(err, errAnomalyBudget) {
		return reasonAnomalies
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return reasonIdle
	}
	return reasonIO
}
