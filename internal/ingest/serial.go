package ingest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ErrPortClosed is returned by Run when the port stops delivering data.
var ErrPortClosed = errors.New("serial: port closed")

// SerialConfig holds configuration for a tracker wired to a serial port,
// as on a test bench.
type SerialConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// SerialSource reads the tracker wire protocol from a serial port.
type SerialSource struct {
	cfg      SerialConfig
	ingest   Config
	pipeline *Pipeline

	mu   sync.Mutex
	port serial.Port
}

// NewSerialSource creates a serial source. Framing limits come from cfg.
func NewSerialSource(sc SerialConfig, cfg Config, p *Pipeline) *SerialSource {
	if sc.BaudRate == 0 {
		sc.BaudRate = 115200
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultConfig().MaxFrameSize
	}
	return &SerialSource{cfg: sc, ingest: cfg, pipeline: p}
}

func (s *SerialSource) Name() string { return "serial" }

// Connect opens the port.
func (s *SerialSource) Connect() error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.PortPath, mode)
	if err != nil {
		return errors.Wrapf(err, "serial: failed to open %s", s.cfg.PortPath)
	}
	port.SetReadTimeout(200 * time.Millisecond)

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	log.Infof("[serial] connected to %s at %d baud", s.cfg.PortPath, s.cfg.BaudRate)
	return nil
}

// Close closes the port.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Run reads frames from the connected port until ctx ends or the port
// fails. Connect must have succeeded first.
func (s *SerialSource) Run(ctx context.Context) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return errors.New("serial: not connected")
	}
	defer s.Close()
	return s.serve(ctx, port)
}

func (s *SerialSource) serve(ctx context.Context, src io.Reader) error {
	sess := s.pipeline.Open("serial:"+s.cfg.PortPath, s.cfg.PortPath)

	// The port read times out regularly, which is where ctx is checked.
	cancellable := readerFunc(func(b []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return src.Read(b)
	})

	err := serveStream(ctx, s.pipeline, sess, cancellable, s.ingest)
	reason := closeReason(ctx, err)
	s.pipeline.Close(sess, reason)
	if reason == reasonShutdown {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "serial")
	}
	return ErrPortClosed
}
