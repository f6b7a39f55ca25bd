// Package archive keeps frames the decoder could not fully handle, so new
// protocol ids and firmware layouts can be analysed offline.
package archive

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obdtrack/internal/frame"
)

// Recorder writes archived frames to CSV files with automatic rotation.
// Record only queues the row; a single writer goroutine owns the files, so
// device streams never wait on disk.
type Recorder struct {
	dir     string
	maxRows int
	now     func() time.Time

	enabled atomic.Bool
	total   atomic.Uint64

	mu      sync.RWMutex // serialises Close against senders
	closed  bool
	queue   chan entry
	stopped chan struct{}

	// owned by the writer goroutine
	file   *os.File
	writer *csv.Writer
	rows   int
	files  int
}

// entry is one queued row, or a request to close the current file.
type entry struct {
	row  []string
	sync chan struct{}
}

// Config holds archive configuration.
type Config struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Path           string `yaml:"path" json:"path"`
	MaxRowsPerFile int    `yaml:"max_rows_per_file" json:"maxRowsPerFile"`
	QueueSize      int    `yaml:"queue_size" json:"queueSize"`
	// ArchiveTruncated also keeps frames that decoded only partially.
	ArchiveTruncated bool `yaml:"archive_truncated" json:"archiveTruncated"`
}

// ErrQueueFull is returned by Record when the writer is behind.
var ErrQueueFull = errors.New("archive: queue full")

const (
	defaultMaxRowsPerFile = 100_000
	defaultQueueSize      = 1024
)

var csvHeader = []string{
	"received_at", "remote", "device_id", "version", "protocol_id",
	"length", "checksum_ok", "suspect", "reason", "raw_hex",
}

// New creates a Recorder and starts its writer. Close stops it.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/obdtrack/archive"
	}
	if cfg.MaxRowsPerFile <= 0 {
		cfg.MaxRowsPerFile = defaultMaxRowsPerFile
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	l := &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRowsPerFile,
		now:     time.Now,
		queue:   make(chan entry, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
	l.enabled.Store(cfg.Enabled)
	go l.run()
	return l
}

// SetEnabled allows toggling the archive at runtime. Disabling waits for
// queued rows to be written and closes the current file.
func (l *Recorder) SetEnabled(on bool) {
	l.enabled.Store(on)
	if on {
		return
	}
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return
	}
	l.queue <- entry{sync: done}
	l.mu.RUnlock()
	<-done
}

// IsEnabled returns whether archiving is active.
func (l *Recorder) IsEnabled() bool { return l.enabled.Load() }

// Total is the number of frames accepted for archiving since start.
func (l *Recorder) Total() uint64 { return l.total.Load() }

// Record queues f with the reason it was archived. It never blocks; when
// the queue is full the frame is not archived and ErrQueueFull is returned.
func (l *Recorder) Record(f *frame.Frame, remote, reason string) error {
	if f == nil || !l.enabled.Load() {
		return nil
	}
	row := buildRow(l.now(), f, remote, reason)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil
	}
	select {
	case l.queue <- entry{row: row}:
		l.total.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Close writes what is queued and closes the current archive file.
func (l *Recorder) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.stopped
}

func (l *Recorder) run() {
	defer close(l.stopped)
	defer l.closeFile()

	for e := range l.queue {
		if e.sync != nil {
			l.closeFile()
			close(e.sync)
			continue
		}
		if err := l.write(e.row); err != nil {
			log.Errorf("[archive] %v", err)
		}
		// Flush once the burst is written.
		if len(l.queue) == 0 && l.writer != nil {
			l.writer.Flush()
			if err := l.writer.Error(); err != nil {
				log.Errorf("[archive] flush: %v", err)
			}
		}
	}
}

func (l *Recorder) write(row []string) error {
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(l.now()); err != nil {
			return errors.Wrap(err, "rotate archive")
		}
	}
	if err := l.writer.Write(row); err != nil {
		return errors.Wrap(err, "write archive row")
	}
	l.rows++
	return nil
}

func (l *Recorder) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", l.dir)
	}

	l.files++
	filename := fmt.Sprintf("frames_%s_%04d.csv", now.UTC().Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}

	log.WithField("path", path).Info("[archive] opened file")
	return nil
}

func (l *Recorder) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, f *frame.Frame, remote, reason string) []string {
	return []string{
		ts.UTC().Format(time.RFC3339Nano),
		remote,
		f.DeviceID,
		strconv.Itoa(int(f.Version)),
		fmt.Sprintf("0x%04X", f.ProtocolID),
		strconv.Itoa(int(f.Length)),
		boolStr(f.VerifyChecksum()),
		boolStr(f.Suspect),
		reason,
		f.Hex(),
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
