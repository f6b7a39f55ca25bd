package publish

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// NATSConfig holds the NATS republisher settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"` // e.g. nats://localhost:4222
	Name          string `yaml:"name" json:"name"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subjectPrefix"`
	Token         string `yaml:"token" json:"-"`
	QueueSize     int    `yaml:"queue_size" json:"queueSize"`
}

// NATS publishes readings to {prefix}.{deviceId}.
type NATS struct {
	cfg  NATSConfig
	conn *nats.Conn
}

// NewNATS creates a NATS publisher. Connect must be called before use.
func NewNATS(cfg NATSConfig) *NATS {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "obdtrackd"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "obd.reading"
	}
	return &NATS{cfg: cfg}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("[nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("[nats] reconnected to %s", c.ConnectedUrl())
		}),
	}
	if n.cfg.Token != "" {
		opts = append(opts, nats.Token(n.cfg.Token))
	}
	return opts
}

// Connect dials the server; the connection reconnects by itself after.
func (n *NATS) Connect() error {
	conn, err := nats.Connect(n.cfg.URL, n.options()...)
	if err != nil {
		return errors.Wrapf(err, "nats: connect to %s", n.cfg.URL)
	}
	n.conn = conn
	log.Infof("[nats] connected to %s", conn.ConnectedUrl())
	return nil
}

// Subject returns the subject readings of deviceID are published on.
func (n *NATS) Subject(deviceID string) string {
	return n.cfg.SubjectPrefix + "." + sanitize(deviceID, ".*>")
}

func (n *NATS) Publish(deviceID string, payload []byte) error {
	if n.conn == nil || n.conn.IsClosed() {
		return ErrNotConnected
	}
	// While reconnecting the client buffers publishes up to its limit.
	return errors.Wrap(n.conn.Publish(n.Subject(deviceID), payload), "nats: publish")
}

func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	if err != nil {
		n.conn.Close()
	}
	return err
}
