package publish

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MQTTConfig holds the MQTT republisher settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id" json:"clientId"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         byte   `yaml:"qos" json:"qos"`
	Retained    bool   `yaml:"retained" json:"retained"`
	QueueSize   int    `yaml:"queue_size" json:"queueSize"`
}

// MQTT publishes readings to {prefix}/{deviceId}/reading.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
}

// NewMQTT creates an MQTT publisher. Connect must be called before use.
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "obdtrackd"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "obd"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("[mqtt] connection lost: %v", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Infof("[mqtt] connected to %s", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	return &MQTT{cfg: cfg, client: mqtt.NewClient(opts)}
}

func (m *MQTT) Name() string { return "mqtt" }

// Connect dials the broker once; the client reconnects by itself after.
func (m *MQTT) Connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return errors.Errorf("mqtt: connect to %s timed out", m.cfg.Broker)
	}
	return errors.Wrapf(token.Error(), "mqtt: connect to %s", m.cfg.Broker)
}

// Topic returns the topic readings of deviceID are published on.
func (m *MQTT) Topic(deviceID string) string {
	return m.cfg.TopicPrefix + "/" + sanitize(deviceID, "+#/") + "/reading"
}

func (m *MQTT) Publish(deviceID string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := m.client.Publish(m.Topic(deviceID), m.cfg.QoS, m.cfg.Retained, payload)
	if m.cfg.QoS == 0 {
		return nil
	}
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("mqtt: publish timed out")
	}
	return token.Error()
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
