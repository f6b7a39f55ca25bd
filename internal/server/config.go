package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sugawarayuuta/sonnet"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obdtrack/internal/archive"
	"github.com/shaunagostinho/obdtrack/internal/ingest"
	"github.com/shaunagostinho/obdtrack/internal/obd"
	"github.com/shaunagostinho/obdtrack/internal/publish"
	"github.com/shaunagostinho/obdtrack/internal/route"
)

// DefaultConfigPath is used by Save when the config was not loaded from a file.
const DefaultConfigPath = "/etc/obdtrack/config.yaml"

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	// Tracker ingestion
	Ingest ingest.Config       `yaml:"ingest" json:"ingest"`
	Serial ingest.SerialConfig `yaml:"serial" json:"serial"`

	// Payload layouts and per-device unit hints
	Decoder DecoderConfig `yaml:"decoder" json:"decoder"`

	Hub     HubConfig      `yaml:"hub" json:"hub"`
	Store   StoreConfig    `yaml:"store" json:"store"`
	Archive archive.Config `yaml:"archive" json:"archive"`
	Route   RouteConfig    `yaml:"route" json:"route"`
	Publish PublishConfig  `yaml:"publish" json:"publish"`
	Server  ServerConfig   `yaml:"server" json:"server"`
	Logging LoggingConfig  `yaml:"logging" json:"logging"`

	path string
}

type DecoderConfig struct {
	Layouts   []obd.Layout                `yaml:"layouts" json:"layouts"`
	UnitHints map[string]obd.DistanceUnit `yaml:"unit_hints" json:"unitHints"` // device id -> unit
}

type HubConfig struct {
	QueueSize int `yaml:"queue_size" json:"queueSize"` // per subscriber
}

type StoreConfig struct {
	Path         string `yaml:"path" json:"path"`
	QueueSize    int    `yaml:"queue_size" json:"queueSize"`
	RetryCount   int    `yaml:"retry_count" json:"retryCount"`
	RetryDelayMs int    `yaml:"retry_delay_ms" json:"retryDelayMs"`

	// EnqueueTimeoutMs bounds how long a device stream waits on a full
	// queue before the reading is dropped from persistence.
	EnqueueTimeoutMs int `yaml:"enqueue_timeout_ms" json:"enqueueTimeoutMs"`
}

type RouteConfig struct {
	OSRMURL      string        `yaml:"osrm_url" json:"osrmUrl"`
	OSRMProfile  string        `yaml:"osrm_profile" json:"osrmProfile"`
	GoogleURL    string        `yaml:"google_url" json:"googleUrl"`
	GoogleAPIKey string        `yaml:"google_api_key" json:"-"`
	TimeoutSec   int           `yaml:"timeout_sec" json:"timeoutSec"` // per provider call
	Defaults     route.Options `yaml:"defaults" json:"defaults"`
}

type PublishConfig struct {
	MQTT publish.MQTTConfig `yaml:"mqtt" json:"mqtt"`
	NATS publish.NATSConfig `yaml:"nats" json:"nats"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // logrus level name
	Format string `yaml:"format" json:"format"` // "text" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Ingest: ingest.DefaultConfig(),
		Serial: ingest.SerialConfig{
			Enabled:  false,
			PortPath: "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		Decoder: DecoderConfig{
			UnitHints: map[string]obd.DistanceUnit{},
		},
		Hub: HubConfig{
			QueueSize: 256,
		},
		Store: StoreConfig{
			Path:             "/var/lib/obdtrack/readings.db",
			QueueSize:        4096,
			RetryCount:       3,
			RetryDelayMs:     100,
			EnqueueTimeoutMs: 500,
		},
		Archive: archive.Config{
			Enabled:          true,
			Path:             "/var/lib/obdtrack/archive",
			MaxRowsPerFile:   100_000,
			QueueSize:        1024,
			ArchiveTruncated: false,
		},
		Route: RouteConfig{
			OSRMURL:     route.DefaultOSRMURL,
			OSRMProfile: "driving",
			GoogleURL:   route.DefaultGoogleURL,
			TimeoutSec:  10,
			Defaults:    route.DefaultOptions(),
		},
		Publish: PublishConfig{
			MQTT: publish.MQTTConfig{
				Broker:      "tcp://localhost:1883",
				ClientID:    "obdtrackd",
				TopicPrefix: "obd",
				QueueSize:   1024,
			},
			NATS: publish.NATSConfig{
				URL:           "nats://localhost:4222",
				Name:          "obdtrackd",
				SubjectPrefix: "obd.reading",
				QueueSize:     1024,
			},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Errorf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infof("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: INGEST_ADDR, INGEST_IDLE_TIMEOUT_SEC, INGEST_MAX_CONNECTIONS,
// SERIAL_ENABLED, SERIAL_PORT, SERIAL_BAUD, STORE_PATH, ARCHIVE_ENABLED,
// ARCHIVE_PATH, OSRM_URL, GOOGLE_API_KEY, MQTT_ENABLED, MQTT_BROKER,
// MQTT_USERNAME, MQTT_PASSWORD, NATS_ENABLED, NATS_URL, NATS_TOKEN,
// LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT
func (c *Config) applyEnvOverrides() {
	envString("INGEST_ADDR", &c.Ingest.ListenAddr)
	envInt("INGEST_IDLE_TIMEOUT_SEC", &c.Ingest.IdleTimeoutSec)
	envInt("INGEST_MAX_CONNECTIONS", &c.Ingest.MaxConnections)

	if v := os.Getenv("SERIAL_ENABLED"); v != "" {
		c.Serial.Enabled = envBool(v)
	}
	envString("SERIAL_PORT", &c.Serial.PortPath)
	envInt("SERIAL_BAUD", &c.Serial.BaudRate)

	envString("STORE_PATH", &c.Store.Path)
	if v := os.Getenv("ARCHIVE_ENABLED"); v != "" {
		c.Archive.Enabled = envBool(v)
	}
	envString("ARCHIVE_PATH", &c.Archive.Path)

	envString("OSRM_URL", &c.Route.OSRMURL)
	envString("GOOGLE_API_KEY", &c.Route.GoogleAPIKey)

	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.Publish.MQTT.Enabled = envBool(v)
	}
	envString("MQTT_BROKER", &c.Publish.MQTT.Broker)
	envString("MQTT_USERNAME", &c.Publish.MQTT.Username)
	envString("MQTT_PASSWORD", &c.Publish.MQTT.Password)
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		c.Publish.NATS.Enabled = envBool(v)
	}
	envString("NATS_URL", &c.Publish.NATS.URL)
	envString("NATS_TOKEN", &c.Publish.NATS.Token)

	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
}

// Validate reports the first setting the service cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Ingest.ListenAddr == "" {
		return errors.New("config: ingest.listen_addr is required")
	}
	if c.Ingest.MaxFrameSize < 31 {
		return errors.Errorf("config: ingest.max_frame_size %d is below the minimum frame size", c.Ingest.MaxFrameSize)
	}
	if c.Serial.Enabled && c.Serial.PortPath == "" {
		return errors.New("config: serial.port_path is required when serial is enabled")
	}
	for i, l := range c.Decoder.Layouts {
		if l.StateWidth < 0 || l.StateWidth > 4 {
			return errors.Errorf("config: decoder.layouts[%d] (%s): state_width must be 0-4", i, l.Name)
		}
		if !l.DistanceUnit.Valid() {
			return errors.Errorf("config: decoder.layouts[%d] (%s): unknown distance_unit %q", i, l.Name, l.DistanceUnit)
		}
		switch l.Hemisphere {
		case "", obd.HemisphereStatus, obd.HemisphereSigned:
		default:
			return errors.Errorf("config: decoder.layouts[%d] (%s): unknown hemisphere %q", i, l.Name, l.Hemisphere)
		}
	}
	for id, u := range c.Decoder.UnitHints {
		if !u.Valid() {
			return errors.Errorf("config: decoder.unit_hints[%s]: unknown unit %q", id, u)
		}
	}
	if c.Store.Path == "" {
		return errors.New("config: store.path is required")
	}
	switch c.Route.Defaults.RoadProvider {
	case "", route.ProviderOSRM, route.ProviderGoogle, route.ProviderNone:
	default:
		return errors.Errorf("config: route.defaults.road_provider %q is not osrm, google or none", c.Route.Defaults.RoadProvider)
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "config: logging.level")
	}
	return nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sonnet.Marshal(c)
}

// RouteDefaults returns the route options used when a query leaves them out.
func (c *Config) RouteDefaults() route.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Route.Defaults
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved, as are fields hidden from JSON (secrets).
// The update is rejected as a whole if the merged config does not validate.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := sonnet.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal current config")
	}
	var base map[string]interface{}
	if err := sonnet.Unmarshal(currentBytes, &base); err != nil {
		return errors.Wrap(err, "unmarshal current config")
	}

	var patch map[string]interface{}
	if err := sonnet.Unmarshal(data, &patch); err != nil {
		return errors.Wrap(err, "unmarshal patch")
	}

	deepMerge(base, patch)

	merged, err := sonnet.Marshal(base)
	if err != nil {
		return errors.Wrap(err, "marshal merged config")
	}
	next := DefaultConfig()
	next.Decoder.UnitHints = nil
	if err := sonnet.Unmarshal(merged, next); err != nil {
		return errors.Wrap(err, "unmarshal merged config")
	}
	next.Route.GoogleAPIKey = c.Route.GoogleAPIKey
	next.Publish.MQTT.Password = c.Publish.MQTT.Password
	next.Publish.NATS.Token = c.Publish.NATS.Token
	if err := next.validate(); err != nil {
		return err
	}

	c.Ingest = next.Ingest
	c.Serial = next.Serial
	c.Decoder = next.Decoder
	c.Hub = next.Hub
	c.Store = next.Store
	c.Archive = next.Archive
	c.Route = next.Route
	c.Publish = next.Publish
	c.Server = next.Server
	c.Logging = next.Logging
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
