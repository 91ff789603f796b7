// Package config assembles the bridge configuration from the environment,
// optionally overlaid on a YAML file. Environment variables always win over
// file values, matching how the bridge is deployed in containers.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/meshbridge/common/environment"
)

//go:embed config.schema.json
var schemaJSON string

// Matrix holds the homeserver connection settings.
type Matrix struct {
	Homeserver string `yaml:"homeserver" json:"homeserver"`
	User       string `yaml:"user" json:"user"`
	Password   string `yaml:"password" json:"password"`
	Token      string `yaml:"token" json:"token"`
	Room       string `yaml:"room" json:"room"`
}

// MQTT holds the gateway broker settings. An empty Broker disables the
// source.
type MQTT struct {
	Broker   string `yaml:"broker" json:"broker"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Topic    string `yaml:"topic" json:"topic"`
	PSK      string `yaml:"psk" json:"psk"`
	UseTLS   bool   `yaml:"use_tls" json:"use_tls"`
}

// Meshtastic holds the LAN radio settings. An empty Host disables the source
// and with it the Matrix-to-mesh direction.
type Meshtastic struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// ChannelIndex is the outbound channel for Matrix messages that are not
	// replies.
	ChannelIndex uint32 `yaml:"channel_index" json:"channel_index"`
	// Channels lists the bridged channels, by index or name. Empty bridges
	// channel 0 only.
	Channels   []string `yaml:"channels" json:"channels"`
	ChannelPSK string   `yaml:"channel_psk" json:"channel_psk"`
}

// Config is the full bridge configuration.
type Config struct {
	Matrix     Matrix     `yaml:"matrix" json:"matrix"`
	MQTT       MQTT       `yaml:"mqtt" json:"mqtt"`
	Meshtastic Meshtastic `yaml:"meshtastic" json:"meshtastic"`

	NodeDBPath string `yaml:"node_db_path" json:"node_db_path"`

	MessageMaxAgeSec   int `yaml:"message_state_max_age_sec" json:"message_state_max_age_sec"`
	MessageMaxSize     int `yaml:"message_state_max_size" json:"message_state_max_size"`
	CleanupIntervalSec int `yaml:"cleanup_interval_sec" json:"cleanup_interval_sec"`

	LogLevel   string `yaml:"log_level" json:"log_level"`
	LogFormat  string `yaml:"log_format" json:"log_format"`
	HealthAddr string `yaml:"health_addr" json:"health_addr"`
}

// Default returns the configuration before any file or environment input.
func Default() Config {
	return Config{
		MQTT:       MQTT{Port: 1883},
		Meshtastic: Meshtastic{Port: 4403, Channels: []string{"0"}},
		NodeDBPath: "/data/nodes.db",

		MessageMaxAgeSec:   86400,
		MessageMaxSize:     10000,
		CleanupIntervalSec: 3600,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $CONFIG_FILE) if any, then the environment on top. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = environment.StringOr("CONFIG_FILE", "")
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile overlays the YAML file at path onto cfg, after checking it against
// the embedded schema so typos fail with a field path instead of a silent
// zero value.
func loadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	// Round-trip through JSON so the schema checker sees the value types it
	// expects.
	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to normalise config file %s: %w", path, err)
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonRaw, &jsonDoc); err != nil {
		return fmt.Errorf("failed to normalise config file %s: %w", path, err)
	}

	schema, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("config file %s is invalid: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", cfg.Matrix.Homeserver)
	cfg.Matrix.User = environment.StringOr("MATRIX_USER", cfg.Matrix.User)
	cfg.Matrix.Password = environment.StringOr("MATRIX_PASSWORD", cfg.Matrix.Password)
	cfg.Matrix.Token = environment.StringOr("MATRIX_TOKEN", cfg.Matrix.Token)
	cfg.Matrix.Room = environment.StringOr("MATRIX_ROOM", cfg.Matrix.Room)

	cfg.MQTT.Broker = environment.StringOr("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Port = environment.IntOr("MQTT_PORT", cfg.MQTT.Port)
	cfg.MQTT.User = environment.StringOr("MQTT_USER", cfg.MQTT.User)
	cfg.MQTT.Password = environment.StringOr("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.Topic = environment.StringOr("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.PSK = environment.StringOr("MQTT_PSK", cfg.MQTT.PSK)
	cfg.MQTT.UseTLS = environment.BoolOr("MQTT_USE_TLS", cfg.MQTT.UseTLS)

	cfg.Meshtastic.Host = environment.StringOr("MESHTASTIC_HOST", cfg.Meshtastic.Host)
	cfg.Meshtastic.Port = environment.IntOr("MESHTASTIC_PORT", cfg.Meshtastic.Port)
	cfg.Meshtastic.ChannelIndex = uint32(environment.IntOr("MESHTASTIC_CHANNEL_IDX", int(cfg.Meshtastic.ChannelIndex)))
	cfg.Meshtastic.Channels = environment.StringSliceOr("MESHTASTIC_CHANNELS", cfg.Meshtastic.Channels)
	cfg.Meshtastic.ChannelPSK = environment.StringOr("MESHTASTIC_CHANNEL_PSK", cfg.Meshtastic.ChannelPSK)

	cfg.NodeDBPath = environment.StringOr("NODE_DB_PATH", cfg.NodeDBPath)

	cfg.MessageMaxAgeSec = environment.IntOr("MESSAGE_STATE_MAX_AGE_SEC", cfg.MessageMaxAgeSec)
	cfg.MessageMaxSize = environment.IntOr("MESSAGE_STATE_MAX_SIZE", cfg.MessageMaxSize)
	cfg.CleanupIntervalSec = environment.IntOr("CLEANUP_INTERVAL_SEC", cfg.CleanupIntervalSec)

	cfg.LogLevel = environment.StringOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("LOG_FORMAT", cfg.LogFormat)
	cfg.HealthAddr = environment.StringOr("HEALTH_ADDR", cfg.HealthAddr)
}

// Validate enforces the startup requirements: full Matrix credentials and at
// least one mesh source.
func (c *Config) Validate() error {
	var missing []string
	if c.Matrix.Homeserver == "" {
		missing = append(missing, "MATRIX_HOMESERVER")
	}
	if c.Matrix.User == "" {
		missing = append(missing, "MATRIX_USER")
	}
	if c.Matrix.Password == "" && c.Matrix.Token == "" {
		missing = append(missing, "MATRIX_PASSWORD or MATRIX_TOKEN")
	}
	if c.Matrix.Room == "" {
		missing = append(missing, "MATRIX_ROOM")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}

	if c.MQTT.Broker == "" && c.Meshtastic.Host == "" {
		return fmt.Errorf("either MQTT_BROKER or MESHTASTIC_HOST must be configured")
	}

	if c.MessageMaxAgeSec <= 0 {
		return fmt.Errorf("MESSAGE_STATE_MAX_AGE_SEC must be positive, got %d", c.MessageMaxAgeSec)
	}
	if c.MessageMaxSize <= 0 {
		return fmt.Errorf("MESSAGE_STATE_MAX_SIZE must be positive, got %d", c.MessageMaxSize)
	}
	return nil
}

// MQTTEnabled reports whether the MQTT source should run.
func (c *Config) MQTTEnabled() bool { return c.MQTT.Broker != "" }

// RadioEnabled reports whether the LAN radio should run. Without it the
// bridge is receive-only.
func (c *Config) RadioEnabled() bool { return c.Meshtastic.Host != "" }

// MaxAge is the message-state retention limit.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.MessageMaxAgeSec) * time.Second
}

// CleanupInterval is the eviction cadence.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// Summary flattens the configuration for the startup log line. Secret
// values sit under keys that redact.Map recognises, so the summary can be
// logged after passing through it.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"matrix_homeserver": c.Matrix.Homeserver,
		"matrix_user":       c.Matrix.User,
		"matrix_password":   c.Matrix.Password,
		"matrix_token":      c.Matrix.Token,
		"matrix_room":       c.Matrix.Room,
		"mqtt_broker":       c.MQTT.Broker,
		"mqtt_port":         c.MQTT.Port,
		"mqtt_user":         c.MQTT.User,
		"mqtt_password":     c.MQTT.Password,
		"mqtt_topic":        c.MQTT.Topic,
		"mqtt_psk":          c.MQTT.PSK,
		"mqtt_use_tls":      c.MQTT.UseTLS,
		"meshtastic_host":   c.Meshtastic.Host,
		"meshtastic_port":   c.Meshtastic.Port,
		"channel_index":     c.Meshtastic.ChannelIndex,
		"channels":          c.Meshtastic.Channels,
		"channel_psk":       c.Meshtastic.ChannelPSK,
		"node_db_path":      c.NodeDBPath,
		"message_max_age_s": c.MessageMaxAgeSec,
		"message_max_size":  c.MessageMaxSize,
		"health_addr":       c.HealthAddr,
	}
}
