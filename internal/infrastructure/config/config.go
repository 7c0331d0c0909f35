package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// Config is the root configuration structure for mqttstream.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MQTTConfig contains every connection option the client recognises.
//
// Durations follow the units brokers and client libraries usually document:
// keepalive in seconds, everything else in milliseconds.
type MQTTConfig struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
	Protocol string `yaml:"protocol"` // mqtt, mqtts, ws, wss

	// ClientID is generated as "client-<uuid>" when empty.
	ClientID string `yaml:"client_id"`

	ConnectOnCreate bool `yaml:"connect_on_create"`

	// Keepalive in seconds. 0 disables keepalive.
	Keepalive int `yaml:"keepalive"`

	// ReconnectPeriod in milliseconds. 0 disables reconnection.
	ReconnectPeriod int `yaml:"reconnect_period"`

	// ConnectTimeout in milliseconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// AckTimeout in milliseconds for subacks and pubacks.
	AckTimeout int `yaml:"ack_timeout"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Clean bool `yaml:"clean"`
	QoS   int  `yaml:"qos"`

	Will *WillConfig `yaml:"will,omitempty"`

	TLS MQTTTLSConfig `yaml:"tls"`
}

// WillConfig contains the optional last will message.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     int    `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// MQTTTLSConfig contains TLS settings for mqtts and wss.
type MQTTTLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Development only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// APIConfig contains HTTP gateway settings used by "mqttstream serve".
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket settings. Intervals are in seconds.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for the telemetry sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTSTREAM_SECTION_KEY
// For example: MQTTSTREAM_MQTT_HOST, MQTTSTREAM_LOG_LEVEL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadDefault returns the default configuration with environment overrides,
// for running without a config file.
func LoadDefault() (*Config, error) {
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Hostname:        "localhost",
			Port:            1883,
			Protocol:        string(mqtt.ProtocolMQTT),
			ConnectOnCreate: true,
			Keepalive:       60,
			ReconnectPeriod: 1000,
			ConnectTimeout:  30000,
			AckTimeout:      10000,
			Clean:           true,
			QoS:             1,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "mqttstream",
			Bucket:        "mqttstream",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTTSTREAM_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// MQTT
	if v := os.Getenv("MQTTSTREAM_MQTT_HOST"); v != "" {
		cfg.MQTT.Hostname = v
	}
	if v := os.Getenv("MQTTSTREAM_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MQTTSTREAM_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Port = port
	}
	if v := os.Getenv("MQTTSTREAM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTTSTREAM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("MQTTSTREAM_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}

	// API
	if v := os.Getenv("MQTTSTREAM_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MQTTSTREAM_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MQTTSTREAM_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	// InfluxDB
	if v := os.Getenv("MQTTSTREAM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("MQTTSTREAM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Hostname == "" {
		errs = append(errs, "mqtt.hostname is required")
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 0 and 65535")
	}
	switch mqtt.Protocol(c.MQTT.Protocol) {
	case "", mqtt.ProtocolMQTT, mqtt.ProtocolMQTTS, mqtt.ProtocolWS, mqtt.ProtocolWSS:
	default:
		errs = append(errs, "mqtt.protocol must be mqtt, mqtts, ws, or wss")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Keepalive < 0 || c.MQTT.ReconnectPeriod < 0 || c.MQTT.ConnectTimeout < 0 || c.MQTT.AckTimeout < 0 {
		errs = append(errs, "mqtt timeouts cannot be negative")
	}
	if w := c.MQTT.Will; w != nil {
		if w.Topic == "" {
			errs = append(errs, "mqtt.will.topic is required when a will is set")
		}
		if w.QoS < 0 || w.QoS > 2 {
			errs = append(errs, "mqtt.will.qos must be 0, 1, or 2")
		}
	}

	// API validation
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}
	if c.WebSocket.MaxMessageSize <= 0 || c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
		errs = append(errs, "websocket limits must be positive")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReconnectPeriod returns the reconnect period as a Duration.
func (c *MQTTConfig) GetReconnectPeriod() time.Duration {
	return time.Duration(c.ReconnectPeriod) * time.Millisecond
}

// GetConnectTimeout returns the connect timeout as a Duration.
func (c *MQTTConfig) GetConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

// GetAckTimeout returns the ack timeout as a Duration.
func (c *MQTTConfig) GetAckTimeout() time.Duration {
	return time.Duration(c.AckTimeout) * time.Millisecond
}

// GetKeepalive returns the keepalive interval as a Duration.
func (c *MQTTConfig) GetKeepalive() time.Duration {
	return time.Duration(c.Keepalive) * time.Second
}

// Options converts the configuration into client options.
func (c *MQTTConfig) Options() mqtt.Options {
	opts := mqtt.Options{
		Hostname:              c.Hostname,
		Port:                  c.Port,
		Path:                  c.Path,
		Protocol:              mqtt.Protocol(c.Protocol),
		ClientID:              c.ClientID,
		ConnectOnCreate:       c.ConnectOnCreate,
		Keepalive:             c.GetKeepalive(),
		ReconnectPeriod:       c.GetReconnectPeriod(),
		ConnectTimeout:        c.GetConnectTimeout(),
		AckTimeout:            c.GetAckTimeout(),
		Username:              c.Username,
		Password:              c.Password,
		Clean:                 c.Clean,
		DefaultQoS:            mqtt.QoS(c.QoS),
		TLSInsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}

	if c.Will != nil {
		opts.Will = &mqtt.Will{
			Topic:   c.Will.Topic,
			Payload: []byte(c.Will.Payload),
			QoS:     mqtt.QoS(c.Will.QoS),
			Retain:  c.Will.Retain,
		}
	}

	return opts
}

// GetFlushInterval returns the InfluxDB flush interval as a Duration.
func (c *InfluxDBConfig) GetFlushInterval() time.Duration {
	return time.Duration(c.FlushInterval) * time.Second
}
