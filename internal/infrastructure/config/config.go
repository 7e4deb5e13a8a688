package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for meshlink.
// Configuration is loaded from YAML or TOML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service" toml:"service"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Serial    SerialConfig    `yaml:"serial" toml:"serial"`
	Processor ProcessorConfig `yaml:"processor" toml:"processor"`
	Radio     RadioConfig     `yaml:"radio" toml:"radio"`
	Gateways  GatewaysConfig  `yaml:"gateways" toml:"gateways"`
	API       APIConfig       `yaml:"api" toml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb" toml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Security  SecurityConfig  `yaml:"security" toml:"security"`
}

// ServiceConfig identifies this meshlink instance.
type ServiceConfig struct {
	Name string `yaml:"name" toml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path" toml:"path"`
	WALMode     bool   `yaml:"wal_mode" toml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout" toml:"busy_timeout"`
	// HistoryRetention is the number of persisted messages kept after pruning. 0 disables pruning.
	HistoryRetention int `yaml:"history_retention" toml:"history_retention"`
}

// SerialConfig contains serial transport settings.
type SerialConfig struct {
	// BaudRates are tried in order until a port opens.
	BaudRates []int `yaml:"baud_rates" toml:"baud_rates"`
	// OpenTimeout bounds each open attempt (milliseconds).
	OpenTimeout int `yaml:"open_timeout" toml:"open_timeout"`
	// ReadTimeout is the per-read poll interval of the listener (milliseconds).
	ReadTimeout int `yaml:"read_timeout" toml:"read_timeout"`
}

// ProcessorConfig sizes the message processor's bounded state.
type ProcessorConfig struct {
	DedupCapacity   int `yaml:"dedup_capacity" toml:"dedup_capacity"`
	HistoryCapacity int `yaml:"history_capacity" toml:"history_capacity"`
}

// RadioConfig holds the radio settings applied to new sessions.
type RadioConfig struct {
	Region string `yaml:"region" toml:"region"`
	Preset string `yaml:"preset" toml:"preset"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker" toml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth" toml:"auth"`
	QoS       int                 `yaml:"qos" toml:"qos"`
	KeepAlive int                 `yaml:"keep_alive" toml:"keep_alive"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	// TopicPrefix roots every topic the client publishes, including its status topic.
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	TLS      bool   `yaml:"tls" toml:"tls"`
	ClientID string `yaml:"client_id" toml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts" toml:"max_attempts"`
	// ConnectRetry keeps retrying the initial connect in the background.
	// When false a failed first connect is reported immediately.
	ConnectRetry bool `yaml:"connect_retry" toml:"connect_retry"`
}

// GatewaysConfig lists the MQTT gateways managed by the service.
type GatewaysConfig struct {
	// HeartbeatInterval is the stats heartbeat period (seconds).
	HeartbeatInterval int             `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	Instances         []GatewayConfig `yaml:"instances" toml:"instances"`
}

// GatewayConfig describes one named MQTT gateway.
type GatewayConfig struct {
	Name        string `yaml:"name" toml:"name"`
	BrokerURL   string `yaml:"broker_url" toml:"broker_url"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	UseTLS      bool   `yaml:"use_tls" toml:"use_tls"`
	KeepAlive   int    `yaml:"keep_alive" toml:"keep_alive"`
	QoS         int    `yaml:"qos" toml:"qos"`
	Retain      bool   `yaml:"retain" toml:"retain"`
	AutoConnect bool   `yaml:"auto_connect" toml:"auto_connect"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host" toml:"host"`
	Port     int              `yaml:"port" toml:"port"`
	TLS      TLSConfig        `yaml:"tls" toml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts" toml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors" toml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read" toml:"read"`
	Write int `yaml:"write" toml:"write"`
	Idle  int `yaml:"idle" toml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path" toml:"path"`
	MaxMessageSize int    `yaml:"max_message_size" toml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout" toml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	Token         string `yaml:"token" toml:"token"`
	Org           string `yaml:"org" toml:"org"`
	Bucket        string `yaml:"bucket" toml:"bucket"`
	BatchSize     int    `yaml:"batch_size" toml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval" toml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// SecurityConfig contains host API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt" toml:"jwt"`
	// APIKeyHash is the Argon2id PHC hash of the key exchanged for access tokens.
	APIKeyHash string `yaml:"api_key_hash" toml:"api_key_hash"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
	// AccessTokenTTL is the token lifetime in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl" toml:"access_token_ttl"`
}

// Load reads configuration from a YAML or TOML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. File values (override defaults), format chosen by extension
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MESHLINK_SECTION_KEY
// For example: MESHLINK_DATABASE_PATH, MESHLINK_JWT_SECRET
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// Used when no config file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name: "meshlink",
		},
		Database: DatabaseConfig{
			Path:             "./data/meshlink.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 10000,
		},
		Serial: SerialConfig{
			BaudRates:   []int{115200, 921600, 57600, 38400, 19200},
			OpenTimeout: 2000,
			ReadTimeout: 100,
		},
		Processor: ProcessorConfig{
			DedupCapacity:   1000,
			HistoryCapacity: 100,
		},
		Radio: RadioConfig{
			Region: "US",
			Preset: "MediumSlow",
		},
		Gateways: GatewaysConfig{
			HeartbeatInterval: 300,
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
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESHLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Broker overrides apply to every configured gateway.
	for i := range cfg.Gateways.Instances {
		gw := &cfg.Gateways.Instances[i]
		if v := os.Getenv("MESHLINK_MQTT_BROKER_URL"); v != "" {
			gw.BrokerURL = v
		}
		if v := os.Getenv("MESHLINK_MQTT_USERNAME"); v != "" {
			gw.Username = v
		}
		if v := os.Getenv("MESHLINK_MQTT_PASSWORD"); v != "" {
			gw.Password = v
		}
	}

	if v := os.Getenv("MESHLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("MESHLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("MESHLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("MESHLINK_API_KEY_HASH"); v != "" {
		cfg.Security.APIKeyHash = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if len(c.Serial.BaudRates) == 0 {
		errs = append(errs, "serial.baud_rates must list at least one rate")
	}
	for _, b := range c.Serial.BaudRates {
		if b <= 0 {
			errs = append(errs, fmt.Sprintf("serial.baud_rates contains invalid rate %d", b))
		}
	}
	if c.Serial.OpenTimeout <= 0 {
		errs = append(errs, "serial.open_timeout must be positive")
	}

	if c.Processor.DedupCapacity <= 0 {
		errs = append(errs, "processor.dedup_capacity must be positive")
	}
	if c.Processor.HistoryCapacity <= 0 {
		errs = append(errs, "processor.history_capacity must be positive")
	}

	seen := make(map[string]bool, len(c.Gateways.Instances))
	for i, gw := range c.Gateways.Instances {
		if gw.Name == "" {
			errs = append(errs, fmt.Sprintf("gateways.instances[%d].name is required", i))
		} else if seen[gw.Name] {
			errs = append(errs, fmt.Sprintf("gateways.instances[%d].name %q is duplicated", i, gw.Name))
		}
		seen[gw.Name] = true
		if gw.QoS < 0 || gw.QoS > 2 {
			errs = append(errs, fmt.Sprintf("gateways.instances[%d].qos must be 0, 1, or 2", i))
		}
	}
	if c.Gateways.HeartbeatInterval < 0 {
		errs = append(errs, "gateways.heartbeat_interval must not be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Auth is optional, but a configured secret must be strong and paired with a key hash.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" {
		if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
		if c.Security.APIKeyHash == "" {
			errs = append(errs, "security.api_key_hash is required when security.jwt.secret is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// AuthEnabled reports whether the host API requires bearer tokens.
func (c *Config) AuthEnabled() bool {
	return c.Security.JWT.Secret != ""
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetHeartbeatInterval returns the gateway heartbeat period as a Duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Gateways.HeartbeatInterval) * time.Second
}

// GetSerialOpenTimeout returns the per-attempt serial open bound as a Duration.
func (c *Config) GetSerialOpenTimeout() time.Duration {
	return time.Duration(c.Serial.OpenTimeout) * time.Millisecond
}

// GetSerialReadTimeout returns the serial listener poll interval as a Duration.
func (c *Config) GetSerialReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeout) * time.Millisecond
}
