package gateway

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/mqtt"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultKeepAlive = 60
	DefaultQoS       = 1

	defaultPort    = 1883
	defaultTLSPort = 8883

	clientIDPrefix = "meshlink-"
)

// Config describes one gateway.
type Config struct {
	Name string `json:"name"`

	// BrokerURL accepts mqtt://, mqtts://, tcp://, ssl:// and tls:// schemes.
	// A bare host[:port] is treated as mqtt://.
	BrokerURL string `json:"broker_url"`

	ClientID    string `json:"client_id"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"-"`
	TopicPrefix string `json:"topic_prefix"`
	UseTLS      bool   `json:"use_tls"`

	// KeepAlive is in seconds.
	KeepAlive int `json:"keep_alive"`

	// QoS outside 0..2 publishes at QoS 1.
	QoS    int  `json:"qos"`
	Retain bool `json:"retain"`
}

// DefaultConfig returns a config for name with every default filled in.
func DefaultConfig(name, brokerURL string) Config {
	return Config{
		Name:      name,
		BrokerURL: brokerURL,
		QoS:       DefaultQoS,
	}.withDefaults()
}

// FromConfig converts a configuration file entry.
func FromConfig(gc config.GatewayConfig) Config {
	return Config{
		Name:        gc.Name,
		BrokerURL:   gc.BrokerURL,
		ClientID:    gc.ClientID,
		Username:    gc.Username,
		Password:    gc.Password,
		TopicPrefix: gc.TopicPrefix,
		UseTLS:      gc.UseTLS,
		KeepAlive:   gc.KeepAlive,
		QoS:         gc.QoS,
		Retain:      gc.Retain,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = clientIDPrefix + uuid.NewString()
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = mqtt.DefaultPrefix
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	return c
}

// Validate checks the name and broker URL.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if _, err := parseBrokerURL(c.BrokerURL, c.UseTLS); err != nil {
		return err
	}
	return nil
}

// qos maps the configured level onto an MQTT QoS byte.
func (c Config) qos() byte {
	switch c.QoS {
	case 0, 1, 2:
		return byte(c.QoS)
	default:
		return DefaultQoS
	}
}

// mqttConfig translates c into the broker client's configuration.
// Connect-retry stays off so a failed first connect is reported.
func (c Config) mqttConfig() (config.MQTTConfig, error) {
	addr, err := parseBrokerURL(c.BrokerURL, c.UseTLS)
	if err != nil {
		return config.MQTTConfig{}, err
	}
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     addr.host,
			Port:     addr.port,
			TLS:      addr.tls,
			ClientID: c.ClientID,
		},
		Auth: config.MQTTAuthConfig{
			Username: c.Username,
			Password: c.Password,
		},
		QoS:         int(c.qos()),
		KeepAlive:   c.KeepAlive,
		TopicPrefix: c.TopicPrefix,
		Reconnect: config.MQTTReconnectConfig{
			ConnectRetry: false,
		},
	}, nil
}

type brokerAddr struct {
	host string
	port int
	tls  bool
}

// parseBrokerURL splits a broker URL into host, port and TLS mode.
func parseBrokerURL(raw string, useTLS bool) (brokerAddr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return brokerAddr{}, fmt.Errorf("%w: broker_url is required", ErrInvalidConfig)
	}
	if !strings.Contains(raw, "://") {
		raw = "mqtt://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return brokerAddr{}, fmt.Errorf("%w: broker_url: %w", ErrInvalidConfig, err)
	}

	addr := brokerAddr{host: u.Hostname()}
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
		addr.tls = useTLS
	case "mqtts", "ssl", "tls":
		addr.tls = true
	default:
		return brokerAddr{}, fmt.Errorf("%w: unsupported broker scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if addr.host == "" {
		return brokerAddr{}, fmt.Errorf("%w: broker_url %q has no host", ErrInvalidConfig, raw)
	}

	addr.port = defaultPort
	if addr.tls {
		addr.port = defaultTLSPort
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return brokerAddr{}, fmt.Errorf("%w: invalid broker port %q", ErrInvalidConfig, p)
		}
		addr.port = port
	}
	return addr, nil
}
