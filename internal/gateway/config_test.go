package gateway

import (
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
)

func TestParseBrokerURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		useTLS   bool
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "mqtt default port", raw: "mqtt://broker.local", wantHost: "broker.local", wantPort: 1883},
		{name: "mqtt explicit port", raw: "mqtt://broker.local:1884", wantHost: "broker.local", wantPort: 1884},
		{name: "tcp scheme", raw: "tcp://10.0.0.5", wantHost: "10.0.0.5", wantPort: 1883},
		{name: "mqtts default port", raw: "mqtts://broker.example.com", wantHost: "broker.example.com", wantPort: 8883, wantTLS: true},
		{name: "ssl scheme", raw: "ssl://broker.example.com:9883", wantHost: "broker.example.com", wantPort: 9883, wantTLS: true},
		{name: "tls scheme", raw: "tls://broker.example.com", wantHost: "broker.example.com", wantPort: 8883, wantTLS: true},
		{name: "mqtt with use_tls", raw: "mqtt://broker.local", useTLS: true, wantHost: "broker.local", wantPort: 8883, wantTLS: true},
		{name: "bare host", raw: "localhost", wantHost: "localhost", wantPort: 1883},
		{name: "bare host and port", raw: "localhost:2883", wantHost: "localhost", wantPort: 2883},
		{name: "uppercase scheme", raw: "MQTT://broker.local", wantHost: "broker.local", wantPort: 1883},
		{name: "empty", raw: "", wantErr: true},
		{name: "unsupported scheme", raw: "http://broker.local", wantErr: true},
		{name: "missing host", raw: "mqtt://:1883", wantErr: true},
		{name: "port out of range", raw: "mqtt://broker.local:70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBrokerURL(tt.raw, tt.useTLS)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("parseBrokerURL(%q) error = %v, want ErrInvalidConfig", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBrokerURL(%q) error = %v", tt.raw, err)
			}
			if got.host != tt.wantHost || got.port != tt.wantPort || got.tls != tt.wantTLS {
				t.Errorf("parseBrokerURL(%q) = %+v, want %s:%d tls=%v", tt.raw, got, tt.wantHost, tt.wantPort, tt.wantTLS)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig("local", "mqtt://localhost")

	if !strings.HasPrefix(cfg.ClientID, "meshlink-") {
		t.Errorf("ClientID = %q, want meshlink- prefix", cfg.ClientID)
	}
	if cfg.TopicPrefix != "msh" {
		t.Errorf("TopicPrefix = %q, want msh", cfg.TopicPrefix)
	}
	if cfg.KeepAlive != 60 || cfg.QoS != 1 || cfg.Retain {
		t.Errorf("KeepAlive/QoS/Retain = %d/%d/%v, want 60/1/false", cfg.KeepAlive, cfg.QoS, cfg.Retain)
	}

	other := DefaultConfig("other", "mqtt://localhost")
	if other.ClientID == cfg.ClientID {
		t.Error("default client ids collide")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.GatewayConfig{
		Name:        "cloud",
		BrokerURL:   "mqtts://broker.example.com",
		ClientID:    "gw-cloud",
		TopicPrefix: "mesh/eu",
		QoS:         2,
		Retain:      true,
	})

	if cfg.Name != "cloud" || cfg.ClientID != "gw-cloud" || cfg.TopicPrefix != "mesh/eu" {
		t.Errorf("FromConfig() = %+v", cfg)
	}
	if cfg.qos() != 2 || !cfg.Retain || cfg.KeepAlive != DefaultKeepAlive {
		t.Errorf("qos/retain/keep-alive = %d/%v/%d", cfg.qos(), cfg.Retain, cfg.KeepAlive)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := (Config{BrokerURL: "mqtt://localhost"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() without name error = %v, want ErrInvalidConfig", err)
	}
	if err := (Config{Name: "x", BrokerURL: "ftp://localhost"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() bad scheme error = %v, want ErrInvalidConfig", err)
	}
	if err := (Config{Name: "x", BrokerURL: "mqtt://localhost"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}
