// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the relay's runtime configuration.
type Config struct {
	AppEnv      string `env:"LOG_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"chatrelay"`
	NodeID      string `env:"NODE_ID"`

	Addr        string `env:"ADDR"`
	Port        string `env:"PORT" envDefault:"3000"`
	SSLKeyPath  string `env:"SSL_KEY_PATH"`
	SSLCertPath string `env:"SSL_CERT_PATH"`

	RedisHost         string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort         string        `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"20"`
	RedisMinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	RedisMaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	RedisKeepAlive    time.Duration `env:"REDIS_KEEPALIVE" envDefault:"60s"`

	SecretKeyPath   string        `env:"SECRET_KEY_PATH"`
	BridgeChannel   string        `env:"BRIDGE_CHANNEL" envDefault:"vsystem_chat_event"`
	ClusterChannel  string        `env:"CLUSTER_CHANNEL" envDefault:"vsystem_chat_bus"`
	ClusterMode     string        `env:"CLUSTER_MODE" envDefault:"redis"`
	SecurityStream  string        `env:"SECURITY_STREAM"`
	SecurityMaxLen  int64         `env:"SECURITY_STREAM_MAXLEN" envDefault:"10000"`
	ReplayWindow    time.Duration `env:"REPLAY_WINDOW" envDefault:"60s"`
	PresenceTimeout time.Duration `env:"PRESENCE_TIMEOUT" envDefault:"5s"`
	PolicyFile      string        `env:"POLICY_FILE"`
	LegacyEvents    []string      `env:"LEGACY_EVENTS" envSeparator:","`

	InternalToken  string   `env:"INTERNAL_TOKEN"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	SendBuffer     int      `env:"SEND_BUFFER" envDefault:"256"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the parser cannot.
func (c *Config) Validate() error {
	switch c.ClusterMode {
	case "redis", "local":
	default:
		return fmt.Errorf("invalid CLUSTER_MODE %q: want redis or local", c.ClusterMode)
	}
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("invalid REPLAY_WINDOW %s", c.ReplayWindow)
	}
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("invalid PRESENCE_TIMEOUT %s", c.PresenceTimeout)
	}
	if c.BridgeChannel == "" || c.ClusterChannel == "" {
		return fmt.Errorf("bus channel names must not be empty")
	}
	if c.BridgeChannel == c.ClusterChannel {
		return fmt.Errorf("BRIDGE_CHANNEL and CLUSTER_CHANNEL must differ")
	}
	return nil
}

// ListenAddr is Addr when set, else ":" + Port.
func (c *Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return ":" + strings.TrimPrefix(c.Port, ":")
}

// TLSEnabled reports whether both certificate files exist.
func (c *Config) TLSEnabled() bool {
	if c.SSLKeyPath == "" || c.SSLCertPath == "" {
		return false
	}
	for _, p := range []string{c.SSLKeyPath, c.SSLCertPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
