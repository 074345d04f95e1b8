package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration.
//
// Values are layered: YAML file (optional), then defaults for anything left
// empty, then PAIRLINE_* environment overrides.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	WS       WSConfig       `yaml:"ws"`
	Broker   BrokerConfig   `yaml:"broker"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	TURN     TURNConfig     `yaml:"turn"`
}

// HTTPConfig configures the listener and the http.Server timeouts.
type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`
}

// LogConfig log configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text | pretty
}

// WSConfig configures the signaling WebSocket endpoint.
type WSConfig struct {
	// AllowedOrigins is shared by the WebSocket origin check and the HTTP CORS policy.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowMissingOrigin admits clients that send no Origin header (non-browser tools).
	AllowMissingOrigin bool `yaml:"allow_missing_origin"`
	DevInsecure        bool `yaml:"dev_insecure"`

	SendQueueSize    int           `yaml:"send_queue_size"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_every"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	RateEvents       int           `yaml:"rate_events"`
	RateWindow       time.Duration `yaml:"rate_window"`
}

// BrokerConfig configures the matchmaking broker lifecycle.
type BrokerConfig struct {
	// ShutdownGrace bounds how long connections may take to drain after the broker stops.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DatabaseConfig configures the optional Postgres session ledger.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
	Schema   string `yaml:"schema"`
	Table    string `yaml:"table"`
}

// NATSConfig configures the optional NATS session event publisher.
type NATSConfig struct {
	Servers       []string      `yaml:"servers"`
	Name          string        `yaml:"name"`
	Subject       string        `yaml:"subject"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LedgerConfig configures the asynchronous session ledger writer.
type LedgerConfig struct {
	Buffer       int           `yaml:"buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TURNConfig configures the TURN credential endpoint. Disabled when Secret is empty.
type TURNConfig struct {
	Secret   string        `yaml:"secret"`
	URLs     []string      `yaml:"urls"`
	STUNURLs []string      `yaml:"stun_urls"`
	TTL      time.Duration `yaml:"ttl"`
}

// Enabled reports whether a secret was configured.
func (c TURNConfig) Enabled() bool { return strings.TrimSpace(c.Secret) != "" }

// LoadConfig loads configuration from path (optional), applies defaults, then env overrides.
// An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// DefaultConfig returns a Config with every default applied and no overrides.
func DefaultConfig() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "0.0.0.0:4000"
	}
	if c.HTTP.ReadHeaderTimeout == 0 {
		c.HTTP.ReadHeaderTimeout = 5 * time.Second
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.HTTP.MaxHeaderBytes == 0 {
		c.HTTP.MaxHeaderBytes = 1 << 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if len(c.WS.AllowedOrigins) == 0 {
		c.WS.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}

	if c.Broker.ShutdownGrace == 0 {
		c.Broker.ShutdownGrace = 5 * time.Second
	}

	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}

	if c.NATS.Name == "" {
		c.NATS.Name = "pairline"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 500 * time.Millisecond
	}
	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = 3 * time.Second
	}

	if c.Ledger.Buffer == 0 {
		c.Ledger.Buffer = 1024
	}
	if c.Ledger.WriteTimeout == 0 {
		c.Ledger.WriteTimeout = 5 * time.Second
	}
}

// ApplyEnvOverrides applies PAIRLINE_* environment variables on top of c.
func (c *Config) ApplyEnvOverrides() {
	c.HTTP.Addr = EnvString("PAIRLINE_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.ReadHeaderTimeout = EnvDuration("PAIRLINE_HTTP_READ_HEADER_TIMEOUT", c.HTTP.ReadHeaderTimeout)
	c.HTTP.ReadTimeout = EnvDuration("PAIRLINE_HTTP_READ_TIMEOUT", c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = EnvDuration("PAIRLINE_HTTP_WRITE_TIMEOUT", c.HTTP.WriteTimeout)
	c.HTTP.IdleTimeout = EnvDuration("PAIRLINE_HTTP_IDLE_TIMEOUT", c.HTTP.IdleTimeout)
	c.HTTP.MaxHeaderBytes = EnvInt("PAIRLINE_HTTP_MAX_HEADER_BYTES", c.HTTP.MaxHeaderBytes)
	c.HTTP.ReadinessRequireDB = EnvBool("PAIRLINE_READINESS_REQUIRE_DB", c.HTTP.ReadinessRequireDB)

	c.Log.Level = EnvString("PAIRLINE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = EnvString("PAIRLINE_LOG_FORMAT", c.Log.Format)

	c.WS.AllowedOrigins = EnvCSV("PAIRLINE_WS_ALLOWED_ORIGINS", c.WS.AllowedOrigins)
	c.WS.AllowMissingOrigin = EnvBool("PAIRLINE_WS_ALLOW_MISSING_ORIGIN", c.WS.AllowMissingOrigin)
	c.WS.DevInsecure = EnvBool("PAIRLINE_WS_DEV_INSECURE", c.WS.DevInsecure)

	c.Broker.ShutdownGrace = EnvDuration("PAIRLINE_SHUTDOWN_GRACE", c.Broker.ShutdownGrace)

	c.Database.URL = EnvString("PAIRLINE_DATABASE_URL", c.Database.URL)
	c.Database.MaxConns = EnvInt32("PAIRLINE_DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = EnvInt32("PAIRLINE_DB_MIN_CONNS", c.Database.MinConns)

	c.NATS.Servers = EnvCSV("PAIRLINE_NATS_URL", c.NATS.Servers)
	c.NATS.Subject = EnvString("PAIRLINE_NATS_SUBJECT", c.NATS.Subject)

	c.TURN.Secret = EnvString("PAIRLINE_TURN_SECRET", c.TURN.Secret)
	c.TURN.URLs = EnvCSV("PAIRLINE_TURN_URLS", c.TURN.URLs)
	c.TURN.STUNURLs = EnvCSV("PAIRLINE_STUN_URLS", c.TURN.STUNURLs)
	c.TURN.TTL = EnvDuration("PAIRLINE_TURN_TTL", c.TURN.TTL)
}
