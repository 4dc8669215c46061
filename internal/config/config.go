package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"" yaml:"data_path"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`

	// Session (client side)
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s" yaml:"connect_timeout"`
	AuthTimeout       time.Duration `envconfig:"AUTH_TIMEOUT" default:"10s" yaml:"auth_timeout"`
	KeepaliveTimeout  time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"15s" yaml:"keepalive_timeout"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"5s" yaml:"keepalive_interval"`
	BackoffBase       time.Duration `envconfig:"BACKOFF_BASE" default:"500ms" yaml:"backoff_base"`
	BackoffFactor     float64       `envconfig:"BACKOFF_FACTOR" default:"2" yaml:"backoff_factor"`
	BackoffMax        time.Duration `envconfig:"BACKOFF_MAX" default:"30s" yaml:"backoff_max"`
	BackoffJitter     float64       `envconfig:"BACKOFF_JITTER" default:"0.2" yaml:"backoff_jitter"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5" yaml:"max_attempts"`

	// Bridge
	OutboundBufferBytes int           `envconfig:"OUTBOUND_BUFFER_BYTES" default:"262144" yaml:"outbound_buffer_bytes"`
	InboundQueueChunks  int           `envconfig:"INBOUND_QUEUE_CHUNKS" default:"64" yaml:"inbound_queue_chunks"`
	FlushGrace          time.Duration `envconfig:"FLUSH_GRACE" default:"500ms" yaml:"flush_grace"`
	// Term reads ZEDRA_TERM and falls back to the local TERM.
	Term                string        `envconfig:"TERM" default:"xterm-256color" yaml:"term"`

	// Host daemon
	HostListen         string        `envconfig:"HOST_LISTEN" default:"0.0.0.0:2222" yaml:"host_listen"`
	HostAdvertise      string        `envconfig:"HOST_ADVERTISE" default:"" yaml:"host_advertise"`
	HostAdminListen    string        `envconfig:"HOST_ADMIN_LISTEN" default:"127.0.0.1:2223" yaml:"host_admin_listen"`
	HostShell          string        `envconfig:"HOST_SHELL" default:"" yaml:"host_shell"`
	HostName           string        `envconfig:"HOST_NAME" default:"" yaml:"host_name"`
	HostDatabasePath   string        `envconfig:"HOST_DATABASE_PATH" default:"" yaml:"host_database_path"`
	HostKeyPath        string        `envconfig:"HOST_KEY_PATH" default:"" yaml:"host_key_path"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"10" yaml:"rate_limit_per_minute"`
	AllowedSources     string        `envconfig:"HOST_ALLOWED_SOURCES" default:"" yaml:"host_allowed_sources"`
	PairingTokenTTL    time.Duration `envconfig:"PAIRING_TOKEN_TTL" default:"5m" yaml:"pairing_token_ttl"`
	AuditRetentionDays int           `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"audit_retention_days"`
}

var Cfg Settings

// Process reads the ZEDRA_* environment into a fresh Settings and fills the
// path defaults that depend on the data directory.
func Process() (Settings, error) {
	var s Settings
	if err := envconfig.Process("ZEDRA", &s); err != nil {
		return Settings{}, fmt.Errorf("process env: %w", err)
	}
	if err := s.fillPaths(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func Load() {
	s, err := Process()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	Cfg = s
}

// LoadFile overlays a YAML file on top of Cfg. Keys absent from the file keep
// their env/default values.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	s := Cfg
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := s.fillPaths(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

func (s *Settings) fillPaths() error {
	if s.DataPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		s.DataPath = filepath.Join(home, ".zedra")
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "zedra.db")
	}
	if s.HostDatabasePath == "" {
		s.HostDatabasePath = filepath.Join(s.DataPath, "host.db")
	}
	if s.HostKeyPath == "" {
		s.HostKeyPath = filepath.Join(s.DataPath, "host_ed25519")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "zedra.log")
	}
	return nil
}
