// Package config loads the server configuration from YAML or TOML, applies
// environment overrides and validates the result.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/sealaudit/pkg/models"
)

const DefaultFile = "config.yaml"

type Config struct {
	ListenAddr       string   `yaml:"listen_addr" toml:"listen_addr"`
	TLSCertFile      string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKeyFile       string   `yaml:"tls_key" toml:"tls_key"`
	LogLevel         string   `yaml:"log_level" toml:"log_level"`
	Storage          string   `yaml:"storage" toml:"storage"`
	DBUrl            string   `yaml:"db_url" toml:"db_url"`
	MigrationsDir    string   `yaml:"migrations_dir" toml:"migrations_dir"`
	PackageID        string   `yaml:"package_id" toml:"package_id"`
	WSOriginPatterns []string `yaml:"ws_origin_patterns" toml:"ws_origin_patterns"`

	Session    SessionConfig   `yaml:"session" toml:"session"`
	Audit      AuditConfig     `yaml:"audit" toml:"audit"`
	KeyServers KeyServerConfig `yaml:"keyservers" toml:"keyservers"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Events     EventsConfig    `yaml:"events" toml:"events"`
}

type SessionConfig struct {
	DefaultTTLMinutes int           `yaml:"default_ttl_minutes" toml:"default_ttl_minutes"`
	SweepInterval     time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// AuditConfig seeds the audit ledger on first start. An empty Admin leaves
// the ledger unbootstrapped.
type AuditConfig struct {
	Admin              string        `yaml:"admin" toml:"admin"`
	MinChallenges      uint16        `yaml:"min_challenges" toml:"min_challenges"`
	MaxChallenges      uint16        `yaml:"max_challenges" toml:"max_challenges"`
	ChallengeInterval  time.Duration `yaml:"challenge_interval" toml:"challenge_interval"`
	AuthorizedAuditors []string      `yaml:"authorized_auditors" toml:"authorized_auditors"`
}

// KeyServerConfig describes the quorum: LocalCount in-process servers plus
// one remote server per URL.
type KeyServerConfig struct {
	Threshold      int           `yaml:"threshold" toml:"threshold"`
	URLs           []string      `yaml:"urls" toml:"urls"`
	LocalCount     int           `yaml:"local_count" toml:"local_count"`
	ShareDir       string        `yaml:"share_dir" toml:"share_dir"`
	MasterKey      string        `yaml:"master_key" toml:"master_key"`
	StoreToken     string        `yaml:"store_token" toml:"store_token"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	Retries        int           `yaml:"retries" toml:"retries"`
}

type RateLimitConfig struct {
	RPS       float64       `yaml:"rps" toml:"rps"`
	Burst     int           `yaml:"burst" toml:"burst"`
	RedisAddr string        `yaml:"redis_addr" toml:"redis_addr"`
	Window    time.Duration `yaml:"window" toml:"window"`
}

type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers" toml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" toml:"kafka_topic"`
	QueueSize    int      `yaml:"queue_size" toml:"queue_size"`
}

func Default() *Config {
	return &Config{
		ListenAddr:    ":8300",
		LogLevel:      "info",
		Storage:       "memory",
		MigrationsDir: "migrations",
		Session: SessionConfig{
			DefaultTTLMinutes: 1440,
			SweepInterval:     5 * time.Minute,
		},
		Audit: AuditConfig{
			MinChallenges:     10,
			MaxChallenges:     100,
			ChallengeInterval: time.Hour,
		},
		KeyServers: KeyServerConfig{
			Threshold:      2,
			LocalCount:     3,
			RequestTimeout: 10 * time.Second,
			Retries:        3,
		},
		RateLimit: RateLimitConfig{
			RPS:    100,
			Burst:  200,
			Window: time.Second,
		},
		Events: EventsConfig{
			KafkaTopic: "sealaudit.events",
			QueueSize:  256,
		},
	}
}

// Load reads path (or $SEALAUDIT_CONFIG, or config.yaml) over the defaults,
// then applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SEALAUDIT_CONFIG")
	}
	if path == "" {
		path = DefaultFile
	}
	cfg := Default()
	if err := cfg.decodeFile(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnv overrides file values with the documented environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SEALAUDIT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SEALAUDIT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SEALAUDIT_PACKAGE_ID"); v != "" {
		c.PackageID = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DBUrl = v
		c.Storage = "postgres"
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Events.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("SEALAUDIT_MASTER_KEY"); v != "" {
		c.KeyServers.MasterKey = v
	}
	if v := os.Getenv("SEALAUDIT_KEYSERVER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.KeyServers.Threshold = n
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ListenAddr == "" {
		add("listen_addr is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		add("tls_cert and tls_key must be set together")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		add("log_level %q: %v", c.LogLevel, err)
	}
	switch c.Storage {
	case "memory":
	case "postgres":
		if c.DBUrl == "" {
			add("db_url is required for postgres storage")
		}
	default:
		add("storage must be memory or postgres, got %q", c.Storage)
	}
	if !models.IsObjectID(c.PackageID) {
		add("package_id must be 0x followed by 64 hex digits")
	}

	if c.Session.DefaultTTLMinutes <= 0 {
		add("session.default_ttl_minutes must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		add("session.sweep_interval must be positive")
	}

	if c.Audit.MinChallenges == 0 {
		add("audit.min_challenges must be positive")
	}
	if c.Audit.MaxChallenges < c.Audit.MinChallenges {
		add("audit.max_challenges must be at least min_challenges")
	}
	if c.Audit.Admin != "" && !models.IsObjectID(c.Audit.Admin) {
		add("audit.admin is not an address")
	}
	for _, a := range c.Audit.AuthorizedAuditors {
		if !models.IsObjectID(a) {
			add("audit.authorized_auditors: %q is not an address", a)
		}
	}

	ks := c.KeyServers
	total := ks.LocalCount + len(ks.URLs)
	if ks.LocalCount < 0 {
		add("keyservers.local_count cannot be negative")
	}
	if total == 0 {
		add("at least one key server is required")
	}
	if ks.Threshold < 1 || ks.Threshold > total {
		add("keyservers.threshold must be between 1 and %d", total)
	}
	for _, raw := range ks.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("keyservers.urls: %q is not an http(s) URL", raw)
		}
	}
	if ks.MasterKey != "" {
		if b, err := hex.DecodeString(ks.MasterKey); err != nil || len(b) != 32 {
			add("keyservers.master_key must be 64 hex characters")
		}
	}
	if ks.RequestTimeout <= 0 {
		add("keyservers.request_timeout must be positive")
	}
	if ks.Retries < 0 {
		add("keyservers.retries cannot be negative")
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		add("rate_limit values cannot be negative")
	}
	if c.RateLimit.RedisAddr != "" && c.RateLimit.Window <= 0 {
		add("rate_limit.window must be positive with redis")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		add("events.kafka_topic is required with kafka_brokers")
	}
	return errors.Join(errs...)
}

// MasterKeyBytes decodes KeyServers.MasterKey. It returns nil when unset.
func (c *Config) MasterKeyBytes() []byte {
	if c.KeyServers.MasterKey == "" {
		return nil
	}
	b, err := hex.DecodeString(c.KeyServers.MasterKey)
	if err != nil {
		return nil
	}
	return b
}
