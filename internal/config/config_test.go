package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pkgID = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"SEALAUDIT_CONFIG", "SEALAUDIT_LISTEN_ADDR", "SEALAUDIT_LOG_LEVEL", "SEALAUDIT_PACKAGE_ID",
		"DATABASE_URL", "REDIS_ADDR", "KAFKA_BROKERS", "SEALAUDIT_MASTER_KEY", "SEALAUDIT_KEYSERVER_THRESHOLD",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "sealaudit.yaml", `
listen_addr: ":9000"
package_id: "`+pkgID+`"
session:
  default_ttl_minutes: 60
  sweep_interval: 30s
audit:
  min_challenges: 20
  max_challenges: 50
  challenge_interval: 2h
keyservers:
  threshold: 2
  local_count: 1
  urls: ["http://ks-1:8400", "https://ks-2"]
  request_timeout: 3s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 60, cfg.Session.DefaultTTLMinutes)
	assert.Equal(t, 30*time.Second, cfg.Session.SweepInterval)
	assert.Equal(t, uint16(20), cfg.Audit.MinChallenges)
	assert.Equal(t, 2*time.Hour, cfg.Audit.ChallengeInterval)
	assert.Len(t, cfg.KeyServers.URLs, 2)
	assert.Equal(t, 3*time.Second, cfg.KeyServers.RequestTimeout)
	assert.Equal(t, "memory", cfg.Storage, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.KeyServers.Retries)
	assert.NoError(t, cfg.Validate())
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "sealaudit.toml", `
listen_addr = ":9100"
package_id = "`+pkgID+`"
log_level = "debug"

[keyservers]
threshold = 1
local_count = 1

[rate_limit]
rps = 5.0
burst = 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1, cfg.KeyServers.Threshold)
	assert.Equal(t, 5.0, cfg.RateLimit.RPS)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "broken.yaml", "listen_addr: [unterminated"))
	assert.Error(t, err)
	_, err = Load(writeFile(t, "config.ini", "x=1"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "c.yaml", `listen_addr: ":1"`)
	t.Setenv("SEALAUDIT_CONFIG", path)
	t.Setenv("SEALAUDIT_LISTEN_ADDR", ":2")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/sealaudit")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SEALAUDIT_KEYSERVER_THRESHOLD", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":2", cfg.ListenAddr)
	assert.Equal(t, "postgres", cfg.Storage)
	assert.Equal(t, "postgres://u:p@db/sealaudit", cfg.DBUrl)
	assert.Equal(t, "redis:6379", cfg.RateLimit.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, 3, cfg.KeyServers.Threshold)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.PackageID = pkgID
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]struct {
		mutate func(c *Config)
		want   string
	}{
		"package id":       {func(c *Config) { c.PackageID = "0x12" }, "package_id"},
		"postgres url":     {func(c *Config) { c.Storage = "postgres" }, "db_url"},
		"storage kind":     {func(c *Config) { c.Storage = "sqlite" }, "storage must be"},
		"min challenges":   {func(c *Config) { c.Audit.MinChallenges = 0 }, "min_challenges"},
		"challenge bounds": {func(c *Config) { c.Audit.MaxChallenges = 5 }, "max_challenges"},
		"threshold":        {func(c *Config) { c.KeyServers.Threshold = 4 }, "threshold"},
		"no servers":       {func(c *Config) { c.KeyServers.LocalCount = 0 }, "at least one key server"},
		"url":              {func(c *Config) { c.KeyServers.URLs = []string{"ftp://x"} }, "http(s) URL"},
		"master key":       {func(c *Config) { c.KeyServers.MasterKey = "abcd" }, "master_key"},
		"tls pair":         {func(c *Config) { c.TLSCertFile = "cert.pem" }, "tls_cert"},
		"log level":        {func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		"auditor":          {func(c *Config) { c.Audit.AuthorizedAuditors = []string{"bob"} }, "authorized_auditors"},
		"kafka topic": {func(c *Config) {
			c.Events.KafkaBrokers = []string{"k:9092"}
			c.Events.KafkaTopic = ""
		}, "kafka_topic"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want), err.Error())
		})
	}
}

func TestMasterKeyBytes(t *testing.T) {
	c := Default()
	assert.Nil(t, c.MasterKeyBytes())
	c.KeyServers.MasterKey = strings.Repeat("ab", 32)
	assert.Len(t, c.MasterKeyBytes(), 32)
}
