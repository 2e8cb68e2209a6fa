package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration. The session block is
// written by `sealctl login`.
type CLIConfig struct {
	Address    string        `yaml:"address"`
	TLSCACert  string        `yaml:"tls_ca_cert"`
	PackageID  string        `yaml:"package_id"`
	WalletSeed string        `yaml:"wallet_seed"`
	Session    SessionConfig `yaml:"session"`
}

type SessionConfig struct {
	PublicKey string    `yaml:"public_key"`
	Message   string    `yaml:"message"`
	Signature string    `yaml:"signature"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

var cfg CLIConfig

func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sealaudit", "config.yaml")
}

func loadConfig() {
	cfg = CLIConfig{
		Address: "http://127.0.0.1:8300",
	}
	data, err := os.ReadFile(configPath())
	if err != nil {
		return
	}
	yaml.Unmarshal(data, &cfg) //nolint:errcheck
}

// saveConfig persists the CLI config. It holds the wallet seed, so the file
// is owner-only.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// wallet returns the signing key from SEALAUDIT_WALLET_SEED or the config.
func wallet() (ed25519.PrivateKey, error) {
	seedHex := cfg.WalletSeed
	if v := os.Getenv("SEALAUDIT_WALLET_SEED"); v != "" {
		seedHex = v
	}
	if seedHex == "" {
		return nil, fmt.Errorf("no wallet seed configured (set wallet_seed in %s or SEALAUDIT_WALLET_SEED)", configPath())
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet seed must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
