package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"

	"EstateBonds/internal/config"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 key. Its caller address is the default owner.
	PrivateKey ed25519.PrivateKey

	// LogLevel is the minimum log level.
	LogLevel string

	// ConfigPath is an optional TOML file; explicit flags override it.
	ConfigPath string

	// RestorePath is a snapshot to load into an empty data directory before start.
	RestorePath string

	// Owner is the hex address deployed as owner; the node key's address if empty.
	Owner string

	// CooldownSeconds is the initial cooldown on first deployment.
	CooldownSeconds uint64

	// CoprocessorAddr is the relay address of a remote coprocessor; empty embeds one.
	CoprocessorAddr string

	// CoprocessorKey is the hex Ed25519 key the remote coprocessor must present.
	CoprocessorKey string

	// CommitteeKeys are the hex BLS public keys that sign decryption results.
	CommitteeKeys []string

	// Threshold is the number of committee signatures a result needs.
	Threshold int

	// KeyBits is the Paillier modulus size of the embedded coprocessor.
	KeyBits int

	// CommitteeSeed is the hex seed of the embedded coprocessor's committee.
	CommitteeSeed string

	// CommitteeSize is the member count of the embedded coprocessor's committee.
	CommitteeSize int
}

// fileConfig is the TOML layout of -config.
type fileConfig struct {
	Node struct {
		Data     string `toml:"data"`
		HTTP     string `toml:"http"`
		Key      string `toml:"key"`
		LogLevel string `toml:"log_level"`
	} `toml:"node"`

	Ledger struct {
		Owner           string `toml:"owner"`
		CooldownSeconds uint64 `toml:"cooldown_seconds"`
	} `toml:"ledger"`

	Coprocessor struct {
		Address       string   `toml:"address"`
		PublicKey     string   `toml:"public_key"`
		CommitteeKeys []string `toml:"committee_keys"`
		Threshold     int      `toml:"threshold"`
		KeyBits       int      `toml:"key_bits"`
		CommitteeSeed string   `toml:"committee_seed"`
		CommitteeSize int      `toml:"committee_size"`
	} `toml:"coprocessor"`
}

// parseFlags parses command-line flags into Config, layering -config underneath.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("estatebonds-node", flag.ContinueOnError)

	var committee string

	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	fs.StringVar(&cfg.ConfigPath, "config", "", "TOML configuration file")
	fs.StringVar(&cfg.RestorePath, "restore", "", "Snapshot to restore into an empty data directory")
	fs.StringVar(&cfg.Owner, "owner", "", "Owner address on first deployment (defaults to the node key)")
	fs.Uint64Var(&cfg.CooldownSeconds, "cooldown", 0, "Initial cooldown seconds on first deployment")
	fs.StringVar(&cfg.CoprocessorAddr, "coprocessor", "", "Remote coprocessor relay address (embedded if empty)")
	fs.StringVar(&cfg.CoprocessorKey, "coprocessor-key", "", "Hex Ed25519 key of the remote coprocessor")
	fs.StringVar(&committee, "committee", "", "Comma-separated hex BLS committee public keys")
	fs.IntVar(&cfg.Threshold, "threshold", 0, "Committee signatures required per result")
	fs.IntVar(&cfg.KeyBits, "key-bits", 0, "Paillier modulus bits of the embedded coprocessor")
	fs.StringVar(&cfg.CommitteeSeed, "committee-seed", "", "Hex committee seed of the embedded coprocessor")
	fs.IntVar(&cfg.CommitteeSize, "committee-size", 3, "Committee size of the embedded coprocessor")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.CommitteeKeys = config.SplitList(committee)

	if cfg.ConfigPath == "" {
		return cfg, nil
	}

	var file fileConfig
	if err := config.LoadFile(cfg.ConfigPath, &file); err != nil {
		return nil, err
	}

	applyFile(cfg, &file, config.SetFlags(fs))

	return cfg, nil
}

// applyFile copies non-empty file values into cfg for every flag not set explicitly.
func applyFile(cfg *Config, f *fileConfig, set map[string]bool) {
	str := func(flagName string, dst *string, v string) {
		if !set[flagName] && v != "" {
			*dst = v
		}
	}

	num := func(flagName string, dst *int, v int) {
		if !set[flagName] && v != 0 {
			*dst = v
		}
	}

	str("data", &cfg.DataPath, f.Node.Data)
	str("http", &cfg.HTTPAddress, f.Node.HTTP)
	str("key", &cfg.KeyPath, f.Node.Key)
	str("log-level", &cfg.LogLevel, f.Node.LogLevel)
	str("owner", &cfg.Owner, f.Ledger.Owner)
	str("coprocessor", &cfg.CoprocessorAddr, f.Coprocessor.Address)
	str("coprocessor-key", &cfg.CoprocessorKey, f.Coprocessor.PublicKey)
	str("committee-seed", &cfg.CommitteeSeed, f.Coprocessor.CommitteeSeed)
	num("threshold", &cfg.Threshold, f.Coprocessor.Threshold)
	num("key-bits", &cfg.KeyBits, f.Coprocessor.KeyBits)
	num("committee-size", &cfg.CommitteeSize, f.Coprocessor.CommitteeSize)

	if !set["cooldown"] && f.Ledger.CooldownSeconds != 0 {
		cfg.CooldownSeconds = f.Ledger.CooldownSeconds
	}

	if !set["committee"] && len(f.Coprocessor.CommitteeKeys) > 0 {
		cfg.CommitteeKeys = f.Coprocessor.CommitteeKeys
	}
}

// validate checks option combinations that cannot work together.
func (c *Config) validate() error {
	if c.CoprocessorAddr != "" {
		if c.CoprocessorKey == "" {
			return fmt.Errorf("a remote coprocessor needs -coprocessor-key")
		}

		if len(c.CommitteeKeys) == 0 || c.Threshold == 0 {
			return fmt.Errorf("a remote coprocessor needs -committee and -threshold")
		}
	}

	if len(c.CommitteeKeys) > 0 && (c.Threshold <= 0 || c.Threshold > len(c.CommitteeKeys)) {
		return fmt.Errorf("threshold %d out of range [1, %d]", c.Threshold, len(c.CommitteeKeys))
	}

	return nil
}
