package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"

	"EstateBonds/internal/config"
)

// Config holds the coprocessor configuration.
type Config struct {
	ListenAddr    string   // ListenAddr is the relay listen address
	KeyPath       string   // KeyPath is the Ed25519 relay identity key file
	LogLevel      string   // LogLevel is the minimum log level
	ConfigPath    string   // ConfigPath is an optional TOML file; explicit flags override it
	KeyBits       int      // KeyBits is the Paillier modulus size
	CommitteeSeed string   // CommitteeSeed is the hex committee seed; random if empty
	CommitteeSize int      // CommitteeSize is the number of committee members
	Threshold     int      // Threshold is the number of signatures per result
	AllowedKeys   []string // AllowedKeys are hex Ed25519 keys of coordinators allowed to connect

	PrivateKey ed25519.PrivateKey
}

// fileConfig is the TOML layout of -config.
type fileConfig struct {
	Relay struct {
		Listen      string   `toml:"listen"`
		Key         string   `toml:"key"`
		AllowedKeys []string `toml:"allowed_keys"`
	} `toml:"relay"`

	Committee struct {
		Seed      string `toml:"seed"`
		Size      int    `toml:"size"`
		Threshold int    `toml:"threshold"`
	} `toml:"committee"`

	KeyBits  int    `toml:"key_bits"`
	LogLevel string `toml:"log_level"`
}

// parseFlags parses command-line flags into Config, layering -config underneath.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("estatebonds-coprocessor", flag.ContinueOnError)

	var allow string

	fs.StringVar(&cfg.ListenAddr, "listen", ":9100", "Relay listen address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 relay key path (generates new if missing)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	fs.StringVar(&cfg.ConfigPath, "config", "", "TOML configuration file")
	fs.IntVar(&cfg.KeyBits, "key-bits", 2048, "Paillier modulus bits")
	fs.StringVar(&cfg.CommitteeSeed, "committee-seed", "", "Hex committee seed (random if empty)")
	fs.IntVar(&cfg.CommitteeSize, "committee-size", 3, "Committee size")
	fs.IntVar(&cfg.Threshold, "threshold", 2, "Signatures required per result")
	fs.StringVar(&allow, "allow", "", "Comma-separated hex Ed25519 keys allowed to connect (all if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.AllowedKeys = config.SplitList(allow)

	if cfg.ConfigPath != "" {
		var file fileConfig
		if err := config.LoadFile(cfg.ConfigPath, &file); err != nil {
			return nil, err
		}

		applyFile(cfg, &file, config.SetFlags(fs))
	}

	if cfg.Threshold <= 0 || cfg.Threshold > cfg.CommitteeSize {
		return nil, fmt.Errorf("threshold %d out of range [1, %d]", cfg.Threshold, cfg.CommitteeSize)
	}

	return cfg, nil
}

// applyFile copies non-empty file values into cfg for every flag not set explicitly.
func applyFile(cfg *Config, f *fileConfig, set map[string]bool) {
	if !set["listen"] && f.Relay.Listen != "" {
		cfg.ListenAddr = f.Relay.Listen
	}

	if !set["key"] && f.Relay.Key != "" {
		cfg.KeyPath = f.Relay.Key
	}

	if !set["allow"] && len(f.Relay.AllowedKeys) > 0 {
		cfg.AllowedKeys = f.Relay.AllowedKeys
	}

	if !set["committee-seed"] && f.Committee.Seed != "" {
		cfg.CommitteeSeed = f.Committee.Seed
	}

	if !set["committee-size"] && f.Committee.Size != 0 {
		cfg.CommitteeSize = f.Committee.Size
	}

	if !set["threshold"] && f.Committee.Threshold != 0 {
		cfg.Threshold = f.Committee.Threshold
	}

	if !set["key-bits"] && f.KeyBits != 0 {
		cfg.KeyBits = f.KeyBits
	}

	if !set["log-level"] && f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
}
