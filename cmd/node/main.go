package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"EstateBonds/internal/api"
	"EstateBonds/internal/config"
	"EstateBonds/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	if err := cfg.validate(); err != nil {
		return err
	}

	cfg.PrivateKey, err = config.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *Node) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	coprocessorMode := "embedded"
	if cfg.CoprocessorAddr != "" {
		coprocessorMode = cfg.CoprocessorAddr
	}

	logger.Info("starting EstateBonds node",
		"pubkey", hex.EncodeToString(pubKey),
		"caller", api.CallerAddress(pubKey),
		"contract", n.ledger.Address(),
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"coprocessor", coprocessorMode,
	)
}
