// Command coprocessor runs the development coprocessor as a standalone relay service.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"EstateBonds/internal/config"
	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/logger"
	"EstateBonds/internal/relay"
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

	cfg.PrivateKey, err = config.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	seed, err := committeeSeed(cfg.CommitteeSeed)
	if err != nil {
		return err
	}

	allowed, err := config.DecodeHexList(cfg.AllowedKeys, ed25519.PublicKeySize)
	if err != nil {
		return fmt.Errorf("decode allowed keys:\n%w", err)
	}

	local, err := coprocessor.NewLocal(coprocessor.LocalConfig{
		KeyBits:       cfg.KeyBits,
		CommitteeSeed: seed,
		CommitteeSize: cfg.CommitteeSize,
		Threshold:     cfg.Threshold,
	})
	if err != nil {
		return fmt.Errorf("create coprocessor:\n%w", err)
	}

	relayCfg := relay.Config{PrivateKey: cfg.PrivateKey, ListenAddr: cfg.ListenAddr}
	for _, k := range allowed {
		relayCfg.AllowedKeys = append(relayCfg.AllowedKeys, ed25519.PublicKey(k))
	}

	node, err := relay.NewNode(relayCfg)
	if err != nil {
		return fmt.Errorf("create relay node:\n%w", err)
	}
	defer node.Close()

	srv := coprocessor.NewServer(local, node)

	if err := node.Start(); err != nil {
		return fmt.Errorf("start relay:\n%w", err)
	}

	printStartupInfo(cfg, node, local)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := local.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("shutting down", "undelivered", srv.Backlog(), "ciphertexts", local.Size())

	return nil
}

// committeeSeed decodes s or draws a random seed.
func committeeSeed(s string) ([]byte, error) {
	if s == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("draw committee seed:\n%w", err)
		}

		logger.Warn("random committee seed, committee keys change on restart")

		return seed, nil
	}

	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode committee seed:\n%w", err)
	}

	return seed, nil
}

// printStartupInfo logs what a coordinator needs to trust this coprocessor.
func printStartupInfo(cfg *Config, node *relay.Node, local *coprocessor.Local) {
	logger.Info("starting EstateBonds coprocessor",
		"pubkey", hex.EncodeToString(node.PublicKey()),
		"relay", node.Addr(),
		"key_bits", cfg.KeyBits,
		"threshold", local.Committee().Threshold(),
	)

	for i, pk := range local.Committee().PublicKeys() {
		logger.Info("committee member", "index", i, "pubkey", hex.EncodeToString(pk))
	}
}
