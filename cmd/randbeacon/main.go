// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// randbeacon runs the randomness beacon service: a BN254 threshold signature
// verifier fronted by a request ledger, subscription billing and a JSON-RPC
// endpoint.
package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/spf13/cobra"

	"github.com/luxfi/randbeacon/api"
	"github.com/luxfi/randbeacon/bls"
	"github.com/luxfi/randbeacon/config"
	"github.com/luxfi/randbeacon/fees"
	"github.com/luxfi/randbeacon/ledger"
	"github.com/luxfi/randbeacon/metrics"
	"github.com/luxfi/randbeacon/randomness"
	"github.com/luxfi/randbeacon/subscription"
)

var (
	configPath   string
	publicKeyHex string
	listenPort   uint16
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	c := &cobra.Command{
		Use:   "randbeacon",
		Short: "Runs the randomness beacon service",
		RunE:  runFunc,
	}
	flags := c.Flags()
	flags.StringVar(&configPath, "config", "", "path to a JSON config file")
	flags.StringVar(&publicKeyHex, "public-key", "", "hex-encoded 128-byte G2 group public key (required)")
	flags.Uint16Var(&listenPort, "listen", 0, "override the configured listen port")
	_ = c.MarkFlagRequired("public-key")
	return c
}

func runFunc(*cobra.Command, []string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if cfg, err = config.ParseConfig(raw); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if listenPort != 0 {
		cfg.ListenPort = listenPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	publicKey, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("invalid public key hex: %w", err)
	}

	logger := log.Root()

	var db database.Database
	if cfg.DataDir == "" {
		logger.Warn("no data directory configured, state will not survive restarts")
		db = memdb.New()
	} else {
		if db, err = badgerdb.New(cfg.DataDir, nil, "", nil); err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
	}
	defer func() {
		_ = db.Close()
	}()

	verifier := bls.NewVerifierWithDomain([]byte(cfg.DomainTag))
	scheme, err := bls.NewScheme(cfg.SchemeID, publicKey, verifier)
	if err != nil {
		return fmt.Errorf("invalid group public key: %w", err)
	}
	registry := ledger.NewRegistry()
	if err := registry.Register(scheme); err != nil {
		return err
	}

	m, err := metrics.New(metric.NewRegistry())
	if err != nil {
		return err
	}
	reqLedger, err := ledger.New(cfg, prefixdb.New([]byte("ledger"), db), registry, logger, m)
	if err != nil {
		return err
	}
	subs, err := subscription.New(prefixdb.New([]byte("subs"), db), cfg.MaxConsumers, logger)
	if err != nil {
		return err
	}
	estimator := fees.NewEstimator(cfg.UnitRate, cfg.FeeOverhead)
	layer, err := randomness.New(cfg, prefixdb.New([]byte("rand"), db), reqLedger, subs, estimator, logger, m)
	if err != nil {
		return err
	}
	subs.SetPendingGuard(layer)

	service := api.NewService(reqLedger, layer, subs, logger)
	server, err := api.NewServer(service)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	logger.Info("randbeacon listening",
		log.String("addr", addr),
		log.String("scheme", cfg.SchemeID),
	)
	return http.ListenAndServe(addr, mux)
}
