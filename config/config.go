// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidDomainTag  = errors.New("invalid domain tag configuration")
	ErrInvalidScheme     = errors.New("invalid scheme configuration")
	ErrInvalidRate       = errors.New("invalid fee rate configuration")
	ErrInvalidBudget     = errors.New("invalid callback budget configuration")
	ErrInvalidConsumers  = errors.New("invalid consumer limit configuration")
	ErrInvalidListenPort = errors.New("invalid port configuration")
)

// Config holds configuration for the randomness beacon service.
type Config struct {
	// Network settings
	ListenPort uint16 `json:"listenPort"` // Default: 9650

	// Signature scheme
	DomainTag string `json:"domainTag"` // BLS hash-to-curve domain separation tag
	SchemeID  string `json:"schemeId"`  // Scheme identifier registered with the ledger

	// Fee settings
	UnitRate          uint64 `json:"unitRate"`    // Price per unit of callback budget
	FeeOverhead       uint64 `json:"feeOverhead"` // Fixed per-request charge
	MaxCallbackBudget uint64 `json:"maxCallbackBudget"`

	// Callback dispatch
	CallbackTimeout time.Duration `json:"callbackTimeout"` // Wall-clock bound per dispatch

	// Subscription settings
	MaxConsumers int `json:"maxConsumers"` // Consumer-list bound per subscription

	// Request validation
	MaxMessageLen   int `json:"maxMessageLen"`
	MaxConditionLen int `json:"maxConditionLen"`

	// Storage
	DataDir string `json:"dataDir"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() Config {
	return Config{
		ListenPort:        9650,
		DomainTag:         "RANDBEACON-BLS-BN254G1-KECCAK256-SVDW",
		SchemeID:          "BN254",
		UnitRate:          1,
		FeeOverhead:       50_000,
		MaxCallbackBudget: 2_000_000,
		CallbackTimeout:   2 * time.Second,
		MaxConsumers:      100,
		MaxMessageLen:     4096,
		MaxConditionLen:   4096,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenPort == 0 {
		return ErrInvalidListenPort
	}
	if c.DomainTag == "" || len(c.DomainTag) > 255 {
		return ErrInvalidDomainTag
	}
	if c.SchemeID == "" {
		return ErrInvalidScheme
	}
	if c.UnitRate == 0 {
		return ErrInvalidRate
	}
	if c.MaxCallbackBudget == 0 || c.CallbackTimeout <= 0 {
		return ErrInvalidBudget
	}
	if c.MaxConsumers <= 0 {
		return ErrInvalidConsumers
	}
	if c.MaxMessageLen <= 0 || c.MaxConditionLen < 0 {
		return ErrInvalidBudget
	}
	return nil
}

// ParseConfig parses configuration from JSON bytes, filling defaults for
// anything unset.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
