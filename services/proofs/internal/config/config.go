// Package config loads and validates service configuration from the
// environment at startup. Misconfiguration is fatal before any request is
// served, never discovered lazily.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
)

var ErrConfiguration = errors.New("invalid configuration")

type Config struct {
	Port        string
	DatabaseURL string
	Env         string

	// MasterKey combines with user passwords to seal private keys.
	MasterKey []byte

	// Chain connectivity; both empty selects the simulated publisher.
	ChainRPCURL     string
	ChainPrivateKey string
	// SimulatorKey derives deterministic simulated transaction references.
	SimulatorKey []byte

	BatchMaxSize      int
	AnchorInterval    time.Duration
	AnchorMaxAttempts uint64
}

// Load reads the environment. In production the master key must be supplied;
// elsewhere a fixed development key is derived so local runs work without
// secrets.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("SERVICE_PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Env:               getenv("PROOFORIGIN_ENV", "development"),
		ChainRPCURL:       os.Getenv("WEB3_RPC_URL"),
		ChainPrivateKey:   os.Getenv("WEB3_PRIVATE_KEY"),
		BatchMaxSize:      100,
		AnchorInterval:    10 * time.Minute,
		AnchorMaxAttempts: 5,
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%w: DATABASE_URL is required", ErrConfiguration)
	}

	if raw := os.Getenv("PROOFORIGIN_MASTER_KEY_B64"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: PROOFORIGIN_MASTER_KEY_B64 is not base64", ErrConfiguration)
		}
		if len(key) < keymgr.MasterKeySize {
			return Config{}, fmt.Errorf("%w: master key must be at least %d bytes", ErrConfiguration, keymgr.MasterKeySize)
		}
		cfg.MasterKey = key[:keymgr.MasterKeySize]
	} else if cfg.Env == "production" {
		return Config{}, fmt.Errorf("%w: PROOFORIGIN_MASTER_KEY_B64 is required in production", ErrConfiguration)
	} else {
		dev := sha256.Sum256([]byte("prooforigin-dev-master"))
		cfg.MasterKey = dev[:]
	}

	if raw := os.Getenv("ANCHOR_SIMULATOR_KEY"); raw != "" {
		cfg.SimulatorKey = []byte(raw)
	} else {
		sim := sha256.Sum256(append([]byte("prooforigin-simulator:"), cfg.MasterKey...))
		cfg.SimulatorKey = sim[:]
	}

	if raw := os.Getenv("ANCHOR_BATCH_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: ANCHOR_BATCH_SIZE", ErrConfiguration)
		}
		cfg.BatchMaxSize = n
	}
	if raw := os.Getenv("ANCHOR_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: ANCHOR_INTERVAL", ErrConfiguration)
		}
		cfg.AnchorInterval = d
	}
	if raw := os.Getenv("ANCHOR_MAX_ATTEMPTS"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 8)
		if err != nil || n == 0 {
			return Config{}, fmt.Errorf("%w: ANCHOR_MAX_ATTEMPTS", ErrConfiguration)
		}
		cfg.AnchorMaxAttempts = n
	}
	return cfg, nil
}

// ChainConfigured reports whether a real chain client should be dialed.
func (c Config) ChainConfigured() bool {
	return c.ChainRPCURL != "" && c.ChainPrivateKey != ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
