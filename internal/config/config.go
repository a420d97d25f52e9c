// Package config loads the wallet engine's environment-driven settings:
// trusted mints, the unit, storage location, gateway rate limits, and
// the realtime polling cadence. An optional .env file is pre-loaded in
// front of the process environment via godotenv.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the engine's flat configuration surface.
type Config struct {
	// TrustedMints is added to the MintRepo trust set every time the
	// engine is built, comma-separated in WALLET_TRUSTED_MINTS.
	TrustedMints []string
	// Unit is the currency unit every operation runs in. Default "sat".
	Unit string
	// DBPath is the bbolt database file. Default "wallet.db".
	DBPath string
	// MasterSeed seeds deterministic output derivation; hex or raw bytes
	// from WALLET_MASTER_SEED. Required for recovery to work across
	// restarts.
	MasterSeed string

	// GatewayRate and GatewayBurst bound requests per mint per second.
	GatewayRate  float64
	GatewayBurst int

	// PollInterval is the slow polling cadence while the WS leg is up.
	PollInterval time.Duration
}

// Load reads configuration from the environment, pre-populated from
// .env when one exists. Missing keys fall back to defaults; Load never
// fails on absent optional settings.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Unit:         getEnv("WALLET_UNIT", "sat"),
		DBPath:       getEnv("WALLET_DB_PATH", "wallet.db"),
		MasterSeed:   os.Getenv("WALLET_MASTER_SEED"),
		GatewayRate:  getEnvFloat("WALLET_GATEWAY_RATE", 5),
		GatewayBurst: getEnvInt("WALLET_GATEWAY_BURST", 10),
		PollInterval: getEnvDuration("WALLET_POLL_INTERVAL", 20*time.Second),
	}

	if mints := os.Getenv("WALLET_TRUSTED_MINTS"); mints != "" {
		for _, m := range strings.Split(mints, ",") {
			if trimmed := strings.TrimSpace(m); trimmed != "" {
				cfg.TrustedMints = append(cfg.TrustedMints, trimmed)
			}
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
