// Package config provides configuration loading for the enrollment service.
// It reads BIODID_* environment variables with documented defaults, plus an
// optional YAML policy file for the pipeline block.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kwelivote/biodid-go/internal/pipeline"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the enrollment service.
type Config struct {
	Address            string        // HTTP listen address (e.g. ":8080")
	LogLevel           string        // slog level: debug, info, warn, error
	DatabaseURL        string        // Postgres DSN; empty means in-memory store
	RedisAddr          string        // Redis address; empty means nonces/idempotency ride the primary store
	Stabilizer         string        // pipeline stabilization policy: concat or hkdf
	JWTAudience        string        // audience claim for session tokens
	JWTIssuer          string        // issuer claim for session tokens
	SessionTTL         time.Duration // session token lifetime
	NonceTTL           time.Duration // challenge nonce lifetime
	KeystorePassphrase string        // passphrase sealing the service signing key at rest
	SubjectPepper      string        // deployment secret keying subject digests
	RateRPS            float64       // per-client sustained requests/second on mutating routes
	RateBurst          int           // per-client burst allowance
	ReadTimeout        time.Duration // HTTP server read timeout
	ShutdownGrace      time.Duration // graceful shutdown budget
}

// Default configuration values used when environment variables are not set.
const (
	defaultAddress       = ":8080"
	defaultLogLevel      = "info"
	defaultStabilizer    = "concat"
	defaultAudience      = "biodid"
	defaultIssuer        = "biodid-identity"
	defaultSessionTTL    = 15 * time.Minute
	defaultNonceTTL      = 2 * time.Minute
	defaultRateRPS       = 10
	defaultRateBurst     = 20
	defaultReadTimeout   = 10 * time.Second
	defaultShutdownGrace = 10 * time.Second
)

// policyFile mirrors the optional YAML file named by BIODID_CONFIG_FILE.
// Only the pipeline policy block is file-configurable; everything else is
// environment-only. Precedence: explicit env var > file > default.
type policyFile struct {
	Pipeline struct {
		Stabilizer string `yaml:"stabilizer"`
	} `yaml:"pipeline"`
}

// Load reads environment variables and the optional policy file and produces
// a Config suitable for wiring the service. Returns an error when a value is
// present but unparseable or names an unknown policy.
func Load() (Config, error) {
	cfg := Config{
		Address:       getEnv("BIODID_ADDR", defaultAddress),
		LogLevel:      strings.ToLower(getEnv("BIODID_LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:   os.Getenv("BIODID_DATABASE_URL"),
		RedisAddr:     os.Getenv("BIODID_REDIS_ADDR"),
		Stabilizer:    defaultStabilizer,
		JWTAudience:   getEnv("BIODID_JWT_AUDIENCE", defaultAudience),
		JWTIssuer:     getEnv("BIODID_JWT_ISSUER", defaultIssuer),
		SubjectPepper: os.Getenv("BIODID_SUBJECT_PEPPER"),
	}

	// Passphrase is read via LookupEnv so an explicitly empty value is
	// distinguishable in future audits, even though both behave the same.
	if pass, ok := os.LookupEnv("BIODID_KEYSTORE_PASSPHRASE"); ok {
		cfg.KeystorePassphrase = pass
	}

	// File-level pipeline policy, overridden below by the env var when set.
	if path := os.Getenv("BIODID_CONFIG_FILE"); path != "" {
		policy, err := loadPolicyFile(path)
		if err != nil {
			return Config{}, err
		}
		if policy.Pipeline.Stabilizer != "" {
			cfg.Stabilizer = policy.Pipeline.Stabilizer
		}
	}
	if stab := os.Getenv("BIODID_STABILIZER"); stab != "" {
		cfg.Stabilizer = stab
	}
	if _, err := pipeline.StabilizerByName(cfg.Stabilizer); err != nil {
		return Config{}, fmt.Errorf("invalid BIODID_STABILIZER: %w", err)
	}

	var err error
	if cfg.SessionTTL, err = parseDuration("BIODID_SESSION_TTL", defaultSessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.NonceTTL, err = parseDuration("BIODID_NONCE_TTL", defaultNonceTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReadTimeout, err = parseDuration("BIODID_READ_TIMEOUT", defaultReadTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGrace, err = parseDuration("BIODID_SHUTDOWN_GRACE", defaultShutdownGrace); err != nil {
		return Config{}, err
	}
	if cfg.RateRPS, err = parseFloat("BIODID_RATE_RPS", defaultRateRPS); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = parseInt("BIODID_RATE_BURST", defaultRateBurst); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadPolicyFile parses the YAML policy file at path.
func loadPolicyFile(path string) (policyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return policyFile{}, fmt.Errorf("read BIODID_CONFIG_FILE: %w", err)
	}
	var policy policyFile
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policyFile{}, fmt.Errorf("parse BIODID_CONFIG_FILE: %w", err)
	}
	return policy, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseDuration reads a Go duration string ("15m", "10s") from the
// environment, returning the fallback when unset.
func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: %w", key, errors.New("value must be > 0"))
	}
	return d, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("invalid %s: value must be > 0", key)
	}
	return f, nil
}

func parseInt(key string, fallback int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: value must be > 0", key)
	}
	return n, nil
}
