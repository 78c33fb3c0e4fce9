// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/terminal-bench/multisigledger/internal/approval"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds service settings.
type Config struct {
	Port        string `env:"PORT,default=8008"`
	Environment string `env:"ENVIRONMENT,default=production"`
	LogLevel    string `env:"LOG_LEVEL"`

	StoreDriver string `env:"STORE_DRIVER,default=memory"`
	DatabaseURL string `env:"DATABASE_URL"`

	NATSURL           string `env:"NATS_URL"`
	NATSSubmitSubject string `env:"NATS_SUBMIT_SUBJECT,default=multisig.tx.submit"`
	NATSEventPrefix   string `env:"NATS_EVENT_PREFIX,default=ledger"`

	RedisAddr string        `env:"REDIS_ADDR"`
	CacheTTL  time.Duration `env:"CACHE_TTL,default=30s"`

	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`

	InitialBalance uint64 `env:"INITIAL_BALANCE,default=100"`
	QuorumPolicy   string `env:"QUORUM_POLICY,default=unanimous"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads envFile if it exists, then decodes the environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have a closed set of values.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if _, err := approval.ParseQuorumPolicy(c.QuorumPolicy); err != nil {
		return err
	}
	return nil
}

// Quorum returns the parsed quorum policy. Validate must have passed.
func (c Config) Quorum() approval.QuorumPolicy {
	p, _ := approval.ParseQuorumPolicy(c.QuorumPolicy)
	return p
}

// Addr is the HTTP listen address.
func (c Config) Addr() string { return ":" + c.Port }
