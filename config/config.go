// Package config loads the settings of the persistence layer from the
// environment.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Prefix is prepended to the name of every environment variable.
const Prefix = "VSTORE_"

const (
	PolicyRemoteWins = "remote-wins"
	PolicyManual     = "manual"
)

type Config struct {
	DataPath       string        `env:"DATA_PATH"       envDefault:"vstore.db"`
	Namespace      string        `env:"NAMESPACE"       envDefault:"node"`
	HolderID       string        `env:"HOLDER_ID"`
	LeaseTTL       time.Duration `env:"LEASE_TTL"       envDefault:"30s"`
	PullAttempts   int           `env:"PULL_ATTEMPTS"   envDefault:"3"`
	PullBackoff    time.Duration `env:"PULL_BACKOFF"    envDefault:"200ms"`
	PullTimeout    time.Duration `env:"PULL_TIMEOUT"    envDefault:"10s"`
	PushTimeout    time.Duration `env:"PUSH_TIMEOUT"    envDefault:"30s"`
	RetryInterval  time.Duration `env:"RETRY_INTERVAL"  envDefault:"30s"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"10s"`
	ConflictPolicy string        `env:"CONFLICT_POLICY" envDefault:"remote-wins"`
	Verbose        bool          `env:"VERBOSE"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from the given variables instead of the
// process environment. Names include the prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("%sDATA_PATH is required", Prefix)
	}

	if c.Namespace == "" {
		return fmt.Errorf("%sNAMESPACE is required", Prefix)
	}

	if c.LeaseTTL <= 0 {
		return fmt.Errorf("%sLEASE_TTL must be positive, got %s", Prefix, c.LeaseTTL)
	}

	if c.PullAttempts < 1 {
		return fmt.Errorf("%sPULL_ATTEMPTS must be at least 1, got %d", Prefix, c.PullAttempts)
	}

	if c.RetryInterval <= 0 {
		return fmt.Errorf("%sRETRY_INTERVAL must be positive, got %s", Prefix, c.RetryInterval)
	}

	switch c.ConflictPolicy {
	case PolicyRemoteWins, PolicyManual:
	default:
		return fmt.Errorf("%sCONFLICT_POLICY: unknown policy %q", Prefix, c.ConflictPolicy)
	}

	return nil
}

// NewLogger returns a logfmt logger writing to w. Debug messages are dropped
// unless verbose is set.
func NewLogger(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if !verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger
}
