package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	if c.Pool.Size <= 0 {
		errs = append(errs, fmt.Errorf("pool.size must be > 0, got %d", c.Pool.Size))
	}

	switch c.Pool.Snapshot {
	case "none", "file", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("pool.snapshot must be \"none\", \"file\", or \"postgres\", got %q", c.Pool.Snapshot))
	}

	if c.Pool.Snapshot == "file" && c.Pool.SnapshotPath == "" {
		errs = append(errs, fmt.Errorf("pool.snapshot_path is required when pool.snapshot is \"file\""))
	}

	if c.Pool.Snapshot == "postgres" {
		if c.Pool.Postgres.DSN == "" && c.Pool.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("pool.postgres.dsn or pool.postgres.dsn_file is required when pool.snapshot is \"postgres\""))
		}
	}

	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries must be >= 0, got %d", c.Upstream.MaxRetries))
	}

	if c.Upstream.HardCeiling < c.Upstream.FreshnessMaxAge {
		errs = append(errs, fmt.Errorf("upstream.hard_ceiling (%s) must not be below upstream.freshness_max_age (%s)",
			c.Upstream.HardCeiling, c.Upstream.FreshnessMaxAge))
	}

	switch c.Auth.Type {
	case "none", "apikey":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\" or \"apikey\", got %q", c.Auth.Type))
	}

	if c.Auth.Type == "apikey" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
	}

	return errors.Join(errs...)
}
