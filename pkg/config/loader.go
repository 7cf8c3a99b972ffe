package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SITZUNG_CONFIG env, ./config.yaml, /etc/sitzung/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. SITZUNG_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/sitzung/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("SITZUNG_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/sitzung/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SITZUNG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SITZUNG_POOL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = size
		}
	}
	if v := os.Getenv("SITZUNG_SNAPSHOT"); v != "" {
		cfg.Pool.Snapshot = v
	}
	if v := os.Getenv("SITZUNG_SNAPSHOT_PATH"); v != "" {
		cfg.Pool.SnapshotPath = v
	}
	if v := os.Getenv("SITZUNG_PG_DSN"); v != "" {
		cfg.Pool.Postgres.DSN = v
	}
	if v := os.Getenv("SITZUNG_DEFAULT_MODEL"); v != "" {
		cfg.Models.Default = v
	}
	if v := os.Getenv("SITZUNG_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}
	if v := os.Getenv("SITZUNG_API_KEY"); v != "" {
		cfg.Auth.Type = "apikey"
		cfg.Auth.APIKeys = []APIKeyConfig{{Key: v}}
	}
	if v := os.Getenv("SITZUNG_JWT_SECRET"); v != "" {
		cfg.Harvest.JWTSecret = v
	}
	if v := os.Getenv("SITZUNG_RETRY_ON_400"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Upstream.RetryOn400 = &b
		}
	}
	if v := os.Getenv("SITZUNG_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Upstream.MaxRetries = n
		}
	}
	if v := os.Getenv("SITZUNG_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.HeartbeatInterval = d
		}
	}
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields. For each field ending in _file, if the value field is empty
// and the file field is set, the file is read, whitespace is trimmed, and
// the value field is populated.
func resolveFileReferences(cfg *Config) error {
	if cfg.Pool.Postgres.DSNFile != "" && cfg.Pool.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Pool.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("pool.postgres.dsn_file: %w", err)
		}
		cfg.Pool.Postgres.DSN = val
	}

	if cfg.Harvest.JWTSecretFile != "" && cfg.Harvest.JWTSecret == "" {
		val, err := readSecretFile(cfg.Harvest.JWTSecretFile)
		if err != nil {
			return fmt.Errorf("harvest.jwt_secret_file: %w", err)
		}
		cfg.Harvest.JWTSecret = val
	}

	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
