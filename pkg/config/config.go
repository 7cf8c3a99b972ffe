// Package config provides unified configuration for the sitzung gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (SITZUNG_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the sitzung gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Pool          PoolConfig          `yaml:"pool"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Stream        StreamConfig        `yaml:"stream"`
	Harvest       HarvestConfig       `yaml:"harvest"`
	Auth          AuthConfig          `yaml:"auth"`
	Models        ModelsConfig        `yaml:"models"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int           `yaml:"port"`         // default: 7860
	ReadTimeout time.Duration `yaml:"read_timeout"` // default: 30s
	IdleTimeout time.Duration `yaml:"idle_timeout"` // default: 120s
}

// PoolConfig holds credential pool settings.
type PoolConfig struct {
	Size int `yaml:"size"` // slot count, default: 5

	// Snapshot persistence: "none", "file", or "postgres".
	Snapshot     string         `yaml:"snapshot"`      // default: "file"
	SnapshotPath string         `yaml:"snapshot_path"` // default: "data/credentials.json"
	Postgres     PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"` // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// UpstreamConfig holds dispatch and retry settings for the backend.
type UpstreamConfig struct {
	// Credential freshness windows.
	FreshnessMaxAge     time.Duration `yaml:"freshness_max_age"`    // default: 3m
	PreemptiveThreshold time.Duration `yaml:"preemptive_threshold"` // default: 2m
	HardCeiling         time.Duration `yaml:"hard_ceiling"`         // default: 50m

	// Waits on the pool's update queue.
	AcquireWait time.Duration `yaml:"acquire_wait"` // default: 60s
	RetryWait   time.Duration `yaml:"retry_wait"`   // default: 30s

	// SettleDelay is slept after a credential swap before redispatching.
	SettleDelay time.Duration `yaml:"settle_delay"` // default: 300ms

	MaxRetries  int           `yaml:"max_retries"`  // default: 3 (4 attempts)
	ReadTimeout time.Duration `yaml:"read_timeout"` // per-response, default: 180s

	// RetryOn400 treats HTTP 400 as auth-class alongside 401/403. The
	// backend returns 400 for some expired-session states.
	RetryOn400 *bool `yaml:"retry_on_400"` // default: true
}

// StreamConfig holds stream pipeline settings.
type StreamConfig struct {
	MinChunkSize      int           `yaml:"min_chunk_size"`     // default: 256
	MaxBufferTime     time.Duration `yaml:"max_buffer_time"`    // default: 100ms
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default: 15s
	TailWindow        int           `yaml:"tail_window"`        // default: 512
}

// HarvestConfig holds the harvester websocket channel settings.
type HarvestConfig struct {
	Enabled bool `yaml:"enabled"` // default: true

	// Path the harvester connects to, default: "/internal/harvest".
	Path string `yaml:"path"`

	// HMAC secret for harvester JWTs. Empty disables token checks
	// (local-only deployments).
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file"` // _file variant
}

// AuthConfig holds client-facing authentication settings.
type AuthConfig struct {
	Type    string         `yaml:"type"`     // "none" or "apikey", default: "none"
	APIKeys []APIKeyConfig `yaml:"api_keys"` // key entries for type=apikey
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"` // _file variant for key
	Subject string `yaml:"subject"`
}

// ModelsConfig holds model naming settings.
type ModelsConfig struct {
	// Default is used when a request omits the model, default:
	// "gemini-3-pro".
	Default string `yaml:"default"`

	// Aliases maps client-facing names to backend names before suffix
	// parsing.
	Aliases map[string]string `yaml:"aliases"`

	// Advertised is the list returned by GET /v1/models. Empty means
	// aliases plus the default.
	Advertised []string `yaml:"advertised"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	retryOn400 := true
	return Config{
		Server: ServerConfig{
			Port:        7860,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		Pool: PoolConfig{
			Size:         5,
			Snapshot:     "file",
			SnapshotPath: "data/credentials.json",
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Upstream: UpstreamConfig{
			FreshnessMaxAge:     3 * time.Minute,
			PreemptiveThreshold: 2 * time.Minute,
			HardCeiling:         50 * time.Minute,
			AcquireWait:         60 * time.Second,
			RetryWait:           30 * time.Second,
			SettleDelay:         300 * time.Millisecond,
			MaxRetries:          3,
			ReadTimeout:         180 * time.Second,
			RetryOn400:          &retryOn400,
		},
		Stream: StreamConfig{
			MinChunkSize:      256,
			MaxBufferTime:     100 * time.Millisecond,
			HeartbeatInterval: 15 * time.Second,
			TailWindow:        512,
		},
		Harvest: HarvestConfig{
			Enabled: true,
			Path:    "/internal/harvest",
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Models: ModelsConfig{
			Default: "gemini-3-pro",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// RetryOn400Enabled reports the effective 400-as-auth-retryable policy.
func (c *UpstreamConfig) RetryOn400Enabled() bool {
	return c.RetryOn400 == nil || *c.RetryOn400
}
