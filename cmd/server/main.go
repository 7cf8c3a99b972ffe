// Command server runs the sitzung chat-completion gateway.
//
// Configuration is layered: built-in defaults, then an optional YAML file
// (-config flag, SITZUNG_CONFIG, ./config.yaml, or /etc/sitzung/config.yaml),
// then SITZUNG_* environment variables. See pkg/config for the full surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sitzung-dev/sitzung/pkg/config"
	"github.com/sitzung-dev/sitzung/pkg/credential"
	"github.com/sitzung-dev/sitzung/pkg/harvest"
	"github.com/sitzung-dev/sitzung/pkg/storage/file"
	"github.com/sitzung-dev/sitzung/pkg/storage/postgres"
	transporthttp "github.com/sitzung-dev/sitzung/pkg/transport/http"
	"github.com/sitzung-dev/sitzung/pkg/upstream"
	"github.com/sitzung-dev/sitzung/pkg/usage"
)

// usageFlushInterval paces periodic stats-file writes.
const usageFlushInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	store, err := openSnapshotStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	pool := credential.NewPool(credential.Options{
		Size:                cfg.Pool.Size,
		FreshnessMaxAge:     cfg.Upstream.FreshnessMaxAge,
		PreemptiveThreshold: cfg.Upstream.PreemptiveThreshold,
		HardCeiling:         cfg.Upstream.HardCeiling,
		Store:               store,
		Logger:              logger,
	})

	tracker := usage.NewTracker()
	statsPath := usageStatsPath(cfg)
	if err := tracker.Load(statsPath); err != nil {
		logger.Warn("could not restore usage stats", "path", statsPath, "error", err)
	}

	var hub *harvest.Hub
	var refresh upstream.RefreshFunc
	if cfg.Harvest.Enabled {
		hub = harvest.NewHub(harvest.Options{
			Pool:      pool,
			JWTSecret: cfg.Harvest.JWTSecret,
			Logger:    logger,
		})
		refresh = hub.TriggerRefresh
	}

	client := upstream.NewClient(upstream.Options{
		Pool:           pool,
		Upstream:       cfg.Upstream,
		Stream:         cfg.Stream,
		Models:         cfg.Models,
		TriggerRefresh: refresh,
		Usage:          tracker,
		Logger:         logger,
	})

	adapterOpts := transporthttp.Options{
		Client: client,
		Pool:   pool,
		Config: cfg,
		Usage:  tracker,
		Logger: logger,
	}
	if hub != nil {
		adapterOpts.Harvest = hub.Handler()
	}
	adapter := transporthttp.NewAdapter(adapterOpts)

	stopFlush := make(chan struct{})
	go flushUsage(tracker, statsPath, stopFlush, logger)

	srv := transporthttp.NewServer(adapter.Handler(), cfg.Server, logger)
	logger.Info("sitzung gateway starting",
		"port", cfg.Server.Port,
		"pool_size", cfg.Pool.Size,
		"snapshot", cfg.Pool.Snapshot,
		"harvest_enabled", cfg.Harvest.Enabled,
		"default_model", cfg.Models.Default,
	)
	err = srv.ListenAndServe()

	close(stopFlush)
	if perr := tracker.Persist(statsPath); perr != nil {
		logger.Warn("could not persist usage stats", "error", perr)
	}
	return err
}

// openSnapshotStore builds the configured credential snapshot backing.
func openSnapshotStore(cfg *config.Config, logger *slog.Logger) (interface {
	credential.SnapshotStore
	Close() error
}, error) {
	switch cfg.Pool.Snapshot {
	case "none":
		logger.Info("snapshot persistence disabled")
		return nil, nil
	case "file":
		logger.Info("snapshot persistence enabled", "type", "file", "path", cfg.Pool.SnapshotPath)
		return file.New(cfg.Pool.SnapshotPath)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("snapshot persistence enabled", "type", "postgres")
		return postgres.New(ctx, postgres.Config{
			DSN:            cfg.Pool.Postgres.DSN,
			MaxConns:       cfg.Pool.Postgres.MaxConns,
			MigrateOnStart: cfg.Pool.Postgres.MigrateOnStart,
		})
	default:
		return nil, fmt.Errorf("unknown snapshot type %q", cfg.Pool.Snapshot)
	}
}

// usageStatsPath keeps the stats file next to the credential snapshot, or
// under data/ when snapshots live elsewhere.
func usageStatsPath(cfg *config.Config) string {
	if cfg.Pool.Snapshot == "file" && cfg.Pool.SnapshotPath != "" {
		return filepath.Join(filepath.Dir(cfg.Pool.SnapshotPath), "usage.json")
	}
	return filepath.Join("data", "usage.json")
}

func flushUsage(tracker *usage.Tracker, path string, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(usageFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := tracker.Persist(path); err != nil {
				logger.Warn("usage stats flush failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}
