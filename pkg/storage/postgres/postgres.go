// Package postgres provides a PostgreSQL implementation of
// credential.SnapshotStore. It uses pgx/v5 for connection pooling and stores
// the pool snapshot as a single JSONB row, keyed so that concurrent gateway
// instances sharing a database overwrite the same record.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitzung-dev/sitzung/pkg/credential"
)

const snapshotKey = "credential_pool"

// Store is a PostgreSQL-backed SnapshotStore.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements credential.SnapshotStore at compile time.
var _ credential.SnapshotStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// SaveSnapshot upserts the pool snapshot as one JSONB row.
func (s *Store) SaveSnapshot(ctx context.Context, snap *credential.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pool_snapshots (key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		snapshotKey, data,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the last persisted snapshot. A missing row is not an
// error; it returns (nil, nil) so a fresh pool starts empty.
func (s *Store) LoadSnapshot(ctx context.Context) (*credential.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		"SELECT snapshot FROM pool_snapshots WHERE key = $1", snapshotKey,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var snap credential.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &snap, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
