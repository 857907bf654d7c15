package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/haasonsaas/strand/internal/state"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS state_envelopes (
	scope_id      TEXT PRIMARY KEY,
	envelope_json JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_envelopes_updated
	ON state_envelopes(updated_at);
`

// PostgresConfig configures the Postgres/CockroachDB state store.
type PostgresConfig struct {
	// DSN is the connection string. Required.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection pool settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore persists state envelopes in Postgres (or CockroachDB). Merge
// writes lock the row for the duration of the read-modify-write transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against cfg.DSN, verifies
// connectivity, and ensures the schema exists.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	defaults := DefaultPostgresConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, scopeID string) (*state.Envelope, error) {
	var encoded []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope_json FROM state_envelopes WHERE scope_id = $1`,
		scopeID,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load envelope: %w", err)
	}
	return state.ParseEnvelope(encoded), nil
}

func (s *PostgresStore) Write(ctx context.Context, scopeID string, env *state.Envelope) error {
	encoded, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_envelopes (scope_id, envelope_json, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (scope_id) DO UPDATE SET
		   envelope_json = excluded.envelope_json,
		   updated_at = excluded.updated_at`,
		scopeID, encoded, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (s *PostgresStore) Apply(ctx context.Context, scopeID string, ops []state.Operation, metadata map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	env := &state.Envelope{}
	var encoded []byte
	err = tx.QueryRowContext(ctx,
		`SELECT envelope_json FROM state_envelopes WHERE scope_id = $1 FOR UPDATE`,
		scopeID,
	).Scan(&encoded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load for merge: %w", err)
	default:
		env = state.ParseEnvelope(encoded)
	}

	if env.State == nil {
		env.State = map[string]any{}
	}
	for _, op := range ops {
		_ = state.Apply(env.State, op)
	}
	if metadata != nil {
		if env.Metadata == nil {
			env.Metadata = map[string]any{}
		}
		for k, v := range metadata {
			env.Metadata[k] = v
		}
	}

	merged, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode merged envelope: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_envelopes (scope_id, envelope_json, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (scope_id) DO UPDATE SET
		   envelope_json = excluded.envelope_json,
		   updated_at = excluded.updated_at`,
		scopeID, merged, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("write merged envelope: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Delete(ctx context.Context, scopeID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM state_envelopes WHERE scope_id = $1`, scopeID,
	); err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM state_envelopes WHERE updated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep envelopes: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
