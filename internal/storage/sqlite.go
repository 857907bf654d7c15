package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/strand/internal/state"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS state_envelopes (
	scope_id           TEXT PRIMARY KEY,
	envelope_json      TEXT NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_envelopes_updated
	ON state_envelopes(updated_at_unix_ms);
`

// SQLiteStore persists state envelopes in a local SQLite database. Merge
// writes run as a read-modify-write inside one transaction so concurrent
// requests against the same scope settle last-writer-wins at row granularity.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite state store.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent request persistence.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, scopeID string) (*state.Envelope, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `
SELECT envelope_json FROM state_envelopes WHERE scope_id = ?
`, scopeID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load envelope: %w", err)
	}
	return state.ParseEnvelope([]byte(encoded)), nil
}

func (s *SQLiteStore) Write(ctx context.Context, scopeID string, env *state.Envelope) error {
	encoded, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO state_envelopes(scope_id, envelope_json, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(scope_id) DO UPDATE SET
  envelope_json=excluded.envelope_json,
  updated_at_unix_ms=excluded.updated_at_unix_ms
`, scopeID, string(encoded), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Apply(ctx context.Context, scopeID string, ops []state.Operation, metadata map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	env := &state.Envelope{}
	var encoded string
	err = tx.QueryRowContext(ctx, `
SELECT envelope_json FROM state_envelopes WHERE scope_id = ?
`, scopeID).Scan(&encoded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load for merge: %w", err)
	default:
		env = state.ParseEnvelope([]byte(encoded))
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
	if _, err := tx.ExecContext(ctx, `
INSERT INTO state_envelopes(scope_id, envelope_json, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(scope_id) DO UPDATE SET
  envelope_json=excluded.envelope_json,
  updated_at_unix_ms=excluded.updated_at_unix_ms
`, scopeID, string(merged), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("write merged envelope: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, scopeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_envelopes WHERE scope_id = ?`, scopeID); err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM state_envelopes WHERE updated_at_unix_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep envelopes: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
