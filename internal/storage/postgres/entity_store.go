// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "entity_snapshots"

// EntityStoreConfig controls the Postgres connection pool used for entity snapshots.
type EntityStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// EntityStore keeps one row per entity holding its latest snapshot. Event
// history is not stored.
type EntityStore struct {
	pool  pool
	table string
}

var _ store.EntityRepository = (*EntityStore)(nil)

// NewEntityStore connects to Postgres using the provided config.
func NewEntityStore(ctx context.Context, cfg EntityStoreConfig) (*EntityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &EntityStore{pool: p, table: table}, nil
}

// NewEntityStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEntityStoreWithPool(p pool, table string) (*EntityStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &EntityStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *EntityStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the snapshot table when it does not exist.
func (s *EntityStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	entity_id      TEXT PRIMARY KEY,
	progress       DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_stage  TEXT,
	status         TEXT,
	status_message TEXT,
	result         JSONB,
	verdict        TEXT,
	updated_at     TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertEntity merges the fields set in patch into the entity row. Unset
// fields keep their stored value.
func (s *EntityStore) UpsertEntity(ctx context.Context, entityID string, patch progress.Patch, at time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("entity store is not configured")
	}
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s AS t (
	entity_id,
	progress,
	current_stage,
	status,
	status_message,
	result,
	verdict,
	updated_at
) VALUES (
	$1, COALESCE($2, 0), $3, $4, $5, $6::jsonb, $7, $8
)
ON CONFLICT (entity_id) DO UPDATE SET
	progress       = COALESCE($2, t.progress),
	current_stage  = COALESCE($3, t.current_stage),
	status         = COALESCE($4, t.status),
	status_message = COALESCE($5, t.status_message),
	result         = COALESCE($6::jsonb, t.result),
	verdict        = COALESCE($7, t.verdict),
	updated_at     = $8`, s.table)

	var result []byte
	if patch.Result != nil {
		result = []byte(patch.Result)
	}
	args := []any{
		entityID,
		patch.Progress,
		patch.CurrentStage,
		patch.Status,
		patch.StatusMessage,
		result,
		patch.Verdict,
		at.UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert entity %s: %w", entityID, err)
	}
	return nil
}

func (s *EntityStore) selectColumns() string {
	return fmt.Sprintf(`
SELECT
	entity_id,
	progress,
	COALESCE(current_stage, ''),
	COALESCE(status, ''),
	COALESCE(status_message, ''),
	COALESCE(result::text, ''),
	COALESCE(verdict, ''),
	updated_at
FROM %s`, s.table)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (store.Entity, error) {
	var (
		e      store.Entity
		result string
	)
	if err := row.Scan(
		&e.ID,
		&e.Progress,
		&e.CurrentStage,
		&e.Status,
		&e.StatusMessage,
		&result,
		&e.Verdict,
		&e.UpdatedAt,
	); err != nil {
		return store.Entity{}, err
	}
	if result != "" {
		e.Result = json.RawMessage(result)
	}
	return e, nil
}

// GetEntity loads a single entity snapshot.
func (s *EntityStore) GetEntity(ctx context.Context, entityID string) (store.Entity, error) {
	query := s.selectColumns() + `
WHERE entity_id = $1`
	e, err := scanEntity(s.pool.QueryRow(ctx, query, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Entity{}, store.ErrNotFound
		}
		return store.Entity{}, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	return e, nil
}

// ListEntities returns snapshots ordered by most recent update.
func (s *EntityStore) ListEntities(ctx context.Context, limit, offset int) ([]store.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := s.selectColumns() + `
ORDER BY updated_at DESC, entity_id
LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	out := []store.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}
	return out, nil
}
