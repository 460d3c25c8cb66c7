// Package postgres persists conversation snapshots and the per-agent
// session index in PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/penguin"
)

// opTimeout bounds every store operation.
const opTimeout = 10 * time.Second

// Store implements penguin.SnapshotStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ penguin.SnapshotStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			created_at BIGINT NOT NULL,
			name TEXT,
			labels JSONB,
			payload BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_index (
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (agent_id, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots (created_at DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Snapshot stores payload and returns its new id. A non-empty
// parentID must name an existing snapshot.
func (s *Store) Snapshot(payload []byte, parentID string, meta penguin.SnapshotMeta) (string, error) {
	ctx, cancel := opCtx()
	defer cancel()

	if parentID != "" {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM snapshots WHERE id = $1)`, parentID).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check parent: %w", err)
		}
		if !exists {
			return "", fmt.Errorf("parent snapshot %s not found", parentID)
		}
	}

	labels, err := json.Marshal(meta.Labels)
	if err != nil {
		return "", fmt.Errorf("marshal labels: %w", err)
	}
	id := penguin.NewID()
	createdAt := penguin.NowMillis()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (id, parent_id, created_at, name, labels, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, parentID, createdAt, meta.Name, labels, payload)
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}

	if agentID := meta.Labels["agent_id"]; agentID != "" {
		if sessionID := meta.Labels["session_id"]; sessionID != "" {
			_, err = s.pool.Exec(ctx,
				`INSERT INTO session_index (agent_id, session_id, snapshot_id, created_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (agent_id, session_id) DO UPDATE SET snapshot_id = EXCLUDED.snapshot_id`,
				agentID, sessionID, id, createdAt)
			if err != nil {
				return "", fmt.Errorf("update session index: %w", err)
			}
		}
	}
	return id, nil
}

// Restore returns the stored payload, or nil when the id is unknown.
func (s *Store) Restore(id string) ([]byte, error) {
	ctx, cancel := opCtx()
	defer cancel()

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM snapshots WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	return payload, nil
}

// BranchFrom copies the payload of id into a new snapshot whose
// parent is id. Missing source yields ("", nil, nil).
func (s *Store) BranchFrom(id string, meta penguin.SnapshotMeta) (string, []byte, error) {
	payload, err := s.Restore(id)
	if err != nil {
		return "", nil, err
	}
	if payload == nil {
		return "", nil, nil
	}
	newID, err := s.Snapshot(payload, id, meta)
	if err != nil {
		return "", nil, err
	}
	return newID, payload, nil
}

// List returns snapshot descriptors newest first. limit <= 0 means no
// limit.
func (s *Store) List(limit, offset int) ([]penguin.SnapshotDescriptor, error) {
	ctx, cancel := opCtx()
	defer cancel()

	query := `SELECT id, COALESCE(parent_id, ''), created_at, COALESCE(name, ''), labels
		 FROM snapshots ORDER BY created_at DESC, id DESC OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []penguin.SnapshotDescriptor
	for rows.Next() {
		var (
			d      penguin.SnapshotDescriptor
			labels []byte
		)
		if err := rows.Scan(&d.ID, &d.ParentID, &d.CreatedAt, &d.Meta.Name, &labels); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &d.Meta.Labels); err != nil {
				return nil, fmt.Errorf("decode labels for %s: %w", d.ID, err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SessionEntry is one row of the per-agent session index.
type SessionEntry struct {
	AgentID    string
	SessionID  string
	SnapshotID string
	CreatedAt  int64
}

// Sessions returns the agent's session index, newest first.
func (s *Store) Sessions(agentID string) ([]SessionEntry, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, session_id, snapshot_id, created_at
		 FROM session_index WHERE agent_id = $1 ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionEntry
	for rows.Next() {
		var e SessionEntry
		if err := rows.Scan(&e.AgentID, &e.SessionID, &e.SnapshotID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
