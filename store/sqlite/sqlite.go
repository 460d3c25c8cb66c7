// Package sqlite persists conversation snapshots and the per-agent
// session index in a local SQLite file. Pure Go, zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/penguin"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// opTimeout bounds every store operation.
const opTimeout = 10 * time.Second

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements penguin.SnapshotStore backed by a local SQLite
// file. Payloads are stored as opaque blobs; restore returns them
// byte-identical across process restarts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ penguin.SnapshotStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: snapshot store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			created_at INTEGER NOT NULL,
			name TEXT,
			labels TEXT,
			payload BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_index (
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (agent_id, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots (created_at DESC)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init complete")
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Snapshot stores payload and returns its new id. A non-empty
// parentID must name an existing snapshot.
func (s *Store) Snapshot(payload []byte, parentID string, meta penguin.SnapshotMeta) (string, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	if parentID != "" {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM snapshots WHERE id = ?`, parentID).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check parent: %w", err)
		}
		if exists == 0 {
			return "", fmt.Errorf("parent snapshot %s not found", parentID)
		}
	}

	labels, err := json.Marshal(meta.Labels)
	if err != nil {
		return "", fmt.Errorf("marshal labels: %w", err)
	}
	id := penguin.NewID()
	createdAt := penguin.NowMillis()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, parent_id, created_at, name, labels, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, parentID, createdAt, meta.Name, string(labels), payload)
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}

	if agentID := meta.Labels["agent_id"]; agentID != "" {
		if sessionID := meta.Labels["session_id"]; sessionID != "" {
			_, err = s.db.ExecContext(ctx,
				`INSERT INTO session_index (agent_id, session_id, snapshot_id, created_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT (agent_id, session_id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
				agentID, sessionID, id, createdAt)
			if err != nil {
				return "", fmt.Errorf("update session index: %w", err)
			}
		}
	}

	s.logger.Debug("sqlite: snapshot stored", "id", id, "parent", parentID, "bytes", len(payload))
	return id, nil
}

// Restore returns the stored payload, or nil when the id is unknown.
func (s *Store) Restore(id string) ([]byte, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
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
	ctx, cancel := s.opCtx()
	defer cancel()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, created_at, name, labels
		 FROM snapshots ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []penguin.SnapshotDescriptor
	for rows.Next() {
		var (
			d      penguin.SnapshotDescriptor
			labels string
		)
		if err := rows.Scan(&d.ID, &d.ParentID, &d.CreatedAt, &d.Meta.Name, &labels); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if labels != "" {
			if err := json.Unmarshal([]byte(labels), &d.Meta.Labels); err != nil {
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
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, session_id, snapshot_id, created_at
		 FROM session_index WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
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
