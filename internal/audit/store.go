// Package audit persists a trail of control-plane operations. Every manage
// call, allowed or rejected, lands here with its actor, target and outcome.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"huddle.is/huddle/internal/clock"
)

// Record represents a single audit entry.
type Record struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	Operation  string         `json:"operation"`
	Target     string         `json:"target,omitempty"`
	Allowed    bool           `json:"allowed"`
	Details    map[string]any `json:"details,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
}

// Store provides persistent storage for audit records.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// NewStore creates a new audit store at the given path.
func NewStore(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS manage_ops (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			actor TEXT NOT NULL,
			operation TEXT NOT NULL,
			target TEXT,
			allowed INTEGER NOT NULL DEFAULT 0,
			details TEXT,
			remote_addr TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_manage_ops_timestamp ON manage_ops(timestamp);
		CREATE INDEX IF NOT EXISTS idx_manage_ops_operation ON manage_ops(operation);
		CREATE INDEX IF NOT EXISTS idx_manage_ops_actor ON manage_ops(actor);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &Store{
		db:            db,
		retentionDays: retentionDays,
	}, nil
}

// Write persists an audit record. A zero timestamp is stamped with the
// current time.
func (s *Store) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = clock.Now()
	}

	var detailsJSON []byte
	if rec.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(rec.Details)
		if err != nil {
			detailsJSON = []byte("{}")
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manage_ops (timestamp, actor, operation, target, allowed, details, remote_addr)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp, rec.Actor, rec.Operation, rec.Target, boolToInt(rec.Allowed), string(detailsJSON), rec.RemoteAddr)

	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

// Query returns audit records matching the given criteria, newest first.
func (s *Store) Query(ctx context.Context, start, end time.Time, operation, actor string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, actor, operation, target, allowed, details, remote_addr
		FROM manage_ops WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{start, end}

	if operation != "" {
		query += " AND operation = ?"
		args = append(args, operation)
	}
	if actor != "" {
		query += " AND actor = ?"
		args = append(args, actor)
	}

	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var target sql.NullString
		var allowed int
		var detailsJSON sql.NullString
		var remoteAddr sql.NullString

		err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Actor, &rec.Operation,
			&target, &allowed, &detailsJSON, &remoteAddr)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}

		rec.Allowed = allowed != 0
		if target.Valid {
			rec.Target = target.String
		}
		if remoteAddr.Valid {
			rec.RemoteAddr = remoteAddr.String
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			json.Unmarshal([]byte(detailsJSON.String), &rec.Details)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Prune removes records older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := clock.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.ExecContext(ctx, "DELETE FROM manage_ops WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit records: %w", err)
	}

	return result.RowsAffected()
}

// Count returns the total number of records in the store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM manage_ops").Scan(&count)
	return count, err
}

// Ping verifies the database connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
