// Package checkpoint persists agent snapshots in a SQLite database.
// Payloads are gob encoded, which round-trips float64 values exactly.
package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("checkpoint: store closed")
	// ErrNotFound is returned when no snapshot matches.
	ErrNotFound = errors.New("checkpoint: snapshot not found")
)

// Store holds named, step-versioned snapshots.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewStore opens or creates the database at path.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("checkpoint: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			name TEXT NOT NULL,
			step INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created INTEGER NOT NULL,
			PRIMARY KEY (name, step)
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_name ON snapshots(name, step);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return nil
}

// Save stores a snapshot under (name, step), replacing any previous
// snapshot at the same step.
func (s *Store) Save(ctx context.Context, name string, step int64, snapshot interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		return fmt.Errorf("checkpoint: encode snapshot: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (name, step, payload, created)
		VALUES (?, ?, ?, ?)
	`, name, step, buf.Bytes(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint: write snapshot: %w", err)
	}
	return nil
}

// Load decodes the latest snapshot for name into the given value and
// returns its step.
func (s *Store) Load(ctx context.Context, name string, into interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var step int64
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT step, payload FROM snapshots
		WHERE name = ? ORDER BY step DESC LIMIT 1
	`, name).Scan(&step, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint: read snapshot: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(into); err != nil {
		return 0, fmt.Errorf("checkpoint: decode snapshot: %w", err)
	}
	return step, nil
}

// LoadStep decodes the snapshot stored at an exact step.
func (s *Store) LoadStep(ctx context.Context, name string, step int64, into interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots WHERE name = ? AND step = ?
	`, name, step).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checkpoint: read snapshot: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(into); err != nil {
		return fmt.Errorf("checkpoint: decode snapshot: %w", err)
	}
	return nil
}

// List returns all stored steps for a name in ascending order.
func (s *Store) List(ctx context.Context, name string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT step FROM snapshots WHERE name = ? ORDER BY step ASC
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []int64
	for rows.Next() {
		var step int64
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Prune deletes all but the newest keep snapshots for a name.
func (s *Store) Prune(ctx context.Context, name string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE name = ? AND step NOT IN (
			SELECT step FROM snapshots WHERE name = ? ORDER BY step DESC LIMIT ?
		)
	`, name, name, keep)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
