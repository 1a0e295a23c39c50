// Package store implements a SQLite-backed audit ledger of transfer
// attempts: one row per transfer session recording its manifest summary,
// participating peers, and outcome. Adapted from the teacher's
// daemon/manager/persistence.go PersistentStore (session table + schema
// versioning), trimmed to this system's scope: no chunk bitmap persistence
// or resume-from-disk, since chunk-level retransmission is out of scope.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrTransferNotFound is returned when a lookup finds no matching row.
var ErrTransferNotFound = errors.New("store: transfer not found")

// State is a transfer's terminal or in-progress outcome.
type State string

const (
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Record is one audited transfer attempt.
type Record struct {
	ID           string
	RootName     string
	TotalSize    uint64
	TotalFiles   uint32
	PeerIDs      []string
	State        State
	StartedAt    time.Time
	UpdatedAt    time.Time
	ErrorMessage string
}

// Ledger is a SQLite-backed append-and-update log of transfer attempts.
type Ledger struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) the ledger database at path and
// ensures its schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			root_name TEXT NOT NULL,
			total_size INTEGER NOT NULL,
			total_files INTEGER NOT NULL,
			peer_ids TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			error_message TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_state ON transfers(state);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}

	var version int
	err := l.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := l.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("store: set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("store: query schema version: %w", err)
	}
	return nil
}

// RecordStarted inserts (or replaces) a row for a transfer entering
// ACTIVE state.
func (l *Ledger) RecordStarted(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	peerIDsJSON, err := json.Marshal(rec.PeerIDs)
	if err != nil {
		return fmt.Errorf("store: marshal peer ids: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT OR REPLACE INTO transfers
		(id, root_name, total_size, total_files, peer_ids, state, started_at, updated_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RootName, rec.TotalSize, rec.TotalFiles, string(peerIDsJSON),
		StateActive, rec.StartedAt, rec.StartedAt, "")
	if err != nil {
		return fmt.Errorf("store: record started: %w", err)
	}
	return nil
}

// UpdateState transitions a transfer to a terminal state, recording an
// error message for StateFailed.
func (l *Ledger) UpdateState(id string, state State, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.db.Exec(
		`UPDATE transfers SET state = ?, updated_at = ?, error_message = ? WHERE id = ?`,
		state, time.Now(), errMsg, id)
	if err != nil {
		return fmt.Errorf("store: update state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update state: %w", err)
	}
	if rows == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// Get retrieves a transfer by id.
func (l *Ledger) Get(id string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getLocked(id)
}

func (l *Ledger) getLocked(id string) (*Record, error) {
	var rec Record
	var peerIDsJSON string
	var stateStr string
	err := l.db.QueryRow(`
		SELECT id, root_name, total_size, total_files, peer_ids, state, started_at, updated_at, error_message
		FROM transfers WHERE id = ?`, id).
		Scan(&rec.ID, &rec.RootName, &rec.TotalSize, &rec.TotalFiles, &peerIDsJSON, &stateStr,
			&rec.StartedAt, &rec.UpdatedAt, &rec.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	rec.State = State(stateStr)
	if err := json.Unmarshal([]byte(peerIDsJSON), &rec.PeerIDs); err != nil {
		return nil, fmt.Errorf("store: unmarshal peer ids: %w", err)
	}
	return &rec, nil
}

// List returns transfers matching an optional state filter, most recent
// first.
func (l *Ledger) List(filterState *State, limit, offset int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if filterState != nil {
		rows, err = l.db.Query(
			`SELECT id FROM transfers WHERE state = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`,
			*filterState, limit, offset)
	} else {
		rows, err = l.db.Query(
			`SELECT id FROM transfers ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list: scan: %w", err)
		}
		rec, err := l.getLocked(id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
