// Package snapshot persists last-known-good copies of remote tables, so that a
// collection which cannot reach the remote store on its first load may begin
// from a stale snapshot rather than an empty set.
package snapshot

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Registers the "sqlite3" driver.
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/codec"
)

// ErrNoSnapshot is returned by Load if no snapshot of the table was stored.
var ErrNoSnapshot = errors.New("no snapshot stored")

// Cache stores and loads table snapshots of wire records.
type Cache interface {
	// Load the most recent snapshot of |table|.
	Load(table string) ([]codec.Record, error)
	// Store |rows| as the most recent snapshot of |table|.
	Store(table string, rows []codec.Record) error
}

// SQLite is a Cache backed by a SQLite database.
type SQLite struct {
	DB *sql.DB
}

// OpenSQLite opens (or creates) the SQLite snapshot database at |path|.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening SQLite DB")
	}
	// A single connection is required for ":memory:" databases, and
	// mattn/go-sqlite3 doesn't benefit from more.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			table_name TEXT PRIMARY KEY NOT NULL,
			payload    BLOB NOT NULL,
			stored_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "snapshots table bootstrap")
	}
	return &SQLite{DB: db}, nil
}

// Load implements Cache.
func (s *SQLite) Load(table string) ([]codec.Record, error) {
	var payload []byte
	var storedAt int64

	var err = s.DB.QueryRow(
		`SELECT payload, stored_at FROM snapshots WHERE table_name = ?`, table,
	).Scan(&payload, &storedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNoSnapshot
	} else if err != nil {
		return nil, errors.WithMessagef(err, "loading snapshot of %s", table)
	}

	var rows []codec.Record
	if err = json.Unmarshal(payload, &rows); err != nil {
		return nil, errors.WithMessagef(err, "decoding snapshot of %s", table)
	}
	log.WithFields(log.Fields{
		"table":    table,
		"rows":     len(rows),
		"storedAt": time.Unix(storedAt, 0).UTC(),
	}).Debug("loaded table snapshot")

	return rows, nil
}

// Store implements Cache.
func (s *SQLite) Store(table string, rows []codec.Record) error {
	var payload, err = json.Marshal(rows)
	if err != nil {
		return errors.WithMessagef(err, "encoding snapshot of %s", table)
	}
	if _, err = s.DB.Exec(`
		INSERT INTO snapshots(table_name, payload, stored_at) VALUES (?, ?, ?)
			ON CONFLICT(table_name) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		table, payload, time.Now().Unix(),
	); err != nil {
		return errors.WithMessagef(err, "storing snapshot of %s", table)
	}
	return nil
}

// Close the database.
func (s *SQLite) Close() error { return s.DB.Close() }

// Memory is a Cache held in process memory.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]byte
}

// Load implements Cache.
func (m *Memory) Load(table string) ([]codec.Record, error) {
	m.mu.Lock()
	var b, ok = m.tables[table]
	m.mu.Unlock()

	if !ok {
		return nil, ErrNoSnapshot
	}
	var rows []codec.Record
	return rows, json.Unmarshal(b, &rows)
}

// Store implements Cache.
func (m *Memory) Store(table string, rows []codec.Record) error {
	var b, err = json.Marshal(rows)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tables == nil {
		m.tables = make(map[string][]byte)
	}
	m.tables[table] = b
	return nil
}
