// Package store provides the durable SQLite-backed write-behind log engines
// drain on cold start. Grounded on the teacher's pkg/db.Database (lazy
// sql.Open, single-writer SQLite) and internal/persistence.BatchWriter
// (buffered, interval-flushed batch of writes inside one transaction),
// generalized from the teacher's per-exchange tables to the four tables
// the calculation core persists: positions, inventory, limits, and an
// append-only calculation_rules ledger.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL handle, mirroring the teacher's pkg/db.Database.
type DB struct {
	conn *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, then
// applies the schema.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
