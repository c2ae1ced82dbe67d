// Package sqlite persists run state to an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"traction/internal/infra/persistence/relational"
	"traction/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// Dialect is the SQLite flavour of the entity table.
var Dialect = relational.Dialect{
	Name: "sqlite",
	Schema: []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS entities (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS entities_run_id ON entities (run_id)`,
	},
	Upsert: `INSERT INTO entities(kind, id, run_id, payload) VALUES(?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET run_id = excluded.run_id, payload = excluded.payload`,
	Delete: `DELETE FROM entities WHERE kind = ? AND id = ?`,
	Select: `SELECT kind, id, run_id, payload FROM entities`,
}

// Store is a relational store over a SQLite file.
type Store struct {
	*relational.Store
	path string
}

// NewStore opens (creating if needed) the database at path, defaulting to
// traction.db in the working directory.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "traction.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	store, err := relational.Open(context.Background(), db, Dialect, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
