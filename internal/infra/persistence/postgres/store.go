// Package postgres persists run state to PostgreSQL, one JSONB row per entity.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"traction/internal/infra/persistence/relational"
	"traction/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/traction?sslmode=disable"
)

// Dialect is the PostgreSQL flavour of the entity table.
var Dialect = relational.Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS entities (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS entities_run_id ON entities (run_id)`,
	},
	Upsert: `INSERT INTO entities(kind, id, run_id, payload) VALUES($1, $2, $3, $4)
		ON CONFLICT(kind, id) DO UPDATE SET run_id = EXCLUDED.run_id, payload = EXCLUDED.payload`,
	Delete: `DELETE FROM entities WHERE kind = $1 AND id = $2`,
	Select: `SELECT kind, id, run_id, payload FROM entities`,
}

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a relational store over a PostgreSQL database.
type Store struct {
	*relational.Store
}

// NewStore connects to dsn (defaultDSN when empty), ensures the entity table
// exists and loads its rows.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := relational.Open(ctx, db, Dialect, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
