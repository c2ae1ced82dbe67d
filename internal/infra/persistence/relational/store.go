// Package relational keeps run state as one row per entity in a SQL table.
// The in-memory store remains the working set: every committed change set is
// written to the database before it becomes visible, and the table is read
// back in full on open.
package relational

import (
	"context"
	"database/sql"
	"fmt"

	"traction/internal/infra/persistence/memory"
	"traction/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// Dialect holds the statements for one database. Upsert takes kind, id,
// run_id and payload; Delete takes kind and id; Select returns kind, id,
// run_id and payload.
type Dialect struct {
	Name   string
	Schema []string
	Upsert string
	Delete string
	Select string
}

// Store is a memory store whose commits are mirrored to db.
type Store struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
}

// Open prepares the schema, loads every row and returns a store that writes
// each subsequent commit through db. The caller owns db until Open succeeds.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", dialect.Name, err)
		}
	}
	snapshot, err := load(ctx, db, dialect)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	s := &Store{Store: mem, db: db, dialect: dialect}
	mem.SetCommitHook(s.write)
	return s, nil
}

// DB exposes the underlying handle for tests and maintenance.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func load(ctx context.Context, db *sql.DB, dialect Dialect) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, dialect.Select)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select %s entities: %w", dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	for rows.Next() {
		var rec memory.Record
		var kind string
		if err := rows.Scan(&kind, &rec.ID, &rec.RunID, &rec.Payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan entity: %w", err)
		}
		rec.Kind = domain.EntityType(kind)
		if err := snapshot.Load(rec); err != nil {
			return memory.Snapshot{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate entities: %w", err)
	}
	return snapshot, nil
}

// write runs under the memory store lock, so commits reach the database in
// the order they become visible.
func (s *Store) write(ctx context.Context, view domain.TransactionView, changes []domain.Change) (retErr error) {
	upserts, deletes, err := memory.ChangeSet(view, changes)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", s.dialect.Name, err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, s.dialect.Delete, string(key.Kind), key.ID); err != nil {
			return fmt.Errorf("delete %s %s: %w", key.Kind, key.ID, err)
		}
	}
	for _, rec := range upserts {
		if _, err := tx.ExecContext(ctx, s.dialect.Upsert, string(rec.Kind), rec.ID, rec.RunID, rec.Payload); err != nil {
			return fmt.Errorf("upsert %s %s: %w", rec.Kind, rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", s.dialect.Name, err)
	}
	return nil
}
