package core

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"traction/internal/infra/persistence/memory"
	"traction/internal/infra/persistence/postgres"
	"traction/internal/infra/persistence/postgres/testutil"
	"traction/internal/infra/persistence/sqlite"
)

func TestOpenPersistentStoreMemory(t *testing.T) {
	t.Setenv("TRACTION_STORAGE_DRIVER", "memory")
	store, err := OpenPersistentStore(context.Background(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenPersistentStoreSQLite(t *testing.T) {
	t.Setenv("TRACTION_STORAGE_DRIVER", "")
	t.Setenv("TRACTION_SQLITE_PATH", filepath.Join(t.TempDir(), "runs", "traction.db"))
	store, err := OpenPersistentStore(context.Background(), NewDefaultRulesEngine(testCatalog(t)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite store by default, got %T", store)
	}
	t.Cleanup(func() { _ = s.DB().Close() })

	svc := NewService(store, testCatalog(t))
	if err := svc.PutMaterials(context.Background(), nil); err != nil {
		t.Fatalf("put materials: %v", err)
	}
}

func TestOpenPersistentStorePostgres(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	t.Setenv("TRACTION_STORAGE_DRIVER", "postgres")
	t.Setenv("TRACTION_POSTGRES_DSN", "postgres://traction@localhost/traction")
	store, err := OpenPersistentStore(context.Background(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*postgres.Store); !ok {
		t.Fatalf("expected postgres store, got %T", store)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	t.Setenv("TRACTION_STORAGE_DRIVER", "oracle")
	if _, err := OpenPersistentStore(context.Background(), nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
