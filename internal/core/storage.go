package core

import (
	"context"
	"fmt"
	"os"

	"traction/internal/infra/persistence/memory"
	"traction/internal/infra/persistence/postgres"
	"traction/internal/infra/persistence/sqlite"
	"traction/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	TRACTION_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	TRACTION_SQLITE_PATH: path to sqlite file (default ./traction.db)
//	TRACTION_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(ctx context.Context, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	driver := os.Getenv("TRACTION_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("TRACTION_SQLITE_PATH"), engine)
	case StoragePostgres:
		return postgres.NewStore(ctx, os.Getenv("TRACTION_POSTGRES_DSN"), engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
