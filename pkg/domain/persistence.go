package domain

import "context"

// TransactionView provides read-only access to persisted run state.
type TransactionView interface {
	RuleView
	ListRuns() []Run
	FindMaterial(ref PoolRef) (Material, bool)
	// CountPlatesUsingBarcode counts persisted plates using barcode outside
	// the run excludeRunID. An empty excludeRunID counts every plate.
	CountPlatesUsingBarcode(barcode, excludeRunID string) int
	// WellsUsingBarcode lists the distinct well positions filled on those
	// plates, sorted.
	WellsUsingBarcode(barcode, excludeRunID string) []string
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateRun(Run) (Run, error)
	UpdateRun(id string, mutator func(*Run) error) (Run, error)
	CreatePlate(Plate) (Plate, error)
	UpdatePlate(id string, mutator func(*Plate) error) (Plate, error)
	DeletePlate(id string) error
	CreateWell(Well) (Well, error)
	UpdateWell(id string, mutator func(*Well) error) (Well, error)
	DeleteWell(id string) error
	PutMaterial(Material) (Material, error)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetRun(id string) (Run, bool)
	ListRuns() []Run
	ListPlates(runID string) []Plate
	CurrentWells(plateID string) []Well
}
