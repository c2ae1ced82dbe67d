package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"traction/pkg/domain"
)

func seedRun(t *testing.T, store *Store) (Run, Plate, Well) {
	t.Helper()
	var run Run
	var plate Plate
	var well Well
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		if run, err = tx.CreateRun(Run{Instrument: "Revio", Version: "v13_revio"}); err != nil {
			return err
		}
		if plate, err = tx.CreatePlate(Plate{RunID: run.ID, PlateNumber: 1, ConsumableBarcode: "BC1"}); err != nil {
			return err
		}
		well, err = tx.CreateWell(Well{PlateID: plate.ID, Position: "A1", Refs: []domain.WellRef{{Ref: domain.PoolRef{Kind: domain.RefPool, ID: "5"}}}})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return run, plate, well
}

func TestStoreRunInTransactionAndImport(t *testing.T) {
	store := NewStore(nil)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	run, plate, well := seedRun(t, store)

	if run.ID == "" || plate.ID == "" || well.ID == "" {
		t.Fatalf("expected generated IDs")
	}
	if !run.CreatedAt.Equal(fixed) {
		t.Fatalf("expected store clock to stamp records, got %s", run.CreatedAt)
	}
	if got := store.ListPlates(run.ID); len(got) != 1 || got[0].ConsumableBarcode != "BC1" {
		t.Fatalf("unexpected plates %+v", got)
	}
	if got := store.CurrentWells(plate.ID); len(got) != 1 || got[0].Refs[0].Ref.ID != "5" {
		t.Fatalf("unexpected wells %+v", got)
	}

	store.ImportState(Snapshot{})
	if len(store.ListRuns()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(Snapshot{
		Runs:   map[string]Run{run.ID: run},
		Plates: map[string]Plate{plate.ID: plate},
		Wells:  map[string]Well{well.ID: well},
	})
	if _, ok := store.GetRun(run.ID); !ok {
		t.Fatalf("expected restored run")
	}
	if got := store.CurrentWells(plate.ID); len(got) != 1 || got[0].ID != well.ID {
		t.Fatalf("expected restored well, got %+v", got)
	}
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
}

func TestStoreReturnsClones(t *testing.T) {
	store := NewStore(nil)
	_, plate, _ := seedRun(t, store)
	wells := store.CurrentWells(plate.ID)
	wells[0].Refs[0].Ref.ID = "mutated"
	if got := store.CurrentWells(plate.ID); got[0].Refs[0].Ref.ID != "5" {
		t.Fatalf("expected stored well to be isolated from caller mutation")
	}
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	run, plate, _ := seedRun(t, store)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.DeletePlate(plate.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.ListPlates(run.ID)) != 1 || len(store.CurrentWells(plate.ID)) != 1 {
		t.Fatalf("expected rollback to keep plate and wells")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateRun(Run{Instrument: "Revio"})
		return e
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) || !rv.Result.HasBlocking() {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ListRuns()) != 0 {
		t.Fatalf("expected blocked transaction to leave state untouched")
	}
}

func TestStoreCascadesDeletes(t *testing.T) {
	store := NewStore(nil)
	run, plate, _ := seedRun(t, store)
	var deletedWells int
	engine := store.RulesEngine()
	engine.Register(ruleFunc(func(changes []Change) {
		for _, c := range changes {
			if c.Entity == domain.EntityWell && c.Action == domain.ActionDelete {
				deletedWells++
			}
		}
	}))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeletePlate(plate.ID)
	})
	if err != nil {
		t.Fatalf("delete plate: %v", err)
	}
	if deletedWells != 1 {
		t.Fatalf("expected cascaded well delete change, got %d", deletedWells)
	}
	if len(store.ListPlates(run.ID)) != 0 || len(store.CurrentWells(plate.ID)) != 0 {
		t.Fatalf("expected plate and wells removed")
	}
	if _, ok := store.GetRun(run.ID); !ok {
		t.Fatalf("expected run to survive plate deletion")
	}
}

func TestTransactionGuards(t *testing.T) {
	store := NewStore(nil)
	run, plate, well := seedRun(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreatePlate(Plate{RunID: "missing"}); !domain.IsNotFound(err) {
			t.Fatalf("expected missing run, got %v", err)
		}
		if _, err := tx.CreateWell(Well{PlateID: "missing"}); !domain.IsNotFound(err) {
			t.Fatalf("expected missing plate, got %v", err)
		}
		if _, err := tx.CreateRun(Run{Base: domain.Base{ID: run.ID}}); err == nil {
			t.Fatalf("expected duplicate run error")
		}
		if _, err := tx.UpdateWell("missing", func(*Well) error { return nil }); !domain.IsNotFound(err) {
			t.Fatalf("expected missing well, got %v", err)
		}
		if _, err := tx.UpdatePlate(plate.ID, func(*Plate) error { return fmt.Errorf("boom") }); err == nil {
			t.Fatalf("expected mutator error")
		}
		updated, err := tx.UpdateWell(well.ID, func(w *Well) error {
			w.PlateID = "elsewhere"
			w.Position = "B1"
			return nil
		})
		if err != nil {
			return err
		}
		if updated.PlateID != plate.ID || updated.Position != "B1" {
			t.Fatalf("expected plate id to be pinned, got %+v", updated)
		}
		if err := tx.DeleteWell("missing"); !domain.IsNotFound(err) {
			t.Fatalf("expected missing well delete, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestBarcodeUsageQueries(t *testing.T) {
	store := NewStore(nil)
	first, _, _ := seedRun(t, store)
	var second Run
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		if second, err = tx.CreateRun(Run{Instrument: "Revio", Version: "v13_revio"}); err != nil {
			return err
		}
		plate, err := tx.CreatePlate(Plate{RunID: second.ID, PlateNumber: 1, ConsumableBarcode: "BC1"})
		if err != nil {
			return err
		}
		for _, pos := range []string{"C1", "A1"} {
			if _, err := tx.CreateWell(Well{PlateID: plate.ID, Position: pos}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed second run: %v", err)
	}
	err = store.View(context.Background(), func(v TransactionView) error {
		if n := v.CountPlatesUsingBarcode("BC1", ""); n != 2 {
			t.Fatalf("expected 2 plates, got %d", n)
		}
		if n := v.CountPlatesUsingBarcode("BC1", first.ID); n != 1 {
			t.Fatalf("expected 1 plate outside the first run, got %d", n)
		}
		if got := v.WellsUsingBarcode("BC1", first.ID); len(got) != 2 || got[0] != "A1" || got[1] != "C1" {
			t.Fatalf("unexpected positions %v", got)
		}
		if got := v.WellsUsingBarcode("BC1", ""); len(got) != 2 {
			t.Fatalf("expected A1 deduplicated across runs, got %v", got)
		}
		if got := v.PlatesUsingBarcode(""); len(got) != 0 {
			t.Fatalf("expected blank barcode to match nothing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestPutMaterialUpserts(t *testing.T) {
	store := NewStore(nil)
	ref := domain.PoolRef{Kind: domain.RefPool, ID: "5"}
	for _, tag := range []string{"bc1001", "bc1002"} {
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.PutMaterial(Material{Ref: ref, Tag: tag})
			return err
		})
		if err != nil {
			t.Fatalf("put material: %v", err)
		}
	}
	_ = store.View(context.Background(), func(v TransactionView) error {
		m, ok := v.FindMaterial(ref)
		if !ok || m.Tag != "bc1002" {
			t.Fatalf("expected replaced material, got %+v", m)
		}
		return nil
	})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.PutMaterial(Material{Ref: domain.PoolRef{Kind: "tube", ID: "1"}})
		return err
	})
	if err == nil {
		t.Fatalf("expected unsupported kind error")
	}
}

func TestImportStateDropsOrphans(t *testing.T) {
	store := NewStore(nil)
	store.ImportState(Snapshot{
		Runs:   map[string]Run{"r1": {Base: domain.Base{ID: "r1"}}},
		Plates: map[string]Plate{"p1": {Base: domain.Base{ID: "p1"}, RunID: "r1"}, "p2": {Base: domain.Base{ID: "p2"}, RunID: "gone"}},
		Wells:  map[string]Well{"w1": {Base: domain.Base{ID: "w1"}, PlateID: "p2"}},
	})
	if got := store.ListPlates("r1"); len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("expected only the parented plate, got %+v", got)
	}
	if len(store.ListPlates("gone")) != 0 || len(store.CurrentWells("p2")) != 0 {
		t.Fatalf("expected orphaned plate and well dropped")
	}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.PutMaterial(Material{Ref: domain.PoolRef{Kind: domain.RefPool, ID: "5"}})
		return err
	})
	if err != nil {
		t.Fatalf("expected material bucket initialised: %v", err)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

type ruleFunc func([]Change)

func (ruleFunc) Name() string { return "observe" }

func (f ruleFunc) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	f(changes)
	return domain.Result{}, nil
}
