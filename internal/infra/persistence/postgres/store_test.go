package postgres

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"traction/internal/infra/persistence/postgres/testutil"
	"traction/pkg/domain"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn, *sql.DB) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("unexpected driver %s", driverName)
		}
		return db, nil
	})
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn, db
}

func TestNewStoreEnsuresEntityTable(t *testing.T) {
	store, conn, _ := openStub(t)
	if store.DB() == nil {
		t.Fatalf("expected db handle")
	}
	if len(conn.ExecsContaining("CREATE TABLE IF NOT EXISTS entities")) != 1 {
		t.Fatalf("expected entity table DDL, got %v", conn.Execs)
	}
	if len(conn.ExecsContaining("payload JSONB")) != 1 {
		t.Fatalf("expected JSONB payload column")
	}
}

func TestRunInTransactionWritesRowsAndReloads(t *testing.T) {
	store, conn, db := openStub(t)
	var runID, plateID string
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		run, err := tx.CreateRun(domain.Run{Instrument: "Sequel IIe", Version: "v12_sequel_iie"})
		if err != nil {
			return err
		}
		plate, err := tx.CreatePlate(domain.Plate{RunID: run.ID, PlateNumber: 1, ConsumableBarcode: "BC9"})
		if err != nil {
			return err
		}
		runID, plateID = run.ID, plate.ID
		_, err = tx.CreateWell(domain.Well{PlateID: plate.ID, Position: "A1"})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if conn.Len() != 3 {
		t.Fatalf("expected run, plate and well rows, got %d", conn.Len())
	}
	row, ok := conn.Row("plate", plateID)
	if !ok || row.RunID != runID || !strings.Contains(string(row.Payload), "BC9") {
		t.Fatalf("unexpected plate row %+v", row)
	}

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	reloaded, err := NewStore(context.Background(), "postgres://ignored", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if plates := reloaded.ListPlates(runID); len(plates) != 1 || plates[0].ConsumableBarcode != "BC9" {
		t.Fatalf("expected reloaded plate, got %+v", plates)
	}
	if wells := reloaded.CurrentWells(plateID); len(wells) != 1 || wells[0].Position != "A1" {
		t.Fatalf("expected reloaded well, got %+v", wells)
	}
}

func TestDeletedPlateRemovesChildRows(t *testing.T) {
	store, conn, _ := openStub(t)
	var runID, plateID string
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		run, err := tx.CreateRun(domain.Run{Instrument: "Revio"})
		if err != nil {
			return err
		}
		plate, err := tx.CreatePlate(domain.Plate{RunID: run.ID, PlateNumber: 1})
		if err != nil {
			return err
		}
		runID, plateID = run.ID, plate.ID
		_, err = tx.CreateWell(domain.Well{PlateID: plate.ID, Position: "A1"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeletePlate(plateID)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if conn.Len() != 1 {
		t.Fatalf("expected only the run row after delete, got %v", conn.Rows)
	}
	if _, ok := conn.Row("run", runID); !ok {
		t.Fatalf("expected run row kept")
	}
}

func TestFailedWriteKeepsStateInvisible(t *testing.T) {
	store, conn, _ := openStub(t)
	conn.FailCommit = true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateRun(domain.Run{Instrument: "Revio"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if conn.Len() != 0 {
		t.Fatalf("expected no rows after failed commit")
	}
	if runs := store.ListRuns(); len(runs) != 0 {
		t.Fatalf("expected failed commit to stay invisible, got %+v", runs)
	}
}

func TestNewStoreErrors(t *testing.T) {
	cases := map[string]func(*testutil.StubConn){
		"ping":  func(c *testutil.StubConn) { c.FailPing = true },
		"ddl":   func(c *testutil.StubConn) { c.FailExec = true },
		"query": func(c *testutil.StubConn) { c.FailQuery = true },
		"decode": func(c *testutil.StubConn) {
			c.Put(testutil.StubRow{Kind: "run", ID: "r1", Payload: []byte("not json")})
		},
	}
	for name, arrange := range cases {
		t.Run(name, func(t *testing.T) {
			db, conn := testutil.NewStubDB()
			arrange(conn)
			restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
			defer restore()
			if _, err := NewStore(context.Background(), "", nil); err == nil {
				t.Fatalf("expected %s failure", name)
			}
		})
	}
}
