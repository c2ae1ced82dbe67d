package core

import (
	"context"
	"testing"
	"time"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

var legalCombinations = [][]string{
	{"A1"}, {"A1", "B1"}, {"A1", "B1", "C1"}, {"A1", "B1", "C1", "D1"},
	{"B1"}, {"B1", "C1"}, {"B1", "C1", "D1"},
	{"C1"}, {"C1", "D1"}, {"D1"},
}

func floatPtr(f float64) *float64 { return &f }

// fourWellRuleSet mirrors a four-position instrument without option rules so
// structural checks can be exercised in isolation.
func fourWellRuleSet() instrument.RuleSet {
	return instrument.RuleSet{
		Name:                 "Quad",
		Versions:             []string{"v1", "v2"},
		Positions:            []string{"A1", "B1", "C1", "D1"},
		Combinations:         legalCombinations,
		Plates:               instrument.Range{Min: 1, Max: 2},
		Wells:                instrument.Range{Min: 1, Max: 4},
		ConsumableReuseLimit: 2,
		Required: []instrument.Requirement{
			{Scope: instrument.ScopePlate, Attributes: []string{"consumable_barcode"}},
			{Scope: instrument.ScopeWell, Attributes: []string{"position"}},
		},
	}
}

func testCatalog(t *testing.T, sets ...instrument.RuleSet) *instrument.Catalog {
	t.Helper()
	if len(sets) == 0 {
		sets = []instrument.RuleSet{fourWellRuleSet()}
	}
	catalog, err := instrument.NewCatalog(sets...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(ClockFunc(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))}, opts...)
	svc := NewInMemoryService(testCatalog(t), opts...)
	err := svc.PutMaterials(context.Background(), []domain.Material{
		{Ref: domain.PoolRef{Kind: domain.RefPool, ID: "5"}},
		{Ref: domain.PoolRef{Kind: domain.RefPool, ID: "9"}},
		{Ref: domain.PoolRef{Kind: domain.RefLibrary, ID: "L1"}, Tag: "bc1001"},
		{Ref: domain.PoolRef{Kind: domain.RefLibrary, ID: "L2"}, Tag: "bc1002"},
		{Ref: domain.PoolRef{Kind: domain.RefLibrary, ID: "L3"}, Tag: "bc1001"},
		{Ref: domain.PoolRef{Kind: domain.RefLibrary, ID: "L4"}},
	})
	if err != nil {
		t.Fatalf("put materials: %v", err)
	}
	return svc
}

func well(position string, refs ...domain.PoolRef) domain.WellSpec {
	w := domain.WellSpec{Position: position, Fields: map[string]any{}}
	for _, r := range refs {
		w.Refs = append(w.Refs, domain.WellRef{Ref: r})
	}
	return w
}

func pool(id string) domain.PoolRef    { return domain.PoolRef{Kind: domain.RefPool, ID: id} }
func library(id string) domain.PoolRef { return domain.PoolRef{Kind: domain.RefLibrary, ID: id} }

func proposal(version string, plates ...domain.PlateSpec) domain.Proposal {
	p := domain.Proposal{
		Run:       domain.Run{Instrument: "Quad", Version: version, Fields: map[string]any{}},
		Materials: map[domain.PoolRef]domain.Material{},
	}
	for _, spec := range plates {
		p.Plates = append(p.Plates, domain.PlateProposal{Spec: spec})
	}
	return p
}

func plate(number int, barcode string, wells ...domain.WellSpec) domain.PlateSpec {
	return domain.PlateSpec{PlateNumber: number, ConsumableBarcode: barcode, Fields: map[string]any{}, Wells: wells}
}

func validate(t *testing.T, v domain.Validator, p domain.Proposal) map[string][]string {
	t.Helper()
	res, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("%s: %v", v.Name(), err)
	}
	return res.Errors()
}

func hasMessage(errs map[string][]string, scope, message string) bool {
	for _, m := range errs[scope] {
		if m == message {
			return true
		}
	}
	return false
}

// submission builds a raw submission as decoded from JSON.
func submission(runID string, plates ...map[string]any) map[string]any {
	raw := map[string]any{"instrument": "Quad", "version": "v1"}
	if runID != "" {
		raw["run_id"] = runID
	}
	items := make([]any, 0, len(plates))
	for _, p := range plates {
		items = append(items, p)
	}
	raw["plates"] = items
	return raw
}

func rawPlate(barcode string, wells ...map[string]any) map[string]any {
	items := make([]any, 0, len(wells))
	for _, w := range wells {
		items = append(items, w)
	}
	return map[string]any{"consumable_barcode": barcode, "wells": items}
}

func rawWell(position string, poolIDs ...any) map[string]any {
	refs := make([]any, 0, len(poolIDs))
	for _, id := range poolIDs {
		refs = append(refs, map[string]any{"id": id})
	}
	return map[string]any{"position": position, "pool_refs": refs}
}
