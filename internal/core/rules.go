package core

import (
	"context"
	"fmt"
	"sort"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewDefaultRulesEngine builds the commit-time invariants re-checked inside
// every transaction. They backstop validation for submissions racing on the
// same consumable barcode or plate.
func NewDefaultRulesEngine(catalog *instrument.Catalog) *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewConsumableReuseLimitRule(catalog))
	engine.Register(NewPlateLayoutRule())
	return engine
}

// touchedPlates returns the IDs of plates created or updated by changes,
// directly or through one of their wells, in sorted order.
func touchedPlates(changes []domain.Change) []string {
	set := make(map[string]struct{})
	for _, c := range changes {
		if c.Action == domain.ActionDelete {
			continue
		}
		switch after := c.After.(type) {
		case domain.Plate:
			set[after.ID] = struct{}{}
		case domain.Well:
			set[after.PlateID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewConsumableReuseLimitRule re-counts consumable barcode usage against the
// state about to be committed.
func NewConsumableReuseLimitRule(catalog *instrument.Catalog) domain.Rule {
	return consumableReuseLimitRule{catalog: catalog}
}

type consumableReuseLimitRule struct {
	catalog *instrument.Catalog
}

func (consumableReuseLimitRule) Name() string { return "consumable_reuse_limit" }

func (r consumableReuseLimitRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if r.catalog == nil {
		return res, nil
	}
	for _, id := range touchedPlates(changes) {
		plate, ok := view.FindPlate(id)
		if !ok || plate.ConsumableBarcode == "" {
			continue
		}
		run, ok := view.FindRun(plate.RunID)
		if !ok {
			continue
		}
		limit := r.catalog.ReuseLimit(run.Instrument)
		if limit == 0 {
			continue
		}
		others := 0
		used := make(map[string]struct{})
		for _, other := range view.PlatesUsingBarcode(plate.ConsumableBarcode) {
			if other.ID == plate.ID {
				continue
			}
			others++
			for _, w := range view.CurrentWells(other.ID) {
				used[w.Position] = struct{}{}
			}
		}
		if others >= limit {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Scope:    "consumable_barcode",
				Message:  fmt.Sprintf("barcode has already been used on %d plates", limit),
				Entity:   domain.EntityPlate,
				EntityID: plate.ID,
			})
		}
		var overlap []string
		for _, w := range view.CurrentWells(plate.ID) {
			if _, clash := used[w.Position]; clash {
				overlap = append(overlap, w.Position)
			}
		}
		if len(overlap) > 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Scope:    "consumable_barcode",
				Message:  fmt.Sprintf("wells %s have already been used for barcode %s", joinPositions(overlap), plate.ConsumableBarcode),
				Entity:   domain.EntityPlate,
				EntityID: plate.ID,
			})
		}
	}
	return res, nil
}

// NewPlateLayoutRule rejects committed state with two wells sharing a position
// on a plate or two plates sharing a number on a run.
func NewPlateLayoutRule() domain.Rule {
	return plateLayoutRule{}
}

type plateLayoutRule struct{}

func (plateLayoutRule) Name() string { return "plate_layout" }

func (r plateLayoutRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	runs := make(map[string]struct{})
	for _, id := range touchedPlates(changes) {
		plate, ok := view.FindPlate(id)
		if !ok {
			continue
		}
		runs[plate.RunID] = struct{}{}
		seen := make(map[string]bool)
		for _, w := range view.CurrentWells(id) {
			if seen[w.Position] {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityBlock,
					Scope:    "wells",
					Message:  fmt.Sprintf("position %s is used more than once on plate %d", w.Position, plate.PlateNumber),
					Entity:   domain.EntityPlate,
					EntityID: plate.ID,
				})
			}
			seen[w.Position] = true
		}
	}
	runIDs := make([]string, 0, len(runs))
	for id := range runs {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)
	for _, runID := range runIDs {
		numbers := make(map[int]bool)
		for _, plate := range view.ListPlates(runID) {
			if numbers[plate.PlateNumber] {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityBlock,
					Scope:    "plates",
					Message:  fmt.Sprintf("plate number %d is used more than once", plate.PlateNumber),
					Entity:   domain.EntityRun,
					EntityID: runID,
				})
			}
			numbers[plate.PlateNumber] = true
		}
	}
	return res, nil
}
