package core

import (
	"context"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewWellCombinationsValidator requires the set of filled positions on each
// plate to equal one of the instrument's legal combinations, ignoring order.
func NewWellCombinationsValidator(rs instrument.RuleSet) domain.Validator {
	combos := make([]map[string]struct{}, 0, len(rs.Combinations))
	for _, c := range rs.Combinations {
		combos = append(combos, toSet(c))
	}
	return wellCombinationsValidator{combinations: combos}
}

type wellCombinationsValidator struct {
	combinations []map[string]struct{}
}

func (wellCombinationsValidator) Name() string { return "well_combinations" }

func (v wellCombinationsValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	for _, plate := range p.Plates {
		submitted := positions(plate.Spec)
		if len(submitted) == 0 {
			continue
		}
		if !v.legal(toSet(submitted)) {
			res.Add(v.Name(), "wells", "must be a legal combination of wells, got "+joinPositions(submitted))
		}
	}
	return res, nil
}

func (v wellCombinationsValidator) legal(set map[string]struct{}) bool {
	for _, combo := range v.combinations {
		if sameSet(combo, set) {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
