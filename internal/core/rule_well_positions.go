package core

import (
	"context"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewWellPositionsValidator rejects plates holding a well outside the
// instrument's legal positions. Blank positions are left to presence checks.
func NewWellPositionsValidator(rs instrument.RuleSet) domain.Validator {
	legal := make(map[string]struct{}, len(rs.Positions))
	for _, pos := range rs.Positions {
		legal[pos] = struct{}{}
	}
	return wellPositionsValidator{legal: legal, message: "must be in positions " + joinPositions(rs.Positions)}
}

type wellPositionsValidator struct {
	legal   map[string]struct{}
	message string
}

func (wellPositionsValidator) Name() string { return "well_positions" }

func (v wellPositionsValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	for _, plate := range p.Plates {
		for _, pos := range positions(plate.Spec) {
			if _, ok := v.legal[pos]; !ok {
				res.Add(v.Name(), "wells", v.message)
				break
			}
		}
	}
	return res, nil
}
