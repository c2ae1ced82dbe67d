package core

import (
	"context"
	"fmt"

	"traction/pkg/domain"
)

// NewDuplicatePositionsValidator rejects two active wells sharing a position
// on one plate.
func NewDuplicatePositionsValidator() domain.Validator {
	return duplicatePositionsValidator{}
}

type duplicatePositionsValidator struct{}

func (duplicatePositionsValidator) Name() string { return "duplicate_positions" }

func (v duplicatePositionsValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	for _, plate := range p.Plates {
		seen := make(map[string]int)
		for _, pos := range positions(plate.Spec) {
			seen[pos]++
			if seen[pos] == 2 {
				res.Add(v.Name(), "wells", fmt.Sprintf("position %s is used more than once%s", pos, plateContext(plate.Spec)))
			}
		}
	}
	return res, nil
}
