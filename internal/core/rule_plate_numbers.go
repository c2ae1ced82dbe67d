package core

import (
	"context"
	"fmt"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewPlateNumbersValidator requires plate numbers to be unique within the run
// and no greater than the instrument's plate limit.
func NewPlateNumbersValidator(rs instrument.RuleSet) domain.Validator {
	return plateNumbersValidator{max: rs.Plates.Max}
}

type plateNumbersValidator struct {
	max int
}

func (plateNumbersValidator) Name() string { return "plate_numbers" }

func (v plateNumbersValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	seen := make(map[int]int, len(p.Plates))
	for _, plate := range p.Plates {
		n := plate.Spec.PlateNumber
		seen[n]++
		if seen[n] == 2 {
			res.Add(v.Name(), "plates", fmt.Sprintf("plate number %d is used more than once", n))
		}
		if v.max > 0 && n > v.max {
			res.Add(v.Name(), "plates", fmt.Sprintf("plate number %d must be between 1 and %d", n, v.max))
		}
	}
	return res, nil
}
