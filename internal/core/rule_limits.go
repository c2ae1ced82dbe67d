package core

import (
	"context"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewLimitsValidator bounds the number of plates on a run and of active wells
// on each plate. A zero max is unbounded.
func NewLimitsValidator(rs instrument.RuleSet) domain.Validator {
	return limitsValidator{plates: rs.Plates, wells: rs.Wells}
}

type limitsValidator struct {
	plates instrument.Range
	wells  instrument.Range
}

func (limitsValidator) Name() string { return "limits" }

func (v limitsValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	if msg := checkRange(v.plates, len(p.Plates), "plate"); msg != "" {
		res.Add(v.Name(), "plates", msg)
	}
	for _, plate := range p.Plates {
		if msg := checkRange(v.wells, len(plate.Spec.ActiveWells()), "well"); msg != "" {
			res.Add(v.Name(), "wells", msg+plateContext(plate.Spec))
		}
	}
	return res, nil
}

func checkRange(r instrument.Range, n int, noun string) string {
	if r.Min > 0 && n < r.Min {
		return "must have at least " + pluralize(r.Min, noun)
	}
	if r.Max > 0 && n > r.Max {
		return "must have at most " + pluralize(r.Max, noun)
	}
	return ""
}
