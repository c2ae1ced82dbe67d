package core

import (
	"context"
	"fmt"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewCrossWellConsistencyValidator requires the configured attributes to hold
// the same value on every active well of the run. Only the first diverging
// well is reported.
func NewCrossWellConsistencyValidator(rs instrument.RuleSet) domain.Validator {
	return crossWellConsistencyValidator{attributes: rs.Consistent}
}

type crossWellConsistencyValidator struct {
	attributes []instrument.Consistency
}

func (crossWellConsistencyValidator) Name() string { return "cross_well_consistency" }

func (v crossWellConsistencyValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	wells := activeWells(p)
	if len(wells) < 2 {
		return res, nil
	}
	first := wells[0]
	for _, c := range v.attributes {
		label := c.Label
		if label == "" {
			label = c.Attribute
		}
		want := first.well.Fields[c.Attribute]
		for _, w := range wells[1:] {
			if consistent(want, w.well.Fields[c.Attribute]) {
				continue
			}
			res.Add(v.Name(), "base", fmt.Sprintf("%s must be the same for all wells, well %s on plate %d differs from well %s on plate %d",
				label, w.label(), w.plate, first.label(), first.plate))
			break
		}
	}
	return res, nil
}

func consistent(a, b any) bool {
	ab, bb := instrument.IsBlank(a), instrument.IsBlank(b)
	if ab || bb {
		return ab == bb
	}
	return instrument.SameValue(a, b)
}
