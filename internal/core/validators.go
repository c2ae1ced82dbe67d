package core

import (
	"fmt"
	"strings"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewValidatorChain assembles the validators for one instrument in the order
// their messages are reported.
func NewValidatorChain(rs instrument.RuleSet) *domain.ValidatorChain {
	chain := domain.NewValidatorChain(
		NewRequiredFieldsValidator(rs),
		NewLimitsValidator(rs),
		NewPlateNumbersValidator(rs),
		NewWellPositionsValidator(rs),
		NewDuplicatePositionsValidator(),
	)
	if len(rs.Combinations) > 0 {
		chain.Register(NewWellCombinationsValidator(rs))
	}
	chain.Register(NewMaterialReferencesValidator())
	chain.Register(NewTagUniquenessValidator())
	if rs.ConsumableReuseLimit > 0 {
		chain.Register(NewConsumableReuseValidator(rs))
	}
	chain.Register(NewVersionedOptionsValidator(rs))
	chain.Register(NewCrossWellConsistencyValidator(rs))
	return chain
}

// locatedWell locates an active well inside a proposal for messages.
type locatedWell struct {
	plate int
	index int
	well  domain.WellSpec
}

// label names the well by position, or by its 1-based index on the plate
// when the position is blank.
func (w locatedWell) label() string {
	if w.well.Position != "" {
		return w.well.Position
	}
	return fmt.Sprintf("#%d", w.index+1)
}

func (w locatedWell) context() string {
	return fmt.Sprintf(" for well %s on plate %d", w.label(), w.plate)
}

func plateContext(p domain.PlateSpec) string {
	return fmt.Sprintf(" on plate %d", p.PlateNumber)
}

// activeWells lists wells not marked for destruction across every plate in
// submission order.
func activeWells(p domain.Proposal) []locatedWell {
	var out []locatedWell
	for _, plate := range p.Plates {
		for i, w := range plate.Spec.ActiveWells() {
			out = append(out, locatedWell{plate: plate.Spec.PlateNumber, index: i, well: w})
		}
	}
	return out
}

// positions returns the non-blank positions of the active wells in order.
func positions(p domain.PlateSpec) []string {
	var out []string
	for _, w := range p.ActiveWells() {
		if w.Position != "" {
			out = append(out, w.Position)
		}
	}
	return out
}

func runAttribute(run domain.Run, attr string) any {
	switch attr {
	case "instrument":
		return run.Instrument
	case "version":
		return run.Version
	}
	return run.Fields[attr]
}

func plateAttribute(p domain.PlateSpec, attr string) any {
	switch attr {
	case "consumable_barcode":
		return p.ConsumableBarcode
	case "plate_number":
		return p.PlateNumber
	case "wells":
		return len(p.ActiveWells())
	}
	return p.Fields[attr]
}

func wellAttribute(w domain.WellSpec, attr string) any {
	switch attr {
	case "position":
		return w.Position
	case "pool_refs":
		if len(w.Refs) == 0 {
			return nil
		}
		return len(w.Refs)
	}
	return w.Fields[attr]
}

// blank treats a zero count as missing, in addition to instrument.IsBlank.
func blank(v any) bool {
	if n, ok := v.(int); ok {
		return n == 0
	}
	return instrument.IsBlank(v)
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func joinPositions(ps []string) string {
	return strings.Join(ps, ",")
}
