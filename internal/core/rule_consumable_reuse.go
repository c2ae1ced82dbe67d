package core

import (
	"context"
	"fmt"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewConsumableReuseValidator limits how many plates may share a consumable
// barcode and forbids reusing a position already filled under that barcode.
// Usage is counted from persisted plates of other runs plus the other plates
// of the same submission.
func NewConsumableReuseValidator(rs instrument.RuleSet) domain.Validator {
	return consumableReuseValidator{limit: rs.ConsumableReuseLimit}
}

type consumableReuseValidator struct {
	limit int
}

func (consumableReuseValidator) Name() string { return "consumable_reuse" }

func (v consumableReuseValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	if v.limit <= 0 {
		return res, nil
	}
	for i, plate := range p.Plates {
		barcode := plate.Spec.ConsumableBarcode
		if barcode == "" {
			continue
		}
		used := plate.PriorUsage.Plates
		usedPositions := toSet(plate.PriorUsage.Positions)
		for j, sibling := range p.Plates {
			if i == j || sibling.Spec.ConsumableBarcode != barcode {
				continue
			}
			used++
			for _, pos := range positions(sibling.Spec) {
				usedPositions[pos] = struct{}{}
			}
		}
		if used >= v.limit {
			res.Add(v.Name(), "consumable_barcode", fmt.Sprintf("barcode has already been used on %d plates", v.limit))
		}
		var overlap []string
		for _, pos := range positions(plate.Spec) {
			if _, ok := usedPositions[pos]; ok {
				overlap = append(overlap, pos)
			}
		}
		if len(overlap) > 0 {
			res.Add(v.Name(), "consumable_barcode", fmt.Sprintf("wells %s have already been used for barcode %s", joinPositions(overlap), barcode))
		}
	}
	return res, nil
}
