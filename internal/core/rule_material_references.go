package core

import (
	"context"

	"traction/pkg/domain"
)

// NewMaterialReferencesValidator requires every referenced pool or library to
// resolve to a known material.
func NewMaterialReferencesValidator() domain.Validator {
	return materialReferencesValidator{}
}

type materialReferencesValidator struct{}

func (materialReferencesValidator) Name() string { return "material_references" }

func (v materialReferencesValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	reported := make(map[domain.PoolRef]struct{})
	for _, w := range activeWells(p) {
		for _, ref := range w.well.Refs {
			if _, ok := p.FindMaterial(ref.Ref); ok {
				continue
			}
			if _, done := reported[ref.Ref]; done {
				continue
			}
			reported[ref.Ref] = struct{}{}
			res.Add(v.Name(), "pool_refs", ref.Ref.String()+" could not be found")
		}
	}
	return res, nil
}
