package core

import (
	"context"

	"traction/pkg/domain"
)

// NewTagUniquenessValidator requires every material in a multi-reference well
// to carry a tag and the tags to be distinct. Unresolved references are left
// to material_references.
func NewTagUniquenessValidator() domain.Validator {
	return tagUniquenessValidator{}
}

type tagUniquenessValidator struct{}

func (tagUniquenessValidator) Name() string { return "tag_uniqueness" }

func (v tagUniquenessValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	for _, w := range activeWells(p) {
		if len(w.well.Refs) < 2 {
			continue
		}
		var tags []string
		for _, ref := range w.well.Refs {
			if m, ok := p.FindMaterial(ref.Ref); ok {
				tags = append(tags, m.Tag)
			}
		}
		missing := false
		seen := make(map[string]struct{}, len(tags))
		unique := true
		for _, tag := range tags {
			if tag == "" {
				missing = true
				continue
			}
			if _, dup := seen[tag]; dup {
				unique = false
			}
			seen[tag] = struct{}{}
		}
		switch {
		case missing:
			res.Add(v.Name(), "tags", "tags are missing from the libraries")
		case !unique:
			res.Add(v.Name(), "tags", "tags are not unique within the libraries for well "+w.label())
		}
	}
	return res, nil
}
