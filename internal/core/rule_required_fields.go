package core

import (
	"context"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewRequiredFieldsValidator reports blank attributes named by the rule set's
// requirements that apply to the run's version.
func NewRequiredFieldsValidator(rs instrument.RuleSet) domain.Validator {
	return requiredFieldsValidator{required: rs.Required}
}

type requiredFieldsValidator struct {
	required []instrument.Requirement
}

func (requiredFieldsValidator) Name() string { return "required_fields" }

func (v requiredFieldsValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	for _, req := range v.required {
		if !instrument.AppliesTo(req.Versions, p.Run.Version) {
			continue
		}
		for _, attr := range req.Attributes {
			switch req.Scope {
			case instrument.ScopeRun:
				if blank(runAttribute(p.Run, attr)) {
					res.Add(v.Name(), attr, "can't be blank")
				}
			case instrument.ScopePlate:
				for _, plate := range p.Plates {
					if blank(plateAttribute(plate.Spec, attr)) {
						res.Add(v.Name(), attr, "can't be blank"+plateContext(plate.Spec))
					}
				}
			case instrument.ScopeWell:
				for _, w := range activeWells(p) {
					if blank(wellAttribute(w.well, attr)) {
						res.Add(v.Name(), attr, "can't be blank"+w.context())
					}
				}
			}
		}
	}
	return res, nil
}

// requires reports whether an applicable requirement already covers attr at scope.
func requires(reqs []instrument.Requirement, scope instrument.Scope, attr, version string) bool {
	for _, req := range reqs {
		if req.Scope != scope || !instrument.AppliesTo(req.Versions, version) {
			continue
		}
		for _, a := range req.Attributes {
			if a == attr {
				return true
			}
		}
	}
	return false
}
