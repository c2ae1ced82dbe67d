package core

import (
	"context"

	"traction/internal/instrument"
	"traction/pkg/domain"
)

// NewVersionedOptionsValidator checks the options that apply to the run's
// version at their declared scope.
func NewVersionedOptionsValidator(rs instrument.RuleSet) domain.Validator {
	return versionedOptionsValidator{options: rs.Options, required: rs.Required}
}

type versionedOptionsValidator struct {
	options  []instrument.Option
	required []instrument.Requirement
}

func (versionedOptionsValidator) Name() string { return "versioned_options" }

func (v versionedOptionsValidator) Validate(_ context.Context, p domain.Proposal) (domain.Result, error) {
	res := domain.Result{}
	version := p.Run.Version
	for _, opt := range v.options {
		if !opt.AppliesTo(version) {
			continue
		}
		// Blank required attributes are already reported by required_fields.
		skipBlank := requires(v.required, opt.Scope, opt.Key, version)
		check := func(fields map[string]any, suffix string) error {
			msg, err := opt.Check(fields)
			if err != nil {
				return err
			}
			if msg == "" || (skipBlank && msg == "can't be blank") {
				return nil
			}
			res.Add(v.Name(), opt.Key, msg+suffix)
			return nil
		}
		switch opt.Scope {
		case instrument.ScopeRun:
			if err := check(p.Run.Fields, ""); err != nil {
				return domain.Result{}, err
			}
		case instrument.ScopePlate:
			for _, plate := range p.Plates {
				if err := check(plate.Spec.Fields, plateContext(plate.Spec)); err != nil {
					return domain.Result{}, err
				}
			}
		default:
			for _, w := range activeWells(p) {
				if err := check(w.well.Fields, w.context()); err != nil {
					return domain.Result{}, err
				}
			}
		}
	}
	return res, nil
}
