package domain

import "context"

// BarcodeUsage summarises how a consumable barcode has been used by persisted
// plates other than the one under validation.
type BarcodeUsage struct {
	Plates    int      `json:"plates"`
	Positions []string `json:"positions"`
}

// PlateProposal is a desired plate together with the usage of its consumable
// barcode observed before validation.
type PlateProposal struct {
	Spec       PlateSpec
	PriorUsage BarcodeUsage
}

// Proposal is the complete proposed state of a run handed to validators. It
// carries every external lookup a validator needs so validators stay pure.
type Proposal struct {
	Run       Run
	Plates    []PlateProposal
	Materials map[PoolRef]Material
}

// FindMaterial resolves a reference to its projection.
func (p Proposal) FindMaterial(ref PoolRef) (Material, bool) {
	m, ok := p.Materials[ref]
	return m, ok
}

// Validator checks a proposal and reports every violation it finds. An error
// is returned only when the validator itself cannot run.
type Validator interface {
	Name() string
	Validate(ctx context.Context, proposal Proposal) (Result, error)
}

// ValidatorChain runs validators in registration order and merges their
// results. Every validator runs even if an earlier one reported violations.
type ValidatorChain struct {
	validators []Validator
}

// NewValidatorChain constructs a chain from the supplied validators.
func NewValidatorChain(validators ...Validator) *ValidatorChain {
	return &ValidatorChain{validators: append([]Validator(nil), validators...)}
}

// Register appends a validator to the chain.
func (c *ValidatorChain) Register(v Validator) {
	c.validators = append(c.validators, v)
}

// Validators returns the registered validators.
func (c *ValidatorChain) Validators() []Validator {
	return append([]Validator(nil), c.validators...)
}

// Validate executes all validators and aggregates their results.
func (c *ValidatorChain) Validate(ctx context.Context, proposal Proposal) (Result, error) {
	var combined Result
	for _, v := range c.validators {
		res, err := v.Validate(ctx, proposal)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
