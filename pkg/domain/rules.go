package domain

import (
	"context"
	"fmt"
)

// RuleView provides read-only access to the state a transaction would commit.
type RuleView interface {
	FindRun(id string) (Run, bool)
	FindPlate(id string) (Plate, bool)
	ListPlates(runID string) []Plate
	CurrentWells(plateID string) []Well
	PlatesUsingBarcode(barcode string) []Plate
}

// Rule is a commit-time invariant. It runs inside the store transaction after
// the mutations were applied and before they become visible, so it sees
// writes from concurrent submissions that validation could not.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine evaluates commit-time rules in registration order.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine returns an engine holding rules.
func NewRulesEngine(rules ...Rule) *RulesEngine {
	return &RulesEngine{rules: append([]Rule(nil), rules...)}
}

// Register appends a rule.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Names lists the registered rules in evaluation order.
func (e *RulesEngine) Names() []string {
	if e == nil {
		return nil
	}
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate runs every rule and merges their results. Violations a rule leaves
// unattributed are credited to it. The first rule error aborts evaluation.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	if e == nil {
		return combined, nil
	}
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		for i := range res.Violations {
			if res.Violations[i].Rule == "" {
				res.Violations[i].Rule = rule.Name()
			}
		}
		combined.Merge(res)
	}
	return combined, nil
}
