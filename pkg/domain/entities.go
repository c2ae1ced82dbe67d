// Package domain defines the persistent sequencing-run entities, the desired
// state shapes used during run construction, and the validation and rule
// evaluation primitives used by traction.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityRun identifies a sequencing run record.
	EntityRun EntityType = "run"
	// EntityPlate identifies a plate loaded on a run.
	EntityPlate EntityType = "plate"
	// EntityWell identifies a well on a plate.
	EntityWell    EntityType = "well"
	EntityPool    EntityType = "pool"
	EntityLibrary EntityType = "library"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one sequencing execution. Instrument selects the rule set and
// Version selects the version-gated options applied to it.
type Run struct {
	Base
	Instrument string         `json:"instrument"`
	Version    string         `json:"version"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Plate is a physical carrier of wells loaded on a run.
type Plate struct {
	Base
	RunID             string         `json:"run_id"`
	PlateNumber       int            `json:"plate_number"`
	ConsumableBarcode string         `json:"consumable_barcode"`
	Fields            map[string]any `json:"fields,omitempty"`
}

// Well is an addressable position on a plate holding pooled or library material.
type Well struct {
	Base
	PlateID  string         `json:"plate_id"`
	Position string         `json:"position"`
	Refs     []WellRef      `json:"refs"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// RefKind distinguishes the two aggregate kinds a well may reference.
type RefKind string

// Reference kinds accepted on wells.
const (
	RefPool    RefKind = "pool"
	RefLibrary RefKind = "library"
)

// Valid reports whether the kind is a known reference kind.
func (k RefKind) Valid() bool {
	return k == RefPool || k == RefLibrary
}

// PoolRef points at an externally owned pool or library.
type PoolRef struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

func (r PoolRef) String() string {
	return string(r.Kind) + " " + r.ID
}

// Aliquot is a quantified portion of material taken from a reference.
type Aliquot struct {
	Volume        *float64 `json:"volume,omitempty"`
	Concentration *float64 `json:"concentration,omitempty"`
	KitBarcode    string   `json:"kit_barcode,omitempty"`
}

// WellRef links a well to the material it uses.
type WellRef struct {
	Ref     PoolRef `json:"ref"`
	Aliquot Aliquot `json:"aliquot"`
}

// Material is the minimal projection of a pool or library that run
// construction needs. Tag is empty for untagged material.
type Material struct {
	Ref        PoolRef `json:"ref"`
	Tag        string  `json:"tag,omitempty"`
	KitBarcode string  `json:"kit_barcode,omitempty"`
}

// Change describes a mutation applied to an entity.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	// ActionDelete indicates an entity was deleted.
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation. Scope is the key the message is
// reported under (for example "wells", "tags" or an attribute name).
type Violation struct {
	Rule     string
	Severity Severity
	Scope    string
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from validators and rules.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// Add appends a blocking violation.
func (r *Result) Add(rule, scope, message string) {
	r.Violations = append(r.Violations, Violation{
		Rule:     rule,
		Severity: SeverityBlock,
		Scope:    scope,
		Message:  message,
	})
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Errors groups violation messages by scope, preserving the order in which
// they were reported. An empty map means the result is valid.
func (r Result) Errors() map[string][]string {
	out := make(map[string][]string)
	for _, v := range r.Violations {
		scope := v.Scope
		if scope == "" {
			scope = "base"
		}
		out[scope] = append(out[scope], v.Message)
	}
	return out
}

// RuleViolationError is returned when blocking violations are present at commit.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

// CloneFields copies an instrument field map.
func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CloneRefs copies a well's reference list.
func CloneRefs(in []WellRef) []WellRef {
	if in == nil {
		return nil
	}
	out := make([]WellRef, len(in))
	copy(out, in)
	return out
}
