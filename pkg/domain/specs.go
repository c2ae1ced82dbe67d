package domain

import "strconv"

// WellSpec is the normalized, desired representation of a well. An empty ID
// marks a create candidate; a non-empty ID names the persisted well to update.
type WellSpec struct {
	ID                   string         `json:"well_id,omitempty"`
	Position             string         `json:"position"`
	Refs                 []WellRef      `json:"refs"`
	Fields               map[string]any `json:"fields,omitempty"`
	MarkedForDestruction bool           `json:"_destroy,omitempty"`
}

// Active reports whether the spec takes part in structural checks.
func (s WellSpec) Active() bool {
	return !s.MarkedForDestruction
}

// PlateSpec is the desired representation of a plate and its complete well list.
type PlateSpec struct {
	ID                string         `json:"plate_id,omitempty"`
	PlateNumber       int            `json:"plate_number"`
	ConsumableBarcode string         `json:"consumable_barcode"`
	Fields            map[string]any `json:"fields,omitempty"`
	Wells             []WellSpec     `json:"wells"`
}

// ActiveWells returns the wells not marked for destruction, in submitted order.
func (p PlateSpec) ActiveWells() []WellSpec {
	out := make([]WellSpec, 0, len(p.Wells))
	for _, w := range p.Wells {
		if w.Active() {
			out = append(out, w)
		}
	}
	return out
}

// Key identifies the plate in messages and plans before it has an ID.
func (p PlateSpec) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return "new-" + strconv.Itoa(p.PlateNumber)
}

// Submission is the normalized description of a run's desired plates.
type Submission struct {
	RunID      string         `json:"run_id,omitempty"`
	Instrument string         `json:"instrument"`
	Version    string         `json:"version"`
	Fields     map[string]any `json:"fields,omitempty"`
	Plates     []PlateSpec    `json:"plates"`
}

// WellUpdate pairs a persisted well with the spec replacing it.
type WellUpdate struct {
	ID   string
	Spec WellSpec
}

// Plan lists the well operations needed to bring one plate in line with its
// desired state.
type Plan struct {
	PlateID string
	Create  []WellSpec
	Update  []WellUpdate
	Delete  []string
}

// Empty reports whether the plan carries no operations.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// PlatePlan couples a plate-level operation with the well plan for that plate.
// PlateID is empty for plates that will be created.
type PlatePlan struct {
	PlateID string
	Spec    PlateSpec
	Wells   Plan
}

// Create reports whether the plate does not exist yet.
func (p PlatePlan) Create() bool {
	return p.PlateID == ""
}

// RunPlan is the complete set of operations for one submission. Plates lists
// the surviving and new plates in submission order.
type RunPlan struct {
	RunID        string
	CreateRun    bool
	Run          Run
	Plates       []PlatePlan
	DeletePlates []string
}

// CreatePlates returns the plans for plates that will be created.
func (p RunPlan) CreatePlates() []PlatePlan {
	var out []PlatePlan
	for _, plate := range p.Plates {
		if plate.Create() {
			out = append(out, plate)
		}
	}
	return out
}

// UpdatePlates returns the plans for persisted plates that will be updated.
func (p RunPlan) UpdatePlates() []PlatePlan {
	var out []PlatePlan
	for _, plate := range p.Plates {
		if !plate.Create() {
			out = append(out, plate)
		}
	}
	return out
}

// Outcome statuses reported to callers.
const (
	StatusCommitted = "committed"
	StatusValid     = "valid"
	StatusInvalid   = "invalid"
	StatusFailed    = "failed"
)

// Stages at which a submission may be rejected.
const (
	StageNormalization  = "normalization"
	StageValidation     = "validation"
	StageReconciliation = "reconciliation"
	StageCommit         = "commit"
)

// Outcome is the structured result of a submission.
type Outcome struct {
	Status   string              `json:"status"`
	Stage    string              `json:"stage,omitempty"`
	RunID    string              `json:"run_id,omitempty"`
	PlateIDs []string            `json:"plate_ids,omitempty"`
	WellIDs  []string            `json:"well_ids,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Reason   string              `json:"reason,omitempty"`
}

// RunView is a run with its plates and their wells.
type RunView struct {
	Run
	Plates []PlateView `json:"plates"`
}

// PlateView is a plate with its wells ordered by position.
type PlateView struct {
	Plate
	Wells []Well `json:"wells"`
}
