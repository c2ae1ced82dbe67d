package core

import (
	"traction/pkg/domain"
)

// Reconcile computes the well operations that turn current into desired on
// one plate. Specs without an ID are created, specs naming a current well
// update it (or delete it when marked for destruction) and current wells
// not named by any spec are deleted. A spec naming a well that is not on the
// plate fails with a *domain.ReconciliationError.
func Reconcile(plateID string, current []domain.Well, desired []domain.WellSpec) (domain.Plan, error) {
	plan := domain.Plan{PlateID: plateID}
	existing := make(map[string]struct{}, len(current))
	for _, w := range current {
		existing[w.ID] = struct{}{}
	}
	referenced := make(map[string]struct{}, len(desired))
	for _, spec := range desired {
		if spec.ID == "" {
			if spec.Active() {
				plan.Create = append(plan.Create, spec)
			}
			continue
		}
		if _, ok := existing[spec.ID]; !ok {
			return domain.Plan{}, &domain.ReconciliationError{Entity: domain.EntityWell, ID: spec.ID, ParentID: plateID}
		}
		if _, dup := referenced[spec.ID]; dup {
			return domain.Plan{}, &domain.ReconciliationError{Entity: domain.EntityWell, ID: spec.ID, ParentID: plateID}
		}
		referenced[spec.ID] = struct{}{}
		if !spec.Active() {
			plan.Delete = append(plan.Delete, spec.ID)
			continue
		}
		plan.Update = append(plan.Update, domain.WellUpdate{ID: spec.ID, Spec: spec})
	}
	for _, w := range current {
		if _, ok := referenced[w.ID]; !ok {
			plan.Delete = append(plan.Delete, w.ID)
		}
	}
	return plan, nil
}

// ReconcileRun applies the same policy to the plates of a run, planning the
// wells of every surviving or new plate. A plate spec without an ID adopts
// the unreferenced current plate with the same plate number. Deleted plates
// take their wells with them.
func ReconcileRun(runID string, current []domain.Plate, wells map[string][]domain.Well, desired []domain.PlateSpec) (domain.RunPlan, error) {
	plan := domain.RunPlan{RunID: runID}
	existing := make(map[string]struct{}, len(current))
	for _, p := range current {
		existing[p.ID] = struct{}{}
	}
	referenced := make(map[string]struct{}, len(desired))
	for _, spec := range desired {
		if spec.ID == "" {
			continue
		}
		if _, ok := existing[spec.ID]; !ok {
			return domain.RunPlan{}, &domain.ReconciliationError{Entity: domain.EntityPlate, ID: spec.ID, ParentID: runID}
		}
		if _, dup := referenced[spec.ID]; dup {
			return domain.RunPlan{}, &domain.ReconciliationError{Entity: domain.EntityPlate, ID: spec.ID, ParentID: runID}
		}
		referenced[spec.ID] = struct{}{}
	}
	for i, persisted := range resolvePlates(current, desired) {
		spec := desired[i]
		if persisted.ID != "" {
			spec.ID = persisted.ID
			referenced[persisted.ID] = struct{}{}
			if spec.PlateNumber == 0 {
				spec.PlateNumber = persisted.PlateNumber
			}
		}
		wellPlan, err := Reconcile(spec.ID, wells[spec.ID], spec.Wells)
		if err != nil {
			return domain.RunPlan{}, err
		}
		plan.Plates = append(plan.Plates, domain.PlatePlan{PlateID: spec.ID, Spec: spec, Wells: wellPlan})
	}
	for _, p := range current {
		if _, ok := referenced[p.ID]; !ok {
			plan.DeletePlates = append(plan.DeletePlates, p.ID)
		}
	}
	return plan, nil
}

// resolvePlates pairs each desired plate with the current plate it refers to:
// the one named by its ID, otherwise the first current plate with the same
// plate number that no spec names. New plates pair with a zero Plate.
func resolvePlates(current []domain.Plate, desired []domain.PlateSpec) []domain.Plate {
	byID := make(map[string]domain.Plate, len(current))
	for _, p := range current {
		byID[p.ID] = p
	}
	named := make(map[string]struct{}, len(desired))
	for _, spec := range desired {
		if spec.ID != "" {
			named[spec.ID] = struct{}{}
		}
	}
	byNumber := make(map[int]domain.Plate)
	for _, p := range current {
		if _, taken := named[p.ID]; taken {
			continue
		}
		if _, dup := byNumber[p.PlateNumber]; !dup {
			byNumber[p.PlateNumber] = p
		}
	}
	out := make([]domain.Plate, len(desired))
	for i, spec := range desired {
		if spec.ID != "" {
			out[i] = byID[spec.ID]
			continue
		}
		if p, ok := byNumber[spec.PlateNumber]; ok && spec.PlateNumber != 0 {
			out[i] = p
			delete(byNumber, spec.PlateNumber)
		}
	}
	return out
}

// Applied lists the identifiers that survive a committed plan, in
// submission order.
type Applied struct {
	RunID    string
	PlateIDs []string
	WellIDs  []string
}

// ApplyPlan executes plan through tx. The run is written first, then plate
// deletes, well deletes, plate updates and creates, well updates and finally
// well creates. Callers run it inside a single transaction.
func ApplyPlan(tx domain.Transaction, plan domain.RunPlan) (Applied, error) {
	var applied Applied
	runID, err := applyRun(tx, plan)
	if err != nil {
		return Applied{}, err
	}
	applied.RunID = runID

	for _, id := range plan.DeletePlates {
		if err := tx.DeletePlate(id); err != nil {
			return Applied{}, err
		}
	}
	for _, p := range plan.UpdatePlates() {
		for _, id := range p.Wells.Delete {
			if err := tx.DeleteWell(id); err != nil {
				return Applied{}, err
			}
		}
	}

	plateIDs := make([]string, len(plan.Plates))
	for i, p := range plan.Plates {
		if p.Create() {
			continue
		}
		spec := p.Spec
		if _, err := tx.UpdatePlate(p.PlateID, func(plate *domain.Plate) error {
			plate.PlateNumber = spec.PlateNumber
			plate.ConsumableBarcode = spec.ConsumableBarcode
			plate.Fields = domain.CloneFields(spec.Fields)
			return nil
		}); err != nil {
			return Applied{}, err
		}
		plateIDs[i] = p.PlateID
	}
	for i, p := range plan.Plates {
		if !p.Create() {
			continue
		}
		created, err := tx.CreatePlate(domain.Plate{
			RunID:             runID,
			PlateNumber:       p.Spec.PlateNumber,
			ConsumableBarcode: p.Spec.ConsumableBarcode,
			Fields:            domain.CloneFields(p.Spec.Fields),
		})
		if err != nil {
			return Applied{}, err
		}
		plateIDs[i] = created.ID
	}

	for _, p := range plan.Plates {
		for _, u := range p.Wells.Update {
			spec := u.Spec
			if _, err := tx.UpdateWell(u.ID, func(w *domain.Well) error {
				w.Position = spec.Position
				w.Refs = domain.CloneRefs(spec.Refs)
				w.Fields = domain.CloneFields(spec.Fields)
				return nil
			}); err != nil {
				return Applied{}, err
			}
		}
	}
	created := make([][]string, len(plan.Plates))
	for i, p := range plan.Plates {
		for _, spec := range p.Wells.Create {
			w, err := tx.CreateWell(domain.Well{
				PlateID:  plateIDs[i],
				Position: spec.Position,
				Refs:     domain.CloneRefs(spec.Refs),
				Fields:   domain.CloneFields(spec.Fields),
			})
			if err != nil {
				return Applied{}, err
			}
			created[i] = append(created[i], w.ID)
		}
	}

	applied.PlateIDs = plateIDs
	for i, p := range plan.Plates {
		next := 0
		for _, spec := range p.Spec.ActiveWells() {
			if spec.ID != "" {
				applied.WellIDs = append(applied.WellIDs, spec.ID)
				continue
			}
			applied.WellIDs = append(applied.WellIDs, created[i][next])
			next++
		}
	}
	return applied, nil
}

func applyRun(tx domain.Transaction, plan domain.RunPlan) (string, error) {
	if plan.CreateRun {
		run := plan.Run
		run.ID = plan.RunID
		run.Fields = domain.CloneFields(run.Fields)
		created, err := tx.CreateRun(run)
		if err != nil {
			return "", err
		}
		return created.ID, nil
	}
	desired := plan.Run
	updated, err := tx.UpdateRun(plan.RunID, func(r *domain.Run) error {
		r.Instrument = desired.Instrument
		r.Version = desired.Version
		r.Fields = domain.CloneFields(desired.Fields)
		return nil
	})
	if err != nil {
		return "", err
	}
	return updated.ID, nil
}
