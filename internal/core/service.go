package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"traction/internal/blob"
	"traction/internal/infra/persistence/memory"
	"traction/internal/instrument"
	"traction/internal/lock"
	"traction/pkg/domain"
)

// Operation names reported to metrics, tracing and audit.
const (
	OperationSubmit       = "submit_run"
	OperationValidate     = "validate_run"
	OperationPutMaterials = "put_materials"
)

// archivePrefix is the blob key prefix for committed submissions.
const archivePrefix = "submissions/"

// actionValidate is the audit action of dry runs.
const actionValidate domain.Action = "validate"

// Service constructs sequencing runs from submissions: it normalizes,
// validates, reconciles and commits them against a persistent store.
type Service struct {
	store   domain.PersistentStore
	catalog *instrument.Catalog
	chains  map[string]*domain.ValidatorChain

	logger  Logger
	clock   Clock
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	locker  lock.Locker
	archive blob.Store
}

// NewService returns a service backed by store. A nil catalog uses the
// embedded instrument defaults.
func NewService(store domain.PersistentStore, catalog *instrument.Catalog, opts ...Option) *Service {
	if catalog == nil {
		catalog = instrument.Default()
	}
	s := &Service{
		store:   store,
		catalog: catalog,
		chains:  make(map[string]*domain.ValidatorChain),
		logger:  noopLogger{},
		clock:   systemClock{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		audit:   noopAuditRecorder{},
		locker:  lock.NewLocal(),
	}
	for _, rs := range catalog.RuleSets() {
		s.chains[rs.Name] = NewValidatorChain(rs)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService returns a service over a fresh in-memory store carrying
// the default commit-time rules.
func NewInMemoryService(catalog *instrument.Catalog, opts ...Option) *Service {
	if catalog == nil {
		catalog = instrument.Default()
	}
	return NewService(memory.NewStore(NewDefaultRulesEngine(catalog)), catalog, opts...)
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Instruments lists the configured rule sets.
func (s *Service) Instruments() []instrument.RuleSet {
	return s.catalog.RuleSets()
}

// attempt carries an outcome with the violations behind it.
type attempt struct {
	outcome    domain.Outcome
	violations []domain.Violation
	action     domain.Action
	err        error
}

// Submit normalizes, validates, reconciles and commits a submission.
// Rejections are reported in the outcome. The returned error is non-nil only
// when the submission failed, and wraps a *domain.CommitError when the commit
// itself failed.
func (s *Service) Submit(ctx context.Context, raw map[string]any) (domain.Outcome, error) {
	return s.observe(ctx, OperationSubmit, func(ctx context.Context) attempt {
		return s.process(ctx, raw, true)
	})
}

// Validate runs a submission through every stage except the commit and
// reports StatusValid when it would be accepted.
func (s *Service) Validate(ctx context.Context, raw map[string]any) (domain.Outcome, error) {
	return s.observe(ctx, OperationValidate, func(ctx context.Context) attempt {
		return s.process(ctx, raw, false)
	})
}

func (s *Service) observe(ctx context.Context, operation string, fn func(context.Context) attempt) (domain.Outcome, error) {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	a := fn(ctx)
	duration := s.clock.Now().Sub(start)
	out := a.outcome

	accepted := out.Status == domain.StatusCommitted || out.Status == domain.StatusValid
	spanErr := a.err
	if spanErr == nil && !accepted {
		spanErr = fmt.Errorf("submission %s at %s", out.Status, out.Stage)
	}
	span.End(spanErr)
	s.metrics.Observe(ctx, operation, accepted, duration)
	if vo, ok := s.metrics.(ViolationObserver); ok && len(a.violations) > 0 {
		vo.ObserveViolations(ctx, a.violations)
	}

	entry := AuditEntry{
		Operation: operation,
		Entity:    string(domain.EntityRun),
		Action:    string(a.action),
		EntityID:  out.RunID,
		Status:    AuditStatusSuccess,
		Stage:     out.Stage,
		Duration:  duration,
		Timestamp: start,
	}
	if !accepted {
		entry.Status = AuditStatusError
		entry.Error = spanErr.Error()
	}
	s.audit.Record(ctx, entry)

	switch out.Status {
	case domain.StatusCommitted, domain.StatusValid:
		s.logger.Info("run submission accepted", "operation", operation, "status", out.Status,
			"run_id", out.RunID, "plates", len(out.PlateIDs), "wells", len(out.WellIDs), "duration", duration)
	case domain.StatusInvalid:
		s.logger.Warn("run submission rejected", "operation", operation, "stage", out.Stage,
			"run_id", out.RunID, "errors", len(out.Errors))
	default:
		s.logger.Error("run submission failed", "operation", operation, "stage", out.Stage,
			"run_id", out.RunID, "error", a.err)
	}
	return out, a.err
}

func (s *Service) process(ctx context.Context, raw map[string]any, commit bool) attempt {
	sub, err := Normalize(raw)
	if err != nil {
		var ne *domain.NormalizationError
		if !errors.As(err, &ne) {
			return failed(domain.StageNormalization, "", err)
		}
		key := ne.Path
		if key == "" {
			key = "base"
		}
		return attempt{outcome: domain.Outcome{
			Status: domain.StatusInvalid,
			Stage:  domain.StageNormalization,
			Errors: map[string][]string{key: {ne.Reason}},
		}}
	}
	action := domain.ActionCreate
	if sub.RunID != "" {
		action = domain.ActionUpdate
	}

	if commit && sub.RunID != "" {
		release, err := s.locker.Acquire(ctx, "run:"+sub.RunID)
		if err != nil {
			a := failed(domain.StageCommit, sub.RunID, fmt.Errorf("lock run %s: %w", sub.RunID, err))
			a.action = action
			return a
		}
		defer release()
	}

	var a attempt
	if err := s.store.View(ctx, func(view domain.TransactionView) error {
		a = s.check(ctx, view, sub, commit)
		return nil
	}); err != nil {
		a = failed(domain.StageValidation, sub.RunID, err)
	}
	a.action = action
	if !commit {
		a.action = actionValidate
	}
	if a.outcome.Status != "" || !commit {
		return a
	}

	out := s.commit(ctx, sub, a.outcome)
	out.action = action
	return out
}

// check resolves the instrument, validates the proposal and, for dry runs,
// reconciles it against view. A zero outcome status means the submission may
// be committed.
func (s *Service) check(ctx context.Context, view domain.TransactionView, sub domain.Submission, commit bool) attempt {
	var existing domain.Run
	if sub.RunID != "" {
		run, ok := view.FindRun(sub.RunID)
		if !ok {
			return reconciliationFailure(sub.RunID, &domain.ReconciliationError{Entity: domain.EntityRun, ID: sub.RunID})
		}
		existing = run
	}
	name := sub.Instrument
	if name == "" {
		name = existing.Instrument
	}
	version := sub.Version
	if version == "" {
		version = existing.Version
	}

	var pre domain.Result
	rs, ok := s.catalog.Lookup(name)
	switch {
	case name == "":
		pre.Add("instrument", "instrument", "can't be blank")
	case !ok:
		pre.Add("instrument", "instrument", "is not a supported instrument")
	}
	if pre.HasBlocking() {
		return invalid(domain.StageValidation, sub.RunID, pre)
	}
	switch {
	case version == "" && len(rs.Versions) > 0:
		pre.Add("version", "version", "can't be blank")
	case !rs.SupportsVersion(version):
		pre.Add("version", "version", "is not a supported version")
	}

	proposal := s.propose(view, sub, rs.Name, version)
	res, err := s.chains[rs.Name].Validate(ctx, proposal)
	if err != nil {
		return failed(domain.StageValidation, sub.RunID, fmt.Errorf("validate: %w", err))
	}
	pre.Merge(res)
	if pre.HasBlocking() {
		return invalid(domain.StageValidation, sub.RunID, pre)
	}
	if commit {
		return attempt{outcome: domain.Outcome{RunID: sub.RunID}, violations: []domain.Violation{}}
	}

	plates, wells := currentLayout(view, sub.RunID)
	if _, err := ReconcileRun(sub.RunID, plates, wells, sub.Plates); err != nil {
		return reconciliationFailure(sub.RunID, err)
	}
	return attempt{outcome: domain.Outcome{Status: domain.StatusValid, RunID: sub.RunID}}
}

// propose builds the validation scope: the desired run with its resolved
// instrument, prior barcode usage from other runs and every referenced
// material. Plates of this run are judged as the proposal's siblings. Plates
// naming a persisted plate keep its number when the submission leaves it out.
func (s *Service) propose(view domain.TransactionView, sub domain.Submission, name, version string) domain.Proposal {
	proposal := domain.Proposal{
		Run: domain.Run{
			Base:       domain.Base{ID: sub.RunID},
			Instrument: name,
			Version:    version,
			Fields:     sub.Fields,
		},
		Materials: make(map[domain.PoolRef]domain.Material),
	}
	var current []domain.Plate
	if sub.RunID != "" {
		current = view.ListPlates(sub.RunID)
	}
	resolved := resolvePlates(current, sub.Plates)
	for i, spec := range sub.Plates {
		if spec.PlateNumber == 0 {
			spec.PlateNumber = resolved[i].PlateNumber
		}
		if spec.PlateNumber == 0 {
			spec.PlateNumber = i + 1
		}
		proposal.Plates = append(proposal.Plates, domain.PlateProposal{
			Spec:       spec,
			PriorUsage: barcodeUsage(view, spec.ConsumableBarcode, sub.RunID),
		})
		for _, w := range spec.ActiveWells() {
			for _, ref := range w.Refs {
				if m, ok := view.FindMaterial(ref.Ref); ok {
					proposal.Materials[ref.Ref] = m
				}
			}
		}
	}
	return proposal
}

// barcodeUsage counts persisted plates of other runs using barcode and the
// positions filled on them.
func barcodeUsage(view domain.TransactionView, barcode, runID string) domain.BarcodeUsage {
	if barcode == "" {
		return domain.BarcodeUsage{}
	}
	return domain.BarcodeUsage{
		Plates:    view.CountPlatesUsingBarcode(barcode, runID),
		Positions: view.WellsUsingBarcode(barcode, runID),
	}
}

func currentLayout(view domain.RuleView, runID string) ([]domain.Plate, map[string][]domain.Well) {
	if runID == "" {
		return nil, nil
	}
	plates := view.ListPlates(runID)
	wells := make(map[string][]domain.Well, len(plates))
	for _, p := range plates {
		wells[p.ID] = view.CurrentWells(p.ID)
	}
	return plates, wells
}

func (s *Service) commit(ctx context.Context, sub domain.Submission, checked domain.Outcome) attempt {
	var (
		applied  Applied
		reconErr error
		run      = domain.Run{Instrument: sub.Instrument, Version: sub.Version, Fields: sub.Fields}
	)
	if rs, ok := s.catalog.Lookup(sub.Instrument); ok {
		run.Instrument = rs.Name
	}
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		if sub.RunID != "" {
			existing, ok := view.FindRun(sub.RunID)
			if !ok {
				reconErr = &domain.ReconciliationError{Entity: domain.EntityRun, ID: sub.RunID}
				return reconErr
			}
			if run.Instrument == "" {
				run.Instrument = existing.Instrument
			}
			if run.Version == "" {
				run.Version = existing.Version
			}
		}
		plates, wells := currentLayout(view, sub.RunID)
		plan, err := ReconcileRun(sub.RunID, plates, wells, sub.Plates)
		if err != nil {
			reconErr = err
			return err
		}
		plan.CreateRun = sub.RunID == ""
		plan.Run = run
		applied, err = ApplyPlan(tx, plan)
		return err
	})
	if reconErr != nil {
		return reconciliationFailure(sub.RunID, reconErr)
	}
	if err != nil {
		commitErr := &domain.CommitError{RunID: checked.RunID, Err: err}
		a := failed(domain.StageCommit, checked.RunID, commitErr)
		var rve domain.RuleViolationError
		if errors.As(err, &rve) {
			a.outcome.Errors = rve.Result.Errors()
			a.violations = rve.Result.Violations
		}
		return a
	}

	s.archiveSubmission(ctx, applied.RunID, sub)
	return attempt{outcome: domain.Outcome{
		Status:   domain.StatusCommitted,
		RunID:    applied.RunID,
		PlateIDs: applied.PlateIDs,
		WellIDs:  applied.WellIDs,
	}}
}

func (s *Service) archiveSubmission(ctx context.Context, runID string, sub domain.Submission) {
	if s.archive == nil {
		return
	}
	sub.RunID = runID
	payload, err := json.Marshal(sub)
	if err != nil {
		s.logger.Warn("encode submission archive", "run_id", runID, "error", err)
		return
	}
	key := fmt.Sprintf("%s%s/%s.json", archivePrefix, runID, s.clock.Now().UTC().Format("20060102T150405.000000000Z"))
	if _, err := s.archive.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"instrument": sub.Instrument, "version": sub.Version},
	}); err != nil {
		s.logger.Warn("archive submission", "run_id", runID, "key", key, "error", err)
	}
}

// Submissions lists the archived submissions of a run, oldest first.
func (s *Service) Submissions(ctx context.Context, runID string) ([]blob.Info, error) {
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.List(ctx, archivePrefix+runID+"/")
}

// Run returns the committed state of a run.
func (s *Service) Run(ctx context.Context, id string) (domain.RunView, error) {
	var out domain.RunView
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		run, ok := view.FindRun(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityRun, ID: id}
		}
		out.Run = run
		out.Plates = []domain.PlateView{}
		for _, p := range view.ListPlates(id) {
			out.Plates = append(out.Plates, domain.PlateView{Plate: p, Wells: view.CurrentWells(p.ID)})
		}
		return nil
	})
	return out, err
}

// PutMaterials registers or replaces the pool and library projections wells
// may reference.
func (s *Service) PutMaterials(ctx context.Context, materials []domain.Material) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, OperationPutMaterials)
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, m := range materials {
			if _, err := tx.PutMaterial(m); err != nil {
				return err
			}
		}
		return nil
	})
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, OperationPutMaterials, err == nil, duration)
	entry := AuditEntry{
		Operation: OperationPutMaterials,
		Entity:    string(domain.EntityPool),
		Action:    string(domain.ActionUpdate),
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: start,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Error("put materials failed", "count", len(materials), "error", err)
	} else {
		s.logger.Debug("materials registered", "count", len(materials))
	}
	s.audit.Record(ctx, entry)
	return err
}

func invalid(stage, runID string, res domain.Result) attempt {
	return attempt{
		outcome: domain.Outcome{
			Status: domain.StatusInvalid,
			Stage:  stage,
			RunID:  runID,
			Errors: res.Errors(),
		},
		violations: res.Violations,
	}
}

func failed(stage, runID string, err error) attempt {
	return attempt{
		outcome: domain.Outcome{
			Status: domain.StatusFailed,
			Stage:  stage,
			RunID:  runID,
			Reason: err.Error(),
		},
		err: err,
	}
}

func reconciliationFailure(runID string, err error) attempt {
	var re *domain.ReconciliationError
	if !errors.As(err, &re) {
		return failed(domain.StageReconciliation, runID, err)
	}
	var res domain.Result
	res.Add("reconciliation", reconciliationScope(re.Entity), strings.TrimPrefix(re.Error(), "reconciliation: "))
	return invalid(domain.StageReconciliation, runID, res)
}

func reconciliationScope(entity domain.EntityType) string {
	switch entity {
	case domain.EntityRun:
		return "run_id"
	case domain.EntityPlate:
		return "plates"
	}
	return "wells"
}
