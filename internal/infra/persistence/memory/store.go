// Package memory provides an in-memory implementation of the run persistence
// store used for tests, ephemeral environments and as the working set of the
// snapshot-backed SQL stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"traction/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Run aliases domain.Run for in-memory persistence operations.
	Run = domain.Run
	// Plate aliases domain.Plate.
	Plate = domain.Plate
	// Well aliases domain.Well.
	Well = domain.Well
	// Material aliases domain.Material.
	Material = domain.Material
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	runs      map[string]Run
	plates    map[string]Plate
	wells     map[string]Well
	materials map[string]Material
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Runs      map[string]Run      `json:"runs"`
	Plates    map[string]Plate    `json:"plates"`
	Wells     map[string]Well     `json:"wells"`
	Materials map[string]Material `json:"materials"`
}

func newMemoryState() memoryState {
	return memoryState{
		runs:      make(map[string]Run),
		plates:    make(map[string]Plate),
		wells:     make(map[string]Well),
		materials: make(map[string]Material),
	}
}

// MaterialKey is the bucket key for a material reference.
func MaterialKey(ref domain.PoolRef) string {
	return string(ref.Kind) + ":" + ref.ID
}

func cloneRun(r Run) Run {
	r.Fields = domain.CloneFields(r.Fields)
	return r
}

func clonePlate(p Plate) Plate {
	p.Fields = domain.CloneFields(p.Fields)
	return p
}

func cloneWell(w Well) Well {
	w.Refs = domain.CloneRefs(w.Refs)
	w.Fields = domain.CloneFields(w.Fields)
	return w
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.runs {
		out.runs[k] = cloneRun(v)
	}
	for k, v := range s.plates {
		out.plates[k] = clonePlate(v)
	}
	for k, v := range s.wells {
		out.wells[k] = cloneWell(v)
	}
	for k, v := range s.materials {
		out.materials[k] = v
	}
	return out
}

// migrateSnapshot initialises missing buckets and drops records whose parent
// no longer exists.
func migrateSnapshot(snapshot Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range snapshot.Runs {
		state.runs[k] = cloneRun(v)
	}
	for k, v := range snapshot.Plates {
		if _, ok := state.runs[v.RunID]; !ok {
			continue
		}
		state.plates[k] = clonePlate(v)
	}
	for k, v := range snapshot.Wells {
		if _, ok := state.plates[v.PlateID]; !ok {
			continue
		}
		state.wells[k] = cloneWell(v)
	}
	for k, v := range snapshot.Materials {
		state.materials[k] = v
	}
	return state
}

// CommitHook is called with the changes of a transaction that passed the
// rules engine, before they become visible. A hook error aborts the commit.
type CommitHook func(ctx context.Context, view TransactionView, changes []Change) error

// Store provides an in-memory transactional store for runs, plates and wells.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = migrateSnapshot(snapshot)
}

// SetCommitHook installs fn as the commit hook. Durable stores use it to write
// each change set inside the store lock.
func (s *Store) SetCommitHook(fn CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// RulesEngine exposes the engine evaluated at commit.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// RunInTransaction executes fn within a transactional copy of the store
// state. Registered rules are evaluated against the resulting state and any
// blocking violation discards it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, transactionView{state: &tx.state}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if s.hook != nil && len(tx.changes) > 0 {
		if err := s.hook(ctx, transactionView{state: &tx.state}, tx.changes); err != nil {
			return result, err
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

// GetRun retrieves a run from committed state.
func (s *Store) GetRun(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.FindRun(id)
}

// ListRuns returns committed runs ordered by ID.
func (s *Store) ListRuns() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.ListRuns()
}

// ListPlates returns the committed plates of a run ordered by plate number.
func (s *Store) ListPlates(runID string) []Plate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.ListPlates(runID)
}

// CurrentWells returns the committed wells of a plate ordered by position.
func (s *Store) CurrentWells(plateID string) []Well {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.CurrentWells(plateID)
}

type transactionView struct {
	state *memoryState
}

func (v transactionView) FindRun(id string) (Run, bool) {
	r, ok := v.state.runs[id]
	if !ok {
		return Run{}, false
	}
	return cloneRun(r), true
}

func (v transactionView) ListRuns() []Run {
	out := make([]Run, 0, len(v.state.runs))
	for _, r := range v.state.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindPlate(id string) (Plate, bool) {
	p, ok := v.state.plates[id]
	if !ok {
		return Plate{}, false
	}
	return clonePlate(p), true
}

func (v transactionView) ListPlates(runID string) []Plate {
	var out []Plate
	for _, p := range v.state.plates {
		if p.RunID == runID {
			out = append(out, clonePlate(p))
		}
	}
	sortPlates(out)
	return out
}

func (v transactionView) CurrentWells(plateID string) []Well {
	var out []Well
	for _, w := range v.state.wells {
		if w.PlateID == plateID {
			out = append(out, cloneWell(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v transactionView) FindMaterial(ref domain.PoolRef) (Material, bool) {
	m, ok := v.state.materials[MaterialKey(ref)]
	return m, ok
}

func (v transactionView) PlatesUsingBarcode(barcode string) []Plate {
	var out []Plate
	if barcode == "" {
		return out
	}
	for _, p := range v.state.plates {
		if p.ConsumableBarcode == barcode {
			out = append(out, clonePlate(p))
		}
	}
	sortPlates(out)
	return out
}

func (v transactionView) CountPlatesUsingBarcode(barcode, excludeRunID string) int {
	n := 0
	for _, p := range v.PlatesUsingBarcode(barcode) {
		if excludeRunID == "" || p.RunID != excludeRunID {
			n++
		}
	}
	return n
}

func (v transactionView) WellsUsingBarcode(barcode, excludeRunID string) []string {
	seen := make(map[string]struct{})
	for _, p := range v.PlatesUsingBarcode(barcode) {
		if excludeRunID != "" && p.RunID == excludeRunID {
			continue
		}
		for _, w := range v.state.wells {
			if w.PlateID == p.ID {
				seen[w.Position] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for pos := range seen {
		out = append(out, pos)
	}
	sort.Strings(out)
	return out
}

func sortPlates(plates []Plate) {
	sort.Slice(plates, func(i, j int) bool {
		if plates[i].PlateNumber != plates[j].PlateNumber {
			return plates[i].PlateNumber < plates[j].PlateNumber
		}
		return plates[i].ID < plates[j].ID
	})
}

type transaction struct {
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) CreateRun(r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := tx.state.runs[r.ID]; exists {
		return Run{}, fmt.Errorf("run %q already exists", r.ID)
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.runs[r.ID] = cloneRun(r)
	tx.recordChange(Change{Entity: domain.EntityRun, Action: domain.ActionCreate, After: cloneRun(r)})
	return cloneRun(r), nil
}

func (tx *transaction) UpdateRun(id string, mutator func(*Run) error) (Run, error) {
	current, ok := tx.state.runs[id]
	if !ok {
		return Run{}, domain.ErrNotFound{Entity: domain.EntityRun, ID: id}
	}
	before := cloneRun(current)
	if err := mutator(&current); err != nil {
		return Run{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.runs[id] = cloneRun(current)
	tx.recordChange(Change{Entity: domain.EntityRun, Action: domain.ActionUpdate, Before: before, After: cloneRun(current)})
	return cloneRun(current), nil
}

func (tx *transaction) CreatePlate(p Plate) (Plate, error) {
	if _, ok := tx.state.runs[p.RunID]; !ok {
		return Plate{}, domain.ErrNotFound{Entity: domain.EntityRun, ID: p.RunID}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := tx.state.plates[p.ID]; exists {
		return Plate{}, fmt.Errorf("plate %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.plates[p.ID] = clonePlate(p)
	tx.recordChange(Change{Entity: domain.EntityPlate, Action: domain.ActionCreate, After: clonePlate(p)})
	return clonePlate(p), nil
}

func (tx *transaction) UpdatePlate(id string, mutator func(*Plate) error) (Plate, error) {
	current, ok := tx.state.plates[id]
	if !ok {
		return Plate{}, domain.ErrNotFound{Entity: domain.EntityPlate, ID: id}
	}
	before := clonePlate(current)
	if err := mutator(&current); err != nil {
		return Plate{}, err
	}
	current.ID = id
	current.RunID = before.RunID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.plates[id] = clonePlate(current)
	tx.recordChange(Change{Entity: domain.EntityPlate, Action: domain.ActionUpdate, Before: before, After: clonePlate(current)})
	return clonePlate(current), nil
}

// DeletePlate removes a plate and its wells.
func (tx *transaction) DeletePlate(id string) error {
	current, ok := tx.state.plates[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityPlate, ID: id}
	}
	for _, w := range (transactionView{state: &tx.state}).CurrentWells(id) {
		if err := tx.DeleteWell(w.ID); err != nil {
			return err
		}
	}
	delete(tx.state.plates, id)
	tx.recordChange(Change{Entity: domain.EntityPlate, Action: domain.ActionDelete, Before: clonePlate(current)})
	return nil
}

func (tx *transaction) CreateWell(w Well) (Well, error) {
	if _, ok := tx.state.plates[w.PlateID]; !ok {
		return Well{}, domain.ErrNotFound{Entity: domain.EntityPlate, ID: w.PlateID}
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if _, exists := tx.state.wells[w.ID]; exists {
		return Well{}, fmt.Errorf("well %q already exists", w.ID)
	}
	w.CreatedAt = tx.now
	w.UpdatedAt = tx.now
	tx.state.wells[w.ID] = cloneWell(w)
	tx.recordChange(Change{Entity: domain.EntityWell, Action: domain.ActionCreate, After: cloneWell(w)})
	return cloneWell(w), nil
}

func (tx *transaction) UpdateWell(id string, mutator func(*Well) error) (Well, error) {
	current, ok := tx.state.wells[id]
	if !ok {
		return Well{}, domain.ErrNotFound{Entity: domain.EntityWell, ID: id}
	}
	before := cloneWell(current)
	if err := mutator(&current); err != nil {
		return Well{}, err
	}
	current.ID = id
	current.PlateID = before.PlateID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.wells[id] = cloneWell(current)
	tx.recordChange(Change{Entity: domain.EntityWell, Action: domain.ActionUpdate, Before: before, After: cloneWell(current)})
	return cloneWell(current), nil
}

func (tx *transaction) DeleteWell(id string) error {
	current, ok := tx.state.wells[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityWell, ID: id}
	}
	delete(tx.state.wells, id)
	tx.recordChange(Change{Entity: domain.EntityWell, Action: domain.ActionDelete, Before: cloneWell(current)})
	return nil
}

// PutMaterial inserts or replaces the projection of a pool or library.
func (tx *transaction) PutMaterial(m Material) (Material, error) {
	if !m.Ref.Kind.Valid() {
		return Material{}, fmt.Errorf("material kind %q is not supported", m.Ref.Kind)
	}
	if m.Ref.ID == "" {
		return Material{}, fmt.Errorf("material id required")
	}
	entity := domain.EntityPool
	if m.Ref.Kind == domain.RefLibrary {
		entity = domain.EntityLibrary
	}
	key := MaterialKey(m.Ref)
	change := Change{Entity: entity, Action: domain.ActionCreate, After: m}
	if before, ok := tx.state.materials[key]; ok {
		change.Action = domain.ActionUpdate
		change.Before = before
	}
	tx.state.materials[key] = m
	tx.recordChange(change)
	return m, nil
}
