package memory

import (
	"encoding/json"
	"fmt"
	"sort"

	"traction/pkg/domain"
)

// kindOrder ranks entity kinds parents first.
var kindOrder = []domain.EntityType{
	domain.EntityRun, domain.EntityPlate, domain.EntityWell, domain.EntityPool, domain.EntityLibrary,
}

// Key identifies a persisted record.
type Key struct {
	Kind domain.EntityType
	ID   string
}

// Record is one entity as a durable row. RunID groups plates and wells under
// their run and is empty for runs and materials.
type Record struct {
	Key
	RunID   string
	Payload []byte
}

// Load decodes rec into the snapshot. Unknown kinds are ignored so rows
// written by newer versions do not block a rollback.
func (s *Snapshot) Load(rec Record) error {
	var err error
	switch rec.Kind {
	case domain.EntityRun:
		var r Run
		if err = json.Unmarshal(rec.Payload, &r); err == nil {
			s.Runs = put(s.Runs, rec.ID, r)
		}
	case domain.EntityPlate:
		var p Plate
		if err = json.Unmarshal(rec.Payload, &p); err == nil {
			s.Plates = put(s.Plates, rec.ID, p)
		}
	case domain.EntityWell:
		var w Well
		if err = json.Unmarshal(rec.Payload, &w); err == nil {
			s.Wells = put(s.Wells, rec.ID, w)
		}
	case domain.EntityPool, domain.EntityLibrary:
		var m Material
		if err = json.Unmarshal(rec.Payload, &m); err == nil {
			s.Materials = put(s.Materials, MaterialKey(m.Ref), m)
		}
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode %s %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

// ChangeSet folds a transaction's changes into the rows to upsert and the keys
// to delete. The last change to a key wins. Wells resolve their run through
// view, which must reflect the transaction's final state.
func ChangeSet(view TransactionView, changes []Change) (upserts []Record, deletes []Key, err error) {
	final := make(map[Key]any)
	var order []Key
	for _, c := range changes {
		key, ok := changeKey(c)
		if !ok {
			return nil, nil, fmt.Errorf("unsupported change %s %s", c.Entity, c.Action)
		}
		if _, seen := final[key]; !seen {
			order = append(order, key)
		}
		if c.Action == domain.ActionDelete {
			final[key] = nil
			continue
		}
		final[key] = c.After
	}
	sort.SliceStable(order, func(i, j int) bool { return kindRank(order[i].Kind) < kindRank(order[j].Kind) })

	for _, key := range order {
		v := final[key]
		if v == nil {
			deletes = append(deletes, key)
			continue
		}
		var runID string
		switch e := v.(type) {
		case Plate:
			runID = e.RunID
		case Well:
			if p, ok := view.FindPlate(e.PlateID); ok {
				runID = p.RunID
			}
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s %s: %w", key.Kind, key.ID, err)
		}
		upserts = append(upserts, Record{Key: key, RunID: runID, Payload: payload})
	}
	// Children go before parents so a row never outlives its run.
	for i, j := 0, len(deletes)-1; i < j; i, j = i+1, j-1 {
		deletes[i], deletes[j] = deletes[j], deletes[i]
	}
	return upserts, deletes, nil
}

func changeKey(c Change) (Key, bool) {
	v := c.After
	if c.Action == domain.ActionDelete {
		v = c.Before
	}
	switch e := v.(type) {
	case Run:
		return Key{Kind: domain.EntityRun, ID: e.ID}, true
	case Plate:
		return Key{Kind: domain.EntityPlate, ID: e.ID}, true
	case Well:
		return Key{Kind: domain.EntityWell, ID: e.ID}, true
	case Material:
		return Key{Kind: materialKind(e.Ref), ID: e.Ref.ID}, true
	}
	return Key{}, false
}

func materialKind(ref domain.PoolRef) domain.EntityType {
	if ref.Kind == domain.RefLibrary {
		return domain.EntityLibrary
	}
	return domain.EntityPool
}

func kindRank(kind domain.EntityType) int {
	for i, k := range kindOrder {
		if k == kind {
			return i
		}
	}
	return len(kindOrder)
}

func put[V any](m map[string]V, key string, v V) map[string]V {
	if m == nil {
		m = make(map[string]V)
	}
	m[key] = v
	return m
}
