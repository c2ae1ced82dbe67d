package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"traction/pkg/domain"
)

var positionPattern = regexp.MustCompile(`^[A-Z]+[0-9]+$`)

// Attribute names with a fixed meaning. Every other key on a run, plate or
// well object is an instrument-specific field.
var (
	runKeys     = keySet("run_id", "instrument", "version", "plates", "fields")
	plateKeys   = keySet("plate_id", "plate_number", "consumable_barcode", "wells", "fields")
	wellKeys    = keySet("well_id", "position", "_destroy", "pool_refs", "fields")
	poolRefKeys = keySet("id", "kind", "volume", "concentration", "kit_barcode")
)

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// DecodeRaw reads a JSON submission, keeping numbers as json.Number so that
// integers and decimals survive normalization exactly.
func DecodeRaw(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read submission: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &domain.NormalizationError{Reason: "malformed JSON: " + err.Error()}
	}
	raw, ok := doc.(map[string]any)
	if !ok {
		return nil, &domain.NormalizationError{Reason: "submission must be an object"}
	}
	return raw, nil
}

// DecodeSubmission reads and normalizes a JSON submission.
func DecodeSubmission(r io.Reader) (domain.Submission, error) {
	raw, err := DecodeRaw(r)
	if err != nil {
		return domain.Submission{}, err
	}
	return Normalize(raw)
}

// Normalize converts an untyped submission into its typed desired state.
// It fails with a *domain.NormalizationError naming the offending path.
func Normalize(raw map[string]any) (domain.Submission, error) {
	if raw == nil {
		return domain.Submission{}, &domain.NormalizationError{Reason: "submission must be an object"}
	}
	n := normalizer{wellIDs: make(map[string]string), plateIDs: make(map[string]string)}
	var sub domain.Submission
	var err error
	if sub.RunID, err = idValue("run_id", raw["run_id"]); err != nil {
		return domain.Submission{}, err
	}
	if sub.Instrument, err = textValue("instrument", raw["instrument"]); err != nil {
		return domain.Submission{}, err
	}
	if sub.Version, err = textValue("version", raw["version"]); err != nil {
		return domain.Submission{}, err
	}
	if sub.Fields, err = extraFields("", raw, runKeys); err != nil {
		return domain.Submission{}, err
	}
	items, err := arrayValue("plates", raw["plates"])
	if err != nil {
		return domain.Submission{}, err
	}
	sub.Plates = make([]domain.PlateSpec, 0, len(items))
	for i, item := range items {
		plate, err := n.plate(fmt.Sprintf("plates[%d]", i), i, item)
		if err != nil {
			return domain.Submission{}, err
		}
		sub.Plates = append(sub.Plates, plate)
	}
	return sub, nil
}

type normalizer struct {
	wellIDs  map[string]string
	plateIDs map[string]string
}

func (n normalizer) plate(path string, index int, item any) (domain.PlateSpec, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return domain.PlateSpec{}, &domain.NormalizationError{Path: path, Reason: "must be an object"}
	}
	var plate domain.PlateSpec
	var err error
	if plate.ID, err = idValue(path+".plate_id", obj["plate_id"]); err != nil {
		return domain.PlateSpec{}, err
	}
	if plate.ID != "" {
		if first, dup := n.plateIDs[plate.ID]; dup {
			return domain.PlateSpec{}, &domain.NormalizationError{Path: path + ".plate_id", Reason: "duplicates " + first}
		}
		n.plateIDs[plate.ID] = path + ".plate_id"
	}
	// A named plate without a number keeps its persisted one.
	if plate.ID == "" {
		plate.PlateNumber = index + 1
	}
	if v, present := obj["plate_number"]; present && v != nil {
		if plate.PlateNumber, err = positiveInt(path+".plate_number", v); err != nil {
			return domain.PlateSpec{}, err
		}
	}
	if plate.ConsumableBarcode, err = idValue(path+".consumable_barcode", obj["consumable_barcode"]); err != nil {
		return domain.PlateSpec{}, err
	}
	if plate.Fields, err = extraFields(path, obj, plateKeys); err != nil {
		return domain.PlateSpec{}, err
	}
	items, err := arrayValue(path+".wells", obj["wells"])
	if err != nil {
		return domain.PlateSpec{}, err
	}
	plate.Wells = make([]domain.WellSpec, 0, len(items))
	for i, w := range items {
		well, err := n.well(fmt.Sprintf("%s.wells[%d]", path, i), w)
		if err != nil {
			return domain.PlateSpec{}, err
		}
		plate.Wells = append(plate.Wells, well)
	}
	return plate, nil
}

func (n normalizer) well(path string, item any) (domain.WellSpec, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return domain.WellSpec{}, &domain.NormalizationError{Path: path, Reason: "must be an object"}
	}
	var well domain.WellSpec
	var err error
	if well.ID, err = idValue(path+".well_id", obj["well_id"]); err != nil {
		return domain.WellSpec{}, err
	}
	if well.ID != "" {
		if first, dup := n.wellIDs[well.ID]; dup {
			return domain.WellSpec{}, &domain.NormalizationError{Path: path + ".well_id", Reason: "duplicates " + first}
		}
		n.wellIDs[well.ID] = path + ".well_id"
	}
	if well.MarkedForDestruction, err = boolValue(path+"._destroy", obj["_destroy"]); err != nil {
		return domain.WellSpec{}, err
	}
	if well.MarkedForDestruction && well.ID == "" {
		return domain.WellSpec{}, &domain.NormalizationError{Path: path + "._destroy", Reason: "requires well_id"}
	}
	if well.Position, err = position(path+".position", obj["position"]); err != nil {
		return domain.WellSpec{}, err
	}
	if well.Fields, err = extraFields(path, obj, wellKeys); err != nil {
		return domain.WellSpec{}, err
	}
	refs, err := arrayValue(path+".pool_refs", obj["pool_refs"])
	if err != nil {
		return domain.WellSpec{}, err
	}
	well.Refs = make([]domain.WellRef, 0, len(refs))
	for i, r := range refs {
		ref, err := wellRef(fmt.Sprintf("%s.pool_refs[%d]", path, i), r)
		if err != nil {
			return domain.WellSpec{}, err
		}
		well.Refs = append(well.Refs, ref)
	}
	return well, nil
}

func wellRef(path string, item any) (domain.WellRef, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return domain.WellRef{}, &domain.NormalizationError{Path: path, Reason: "must be an object"}
	}
	for _, key := range sortedKeys(obj) {
		if _, known := poolRefKeys[key]; !known {
			return domain.WellRef{}, &domain.NormalizationError{Path: path + "." + key, Reason: "is not a known attribute"}
		}
	}
	var ref domain.WellRef
	var err error
	if ref.Ref.ID, err = idValue(path+".id", obj["id"]); err != nil {
		return domain.WellRef{}, err
	}
	if ref.Ref.ID == "" {
		return domain.WellRef{}, &domain.NormalizationError{Path: path + ".id", Reason: "can't be blank"}
	}
	kind, err := textValue(path+".kind", obj["kind"])
	if err != nil {
		return domain.WellRef{}, err
	}
	ref.Ref.Kind = domain.RefKind(strings.ToLower(kind))
	if kind == "" {
		ref.Ref.Kind = domain.RefPool
	}
	if !ref.Ref.Kind.Valid() {
		return domain.WellRef{}, &domain.NormalizationError{Path: path + ".kind", Reason: fmt.Sprintf("%q is not a pool or library", kind)}
	}
	if ref.Aliquot.Volume, err = optionalFloat(path+".volume", obj["volume"]); err != nil {
		return domain.WellRef{}, err
	}
	if ref.Aliquot.Concentration, err = optionalFloat(path+".concentration", obj["concentration"]); err != nil {
		return domain.WellRef{}, err
	}
	if ref.Aliquot.KitBarcode, err = idValue(path+".kit_barcode", obj["kit_barcode"]); err != nil {
		return domain.WellRef{}, err
	}
	return ref, nil
}

func position(path string, v any) (string, error) {
	s, err := textValue(path, v)
	if err != nil {
		return "", err
	}
	s = strings.ToUpper(s)
	if s != "" && !positionPattern.MatchString(s) {
		return "", &domain.NormalizationError{Path: path, Reason: fmt.Sprintf("%q is not a valid position", s)}
	}
	return s, nil
}

// extraFields collects the keys outside known plus the members of an explicit
// "fields" object. Top-level keys win over nested ones.
func extraFields(path string, obj map[string]any, known map[string]struct{}) (map[string]any, error) {
	out := make(map[string]any)
	if nested, present := obj["fields"]; present && nested != nil {
		m, ok := nested.(map[string]any)
		if !ok {
			return nil, &domain.NormalizationError{Path: join(path, "fields"), Reason: "must be an object"}
		}
		for k, v := range m {
			out[k] = fieldValue(v)
		}
	}
	for k, v := range obj {
		if _, reserved := known[k]; reserved {
			continue
		}
		out[k] = fieldValue(v)
	}
	return out, nil
}

// fieldValue converts JSON numbers to int64 when integral and float64
// otherwise. Strings are kept as submitted.
func fieldValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = fieldValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = fieldValue(inner)
		}
		return out
	}
	return v
}

func arrayValue(path string, v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &domain.NormalizationError{Path: path, Reason: "must be an array"}
	}
	return items, nil
}

func textValue(path string, v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	}
	return "", &domain.NormalizationError{Path: path, Reason: "must be a string"}
}

// idValue accepts strings and integral numbers and returns their string form.
func idValue(path string, v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		if _, err := t.Int64(); err != nil {
			return "", &domain.NormalizationError{Path: path, Reason: "must be a string or integer"}
		}
		return t.String(), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return "", &domain.NormalizationError{Path: path, Reason: "must be a string or integer"}
		}
		return strconv.FormatInt(int64(t), 10), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	}
	return "", &domain.NormalizationError{Path: path, Reason: "must be a string or integer"}
}

func positiveInt(path string, v any) (int, error) {
	var n int64
	invalid := &domain.NormalizationError{Path: path, Reason: "must be an integer"}
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, invalid
		}
		n = i
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, invalid
		}
		n = int64(t)
	case int:
		n = int64(t)
	case int64:
		n = t
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, invalid
		}
		n = i
	default:
		return 0, invalid
	}
	if n < 1 || n > math.MaxInt32 {
		return 0, &domain.NormalizationError{Path: path, Reason: "must be a positive integer"}
	}
	return int(n), nil
}

func optionalFloat(path string, v any) (*float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil, &domain.NormalizationError{Path: path, Reason: "must be a number"}
		}
		f = parsed
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return nil, &domain.NormalizationError{Path: path, Reason: "must be a number"}
		}
		f = parsed
	default:
		return nil, &domain.NormalizationError{Path: path, Reason: "must be a number"}
	}
	return &f, nil
}

func boolValue(path string, v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return true, nil
		case "false", "0", "":
			return false, nil
		}
	case json.Number:
		switch t.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
	case float64:
		if t == 1 || t == 0 {
			return t == 1, nil
		}
	}
	return false, &domain.NormalizationError{Path: path, Reason: "must be a boolean"}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
