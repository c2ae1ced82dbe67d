// Package instrument loads the per-instrument rule sets that drive run
// construction: legal well positions and fill combinations, plate and well
// count limits, consumable reuse limits and version-gated options.
package instrument

import (
	"bytes"
	_ "embed" // default catalogue
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Scope names the level of a run an attribute or option lives on.
type Scope string

// Supported scopes.
const (
	ScopeRun   Scope = "run"
	ScopePlate Scope = "plate"
	ScopeWell  Scope = "well"
)

func (s Scope) valid() bool {
	return s == ScopeRun || s == ScopePlate || s == ScopeWell
}

// Range bounds a countable collection.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Requirement lists attributes that must not be blank on every object of a
// scope. Versions restricts the requirement to those instrument versions; an
// empty list applies it to every version.
type Requirement struct {
	Scope      Scope    `yaml:"scope" json:"scope"`
	Attributes []string `yaml:"attributes" json:"attributes"`
	Versions   []string `yaml:"versions,omitempty" json:"versions,omitempty"`
}

// Consistency names an attribute whose value must match across all wells of a run.
type Consistency struct {
	Attribute string `yaml:"attribute" json:"attribute"`
	Label     string `yaml:"label" json:"label"`
}

// RuleSet is the configuration for one instrument.
type RuleSet struct {
	Name                 string        `yaml:"name" json:"name"`
	Versions             []string      `yaml:"versions,omitempty" json:"versions,omitempty"`
	Positions            []string      `yaml:"positions" json:"positions"`
	Combinations         [][]string    `yaml:"combinations,omitempty" json:"combinations,omitempty"`
	Plates               Range         `yaml:"plates" json:"plates"`
	Wells                Range         `yaml:"wells" json:"wells"`
	ConsumableReuseLimit int           `yaml:"consumable_reuse_limit,omitempty" json:"consumable_reuse_limit,omitempty"`
	Required             []Requirement `yaml:"required,omitempty" json:"required,omitempty"`
	Options              []Option      `yaml:"options,omitempty" json:"options,omitempty"`
	Consistent           []Consistency `yaml:"consistent,omitempty" json:"consistent,omitempty"`
}

// SupportsVersion reports whether version is declared by the rule set. A rule
// set that declares no versions accepts any.
func (rs RuleSet) SupportsVersion(version string) bool {
	if len(rs.Versions) == 0 {
		return true
	}
	return containsFold(rs.Versions, version)
}

// Validate checks the rule set is internally consistent and compiles its
// expression rules.
func (rs *RuleSet) Validate() error {
	if strings.TrimSpace(rs.Name) == "" {
		return fmt.Errorf("instrument name required")
	}
	if len(rs.Positions) == 0 {
		return fmt.Errorf("instrument %s: positions required", rs.Name)
	}
	legal := make(map[string]struct{}, len(rs.Positions))
	for _, p := range rs.Positions {
		legal[p] = struct{}{}
	}
	for i, combo := range rs.Combinations {
		if len(combo) == 0 {
			return fmt.Errorf("instrument %s: combination %d is empty", rs.Name, i)
		}
		for _, p := range combo {
			if _, ok := legal[p]; !ok {
				return fmt.Errorf("instrument %s: combination %d uses unknown position %s", rs.Name, i, p)
			}
		}
	}
	for label, r := range map[string]Range{"plates": rs.Plates, "wells": rs.Wells} {
		if r.Min < 0 || (r.Max > 0 && r.Min > r.Max) {
			return fmt.Errorf("instrument %s: invalid %s range %d..%d", rs.Name, label, r.Min, r.Max)
		}
	}
	if rs.ConsumableReuseLimit < 0 {
		return fmt.Errorf("instrument %s: consumable_reuse_limit must not be negative", rs.Name)
	}
	for i, req := range rs.Required {
		if !req.Scope.valid() {
			return fmt.Errorf("instrument %s: required[%d] has unknown scope %q", rs.Name, i, req.Scope)
		}
	}
	for i := range rs.Options {
		if err := rs.Options[i].compile(); err != nil {
			return fmt.Errorf("instrument %s: %w", rs.Name, err)
		}
	}
	for i, c := range rs.Consistent {
		if c.Attribute == "" {
			return fmt.Errorf("instrument %s: consistent[%d] attribute required", rs.Name, i)
		}
	}
	return nil
}

// Catalog is a read-only collection of rule sets keyed by instrument name.
type Catalog struct {
	sets  map[string]RuleSet
	names []string
}

type document struct {
	Instruments []RuleSet `yaml:"instruments"`
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode instrument catalogue: %w", err)
	}
	return NewCatalog(doc.Instruments...)
}

// NewCatalog validates the supplied rule sets and indexes them by name.
func NewCatalog(sets ...RuleSet) (*Catalog, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("instrument catalogue is empty")
	}
	c := &Catalog{sets: make(map[string]RuleSet, len(sets))}
	for _, rs := range sets {
		if err := rs.Validate(); err != nil {
			return nil, err
		}
		key := normalizeName(rs.Name)
		if _, dup := c.sets[key]; dup {
			return nil, fmt.Errorf("instrument %s declared twice", rs.Name)
		}
		c.sets[key] = rs
		c.names = append(c.names, rs.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Load reads a YAML catalogue from r.
func Load(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read instrument catalogue: %w", err)
	}
	return Parse(data)
}

// LoadFile reads a YAML catalogue from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied configuration path
	if err != nil {
		return nil, fmt.Errorf("read instrument catalogue: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded catalogue.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Errorf("embedded instrument catalogue: %w", err))
	}
	return c
}

// Lookup returns the rule set for an instrument, matching names case-insensitively.
func (c *Catalog) Lookup(name string) (RuleSet, bool) {
	rs, ok := c.sets[normalizeName(name)]
	return rs, ok
}

// Names lists configured instruments in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// RuleSets returns every configured rule set in name order.
func (c *Catalog) RuleSets() []RuleSet {
	out := make([]RuleSet, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.sets[normalizeName(n)])
	}
	return out
}

// ReuseLimit returns the consumable reuse limit for an instrument, or 0 when
// the instrument is unknown or unlimited.
func (c *Catalog) ReuseLimit(name string) int {
	rs, ok := c.Lookup(name)
	if !ok {
		return 0
	}
	return rs.ConsumableReuseLimit
}

// AppliesTo reports whether a version filter includes version. An empty
// filter applies to every version.
func AppliesTo(versions []string, version string) bool {
	if len(versions) == 0 {
		return true
	}
	return containsFold(versions, version)
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
