package instrument

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// RuleKind selects how an option value is checked.
type RuleKind string

// Supported option rule kinds.
const (
	RulePresence   RuleKind = "presence"
	RuleInclusion  RuleKind = "inclusion"
	RuleRange      RuleKind = "range"
	RuleExpression RuleKind = "expression"
)

// OptionRule is the predicate applied to an option's value. Inclusion, range
// and expression rules skip blank values when AllowBlank is set and report
// them as blank otherwise.
type OptionRule struct {
	Kind       RuleKind `yaml:"kind" json:"kind"`
	Values     []any    `yaml:"values,omitempty" json:"values,omitempty"`
	Min        *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Expression string   `yaml:"expression,omitempty" json:"expression,omitempty"`
	Message    string   `yaml:"message,omitempty" json:"message,omitempty"`
	AllowBlank bool     `yaml:"allow_blank,omitempty" json:"allow_blank,omitempty"`
}

// Option is a named, version-gated setting carried in an object's fields.
type Option struct {
	Key      string     `yaml:"key" json:"key"`
	Scope    Scope      `yaml:"scope" json:"scope"`
	Versions []string   `yaml:"versions,omitempty" json:"versions,omitempty"`
	Rule     OptionRule `yaml:"rule" json:"rule"`

	program cel.Program
}

// AppliesTo reports whether the option is checked for version.
func (o Option) AppliesTo(version string) bool {
	return AppliesTo(o.Versions, version)
}

func (o *Option) compile() error {
	if o.Key == "" {
		return fmt.Errorf("option key required")
	}
	if o.Scope == "" {
		o.Scope = ScopeWell
	}
	if !o.Scope.valid() {
		return fmt.Errorf("option %s: unknown scope %q", o.Key, o.Scope)
	}
	switch o.Rule.Kind {
	case RulePresence:
	case RuleInclusion:
		if len(o.Rule.Values) == 0 {
			return fmt.Errorf("option %s: inclusion rule needs values", o.Key)
		}
	case RuleRange:
		if o.Rule.Min == nil && o.Rule.Max == nil {
			return fmt.Errorf("option %s: range rule needs min or max", o.Key)
		}
	case RuleExpression:
		prg, err := compileExpression(o.Rule.Expression)
		if err != nil {
			return fmt.Errorf("option %s: %w", o.Key, err)
		}
		o.program = prg
	default:
		return fmt.Errorf("option %s: unknown rule kind %q", o.Key, o.Rule.Kind)
	}
	return nil
}

// Check applies the option rule to the value stored under the option key in
// fields. It returns the violation message, or an empty string when valid.
func (o Option) Check(fields map[string]any) (string, error) {
	value, present := fields[o.Key]
	blank := !present || IsBlank(value)
	if blank {
		if o.Rule.Kind != RulePresence && o.Rule.AllowBlank {
			return "", nil
		}
		return "can't be blank", nil
	}
	switch o.Rule.Kind {
	case RulePresence:
		return "", nil
	case RuleInclusion:
		for _, allowed := range o.Rule.Values {
			if SameValue(value, allowed) {
				return "", nil
			}
		}
		return "is not included in the list", nil
	case RuleRange:
		n, ok := AsNumber(value)
		if !ok {
			return "is not a number", nil
		}
		if o.Rule.Min != nil && n < *o.Rule.Min {
			return "must be greater than or equal to " + formatNumber(*o.Rule.Min), nil
		}
		if o.Rule.Max != nil && n > *o.Rule.Max {
			return "must be less than or equal to " + formatNumber(*o.Rule.Max), nil
		}
		return "", nil
	case RuleExpression:
		prg := o.program
		if prg == nil {
			var err error
			if prg, err = compileExpression(o.Rule.Expression); err != nil {
				return "", fmt.Errorf("option %s: %w", o.Key, err)
			}
		}
		// A value the expression cannot evaluate is a bad value, not a fault.
		if ok, err := evalExpression(prg, value, fields); err == nil && ok {
			return "", nil
		}
		if o.Rule.Message != "" {
			return o.Rule.Message, nil
		}
		return "is invalid", nil
	}
	return "", fmt.Errorf("option %s: unknown rule kind %q", o.Key, o.Rule.Kind)
}

func compileExpression(expr string) (cel.Program, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression required")
	}
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create CEL program: %w", err)
	}
	return prg, nil
}

func evalExpression(prg cel.Program, value any, fields map[string]any) (bool, error) {
	vars := make(map[string]any, len(fields))
	for k, v := range fields {
		vars[k] = celValue(v)
	}
	out, _, err := prg.Eval(map[string]any{
		"value":  celValue(value),
		"fields": vars,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// celValue widens Go integers so numeric expressions compare as doubles.
func celValue(v any) any {
	switch v.(type) {
	case string, bool:
		return v
	}
	if n, ok := AsNumber(v); ok {
		return n
	}
	return v
}

// IsBlank reports whether a field value counts as missing.
func IsBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// AsNumber converts numeric values and numeric strings to float64.
func AsNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// SameValue compares two field values, treating numerically equal values as
// equal regardless of representation.
func SameValue(a, b any) bool {
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if _, ok := b.(bool); ok {
		return false
	}
	if an, ok := AsNumber(a); ok {
		if bn, ok := AsNumber(b); ok {
			return an == bn
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
