package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/complygate/complygate/internal/proposition"
)

// Predicate is a tagged variant over a closed set of predicate kinds.
// Keeping the set closed lets the evaluator reason about totality instead
// of invoking opaque callables.
//
// Kinds:
//   - equals:       attribute equals a scalar value
//   - in:           attribute is a member of a value set (for the
//     "classifications" attribute, any tag in the set matches)
//   - range:        numeric attribute within [min, max] (either bound
//     may be omitted)
//   - jurisdiction: the proposition's data (or actor) jurisdiction is a
//     member of a jurisdiction set
//   - pattern:      attribute matches a glob pattern
//   - cross_border: the actor and data jurisdictions differ
//   - all / any:    composite AND / OR over sub-predicates
type Predicate struct {
	Kind string `yaml:"kind" json:"kind"`

	// Attr names the proposition field or domain attribute for
	// equals/in/range/pattern. Reserved names: actor, actor_jurisdiction,
	// data_jurisdiction, category, classifications.
	Attr string `yaml:"attr,omitempty" json:"attr,omitempty"`

	Value  any          `yaml:"value,omitempty" json:"value,omitempty"`
	Values StringOrList `yaml:"values,omitempty" json:"values,omitempty"`

	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Jurisdictions is the member set for kind "jurisdiction". Field
	// selects which side is tested: "data" (default) or "actor".
	Jurisdictions StringOrList `yaml:"jurisdictions,omitempty" json:"jurisdictions,omitempty"`
	Field         string       `yaml:"field,omitempty" json:"field,omitempty"`

	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	Sub []*Predicate `yaml:"of,omitempty" json:"of,omitempty"`

	compiled glob.Glob
}

// Predicate kinds.
const (
	PredEquals       = "equals"
	PredIn           = "in"
	PredRange        = "range"
	PredJurisdiction = "jurisdiction"
	PredPattern      = "pattern"
	PredCrossBorder  = "cross_border"
	PredAll          = "all"
	PredAny          = "any"
)

// compile validates the predicate tree and pre-compiles glob patterns.
// Compiling once at load time keeps per-evaluation cost low.
func (p *Predicate) compile() error {
	switch p.Kind {
	case PredEquals:
		if p.Attr == "" {
			return fmt.Errorf("equals predicate requires attr")
		}
		if p.Value == nil {
			return fmt.Errorf("equals predicate requires value")
		}
	case PredIn:
		if p.Attr == "" {
			return fmt.Errorf("in predicate requires attr")
		}
		if len(p.Values) == 0 {
			return fmt.Errorf("in predicate requires values")
		}
	case PredRange:
		if p.Attr == "" {
			return fmt.Errorf("range predicate requires attr")
		}
		if p.Min == nil && p.Max == nil {
			return fmt.Errorf("range predicate requires min or max")
		}
		if p.Min != nil && p.Max != nil && *p.Max < *p.Min {
			return fmt.Errorf("range predicate max %v below min %v", *p.Max, *p.Min)
		}
	case PredJurisdiction:
		if len(p.Jurisdictions) == 0 {
			return fmt.Errorf("jurisdiction predicate requires jurisdictions")
		}
		switch p.Field {
		case "", "data", "actor":
		default:
			return fmt.Errorf("jurisdiction predicate field must be data or actor, got %q", p.Field)
		}
	case PredPattern:
		if p.Attr == "" {
			return fmt.Errorf("pattern predicate requires attr")
		}
		g, err := glob.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
		}
		p.compiled = g
	case PredCrossBorder:
		// No parameters.
	case PredAll, PredAny:
		if len(p.Sub) == 0 {
			return fmt.Errorf("%s predicate requires sub-predicates under of:", p.Kind)
		}
		for _, sub := range p.Sub {
			if err := sub.compile(); err != nil {
				return err
			}
		}
	case "":
		return fmt.Errorf("predicate kind is required")
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}

// Eval evaluates the predicate against a proposition. A returned error
// means the predicate could not be decided (for example a range predicate
// over a non-numeric attribute); callers must treat that as fail-closed,
// never as false.
//
// Absence of an attribute is a definite non-match for equals/in/pattern,
// not an error: the predicate is proven false because there is no value
// to satisfy it.
func (p *Predicate) Eval(prop *proposition.Proposition) (bool, error) {
	switch p.Kind {
	case PredEquals:
		v, ok := prop.Attribute(p.Attr)
		if !ok {
			return false, nil
		}
		return scalarEqual(v, p.Value), nil

	case PredIn:
		v, ok := prop.Attribute(p.Attr)
		if !ok {
			return false, nil
		}
		if tags, isTags := v.([]string); isTags {
			for _, t := range tags {
				if p.Values.Contains(t) {
					return true, nil
				}
			}
			return false, nil
		}
		return p.Values.Contains(scalarString(v)), nil

	case PredRange:
		v, ok := prop.Attribute(p.Attr)
		if !ok {
			return false, nil
		}
		n, err := toFloat(v)
		if err != nil {
			return false, fmt.Errorf("range predicate on attr %q: %w", p.Attr, err)
		}
		if p.Min != nil && n < *p.Min {
			return false, nil
		}
		if p.Max != nil && n > *p.Max {
			return false, nil
		}
		return true, nil

	case PredJurisdiction:
		jur := prop.DataJurisdiction
		if p.Field == "actor" {
			jur = prop.ActorJurisdiction
		}
		return p.Jurisdictions.Contains(jur), nil

	case PredPattern:
		v, ok := prop.Attribute(p.Attr)
		if !ok {
			return false, nil
		}
		return p.compiled.Match(scalarString(v)), nil

	case PredCrossBorder:
		return prop.ActorJurisdiction != prop.DataJurisdiction, nil

	case PredAll:
		for _, sub := range p.Sub {
			held, err := sub.Eval(prop)
			if err != nil {
				return false, err
			}
			if !held {
				return false, nil
			}
		}
		return true, nil

	case PredAny:
		for _, sub := range p.Sub {
			held, err := sub.Eval(prop)
			if err != nil {
				return false, err
			}
			if held {
				return true, nil
			}
		}
		return false, nil

	default:
		// Unreachable for compiled predicates; fail-closed regardless.
		return false, fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
}

// scalarEqual compares two scalar values, tolerating the numeric type
// drift introduced by JSON and YAML decoding (int vs float64).
func scalarEqual(a, b any) bool {
	if na, errA := toFloat(a); errA == nil {
		if nb, errB := toFloat(b); errB == nil {
			return na == nb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return strings.EqualFold(scalarString(a), scalarString(b))
}

// scalarString renders a scalar for string comparison.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// toFloat converts the numeric types produced by JSON and YAML decoders.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
