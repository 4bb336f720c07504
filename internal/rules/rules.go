// Package rules implements the compliance rule model and the versioned
// rule registry.
//
// Rules are loaded from rules.yaml (custom) and merged with built-in
// baseline rules. A load produces an immutable RuleSet snapshot; the
// registry swaps snapshots atomically so readers always see a complete,
// consistent rule set and in-flight evaluations keep the snapshot they
// started with.
//
// Rule matching supports:
//   - Jurisdiction scope (region codes, or "ANY")
//   - Action categories (or "ANY")
//   - Effective-from / effective-until windows
//   - A tagged predicate over proposition fields (see predicate.go)
//   - Residency rules, a special category checked by the geofence
//     validator instead of the constraint evaluator
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/complygate/complygate/internal/proposition"
)

// Severity controls what a firing rule does to the verdict.
// BLOCKING rules block; ADVISORY rules only produce warnings.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// JurisdictionAny in a jurisdiction scope matches every jurisdiction,
// and in a category list matches every action category.
const JurisdictionAny = "ANY"

// Rule is a single compliance rule. Identifiers are globally unique and
// stable across versions; a rule is superseded by publishing a new set
// containing the same identifier, never edited in place.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Jurisdictions is the scope: region codes, or ANY.
	Jurisdictions StringOrList `yaml:"jurisdictions" json:"jurisdictions"`

	// Categories are the action categories the rule applies to. Empty
	// means ANY.
	Categories StringOrList `yaml:"categories,omitempty" json:"categories,omitempty"`

	Severity Severity `yaml:"severity" json:"severity"`

	// Residency marks a geofence rule: data whose jurisdiction is in
	// scope may only be acted on from AllowedJurisdictions. Residency
	// rules are checked by the geofence validator, never time-boxed.
	Residency            bool         `yaml:"residency,omitempty" json:"residency,omitempty"`
	AllowedJurisdictions StringOrList `yaml:"allowed_jurisdictions,omitempty" json:"allowed_jurisdictions,omitempty"`

	// Predicate is evaluated against the proposition's attributes. A nil
	// predicate means the rule fires whenever its scope matches.
	Predicate *Predicate `yaml:"predicate,omitempty" json:"predicate,omitempty"`

	EffectiveFrom  *time.Time `yaml:"effective_from,omitempty" json:"effective_from,omitempty"`
	EffectiveUntil *time.Time `yaml:"effective_until,omitempty" json:"effective_until,omitempty"`

	Message string `yaml:"message,omitempty" json:"message,omitempty"`
	Builtin bool   `yaml:"-" json:"builtin,omitempty"`
}

// ValidationError rejects a rule load. The previously published RuleSet
// stays active when a load fails.
type ValidationError struct {
	RuleID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid rule document: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule %q: %s", e.RuleID, e.Reason)
}

// StringOrList handles YAML fields that can be either a single string
// or a list of strings:
//
//	jurisdictions: KE          # single string
//	jurisdictions: [KE, EU]    # list of strings
type StringOrList []string

// UnmarshalYAML handles both scalar and sequence forms.
func (s *StringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// Contains reports membership, case-insensitively, treating ANY as
// matching everything.
func (s StringOrList) Contains(v string) bool {
	for _, item := range s {
		if strings.EqualFold(item, v) || strings.EqualFold(item, JurisdictionAny) {
			return true
		}
	}
	return false
}

// EffectiveAt reports whether the rule is active at the given instant.
func (r *Rule) EffectiveAt(now time.Time) bool {
	if r.EffectiveFrom != nil && now.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && !now.Before(*r.EffectiveUntil) {
		return false
	}
	return true
}

// AppliesTo reports whether the rule's jurisdiction scope, category list,
// and effective window match the proposition. The scope matches when it
// names the data jurisdiction, the actor jurisdiction, or ANY.
func (r *Rule) AppliesTo(p *proposition.Proposition, now time.Time) bool {
	if !r.EffectiveAt(now) {
		return false
	}
	if !r.Jurisdictions.Contains(p.DataJurisdiction) && !r.Jurisdictions.Contains(p.ActorJurisdiction) {
		return false
	}
	if len(r.Categories) > 0 && !r.Categories.Contains(p.Category) {
		return false
	}
	return true
}

// validate checks a single rule's structural invariants.
func (r *Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Reason: "rule must have an id"}
	}
	if len(r.Jurisdictions) == 0 {
		return &ValidationError{RuleID: r.ID, Reason: "jurisdiction scope must not be empty"}
	}
	switch r.Severity {
	case SeverityBlocking, SeverityAdvisory:
	case "":
		return &ValidationError{RuleID: r.ID, Reason: "severity is required (blocking or advisory)"}
	default:
		return &ValidationError{RuleID: r.ID, Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	if r.EffectiveFrom != nil && r.EffectiveUntil != nil && r.EffectiveUntil.Before(*r.EffectiveFrom) {
		return &ValidationError{RuleID: r.ID, Reason: "effective_until is earlier than effective_from"}
	}
	if r.Residency && len(r.AllowedJurisdictions) == 0 {
		return &ValidationError{RuleID: r.ID, Reason: "residency rule must list allowed_jurisdictions"}
	}
	if r.Predicate != nil {
		if err := r.Predicate.compile(); err != nil {
			return &ValidationError{RuleID: r.ID, Reason: fmt.Sprintf("malformed predicate: %v", err)}
		}
	}
	return nil
}

// document is the YAML envelope for rules.yaml.
type document struct {
	Rules   []Rule          `yaml:"rules"`
	Builtin map[string]bool `yaml:"builtin"`
}

// RuleSet is an immutable, versioned snapshot of the active rules.
// Readers must not modify the slices or rules it returns.
type RuleSet struct {
	version     uint64
	contentHash string
	createdAt   time.Time
	byID        map[string]*Rule
	ordered     []*Rule
}

// Version returns the monotonically increasing snapshot version.
func (rs *RuleSet) Version() uint64 { return rs.version }

// ContentHash returns the sha256 of the rule document this set was built
// from, prefixed "sha256:".
func (rs *RuleSet) ContentHash() string { return rs.contentHash }

// CreatedAt returns when the snapshot was built.
func (rs *RuleSet) CreatedAt() time.Time { return rs.createdAt }

// Rule returns the rule with the given identifier.
func (rs *RuleSet) Rule(id string) (*Rule, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// Rules returns the rules in evaluation order: builtins first, then
// custom rules in document order. Callers must treat the slice as
// read-only.
func (rs *RuleSet) Rules() []*Rule { return rs.ordered }

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int { return len(rs.ordered) }

// ValidateDocument parses and validates a rule-definition document
// without publishing it. Returns the number of custom rules it defines.
func ValidateDocument(data []byte) (int, error) {
	custom, _, err := parseDocument(data)
	if err != nil {
		return 0, err
	}
	return len(custom), nil
}

// parseDocument parses and validates a rule-definition document,
// returning the custom rules and builtin toggle map.
func parseDocument(data []byte) ([]Rule, map[string]bool, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, &ValidationError{Reason: fmt.Sprintf("parsing rule document: %v", err)}
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if err := r.validate(); err != nil {
			return nil, nil, err
		}
		if seen[r.ID] {
			return nil, nil, &ValidationError{RuleID: r.ID, Reason: "duplicate identifier within the same load"}
		}
		seen[r.ID] = true
	}

	return doc.Rules, doc.Builtin, nil
}

// buildSet assembles a RuleSet from parsed custom rules and builtin
// toggles. Builtins come first in evaluation order; a custom rule may not
// reuse a builtin identifier.
func buildSet(version uint64, data []byte, custom []Rule, toggles map[string]bool) (*RuleSet, error) {
	defaults := defaultBuiltinToggles()
	if toggles == nil {
		toggles = defaults
	} else {
		for name, def := range defaults {
			if _, ok := toggles[name]; !ok {
				toggles[name] = def
			}
		}
	}

	rs := &RuleSet{
		version:     version,
		contentHash: "sha256:" + hexSum(data),
		createdAt:   time.Now().UTC(),
		byID:        make(map[string]*Rule),
	}

	for _, b := range builtinRules() {
		if enabled, ok := toggles[b.ID]; ok && !enabled {
			continue
		}
		if b.Predicate != nil {
			if err := b.Predicate.compile(); err != nil {
				return nil, fmt.Errorf("compiling builtin rule %q: %w", b.ID, err)
			}
		}
		rs.byID[b.ID] = &b
		rs.ordered = append(rs.ordered, &b)
	}

	for i := range custom {
		r := &custom[i]
		if _, exists := rs.byID[r.ID]; exists {
			return nil, &ValidationError{RuleID: r.ID, Reason: "identifier collides with a built-in rule"}
		}
		rs.byID[r.ID] = r
		rs.ordered = append(rs.ordered, r)
	}

	return rs, nil
}

func hexSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteDefaultDocument writes a commented starter rules.yaml with all
// built-in rules enabled and one example custom rule. Used by
// `complygate rules init`.
func WriteDefaultDocument(path string) error {
	doc := document{Builtin: defaultBuiltinToggles()}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshaling default rules: %w", err)
	}

	header := `# ComplyGate rule definitions.
#
# rules:
#   - id: ke-data-residency
#     description: KE data must not leave KE
#     jurisdictions: KE            # scope: data or actor jurisdiction (or ANY)
#     categories: [transfer]       # action categories (omit for ANY)
#     severity: blocking           # blocking | advisory
#     residency: true              # geofence rule
#     allowed_jurisdictions: [KE]
#     message: Kenyan data is restricted to Kenyan jurisdiction
#
# Non-residency rules carry a predicate over proposition attributes:
#
#   - id: no-unreviewed-deploys
#     jurisdictions: ANY
#     categories: [deployment]
#     severity: blocking
#     predicate:
#       kind: equals
#       attr: reviewed
#       value: false
#
# The builtin: section toggles built-in baseline rules on or off.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
