// Package proposition normalizes proposed actions into immutable
// propositions for rule evaluation.
//
// A caller submits a loosely-typed action payload (JSON over HTTP, or a
// document on the CLI). Build() turns it into a Proposition: required
// fields checked, classification tags deduplicated, and domain attributes
// preserved verbatim so rules can reference attributes this package does
// not itself understand.
//
// Build is a pure function: no I/O, no side effects, deterministic for
// identical input. The returned Proposition is never mutated afterward —
// evaluation components only read it.
package proposition

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RawAction is the caller-supplied description of a proposed action,
// exactly as received on the wire.
type RawAction struct {
	CorrelationID     string         `json:"correlation_id,omitempty"`
	Actor             string         `json:"actor"`
	ActorJurisdiction string         `json:"actor_jurisdiction"`
	DataJurisdiction  string         `json:"data_jurisdiction,omitempty"`
	Category          string         `json:"category"`
	Classifications   []string       `json:"classifications,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
}

// Proposition is the normalized, immutable form of one proposed action.
type Proposition struct {
	CorrelationID     string         `json:"correlation_id,omitempty"`
	Actor             string         `json:"actor"`
	ActorJurisdiction string         `json:"actor_jurisdiction"`
	DataJurisdiction  string         `json:"data_jurisdiction"`
	Category          string         `json:"category"`
	Classifications   []string       `json:"classifications,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
}

// MalformedActionError reports a client-input problem: a required field is
// absent or the payload could not be decoded. It is recovered locally by
// rejecting the submission and never reaches the ledger.
type MalformedActionError struct {
	Field  string
	Reason string
}

func (e *MalformedActionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed action: field %q %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed action: %s", e.Reason)
}

// Build validates a raw action and produces a Proposition.
//
// Required fields: actor, actor jurisdiction, action category. A missing
// data jurisdiction defaults to the actor's jurisdiction (the common case
// of an actor operating on data it holds locally). Jurisdiction codes are
// uppercased; classification tags are lowercased, deduplicated, and
// sorted. Unknown attributes pass through untouched.
func Build(raw RawAction) (*Proposition, error) {
	if strings.TrimSpace(raw.Actor) == "" {
		return nil, &MalformedActionError{Field: "actor", Reason: "is required"}
	}
	if strings.TrimSpace(raw.ActorJurisdiction) == "" {
		return nil, &MalformedActionError{Field: "actor_jurisdiction", Reason: "is required"}
	}
	if strings.TrimSpace(raw.Category) == "" {
		return nil, &MalformedActionError{Field: "category", Reason: "is required"}
	}

	dataJur := strings.TrimSpace(raw.DataJurisdiction)
	if dataJur == "" {
		dataJur = raw.ActorJurisdiction
	}

	p := &Proposition{
		CorrelationID:     strings.TrimSpace(raw.CorrelationID),
		Actor:             strings.TrimSpace(raw.Actor),
		ActorJurisdiction: strings.ToUpper(strings.TrimSpace(raw.ActorJurisdiction)),
		DataJurisdiction:  strings.ToUpper(dataJur),
		Category:          strings.TrimSpace(raw.Category),
		Classifications:   normalizeTags(raw.Classifications),
	}

	// Copy the attribute map so later mutation of the caller's map can't
	// change an already-built proposition.
	if len(raw.Attributes) > 0 {
		p.Attributes = make(map[string]any, len(raw.Attributes))
		for k, v := range raw.Attributes {
			p.Attributes[k] = v
		}
	}

	return p, nil
}

// Decode unmarshals a JSON action payload and builds a Proposition.
// JSON errors are reported as MalformedActionError, same as missing fields.
func Decode(data []byte) (*Proposition, error) {
	var raw RawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedActionError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return Build(raw)
}

// HasClassification reports whether the proposition carries the given
// classification tag (case-insensitive).
func (p *Proposition) HasClassification(tag string) bool {
	tag = strings.ToLower(tag)
	for _, c := range p.Classifications {
		if c == tag {
			return true
		}
	}
	return false
}

// Attribute looks up a named value for predicate evaluation. Core fields
// are addressable by reserved names so rule predicates can reference them
// uniformly with domain attributes.
func (p *Proposition) Attribute(name string) (any, bool) {
	switch name {
	case "actor":
		return p.Actor, true
	case "actor_jurisdiction":
		return p.ActorJurisdiction, true
	case "data_jurisdiction":
		return p.DataJurisdiction, true
	case "category":
		return p.Category, true
	case "classifications":
		return p.Classifications, true
	}
	v, ok := p.Attributes[name]
	return v, ok
}

// normalizeTags lowercases, deduplicates, and sorts classification tags.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
