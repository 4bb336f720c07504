// Package geofence validates data-residency constraints.
//
// Residency rules are a specialized rule category: they restrict which
// jurisdictions may hold or process data whose jurisdiction is in the
// rule's scope. Jurisdiction membership is a cheap, total check, so the
// geofence is evaluated outside the constraint evaluator and is never
// subject to a predicate deadline.
//
// Residency is opt-in per jurisdiction: when no residency rule applies to
// the proposition's data jurisdiction, the verdict is ALLOWED — absence
// of a residency rule is not itself a violation.
package geofence

import (
	"fmt"
	"time"

	"github.com/complygate/complygate/internal/proposition"
	"github.com/complygate/complygate/internal/rules"
)

// Match records one applicable residency rule and whether the
// proposition's data placement satisfied it.
type Match struct {
	RuleID    string
	Severity  rules.Severity
	Satisfied bool
	Message   string
}

// Verdict is the outcome of the residency check.
type Verdict struct {
	Allowed bool
	// RuleID and Reason identify the first denying rule when !Allowed.
	RuleID string
	Reason string
	// Matched lists every applicable residency rule, satisfied or not,
	// so the decision engine can account for them in matched_rules.
	Matched []Match
}

// Check evaluates the proposition against the residency rules in the
// snapshot. A blocking residency rule whose allowed-jurisdiction set does
// not contain the actor's jurisdiction denies the action; advisory
// residency rules are recorded as unsatisfied matches but never deny.
func Check(p *proposition.Proposition, rs *rules.RuleSet, now time.Time) Verdict {
	v := Verdict{Allowed: true}

	for _, r := range rs.Rules() {
		if !r.Residency {
			continue
		}
		// Residency scope is keyed on where the data lives.
		if !r.EffectiveAt(now) || !r.Jurisdictions.Contains(p.DataJurisdiction) {
			continue
		}
		if len(r.Categories) > 0 && !r.Categories.Contains(p.Category) {
			continue
		}

		satisfied := r.AllowedJurisdictions.Contains(p.ActorJurisdiction)
		v.Matched = append(v.Matched, Match{
			RuleID:    r.ID,
			Severity:  r.Severity,
			Satisfied: satisfied,
			Message:   r.Message,
		})

		if !satisfied && r.Severity == rules.SeverityBlocking && v.Allowed {
			v.Allowed = false
			v.RuleID = r.ID
			v.Reason = denialReason(r, p)
		}
	}

	return v
}

func denialReason(r *rules.Rule, p *proposition.Proposition) string {
	if r.Message != "" {
		return r.Message
	}
	return fmt.Sprintf("jurisdiction %s may not process %s data", p.ActorJurisdiction, p.DataJurisdiction)
}
