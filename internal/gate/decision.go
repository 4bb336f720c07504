// Package gate implements the decision engine: it orchestrates the
// context builder, geofence validator, and constraint evaluator, applies
// conflict resolution and the default-deny policy, and seals the
// resulting decision into the audit ledger.
package gate

import (
	"time"

	"github.com/complygate/complygate/internal/proposition"
	"github.com/complygate/complygate/internal/rules"
)

// Verdict is the final outcome for a proposed action.
type Verdict string

const (
	VerdictPermit        Verdict = "PERMIT"
	VerdictBlock         Verdict = "BLOCK"
	VerdictIndeterminate Verdict = "INDETERMINATE"
)

// RuleVerdict records one matched rule and what it contributed.
type RuleVerdict struct {
	RuleID   string         `json:"rule_id"`
	Severity rules.Severity `json:"severity"`
	// Outcome is one of: fired, passed, errored, timed_out,
	// geofence_denied, geofence_satisfied.
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// Decision is the sealed outcome of evaluating one proposition. Created
// exactly once per submission, never mutated, and owned thereafter by the
// ledger record that seals it.
type Decision struct {
	// ID is the caller-supplied correlation id, or a generated UUID when
	// the caller did not supply one.
	ID string `json:"id"`

	Proposition *proposition.Proposition `json:"proposition"`

	Verdict Verdict       `json:"verdict"`
	Matched []RuleVerdict `json:"matched_rules"`
	Reason  string        `json:"reason,omitempty"`

	// RuleSetVersion pins the snapshot used, so later audits can replay
	// the same rules.
	RuleSetVersion uint64    `json:"ruleset_version"`
	RuleSetHash    string    `json:"ruleset_hash"`
	EvalLatencyUs  int64     `json:"eval_latency_us"`
	Timestamp      time.Time `json:"ts"`
}

// MatchedRuleIDs returns the identifiers of all matched rules, in
// evaluation order.
func (d *Decision) MatchedRuleIDs() []string {
	if len(d.Matched) == 0 {
		return nil
	}
	ids := make([]string, len(d.Matched))
	for i, m := range d.Matched {
		ids[i] = m.RuleID
	}
	return ids
}
