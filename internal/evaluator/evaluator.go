// Package evaluator implements the bounded-time constraint evaluator.
//
// For each non-residency rule whose scope matches the proposition, the
// predicate is evaluated against the proposition's attributes. Each
// predicate evaluation is individually time-boxed: on expiry the in-flight
// evaluation is abandoned (not awaited further) and the rule is marked
// TIMED_OUT.
//
// Soundness: a BLOCKING rule whose predicate cannot be proven false —
// because evaluation erred or timed out — is a potential violation. The
// evaluator reports it as such and the decision engine fails closed. An
// evaluator that fails open on predicate error would be a correctness
// bug, not a degradation.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/complygate/complygate/internal/proposition"
	"github.com/complygate/complygate/internal/rules"
)

// Status classifies the outcome of evaluating one rule.
type Status string

const (
	// StatusPassed means the predicate was proven false: the rule does
	// not fire.
	StatusPassed Status = "passed"
	// StatusFired means the predicate held: a BLOCKING rule blocks, an
	// ADVISORY rule warns.
	StatusFired Status = "fired"
	// StatusErrored means predicate evaluation itself failed.
	// Fail-closed for BLOCKING rules.
	StatusErrored Status = "errored"
	// StatusTimedOut means the predicate did not return within the
	// per-rule deadline. Fail-closed for BLOCKING rules.
	StatusTimedOut Status = "timed_out"
)

// RuleResult is the per-rule outcome.
type RuleResult struct {
	RuleID   string         `json:"rule_id"`
	Severity rules.Severity `json:"severity"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Err      string         `json:"error,omitempty"`
}

// Result is the evaluation outcome across all matching rules.
type Result struct {
	Results []RuleResult `json:"results"`

	// Complete is false when the overall evaluation deadline expired
	// before every matching rule was evaluated. The decision engine
	// resolves an incomplete result with nothing fired to INDETERMINATE.
	Complete bool `json:"complete"`
}

// Violations returns the BLOCKING rules that fired.
func (r Result) Violations() []RuleResult {
	return r.filter(rules.SeverityBlocking, StatusFired)
}

// FailClosed returns the BLOCKING rules that errored or timed out —
// potential violations under fail-closed semantics.
func (r Result) FailClosed() []RuleResult {
	out := r.filter(rules.SeverityBlocking, StatusErrored)
	return append(out, r.filter(rules.SeverityBlocking, StatusTimedOut)...)
}

// Warnings returns the ADVISORY rules that fired. Warnings never block.
func (r Result) Warnings() []RuleResult {
	return r.filter(rules.SeverityAdvisory, StatusFired)
}

func (r Result) filter(sev rules.Severity, st Status) []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if res.Severity == sev && res.Status == st {
			out = append(out, res)
		}
	}
	return out
}

// outcome carries a predicate result across the evaluation goroutine
// boundary.
type outcome struct {
	held bool
	err  error
}

// evalPredicate is an indirection point so tests can substitute slow or
// hanging predicates.
var evalPredicate = func(pred *rules.Predicate, p *proposition.Proposition) (bool, error) {
	return pred.Eval(p)
}

// Evaluate runs every matching non-residency rule's predicate against the
// proposition, each bounded by ruleTimeout. Evaluation is stateless and
// side-effect-free; arbitrarily many evaluations run concurrently against
// pinned snapshots.
//
// ctx bounds the evaluation as a whole (typically the request deadline).
// When it expires mid-iteration the result is returned with
// Complete=false; rules not yet evaluated are absent from Results.
func Evaluate(ctx context.Context, p *proposition.Proposition, rs *rules.RuleSet, ruleTimeout time.Duration) Result {
	res := Result{Complete: true}
	now := time.Now().UTC()

	for _, rule := range rs.Rules() {
		if rule.Residency {
			// Residency rules belong to the geofence validator.
			continue
		}
		if !rule.AppliesTo(p, now) {
			continue
		}

		if err := ctx.Err(); err != nil {
			res.Complete = false
			return res
		}

		rr, ok := evaluateRule(ctx, rule, p, ruleTimeout)
		if !ok {
			// Overall deadline expired before the predicate resolved.
			res.Complete = false
			return res
		}
		res.Results = append(res.Results, rr)
	}

	return res
}

// evaluateRule runs one predicate in a goroutine and waits for the first
// of: a result, the per-rule deadline, or overall cancellation. A timed
// out evaluation is simply not awaited further. The second return value
// is false when the overall context expired before the predicate
// resolved.
func evaluateRule(ctx context.Context, rule *rules.Rule, p *proposition.Proposition, ruleTimeout time.Duration) (RuleResult, bool) {
	rr := RuleResult{RuleID: rule.ID, Severity: rule.Severity, Message: rule.Message}

	if rule.Predicate == nil {
		// A rule without a predicate fires whenever its scope matches.
		rr.Status = StatusFired
		return rr, true
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("predicate panicked: %v", r)}
			}
		}()
		held, err := evalPredicate(rule.Predicate, p)
		ch <- outcome{held: held, err: err}
	}()

	timer := time.NewTimer(ruleTimeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		switch {
		case o.err != nil:
			rr.Status = StatusErrored
			rr.Err = o.err.Error()
		case o.held:
			rr.Status = StatusFired
		default:
			rr.Status = StatusPassed
		}
	case <-timer.C:
		rr.Status = StatusTimedOut
		rr.Err = fmt.Sprintf("predicate did not return within %s", ruleTimeout)
	case <-ctx.Done():
		return rr, false
	}

	return rr, true
}
