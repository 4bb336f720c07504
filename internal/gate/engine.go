package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/complygate/complygate/internal/evaluator"
	"github.com/complygate/complygate/internal/geofence"
	"github.com/complygate/complygate/internal/ledger"
	"github.com/complygate/complygate/internal/proposition"
	"github.com/complygate/complygate/internal/rules"
)

// Options wires the engine's collaborators and policy knobs.
type Options struct {
	Registry *rules.Registry
	Ledger   *ledger.Ledger

	// RuleTimeout bounds each individual predicate evaluation.
	// Default 50ms.
	RuleTimeout time.Duration

	// EvalTimeout bounds a whole evaluation. Expiry before any matched
	// BLOCKING rule resolves yields INDETERMINATE. Default 2s.
	EvalTimeout time.Duration

	// NoRuleRequired lists action categories exempt from default-deny:
	// a proposition in one of these categories that matches zero rules
	// is permitted rather than blocked.
	NoRuleRequired []string

	// Metrics is optional.
	Metrics *Metrics
}

// Engine orchestrates one decision per submitted proposition. Evaluation
// is stateless; any number of Decide calls run concurrently, each pinning
// the rule snapshot it starts with. The ledger is the single
// serialization point.
type Engine struct {
	registry       *rules.Registry
	ledger         *ledger.Ledger
	ruleTimeout    time.Duration
	evalTimeout    time.Duration
	noRuleRequired map[string]bool
	metrics        *Metrics
}

// New creates a decision engine.
func New(opts Options) *Engine {
	e := &Engine{
		registry:       opts.Registry,
		ledger:         opts.Ledger,
		ruleTimeout:    opts.RuleTimeout,
		evalTimeout:    opts.EvalTimeout,
		noRuleRequired: make(map[string]bool, len(opts.NoRuleRequired)),
		metrics:        opts.Metrics,
	}
	if e.ruleTimeout <= 0 {
		e.ruleTimeout = 50 * time.Millisecond
	}
	if e.evalTimeout <= 0 {
		e.evalTimeout = 2 * time.Second
	}
	for _, c := range opts.NoRuleRequired {
		e.noRuleRequired[strings.TrimSpace(c)] = true
	}
	return e
}

// Decide evaluates a raw proposed action and seals the decision into the
// ledger. Evaluation-time problems never escape as errors — they resolve
// into a verdict. The only errors returned are a
// *proposition.MalformedActionError (input rejected, nothing reaches the
// ledger) and a *ledger.WriteError (decision not durably recorded; the
// caller must resubmit).
func (e *Engine) Decide(ctx context.Context, raw proposition.RawAction) (*Decision, *ledger.Record, error) {
	prop, err := proposition.Build(raw)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()

	// Pin the snapshot: a concurrent publish never changes the rules
	// this evaluation sees.
	snapshot := e.registry.Current()

	evalCtx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	geo := geofence.Check(prop, snapshot, start.UTC())
	eval := evaluator.Evaluate(evalCtx, prop, snapshot, e.ruleTimeout)

	d := e.compose(prop, snapshot, geo, eval)
	d.EvalLatencyUs = time.Since(start).Microseconds()

	if e.metrics != nil {
		e.metrics.RecordDecision(string(d.Verdict), prop.Category, time.Since(start))
		for _, m := range d.Matched {
			e.metrics.RecordRuleMatch(m.RuleID, string(m.Severity), m.Outcome)
		}
	}

	rec, err := e.seal(ctx, d)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordLedgerAppend(false)
		}
		return nil, nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordLedgerAppend(true)
	}

	slog.Info("decision sealed",
		"id", d.ID,
		"verdict", d.Verdict,
		"category", prop.Category,
		"matched", len(d.Matched),
		"seq", rec.Seq,
		"ruleset_version", d.RuleSetVersion,
	)
	return d, rec, nil
}

// compose applies the composition policy: geofence denial, any firing
// BLOCKING rule, or any fail-closed (errored / timed out) BLOCKING rule
// blocks; an incomplete evaluation with nothing fired is INDETERMINATE;
// a proposition covered by no deployment-defined rule is blocked unless
// its category is configured no-rule-required; everything else permits.
func (e *Engine) compose(prop *proposition.Proposition, snapshot *rules.RuleSet, geo geofence.Verdict, eval evaluator.Result) *Decision {
	d := &Decision{
		ID:             prop.CorrelationID,
		Proposition:    prop,
		RuleSetVersion: snapshot.Version(),
		RuleSetHash:    snapshot.ContentHash(),
		Timestamp:      time.Now().UTC(),
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	for _, m := range geo.Matched {
		outcome := "geofence_satisfied"
		if !m.Satisfied {
			outcome = "geofence_denied"
		}
		d.Matched = append(d.Matched, RuleVerdict{
			RuleID:   m.RuleID,
			Severity: m.Severity,
			Outcome:  outcome,
			Message:  m.Message,
		})
	}
	for _, r := range eval.Results {
		d.Matched = append(d.Matched, RuleVerdict{
			RuleID:   r.RuleID,
			Severity: r.Severity,
			Outcome:  string(r.Status),
			Message:  r.Message,
		})
	}

	switch {
	case !geo.Allowed:
		d.Verdict = VerdictBlock
		d.Reason = fmt.Sprintf("residency rule %s: %s", geo.RuleID, geo.Reason)

	case len(eval.Violations()) > 0:
		d.Verdict = VerdictBlock
		v := eval.Violations()[0]
		d.Reason = blockReason(v.RuleID, v.Message)

	case len(eval.FailClosed()) > 0:
		// A BLOCKING predicate that erred or timed out cannot be proven
		// false; treat it as a potential violation.
		fc := eval.FailClosed()[0]
		d.Verdict = VerdictBlock
		d.Reason = fmt.Sprintf("rule %s could not be evaluated (%s): failing closed", fc.RuleID, fc.Err)

	case !eval.Complete:
		d.Verdict = VerdictIndeterminate
		d.Reason = "evaluation deadline expired before all matching rules were evaluated"

	case !e.noRuleRequired[prop.Category] && !coversProposition(snapshot, d.Matched):
		// Absence of a rule must never be interpreted as absence of
		// risk.
		d.Verdict = VerdictBlock
		d.Reason = fmt.Sprintf("no rule covers category %q and it is not marked no-rule-required", prop.Category)

	default:
		d.Verdict = VerdictPermit
		if warnings := eval.Warnings(); len(warnings) > 0 {
			d.Reason = fmt.Sprintf("permitted with %d advisory warning(s)", len(warnings))
		}
	}

	return d
}

// coversProposition reports whether any matched rule is deployment-defined
// coverage. Built-in baseline rules apply to every proposition regardless
// of category, so they do not count: a category that only the builtins
// touched has no rule covering it and falls to default-deny.
func coversProposition(rs *rules.RuleSet, matched []RuleVerdict) bool {
	for _, m := range matched {
		if r, ok := rs.Rule(m.RuleID); ok && !r.Builtin {
			return true
		}
	}
	return false
}

func blockReason(ruleID, message string) string {
	if message != "" {
		return fmt.Sprintf("rule %s: %s", ruleID, message)
	}
	return fmt.Sprintf("rule %s fired", ruleID)
}

// seal appends the decision to the ledger. The decision is final only
// once the record is durable.
func (e *Engine) seal(ctx context.Context, d *Decision) (*ledger.Record, error) {
	doc, err := json.Marshal(d)
	if err != nil {
		return nil, &ledger.WriteError{Err: fmt.Errorf("marshaling decision: %w", err)}
	}

	return e.ledger.Append(ctx, ledger.Entry{
		CorrelationID:    d.ID,
		Verdict:          string(d.Verdict),
		Category:         d.Proposition.Category,
		Actor:            d.Proposition.Actor,
		DataJurisdiction: d.Proposition.DataJurisdiction,
		RuleSetVersion:   d.RuleSetVersion,
		MatchedRules:     d.MatchedRuleIDs(),
		LatencyUs:        d.EvalLatencyUs,
		Decision:         doc,
	})
}
