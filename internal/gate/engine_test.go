package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/complygate/complygate/internal/ledger"
	"github.com/complygate/complygate/internal/proposition"
	"github.com/complygate/complygate/internal/rules"
)

type testGate struct {
	registry *rules.Registry
	store    *ledger.MemStore
	ledger   *ledger.Ledger
	engine   *Engine
}

func newTestGate(t *testing.T, doc string, opts Options) *testGate {
	t.Helper()

	registry := rules.NewRegistry()
	if doc != "" {
		if _, err := registry.LoadDocument([]byte(doc)); err != nil {
			t.Fatal(err)
		}
	}

	store := ledger.NewMemStore()
	led, err := ledger.Open(ledger.Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	opts.Registry = registry
	opts.Ledger = led
	return &testGate{
		registry: registry,
		store:    store,
		ledger:   led,
		engine:   New(opts),
	}
}

func transferAction(actorJur, dataJur string) proposition.RawAction {
	return proposition.RawAction{
		Actor:             "svc-export",
		ActorJurisdiction: actorJur,
		DataJurisdiction:  dataJur,
		Category:          "transfer",
	}
}

const residencyDoc = `rules:
  - id: ke-data-residency
    jurisdictions: KE
    severity: blocking
    residency: true
    allowed_jurisdictions: [KE]
    message: Kenyan data is restricted to Kenyan jurisdiction`

func TestDecideGeofenceBlock(t *testing.T) {
	g := newTestGate(t, residencyDoc, Options{})

	d, rec, err := g.engine.Decide(context.Background(), transferAction("US", "KE"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", d.Verdict)
	}
	if d.Reason == "" {
		t.Error("blocked decision has no reason")
	}
	if rec.Seq != 0 || rec.Verdict != "BLOCK" {
		t.Errorf("record = seq %d verdict %s", rec.Seq, rec.Verdict)
	}

	found := false
	for _, m := range d.Matched {
		if m.RuleID == "ke-data-residency" && m.Outcome == "geofence_denied" {
			found = true
		}
	}
	if !found {
		t.Errorf("matched = %+v, missing geofence denial", d.Matched)
	}
}

func TestDecideGeofencePermit(t *testing.T) {
	g := newTestGate(t, residencyDoc, Options{})

	d, _, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictPermit {
		t.Fatalf("verdict = %s, want PERMIT (%s)", d.Verdict, d.Reason)
	}
}

func TestDecideDefaultDeny(t *testing.T) {
	g := newTestGate(t, "", Options{})

	// No rule covers this category; absence of a rule is not absence of
	// risk.
	d, _, err := g.engine.Decide(context.Background(), proposition.RawAction{
		Actor:             "svc-misc",
		ActorJurisdiction: "KE",
		Category:          "unclassified-op",
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", d.Verdict)
	}
}

func TestDecideBuiltinMatchAloneIsNotCoverage(t *testing.T) {
	// The restricted-data builtin is scoped ANY with no category filter,
	// so it matches every proposition. A passed builtin must not stand in
	// for deployment-defined coverage, or default-deny could never fire.
	g := newTestGate(t, "", Options{})

	d, _, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK (%s)", d.Verdict, d.Reason)
	}

	// The builtin still shows up in matched_rules for the audit trail.
	ids := d.MatchedRuleIDs()
	if len(ids) != 1 || ids[0] != "builtin_restricted_residency" {
		t.Errorf("matched = %v", ids)
	}
}

func TestDecideCustomRuleCoversItsCategory(t *testing.T) {
	g := newTestGate(t, `rules:
  - id: transfer-size-cap
    jurisdictions: ANY
    categories: [transfer]
    severity: blocking
    predicate:
      kind: range
      attr: size_mb
      min: 1000`, Options{})

	raw := transferAction("KE", "KE")
	raw.Attributes = map[string]any{"size_mb": float64(10)}

	d, _, err := g.engine.Decide(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictPermit {
		t.Fatalf("verdict = %s, want PERMIT (%s)", d.Verdict, d.Reason)
	}
}

func TestDecideNoRuleRequiredCategory(t *testing.T) {
	g := newTestGate(t, "", Options{NoRuleRequired: []string{"telemetry"}})

	d, _, err := g.engine.Decide(context.Background(), proposition.RawAction{
		Actor:             "svc-metrics",
		ActorJurisdiction: "KE",
		Category:          "telemetry",
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictPermit {
		t.Fatalf("verdict = %s, want PERMIT (%s)", d.Verdict, d.Reason)
	}
}

func TestDecideBlockingRuleFires(t *testing.T) {
	g := newTestGate(t, `rules:
  - id: no-unreviewed-deploys
    jurisdictions: ANY
    categories: [deployment]
    severity: blocking
    predicate:
      kind: equals
      attr: reviewed
      value: false
    message: deployments require review`, Options{})

	d, _, err := g.engine.Decide(context.Background(), proposition.RawAction{
		Actor:             "svc-deploy",
		ActorJurisdiction: "KE",
		Category:          "deployment",
		Attributes:        map[string]any{"reviewed": false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", d.Verdict)
	}
	if d.Reason != "rule no-unreviewed-deploys: deployments require review" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecideAdvisoryNeverBlocks(t *testing.T) {
	g := newTestGate(t, `rules:
  - id: large-transfer-advisory
    jurisdictions: ANY
    categories: [transfer]
    severity: advisory
    predicate:
      kind: range
      attr: size_mb
      min: 100`, Options{})

	d, _, err := g.engine.Decide(context.Background(), proposition.RawAction{
		Actor:             "svc-export",
		ActorJurisdiction: "KE",
		Category:          "transfer",
		Attributes:        map[string]any{"size_mb": float64(500)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictPermit {
		t.Fatalf("verdict = %s, want PERMIT", d.Verdict)
	}
	if d.Reason != "permitted with 1 advisory warning(s)" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecideBuiltinRestrictedCrossBorder(t *testing.T) {
	g := newTestGate(t, "", Options{})

	raw := transferAction("US", "KE")
	raw.Classifications = []string{"restricted"}

	d, _, err := g.engine.Decide(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", d.Verdict)
	}
	ids := d.MatchedRuleIDs()
	if len(ids) == 0 || ids[0] != "builtin_restricted_residency" {
		t.Errorf("matched = %v", ids)
	}
}

func TestDecideUndecidablePredicateFailsClosed(t *testing.T) {
	g := newTestGate(t, `rules:
  - id: size-cap
    jurisdictions: ANY
    categories: [transfer]
    severity: blocking
    predicate:
      kind: range
      attr: size_mb
      max: 100`, Options{})

	raw := transferAction("KE", "KE")
	raw.Attributes = map[string]any{"size_mb": "not-a-number"}

	d, _, err := g.engine.Decide(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK (fail-closed)", d.Verdict)
	}

	found := false
	for _, m := range d.Matched {
		if m.RuleID == "size-cap" && m.Outcome == "errored" {
			found = true
		}
	}
	if !found {
		t.Errorf("matched = %+v, missing errored outcome", d.Matched)
	}
}

func TestDecideIndeterminateOnExpiredDeadline(t *testing.T) {
	// An evaluation deadline that has already expired when the first
	// matching rule is reached leaves the evaluation incomplete with
	// nothing fired.
	g := newTestGate(t, "", Options{EvalTimeout: time.Nanosecond})

	d, rec, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != VerdictIndeterminate {
		t.Fatalf("verdict = %s, want INDETERMINATE (%s)", d.Verdict, d.Reason)
	}
	// Indeterminate outcomes are still sealed into the ledger.
	if rec.Verdict != "INDETERMINATE" {
		t.Errorf("record verdict = %s", rec.Verdict)
	}
}

func TestDecideMalformedActionNeverReachesLedger(t *testing.T) {
	g := newTestGate(t, "", Options{})

	_, _, err := g.engine.Decide(context.Background(), proposition.RawAction{Category: "transfer"})
	var malformed *proposition.MalformedActionError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedActionError, got %v", err)
	}
	if g.ledger.Seq() != 0 {
		t.Errorf("ledger seq = %d after rejected input", g.ledger.Seq())
	}
}

func TestDecideLedgerWriteFailure(t *testing.T) {
	g := newTestGate(t, residencyDoc, Options{})

	g.store.FailNext = true
	_, _, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	var writeErr *ledger.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if g.ledger.Seq() != 0 {
		t.Errorf("ledger seq = %d after failed write", g.ledger.Seq())
	}

	// A resubmission succeeds and takes the unused sequence number.
	_, rec, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Seq != 0 {
		t.Errorf("retry seq = %d, want 0", rec.Seq)
	}
}

func TestDecidePinsRuleSetVersion(t *testing.T) {
	g := newTestGate(t, residencyDoc, Options{})

	d1, _, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.registry.LoadDocument([]byte(`rules:
  - id: ke-data-residency
    jurisdictions: KE
    severity: blocking
    residency: true
    allowed_jurisdictions: [KE, EU]`)); err != nil {
		t.Fatal(err)
	}

	d2, _, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}

	if d1.RuleSetVersion == d2.RuleSetVersion {
		t.Errorf("both decisions pinned version %d across a publish", d1.RuleSetVersion)
	}
}

func TestDecideCorrelationID(t *testing.T) {
	g := newTestGate(t, residencyDoc, Options{})

	raw := transferAction("KE", "KE")
	raw.CorrelationID = "req-42"
	d, rec, err := g.engine.Decide(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "req-42" || rec.CorrelationID != "req-42" {
		t.Errorf("correlation id = %q / %q", d.ID, rec.CorrelationID)
	}

	d2, _, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}
	if d2.ID == "" {
		t.Error("no correlation id generated")
	}
}

func TestDecideConcurrentSubmissions(t *testing.T) {
	g := newTestGate(t, residencyDoc, Options{})

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := transferAction("KE", "KE")
			raw.CorrelationID = fmt.Sprintf("req-%d", i)
			if _, _, err := g.engine.Decide(context.Background(), raw); err != nil {
				t.Errorf("decide %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if g.ledger.Seq() != n {
		t.Errorf("ledger seq = %d, want %d", g.ledger.Seq(), n)
	}
	if res, err := g.ledger.Verify(0, -1); err != nil || !res.Intact {
		t.Errorf("chain not intact: %+v, %v", res, err)
	}
}

func TestDecideRecordsLatency(t *testing.T) {
	g := newTestGate(t, residencyDoc, Options{RuleTimeout: 50 * time.Millisecond})

	d, _, err := g.engine.Decide(context.Background(), transferAction("KE", "KE"))
	if err != nil {
		t.Fatal(err)
	}
	if d.EvalLatencyUs < 0 {
		t.Errorf("latency = %d", d.EvalLatencyUs)
	}
	if d.RuleSetHash == "" {
		t.Error("decision missing rule set hash")
	}
}
