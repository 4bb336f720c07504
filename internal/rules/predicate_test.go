package rules

import (
	"testing"

	"github.com/complygate/complygate/internal/proposition"
)

func testProp(t *testing.T) *proposition.Proposition {
	t.Helper()
	p, err := proposition.Build(proposition.RawAction{
		Actor:             "svc-export",
		ActorJurisdiction: "US",
		DataJurisdiction:  "KE",
		Category:          "transfer",
		Classifications:   []string{"pii", "financial"},
		Attributes: map[string]any{
			"size_mb":  float64(250),
			"reviewed": true,
			"dataset":  "billing-2026-q2",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func fptr(f float64) *float64 { return &f }

func TestPredicateEval(t *testing.T) {
	tests := []struct {
		name string
		pred *Predicate
		want bool
	}{
		{
			name: "equals string case-insensitive",
			pred: &Predicate{Kind: PredEquals, Attr: "dataset", Value: "BILLING-2026-Q2"},
			want: true,
		},
		{
			name: "equals bool",
			pred: &Predicate{Kind: PredEquals, Attr: "reviewed", Value: true},
			want: true,
		},
		{
			name: "equals numeric tolerates int vs float",
			pred: &Predicate{Kind: PredEquals, Attr: "size_mb", Value: 250},
			want: true,
		},
		{
			name: "equals missing attr is definite false",
			pred: &Predicate{Kind: PredEquals, Attr: "nonexistent", Value: "x"},
			want: false,
		},
		{
			name: "in over classifications matches any tag",
			pred: &Predicate{Kind: PredIn, Attr: "classifications", Values: StringOrList{"financial"}},
			want: true,
		},
		{
			name: "in over classifications without member",
			pred: &Predicate{Kind: PredIn, Attr: "classifications", Values: StringOrList{"restricted"}},
			want: false,
		},
		{
			name: "in over scalar",
			pred: &Predicate{Kind: PredIn, Attr: "category", Values: StringOrList{"transfer", "deployment"}},
			want: true,
		},
		{
			name: "range within bounds",
			pred: &Predicate{Kind: PredRange, Attr: "size_mb", Min: fptr(100), Max: fptr(500)},
			want: true,
		},
		{
			name: "range above max",
			pred: &Predicate{Kind: PredRange, Attr: "size_mb", Max: fptr(100)},
			want: false,
		},
		{
			name: "range missing attr is definite false",
			pred: &Predicate{Kind: PredRange, Attr: "nonexistent", Min: fptr(1)},
			want: false,
		},
		{
			name: "jurisdiction defaults to data side",
			pred: &Predicate{Kind: PredJurisdiction, Jurisdictions: StringOrList{"KE"}},
			want: true,
		},
		{
			name: "jurisdiction actor side",
			pred: &Predicate{Kind: PredJurisdiction, Field: "actor", Jurisdictions: StringOrList{"KE"}},
			want: false,
		},
		{
			name: "pattern glob",
			pred: &Predicate{Kind: PredPattern, Attr: "dataset", Pattern: "billing-*"},
			want: true,
		},
		{
			name: "cross border",
			pred: &Predicate{Kind: PredCrossBorder},
			want: true,
		},
		{
			name: "all conjunction",
			pred: &Predicate{Kind: PredAll, Sub: []*Predicate{
				{Kind: PredCrossBorder},
				{Kind: PredIn, Attr: "classifications", Values: StringOrList{"pii"}},
			}},
			want: true,
		},
		{
			name: "all short-circuits false",
			pred: &Predicate{Kind: PredAll, Sub: []*Predicate{
				{Kind: PredEquals, Attr: "reviewed", Value: false},
				{Kind: PredCrossBorder},
			}},
			want: false,
		},
		{
			name: "any disjunction",
			pred: &Predicate{Kind: PredAny, Sub: []*Predicate{
				{Kind: PredEquals, Attr: "reviewed", Value: false},
				{Kind: PredCrossBorder},
			}},
			want: true,
		},
	}

	p := testProp(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.pred.compile(); err != nil {
				t.Fatalf("compile: %v", err)
			}
			held, err := tt.pred.Eval(p)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if held != tt.want {
				t.Errorf("held = %v, want %v", held, tt.want)
			}
		})
	}
}

func TestPredicateEvalUndecidable(t *testing.T) {
	// Range over a non-numeric attribute cannot be proven false; it must
	// surface as an error so the caller fails closed.
	pred := &Predicate{Kind: PredRange, Attr: "dataset", Min: fptr(1)}
	if err := pred.compile(); err != nil {
		t.Fatal(err)
	}
	if _, err := pred.Eval(testProp(t)); err == nil {
		t.Fatal("range over non-numeric attribute did not error")
	}
}

func TestPredicateCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		pred *Predicate
	}{
		{"missing kind", &Predicate{}},
		{"unknown kind", &Predicate{Kind: "regex"}},
		{"equals without attr", &Predicate{Kind: PredEquals, Value: "x"}},
		{"equals without value", &Predicate{Kind: PredEquals, Attr: "a"}},
		{"in without values", &Predicate{Kind: PredIn, Attr: "a"}},
		{"range without bounds", &Predicate{Kind: PredRange, Attr: "a"}},
		{"range max below min", &Predicate{Kind: PredRange, Attr: "a", Min: fptr(5), Max: fptr(1)}},
		{"jurisdiction without set", &Predicate{Kind: PredJurisdiction}},
		{"jurisdiction bad field", &Predicate{Kind: PredJurisdiction, Field: "both", Jurisdictions: StringOrList{"KE"}}},
		{"pattern invalid glob", &Predicate{Kind: PredPattern, Attr: "a", Pattern: "[unclosed"}},
		{"all without subs", &Predicate{Kind: PredAll}},
		{"nested invalid sub", &Predicate{Kind: PredAny, Sub: []*Predicate{{Kind: PredEquals}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.pred.compile(); err == nil {
				t.Error("compile accepted an invalid predicate")
			}
		})
	}
}
