package ledger

import (
	"testing"
)

func TestCanonicalizeJSONKeyOrderInvariant(t *testing.T) {
	a := []byte(`{"b":1,"a":{"y":true,"x":null}}`)
	b := []byte(`{"a":{"x":null,"y":true},"b":1}`)

	ca, err := canonicalizeJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonicalizeJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	if want := `{"a":{"x":null,"y":true},"b":1}`; string(ca) != want {
		t.Errorf("canonical = %s, want %s", ca, want)
	}
}

func TestCanonicalizeJSONNumbersPassThrough(t *testing.T) {
	// json.Number keeps the wire form, so 1.50 is preserved rather than
	// reformatted and the digest stays stable across decode cycles.
	got, err := canonicalizeJSON([]byte(`{"n":1.50,"m":10}`))
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"m":10,"n":1.50}`; string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalizeNFCNormalization(t *testing.T) {
	// "é" composed (U+00E9) vs decomposed (U+0065 U+0301).
	composed := []byte(`{"k":"café"}`)
	decomposed := []byte(`{"k":"café"}`)

	ca, err := canonicalizeJSON(composed)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonicalizeJSON(decomposed)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("NFC forms differ:\n%q\n%q", ca, cb)
	}
}

func TestDigestDecisionStability(t *testing.T) {
	d1, err := digestDecision([]byte(`{"verdict":"PERMIT","seq":1}`))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := digestDecision([]byte(`{"seq":1,"verdict":"PERMIT"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digests differ for structurally equal documents: %s vs %s", d1, d2)
	}

	d3, err := digestDecision([]byte(`{"seq":2,"verdict":"PERMIT"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d1 == d3 {
		t.Error("digests collide for different documents")
	}

	if _, err := digestDecision(nil); err == nil {
		t.Error("empty document digested")
	}
}
