package proposition

import (
	"errors"
	"reflect"
	"testing"
)

func TestBuildRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		raw   RawAction
		field string
	}{
		{
			name:  "missing actor",
			raw:   RawAction{ActorJurisdiction: "KE", Category: "transfer"},
			field: "actor",
		},
		{
			name:  "whitespace actor",
			raw:   RawAction{Actor: "   ", ActorJurisdiction: "KE", Category: "transfer"},
			field: "actor",
		},
		{
			name:  "missing actor jurisdiction",
			raw:   RawAction{Actor: "svc-a", Category: "transfer"},
			field: "actor_jurisdiction",
		},
		{
			name:  "missing category",
			raw:   RawAction{Actor: "svc-a", ActorJurisdiction: "KE"},
			field: "category",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.raw)
			var malformed *MalformedActionError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedActionError, got %v", err)
			}
			if malformed.Field != tt.field {
				t.Errorf("field = %q, want %q", malformed.Field, tt.field)
			}
		})
	}
}

func TestBuildNormalization(t *testing.T) {
	p, err := Build(RawAction{
		Actor:             " svc-a ",
		ActorJurisdiction: "ke",
		DataJurisdiction:  "eu",
		Category:          "transfer",
		Classifications:   []string{"PII", "pii", "  Restricted ", ""},
	})
	if err != nil {
		t.Fatal(err)
	}

	if p.Actor != "svc-a" {
		t.Errorf("actor = %q", p.Actor)
	}
	if p.ActorJurisdiction != "KE" || p.DataJurisdiction != "EU" {
		t.Errorf("jurisdictions = %q/%q, want KE/EU", p.ActorJurisdiction, p.DataJurisdiction)
	}
	want := []string{"pii", "restricted"}
	if !reflect.DeepEqual(p.Classifications, want) {
		t.Errorf("classifications = %v, want %v", p.Classifications, want)
	}
}

func TestBuildDataJurisdictionDefaultsToActor(t *testing.T) {
	p, err := Build(RawAction{Actor: "svc-a", ActorJurisdiction: "ke", Category: "read"})
	if err != nil {
		t.Fatal(err)
	}
	if p.DataJurisdiction != "KE" {
		t.Errorf("data jurisdiction = %q, want KE", p.DataJurisdiction)
	}
}

func TestBuildCopiesAttributes(t *testing.T) {
	attrs := map[string]any{"size_mb": 12}
	p, err := Build(RawAction{
		Actor:             "svc-a",
		ActorJurisdiction: "KE",
		Category:          "transfer",
		Attributes:        attrs,
	})
	if err != nil {
		t.Fatal(err)
	}

	attrs["size_mb"] = 9000
	if v, _ := p.Attribute("size_mb"); v != 12 {
		t.Errorf("attribute mutated through caller's map: %v", v)
	}
}

func TestAttributeReservedNames(t *testing.T) {
	p, err := Build(RawAction{
		Actor:             "svc-a",
		ActorJurisdiction: "KE",
		DataJurisdiction:  "EU",
		Category:          "transfer",
		Classifications:   []string{"pii"},
		Attributes:        map[string]any{"reviewed": true},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		attr string
		want any
	}{
		{"actor", "svc-a"},
		{"actor_jurisdiction", "KE"},
		{"data_jurisdiction", "EU"},
		{"category", "transfer"},
		{"reviewed", true},
	}
	for _, tt := range tests {
		v, ok := p.Attribute(tt.attr)
		if !ok {
			t.Errorf("attribute %q not found", tt.attr)
			continue
		}
		if v != tt.want {
			t.Errorf("attribute %q = %v, want %v", tt.attr, v, tt.want)
		}
	}

	if _, ok := p.Attribute("nonexistent"); ok {
		t.Error("nonexistent attribute reported present")
	}
	tags, ok := p.Attribute("classifications")
	if !ok || !reflect.DeepEqual(tags, []string{"pii"}) {
		t.Errorf("classifications attribute = %v", tags)
	}
}

func TestHasClassification(t *testing.T) {
	p, err := Build(RawAction{
		Actor:             "svc-a",
		ActorJurisdiction: "KE",
		Category:          "transfer",
		Classifications:   []string{"Restricted"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !p.HasClassification("RESTRICTED") {
		t.Error("case-insensitive lookup failed")
	}
	if p.HasClassification("pii") {
		t.Error("absent tag reported present")
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	var malformed *MalformedActionError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedActionError, got %v", err)
	}
}
