package rules

// builtinRules returns the built-in baseline rules. These are always
// loaded and can be individually toggled off via the "builtin" section of
// the rule document.
//
// The baseline covers classification handling that applies regardless of
// deployment-specific rules:
//   - restricted-classified data never leaves its own jurisdiction
//   - cross-border movement of PII-classified data draws a warning
func builtinRules() []Rule {
	return []Rule{
		{
			ID:            "builtin_restricted_residency",
			Description:   "Restricted-classified data must stay in its own jurisdiction",
			Jurisdictions: StringOrList{JurisdictionAny},
			Severity:      SeverityBlocking,
			Predicate: &Predicate{
				Kind: PredAll,
				Sub: []*Predicate{
					{Kind: PredIn, Attr: "classifications", Values: StringOrList{"restricted"}},
					{Kind: PredCrossBorder},
				},
			},
			Message: "restricted data may not cross jurisdiction boundaries",
			Builtin: true,
		},
		{
			ID:            "builtin_pii_cross_border_advisory",
			Description:   "Flag cross-border movement of PII-classified data",
			Jurisdictions: StringOrList{JurisdictionAny},
			Severity:      SeverityAdvisory,
			Predicate: &Predicate{
				Kind: PredAll,
				Sub: []*Predicate{
					{Kind: PredIn, Attr: "classifications", Values: StringOrList{"pii"}},
					{Kind: PredCrossBorder},
				},
			},
			Message: "PII is moving across a jurisdiction boundary",
			Builtin: true,
		},
	}
}

// defaultBuiltinToggles returns the default enabled/disabled state for
// built-in rules. The restricted-data rule is on by default; the PII
// advisory is opt-in because many deployments classify aggressively.
func defaultBuiltinToggles() map[string]bool {
	return map[string]bool{
		"builtin_restricted_residency":      true,
		"builtin_pii_cross_border_advisory": false,
	}
}
