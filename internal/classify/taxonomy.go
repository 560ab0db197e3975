package classify

// Root-cause taxonomy. The category set is fixed; adding a category is a
// model version change.
const (
	ScopeGap       = "SCOPE_GAP"
	DesignError    = "DESIGN_ERROR"
	FieldCondition = "FIELD_CONDITION"
	OwnerRequest   = "OWNER_REQUEST"
	Rework         = "REWORK"
)

// Categories in canonical order. Probability vectors are keyed by these.
var Categories = []string{ScopeGap, DesignError, FieldCondition, OwnerRequest, Rework}

// lexicon maps each category to weighted indicator terms. Weights are
// relative evidence strength, not probabilities.
var lexicon = map[string]map[string]float64{
	ScopeGap: {
		"grounding":  2.0,
		"scope":      1.6,
		"omitted":    1.5,
		"omission":   1.5,
		"gap":        1.4,
		"excluded":   1.2,
		"bid":        1.0,
		"contract":   0.9,
		"specs":      0.9,
		"specified":  0.8,
		"included":   0.8,
		"missing":    0.7,
		"bonding":    0.7,
		"conductors": 0.6,
		"retrofit":   0.5,
	},
	DesignError: {
		"drawings":      1.4,
		"drawing":       1.4,
		"dimension":     1.4,
		"coordination":  1.3,
		"conflict":      1.2,
		"conflicts":     1.2,
		"calculations":  1.2,
		"revision":      1.1,
		"error":         1.1,
		"details":       0.8,
		"documents":     0.6,
		"architectural": 0.6,
	},
	FieldCondition: {
		"unforeseen":     1.8,
		"encountered":    1.4,
		"discovered":     1.4,
		"rock":           1.3,
		"soil":           1.3,
		"underground":    1.2,
		"utilities":      1.1,
		"hazardous":      1.1,
		"groundwater":    1.1,
		"water":          0.8,
		"existing":       0.8,
		"conditions":     0.8,
		"geotechnical":   0.8,
		"archaeological": 0.8,
	},
	OwnerRequest: {
		"owner":      1.8,
		"requested":  1.4,
		"request":    1.4,
		"upgrade":    1.2,
		"expand":     1.1,
		"accelerate": 1.0,
		"direction":  0.9,
		"additional": 0.6,
	},
	Rework: {
		"rework":       2.0,
		"failed":       1.4,
		"inspection":   1.2,
		"repair":       1.2,
		"damage":       1.1,
		"substitution": 1.0,
		"correct":      0.9,
		"unavailable":  0.7,
	},
}
