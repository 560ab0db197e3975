package classify

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New("1.0.0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresVersion(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("empty model version should be rejected")
	}
}

func TestClassifyEmptyNarrative(t *testing.T) {
	c := newTestClassifier(t)

	_, ok := c.Classify(storage.ChangeOrder{ID: "co-1", ReasonText: "   "})
	if ok {
		t.Error("empty narrative must stay unclassified")
	}
}

// TestClassifyProbabilityVector checks the distribution covers every
// category, each entry is in [0,1], and the entries sum to 1.
func TestClassifyProbabilityVector(t *testing.T) {
	c := newTestClassifier(t)

	r, ok := c.Classify(storage.ChangeOrder{
		ID:         "co-1",
		Amount:     3200,
		ReasonText: "missing grounding detail on electrical drawings",
	})
	if !ok {
		t.Fatal("expected a classification")
	}

	if len(r.Probabilities) != len(Categories) {
		t.Fatalf("probability vector has %d entries, want %d", len(r.Probabilities), len(Categories))
	}
	var sum float64
	for _, cat := range Categories {
		p, ok := r.Probabilities[cat]
		if !ok {
			t.Fatalf("no probability for %s", cat)
		}
		if p < 0 || p > 1 {
			t.Errorf("probability for %s = %v, want [0,1]", cat, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("probabilities sum to %v, want 1", sum)
	}
	if r.Confidence != r.Probabilities[r.Category] {
		t.Errorf("confidence %v != winning probability %v", r.Confidence, r.Probabilities[r.Category])
	}
}

func TestClassifyGroundingNarrative(t *testing.T) {
	c := newTestClassifier(t)

	r, ok := c.Classify(storage.ChangeOrder{
		ID:         "co-1",
		Amount:     3200,
		ReasonText: "grounding conductors omitted from bid documents, scope gap on electrical",
	})
	if !ok {
		t.Fatal("expected a classification")
	}
	if r.Category != ScopeGap {
		t.Errorf("category = %s, want SCOPE_GAP", r.Category)
	}
	found := false
	for _, kw := range r.TopKeywords {
		if kw == "grounding" {
			found = true
		}
	}
	if !found {
		t.Errorf("top keywords %v missing grounding", r.TopKeywords)
	}
}

func TestClassifyFieldConditionNarrative(t *testing.T) {
	c := newTestClassifier(t)

	r, ok := c.Classify(storage.ChangeOrder{
		ID:         "co-2",
		Amount:     45000,
		ReasonText: "unforeseen rock encountered during excavation, hazardous soil conditions",
	})
	if !ok {
		t.Fatal("expected a classification")
	}
	if r.Category != FieldCondition {
		t.Errorf("category = %s, want FIELD_CONDITION", r.Category)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := newTestClassifier(t)
	co := storage.ChangeOrder{
		ID:         "co-1",
		Amount:     3200,
		ReasonText: "missing grounding detail on electrical drawings",
	}

	first, ok := c.Classify(co)
	if !ok {
		t.Fatal("expected a classification")
	}
	for i := 0; i < 5; i++ {
		again, ok := c.Classify(co)
		if !ok {
			t.Fatal("expected a classification")
		}
		if !reflect.DeepEqual(first.Probabilities, again.Probabilities) {
			t.Fatalf("run %d produced a different distribution", i)
		}
		if !reflect.DeepEqual(first.TopKeywords, again.TopKeywords) {
			t.Fatalf("run %d produced different keywords", i)
		}
	}
}

// TestAttributionSigns checks evidence for the winner carries positive
// weight and evidence matched only by other categories pulls negative.
func TestAttributionSigns(t *testing.T) {
	c := newTestClassifier(t)

	r, ok := c.Classify(storage.ChangeOrder{
		ID:         "co-1",
		Amount:     3200,
		ReasonText: "grounding omitted from scope, minor drawings revision",
	})
	if !ok {
		t.Fatal("expected a classification")
	}
	if r.Category != ScopeGap {
		t.Fatalf("category = %s, want SCOPE_GAP", r.Category)
	}

	if v, ok := r.Attributions["kw:grounding"]; !ok || v <= 0 {
		t.Errorf("kw:grounding attribution = %v, want positive", v)
	}
	// "drawings" only matches DESIGN_ERROR, so it pulls against the winner.
	if v, ok := r.Attributions["kw:drawings"]; !ok || v >= 0 {
		t.Errorf("kw:drawings attribution = %v, want negative", v)
	}
	// Small-amount feature favors the winning SCOPE_GAP.
	if v, ok := r.Attributions["amount_bucket"]; !ok || v <= 0 {
		t.Errorf("amount_bucket attribution = %v, want positive", v)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Grounding conductors were omitted from the drawings; add 3 panels.")
	want := []string{"grounding", "conductors", "omitted", "drawings", "panels"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestToRowEncodesJSON(t *testing.T) {
	c := newTestClassifier(t)
	r, ok := c.Classify(storage.ChangeOrder{
		ID:         "co-1",
		Amount:     3200,
		ReasonText: "missing grounding detail on electrical drawings",
	})
	if !ok {
		t.Fatal("expected a classification")
	}

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	row, err := ToRow(r, "co-1", now)
	if err != nil {
		t.Fatalf("ToRow: %v", err)
	}
	if row.ChangeOrderID != "co-1" || row.Category != r.Category {
		t.Errorf("row = %+v, does not match result", row)
	}
	if row.ModelName != ModelName || row.ModelVersion != "1.0.0" {
		t.Errorf("model identity = %s/%s, want %s/1.0.0", row.ModelName, row.ModelVersion, ModelName)
	}
	if row.Probabilities == "" || row.TopKeywords == "" || row.Attributions == "" {
		t.Error("JSON columns left empty")
	}
}
