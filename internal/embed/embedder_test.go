package embed

import (
	"context"
	"math"
	"reflect"
	"testing"
)

func newTestEmbedder(t *testing.T) *Embedder {
	t.Helper()
	e, err := New(DefaultDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewRejectsBadDimension(t *testing.T) {
	for _, dim := range []int{0, -1} {
		if _, err := New(dim); err == nil {
			t.Errorf("New(%d) should fail", dim)
		}
	}
}

func TestEmbedDeterministic(t *testing.T) {
	e := newTestEmbedder(t)

	text := "grounding conductors omitted from electrical drawings"
	first := e.Embed(text)
	for i := 0; i < 5; i++ {
		if !reflect.DeepEqual(first, e.Embed(text)) {
			t.Fatalf("embedding differed on repeat %d", i)
		}
	}
}

func TestEmbedUnitNorm(t *testing.T) {
	e := newTestEmbedder(t)

	vec := e.Embed("unforeseen rock encountered during underground excavation")
	if len(vec) != DefaultDim {
		t.Fatalf("dimension = %d, want %d", len(vec), DefaultDim)
	}
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("squared norm = %v, want 1", sum)
	}
}

func TestEmbedEmptyText(t *testing.T) {
	e := newTestEmbedder(t)

	for _, text := range []string{"", "   ", "the and for"} {
		vec := e.Embed(text)
		for i, f := range vec {
			if f != 0 {
				t.Fatalf("Embed(%q)[%d] = %v, want zero vector", text, i, f)
			}
		}
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	e := newTestEmbedder(t)

	texts := []string{
		"grounding conductors omitted",
		"unforeseen rock encountered",
		"owner requested upgrade",
		"rework after failed inspection",
	}
	batch, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("batch = %d vectors, want %d", len(batch), len(texts))
	}
	for i, text := range texts {
		if !reflect.DeepEqual(batch[i], e.Embed(text)) {
			t.Errorf("batch[%d] does not match Embed(%q)", i, text)
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := newTestEmbedder(t)

	batch, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if batch != nil {
		t.Errorf("batch = %v, want nil", batch)
	}
}
