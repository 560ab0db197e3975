// Package classify assigns a root-cause category distribution to each
// change-order narrative. The scorer is a deterministic weighted lexicon
// over narrative tokens plus structured features; given the same model
// version and input it always produces the same distribution.
package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// ModelName identifies the classifier in classification rows and
// explainability artifacts.
const ModelName = "rootcause-lexicon"

// smallAmountCutoff marks the small, auto-approved band where systemic
// scope leakage hides.
const smallAmountCutoff = 10000.0

// largeAmountCutoff marks deliberate large additions, which skew toward
// owner-directed scope.
const largeAmountCutoff = 250000.0

// Result is one classification: a full probability vector with
// explainability extras.
type Result struct {
	Category      string
	Confidence    float64
	Probabilities map[string]float64
	TopKeywords   []string
	Attributions  map[string]float64
	ModelName     string
	ModelVersion  string
}

type Classifier struct {
	version string
}

// New returns a Classifier for the given model version. An empty version
// means no model is configured; the pipeline treats that as the model
// being unavailable.
func New(version string) (*Classifier, error) {
	if version == "" {
		return nil, fmt.Errorf("classifier model version not configured")
	}
	return &Classifier{version: version}, nil
}

func (c *Classifier) Name() string    { return ModelName }
func (c *Classifier) Version() string { return c.version }

// Classify scores one change order. Returns ok=false when the narrative
// is empty: the record stays unclassified rather than receiving a
// spurious category.
func (c *Classifier) Classify(co storage.ChangeOrder) (Result, bool) {
	text := co.ReasonText
	if co.JustificationText != "" {
		text += " " + co.JustificationText
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return Result{}, false
	}

	scores := make(map[string]float64, len(Categories))
	matched := make(map[string]map[string]float64) // category -> token -> weight
	for _, cat := range Categories {
		scores[cat] = 0
		matched[cat] = make(map[string]float64)
	}

	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if seen[tok] {
			continue // evidence counts once per narrative
		}
		seen[tok] = true
		for _, cat := range Categories {
			if w, ok := lexicon[cat][tok]; ok {
				scores[cat] += w
				matched[cat][tok] = w
			}
		}
	}

	// Structured features.
	amountFeature := 0.0
	amountTarget := ""
	switch {
	case co.Amount > 0 && co.Amount <= smallAmountCutoff:
		amountFeature = 0.3
		amountTarget = ScopeGap
	case co.Amount >= largeAmountCutoff:
		amountFeature = 0.3
		amountTarget = OwnerRequest
	}
	if amountTarget != "" {
		scores[amountTarget] += amountFeature
	}

	probs := softmax(scores)

	best := Categories[0]
	for _, cat := range Categories[1:] {
		if probs[cat] > probs[best] {
			best = cat
		}
	}

	return Result{
		Category:      best,
		Confidence:    probs[best],
		Probabilities: probs,
		TopKeywords:   topKeywords(matched[best], 5),
		Attributions:  attributions(matched, best, amountFeature, amountTarget),
		ModelName:     ModelName,
		ModelVersion:  c.version,
	}, true
}

// softmax converts raw evidence scores to a probability vector. Entries
// are in [0,1] and sum to 1 within 1e-6.
func softmax(scores map[string]float64) map[string]float64 {
	maxScore := math.Inf(-1)
	for _, cat := range Categories {
		if scores[cat] > maxScore {
			maxScore = scores[cat]
		}
	}
	var sum float64
	exps := make(map[string]float64, len(Categories))
	for _, cat := range Categories {
		e := math.Exp(scores[cat] - maxScore)
		exps[cat] = e
		sum += e
	}
	probs := make(map[string]float64, len(Categories))
	for _, cat := range Categories {
		probs[cat] = exps[cat] / sum
	}
	return probs
}

func topKeywords(weights map[string]float64, n int) []string {
	kws := make([]string, 0, len(weights))
	for kw := range weights {
		kws = append(kws, kw)
	}
	sort.Slice(kws, func(i, j int) bool {
		if weights[kws[i]] != weights[kws[j]] {
			return weights[kws[i]] > weights[kws[j]]
		}
		return kws[i] < kws[j]
	})
	if len(kws) > n {
		kws = kws[:n]
	}
	return kws
}

// attributions decomposes the winning score into signed per-feature
// contributions: a token's contribution toward the winner is its weight
// there minus its mean weight across all categories, so shared evidence
// nets out near zero.
func attributions(matched map[string]map[string]float64, winner string, amountFeature float64, amountTarget string) map[string]float64 {
	attr := make(map[string]float64)
	for tok, w := range matched[winner] {
		var total float64
		for _, cat := range Categories {
			total += matched[cat][tok]
		}
		attr["kw:"+tok] = w - total/float64(len(Categories))
	}
	// Tokens matching only non-winning categories pull against the winner.
	for _, cat := range Categories {
		if cat == winner {
			continue
		}
		for tok, w := range matched[cat] {
			if _, ok := matched[winner][tok]; ok {
				continue
			}
			if _, ok := attr["kw:"+tok]; ok {
				continue
			}
			attr["kw:"+tok] = -w / float64(len(Categories))
		}
	}
	if amountFeature != 0 {
		if amountTarget == winner {
			attr["amount_bucket"] = amountFeature
		} else {
			attr["amount_bucket"] = -amountFeature / float64(len(Categories))
		}
	}
	return attr
}

// Tokenize lowercases, strips punctuation, and drops stopwords. Shared
// with the embedder and pattern aggregator so keyword sets line up.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "not": true, "per": true,
	"from": true, "with": true, "was": true, "were": true, "are": true,
	"this": true, "that": true, "into": true, "due": true, "required": true,
	"requiring": true, "add": true, "install": true, "installation": true,
	"work": true, "new": true, "original": true, "system": true,
}

// ToRow converts a Result into its storage row.
func ToRow(r Result, changeOrderID string, now time.Time) (storage.Classification, error) {
	probs, err := json.Marshal(r.Probabilities)
	if err != nil {
		return storage.Classification{}, fmt.Errorf("encoding probabilities: %w", err)
	}
	kws, err := json.Marshal(r.TopKeywords)
	if err != nil {
		return storage.Classification{}, fmt.Errorf("encoding keywords: %w", err)
	}
	attrs, err := json.Marshal(r.Attributions)
	if err != nil {
		return storage.Classification{}, fmt.Errorf("encoding attributions: %w", err)
	}
	return storage.Classification{
		ID:            uuid.New().String(),
		ChangeOrderID: changeOrderID,
		Category:      r.Category,
		Confidence:    r.Confidence,
		Probabilities: string(probs),
		TopKeywords:   string(kws),
		Attributions:  string(attrs),
		ModelName:     r.ModelName,
		ModelVersion:  r.ModelVersion,
		CreatedAt:     now,
	}, nil
}
