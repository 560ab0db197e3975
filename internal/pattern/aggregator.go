// Package pattern rolls clusters up into cross-project leak patterns
// and scores them. A pattern's signature is its stable identity across
// runs; everything else is recomputed from the current corpus.
package pattern

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-delivery/leakwatch/internal/classify"
	"github.com/atlas-delivery/leakwatch/internal/cluster"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// DefaultMinPatternSize is the smallest cluster that materializes as a
// pattern when no size is configured.
const DefaultMinPatternSize = 5

const keywordCount = 5

// Weights control the linear risk score. Each term is strictly
// increasing in its input, so a pattern never scores lower by touching
// more projects, more items, or more money.
type Weights struct {
	Project      float64
	Item         float64
	AmountPer10K float64
}

// DefaultWeights mirror the configured defaults.
var DefaultWeights = Weights{Project: 2.0, Item: 0.5, AmountPer10K: 1.0}

// Aggregator turns clusters into pattern rows.
type Aggregator struct {
	minSize int
	weights Weights
}

// New creates an Aggregator. Clusters smaller than minSize are dropped.
func New(minSize int, w Weights) *Aggregator {
	if minSize <= 0 {
		minSize = DefaultMinPatternSize
	}
	return &Aggregator{minSize: minSize, weights: w}
}

// Aggregate computes the pattern materialization for one cluster.
// The second return is false when the cluster is below the minimum
// pattern size and no pattern should be written.
func (a *Aggregator) Aggregate(c cluster.Cluster, orders map[string]storage.ChangeOrder, vendors map[string]storage.Vendor, now time.Time) (storage.Pattern, bool, error) {
	if len(c.MemberIDs) < a.minSize {
		return storage.Pattern{}, false, nil
	}

	projects := map[string]bool{}
	vendorCounts := map[string]int{}
	tradeCounts := map[string]int{}
	tokenCounts := map[string]int{}
	var aggregate float64

	memberIDs := append([]string(nil), c.MemberIDs...)
	sort.Strings(memberIDs)

	for _, id := range memberIDs {
		co, ok := orders[id]
		if !ok {
			return storage.Pattern{}, false, fmt.Errorf("cluster %s references unknown change order %s", c.ID, id)
		}
		projects[co.ProjectID] = true
		vendorCounts[co.VendorID]++
		if v, ok := vendors[co.VendorID]; ok && v.TradeCategory != "" {
			tradeCounts[v.TradeCategory]++
		}
		for _, tok := range classify.Tokenize(co.ReasonText) {
			tokenCounts[tok]++
		}
		aggregate += co.Amount
	}

	projectIDs := make([]string, 0, len(projects))
	for p := range projects {
		projectIDs = append(projectIDs, p)
	}
	sort.Strings(projectIDs)

	itemCount := len(memberIDs)
	mean := aggregate / float64(itemCount)
	vendorID := mode(vendorCounts)
	trade := mode(tradeCounts)
	keywords := topTokens(tokenCounts, keywordCount)
	sig := Signature(keywords, trade)
	score := a.Score(len(projectIDs), itemCount, aggregate)

	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return storage.Pattern{}, false, fmt.Errorf("marshaling keywords: %w", err)
	}
	projectsJSON, err := json.Marshal(projectIDs)
	if err != nil {
		return storage.Pattern{}, false, fmt.Errorf("marshaling project ids: %w", err)
	}
	membersJSON, err := json.Marshal(memberIDs)
	if err != nil {
		return storage.Pattern{}, false, fmt.Errorf("marshaling member ids: %w", err)
	}

	return storage.Pattern{
		ID:                uuid.NewString(),
		Signature:         sig,
		RunID:             runIDOf(c.ID),
		ClusterID:         c.ID,
		ProjectCount:      len(projectIDs),
		ItemCount:         itemCount,
		AggregateAmount:   aggregate,
		AverageAmount:     mean,
		DominantVendorID:  vendorID,
		DominantTrade:     trade,
		DominantKeywords:  string(keywordsJSON),
		ProjectIDs:        string(projectsJSON),
		ChangeOrderIDs:    string(membersJSON),
		RiskScore:         score,
		RecommendedAction: recommendedAction(trade, keywords, len(projectIDs), aggregate),
		CreatedAt:         now,
	}, true, nil
}

// Score is the linear risk score over project count, item count, and
// aggregate amount in ten-thousands.
func (a *Aggregator) Score(projectCount, itemCount int, aggregateAmount float64) float64 {
	return a.weights.Project*float64(projectCount) +
		a.weights.Item*float64(itemCount) +
		a.weights.AmountPer10K*(aggregateAmount/10000)
}

// Signature derives the stable cross-run identity of a pattern from its
// dominant keywords and trade. Keywords are sorted so signature equality
// does not depend on frequency order.
func Signature(keywords []string, trade string) string {
	sorted := append([]string(nil), keywords...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + strings.ToLower(trade)
}

// mode returns the most frequent key, breaking ties alphabetically so
// the result is stable.
func mode(counts map[string]int) string {
	var best string
	bestN := 0
	for k, n := range counts {
		if n > bestN || (n == bestN && (best == "" || k < best)) {
			best, bestN = k, n
		}
	}
	return best
}

// topTokens returns up to n tokens by descending frequency, ties broken
// alphabetically.
func topTokens(counts map[string]int, n int) []string {
	type tc struct {
		tok string
		n   int
	}
	all := make([]tc, 0, len(counts))
	for t, c := range counts {
		all = append(all, tc{t, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].tok < all[j].tok
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, t := range all {
		out[i] = t.tok
	}
	return out
}

// runIDOf strips the cluster sequence from a run-scoped cluster id.
func runIDOf(clusterID string) string {
	if i := strings.LastIndex(clusterID, "/"); i >= 0 {
		return clusterID[:i]
	}
	return clusterID
}

func recommendedAction(trade string, keywords []string, projectCount int, aggregate float64) string {
	theme := "recurring scope issues"
	if len(keywords) > 0 {
		theme = fmt.Sprintf("recurring %q change orders", keywords[0])
	}
	if trade == "" {
		return fmt.Sprintf("Review %s across %d projects (%.0f USD aggregate); tighten scope definitions before the next bid cycle.", theme, projectCount, aggregate)
	}
	return fmt.Sprintf("Review %s in the %s trade across %d projects (%.0f USD aggregate); audit the shared specification sections and vendor bid assumptions.", theme, trade, projectCount, aggregate)
}
