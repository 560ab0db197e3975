// Package cluster groups change-order embeddings across projects by
// cosine similarity. Assignments are greedy and order-stable: feeding
// the same members in the same order always yields the same clusters.
package cluster

import (
	"fmt"
	"math"
)

// Member is one embedded change order entering clustering.
type Member struct {
	ChangeOrderID string
	Vector        []float32
}

// Cluster is a group of two or more similar change orders. The ID is
// scoped to a single run and must not be used as a cross-run identity.
type Cluster struct {
	ID        string
	MemberIDs []string
	Centroid  []float32
}

// Result separates real clusters from singletons. Singletons carry no
// recurring signal and are excluded from pattern aggregation.
type Result struct {
	Clusters   []Cluster
	Singletons []string
}

// Clusterer performs greedy centroid clustering at a fixed similarity
// threshold.
type Clusterer struct {
	threshold float64
}

// New creates a Clusterer. A member joins the closest existing cluster
// when cosine similarity reaches the threshold, otherwise it seeds a
// new one.
func New(threshold float64) *Clusterer {
	return &Clusterer{threshold: threshold}
}

// group is the mutable working form of a cluster during assignment.
// The centroid is kept as an unnormalized sum; cosine similarity is
// scale-invariant so the sum stands in for the mean.
type group struct {
	memberIDs []string
	sum       []float64
}

// Cluster assigns members to groups and labels surviving groups with
// run-scoped ids of the form "<runID>/cN".
func (c *Clusterer) Cluster(runID string, members []Member) Result {
	var groups []*group
	var singletons []string

	for _, m := range members {
		if isZero(m.Vector) {
			// Nothing to compare against; an empty narrative never
			// matches anything.
			singletons = append(singletons, m.ChangeOrderID)
			continue
		}
		best := -1
		bestScore := c.threshold
		for gi, g := range groups {
			score := cosine(m.Vector, g.sum)
			if score >= bestScore {
				best = gi
				bestScore = score
			}
		}
		if best >= 0 {
			g := groups[best]
			g.memberIDs = append(g.memberIDs, m.ChangeOrderID)
			for i, f := range m.Vector {
				g.sum[i] += float64(f)
			}
			continue
		}
		g := &group{memberIDs: []string{m.ChangeOrderID}, sum: make([]float64, len(m.Vector))}
		for i, f := range m.Vector {
			g.sum[i] = float64(f)
		}
		groups = append(groups, g)
	}

	var out Result
	out.Singletons = singletons
	seq := 0
	for _, g := range groups {
		if len(g.memberIDs) < 2 {
			out.Singletons = append(out.Singletons, g.memberIDs...)
			continue
		}
		seq++
		n := float64(len(g.memberIDs))
		centroid := make([]float32, len(g.sum))
		for i, f := range g.sum {
			centroid[i] = float32(f / n)
		}
		out.Clusters = append(out.Clusters, Cluster{
			ID:        fmt.Sprintf("%s/c%d", runID, seq),
			MemberIDs: g.memberIDs,
			Centroid:  centroid,
		})
	}
	return out
}

// cosine computes cosine similarity between a float32 vector and a
// float64 accumulator of the same length.
func cosine(a []float32, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, aSq, bSq float64
	for i := range a {
		dot += float64(a[i]) * b[i]
		aSq += float64(a[i]) * float64(a[i])
		bSq += b[i] * b[i]
	}
	if aSq == 0 || bSq == 0 {
		return 0
	}
	return dot / (math.Sqrt(aSq) * math.Sqrt(bSq))
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
