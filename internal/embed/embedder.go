// Package embed turns change-order narratives into fixed-dimension
// vectors via signed feature hashing. The same text always produces the
// same vector, so cluster assignments are reproducible across runs.
package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/atlas-delivery/leakwatch/internal/classify"
)

// DefaultDim is the vector dimension used when none is configured.
const DefaultDim = 128

// Embedder hashes narrative tokens into a fixed-dimension signed vector.
type Embedder struct {
	dim int
}

// New creates an Embedder producing vectors of the given dimension.
func New(dim int) (*Embedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	return &Embedder{dim: dim}, nil
}

// Dim returns the vector dimension.
func (e *Embedder) Dim() int { return e.dim }

// Embed returns the L2-normalized embedding vector for a single text.
// An empty or all-stopword text yields the zero vector.
func (e *Embedder) Embed(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, tok := range classify.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dim))
		// The bit above the index range decides the sign, so collisions
		// partially cancel instead of always accumulating.
		if sum&0x80000000 != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			results[i] = e.Embed(text)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// normalize scales v to unit L2 norm in place. Zero vectors stay zero.
func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}
