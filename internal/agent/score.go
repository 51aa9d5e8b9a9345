package agent

import (
	"fmt"
	"math/rand/v2"

	"genflow/internal/domain"
)

// ScoreFunc scores one dimension of a candidate.
type ScoreFunc func(c domain.Candidate, dimension string, rng *rand.Rand) float64

// Scorer produces one score per configured dimension plus the weighted composite.
type Scorer struct {
	dimensions []string
	fn         ScoreFunc
}

// NewScorer builds a scorer over the given dimensions. A nil fn draws uniform
// scores in [0, 1).
func NewScorer(dimensions []string, fn ScoreFunc) *Scorer {
	if fn == nil {
		fn = func(_ domain.Candidate, _ string, rng *rand.Rand) float64 {
			return rng.Float64()
		}
	}
	dims := make([]string, len(dimensions))
	copy(dims, dimensions)
	return &Scorer{dimensions: dims, fn: fn}
}

// DefaultScorer scores every weight dimension.
func DefaultScorer() *Scorer {
	return NewScorer(domain.Weights{}.Keys(), nil)
}

func (s *Scorer) Score(c domain.Candidate, w domain.Weights, rng *rand.Rand) (map[string]float64, error) {
	scores := make(map[string]float64, len(s.dimensions)+1)
	for _, dim := range s.dimensions {
		scores[dim] = s.fn(c, dim, rng)
	}

	var composite float64
	weights := w.Map()
	for _, key := range w.Keys() {
		v, ok := scores[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrMissingScore, key)
		}
		composite += v * weights[key]
	}
	scores[domain.CompositeKey] = composite
	return scores, nil
}
