// Package cluster implements speaker identity resolution over voice
// embeddings: cosine-similarity matching against known speaker centroids and
// exponential-moving-average centroid maintenance.
package cluster

import "math"

const (
	// DefaultThreshold is the minimum cosine similarity for an embedding to
	// match an existing speaker centroid.
	DefaultThreshold = 0.72

	// DefaultAlpha is the EMA weight of a new embedding when updating a
	// centroid. Low so identity doesn't flip on a single noisy sample while
	// still tracking long-term voice changes.
	DefaultAlpha = 0.15

	// normEpsilon floors vector norms to avoid division by zero for
	// degenerate embeddings.
	normEpsilon = 1e-9
)

// Candidate is one known speaker centroid considered during matching.
type Candidate struct {
	SpeakerID string
	Centroid  []float64
}

// Match is the outcome of resolving an embedding against candidates.
// SpeakerID is empty when no candidate cleared the threshold; Score then
// carries the best similarity observed so callers can log near-misses.
// Against an empty candidate set Score is -1.
type Match struct {
	SpeakerID string
	Score     float64
}

// CosineSimilarity computes dot(a,b) / (|a|*|b|). Vectors of mismatched or
// zero length score -1 (treated as maximally dissimilar).
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom < normEpsilon {
		denom = normEpsilon
	}
	return dot / denom
}

// BestMatch finds the highest-scoring candidate for embedding. The returned
// match carries a speaker id only if its score clears threshold.
func BestMatch(embedding []float64, candidates []Candidate, threshold float64) Match {
	best := Match{Score: -1}
	for _, c := range candidates {
		score := CosineSimilarity(embedding, c.Centroid)
		if score > best.Score {
			best = Match{SpeakerID: c.SpeakerID, Score: score}
		}
	}
	if best.Score < threshold {
		best.SpeakerID = ""
	}
	return best
}

// UpdateCentroid returns the EMA of old and next:
// updated[i] = (1-alpha)*old[i] + alpha*next[i].
// A dimension mismatch signals an upstream embedding-model change; the new
// embedding then replaces the old centroid outright.
func UpdateCentroid(old, next []float64, alpha float64) []float64 {
	if len(old) != len(next) {
		out := make([]float64, len(next))
		copy(out, next)
		return out
	}
	updated := make([]float64, len(old))
	for i := range old {
		updated[i] = (1-alpha)*old[i] + alpha*next[i]
	}
	return updated
}
