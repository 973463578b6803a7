// Package store – vector.go ranks stored message embeddings by cosine
// similarity. Ranking happens in Go over the tenant-scoped candidate set so
// the sqlite and postgres backends share one code path; a native vector
// index would tie the default backend to an extension.
package store

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"
)

// SearchSimilarMessages returns up to k messages from the conversation whose
// embeddings are most similar to queryVec, excluding the given ids. Ties are
// broken by recency, newest first.
func (l *SandboxLane) SearchSimilarMessages(ctx context.Context, conversationID string, queryVec []float32, k int, exclude map[uuid.UUID]bool) ([]Message, error) {
	if k <= 0 || len(queryVec) == 0 {
		return nil, nil
	}

	candidates, err := l.EmbeddedMessages(ctx, conversationID, exclude)
	if err != nil {
		return nil, err
	}

	type scored struct {
		msg   Message
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		if len(m.Embedding) != len(queryVec) {
			continue
		}
		ranked = append(ranked, scored{msg: m, score: cosineSimilarity(queryVec, m.Embedding)})
	}

	// Candidates arrive newest-first, so a stable sort by score keeps the
	// recency tie-break for free.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]Message, len(ranked))
	for i, r := range ranked {
		out[i] = r.msg
	}
	return out, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
