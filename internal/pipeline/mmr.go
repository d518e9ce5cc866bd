package pipeline

import (
	"math"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
)

// cosineSim computes cosine similarity between two vectors. Mismatched or
// missing vectors score 0, which makes embedding-less spans look maximally
// diverse rather than excluding them.
func cosineSim(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// mmrSelect greedily picks k spans from the top poolSize ranked candidates,
// trading relevance against redundancy: each step takes the span maximizing
// lambda*relevance - (1-lambda)*maxSimToSelected.
func mmrSelect(ranked []scoredSpan, embeds map[uuid.UUID][]float32, lambda float64, poolSize, k int) []scoredSpan {
	if len(ranked) == 0 || k <= 0 {
		return nil
	}
	pool := ranked
	if poolSize > 0 && len(pool) > poolSize {
		pool = pool[:poolSize]
	}
	if k > len(pool) {
		k = len(pool)
	}

	selected := make([]scoredSpan, 0, k)
	remaining := make([]scoredSpan, len(pool))
	copy(remaining, pool)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx, bestVal := 0, math.Inf(-1)
		for i, cand := range remaining {
			maxSim := 0.0
			for _, sel := range selected {
				sim := cosineSim(embeds[cand.ID], embeds[sel.ID])
				if sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*cand.Score - (1-lambda)*maxSim
			if val > bestVal {
				bestIdx, bestVal = i, val
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// dedupeOverlaps drops spans whose [start,end) window overlaps an
// earlier-ranked span from the same artifact. Input order is rank order, so
// the better-scored of two overlapping spans always survives.
func dedupeOverlaps(spans []model.HydratedSpan) []model.HydratedSpan {
	kept := make([]model.HydratedSpan, 0, len(spans))
	byArtifact := make(map[uuid.UUID][]model.HydratedSpan)
	for _, s := range spans {
		overlaps := false
		for _, prev := range byArtifact[s.ArtifactID] {
			if s.StartChar < prev.EndChar && prev.StartChar < s.EndChar {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		kept = append(kept, s)
		byArtifact[s.ArtifactID] = append(byArtifact[s.ArtifactID], s)
	}
	return kept
}
