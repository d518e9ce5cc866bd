package pipeline

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// scoredSpan is a candidate with its blended score and rank tie-breakers.
type scoredSpan struct {
	ID        uuid.UUID
	Score     float64
	CreatedAt time.Time
}

// minMaxNormalize rescales values to [0,1] in place. When every value is
// equal the signal carries no ordering information, so all values collapse
// to 1.0 rather than 0.0: a flat signal should not zero out its weight.
func minMaxNormalize(vals map[uuid.UUID]float64) {
	if len(vals) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi <= lo {
		for id := range vals {
			vals[id] = 1.0
		}
		return
	}
	span := hi - lo
	for id, v := range vals {
		vals[id] = (v - lo) / span
	}
}

// recencyScore decays exponentially with age: 1.0 now, 0.5 at one halflife.
func recencyScore(createdAt, now time.Time, halflifeDays float64) float64 {
	if halflifeDays <= 0 {
		return 0
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / halflifeDays)
}

// rankSpans orders candidates by blended score descending, breaking ties by
// created_at descending then id ascending so equal-scored results are stable
// across requests.
func rankSpans(spans []scoredSpan) {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Score != spans[j].Score {
			return spans[i].Score > spans[j].Score
		}
		if !spans[i].CreatedAt.Equal(spans[j].CreatedAt) {
			return spans[i].CreatedAt.After(spans[j].CreatedAt)
		}
		return spans[i].ID.String() < spans[j].ID.String()
	})
}
