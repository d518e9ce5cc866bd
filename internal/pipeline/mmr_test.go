package pipeline

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kioku/internal/model"
)

func TestCosineSim(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSim([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSim([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSim([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSim(nil, []float32{1}))
	assert.Equal(t, 0.0, cosineSim([]float32{1, 2}, []float32{1}))
	assert.Equal(t, 0.0, cosineSim([]float32{0, 0}, []float32{0, 0}))
}

func TestMMRSelect(t *testing.T) {
	now := time.Now()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	ranked := []scoredSpan{
		{ID: a, Score: 1.0, CreatedAt: now},
		{ID: b, Score: 0.95, CreatedAt: now},
		{ID: c, Score: 0.5, CreatedAt: now},
	}
	// b is a near-duplicate of a; c is orthogonal.
	embeds := map[uuid.UUID][]float32{
		a: {1, 0},
		b: {0.99, 0.01},
		c: {0, 1},
	}

	t.Run("diversity beats raw rank", func(t *testing.T) {
		got := mmrSelect(ranked, embeds, 0.5, 100, 2)
		assert.Len(t, got, 2)
		assert.Equal(t, a, got[0].ID)
		assert.Equal(t, c, got[1].ID)
	})

	t.Run("lambda one reduces to rank order", func(t *testing.T) {
		got := mmrSelect(ranked, embeds, 1.0, 100, 2)
		assert.Equal(t, []uuid.UUID{a, b}, idsOf(got))
	})

	t.Run("pool bounds the candidates", func(t *testing.T) {
		got := mmrSelect(ranked, embeds, 0.5, 2, 3)
		assert.Len(t, got, 2)
		assert.NotContains(t, idsOf(got), c)
	})

	t.Run("k larger than input", func(t *testing.T) {
		got := mmrSelect(ranked, embeds, 0.7, 100, 10)
		assert.Len(t, got, 3)
	})

	t.Run("missing embeddings still selectable", func(t *testing.T) {
		got := mmrSelect(ranked, map[uuid.UUID][]float32{}, 0.7, 100, 3)
		assert.Len(t, got, 3)
	})
}

func TestDedupeOverlaps(t *testing.T) {
	artifact := uuid.New()
	other := uuid.New()

	spans := []model.HydratedSpan{
		{ID: uuid.New(), ArtifactID: artifact, StartChar: 0, EndChar: 100},
		{ID: uuid.New(), ArtifactID: artifact, StartChar: 50, EndChar: 150},  // overlaps first
		{ID: uuid.New(), ArtifactID: artifact, StartChar: 100, EndChar: 200}, // half-open: touching is not overlapping
		{ID: uuid.New(), ArtifactID: other, StartChar: 0, EndChar: 100},      // different artifact
	}

	got := dedupeOverlaps(spans)
	assert.Len(t, got, 3)
	assert.Equal(t, spans[0].ID, got[0].ID)
	assert.Equal(t, spans[2].ID, got[1].ID)
	assert.Equal(t, spans[3].ID, got[2].ID)
}
