package pipeline

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMinMaxNormalize(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	t.Run("rescales to unit interval", func(t *testing.T) {
		vals := map[uuid.UUID]float64{a: 2, b: 4, c: 6}
		minMaxNormalize(vals)
		assert.InDelta(t, 0.0, vals[a], 1e-9)
		assert.InDelta(t, 0.5, vals[b], 1e-9)
		assert.InDelta(t, 1.0, vals[c], 1e-9)
	})

	t.Run("flat signal collapses to one", func(t *testing.T) {
		vals := map[uuid.UUID]float64{a: 3.3, b: 3.3}
		minMaxNormalize(vals)
		assert.Equal(t, 1.0, vals[a])
		assert.Equal(t, 1.0, vals[b])
	})

	t.Run("empty map is a no-op", func(t *testing.T) {
		vals := map[uuid.UUID]float64{}
		minMaxNormalize(vals)
		assert.Empty(t, vals)
	})
}

func TestRecencyScore(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("now scores one", func(t *testing.T) {
		assert.InDelta(t, 1.0, recencyScore(now, now, 45), 1e-9)
	})

	t.Run("one halflife scores half", func(t *testing.T) {
		createdAt := now.AddDate(0, 0, -45)
		got := recencyScore(createdAt, now, 45)
		assert.GreaterOrEqual(t, got, 0.475)
		assert.LessOrEqual(t, got, 0.525)
	})

	t.Run("two halflives scores a quarter", func(t *testing.T) {
		createdAt := now.AddDate(0, 0, -90)
		assert.InDelta(t, 0.25, recencyScore(createdAt, now, 45), 0.01)
	})

	t.Run("future timestamps clamp to one", func(t *testing.T) {
		createdAt := now.Add(24 * time.Hour)
		assert.InDelta(t, 1.0, recencyScore(createdAt, now, 45), 1e-9)
	})
}

func TestRankSpans(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.AddDate(0, 0, 10)
	idLow := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	idHigh := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

	spans := []scoredSpan{
		{ID: idHigh, Score: 0.5, CreatedAt: older},
		{ID: uuid.New(), Score: 0.9, CreatedAt: older},
		{ID: idLow, Score: 0.5, CreatedAt: older},
		{ID: uuid.New(), Score: 0.5, CreatedAt: newer},
	}
	rankSpans(spans)

	assert.Equal(t, 0.9, spans[0].Score)
	// Equal scores: newer created_at first.
	assert.Equal(t, newer, spans[1].CreatedAt)
	// Then ascending id among full ties.
	assert.Equal(t, idLow, spans[2].ID)
	assert.Equal(t, idHigh, spans[3].ID)
}
