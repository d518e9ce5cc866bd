package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.EmbeddingTimeout)
	assert.Equal(t, 10*time.Second, cfg.DeriverPollInterval)
	assert.Equal(t, 1024, cfg.EmbeddingDims)
	assert.Empty(t, cfg.QdrantURL)

	r := cfg.Retrieval
	assert.Equal(t, 40, r.SeedK)
	assert.Equal(t, 2, r.HopDepth)
	assert.Equal(t, 80, r.HopFanout)
	assert.Equal(t, 12, r.FinalK)
	assert.Equal(t, 0.55, r.AlphaVec)
	assert.Equal(t, 0.25, r.BetaBM25)
	assert.Equal(t, 0.15, r.GammaGraph)
	assert.Equal(t, 0.05, r.DeltaRecency)
	assert.Equal(t, 45.0, r.RecencyHalflifeDays)
	assert.True(t, r.UseMMR)
	assert.Equal(t, 0.7, r.MMRLambda)
	assert.Equal(t, 100, r.MMRPool)
	assert.Equal(t, 5000, r.CandidateCap)
	assert.Equal(t, 1.20, r.BonusMap["decision"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KIOKU_PORT", "9999")
	t.Setenv("SEED_K", "64")
	t.Setenv("ALPHA_VEC", "0.8")
	t.Setenv("USE_MMR", "false")
	t.Setenv("RECENCY_HALFLIFE_DAYS", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 64, cfg.Retrieval.SeedK)
	assert.Equal(t, 0.8, cfg.Retrieval.AlphaVec)
	assert.False(t, cfg.Retrieval.UseMMR)
	assert.Equal(t, 30.0, cfg.Retrieval.RecencyHalflifeDays)
}

func TestLoadBonusMapJSON(t *testing.T) {
	t.Setenv("GRAPH_BONUS_MAP", `{"decision": 2.0, "risk": 1.5}`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2.0, cfg.Retrieval.BonusMap["decision"])
	assert.Equal(t, 1.5, cfg.Retrieval.BonusMap["risk"])
	// The JSON map replaces the defaults entirely.
	_, hasOutcome := cfg.Retrieval.BonusMap["outcome"]
	assert.False(t, hasOutcome)
}

func TestLoadBadBonusMapKeepsDefaults(t *testing.T) {
	t.Setenv("GRAPH_BONUS_MAP", "not json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1.20, cfg.Retrieval.BonusMap["decision"])
}

func TestValidate(t *testing.T) {
	t.Run("bad mmr lambda", func(t *testing.T) {
		t.Setenv("MMR_LAMBDA", "1.5")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad halflife", func(t *testing.T) {
		t.Setenv("RECENCY_HALFLIFE_DAYS", "-1")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero final k", func(t *testing.T) {
		t.Setenv("FINAL_K", "0")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLexicalSeedK(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	// seed_k/4 with a floor of 10.
	assert.Equal(t, 10, cfg.Retrieval.LexicalSeedK())

	cfg.Retrieval.SeedK = 80
	assert.Equal(t, 20, cfg.Retrieval.LexicalSeedK())
}
