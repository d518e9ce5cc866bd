package pipeline

// Config holds every retrieval knob. All fields are overridable through the
// environment (see config.Load); the zero value is not usable, start from
// DefaultConfig.
type Config struct {
	SeedK     int `json:"seed_k"`
	HopDepth  int `json:"hop_depth"`
	HopFanout int `json:"hop_fanout"`
	FinalK    int `json:"final_k"`

	AlphaVec     float64 `json:"alpha_vec"`
	BetaBM25     float64 `json:"beta_bm25"`
	GammaGraph   float64 `json:"gamma_graph"`
	DeltaRecency float64 `json:"delta_recency"`

	RecencyHalflifeDays float64 `json:"recency_halflife_days"`

	UseMMR    bool    `json:"use_mmr"`
	MMRLambda float64 `json:"mmr_lambda"`
	MMRPool   int     `json:"mmr_pool"`

	// BonusMap multiplies edge support per incident node type. Types absent
	// from the map contribute 1.0.
	BonusMap map[string]float64 `json:"graph_bonus_map"`

	// CandidateCap bounds stage-4 span collection.
	CandidateCap int `json:"candidate_cap"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SeedK:               40,
		HopDepth:            2,
		HopFanout:           80,
		FinalK:              12,
		AlphaVec:            0.55,
		BetaBM25:            0.25,
		GammaGraph:          0.15,
		DeltaRecency:        0.05,
		RecencyHalflifeDays: 45.0,
		UseMMR:              true,
		MMRLambda:           0.7,
		MMRPool:             100,
		BonusMap: map[string]float64{
			"decision":   1.20,
			"outcome":    1.10,
			"assumption": 1.05,
		},
		CandidateCap: 5000,
	}
}

// LexicalSeedK is the stage-1 lexical limit derived from SeedK.
func (c Config) LexicalSeedK() int {
	k := c.SeedK / 4
	if k < 10 {
		k = 10
	}
	return k
}
