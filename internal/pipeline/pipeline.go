// Package pipeline implements the staged retrieval flow: hybrid seeding,
// graph expansion, feature scoring, policy filtering, and diversity
// selection. Everything it returns is a span of stored artifact text; the
// pipeline never generates or rewrites content.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/storage"
)

// ErrEmbedder marks failures of the embedding backend so the transport layer
// can report them as an upstream problem rather than a store problem.
var ErrEmbedder = errors.New("pipeline: embedding backend unavailable")

// Store is the query surface the pipeline needs. *storage.DB satisfies it.
type Store interface {
	SeedByVector(ctx context.Context, orgID uuid.UUID, query pgvector.Vector, k int) ([]storage.SeedSpan, error)
	SeedByLexical(ctx context.Context, orgID uuid.UUID, queryText string, k int) ([]storage.SeedSpan, error)
	SeedNodes(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) ([]uuid.UUID, error)
	ExpandOneHop(ctx context.Context, orgID uuid.UUID, frontier []uuid.UUID, fanout int) ([]uuid.UUID, error)
	CandidateSpans(ctx context.Context, orgID uuid.UUID, nodeIDs []uuid.UUID, cap int) ([]uuid.UUID, error)
	SpanFeatures(ctx context.Context, orgID uuid.UUID, queryText string, query pgvector.Vector, spanIDs []uuid.UUID) (map[uuid.UUID]*storage.SpanFeature, error)
	EdgeSupportRows(ctx context.Context, orgID uuid.UUID, spanIDs, nodeIDs []uuid.UUID) ([]storage.EdgeSupportRow, error)
	PolicyFilter(ctx context.Context, orgID, principalID uuid.UUID, spanIDs []uuid.UUID) ([]uuid.UUID, error)
	SpanEmbeddings(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) (map[uuid.UUID][]float32, error)
	HydrateSpans(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) ([]model.HydratedSpan, error)
}

// Embedder turns query text into a vector in the same space as the stored
// span embeddings.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Service runs retrieval requests end to end.
type Service struct {
	store  Store
	embed  Embedder
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	// now is injectable for recency tests.
	now func() time.Time
}

// New creates a retrieval Service.
func New(store Store, embed Embedder, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		embed:  embed,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("kioku/pipeline"),
		now:    time.Now,
	}
}

// Config returns the effective retrieval configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Retrieve runs the full pipeline for one request. The request must already
// be validated. Policy filtering is fail-closed: any error before or during
// the filter aborts the request rather than returning unfiltered spans.
func (s *Service) Retrieve(ctx context.Context, req model.RetrieveRequest) (*model.RetrieveResponse, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "pipeline.Retrieve")
	defer span.End()

	resp := &model.RetrieveResponse{
		OrgID: req.OrgID,
		Query: req.QueryText,
		TopK:  s.cfg.FinalK,
		Debug: model.RetrieveDebug{
			MMR: model.DebugMMR{Enabled: s.cfg.UseMMR, Lambda: s.cfg.MMRLambda, Pool: s.cfg.MMRPool},
		},
	}

	vec, err := s.embed.EmbedQuery(ctx, req.QueryText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedder, err)
	}
	queryVec := pgvector.NewVector(vec)

	// Stage 1: vector and lexical seeds in parallel.
	var vecSeeds, lexSeeds []storage.SeedSpan
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecSeeds, err = s.store.SeedByVector(gctx, req.OrgID, queryVec, s.cfg.SeedK)
		return err
	})
	g.Go(func() error {
		var err error
		lexSeeds, err = s.store.SeedByLexical(gctx, req.OrgID, req.QueryText, s.cfg.LexicalSeedK())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: seed: %w", err)
	}

	seeds := mergeSeeds(vecSeeds, lexSeeds)
	seedIDs := make([]uuid.UUID, 0, len(seeds))
	for id := range seeds {
		seedIDs = append(seedIDs, id)
	}
	resp.Debug.SeedSpans = len(seedIDs)

	if len(seedIDs) == 0 {
		resp.Results = []model.HydratedSpan{}
		resp.Debug.ElapsedMs = s.now().Sub(start).Milliseconds()
		return resp, nil
	}

	// Stages 2-3: span -> node mapping, then bounded BFS.
	seedNodes, err := s.store.SeedNodes(ctx, req.OrgID, seedIDs)
	if err != nil {
		return nil, fmt.Errorf("pipeline: seed nodes: %w", err)
	}
	resp.Debug.SeedNodes = len(seedNodes)

	allNodes, err := s.expand(ctx, req.OrgID, seedNodes)
	if err != nil {
		return nil, err
	}
	resp.Debug.ExpandedNodesCount = len(allNodes)

	// Stage 4: collect candidate spans from the expanded neighborhood, always
	// keeping the seeds themselves.
	graphSpans, err := s.store.CandidateSpans(ctx, req.OrgID, allNodes, s.cfg.CandidateCap)
	if err != nil {
		return nil, fmt.Errorf("pipeline: candidate spans: %w", err)
	}
	candidates := unionIDs(seedIDs, graphSpans)
	resp.Debug.CandidateSpansCnt = len(candidates)

	// Policy filter before any scoring: spans the principal cannot read must
	// not influence ranking or debug output beyond this count.
	allowed, err := s.store.PolicyFilter(ctx, req.OrgID, req.PrincipalID, candidates)
	if err != nil {
		return nil, fmt.Errorf("pipeline: policy filter: %w", err)
	}
	resp.Debug.AllowedSpansCount = len(allowed)
	if len(allowed) == 0 {
		resp.Results = []model.HydratedSpan{}
		resp.Debug.ElapsedMs = s.now().Sub(start).Milliseconds()
		return resp, nil
	}

	// Stage 5: score.
	ranked, err := s.score(ctx, req, queryVec, allowed, allNodes)
	if err != nil {
		return nil, err
	}

	// Stage 6: diversity selection.
	var selected []scoredSpan
	if s.cfg.UseMMR {
		embeds, err := s.store.SpanEmbeddings(ctx, req.OrgID, topIDs(ranked, s.cfg.MMRPool))
		if err != nil {
			return nil, fmt.Errorf("pipeline: span embeddings: %w", err)
		}
		selected = mmrSelect(ranked, embeds, s.cfg.MMRLambda, s.cfg.MMRPool, s.cfg.FinalK)
	} else {
		selected = ranked
		if len(selected) > s.cfg.FinalK {
			selected = selected[:s.cfg.FinalK]
		}
	}

	// Stage 7: hydrate and drop overlapping windows from the same artifact.
	hydrated, err := s.store.HydrateSpans(ctx, req.OrgID, idsOf(selected))
	if err != nil {
		return nil, fmt.Errorf("pipeline: hydrate: %w", err)
	}
	resp.Results = dedupeOverlaps(hydrated)
	resp.Debug.Returned = len(resp.Results)
	resp.Debug.ElapsedMs = s.now().Sub(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("retrieve.seed_spans", resp.Debug.SeedSpans),
		attribute.Int("retrieve.candidates", resp.Debug.CandidateSpansCnt),
		attribute.Int("retrieve.allowed", resp.Debug.AllowedSpansCount),
		attribute.Int("retrieve.returned", resp.Debug.Returned),
	)
	s.logger.Debug("retrieval complete",
		"org_id", req.OrgID,
		"seed_spans", resp.Debug.SeedSpans,
		"candidates", resp.Debug.CandidateSpansCnt,
		"allowed", resp.Debug.AllowedSpansCount,
		"returned", resp.Debug.Returned,
		"elapsed_ms", resp.Debug.ElapsedMs,
	)
	return resp, nil
}

// expand runs a breadth-first expansion from the seed nodes, bounded by
// HopDepth levels and HopFanout per direction per level. Returns seeds plus
// every newly discovered node.
func (s *Service) expand(ctx context.Context, orgID uuid.UUID, seedNodes []uuid.UUID) ([]uuid.UUID, error) {
	visited := make(map[uuid.UUID]bool, len(seedNodes))
	all := make([]uuid.UUID, 0, len(seedNodes))
	for _, n := range seedNodes {
		visited[n] = true
		all = append(all, n)
	}

	frontier := seedNodes
	for depth := 0; depth < s.cfg.HopDepth && len(frontier) > 0; depth++ {
		neighbors, err := s.store.ExpandOneHop(ctx, orgID, frontier, s.cfg.HopFanout)
		if err != nil {
			return nil, fmt.Errorf("pipeline: expand hop %d: %w", depth+1, err)
		}
		var next []uuid.UUID
		for _, n := range neighbors {
			if visited[n] {
				continue
			}
			visited[n] = true
			all = append(all, n)
			next = append(next, n)
		}
		frontier = next
	}
	return all, nil
}

// score gathers per-span features, normalizes each signal independently, and
// blends them with the configured weights.
func (s *Service) score(ctx context.Context, req model.RetrieveRequest, queryVec pgvector.Vector, allowed, nodes []uuid.UUID) ([]scoredSpan, error) {
	feats, err := s.store.SpanFeatures(ctx, req.OrgID, req.QueryText, queryVec, allowed)
	if err != nil {
		return nil, fmt.Errorf("pipeline: span features: %w", err)
	}
	supportRows, err := s.store.EdgeSupportRows(ctx, req.OrgID, allowed, nodes)
	if err != nil {
		return nil, fmt.Errorf("pipeline: edge support: %w", err)
	}

	vecSig := make(map[uuid.UUID]float64, len(feats))
	lexSig := make(map[uuid.UUID]float64, len(feats))
	graphSig := make(map[uuid.UUID]float64, len(feats))
	for id, f := range feats {
		vecSig[id] = f.VecSim
		lexSig[id] = f.Lex
		graphSig[id] = 0
	}
	for _, row := range supportRows {
		if _, ok := graphSig[row.SpanID]; !ok {
			continue
		}
		graphSig[row.SpanID] += row.Strength * s.typeBonus(row.SrcType, row.DstType)
	}

	minMaxNormalize(vecSig)
	minMaxNormalize(lexSig)
	minMaxNormalize(graphSig)

	now := s.now()
	ranked := make([]scoredSpan, 0, len(feats))
	for id, f := range feats {
		score := s.cfg.AlphaVec*vecSig[id] +
			s.cfg.BetaBM25*lexSig[id] +
			s.cfg.GammaGraph*graphSig[id] +
			s.cfg.DeltaRecency*recencyScore(f.CreatedAt, now, s.cfg.RecencyHalflifeDays)
		ranked = append(ranked, scoredSpan{ID: id, Score: score, CreatedAt: f.CreatedAt})
	}
	rankSpans(ranked)
	return ranked, nil
}

// typeBonus returns the larger of the two endpoint-type multipliers; types
// absent from the map contribute a neutral 1.0.
func (s *Service) typeBonus(srcType, dstType string) float64 {
	bonus := 1.0
	if b, ok := s.cfg.BonusMap[srcType]; ok && b > bonus {
		bonus = b
	}
	if b, ok := s.cfg.BonusMap[dstType]; ok && b > bonus {
		bonus = b
	}
	return bonus
}

// mergeSeeds folds the two seed lists into one record per span, carrying the
// best vector and lexical signals seen for it.
func mergeSeeds(vecSeeds, lexSeeds []storage.SeedSpan) map[uuid.UUID]storage.SeedSpan {
	merged := make(map[uuid.UUID]storage.SeedSpan, len(vecSeeds)+len(lexSeeds))
	for _, s := range vecSeeds {
		merged[s.ID] = s
	}
	for _, s := range lexSeeds {
		if prev, ok := merged[s.ID]; ok {
			prev.Lex = s.Lex
			merged[s.ID] = prev
			continue
		}
		merged[s.ID] = s
	}
	return merged
}

func unionIDs(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(a)+len(b))
	out := make([]uuid.UUID, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func topIDs(ranked []scoredSpan, n int) []uuid.UUID {
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return idsOf(ranked)
}

func idsOf(spans []scoredSpan) []uuid.UUID {
	ids := make([]uuid.UUID, len(spans))
	for i, s := range spans {
		ids[i] = s.ID
	}
	return ids
}
