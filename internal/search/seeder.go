package search

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/storage"
)

// Seeder fronts the vector seed with the Qdrant mirror. Mirror hits are only
// suggestions: every id is re-verified against Postgres, which recomputes the
// similarity from the stored vector and enforces the tenant scope. Any mirror
// failure or an empty mirror (e.g. outbox lag) falls back to pgvector, so
// enabling the mirror can never lose results.
//
// All other store operations pass through the embedded DB.
type Seeder struct {
	*storage.DB
	index  *Index
	logger *slog.Logger
}

// NewSeeder wraps db so vector seeding consults the mirror first.
func NewSeeder(db *storage.DB, index *Index, logger *slog.Logger) *Seeder {
	return &Seeder{DB: db, index: index, logger: logger}
}

// SeedByVector queries the mirror, then grounds the hits in the store.
func (s *Seeder) SeedByVector(ctx context.Context, orgID uuid.UUID, query pgvector.Vector, k int) ([]storage.SeedSpan, error) {
	hits, err := s.index.SearchSpans(ctx, orgID, query.Slice(), k)
	if err != nil {
		s.logger.Warn("search: mirror seed failed, falling back to pgvector", "error", err)
		return s.DB.SeedByVector(ctx, orgID, query, k)
	}
	if len(hits) == 0 {
		return s.DB.SeedByVector(ctx, orgID, query, k)
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.SpanID
	}
	seeds, err := s.DB.SeedByIDs(ctx, orgID, query, ids)
	if err != nil {
		return nil, err
	}
	if len(seeds) < len(hits) {
		s.logger.Debug("search: mirror hits dropped by verification",
			"org_id", orgID, "hits", len(hits), "verified", len(seeds))
	}
	return seeds, nil
}
