// Package search maintains an optional external ANN mirror of evidence-span
// embeddings in Qdrant. Postgres remains the source of truth: retrieval never
// trusts mirror results without re-verifying the ids against the store, so
// tenant isolation does not depend on the mirror.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// Config holds the Qdrant connection settings.
type Config struct {
	URL        string // e.g. "http://localhost:6333" or "https://xyz.cloud.qdrant.io:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is one evidence-span vector with the payload fields used for
// filtered search.
type Point struct {
	SpanID     uuid.UUID
	OrgID      uuid.UUID
	ArtifactID uuid.UUID
	CreatedAt  time.Time
	Embedding  []float32
}

// Result is one ANN hit.
type Result struct {
	SpanID uuid.UUID
	Score  float32
}

// Index mirrors span embeddings into a Qdrant collection.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseURL extracts host, port, and TLS flag from a Qdrant URL. The REST port
// 6333 is mapped to the gRPC port 6334.
func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to Qdrant via gRPC.
func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if missing and ensures payload
// indexes exist. CreateFieldIndex is idempotent on Qdrant, so indexes are
// always re-asserted on boot.
func (x *Index) EnsureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     x.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", x.collection, err)
		}
		x.logger.Info("qdrant: created collection", "collection", x.collection, "dims", x.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"org_id", "artifact_id"} {
		if _, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: x.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: x.collection,
		FieldName:      "created_at_unix",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("search: ensure index on created_at_unix: %w", err)
	}

	return nil
}

// SearchSpans returns the nearest span ids within the tenant. org_id is
// always the first filter condition.
func (x *Index) SearchSpans(ctx context.Context, orgID uuid.UUID, embedding []float32, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 40
	}
	fetchLimit := uint64(limit) //nolint:gosec // limit is bounded by config

	scored, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("org_id", orgID.String()),
		}},
		Limit:       &fetchLimit,
		WithPayload: qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		spanID, err := uuid.Parse(idStr)
		if err != nil {
			x.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, Result{SpanID: spanID, Score: sp.Score})
	}
	return results, nil
}

// Upsert inserts or updates span points.
func (x *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"org_id":          p.OrgID.String(),
			"artifact_id":     p.ArtifactID.String(),
			"created_at_unix": float64(p.CreatedAt.Unix()),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.SpanID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes span points.
func (x *Index) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Healthy checks connectivity, caching the result for 5 seconds and
// collapsing concurrent probes into one request.
func (x *Index) Healthy(ctx context.Context) error {
	const cacheTTL = 5 * time.Second
	if time.Since(time.Unix(0, x.healthAt.Load())) < cacheTTL {
		if errp, ok := x.healthErr.Load().(*error); ok {
			return *errp
		}
	}

	v, err, _ := x.healthGroup.Do("health", func() (any, error) {
		_, probeErr := x.client.HealthCheck(ctx)
		x.healthErr.Store(&probeErr)
		x.healthAt.Store(time.Now().UnixNano())
		return nil, probeErr
	})
	_ = v
	return err
}

// Close releases the gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}
