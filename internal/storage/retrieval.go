package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/model"
)

// SeedSpan is a stage-1 candidate with its raw seed signals. A span surfaced
// by only one of the two seeds carries 0.0 for the other signal.
type SeedSpan struct {
	ID        uuid.UUID
	CreatedAt time.Time
	VecSim    float64
	Lex       float64
}

// SpanFeature holds the per-span scoring inputs gathered in stage 5.
type SpanFeature struct {
	VecSim      float64
	Lex         float64
	EdgeSupport float64
	CreatedAt   time.Time
}

// EdgeSupportRow is one (span, edge) incidence used to accumulate graph
// support. Strength is confidence x weight; the per-type bonus is applied by
// the pipeline, which owns the bonus map.
type EdgeSupportRow struct {
	SpanID   uuid.UUID
	SrcType  string
	DstType  string
	Strength float64
}

func guardOrg(orgID uuid.UUID) error {
	if orgID == uuid.Nil {
		return ErrMissingOrg
	}
	return nil
}

// SeedByVector returns the top-k spans by cosine similarity of their stored
// embedding to the query vector, within the tenant.
func (db *DB) SeedByVector(ctx context.Context, orgID uuid.UUID, query pgvector.Vector, k int) ([]SeedSpan, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, `
		SELECT ee.evidence_span_id, es.created_at,
		       1 - (ee.embedding <=> $1) AS vec_sim
		FROM evidence_embedding ee
		JOIN evidence_span es ON es.evidence_span_id = ee.evidence_span_id
		                     AND es.org_id = ee.org_id
		WHERE es.org_id = $2
		ORDER BY ee.embedding <=> $1
		LIMIT $3`,
		query, orgID, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: seed by vector: %w", err)
	}
	defer rows.Close()

	var seeds []SeedSpan
	for rows.Next() {
		var s SeedSpan
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.VecSim); err != nil {
			return nil, fmt.Errorf("storage: scan vector seed: %w", err)
		}
		seeds = append(seeds, s)
	}
	return seeds, rows.Err()
}

// SeedByIDs re-verifies externally suggested span ids against the store:
// only spans that exist in the tenant with a stored embedding come back, with
// the similarity recomputed from the stored vector. Used to ground ANN mirror
// hits before they enter the pipeline.
func (db *DB) SeedByIDs(ctx context.Context, orgID uuid.UUID, query pgvector.Vector, spanIDs []uuid.UUID) ([]SeedSpan, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT ee.evidence_span_id, es.created_at,
		       1 - (ee.embedding <=> $1) AS vec_sim
		FROM evidence_embedding ee
		JOIN evidence_span es ON es.evidence_span_id = ee.evidence_span_id
		                     AND es.org_id = ee.org_id
		WHERE es.org_id = $2
		  AND ee.evidence_span_id = ANY($3)
		ORDER BY ee.embedding <=> $1`,
		query, orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: seed by ids: %w", err)
	}
	defer rows.Close()

	var seeds []SeedSpan
	for rows.Next() {
		var s SeedSpan
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.VecSim); err != nil {
			return nil, fmt.Errorf("storage: scan id seed: %w", err)
		}
		seeds = append(seeds, s)
	}
	return seeds, rows.Err()
}

// SeedByLexical returns the top-k spans by phrase-aware full-text rank of the
// owning artifact text against the query. websearch_to_tsquery handles quoted
// phrases, AND/OR and -term negation; the @@ clause gates rows to actual
// matches so ts_rank never scores non-matching text.
func (db *DB) SeedByLexical(ctx context.Context, orgID uuid.UUID, queryText string, k int) ([]SeedSpan, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, `
		SELECT es.evidence_span_id, es.created_at,
		       ts_rank(at.fts_en, websearch_to_tsquery('english', $1)) AS lex_rank
		FROM evidence_span es
		JOIN artifact_text at ON at.artifact_text_id = es.artifact_text_id
		                     AND at.org_id = es.org_id
		WHERE es.org_id = $2
		  AND at.fts_en @@ websearch_to_tsquery('english', $1)
		ORDER BY lex_rank DESC
		LIMIT $3`,
		queryText, orgID, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: seed by lexical: %w", err)
	}
	defer rows.Close()

	var seeds []SeedSpan
	for rows.Next() {
		var s SeedSpan
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.Lex); err != nil {
			return nil, fmt.Errorf("storage: scan lexical seed: %w", err)
		}
		seeds = append(seeds, s)
	}
	return seeds, rows.Err()
}

// SeedNodes maps seed spans to graph nodes. The span_node cache is consulted
// first; when it yields nothing the nodes are derived from
// edge_evidence joined to graph_edge, taking both endpoints.
func (db *DB) SeedNodes(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) ([]uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}

	nodes, err := db.queryIDs(ctx, `
		SELECT DISTINCT node_id
		FROM span_node
		WHERE org_id = $1 AND evidence_span_id = ANY($2)`,
		orgID, spanIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: seed nodes from cache: %w", err)
	}
	if len(nodes) > 0 {
		return nodes, nil
	}

	nodes, err = db.queryIDs(ctx, `
		SELECT DISTINCT ge.src_node_id
		FROM edge_evidence ee
		JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		WHERE ge.org_id = $1 AND ee.evidence_span_id = ANY($2)
		UNION
		SELECT DISTINCT ge.dst_node_id
		FROM edge_evidence ee
		JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		WHERE ge.org_id = $1 AND ee.evidence_span_id = ANY($2)`,
		orgID, spanIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: seed nodes from edge evidence: %w", err)
	}
	return nodes, nil
}

// ExpandOneHop returns the distinct outgoing and incoming neighbors of the
// frontier, each direction independently capped at fanout.
func (db *DB) ExpandOneHop(ctx context.Context, orgID uuid.UUID, frontier []uuid.UUID, fanout int) ([]uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(frontier) == 0 {
		return nil, nil
	}

	out, err := db.queryIDs(ctx, `
		SELECT DISTINCT dst_node_id
		FROM graph_edge
		WHERE org_id = $1 AND src_node_id = ANY($2)
		ORDER BY dst_node_id
		LIMIT $3`,
		orgID, frontier, fanout)
	if err != nil {
		return nil, fmt.Errorf("storage: expand outgoing: %w", err)
	}

	in, err := db.queryIDs(ctx, `
		SELECT DISTINCT src_node_id
		FROM graph_edge
		WHERE org_id = $1 AND dst_node_id = ANY($2)
		ORDER BY src_node_id
		LIMIT $3`,
		orgID, frontier, fanout)
	if err != nil {
		return nil, fmt.Errorf("storage: expand incoming: %w", err)
	}

	return append(out, in...), nil
}

// CandidateSpans returns spans supporting any edge whose src or dst is in the
// node set, capped.
func (db *DB) CandidateSpans(ctx context.Context, orgID uuid.UUID, nodeIDs []uuid.UUID, cap int) ([]uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	ids, err := db.queryIDs(ctx, `
		SELECT DISTINCT ee.evidence_span_id
		FROM graph_edge ge
		JOIN edge_evidence ee ON ee.edge_id = ge.edge_id
		WHERE ge.org_id = $1
		  AND (ge.src_node_id = ANY($2) OR ge.dst_node_id = ANY($2))
		LIMIT $3`,
		orgID, nodeIDs, cap)
	if err != nil {
		return nil, fmt.Errorf("storage: candidate spans: %w", err)
	}
	return ids, nil
}

// SpanFeatures gathers the base scoring inputs for the candidate set:
// vector similarity (0.0 when the span has no stored embedding), lexical rank
// (0.0 when the artifact text does not match), and created_at.
func (db *DB) SpanFeatures(ctx context.Context, orgID uuid.UUID, queryText string, query pgvector.Vector, spanIDs []uuid.UUID) (map[uuid.UUID]*SpanFeature, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return map[uuid.UUID]*SpanFeature{}, nil
	}

	feats := make(map[uuid.UUID]*SpanFeature, len(spanIDs))

	rows, err := db.pool.Query(ctx, `
		SELECT es.evidence_span_id, es.created_at,
		       COALESCE(1 - (ee.embedding <=> $1), 0.0) AS vec_sim
		FROM evidence_span es
		LEFT JOIN evidence_embedding ee ON ee.evidence_span_id = es.evidence_span_id
		                               AND ee.org_id = es.org_id
		WHERE es.org_id = $2 AND es.evidence_span_id = ANY($3)`,
		query, orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: span features: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var f SpanFeature
		if err := rows.Scan(&id, &f.CreatedAt, &f.VecSim); err != nil {
			return nil, fmt.Errorf("storage: scan span feature: %w", err)
		}
		feats[id] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: span features rows: %w", err)
	}

	lexRows, err := db.pool.Query(ctx, `
		SELECT es.evidence_span_id,
		       ts_rank(at.fts_en, websearch_to_tsquery('english', $1)) AS lex_rank
		FROM evidence_span es
		JOIN artifact_text at ON at.artifact_text_id = es.artifact_text_id
		                     AND at.org_id = es.org_id
		WHERE es.org_id = $2
		  AND es.evidence_span_id = ANY($3)
		  AND at.fts_en @@ websearch_to_tsquery('english', $1)`,
		queryText, orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: span lex features: %w", err)
	}
	defer lexRows.Close()
	for lexRows.Next() {
		var id uuid.UUID
		var lex float64
		if err := lexRows.Scan(&id, &lex); err != nil {
			return nil, fmt.Errorf("storage: scan span lex feature: %w", err)
		}
		if f, ok := feats[id]; ok {
			f.Lex = lex
		}
	}
	return feats, lexRows.Err()
}

// EdgeSupportRows returns the (span, edge) incidences for candidate spans on
// edges touching the expanded node set, with confidence x weight strengths
// and both endpoint node types for per-type bonus application.
func (db *DB) EdgeSupportRows(ctx context.Context, orgID uuid.UUID, spanIDs, nodeIDs []uuid.UUID) ([]EdgeSupportRow, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 || len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT ee.evidence_span_id, ns.node_type, nd.node_type,
		       (COALESCE(ee.confidence, 0.5) * COALESCE(ge.weight, 1.0))::float8 AS strength
		FROM edge_evidence ee
		JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		JOIN graph_node ns ON ns.node_id = ge.src_node_id AND ns.org_id = ge.org_id
		JOIN graph_node nd ON nd.node_id = ge.dst_node_id AND nd.org_id = ge.org_id
		WHERE ge.org_id = $1
		  AND ee.evidence_span_id = ANY($2)
		  AND (ge.src_node_id = ANY($3) OR ge.dst_node_id = ANY($3))`,
		orgID, spanIDs, nodeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: edge support: %w", err)
	}
	defer rows.Close()

	var support []EdgeSupportRow
	for rows.Next() {
		var r EdgeSupportRow
		if err := rows.Scan(&r.SpanID, &r.SrcType, &r.DstType, &r.Strength); err != nil {
			return nil, fmt.Errorf("storage: scan edge support: %w", err)
		}
		support = append(support, r)
	}
	return support, rows.Err()
}

// PolicyFilter intersects the candidate set with spans whose artifact ACL is
// reachable by the principal, either directly or through any held role, in a
// single set operation. A principal with no grants gets an empty result.
func (db *DB) PolicyFilter(ctx context.Context, orgID, principalID uuid.UUID, spanIDs []uuid.UUID) ([]uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}
	ids, err := db.queryIDs(ctx, `
		SELECT DISTINCT es.evidence_span_id
		FROM evidence_span es
		JOIN artifact a ON a.artifact_id = es.artifact_id AND a.org_id = es.org_id
		JOIN acl ON acl.acl_id = a.acl_id AND acl.org_id = es.org_id
		LEFT JOIN acl_allow aa_p ON aa_p.org_id = es.org_id AND aa_p.acl_id = a.acl_id
		                        AND aa_p.allow_type = 'principal' AND aa_p.principal_id = $1
		LEFT JOIN principal_role pr ON pr.org_id = es.org_id AND pr.principal_id = $1
		LEFT JOIN acl_allow aa_r ON aa_r.org_id = es.org_id AND aa_r.acl_id = a.acl_id
		                        AND aa_r.allow_type = 'role' AND aa_r.role_id = pr.role_id
		WHERE es.org_id = $2 AND es.evidence_span_id = ANY($3)
		  AND (aa_p.acl_id IS NOT NULL OR aa_r.acl_id IS NOT NULL)`,
		principalID, orgID, spanIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: policy filter: %w", err)
	}
	return ids, nil
}

// SpanEmbeddings returns stored vectors for the given spans, used by MMR.
// Spans without embeddings are simply absent from the map.
func (db *DB) SpanEmbeddings(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) (map[uuid.UUID][]float32, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return map[uuid.UUID][]float32{}, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT evidence_span_id, embedding
		FROM evidence_embedding
		WHERE org_id = $1 AND evidence_span_id = ANY($2)`,
		orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: span embeddings: %w", err)
	}
	defer rows.Close()

	embeds := make(map[uuid.UUID][]float32, len(spanIDs))
	for rows.Next() {
		var id uuid.UUID
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("storage: scan span embedding: %w", err)
		}
		embeds[id] = vec.Slice()
	}
	return embeds, rows.Err()
}

// HydrateSpans fetches the text slice and metadata for the selected spans,
// preserving the order of spanIDs. The text is cut server-side with
// SUBSTRING so the invariant text == artifact_text[start:end] holds by
// construction.
func (db *DB) HydrateSpans(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) ([]model.HydratedSpan, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT es.evidence_span_id, es.artifact_id, es.start_char, es.end_char,
		       SUBSTRING(at.text_utf8 FROM es.start_char+1 FOR es.end_char-es.start_char) AS text,
		       es.confidence, es.created_at
		FROM evidence_span es
		JOIN artifact_text at ON at.artifact_text_id = es.artifact_text_id
		                     AND at.org_id = es.org_id
		WHERE es.org_id = $1 AND es.evidence_span_id = ANY($2)`,
		orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: hydrate spans: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]model.HydratedSpan, len(spanIDs))
	for rows.Next() {
		var s model.HydratedSpan
		if err := rows.Scan(&s.ID, &s.ArtifactID, &s.StartChar, &s.EndChar, &s.Text, &s.Confidence, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan hydrated span: %w", err)
		}
		byID[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: hydrate rows: %w", err)
	}

	ordered := make([]model.HydratedSpan, 0, len(spanIDs))
	for _, id := range spanIDs {
		if s, ok := byID[id]; ok {
			ordered = append(ordered, s)
		}
	}
	return ordered, nil
}

// queryIDs runs a query whose single column is a UUID and collects the result.
func (db *DB) queryIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
