package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kioku/internal/model"
)

// UpsertNode inserts or merges a graph node keyed by (org, node_type, key).
// Merge semantics: title is overwritten, canonical_text is kept once set,
// metadata is shallow-merged with new keys winning.
func (t *Tx) UpsertNode(ctx context.Context, orgID uuid.UUID, nodeType model.NodeType, key, title string, canonicalText *string, metadata map[string]any) (uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return uuid.Nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	var nodeID uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO graph_node (org_id, node_type, key, title, canonical_text, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, node_type, key) DO UPDATE SET
			title = EXCLUDED.title,
			canonical_text = COALESCE(graph_node.canonical_text, EXCLUDED.canonical_text),
			metadata = graph_node.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING node_id`,
		orgID, nodeType, key, title, canonicalText, metadata,
	).Scan(&nodeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert node %s/%s: %w", nodeType, key, err)
	}
	return nodeID, nil
}

// UpsertEdge inserts or merges a directed edge keyed by
// (org, src, dst, edge_type). Weight is overwritten, metadata merged.
func (t *Tx) UpsertEdge(ctx context.Context, orgID, srcNodeID, dstNodeID uuid.UUID, edgeType model.EdgeType, weight float32, metadata map[string]any) (uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return uuid.Nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	var edgeID uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO graph_edge (org_id, src_node_id, dst_node_id, edge_type, weight, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, src_node_id, dst_node_id, edge_type) DO UPDATE SET
			weight = EXCLUDED.weight,
			metadata = graph_edge.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING edge_id`,
		orgID, srcNodeID, dstNodeID, edgeType, weight, metadata,
	).Scan(&edgeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert edge %s: %w", edgeType, err)
	}
	return edgeID, nil
}

// AttachEdgeEvidence records the span backing an edge and refreshes the
// span_node cache for both endpoints. All inserts are idempotent; replaying
// the same derivation is a no-op.
func (t *Tx) AttachEdgeEvidence(ctx context.Context, orgID, edgeID, spanID, srcNodeID, dstNodeID uuid.UUID, confidence float32, evidenceType, createdBy string) error {
	if err := guardOrg(orgID); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO edge_evidence (edge_id, evidence_span_id, confidence, evidence_type, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		edgeID, spanID, confidence, evidenceType, createdBy,
	); err != nil {
		return fmt.Errorf("storage: attach edge evidence: %w", err)
	}
	for _, nodeID := range []uuid.UUID{srcNodeID, dstNodeID} {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO span_node (org_id, evidence_span_id, node_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			orgID, spanID, nodeID,
		); err != nil {
			return fmt.Errorf("storage: cache span node: %w", err)
		}
	}
	return nil
}

// ResolveNodeRef finds a node of the given type by exact key, falling back to
// a case-insensitive title substring match. Returns ErrNotFound when neither
// resolves.
func (t *Tx) ResolveNodeRef(ctx context.Context, orgID uuid.UUID, nodeType model.NodeType, ref string) (uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return uuid.Nil, err
	}
	var nodeID uuid.UUID
	err := t.tx.QueryRow(ctx, `
		SELECT node_id FROM graph_node
		WHERE org_id = $1 AND node_type = $2 AND key = $3`,
		orgID, nodeType, ref,
	).Scan(&nodeID)
	if err == nil {
		return nodeID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("storage: resolve node by key: %w", err)
	}

	err = t.tx.QueryRow(ctx, `
		SELECT node_id FROM graph_node
		WHERE org_id = $1 AND node_type = $2 AND title ILIKE '%' || $3 || '%'
		ORDER BY updated_at DESC
		LIMIT 1`,
		orgID, nodeType, ref,
	).Scan(&nodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: resolve node by title: %w", err)
	}
	return nodeID, nil
}

// ArtifactSpanIDs returns all span ids extracted from an artifact, used to
// attach provenance to edges derived from the artifact's events.
func (t *Tx) ArtifactSpanIDs(ctx context.Context, orgID, artifactID uuid.UUID) ([]uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `
		SELECT evidence_span_id
		FROM evidence_span
		WHERE org_id = $1 AND artifact_id = $2
		ORDER BY start_char`,
		orgID, artifactID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: artifact span ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan artifact span id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NodeByKey fetches a node by its natural key.
func (db *DB) NodeByKey(ctx context.Context, orgID uuid.UUID, nodeType model.NodeType, key string) (*model.GraphNode, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	var n model.GraphNode
	err := db.pool.QueryRow(ctx, `
		SELECT node_id, org_id, node_type, key, title, canonical_text, metadata, created_at, updated_at
		FROM graph_node
		WHERE org_id = $1 AND node_type = $2 AND key = $3`,
		orgID, nodeType, key,
	).Scan(&n.ID, &n.OrgID, &n.NodeType, &n.Key, &n.Title, &n.CanonicalText, &n.Metadata, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: node by key: %w", err)
	}
	return &n, nil
}

// EdgesFrom returns all edges whose source is the given node.
func (db *DB) EdgesFrom(ctx context.Context, orgID, srcNodeID uuid.UUID) ([]model.GraphEdge, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, `
		SELECT edge_id, org_id, src_node_id, dst_node_id, edge_type, weight, metadata, created_at, updated_at
		FROM graph_edge
		WHERE org_id = $1 AND src_node_id = $2
		ORDER BY edge_type, dst_node_id`,
		orgID, srcNodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: edges from: %w", err)
	}
	defer rows.Close()

	var edges []model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		if err := rows.Scan(&e.ID, &e.OrgID, &e.SrcNodeID, &e.DstNodeID, &e.EdgeType, &e.Weight, &e.Metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// EvidenceForEdge returns the provenance rows backing an edge.
func (db *DB) EvidenceForEdge(ctx context.Context, edgeID uuid.UUID) ([]model.EdgeEvidence, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT edge_id, evidence_span_id, confidence, evidence_type, created_by, created_at
		FROM edge_evidence
		WHERE edge_id = $1
		ORDER BY evidence_span_id`,
		edgeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: evidence for edge: %w", err)
	}
	defer rows.Close()

	var evs []model.EdgeEvidence
	for rows.Next() {
		var ev model.EdgeEvidence
		if err := rows.Scan(&ev.EdgeID, &ev.SpanID, &ev.Confidence, &ev.EvidenceType, &ev.CreatedBy, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan edge evidence: %w", err)
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}
