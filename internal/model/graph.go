package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeType classifies a graph node.
type NodeType string

const (
	NodeDecision   NodeType = "decision"
	NodeAssumption NodeType = "assumption"
	NodeOutcome    NodeType = "outcome"
	NodePriority   NodeType = "priority"
	NodeRisk       NodeType = "risk"
	NodePerson     NodeType = "person"
	NodeTopic      NodeType = "topic"
	NodeArtifact   NodeType = "artifact"
	NodeEvent      NodeType = "event"
)

// EdgeType classifies a graph edge.
type EdgeType string

const (
	EdgeDecidedBy   EdgeType = "decided_by"
	EdgeDependsOn   EdgeType = "depends_on"
	EdgeEvidencedBy EdgeType = "evidenced_by"
	EdgeRelates     EdgeType = "relates"
	EdgeRelatesTo   EdgeType = "relates_to"
	EdgeAffects     EdgeType = "affects"
	EdgeContradicts EdgeType = "contradicts"
)

// GraphNode is a typed entity keyed by (org, node_type, key), where key is a
// stable content hash of the node's canonical text. Upsert-merged: title is
// overwritten, metadata deep-merged, canonical text kept when absent.
type GraphNode struct {
	ID            uuid.UUID      `json:"id"`
	OrgID         uuid.UUID      `json:"org_id"`
	NodeType      NodeType       `json:"node_type"`
	Key           string         `json:"key"`
	Title         string         `json:"title"`
	CanonicalText *string        `json:"canonical_text,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// GraphEdge is directed and keyed by (org, src, dst, edge_type).
type GraphEdge struct {
	ID        uuid.UUID      `json:"id"`
	OrgID     uuid.UUID      `json:"org_id"`
	SrcNodeID uuid.UUID      `json:"src_node_id"`
	DstNodeID uuid.UUID      `json:"dst_node_id"`
	EdgeType  EdgeType       `json:"edge_type"`
	Weight    float32        `json:"weight"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EdgeEvidence links a graph edge to a span that justifies its existence.
type EdgeEvidence struct {
	EdgeID       uuid.UUID `json:"edge_id"`
	SpanID       uuid.UUID `json:"evidence_span_id"`
	Confidence   float32   `json:"confidence"`
	EvidenceType string    `json:"evidence_type"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}
