package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EvidenceSpan is a half-open [StartChar, EndChar) window into an artifact's
// canonical text. Spans are immutable after creation and are the only unit of
// citable ground the answerer may speak from.
type EvidenceSpan struct {
	ID             uuid.UUID `json:"id"`
	OrgID          uuid.UUID `json:"org_id"`
	ArtifactID     uuid.UUID `json:"artifact_id"`
	ArtifactTextID uuid.UUID `json:"artifact_text_id"`
	StartChar      int       `json:"start_char"`
	EndChar        int       `json:"end_char"`
	SpanType       string    `json:"span_type"`
	SectionPath    string    `json:"section_path"`
	ExtractedBy    string    `json:"extracted_by"`
	Confidence     float32   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// EvidenceEmbedding is one vector per (span, model, version). Reindexing
// replaces the vector in place.
type EvidenceEmbedding struct {
	SpanID       uuid.UUID       `json:"evidence_span_id"`
	OrgID        uuid.UUID       `json:"org_id"`
	ModelName    string          `json:"model_name"`
	ModelVersion string          `json:"model_version"`
	Embedding    pgvector.Vector `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HydratedSpan is a span joined with its text slice, as returned to callers.
// Text always equals artifact_text[StartChar:EndChar].
type HydratedSpan struct {
	ID         uuid.UUID `json:"id"`
	ArtifactID uuid.UUID `json:"artifact_id"`
	Text       string    `json:"text"`
	StartChar  int       `json:"start_char"`
	EndChar    int       `json:"end_char"`
	Confidence float32   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}
