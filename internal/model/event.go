package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one row of the append-only per-tenant event log. The deriver
// consumes events in ascending occurred_at order; ProcessedAt is set on
// successful derivation.
type Event struct {
	ID             uuid.UUID       `json:"event_id"`
	OrgID          uuid.UUID       `json:"org_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Actor          string          `json:"actor"`
	ArtifactID     *uuid.UUID      `json:"artifact_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	TraceID        *string         `json:"trace_id,omitempty"`
	IngestedAt     time.Time       `json:"ingested_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// EventPayload is the union of the typed payload fields the deriver reads.
// Kind selects the derivation rule; unknown kinds produce a generic event node.
type EventPayload struct {
	Kind        string   `json:"kind"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Owner       string   `json:"owner"`
	Assumptions []string `json:"assumptions"`
	DecisionRef string   `json:"decision_ref"`
	Severity    string   `json:"severity"`
	RelatesTo   string   `json:"relates_to"`
}

// DerivationCursor is the per-tenant deriver position.
type DerivationCursor struct {
	OrgID           uuid.UUID  `json:"org_id"`
	LastEventID     *uuid.UUID `json:"last_event_id,omitempty"`
	LastProcessedAt time.Time  `json:"last_processed_at"`
}
