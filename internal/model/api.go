package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueryMode selects the downstream answering posture. The pipeline itself
// does not branch on it; it is validated and echoed for the answerer.
type QueryMode string

const (
	ModeRecall     QueryMode = "recall"
	ModeReflection QueryMode = "reflection"
	ModeProjection QueryMode = "projection"
)

// ValidMode reports whether m is one of the three accepted modes.
func ValidMode(m QueryMode) bool {
	switch m {
	case ModeRecall, ModeReflection, ModeProjection:
		return true
	}
	return false
}

// MaxQueryTextLen bounds query_text so a single request cannot push an
// oversized document through the embedder and the FTS parser.
const MaxQueryTextLen = 8 * 1024

// RetrieveRequest is the body of POST /v1/retrieve.
type RetrieveRequest struct {
	OrgID       uuid.UUID `json:"org_id"`
	PrincipalID uuid.UUID `json:"principal_id"`
	Mode        QueryMode `json:"mode"`
	QueryText   string    `json:"query_text"`
	Scopes      []string  `json:"scopes"`
}

// Validate checks the request per the error taxonomy: bad enum, missing
// fields, bad UUID, empty query are all ValidationErrors.
func (r RetrieveRequest) Validate() error {
	if r.OrgID == uuid.Nil {
		return fmt.Errorf("org_id is required")
	}
	if r.PrincipalID == uuid.Nil {
		return fmt.Errorf("principal_id is required")
	}
	if !ValidMode(r.Mode) {
		return fmt.Errorf("mode must be one of recall, reflection, projection")
	}
	if r.QueryText == "" {
		return fmt.Errorf("query_text must not be empty")
	}
	if len(r.QueryText) > MaxQueryTextLen {
		return fmt.Errorf("query_text exceeds maximum length of %d bytes", MaxQueryTextLen)
	}
	return nil
}

// RetrieveResponse is the body of a successful POST /v1/retrieve.
type RetrieveResponse struct {
	OrgID   uuid.UUID      `json:"org_id"`
	Query   string         `json:"query"`
	TopK    int            `json:"top_k"`
	Results []HydratedSpan `json:"results"`
	Debug   RetrieveDebug  `json:"debug"`
}

// RetrieveDebug carries best-effort per-stage counts. Counts never include
// spans removed by the policy filter.
type RetrieveDebug struct {
	SeedSpans          int       `json:"seed_spans"`
	SeedNodes          int       `json:"seed_nodes"`
	ExpandedNodesCount int       `json:"expanded_nodes_count"`
	CandidateSpansCnt  int       `json:"candidate_spans_count"`
	AllowedSpansCount  int       `json:"allowed_spans_count"`
	Returned           int       `json:"returned"`
	MMR                DebugMMR  `json:"mmr"`
	ElapsedMs          int64     `json:"elapsed_ms"`
	At                 time.Time `json:"-"`
}

// DebugMMR echoes the diversity-selection parameters used for the request.
type DebugMMR struct {
	Enabled bool    `json:"enabled"`
	Lambda  float64 `json:"lambda"`
	Pool    int     `json:"pool"`
}

// APIError is the error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta carries per-request metadata on error envelopes.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes per the taxonomy. PolicyDenied is deliberately absent: blocked
// spans surface as an empty result set, never as an error.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeStoreError          = "STORE_ERROR"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
)

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
