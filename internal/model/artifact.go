package model

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is an ingested document. Every artifact belongs to exactly one
// tenant and references exactly one ACL.
type Artifact struct {
	ID                uuid.UUID `json:"id"`
	OrgID             uuid.UUID `json:"org_id"`
	SourceSystem      string    `json:"source_system"`
	SourceURI         string    `json:"source_uri"`
	CapturedAt        time.Time `json:"captured_at"`
	OccurredAt        time.Time `json:"occurred_at"`
	Author            string    `json:"author"`
	ContentType       string    `json:"content_type"`
	StorageURI        string    `json:"storage_uri"`
	ContentSHA256     string    `json:"content_sha256"`
	ByteSize          int64     `json:"byte_size"`
	ACLID             uuid.UUID `json:"acl_id"`
	PIIClassification string    `json:"pii_classification"`
	CreatedAt         time.Time `json:"created_at"`
}

// ArtifactText is the at-most-one normalized UTF-8 body of an artifact.
// The full-text column over it lives in the database (generated tsvector).
type ArtifactText struct {
	ID                uuid.UUID `json:"id"`
	OrgID             uuid.UUID `json:"org_id"`
	ArtifactID        uuid.UUID `json:"artifact_id"`
	TextUTF8          string    `json:"text_utf8"`
	Lang              string    `json:"lang"`
	NormalizerVersion string    `json:"normalizer_version"`
	ContentSHA256     string    `json:"content_sha256"`
	CreatedAt         time.Time `json:"created_at"`
}
