package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kioku/internal/model"
)

// CreateOrg creates a tenant.
func (db *DB) CreateOrg(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO org (name) VALUES ($1) RETURNING org_id`, name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create org: %w", err)
	}
	return id, nil
}

// CreatePrincipal registers an identity within a tenant. external_subject is
// the identifier asserted by the upstream gateway.
func (db *DB) CreatePrincipal(ctx context.Context, orgID uuid.UUID, externalSubject, displayName string) (uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, `
		INSERT INTO principal (org_id, external_subject, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, external_subject) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING principal_id`,
		orgID, externalSubject, displayName,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create principal: %w", err)
	}
	return id, nil
}

// CreateRole creates a named role within a tenant.
func (db *DB) CreateRole(ctx context.Context, orgID uuid.UUID, name string) (uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, `
		INSERT INTO role (org_id, name) VALUES ($1, $2)
		ON CONFLICT (org_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING role_id`,
		orgID, name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create role: %w", err)
	}
	return id, nil
}

// GrantRole assigns a role to a principal.
func (db *DB) GrantRole(ctx context.Context, orgID, principalID, roleID uuid.UUID) error {
	if err := guardOrg(orgID); err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO principal_role (org_id, principal_id, role_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		orgID, principalID, roleID,
	); err != nil {
		return fmt.Errorf("storage: grant role: %w", err)
	}
	return nil
}

// CreateACL creates a named access control list.
func (db *DB) CreateACL(ctx context.Context, orgID uuid.UUID, name string) (uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, `
		INSERT INTO acl (org_id, name) VALUES ($1, $2)
		ON CONFLICT (org_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING acl_id`,
		orgID, name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create acl: %w", err)
	}
	return id, nil
}

// AllowPrincipal grants an ACL directly to a principal.
func (db *DB) AllowPrincipal(ctx context.Context, orgID, aclID, principalID uuid.UUID) error {
	if err := guardOrg(orgID); err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO acl_allow (org_id, acl_id, allow_type, principal_id)
		VALUES ($1, $2, 'principal', $3)`,
		orgID, aclID, principalID,
	); err != nil {
		return fmt.Errorf("storage: allow principal: %w", err)
	}
	return nil
}

// AllowRole grants an ACL to every holder of a role.
func (db *DB) AllowRole(ctx context.Context, orgID, aclID, roleID uuid.UUID) error {
	if err := guardOrg(orgID); err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO acl_allow (org_id, acl_id, allow_type, role_id)
		VALUES ($1, $2, 'role', $3)`,
		orgID, aclID, roleID,
	); err != nil {
		return fmt.Errorf("storage: allow role: %w", err)
	}
	return nil
}

// CreateArtifact records an ingested document. The artifact must reference an
// existing ACL; ingestion without access policy is rejected by the schema.
func (db *DB) CreateArtifact(ctx context.Context, a *model.Artifact) (uuid.UUID, error) {
	if err := guardOrg(a.OrgID); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, `
		INSERT INTO artifact (org_id, source_system, source_uri, captured_at, occurred_at,
		                      author, content_type, storage_uri, content_sha256, byte_size,
		                      acl_id, pii_classification)
		VALUES ($1, $2, $3, COALESCE($4, now()), COALESCE($5, now()), $6, $7, $8, $9, $10, $11, $12)
		RETURNING artifact_id`,
		a.OrgID, a.SourceSystem, a.SourceURI, nullTime(a.CapturedAt), nullTime(a.OccurredAt),
		a.Author, a.ContentType, a.StorageURI, a.ContentSHA256, a.ByteSize,
		a.ACLID, a.PIIClassification,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create artifact: %w", err)
	}
	return id, nil
}

// CreateArtifactText stores the canonical normalized body of an artifact. The
// full-text column is generated by the database; nothing to compute here.
func (db *DB) CreateArtifactText(ctx context.Context, t *model.ArtifactText) (uuid.UUID, error) {
	if err := guardOrg(t.OrgID); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, `
		INSERT INTO artifact_text (org_id, artifact_id, text_utf8, lang, normalizer_version, content_sha256)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'en'), COALESCE(NULLIF($5, ''), 'v1'), $6)
		RETURNING artifact_text_id`,
		t.OrgID, t.ArtifactID, t.TextUTF8, t.Lang, t.NormalizerVersion, t.ContentSHA256,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create artifact text: %w", err)
	}
	return id, nil
}

// CreateSpans bulk-inserts evidence spans with COPY. IDs are assigned
// client-side so the caller gets them back without a second round trip.
func (db *DB) CreateSpans(ctx context.Context, orgID uuid.UUID, spans []model.EvidenceSpan) ([]uuid.UUID, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(spans))
	rows := make([][]any, len(spans))
	for i, s := range spans {
		ids[i] = uuid.New()
		conf := s.Confidence
		if conf == 0 {
			conf = 0.75
		}
		rows[i] = []any{
			ids[i], orgID, s.ArtifactID, s.ArtifactTextID,
			s.StartChar, s.EndChar, s.SpanType, s.SectionPath, s.ExtractedBy, conf,
		}
	}

	_, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"evidence_span"},
		[]string{"evidence_span_id", "org_id", "artifact_id", "artifact_text_id",
			"start_char", "end_char", "span_type", "section_path", "extracted_by", "confidence"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: copy spans: %w", err)
	}
	return ids, nil
}

// UpsertEmbedding stores or replaces the vector for a (span, model, version).
func (db *DB) UpsertEmbedding(ctx context.Context, e *model.EvidenceEmbedding) error {
	if err := guardOrg(e.OrgID); err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO evidence_embedding (evidence_span_id, org_id, model_name, model_version, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (evidence_span_id, model_name, model_version) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			created_at = now()`,
		e.SpanID, e.OrgID, e.ModelName, e.ModelVersion, e.Embedding,
	); err != nil {
		return fmt.Errorf("storage: upsert embedding: %w", err)
	}
	return nil
}

// EnqueueSearchSync queues spans for the external index mirror.
func (db *DB) EnqueueSearchSync(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID, operation string) error {
	if err := guardOrg(orgID); err != nil {
		return err
	}
	for _, spanID := range spanIDs {
		if _, err := db.pool.Exec(ctx, `
			INSERT INTO search_outbox (org_id, evidence_span_id, operation)
			VALUES ($1, $2, $3)`,
			orgID, spanID, operation,
		); err != nil {
			return fmt.Errorf("storage: enqueue search sync: %w", err)
		}
	}
	return nil
}

// nullTime maps the zero time to NULL so column defaults apply.
func nullTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}
