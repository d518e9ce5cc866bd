package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// OutboxRow is one pending index-mirror operation, joined with the span's
// current embedding when the operation is an upsert.
type OutboxRow struct {
	ID         int64
	OrgID      uuid.UUID
	SpanID     uuid.UUID
	ArtifactID uuid.UUID
	CreatedAt  time.Time
	Operation  string
	Attempts   int
	Embedding  []float32
}

// FetchOutboxBatch claims up to limit pending mirror operations, oldest
// first. SKIP LOCKED keeps concurrent workers from double-shipping; rows stay
// queued until DeleteOutboxRows confirms delivery.
func (db *DB) FetchOutboxBatch(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT o.id, o.org_id, o.evidence_span_id, es.artifact_id, es.created_at,
		       o.operation, o.attempts, ee.embedding
		FROM search_outbox o
		JOIN evidence_span es ON es.evidence_span_id = o.evidence_span_id
		                     AND es.org_id = o.org_id
		LEFT JOIN evidence_embedding ee ON ee.evidence_span_id = o.evidence_span_id
		                               AND ee.org_id = o.org_id
		ORDER BY o.created_at, o.id
		LIMIT $1
		FOR UPDATE OF o SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch outbox batch: %w", err)
	}
	defer rows.Close()

	var batch []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var vec *pgvector.Vector
		if err := rows.Scan(&r.ID, &r.OrgID, &r.SpanID, &r.ArtifactID, &r.CreatedAt, &r.Operation, &r.Attempts, &vec); err != nil {
			return nil, fmt.Errorf("storage: scan outbox row: %w", err)
		}
		if vec != nil {
			r.Embedding = vec.Slice()
		}
		batch = append(batch, r)
	}
	return batch, rows.Err()
}

// DeleteOutboxRows removes delivered operations.
func (db *DB) DeleteOutboxRows(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: delete outbox rows: %w", err)
	}
	return nil
}

// BumpOutboxAttempts records a failed delivery attempt for later backoff.
func (db *DB) BumpOutboxAttempts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE search_outbox SET attempts = attempts + 1 WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: bump outbox attempts: %w", err)
	}
	return nil
}

// OutboxDepth returns the number of queued mirror operations.
func (db *DB) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM search_outbox`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return n, nil
}
