package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kioku/internal/model"
)

// AppendEvent appends to the tenant's event log. When an idempotency key is
// supplied and a row with the same (org, key) already exists, the existing
// event is returned untouched except for a refreshed ingested_at. The log is
// append-only: there is no update or delete path.
func (db *DB) AppendEvent(ctx context.Context, ev *model.Event) (uuid.UUID, error) {
	if err := guardOrg(ev.OrgID); err != nil {
		return uuid.Nil, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte("{}")
	}

	var eventID uuid.UUID
	var err error
	if ev.IdempotencyKey != nil {
		err = db.pool.QueryRow(ctx, `
			INSERT INTO event_log (org_id, event_type, occurred_at, actor, artifact_id, payload, idempotency_key, trace_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (org_id, idempotency_key) WHERE idempotency_key IS NOT NULL
			DO UPDATE SET ingested_at = now()
			RETURNING event_id`,
			ev.OrgID, ev.EventType, ev.OccurredAt, ev.Actor, ev.ArtifactID, ev.Payload, ev.IdempotencyKey, ev.TraceID,
		).Scan(&eventID)
	} else {
		err = db.pool.QueryRow(ctx, `
			INSERT INTO event_log (org_id, event_type, occurred_at, actor, artifact_id, payload, trace_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING event_id`,
			ev.OrgID, ev.EventType, ev.OccurredAt, ev.Actor, ev.ArtifactID, ev.Payload, ev.TraceID,
		).Scan(&eventID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: append event: %w", err)
	}
	return eventID, nil
}

// NextEvent claims the oldest unprocessed event for the tenant, ordered by
// occurred_at then event_id for a stable total order. SKIP LOCKED lets
// concurrent deriver instances shard tenants without blocking each other.
// Returns (nil, nil) when the tenant is fully caught up.
func (t *Tx) NextEvent(ctx context.Context, orgID uuid.UUID) (*model.Event, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	var ev model.Event
	err := t.tx.QueryRow(ctx, `
		SELECT event_id, org_id, event_type, occurred_at, actor, artifact_id,
		       payload, idempotency_key, trace_id, ingested_at, processed_at
		FROM event_log
		WHERE org_id = $1 AND processed_at IS NULL
		ORDER BY occurred_at, event_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		orgID,
	).Scan(&ev.ID, &ev.OrgID, &ev.EventType, &ev.OccurredAt, &ev.Actor, &ev.ArtifactID,
		&ev.Payload, &ev.IdempotencyKey, &ev.TraceID, &ev.IngestedAt, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: next event: %w", err)
	}
	return &ev, nil
}

// MarkProcessed stamps processed_at on a claimed event.
func (t *Tx) MarkProcessed(ctx context.Context, orgID, eventID uuid.UUID) error {
	if err := guardOrg(orgID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE event_log SET processed_at = now()
		WHERE org_id = $1 AND event_id = $2 AND processed_at IS NULL`,
		orgID, eventID,
	)
	if err != nil {
		return fmt.Errorf("storage: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: mark processed: event %s already processed or missing", eventID)
	}
	return nil
}

// AdvanceCursor moves the tenant's derivation cursor to the given event. The
// cursor is observability state; the source of truth for progress is the
// processed_at column.
func (t *Tx) AdvanceCursor(ctx context.Context, orgID, eventID uuid.UUID) error {
	if err := guardOrg(orgID); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO graph_derivation_state (org_id, last_event_id, last_processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (org_id) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			last_processed_at = now()`,
		orgID, eventID,
	); err != nil {
		return fmt.Errorf("storage: advance cursor: %w", err)
	}
	return nil
}

// Cursor returns the tenant's derivation cursor, or ErrNotFound if the
// deriver has never processed an event for the tenant.
func (db *DB) Cursor(ctx context.Context, orgID uuid.UUID) (*model.DerivationCursor, error) {
	if err := guardOrg(orgID); err != nil {
		return nil, err
	}
	var c model.DerivationCursor
	err := db.pool.QueryRow(ctx, `
		SELECT org_id, last_event_id, last_processed_at
		FROM graph_derivation_state
		WHERE org_id = $1`,
		orgID,
	).Scan(&c.OrgID, &c.LastEventID, &c.LastProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load cursor: %w", err)
	}
	return &c, nil
}

// OrgsWithPendingEvents lists tenants that have at least one unprocessed
// event, oldest backlog first.
func (db *DB) OrgsWithPendingEvents(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := db.queryIDs(ctx, `
		SELECT org_id
		FROM event_log
		WHERE processed_at IS NULL
		GROUP BY org_id
		ORDER BY min(occurred_at)`)
	if err != nil {
		return nil, fmt.Errorf("storage: orgs with pending events: %w", err)
	}
	return ids, nil
}
