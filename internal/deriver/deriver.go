// Package deriver consumes the append-only event log and maintains the
// derived knowledge graph: typed nodes, typed edges, edge-level provenance,
// and the span_node cache. Derivation is deterministic and idempotent;
// replaying processed events produces no changes.
package deriver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/storage"
)

// Provenance constants stamped on every derived edge_evidence row.
const (
	evidenceConfidence = 0.85
	evidenceType       = "derived_from_event"
	createdBy          = "graph-deriver"
)

// Edge weights per derivation rule.
const (
	weightDependsOn = 0.9
	weightDecidedBy = 1.0
	weightPriority  = 0.8
	weightAffects   = 1.0
	weightRiskEdge  = 0.9
)

// Deriver is the cursor-driven event consumer. Multiple instances may run
// concurrently; row locks on the event log partition the work.
type Deriver struct {
	db           *storage.DB
	logger       *slog.Logger
	pollInterval time.Duration
	tracer       trace.Tracer
}

// New creates a Deriver polling at the given interval when idle.
func New(db *storage.DB, logger *slog.Logger, pollInterval time.Duration) *Deriver {
	return &Deriver{
		db:           db,
		logger:       logger,
		pollInterval: pollInterval,
		tracer:       otel.Tracer("kioku/deriver"),
	}
}

// Run loops until the context is canceled: drain every tenant's backlog,
// then sleep for the poll interval.
func (d *Deriver) Run(ctx context.Context) error {
	d.logger.Info("deriver started", "poll_interval", d.pollInterval)
	for {
		processed, err := d.ProcessAll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			d.logger.Error("deriver pass failed", "error", err)
		}
		if processed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.pollInterval):
		}
	}
}

// ProcessAll drains the backlog of every tenant once. A failing tenant is
// halted at the failing event (its cursor does not advance past it) and the
// remaining tenants still get their turn.
func (d *Deriver) ProcessAll(ctx context.Context) (int, error) {
	orgs, err := d.db.OrgsWithPendingEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("deriver: list pending orgs: %w", err)
	}

	total := 0
	for _, orgID := range orgs {
		n, err := d.CatchUp(ctx, orgID)
		total += n
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return total, err
			}
			d.logger.Error("tenant derivation halted", "org_id", orgID, "processed", n, "error", err)
		}
	}
	return total, nil
}

// CatchUp processes the tenant's pending events in occurred_at order until
// the backlog is empty or an event fails. Each event is derived, marked
// processed, and the cursor advanced in one transaction.
func (d *Deriver) CatchUp(ctx context.Context, orgID uuid.UUID) (int, error) {
	processed := 0
	for {
		ok, err := d.processNext(ctx, orgID)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
}

// processNext claims and derives one event. Returns false when the tenant has
// no pending events.
func (d *Deriver) processNext(ctx context.Context, orgID uuid.UUID) (bool, error) {
	ctx, span := d.tracer.Start(ctx, "deriver.processNext")
	defer span.End()

	// Retried on serialization/deadlock conflicts: concurrent deriver
	// instances racing on upserts roll back and re-claim cleanly.
	found := false
	err := storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		found = false
		return d.db.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
			ev, err := tx.NextEvent(ctx, orgID)
			if err != nil {
				return err
			}
			if ev == nil {
				return nil
			}
			found = true

			if err := d.derive(ctx, tx, ev); err != nil {
				return fmt.Errorf("deriver: derive event %s: %w", ev.ID, err)
			}
			if err := tx.MarkProcessed(ctx, orgID, ev.ID); err != nil {
				return err
			}
			if err := tx.AdvanceCursor(ctx, orgID, ev.ID); err != nil {
				return err
			}
			d.logger.Debug("event derived", "org_id", orgID, "event_id", ev.ID, "event_type", ev.EventType)
			return nil
		})
	})
	return found, err
}

// derivedEdge records one edge produced for the current event so provenance
// can be attached after all upserts.
type derivedEdge struct {
	edgeID uuid.UUID
	srcID  uuid.UUID
	dstID  uuid.UUID
}

// derive applies the derivation rule for the event's kind.
func (d *Deriver) derive(ctx context.Context, tx *storage.Tx, ev *model.Event) error {
	var payload model.EventPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("deriver: decode payload: %w", err)
		}
	}
	kind := payload.Kind
	if kind == "" {
		kind = ev.EventType
	}

	var edges []derivedEdge
	var err error
	switch kind {
	case "decision":
		edges, err = d.deriveDecision(ctx, tx, ev.OrgID, payload)
	case "outcome":
		edges, err = d.deriveOutcome(ctx, tx, ev.OrgID, payload)
	case "risk":
		edges, err = d.deriveRisk(ctx, tx, ev.OrgID, payload)
	default:
		err = d.deriveGeneric(ctx, tx, ev, payload)
	}
	if err != nil {
		return err
	}

	return d.attachProvenance(ctx, tx, ev, edges)
}

// deriveDecision upserts the decision node plus its assumption, owner, and
// priority neighborhood.
func (d *Deriver) deriveDecision(ctx context.Context, tx *storage.Tx, orgID uuid.UUID, p model.EventPayload) ([]derivedEdge, error) {
	title := p.Title
	if title == "" {
		title = "Untitled decision"
	}
	canonical := canonicalText(p)
	meta := map[string]any{}
	if p.Priority != "" {
		meta["priority"] = p.Priority
	}

	decisionID, err := tx.UpsertNode(ctx, orgID, model.NodeDecision, stableKey(orgID, title), title, canonical, meta)
	if err != nil {
		return nil, err
	}

	var edges []derivedEdge
	for _, assumption := range p.Assumptions {
		if assumption == "" {
			continue
		}
		aID, err := tx.UpsertNode(ctx, orgID, model.NodeAssumption, stableKey(orgID, assumption), assumption, &assumption, nil)
		if err != nil {
			return nil, err
		}
		edgeID, err := tx.UpsertEdge(ctx, orgID, decisionID, aID, model.EdgeDependsOn, weightDependsOn, nil)
		if err != nil {
			return nil, err
		}
		edges = append(edges, derivedEdge{edgeID, decisionID, aID})
	}

	if p.Owner != "" {
		personID, err := tx.UpsertNode(ctx, orgID, model.NodePerson, stableKey(orgID, p.Owner), p.Owner, nil, nil)
		if err != nil {
			return nil, err
		}
		edgeID, err := tx.UpsertEdge(ctx, orgID, decisionID, personID, model.EdgeDecidedBy, weightDecidedBy, nil)
		if err != nil {
			return nil, err
		}
		edges = append(edges, derivedEdge{edgeID, decisionID, personID})
	}

	priority := p.Priority
	if priority == "" {
		priority = "P2"
	}
	prioID, err := tx.UpsertNode(ctx, orgID, model.NodePriority,
		stableKey(orgID, "priority_"+priority), "Priority "+priority, nil, nil)
	if err != nil {
		return nil, err
	}
	edgeID, err := tx.UpsertEdge(ctx, orgID, decisionID, prioID, model.EdgeRelatesTo, weightPriority, nil)
	if err != nil {
		return nil, err
	}
	edges = append(edges, derivedEdge{edgeID, decisionID, prioID})

	return edges, nil
}

// deriveOutcome upserts the outcome node and, when the referenced decision
// resolves, the decision --affects--> outcome edge. An unresolvable reference
// is not an error: the outcome may arrive before its decision.
func (d *Deriver) deriveOutcome(ctx context.Context, tx *storage.Tx, orgID uuid.UUID, p model.EventPayload) ([]derivedEdge, error) {
	title := p.Title
	if title == "" {
		title = "Untitled outcome"
	}
	outcomeID, err := tx.UpsertNode(ctx, orgID, model.NodeOutcome, stableKey(orgID, title), title, canonicalText(p), nil)
	if err != nil {
		return nil, err
	}
	if p.DecisionRef == "" {
		return nil, nil
	}

	decisionID, err := tx.ResolveNodeRef(ctx, orgID, model.NodeDecision, p.DecisionRef)
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Debug("outcome references unknown decision", "org_id", orgID, "decision_ref", p.DecisionRef)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	edgeID, err := tx.UpsertEdge(ctx, orgID, decisionID, outcomeID, model.EdgeAffects, weightAffects, nil)
	if err != nil {
		return nil, err
	}
	return []derivedEdge{{edgeID, decisionID, outcomeID}}, nil
}

// deriveRisk upserts the risk node and links it to its target when the
// reference resolves to a decision or topic.
func (d *Deriver) deriveRisk(ctx context.Context, tx *storage.Tx, orgID uuid.UUID, p model.EventPayload) ([]derivedEdge, error) {
	title := p.Title
	if title == "" {
		title = "Untitled risk"
	}
	meta := map[string]any{}
	if p.Severity != "" {
		meta["severity"] = p.Severity
	}
	riskID, err := tx.UpsertNode(ctx, orgID, model.NodeRisk, stableKey(orgID, title), title, canonicalText(p), meta)
	if err != nil {
		return nil, err
	}
	if p.RelatesTo == "" {
		return nil, nil
	}

	targetID, err := tx.ResolveNodeRef(ctx, orgID, model.NodeDecision, p.RelatesTo)
	if errors.Is(err, storage.ErrNotFound) {
		targetID, err = tx.ResolveNodeRef(ctx, orgID, model.NodeTopic, p.RelatesTo)
	}
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Debug("risk references unknown target", "org_id", orgID, "relates_to", p.RelatesTo)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	edgeID, err := tx.UpsertEdge(ctx, orgID, riskID, targetID, model.EdgeAffects, weightRiskEdge, nil)
	if err != nil {
		return nil, err
	}
	return []derivedEdge{{edgeID, riskID, targetID}}, nil
}

// deriveGeneric records an event node for kinds without a dedicated rule.
func (d *Deriver) deriveGeneric(ctx context.Context, tx *storage.Tx, ev *model.Event, p model.EventPayload) error {
	title := p.Title
	if title == "" {
		title = ev.EventType
	}
	_, err := tx.UpsertNode(ctx, ev.OrgID, model.NodeEvent, stableKey(ev.OrgID, title), title, nil, nil)
	return err
}

// attachProvenance backs every derived edge with the spans of the event's
// artifact and refreshes the span_node cache for both endpoints. Events
// without an artifact produce edges without provenance rows.
func (d *Deriver) attachProvenance(ctx context.Context, tx *storage.Tx, ev *model.Event, edges []derivedEdge) error {
	if len(edges) == 0 || ev.ArtifactID == nil {
		return nil
	}
	spanIDs, err := tx.ArtifactSpanIDs(ctx, ev.OrgID, *ev.ArtifactID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		for _, spanID := range spanIDs {
			if err := tx.AttachEdgeEvidence(ctx, ev.OrgID, edge.edgeID, spanID, edge.srcID, edge.dstID,
				evidenceConfidence, evidenceType, createdBy); err != nil {
				return err
			}
		}
	}
	return nil
}

// canonicalText prefers the description over the title; returns nil when
// both are empty so the column stays NULL.
func canonicalText(p model.EventPayload) *string {
	if p.Description != "" {
		return &p.Description
	}
	if p.Title != "" {
		return &p.Title
	}
	return nil
}

// stableKey derives the deterministic node key: sha256 of "org_id:text",
// truncated to 24 hex characters.
func stableKey(orgID uuid.UUID, text string) string {
	sum := sha256.Sum256([]byte(orgID.String() + ":" + text))
	return hex.EncodeToString(sum[:])[:24]
}
