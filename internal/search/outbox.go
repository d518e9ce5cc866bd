package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/storage"
)

// OutboxWorker polls the search_outbox table and ships span embeddings to the
// Qdrant mirror. Rows are deleted only after Qdrant acknowledges, so a crash
// between ship and delete results in a redundant upsert, never a lost one.
type OutboxWorker struct {
	db           *storage.DB
	index        *Index
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context
}

// NewOutboxWorker creates an outbox worker.
func NewOutboxWorker(db *storage.DB, index *Index, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		db:           db,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the loop, runs one final poll under the caller's deadline, and
// blocks until done or the context expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			}
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch ships one batch of pending operations. Failures bump the
// attempt counter and leave rows queued for the next poll.
func (w *OutboxWorker) processBatch(ctx context.Context) {
	batch, err := w.db.FetchOutboxBatch(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("search outbox: fetch batch", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	var points []Point
	var deletes []uuid.UUID
	var shippedIDs, skippedIDs []int64
	for _, row := range batch {
		switch row.Operation {
		case "delete":
			deletes = append(deletes, row.SpanID)
			shippedIDs = append(shippedIDs, row.ID)
		case "upsert":
			if row.Embedding == nil {
				// Embedding not written yet; leave queued for the next poll.
				skippedIDs = append(skippedIDs, row.ID)
				continue
			}
			points = append(points, Point{
				SpanID:     row.SpanID,
				OrgID:      row.OrgID,
				ArtifactID: row.ArtifactID,
				CreatedAt:  row.CreatedAt,
				Embedding:  row.Embedding,
			})
			shippedIDs = append(shippedIDs, row.ID)
		default:
			w.logger.Warn("search outbox: unknown operation, dropping", "operation", row.Operation, "id", row.ID)
			shippedIDs = append(shippedIDs, row.ID)
		}
	}

	if err := w.ship(ctx, points, deletes); err != nil {
		w.logger.Error("search outbox: ship batch", "error", err, "size", len(batch))
		if err := w.db.BumpOutboxAttempts(ctx, shippedIDs); err != nil {
			w.logger.Error("search outbox: bump attempts", "error", err)
		}
		return
	}

	if err := w.db.DeleteOutboxRows(ctx, shippedIDs); err != nil {
		w.logger.Error("search outbox: delete rows", "error", err)
		return
	}
	if len(skippedIDs) > 0 {
		if err := w.db.BumpOutboxAttempts(ctx, skippedIDs); err != nil {
			w.logger.Error("search outbox: bump attempts", "error", err)
		}
	}
	w.logger.Debug("search outbox: batch synced", "upserts", len(points), "deletes", len(deletes), "deferred", len(skippedIDs))
}

func (w *OutboxWorker) ship(ctx context.Context, points []Point, deletes []uuid.UUID) error {
	if err := w.index.Upsert(ctx, points); err != nil {
		return err
	}
	return w.index.DeleteByIDs(ctx, deletes)
}
