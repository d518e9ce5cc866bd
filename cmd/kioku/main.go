package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/pipeline"
	"github.com/ashita-ai/kioku/internal/search"
	"github.com/ashita-ai/kioku/internal/server"
	"github.com/ashita-ai/kioku/internal/service/embedding"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/telemetry"
	"github.com/ashita-ai/kioku/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KIOKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kioku starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	embedder := embedding.New(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingDims, cfg.EmbeddingTimeout, logger)

	// Qdrant mirror (optional — disabled if QDRANT_URL is empty). Retrieval
	// works without it; the mirror only accelerates ANN lookups, and every hit
	// is re-verified against Postgres before use.
	var pipelineStore pipeline.Store = db
	var searchProbe *search.Index
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		index, err := search.NewIndex(search.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDims), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = index.Close() }()

		if err := index.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searchProbe = index
		pipelineStore = search.NewSeeder(db, index, logger)
		outboxWorker = search.NewOutboxWorker(db, index, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	retrieval := pipeline.New(pipelineStore, embedder, cfg.Retrieval, logger)

	srvCfg := server.Config{
		DB:                  db,
		Retrieval:           retrieval,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		RequestBudget:       cfg.RequestBudget,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if searchProbe != nil {
		srvCfg.SearchProbe = searchProbe
	}
	srv := server.New(srvCfg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if outboxWorker != nil {
		outboxWorker.Drain(shutdownCtx)
	}
	return nil
}
