// Command extractd runs the table-extraction service: an HTTP API that
// accepts PDF and image uploads, schedules them per user, runs the
// multi-stage LLM pipeline, and streams progress over SSE.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/extractable/extractable/internal/common"
	"github.com/extractable/extractable/internal/decode"
	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/llm/openai"
	"github.com/extractable/extractable/internal/metrics"
	"github.com/extractable/extractable/internal/pipeline"
	"github.com/extractable/extractable/internal/queue"
	"github.com/extractable/extractable/internal/ratelimit"
	"github.com/extractable/extractable/internal/repository"
	"github.com/extractable/extractable/internal/server"
)

const shutdownGrace = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	limiter := ratelimit.New(ratelimit.Limits{
		RPM: cfg.RateLimit.RPM,
		TPM: cfg.RateLimit.TPM,
		RPD: cfg.RateLimit.RPD,
	}, logger)

	gateway := openai.NewClient(openai.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		SimpleModel:  cfg.LLM.SimpleModel,
		RegularModel: cfg.LLM.RegularModel,
		ComplexModel: cfg.LLM.ComplexModel,
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		BackoffMin:   cfg.LLM.BackoffMin,
		BackoffMax:   cfg.LLM.BackoffMax,
	}, limiter, logger)

	decoder := decode.New(decode.Config{
		Pdftoppm: cfg.Decode.Pdftoppm,
		DPI:      cfg.Decode.DPI,
		MaxPages: cfg.Decode.MaxPages,
	}, logger)

	met := metrics.New()
	broadcaster := events.NewBroadcaster(logger)
	pipe := pipeline.New(decoder, gateway, store, broadcaster, met, logger)
	manager := queue.NewManager(store, pipe, broadcaster, met, logger,
		queue.WithJobTimeout(cfg.Queue.JobTimeout))

	reaper := queue.NewReaper(store, broadcaster, met, cfg.Queue.StuckDeadline, logger)
	if err := reaper.Start(cfg.Queue.ReaperSpec); err != nil {
		logger.Error("failed to start reaper", "error", err)
		os.Exit(1)
	}
	defer reaper.Stop()

	handler := server.NewHandler(store, manager, broadcaster, met.Handler(),
		logger, cfg.Server.MaxUploadSize)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.Chain(mux,
			server.RequestID,
			server.Logging(logger),
			server.RateLimit(cfg.Server.SubmitRPS),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http serving", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("queue shutdown timed out", "error", err)
	}
	logger.Info("goodbye")
}

// openStore picks Postgres when a DSN is configured and falls back to the
// embedded SQLite database otherwise.
func openStore(ctx context.Context, cfg *common.Config, logger *slog.Logger) (repository.Store, error) {
	if cfg.Database.DSN != "" {
		return repository.NewPostgresStore(ctx, repository.PostgresConfig{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
			DialTimeout:     cfg.Database.DialTimeout,
		}, logger)
	}
	return repository.NewSQLiteStore(cfg.Database.SQLitePath, logger)
}
