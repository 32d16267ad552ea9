package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/engramhq/engram/internal/adapter/anthropic"
	"github.com/engramhq/engram/internal/adapter/chromem"
	enghttp "github.com/engramhq/engram/internal/adapter/http"
	"github.com/engramhq/engram/internal/adapter/localstore"
	"github.com/engramhq/engram/internal/adapter/mcprouter"
	engnats "github.com/engramhq/engram/internal/adapter/nats"
	"github.com/engramhq/engram/internal/adapter/openai"
	engotel "github.com/engramhq/engram/internal/adapter/otel"
	"github.com/engramhq/engram/internal/adapter/postgres"
	"github.com/engramhq/engram/internal/adapter/ristretto"
	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/logger"
	"github.com/engramhq/engram/internal/port/embedding"
	"github.com/engramhq/engram/internal/port/llm"
	"github.com/engramhq/engram/internal/port/messagequeue"
	"github.com/engramhq/engram/internal/port/toolrouter"
	"github.com/engramhq/engram/internal/resilience"
	"github.com/engramhq/engram/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"default_provider", cfg.Memory.DefaultProvider,
		"llm_provider", cfg.LLM.Provider,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownOtel, err := engotel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := engotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Embedding ---
	var embedder embedding.Embedder
	if cfg.Embedding.APIKey != "" {
		cache, err := ristretto.New(cfg.Embedding.CacheMB << 20)
		if err != nil {
			return fmt.Errorf("embedding cache: %w", err)
		}
		defer cache.Close()
		embedder = openai.NewEmbedder(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Embedding.Model, cache)
		log.Info("embedding service configured", "model", cfg.Embedding.Model)
	} else {
		log.Info("no embedding key, semantic search disabled")
	}

	// --- Events ---
	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		q, err := engnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = q.Close() }()
		queue = q
		log.Info("nats connected", "url", cfg.NATS.URL)
	}

	// --- Orchestrator and providers ---
	opts := []service.OrchestratorOption{
		service.WithMetrics(metrics),
		service.WithBackfillBatch(cfg.Embedding.BackfillBatch),
	}
	if embedder != nil {
		opts = append(opts, service.WithEmbedder(embedder))
	}
	if queue != nil {
		opts = append(opts, service.WithQueue(queue))
	}
	orch := service.NewOrchestrator(cfg.Memory.DefaultProvider, cfg.Memory.SearchLimit, log, opts...)
	defer func() { _ = orch.Close() }()

	// Registration initializes each provider; a backend that fails to come
	// up is logged and skipped, the service keeps running on the rest.
	orch.RegisterProvider(ctx, localstore.New("local", cfg.Memory.DataDir, cfg.Memory.MatchThreshold, log))

	if cfg.Memory.VectorEnabled {
		orch.RegisterProvider(ctx, chromem.New("vector", filepath.Join(cfg.Memory.DataDir, "vector"), log))
	}

	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			log.Error("postgres connect failed, skipping durable provider", "error", err)
		} else {
			defer pool.Close()
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			orch.RegisterProvider(ctx, postgres.NewStore("durable", pool))
		}
	}

	// --- Model-side services ---
	var (
		compactor *service.Compactor
		ingestion *service.Ingestion
		loop      *service.AgentLoop
		tasks     *service.TaskQueue
	)
	if cfg.LLM.APIKey != "" {
		client, err := newLLMClient(cfg.LLM)
		if err != nil {
			return err
		}

		breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
		compactor = service.NewCompactor(client, breaker, cfg.Compactor.Model, cfg.Compactor.MaxInputChars, log,
			service.WithFactDedup(orch, cfg.Compactor.DedupThreshold))
		ingestion = service.NewIngestion(compactor, orch, queue, metrics, log)
		tasks = service.NewTaskQueue(cfg.Agent.IngestQueueSize, log)
		defer tasks.DrainAndStop()

		var router toolrouter.Router
		if cfg.Router.Transport != "" {
			mcp := mcprouter.New(cfg.Router, log)
			if err := mcp.Connect(ctx); err != nil {
				return fmt.Errorf("tool router: %w", err)
			}
			defer func() { _ = mcp.Close() }()
			router = mcp
			log.Info("tool router connected", "transport", cfg.Router.Transport)
		}

		loop = service.NewAgentLoop(client, orch, router, compactor, ingestion, tasks, queue, metrics, cfg.Agent, log)
	} else {
		log.Info("no llm key, compaction and agent loop disabled")
	}

	// --- HTTP ---
	handlers := &enghttp.Handlers{
		Orchestrator: orch,
		Compactor:    compactor,
		Ingestion:    ingestion,
		Loop:         loop,
		Log:          log,
	}

	r := chi.NewRouter()
	r.Use(enghttp.RequestID)
	r.Use(enghttp.Logger)
	r.Use(enghttp.SecurityHeaders)
	r.Use(enghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(2 * time.Minute))
	if cfg.Telemetry.Enabled {
		r.Use(engotel.HTTPMiddleware(cfg.Logging.Service))
	}
	enghttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newLLMClient builds the configured completion client.
func newLLMClient(cfg config.LLM) (llm.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens), nil
	case "openai":
		return openai.New(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
