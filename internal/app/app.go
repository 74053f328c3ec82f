package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"localrag/apps/backend/features/documents"
	"localrag/apps/backend/features/mcp"
	"localrag/apps/backend/features/query"
	"localrag/apps/backend/features/system"
	"localrag/apps/backend/features/tasks"
	"localrag/apps/backend/internal/adapter/gemini"
	"localrag/apps/backend/internal/adapter/local"
	nsqadapter "localrag/apps/backend/internal/adapter/nsq"
	"localrag/apps/backend/internal/cache"
	"localrag/apps/backend/internal/config"
	"localrag/apps/backend/internal/middleware"
	"localrag/apps/backend/internal/rag"
	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/settings"
	"localrag/apps/backend/internal/text"
	"localrag/apps/backend/internal/worker"
)

const (
	Name    = "localrag"
	Version = "1.0.0"
)

// Role selects which halves of the system a process runs.
type Role string

const (
	RoleServe  Role = "serve"
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

type App struct {
	Handler http.Handler
	Engine  *retrieval.Engine
	Cache   *cache.Tiered
	Pool    *worker.Pool
	Tasks   *tasks.Service

	cfg     *config.Config
	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, deps *Dependencies) (*App, error) {
	a := &App{cfg: cfg}

	// Feature: Settings
	settingsService := settings.NewService(deps.Store.Settings(), settings.Settings{
		GeminiAPIKey:    cfg.GeminiAPIKey,
		GenerationModel: cfg.GenerationModel,
	})

	// Adapters
	var embedder retrieval.Embedder
	embedderName := "local-hash"
	if cfg.GeminiAPIKey != "" {
		ge, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
		if err != nil {
			return nil, fmt.Errorf("gemini embedder: %w", err)
		}
		a.closers = append(a.closers, ge.Close)
		embedder = ge
		embedderName = "gemini/" + cfg.EmbeddingModel
	} else {
		embedder = local.NewHashEmbedder(cfg.LocalEmbedderDim)
		slog.Warn("no gemini api key configured, using local hash embeddings")
	}
	generator := gemini.NewDynamicGenerator(settingsService, local.NewExtractiveGenerator(0))
	a.closers = append(a.closers, generator.Close)

	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	a.closers = append(a.closers, queryLogger.Close)

	// Retrieval
	a.Engine = retrieval.NewEngine(embedder, deps.Snapshots, queryLogger, retrieval.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		TopK:         cfg.TopK,
		Strategy:     text.Strategy(cfg.ChunkStrategy),
	})
	if _, err := a.Engine.Restore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// Cache
	l1, err := cache.NewLRU(cfg.CacheSize, cfg.CacheShards)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.Cache = cache.NewTiered(l1, deps.Store.Cache(), cfg.CacheTTL)

	// Task handlers
	loader := rag.NewDirectoryLoader(cfg.DocumentsDir)
	registry := worker.NewRegistry()
	rag.NewHandlers(a.Engine, rag.NewAnswerer(a.Engine, generator, a.Cache), a.Cache, loader).Register(registry)

	a.Pool = worker.NewPool(deps.Store, deps.Store.Results(), registry, worker.Config{
		Size:              cfg.WorkerConcurrency,
		Visibility:        cfg.VisibilityTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		MaxPollInterval:   cfg.MaxPollInterval,
		ReapInterval:      cfg.ReapInterval,
	})

	opts := tasks.Options{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.TaskTimeout,
		Waker:       a.Pool,
	}
	if deps.Producer != nil {
		opts.Notifier = nsqadapter.NewNotifier(deps.Producer)
	}
	a.Tasks = tasks.NewService(deps.Store, deps.Store.Results(), registry, opts)

	dir := &directoryStats{loader: loader, cfg: cfg}
	info := system.Info{
		Name:              Name,
		Version:           Version,
		Database:          cfg.DBDriver,
		SnapshotBackend:   cfg.SnapshotBackend,
		Embedder:          embedderName,
		WorkerConcurrency: cfg.WorkerConcurrency,
		WakeHints:         deps.Producer != nil,
		StartedAt:         time.Now().UTC(),
	}

	a.Handler = newRouter(routes{
		tasks:     tasks.NewHandler(a.Tasks),
		query:     query.NewHandler(a.Tasks),
		documents: documents.NewHandler(a.Tasks, dir),
		system:    system.NewHandler(deps.Store, a.Tasks, a.Engine, a.Cache, dir, info),
		settings:  settings.NewHandler(settingsService),
		mcp:       mcp.NewHandler(a.Engine, a.Tasks),
	})
	return a, nil
}

type routes struct {
	tasks     *tasks.Handler
	query     *query.Handler
	documents *documents.Handler
	system    *system.Handler
	settings  *settings.Handler
	mcp       *mcp.Handler
}

func newRouter(h routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID, middleware.CORS, middleware.Metrics)

	r.Post("/query", h.query.Query)
	r.Post("/query/batch", h.query.Batch)
	r.Get("/query/{id}", h.tasks.Get)
	r.Delete("/query/{id}", h.tasks.Cancel)

	r.Get("/tasks", h.tasks.Counts)
	r.Get("/tasks/{id}", h.tasks.Get)
	r.Delete("/tasks/{id}", h.tasks.Cancel)
	r.Post("/tasks/{id}/retry", h.tasks.Retry)

	r.Post("/documents/process", h.documents.Process)
	r.Post("/documents/clear-index", h.documents.ClearIndex)
	r.Get("/documents/stats", h.documents.Stats)
	r.Get("/documents/task/{id}", h.tasks.Get)

	r.Get("/health", h.system.Health)
	r.Get("/system/health", h.system.Health)
	r.Get("/system/stats", h.system.GetStats)
	r.Get("/system/info", h.system.GetInfo)
	r.Post("/system/cache/clear", h.system.ClearCache)
	r.Get("/system/settings", h.settings.GetSettings)
	r.Put("/system/settings", h.settings.UpdateSettings)

	r.Post("/mcp", h.mcp.ServeHTTP) // Legacy POST endpoint
	r.Get("/mcp/sse", h.mcp.HandleSSE)
	r.Post("/mcp/messages", h.mcp.HandleMessage)

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context, role Role) error {
	g, ctx := errgroup.WithContext(ctx)

	if role != RoleAPI {
		a.Pool.Start(ctx)
		defer func() {
			if err := a.Pool.Stop(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker pool stop failed", "error", err)
			}
		}()

		if a.cfg.NSQDHost != "" || a.cfg.NSQLookupd != "" {
			consumer, err := nsqadapter.Subscribe(a.cfg, a.Pool)
			if err != nil {
				slog.Warn("wake hints disabled, workers fall back to polling", "error", err)
			} else {
				defer func() {
					consumer.Stop()
					<-consumer.StopChan
				}()
			}
		}
	}

	if role != RoleWorker {
		g.Go(func() error { return a.serve(ctx) })
		if role == RoleAPI && a.cfg.IndexRefreshInterval > 0 {
			g.Go(func() error { return a.refreshIndex(ctx) })
		}
	}

	g.Go(func() error { return a.purgeCache(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// refreshIndex picks up snapshots written by worker processes.
func (a *App) refreshIndex(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.IndexRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.Engine.State() == retrieval.StateIndexing {
				continue
			}
			if _, err := a.Engine.Restore(ctx); err != nil {
				slog.Warn("index refresh failed", "error", err)
			}
		}
	}
}

func (a *App) purgeCache(ctx context.Context) error {
	interval := a.cfg.CachePurgeInterval
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.Cache.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired cache entries purged", "count", n)
			}
		}
	}
}

func (a *App) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// directoryStats reports on the configured documents directory.
type directoryStats struct {
	loader *rag.DirectoryLoader
	cfg    *config.Config
}

func (d *directoryStats) Stats(ctx context.Context) (rag.DirectoryStats, error) {
	return d.loader.Stats("", text.Strategy(d.cfg.ChunkStrategy), d.cfg.ChunkSize, d.cfg.ChunkOverlap)
}
