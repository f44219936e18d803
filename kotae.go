// Package kotae is the public API for embedding the kotae answer engine.
//
// Consumers construct and run the server without forking it:
//
//	app, err := kotae.New(
//	    kotae.WithVersion(version),
//	    kotae.WithLogger(logger),
//	    kotae.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
package kotae

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/mcp"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/server"
	"github.com/ashita-ai/kotae/internal/service/answer"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
	"github.com/ashita-ai/kotae/internal/telemetry"
	"github.com/ashita-ai/kotae/migrations"
)

// resumeBatch caps how many stale runs one sweep submits.
const resumeBatch = 100

// backingStore is what both storage backends provide.
type backingStore interface {
	answer.Store
	answer.KnowledgeBase
	search.KnowledgeSource
	Ping(ctx context.Context) error
}

// App is the kotae server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        backingStore
	db           *storage.DB         // nil when running on SQLite
	sqlite       *sqlite.Store       // nil when running on Postgres
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	syncer       *search.Syncer      // nil when Qdrant is not configured
	engine       *answer.Engine
	runner       *answer.Runner
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises kotae. It opens the store, applies the schema, wires all
// subsystems and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := o.logger
	if logger == nil {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kotae starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.openStore(ctx); err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	var kb answer.KnowledgeBase = a.store
	var knowledgeHealth server.HealthChecker
	if cfg.QdrantURL != "" {
		idx, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		}, logger)
		if err != nil {
			a.closeStore(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := idx.EnsureCollection(ensureCtx); err != nil {
			// Non-fatal: the fallback serves from the store until Qdrant is reachable.
			logger.Warn("qdrant: ensure collection failed, serving knowledge from the store", "error", err)
		}
		cancel()
		fallback := search.NewFallback(idx, a.store, logger)
		a.qdrantIndex = idx
		a.syncer = search.NewSyncer(a.store, idx, logger, cfg.SearchSyncInterval, 0)
		kb = fallback
		knowledgeHealth = fallback
		logger.Info("qdrant knowledge index enabled", "collection", cfg.QdrantCollection)
	}

	a.engine = answer.New(a.store, kb, newResolver(cfg), answer.Config{
		MaxIterationsCap:          cfg.MaxIterationsCap,
		DefaultMinIterations:      cfg.DefaultMinIterations,
		DefaultMaxIterations:      cfg.DefaultMaxIterations,
		MaxConcurrentSubQuestions: cfg.MaxConcurrentSubQuestions,
		RunTimeout:                cfg.RunTimeout,
		SubQuestionTimeout:        cfg.SubQuestionTimeout,
		ConversationWindow:        cfg.ConversationWindow,
	}, logger)
	a.runner = answer.NewRunner(a.engine, cfg.RunnerWorkers, cfg.RunQueueSize, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("auth: %w", err)
	}

	a.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	mcpSrv := mcp.New(a.engine, a.runner, logger, version)

	extraRoutes := make([]func(*http.ServeMux), len(o.routes))
	for i, r := range o.routes {
		extraRoutes[i] = r
	}
	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, m := range o.middlewares {
		middlewares[i] = m
	}

	a.srv = server.New(server.ServerConfig{
		Engine:              a.engine,
		Store:               a.store,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Runner:              a.runner,
		Knowledge:           knowledgeHealth,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})
	return a, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.qdrantURL != "" {
		cfg.QdrantURL = o.qdrantURL
	}
}

// openStore selects SQLite when a path is configured and Postgres otherwise.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.SQLitePath != "" {
		s, err := sqlite.Open(ctx, sqlite.FileDSN(a.cfg.SQLitePath), a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.sqlite, a.store = s, s
		return nil
	}

	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return fmt.Errorf("migrations: %w", err)
	}
	a.db, a.store = db, db
	return nil
}

func (a *App) closeStore(ctx context.Context) {
	if a.db != nil {
		a.db.Close(ctx)
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", "error", err)
		}
	}
}

func (a *App) closeAll(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	a.closeStore(ctx)
	_ = a.otelShutdown(ctx)
}

// newResolver registers every built-in provider. A provider whose credentials
// are missing fails to build, so resolution moves on to the next candidate.
func newResolver(cfg config.Config) *llm.Resolver {
	r := llm.NewResolver(cfg.LLMProviders)
	r.Register("openai", cfg.OpenAIModel, func(_ context.Context, model string) (llm.Gateway, error) {
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		return llm.NewOpenAIGateway(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   model,
			Pricing: cfg.Pricing,
			Timeout: cfg.LLMTimeout,
		}), nil
	})
	r.Register("gemini", cfg.GeminiModel, func(ctx context.Context, model string) (llm.Gateway, error) {
		return llm.NewGeminiGateway(ctx, llm.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   model,
			Pricing: cfg.Pricing,
			Timeout: cfg.LLMTimeout,
		})
	})
	r.Register("ollama", cfg.OllamaModel, func(_ context.Context, model string) (llm.Gateway, error) {
		return llm.NewOllamaGateway(llm.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   model,
			Pricing: cfg.Pricing,
			Timeout: cfg.LLMTimeout,
		}), nil
	})
	return r
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// been called; callers should not call it again.
func (a *App) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	if a.syncer != nil {
		a.syncer.Start(ctx)
	}
	go a.resumeLoop(ctx)
	if a.db != nil && a.cfg.NotifyURL != "" {
		go a.runEventLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown stops accepting HTTP requests, drains the runner and the
// knowledge syncer, then closes the store and telemetry providers.
// Runs interrupted by the drain stay pending and are resumed on next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kotae shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	a.runner.Drain(shutdownCtx)
	if a.syncer != nil {
		a.syncer.Drain(shutdownCtx)
	}

	a.closeAll(context.Background())
	a.logger.Info("kotae stopped")
	return errors.Join(errs...)
}

// resumeLoop periodically resubmits pending runs that nothing has touched
// for ResumeStaleAfter, including runs interrupted by a previous shutdown.
func (a *App) resumeLoop(ctx context.Context) {
	sweep := func() {
		n, err := a.engine.ResumeStale(ctx, a.cfg.ResumeStaleAfter, resumeBatch, a.runner.Submit)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("resume sweep failed", "error", err)
			}
			return
		}
		if n > 0 {
			a.logger.Info("resumed stale runs", "count", n)
		}
	}

	sweep()
	ticker := time.NewTicker(a.cfg.ResumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// runEventLoop logs terminal-run notifications published by every instance
// sharing the database.
func (a *App) runEventLoop(ctx context.Context) {
	if err := a.db.Listen(ctx, storage.ChannelRuns); err != nil {
		a.logger.Warn("run events unavailable", "error", err)
		return
	}
	for {
		_, payload, err := a.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("run events: wait failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var ev storage.RunEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			a.logger.Warn("run events: malformed payload", "error", err)
			continue
		}
		a.logger.Debug("run finished", "run_id", ev.RunID, "thread_id", ev.ThreadID, "status", ev.Status)
	}
}
