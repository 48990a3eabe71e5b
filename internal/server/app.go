package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/engine"
	"github.com/millipress/millicache/internal/expr"
	"github.com/millipress/millicache/internal/metrics"
	"github.com/millipress/millicache/internal/rules"
	"github.com/millipress/millicache/internal/storage"
	"github.com/millipress/millicache/internal/templates"
)

// AppOptions override pieces of the assembled application. Zero values fall
// back to the configured defaults.
type AppOptions struct {
	// Store replaces the Redis store built from config.
	Store storage.Store
	// Origin replaces the reverse proxy to server.origin.url.
	Origin http.Handler
	// Registry carries host-registered condition and action types.
	Registry *rules.Registry
	// Registerer receives the Prometheus collectors.
	Registerer *prometheus.Registry
}

// App wires configuration, store, rules, engine and HTTP surface together.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	engine   *engine.Engine
	recorder *metrics.Recorder
	builder  *rules.Builder
	handler  http.Handler

	mu      sync.RWMutex
	sources []string
	skipped []config.DefinitionSkip
}

// NewApp assembles the application. The store is opened lazily on first use.
func NewApp(cfg config.Config, logger *slog.Logger, opts AppOptions) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(opts.Registerer),
		builder:  rules.NewBuilder(opts.Registry, env, templates.NewRenderer(cfg.Server.Rules.TemplatesAllowedEnv)),
		sources:  cfg.RuleSources,
		skipped:  cfg.SkippedDefinitions,
	}

	set, err := a.compile(cfg.Rules)
	if err != nil {
		logger.Warn("some rules failed to compile", slog.Any("error", err))
	}
	a.engine = engine.New(engine.Options{
		Cache:     cfg.Cache,
		Tenancy:   cfg.Tenancy,
		Rules:     set,
		Store:     opts.Store,
		OpenStore: a.openStore,
		Logger:    logger,
		Recorder:  a.recorder,
	})
	if opts.Store != nil {
		opts.Store.Observe(a.recorder.ObserveStore)
	}

	origin := opts.Origin
	if origin == nil {
		origin, err = NewOriginProxy(cfg.Server.Origin, logger)
		if err != nil {
			return nil, err
		}
	}
	a.handler = NewRouter(RouterOptions{
		Engine:            a.engine,
		Origin:            origin,
		Admin:             cfg.Server.Admin,
		Metrics:           cfg.Server.Metrics,
		MetricsHandler:    a.recorder.Handler(),
		Health:            a.health,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Logger:            logger,
	})
	return a, nil
}

// Engine returns the cache engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Recorder returns the metrics recorder.
func (a *App) Recorder() *metrics.Recorder { return a.recorder }

// ApplyRules compiles a reloaded bundle and swaps it into the engine. Rules
// that fail to compile are dropped and logged; the rest still apply.
func (a *App) ApplyRules(bundle config.RuleBundle) {
	set, err := a.compile(bundle.Rules)
	if err != nil {
		a.logger.Warn("some reloaded rules failed to compile", slog.Any("error", err))
	}
	a.engine.SetRules(set)
	a.mu.Lock()
	a.sources = bundle.Sources
	a.skipped = bundle.Skipped
	a.mu.Unlock()
	for _, skip := range bundle.Skipped {
		a.logger.Warn("rule skipped",
			slog.String("rule", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources),
		)
	}
	a.logger.Info("rules reloaded", slog.Int("rules", set.Len()), slog.Any("sources", bundle.Sources))
}

func (a *App) compile(configured map[string]config.RuleConfig) (*rules.Set, error) {
	return rules.NewSet(rules.Definitions(a.cfg.Cache, configured), a.builder, a.logger)
}

func (a *App) openStore() (storage.Store, error) {
	redis := a.cfg.Storage.Redis
	store, err := storage.NewRedis(storage.RedisConfig{
		Address:  redis.Address,
		Username: redis.Username,
		Password: redis.Password,
		DB:       redis.DB,
		TLS: storage.RedisTLSConfig{
			Enabled: redis.TLS.Enabled,
			CAFile:  redis.TLS.CAFile,
		},
	}, storage.Options{
		Prefix:  a.cfg.Storage.Prefix,
		MaxTTL:  a.cfg.Cache.MaxTTL,
		LockTTL: a.cfg.Cache.LockTTL,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	store.Observe(a.recorder.ObserveStore)
	a.logger.Info("using redis cache store", slog.String("address", redis.Address))
	return store, nil
}

// Health reports the store availability and the loaded rule sources.
type Health struct {
	Status             string                  `json:"status"`
	StoreAvailable     bool                    `json:"storeAvailable"`
	Rules              int                     `json:"rules"`
	RuleSources        []string                `json:"ruleSources,omitempty"`
	SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	ObservedAt         time.Time               `json:"observedAt"`
}

func (a *App) health(w http.ResponseWriter, _ *http.Request) {
	a.mu.RLock()
	h := Health{
		Status:             "ok",
		StoreAvailable:     a.engine.Store().IsAvailable(),
		RuleSources:        a.sources,
		SkippedDefinitions: a.skipped,
		ObservedAt:         time.Now().UTC(),
	}
	a.mu.RUnlock()
	if set := a.engine.Rules(); set != nil {
		h.Rules = set.Len()
	}
	if !h.StoreAvailable {
		h.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, h)
}

// Run starts the store, janitor, rule watcher and HTTP listener, and blocks
// until ctx is canceled. Shutdown drains the listener, stops the janitor,
// waits for background regenerations and closes the store.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	srv, err := New(a.cfg.Server.Listen, a.logger, a.handler)
	if err != nil {
		return err
	}
	store := a.engine.Store()
	srv.OnShutdown(func(context.Context) { store.Close() })
	srv.OnShutdown(func(context.Context) { a.engine.Wait() })

	if schedule := strings.TrimSpace(a.cfg.Cache.CleanupSchedule); schedule != "" {
		janitor, err := storage.NewJanitor(store, schedule, a.logger)
		if err != nil {
			return fmt.Errorf("server: janitor: %w", err)
		}
		janitor.Start()
		srv.OnShutdown(func(context.Context) { janitor.Stop() })
	}

	if a.cfg.Server.Rules.RulesFile != "" || a.cfg.Server.Rules.RulesFolder != "" {
		watcher, err := config.WatchRules(ctx, a.cfg, a.ApplyRules, func(err error) {
			a.logger.Error("rules watcher error", slog.Any("error", err))
		})
		if err != nil {
			a.logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			srv.OnShutdown(func(context.Context) { watcher.Stop() })
		}
	}

	if ln == nil {
		return srv.Run(ctx)
	}
	return srv.Serve(ctx, ln)
}
