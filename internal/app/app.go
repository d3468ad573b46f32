// Package app wires the gateway components together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"piigate/config"
	"piigate/internal/auditlog"
	"piigate/internal/core"
	"piigate/internal/guardrail"
	"piigate/internal/kvstore"
	"piigate/internal/masking"
	"piigate/internal/observability"
	"piigate/internal/pii"
	"piigate/internal/pipeline"
	"piigate/internal/pricing"
	"piigate/internal/providers"
	"piigate/internal/providers/fake"
	"piigate/internal/providers/openai"
	"piigate/internal/semcache"
	"piigate/internal/server"
	"piigate/internal/storage"
)

// App holds every long-lived component. Construct with New, release with
// Shutdown.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	kv            kvstore.Store
	store         storage.Storage
	audit         auditlog.Writer
	auditLogger   *auditlog.Logger
	cleanupCancel context.CancelFunc
	server        *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New builds the application. On failure every component initialized so
// far is closed before returning.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{cfg: cfg, logger: logger}

	if err := a.initKV(); err != nil {
		return nil, err
	}
	if err := a.initAudit(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	provider, providerName := a.buildProvider()
	embedder := providers.NewProviderEmbedder(provider, cfg.Embedding.Model, cfg.Embedding.Dimensions)

	recognizer := pii.NewRecognizer(pii.RecognizerConfig{
		ModelsDir:     cfg.Detection.ModelsDir,
		MinConfidence: cfg.Detection.MinConfidence,
	}, logger)
	detector := pii.NewDetector(recognizer, logger)
	detector.SetOverlapFraction(cfg.Detection.OverlapFraction)

	masker := masking.NewStore(a.kv, cfg.Masking.SessionTTL, logger)
	masker.SetRequestWindow(cfg.Pipeline.Timeout)

	rules, err := guardrail.LoadConfig(cfg.Guardrail.ConfigPath)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: load guardrails: %w", err)
	}
	engine, err := guardrail.NewEngine(rules)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build guardrails: %w", err)
	}
	logger.Info("guardrails loaded", "rules", engine.RuleCount(), "path", cfg.Guardrail.ConfigPath)

	var cache *semcache.Cache
	if cfg.Cache.Enabled {
		cache = semcache.New(a.kv, embedder, semcache.Config{
			Threshold: cfg.Cache.Threshold,
			TTL:       cfg.Cache.TTL,
		}, logger)
		logger.Info("semantic cache enabled",
			"threshold", cfg.Cache.Threshold,
			"ttl", cfg.Cache.TTL,
			"embedding_model", cfg.Embedding.Model,
		)
	} else {
		logger.Info("semantic cache disabled")
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	p := pipeline.New(
		detector,
		masker,
		engine,
		cache,
		provider,
		pricing.NewTable(),
		a.audit,
		metrics,
		pipeline.Config{
			ProviderName: providerName,
			Timeout:      cfg.Pipeline.Timeout,
		},
		logger,
	)

	a.server = server.New(p, provider, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		DefaultMode:     pii.ParseMode(cfg.Detection.DefaultMode),
		Logger:          logger,
	})

	return a, nil
}

func (a *App) initKV() error {
	if a.cfg.KV.RedisURL != "" {
		kv, err := kvstore.NewRedisStore(a.cfg.KV.RedisURL)
		if err != nil {
			return fmt.Errorf("app: connect redis: %w", err)
		}
		a.kv = kv
		a.logger.Info("kv store: redis")
		return nil
	}
	a.kv = kvstore.NewMemoryStore()
	a.logger.Info("kv store: in-memory")
	return nil
}

func (a *App) initAudit(ctx context.Context) error {
	if !a.cfg.Audit.Enabled {
		a.audit = auditlog.NopWriter{}
		a.logger.Info("audit logging disabled")
		return nil
	}

	st, err := storage.New(ctx, storage.Config{
		Type:   a.cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: a.cfg.Storage.SQLitePath},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      a.cfg.Storage.PostgresURL,
			MaxConns: a.cfg.Storage.PostgresConns,
		},
	})
	if err != nil {
		return fmt.Errorf("app: open audit storage: %w", err)
	}
	a.store = st

	recordStore, err := auditlog.NewStore(ctx, st)
	if err != nil {
		return fmt.Errorf("app: build audit store: %w", err)
	}

	a.auditLogger = auditlog.NewLogger(recordStore, auditlog.Config{
		BufferSize:    a.cfg.Audit.BufferSize,
		FlushInterval: a.cfg.Audit.FlushInterval,
		BatchSize:     a.cfg.Audit.BatchSize,
	}, a.logger)
	a.audit = a.auditLogger

	if a.cfg.Audit.RetentionDays > 0 {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		a.cleanupCancel = cancel
		retention := time.Duration(a.cfg.Audit.RetentionDays) * 24 * time.Hour
		go a.auditLogger.RunCleanupLoop(cleanupCtx, retention, a.cfg.Audit.CleanupInterval)
	}

	a.logger.Info("audit logging enabled",
		"storage", st.Type(),
		"retention_days", a.cfg.Audit.RetentionDays,
	)
	return nil
}

func (a *App) buildProvider() (core.Provider, string) {
	if a.cfg.Provider.Name == "fake" {
		a.logger.Warn("using the fake provider; no upstream calls will be made")
		return fake.New(), "fake"
	}

	if a.cfg.Provider.APIKey == "" {
		a.logger.Warn("OPENAI_API_KEY not set; upstream calls will fail")
	}
	p := openai.New(a.cfg.Provider.Name, a.cfg.Provider.APIKey, a.cfg.Provider.BaseURL)
	return p, p.Name()
}

// Start runs the HTTP server. Blocks until the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("app: server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	return a.server.Start(addr)
}

// Shutdown tears components down in dependency order: the HTTP server
// first, then the audit logger (flushing buffered records), then the
// shared stores. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	a.closeAll()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// closeAll releases everything except the HTTP server. Used both on
// construction failure and during shutdown.
func (a *App) closeAll() {
	if a.cleanupCancel != nil {
		a.cleanupCancel()
		a.cleanupCancel = nil
	}
	if a.auditLogger != nil {
		if err := a.auditLogger.Close(); err != nil {
			a.logger.Error("audit logger close failed", "error", err)
		}
		a.auditLogger = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("storage close failed", "error", err)
		}
		a.store = nil
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Error("kv store close failed", "error", err)
		}
		a.kv = nil
	}
}
