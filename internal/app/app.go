package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/admission"
	"github.com/shizukutanaka/Komainu/internal/api"
	"github.com/shizukutanaka/Komainu/internal/audit"
	"github.com/shizukutanaka/Komainu/internal/cache"
	"github.com/shizukutanaka/Komainu/internal/clock"
	"github.com/shizukutanaka/Komainu/internal/config"
	"github.com/shizukutanaka/Komainu/internal/logging"
	"github.com/shizukutanaka/Komainu/internal/monitoring"
	"github.com/shizukutanaka/Komainu/internal/risk"
	"github.com/shizukutanaka/Komainu/internal/storage"
)

// App assembles the admission pipeline: durable mirror, block registry,
// sliding-window limiter, risk scorer, audit trail, scoped cache, and the
// HTTP surface on top.
type App struct {
	logger  *zap.Logger
	factory *logging.LoggerFactory
	config  *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	store    *storage.Store
	trail    *audit.Trail
	registry *admission.Registry
	limiter  *admission.Limiter
	scorer   *risk.Scorer
	cache    *cache.ScopedCache
	gateway  *admission.Gateway
	metrics  *monitoring.Metrics
	server   *api.Server
}

// New wires all components from configuration. Construction fails on invalid
// limiter profiles or, under fail_closed, an unreachable durable mirror.
func New(ctx context.Context, factory *logging.LoggerFactory, cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(ctx)

	a := &App{
		logger:  factory.GetLogger("app"),
		factory: factory,
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	clk := clock.New()

	store, err := storage.New(factory.GetLogger("storage"), storage.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
	})
	if err != nil {
		if cfg.Admission.FailClosed {
			cancel()
			return nil, fmt.Errorf("failed to open durable mirror: %w", err)
		}
		a.logger.Warn("durable mirror unavailable, continuing in-memory only", zap.Error(err))
		store = nil
	}
	a.store = store

	var sink audit.EventSink
	if store != nil {
		sink = store
	}
	a.trail = audit.NewTrail(factory.GetLogger("audit"), clk, audit.Config{
		MaxEntries:           cfg.Audit.MaxEntries,
		AnomalyWindow:        cfg.Audit.AnomalyWindow,
		FailedLoginThreshold: cfg.Audit.FailedLoginThreshold,
	}, sink)

	var blockStore admission.BlockStore
	if store != nil {
		blockStore = store
	}
	a.registry, err = admission.NewRegistry(factory.GetLogger("registry"), clk,
		blockStore, a.trail, cfg.Admission.FailClosed)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create block registry: %w", err)
	}

	classes := make(map[string]admission.ClassProfile, len(cfg.Admission.Classes))
	for name, c := range cfg.Admission.Classes {
		classes[name] = admission.ClassProfile{
			Window:              c.Window,
			MaxRequests:         c.MaxRequests,
			BlockDuration:       c.BlockDuration,
			EscalationThreshold: c.EscalationThreshold,
		}
	}
	a.limiter, err = admission.NewLimiter(factory.GetLogger("limiter"), clk, admission.LimiterConfig{
		Classes:                 classes,
		DefaultClass:            cfg.Admission.DefaultClass,
		EscalationBlockDuration: cfg.Admission.EscalationBlockDuration,
		SweepInterval:           cfg.Admission.SweepInterval,
		IdleExpiry:              cfg.Admission.IdleExpiry,
	}, a.registry)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create limiter: %w", err)
	}

	var counter risk.EventCounter
	var assessmentStore risk.Store
	if store != nil {
		counter = store
		assessmentStore = store
	}
	a.scorer = risk.NewScorer(factory.GetLogger("risk"), clk, risk.Config{
		LargeTransactionThreshold: cfg.Risk.LargeTransactionThreshold,
		VelocityWindow:            cfg.Risk.VelocityWindow,
		VelocityThreshold:         cfg.Risk.VelocityThreshold,
	}, counter, assessmentStore, a.trail)

	a.metrics = monitoring.NewMetrics()

	a.cache = cache.New(factory.GetLogger("cache"), clk, cache.Config{
		Capacity:      cfg.Cache.Capacity,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, a.metrics)

	a.gateway = admission.NewGateway(factory.GetLogger("gateway"), admission.GatewayConfig{
		AutoBlockOnCriticalRisk: cfg.Admission.AutoBlockOnCriticalRisk,
		RiskBlockDuration:       cfg.Admission.RiskBlockDuration,
		FailClosed:              cfg.Admission.FailClosed,
	}, a.registry, a.limiter, a.scorer, a.trail, a.metrics)

	if cfg.API.Enabled {
		var lister api.AssessmentLister
		if store != nil {
			lister = store
		}
		a.server, err = api.NewServer(factory.GetLogger("api"), cfg.API,
			a.gateway, a.registry, a.limiter, a.trail, a.cache, a.metrics, lister)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
	}

	return a, nil
}

// Start launches the background sweepers and the HTTP surface.
func (a *App) Start() error {
	go a.limiter.Run(a.ctx)
	go a.cache.Run(a.ctx)

	if a.server != nil {
		if err := a.server.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	a.logger.Info("admission service started",
		zap.Int("limiter_classes", len(a.config.Admission.Classes)),
		zap.Bool("fail_closed", a.config.Admission.FailClosed),
		zap.Bool("api_enabled", a.config.API.Enabled),
	)
	return nil
}

// Shutdown stops the service, draining the HTTP server first.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down admission service")

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("API server shutdown error", zap.Error(err))
		}
	}

	a.cancel()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("durable mirror close error", zap.Error(err))
		}
	}

	return a.factory.Sync()
}

// Gateway exposes the admission gateway for embedding callers.
func (a *App) Gateway() *admission.Gateway {
	return a.gateway
}
