package listingsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roquehomemaster/listingsync/internal/alerting"
	"github.com/roquehomemaster/listingsync/internal/breaker"
	"github.com/roquehomemaster/listingsync/internal/catalog"
	"github.com/roquehomemaster/listingsync/internal/config"
	"github.com/roquehomemaster/listingsync/internal/metrics"
	"github.com/roquehomemaster/listingsync/internal/oauth"
	"github.com/roquehomemaster/listingsync/internal/ratelimit"
)

// PipelineOptions overrides collaborators normally built from config.
type PipelineOptions struct {
	Logger  *slog.Logger
	Store   Store
	Catalog catalog.Reader
	Adapter Adapter
	Fetcher oauth.Fetcher
	Now     func() time.Time
}

// Pipeline owns one instance of every service and wires them together.
type Pipeline struct {
	Config config.Config

	Store     Store
	Catalog   catalog.Reader
	Metrics   *metrics.Registry
	Alerts    *alerting.Manager
	Tokens    *oauth.Manager
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.Breaker
	Adapter   Adapter
	Mock      *MockAdapter
	Projector *Projector

	Detector   *Detector
	Snapshots  *SnapshotService
	Worker     *Worker
	Reconciler *Reconciler
	Policies   *PolicyService
	Stager     *Stager

	logger  *slog.Logger
	now     func() time.Time
	closers []func() error
}

func NewPipeline(ctx context.Context, cfg config.Config, opts PipelineOptions) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Pipeline{Config: cfg, logger: logger, now: now}

	registry := metrics.NewRegistry()
	DescribeMetrics(registry)
	p.Metrics = registry

	store := opts.Store
	if store == nil {
		built, err := BuildStoreFromDSN(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("build store: %w", err)
		}
		store = built
		p.closers = append(p.closers, built.Close)
	}
	p.Store = store

	reader := opts.Catalog
	if reader == nil {
		built, err := openCatalog(ctx, cfg.Catalog)
		if err != nil {
			p.Close()
			return nil, err
		}
		reader = built
		if pg, ok := built.(*catalog.PostgresReader); ok {
			p.closers = append(p.closers, func() error { pg.Close(); return nil })
		}
	}
	p.Catalog = reader

	p.Alerts = alerting.NewManager(alerting.Options{
		Thresholds:    cfg.Alerts.Thresholds,
		GlobalWindow:  cfg.Alerts.GlobalWindow,
		PerKeyWindows: cfg.Alerts.PerKeyWindows,
		HistoryLimit:  cfg.Alerts.HistoryLimit,
		HistoryPath:   cfg.Alerts.HistoryPath,
		Recorder:      registry,
		Logger:        logger.With("component", "alerting"),
		Now:           now,
	})

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = buildFetcher(cfg.OAuth)
	}
	p.Tokens = oauth.NewManager(fetcher, oauth.Options{
		SafetyWindow:      cfg.OAuth.SafetyWindow,
		MaxRetries:        cfg.OAuth.MaxRetries,
		BaseDelay:         cfg.OAuth.BaseDelay,
		MaxDelay:          cfg.OAuth.MaxDelay,
		DegradedThreshold: cfg.OAuth.DegradedThreshold,
		LogCooldown:       cfg.OAuth.LogCooldown,
		RecoveryInterval:  cfg.OAuth.RecoveryInterval,
		Logger:            logger.With("component", "oauth"),
	})
	p.Limiter = ratelimit.New(ratelimit.Options{
		RatePerSecond:      cfg.RateLimit.RatePerSecond,
		Burst:              cfg.RateLimit.Burst,
		AcquireTimeout:     cfg.RateLimit.AcquireTimeout,
		NearDepletionRatio: cfg.RateLimit.NearDepletionRatio,
	})
	p.Breaker = breaker.New(breaker.Options{
		Name:             "marketplace",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		Logger:           logger.With("component", "breaker"),
		OnStateChange: func(_, to string) {
			registry.Set(MetricBreakerState, breakerGauge(to))
		},
	})

	adapter := opts.Adapter
	if adapter == nil {
		if cfg.Marketplace.Mode == config.ModeNetwork && strings.TrimSpace(cfg.Marketplace.BaseURL) != "" && cfg.Features.SyncEnabled {
			httpAdapter, err := NewHTTPAdapter(HTTPAdapterOptions{
				BaseURL:      cfg.Marketplace.BaseURL,
				Timeout:      cfg.Marketplace.Timeout,
				UserAgent:    cfg.Marketplace.UserAgent,
				Tokens:       p.Tokens,
				Limiter:      p.Limiter,
				Breaker:      p.Breaker,
				Transactions: store,
				Recorder:     registry,
				Logger:       logger.With("component", "adapter"),
			})
			if err != nil {
				p.Close()
				return nil, err
			}
			adapter = httpAdapter
		} else {
			p.Mock = NewMockAdapter(MockAdapterOptions{PolicyDir: cfg.Policy.Dir})
			adapter = p.Mock
		}
	}
	if mock, ok := adapter.(*MockAdapter); ok {
		p.Mock = mock
	}
	p.Adapter = adapter

	projector, err := NewProjector(reader, store)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Projector = projector

	syncEnabled := cfg.Features.SyncEnabled
	p.Detector = NewDetector(DetectorOptions{
		Store:     store,
		Projector: projector,
		Enabled:   func() bool { return syncEnabled },
		Recorder:  registry,
		Logger:    logger.With("component", "detector"),
		Now:       now,
	})
	p.Snapshots = NewSnapshotService(SnapshotOptions{
		Store:     store,
		Projector: projector,
		Recorder:  registry,
		Logger:    logger.With("component", "snapshots"),
		Now:       now,
	})
	p.Worker = NewWorker(WorkerOptions{
		Store:                store,
		Projector:            projector,
		Adapter:              adapter,
		Snapshots:            p.Snapshots,
		MaxRetries:           cfg.Worker.MaxRetries,
		PermanentMaxAttempts: cfg.Worker.PermanentMaxAttempts,
		MaxBackoff:           cfg.Worker.MaxBackoff,
		JitterFraction:       cfg.Worker.JitterFraction,
		Interval:             cfg.Worker.Interval,
		Burst:                cfg.Worker.Burst,
		IdleDelay:            cfg.Worker.IdleDelay,
		ClaimTimeout:         cfg.Worker.ClaimTimeout,
		Recorder:             registry,
		Alerts:               p.Alerts,
		Logger:               logger.With("component", "worker"),
		Now:                  now,
	})
	p.Reconciler = NewReconciler(ReconcileOptions{
		Store:           store,
		Projector:       projector,
		Adapter:         adapter,
		Snapshots:       p.Snapshots,
		Limiter:         p.Limiter,
		Enabled:         cfg.Reconcile.Enabled,
		BatchSize:       cfg.Reconcile.BatchSize,
		MaxBatches:      cfg.Reconcile.MaxBatches,
		FetchRemote:     cfg.Reconcile.FetchRemote,
		SnapshotOnDrift: cfg.Reconcile.SnapshotOnDrift,
		MaxDetailBytes:  cfg.Reconcile.DriftDetailBytes,
		Retention:       cfg.Reconcile.DriftRetention,
		Recorder:        registry,
		Logger:          logger.With("component", "reconcile"),
		Now:             now,
	})
	p.Policies = NewPolicyService(PolicyOptions{
		Store:            store,
		Adapter:          adapter,
		Detector:         p.Detector,
		Snapshots:        p.Snapshots,
		Types:            cfg.Policy.Types,
		TTL:              cfg.Policy.TTL,
		ImpactEnabled:    cfg.Policy.ImpactEnabled,
		ImpactCap:        cfg.Policy.ImpactSafetyCap,
		SnapshotOnImpact: cfg.Policy.SnapshotOnImpact,
		Recorder:         registry,
		Logger:           logger.With("component", "policy"),
		Now:              now,
	})
	stager, err := NewStager(StagingOptions{
		Store:          store,
		Command:        cfg.Mapper.Command,
		Timeout:        cfg.Mapper.Timeout,
		MaxOutputBytes: cfg.Mapper.MaxOutputBytes,
		Logger:         logger.With("component", "mapper"),
		Now:            now,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Stager = stager
	return p, nil
}

func openCatalog(ctx context.Context, cfg config.Catalog) (catalog.Reader, error) {
	switch {
	case strings.TrimSpace(cfg.DSN) != "":
		reader, err := catalog.OpenPostgres(ctx, catalog.PostgresOptions{
			DSN:            cfg.DSN,
			MaxConns:       cfg.MaxConns,
			SimpleProtocol: cfg.SimpleProtocol,
		})
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		return reader, nil
	case strings.TrimSpace(cfg.FixturePath) != "":
		reader, err := catalog.LoadFixture(cfg.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("load catalog fixture: %w", err)
		}
		return reader, nil
	default:
		return catalog.NewMemoryReader(), nil
	}
}

func buildFetcher(cfg config.OAuth) oauth.Fetcher {
	client := &http.Client{Timeout: 30 * time.Second}
	switch cfg.Grant {
	case config.GrantClientCredentials:
		return oauth.NewClientCredentialsFetcher(oauth.ClientConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			HTTPClient:   client,
		})
	case config.GrantRefreshToken:
		return oauth.NewRefreshTokenFetcher(oauth.ClientConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			RefreshToken: cfg.RefreshToken,
			HTTPClient:   client,
		})
	default:
		return oauth.NewStaticFetcher(cfg.StaticToken, 0)
	}
}

func breakerGauge(state string) float64 {
	switch state {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Readiness is the /ready report.
type Readiness struct {
	Ready          bool     `json:"ready"`
	Reasons        []string `json:"reasons,omitempty"`
	OAuthDegraded  bool     `json:"oauthDegraded"`
	StoreReachable bool     `json:"storeReachable"`
	CircuitState   string   `json:"circuitState"`
	QueueBacklog   int      `json:"queueBacklog"`
}

func (p *Pipeline) Readiness(ctx context.Context) Readiness {
	r := Readiness{Ready: true, StoreReachable: true, CircuitState: p.Breaker.State()}
	if p.Tokens.Degraded() {
		r.OAuthDegraded = true
		r.Ready = false
		r.Reasons = append(r.Reasons, "oauth_degraded")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Store.Ping(pingCtx); err != nil {
		r.StoreReachable = false
		r.Ready = false
		r.Reasons = append(r.Reasons, "store_unreachable")
		return r
	}
	stats, err := p.Store.QueueStats(pingCtx)
	if err != nil {
		r.StoreReachable = false
		r.Ready = false
		r.Reasons = append(r.Reasons, "store_unreachable")
		return r
	}
	r.QueueBacklog = stats.Backlog()
	if limit := p.Config.Features.ReadinessBacklogMax; limit > 0 && r.QueueBacklog > limit {
		r.Ready = false
		r.Reasons = append(r.Reasons, "queue_backlog")
	}
	return r
}

// AlertSignals samples the live state the alert rules evaluate.
func (p *Pipeline) AlertSignals(ctx context.Context) alerting.Signals {
	s := alerting.Signals{
		OAuthDegraded: p.Tokens.Degraded(),
		AuthFailures:  p.Metrics.Sum(MetricAdapterAuthFailures),
		AuthTotal:     p.Metrics.Sum(MetricAdapterRequests),
		CircuitOpen:   p.Breaker.State() == breaker.StateOpen,
		MaxWait:       seconds(p.Metrics.Max(MetricQueueWaitSeconds)),
		P99Wait:       seconds(p.Metrics.Quantile(MetricQueueWaitSeconds, 0.99)),
	}
	stats, err := p.Store.QueueStats(ctx)
	if err != nil {
		s.StoreUnreachable = true
		return s
	}
	s.QueueBacklog = stats.Backlog()
	if stats.OldestPendingAt != nil {
		s.OldestPendingAge = p.now().Sub(*stats.OldestPendingAt)
	}
	return s
}

// RefreshGauges copies point-in-time state into the metrics registry.
func (p *Pipeline) RefreshGauges(ctx context.Context) {
	p.Metrics.Set(MetricBreakerState, breakerGauge(p.Breaker.State()))
	degraded := 0.0
	if p.Tokens.Degraded() {
		degraded = 1
	}
	p.Metrics.Set(MetricOAuthDegraded, degraded)
	p.Metrics.Set(MetricRateLimitPerSecond, p.Limiter.Status().RatePerSecond)
	if stats, err := p.Store.QueueStats(ctx); err == nil {
		for _, status := range []QueueStatus{StatusPending, StatusProcessing, StatusComplete, StatusError, StatusDead} {
			p.Metrics.Set(MetricQueueDepth, float64(stats.Counts[status]), "status", string(status))
		}
	}
}

// EvaluateAlerts refreshes gauges and runs the alert rules once.
func (p *Pipeline) EvaluateAlerts(ctx context.Context) []alerting.Alert {
	p.RefreshGauges(ctx)
	return p.Alerts.Evaluate(p.AlertSignals(ctx))
}

// AlertLoop evaluates alerts every interval until ctx ends.
func (p *Pipeline) AlertLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvaluateAlerts(ctx)
		}
	}
}

func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
