package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polylive/internal/cache"
	"github.com/alanyoungcy/polylive/internal/config"
	"github.com/alanyoungcy/polylive/internal/crypto"
	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/feed"
	"github.com/alanyoungcy/polylive/internal/ingest"
	"github.com/alanyoungcy/polylive/internal/ledger"
	"github.com/alanyoungcy/polylive/internal/pipeline"
	"github.com/alanyoungcy/polylive/internal/platform/ctf"
	"github.com/alanyoungcy/polylive/internal/platform/goldsky"
	"github.com/alanyoungcy/polylive/internal/platform/polymarket"
	"github.com/alanyoungcy/polylive/internal/pricing"
	"github.com/alanyoungcy/polylive/internal/registry"
	"github.com/alanyoungcy/polylive/internal/server"
	"github.com/alanyoungcy/polylive/internal/server/handler"
	"github.com/alanyoungcy/polylive/internal/server/ws"
)

// dedupCleanupInterval is how often expired fill ids are evicted.
const dedupCleanupInterval = 10 * time.Minute

// components is what a mode assembles before handing tasks to the
// orchestrator.
type components struct {
	registry   *registry.Registry
	refresher  *registry.Refresher
	containers *cache.Containers
	hub        *ws.Hub
	ledger     *ledger.Ledger
	reconciler *ledger.Reconciler
}

// runMode builds the components the mode needs, registers their loops and
// blocks until ctx is cancelled or a loop fails.
func (a *App) runMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	orch := pipeline.NewOrchestrator(a.logger)
	c := &components{}

	// The registry runs in every mode: the feed routes quotes through it and
	// the reconciler uses it as the candidate instrument list.
	c.registry = registry.New(deps.Metrics, a.logger)
	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	if cfg.RunsFeed() {
		if err := a.buildFeed(ctx, deps, c, gamma, orch); err != nil {
			return err
		}
	} else {
		c.refresher = registry.NewRefresher(gamma, nil, c.registry, a.logger)
	}
	orch.Add("registry_refresher", func(ctx context.Context) error {
		return c.refresher.RunLoop(ctx, cfg.Registry.RefreshInterval.Duration)
	})

	if cfg.RunsLedger() {
		closeLedger, err := a.buildLedger(ctx, deps, c, orch)
		if err != nil {
			return err
		}
		defer closeLedger()
	}

	if cfg.Server.Enabled {
		srv, err := a.buildServer(deps, c)
		if err != nil {
			return err
		}
		orch.Add("http_server", srv.Run)
	}

	return orch.Run(ctx)
}

// buildFeed assembles the price pipeline: container cache, hub, processor,
// dispatcher, upstream client and the snapshot archive.
func (a *App) buildFeed(ctx context.Context, deps *Dependencies, c *components, gamma *polymarket.GammaClient, orch *pipeline.Orchestrator) error {
	cfg := a.cfg

	policy, err := pricing.ParsePolicy(cfg.Pricing.MissingQuotePolicy)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	c.containers = cache.NewContainers(deps.ContainerStore, deps.Mirror, a.logger)
	c.refresher = registry.NewRefresher(gamma, c.containers, c.registry, a.logger)

	if cfg.Archive.WarmStart && deps.Snapshots != nil {
		if _, err := pipeline.WarmStart(ctx, deps.Snapshots, a.logger, c.containers.Warm,
			func(_ context.Context, cs []domain.Container) int { return c.registry.Rebuild(cs) }); err != nil {
			a.logger.WarnContext(ctx, "warm start failed", slog.String("error", err.Error()))
		}
	}

	c.hub = ws.NewHub(ws.Config{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval.Duration,
		SendBuffer:        cfg.Hub.SendBuffer,
	}, c.containers, deps.SignalBus, deps.Metrics, a.logger)
	orch.Add("hub", func(ctx context.Context) error {
		if err := c.hub.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		c.hub.Stop()
		return nil
	})

	processor := pricing.NewProcessor(pricing.ProcessorConfig{
		Policy:      policy,
		Parallelism: cfg.Pricing.Parallelism,
	}, c.registry, c.containers, deps.ContainerStore, c.hub, deps.Metrics, a.logger)

	dispatcher := feed.NewDispatcher(feed.DispatcherConfig{
		Shards:    cfg.Pricing.Shards,
		QueueSize: cfg.Pricing.QueueSize,
	}, c.registry, processor, deps.Metrics, a.logger)
	orch.Add("dispatcher", dispatcher.Run)

	upstream := feed.NewUpstream(feed.UpstreamConfig{
		URL:        cfg.Polymarket.MarketWSURL(),
		MinBackoff: cfg.Upstream.MinBackoff.Duration,
		MaxBackoff: cfg.Upstream.MaxBackoff.Duration,
	}, c.registry, dispatcher, deps.Notifier, deps.Metrics, a.logger)
	orch.Add("upstream", upstream.Run)

	if cfg.Archive.Enabled && deps.Snapshots != nil {
		archiver := pipeline.NewArchiver(deps.Snapshots, c.containers, cfg.Archive.RetentionDays, a.logger)
		orch.Add("archiver", func(ctx context.Context) error {
			return archiver.RunCron(ctx, cfg.Archive.Cron)
		})
	}
	return nil
}

// buildLedger assembles fill application, reconciliation and fill ingestion.
// The returned func releases broker connections.
func (a *App) buildLedger(ctx context.Context, deps *Dependencies, c *components, orch *pipeline.Orchestrator) (func(), error) {
	cfg := a.cfg
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	dedup := ledger.NewDedup(cfg.Ledger.DedupTTL.Duration)
	c.ledger = ledger.New(deps.PositionStore, dedup, deps.SignalBus, deps.Metrics, a.logger)
	orch.Add("dedup_cleanup", func(ctx context.Context) error {
		return dedup.RunCleanup(ctx, dedupCleanupInterval)
	})

	source, closeSource, err := a.balanceSource(ctx)
	if err != nil {
		return closeAll, err
	}
	closers = append(closers, closeSource)

	c.reconciler = ledger.NewReconciler(c.ledger, source, deps.Throttle, c.registry, deps.Notifier, ledger.ReconcileConfig{
		MinInterval:  cfg.Ledger.MinReconcileInterval.Duration,
		FetchTimeout: cfg.Ledger.FetchTimeout.Duration,
		Window:       cfg.Ledger.Window.Duration,
	})

	if cfg.Ledger.SweepInterval.Duration > 0 {
		sweeper := ledger.NewSweeper(c.reconciler, deps.PositionStore, deps.LockManager, a.logger)
		orch.Add("reconcile_sweep", func(ctx context.Context) error {
			return sweeper.RunLoop(ctx, cfg.Ledger.SweepInterval.Duration, cfg.Ledger.SweepLockTTL.Duration)
		})
	}

	if cfg.NATS.Enabled {
		nc, js, err := ingest.ConnectNATS(cfg.NATS.URL, a.logger)
		if err != nil {
			return closeAll, fmt.Errorf("app: nats: %w", err)
		}
		closers = append(closers, nc.Close)

		natsCfg := ingest.NATSConfig{
			URL:     cfg.NATS.URL,
			Stream:  cfg.NATS.Stream,
			Subject: cfg.NATS.Subject,
			Durable: cfg.NATS.Durable,
		}
		if err := ingest.EnsureStream(ctx, js, natsCfg); err != nil {
			return closeAll, fmt.Errorf("app: nats stream: %w", err)
		}
		consumer := ingest.NewNATSConsumer(js, natsCfg, c.ledger, a.logger)
		orch.Add("nats_fills", func(ctx context.Context) error {
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			consumer.Stop()
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		consumer := ingest.NewKafkaConsumer(ingest.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, c.ledger, a.logger)
		orch.Add("kafka_fills", consumer.Run)
	}

	return closeAll, nil
}

// balanceSource picks the reconciler's ground truth.
func (a *App) balanceSource(ctx context.Context) (domain.BalanceSource, func(), error) {
	cfg := a.cfg
	switch cfg.Ledger.BalanceSource {
	case config.BalanceSourceSubgraph:
		return goldsky.NewClient(cfg.Subgraph.URL, cfg.Subgraph.APIKey), func() {}, nil
	default:
		rpc, err := ctf.DialRPC(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		src, err := ctf.NewSource(rpc, cfg.Chain.CTFContract, cfg.Chain.BatchSize)
		if err != nil {
			rpc.Close()
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		return src, rpc.Close, nil
	}
}

// buildServer registers the handlers for whatever the mode runs.
func (a *App) buildServer(deps *Dependencies, c *components) (*server.Server, error) {
	cfg := a.cfg

	status := handler.StatusSource{
		Instruments:     func() int { return len(c.registry.Instruments()) },
		RegistryVersion: c.registry.Version,
	}
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Registry: handler.NewRegistryHandler(c.refresher, a.logger),
		Metrics:  deps.Metrics.Handler(),
	}

	if c.hub != nil {
		status.Connections = c.hub.Connections
		status.Containers = c.containers.Len
		handlers.Containers = handler.NewContainerHandler(c.containers, a.logger)
		handlers.WebSocket = c.hub.HandleWS
	}
	if c.ledger != nil {
		var signer *crypto.BodySigner
		if cfg.Server.FillSigningSecret != "" {
			signer = crypto.NewBodySigner(cfg.Server.FillSigningSecret, 5*time.Minute)
		}
		handlers.Positions = handler.NewPositionHandler(c.ledger, c.reconciler, a.logger)
		handlers.Fills = handler.NewFillHandler(c.ledger, signer, a.logger)
	}
	handlers.Status = handler.NewStatusHandler(cfg.Mode, status)

	return server.NewServer(server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		RateLimit:   cfg.Server.RateLimit,
		RateWindow:  cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, deps.Metrics, a.logger), nil
}
