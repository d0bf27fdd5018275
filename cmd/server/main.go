// Command server wires and runs the Inventory Management calculation core:
// the Position, Inventory, and Limit engines over the distributed cache
// grid, fed by the event pipeline and the reference/market/contract
// adapters, with cold-start reconciliation and an ops HTTP surface.
// Grounded on the teacher's cmd/trading-core/main.go wiring order (config,
// then storage, then engines, then feeds, then the signal subscribers,
// then the API server, then a blocking wait on SIGINT/SIGTERM) generalized
// from one exchange-trading-bot process to the calculation core's engines.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/galatea-associates/ims-core/internal/adapters"
	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
	"github.com/galatea-associates/ims-core/internal/inventory"
	"github.com/galatea-associates/ims-core/internal/limit"
	"github.com/galatea-associates/ims-core/internal/ops"
	"github.com/galatea-associates/ims-core/internal/pipeline"
	"github.com/galatea-associates/ims-core/internal/position"
	"github.com/galatea-associates/ims-core/internal/reconciliation"
	"github.com/galatea-associates/ims-core/internal/resilience"
	"github.com/galatea-associates/ims-core/internal/rules"
	"github.com/galatea-associates/ims-core/pkg/config"
	"github.com/galatea-associates/ims-core/pkg/logging"
	"github.com/galatea-associates/ims-core/pkg/store"
)

// seedMarkets lists the markets seedDefaultRules activates the default rule
// set for. Seeding runs on every start; Reconciliation.RulesFile is not read
// by the server.
var seedMarkets = []string{"US", "TW", "JP"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load:", err)
		os.Exit(1)
	}

	log := logging.Init(cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("port", cfg.Port).Str("db_path", cfg.DBPath).Msg("server: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("server: failed to open store")
	}
	defer db.Close()

	writer := store.NewWriter(db, 50, 500*time.Millisecond, logging.Component(log, "store.writer"))
	defer writer.Close()

	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), namedRateLimits(cfg))

	bus := events.NewBus()

	positionGrid := cache.NewGrid("positions", cache.MapConfig{
		TTL:            cfg.Cache.MapTTLs.Position,
		MaxSizePerNode: cfg.Cache.MaxSizePerNode,
		EvictionPolicy: cfg.Cache.EvictionPolicy,
		BackupCount:    cfg.Cache.BackupCount,
	})
	inventoryGrid := cache.NewGrid("inventory", cache.MapConfig{
		TTL:            cfg.Cache.MapTTLs.Inventory,
		MaxSizePerNode: cfg.Cache.MaxSizePerNode,
		EvictionPolicy: cfg.Cache.EvictionPolicy,
		BackupCount:    cfg.Cache.BackupCount,
	})
	limitGrid := cache.NewGrid("limits", cache.MapConfig{
		TTL:            cfg.Cache.MapTTLs.Limit,
		MaxSizePerNode: cfg.Cache.MaxSizePerNode,
		EvictionPolicy: cfg.Cache.EvictionPolicy,
		BackupCount:    cfg.Cache.BackupCount,
	})

	pool := adapters.NewPool([]adapters.FeedConfig{
		{Name: "refdata", Kind: adapters.KindReferenceData, BaseURL: cfg.Adapters.ReferenceDataURL, Timeout: cfg.Adapters.Timeout},
		{Name: "marketdata", Kind: adapters.KindMarketData, BaseURL: cfg.Adapters.MarketDataURL, Timeout: cfg.Adapters.Timeout},
		{Name: "contracts", Kind: adapters.KindContracts, BaseURL: cfg.Adapters.ContractDataURL, Timeout: cfg.Adapters.Timeout},
	}, adapters.DefaultFactory, breakers, adapters.DefaultPoolConfig(), logging.Component(log, "adapters.pool"))
	pool.Start(ctx)
	defer pool.Stop()

	refFeed, err := pool.Get(ctx, "refdata")
	if err != nil {
		log.Fatal().Err(err).Msg("server: failed to open reference data feed")
	}
	marketFeed, err := pool.Get(ctx, "marketdata")
	if err != nil {
		log.Fatal().Err(err).Msg("server: failed to open market data feed")
	}
	contractFeed, err := pool.Get(ctx, "contracts")
	if err != nil {
		log.Fatal().Err(err).Msg("server: failed to open contract data feed")
	}
	reference := refFeed.(inventory.ReferenceSource)
	market := marketFeed.(inventory.MarketDataSource)
	contracts := contractFeed.(inventory.ContractSource)

	registry := rules.NewRegistry()
	resolveImpl := newRuleResolver()
	seedDefaultRules(ctx, writer, registry, resolveImpl, log)

	positions := position.New(positionGrid, bus, logging.Component(log, "engine.position"))
	invEngine := inventory.New(inventoryGrid, bus, registry, positions, contracts, reference, market, logging.Component(log, "engine.inventory")).
		WithCutoffs(cfg.Engine.SettlementCutoffs)
	limitEngine := limit.New(limitGrid, bus, positions, invEngine, logging.Component(log, "engine.limit"))

	reconcileCfg := reconciliation.Config{Interval: cfg.Reconciliation.Interval}
	reconciler := reconciliation.New(db, positions, invEngine, limitEngine, registry, resolveImpl, reconcileCfg, logging.Component(log, "reconciliation"))
	if err := reconciler.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("server: cold-start replay failed")
	}
	reconciler.Start(ctx)

	broker := newBroker(cfg)
	pipe := pipeline.New(broker, logging.Component(log, "pipeline"), cfg.Pipeline.LastSeenCacheSize)
	pipe.Register(events.TopicTradeData, positions.TradeHandler())
	pipe.Register(events.TopicPositionSnapshot, positions.SnapshotHandler())

	runPipeline(ctx, pipe, events.TopicTradeData, cfg, log)
	runPipeline(ctx, pipe, events.TopicPositionSnapshot, cfg, log)

	opsServer := ops.NewServer(reconciler, breakers, ops.DefaultConfig(), logging.Component(log, "ops"))
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: opsServer.Router}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("server: ops surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server: ops surface stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("server: shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server: ops surface shutdown error")
	}

	cancel()
	log.Info().Msg("server: shutdown complete")
}

// runPipeline launches one goroutine that runs the pipeline over all of
// topic's configured partitions; restarting is left to process supervision (the teacher
// relies on the same fail-fast-and-let-the-orchestrator-restart model).
func runPipeline(ctx context.Context, pipe *pipeline.Pipeline, topic events.Topic, cfg *config.Config, log zerolog.Logger) {
	go func() {
		if err := pipe.Run(ctx, topic, cfg.Pipeline.GroupID, cfg.Pipeline.PartitionsPerTopic); err != nil {
			log.Error().Err(err).Str("topic", string(topic)).Msg("pipeline: consumer stopped")
		}
	}()
}

// newBroker selects the Kafka-backed broker when bootstrap brokers are
// configured, falling back to the in-memory broker for single-process
// deployments and local development.
func newBroker(cfg *config.Config) pipeline.Broker {
	if len(cfg.Pipeline.Bootstrap) == 0 {
		return pipeline.NewMemoryBroker()
	}
	return pipeline.NewKafkaBroker(cfg.Pipeline.Bootstrap)
}

func namedRateLimits(cfg *config.Config) map[string]resilience.RateLimitConfig {
	out := make(map[string]resilience.RateLimitConfig, len(cfg.Resilience))
	for _, r := range cfg.Resilience {
		limit := rate.Inf
		if r.RateLimit > 0 {
			limit = rate.Limit(r.RateLimit)
		}
		out[r.Name] = resilience.RateLimitConfig{
			RateLimit:     limit,
			RefreshPeriod: r.RefreshPeriod,
			Timeout:       r.Timeout,
		}
	}
	return out
}

// newRuleResolver binds every CalculationType to its single Rule
// implementation, mirroring the teacher's strategy.LoadStrategies
// type-string switch.
func newRuleResolver() reconciliation.RuleImplResolver {
	impls := map[domain.CalculationType]rules.Rule{
		domain.CalcForLoan:    rules.NewForLoanRule(),
		domain.CalcForPledge:  rules.NewForPledgeRule(),
		domain.CalcShortSell:  rules.NewShortSellRule(),
		domain.CalcLocate:     rules.NewLocateRule(),
		domain.CalcOverborrow: rules.NewOverborrowRule(),
	}
	return func(t domain.CalculationType) (rules.Rule, bool) {
		impl, ok := impls[t]
		return impl, ok
	}
}

// seedDefaultRules registers one ACTIVE CalculationRule per (calc type,
// market) pair directly into the registry and durably persists it, so a
// brand-new deployment with an empty calculation_rules table still has a
// usable default rule set after Restore replays it back out on the next
// cold start. It runs on every start, also when calculation_rules already
// holds rules; Reconciliation.RulesFile is loaded into the config, but
// nothing reads it.
func seedDefaultRules(ctx context.Context, writer *store.Writer, registry *rules.Registry, resolve reconciliation.RuleImplResolver, log zerolog.Logger) {
	effectiveFrom := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	seq := 0
	for _, market := range seedMarkets {
		for calcType := range map[domain.CalculationType]struct{}{
			domain.CalcForLoan:    {},
			domain.CalcForPledge:  {},
			domain.CalcShortSell:  {},
			domain.CalcLocate:     {},
			domain.CalcOverborrow: {},
		} {
			impl, ok := resolve(calcType)
			if !ok {
				continue
			}
			seq++
			meta := domain.CalculationRule{
				RuleID:        fmt.Sprintf("default-%s-%s", market, calcType),
				Version:       1,
				RuleType:      calcType,
				Market:        market,
				Priority:      100,
				EffectiveFrom: effectiveFrom,
				Status:        domain.RuleStatusActive,
			}
			registry.Register(rules.Definition{Meta: meta, Impl: impl})
			writer.PutCalculationRule(meta)
		}
	}
	log.Info().Int("rules", seq).Msg("server: default rule set seeded")
}
