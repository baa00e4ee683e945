package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/config"
	"github.com/atmx/post-trade-engine/internal/confirmation"
	"github.com/atmx/post-trade-engine/internal/controlplane"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/ledger"
	"github.com/atmx/post-trade-engine/internal/limits"
	"github.com/atmx/post-trade-engine/internal/margin"
	"github.com/atmx/post-trade-engine/internal/marketdata"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/processing"
	"github.com/atmx/post-trade-engine/internal/regulatory"
	"github.com/atmx/post-trade-engine/internal/settlement"
	"github.com/atmx/post-trade-engine/internal/store"
	"github.com/atmx/post-trade-engine/internal/trading"
	"github.com/atmx/post-trade-engine/internal/transport"
)

// engine is the fully wired control plane plus the resources it holds open.
type engine struct {
	plane   *controlplane.ControlPlane
	hub     *transport.WSHub
	cleanup []func()
}

func (e *engine) Close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
}

// openArchive selects PostgreSQL, SQLite or memory, optionally behind the
// Redis read-through cache.
func openArchive(ctx context.Context, c *config.Config, e *engine) (store.Store, error) {
	var st store.Store
	switch {
	case c.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, c.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection: %w", err)
		}
		e.cleanup = append(e.cleanup, pool.Close)
		if err := store.MigratePool(pool); err != nil {
			return nil, err
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	case c.Storage.SQLitePath != "":
		lite, err := store.OpenSQLite(c.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite archive: %w", err)
		}
		e.cleanup = append(e.cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite archive", "path", c.Storage.SQLitePath)
	default:
		slog.Warn("no database configured, using in-memory archive (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	if c.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(c.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		e.cleanup = append(e.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, c.Storage.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, nil
}

func openOutbox(path string, e *engine) (regulatory.Outbox, error) {
	if path == "" {
		return regulatory.NewMemoryOutbox(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	box, err := regulatory.OpenBoltOutbox(path)
	if err != nil {
		return nil, err
	}
	e.cleanup = append(e.cleanup, func() { box.Close() })
	return box, nil
}

func tradingConfig(c config.LimitsConfig) trading.Config {
	var tc trading.Config
	if c.CreditPerCounterparty > 0 || c.CreditCorrelated > 0 {
		tc.Credit = limits.NewCreditLimiter(decimal.NewFromFloat(c.CreditPerCounterparty), decimal.NewFromFloat(c.CreditCorrelated))
	}
	if c.MarketRiskDefault > 0 || len(c.MarketRisk) > 0 {
		per := make(map[model.AssetClass]decimal.Decimal, len(c.MarketRisk))
		for ac, v := range c.MarketRisk {
			per[model.AssetClass(ac)] = decimal.NewFromFloat(v)
		}
		tc.MarketRisk = limits.NewMarketRiskLimiter(per, decimal.NewFromFloat(c.MarketRiskDefault))
	}
	tc.Capacity = limits.CapacityLimiter{MaxLiveTrades: c.MaxLiveTrades}
	return tc
}

// buildEngine wires every agent from configuration.
func buildEngine(ctx context.Context, c *config.Config) (*engine, error) {
	e := &engine{hub: transport.NewWSHub()}

	archive, err := openArchive(ctx, c, e)
	if err != nil {
		e.Close()
		return nil, err
	}
	outbox, err := openOutbox(c.Storage.OutboxPath, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	gateway := transport.NewLogGateway(slog.Default())
	bus := transport.MultiBus{gateway, e.hub}
	if len(c.Kafka.Brokers) > 0 {
		writer := transport.NewKafkaWriter(c.Kafka.Brokers, c.Kafka.Topic)
		kbus := transport.NewKafkaEventBus(writer)
		e.cleanup = append(e.cleanup, func() { kbus.Close() })
		bus = append(bus, kbus)
		slog.Info("publishing lifecycle events to Kafka", "brokers", c.Kafka.Brokers, "topic", c.Kafka.Topic)
	}

	sink := audit.NewLogSink(slog.Default())
	rnd := ids.NewRand(c.Engine.Seed)
	prices := marketdata.NewRandomSource(rnd)

	agents := controlplane.Agents{
		Trading:      trading.NewAgent(tradingConfig(c.Limits), prices, bus, sink, nil),
		Processing:   processing.NewAgent(rnd, nil, sink),
		Confirmation: confirmation.NewAgent(confirmation.DefaultMatchPolicy(), gateway, sink, nil),
		Regulatory: regulatory.NewAgent(regulatory.Config{
			MaxAttempts:   c.Regulatory.MaxAttempts,
			BaseBackoff:   c.Regulatory.BaseBackoff,
			RatePerSecond: c.Regulatory.RatePerSecond,
			RetryDelay:    c.Regulatory.RetryDelay,
		}, gateway, archive, outbox, sink, nil),
		Settlement: settlement.NewAgent(settlement.Config{
			PremiumRate:    decimal.NewFromFloat(c.Settlement.PremiumRate),
			FloatingFixing: decimal.NewFromFloat(c.Settlement.FloatingFixing),
			Horizon:        c.Settlement.Horizon,
		}, gateway, archive, settlement.RandomClassifier(rnd), sink, nil),
		Ledger: ledger.NewAgent(ledger.Config{}, prices, archive, sink, nil),
		Margin: margin.NewAgent(margin.Config{Currency: model.Currency(c.Margin.Currency)}, rnd, sink, nil),
	}

	e.plane = controlplane.New(controlplane.Config{JoinTimeout: c.Server.JoinTimeout}, agents, sink, nil)
	e.plane.SetBroadcaster(e.hub)
	return e, nil
}
