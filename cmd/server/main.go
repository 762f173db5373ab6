package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bitmor/loan-engine/internal/api"
	"github.com/bitmor/loan-engine/internal/autorepay"
	"github.com/bitmor/loan-engine/internal/chain"
	"github.com/bitmor/loan-engine/internal/config"
	"github.com/bitmor/loan-engine/internal/deribit"
	"github.com/bitmor/loan-engine/internal/estimate"
	"github.com/bitmor/loan-engine/internal/events"
	"github.com/bitmor/loan-engine/internal/logging"
	"github.com/bitmor/loan-engine/internal/reconcile"
	"github.com/bitmor/loan-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Service, cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, logger); err != nil {
		logger.Error("loan-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("loan-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	var checkpoints chain.Checkpoints = st
	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		// Wrap with Redis read-through cache.
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
		if cfg.Store.Backend == config.BackendMemory {
			// Keep the log watermark across restarts even without a database.
			checkpoints = store.NewRedisCheckpoints(rdb, "")
		}
		logger.Info("redis enabled", "cache_ttl", cfg.Store.CacheTTL)
	}

	// --- Chain facade ---
	backend, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	cleanup = append(cleanup, backend.Close)

	var prices chain.Backend
	if cfg.Chain.MainnetRPCURL != "" {
		mainnet, err := chain.Dial(ctx, cfg.Chain.MainnetRPCURL)
		if err != nil {
			return fmt.Errorf("dial mainnet rpc: %w", err)
		}
		cleanup = append(cleanup, mainnet.Close)
		prices = mainnet
	}

	addrs := chain.Addresses{
		Loan:          common.HexToAddress(cfg.Chain.LoanAddress),
		LendingPool:   common.HexToAddress(cfg.Chain.LendingPoolAddress),
		AutoRepayment: common.HexToAddress(cfg.Chain.AutoRepaymentAddress),
		PriceFeed:     common.HexToAddress(cfg.Chain.PriceFeedAddress),
	}
	chainClient, err := chain.NewClient(backend, prices, chain.Config{
		ChainID:     cfg.Chain.ChainID,
		Addresses:   addrs,
		ExecutorKey: cfg.Chain.ExecutorKey,
		ReceiptPoll: cfg.Chain.ReceiptPoll,
	}, logger)
	if err != nil {
		return err
	}
	if err := chainClient.CheckChainID(ctx); err != nil {
		return err
	}

	registry, err := events.NewRegistry(cfg.Chain.EventSchema)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	hub := api.NewHub(logger)

	// --- Reconciler and listener ---
	rec := reconcile.New(st, chainClient, addrs.AutoRepayment, hub, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// One subscription over every protocol contract, so a batch carries the
	// loan, lending pool and auto-repayment logs in chain order under a single
	// watermark.
	sources := []struct {
		source events.Source
		addr   common.Address
	}{
		{events.SourceLoan, addrs.Loan},
		{events.SourceLendingPool, addrs.LendingPool},
		{events.SourceAutoRepayment, addrs.AutoRepayment},
	}
	var (
		contracts []common.Address
		kinds     []events.Kind
	)
	bound := make(map[events.Source]common.Address, len(sources))
	for _, src := range sources {
		if src.addr == (common.Address{}) {
			logger.Warn("contract address not configured, not listening", "source", src.source)
			continue
		}
		bound[src.source] = src.addr
		contracts = append(contracts, src.addr)
	}
	for _, k := range registry.Kinds() {
		if _, ok := bound[k.Source()]; ok {
			kinds = append(kinds, k)
		}
	}
	registry.BindContracts(bound)

	if len(kinds) > 0 {
		const name = "protocol"
		sub, err := chainClient.Subscribe(gctx, chain.Filter{
			Name:      name,
			Addresses: contracts,
			Topics:    registry.Topics(kinds...),
		}, checkpoints, chain.PollConfig{
			StartBlock:    cfg.Chain.StartBlock,
			Confirmations: cfg.Chain.Confirmations,
			MaxBlocks:     cfg.Chain.MaxBlocks,
			Interval:      cfg.Chain.PollInterval,
			RatePerSec:    cfg.Chain.RatePerSec,
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		cleanup = append(cleanup, sub.Unsubscribe)

		l := reconcile.NewListener(name, sub, registry, rec, reconcile.ListenerConfig{
			Retries: cfg.Chain.HandlerRetries,
			Backoff: time.Second,
		}, logger)
		g.Go(func() error { return l.Run(gctx) })
		logger.Info("listening for events", "contracts", contracts, "kinds", kinds)
	}

	// --- Estimation engine ---
	options := deribit.NewClient(deribit.Config{
		BaseURL:      cfg.Deribit.BaseURL,
		ClientID:     cfg.Deribit.ClientID,
		ClientSecret: cfg.Deribit.ClientSecret,
		Currency:     cfg.Deribit.Currency,
		RatePerSec:   cfg.Deribit.RatePerSec,
	}, logger)
	engine := estimate.NewEngine(chainClient, options, estimate.Params{
		MaxInterestRate: cfg.Protocol.MaxInterestRate.Decimal,
		FlashLoanFee:    cfg.Protocol.FlashLoanFee.Decimal,
		ProtocolFee:     cfg.Protocol.ProtocolFee.Decimal,
		InsuranceRate:   cfg.Protocol.InsuranceRate.Decimal,
		QuoteDecimals:   cfg.Protocol.QuoteDecimals,
	}, logger)

	// --- Auto-repayment scheduler ---
	var scheduler *autorepay.Scheduler
	if cfg.Scheduler.Enabled {
		var locker autorepay.Locker
		if rdb != nil {
			locker = autorepay.NewRedisLocker(rdb)
		}
		scheduler = autorepay.New(st, chainClient, locker, autorepay.Config{
			Spec:           cfg.Scheduler.Spec,
			ReceiptTimeout: cfg.Scheduler.ReceiptTimeout,
			Workers:        cfg.Scheduler.Workers,
			LockTTL:        cfg.Scheduler.LockTTL,
		}, logger)
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
	} else {
		logger.Info("auto-repayment scheduler disabled")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewService(st, engine, logger), hub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("loan-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down loan-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if scheduler != nil {
			scheduler.Stop(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore connects the configured ledger backend and returns its closer.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMongo:
		db, err := store.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.ConnectTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			db.Client().Disconnect(c)
		}
		ms := store.NewMongoStore(db)
		if err := ms.EnsureIndexes(ctx); err != nil {
			closer()
			return nil, nil, err
		}
		return ms, closer, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to PostgreSQL")
		return ps, pool.Close, nil

	default:
		logger.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}
