package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/magnet/trade-engine/internal/analyzer"
	"github.com/magnet/trade-engine/internal/api"
	"github.com/magnet/trade-engine/internal/broker"
	"github.com/magnet/trade-engine/internal/config"
	"github.com/magnet/trade-engine/internal/exchange"
	"github.com/magnet/trade-engine/internal/exchange/bitflyer"
	"github.com/magnet/trade-engine/internal/logging"
	"github.com/magnet/trade-engine/internal/marketdata"
	"github.com/magnet/trade-engine/internal/metrics"
	"github.com/magnet/trade-engine/internal/notify"
	"github.com/magnet/trade-engine/internal/portfolio"
	"github.com/magnet/trade-engine/internal/scheduler"
	"github.com/magnet/trade-engine/internal/store"
	"github.com/magnet/trade-engine/internal/stream"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.Build(env.LogLevel, env.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if env.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, env.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if env.RedisURL != "" {
			opt, err := redis.ParseURL(env.RedisURL)
			if err != nil {
				logger.Fatal("invalid REDIS_URL", zap.Error(err))
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, env.CacheTTL)
			logger.Info("Redis cache enabled")
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if err := seedBots(ctx, st, env.BotConfig, logger); err != nil {
		logger.Fatal("loading bots failed", zap.String("path", env.BotConfig), zap.Error(err))
	}

	// --- Notifications ---
	hub := notify.NewWSHub(logger)
	go hub.Run(ctx)
	notifiers := notify.Multi{hub}
	if env.NatsURL != "" {
		nc, err := notify.ConnectNATS(env.NatsURL, logger)
		if err != nil {
			logger.Fatal("nats connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, nc.Close)
		notifiers = append(notifiers, notify.NewNATS(nc))
		logger.Info("publishing events to NATS", zap.String("url", env.NatsURL))
	}

	// --- Streams ---
	schedulers, err := scheduler.NewFactory(env.Scheduler, st, env.BarProvider)
	if err != nil {
		logger.Fatal("invalid SCHEDULER", zap.Error(err))
	}
	brokers := &brokerPool{env: env, store: st, notifier: notifiers, logger: logger, byAccount: map[int64]*broker.Broker{}}
	factory := &stream.Factory{
		Store:             st,
		Schedulers:        schedulers,
		Analyzers:         analyzer.Builtin(nil),
		PositionAnalyzers: analyzer.PositionAnalyzers(),
		Reducers:          analyzer.Reducers(),
		Brokers:           brokers.get,
		Notifier:          notifiers,
		Retry:             stream.RetryPolicy{MaxFailures: env.RetryMaxFailures, Backoff: env.RetryBackoff},
		Logger:            logger,
	}
	runner := stream.NewRunner(st, factory.Build, logger)
	token := stream.NewCancelToken()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(st, logger)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of order and stream events.
		r.Get("/ws", hub.HandleWS)
		svc.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + env.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("trade-engine listening", zap.String("port", env.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Signals stop streams between ticks via the token; streamCtx only
	// aborts them when they overrun the grace period.
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	streamsDone := make(chan error, 1)
	go func() {
		streamsDone <- runner.Run(streamCtx, token)
	}()

	select {
	case <-ctx.Done():
		token.Cancel()
		select {
		case err := <-streamsDone:
			if err != nil {
				logger.Error("streams stopped with error", zap.Error(err))
			}
		case <-time.After(env.PollInterval + 30*time.Second):
			logger.Warn("streams did not stop in time, aborting")
			cancelStreams()
			<-streamsDone
		}
	case err := <-streamsDone:
		if err != nil {
			logger.Error("streams stopped with error", zap.Error(err))
		} else {
			logger.Info("all streams finished")
		}
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("trade-engine stopped")
}

// seedBots stores the accounts of the bot file that are not stored yet. A
// missing file is not an error when accounts already exist.
func seedBots(ctx context.Context, st store.Store, path string, logger *zap.Logger) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warn("bot file not found, trading stored accounts only", zap.String("path", path))
		return nil
	}
	p, err := config.LoadBots(path)
	if err != nil {
		return err
	}
	for i := range p.Accounts {
		a := p.Accounts[i]
		err := st.CreateAccount(ctx, &a)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			logger.Info("account already stored", zap.Int64("account", a.ID))
		case err != nil:
			return fmt.Errorf("store account %d: %w", a.ID, err)
		default:
			logger.Info("account created",
				zap.Int64("account", a.ID),
				zap.String("provider", a.Provider),
				zap.Int("virtual_accounts", len(a.VirtualAccounts)))
		}
	}
	return nil
}

// brokerPool shares one broker per account between its streams.
type brokerPool struct {
	env      config.Env
	store    store.Store
	notifier notify.Notifier
	logger   *zap.Logger

	mu        sync.Mutex
	byAccount map[int64]*broker.Broker
}

func (p *brokerPool) get(ctx context.Context, a portfolio.Account) (*broker.Broker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.byAccount[a.ID]; ok {
		return b, nil
	}

	history := &marketdata.History{Bars: p.store, Provider: a.Provider, Market: a.Market}
	var (
		ex     exchange.Exchange
		source marketdata.Source = history
	)
	switch p.env.Exchange {
	case "simulated":
		ex = exchange.NewSimulated(a.Provider, p.env.Fee)
	case "bitflyer":
		client := bitflyer.New(bitflyer.Config{Key: p.env.BitflyerKey, Secret: p.env.BitflyerSecret}, p.logger)
		ex = client
		source = &marketdata.Live{History: history, Prices: client}
	default:
		return nil, fmt.Errorf("unknown EXCHANGE %q", p.env.Exchange)
	}

	b, err := broker.New(p.store, ex, source, p.notifier, broker.Config{
		PollInterval: p.env.PollInterval,
		StaleReady:   broker.StaleReadyPolicy(p.env.StaleReady),
	}, p.logger)
	if err != nil {
		return nil, err
	}
	stale, err := b.StaleReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("stale READY audit: %w", err)
	}
	for _, pos := range stale {
		if _, ok := a.VirtualAccount(pos.VirtualAccountID); !ok {
			continue
		}
		p.logger.Warn("READY position found at startup",
			zap.Int64("position", pos.ID),
			zap.Int64("virtual_account", pos.VirtualAccountID),
			zap.String("policy", p.env.StaleReady))
	}
	p.byAccount[a.ID] = b
	return b, nil
}
