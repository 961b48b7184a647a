package stream

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/magnet/trade-engine/internal/analyzer"
	"github.com/magnet/trade-engine/internal/broker"
	"github.com/magnet/trade-engine/internal/dealer"
	"github.com/magnet/trade-engine/internal/metrics"
	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/notify"
	"github.com/magnet/trade-engine/internal/portfolio"
	"github.com/magnet/trade-engine/internal/scheduler"
	"github.com/magnet/trade-engine/internal/store"
)

// Factory assembles the stream of a virtual account from shared parts.
type Factory struct {
	Store             store.Store
	Schedulers        scheduler.Factory
	Analyzers         analyzer.Repository
	PositionAnalyzers analyzer.Repository
	Reducers          map[string]analyzer.Reducer
	// Brokers returns the broker trading for an account.
	Brokers  func(ctx context.Context, a portfolio.Account) (*broker.Broker, error)
	Notifier notify.Notifier
	Retry    RetryPolicy
	Logger   *zap.Logger
}

// Build wires a MarketStream for va.
func (f *Factory) Build(ctx context.Context, va portfolio.VirtualAccount) (*MarketStream, error) {
	acc, err := f.Store.GetAccount(ctx, va.AccountID)
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", va.AccountID, err)
	}
	b, err := f.Brokers(ctx, *acc)
	if err != nil {
		return nil, fmt.Errorf("broker for account %d: %w", acc.ID, err)
	}
	sched, err := f.Schedulers.Scheduler(ctx, acc.Market, va.Product, va.Periods)
	if err != nil {
		return nil, fmt.Errorf("scheduler for virtual account %d: %w", va.ID, err)
	}
	d, err := dealer.New(va, f.Analyzers, f.PositionAnalyzers, f.Reducers, f.Logger)
	if err != nil {
		return nil, err
	}
	return New(sched, d, b, f.Notifier, f.Retry, f.Logger), nil
}

// ActiveLister lists the virtual accounts that should be traded.
type ActiveLister interface {
	ListActiveVirtualAccounts(ctx context.Context) ([]portfolio.VirtualAccount, error)
}

// Runner runs one MarketStream per active virtual account concurrently.
// Streams share nothing but the store.
type Runner struct {
	accounts ActiveLister
	build    func(ctx context.Context, va portfolio.VirtualAccount) (*MarketStream, error)
	logger   *zap.Logger

	// Observe, when set, sees every topic any stream yields. It is called
	// from every stream goroutine.
	Observe func(va portfolio.VirtualAccount, t model.Topic)
}

func NewRunner(
	accounts ActiveLister,
	build func(ctx context.Context, va portfolio.VirtualAccount) (*MarketStream, error),
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{accounts: accounts, build: build, logger: logger}
}

// Run builds every stream before starting any, so a configuration error
// starts nothing. It returns once all streams have stopped, with the first
// stream error if any. A failing stream does not stop the others.
func (r *Runner) Run(ctx context.Context, token *CancelToken) error {
	vas, err := r.accounts.ListActiveVirtualAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list active virtual accounts: %w", err)
	}
	if len(vas) == 0 {
		r.logger.Warn("no active virtual accounts")
		return nil
	}

	streams := make([]*MarketStream, 0, len(vas))
	for _, va := range vas {
		s, err := r.build(ctx, va)
		if err != nil {
			return fmt.Errorf("build stream for virtual account %d: %w", va.ID, err)
		}
		streams = append(streams, s)
	}

	var g errgroup.Group
	for _, s := range streams {
		g.Go(func() error {
			metrics.ActiveStreams.Inc()
			defer metrics.ActiveStreams.Dec()

			va := s.VirtualAccount()
			r.logger.Info("stream started", zap.Int64("virtual_account", va.ID))
			err := s.Run(ctx, token, func(t model.Topic) bool {
				if r.Observe != nil {
					r.Observe(va, t)
				}
				return true
			})
			if err != nil {
				return fmt.Errorf("virtual account %d: %w", va.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
