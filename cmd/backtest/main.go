// Command backtest replays stored bars through the bots of a bot file and
// prints each virtual account's trade log summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/magnet/trade-engine/internal/analyzer"
	"github.com/magnet/trade-engine/internal/api"
	"github.com/magnet/trade-engine/internal/broker"
	"github.com/magnet/trade-engine/internal/config"
	"github.com/magnet/trade-engine/internal/exchange"
	"github.com/magnet/trade-engine/internal/logging"
	"github.com/magnet/trade-engine/internal/marketdata"
	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
	"github.com/magnet/trade-engine/internal/scheduler"
	"github.com/magnet/trade-engine/internal/store"
	"github.com/magnet/trade-engine/internal/stream"
)

type options struct {
	Bots        string
	BarsFile    string
	DatabaseURL string
	Provider    string
	From, To    time.Time
	Fee         decimal.Decimal
	Lookback    int
	Short, Long int
	LogLevel    string
}

func main() {
	var (
		opts          options
		from, to, fee string
	)
	flag.StringVar(&opts.Bots, "bots", "bots.yaml", "bot definition file")
	flag.StringVar(&opts.BarsFile, "bars", "", "JSON file of bars to replay")
	flag.StringVar(&opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "read bars from PostgreSQL instead of -bars")
	flag.StringVar(&opts.Provider, "provider", "bitflyer", "bar provider")
	flag.StringVar(&from, "from", "", "first bar close time (RFC3339)")
	flag.StringVar(&to, "to", "", "last bar close time (RFC3339)")
	flag.StringVar(&fee, "fee", "0", "commission rate")
	flag.IntVar(&opts.Lookback, "lookback", marketdata.DefaultLookback, "bars per ticker")
	flag.IntVar(&opts.Short, "short", marketdata.DefaultShortCross, "short cross window")
	flag.IntVar(&opts.Long, "long", marketdata.DefaultLongCross, "long cross window")
	flag.StringVar(&opts.LogLevel, "log-level", "warn", "log level")
	flag.Parse()

	var err error
	if opts.From, err = parseTime(from); err != nil {
		fatal("-from", err)
	}
	if opts.To, err = parseTime(to); err != nil {
		fatal("-to", err)
	}
	if opts.Fee, err = decimal.NewFromString(fee); err != nil {
		fatal("-fee", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, os.Stdout); err != nil {
		fatal("backtest", err)
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func run(ctx context.Context, opts options, out io.Writer) error {
	logger, err := logging.Build(opts.LogLevel, "")
	if err != nil {
		return err
	}
	defer logger.Sync()

	p, err := config.LoadBots(opts.Bots)
	if err != nil {
		return err
	}
	st := store.NewMemoryStore()
	for i := range p.Accounts {
		if err := st.CreateAccount(ctx, &p.Accounts[i]); err != nil {
			return err
		}
	}

	bars, closeBars, err := barSource(ctx, opts, st)
	if err != nil {
		return err
	}
	defer closeBars()

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "va\tname\tproduct\ttrades\twins\tcommission\tfact_profit\tmargin\t")
	for _, va := range p.VirtualAccounts() {
		if !va.IsActive {
			continue
		}
		if err := replay(ctx, opts, st, bars, va, logger); err != nil {
			return fmt.Errorf("virtual account %d: %w", va.ID, err)
		}
		logs, err := st.ListTradeLogs(ctx, va.ID)
		if err != nil {
			return err
		}
		final, err := st.GetVirtualAccount(ctx, va.ID)
		if err != nil {
			return err
		}
		sum := api.Summarize(va.ID, logs)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\t\n",
			va.ID, va.Name, va.Product, sum.Count, sum.Wins,
			sum.Commission, sum.FactProfit, final.AllocatedMargin)
	}
	return tw.Flush()
}

// barSource loads the bars file into st, or connects to PostgreSQL.
func barSource(ctx context.Context, opts options, st *store.MemoryStore) (store.Store, func(), error) {
	if opts.BarsFile != "" {
		data, err := os.ReadFile(opts.BarsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read bars: %w", err)
		}
		var bars []model.Bar
		if err := json.Unmarshal(data, &bars); err != nil {
			return nil, nil, fmt.Errorf("decode bars: %w", err)
		}
		if err := st.InsertBars(ctx, bars); err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}
	if opts.DatabaseURL == "" {
		return nil, nil, errors.New("one of -bars or -database-url is required")
	}
	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// replay runs one virtual account to the end of its bars on a private
// backtest exchange.
func replay(ctx context.Context, opts options, st, bars store.Store, va portfolio.VirtualAccount, logger *zap.Logger) error {
	schedulers := scheduler.ReplayFactory{
		Source:   bars,
		Provider: opts.Provider,
		From:     opts.From,
		To:       opts.To,
	}
	brokers := func(_ context.Context, a portfolio.Account) (*broker.Broker, error) {
		history := &marketdata.History{
			Bars:     bars,
			Provider: opts.Provider,
			Market:   a.Market,
			Lookback: opts.Lookback,
			Short:    opts.Short,
			Long:     opts.Long,
		}
		bt := exchange.NewBacktest(history, opts.Fee)
		return broker.New(st, bt, bt, nil, broker.Config{PollInterval: time.Millisecond}, logger)
	}
	factory := &stream.Factory{
		Store:             st,
		Schedulers:        schedulers,
		Analyzers:         analyzer.Builtin(nil),
		PositionAnalyzers: analyzer.PositionAnalyzers(),
		Reducers:          analyzer.Reducers(),
		Brokers:           brokers,
		Retry:             stream.RetryPolicy{MaxFailures: 0, Backoff: time.Millisecond},
		Logger:            logger,
	}
	s, err := factory.Build(ctx, va)
	if err != nil {
		return err
	}
	topics, err := stream.Collect(ctx, s, nil)
	logger.Info("replay finished", zap.Int64("virtual_account", va.ID), zap.Int("ticks", len(topics)))
	return err
}
