// Package marketdata resolves the market snapshot a tick is analysed on.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/indicator"
	"github.com/magnet/trade-engine/internal/model"
)

// Default indicator windows and lookback.
const (
	DefaultLookback   = 100
	DefaultShortCross = 5
	DefaultLongCross  = 25
)

// Source supplies the ticker at a timestamp. A nil ticker with a nil error
// means no data is available yet.
type Source interface {
	Ticker(ctx context.Context, product string, periods int, at time.Time) (*model.Ticker, error)
}

// BarReader reads persisted OHLC bars.
type BarReader interface {
	ListBars(ctx context.Context, q model.BarQuery) ([]model.Bar, error)
}

// History serves tickers from stored bars closed at or before the tick,
// annotated with the cross indicator.
type History struct {
	Bars     BarReader
	Provider string
	Market   string

	// Lookback bounds how many bars a ticker carries; zero means
	// DefaultLookback.
	Lookback int
	// Short and Long are the cross windows; zero means the defaults.
	Short, Long int
}

func (h *History) Ticker(ctx context.Context, product string, periods int, at time.Time) (*model.Ticker, error) {
	lookback := h.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	bars, err := h.Bars.ListBars(ctx, model.BarQuery{
		Provider: h.Provider,
		Market:   h.Market,
		Product:  product,
		Periods:  periods,
		To:       at,
		Limit:    lookback,
	})
	if err != nil {
		return nil, fmt.Errorf("list bars %s/%s/%s: %w", h.Provider, h.Market, product, err)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	short, long := h.Short, h.Long
	if short <= 0 {
		short = DefaultShortCross
	}
	if long <= 0 {
		long = DefaultLongCross
	}
	bars, err = indicator.Cross(bars, short, long)
	if err != nil {
		return nil, err
	}

	last := bars[len(bars)-1]
	return &model.Ticker{
		Product: product,
		Price:   last.Close,
		Time:    last.CloseTime,
		Bars:    bars,
	}, nil
}

// PriceFetcher reads the last traded price from an exchange.
type PriceFetcher interface {
	Price(ctx context.Context, product string) (decimal.Decimal, error)
}

// Live combines stored history with the exchange's current price. The ticker
// is stamped with the tick time even when history lags behind it.
type Live struct {
	History *History
	Prices  PriceFetcher
}

func (l *Live) Ticker(ctx context.Context, product string, periods int, at time.Time) (*model.Ticker, error) {
	price, err := l.Prices.Price(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("fetch price %s: %w", product, err)
	}

	t := &model.Ticker{Product: product}
	if l.History != nil {
		hist, err := l.History.Ticker(ctx, product, periods, at)
		if err != nil {
			return nil, err
		}
		if hist != nil {
			t = hist
		}
	}
	t.Price = price
	t.Time = at
	return t, nil
}
