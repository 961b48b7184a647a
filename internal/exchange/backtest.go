package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
)

// TickerSource resolves the market snapshot of a tick.
type TickerSource interface {
	Ticker(ctx context.Context, product string, periods int, at time.Time) (*model.Ticker, error)
}

// Backtest fills every order instantly at the close of the bar under the
// replay cursor. It is also the market-data source of a backtest: each
// Ticker call moves the cursor, so orders and topics always agree on price.
type Backtest struct {
	*Simulated
	source TickerSource

	mu     sync.Mutex
	cursor time.Time
	price  decimal.Decimal
}

// NewBacktest wraps source with a backtest exchange charging feeRate.
func NewBacktest(source TickerSource, feeRate decimal.Decimal) *Backtest {
	b := &Backtest{
		Simulated: NewSimulated("backtest", feeRate),
		source:    source,
	}
	b.Simulated.fillPrice = b.fill
	return b
}

// Ticker resolves the snapshot at at and moves the cursor to it. A nil ticker
// leaves the cursor where it was.
func (b *Backtest) Ticker(ctx context.Context, product string, periods int, at time.Time) (*model.Ticker, error) {
	t, err := b.source.Ticker(ctx, product, periods, at)
	if err != nil || t == nil {
		return t, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = t.Time
	b.price = t.Price
	if last, ok := t.Last(); ok {
		b.price = last.Close
	}
	return t, nil
}

// Cursor returns the time and price orders currently fill at.
func (b *Backtest) Cursor() (time.Time, decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor, b.price
}

func (b *Backtest) fill(o LocalOrder) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s before the first bar", ErrNoMarketPrice, o.Product)
	}
	return b.price, nil
}
