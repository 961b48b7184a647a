// Package indicator annotates OHLC bars with derived series.
package indicator

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
)

// CrossKey is the indicator written by Cross.
const CrossKey = "t_cross"

var ErrInvalidWindow = errors.New("indicator: windows must satisfy 0 < short < long")

var (
	golden = decimal.NewFromInt(1)
	dead   = decimal.NewFromInt(-1)
)

// Cross returns a copy of bars with Indicators[CrossKey] set on every bar:
// 1 where the short SMA of closes crosses above the long SMA, -1 where it
// crosses below, 0 otherwise or when there is not enough history.
func Cross(bars []model.Bar, short, long int) ([]model.Bar, error) {
	if short <= 0 || long <= short {
		return nil, ErrInvalidWindow
	}
	out := make([]model.Bar, len(bars))
	for i, b := range bars {
		b.Indicators = cloneIndicators(b.Indicators)
		b.Indicators[CrossKey] = decimal.Zero
		out[i] = b
	}
	for i := long; i < len(bars); i++ {
		shortMA := sma(bars, short, i)
		longMA := sma(bars, long, i)
		prevShort := sma(bars, short, i-1)
		prevLong := sma(bars, long, i-1)

		switch {
		case prevShort.LessThanOrEqual(prevLong) && shortMA.GreaterThan(longMA):
			out[i].Indicators[CrossKey] = golden
		case prevShort.GreaterThanOrEqual(prevLong) && shortMA.LessThan(longMA):
			out[i].Indicators[CrossKey] = dead
		}
	}
	return out, nil
}

// sma averages the closes of the period bars ending at index end.
func sma(bars []model.Bar, period, end int) decimal.Decimal {
	sum := decimal.Zero
	for i := end - period + 1; i <= end; i++ {
		sum = sum.Add(bars[i].Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

func cloneIndicators(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	c := make(map[string]decimal.Decimal, len(m)+1)
	for k, v := range m {
		c[k] = v
	}
	return c
}
