package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrExecutedSizeMismatch means an entry and its counter order did not fill
// the same size. It signals corrupted bookkeeping and is never retried.
var ErrExecutedSizeMismatch = errors.New("model: entry and counter executed sizes differ")

// OrderResult is the fill summary of one order.
type OrderResult struct {
	AveragePrice    decimal.Decimal `json:"average_price"`
	ExecutedSize    decimal.Decimal `json:"executed_size"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	OtherCommission decimal.Decimal `json:"other_commission"`
}

// Merge combines two fills: the average price is weighted by size, sizes and
// commissions add up.
func (r OrderResult) Merge(o OrderResult) OrderResult {
	size := r.ExecutedSize.Add(o.ExecutedSize)
	avg := decimal.Zero
	if !size.IsZero() {
		avg = r.AveragePrice.Mul(r.ExecutedSize).
			Add(o.AveragePrice.Mul(o.ExecutedSize)).
			Div(size)
	}
	return OrderResult{
		AveragePrice:    avg,
		ExecutedSize:    size,
		TotalCommission: r.TotalCommission.Add(o.TotalCommission),
		OtherCommission: r.OtherCommission.Add(o.OtherCommission),
	}
}

// Commission is the total cost charged for the fill.
func (r OrderResult) Commission() decimal.Decimal {
	return r.TotalCommission.Add(r.OtherCommission)
}

// TradeResult pairs the buy and sell legs of a closed position.
type TradeResult struct {
	Side AskOrBid    `json:"side"` // side of the entry leg
	Buy  OrderResult `json:"buy"`
	Sell OrderResult `json:"sell"`
}

// NewTradeResult assigns entry and counter to the buy/sell legs according to
// the entry side.
func NewTradeResult(side AskOrBid, entry, counter OrderResult) (TradeResult, error) {
	tr := TradeResult{Side: side}
	switch side {
	case Ask:
		tr.Buy, tr.Sell = entry, counter
	case Bid:
		tr.Buy, tr.Sell = counter, entry
	default:
		return TradeResult{}, fmt.Errorf("%w: side %d", ErrInvalidPosition, int(side))
	}
	if !tr.Buy.ExecutedSize.Equal(tr.Sell.ExecutedSize) {
		return TradeResult{}, fmt.Errorf("%w: buy %s, sell %s",
			ErrExecutedSizeMismatch, tr.Buy.ExecutedSize, tr.Sell.ExecutedSize)
	}
	return tr, nil
}

// Size is the closed quantity.
func (t TradeResult) Size() decimal.Decimal {
	return t.Buy.ExecutedSize
}

// Profit is the gross price difference times size.
func (t TradeResult) Profit() decimal.Decimal {
	return t.Sell.AveragePrice.Sub(t.Buy.AveragePrice).Mul(t.Size())
}

// Commission sums every commission of both legs.
func (t TradeResult) Commission() decimal.Decimal {
	return t.Buy.Commission().Add(t.Sell.Commission())
}

// FactProfit is the realized profit after commissions.
func (t TradeResult) FactProfit() decimal.Decimal {
	return t.Profit().Sub(t.Commission())
}

// ProfitRate is FactProfit relative to the entry notional.
func (t TradeResult) ProfitRate() decimal.Decimal {
	entry := t.Buy
	if t.Side == Bid {
		entry = t.Sell
	}
	notional := entry.AveragePrice.Mul(entry.ExecutedSize)
	if notional.IsZero() {
		return decimal.Zero
	}
	return t.FactProfit().DivRound(notional, 8)
}

// TradeLog is the immutable settlement record of a closed position.
type TradeLog struct {
	ID               string          `json:"id" db:"id"`
	VirtualAccountID int64           `json:"virtual_account_id" db:"virtual_account_id"`
	EntryID          int64           `json:"entry_id" db:"entry_id"`
	CounterID        int64           `json:"counter_id" db:"counter_id"`
	Product          string          `json:"product" db:"product"`
	Side             AskOrBid        `json:"side" db:"side"`
	BuyPrice         decimal.Decimal `json:"buy_price" db:"buy_price"`
	SellPrice        decimal.Decimal `json:"sell_price" db:"sell_price"`
	Size             decimal.Decimal `json:"size" db:"size"`
	Commission       decimal.Decimal `json:"commission" db:"commission"`
	Profit           decimal.Decimal `json:"profit" db:"profit"`
	ProfitRate       decimal.Decimal `json:"profit_rate" db:"profit_rate"`
	FactProfit       decimal.Decimal `json:"fact_profit" db:"fact_profit"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt         time.Time       `json:"closed_at" db:"closed_at"`
}
