package analyzer

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
)

// Position analyzer names. A dealer requires both to be registered.
const (
	LimitName = "limit"
	LossName  = "loss"
)

// PositionAnalyzers returns the take-profit and stop-loss analyzers.
func PositionAnalyzers() Repository {
	r := Repository{}
	r.Register(LimitName, Limit)
	r.Register(LossName, Loss)
	return r
}

// Limit closes once the price reaches the take-profit: at or above it for a
// long (ask) entry, at or below it for a short (bid) entry.
func Limit(_ context.Context, topic *model.Topic) (*model.DealMessage, error) {
	pos, price, ok := guard(topic)
	if !ok || !pos.LimitPrice.Valid {
		return nil, nil
	}
	target := pos.LimitPrice.Decimal
	hit := price.GreaterThanOrEqual(target)
	if pos.AskOrBid == model.Bid {
		hit = price.LessThanOrEqual(target)
	}
	if !hit {
		return nil, nil
	}
	return closeAt(target, "limit"), nil
}

// Loss closes once the price reaches the stop: at or below it for a long
// entry, at or above it for a short entry.
func Loss(_ context.Context, topic *model.Topic) (*model.DealMessage, error) {
	pos, price, ok := guard(topic)
	if !ok || !pos.LossPrice.Valid {
		return nil, nil
	}
	target := pos.LossPrice.Decimal
	hit := price.LessThanOrEqual(target)
	if pos.AskOrBid == model.Bid {
		hit = price.GreaterThanOrEqual(target)
	}
	if !hit {
		return nil, nil
	}
	return closeAt(target, "loss"), nil
}

// guard yields the held entry position and the current price when both exist.
func guard(topic *model.Topic) (*model.TradePosition, decimal.Decimal, bool) {
	if topic == nil || topic.Position == nil || topic.Ticker == nil {
		return nil, decimal.Zero, false
	}
	pos := topic.Position
	if !pos.IsEntryOrder() || pos.Status != model.StatusContracted {
		return nil, decimal.Zero, false
	}
	return pos, topic.Ticker.Price, true
}

func closeAt(target decimal.Decimal, reason string) *model.DealMessage {
	m := message(model.SignalClose, reason)
	m.TargetPrice = decimal.NewNullDecimal(target)
	return m
}
