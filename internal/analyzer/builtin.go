package analyzer

import (
	"context"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/indicator"
	"github.com/magnet/trade-engine/internal/model"
)

// Builtin returns the signal analyzers. rng drives "random"; nil seeds a new
// source.
func Builtin(rng *rand.Rand) Repository {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	r := Repository{}
	r.Register("empty", Empty)
	r.Register("always_buy", AlwaysBuy)
	r.Register("always_close", AlwaysClose)
	r.Register("random", Random(rng))
	r.Register("t_cross", TCross)
	return r
}

// Empty never has an opinion.
func Empty(context.Context, *model.Topic) (*model.DealMessage, error) {
	return nil, nil
}

func AlwaysBuy(context.Context, *model.Topic) (*model.DealMessage, error) {
	return message(model.SignalBuy, "always_buy"), nil
}

func AlwaysClose(context.Context, *model.Topic) (*model.DealMessage, error) {
	return message(model.SignalClose, "always_close"), nil
}

// Random picks BUY, SELL or NO uniformly. Streams run concurrently, so the
// shared source is locked.
func Random(rng *rand.Rand) Analyzer {
	var mu sync.Mutex
	choices := [...]model.BuyAndSellSignal{model.SignalBuy, model.SignalSell, model.SignalNo}
	return func(context.Context, *model.Topic) (*model.DealMessage, error) {
		mu.Lock()
		n := rng.Intn(len(choices))
		mu.Unlock()
		return message(choices[n], "random"), nil
	}
}

// TCross follows the cross indicator of the previous (last closed) bar.
func TCross(_ context.Context, topic *model.Topic) (*model.DealMessage, error) {
	prev, ok := topic.Ticker.Prev()
	if !ok {
		return nil, nil
	}
	v, ok := prev.Indicators[indicator.CrossKey]
	if !ok {
		return nil, nil
	}
	switch {
	case v.Equal(decimal.NewFromInt(1)):
		return message(model.SignalBuy, "golden cross"), nil
	case v.Equal(decimal.NewFromInt(-1)):
		return message(model.SignalSell, "dead cross"), nil
	case v.IsZero():
		return message(model.SignalNo, "no cross"), nil
	}
	return nil, unhandled(indicator.CrossKey, v)
}
