// Package dealer turns the analyzers configured on a virtual account into one
// decision per tick.
package dealer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/magnet/trade-engine/internal/analyzer"
	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
)

var (
	ErrUnknownAnalyzer         = errors.New("dealer: unknown analyzer")
	ErrMissingPositionAnalyzer = errors.New("dealer: limit and loss analyzers must be registered")
	ErrUnknownReducer          = errors.New("dealer: unknown reducer")
	ErrNoAnalyzers             = errors.New("dealer: no analyzers configured")
)

// Named is an analyzer with the name it was looked up by.
type Named struct {
	Name string
	Fn   analyzer.Analyzer
}

// Thinking is the analyzer set for one tick. It is rebuilt by UpdateThinking
// every tick and never mutated afterwards.
type Thinking struct {
	Analyzers         []Named
	PositionAnalyzers []Named
}

// Names lists every analyzer of the tick, position analyzers last.
func (t Thinking) Names() []string {
	names := make([]string, 0, len(t.Analyzers)+len(t.PositionAnalyzers))
	for _, a := range t.Analyzers {
		names = append(names, a.Name)
	}
	for _, a := range t.PositionAnalyzers {
		names = append(names, a.Name)
	}
	return names
}

// Analyze runs every analyzer against topic in order and collects their
// messages, nil entries included.
func (t Thinking) Analyze(ctx context.Context, topic *model.Topic) ([]*model.DealMessage, error) {
	out := make([]*model.DealMessage, 0, len(t.Analyzers)+len(t.PositionAnalyzers))
	for _, group := range [][]Named{t.Analyzers, t.PositionAnalyzers} {
		for _, a := range group {
			msg, err := a.Fn(ctx, topic)
			if err != nil {
				return nil, fmt.Errorf("analyzer %s: %w", a.Name, err)
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// FilterDecisions drops nil messages and those signalling NO or NOTIFY.
func FilterDecisions(msgs []*model.DealMessage) []model.DealMessage {
	var out []model.DealMessage
	for _, m := range msgs {
		if m == nil || m.BuyAndSell == model.SignalNo || m.BuyAndSell == model.SignalNotify {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// Dealer holds one virtual account's analyzer configuration.
type Dealer struct {
	va           portfolio.VirtualAccount
	analyzers    analyzer.Repository
	posAnalyzers analyzer.Repository
	reducer      analyzer.Reducer
	logger       *zap.Logger
}

// New builds a dealer and validates its configuration.
func New(
	va portfolio.VirtualAccount,
	analyzers, posAnalyzers analyzer.Repository,
	reducers map[string]analyzer.Reducer,
	logger *zap.Logger,
) (*Dealer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dealer{
		va:           va.Clone(),
		analyzers:    analyzers,
		posAnalyzers: posAnalyzers,
		reducer:      reducers[va.ReducerName()],
		logger:       logger.With(zap.Int64("virtual_account", va.ID)),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate rejects unknown analyzer names instead of skipping them.
func (d *Dealer) Validate() error {
	if len(d.va.Analyzers) == 0 {
		return fmt.Errorf("%w: virtual account %d", ErrNoAnalyzers, d.va.ID)
	}
	for _, name := range d.va.Analyzers {
		if _, ok := d.analyzers.Lookup(name); !ok {
			return fmt.Errorf("%w: %q (virtual account %d)", ErrUnknownAnalyzer, name, d.va.ID)
		}
	}
	for _, name := range []string{analyzer.LimitName, analyzer.LossName} {
		if _, ok := d.posAnalyzers.Lookup(name); !ok {
			return fmt.Errorf("%w: missing %q", ErrMissingPositionAnalyzer, name)
		}
	}
	if d.reducer == nil {
		return fmt.Errorf("%w: %q (virtual account %d)", ErrUnknownReducer, d.va.ReducerName(), d.va.ID)
	}
	return nil
}

// UpdateThinking builds the analyzer set for a tick holding position.
// Position analyzers only watch a live entry: limit when it has a limit
// price, loss when it has a loss price.
func (d *Dealer) UpdateThinking(position *model.TradePosition) Thinking {
	var t Thinking
	for _, name := range d.va.Analyzers {
		fn, _ := d.analyzers.Lookup(name)
		t.Analyzers = append(t.Analyzers, Named{Name: name, Fn: fn})
	}
	if position == nil || !position.IsEntryOrder() || position.Status < model.StatusReady {
		return t
	}
	if position.LimitPrice.Valid {
		fn, _ := d.posAnalyzers.Lookup(analyzer.LimitName)
		t.PositionAnalyzers = append(t.PositionAnalyzers, Named{Name: analyzer.LimitName, Fn: fn})
	}
	if position.LossPrice.Valid {
		fn, _ := d.posAnalyzers.Lookup(analyzer.LossName)
		t.PositionAnalyzers = append(t.PositionAnalyzers, Named{Name: analyzer.LossName, Fn: fn})
	}
	return t
}

// Decision analyses topic with thinking and reduces the result. A nil topic
// means no data this tick and yields no decision.
func (d *Dealer) Decision(ctx context.Context, topic *model.Topic, thinking Thinking) (*model.DealMessage, error) {
	if topic == nil {
		return nil, nil
	}
	msgs, err := thinking.Analyze(ctx, topic)
	if err != nil {
		return nil, err
	}
	filtered := FilterDecisions(msgs)
	if len(filtered) > 1 {
		d.logger.Debug("multiple decisions, reducing",
			zap.Int("count", len(filtered)),
			zap.String("reducer", d.va.ReducerName()))
	}
	return d.reducer(filtered), nil
}

// VirtualAccount returns the account the dealer was built for.
func (d *Dealer) VirtualAccount() portfolio.VirtualAccount {
	return d.va.Clone()
}
