// Package analyzer holds the named signal functions a dealer consults every
// tick, and the reducers that turn their output into one decision.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/magnet/trade-engine/internal/model"
)

// ErrUnhandledValue is returned when an indicator carries a value the
// analyzer has no rule for.
var ErrUnhandledValue = errors.New("analyzer: unhandled indicator value")

// Analyzer inspects a topic and returns a message, or nil for no opinion.
type Analyzer func(ctx context.Context, topic *model.Topic) (*model.DealMessage, error)

// Reducer picks one decision from the filtered messages of a tick. It
// returns nil when msgs is empty.
type Reducer func(msgs []model.DealMessage) *model.DealMessage

// Repository is a name to analyzer table. It is built once at startup and
// read-only afterwards.
type Repository map[string]Analyzer

// Register adds fn under name, replacing any previous entry.
func (r Repository) Register(name string, fn Analyzer) {
	r[name] = fn
}

// Lookup returns the analyzer registered under name.
func (r Repository) Lookup(name string) (Analyzer, bool) {
	fn, ok := r[name]
	return fn, ok
}

// Names lists the registered names in sorted order.
func (r Repository) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new repository with the entries of r and others; later
// entries win.
func Merge(repos ...Repository) Repository {
	out := Repository{}
	for _, r := range repos {
		for name, fn := range r {
			out[name] = fn
		}
	}
	return out
}

// First is the default reducer: the first message wins.
func First(msgs []model.DealMessage) *model.DealMessage {
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[0]
	return &m
}

// Reducers returns the reducer table keyed by name.
func Reducers() map[string]Reducer {
	return map[string]Reducer{
		"first": First,
	}
}

func message(signal model.BuyAndSellSignal, reason string) *model.DealMessage {
	return &model.DealMessage{BuyAndSell: signal, Reason: reason}
}

func unhandled(name string, v fmt.Stringer) error {
	return fmt.Errorf("%w: %s=%s", ErrUnhandledValue, name, v)
}
