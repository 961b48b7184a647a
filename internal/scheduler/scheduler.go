// Package scheduler produces the timestamps that drive a trading loop.
// A Scheduler is lazy and may be infinite; each one is consumed once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/magnet/trade-engine/internal/model"
)

const secondsPerDay = 86400

var (
	// ErrExhausted ends a finite schedule.
	ErrExhausted = errors.New("scheduler: exhausted")

	// ErrInvalidPeriods is returned for bar intervals that are neither
	// sub-day seconds nor whole days.
	ErrInvalidPeriods = errors.New("scheduler: periods must be below 86400 or a multiple of 86400")

	// ErrUnknownKind is returned by NewFactory for an unregistered kind.
	ErrUnknownKind = errors.New("scheduler: unknown kind")
)

// Scheduler yields the next tick. It returns ErrExhausted when the sequence
// ends and ctx.Err() when the wait is cancelled.
type Scheduler interface {
	Next(ctx context.Context) (time.Time, error)
}

// Factory builds the scheduler for one market/product/interval.
type Factory interface {
	Scheduler(ctx context.Context, market, product string, periods int) (Scheduler, error)
}

// ValidatePeriods checks the interval rule shared by every scheduler.
func ValidatePeriods(periods int) error {
	if periods <= 0 || (periods >= secondsPerDay && periods%secondsPerDay != 0) {
		return fmt.Errorf("%w: got %d", ErrInvalidPeriods, periods)
	}
	return nil
}

// Interval converts periods to a duration: seconds below one day, whole
// days otherwise.
func Interval(periods int) (time.Duration, error) {
	if err := ValidatePeriods(periods); err != nil {
		return 0, err
	}
	if periods < secondsPerDay {
		return time.Duration(periods) * time.Second, nil
	}
	return time.Duration(periods/secondsPerDay) * 24 * time.Hour, nil
}

// Realtime wakes every interval and yields the current UTC time.
type Realtime struct {
	interval time.Duration
	now      func() time.Time
}

// NewRealtime validates periods and returns a wall-clock scheduler.
func NewRealtime(periods int) (*Realtime, error) {
	interval, err := Interval(periods)
	if err != nil {
		return nil, err
	}
	return &Realtime{interval: interval, now: time.Now}, nil
}

func (s *Realtime) Next(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-timer.C:
		return s.now().UTC(), nil
	}
}

// Test yields one fixed timestamp immediately.
type Test struct {
	at   time.Time
	done bool
}

// NewTest returns a single-shot scheduler.
func NewTest(at time.Time) *Test {
	return &Test{at: at}
}

func (s *Test) Next(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if s.done {
		return time.Time{}, ErrExhausted
	}
	s.done = true
	return s.at, nil
}

// BarSource reads persisted OHLC bars.
type BarSource interface {
	ListBars(ctx context.Context, q model.BarQuery) ([]model.Bar, error)
}

// Replay yields the close times of stored bars in ascending order without
// waiting. Bars are loaded on the first call. A tick at a bar's close sees
// that bar in history queries bounded by To; a tick at its open would not.
type Replay struct {
	source BarSource
	query  model.BarQuery
	times  []time.Time
	loaded bool
	pos    int
}

// NewReplay validates the query interval and returns a history scheduler.
func NewReplay(source BarSource, q model.BarQuery) (*Replay, error) {
	if err := ValidatePeriods(q.Periods); err != nil {
		return nil, err
	}
	return &Replay{source: source, query: q}, nil
}

func (s *Replay) Next(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if !s.loaded {
		bars, err := s.source.ListBars(ctx, s.query)
		if err != nil {
			return time.Time{}, fmt.Errorf("load bars for %s/%s: %w", s.query.Market, s.query.Product, err)
		}
		s.times = make([]time.Time, 0, len(bars))
		for _, b := range bars {
			s.times = append(s.times, b.CloseTime)
		}
		sort.Slice(s.times, func(i, j int) bool { return s.times[i].Before(s.times[j]) })
		s.loaded = true
	}
	if s.pos >= len(s.times) {
		return time.Time{}, ErrExhausted
	}
	t := s.times[s.pos]
	s.pos++
	return t, nil
}

// RealtimeFactory builds Realtime schedulers.
type RealtimeFactory struct{}

func (RealtimeFactory) Scheduler(_ context.Context, _, _ string, periods int) (Scheduler, error) {
	return NewRealtime(periods)
}

// TestFactory builds single-shot schedulers at At (now when zero).
type TestFactory struct {
	At time.Time
}

func (f TestFactory) Scheduler(_ context.Context, _, _ string, periods int) (Scheduler, error) {
	if err := ValidatePeriods(periods); err != nil {
		return nil, err
	}
	at := f.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return NewTest(at), nil
}

// ReplayFactory builds Replay schedulers over one provider's bars in [From, To].
type ReplayFactory struct {
	Source   BarSource
	Provider string
	From     time.Time
	To       time.Time
}

func (f ReplayFactory) Scheduler(_ context.Context, market, product string, periods int) (Scheduler, error) {
	return NewReplay(f.Source, model.BarQuery{
		Provider: f.Provider,
		Market:   market,
		Product:  product,
		Periods:  periods,
		From:     f.From,
		To:       f.To,
	})
}

// Scheduler kinds accepted by NewFactory.
const (
	KindRealtime    = "realtime"
	KindTest        = "test"
	KindCryptoWatch = "cryptowatch"
)

// NewFactory picks a factory by kind. source and provider are only used by
// the cryptowatch replay.
func NewFactory(kind string, source BarSource, provider string) (Factory, error) {
	switch kind {
	case KindRealtime, "":
		return RealtimeFactory{}, nil
	case KindTest:
		return TestFactory{}, nil
	case KindCryptoWatch:
		if source == nil {
			return nil, fmt.Errorf("%w: %s needs a bar source", ErrUnknownKind, kind)
		}
		return ReplayFactory{Source: source, Provider: provider}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}
