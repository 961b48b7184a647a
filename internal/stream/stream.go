// Package stream runs the per-virtual-account trading loop: each scheduler
// tick resolves the outstanding order, analyses the market and books the
// resulting decision.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magnet/trade-engine/internal/broker"
	"github.com/magnet/trade-engine/internal/dealer"
	"github.com/magnet/trade-engine/internal/metrics"
	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/notify"
	"github.com/magnet/trade-engine/internal/portfolio"
	"github.com/magnet/trade-engine/internal/scheduler"
)

// ErrRetryBudgetExhausted ends a stream after too many consecutive
// failures. It wraps the last failure.
var ErrRetryBudgetExhausted = errors.New("stream: retry budget exhausted")

// RetryPolicy is a flat retry budget of MaxFailures consecutive failures.
// Every failure before the last is followed by Backoff; the last ends the
// stream.
type RetryPolicy struct {
	MaxFailures int
	Backoff     time.Duration
}

// DefaultRetryPolicy allows 10 consecutive failures 10 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxFailures: 10, Backoff: 10 * time.Second}
}

// CancelToken stops streams between ticks. Cancelling never interrupts a
// tick in progress, only the wait for the next one.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel is safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

func (t *CancelToken) Canceled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// MarketStream is the trading loop of one virtual account.
type MarketStream struct {
	va        portfolio.VirtualAccount
	scheduler scheduler.Scheduler
	dealer    *dealer.Dealer
	broker    *broker.Broker
	notifier  notify.Notifier
	retry     RetryPolicy
	logger    *zap.Logger
}

// New builds the stream of the dealer's virtual account. A zero retry
// policy means DefaultRetryPolicy.
func New(
	sched scheduler.Scheduler,
	d *dealer.Dealer,
	b *broker.Broker,
	notifier notify.Notifier,
	retry RetryPolicy,
	logger *zap.Logger,
) *MarketStream {
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	va := d.VirtualAccount()
	return &MarketStream{
		va:        va,
		scheduler: sched,
		dealer:    d,
		broker:    b,
		notifier:  notifier,
		retry:     retry,
		logger:    logger.With(zap.Int64("virtual_account", va.ID), zap.String("product", va.Product)),
	}
}

// VirtualAccount returns the account the stream trades for.
func (s *MarketStream) VirtualAccount() portfolio.VirtualAccount {
	return s.va.Clone()
}

// Run drives the loop until the scheduler is exhausted, token is cancelled,
// or yield returns false; all three end with a nil error. Each tick's topic,
// with its decision attached, is passed to yield before the decision is
// booked.
//
// Failures to resolve the outstanding order or the tick's topic are retried
// after the policy's backoff; reaching the budget returns
// ErrRetryBudgetExhausted. An executed size mismatch at settlement is
// returned at once. Failures to book a decision are logged and the loop
// goes on.
func (s *MarketStream) Run(ctx context.Context, token *CancelToken, yield func(model.Topic) bool) error {
	if token == nil {
		token = NewCancelToken()
	}
	failures := 0
	fail := func(stage string, err error) error {
		failures++
		metrics.StreamFailures.WithLabelValues(stage).Inc()
		s.logger.Warn("tick failed",
			zap.String("stage", stage),
			zap.Int("failures", failures),
			zap.Int("max_failures", s.retry.MaxFailures),
			zap.Error(err))
		if failures >= s.retry.MaxFailures {
			err = fmt.Errorf("%w after %d failures: %w", ErrRetryBudgetExhausted, failures, err)
			s.failed(ctx, err)
			return err
		}
		return s.sleep(ctx, token, s.retry.Backoff)
	}

	for {
		if token.Canceled() {
			s.stopped(ctx, "canceled")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.broker.FetchOrderUntilComplete(ctx, s.va.ID); err != nil {
			if errors.Is(err, model.ErrExecutedSizeMismatch) {
				s.failed(ctx, err)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fail("fetch", err); err != nil {
				return err
			}
			continue
		}

		dt, err := s.next(ctx, token)
		switch {
		case errors.Is(err, scheduler.ErrExhausted):
			s.stopped(ctx, "schedule exhausted")
			return nil
		case err != nil && token.Canceled():
			continue
		case err != nil:
			return err
		}

		topic, err := s.broker.Topic(ctx, s.va, dt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fail("topic", err); err != nil {
				return err
			}
			continue
		}
		failures = 0
		if topic == nil {
			s.logger.Debug("no market data for tick", zap.Time("dt", dt))
			continue
		}

		thinking := s.dealer.UpdateThinking(topic.Position)
		decision, err := s.dealer.Decision(ctx, topic, thinking)
		if err != nil {
			metrics.StreamFailures.WithLabelValues("decision").Inc()
			s.logger.Error("analysis failed, skipping tick", zap.Time("dt", dt), zap.Error(err))
			continue
		}
		topic.Decision = decision
		if decision != nil {
			metrics.Decisions.WithLabelValues(decision.BuyAndSell.String()).Inc()
		}

		if !yield(topic.Copy()) {
			return nil
		}

		if decision != nil && decision.BuyAndSell.IsTrade() {
			if _, err := s.broker.Order(ctx, s.va, decision, topic); err != nil {
				metrics.StreamFailures.WithLabelValues("order").Inc()
				s.logger.Error("order failed",
					zap.Stringer("signal", decision.BuyAndSell),
					zap.Error(err))
			}
		}
	}
}

// next waits for the scheduler, giving up early when token is cancelled.
func (s *MarketStream) next(ctx context.Context, token *CancelToken) (time.Time, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return s.scheduler.Next(waitCtx)
}

func (s *MarketStream) sleep(ctx context.Context, token *CancelToken, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

func (s *MarketStream) failed(ctx context.Context, err error) {
	s.logger.Error("stream failed", zap.Error(err))
	s.send(ctx, notify.EventStreamFailed, err.Error())
}

func (s *MarketStream) stopped(ctx context.Context, reason string) {
	s.logger.Info("stream stopped", zap.String("reason", reason))
	s.send(ctx, notify.EventStreamStopped, reason)
}

func (s *MarketStream) send(ctx context.Context, t notify.EventType, msg string) {
	e := notify.Event{
		Type:             t,
		VirtualAccountID: s.va.ID,
		Product:          s.va.Product,
		Message:          msg,
		Time:             time.Now().UTC(),
	}
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.logger.Warn("notify failed", zap.String("event", string(t)), zap.Error(err))
	}
}

// Collect runs s and returns every yielded topic.
func Collect(ctx context.Context, s *MarketStream, token *CancelToken) ([]model.Topic, error) {
	var topics []model.Topic
	err := s.Run(ctx, token, func(t model.Topic) bool {
		topics = append(topics, t)
		return true
	})
	return topics, err
}
