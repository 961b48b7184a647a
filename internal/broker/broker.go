// Package broker drives trade positions through their lifecycle:
//
//	READY -> REQUESTED -> CONTRACTED -> settled (virtual account freed)
//	READY -> CANCELED
//	REQUESTED -> CANCEL_REQUESTED -> CANCELED
//
// The intent to trade (a READY position plus the virtual account pointer) is
// stored before the exchange is contacted, and completion is stored only
// after the exchange confirms it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/magnet/trade-engine/internal/exchange"
	"github.com/magnet/trade-engine/internal/marketdata"
	"github.com/magnet/trade-engine/internal/metrics"
	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/notify"
	"github.com/magnet/trade-engine/internal/portfolio"
	"github.com/magnet/trade-engine/internal/sizing"
	"github.com/magnet/trade-engine/internal/store"
)

// DefaultPollInterval is the delay between order status polls.
const DefaultPollInterval = 10 * time.Second

// priceTick is the precision limit and loss prices are floored to.
var priceTick = decimal.New(1, -8)

// StaleReadyPolicy decides what happens to a READY position found at the
// start of a tick, typically left behind by a crash between booking and
// submitting.
type StaleReadyPolicy string

const (
	// StaleResume submits the order.
	StaleResume StaleReadyPolicy = "resume"
	// StaleDiscard cancels it locally and frees the virtual account.
	StaleDiscard StaleReadyPolicy = "discard"
)

var (
	ErrInvalidTransition = errors.New("broker: invalid status transition")
	ErrNoPrice           = errors.New("broker: topic has no price")
	ErrUnknownPolicy     = errors.New("broker: unknown stale ready policy")
)

// Config tunes a Broker.
type Config struct {
	PollInterval time.Duration
	StaleReady   StaleReadyPolicy
}

// Broker coordinates the store and one exchange for every virtual account
// of an account.
type Broker struct {
	store    store.Store
	exchange exchange.Exchange
	source   marketdata.Source
	notifier notify.Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a broker. A nil notifier discards events.
func New(
	st store.Store,
	ex exchange.Exchange,
	source marketdata.Source,
	notifier notify.Notifier,
	cfg Config,
	logger *zap.Logger,
) (*Broker, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	switch cfg.StaleReady {
	case "":
		cfg.StaleReady = StaleResume
	case StaleResume, StaleDiscard:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.StaleReady)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		store:    st,
		exchange: ex,
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(zap.String("exchange", ex.Name())),
		now:      time.Now,
	}, nil
}

// Exchange returns the exchange orders are sent to.
func (b *Broker) Exchange() exchange.Exchange {
	return b.exchange
}

// Topic resolves the topic of tick dt for va, attaching the held position.
// It returns nil when the market data source has nothing for dt.
func (b *Broker) Topic(ctx context.Context, va portfolio.VirtualAccount, dt time.Time) (*model.Topic, error) {
	ticker, err := b.source.Ticker(ctx, va.Product, va.Periods, dt)
	if err != nil {
		return nil, err
	}
	if ticker == nil {
		return nil, nil
	}
	position, err := b.heldPosition(ctx, va.ID)
	if err != nil {
		return nil, err
	}
	return &model.Topic{
		CurrentDT: dt,
		TopicDT:   ticker.Time,
		Ticker:    ticker,
		Position:  position,
	}, nil
}

// heldPosition loads the position the virtual account currently points at.
func (b *Broker) heldPosition(ctx context.Context, vaID int64) (*model.TradePosition, error) {
	va, err := b.store.GetVirtualAccount(ctx, vaID)
	if err != nil {
		return nil, fmt.Errorf("get virtual account %d: %w", vaID, err)
	}
	if va.PositionID == nil {
		return nil, nil
	}
	p, err := b.store.GetPosition(ctx, *va.PositionID)
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", *va.PositionID, err)
	}
	return p, nil
}

// StaleReady lists every READY position. At startup these are orders whose
// submission may have been interrupted.
func (b *Broker) StaleReady(ctx context.Context) ([]model.TradePosition, error) {
	return b.store.ListPositionsByStatus(ctx, model.StatusReady)
}

// Order books decision and submits it.
func (b *Broker) Order(ctx context.Context, va portfolio.VirtualAccount, decision *model.DealMessage, topic *model.Topic) (*model.TradePosition, error) {
	p, err := b.BookOrder(ctx, va, decision, topic)
	if err != nil || p == nil {
		return nil, err
	}
	return b.OrderReadyToRequested(ctx, p)
}

// BookOrder turns decision into a READY position and points va at it.
//
// With no position held, BUY or SELL opens an entry sized to the virtual
// account's allocated margin. Holding a contracted entry, CLOSE or the
// opposite signal books a counter order for the contracted size. Everything
// else (same-side signals, CLOSE with nothing to close, an order still in
// flight, a zero size) books nothing and returns nil.
func (b *Broker) BookOrder(ctx context.Context, va portfolio.VirtualAccount, decision *model.DealMessage, topic *model.Topic) (*model.TradePosition, error) {
	if decision == nil || !decision.BuyAndSell.IsTrade() {
		return nil, nil
	}
	if topic == nil || topic.Ticker == nil || !topic.Ticker.Price.IsPositive() {
		return nil, fmt.Errorf("%w: virtual account %d", ErrNoPrice, va.ID)
	}
	price := topic.Ticker.Price

	current, err := b.store.GetVirtualAccount(ctx, va.ID)
	if err != nil {
		return nil, fmt.Errorf("get virtual account %d: %w", va.ID, err)
	}
	var held *model.TradePosition
	if current.PositionID != nil {
		if held, err = b.store.GetPosition(ctx, *current.PositionID); err != nil {
			return nil, fmt.Errorf("get position %d: %w", *current.PositionID, err)
		}
	}

	log := b.logger.With(
		zap.Int64("virtual_account", va.ID),
		zap.Stringer("signal", decision.BuyAndSell))

	var p *model.TradePosition
	if held == nil {
		p, err = entryOrder(current, decision, price)
		if err != nil || p == nil {
			return nil, err
		}
	} else {
		p = counterOrder(held, decision, price)
		if p == nil {
			log.Debug("decision ignored while holding a position",
				zap.Int64("position", held.ID),
				zap.Stringer("status", held.Status))
			return nil, nil
		}
	}

	if err := b.store.BookPosition(ctx, va.ID, current.PositionID, p); err != nil {
		return nil, fmt.Errorf("book position for virtual account %d: %w", va.ID, err)
	}
	log.Info("order booked",
		zap.Int64("position", p.ID),
		zap.Stringer("side", p.AskOrBid),
		zap.String("size", p.OrderUnit.String()),
		zap.Bool("entry", p.IsEntryOrder()))
	b.count(p, "booked")
	b.notify(ctx, notify.EventOrderBooked, p, "")
	return p, nil
}

func entryOrder(va *portfolio.VirtualAccount, decision *model.DealMessage, price decimal.Decimal) (*model.TradePosition, error) {
	side, ok := decision.BuyAndSell.Side()
	if !ok {
		return nil, nil
	}
	unit := va.MinUnit
	if !unit.IsPositive() {
		unit = sizing.InferMinUnit(price)
	}
	budget := va.AllocatedMargin
	if budget.IsNegative() {
		return nil, nil
	}
	size, err := sizing.CalcUnitAmount(budget, price, unit)
	if err != nil {
		return nil, fmt.Errorf("size order for virtual account %d: %w", va.ID, err)
	}
	if !size.IsPositive() {
		return nil, nil
	}
	return &model.TradePosition{
		VirtualAccountID: va.ID,
		Product:          va.Product,
		AskOrBid:         side,
		OrderType:        model.OrderTypeMarket,
		OrderPrice:       price,
		OrderUnit:        size,
		Status:           model.StatusReady,
		Reason:           decision.Reason,
	}, nil
}

func counterOrder(held *model.TradePosition, decision *model.DealMessage, price decimal.Decimal) *model.TradePosition {
	if !held.IsEntryOrder() || held.Status != model.StatusContracted {
		return nil
	}
	if side, ok := decision.BuyAndSell.Side(); ok && side == held.AskOrBid {
		return nil
	}
	entryID := held.ID
	return &model.TradePosition{
		VirtualAccountID: held.VirtualAccountID,
		Product:          held.Product,
		AskOrBid:         held.AskOrBid.Opposite(),
		OrderType:        model.OrderTypeMarket,
		OrderPrice:       price,
		OrderUnit:        held.ContractUnit.Decimal,
		Status:           model.StatusReady,
		EntryID:          &entryID,
		Reason:           decision.Reason,
	}
}

// OrderReadyToRequested submits a READY position. A payload the exchange
// marks as rejected cancels the position and frees the virtual account; an
// empty payload is an error and leaves the position READY.
func (b *Broker) OrderReadyToRequested(ctx context.Context, p *model.TradePosition) (*model.TradePosition, error) {
	if p.Status != model.StatusReady {
		return nil, fmt.Errorf("%w: position %d is %s, want READY", ErrInvalidTransition, p.ID, p.Status)
	}
	local, err := b.exchange.LocalizeOrder(exchange.PreOrderFor(p))
	if err != nil {
		return nil, fmt.Errorf("localize position %d: %w", p.ID, err)
	}
	data, err := b.exchange.Order(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("submit position %d: %w", p.ID, err)
	}
	if data.IsEmpty() {
		return nil, fmt.Errorf("submit position %d: %w", p.ID, model.ErrEmptyAPIData)
	}

	next := p.Clone()
	next.APIData = data
	rejected, err := b.exchange.IsCanceled(data)
	if err != nil {
		return nil, fmt.Errorf("inspect order of position %d: %w", p.ID, err)
	}
	if rejected {
		next.Status = model.StatusCanceled
		if err := b.release(ctx, next); err != nil {
			return nil, err
		}
		b.logger.Warn("order rejected by exchange", zap.Int64("position", p.ID))
		b.count(next, "rejected")
		b.notify(ctx, notify.EventOrderCanceled, next, "rejected by exchange")
		return next, nil
	}

	next.Status = model.StatusRequested
	if err := b.store.UpdatePosition(ctx, next); err != nil {
		return nil, fmt.Errorf("update position %d: %w", p.ID, err)
	}
	b.count(next, "requested")
	b.notify(ctx, notify.EventOrderRequested, next, "")
	return next, nil
}

// OrderRequestedToContracted polls the exchange every PollInterval until the
// order fills or the exchange cancels it. An entry fill also sets the limit
// and loss prices from the virtual account's rates.
func (b *Broker) OrderRequestedToContracted(ctx context.Context, p *model.TradePosition) (*model.TradePosition, error) {
	if p.Status != model.StatusRequested {
		return nil, fmt.Errorf("%w: position %d is %s, want REQUESTED", ErrInvalidTransition, p.ID, p.Status)
	}
	return b.poll(ctx, p)
}

// OrderCancelRequestedToCanceled polls a cancel request until the exchange
// confirms it. An order that filled before the cancel landed ends
// CONTRACTED.
func (b *Broker) OrderCancelRequestedToCanceled(ctx context.Context, p *model.TradePosition) (*model.TradePosition, error) {
	if p.Status != model.StatusCancelRequested {
		return nil, fmt.Errorf("%w: position %d is %s, want CANCEL_REQUESTED", ErrInvalidTransition, p.ID, p.Status)
	}
	return b.poll(ctx, p)
}

func (b *Broker) poll(ctx context.Context, p *model.TradePosition) (*model.TradePosition, error) {
	for {
		status, err := b.exchange.FetchOrderStatus(ctx, p.APIData)
		if err != nil {
			return nil, fmt.Errorf("fetch status of position %d: %w", p.ID, err)
		}
		done, err := b.exchange.IsCompleted(status)
		if err != nil {
			return nil, fmt.Errorf("inspect status of position %d: %w", p.ID, err)
		}
		if done {
			return b.contract(ctx, p, status)
		}
		canceled, err := b.exchange.IsCanceled(status)
		if err != nil {
			return nil, fmt.Errorf("inspect status of position %d: %w", p.ID, err)
		}
		if canceled {
			next := p.Clone()
			next.Status = model.StatusCanceled
			next.APIData = status
			if err := b.release(ctx, next); err != nil {
				return nil, err
			}
			b.count(next, "canceled")
			b.notify(ctx, notify.EventOrderCanceled, next, "")
			return next, nil
		}

		timer := time.NewTimer(b.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *Broker) contract(ctx context.Context, p *model.TradePosition, status model.APIData) (*model.TradePosition, error) {
	result, err := b.exchange.Finalize(status)
	if err != nil {
		return nil, fmt.Errorf("finalize position %d: %w", p.ID, err)
	}
	next := p.Clone()
	next.Status = model.StatusContracted
	next.APIData = status
	next.ContractPrice = decimal.NewNullDecimal(result.AveragePrice)
	next.ContractUnit = decimal.NewNullDecimal(result.ExecutedSize)
	next.Commission = result.TotalCommission
	next.OtherCommission = result.OtherCommission

	if next.IsEntryOrder() {
		va, err := b.store.GetVirtualAccount(ctx, p.VirtualAccountID)
		if err != nil {
			return nil, fmt.Errorf("get virtual account %d: %w", p.VirtualAccountID, err)
		}
		next.LimitPrice = quantize(va.LimitPrice(next.AskOrBid, result.AveragePrice))
		next.LossPrice = quantize(va.LossPrice(next.AskOrBid, result.AveragePrice))
	}
	if err := b.store.UpdatePosition(ctx, next); err != nil {
		return nil, fmt.Errorf("update position %d: %w", p.ID, err)
	}

	if !p.UpdatedAt.IsZero() {
		metrics.OrderFillLatency.WithLabelValues(b.exchange.Name()).Observe(b.now().Sub(p.UpdatedAt).Seconds())
	}
	b.logger.Info("order contracted",
		zap.Int64("position", p.ID),
		zap.String("price", result.AveragePrice.String()),
		zap.String("size", result.ExecutedSize.String()))
	b.count(next, "contracted")
	b.notify(ctx, notify.EventOrderContracted, next, "")
	return next, nil
}

// CancelOrder cancels p. It is idempotent: a position already contracted,
// canceled or being canceled yields nil, as does an exchange reporting
// nothing left to cancel.
func (b *Broker) CancelOrder(ctx context.Context, p *model.TradePosition) (*model.TradePosition, error) {
	switch p.Status {
	case model.StatusContracted, model.StatusCanceled, model.StatusCancelRequested:
		return nil, nil

	case model.StatusReady:
		next := p.Clone()
		next.Status = model.StatusCanceled
		if err := b.release(ctx, next); err != nil {
			return nil, err
		}
		b.count(next, "canceled")
		b.notify(ctx, notify.EventOrderCanceled, next, "canceled before submission")
		return next, nil

	case model.StatusRequested:
		data, err := b.exchange.OrderCancel(ctx, p.APIData)
		if err != nil {
			return nil, fmt.Errorf("cancel position %d: %w", p.ID, err)
		}
		if data.IsEmpty() {
			return nil, nil
		}
		next := p.Clone()
		next.Status = model.StatusCancelRequested
		if err := b.store.UpdatePosition(ctx, next); err != nil {
			return nil, fmt.Errorf("update position %d: %w", p.ID, err)
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: position %d has status %s", ErrInvalidTransition, p.ID, p.Status)
}

// FetchOrderUntilComplete resolves whatever vaID points at: a stale READY
// order per the configured policy, a REQUESTED or CANCEL_REQUESTED order by
// polling, and a contracted counter order by settling it.
func (b *Broker) FetchOrderUntilComplete(ctx context.Context, vaID int64) error {
	p, err := b.heldPosition(ctx, vaID)
	if err != nil || p == nil {
		return err
	}

	if p.Status == model.StatusReady {
		switch b.cfg.StaleReady {
		case StaleDiscard:
			b.logger.Warn("discarding stale ready order", zap.Int64("position", p.ID))
			_, err := b.CancelOrder(ctx, p)
			return err
		default:
			b.logger.Info("resuming stale ready order", zap.Int64("position", p.ID))
			if p, err = b.OrderReadyToRequested(ctx, p); err != nil {
				return err
			}
		}
	}

	switch p.Status {
	case model.StatusRequested:
		p, err = b.OrderRequestedToContracted(ctx, p)
	case model.StatusCancelRequested:
		p, err = b.OrderCancelRequestedToCanceled(ctx, p)
	case model.StatusCanceled:
		err = b.release(ctx, p)
	}
	if err != nil {
		return err
	}

	if p.Status == model.StatusContracted && !p.IsEntryOrder() {
		_, err = b.Settle(ctx, p)
	}
	return err
}

// Settle closes a contracted counter order against its entry: it writes the
// trade log, frees the virtual account and credits the realized profit to
// its allocated margin. An executed size mismatch between the legs is
// returned as model.ErrExecutedSizeMismatch and nothing is written.
func (b *Broker) Settle(ctx context.Context, counter *model.TradePosition) (*model.TradeLog, error) {
	if counter.IsEntryOrder() || counter.Status != model.StatusContracted {
		return nil, fmt.Errorf("%w: position %d is not a contracted counter order", ErrInvalidTransition, counter.ID)
	}
	entry, err := b.store.GetPosition(ctx, *counter.EntryID)
	if err != nil {
		return nil, fmt.Errorf("get entry position %d: %w", *counter.EntryID, err)
	}
	if entry.Status != model.StatusContracted {
		return nil, fmt.Errorf("%w: entry position %d is %s", ErrInvalidTransition, entry.ID, entry.Status)
	}

	tr, err := model.NewTradeResult(entry.AskOrBid, resultOf(entry), resultOf(counter))
	if err != nil {
		return nil, fmt.Errorf("settle position %d: %w", counter.ID, err)
	}
	l := &model.TradeLog{
		ID:               uuid.NewString(),
		VirtualAccountID: counter.VirtualAccountID,
		EntryID:          entry.ID,
		CounterID:        counter.ID,
		Product:          entry.Product,
		Side:             entry.AskOrBid,
		BuyPrice:         tr.Buy.AveragePrice,
		SellPrice:        tr.Sell.AveragePrice,
		Size:             tr.Size(),
		Commission:       tr.Commission(),
		Profit:           tr.Profit(),
		ProfitRate:       tr.ProfitRate(),
		FactProfit:       tr.FactProfit(),
		OpenedAt:         entry.UpdatedAt,
		ClosedAt:         b.now().UTC(),
	}
	err = b.store.RecordTrade(ctx, l)
	if errors.Is(err, store.ErrDuplicate) {
		b.logger.Debug("trade already settled", zap.Int64("counter", counter.ID))
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record trade of position %d: %w", counter.ID, err)
	}

	profit, _ := l.FactProfit.Float64()
	metrics.TradesSettled.WithLabelValues(l.Product).Inc()
	metrics.RealizedProfit.WithLabelValues(fmt.Sprint(l.VirtualAccountID)).Add(profit)
	b.logger.Info("trade settled",
		zap.Int64("virtual_account", l.VirtualAccountID),
		zap.Int64("entry", l.EntryID),
		zap.Int64("counter", l.CounterID),
		zap.String("fact_profit", l.FactProfit.String()))

	e := b.event(notify.EventTradeSettled, counter)
	e.Profit = l.FactProfit.String()
	b.send(ctx, e)
	return l, nil
}

func quantize(v decimal.NullDecimal) decimal.NullDecimal {
	if !v.Valid {
		return v
	}
	return decimal.NewNullDecimal(sizing.FloorToUnit(v.Decimal, priceTick))
}

func resultOf(p *model.TradePosition) model.OrderResult {
	return model.OrderResult{
		AveragePrice:    p.ContractPrice.Decimal,
		ExecutedSize:    p.ContractUnit.Decimal,
		TotalCommission: p.Commission,
		OtherCommission: p.OtherCommission,
	}
}

// release stores a canceled p and points the virtual account back at what it
// held before p was booked: nothing for an entry, the entry for a counter.
func (b *Broker) release(ctx context.Context, p *model.TradePosition) error {
	var pointer *int64
	if !p.IsEntryOrder() {
		id := *p.EntryID
		pointer = &id
	}
	if err := b.store.ReleasePosition(ctx, p, pointer); err != nil {
		return fmt.Errorf("release position %d: %w", p.ID, err)
	}
	return nil
}

func (b *Broker) count(p *model.TradePosition, status string) {
	metrics.OrdersTotal.WithLabelValues(b.exchange.Name(), p.AskOrBid.String(), status).Inc()
}

func (b *Broker) event(t notify.EventType, p *model.TradePosition) notify.Event {
	e := notify.Event{
		Type:             t,
		VirtualAccountID: p.VirtualAccountID,
		PositionID:       p.ID,
		Product:          p.Product,
		Side:             p.AskOrBid.String(),
		Price:            p.OrderPrice.String(),
		Size:             p.OrderUnit.String(),
		Time:             b.now().UTC(),
	}
	if p.ContractPrice.Valid {
		e.Price = p.ContractPrice.Decimal.String()
	}
	return e
}

func (b *Broker) notify(ctx context.Context, t notify.EventType, p *model.TradePosition, msg string) {
	e := b.event(t, p)
	e.Message = msg
	b.send(ctx, e)
}

func (b *Broker) send(ctx context.Context, e notify.Event) {
	if err := b.notifier.Notify(ctx, e); err != nil {
		b.logger.Warn("notify failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}
