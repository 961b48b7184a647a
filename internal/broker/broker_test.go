package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnet/trade-engine/internal/broker"
	"github.com/magnet/trade-engine/internal/exchange"
	"github.com/magnet/trade-engine/internal/metrics"
	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/notify"
	"github.com/magnet/trade-engine/internal/portfolio"
	"github.com/magnet/trade-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const vaID = 10

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type env struct {
	broker *broker.Broker
	store  *store.MemoryStore
	ex     *exchange.Simulated
	events *recorder
	va     portfolio.VirtualAccount
}

func newEnv(t *testing.T, cfg broker.Config) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	a, err := portfolio.NewAccount(1, 1, "sim", "spot", d(1000), []portfolio.VirtualAccount{{
		ID:             vaID,
		Product:        "btcjpy",
		Periods:        60,
		AllocationRate: d(0.5),
		Analyzers:      []string{"always_buy"},
		AskLimitRate:   decimal.NewNullDecimal(d(1.1)),
		AskLossRate:    decimal.NewNullDecimal(d(0.9)),
		IsActive:       true,
	}})
	require.NoError(t, err)
	a = a.Reallocation()
	require.NoError(t, ms.CreateAccount(context.Background(), &a))

	ex := exchange.NewSimulated("sim", decimal.Zero)
	rec := &recorder{}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	b, err := broker.New(ms, ex, nil, rec, cfg, nil)
	require.NoError(t, err)

	va, _ := a.VirtualAccount(vaID)
	return &env{broker: b, store: ms, ex: ex, events: rec, va: va}
}

func topicAt(price float64) *model.Topic {
	return &model.Topic{Ticker: &model.Ticker{Product: "btcjpy", Price: d(price)}}
}

func signal(s model.BuyAndSellSignal) *model.DealMessage {
	return &model.DealMessage{BuyAndSell: s, Reason: "test"}
}

func (e *env) pointer(t *testing.T) *int64 {
	t.Helper()
	va, err := e.store.GetVirtualAccount(context.Background(), vaID)
	require.NoError(t, err)
	return va.PositionID
}

func (e *env) enter(t *testing.T, price float64) *model.TradePosition {
	t.Helper()
	ctx := context.Background()
	p, err := e.broker.Order(ctx, e.va, signal(model.SignalBuy), topicAt(price))
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, e.broker.FetchOrderUntilComplete(ctx, vaID))
	p, err = e.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusContracted, p.Status)
	return p
}

func TestBookOrder_SizesEntryAndPointsAccount(t *testing.T) {
	e := newEnv(t, broker.Config{})

	p, err := e.broker.BookOrder(context.Background(), e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, model.StatusReady, p.Status)
	assert.Equal(t, model.Ask, p.AskOrBid)
	assert.True(t, p.OrderUnit.Equal(d(5)), "500 budget at 100 buys 5, got %s", p.OrderUnit)
	assert.True(t, p.IsEntryOrder())
	require.NotNil(t, e.pointer(t))
	assert.Equal(t, p.ID, *e.pointer(t))
	assert.Zero(t, e.ex.Calls(exchange.OpOrder), "booking must not touch the exchange")
}

func TestBookOrder_NoOps(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()

	p, err := e.broker.BookOrder(ctx, e.va, nil, topicAt(100))
	assert.NoError(t, err)
	assert.Nil(t, p)

	p, err = e.broker.BookOrder(ctx, e.va, signal(model.SignalClose), topicAt(100))
	assert.NoError(t, err)
	assert.Nil(t, p, "CLOSE with nothing held")

	small := e.va
	small.MinUnit = d(10)
	require.NoError(t, e.store.UpdateVirtualAccount(ctx, &small))
	p, err = e.broker.BookOrder(ctx, small, signal(model.SignalBuy), topicAt(100))
	assert.NoError(t, err)
	assert.Nil(t, p, "budget too small for one unit")
	require.NoError(t, e.store.UpdateVirtualAccount(ctx, &e.va))

	pending, err := e.broker.BookOrder(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)
	p, err = e.broker.BookOrder(ctx, e.va, signal(model.SignalSell), topicAt(100))
	assert.NoError(t, err)
	assert.Nil(t, p, "order still in flight")
	_, err = e.broker.CancelOrder(ctx, pending)
	require.NoError(t, err)

	e.enter(t, 100)
	p, err = e.broker.BookOrder(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	assert.NoError(t, err)
	assert.Nil(t, p, "same side while holding")
}

func TestBookOrder_NoPrice(t *testing.T) {
	e := newEnv(t, broker.Config{})
	_, err := e.broker.BookOrder(context.Background(), e.va, signal(model.SignalBuy), &model.Topic{})
	assert.ErrorIs(t, err, broker.ErrNoPrice)
}

func TestOrder_EntryContractsWithLimitAndLoss(t *testing.T) {
	e := newEnv(t, broker.Config{})
	p := e.enter(t, 100)

	assert.True(t, p.ContractPrice.Decimal.Equal(d(100)))
	assert.True(t, p.ContractUnit.Decimal.Equal(d(5)))
	require.True(t, p.LimitPrice.Valid)
	require.True(t, p.LossPrice.Valid)
	assert.True(t, p.LimitPrice.Decimal.Equal(d(110)))
	assert.True(t, p.LossPrice.Decimal.Equal(d(90)))
	assert.Equal(t, p.ID, *e.pointer(t), "a contracted entry stays held")
	assert.Equal(t, []notify.EventType{
		notify.EventOrderBooked, notify.EventOrderRequested, notify.EventOrderContracted,
	}, e.events.types())
}

func TestOrder_CloseSettlesAndCreditsProfit(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	entry := e.enter(t, 100)

	counter, err := e.broker.Order(ctx, e.va, signal(model.SignalClose), topicAt(120))
	require.NoError(t, err)
	require.NotNil(t, counter)
	assert.Equal(t, model.Bid, counter.AskOrBid)
	assert.Equal(t, entry.ID, *counter.EntryID)
	assert.True(t, counter.OrderUnit.Equal(d(5)))

	require.NoError(t, e.broker.FetchOrderUntilComplete(ctx, vaID))

	logs, err := e.store.ListTradeLogs(ctx, vaID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].FactProfit.Equal(d(100)))
	assert.Equal(t, counter.ID, logs[0].CounterID)
	assert.Nil(t, e.pointer(t))

	va, err := e.store.GetVirtualAccount(ctx, vaID)
	require.NoError(t, err)
	assert.True(t, va.AllocatedMargin.Equal(d(600)))
}

func TestOrder_OppositeSignalCloses(t *testing.T) {
	e := newEnv(t, broker.Config{})
	e.enter(t, 100)

	counter, err := e.broker.BookOrder(context.Background(), e.va, signal(model.SignalSell), topicAt(100))
	require.NoError(t, err)
	require.NotNil(t, counter)
	assert.False(t, counter.IsEntryOrder())
}

func contracted(t *testing.T, ms *store.MemoryStore, p *model.TradePosition, price, size, commission float64) {
	t.Helper()
	p.Status = model.StatusContracted
	p.APIData = model.APIData(`{"order_id":"x"}`)
	p.ContractPrice = decimal.NewNullDecimal(d(price))
	p.ContractUnit = decimal.NewNullDecimal(d(size))
	p.Commission = d(commission)
	require.NoError(t, ms.UpdatePosition(context.Background(), p))
}

func bookPair(t *testing.T, e *env, entrySize, counterSize float64) *model.TradePosition {
	t.Helper()
	ctx := context.Background()
	entry := &model.TradePosition{
		Product: "btcjpy", AskOrBid: model.Ask, OrderType: model.OrderTypeMarket,
		OrderPrice: d(100), OrderUnit: d(entrySize), Status: model.StatusReady,
	}
	require.NoError(t, e.store.BookPosition(ctx, vaID, nil, entry))
	contracted(t, e.store, entry, 100, entrySize, 1)

	entryID := entry.ID
	counter := &model.TradePosition{
		Product: "btcjpy", AskOrBid: model.Bid, OrderType: model.OrderTypeMarket,
		OrderPrice: d(110), OrderUnit: d(counterSize), Status: model.StatusReady, EntryID: &entryID,
	}
	require.NoError(t, e.store.BookPosition(ctx, vaID, &entryID, counter))
	contracted(t, e.store, counter, 110, counterSize, 1)
	return counter
}

func realizedProfit(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.RealizedProfit.WithLabelValues("10").Write(&m))
	return m.GetGauge().GetValue()
}

func TestSettle_RealizedProfit(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	counter := bookPair(t, e, 10, 10)
	before := realizedProfit(t)

	l, err := e.broker.Settle(ctx, counter)
	require.NoError(t, err)
	assert.True(t, l.BuyPrice.Equal(d(100)))
	assert.True(t, l.SellPrice.Equal(d(110)))
	assert.True(t, l.Size.Equal(d(10)))
	assert.True(t, l.Profit.Equal(d(100)))
	assert.True(t, l.Commission.Equal(d(2)))
	assert.True(t, l.FactProfit.Equal(d(98)))
	assert.NotEmpty(t, l.ID)

	va, err := e.store.GetVirtualAccount(ctx, vaID)
	require.NoError(t, err)
	assert.Nil(t, va.PositionID)
	assert.True(t, va.AllocatedMargin.Equal(d(598)))

	_, err = e.broker.Settle(ctx, counter)
	require.NoError(t, err)
	logs, err := e.store.ListTradeLogs(ctx, vaID)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "settling twice records once")
	assert.InDelta(t, 98, realizedProfit(t)-before, 1e-9, "settling twice counts once")
}

func TestSettle_RealizedProfitAccumulates(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	before := realizedProfit(t)

	for range 2 {
		counter := bookPair(t, e, 10, 10)
		_, err := e.broker.Settle(ctx, counter)
		require.NoError(t, err)
	}
	assert.InDelta(t, 196, realizedProfit(t)-before, 1e-9)
}

func TestSettle_SizeMismatchIsFatal(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	counter := bookPair(t, e, 10, 9)

	_, err := e.broker.Settle(ctx, counter)
	assert.ErrorIs(t, err, model.ErrExecutedSizeMismatch)

	logs, err := e.store.ListTradeLogs(ctx, vaID)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Equal(t, counter.ID, *e.pointer(t))
}

func TestCancelOrder_ContractedIsNoop(t *testing.T) {
	e := newEnv(t, broker.Config{})
	p := e.enter(t, 100)

	got, err := e.broker.CancelOrder(context.Background(), p)
	assert.NoError(t, err)
	assert.Nil(t, got)

	stored, err := e.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusContracted, stored.Status)
}

func TestCancelOrder_Ready(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	p, err := e.broker.BookOrder(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)

	got, err := e.broker.CancelOrder(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.Nil(t, e.pointer(t))

	again, err := e.broker.CancelOrder(ctx, got)
	assert.NoError(t, err)
	assert.Nil(t, again)
}

func TestCancelOrder_RequestedThenCanceled(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	e.ex.SetPendingPolls(100)

	p, err := e.broker.Order(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)
	require.Equal(t, model.StatusRequested, p.Status)

	p, err = e.broker.CancelOrder(ctx, p)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelRequested, p.Status)

	p, err = e.broker.OrderCancelRequestedToCanceled(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, p.Status)
	assert.Nil(t, e.pointer(t))
}

func TestOrderReadyToRequested_Rejected(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	e.ex.RejectNext()

	p, err := e.broker.Order(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, p.Status)
	assert.False(t, p.APIData.IsEmpty())
	assert.Nil(t, e.pointer(t))
	assert.Contains(t, e.events.types(), notify.EventOrderCanceled)
}

type silentExchange struct {
	*exchange.Simulated
}

func (silentExchange) Order(context.Context, exchange.LocalOrder) (model.APIData, error) {
	return model.APIData("{}"), nil
}

func TestOrderReadyToRequested_EmptyAPIData(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	b, err := broker.New(e.store, silentExchange{exchange.NewSimulated("silent", decimal.Zero)}, nil, nil, broker.Config{}, nil)
	require.NoError(t, err)

	p, err := b.BookOrder(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)

	_, err = b.OrderReadyToRequested(ctx, p)
	assert.ErrorIs(t, err, model.ErrEmptyAPIData)

	stored, err := e.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, stored.Status)
}

func TestOrderRequestedToContracted_HonoursContext(t *testing.T) {
	e := newEnv(t, broker.Config{PollInterval: time.Hour})
	e.ex.SetPendingPolls(100)

	p, err := e.broker.Order(context.Background(), e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.broker.OrderRequestedToContracted(ctx, p)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOrderRequestedToContracted_PollsUntilFilled(t *testing.T) {
	e := newEnv(t, broker.Config{})
	e.ex.SetPendingPolls(3)

	p, err := e.broker.Order(context.Background(), e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)

	p, err = e.broker.OrderRequestedToContracted(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusContracted, p.Status)
	assert.Equal(t, 4, e.ex.Calls(exchange.OpFetch))
}

func TestFetchOrderUntilComplete_ResumesStaleReady(t *testing.T) {
	e := newEnv(t, broker.Config{StaleReady: broker.StaleResume})
	ctx := context.Background()

	// Crash between booking and submitting.
	p, err := e.broker.BookOrder(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)

	stale, err := e.broker.StaleReady(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, p.ID, stale[0].ID)

	require.NoError(t, e.broker.FetchOrderUntilComplete(ctx, vaID))
	assert.Equal(t, 1, e.ex.Calls(exchange.OpOrder))

	stored, err := e.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusContracted, stored.Status)
}

func TestFetchOrderUntilComplete_DiscardsStaleReady(t *testing.T) {
	e := newEnv(t, broker.Config{StaleReady: broker.StaleDiscard})
	ctx := context.Background()

	p, err := e.broker.BookOrder(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)

	require.NoError(t, e.broker.FetchOrderUntilComplete(ctx, vaID))
	assert.Zero(t, e.ex.Calls(exchange.OpOrder))
	assert.Nil(t, e.pointer(t))

	stored, err := e.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, stored.Status)
}

func TestFetchOrderUntilComplete_Idle(t *testing.T) {
	e := newEnv(t, broker.Config{})
	assert.NoError(t, e.broker.FetchOrderUntilComplete(context.Background(), vaID))
}

func TestFetchOrderUntilComplete_ExchangeFailure(t *testing.T) {
	e := newEnv(t, broker.Config{})
	ctx := context.Background()
	_, err := e.broker.Order(ctx, e.va, signal(model.SignalBuy), topicAt(100))
	require.NoError(t, err)

	e.ex.FailNext(exchange.OpFetch, 1)
	assert.ErrorIs(t, e.broker.FetchOrderUntilComplete(ctx, vaID), exchange.ErrInjected)
	assert.NoError(t, e.broker.FetchOrderUntilComplete(ctx, vaID))
}

func TestNew_UnknownPolicy(t *testing.T) {
	_, err := broker.New(store.NewMemoryStore(), exchange.NewSimulated("sim", decimal.Zero), nil, nil,
		broker.Config{StaleReady: "retry"}, nil)
	assert.ErrorIs(t, err, broker.ErrUnknownPolicy)
}
