package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, s Store) {
	t.Helper()
	a, err := portfolio.NewAccount(1, 7, "bitflyer", "bitflyer", d(1000), []portfolio.VirtualAccount{
		{ID: 10, Product: "btcjpy", Periods: 60, AllocationRate: d(0.5), AllocatedMargin: d(500), Analyzers: []string{"always_buy"}, IsActive: true},
		{ID: 11, Product: "btcjpy", Periods: 60, AllocationRate: d(0.5), AllocatedMargin: d(500), Analyzers: []string{"empty"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(context.Background(), &a))
}

func ready(side model.AskOrBid) *model.TradePosition {
	return &model.TradePosition{
		Product:    "btcjpy",
		AskOrBid:   side,
		OrderType:  model.OrderTypeMarket,
		OrderPrice: d(100),
		OrderUnit:  d(1),
		Status:     model.StatusReady,
	}
}

func TestMemoryStore_Accounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	a, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	require.Len(t, a.VirtualAccounts, 2)
	assert.Equal(t, int64(1), a.VirtualAccounts[0].AccountID)
	assert.True(t, a.AllocatedMargin().Equal(d(1000)))

	accounts, err := s.ListAccounts(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	require.NoError(t, s.UpdateAccountMargin(ctx, 1, d(2000)))
	a, err = s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Margin.Equal(d(2000)))

	_, err = s.GetAccount(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	dup, err := portfolio.NewAccount(2, 7, "bitflyer", "bitflyer", d(1), []portfolio.VirtualAccount{{ID: 10}})
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreateAccount(ctx, &dup), ErrDuplicate)

	active, err := s.ListActiveVirtualAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(10), active[0].ID)
}

func TestMemoryStore_UpdateVirtualAccountKeepsPointer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	p := ready(model.Ask)
	require.NoError(t, s.BookPosition(ctx, 10, nil, p))

	va, err := s.GetVirtualAccount(ctx, 10)
	require.NoError(t, err)
	va.PositionID = nil
	va.Name = "renamed"
	require.NoError(t, s.UpdateVirtualAccount(ctx, va))

	va, err = s.GetVirtualAccount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "renamed", va.Name)
	require.NotNil(t, va.PositionID)
	assert.Equal(t, p.ID, *va.PositionID)
}

func TestMemoryStore_BookPosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	p := ready(model.Ask)
	require.NoError(t, s.BookPosition(ctx, 10, nil, p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, int64(10), p.VirtualAccountID)

	va, err := s.GetVirtualAccount(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, va.PositionID)
	assert.Equal(t, p.ID, *va.PositionID)

	// The pointer moved; a second booking expecting nil loses.
	err = s.BookPosition(ctx, 10, nil, ready(model.Ask))
	assert.ErrorIs(t, err, ErrConflict)

	readies, err := s.ListPositionsByStatus(ctx, model.StatusReady)
	require.NoError(t, err)
	assert.Len(t, readies, 1)

	invalid := ready(model.Ask)
	invalid.Status = model.StatusRequested
	assert.ErrorIs(t, s.BookPosition(ctx, 11, nil, invalid), model.ErrEmptyAPIData)
}

func TestMemoryStore_BookPositionConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.BookPosition(ctx, 10, nil, ready(model.Ask)) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_ReleasePosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	p := ready(model.Bid)
	require.NoError(t, s.BookPosition(ctx, 10, nil, p))

	p.Status = model.StatusCanceled
	require.NoError(t, s.ReleasePosition(ctx, p, nil))

	va, err := s.GetVirtualAccount(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, va.PositionID)

	got, err := s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
}

func TestMemoryStore_UpdatePositionValidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	p := ready(model.Ask)
	require.NoError(t, s.BookPosition(ctx, 10, nil, p))

	p.Status = model.StatusRequested
	assert.ErrorIs(t, s.UpdatePosition(ctx, p), model.ErrEmptyAPIData)

	p.APIData = model.APIData(`{"order_id":"x"}`)
	require.NoError(t, s.UpdatePosition(ctx, p))

	got, err := s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequested, got.Status)

	// Stored copies are independent of the caller's value.
	p.Reason = "mutated"
	got, err = s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Reason)
}

func TestMemoryStore_RecordTrade(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	p := ready(model.Ask)
	require.NoError(t, s.BookPosition(ctx, 10, nil, p))

	log := &model.TradeLog{
		ID:               "6f1c7a3e-6c52-4b83-9a43-2d1c0a2b9f10",
		VirtualAccountID: 10,
		EntryID:          p.ID,
		CounterID:        p.ID + 1,
		FactProfit:       d(98),
	}
	require.NoError(t, s.RecordTrade(ctx, log))
	// Settling the same counter again changes nothing.
	assert.ErrorIs(t, s.RecordTrade(ctx, log), ErrDuplicate)

	va, err := s.GetVirtualAccount(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, va.PositionID)
	assert.True(t, va.AllocatedMargin.Equal(d(598)), va.AllocatedMargin.String())

	logs, err := s.ListTradeLogs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// Profit ahead of physical margin is tolerated until checked explicitly.
	a, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	var over *portfolio.OverMarginError
	assert.ErrorAs(t, a.RaiseIfAllocatedOverMargin(), &over)
}

func TestMemoryStore_Bars(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var bars []model.Bar
	for i := 4; i >= 0; i-- {
		bars = append(bars, model.Bar{
			Provider: "cryptowatch", Market: "bitflyer", Product: "btcjpy", Periods: 60,
			CloseTime: base.Add(time.Duration(i) * time.Minute),
			Close:     d(float64(100 + i)),
		})
	}
	require.NoError(t, s.InsertBars(ctx, bars))
	// Upsert by close time.
	replacement := bars[0]
	replacement.Close = d(999)
	require.NoError(t, s.InsertBars(ctx, []model.Bar{replacement}))

	q := model.BarQuery{Provider: "cryptowatch", Market: "bitflyer", Product: "btcjpy", Periods: 60}
	all, err := s.ListBars(ctx, q)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].CloseTime.Before(all[i].CloseTime))
	}
	assert.True(t, all[4].Close.Equal(d(999)))

	q.To = base.Add(3 * time.Minute)
	q.Limit = 2
	recent, err := s.ListBars(ctx, q)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base.Add(2*time.Minute), recent[0].CloseTime)
	assert.Equal(t, base.Add(3*time.Minute), recent[1].CloseTime)

	q = model.BarQuery{Provider: "cryptowatch", Market: "bitflyer", Product: "ethjpy", Periods: 60}
	none, err := s.ListBars(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, none)
}
