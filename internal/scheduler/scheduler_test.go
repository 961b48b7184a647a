package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnet/trade-engine/internal/model"
)

type fakeBars struct {
	bars  []model.Bar
	calls int
	query model.BarQuery
}

func (f *fakeBars) ListBars(_ context.Context, q model.BarQuery) ([]model.Bar, error) {
	f.calls++
	f.query = q
	return f.bars, nil
}

func TestValidatePeriods(t *testing.T) {
	valid := []int{1, 60, 3600, 86399, 86400, 172800}
	for _, p := range valid {
		assert.NoError(t, ValidatePeriods(p), "periods %d", p)
	}
	invalid := []int{0, -60, 86401, 90000, 129600}
	for _, p := range invalid {
		assert.ErrorIs(t, ValidatePeriods(p), ErrInvalidPeriods, "periods %d", p)
	}
}

func TestInterval(t *testing.T) {
	got, err := Interval(60)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got)

	got, err = Interval(2 * 86400)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, got)
}

func TestRealtime_StrictlyIncreasing(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the wall clock")
	}
	s, err := NewRealtime(1)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	first, err := s.Next(ctx)
	require.NoError(t, err)
	second, err := s.Next(ctx)
	require.NoError(t, err)

	assert.True(t, second.After(first))
	assert.GreaterOrEqual(t, second.Sub(first), time.Second-10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second-10*time.Millisecond)
	assert.Equal(t, time.UTC, first.Location())
}

func TestRealtime_Cancelled(t *testing.T) {
	s, err := NewRealtime(3600)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Checked before waiting too.
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealtime_InvalidPeriods(t *testing.T) {
	_, err := NewRealtime(100000)
	assert.ErrorIs(t, err, ErrInvalidPeriods)
}

func TestTest_SingleValue(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewTest(at)

	got, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, at, got)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReplay_AscendingNoWait(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeBars{bars: []model.Bar{
		{CloseTime: base.Add(2 * time.Minute)},
		{CloseTime: base},
		{CloseTime: base.Add(time.Minute)},
	}}
	s, err := NewReplay(src, model.BarQuery{Provider: "cryptowatch", Market: "bitflyer", Product: "btcjpy", Periods: 60})
	require.NoError(t, err)
	assert.Equal(t, 0, src.calls, "bars load lazily")

	start := time.Now()
	var got []time.Time
	for {
		ts, err := s.Next(context.Background())
		if errors.Is(err, ErrExhausted) {
			break
		}
		require.NoError(t, err)
		got = append(got, ts)
	}

	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)}, got)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, "btcjpy", src.query.Product)
}

func TestReplay_YieldsCloseTimes(t *testing.T) {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeBars{bars: []model.Bar{
		{OpenTime: open, CloseTime: open.Add(time.Minute)},
		{OpenTime: open.Add(time.Minute), CloseTime: open.Add(2 * time.Minute)},
	}}
	s, err := NewReplay(src, model.BarQuery{Periods: 60})
	require.NoError(t, err)

	first, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, open.Add(time.Minute), first, "the first tick is the first bar's close")

	last, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, open.Add(2*time.Minute), last)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory(KindRealtime, nil, "")
	require.NoError(t, err)
	assert.IsType(t, RealtimeFactory{}, f)

	f, err = NewFactory(KindCryptoWatch, &fakeBars{}, "cryptowatch")
	require.NoError(t, err)
	s, err := f.Scheduler(context.Background(), "bitflyer", "btcjpy", 3600)
	require.NoError(t, err)
	assert.IsType(t, &Replay{}, s)

	_, err = f.Scheduler(context.Background(), "bitflyer", "btcjpy", 5000000)
	assert.ErrorIs(t, err, ErrInvalidPeriods)

	_, err = NewFactory(KindCryptoWatch, nil, "")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = NewFactory("sundial", nil, "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestTestFactory(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s, err := TestFactory{At: at}.Scheduler(context.Background(), "m", "p", 60)
	require.NoError(t, err)
	got, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, at, got)
}
