package dealer

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnet/trade-engine/internal/analyzer"
	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newDealer(t *testing.T, names ...string) *Dealer {
	t.Helper()
	va := portfolio.VirtualAccount{ID: 1, Analyzers: names}
	dl, err := New(va, analyzer.Builtin(nil), analyzer.PositionAnalyzers(), analyzer.Reducers(), nil)
	require.NoError(t, err)
	return dl
}

func topic() *model.Topic {
	return &model.Topic{Ticker: &model.Ticker{Price: d(100)}}
}

func TestDecision_AlwaysBuy(t *testing.T) {
	dl := newDealer(t, "always_buy")
	got, err := dl.Decision(context.Background(), topic(), dl.UpdateThinking(nil))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SignalBuy, got.BuyAndSell)
}

func TestDecision_NilTopic(t *testing.T) {
	dl := newDealer(t, "always_buy", "always_close")
	got, err := dl.Decision(context.Background(), nil, dl.UpdateThinking(nil))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecision_FirstWins(t *testing.T) {
	dl := newDealer(t, "empty", "always_close", "always_buy")
	got, err := dl.Decision(context.Background(), topic(), dl.UpdateThinking(nil))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SignalClose, got.BuyAndSell)
}

func TestDecision_OnlyTrivialMessages(t *testing.T) {
	repo := analyzer.Builtin(nil)
	repo.Register("notify", func(context.Context, *model.Topic) (*model.DealMessage, error) {
		return &model.DealMessage{BuyAndSell: model.SignalNotify}, nil
	})
	va := portfolio.VirtualAccount{ID: 1, Analyzers: []string{"empty", "notify"}}
	dl, err := New(va, repo, analyzer.PositionAnalyzers(), analyzer.Reducers(), nil)
	require.NoError(t, err)

	got, err := dl.Decision(context.Background(), topic(), dl.UpdateThinking(nil))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecision_AnalyzerError(t *testing.T) {
	boom := errors.New("boom")
	repo := analyzer.Repository{"broken": func(context.Context, *model.Topic) (*model.DealMessage, error) {
		return nil, boom
	}}
	va := portfolio.VirtualAccount{ID: 1, Analyzers: []string{"broken"}}
	dl, err := New(va, repo, analyzer.PositionAnalyzers(), analyzer.Reducers(), nil)
	require.NoError(t, err)

	_, err = dl.Decision(context.Background(), topic(), dl.UpdateThinking(nil))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

func TestUpdateThinking(t *testing.T) {
	dl := newDealer(t, "t_cross")
	limit := decimal.NewNullDecimal(d(110))
	loss := decimal.NewNullDecimal(d(90))
	entryID := int64(9)

	tests := []struct {
		name string
		pos  *model.TradePosition
		want []string
	}{
		{"no position", nil, []string{"t_cross"}},
		{"limit only", &model.TradePosition{Status: model.StatusContracted, LimitPrice: limit}, []string{"t_cross", "limit"}},
		{"loss only", &model.TradePosition{Status: model.StatusContracted, LossPrice: loss}, []string{"t_cross", "loss"}},
		{"both", &model.TradePosition{Status: model.StatusContracted, LimitPrice: limit, LossPrice: loss}, []string{"t_cross", "limit", "loss"}},
		{"canceled", &model.TradePosition{Status: model.StatusCanceled, LimitPrice: limit, LossPrice: loss}, []string{"t_cross"}},
		{"cancel requested", &model.TradePosition{Status: model.StatusCancelRequested, LimitPrice: limit}, []string{"t_cross"}},
		{"counter order", &model.TradePosition{Status: model.StatusRequested, EntryID: &entryID, LimitPrice: limit}, []string{"t_cross"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dl.UpdateThinking(tt.pos).Names())
		})
	}
}

func TestUpdateThinking_FreshEachTick(t *testing.T) {
	dl := newDealer(t, "always_buy")
	pos := &model.TradePosition{Status: model.StatusContracted, LimitPrice: decimal.NewNullDecimal(d(1))}

	first := dl.UpdateThinking(pos)
	second := dl.UpdateThinking(nil)

	assert.Len(t, first.PositionAnalyzers, 1)
	assert.Empty(t, second.PositionAnalyzers)
}

func TestDecision_LimitCloses(t *testing.T) {
	dl := newDealer(t, "empty")
	pos := &model.TradePosition{
		AskOrBid:   model.Ask,
		Status:     model.StatusContracted,
		LimitPrice: decimal.NewNullDecimal(d(100)),
	}
	tp := topic()
	tp.Position = pos

	got, err := dl.Decision(context.Background(), tp, dl.UpdateThinking(pos))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SignalClose, got.BuyAndSell)
}

func TestFilterDecisions(t *testing.T) {
	got := FilterDecisions([]*model.DealMessage{
		nil,
		{BuyAndSell: model.SignalNo},
		{BuyAndSell: model.SignalNotify},
		{BuyAndSell: model.SignalSell},
		{BuyAndSell: model.SignalConflict},
	})
	require.Len(t, got, 2)
	assert.Equal(t, model.SignalSell, got[0].BuyAndSell)
	assert.Equal(t, model.SignalConflict, got[1].BuyAndSell)
}

func TestNew_Validation(t *testing.T) {
	builtin := analyzer.Builtin(nil)
	pos := analyzer.PositionAnalyzers()
	reducers := analyzer.Reducers()

	_, err := New(portfolio.VirtualAccount{ID: 3, Analyzers: []string{"always_buy", "crystal_ball"}}, builtin, pos, reducers, nil)
	assert.ErrorIs(t, err, ErrUnknownAnalyzer)
	assert.Contains(t, err.Error(), "crystal_ball")

	_, err = New(portfolio.VirtualAccount{ID: 3, Analyzers: []string{"always_buy"}}, builtin, analyzer.Repository{}, reducers, nil)
	assert.ErrorIs(t, err, ErrMissingPositionAnalyzer)

	_, err = New(portfolio.VirtualAccount{ID: 3, Analyzers: []string{"always_buy"}, Reducer: "vote"}, builtin, pos, reducers, nil)
	assert.ErrorIs(t, err, ErrUnknownReducer)

	_, err = New(portfolio.VirtualAccount{ID: 3}, builtin, pos, reducers, nil)
	assert.ErrorIs(t, err, ErrNoAnalyzers)
}
