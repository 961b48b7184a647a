package analyzer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnet/trade-engine/internal/model"
)

func heldTopic(side model.AskOrBid, price float64, limit, loss *float64) *model.Topic {
	pos := &model.TradePosition{
		ID:       1,
		AskOrBid: side,
		Status:   model.StatusContracted,
	}
	if limit != nil {
		pos.LimitPrice = decimal.NewNullDecimal(d(*limit))
	}
	if loss != nil {
		pos.LossPrice = decimal.NewNullDecimal(d(*loss))
	}
	return &model.Topic{
		Ticker:   &model.Ticker{Price: d(price)},
		Position: pos,
	}
}

func ptr(f float64) *float64 { return &f }

func TestLimit(t *testing.T) {
	tests := []struct {
		name  string
		side  model.AskOrBid
		price float64
		fires bool
	}{
		{"ask below limit", model.Ask, 109, false},
		{"ask at limit", model.Ask, 110, true},
		{"ask above limit", model.Ask, 111, true},
		{"bid above limit", model.Bid, 111, false},
		{"bid at limit", model.Bid, 110, true},
		{"bid below limit", model.Bid, 109, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Limit(context.Background(), heldTopic(tt.side, tt.price, ptr(110), nil))
			require.NoError(t, err)
			if !tt.fires {
				assert.Nil(t, msg)
				return
			}
			require.NotNil(t, msg)
			assert.Equal(t, model.SignalClose, msg.BuyAndSell)
			assert.True(t, msg.TargetPrice.Valid)
			assert.True(t, msg.TargetPrice.Decimal.Equal(d(110)))
		})
	}
}

func TestLoss(t *testing.T) {
	tests := []struct {
		name  string
		side  model.AskOrBid
		price float64
		fires bool
	}{
		{"ask above loss", model.Ask, 91, false},
		{"ask at loss", model.Ask, 90, true},
		{"ask below loss", model.Ask, 80, true},
		{"bid below loss", model.Bid, 89, false},
		{"bid at loss", model.Bid, 90, true},
		{"bid above loss", model.Bid, 95, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Loss(context.Background(), heldTopic(tt.side, tt.price, nil, ptr(90)))
			require.NoError(t, err)
			if !tt.fires {
				assert.Nil(t, msg)
				return
			}
			require.NotNil(t, msg)
			assert.Equal(t, model.SignalClose, msg.BuyAndSell)
			assert.True(t, msg.TargetPrice.Decimal.Equal(d(90)))
		})
	}
}

func TestPositionAnalyzers_Guards(t *testing.T) {
	ctx := context.Background()

	// No threshold configured.
	msg, err := Limit(ctx, heldTopic(model.Ask, 1000, nil, nil))
	require.NoError(t, err)
	assert.Nil(t, msg)

	// Not yet filled.
	topic := heldTopic(model.Ask, 1000, ptr(110), nil)
	topic.Position.Status = model.StatusRequested
	msg, err = Limit(ctx, topic)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// Counter orders are never closed again.
	topic = heldTopic(model.Ask, 1000, ptr(110), nil)
	entry := int64(7)
	topic.Position.EntryID = &entry
	msg, err = Limit(ctx, topic)
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = Loss(ctx, &model.Topic{})
	require.NoError(t, err)
	assert.Nil(t, msg)
}
