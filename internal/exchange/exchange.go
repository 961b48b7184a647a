// Package exchange is the boundary between the exchange-agnostic trading core
// and concrete exchanges. Everything above this package speaks PreOrder and
// generic product codes; adapters translate to their own vocabulary.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
)

var (
	ErrUnknownSide   = errors.New("exchange: unknown order side")
	ErrUnknownOrder  = errors.New("exchange: unknown order")
	ErrInvalidOrder  = errors.New("exchange: invalid order")
	ErrNoMarketPrice = errors.New("exchange: no market price")
)

// Exchange is one concrete exchange API.
//
// Order, OrderCancel and FetchOrderStatus return the raw response payload.
// Rejections reported by the exchange are payload data, recognised by
// IsCanceled, not errors. OrderCancel returns a nil payload when there is
// nothing left to cancel.
type Exchange interface {
	Name() string
	LocalizeProductCode(product string) (string, error)
	LocalizeOrder(o PreOrder) (LocalOrder, error)
	Order(ctx context.Context, o LocalOrder) (model.APIData, error)
	OrderCancel(ctx context.Context, accepted model.APIData) (model.APIData, error)
	FetchOrderStatus(ctx context.Context, accepted model.APIData) (model.APIData, error)
	IsCompleted(status model.APIData) (bool, error)
	IsCanceled(status model.APIData) (bool, error)
	Finalize(status model.APIData) (model.OrderResult, error)
}

// PreOrder is an order in exchange-agnostic terms.
type PreOrder struct {
	Product   string          `json:"product"`
	AskOrBid  model.AskOrBid  `json:"ask_or_bid"`
	OrderType string          `json:"order_type"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
}

// PreOrderFor builds the PreOrder of a stored position.
func PreOrderFor(p *model.TradePosition) PreOrder {
	return PreOrder{
		Product:   p.Product,
		AskOrBid:  p.AskOrBid,
		OrderType: p.OrderType,
		Price:     p.OrderPrice,
		Size:      p.OrderUnit,
	}
}

// LocalOrder is an order in an exchange's own vocabulary.
type LocalOrder struct {
	Product   string          `json:"product_code"`
	Side      string          `json:"side"`
	OrderType string          `json:"child_order_type"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
}

// Side strings shared by the bundled adapters.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// SideString maps an order side to BUY/SELL.
func SideString(s model.AskOrBid) (string, error) {
	switch s {
	case model.Ask:
		return SideBuy, nil
	case model.Bid:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownSide, int(s))
}

// Localize is the LocalizeOrder shared by adapters that use BUY/SELL sides:
// it validates o and maps product and side through the given localizer.
func Localize(o PreOrder, product func(string) (string, error)) (LocalOrder, error) {
	if !o.Size.IsPositive() {
		return LocalOrder{}, fmt.Errorf("%w: size %s", ErrInvalidOrder, o.Size)
	}
	if o.Price.IsNegative() {
		return LocalOrder{}, fmt.Errorf("%w: price %s", ErrInvalidOrder, o.Price)
	}
	side, err := SideString(o.AskOrBid)
	if err != nil {
		return LocalOrder{}, err
	}
	code, err := product(o.Product)
	if err != nil {
		return LocalOrder{}, err
	}
	orderType := o.OrderType
	if orderType == "" {
		orderType = model.OrderTypeMarket
	}
	if orderType == model.OrderTypeLimit && !o.Price.IsPositive() {
		return LocalOrder{}, fmt.Errorf("%w: limit order without price", ErrInvalidOrder)
	}
	return LocalOrder{
		Product:   code,
		Side:      side,
		OrderType: orderType,
		Price:     o.Price,
		Size:      o.Size,
	}, nil
}
