package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
)

// Order states used in simulated payloads.
const (
	StateActive    = "ACTIVE"
	StateCompleted = "COMPLETED"
	StateCanceled  = "CANCELED"
	StateRejected  = "REJECTED"
)

// Operation names accepted by FailNext.
const (
	OpOrder  = "order"
	OpCancel = "cancel"
	OpFetch  = "fetch"
)

// ErrInjected is returned by calls failed through FailNext.
var ErrInjected = errors.New("exchange: injected failure")

// SimOrder is the payload of every simulated response.
type SimOrder struct {
	OrderID      string          `json:"order_id"`
	Product      string          `json:"product_code"`
	Side         string          `json:"side"`
	OrderType    string          `json:"child_order_type"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	State        string          `json:"state"`
	AveragePrice decimal.Decimal `json:"average_price"`
	ExecutedSize decimal.Decimal `json:"executed_size"`
	Commission   decimal.Decimal `json:"commission"`
	Message      string          `json:"message,omitempty"`
}

// Simulated is an in-process exchange. Orders fill at their order price
// after a configurable number of status polls; failures and rejections can
// be injected.
type Simulated struct {
	name    string
	feeRate decimal.Decimal

	mu           sync.Mutex
	orders       map[string]*simState
	failures     map[string]int
	calls        map[string]int
	pendingPolls int
	rejectNext   bool
	fillPrice    func(LocalOrder) (decimal.Decimal, error)
}

type simState struct {
	order     SimOrder
	pollsLeft int
}

// NewSimulated returns a simulated exchange charging feeRate on notional.
func NewSimulated(name string, feeRate decimal.Decimal) *Simulated {
	return &Simulated{
		name:     name,
		feeRate:  feeRate,
		orders:   make(map[string]*simState),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (s *Simulated) Name() string { return s.name }

func (s *Simulated) LocalizeProductCode(product string) (string, error) {
	p, err := ParseProduct(product)
	if err != nil {
		return "", err
	}
	return p.Underscore(), nil
}

func (s *Simulated) LocalizeOrder(o PreOrder) (LocalOrder, error) {
	return Localize(o, s.LocalizeProductCode)
}

// FailNext makes the next n calls of op return ErrInjected.
func (s *Simulated) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// SetPendingPolls sets how many status polls report ACTIVE before a new
// order fills.
func (s *Simulated) SetPendingPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPolls = n
}

// RejectNext makes the next order come back rejected.
func (s *Simulated) RejectNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = true
}

// Calls reports how many times op was invoked, failures included.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Orders returns a snapshot of every order placed.
func (s *Simulated) Orders() []SimOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimOrder, 0, len(s.orders))
	for _, st := range s.orders {
		out = append(out, st.order)
	}
	return out
}

// enter counts the call and consumes an injected failure. Callers hold mu.
func (s *Simulated) enter(op string) error {
	s.calls[op]++
	if s.failures[op] > 0 {
		s.failures[op]--
		return fmt.Errorf("%s: %w", op, ErrInjected)
	}
	return nil
}

func (s *Simulated) Order(ctx context.Context, o LocalOrder) (model.APIData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpOrder); err != nil {
		return nil, err
	}

	order := SimOrder{
		OrderID:   uuid.NewString(),
		Product:   o.Product,
		Side:      o.Side,
		OrderType: o.OrderType,
		Price:     o.Price,
		Size:      o.Size,
		State:     StateActive,
	}
	if s.rejectNext {
		s.rejectNext = false
		order.State = StateRejected
		order.Message = "insufficient margin"
		return model.EncodeAPIData(order)
	}
	if s.fillPrice != nil {
		price, err := s.fillPrice(o)
		if err != nil {
			return nil, err
		}
		order.Price = price
	}
	if !order.Price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNoMarketPrice, o.Product)
	}
	st := &simState{order: order, pollsLeft: s.pendingPolls}
	if st.pollsLeft == 0 {
		s.fill(st)
	}
	s.orders[order.OrderID] = st
	return model.EncodeAPIData(order)
}

func (s *Simulated) fill(st *simState) {
	st.order.State = StateCompleted
	st.order.AveragePrice = st.order.Price
	st.order.ExecutedSize = st.order.Size
	st.order.Commission = st.order.Price.Mul(st.order.Size).Mul(s.feeRate)
}

func (s *Simulated) lookup(data model.APIData) (*simState, error) {
	var ref SimOrder
	if err := data.Decode(&ref); err != nil {
		return nil, err
	}
	st, ok := s.orders[ref.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, ref.OrderID)
	}
	return st, nil
}

func (s *Simulated) OrderCancel(ctx context.Context, accepted model.APIData) (model.APIData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCancel); err != nil {
		return nil, err
	}
	st, err := s.lookup(accepted)
	if err != nil {
		return nil, err
	}
	if st.order.State != StateActive {
		return nil, nil
	}
	st.order.State = StateCanceled
	return model.EncodeAPIData(st.order)
}

func (s *Simulated) FetchOrderStatus(ctx context.Context, accepted model.APIData) (model.APIData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFetch); err != nil {
		return nil, err
	}
	st, err := s.lookup(accepted)
	if err != nil {
		return nil, err
	}
	if st.order.State == StateActive {
		if st.pollsLeft > 0 {
			st.pollsLeft--
		} else {
			s.fill(st)
		}
	}
	return model.EncodeAPIData(st.order)
}

func (s *Simulated) IsCompleted(status model.APIData) (bool, error) {
	var o SimOrder
	if err := status.Decode(&o); err != nil {
		return false, err
	}
	return o.State == StateCompleted, nil
}

func (s *Simulated) IsCanceled(status model.APIData) (bool, error) {
	var o SimOrder
	if err := status.Decode(&o); err != nil {
		return false, err
	}
	return o.State == StateCanceled || o.State == StateRejected, nil
}

func (s *Simulated) Finalize(status model.APIData) (model.OrderResult, error) {
	var o SimOrder
	if err := status.Decode(&o); err != nil {
		return model.OrderResult{}, err
	}
	if o.State != StateCompleted {
		return model.OrderResult{}, fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, o.OrderID, o.State)
	}
	return model.OrderResult{
		AveragePrice:    o.AveragePrice,
		ExecutedSize:    o.ExecutedSize,
		TotalCommission: o.Commission,
		OtherCommission: decimal.Zero,
	}, nil
}
