// Package model defines the value types shared by the trading core: order
// positions, analyzer signals, per-tick topics, OHLC bars and settlement
// records. All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a TradePosition. The numeric
// values are ordered: CANCELED < CANCEL_REQUESTED < READY < REQUESTED < CONTRACTED.
type PositionStatus int

const (
	StatusCanceled        PositionStatus = -2
	StatusCancelRequested PositionStatus = -1
	StatusReady           PositionStatus = 0
	StatusRequested       PositionStatus = 1
	StatusContracted      PositionStatus = 2
)

func (s PositionStatus) String() string {
	switch s {
	case StatusCanceled:
		return "CANCELED"
	case StatusCancelRequested:
		return "CANCEL_REQUESTED"
	case StatusReady:
		return "READY"
	case StatusRequested:
		return "REQUESTED"
	case StatusContracted:
		return "CONTRACTED"
	}
	return fmt.Sprintf("PositionStatus(%d)", int(s))
}

// IsTerminal reports whether no further exchange interaction is expected.
func (s PositionStatus) IsTerminal() bool {
	return s == StatusCanceled || s == StatusContracted
}

// AskOrBid is the order side: Ask buys (+1), Bid sells (-1).
type AskOrBid int

const (
	Ask AskOrBid = 1
	Bid AskOrBid = -1
)

// Opposite returns the side that flattens a position opened on s.
func (s AskOrBid) Opposite() AskOrBid {
	return -s
}

func (s AskOrBid) String() string {
	switch s {
	case Ask:
		return "ASK"
	case Bid:
		return "BID"
	}
	return fmt.Sprintf("AskOrBid(%d)", int(s))
}

// Valid reports whether s is Ask or Bid.
func (s AskOrBid) Valid() bool {
	return s == Ask || s == Bid
}

// Order types understood by exchange adapters.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

var (
	// ErrEmptyAPIData is returned when a position that has been sent to an
	// exchange carries no evidence of receipt.
	ErrEmptyAPIData = errors.New("model: api_data is required once an order is requested")

	// ErrInvalidPosition is returned for structurally invalid positions.
	ErrInvalidPosition = errors.New("model: invalid trade position")
)

// APIData is an opaque exchange response payload, kept as raw JSON.
type APIData []byte

// EncodeAPIData marshals v into an APIData payload.
func EncodeAPIData(v any) (APIData, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return APIData(b), nil
}

// Decode unmarshals the payload into v.
func (d APIData) Decode(v any) error {
	if d.IsEmpty() {
		return ErrEmptyAPIData
	}
	return json.Unmarshal(d, v)
}

// IsEmpty reports whether the payload carries nothing: no bytes, null, or an
// empty object, array or string.
func (d APIData) IsEmpty() bool {
	t := bytes.TrimSpace(d)
	switch string(t) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

func (d APIData) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

func (d *APIData) UnmarshalJSON(b []byte) error {
	*d = append((*d)[0:0], b...)
	return nil
}

// TradePosition is one order record. An entry order opens a position; a
// counter order (EntryID set) flattens it.
type TradePosition struct {
	ID               int64               `json:"id" db:"id"`
	VirtualAccountID int64               `json:"virtual_account_id" db:"virtual_account_id"`
	Product          string              `json:"product" db:"product"`
	AskOrBid         AskOrBid            `json:"ask_or_bid" db:"ask_or_bid"`
	OrderType        string              `json:"order_type" db:"order_type"`
	OrderPrice       decimal.Decimal     `json:"order_price" db:"order_price"`
	OrderUnit        decimal.Decimal     `json:"order_unit" db:"order_unit"`
	ContractPrice    decimal.NullDecimal `json:"contract_price" db:"contract_price"`
	ContractUnit     decimal.NullDecimal `json:"contract_unit" db:"contract_unit"`
	Commission       decimal.Decimal     `json:"commission" db:"commission"`
	OtherCommission  decimal.Decimal     `json:"other_commission" db:"other_commission"`
	Status           PositionStatus      `json:"status" db:"status"`
	LimitPrice       decimal.NullDecimal `json:"limit_price" db:"limit_price"`
	LossPrice        decimal.NullDecimal `json:"loss_price" db:"loss_price"`
	EntryID          *int64              `json:"entry_id" db:"entry_id"`
	APIData          APIData             `json:"api_data" db:"api_data"`
	Reason           string              `json:"reason" db:"reason"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" db:"updated_at"`
}

// IsEntryOrder reports whether the position opens (rather than closes) a trade.
func (p *TradePosition) IsEntryOrder() bool {
	return p.EntryID == nil
}

// Validate checks the field invariants that must hold before a position is
// persisted.
func (p *TradePosition) Validate() error {
	if !p.AskOrBid.Valid() {
		return fmt.Errorf("%w: position %d has side %d", ErrInvalidPosition, p.ID, int(p.AskOrBid))
	}
	if !p.OrderUnit.IsPositive() {
		return fmt.Errorf("%w: position %d has order_unit %s", ErrInvalidPosition, p.ID, p.OrderUnit)
	}
	if p.OrderPrice.IsNegative() {
		return fmt.Errorf("%w: position %d has order_price %s", ErrInvalidPosition, p.ID, p.OrderPrice)
	}
	switch p.Status {
	case StatusRequested, StatusCancelRequested, StatusContracted:
		if p.APIData.IsEmpty() {
			return fmt.Errorf("%w (position %d, status %s)", ErrEmptyAPIData, p.ID, p.Status)
		}
	case StatusReady, StatusCanceled:
	default:
		return fmt.Errorf("%w: position %d has status %d", ErrInvalidPosition, p.ID, int(p.Status))
	}
	if p.Status == StatusContracted && (!p.ContractPrice.Valid || !p.ContractUnit.Valid) {
		return fmt.Errorf("%w: contracted position %d has no contract price/unit", ErrInvalidPosition, p.ID)
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *TradePosition) Clone() *TradePosition {
	if p == nil {
		return nil
	}
	c := *p
	if p.EntryID != nil {
		id := *p.EntryID
		c.EntryID = &id
	}
	if p.APIData != nil {
		c.APIData = append(APIData(nil), p.APIData...)
	}
	return &c
}
