package portfolio

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrTrade is the parent of every portfolio configuration error.
var ErrTrade = errors.New("portfolio: trade error")

// ConflictIDError is returned when two siblings share an id.
type ConflictIDError struct {
	Kind string // "account" or "virtual account"
	ID   int64
}

func (e *ConflictIDError) Error() string {
	return fmt.Sprintf("portfolio: conflicting %s id %d", e.Kind, e.ID)
}

func (e *ConflictIDError) Unwrap() error { return ErrTrade }

// OverAllocatedError is returned when the allocation rates under one account
// add up to more than 100%.
type OverAllocatedError struct {
	AccountID int64
	Rate      decimal.Decimal
}

func (e *OverAllocatedError) Error() string {
	return fmt.Sprintf("portfolio: account %d over allocated: allocation rate sum %s exceeds 1", e.AccountID, e.Rate)
}

func (e *OverAllocatedError) Unwrap() error { return ErrTrade }

// OverMarginError is returned when an account has allocated more margin than
// it physically holds.
type OverMarginError struct {
	AccountID int64
	Allocated decimal.Decimal
	Margin    decimal.Decimal
}

func (e *OverMarginError) Error() string {
	return fmt.Sprintf("portfolio: account %d allocated margin %s exceeds margin %s", e.AccountID, e.Allocated, e.Margin)
}

func (e *OverMarginError) Unwrap() error { return ErrTrade }
