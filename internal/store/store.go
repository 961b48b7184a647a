// Package store defines the persistence interface of the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and backtests).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-set on a virtual account's
	// position pointer loses to another writer.
	ErrConflict = errors.New("store: position pointer changed concurrently")

	// ErrDuplicate is returned when an id is already taken.
	ErrDuplicate = errors.New("store: duplicate id")
)

// Store is the persistence interface. Every method is atomic; composite
// operations (BookPosition, ReleasePosition, RecordTrade) run in one
// transaction.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists an account together with its virtual accounts.
	CreateAccount(ctx context.Context, a *portfolio.Account) error

	// GetAccount returns an account with its virtual accounts.
	GetAccount(ctx context.Context, id int64) (*portfolio.Account, error)

	// ListAccounts returns every account of a user.
	ListAccounts(ctx context.Context, userID int64) ([]portfolio.Account, error)

	// UpdateAccountMargin sets the physical margin of an account.
	UpdateAccountMargin(ctx context.Context, id int64, margin decimal.Decimal) error

	// --- Virtual accounts ---

	GetVirtualAccount(ctx context.Context, id int64) (*portfolio.VirtualAccount, error)

	// UpdateVirtualAccount overwrites the mutable fields of a virtual account.
	// It does not touch the position pointer.
	UpdateVirtualAccount(ctx context.Context, va *portfolio.VirtualAccount) error

	// ListActiveVirtualAccounts returns virtual accounts with IsActive set.
	ListActiveVirtualAccounts(ctx context.Context) ([]portfolio.VirtualAccount, error)

	// --- Positions ---

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id int64) (*model.TradePosition, error)

	// UpdatePosition validates and overwrites a position.
	UpdatePosition(ctx context.Context, p *model.TradePosition) error

	// ListPositionsByStatus returns positions in the given status, oldest first.
	ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]model.TradePosition, error)

	// BookPosition creates p, assigning p.ID, and points the virtual account
	// at it, provided the pointer still equals expected.
	BookPosition(ctx context.Context, vaID int64, expected *int64, p *model.TradePosition) error

	// ReleasePosition updates p and sets the virtual account's pointer to
	// pointer (nil frees the account).
	ReleasePosition(ctx context.Context, p *model.TradePosition, pointer *int64) error

	// --- Trade log ---

	// RecordTrade appends the settlement record, clears the virtual account's
	// pointer and credits FactProfit to its allocated margin. Recording the
	// same counter position twice changes nothing and returns ErrDuplicate.
	RecordTrade(ctx context.Context, log *model.TradeLog) error

	// ListTradeLogs returns a virtual account's trades, oldest first.
	ListTradeLogs(ctx context.Context, vaID int64) ([]model.TradeLog, error)

	// --- Bars ---

	// InsertBars upserts bars keyed by series and close time.
	InsertBars(ctx context.Context, bars []model.Bar) error

	// ListBars returns bars matching q in ascending close time.
	ListBars(ctx context.Context, q model.BarQuery) ([]model.Bar, error)
}

func samePointer(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyPointer(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
