// Package portfolio models the margin allocation hierarchy:
// Portfolio → Account → VirtualAccount. Values are immutable from the
// outside: every change goes through a constructor or a With* method that
// validates the result, and Reallocation returns a new value.
package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
)

// DefaultReducer is used when a virtual account names no decision reducer.
const DefaultReducer = "first"

// VirtualAccount is one strategy instance trading a slice of its account's
// margin. It holds at most one open position.
type VirtualAccount struct {
	ID              int64               `json:"id" db:"id"`
	AccountID       int64               `json:"account_id" db:"account_id"`
	Name            string              `json:"name" db:"name"`
	Product         string              `json:"product" db:"product"`
	Periods         int                 `json:"periods" db:"periods"`
	AllocationRate  decimal.Decimal     `json:"allocation_rate" db:"allocation_rate"`
	AllocatedMargin decimal.Decimal     `json:"allocated_margin" db:"allocated_margin"`
	MinUnit         decimal.Decimal     `json:"min_unit" db:"min_unit"` // zero: infer from price
	Analyzers       []string            `json:"analyzers" db:"analyzers"`
	Reducer         string              `json:"reducer" db:"reducer"`
	AskLimitRate    decimal.NullDecimal `json:"ask_limit_rate" db:"ask_limit_rate"`
	AskLossRate     decimal.NullDecimal `json:"ask_loss_rate" db:"ask_loss_rate"`
	BidLimitRate    decimal.NullDecimal `json:"bid_limit_rate" db:"bid_limit_rate"`
	BidLossRate     decimal.NullDecimal `json:"bid_loss_rate" db:"bid_loss_rate"`
	PositionID      *int64              `json:"position_id" db:"position_id"`
	IsActive        bool                `json:"is_active" db:"is_active"`
}

// ReducerName returns the configured reducer or DefaultReducer.
func (v VirtualAccount) ReducerName() string {
	if v.Reducer == "" {
		return DefaultReducer
	}
	return v.Reducer
}

// LimitPrice is the take-profit trigger for a position entered on side at
// entryPrice, or null when no rate is configured for that side.
func (v VirtualAccount) LimitPrice(side model.AskOrBid, entryPrice decimal.Decimal) decimal.NullDecimal {
	rate := v.AskLimitRate
	if side == model.Bid {
		rate = v.BidLimitRate
	}
	return applyRate(rate, entryPrice)
}

// LossPrice is the stop-loss trigger, null when no rate is configured.
func (v VirtualAccount) LossPrice(side model.AskOrBid, entryPrice decimal.Decimal) decimal.NullDecimal {
	rate := v.AskLossRate
	if side == model.Bid {
		rate = v.BidLossRate
	}
	return applyRate(rate, entryPrice)
}

func applyRate(rate decimal.NullDecimal, price decimal.Decimal) decimal.NullDecimal {
	if !rate.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(price.Mul(rate.Decimal))
}

// Clone returns a deep copy.
func (v VirtualAccount) Clone() VirtualAccount {
	c := v
	if v.Analyzers != nil {
		c.Analyzers = append([]string(nil), v.Analyzers...)
	}
	if v.PositionID != nil {
		id := *v.PositionID
		c.PositionID = &id
	}
	return c
}

// Account is a physical trading account on one provider/market.
type Account struct {
	ID              int64            `json:"id" db:"id"`
	UserID          int64            `json:"user_id" db:"user_id"`
	Provider        string           `json:"provider" db:"provider"`
	Market          string           `json:"market" db:"market"`
	Margin          decimal.Decimal  `json:"margin" db:"margin"`
	VirtualAccounts []VirtualAccount `json:"virtual_accounts"`
}

// NewAccount builds a validated account.
func NewAccount(id, userID int64, provider, market string, margin decimal.Decimal, vas []VirtualAccount) (Account, error) {
	a := Account{
		ID:       id,
		UserID:   userID,
		Provider: provider,
		Market:   market,
		Margin:   margin,
	}
	return a.WithVirtualAccounts(vas)
}

// WithVirtualAccounts returns a copy of a owning vas, validated.
func (a Account) WithVirtualAccounts(vas []VirtualAccount) (Account, error) {
	c := a.Clone()
	c.VirtualAccounts = make([]VirtualAccount, len(vas))
	for i, va := range vas {
		c.VirtualAccounts[i] = va.Clone()
		c.VirtualAccounts[i].AccountID = a.ID
	}
	if err := c.Validate(); err != nil {
		return Account{}, err
	}
	return c, nil
}

// WithMargin returns a copy of a with a new physical margin. Allocated
// margins are not touched until Reallocation.
func (a Account) WithMargin(margin decimal.Decimal) Account {
	c := a.Clone()
	c.Margin = margin
	return c
}

// Validate checks sibling id uniqueness and the allocation rate ceiling.
// It does not check allocated margin against physical margin; see
// RaiseIfAllocatedOverMargin.
func (a Account) Validate() error {
	seen := make(map[int64]struct{}, len(a.VirtualAccounts))
	rate := decimal.Zero
	for _, va := range a.VirtualAccounts {
		if _, ok := seen[va.ID]; ok {
			return &ConflictIDError{Kind: "virtual account", ID: va.ID}
		}
		seen[va.ID] = struct{}{}
		rate = rate.Add(va.AllocationRate)
	}
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		return &OverAllocatedError{AccountID: a.ID, Rate: rate}
	}
	return nil
}

// AllocatedMargin sums the virtual accounts' allocated margin.
func (a Account) AllocatedMargin() decimal.Decimal {
	total := decimal.Zero
	for _, va := range a.VirtualAccounts {
		total = total.Add(va.AllocatedMargin)
	}
	return total
}

// FreeMargin is the physical margin not allocated to any virtual account.
func (a Account) FreeMargin() decimal.Decimal {
	return a.Margin.Sub(a.AllocatedMargin())
}

// RaiseIfAllocatedOverMargin reports an OverMarginError when free margin is
// negative.
func (a Account) RaiseIfAllocatedOverMargin() error {
	allocated := a.AllocatedMargin()
	if allocated.GreaterThan(a.Margin) {
		return &OverMarginError{AccountID: a.ID, Allocated: allocated, Margin: a.Margin}
	}
	return nil
}

// Reallocation returns a copy whose virtual accounts hold
// floor(margin * allocation_rate) in whole currency units.
func (a Account) Reallocation() Account {
	c := a.Clone()
	for i := range c.VirtualAccounts {
		c.VirtualAccounts[i].AllocatedMargin = c.Margin.Mul(c.VirtualAccounts[i].AllocationRate).Floor()
	}
	return c
}

// VirtualAccount looks up a child by id.
func (a Account) VirtualAccount(id int64) (VirtualAccount, bool) {
	for _, va := range a.VirtualAccounts {
		if va.ID == id {
			return va.Clone(), true
		}
	}
	return VirtualAccount{}, false
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	c := a
	if a.VirtualAccounts != nil {
		c.VirtualAccounts = make([]VirtualAccount, len(a.VirtualAccounts))
		for i, va := range a.VirtualAccounts {
			c.VirtualAccounts[i] = va.Clone()
		}
	}
	return c
}

// Portfolio is every account of one user.
type Portfolio struct {
	UserID   int64     `json:"user_id"`
	Accounts []Account `json:"accounts"`
}

// NewPortfolio builds a validated portfolio.
func NewPortfolio(userID int64, accounts []Account) (Portfolio, error) {
	return Portfolio{UserID: userID}.WithAccounts(accounts)
}

// WithAccounts returns a validated copy of p owning accounts.
func (p Portfolio) WithAccounts(accounts []Account) (Portfolio, error) {
	c := Portfolio{UserID: p.UserID, Accounts: make([]Account, len(accounts))}
	for i, a := range accounts {
		c.Accounts[i] = a.Clone()
	}
	if err := c.Validate(); err != nil {
		return Portfolio{}, err
	}
	return c, nil
}

// Validate checks account id uniqueness, virtual account id uniqueness across
// all accounts, and each account's own invariants.
func (p Portfolio) Validate() error {
	accounts := make(map[int64]struct{}, len(p.Accounts))
	vas := make(map[int64]struct{})
	for _, a := range p.Accounts {
		if _, ok := accounts[a.ID]; ok {
			return &ConflictIDError{Kind: "account", ID: a.ID}
		}
		accounts[a.ID] = struct{}{}
		if err := a.Validate(); err != nil {
			return err
		}
		for _, va := range a.VirtualAccounts {
			if _, ok := vas[va.ID]; ok {
				return &ConflictIDError{Kind: "virtual account", ID: va.ID}
			}
			vas[va.ID] = struct{}{}
		}
	}
	return nil
}

// Margin sums the accounts' physical margin.
func (p Portfolio) Margin() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Accounts {
		total = total.Add(a.Margin)
	}
	return total
}

// AllocatedMargin sums the accounts' allocated margin.
func (p Portfolio) AllocatedMargin() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Accounts {
		total = total.Add(a.AllocatedMargin())
	}
	return total
}

// Reallocation returns a copy with every account reallocated.
func (p Portfolio) Reallocation() Portfolio {
	c := Portfolio{UserID: p.UserID, Accounts: make([]Account, len(p.Accounts))}
	for i, a := range p.Accounts {
		c.Accounts[i] = a.Reallocation()
	}
	return c
}

// RaiseIfAllocatedOverMargin returns the first account's OverMarginError.
func (p Portfolio) RaiseIfAllocatedOverMargin() error {
	for _, a := range p.Accounts {
		if err := a.RaiseIfAllocatedOverMargin(); err != nil {
			return err
		}
	}
	return nil
}

// VirtualAccounts flattens the children of every account.
func (p Portfolio) VirtualAccounts() []VirtualAccount {
	var out []VirtualAccount
	for _, a := range p.Accounts {
		for _, va := range a.VirtualAccounts {
			out = append(out, va.Clone())
		}
	}
	return out
}
