package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/magnet/trade-engine/internal/portfolio"
)

// ErrInvalidBots is returned when a bot file fails validation.
var ErrInvalidBots = errors.New("config: invalid bot definitions")

// Bots is the YAML layout of a bot file. Numbers are strings so they keep
// their exact decimal value.
type Bots struct {
	UserID   int64        `yaml:"user_id" validate:"required,gt=0"`
	Accounts []BotAccount `yaml:"accounts" validate:"required,min=1,dive"`
}

type BotAccount struct {
	ID       int64  `yaml:"id" validate:"required,gt=0"`
	Provider string `yaml:"provider" validate:"required"`
	Market   string `yaml:"market" validate:"required"`
	Margin   string `yaml:"margin" validate:"required,numeric"`
	Bots     []Bot  `yaml:"virtual_accounts" validate:"dive"`
}

// Bot is one virtual account.
type Bot struct {
	ID             int64    `yaml:"id" validate:"required,gt=0"`
	Name           string   `yaml:"name" validate:"required"`
	Product        string   `yaml:"product" validate:"required,lowercase"`
	Periods        int      `yaml:"periods" validate:"required,gt=0"`
	AllocationRate string   `yaml:"allocation_rate" validate:"required,numeric"`
	MinUnit        string   `yaml:"min_unit" validate:"omitempty,numeric"`
	Analyzers      []string `yaml:"analyzers" validate:"required,min=1,dive,required"`
	Reducer        string   `yaml:"reducer"`
	AskLimitRate   string   `yaml:"ask_limit_rate" validate:"omitempty,numeric"`
	AskLossRate    string   `yaml:"ask_loss_rate" validate:"omitempty,numeric"`
	BidLimitRate   string   `yaml:"bid_limit_rate" validate:"omitempty,numeric"`
	BidLossRate    string   `yaml:"bid_loss_rate" validate:"omitempty,numeric"`
	// Active defaults to true.
	Active *bool `yaml:"active"`
}

var validate = validator.New()

// LoadBots reads, validates and converts a bot file. The returned portfolio
// is already reallocated.
func LoadBots(path string) (portfolio.Portfolio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return portfolio.Portfolio{}, fmt.Errorf("read bot file: %w", err)
	}
	return ParseBots(data)
}

// ParseBots is LoadBots on an in-memory document.
func ParseBots(data []byte) (portfolio.Portfolio, error) {
	var b Bots
	if err := yaml.Unmarshal(data, &b); err != nil {
		return portfolio.Portfolio{}, fmt.Errorf("parse bot file: %w", err)
	}
	if err := validate.Struct(b); err != nil {
		return portfolio.Portfolio{}, fmt.Errorf("%w: %w", ErrInvalidBots, err)
	}
	return b.Portfolio()
}

// Portfolio converts b, enforcing the portfolio invariants.
func (b Bots) Portfolio() (portfolio.Portfolio, error) {
	accounts := make([]portfolio.Account, 0, len(b.Accounts))
	for _, ba := range b.Accounts {
		vas := make([]portfolio.VirtualAccount, 0, len(ba.Bots))
		for _, bot := range ba.Bots {
			va, err := bot.virtualAccount()
			if err != nil {
				return portfolio.Portfolio{}, fmt.Errorf("%w: virtual account %d: %w", ErrInvalidBots, bot.ID, err)
			}
			vas = append(vas, va)
		}
		margin, err := decimal.NewFromString(ba.Margin)
		if err != nil {
			return portfolio.Portfolio{}, fmt.Errorf("%w: account %d margin: %w", ErrInvalidBots, ba.ID, err)
		}
		a, err := portfolio.NewAccount(ba.ID, b.UserID, ba.Provider, ba.Market, margin, vas)
		if err != nil {
			return portfolio.Portfolio{}, err
		}
		accounts = append(accounts, a)
	}
	p, err := portfolio.NewPortfolio(b.UserID, accounts)
	if err != nil {
		return portfolio.Portfolio{}, err
	}
	return p.Reallocation(), nil
}

func (b Bot) virtualAccount() (portfolio.VirtualAccount, error) {
	rate, err := decimal.NewFromString(b.AllocationRate)
	if err != nil {
		return portfolio.VirtualAccount{}, fmt.Errorf("allocation_rate: %w", err)
	}
	if rate.IsNegative() {
		return portfolio.VirtualAccount{}, fmt.Errorf("allocation_rate %s is negative", rate)
	}
	minUnit := decimal.Zero
	if b.MinUnit != "" {
		if minUnit, err = decimal.NewFromString(b.MinUnit); err != nil {
			return portfolio.VirtualAccount{}, fmt.Errorf("min_unit: %w", err)
		}
	}
	va := portfolio.VirtualAccount{
		ID:             b.ID,
		Name:           b.Name,
		Product:        b.Product,
		Periods:        b.Periods,
		AllocationRate: rate,
		MinUnit:        minUnit,
		Analyzers:      append([]string(nil), b.Analyzers...),
		Reducer:        b.Reducer,
		IsActive:       b.Active == nil || *b.Active,
	}
	for _, r := range []struct {
		name string
		raw  string
		dst  *decimal.NullDecimal
	}{
		{"ask_limit_rate", b.AskLimitRate, &va.AskLimitRate},
		{"ask_loss_rate", b.AskLossRate, &va.AskLossRate},
		{"bid_limit_rate", b.BidLimitRate, &va.BidLimitRate},
		{"bid_loss_rate", b.BidLossRate, &va.BidLossRate},
	} {
		if r.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(r.raw)
		if err != nil {
			return portfolio.VirtualAccount{}, fmt.Errorf("%s: %w", r.name, err)
		}
		*r.dst = decimal.NewNullDecimal(d)
	}
	return va, nil
}
