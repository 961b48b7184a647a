package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
)

// MemoryStore implements Store with in-memory maps. Used for testing,
// development and backtests. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[int64]*portfolio.Account // VirtualAccounts left empty
	vas       map[int64]*portfolio.VirtualAccount
	positions map[int64]*model.TradePosition
	nextPosID int64
	logs      []model.TradeLog
	bars      map[seriesKey][]model.Bar
	now       func() time.Time
}

type seriesKey struct {
	provider, market, product string
	periods                   int
}

func seriesOf(b model.Bar) seriesKey {
	return seriesKey{b.Provider, b.Market, b.Product, b.Periods}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[int64]*portfolio.Account),
		vas:       make(map[int64]*portfolio.VirtualAccount),
		positions: make(map[int64]*model.TradePosition),
		bars:      make(map[seriesKey][]model.Bar),
		now:       time.Now,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *portfolio.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %d", ErrDuplicate, a.ID)
	}
	for _, va := range a.VirtualAccounts {
		if _, ok := s.vas[va.ID]; ok {
			return fmt.Errorf("%w: virtual account %d", ErrDuplicate, va.ID)
		}
	}

	row := a.Clone()
	row.VirtualAccounts = nil
	s.accounts[a.ID] = &row
	for _, va := range a.VirtualAccounts {
		c := va.Clone()
		c.AccountID = a.ID
		s.vas[va.ID] = &c
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (*portfolio.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	a := s.composeLocked(row)
	return &a, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, userID int64) ([]portfolio.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []portfolio.Account
	for _, row := range s.accounts {
		if row.UserID == userID {
			out = append(out, s.composeLocked(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) composeLocked(row *portfolio.Account) portfolio.Account {
	a := row.Clone()
	for _, va := range s.vas {
		if va.AccountID == row.ID {
			a.VirtualAccounts = append(a.VirtualAccounts, va.Clone())
		}
	}
	sort.Slice(a.VirtualAccounts, func(i, j int) bool {
		return a.VirtualAccounts[i].ID < a.VirtualAccounts[j].ID
	})
	return a
}

func (s *MemoryStore) UpdateAccountMargin(_ context.Context, id int64, margin decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	row.Margin = margin
	return nil
}

func (s *MemoryStore) GetVirtualAccount(_ context.Context, id int64) (*portfolio.VirtualAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	va, ok := s.vas[id]
	if !ok {
		return nil, fmt.Errorf("virtual account %d: %w", id, ErrNotFound)
	}
	c := va.Clone()
	return &c, nil
}

func (s *MemoryStore) UpdateVirtualAccount(_ context.Context, va *portfolio.VirtualAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.vas[va.ID]
	if !ok {
		return fmt.Errorf("virtual account %d: %w", va.ID, ErrNotFound)
	}
	c := va.Clone()
	c.AccountID = cur.AccountID
	c.PositionID = cur.PositionID
	s.vas[va.ID] = &c
	return nil
}

func (s *MemoryStore) ListActiveVirtualAccounts(_ context.Context) ([]portfolio.VirtualAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []portfolio.VirtualAccount
	for _, va := range s.vas {
		if va.IsActive {
			out = append(out, va.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id int64) (*model.TradePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.TradePosition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePositionLocked(p)
}

func (s *MemoryStore) updatePositionLocked(p *model.TradePosition) error {
	cur, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("position %d: %w", p.ID, ErrNotFound)
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = s.now().UTC()
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) ListPositionsByStatus(_ context.Context, status model.PositionStatus) ([]model.TradePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradePosition
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) BookPosition(_ context.Context, vaID int64, expected *int64, p *model.TradePosition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	va, ok := s.vas[vaID]
	if !ok {
		return fmt.Errorf("virtual account %d: %w", vaID, ErrNotFound)
	}
	if !samePointer(va.PositionID, expected) {
		return fmt.Errorf("virtual account %d: %w", vaID, ErrConflict)
	}

	s.nextPosID++
	now := s.now().UTC()
	p.ID = s.nextPosID
	p.VirtualAccountID = vaID
	p.CreatedAt = now
	p.UpdatedAt = now
	s.positions[p.ID] = p.Clone()
	va.PositionID = copyPointer(&p.ID)
	return nil
}

func (s *MemoryStore) ReleasePosition(_ context.Context, p *model.TradePosition, pointer *int64) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	va, ok := s.vas[p.VirtualAccountID]
	if !ok {
		return fmt.Errorf("virtual account %d: %w", p.VirtualAccountID, ErrNotFound)
	}
	if err := s.updatePositionLocked(p); err != nil {
		return err
	}
	va.PositionID = copyPointer(pointer)
	return nil
}

func (s *MemoryStore) RecordTrade(_ context.Context, log *model.TradeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.logs {
		if l.CounterID == log.CounterID {
			return fmt.Errorf("trade log of position %d: %w", log.CounterID, ErrDuplicate)
		}
	}
	va, ok := s.vas[log.VirtualAccountID]
	if !ok {
		return fmt.Errorf("virtual account %d: %w", log.VirtualAccountID, ErrNotFound)
	}
	s.logs = append(s.logs, *log)
	va.PositionID = nil
	va.AllocatedMargin = va.AllocatedMargin.Add(log.FactProfit)
	return nil
}

func (s *MemoryStore) ListTradeLogs(_ context.Context, vaID int64) ([]model.TradeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeLog
	for _, l := range s.logs {
		if l.VirtualAccountID == vaID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertBars(_ context.Context, bars []model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[seriesKey]struct{})
	for _, b := range bars {
		key := seriesOf(b)
		series := s.bars[key]
		replaced := false
		for i := range series {
			if series[i].CloseTime.Equal(b.CloseTime) {
				series[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			series = append(series, b)
		}
		s.bars[key] = series
		touched[key] = struct{}{}
	}
	for key := range touched {
		series := s.bars[key]
		sort.Slice(series, func(i, j int) bool { return series[i].CloseTime.Before(series[j].CloseTime) })
	}
	return nil
}

func (s *MemoryStore) ListBars(_ context.Context, q model.BarQuery) ([]model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.bars[seriesKey{q.Provider, q.Market, q.Product, q.Periods}]
	var out []model.Bar
	for _, b := range series {
		if !q.From.IsZero() && b.CloseTime.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && b.CloseTime.After(q.To) {
			continue
		}
		out = append(out, b)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}
