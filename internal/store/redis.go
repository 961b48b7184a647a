package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for virtual accounts and bars. Cached entries are keyed by a version
// that every write to the primary bumps, so a read that raced a write can
// only fill a key no later read looks up. Redis failures only cost a cache
// miss.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetVirtualAccount(ctx context.Context, id int64) (*portfolio.VirtualAccount, error) {
	version, err := s.rdb.Get(ctx, vaVersionKey(id)).Int64()
	if err != nil && err != redis.Nil {
		return s.primary.GetVirtualAccount(ctx, id)
	}
	key := vaKey(id, version)

	var va portfolio.VirtualAccount
	if s.get(ctx, key, &va) {
		return &va, nil
	}
	got, err := s.primary.GetVirtualAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, got)
	return got, nil
}

// ListBars caches closed ranges only: a query without an upper bound can
// still grow.
func (s *CachedStore) ListBars(ctx context.Context, q model.BarQuery) ([]model.Bar, error) {
	if q.To.IsZero() {
		return s.primary.ListBars(ctx, q)
	}
	version, err := s.rdb.Get(ctx, seriesVersionKey(q)).Int64()
	if err != nil && err != redis.Nil {
		return s.primary.ListBars(ctx, q)
	}
	key := barsKey(q, version)

	var bars []model.Bar
	if s.get(ctx, key, &bars) {
		return bars, nil
	}
	bars, err = s.primary.ListBars(ctx, q)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, bars)
	return bars, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateVirtualAccount(ctx context.Context, va *portfolio.VirtualAccount) error {
	if err := s.primary.UpdateVirtualAccount(ctx, va); err != nil {
		return err
	}
	s.invalidate(ctx, va.ID)
	return nil
}

func (s *CachedStore) BookPosition(ctx context.Context, vaID int64, expected *int64, p *model.TradePosition) error {
	if err := s.primary.BookPosition(ctx, vaID, expected, p); err != nil {
		return err
	}
	s.invalidate(ctx, vaID)
	return nil
}

func (s *CachedStore) ReleasePosition(ctx context.Context, p *model.TradePosition, pointer *int64) error {
	if err := s.primary.ReleasePosition(ctx, p, pointer); err != nil {
		return err
	}
	s.invalidate(ctx, p.VirtualAccountID)
	return nil
}

func (s *CachedStore) RecordTrade(ctx context.Context, log *model.TradeLog) error {
	if err := s.primary.RecordTrade(ctx, log); err != nil {
		return err
	}
	s.invalidate(ctx, log.VirtualAccountID)
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *portfolio.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	for _, va := range a.VirtualAccounts {
		s.invalidate(ctx, va.ID)
	}
	return nil
}

// InsertBars bumps the series version so cached ranges of that series are
// never read again; they expire with the TTL.
func (s *CachedStore) InsertBars(ctx context.Context, bars []model.Bar) error {
	if err := s.primary.InsertBars(ctx, bars); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, b := range bars {
		key := seriesVersionKey(model.BarQuery{
			Provider: b.Provider, Market: b.Market, Product: b.Product, Periods: b.Periods,
		})
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		s.rdb.Incr(ctx, key)
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id int64) (*portfolio.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListAccounts(ctx context.Context, userID int64) ([]portfolio.Account, error) {
	return s.primary.ListAccounts(ctx, userID)
}

func (s *CachedStore) UpdateAccountMargin(ctx context.Context, id int64, margin decimal.Decimal) error {
	return s.primary.UpdateAccountMargin(ctx, id, margin)
}

func (s *CachedStore) ListActiveVirtualAccounts(ctx context.Context) ([]portfolio.VirtualAccount, error) {
	return s.primary.ListActiveVirtualAccounts(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, id int64) (*model.TradePosition, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.TradePosition) error {
	return s.primary.UpdatePosition(ctx, p)
}

func (s *CachedStore) ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]model.TradePosition, error) {
	return s.primary.ListPositionsByStatus(ctx, status)
}

func (s *CachedStore) ListTradeLogs(ctx context.Context, vaID int64) ([]model.TradeLog, error) {
	return s.primary.ListTradeLogs(ctx, vaID)
}

// --- Cache helpers ---

// invalidate moves the virtual account to a new version after a write has
// committed.
func (s *CachedStore) invalidate(ctx context.Context, vaID int64) {
	s.rdb.Incr(ctx, vaVersionKey(vaID))
}

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func vaVersionKey(id int64) string { return fmt.Sprintf("va:ver:%d", id) }

func vaKey(id, version int64) string { return fmt.Sprintf("va:%d:v%d", id, version) }

func seriesVersionKey(q model.BarQuery) string {
	return fmt.Sprintf("bars:ver:%s:%s:%s:%d", q.Provider, q.Market, q.Product, q.Periods)
}

func barsKey(q model.BarQuery, version int64) string {
	return fmt.Sprintf("bars:%s:%s:%s:%d:v%d:%d:%d:%d",
		q.Provider, q.Market, q.Product, q.Periods, version,
		q.From.Unix(), q.To.Unix(), q.Limit)
}
