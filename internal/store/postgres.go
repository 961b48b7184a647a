package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC and read back as TEXT for exact
// decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *portfolio.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, user_id, provider, market, margin)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
			a.ID, a.UserID, a.Provider, a.Market, a.Margin.String(),
		); err != nil {
			return fmt.Errorf("create account %d: %w", a.ID, duplicate(err))
		}
		for _, va := range a.VirtualAccounts {
			if _, err := tx.Exec(ctx,
				`INSERT INTO virtual_accounts (id, account_id, name, product, periods,
				        allocation_rate, allocated_margin, min_unit, analyzers, reducer,
				        ask_limit_rate, ask_loss_rate, bid_limit_rate, bid_loss_rate,
				        position_id, is_active)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10,
				         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16)`,
				va.ID, a.ID, va.Name, va.Product, va.Periods,
				va.AllocationRate.String(), va.AllocatedMargin.String(), va.MinUnit.String(),
				va.Analyzers, va.ReducerName(),
				nullNum(va.AskLimitRate), nullNum(va.AskLossRate),
				nullNum(va.BidLimitRate), nullNum(va.BidLossRate),
				va.PositionID, va.IsActive,
			); err != nil {
				return fmt.Errorf("create virtual account %d: %w", va.ID, duplicate(err))
			}
		}
		return nil
	})
}

const accountColumns = `id, user_id, provider, market, margin::TEXT`

func scanAccount(row pgx.Row) (portfolio.Account, error) {
	var a portfolio.Account
	var margin string
	if err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.Market, &margin); err != nil {
		return a, err
	}
	return a, scanDecimal(&a.Margin, margin)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*portfolio.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, notFound(err))
	}
	if a.VirtualAccounts, err = s.listVirtualAccounts(ctx, `WHERE account_id = $1`, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, userID int64) ([]portfolio.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	var accounts []portfolio.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		accounts = append(accounts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range accounts {
		vas, err := s.listVirtualAccounts(ctx, `WHERE account_id = $1`, accounts[i].ID)
		if err != nil {
			return nil, err
		}
		accounts[i].VirtualAccounts = vas
	}
	return accounts, nil
}

func (s *PostgresStore) UpdateAccountMargin(ctx context.Context, id int64, margin decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET margin = $2::NUMERIC WHERE id = $1`, id, margin.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Virtual accounts ---

const vaColumns = `id, account_id, name, product, periods,
	allocation_rate::TEXT, allocated_margin::TEXT, min_unit::TEXT, analyzers, reducer,
	ask_limit_rate::TEXT, ask_loss_rate::TEXT, bid_limit_rate::TEXT, bid_loss_rate::TEXT,
	position_id, is_active`

func scanVirtualAccount(row pgx.Row) (portfolio.VirtualAccount, error) {
	var va portfolio.VirtualAccount
	var rate, allocated, unit string
	var askLimit, askLoss, bidLimit, bidLoss *string
	if err := row.Scan(&va.ID, &va.AccountID, &va.Name, &va.Product, &va.Periods,
		&rate, &allocated, &unit, &va.Analyzers, &va.Reducer,
		&askLimit, &askLoss, &bidLimit, &bidLoss,
		&va.PositionID, &va.IsActive); err != nil {
		return va, err
	}
	err := errors.Join(
		scanDecimal(&va.AllocationRate, rate),
		scanDecimal(&va.AllocatedMargin, allocated),
		scanDecimal(&va.MinUnit, unit),
		scanNullDecimal(&va.AskLimitRate, askLimit),
		scanNullDecimal(&va.AskLossRate, askLoss),
		scanNullDecimal(&va.BidLimitRate, bidLimit),
		scanNullDecimal(&va.BidLossRate, bidLoss),
	)
	return va, err
}

func (s *PostgresStore) listVirtualAccounts(ctx context.Context, where string, args ...any) ([]portfolio.VirtualAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+vaColumns+` FROM virtual_accounts `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vas []portfolio.VirtualAccount
	for rows.Next() {
		va, err := scanVirtualAccount(rows)
		if err != nil {
			return nil, err
		}
		vas = append(vas, va)
	}
	return vas, rows.Err()
}

func (s *PostgresStore) GetVirtualAccount(ctx context.Context, id int64) (*portfolio.VirtualAccount, error) {
	va, err := scanVirtualAccount(s.pool.QueryRow(ctx,
		`SELECT `+vaColumns+` FROM virtual_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get virtual account %d: %w", id, notFound(err))
	}
	return &va, nil
}

func (s *PostgresStore) UpdateVirtualAccount(ctx context.Context, va *portfolio.VirtualAccount) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE virtual_accounts
		 SET name = $2, product = $3, periods = $4,
		     allocation_rate = $5::NUMERIC, allocated_margin = $6::NUMERIC, min_unit = $7::NUMERIC,
		     analyzers = $8, reducer = $9,
		     ask_limit_rate = $10::NUMERIC, ask_loss_rate = $11::NUMERIC,
		     bid_limit_rate = $12::NUMERIC, bid_loss_rate = $13::NUMERIC,
		     is_active = $14
		 WHERE id = $1`,
		va.ID, va.Name, va.Product, va.Periods,
		va.AllocationRate.String(), va.AllocatedMargin.String(), va.MinUnit.String(),
		va.Analyzers, va.ReducerName(),
		nullNum(va.AskLimitRate), nullNum(va.AskLossRate),
		nullNum(va.BidLimitRate), nullNum(va.BidLossRate),
		va.IsActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("virtual account %d: %w", va.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListActiveVirtualAccounts(ctx context.Context) ([]portfolio.VirtualAccount, error) {
	return s.listVirtualAccounts(ctx, `WHERE is_active`)
}

// --- Positions ---

const positionColumns = `id, virtual_account_id, product, ask_or_bid, order_type,
	order_price::TEXT, order_unit::TEXT, contract_price::TEXT, contract_unit::TEXT,
	commission::TEXT, other_commission::TEXT, status,
	limit_price::TEXT, loss_price::TEXT, entry_id, api_data::TEXT, reason,
	created_at, updated_at`

func scanPosition(row pgx.Row) (model.TradePosition, error) {
	var p model.TradePosition
	var price, unit, commission, other string
	var contractPrice, contractUnit, limit, loss, apiData *string
	var side, status int16
	if err := row.Scan(&p.ID, &p.VirtualAccountID, &p.Product, &side, &p.OrderType,
		&price, &unit, &contractPrice, &contractUnit,
		&commission, &other, &status,
		&limit, &loss, &p.EntryID, &apiData, &p.Reason,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.AskOrBid = model.AskOrBid(side)
	p.Status = model.PositionStatus(status)
	if apiData != nil {
		p.APIData = model.APIData(*apiData)
	}
	err := errors.Join(
		scanDecimal(&p.OrderPrice, price),
		scanDecimal(&p.OrderUnit, unit),
		scanNullDecimal(&p.ContractPrice, contractPrice),
		scanNullDecimal(&p.ContractUnit, contractUnit),
		scanDecimal(&p.Commission, commission),
		scanDecimal(&p.OtherCommission, other),
		scanNullDecimal(&p.LimitPrice, limit),
		scanNullDecimal(&p.LossPrice, loss),
	)
	return p, err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id int64) (*model.TradePosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM trade_positions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", id, notFound(err))
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.TradePosition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return updatePosition(ctx, s.pool, p)
}

type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updatePosition(ctx context.Context, db execer, p *model.TradePosition) error {
	err := db.QueryRow(ctx,
		`UPDATE trade_positions
		 SET status = $2, contract_price = $3::NUMERIC, contract_unit = $4::NUMERIC,
		     commission = $5::NUMERIC, other_commission = $6::NUMERIC,
		     limit_price = $7::NUMERIC, loss_price = $8::NUMERIC,
		     api_data = $9::JSONB, reason = $10, updated_at = now()
		 WHERE id = $1
		 RETURNING created_at, updated_at`,
		p.ID, int16(p.Status), nullNum(p.ContractPrice), nullNum(p.ContractUnit),
		p.Commission.String(), p.OtherCommission.String(),
		nullNum(p.LimitPrice), nullNum(p.LossPrice),
		jsonText(p.APIData), p.Reason,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update position %d: %w", p.ID, notFound(err))
	}
	return nil
}

func (s *PostgresStore) ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]model.TradePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM trade_positions WHERE status = $1 ORDER BY id`, int16(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradePosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BookPosition(ctx context.Context, vaID int64, expected *int64, p *model.TradePosition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current *int64
		err := tx.QueryRow(ctx,
			`SELECT position_id FROM virtual_accounts WHERE id = $1 FOR UPDATE`, vaID).Scan(&current)
		if err != nil {
			return fmt.Errorf("lock virtual account %d: %w", vaID, notFound(err))
		}
		if !samePointer(current, expected) {
			return fmt.Errorf("virtual account %d: %w", vaID, ErrConflict)
		}

		p.VirtualAccountID = vaID
		err = tx.QueryRow(ctx,
			`INSERT INTO trade_positions (virtual_account_id, product, ask_or_bid, order_type,
			        order_price, order_unit, commission, other_commission, status,
			        limit_price, loss_price, entry_id, api_data, reason)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
			         $10::NUMERIC, $11::NUMERIC, $12, $13::JSONB, $14)
			 RETURNING id, created_at, updated_at`,
			vaID, p.Product, int16(p.AskOrBid), p.OrderType,
			p.OrderPrice.String(), p.OrderUnit.String(),
			p.Commission.String(), p.OtherCommission.String(), int16(p.Status),
			nullNum(p.LimitPrice), nullNum(p.LossPrice), p.EntryID,
			jsonText(p.APIData), p.Reason,
		).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE virtual_accounts SET position_id = $2 WHERE id = $1`, vaID, p.ID)
		return err
	})
}

func (s *PostgresStore) ReleasePosition(ctx context.Context, p *model.TradePosition, pointer *int64) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updatePosition(ctx, tx, p); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE virtual_accounts SET position_id = $2 WHERE id = $1`, p.VirtualAccountID, pointer)
		return err
	})
}

// --- Trade log ---

func (s *PostgresStore) RecordTrade(ctx context.Context, l *model.TradeLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO trade_logs (id, virtual_account_id, entry_id, counter_id, product, side,
			        buy_price, sell_price, size, commission, profit, profit_rate, fact_profit,
			        opened_at, closed_at)
			 VALUES ($1::TEXT::UUID, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
			         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14, $15)
			 ON CONFLICT (counter_id) DO NOTHING`,
			l.ID, l.VirtualAccountID, l.EntryID, l.CounterID, l.Product, int16(l.Side),
			l.BuyPrice.String(), l.SellPrice.String(), l.Size.String(), l.Commission.String(),
			l.Profit.String(), l.ProfitRate.String(), l.FactProfit.String(),
			l.OpenedAt, l.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("insert trade log: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("trade log of position %d: %w", l.CounterID, ErrDuplicate)
		}
		tag, err = tx.Exec(ctx,
			`UPDATE virtual_accounts
			 SET position_id = NULL, allocated_margin = allocated_margin + $2::NUMERIC
			 WHERE id = $1`,
			l.VirtualAccountID, l.FactProfit.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("virtual account %d: %w", l.VirtualAccountID, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) ListTradeLogs(ctx context.Context, vaID int64) ([]model.TradeLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, virtual_account_id, entry_id, counter_id, product, side,
		        buy_price::TEXT, sell_price::TEXT, size::TEXT, commission::TEXT,
		        profit::TEXT, profit_rate::TEXT, fact_profit::TEXT, opened_at, closed_at
		 FROM trade_logs WHERE virtual_account_id = $1 ORDER BY closed_at`, vaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.TradeLog
	for rows.Next() {
		var l model.TradeLog
		var buy, sell, size, commission, profit, rate, fact string
		var side int16
		if err := rows.Scan(&l.ID, &l.VirtualAccountID, &l.EntryID, &l.CounterID, &l.Product, &side,
			&buy, &sell, &size, &commission, &profit, &rate, &fact,
			&l.OpenedAt, &l.ClosedAt); err != nil {
			return nil, err
		}
		l.Side = model.AskOrBid(side)
		if err := errors.Join(
			scanDecimal(&l.BuyPrice, buy),
			scanDecimal(&l.SellPrice, sell),
			scanDecimal(&l.Size, size),
			scanDecimal(&l.Commission, commission),
			scanDecimal(&l.Profit, profit),
			scanDecimal(&l.ProfitRate, rate),
			scanDecimal(&l.FactProfit, fact),
		); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Bars ---

func (s *PostgresStore) InsertBars(ctx context.Context, bars []model.Bar) error {
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(
			`INSERT INTO bars (provider, market, product, periods, open_time, close_time,
			        open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC)
			 ON CONFLICT (provider, market, product, periods, close_time) DO UPDATE
			 SET open_time = EXCLUDED.open_time, open = EXCLUDED.open, high = EXCLUDED.high,
			     low = EXCLUDED.low, close = EXCLUDED.close, volume = EXCLUDED.volume`,
			b.Provider, b.Market, b.Product, b.Periods, b.OpenTime, b.CloseTime,
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ListBars(ctx context.Context, q model.BarQuery) ([]model.Bar, error) {
	sql := `SELECT provider, market, product, periods, open_time, close_time,
	               open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT
	        FROM bars
	        WHERE provider = $1 AND market = $2 AND product = $3 AND periods = $4
	          AND ($5::TIMESTAMPTZ IS NULL OR close_time >= $5)
	          AND ($6::TIMESTAMPTZ IS NULL OR close_time <= $6)`
	args := []any{q.Provider, q.Market, q.Product, q.Periods, optionalTime(q.From), optionalTime(q.To)}
	if q.Limit > 0 {
		sql = `SELECT * FROM (` + sql + ` ORDER BY close_time DESC LIMIT $7) recent ORDER BY close_time`
		args = append(args, q.Limit)
	} else {
		sql += ` ORDER BY close_time`
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var open, high, low, closePrice, volume string
		if err := rows.Scan(&b.Provider, &b.Market, &b.Product, &b.Periods, &b.OpenTime, &b.CloseTime,
			&open, &high, &low, &closePrice, &volume); err != nil {
			return nil, err
		}
		if err := errors.Join(
			scanDecimal(&b.Open, open),
			scanDecimal(&b.High, high),
			scanDecimal(&b.Low, low),
			scanDecimal(&b.Close, closePrice),
			scanDecimal(&b.Volume, volume),
		); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// --- Helpers ---

func nullNum(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func jsonText(d model.APIData) *string {
	if len(d) == 0 {
		return nil
	}
	s := string(d)
	return &s
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanDecimal(dst *decimal.Decimal, s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("parse numeric %q: %w", s, err)
	}
	*dst = d
	return nil
}

func scanNullDecimal(dst *decimal.NullDecimal, s *string) error {
	if s == nil {
		*dst = decimal.NullDecimal{}
		return nil
	}
	var d decimal.Decimal
	if err := scanDecimal(&d, *s); err != nil {
		return err
	}
	*dst = decimal.NewNullDecimal(d)
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// duplicate maps a unique violation to ErrDuplicate.
func duplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
