// Package api provides the operator HTTP handlers: read-only views of the
// portfolio, positions and trade logs, plus bar ingestion for the replay
// schedulers.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/magnet/trade-engine/internal/model"
	"github.com/magnet/trade-engine/internal/portfolio"
	"github.com/magnet/trade-engine/internal/store"
)

// Service serves the operator endpoints from a store.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

func NewService(st store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger}
}

// Mount registers the handlers on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Get("/virtual-accounts/{vaID}", s.GetVirtualAccount)
	r.Get("/virtual-accounts/{vaID}/trades", s.ListTrades)
	r.Get("/positions", s.ListPositions)
	r.Post("/bars", s.InsertBars)
}

// --- Response types ---

// PortfolioSummary is the body of GET /portfolio/{userID}.
type PortfolioSummary struct {
	UserID          int64            `json:"user_id"`
	Margin          decimal.Decimal  `json:"margin"`
	AllocatedMargin decimal.Decimal  `json:"allocated_margin"`
	OverMargin      bool             `json:"over_margin"`
	Accounts        []AccountSummary `json:"accounts"`
}

// AccountSummary is one account with its margin split.
type AccountSummary struct {
	portfolio.Account
	AllocatedMargin decimal.Decimal `json:"allocated_margin"`
	FreeMargin      decimal.Decimal `json:"free_margin"`
}

// VirtualAccountView is a virtual account with the position it holds.
type VirtualAccountView struct {
	portfolio.VirtualAccount
	Position *model.TradePosition `json:"position"`
}

// TradeSummary is the body of GET /virtual-accounts/{vaID}/trades.
type TradeSummary struct {
	VirtualAccountID int64            `json:"virtual_account_id"`
	Trades           []model.TradeLog `json:"trades"`
	Count            int              `json:"count"`
	Wins             int              `json:"wins"`
	FactProfit       decimal.Decimal  `json:"fact_profit"`
	Commission       decimal.Decimal  `json:"commission"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	accounts, err := s.store.ListAccounts(r.Context(), userID)
	if err != nil {
		s.logger.Error("list accounts", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, "failed to load accounts", http.StatusInternalServerError)
		return
	}
	p := portfolio.Portfolio{UserID: userID, Accounts: accounts}
	resp := PortfolioSummary{
		UserID:          userID,
		Margin:          p.Margin(),
		AllocatedMargin: p.AllocatedMargin(),
		OverMargin:      p.RaiseIfAllocatedOverMargin() != nil,
		Accounts:        make([]AccountSummary, 0, len(accounts)),
	}
	for _, a := range accounts {
		resp.Accounts = append(resp.Accounts, summarize(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "accountID")
	if !ok {
		return
	}
	a, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		s.storeError(w, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(*a))
}

// GetVirtualAccount handles GET /api/v1/virtual-accounts/{vaID}
func (s *Service) GetVirtualAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "vaID")
	if !ok {
		return
	}
	ctx := r.Context()
	va, err := s.store.GetVirtualAccount(ctx, id)
	if err != nil {
		s.storeError(w, "virtual account", err)
		return
	}
	view := VirtualAccountView{VirtualAccount: *va}
	if va.PositionID != nil {
		p, err := s.store.GetPosition(ctx, *va.PositionID)
		if err != nil {
			s.storeError(w, "position", err)
			return
		}
		view.Position = p
	}
	writeJSON(w, http.StatusOK, view)
}

// ListTrades handles GET /api/v1/virtual-accounts/{vaID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "vaID")
	if !ok {
		return
	}
	logs, err := s.store.ListTradeLogs(r.Context(), id)
	if err != nil {
		s.storeError(w, "trade log", err)
		return
	}
	if logs == nil {
		logs = []model.TradeLog{}
	}
	writeJSON(w, http.StatusOK, Summarize(id, logs))
}

// ListPositions handles GET /api/v1/positions?status=READY
// It is the operator's view of orders stuck mid-lifecycle.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = model.StatusReady.String()
	}
	status, err := parseStatus(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	positions, err := s.store.ListPositionsByStatus(r.Context(), status)
	if err != nil {
		s.logger.Error("list positions", zap.Stringer("status", status), zap.Error(err))
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.TradePosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// InsertBars handles POST /api/v1/bars
func (s *Service) InsertBars(w http.ResponseWriter, r *http.Request) {
	var bars []model.Bar
	if err := json.NewDecoder(r.Body).Decode(&bars); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for i, b := range bars {
		if b.Provider == "" || b.Market == "" || b.Product == "" || b.Periods <= 0 || b.CloseTime.IsZero() {
			writeError(w, "bar "+strconv.Itoa(i)+": provider, market, product, periods and close_time are required", http.StatusBadRequest)
			return
		}
	}
	if err := s.store.InsertBars(r.Context(), bars); err != nil {
		s.logger.Error("insert bars", zap.Int("count", len(bars)), zap.Error(err))
		writeError(w, "failed to store bars", http.StatusInternalServerError)
		return
	}
	s.logger.Info("bars inserted", zap.Int("count", len(bars)))
	writeJSON(w, http.StatusCreated, map[string]int{"inserted": len(bars)})
}

// Summarize totals a virtual account's trade log.
func Summarize(vaID int64, logs []model.TradeLog) TradeSummary {
	sum := TradeSummary{
		VirtualAccountID: vaID,
		Trades:           logs,
		Count:            len(logs),
		FactProfit:       decimal.Zero,
		Commission:       decimal.Zero,
	}
	for _, l := range logs {
		sum.FactProfit = sum.FactProfit.Add(l.FactProfit)
		sum.Commission = sum.Commission.Add(l.Commission)
		if l.FactProfit.IsPositive() {
			sum.Wins++
		}
	}
	return sum
}

func summarize(a portfolio.Account) AccountSummary {
	return AccountSummary{
		Account:         a,
		AllocatedMargin: a.AllocatedMargin(),
		FreeMargin:      a.FreeMargin(),
	}
}

var statuses = []model.PositionStatus{
	model.StatusCanceled,
	model.StatusCancelRequested,
	model.StatusReady,
	model.StatusRequested,
	model.StatusContracted,
}

func parseStatus(s string) (model.PositionStatus, error) {
	for _, st := range statuses {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, errors.New("unknown position status: " + s)
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, name+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Service) storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	s.logger.Error("store read failed", zap.String("entity", what), zap.Error(err))
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
