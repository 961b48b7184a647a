// Package bitflyer is the bitFlyer Lightning REST adapter.
package bitflyer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/magnet/trade-engine/internal/exchange"
	"github.com/magnet/trade-engine/internal/model"
)

const DefaultBaseURL = "https://api.bitflyer.com"

// Child order states reported by getchildorders. StatePending is local: the
// order was accepted but is not listed yet.
const (
	StatePending   = "PENDING"
	StateActive    = "ACTIVE"
	StateCompleted = "COMPLETED"
	StateCanceled  = "CANCELED"
	StateExpired   = "EXPIRED"
	StateRejected  = "REJECTED"
)

var ErrAPI = errors.New("bitflyer: api error")

// Config holds the API credentials and endpoint.
type Config struct {
	BaseURL string
	Key     string
	Secret  string
	Timeout time.Duration
}

// Client implements exchange.Exchange against bitFlyer Lightning.
type Client struct {
	cfg    Config
	http   *http.Client
	now    func() time.Time
	logger *zap.Logger
}

// New creates a client. A zero BaseURL uses DefaultBaseURL.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: logger.Named("bitflyer"),
	}
}

// Order is the payload stored for every response: acceptance, status and
// cancel results share it so any of them can be polled again.
type Order struct {
	ProductCode     string          `json:"product_code"`
	AcceptanceID    string          `json:"child_order_acceptance_id"`
	State           string          `json:"child_order_state"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	ExecutedSize    decimal.Decimal `json:"executed_size"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	Status          int             `json:"status,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
}

type apiError struct {
	Status       int    `json:"status"`
	ErrorMessage string `json:"error_message"`
}

type sendChildOrder struct {
	ProductCode    string      `json:"product_code"`
	ChildOrderType string      `json:"child_order_type"`
	Side           string      `json:"side"`
	Price          json.Number `json:"price,omitempty"`
	Size           json.Number `json:"size"`
	MinuteToExpire int         `json:"minute_to_expire"`
	TimeInForce    string      `json:"time_in_force"`
}

type cancelChildOrder struct {
	ProductCode  string `json:"product_code"`
	AcceptanceID string `json:"child_order_acceptance_id"`
}

func (c *Client) Name() string { return "bitflyer" }

func (c *Client) LocalizeProductCode(product string) (string, error) {
	p, err := exchange.ParseProduct(product)
	if err != nil {
		return "", err
	}
	return p.Underscore(), nil
}

func (c *Client) LocalizeOrder(o exchange.PreOrder) (exchange.LocalOrder, error) {
	return exchange.Localize(o, c.LocalizeProductCode)
}

// Order sends a child order. A rejection (HTTP 400 with a negative status)
// is returned as payload so the caller can cancel the position.
func (c *Client) Order(ctx context.Context, o exchange.LocalOrder) (model.APIData, error) {
	req := sendChildOrder{
		ProductCode:    o.Product,
		ChildOrderType: o.OrderType,
		Side:           o.Side,
		Size:           json.Number(o.Size.String()),
		MinuteToExpire: 43200,
		TimeInForce:    "GTC",
	}
	if o.OrderType == model.OrderTypeLimit {
		req.Price = json.Number(o.Price.String())
	}

	var resp Order
	apiErr, err := c.do(ctx, http.MethodPost, "/v1/me/sendchildorder", nil, req, &resp)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		c.logger.Warn("order rejected",
			zap.String("product", o.Product),
			zap.Int("status", apiErr.Status),
			zap.String("message", apiErr.ErrorMessage))
		return model.EncodeAPIData(Order{
			ProductCode:  o.Product,
			State:        StateRejected,
			Status:       apiErr.Status,
			ErrorMessage: apiErr.ErrorMessage,
		})
	}
	if resp.AcceptanceID == "" {
		return nil, model.ErrEmptyAPIData
	}
	resp.ProductCode = o.Product
	resp.State = StatePending
	return model.EncodeAPIData(resp)
}

// FetchOrderStatus looks the order up by acceptance id.
func (c *Client) FetchOrderStatus(ctx context.Context, accepted model.APIData) (model.APIData, error) {
	ref, err := decode(accepted)
	if err != nil {
		return nil, err
	}
	if ref.AcceptanceID == "" {
		// Rejected at submission; nothing to poll.
		return accepted, nil
	}
	q := url.Values{}
	q.Set("product_code", ref.ProductCode)
	q.Set("child_order_acceptance_id", ref.AcceptanceID)

	var orders []Order
	apiErr, err := c.do(ctx, http.MethodGet, "/v1/me/getchildorders", q, nil, &orders)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, fmt.Errorf("%w: getchildorders status %d: %s", ErrAPI, apiErr.Status, apiErr.ErrorMessage)
	}
	if len(orders) == 0 {
		ref.State = StatePending
		return model.EncodeAPIData(ref)
	}
	st := orders[0]
	st.ProductCode = ref.ProductCode
	st.AcceptanceID = ref.AcceptanceID
	st.CancelRequested = ref.CancelRequested
	return model.EncodeAPIData(st)
}

// OrderCancel cancels an active order. It returns nil when the order has
// already left the book.
func (c *Client) OrderCancel(ctx context.Context, accepted model.APIData) (model.APIData, error) {
	status, err := c.FetchOrderStatus(ctx, accepted)
	if err != nil {
		return nil, err
	}
	cur, err := decode(status)
	if err != nil {
		return nil, err
	}
	if cur.State != StateActive && cur.State != StatePending {
		return nil, nil
	}
	apiErr, err := c.do(ctx, http.MethodPost, "/v1/me/cancelchildorder", nil, cancelChildOrder{
		ProductCode:  cur.ProductCode,
		AcceptanceID: cur.AcceptanceID,
	}, nil)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, fmt.Errorf("%w: cancelchildorder status %d: %s", ErrAPI, apiErr.Status, apiErr.ErrorMessage)
	}
	cur.CancelRequested = true
	return model.EncodeAPIData(cur)
}

func (c *Client) IsCompleted(status model.APIData) (bool, error) {
	o, err := decode(status)
	if err != nil {
		return false, err
	}
	return o.State == StateCompleted, nil
}

func (c *Client) IsCanceled(status model.APIData) (bool, error) {
	o, err := decode(status)
	if err != nil {
		return false, err
	}
	switch o.State {
	case StateCanceled, StateExpired, StateRejected:
		return true, nil
	}
	return false, nil
}

func (c *Client) Finalize(status model.APIData) (model.OrderResult, error) {
	o, err := decode(status)
	if err != nil {
		return model.OrderResult{}, err
	}
	if o.State != StateCompleted {
		return model.OrderResult{}, fmt.Errorf("%w: order %s is %s", exchange.ErrInvalidOrder, o.AcceptanceID, o.State)
	}
	return model.OrderResult{
		AveragePrice:    o.AveragePrice,
		ExecutedSize:    o.ExecutedSize,
		TotalCommission: o.TotalCommission,
		OtherCommission: decimal.Zero,
	}, nil
}

type ticker struct {
	ProductCode string          `json:"product_code"`
	LTP         decimal.Decimal `json:"ltp"`
}

// Price returns the last traded price of a generic product code.
func (c *Client) Price(ctx context.Context, product string) (decimal.Decimal, error) {
	code, err := c.LocalizeProductCode(product)
	if err != nil {
		return decimal.Zero, err
	}
	q := url.Values{}
	q.Set("product_code", code)
	var t ticker
	apiErr, err := c.do(ctx, http.MethodGet, "/v1/ticker", q, nil, &t)
	if err != nil {
		return decimal.Zero, err
	}
	if apiErr != nil {
		return decimal.Zero, fmt.Errorf("%w: ticker status %d: %s", ErrAPI, apiErr.Status, apiErr.ErrorMessage)
	}
	return t.LTP, nil
}

// do sends a signed request. A 4xx response with an error body is returned
// as apiError; transport failures and 5xx are errors.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) (*apiError, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	target := path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("ACCESS-KEY", c.cfg.Key)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-SIGN", Sign(c.cfg.Secret, ts, method, target, payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrAPI, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e apiError
		if err := json.Unmarshal(raw, &e); err != nil || e.Status == 0 {
			return nil, fmt.Errorf("%w: %s %s returned %d", ErrAPI, method, path, resp.StatusCode)
		}
		return &e, nil
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil, nil
}

// Sign is the ACCESS-SIGN header: hex HMAC-SHA256 of
// timestamp + method + path (with query) + body.
func Sign(secret, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func decode(data model.APIData) (Order, error) {
	var o Order
	if err := data.Decode(&o); err != nil {
		return Order{}, err
	}
	return o, nil
}
