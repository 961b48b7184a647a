package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLC candle keyed by (provider, market, product, periods, close time).
type Bar struct {
	Provider   string                     `json:"provider" db:"provider"`
	Market     string                     `json:"market" db:"market"`
	Product    string                     `json:"product" db:"product"`
	Periods    int                        `json:"periods" db:"periods"`
	OpenTime   time.Time                  `json:"open_time" db:"open_time"`
	CloseTime  time.Time                  `json:"close_time" db:"close_time"`
	Open       decimal.Decimal            `json:"open" db:"open"`
	High       decimal.Decimal            `json:"high" db:"high"`
	Low        decimal.Decimal            `json:"low" db:"low"`
	Close      decimal.Decimal            `json:"close" db:"close"`
	Volume     decimal.Decimal            `json:"volume" db:"volume"`
	Indicators map[string]decimal.Decimal `json:"indicators,omitempty" db:"-"`
}

// BarQuery selects bars. Zero From/To leave that end open; Limit > 0 keeps
// only the most recent Limit bars.
type BarQuery struct {
	Provider string
	Market   string
	Product  string
	Periods  int
	From     time.Time
	To       time.Time
	Limit    int
}

// Ticker is the market snapshot of one tick.
type Ticker struct {
	Product string          `json:"product"`
	Price   decimal.Decimal `json:"price"`
	Time    time.Time       `json:"time"`
	Bars    []Bar           `json:"bars,omitempty"`
}

// Last returns the current bar, if any.
func (t *Ticker) Last() (Bar, bool) {
	if t == nil || len(t.Bars) == 0 {
		return Bar{}, false
	}
	return t.Bars[len(t.Bars)-1], true
}

// Prev returns the bar before the current one, if any.
func (t *Ticker) Prev() (Bar, bool) {
	if t == nil || len(t.Bars) < 2 {
		return Bar{}, false
	}
	return t.Bars[len(t.Bars)-2], true
}

// Topic is the per-tick value the dealer analyses. TopicDT may lag CurrentDT
// when the data source has not caught up.
type Topic struct {
	CurrentDT time.Time      `json:"current_dt"`
	TopicDT   time.Time      `json:"topic_dt"`
	Ticker    *Ticker        `json:"ticker"`
	Position  *TradePosition `json:"position"`
	Decision  *DealMessage   `json:"decision"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Copy returns a copy of the topic whose position, decision and extra map
// are not shared with t.
func (t *Topic) Copy() Topic {
	c := *t
	c.Position = t.Position.Clone()
	if t.Decision != nil {
		d := *t.Decision
		c.Decision = &d
	}
	if t.Extra != nil {
		c.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	return c
}
