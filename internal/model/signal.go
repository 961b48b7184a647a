package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BuyAndSellSignal is the verdict of one analyzer.
type BuyAndSellSignal int

const (
	SignalNo BuyAndSellSignal = iota
	SignalBuy
	SignalSell
	SignalClose
	SignalNotify
	SignalConflict
)

func (s BuyAndSellSignal) String() string {
	switch s {
	case SignalNo:
		return "NO"
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	case SignalClose:
		return "CLOSE"
	case SignalNotify:
		return "NOTIFY"
	case SignalConflict:
		return "CONFLICT"
	}
	return fmt.Sprintf("BuyAndSellSignal(%d)", int(s))
}

// IsTrade reports whether the signal can lead to an order.
func (s BuyAndSellSignal) IsTrade() bool {
	return s == SignalBuy || s == SignalSell || s == SignalClose
}

// Side maps BUY/SELL to the order side. CLOSE and the rest have no side of
// their own.
func (s BuyAndSellSignal) Side() (AskOrBid, bool) {
	switch s {
	case SignalBuy:
		return Ask, true
	case SignalSell:
		return Bid, true
	}
	return 0, false
}

// DealMessage is the output of one analyzer.
type DealMessage struct {
	BuyAndSell  BuyAndSellSignal    `json:"buy_and_sell"`
	Reason      string              `json:"reason"`
	Priority    int                 `json:"priority"`
	TargetPrice decimal.NullDecimal `json:"target_price"`
}
