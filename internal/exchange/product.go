package exchange

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidProduct = errors.New("exchange: invalid product code")

// Quote currencies are listed longest first so "usdt" wins over "usd".
var productRegex = regexp.MustCompile(`^([a-z0-9]+?)(usdt|usdc|jpy|usd|eur|btc|eth)$`)

// Product is a parsed currency pair.
type Product struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParseProduct accepts "btcjpy", "BTC_JPY", "btc/jpy" or "BTC-JPY".
func ParseProduct(code string) (Product, error) {
	norm := strings.ToLower(code)
	norm = strings.NewReplacer("_", "", "/", "", "-", "").Replace(norm)
	m := productRegex.FindStringSubmatch(norm)
	if m == nil {
		return Product{}, fmt.Errorf("%w: %q (expected BASE_QUOTE, e.g. BTC_JPY)", ErrInvalidProduct, code)
	}
	return Product{Base: m[1], Quote: m[2]}, nil
}

// Code is the generic lowercase code, e.g. "btcjpy".
func (p Product) Code() string {
	return p.Base + p.Quote
}

// Underscore is the upper-case BASE_QUOTE form, e.g. "BTC_JPY".
func (p Product) Underscore() string {
	return strings.ToUpper(p.Base) + "_" + strings.ToUpper(p.Quote)
}

func (p Product) String() string {
	return p.Code()
}
