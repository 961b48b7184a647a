package sizing

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCalcUnitAmount_Basic(t *testing.T) {
	tests := []struct {
		budget, price, unit, want float64
	}{
		{1000, 100, 1, 10},
		{1050, 100, 1, 10},
		{1000, 3, 1, 333},
		{100, 3000000, 0.001, 0},
		{10000, 3000000, 0.001, 0.003},
		{0, 100, 0.1, 0},
		{1000, 0.3, 0.1, 3333.3},
	}
	for _, tt := range tests {
		got, err := CalcUnitAmount(d(tt.budget), d(tt.price), d(tt.unit))
		if err != nil {
			t.Fatalf("CalcUnitAmount(%v, %v, %v): unexpected error %v", tt.budget, tt.price, tt.unit, err)
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("CalcUnitAmount(%v, %v, %v) = %s, want %v", tt.budget, tt.price, tt.unit, got, tt.want)
		}
	}
}

func TestCalcUnitAmount_InvalidInputs(t *testing.T) {
	tests := []struct {
		name                string
		budget, price, unit float64
		want                error
	}{
		{"negative budget", -1, 100, 1, ErrNegativeBudget},
		{"zero price", 100, 0, 1, ErrNonPositivePrice},
		{"negative price", 100, -5, 1, ErrNonPositivePrice},
		{"zero unit", 100, 10, 0, ErrNonPositiveUnit},
		{"negative unit", 100, 10, -0.1, ErrNonPositiveUnit},
	}
	for _, tt := range tests {
		_, err := CalcUnitAmount(d(tt.budget), d(tt.price), d(tt.unit))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected error to wrap ErrInvalidInput", tt.name)
		}
	}
}

// The result is the largest multiple of the unit whose notional fits the budget.
func TestCalcUnitAmount_LargestFittingMultiple(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	units := []decimal.Decimal{d(1), d(0.1), d(0.01), d(0.001), d(0.00000001), d(5)}

	for i := 0; i < 2000; i++ {
		budget := decimal.NewFromInt(rng.Int63n(10_000_000)).Shift(-2)
		price := decimal.NewFromInt(rng.Int63n(100_000_000) + 1).Shift(-int32(rng.Intn(5)))
		unit := units[rng.Intn(len(units))]

		got, err := CalcUnitAmount(budget, price, unit)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.IsNegative() {
			t.Fatalf("negative amount %s", got)
		}
		if !got.Mod(unit).IsZero() {
			t.Fatalf("amount %s is not a multiple of %s", got, unit)
		}
		if got.Mul(price).GreaterThan(budget) {
			t.Fatalf("notional %s exceeds budget %s (amount %s price %s)", got.Mul(price), budget, got, price)
		}
		if !got.Add(unit).Mul(price).GreaterThan(budget) {
			t.Fatalf("amount %s is not maximal for budget %s price %s unit %s", got, budget, price, unit)
		}
	}
}

func TestCalcUnitAmount_Monotonic(t *testing.T) {
	price, unit := d(123.45), d(0.01)
	prev := decimal.Zero
	for b := int64(0); b < 5000; b += 37 {
		got, err := CalcUnitAmount(decimal.NewFromInt(b), price, unit)
		if err != nil {
			t.Fatal(err)
		}
		if got.LessThan(prev) {
			t.Fatalf("not monotonic in budget: %s after %s", got, prev)
		}
		prev = got
	}

	budget := d(10000)
	prev = d(1e12)
	for p := int64(1); p < 5000; p += 41 {
		got, err := CalcUnitAmount(budget, decimal.NewFromInt(p), unit)
		if err != nil {
			t.Fatal(err)
		}
		if got.GreaterThan(prev) {
			t.Fatalf("not non-increasing in price: %s after %s", got, prev)
		}
		prev = got
	}
}

func TestCalcAmount_FloatPromotion(t *testing.T) {
	// 0.1 + 0.2 style artefacts must not shave a unit off the result.
	got, err := CalcAmount(0.3, 0.1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(3)) {
		t.Errorf("expected 3, got %s", got)
	}

	got, err = CalcAmount(1000, 0.7, 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(1428.57)) {
		t.Errorf("expected 1428.57, got %s", got)
	}
}

func TestCalcAmount_Invalid(t *testing.T) {
	if _, err := CalcAmount(-1, 1, 1); !errors.Is(err, ErrNegativeBudget) {
		t.Errorf("expected ErrNegativeBudget, got %v", err)
	}
}

func TestInferMinUnit(t *testing.T) {
	tests := []struct {
		price, want float64
	}{
		{0.5, 1},
		{9.99, 1},
		{10, 0.1},
		{99, 0.1},
		{100, 0.01},
		{5_000_000, 0.000001},
		{1e15, 0.00000001},
	}
	for _, tt := range tests {
		if got := InferMinUnit(d(tt.price)); !got.Equal(d(tt.want)) {
			t.Errorf("InferMinUnit(%v) = %s, want %v", tt.price, got, tt.want)
		}
	}
}

func TestFloorToUnit(t *testing.T) {
	if got := FloorToUnit(d(105.678), d(0.01)); !got.Equal(d(105.67)) {
		t.Errorf("expected 105.67, got %s", got)
	}
	if got := FloorToUnit(d(105.678), decimal.Zero); !got.Equal(d(105.678)) {
		t.Errorf("expected unchanged value, got %s", got)
	}
}
