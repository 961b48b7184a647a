// Package sizing computes order quantities from a budget, a price and the
// smallest tradable unit. Inputs are decimals; float inputs are promoted
// through their shortest string form so binary rounding never leaks into an
// order size.
package sizing

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is the parent of every sizing validation error.
	ErrInvalidInput = errors.New("sizing: invalid input")

	ErrNegativeBudget   = fmt.Errorf("%w: budget must not be negative", ErrInvalidInput)
	ErrNonPositivePrice = fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	ErrNonPositiveUnit  = fmt.Errorf("%w: min unit must be positive", ErrInvalidInput)
)

// smallestUnit bounds InferMinUnit for very expensive instruments.
var smallestUnit = decimal.New(1, -8)

// CalcUnitAmount returns the largest multiple of minUnit whose notional
// (amount * realPrice) does not exceed budget.
func CalcUnitAmount(budget, realPrice, minUnit decimal.Decimal) (decimal.Decimal, error) {
	if budget.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNegativeBudget, budget)
	}
	if !realPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNonPositivePrice, realPrice)
	}
	if !minUnit.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNonPositiveUnit, minUnit)
	}

	units := budget.DivRound(realPrice.Mul(minUnit), 16).Floor()
	amount := units.Mul(minUnit)

	// DivRound can round a quotient like 9.99…9 up to 10; step back until the
	// notional fits.
	for amount.IsPositive() && amount.Mul(realPrice).GreaterThan(budget) {
		amount = amount.Sub(minUnit)
	}
	return amount, nil
}

// CalcAmount is CalcUnitAmount for plain float inputs.
func CalcAmount(budget, realPrice, minUnit float64) (decimal.Decimal, error) {
	b, err := fromFloat(budget)
	if err != nil {
		return decimal.Zero, err
	}
	p, err := fromFloat(realPrice)
	if err != nil {
		return decimal.Zero, err
	}
	u, err := fromFloat(minUnit)
	if err != nil {
		return decimal.Zero, err
	}
	return CalcUnitAmount(b, p, u)
}

func fromFloat(f float64) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strconv.FormatFloat(f, 'f', -1, 64))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidInput, f)
	}
	return v, nil
}

// InferMinUnit guesses the order size step from the price magnitude:
// below 10 trades whole units, each further decade adds one decimal place.
func InferMinUnit(price decimal.Decimal) decimal.Decimal {
	unit := decimal.NewFromInt(1)
	tenth := decimal.New(1, -1)
	bound := decimal.NewFromInt(10)
	for price.GreaterThanOrEqual(bound) && unit.GreaterThan(smallestUnit) {
		unit = unit.Mul(tenth)
		bound = bound.Mul(decimal.NewFromInt(10))
	}
	return unit
}

// FloorToUnit rounds v down to a multiple of unit. A non-positive unit
// returns v unchanged.
func FloorToUnit(v, unit decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() {
		return v
	}
	return v.Div(unit).Floor().Mul(unit)
}
