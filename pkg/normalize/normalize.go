// Package normalize fits raw quantities and prices to a symbol's lot size,
// tick size and minimum notional before they are sent to the exchange.
package normalize

import (
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

// FloorToStep returns the largest multiple of step that is <= v.
// Negative input floors to zero; a non-positive step leaves v untouched.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !v.IsPositive() {
		return decimal.Zero
	}
	if !step.IsPositive() {
		return v
	}
	q, _ := v.QuoRem(step, 0)
	return q.Mul(step)
}

// NormalizeQuantity floors raw to the lot step and checks it against the lot
// bounds and, when price is positive, the minimum notional.
func NormalizeQuantity(raw, price decimal.Decimal, rules models.SymbolRules) (decimal.Decimal, error) {
	qty := FloorToStep(raw, rules.QuantityStep).Truncate(rules.QuantityPrecision)

	minQty := rules.MinQty
	if !minQty.IsPositive() {
		minQty = rules.QuantityStep
	}
	if !qty.IsPositive() || qty.LessThan(minQty) {
		return decimal.Zero, &models.QuantityError{
			Kind:     models.ErrBelowMinQty,
			Symbol:   rules.Symbol,
			Quantity: qty,
			Limit:    minQty,
		}
	}

	if rules.MaxQty.IsPositive() && qty.GreaterThan(rules.MaxQty) {
		return decimal.Zero, &models.QuantityError{
			Kind:     models.ErrAboveMaxQty,
			Symbol:   rules.Symbol,
			Quantity: qty,
			Limit:    rules.MaxQty,
		}
	}

	if err := CheckNotional(qty, price, rules); err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// CheckNotional fails with a *models.NotionalError when qty*price is below
// the symbol's minimum order value. A zero price skips the check.
func CheckNotional(qty, price decimal.Decimal, rules models.SymbolRules) error {
	if !rules.MinNotional.IsPositive() || !price.IsPositive() {
		return nil
	}

	notional := qty.Mul(price)
	if notional.GreaterThanOrEqual(rules.MinNotional) {
		return nil
	}
	return &models.NotionalError{
		Symbol:   rules.Symbol,
		Required: rules.MinNotional,
		Actual:   notional,
		Deficit:  rules.MinNotional.Sub(notional),
	}
}

// NormalizePrice floors raw to the price tick.
func NormalizePrice(raw decimal.Decimal, rules models.SymbolRules) decimal.Decimal {
	return FloorToStep(raw, rules.PriceTick).Truncate(rules.PricePrecision)
}

// QuantityForQuote converts a quote budget into a base quantity at price.
// The result is not yet fitted to the lot step.
func QuantityForQuote(quote, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	// truncated, so the budget is never exceeded
	q, _ := quote.QuoRem(price, 16)
	return q
}

// FormatQuantity renders qty the way the exchange expects it: plain decimal
// notation, no exponent and no trailing zeros.
func FormatQuantity(qty decimal.Decimal, rules models.SymbolRules) string {
	return format(qty, rules.QuantityPrecision)
}

func FormatPrice(price decimal.Decimal, rules models.SymbolRules) string {
	return format(price, rules.PricePrecision)
}

func format(v decimal.Decimal, precision int32) string {
	if !v.IsPositive() {
		return "0"
	}
	return v.Truncate(precision).String()
}
