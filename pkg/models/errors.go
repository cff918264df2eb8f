package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrInvalidRiskValue    = errors.New("invalid risk value")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinQty         = errors.New("quantity below minimum")
	ErrAboveMaxQty         = errors.New("quantity above maximum")
	ErrNotionalTooLow      = errors.New("order value below minimum notional")
	ErrExchangeRejected    = errors.New("exchange rejected request")
	ErrTimeout             = errors.New("exchange request timed out")
	ErrWrongPassword       = errors.New("wrong master password")
)

// QuantityError reports a quantity outside the symbol's lot size bounds.
type QuantityError struct {
	Kind     error
	Symbol   string
	Quantity decimal.Decimal
	Limit    decimal.Decimal
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("%s: %s quantity %s, limit %s", e.Kind, e.Symbol, e.Quantity, e.Limit)
}

func (e *QuantityError) Unwrap() error { return e.Kind }

// NotionalError carries the shortfall so callers can tell the user by how
// much to increase the amount.
type NotionalError struct {
	Symbol   string
	Required decimal.Decimal
	Actual   decimal.Decimal
	Deficit  decimal.Decimal
}

func (e *NotionalError) Error() string {
	return fmt.Sprintf("%s: %s order value %s below %s, increase amount by %s",
		ErrNotionalTooLow, e.Symbol, e.Actual.StringFixed(2), e.Required.StringFixed(2), e.Deficit.StringFixed(2))
}

func (e *NotionalError) Unwrap() error { return ErrNotionalTooLow }

type BalanceError struct {
	Asset     string
	Available decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%s: %s available %s", ErrInsufficientBalance, e.Asset, e.Available)
}

func (e *BalanceError) Unwrap() error { return ErrInsufficientBalance }
