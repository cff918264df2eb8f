package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNotionalErrorUnwrap(t *testing.T) {
	err := &NotionalError{
		Symbol:   "BTCUSDT",
		Required: decimal.NewFromInt(10),
		Actual:   decimal.RequireFromString("7.5"),
		Deficit:  decimal.RequireFromString("2.5"),
	}

	assert.True(t, errors.Is(err, ErrNotionalTooLow))
	assert.Contains(t, err.Error(), "increase amount by 2.50")
}

func TestQuantityErrorUnwrap(t *testing.T) {
	err := &QuantityError{Kind: ErrAboveMaxQty, Symbol: "ETHUSDT"}
	assert.True(t, errors.Is(err, ErrAboveMaxQty))
	assert.False(t, errors.Is(err, ErrBelowMinQty))
}

func TestOrderRemaining(t *testing.T) {
	o := &ExchangeOrder{RequestedQty: decimal.RequireFromString("1.5"), ExecutedQty: decimal.RequireFromString("0.5")}
	assert.True(t, o.Remaining().Equal(decimal.NewFromInt(1)))

	o.ExecutedQty = decimal.NewFromInt(2)
	assert.True(t, o.Remaining().IsZero())
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("  btcusdt "))
	assert.True(t, OrderStatusPartiallyFilled.Open())
	assert.False(t, OrderStatusFilled.Open())
}

func TestPairSymbol(t *testing.T) {
	tests := map[string]string{
		"eth":     "ETHUSDT",
		" Sol ":   "SOLUSDT",
		"btcusdt": "BTCUSDT",
		"ETHUSDT": "ETHUSDT",
		"":        "",
	}
	for in, want := range tests {
		assert.Equal(t, want, PairSymbol(in, "usdt"), in)
	}
}
