package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AmountKind string

const (
	AmountPercentage AmountKind = "PERCENTAGE"
	AmountFixedQuote AmountKind = "FIXED_QUOTE"
)

type AmountSpec struct {
	Kind  AmountKind
	Value decimal.Decimal
}

// TradeIntent is a single user request to trade. It is consumed once.
type TradeIntent struct {
	Symbol string
	Side   OrderSide
	Style  OrderType
	Amount AmountSpec
}

func (i TradeIntent) String() string {
	return fmt.Sprintf("%s %s %s %s=%s", i.Style, i.Side, i.Symbol, i.Amount.Kind, i.Amount.Value)
}

// NormalizeSymbol upper-cases a pair and strips whitespace.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

type RiskLevel string

const (
	RiskSoft RiskLevel = "soft"
	RiskHard RiskLevel = "hard"
)

// TradeRecord is what gets handed to the trade store after every completed
// or abandoned order.
type TradeRecord struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	OrderType    OrderType       `json:"order_type"`
	AmountKind   AmountKind      `json:"amount_kind"`
	InputAmount  decimal.Decimal `json:"input_amount"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	QuoteValue   decimal.Decimal `json:"quote_value"`
	WalletBefore decimal.Decimal `json:"wallet_before"`
	OrderID      int64           `json:"order_id"`
	Status       OrderStatus     `json:"status"`
	Outcome      Outcome         `json:"outcome"`
	Attempts     int             `json:"attempts"`
}

// PairSymbol completes a bare base asset into a pair, so "eth" with quote
// USDT becomes ETHUSDT. Input already ending in quote is only normalized.
func PairSymbol(input, quote string) string {
	s := NormalizeSymbol(input)
	quote = NormalizeSymbol(quote)
	if s == "" || quote == "" || strings.HasSuffix(s, quote) {
		return s
	}
	return s + quote
}
