package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/models"
)

// Describe turns an engine error into a message fit for the front end.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var (
		notional *models.NotionalError
		qty      *models.QuantityError
		balance  *models.BalanceError
	)
	switch {
	case errors.As(err, &notional):
		return fmt.Sprintf("Order value %s is below the %s minimum for %s. Increase the amount by %s.",
			notional.Actual.StringFixed(2), notional.Required.StringFixed(2), notional.Symbol, notional.Deficit.StringFixed(2))
	case errors.As(err, &qty) && errors.Is(err, models.ErrBelowMinQty):
		return fmt.Sprintf("Quantity %s is below the %s minimum of %s. Use a higher amount.", qty.Quantity, qty.Symbol, qty.Limit)
	case errors.As(err, &qty):
		return fmt.Sprintf("Quantity %s is above the %s maximum of %s. Use a lower amount.", qty.Quantity, qty.Symbol, qty.Limit)
	case errors.As(err, &balance):
		return fmt.Sprintf("Insufficient balance: %s %s available.", balance.Available, balance.Asset)
	case errors.Is(err, models.ErrInvalidSymbol), errors.Is(err, models.ErrSymbolNotFound):
		return "Invalid symbol: the trading pair was not found."
	case errors.Is(err, models.ErrInvalidRiskValue):
		return "Invalid amount: percentages must be between 0 and 100% and fixed amounts positive."
	case errors.Is(err, models.ErrExchangeRejected):
		return describeRejection(err)
	case errors.Is(err, models.ErrTimeout):
		return "Connection error: the exchange did not respond. Check open orders before retrying."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Request cancelled before it completed."
	}
	return "Trade failed: " + err.Error()
}

func describeRejection(err error) string {
	switch binance.ErrorCode(err) {
	case binance.CodeInvalidSignature, binance.CodeInvalidAPIKey:
		return "API connection error: please check your API keys."
	case binance.CodeTooManyRequests:
		return "Rate limit exceeded: please wait before retrying."
	case binance.CodeInvalidSymbol:
		return "Invalid symbol: the trading pair was not found."
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient balance"):
		return "Insufficient balance for this order."
	case strings.Contains(msg, "notional"):
		return "Minimum order value not met: use a higher amount."
	case strings.Contains(msg, "price_filter"), strings.Contains(msg, "tick size"):
		return "Price format error: the price does not fit the symbol's tick size."
	case strings.Contains(msg, "lot_size"), strings.Contains(msg, "step size"):
		return "Quantity format error: the amount does not fit the symbol's lot size."
	case strings.Contains(msg, "market is closed"), strings.Contains(msg, "trading is disabled"):
		return "Market closed: this pair cannot be traded right now."
	}
	return "Order rejected by the exchange: " + err.Error()
}
