package binance

import (
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

// Exchange error codes the engine reacts to.
const (
	CodeTooManyRequests  = -1003
	CodeFilterFailure    = -1013
	CodeInvalidSignature = -1022
	CodeInvalidSymbol    = -1121
	CodeOrderRejected    = -2010
	CodeCancelRejected   = -2011
	CodeNoSuchOrder      = -2013
	CodeInvalidAPIKey    = -2014
)

// APIError is the exchange's {code,msg} error body.
type APIError struct {
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (HTTP %d): %s", e.Code, e.HTTPStatus, e.Msg)
}

func (e *APIError) Is(target error) bool {
	return target == models.ErrExchangeRejected
}

// ErrorCode extracts the exchange error code from err, or 0.
func ErrorCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

type SymbolInfo struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

type Filter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice,omitempty"`
	MaxPrice    string `json:"maxPrice,omitempty"`
	TickSize    string `json:"tickSize,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type fillResponse struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type orderResponse struct {
	Symbol              string         `json:"symbol"`
	OrderID             int64          `json:"orderId"`
	ClientOrderID       string         `json:"clientOrderId"`
	OrigClientOrderID   string         `json:"origClientOrderId"`
	TransactTime        int64          `json:"transactTime"`
	Time                int64          `json:"time"`
	UpdateTime          int64          `json:"updateTime"`
	Price               string         `json:"price"`
	OrigQty             string         `json:"origQty"`
	ExecutedQty         string         `json:"executedQty"`
	CummulativeQuoteQty string         `json:"cummulativeQuoteQty"`
	Status              string         `json:"status"`
	TimeInForce         string         `json:"timeInForce"`
	Type                string         `json:"type"`
	Side                string         `json:"side"`
	Fills               []fillResponse `json:"fills"`
}

func (r *orderResponse) toModel() *models.ExchangeOrder {
	order := &models.ExchangeOrder{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          models.OrderSide(r.Side),
		Type:          models.OrderType(r.Type),
		Status:        models.OrderStatus(r.Status),
		Price:         parseDecimal(r.Price),
		RequestedQty:  parseDecimal(r.OrigQty),
		ExecutedQty:   parseDecimal(r.ExecutedQty),
		QuoteValue:    parseDecimal(r.CummulativeQuoteQty),
	}
	// cancel responses echo the id we sent in origClientOrderId
	if r.OrigClientOrderID != "" {
		order.ClientOrderID = r.OrigClientOrderID
	}

	created := r.TransactTime
	if created == 0 {
		created = r.Time
	}
	if created > 0 {
		order.CreatedAt = time.UnixMilli(created)
	}
	if r.UpdateTime > 0 {
		order.UpdatedAt = time.UnixMilli(r.UpdateTime)
	} else {
		order.UpdatedAt = order.CreatedAt
	}

	fillQty, fillQuote := decimal.Zero, decimal.Zero
	for _, f := range r.Fills {
		qty := parseDecimal(f.Qty)
		fillQty = fillQty.Add(qty)
		fillQuote = fillQuote.Add(qty.Mul(parseDecimal(f.Price)))
	}

	switch {
	case fillQty.IsPositive():
		order.AvgPrice = fillQuote.Div(fillQty)
		if order.QuoteValue.IsZero() {
			order.QuoteValue = fillQuote
		}
	case order.ExecutedQty.IsPositive() && order.QuoteValue.IsPositive():
		order.AvgPrice = order.QuoteValue.Div(order.ExecutedQty)
	}

	return order
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
