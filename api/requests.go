package api

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	onceValidate sync.Once
)

func getValidator() *validator.Validate {
	onceValidate.Do(func() {
		validate = validator.New()
	})
	return validate
}

// TradeRequest either names a preset risk level or carries an explicit amount.
type TradeRequest struct {
	Symbol     string `json:"symbol" validate:"required,alphanum,min=2,max=20"`
	Side       string `json:"side" validate:"required,oneof=BUY SELL buy sell"`
	Risk       string `json:"risk,omitempty" validate:"required_without=Amount,omitempty,oneof=soft hard"`
	AmountKind string `json:"amount_kind,omitempty" validate:"required_with=Amount,omitempty,oneof=PERCENTAGE FIXED_QUOTE"`
	Amount     string `json:"amount,omitempty" validate:"required_without=Risk,omitempty,numeric"`
	OrderType  string `json:"order_type,omitempty" validate:"omitempty,oneof=MARKET LIMIT market limit"`
}

type DynamicSymbolRequest struct {
	Symbol string `json:"symbol" validate:"required,alphanum,max=20"`
}

type OrderTypeRequest struct {
	OrderType string `json:"order_type" validate:"required,oneof=MARKET LIMIT market limit"`
}

type TradeResponse struct {
	Order   *models.ExchangeOrder `json:"order,omitempty"`
	Message string                `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func validationMessage(err error) string {
	var msgs []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return strings.Join(msgs, "; ")
	}
	return err.Error()
}

// intent builds the trade intent for an explicit-amount request. Preset
// requests go through the preferences instead.
func (r TradeRequest) intent(defaultStyle models.OrderType) (models.TradeIntent, error) {
	value, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return models.TradeIntent{}, fmt.Errorf("%w: amount %q", models.ErrInvalidRiskValue, r.Amount)
	}
	return models.TradeIntent{
		Symbol: models.NormalizeSymbol(r.Symbol),
		Side:   models.OrderSide(strings.ToUpper(r.Side)),
		Style:  r.style(defaultStyle),
		Amount: models.AmountSpec{Kind: models.AmountKind(r.AmountKind), Value: value},
	}, nil
}

func (r TradeRequest) style(defaultStyle models.OrderType) models.OrderType {
	if r.OrderType == "" {
		return defaultStyle
	}
	return models.OrderType(strings.ToUpper(r.OrderType))
}
