// Package sizing turns a trade intent's AmountSpec into a concrete quote
// budget or base quantity against a fresh balance.
package sizing

import (
	"context"
	"fmt"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/normalize"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var one = decimal.NewFromInt(1)

// PriceSource reports the current price of a symbol, from the stream cache
// when it has one and from REST otherwise.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Amount is the resolved size of a trade. Buys carry a Quote budget, sells a
// Base quantity. Capped is set when a fixed amount exceeded the balance.
type Amount struct {
	Quote  decimal.Decimal
	Base   decimal.Decimal
	Capped bool
}

type Resolver struct {
	prices PriceSource
	logger *logrus.Logger
}

func NewResolver(prices PriceSource, logger *logrus.Logger) *Resolver {
	return &Resolver{prices: prices, logger: logger}
}

// Resolve sizes intent against balance, which must be the quote asset for a
// buy and the base asset for a sell.
func (r *Resolver) Resolve(ctx context.Context, intent models.TradeIntent, balance models.Balance) (Amount, error) {
	if err := validateSpec(intent.Amount); err != nil {
		return Amount{}, err
	}

	var (
		amt Amount
		err error
	)
	switch intent.Side {
	case models.OrderSideBuy:
		amt = r.resolveBuy(intent, balance)
	case models.OrderSideSell:
		amt, err = r.resolveSell(ctx, intent, balance)
		if err != nil {
			return Amount{}, err
		}
	default:
		return Amount{}, fmt.Errorf("unsupported side %q", intent.Side)
	}

	if !amt.Quote.IsPositive() && !amt.Base.IsPositive() {
		return Amount{}, &models.BalanceError{Asset: balance.Asset, Available: balance.Free}
	}
	return amt, nil
}

func (r *Resolver) resolveBuy(intent models.TradeIntent, balance models.Balance) Amount {
	switch intent.Amount.Kind {
	case models.AmountPercentage:
		return Amount{Quote: balance.Free.Mul(decimal.Min(intent.Amount.Value, one))}
	default:
		quote := intent.Amount.Value
		if quote.GreaterThan(balance.Free) {
			r.logCap(intent, balance)
			return Amount{Quote: balance.Free, Capped: true}
		}
		return Amount{Quote: quote}
	}
}

func (r *Resolver) resolveSell(ctx context.Context, intent models.TradeIntent, balance models.Balance) (Amount, error) {
	if intent.Amount.Kind == models.AmountPercentage {
		return Amount{Base: balance.Free.Mul(intent.Amount.Value)}, nil
	}

	if !balance.Free.IsPositive() {
		return Amount{}, nil
	}

	price, err := r.prices.CurrentPrice(ctx, intent.Symbol)
	if err != nil {
		return Amount{}, fmt.Errorf("pricing %s sell: %w", intent.Symbol, err)
	}
	if !price.IsPositive() {
		return Amount{}, fmt.Errorf("pricing %s sell: non-positive price %s", intent.Symbol, price)
	}

	base := normalize.QuantityForQuote(intent.Amount.Value, price)
	if base.GreaterThan(balance.Free) {
		r.logCap(intent, balance)
		return Amount{Base: balance.Free, Capped: true}, nil
	}
	return Amount{Base: base}, nil
}

func (r *Resolver) logCap(intent models.TradeIntent, balance models.Balance) {
	r.logger.WithFields(logrus.Fields{
		"symbol":    intent.Symbol,
		"side":      intent.Side,
		"requested": intent.Amount.Value.String(),
		"available": balance.Free.String(),
		"asset":     balance.Asset,
	}).Info("Fixed amount capped at available balance")
}

func validateSpec(spec models.AmountSpec) error {
	switch spec.Kind {
	case models.AmountPercentage:
		if !spec.Value.IsPositive() || spec.Value.GreaterThan(one) {
			return fmt.Errorf("%w: percentage %s must be in (0, 1]", models.ErrInvalidRiskValue, spec.Value)
		}
	case models.AmountFixedQuote:
		if !spec.Value.IsPositive() {
			return fmt.Errorf("%w: fixed amount %s must be positive", models.ErrInvalidRiskValue, spec.Value)
		}
	default:
		return fmt.Errorf("%w: unknown amount kind %q", models.ErrInvalidRiskValue, spec.Kind)
	}
	return nil
}
