package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/normalize"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxLimitAttempts = 2

type limitState int

const (
	statePlace limitState = iota
	stateWait
	stateReprice
	stateFilled
	stateLeftPending
)

func (s limitState) String() string {
	switch s {
	case statePlace:
		return "PLACE"
	case stateWait:
		return "WAITING"
	case stateReprice:
		return "REPRICE"
	case stateFilled:
		return "FILLED"
	case stateLeftPending:
		return "LEFT_PENDING"
	default:
		return fmt.Sprintf("limitState(%d)", int(s))
	}
}

// limitRun is the state of one limit order execution across attempts.
type limitRun struct {
	*execution

	attempt    int
	market     decimal.Decimal
	limitPrice decimal.Decimal
	order      *models.ExchangeOrder

	remainingQuote decimal.Decimal
	remainingBase  decimal.Decimal

	// executed on cancelled attempts
	priorQty   decimal.Decimal
	priorQuote decimal.Decimal
	priorPrice decimal.Decimal
	prior      *models.ExchangeOrder
}

// limit places near the market, waits, re-prices once from a fresh price and
// waits again. An order still resting after that is left on the book.
func (x *execution) limit(ctx context.Context) (*models.ExchangeOrder, error) {
	market, err := x.engine.prices.CurrentPrice(ctx, x.intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("pricing %s: %w", x.intent.Symbol, err)
	}

	lr := &limitRun{
		execution:      x,
		market:         market,
		remainingQuote: x.amount.Quote,
		remainingBase:  x.amount.Base,
	}

	state := statePlace
	for {
		x.log.WithFields(logrus.Fields{"state": state.String(), "attempt": lr.attempt}).Debug("Limit order state")

		switch state {
		case statePlace:
			placed, err := lr.placeAttempt(ctx)
			if err != nil {
				return lr.abort(err)
			}
			if placed == nil {
				if lr.attempt >= maxLimitAttempts {
					return lr.abort(fmt.Errorf("%w: limit order not found after placement timeout", models.ErrTimeout))
				}
				lr.order = nil
				state = stateReprice
				continue
			}
			lr.order = placed
			state = stateWait

		case stateWait:
			filled, err := lr.wait(ctx)
			if err != nil {
				return lr.finish(models.OutcomeLeftPending), err
			}
			switch {
			case filled:
				state = stateFilled
			case lr.attempt < maxLimitAttempts:
				state = stateReprice
			default:
				state = stateLeftPending
			}

		case stateReprice:
			state = lr.cancel(ctx)

		case stateFilled:
			return lr.finish(models.OutcomeFilled), nil

		case stateLeftPending:
			x.log.WithFields(logrus.Fields{
				"order_id": lr.order.OrderID,
				"price":    lr.limitPrice.String(),
			}).Warn("Limit order not filled after re-pricing, left pending for manual review")
			return lr.finish(models.OutcomeLeftPending), nil
		}
	}
}

func (lr *limitRun) placeAttempt(ctx context.Context) (*models.ExchangeOrder, error) {
	e := lr.engine
	lr.attempt++

	offset := e.cfg.FirstOffset
	market := lr.market
	if lr.attempt > 1 {
		offset = e.cfg.RepriceOffset
		fresh, err := e.exchange.GetPrice(ctx, lr.intent.Symbol)
		if err != nil {
			return nil, fmt.Errorf("re-pricing %s: %w", lr.intent.Symbol, err)
		}
		market = fresh
	}

	factor := decimal.NewFromInt(1).Add(offset)
	if lr.intent.Side == models.OrderSideSell {
		factor = decimal.NewFromInt(1).Sub(offset)
	}
	price := normalize.NormalizePrice(market.Mul(factor), lr.rules)

	qty, err := lr.quantity(lr.remainingQuote, lr.remainingBase, price)
	if err != nil {
		return nil, err
	}

	req := models.OrderRequest{
		Symbol:        lr.intent.Symbol,
		Side:          lr.intent.Side,
		Type:          models.OrderTypeLimit,
		Price:         normalize.FormatPrice(price, lr.rules),
		Quantity:      normalize.FormatQuantity(qty, lr.rules),
		TimeInForce:   "GTC",
		ClientOrderID: e.newID(),
	}
	lr.limitPrice = price

	lr.log.WithFields(logrus.Fields{
		"attempt":  lr.attempt,
		"market":   market.String(),
		"price":    req.Price,
		"quantity": req.Quantity,
	}).Info("Placing limit order")

	return lr.place(ctx, req)
}

// wait polls the order until it fills, leaves the book or the window ends.
func (lr *limitRun) wait(ctx context.Context) (bool, error) {
	e := lr.engine

	for i := 0; i < e.cfg.PollAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-e.clock.After(e.cfg.PollInterval):
		}

		status, err := e.exchange.GetOrder(ctx, lr.intent.Symbol, lr.order.OrderID)
		if err != nil {
			lr.log.WithError(err).WithField("order_id", lr.order.OrderID).Warn("Failed to poll order status")
			continue
		}
		lr.order = status

		if status.Status == models.OrderStatusFilled {
			lr.log.WithFields(logrus.Fields{
				"order_id": status.OrderID,
				"attempt":  lr.attempt,
				"poll":     i + 1,
			}).Info("Limit order filled")
			return true, nil
		}
		if !status.Status.Open() {
			return false, nil
		}
	}
	return false, nil
}

// cancel pulls the resting order before re-pricing. If the cancel fails the
// order is queried again, since it may have filled in the meantime.
func (lr *limitRun) cancel(ctx context.Context) limitState {
	if lr.order == nil {
		return statePlace
	}
	e := lr.engine

	cancelled, err := e.exchange.CancelOrder(ctx, lr.intent.Symbol, lr.order.OrderID)
	if err != nil {
		lr.log.WithError(err).WithField("order_id", lr.order.OrderID).Warn("Cancel failed, re-checking order")

		current, qerr := e.exchange.GetOrder(ctx, lr.intent.Symbol, lr.order.OrderID)
		if qerr != nil {
			lr.log.WithError(qerr).Warn("Order state unknown after failed cancel")
			return stateLeftPending
		}
		lr.order = current
		switch {
		case current.Status == models.OrderStatusFilled:
			return stateFilled
		case current.Status.Open():
			return stateLeftPending
		}
		cancelled = current
	}

	lr.prior = cancelled
	lr.priorPrice = lr.limitPrice
	lr.priorQty = lr.priorQty.Add(cancelled.ExecutedQty)
	lr.priorQuote = lr.priorQuote.Add(cancelled.QuoteValue)
	if lr.intent.Side == models.OrderSideBuy {
		lr.remainingQuote = lr.remainingQuote.Sub(cancelled.QuoteValue)
	} else {
		lr.remainingBase = lr.remainingBase.Sub(cancelled.ExecutedQty)
	}

	lr.log.WithFields(logrus.Fields{
		"order_id": cancelled.OrderID,
		"executed": cancelled.ExecutedQty.String(),
	}).Info("Limit order cancelled for re-pricing")
	lr.order = nil
	return statePlace
}

// finish folds fills from cancelled attempts into the final order and hands
// it to the recorder.
func (lr *limitRun) finish(outcome models.Outcome) *models.ExchangeOrder {
	o := *lr.order
	o.Attempts = lr.attempt
	o.Outcome = outcome

	if lr.priorQty.IsPositive() {
		o.ExecutedQty = o.ExecutedQty.Add(lr.priorQty)
		o.QuoteValue = o.QuoteValue.Add(lr.priorQuote)
		o.AvgPrice = o.QuoteValue.Div(o.ExecutedQty)
	} else if outcome == models.OutcomeFilled {
		// a single fully filled limit order reports the price it was placed at
		o.AvgPrice = lr.limitPrice
	}

	lr.record(&o, lr.limitPrice)
	return &o
}

// abort ends the run on an error. Fills from an earlier cancelled attempt
// still reach the recorder; if the remainder is simply too small to place
// again, the partial fill is the result.
func (lr *limitRun) abort(err error) (*models.ExchangeOrder, error) {
	if lr.prior == nil || !lr.priorQty.IsPositive() {
		return nil, err
	}

	lr.order = lr.prior
	lr.limitPrice = lr.priorPrice
	lr.priorQty = decimal.Zero
	lr.priorQuote = decimal.Zero
	lr.attempt = maxLimitAttempts
	result := lr.finish(models.OutcomePartiallyFilled)

	if errors.Is(err, models.ErrBelowMinQty) || errors.Is(err, models.ErrNotionalTooLow) {
		return result, nil
	}
	return nil, err
}
