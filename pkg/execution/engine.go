// Package execution turns trade intents into exchange orders. Market orders
// are placed once; limit orders run a two-attempt re-pricing state machine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/clock"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/normalize"
	"github.com/gregtusar/tradedesk/pkg/sizing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Exchange is the REST surface the engine drives.
type Exchange interface {
	GetBalance(ctx context.Context, asset string) (models.Balance, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExchangeOrder, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*models.ExchangeOrder, error)
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*models.ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.ExchangeOrder, error)
}

type RulesSource interface {
	GetRules(ctx context.Context, symbol string) (models.SymbolRules, error)
}

// Recorder receives every completed or abandoned order. It must not block.
type Recorder interface {
	RecordTrade(rec models.TradeRecord)
}

type Config struct {
	PollInterval  time.Duration
	PollAttempts  int
	FirstOffset   decimal.Decimal
	RepriceOffset decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		PollAttempts:  5,
		FirstOffset:   decimal.RequireFromString("0.0001"),
		RepriceOffset: decimal.RequireFromString("0.001"),
	}
}

type Engine struct {
	exchange Exchange
	rules    RulesSource
	prices   sizing.PriceSource
	resolver *sizing.Resolver
	recorder Recorder
	cfg      Config
	clock    clock.Clock
	newID    func() string
	logger   *logrus.Logger
}

func NewEngine(exchange Exchange, rules RulesSource, prices sizing.PriceSource, recorder Recorder, cfg Config, logger *logrus.Logger) *Engine {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if !cfg.FirstOffset.IsPositive() {
		cfg.FirstOffset = def.FirstOffset
	}
	if !cfg.RepriceOffset.IsPositive() {
		cfg.RepriceOffset = def.RepriceOffset
	}

	return &Engine{
		exchange: exchange,
		rules:    rules,
		prices:   prices,
		resolver: sizing.NewResolver(prices, logger),
		recorder: recorder,
		cfg:      cfg,
		clock:    clock.Real{},
		newID:    uuid.NewString,
		logger:   logger,
	}
}

// Budget is an upper bound on how long Execute runs: the polling windows of
// both limit attempts plus slack for the REST calls around them.
func (e *Engine) Budget() time.Duration {
	return 2*time.Duration(e.cfg.PollAttempts)*e.cfg.PollInterval + 30*time.Second
}

// SetClock replaces the clock used for limit order polling.
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
}

// Execute sizes, normalizes and places the order described by intent.
// A limit order that is still resting after both attempts is returned with
// Outcome LEFT_PENDING and a nil error.
func (e *Engine) Execute(ctx context.Context, intent models.TradeIntent) (*models.ExchangeOrder, error) {
	intent.Symbol = models.NormalizeSymbol(intent.Symbol)
	if intent.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", models.ErrInvalidSymbol)
	}
	if !intent.Side.Valid() {
		return nil, fmt.Errorf("unsupported order side %q", intent.Side)
	}
	if !intent.Style.Valid() {
		return nil, fmt.Errorf("unsupported order type %q", intent.Style)
	}

	rules, err := e.rules.GetRules(ctx, intent.Symbol)
	if err != nil {
		if errors.Is(err, models.ErrSymbolNotFound) {
			return nil, fmt.Errorf("%w: %w", models.ErrInvalidSymbol, err)
		}
		return nil, err
	}

	asset := rules.QuoteAsset
	if intent.Side == models.OrderSideSell {
		asset = rules.BaseAsset
	}
	balance, err := e.exchange.GetBalance(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("fetching %s balance: %w", asset, err)
	}

	amount, err := e.resolver.Resolve(ctx, intent, balance)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithFields(logrus.Fields{
		"symbol": intent.Symbol,
		"side":   intent.Side,
		"type":   intent.Style,
	})
	log.WithFields(logrus.Fields{
		"quote":  amount.Quote.String(),
		"base":   amount.Base.String(),
		"capped": amount.Capped,
	}).Info("Executing trade")

	run := &execution{
		engine:       e,
		intent:       intent,
		rules:        rules,
		amount:       amount,
		walletBefore: balance.Free,
		log:          log,
	}
	if intent.Style == models.OrderTypeMarket {
		return run.market(ctx)
	}
	return run.limit(ctx)
}

// execution carries the state of one Execute call.
type execution struct {
	engine       *Engine
	intent       models.TradeIntent
	rules        models.SymbolRules
	amount       sizing.Amount
	walletBefore decimal.Decimal
	log          *logrus.Entry
}

func (x *execution) market(ctx context.Context) (*models.ExchangeOrder, error) {
	e := x.engine

	price, err := e.prices.CurrentPrice(ctx, x.intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("pricing %s: %w", x.intent.Symbol, err)
	}

	qty, err := x.quantity(x.amount.Quote, x.amount.Base, price)
	if err != nil {
		return nil, err
	}

	req := models.OrderRequest{
		Symbol:        x.intent.Symbol,
		Side:          x.intent.Side,
		Type:          models.OrderTypeMarket,
		Quantity:      normalize.FormatQuantity(qty, x.rules),
		ClientOrderID: e.newID(),
	}
	order, err := x.place(ctx, req)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: market order %s not found after placement timeout", models.ErrTimeout, req.ClientOrderID)
	}

	order.Attempts = 1
	order.Outcome = outcomeFor(order)
	x.log.WithFields(logrus.Fields{
		"order_id":  order.OrderID,
		"executed":  order.ExecutedQty.String(),
		"avg_price": order.AvgPrice.String(),
	}).Info("Market order executed")

	x.record(order, order.AvgPrice)
	return order, nil
}

// quantity converts the resolved amount into a normalized base quantity at
// price. Buys size from quote, sells from base.
func (x *execution) quantity(quote, base, price decimal.Decimal) (decimal.Decimal, error) {
	raw := base
	if x.intent.Side == models.OrderSideBuy {
		raw = normalize.QuantityForQuote(quote, price)
	}
	return normalize.NormalizeQuantity(raw, price, x.rules)
}

// place submits req. When the exchange cannot say whether the order was
// accepted, the order is looked up by its client id; a nil order with a nil
// error means it does not exist.
func (x *execution) place(ctx context.Context, req models.OrderRequest) (*models.ExchangeOrder, error) {
	order, err := x.engine.exchange.PlaceOrder(ctx, req)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, models.ErrTimeout) {
		return nil, fmt.Errorf("placing %s %s order: %w", req.Side, req.Type, err)
	}

	x.log.WithError(err).WithField("client_order_id", req.ClientOrderID).
		Warn("Order placement status unknown, looking it up")

	found, lookupErr := x.engine.exchange.GetOrderByClientID(ctx, req.Symbol, req.ClientOrderID)
	if lookupErr == nil {
		return found, nil
	}
	if binance.ErrorCode(lookupErr) == binance.CodeNoSuchOrder {
		x.log.WithField("client_order_id", req.ClientOrderID).
			Warn("Order not found after placement timeout")
		return nil, nil
	}
	// the order may be live; placing again could double it
	return nil, fmt.Errorf("%w: order %s status unknown after placement timeout: %v",
		models.ErrTimeout, req.ClientOrderID, lookupErr)
}

func (x *execution) record(order *models.ExchangeOrder, price decimal.Decimal) {
	if x.engine.recorder == nil {
		return
	}

	qty := order.ExecutedQty
	if qty.IsZero() {
		qty = order.RequestedQty
	}
	x.engine.recorder.RecordTrade(models.TradeRecord{
		ID:           uuid.NewString(),
		Timestamp:    x.engine.clock.Now(),
		Symbol:       order.Symbol,
		Side:         order.Side,
		OrderType:    order.Type,
		AmountKind:   x.intent.Amount.Kind,
		InputAmount:  x.intent.Amount.Value,
		Quantity:     qty,
		Price:        price,
		QuoteValue:   order.QuoteValue,
		WalletBefore: x.walletBefore,
		OrderID:      order.OrderID,
		Status:       order.Status,
		Outcome:      order.Outcome,
		Attempts:     order.Attempts,
	})
}

func outcomeFor(order *models.ExchangeOrder) models.Outcome {
	switch {
	case order.Status == models.OrderStatusFilled:
		return models.OutcomeFilled
	case order.ExecutedQty.IsPositive():
		return models.OutcomePartiallyFilled
	default:
		return models.OutcomeLeftPending
	}
}
