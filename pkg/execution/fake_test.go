package execution

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/clock"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// placement scripts how the fake exchange treats the n-th order placed.
type placement struct {
	err           error // returned from PlaceOrder
	acceptOnError bool  // the order still reaches the book despite err
	fillAtPoll    int   // status poll on which it fills, 0 for never
	executedAtEnd string
	fillOnCancel  bool   // fills just before a cancel arrives
	fillAvg       string // average the exchange reports on fill, the limit price if empty
}

type fakeExchange struct {
	mu sync.Mutex

	balances  map[string]decimal.Decimal
	restPrice decimal.Decimal
	script    []placement

	placed    []models.OrderRequest
	orders    map[int64]*models.ExchangeOrder
	byClient  map[string]int64
	index     map[int64]int
	polls     map[int64]int
	cancelled []int64
	nextID    int64
	lookupErr error // returned from GetOrderByClientID when set
}

func newFakeExchange(script ...placement) *fakeExchange {
	return &fakeExchange{
		balances: map[string]decimal.Decimal{
			"USDT": d("1000"),
			"BTC":  d("0.5"),
		},
		restPrice: d("50100"),
		script:    script,
		orders:    make(map[int64]*models.ExchangeOrder),
		byClient:  make(map[string]int64),
		index:     make(map[int64]int),
		polls:     make(map[int64]int),
		nextID:    100,
	}
}

func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.Balance{Asset: asset, Free: f.balances[asset]}, nil
}

func (f *fakeExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restPrice, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.placed)
	f.placed = append(f.placed, req)
	var p placement
	if n < len(f.script) {
		p = f.script[n]
	}
	if p.err != nil && !p.acceptOnError {
		return nil, p.err
	}

	f.nextID++
	qty := d(req.Quantity)
	o := &models.ExchangeOrder{
		OrderID:       f.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderStatusNew,
		RequestedQty:  qty,
	}
	if req.Type == models.OrderTypeLimit {
		o.Price = d(req.Price)
	} else {
		o.Status = models.OrderStatusFilled
		o.ExecutedQty = qty
		o.QuoteValue = qty.Mul(f.restPrice)
		o.AvgPrice = f.restPrice
	}
	f.orders[o.OrderID] = o
	f.byClient[req.ClientOrderID] = o.OrderID
	f.index[o.OrderID] = n

	if p.err != nil {
		return nil, p.err
	}
	cp := *o
	return &cp, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return nil, &binance.APIError{Code: binance.CodeNoSuchOrder, Msg: "Order does not exist.", HTTPStatus: 400}
	}
	f.polls[orderID]++

	p := f.scriptFor(orderID)
	if o.Status.Open() && p.fillAtPoll > 0 && f.polls[orderID] >= p.fillAtPoll {
		f.fill(o)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeExchange) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*models.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	id, ok := f.byClient[clientOrderID]
	if !ok {
		return nil, &binance.APIError{Code: binance.CodeNoSuchOrder, Msg: "Order does not exist.", HTTPStatus: 400}
	}
	cp := *f.orders[id]
	return &cp, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o := f.orders[orderID]
	p := f.scriptFor(orderID)
	if p.fillOnCancel {
		f.fill(o)
	}
	if !o.Status.Open() {
		return nil, &binance.APIError{Code: binance.CodeCancelRejected, Msg: "Unknown order sent.", HTTPStatus: 400}
	}

	if p.executedAtEnd != "" {
		o.ExecutedQty = d(p.executedAtEnd)
		o.QuoteValue = o.ExecutedQty.Mul(o.Price)
	}
	o.Status = models.OrderStatusCanceled
	f.cancelled = append(f.cancelled, orderID)
	cp := *o
	return &cp, nil
}

func (f *fakeExchange) scriptFor(orderID int64) placement {
	n := f.index[orderID]
	if n < len(f.script) {
		return f.script[n]
	}
	return placement{}
}

func (f *fakeExchange) fill(o *models.ExchangeOrder) {
	avg := o.Price
	if p := f.scriptFor(o.OrderID); p.fillAvg != "" {
		avg = d(p.fillAvg)
	}
	o.Status = models.OrderStatusFilled
	o.ExecutedQty = o.RequestedQty
	o.QuoteValue = o.RequestedQty.Mul(avg)
	o.AvgPrice = avg
}

func (f *fakeExchange) placedRequests() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderRequest(nil), f.placed...)
}

type staticRules map[string]models.SymbolRules

func (s staticRules) GetRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	r, ok := s[symbol]
	if !ok {
		return models.SymbolRules{}, fmt.Errorf("%w: %s", models.ErrSymbolNotFound, symbol)
	}
	return r, nil
}

type fixedPrice decimal.Decimal

func (p fixedPrice) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}

type memRecorder struct {
	mu      sync.Mutex
	records []models.TradeRecord
}

func (m *memRecorder) RecordTrade(rec models.TradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memRecorder) all() []models.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TradeRecord(nil), m.records...)
}

func btcRules() models.SymbolRules {
	return models.SymbolRules{
		Symbol:            "BTCUSDT",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		QuantityStep:      d("0.00001"),
		MinQty:            d("0.00001"),
		MaxQty:            d("9000"),
		PriceTick:         d("0.01"),
		MinNotional:       d("5"),
		QuantityPrecision: 5,
		PricePrecision:    2,
	}
}

type harness struct {
	engine   *Engine
	exchange *fakeExchange
	recorder *memRecorder
	clock    *clock.Fake
}

func newHarness(t *testing.T, script ...placement) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ex := newFakeExchange(script...)
	rec := &memRecorder{}
	e := NewEngine(ex, staticRules{"BTCUSDT": btcRules()}, fixedPrice(d("50000")), rec, DefaultConfig(), logger)

	fc := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	e.SetClock(fc)

	var ids int
	e.newID = func() string {
		ids++
		return fmt.Sprintf("test-%d", ids)
	}
	return &harness{engine: e, exchange: ex, recorder: rec, clock: fc}
}

func buyIntent(style models.OrderType, kind models.AmountKind, v string) models.TradeIntent {
	return models.TradeIntent{
		Symbol: "btcusdt",
		Side:   models.OrderSideBuy,
		Style:  style,
		Amount: models.AmountSpec{Kind: kind, Value: d(v)},
	}
}
