package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeoutErr() error {
	return fmt.Errorf("%w: HTTP 503", models.ErrTimeout)
}

func TestExecute_MarketBuy(t *testing.T) {
	h := newHarness(t)

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeMarket, models.AmountPercentage, "0.10"))
	require.NoError(t, err)

	placed := h.exchange.placedRequests()
	require.Len(t, placed, 1)
	assert.Equal(t, models.OrderTypeMarket, placed[0].Type)
	assert.Equal(t, "BTCUSDT", placed[0].Symbol)
	assert.Equal(t, "0.002", placed[0].Quantity)
	assert.Empty(t, placed[0].Price)

	assert.Equal(t, models.OutcomeFilled, order.Outcome)
	assert.True(t, order.AvgPrice.Equal(d("50100")))
	assert.Equal(t, 1, order.Attempts)

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].WalletBefore.Equal(d("1000")))
	assert.True(t, recs[0].Price.Equal(d("50100")))
	assert.Equal(t, models.AmountPercentage, recs[0].AmountKind)
	assert.Empty(t, h.clock.Waits())
}

func TestExecute_LimitFillsInFirstWindow(t *testing.T) {
	h := newHarness(t, placement{fillAtPoll: 2})

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.NoError(t, err)

	placed := h.exchange.placedRequests()
	require.Len(t, placed, 1, "no second attempt")
	assert.Equal(t, "50005", placed[0].Price)
	assert.Equal(t, "0.00199", placed[0].Quantity)
	assert.Equal(t, "GTC", placed[0].TimeInForce)
	assert.Equal(t, "test-1", placed[0].ClientOrderID)

	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.Equal(t, models.OutcomeFilled, order.Outcome)
	assert.True(t, order.AvgPrice.Equal(d("50005")))
	assert.Equal(t, 1, order.Attempts)
	assert.Empty(t, h.exchange.cancelled)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.clock.Waits())

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Price.Equal(d("50005")))
}

func TestExecute_LimitLeftPendingAfterReprice(t *testing.T) {
	h := newHarness(t)

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.NoError(t, err)

	placed := h.exchange.placedRequests()
	require.Len(t, placed, 2)
	assert.Equal(t, "50005", placed[0].Price)
	assert.Equal(t, "50150.1", placed[1].Price)
	assert.True(t, d(placed[1].Price).GreaterThanOrEqual(h.exchange.restPrice.Mul(d("1.001"))))
	assert.NotEqual(t, placed[0].ClientOrderID, placed[1].ClientOrderID)

	require.Len(t, h.exchange.cancelled, 1)
	assert.NotEqual(t, order.OrderID, h.exchange.cancelled[0], "second order stays on the book")

	assert.Equal(t, models.OutcomeLeftPending, order.Outcome)
	assert.Equal(t, models.OrderStatusNew, order.Status)
	assert.Equal(t, 2, order.Attempts)
	assert.Equal(t, 10*time.Second, h.clock.Elapsed())

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeLeftPending, recs[0].Outcome)
}

func TestExecute_LimitSellPricesBelowMarket(t *testing.T) {
	h := newHarness(t, placement{fillAtPoll: 1})

	order, err := h.engine.Execute(context.Background(), models.TradeIntent{
		Symbol: "BTCUSDT",
		Side:   models.OrderSideSell,
		Style:  models.OrderTypeLimit,
		Amount: models.AmountSpec{Kind: models.AmountPercentage, Value: d("0.5")},
	})
	require.NoError(t, err)

	placed := h.exchange.placedRequests()
	require.Len(t, placed, 1)
	assert.Equal(t, "49995", placed[0].Price)
	assert.Equal(t, "0.25", placed[0].Quantity)
	assert.Equal(t, models.OutcomeFilled, order.Outcome)
}

func TestExecute_PartialFillRepricesRemainder(t *testing.T) {
	h := newHarness(t,
		placement{executedAtEnd: "0.001"},
		placement{fillAtPoll: 1},
	)

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountFixedQuote, "100"))
	require.NoError(t, err)

	placed := h.exchange.placedRequests()
	require.Len(t, placed, 2)
	assert.Equal(t, "0.00099", placed[1].Quantity)

	assert.Equal(t, models.OutcomeFilled, order.Outcome)
	assert.True(t, order.ExecutedQty.Equal(d("0.00199")), order.ExecutedQty.String())
	assert.True(t, order.QuoteValue.Equal(d("50.005").Add(d("0.00099").Mul(d("50150.1")))))
}

func TestExecute_PartialFillWithUnplaceableRemainder(t *testing.T) {
	h := newHarness(t, placement{executedAtEnd: "0.00018"})

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountFixedQuote, "10"))
	require.NoError(t, err)

	assert.Len(t, h.exchange.placedRequests(), 1)
	assert.Equal(t, models.OutcomePartiallyFilled, order.Outcome)
	assert.Equal(t, models.OrderStatusCanceled, order.Status)
	assert.True(t, order.ExecutedQty.Equal(d("0.00018")))
	assert.Len(t, h.recorder.all(), 1)
}

func TestExecute_RejectionAborts(t *testing.T) {
	reject := &binance.APIError{Code: binance.CodeOrderRejected, Msg: "Account has insufficient balance for requested action.", HTTPStatus: 400}

	for _, style := range []models.OrderType{models.OrderTypeMarket, models.OrderTypeLimit} {
		t.Run(string(style), func(t *testing.T) {
			h := newHarness(t, placement{err: reject})

			order, err := h.engine.Execute(context.Background(), buyIntent(style, models.AmountPercentage, "0.10"))
			require.Error(t, err)
			assert.Nil(t, order)
			assert.True(t, errors.Is(err, models.ErrExchangeRejected))
			assert.False(t, errors.Is(err, models.ErrTimeout))

			assert.Len(t, h.exchange.placedRequests(), 1)
			assert.Empty(t, h.recorder.all())
			assert.Empty(t, h.clock.Waits())
			assert.Equal(t, "Insufficient balance for this order.", Describe(err))
		})
	}
}

func TestExecute_TimeoutResolvedByClientID(t *testing.T) {
	h := newHarness(t, placement{err: timeoutErr(), acceptOnError: true, fillAtPoll: 1})

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.NoError(t, err)

	assert.Len(t, h.exchange.placedRequests(), 1)
	assert.Equal(t, models.OutcomeFilled, order.Outcome)
	assert.Equal(t, "test-1", order.ClientOrderID)
}

func TestExecute_TimeoutNotPlacedMovesToSecondAttempt(t *testing.T) {
	h := newHarness(t, placement{err: timeoutErr()}, placement{fillAtPoll: 1})

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.NoError(t, err)

	placed := h.exchange.placedRequests()
	require.Len(t, placed, 2)
	assert.Equal(t, "50150.1", placed[1].Price)
	assert.Empty(t, h.exchange.cancelled)
	assert.Equal(t, 2, order.Attempts)
	assert.Equal(t, models.OutcomeFilled, order.Outcome)
}

func TestExecute_TimeoutOnSecondAttemptReturned(t *testing.T) {
	h := newHarness(t, placement{err: timeoutErr()}, placement{err: timeoutErr()})

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.Error(t, err)
	assert.Nil(t, order)
	assert.True(t, errors.Is(err, models.ErrTimeout))
	assert.Len(t, h.exchange.placedRequests(), 2)
}

func TestExecute_TimeoutWithFailedLookupDoesNotPlaceAgain(t *testing.T) {
	for _, style := range []models.OrderType{models.OrderTypeMarket, models.OrderTypeLimit} {
		t.Run(string(style), func(t *testing.T) {
			h := newHarness(t, placement{err: timeoutErr(), acceptOnError: true}, placement{fillAtPoll: 1})
			h.exchange.lookupErr = fmt.Errorf("%w: dial tcp: i/o timeout", models.ErrTimeout)

			order, err := h.engine.Execute(context.Background(), buyIntent(style, models.AmountPercentage, "0.10"))
			require.Error(t, err)
			assert.Nil(t, order)
			assert.True(t, errors.Is(err, models.ErrTimeout))
			assert.Contains(t, err.Error(), "test-1")

			assert.Len(t, h.exchange.placedRequests(), 1, "the first order may be live")
			assert.Empty(t, h.exchange.cancelled)
			assert.Empty(t, h.recorder.all())
		})
	}
}

func TestExecute_FilledLimitReportsLimitPrice(t *testing.T) {
	h := newHarness(t, placement{fillAtPoll: 1, fillAvg: "49990.25"})

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFilled, order.Outcome)
	assert.True(t, order.AvgPrice.Equal(d("50005")), order.AvgPrice.String())

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Price.Equal(d("50005")))
}

func TestExecute_CancelRacingFill(t *testing.T) {
	h := newHarness(t, placement{fillOnCancel: true})

	order, err := h.engine.Execute(context.Background(), buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.NoError(t, err)

	assert.Len(t, h.exchange.placedRequests(), 1)
	assert.Empty(t, h.exchange.cancelled)
	assert.Equal(t, models.OutcomeFilled, order.Outcome)
	assert.Equal(t, 1, order.Attempts)
}

func TestExecute_InputErrors(t *testing.T) {
	tests := []struct {
		name   string
		intent models.TradeIntent
		setup  func(*fakeExchange)
		want   error
	}{
		{
			name:   "unknown symbol",
			intent: models.TradeIntent{Symbol: "DOGEUSDT", Side: models.OrderSideBuy, Style: models.OrderTypeMarket, Amount: models.AmountSpec{Kind: models.AmountPercentage, Value: d("0.1")}},
			want:   models.ErrInvalidSymbol,
		},
		{
			name:   "empty symbol",
			intent: models.TradeIntent{Symbol: " ", Side: models.OrderSideBuy, Style: models.OrderTypeMarket, Amount: models.AmountSpec{Kind: models.AmountPercentage, Value: d("0.1")}},
			want:   models.ErrInvalidSymbol,
		},
		{
			name:   "percentage above one",
			intent: buyIntent(models.OrderTypeLimit, models.AmountPercentage, "1.5"),
			want:   models.ErrInvalidRiskValue,
		},
		{
			name:   "empty wallet",
			intent: buyIntent(models.OrderTypeMarket, models.AmountPercentage, "0.5"),
			setup:  func(f *fakeExchange) { f.balances["USDT"] = decimal.Zero },
			want:   models.ErrInsufficientBalance,
		},
		{
			name:   "below min notional",
			intent: buyIntent(models.OrderTypeMarket, models.AmountFixedQuote, "1"),
			want:   models.ErrNotionalTooLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h.exchange)
			}

			_, err := h.engine.Execute(context.Background(), tt.intent)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
			assert.Empty(t, h.exchange.placedRequests())
			assert.NotEmpty(t, Describe(err))
		})
	}
}

func TestExecute_ContextCancelledWhileWaiting(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// pricing and placement ignore ctx in the fake, the poll loop does not
	order, err := h.engine.Execute(ctx, buyIntent(models.OrderTypeLimit, models.AmountPercentage, "0.10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, order)
	assert.Equal(t, models.OutcomeLeftPending, order.Outcome)
	assert.Len(t, h.recorder.all(), 1)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&models.NotionalError{Symbol: "BTCUSDT", Required: d("5"), Actual: d("1"), Deficit: d("4")},
			"Order value 1.00 is below the 5.00 minimum for BTCUSDT. Increase the amount by 4.00."},
		{&models.BalanceError{Asset: "USDT", Available: d("0")}, "Insufficient balance: 0 USDT available."},
		{fmt.Errorf("placing: %w", &binance.APIError{Code: binance.CodeInvalidSignature, Msg: "Signature for this request is not valid."}),
			"API connection error: please check your API keys."},
		{&binance.APIError{Code: binance.CodeTooManyRequests, Msg: "Too many requests."}, "Rate limit exceeded: please wait before retrying."},
		{&binance.APIError{Code: binance.CodeFilterFailure, Msg: "Filter failure: LOT_SIZE"},
			"Quantity format error: the amount does not fit the symbol's lot size."},
		{&binance.APIError{Code: binance.CodeFilterFailure, Msg: "Filter failure: PRICE_FILTER"},
			"Price format error: the price does not fit the symbol's tick size."},
		{timeoutErr(), "Connection error: the exchange did not respond. Check open orders before retrying."},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.err))
	}
}
