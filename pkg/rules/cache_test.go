package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls   atomic.Int32
	delay   time.Duration
	symbols map[string]*binance.SymbolInfo
}

func (f *fakeFetcher) SymbolInfo(ctx context.Context, symbol string) (*binance.SymbolInfo, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	info, ok := f.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSymbolNotFound, symbol)
	}
	return info, nil
}

func btcInfo() *binance.SymbolInfo {
	return &binance.SymbolInfo{
		Symbol:     "BTCUSDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Filters: []binance.Filter{
			{FilterType: "PRICE_FILTER", TickSize: "0.01000000"},
			{FilterType: "LOT_SIZE", StepSize: "0.00001000", MinQty: "0.00001000", MaxQty: "9000.00000000"},
			{FilterType: "NOTIONAL", MinNotional: "5.00000000"},
		},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGetRules_ParsesFilters(t *testing.T) {
	f := &fakeFetcher{symbols: map[string]*binance.SymbolInfo{"BTCUSDT": btcInfo()}}
	c := NewCache(f, quietLogger())

	r, err := c.GetRules(context.Background(), "btcusdt")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", r.Symbol)
	assert.Equal(t, "BTC", r.BaseAsset)
	assert.Equal(t, "USDT", r.QuoteAsset)
	assert.True(t, r.QuantityStep.Equal(decimal.RequireFromString("0.00001")))
	assert.True(t, r.PriceTick.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, r.MinNotional.Equal(decimal.NewFromInt(5)))
	assert.True(t, r.MaxQty.Equal(decimal.NewFromInt(9000)))
	assert.Equal(t, int32(5), r.QuantityPrecision)
	assert.Equal(t, int32(2), r.PricePrecision)
}

func TestGetRules_MissingFiltersUseSentinels(t *testing.T) {
	f := &fakeFetcher{symbols: map[string]*binance.SymbolInfo{
		"ODDUSDT": {Symbol: "ODDUSDT", BaseAsset: "ODD", QuoteAsset: "USDT"},
	}}
	c := NewCache(f, quietLogger())

	r, err := c.GetRules(context.Background(), "ODDUSDT")
	require.NoError(t, err)
	assert.True(t, r.QuantityStep.Equal(smallestUnit))
	assert.True(t, r.PriceTick.Equal(smallestUnit))
	assert.True(t, r.MinNotional.IsZero())
	assert.True(t, r.MaxQty.IsZero())
	assert.Equal(t, int32(8), r.QuantityPrecision)
}

func TestGetRules_NotFound(t *testing.T) {
	c := NewCache(&fakeFetcher{}, quietLogger())

	_, err := c.GetRules(context.Background(), "NOPEUSDT")
	assert.True(t, errors.Is(err, models.ErrSymbolNotFound))

	_, err = c.GetRules(context.Background(), " ")
	assert.True(t, errors.Is(err, models.ErrSymbolNotFound))
}

func TestGetRules_FetchesOnce(t *testing.T) {
	f := &fakeFetcher{
		delay:   20 * time.Millisecond,
		symbols: map[string]*binance.SymbolInfo{"BTCUSDT": btcInfo()},
	}
	c := NewCache(f, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetRules(context.Background(), "BTCUSDT")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		_, err := c.GetRules(context.Background(), "BTCUSDT")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, []string{"BTCUSDT"}, c.Symbols())
}

func TestRefresh_ReplacesWholesale(t *testing.T) {
	info := btcInfo()
	f := &fakeFetcher{symbols: map[string]*binance.SymbolInfo{"BTCUSDT": info}}
	c := NewCache(f, quietLogger())

	before, err := c.GetRules(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	f.symbols["BTCUSDT"] = &binance.SymbolInfo{
		Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		Filters: []binance.Filter{{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"}},
	}
	after, err := c.Refresh(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.calls.Load())
	assert.True(t, before.MinNotional.Equal(decimal.NewFromInt(5)))
	assert.True(t, after.MinNotional.IsZero())
	assert.True(t, after.PriceTick.Equal(smallestUnit))
}

func TestPrecision(t *testing.T) {
	cases := map[string]int32{
		"0.00100000": 3,
		"1.00000000": 0,
		"0.01":       2,
		"10":         0,
		"0.00000001": 8,
	}
	for in, want := range cases {
		assert.Equal(t, want, Precision(decimal.RequireFromString(in)), in)
	}
	assert.Equal(t, int32(8), Precision(decimal.Zero))
}
