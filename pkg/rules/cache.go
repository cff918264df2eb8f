// Package rules caches per-symbol trading constraints fetched from the
// exchange's instrument metadata.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// smallestUnit stands in for a step or tick the exchange did not publish.
var smallestUnit = decimal.New(1, -8)

const defaultPrecision int32 = 8

type Fetcher interface {
	SymbolInfo(ctx context.Context, symbol string) (*binance.SymbolInfo, error)
}

type Cache struct {
	fetcher Fetcher
	logger  *logrus.Logger
	group   singleflight.Group
	mu      sync.RWMutex
	rules   map[string]models.SymbolRules
	now     func() time.Time
}

func NewCache(fetcher Fetcher, logger *logrus.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		logger:  logger,
		rules:   make(map[string]models.SymbolRules),
		now:     time.Now,
	}
}

// GetRules returns the cached rules for symbol, fetching them on first use.
func (c *Cache) GetRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return models.SymbolRules{}, fmt.Errorf("%w: empty symbol", models.ErrSymbolNotFound)
	}

	c.mu.RLock()
	r, ok := c.rules[symbol]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	return c.load(ctx, symbol, false)
}

// Refresh re-fetches the rules for symbol and replaces the cached value.
func (c *Cache) Refresh(ctx context.Context, symbol string) (models.SymbolRules, error) {
	return c.load(ctx, models.NormalizeSymbol(symbol), true)
}

func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.rules))
	for s := range c.rules {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) load(ctx context.Context, symbol string, force bool) (models.SymbolRules, error) {
	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		if !force {
			c.mu.RLock()
			r, ok := c.rules[symbol]
			c.mu.RUnlock()
			if ok {
				return r, nil
			}
		}

		info, err := c.fetcher.SymbolInfo(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("fetching rules for %s: %w", symbol, err)
		}

		r := FromSymbolInfo(info, c.now())
		c.mu.Lock()
		c.rules[symbol] = r
		c.mu.Unlock()

		c.logger.WithFields(logrus.Fields{
			"symbol":       symbol,
			"step":         r.QuantityStep.String(),
			"tick":         r.PriceTick.String(),
			"min_notional": r.MinNotional.String(),
		}).Info("Loaded symbol rules")
		return r, nil
	})
	if err != nil {
		return models.SymbolRules{}, err
	}
	return v.(models.SymbolRules), nil
}

// FromSymbolInfo converts exchange metadata into SymbolRules. Filters the
// symbol does not publish fall back to no-constraint values.
func FromSymbolInfo(info *binance.SymbolInfo, fetchedAt time.Time) models.SymbolRules {
	r := models.SymbolRules{
		Symbol:       models.NormalizeSymbol(info.Symbol),
		BaseAsset:    strings.ToUpper(info.BaseAsset),
		QuoteAsset:   strings.ToUpper(info.QuoteAsset),
		QuantityStep: smallestUnit,
		PriceTick:    smallestUnit,
		MinQty:       decimal.Zero,
		MaxQty:       decimal.Zero,
		MinNotional:  decimal.Zero,
		FetchedAt:    fetchedAt,
	}

	for _, f := range info.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if step := positive(f.StepSize); !step.IsZero() {
				r.QuantityStep = step
			}
			r.MinQty = positive(f.MinQty)
			r.MaxQty = positive(f.MaxQty)
		case "PRICE_FILTER":
			if tick := positive(f.TickSize); !tick.IsZero() {
				r.PriceTick = tick
			}
		case "NOTIONAL", "MIN_NOTIONAL":
			if n := positive(f.MinNotional); n.GreaterThan(r.MinNotional) {
				r.MinNotional = n
			}
		}
	}

	r.QuantityPrecision = Precision(r.QuantityStep)
	r.PricePrecision = Precision(r.PriceTick)
	return r
}

// Precision is the number of decimal places in step once trailing zeros are
// dropped: 0.00100000 gives 3, 1 gives 0.
func Precision(step decimal.Decimal) int32 {
	if !step.IsPositive() {
		return defaultPrecision
	}
	s := step.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}

func positive(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero
	}
	return d
}
