package marketdata

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

// PriceCache holds the last traded price per symbol. The stream goroutine
// swaps entries atomically, so readers never hold it up.
type PriceCache struct {
	entries sync.Map // symbol -> *atomic.Pointer[models.PriceCacheEntry]
}

func NewPriceCache() *PriceCache {
	return &PriceCache{}
}

func (c *PriceCache) Update(symbol string, price decimal.Decimal, at time.Time) models.PriceCacheEntry {
	symbol = models.NormalizeSymbol(symbol)
	entry := &models.PriceCacheEntry{Symbol: symbol, LastPrice: price, UpdatedAt: at}

	slot, ok := c.entries.Load(symbol)
	if !ok {
		slot, _ = c.entries.LoadOrStore(symbol, new(atomic.Pointer[models.PriceCacheEntry]))
	}
	slot.(*atomic.Pointer[models.PriceCacheEntry]).Store(entry)
	return *entry
}

func (c *PriceCache) Get(symbol string) (models.PriceCacheEntry, bool) {
	slot, ok := c.entries.Load(models.NormalizeSymbol(symbol))
	if !ok {
		return models.PriceCacheEntry{}, false
	}
	entry := slot.(*atomic.Pointer[models.PriceCacheEntry]).Load()
	if entry == nil {
		return models.PriceCacheEntry{}, false
	}
	return *entry, true
}

func (c *PriceCache) Remove(symbol string) {
	c.entries.Delete(models.NormalizeSymbol(symbol))
}

// Snapshot returns every entry, sorted by symbol.
func (c *PriceCache) Snapshot() []models.PriceCacheEntry {
	var out []models.PriceCacheEntry
	c.entries.Range(func(_, v any) bool {
		if entry := v.(*atomic.Pointer[models.PriceCacheEntry]).Load(); entry != nil {
			out = append(out, *entry)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
