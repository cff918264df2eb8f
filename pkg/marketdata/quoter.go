package marketdata

import (
	"context"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type RESTPricer interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Quoter answers "current price" from the stream cache and falls back to a
// REST ticker call for symbols the stream does not carry.
type Quoter struct {
	cache  *PriceCache
	rest   RESTPricer
	logger *logrus.Logger
}

func NewQuoter(cache *PriceCache, rest RESTPricer, logger *logrus.Logger) *Quoter {
	return &Quoter{cache: cache, rest: rest, logger: logger}
}

func (q *Quoter) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = models.NormalizeSymbol(symbol)
	if entry, ok := q.cache.Get(symbol); ok && entry.LastPrice.IsPositive() {
		return entry.LastPrice, nil
	}

	q.logger.WithField("symbol", symbol).Debug("No streamed price, fetching from REST")
	return q.rest.GetPrice(ctx, symbol)
}
