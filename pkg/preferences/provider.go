// Package preferences holds the user's sizing presets, favorite symbols and
// the per-session order type.
package preferences

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type RiskType string

const (
	RiskPercentage RiskType = "percentage"
	RiskFixed      RiskType = "fixed"
)

// RiskSettings are the soft and hard sizing presets. Percentages are
// fractions of the balance: 0.1 is 10%.
type RiskSettings struct {
	Type           RiskType        `json:"type"`
	SoftPercentage decimal.Decimal `json:"soft_percentage"`
	HardPercentage decimal.Decimal `json:"hard_percentage"`
	SoftQuote      decimal.Decimal `json:"soft_quote"`
	HardQuote      decimal.Decimal `json:"hard_quote"`
}

type Settings struct {
	Risk          RiskSettings
	Favorites     []string
	DynamicSymbol string
	OrderType     models.OrderType
	QuoteAsset    string
}

// Provider is safe for concurrent use. The order type and dynamic symbol
// may change during a session; everything else is fixed at construction.
type Provider struct {
	risk       RiskSettings
	favorites  []string
	quoteAsset string
	logger     *logrus.Logger

	mu        sync.RWMutex
	orderType models.OrderType
	dynamic   string
}

func NewProvider(s Settings, logger *logrus.Logger) (*Provider, error) {
	if err := validateRisk(s.Risk); err != nil {
		return nil, err
	}

	orderType := models.OrderType(strings.ToUpper(string(s.OrderType)))
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}
	if !orderType.Valid() {
		return nil, fmt.Errorf("unsupported order type %q", s.OrderType)
	}

	quote := models.NormalizeSymbol(s.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}

	seen := make(map[string]bool)
	var favorites []string
	for _, f := range s.Favorites {
		sym := models.PairSymbol(f, quote)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		favorites = append(favorites, sym)
	}

	return &Provider{
		risk:       s.Risk,
		favorites:  favorites,
		quoteAsset: quote,
		logger:     logger,
		orderType:  orderType,
		dynamic:    models.PairSymbol(s.DynamicSymbol, quote),
	}, nil
}

func validateRisk(r RiskSettings) error {
	one := decimal.NewFromInt(1)
	switch r.Type {
	case RiskPercentage:
		for _, p := range []decimal.Decimal{r.SoftPercentage, r.HardPercentage} {
			if !p.IsPositive() || p.GreaterThan(one) {
				return fmt.Errorf("%w: risk percentage %s must be in (0, 1]", models.ErrInvalidRiskValue, p)
			}
		}
	case RiskFixed:
		if !r.SoftQuote.IsPositive() || !r.HardQuote.IsPositive() {
			return fmt.Errorf("%w: fixed risk amounts must be positive", models.ErrInvalidRiskValue)
		}
	default:
		return fmt.Errorf("%w: unknown risk type %q", models.ErrInvalidRiskValue, r.Type)
	}
	return nil
}

func (p *Provider) RiskSettings() RiskSettings {
	return p.risk
}

func (p *Provider) Favorites() []string {
	return append([]string(nil), p.favorites...)
}

func (p *Provider) QuoteAsset() string {
	return p.quoteAsset
}

func (p *Provider) DynamicSymbol() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dynamic
}

// SetDynamicSymbol stores the user-editable symbol, completing a bare asset
// with the quote asset.
func (p *Provider) SetDynamicSymbol(input string) (string, error) {
	sym := models.PairSymbol(input, p.quoteAsset)
	if sym == "" {
		return "", fmt.Errorf("%w: empty symbol", models.ErrInvalidSymbol)
	}

	p.mu.Lock()
	p.dynamic = sym
	p.mu.Unlock()
	return sym, nil
}

func (p *Provider) OrderType() models.OrderType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.orderType
}

func (p *Provider) SetOrderType(t models.OrderType) error {
	t = models.OrderType(strings.ToUpper(string(t)))
	if !t.Valid() {
		return fmt.Errorf("unsupported order type %q", t)
	}

	p.mu.Lock()
	p.orderType = t
	p.mu.Unlock()

	p.logger.WithField("order_type", t).Info("Session order type changed")
	return nil
}

// ToggleOrderType flips between MARKET and LIMIT and returns the new type.
func (p *Provider) ToggleOrderType() models.OrderType {
	p.mu.Lock()
	if p.orderType == models.OrderTypeMarket {
		p.orderType = models.OrderTypeLimit
	} else {
		p.orderType = models.OrderTypeMarket
	}
	t := p.orderType
	p.mu.Unlock()

	p.logger.WithField("order_type", t).Info("Session order type toggled")
	return t
}

// IntentFor builds a trade intent from a soft or hard preset and the current
// session order type.
func (p *Provider) IntentFor(symbol string, side models.OrderSide, level models.RiskLevel) (models.TradeIntent, error) {
	sym := models.NormalizeSymbol(symbol)
	if sym == "" {
		return models.TradeIntent{}, fmt.Errorf("%w: empty symbol", models.ErrInvalidSymbol)
	}
	if !side.Valid() {
		return models.TradeIntent{}, fmt.Errorf("unsupported order side %q", side)
	}

	var amount models.AmountSpec
	switch {
	case level == models.RiskSoft && p.risk.Type == RiskPercentage:
		amount = models.AmountSpec{Kind: models.AmountPercentage, Value: p.risk.SoftPercentage}
	case level == models.RiskHard && p.risk.Type == RiskPercentage:
		amount = models.AmountSpec{Kind: models.AmountPercentage, Value: p.risk.HardPercentage}
	case level == models.RiskSoft:
		amount = models.AmountSpec{Kind: models.AmountFixedQuote, Value: p.risk.SoftQuote}
	case level == models.RiskHard:
		amount = models.AmountSpec{Kind: models.AmountFixedQuote, Value: p.risk.HardQuote}
	default:
		return models.TradeIntent{}, fmt.Errorf("%w: unknown risk level %q", models.ErrInvalidRiskValue, level)
	}

	return models.TradeIntent{
		Symbol: sym,
		Side:   side,
		Style:  p.OrderType(),
		Amount: amount,
	}, nil
}
