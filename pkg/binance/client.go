package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	MainnetURL = "https://api.binance.com"
	TestnetURL = "https://testnet.binance.vision"
)

type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RecvWindow        int
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the spot REST API. It is safe for concurrent use.
type Client struct {
	auth       Authenticator
	baseURL    string
	recvWindow int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	now        func() time.Time
}

func NewClient(auth Authenticator, opts Options, logger *logrus.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = MainnetURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = 5000
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}

	return &Client{
		auth:       auth,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		recvWindow: opts.RecvWindow,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:     logger,
		now:        time.Now,
	}
}

// SymbolInfo returns the instrument metadata for one pair.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var info ExchangeInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false, &info); err != nil {
		if ErrorCode(err) == CodeInvalidSymbol {
			return nil, fmt.Errorf("%w: %s", models.ErrSymbolNotFound, symbol)
		}
		return nil, err
	}

	for i := range info.Symbols {
		if strings.EqualFold(info.Symbols[i].Symbol, symbol) {
			return &info.Symbols[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrSymbolNotFound, symbol)
}

// GetPrice returns the latest traded price from the REST ticker.
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp tickerPriceResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, false, &resp); err != nil {
		if ErrorCode(err) == CodeInvalidSymbol {
			return decimal.Zero, fmt.Errorf("%w: %s", models.ErrSymbolNotFound, symbol)
		}
		return decimal.Zero, err
	}

	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s: %w", resp.Price, symbol, err)
	}
	return price, nil
}

// GetBalance fetches the account and returns the balance of one asset.
// An asset the account has never held is reported as zero.
func (c *Client) GetBalance(ctx context.Context, asset string) (models.Balance, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")

	var resp accountResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", params, true, &resp); err != nil {
		return models.Balance{}, err
	}

	balance := models.Balance{Asset: asset}
	for _, b := range resp.Balances {
		if strings.EqualFold(b.Asset, asset) {
			balance.Free = parseDecimal(b.Free)
			balance.Locked = parseDecimal(b.Locked)
			break
		}
	}
	return balance, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity)
	params.Set("newOrderRespType", "FULL")
	if req.Type == models.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
		params.Set("price", req.Price)
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"order_id": resp.OrderID,
		"status":   resp.Status,
	}).Debug("Order placed")

	return resp.toModel(), nil
}

func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, true, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*models.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, true, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, true, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// OpenOrders lists resting orders; an empty symbol lists all pairs.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]*models.ExchangeOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var resp []orderResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, true, &resp); err != nil {
		return nil, err
	}

	orders := make([]*models.ExchangeOrder, 0, len(resp))
	for i := range resp {
		orders = append(orders, resp[i].toModel())
	}
	return orders, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransportError(ctx, err)
	}

	if params == nil {
		params = url.Values{}
	}

	query := params.Encode()
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
		query = params.Encode()

		signature, err := c.auth.Sign(query)
		if err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
		query += "&signature=" + url.QueryEscape(signature)
	}

	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.auth != nil && c.auth.APIKey() != "" {
		req.Header.Set("X-MBX-APIKEY", c.auth.APIKey())
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   path,
		}).Warn("Exchange request failed")
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response body: %v", models.ErrTimeout, err)
	}

	c.logger.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"latency": c.now().Sub(start).String(),
	}).Debug("Exchange request completed")

	// 5xx means the exchange could not tell whether the request executed
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: HTTP %d: %s", models.ErrTimeout, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrTimeout, err)
}
