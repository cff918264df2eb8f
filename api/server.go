package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gregtusar/tradedesk/pkg/execution"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

const dynamicSymbolSetting = "dynamic_symbol"

type Executor interface {
	Execute(ctx context.Context, intent models.TradeIntent) (*models.ExchangeOrder, error)
}

type PriceStream interface {
	Status() models.StreamStatus
	Prices() []models.PriceCacheEntry
	Price(symbol string) (models.PriceCacheEntry, bool)
	SetDynamicSymbol(input string) (string, error)
}

type Preferences interface {
	IntentFor(symbol string, side models.OrderSide, level models.RiskLevel) (models.TradeIntent, error)
	OrderType() models.OrderType
	SetOrderType(t models.OrderType) error
	ToggleOrderType() models.OrderType
	SetDynamicSymbol(input string) (string, error)
}

type TradeHistory interface {
	Recent(ctx context.Context, limit int) ([]models.TradeRecord, error)
	SetSetting(ctx context.Context, key, value string) error
}

type OrderDesk interface {
	OpenOrders(ctx context.Context, symbol string) ([]*models.ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.ExchangeOrder, error)
}

type Deps struct {
	Engine  Executor
	Stream  PriceStream
	Prefs   Preferences
	History TradeHistory
	Orders  OrderDesk
	Hub     *Hub
}

type Options struct {
	Port           int
	JWTSecret      string
	AllowedOrigins []string
	// TradeTimeout bounds a trade once accepted; it runs to completion even
	// if the client goes away.
	TradeTimeout time.Duration
}

const defaultTradeTimeout = 2 * time.Minute

type Server struct {
	deps   Deps
	auth   *Authenticator
	router *mux.Router
	opts   Options
	logger *logrus.Logger
	srv    *http.Server
}

func NewServer(deps Deps, opts Options, logger *logrus.Logger) *Server {
	s := &Server{
		deps:   deps,
		auth:   NewAuthenticator(opts.JWTSecret),
		router: mux.NewRouter(),
		opts:   opts,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/prices", s.handlePrices).Methods("GET")
	api.HandleFunc("/prices/{symbol}", s.handlePrice).Methods("GET")
	api.HandleFunc("/stream/status", s.handleStreamStatus).Methods("GET")

	api.HandleFunc("/trades", s.handleExecuteTrade).Methods("POST")
	api.HandleFunc("/trades", s.handleRecentTrades).Methods("GET")

	api.HandleFunc("/dynamic-symbol", s.handleDynamicSymbol).Methods("PUT")
	api.HandleFunc("/order-type", s.handleGetOrderType).Methods("GET")
	api.HandleFunc("/order-type", s.handleSetOrderType).Methods("PUT")
	api.HandleFunc("/order-type/toggle", s.handleToggleOrderType).Methods("POST")

	api.HandleFunc("/orders/open", s.handleOpenOrders).Methods("GET")
	api.HandleFunc("/orders/{symbol}/{id:[0-9]+}", s.handleCancelOrder).Methods("DELETE")

	if s.deps.Hub != nil {
		s.router.Handle("/ws", s.auth.Middleware(http.HandlerFunc(s.deps.Hub.ServeWS)))
	}
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !s.auth.Enabled() {
		s.logger.Warn("API authentication disabled: no jwt secret configured")
	}
	s.logger.Infof("Starting API server on port %d", s.opts.Port)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) Auth() *Authenticator {
	return s.auth
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if s.deps.Stream != nil {
		response["stream"] = s.deps.Stream.Status().State
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stream.Prices())
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	entry, ok := s.deps.Stream.Price(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("no price for %s", symbol)})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stream.Status())
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !s.decode(w, r, &req) {
		return
	}

	var (
		intent models.TradeIntent
		err    error
	)
	if req.Risk != "" {
		intent, err = s.deps.Prefs.IntentFor(req.Symbol, models.OrderSide(strings.ToUpper(req.Side)), models.RiskLevel(req.Risk))
		if err == nil {
			intent.Style = req.style(intent.Style)
		}
	} else {
		intent, err = req.intent(s.deps.Prefs.OrderType())
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: execution.Describe(err)})
		return
	}

	log := s.logger.WithField("intent", intent.String())
	log.Info("Trade requested")

	timeout := s.opts.TradeTimeout
	if timeout <= 0 {
		timeout = defaultTradeTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	order, err := s.deps.Engine.Execute(ctx, intent)
	if err != nil {
		log.WithError(err).Warn("Trade failed")
		status := statusFor(err)
		if order != nil {
			writeJSON(w, status, TradeResponse{Order: order, Message: execution.Describe(err)})
			return
		}
		writeJSON(w, status, ErrorResponse{Error: execution.Describe(err)})
		return
	}

	writeJSON(w, http.StatusOK, TradeResponse{Order: order, Message: tradeMessage(order)})
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	trades, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trade history")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load trades"})
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleDynamicSymbol(w http.ResponseWriter, r *http.Request) {
	var req DynamicSymbolRequest
	if !s.decode(w, r, &req) {
		return
	}

	symbol, err := s.deps.Stream.SetDynamicSymbol(req.Symbol)
	if err != nil && symbol == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: execution.Describe(err)})
		return
	}
	if err != nil {
		// subscription is retried on reconnect
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Dynamic symbol queued, stream send failed")
	}

	if _, perr := s.deps.Prefs.SetDynamicSymbol(symbol); perr != nil {
		s.logger.WithError(perr).Warn("Failed to update dynamic symbol preference")
	}
	if s.deps.History != nil {
		if herr := s.deps.History.SetSetting(r.Context(), dynamicSymbolSetting, symbol); herr != nil {
			s.logger.WithError(herr).Warn("Failed to persist dynamic symbol")
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol})
}

func (s *Server) handleGetOrderType(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]models.OrderType{"order_type": s.deps.Prefs.OrderType()})
}

func (s *Server) handleSetOrderType(w http.ResponseWriter, r *http.Request) {
	var req OrderTypeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Prefs.SetOrderType(models.OrderType(req.OrderType)); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.handleGetOrderType(w, r)
}

func (s *Server) handleToggleOrderType(w http.ResponseWriter, r *http.Request) {
	t := s.deps.Prefs.ToggleOrderType()
	writeJSON(w, http.StatusOK, map[string]models.OrderType{"order_type": t})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	symbol := models.NormalizeSymbol(r.URL.Query().Get("symbol"))
	orders, err := s.deps.Orders.OpenOrders(r.Context(), symbol)
	if err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Error: execution.Describe(err)})
		return
	}
	if orders == nil {
		orders = []*models.ExchangeOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := models.NormalizeSymbol(vars["symbol"])
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid order id"})
		return
	}

	order, err := s.deps.Orders.CancelOrder(r.Context(), symbol, id)
	if err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Error: execution.Describe(err)})
		return
	}
	s.logger.WithFields(logrus.Fields{"symbol": symbol, "order_id": id}).Info("Order cancelled manually")
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidSymbol), errors.Is(err, models.ErrSymbolNotFound),
		errors.Is(err, models.ErrInvalidRiskValue):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientBalance), errors.Is(err, models.ErrBelowMinQty),
		errors.Is(err, models.ErrAboveMaxQty), errors.Is(err, models.ErrNotionalTooLow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrExchangeRejected):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func tradeMessage(o *models.ExchangeOrder) string {
	switch o.Outcome {
	case models.OutcomeLeftPending:
		return fmt.Sprintf("%s %s order %d left pending at %s for manual review", o.Side, o.Symbol, o.OrderID, o.Price)
	case models.OutcomePartiallyFilled:
		return fmt.Sprintf("%s %s partially filled: %s executed", o.Side, o.Symbol, o.ExecutedQty)
	default:
		return fmt.Sprintf("%s %s filled: %s at %s", o.Side, o.Symbol, o.ExecutedQty, o.AvgPrice)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("Failed to encode JSON response")
	}
}
