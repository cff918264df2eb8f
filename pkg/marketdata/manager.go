// Package marketdata keeps a live price cache fed by the exchange ticker
// stream and manages the stream's subscriptions across reconnects.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/clock"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// Conn is one live stream connection. Read is only called from one
// goroutine; Send may be called concurrently.
type Conn interface {
	Send(msg binance.ControlMessage) error
	Read() ([]byte, error)
	Close() error
}

type DialFunc func(ctx context.Context) (Conn, error)

// Dialer adapts a binance.StreamDialer to a DialFunc.
func Dialer(d *binance.StreamDialer) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SymbolSource supplies the symbols subscribed at start.
type SymbolSource interface {
	Favorites() []string
	DynamicSymbol() string
}

type Config struct {
	Backoff        time.Duration
	ListenerBuffer int
	QuoteAsset     string
}

func DefaultConfig() Config {
	return Config{
		Backoff:        5 * time.Second,
		ListenerBuffer: 64,
		QuoteAsset:     "USDT",
	}
}

// outbound is a control frame decided under mu and written after mu is
// released.
type outbound struct {
	conn    Conn
	msg     binance.ControlMessage
	symbols []string
	requeue bool
}

type streamEvent struct {
	data []byte
	err  error
}

// Manager owns the stream connection. One goroutine runs the connect, read
// and back-off loop; the subscription methods may be called from anywhere.
type Manager struct {
	dial   DialFunc
	cache  *PriceCache
	source SymbolSource
	cfg    Config
	clock  clock.Clock
	logger *logrus.Logger

	// sendMu orders control frames; it is taken before mu and held while
	// writing, so mu itself is never held across network I/O.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      models.StreamState
	conn       Conn
	active     map[string]struct{}
	pending    map[string]struct{}
	dynamic    string
	nextID     int64
	reconnects int
	cancel     context.CancelFunc
	done       chan struct{}

	listenMu  sync.Mutex
	listeners []chan models.PriceCacheEntry
}

func NewManager(dial DialFunc, cache *PriceCache, source SymbolSource, cfg Config, logger *logrus.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.ListenerBuffer <= 0 {
		cfg.ListenerBuffer = def.ListenerBuffer
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = def.QuoteAsset
	}

	return &Manager{
		dial:    dial,
		cache:   cache,
		source:  source,
		cfg:     cfg,
		clock:   clock.Real{},
		logger:  logger,
		state:   models.StreamDisconnected,
		active:  make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// SetClock replaces the clock used for the reconnect back-off. Call before Start.
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// Start queues the favorite and dynamic symbols and runs the stream loop in
// the background until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return errors.New("stream manager already started")
	}

	if m.source != nil {
		for _, s := range m.source.Favorites() {
			m.queueLocked(models.NormalizeSymbol(s))
		}
		if dyn := models.PairSymbol(m.source.DynamicSymbol(), m.cfg.QuoteAsset); dyn != "" {
			m.dynamic = dyn
			m.queueLocked(dyn)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.WithField("symbols", m.Status().Pending).Info("Starting market data stream")
	go m.run(runCtx)
	return nil
}

// Stop ends the stream loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done

	m.listenMu.Lock()
	for _, ch := range m.listeners {
		close(ch)
	}
	m.listeners = nil
	m.listenMu.Unlock()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(models.StreamDisconnected)

	for {
		m.setState(models.StreamConnecting)

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("Market data stream connect failed")
		} else if err := m.attach(conn); err != nil {
			m.logger.WithError(err).Warn("Market data stream subscribe failed")
			conn.Close()
		} else {
			err = m.consume(ctx, conn)
			m.detach()
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("Market data stream disconnected")
		}

		m.mu.Lock()
		m.state = models.StreamDegraded
		m.reconnects++
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.Backoff):
		}
	}
}

// attach makes conn the live connection and subscribes everything active or
// pending in a single request.
func (m *Manager) attach(conn Conn) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	symbols := make([]string, 0, len(m.active)+len(m.pending))
	for s := range m.active {
		symbols = append(symbols, s)
	}
	queued := make([]string, 0, len(m.pending))
	for s := range m.pending {
		symbols = append(symbols, s)
		queued = append(queued, s)
		m.active[s] = struct{}{}
	}
	sort.Strings(symbols)
	m.pending = make(map[string]struct{})
	m.conn = conn

	var msg binance.ControlMessage
	if len(symbols) > 0 {
		msg = m.controlLocked(methodSubscribe, symbols)
	}
	m.mu.Unlock()

	if len(symbols) > 0 {
		if err := conn.Send(msg); err != nil {
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			m.requeue(queued)
			return fmt.Errorf("subscribing %d symbols: %w", len(symbols), err)
		}
	}

	m.setState(models.StreamSubscribed)
	m.logger.WithField("symbols", symbols).Info("Market data stream subscribed")
	return nil
}

func (m *Manager) detach() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

// consume reads conn through a reader goroutine until the connection fails
// or ctx ends.
func (m *Manager) consume(ctx context.Context, conn Conn) error {
	events := make(chan streamEvent)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			data, err := conn.Read()
			select {
			case events <- streamEvent{data: data, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case ev := <-events:
			if ev.err != nil {
				return ev.err
			}
			m.handle(ev.data)
		}
	}
}

func (m *Manager) handle(data []byte) {
	msg, err := binance.ParseStreamMessage(data)
	if err != nil {
		m.logger.WithError(err).Debug("Dropping malformed stream frame")
		return
	}
	if msg.IsAck() {
		return
	}
	if !msg.IsTicker() {
		return
	}

	symbol := models.NormalizeSymbol(msg.Symbol)
	price, err := decimal.NewFromString(msg.LastPrice)
	if err != nil {
		m.logger.WithError(err).WithField("symbol", symbol).Debug("Dropping tick with bad price")
		return
	}

	at := m.clock.Now()
	if msg.EventTime > 0 {
		at = time.UnixMilli(msg.EventTime)
	}

	// the membership check and the write share mu with Unsubscribe, so a
	// removed symbol cannot be written back into the cache
	m.mu.Lock()
	if _, ok := m.active[symbol]; !ok {
		m.mu.Unlock()
		return
	}
	entry := m.cache.Update(symbol, price, at)
	m.mu.Unlock()

	m.notify(entry)
}

func (m *Manager) notify(entry models.PriceCacheEntry) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()

	for _, ch := range m.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Listen returns a channel of cache updates. A listener that falls behind
// misses updates; the channel is closed by Stop.
func (m *Manager) Listen() <-chan models.PriceCacheEntry {
	ch := make(chan models.PriceCacheEntry, m.cfg.ListenerBuffer)
	m.listenMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenMu.Unlock()
	return ch
}

// Subscribe adds symbol to the stream. With a live connection the request is
// sent now; otherwise it waits in pending for the next connect.
func (m *Manager) Subscribe(symbol string) error {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", models.ErrInvalidSymbol)
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	out := m.subscribeLocked(symbol)
	m.mu.Unlock()
	return m.flush(out)
}

// subscribeLocked marks symbol active right away when connected, so its
// ticks are accepted as soon as the exchange starts sending them.
func (m *Manager) subscribeLocked(symbol string) *outbound {
	if _, ok := m.active[symbol]; ok {
		return nil
	}
	if m.conn == nil {
		m.queueLocked(symbol)
		return nil
	}

	m.active[symbol] = struct{}{}
	return &outbound{
		conn:    m.conn,
		msg:     m.controlLocked(methodSubscribe, []string{symbol}),
		symbols: []string{symbol},
		requeue: true,
	}
}

// Unsubscribe drops symbol from the stream and the cache. While disconnected
// it is only removed locally, so the next connect never requests it.
func (m *Manager) Unsubscribe(symbol string) error {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", models.ErrInvalidSymbol)
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	out := m.unsubscribeLocked(symbol)
	m.mu.Unlock()
	return m.flush(out)
}

func (m *Manager) unsubscribeLocked(symbol string) *outbound {
	_, wasActive := m.active[symbol]
	delete(m.active, symbol)
	delete(m.pending, symbol)
	m.cache.Remove(symbol)

	if !wasActive || m.conn == nil {
		return nil
	}
	return &outbound{
		conn:    m.conn,
		msg:     m.controlLocked(methodUnsubscribe, []string{symbol}),
		symbols: []string{symbol},
	}
}

// flush writes frames in order. The caller holds sendMu but not mu. A failed
// subscribe puts its symbols back in pending for the next connect.
func (m *Manager) flush(frames ...*outbound) error {
	var errs []error
	for _, f := range frames {
		if f == nil {
			continue
		}
		if err := f.conn.Send(f.msg); err != nil {
			errs = append(errs, fmt.Errorf("%s %v: %w", strings.ToLower(f.msg.Method), f.symbols, err))
			if f.requeue {
				m.requeue(f.symbols)
			}
		}
	}
	return errors.Join(errs...)
}

// requeue moves symbols that are still wanted from active back to pending.
func (m *Manager) requeue(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		if _, ok := m.active[s]; !ok {
			continue
		}
		delete(m.active, s)
		m.pending[s] = struct{}{}
	}
}

// SetDynamicSymbol swaps the user-editable symbol. The previous one is
// unsubscribed first unless it is also a favorite. A bare asset such as
// "eth" is completed with the configured quote asset.
func (m *Manager) SetDynamicSymbol(input string) (string, error) {
	symbol := models.PairSymbol(input, m.cfg.QuoteAsset)
	if symbol == "" {
		return "", fmt.Errorf("%w: empty symbol", models.ErrInvalidSymbol)
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	prev := m.dynamic
	if prev == symbol {
		m.mu.Unlock()
		return symbol, nil
	}

	var drop *outbound
	if prev != "" && !m.isFavorite(prev) {
		drop = m.unsubscribeLocked(prev)
	}
	m.dynamic = symbol
	add := m.subscribeLocked(symbol)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"previous": prev,
		"symbol":   symbol,
	}).Info("Dynamic symbol changed")

	if err := m.flush(drop); err != nil {
		m.logger.WithError(err).WithField("symbol", prev).Warn("Failed to unsubscribe previous dynamic symbol")
	}
	return symbol, m.flush(add)
}

func (m *Manager) DynamicSymbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dynamic
}

func (m *Manager) Status() models.StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return models.StreamStatus{
		State:         m.state,
		Active:        sortedKeys(m.active),
		Pending:       sortedKeys(m.pending),
		DynamicSymbol: m.dynamic,
		Reconnects:    m.reconnects,
	}
}

func (m *Manager) Cache() *PriceCache {
	return m.cache
}

// Prices returns the cached prices sorted by symbol.
func (m *Manager) Prices() []models.PriceCacheEntry {
	return m.cache.Snapshot()
}

func (m *Manager) Price(symbol string) (models.PriceCacheEntry, bool) {
	return m.cache.Get(models.NormalizeSymbol(symbol))
}

func (m *Manager) setState(s models.StreamState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// queueLocked puts symbol in pending unless it is already active.
func (m *Manager) queueLocked(symbol string) {
	if symbol == "" {
		return
	}
	if _, ok := m.active[symbol]; ok {
		return
	}
	m.pending[symbol] = struct{}{}
}

func (m *Manager) controlLocked(method string, symbols []string) binance.ControlMessage {
	m.nextID++
	params := make([]string, len(symbols))
	for i, s := range symbols {
		params[i] = binance.StreamName(s)
	}
	return binance.ControlMessage{Method: method, Params: params, ID: m.nextID}
}

func (m *Manager) isFavorite(symbol string) bool {
	if m.source == nil {
		return false
	}
	for _, s := range m.source.Favorites() {
		if models.NormalizeSymbol(s) == symbol {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
