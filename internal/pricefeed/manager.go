package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/folioworks/rebalancer/internal/domain"
	"github.com/folioworks/rebalancer/internal/events"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	maxReconnectDelay = 5 * time.Minute

	// Channel name on the push topic; the feed carries batched quote
	// messages scoped to the whole session, not per portfolio.
	pricesChannel = "prices"
)

// ErrStopped is returned when a connection attempt arrives after Stop. The
// reconnect loop's backoff timer can fire concurrently with teardown; the
// attempt must not re-establish the feed for an ended session.
var ErrStopped = errors.New("price feed subscription stopped")

// Persister receives every merged quote batch for write-through persistence.
// Persistence failures are logged and swallowed; the live cache is the source
// of truth while the process runs.
type Persister interface {
	SaveQuotes(quotes []domain.Quote) error
}

// Manager owns the single streaming connection to the quote push channel.
// Its lifecycle is strictly bound to one session: Start when the session is
// established, Stop when it ends. A new session gets a new Manager; events
// arriving after Stop are discarded.
type Manager struct {
	url            string
	reconnectDelay time.Duration

	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	cache     *Cache
	source    domain.QuoteSource
	persister Persister
	eventBus  *events.Manager
	log       zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// NewManager creates a subscription manager for one session
func NewManager(url string, reconnectDelay time.Duration, cache *Cache, source domain.QuoteSource, persister Persister, eventBus *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		url:            url,
		reconnectDelay: reconnectDelay,
		cache:          cache,
		source:         source,
		persister:      persister,
		eventBus:       eventBus,
		log:            log.With().Str("component", "price_feed").Logger(),
		stopChan:       make(chan struct{}),
	}
}

// Start initializes the connection and starts the read loop. A failed initial
// connection is not fatal: the reconnect loop keeps retrying in the
// background until Stop.
func (m *Manager) Start() error {
	m.log.Info().Str("url", m.url).Msg("Starting price feed subscription")

	// Warm-started quotes may be hours old; refresh them right away instead
	// of waiting for the first push or the staleness job.
	if symbols := m.cache.Symbols(); len(symbols) > 0 {
		go m.Pull(context.Background(), symbols)
	}

	if err := m.connect(); err != nil {
		m.log.Warn().Err(err).Msg("Initial feed connection failed, will retry in background")
		go m.reconnectLoop()
		return err
	}

	m.mu.RLock()
	ctx := m.connCtx
	m.mu.RUnlock()
	go m.readMessages(ctx)

	return nil
}

// Stop tears the subscription down deterministically. No further events are
// emitted or processed afterwards.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.log.Info().Msg("Stopping price feed subscription")

	close(m.stopChan)
	return m.disconnect()
}

// connect dials the push channel and subscribes to the prices topic
func (m *Manager) connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, m.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	m.conn = conn
	m.connCtx = connCtx
	m.cancelFunc = connCancel

	if err := m.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		m.conn = nil
		m.connCtx = nil
		m.cancelFunc = nil
		return fmt.Errorf("failed to subscribe to %s: %w", pricesChannel, err)
	}

	m.connected = true
	m.emitStatus(true)

	m.log.Info().Msg("Connected to price feed")
	return nil
}

// disconnect closes the connection and cancels pending reads
func (m *Manager) disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil
	}

	if m.cancelFunc != nil {
		m.cancelFunc()
		m.cancelFunc = nil
	}

	err := m.conn.Close(websocket.StatusNormalClosure, "")
	m.conn = nil
	m.connCtx = nil
	m.connected = false

	if err != nil {
		return fmt.Errorf("error closing feed connection: %w", err)
	}
	return nil
}

// subscribe sends the subscription message for the prices channel
func (m *Manager) subscribe(ctx context.Context) error {
	// Wire protocol: ["prices"] to subscribe, then ["prices", batch] inbound
	data, err := json.Marshal([]string{pricesChannel})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := m.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}
	return nil
}

// readMessages continuously reads batches until the connection drops
func (m *Manager) readMessages(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		wasConnected := m.connected
		m.connected = false
		stopped := m.stopped
		m.mu.Unlock()

		if stopped {
			return
		}
		if wasConnected {
			m.emitStatus(false)
		}
		go m.reconnectLoop()
	}()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.mu.RLock()
		conn := m.conn
		m.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				m.log.Info().Int("status", int(closeStatus)).Msg("Feed closed normally")
			} else if ctx.Err() != nil {
				m.log.Debug().Msg("Feed read cancelled")
			} else {
				m.log.Error().Err(err).Msg("Unexpected feed read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := m.handleMessage(message); err != nil {
			m.log.Error().Err(err).Msg("Failed to handle feed message")
			// Keep reading despite parse errors
		}
	}
}

// wireBatch matches the push payload; timestamps arrive as RFC 3339 strings
type wireBatch struct {
	Quotes    []domain.Quote `json:"quotes"`
	Timestamp string         `json:"timestamp"`
}

// handleMessage parses one ["channel", payload] frame and merges quote batches
func (m *Manager) handleMessage(message []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return fmt.Errorf("failed to parse message array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("message array too short: expected 2 elements, got %d", len(raw))
	}

	var channel string
	if err := json.Unmarshal(raw[0], &channel); err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}
	if channel != pricesChannel {
		m.log.Debug().Str("channel", channel).Msg("Ignoring message for other channel")
		return nil
	}

	var batch wireBatch
	if err := json.Unmarshal(raw[1], &batch); err != nil {
		return fmt.Errorf("failed to parse quote batch: %w", err)
	}

	m.mu.RLock()
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		// Residual event after teardown
		return nil
	}

	ts, err := time.Parse(time.RFC3339, batch.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	m.applyBatch(batch.Quotes, ts)
	return nil
}

// applyBatch merges quotes into the cache, persists them and notifies consumers
func (m *Manager) applyBatch(quotes []domain.Quote, timestamp time.Time) {
	if len(quotes) == 0 {
		return
	}

	m.cache.Merge(quotes, timestamp)

	if m.persister != nil {
		if err := m.persister.SaveQuotes(quotes); err != nil {
			m.log.Warn().Err(err).Msg("Failed to persist quote batch")
		}
	}

	if m.eventBus != nil {
		symbols := make([]string, 0, len(quotes))
		for _, q := range quotes {
			symbols = append(symbols, q.Symbol)
		}
		m.eventBus.EmitTyped(events.PricesUpdated, "price_feed", &events.PricesUpdatedData{
			Symbols:   symbols,
			Timestamp: timestamp.Format(time.RFC3339),
		})
	}
}

// Pull fetches quotes synchronously for the given symbols and merges them
// into the cache. Failures are swallowed to an empty result: a failed pull
// must never crash valuation, only leave values showing as unavailable.
func (m *Manager) Pull(ctx context.Context, symbols []string) []domain.Quote {
	if len(symbols) == 0 || m.source == nil {
		return nil
	}

	quotes, err := m.source.PullQuotes(ctx, symbols)
	if err != nil {
		m.log.Warn().Err(err).Strs("symbols", symbols).Msg("Quote pull failed")
		return nil
	}

	m.applyBatch(quotes, time.Now())
	return quotes
}

// reconnectLoop retries the connection until it succeeds or Stop is called.
// Connection errors are never fatal; they degrade to "disconnected" and retry
// indefinitely until session end.
func (m *Manager) reconnectLoop() {
	m.mu.Lock()
	if m.reconnecting || m.stopped {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		attempt++
		delay := m.backoff(attempt)

		m.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting to price feed")

		select {
		case <-time.After(delay):
		case <-m.stopChan:
			return
		}

		if err := m.connect(); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			m.log.Error().Err(err).Int("attempt", attempt).Msg("Feed reconnection failed")
			continue
		}

		m.log.Info().Int("attempt", attempt).Msg("Reconnected to price feed")

		m.mu.RLock()
		ctx := m.connCtx
		m.mu.RUnlock()
		go m.readMessages(ctx)
		return
	}
}

// backoff returns the delay before the given reconnect attempt: the base
// delay for the first attempt, doubling afterwards, capped at maxReconnectDelay
func (m *Manager) backoff(attempt int) time.Duration {
	delay := float64(m.reconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// emitStatus publishes the connection status change
func (m *Manager) emitStatus(connected bool) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.EmitTyped((&events.FeedStatusData{Connected: connected}).EventType(), "price_feed", &events.FeedStatusData{Connected: connected})
}

// IsConnected returns the current connection status. Display only; consumers
// must never gate correctness on it.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}
