package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/infra"
	"margin_go/internal/marketdata"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	handshakeTimeout      = 10 * time.Second
	defaultReconnectDelay = 3 * time.Second
)

// subscribeRequest is the upstream subscribe/unsubscribe envelope.
type subscribeRequest struct {
	AC     string `json:"ac"`
	Params string `json:"params"`
	Types  string `json:"types"`
}

// pingRequest is the heartbeat envelope this system sends periodically.
// No liveness is asserted from the pong; only transport close reconnects.
type pingRequest struct {
	AC     string `json:"ac"`
	Params string `json:"params"`
}

// tickFrame is the inbound quote envelope. Only s (symbol) and ld (last
// price) are interpreted; everything else passes through opaquely.
type tickFrame struct {
	AC   string         `json:"ac"`
	Data map[string]any `json:"data"`
}

// Connector owns exactly one upstream feed connection for an asset class:
// it authenticates, keeps the connection alive, resubscribes on reconnect,
// writes ticks through to the price cache and fans them out to subscribers.
type Connector struct {
	class          domain.AssetClass
	cfg            infra.FeedConfig
	cache          *marketdata.PriceCache
	registry       *marketdata.SubscriptionRegistry
	metrics        *infra.Metrics
	classify       func(symbol string) domain.AssetClass
	heartbeat      time.Duration
	reconnectDelay time.Duration

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	pingStop  context.CancelFunc
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewConnector creates a feed connector for one asset class. classify maps
// a symbol to its asset class for the reconnect-time resubscribe sweep;
// nil falls back to symbol-shape inference. reconnectDelay is the fixed
// wait after a transport close before the next dial.
func NewConnector(class domain.AssetClass, cfg infra.FeedConfig, cache *marketdata.PriceCache,
	registry *marketdata.SubscriptionRegistry, metrics *infra.Metrics,
	heartbeat, reconnectDelay time.Duration, classify func(string) domain.AssetClass) *Connector {
	if classify == nil {
		classify = domain.InferAssetClass
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	return &Connector{
		class:          class,
		cfg:            cfg,
		cache:          cache,
		registry:       registry,
		metrics:        metrics,
		classify:       classify,
		heartbeat:      heartbeat,
		reconnectDelay: reconnectDelay,
	}
}

// Connect starts the connection loop in the background.
func (c *Connector) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

func (c *Connector) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			slog.Warn("Feed connection failed",
				slog.String("class", string(c.class)),
				slog.Any("error", err),
				slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			c.readLoop(ctx)
			// The delay after a transport close is unconditional: an
			// upstream that accepts and immediately drops connections
			// must not be redialed in a tight loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.reconnectDelay):
			}
		}
	}
}

func (c *Connector) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := make(http.Header)
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrConnectionFailed, c.cfg.WSURL, err)
	}

	pingCtx, pingStop := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.pingStop = pingStop
	c.mu.Unlock()

	if err := c.resubscribeAll(); err != nil {
		c.closeConnection()
		return err
	}

	c.wg.Add(1)
	go c.pingLoop(pingCtx)

	slog.Info("Feed connected", slog.String("class", string(c.class)))
	return nil
}

// resubscribeAll re-issues subscribe requests for every symbol of this
// asset class currently present in the registry, recovering subscription
// state lost on reconnect.
func (c *Connector) resubscribeAll() error {
	for _, symbol := range c.registry.AllSubscribedSymbols() {
		if c.classify(symbol) != c.class {
			continue
		}
		if err := c.Subscribe(symbol); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe sends a subscribe envelope when connected. When disconnected
// this is a no-op: the reconnect-time resubscribe sweep consults the
// registry and recovers the subscription.
func (c *Connector) Subscribe(symbol string) error {
	if !c.IsConnected() {
		return nil
	}
	req := subscribeRequest{
		AC:     "subscribe",
		Params: symbol + "$" + c.cfg.Region,
		Types:  "quote",
	}
	b, _ := json.Marshal(req)
	return c.threadSafeWrite(websocket.TextMessage, b)
}

// Unsubscribe sends an unsubscribe envelope when connected.
func (c *Connector) Unsubscribe(symbol string) error {
	if !c.IsConnected() {
		return nil
	}
	req := subscribeRequest{
		AC:     "unsubscribe",
		Params: symbol + "$" + c.cfg.Region,
		Types:  "quote",
	}
	b, _ := json.Marshal(req)
	return c.threadSafeWrite(websocket.TextMessage, b)
}

func (c *Connector) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := pingRequest{
				AC:     "ping",
				Params: strconv.FormatInt(time.Now().UnixMilli(), 10),
			}
			b, _ := json.Marshal(req)
			c.threadSafeWrite(websocket.TextMessage, b)
		}
	}
}

func (c *Connector) threadSafeWrite(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return fmt.Errorf("no conn")
	}
	return c.conn.WriteMessage(msgType, data)
}

func (c *Connector) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("Feed transport closed",
				slog.String("class", string(c.class)),
				slog.Any("error", err))
			c.closeConnection()
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage ignores control frames, writes tick prices through to the
// cache, and forwards the raw frame verbatim to every live subscriber.
// Dead subscribers are skipped without aborting the fan-out.
func (c *Connector) handleMessage(raw []byte) {
	var frame tickFrame
	if json.Unmarshal(raw, &frame) != nil {
		return
	}
	if frame.AC == "ping" || frame.AC == "pong" || frame.Data == nil {
		return
	}

	symbol, ok := frame.Data["s"].(string)
	if !ok || symbol == "" {
		return
	}
	last, ok := frame.Data["ld"].(float64)
	if !ok {
		// Some feeds quote the last price as a string.
		s, ok := frame.Data["ld"].(string)
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return
		}
		last = v
	}

	c.cache.UpdatePrice(c.class, symbol, decimal.NewFromFloat(last), frame.Data)
	if c.metrics != nil {
		c.metrics.RecordTick()
	}

	for _, sub := range c.registry.SubscribersOf(symbol) {
		if !sub.Alive() {
			c.registry.RemoveSubscriber(symbol, sub)
			continue
		}
		if err := sub.Send(raw); err != nil {
			slog.Warn("Fan-out write failed", slog.String("symbol", symbol), slog.Any("error", err))
		}
	}
}

// IsConnected reports whether the upstream connection is live.
func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Connector) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingStop != nil {
		c.pingStop()
		c.pingStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// Disconnect stops the connection loop and closes the upstream connection.
func (c *Connector) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection()
	c.wg.Wait()
}
