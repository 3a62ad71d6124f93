package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/infra"
	"margin_go/internal/marketdata"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientRequest is the subscriber-facing frame. Symbol carries a
// comma-separated list.
type clientRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one downstream subscriber connection. It satisfies
// marketdata.Subscriber: the registry holds it as a weak handle and drops
// it once the connection dies.
type Client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Send forwards a raw upstream frame verbatim. No server-side re-framing.
func (c *Client) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// Alive reports whether the connection is still usable.
func (c *Client) Alive() bool {
	return !c.closed.Load()
}

// Server accepts subscriber connections, parses subscribe/unsubscribe
// requests, mutates the subscription registry, and triggers upstream
// subscriptions on the right asset class's feed connector.
type Server struct {
	addr       string
	registry   *marketdata.SubscriptionRegistry
	connectors map[domain.AssetClass]domain.FeedSubscriber
	classify   func(symbol string) domain.AssetClass
	metrics    *infra.Metrics

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer wires the inbound gateway. classify maps a symbol to its asset
// class; nil falls back to symbol-shape inference.
func NewServer(addr string, registry *marketdata.SubscriptionRegistry,
	connectors map[domain.AssetClass]domain.FeedSubscriber,
	metrics *infra.Metrics, classify func(string) domain.AssetClass) *Server {
	if classify == nil {
		classify = domain.InferAssetClass
	}
	return &Server{
		addr:       addr,
		registry:   registry,
		connectors: connectors,
		classify:   classify,
		metrics:    metrics,
	}
}

// Start begins serving subscriber connections until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("Gateway listening", slog.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the gateway down.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Gateway upgrade failed", slog.Any("error", err))
		return
	}

	client := &Client{id: uuid.NewString(), conn: conn}
	if s.metrics != nil {
		s.metrics.IncrementSubscribers()
	}
	slog.Debug("Subscriber connected", slog.String("id", client.id))

	defer func() {
		client.closed.Store(true)
		// Symbols this client was the last subscriber of are released
		// upstream, same as an explicit unsubscribe would.
		for _, symbol := range s.registry.RemoveSubscriberFromAll(client) {
			s.releaseUpstream(symbol)
		}
		conn.Close()
		if s.metrics != nil {
			s.metrics.DecrementSubscribers()
		}
		slog.Debug("Subscriber disconnected", slog.String("id", client.id))
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleRequest(client, msg)
	}
}

// handleRequest applies one subscribe/unsubscribe frame.
func (s *Server) handleRequest(client *Client, msg []byte) {
	var req clientRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		slog.Warn("Gateway: malformed request", slog.String("client", client.id))
		return
	}

	for _, symbol := range strings.Split(req.Symbol, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		switch req.Type {
		case "subscribe":
			s.subscribe(client, symbol)
		case "unsubscribe":
			s.unsubscribe(client, symbol)
		default:
			slog.Warn("Gateway: unknown request type", slog.String("type", req.Type))
			return
		}
	}
}

func (s *Server) subscribe(client *Client, symbol string) {
	s.registry.AddSubscriber(symbol, client)

	connector, ok := s.connectors[s.classify(symbol)]
	if !ok {
		slog.Warn("Gateway: no feed for symbol", slog.String("symbol", symbol))
		return
	}
	// If the feed is down, the reconnect-time resubscribe sweep will pick
	// the symbol up from the registry.
	if err := connector.Subscribe(symbol); err != nil {
		slog.Warn("Gateway: upstream subscribe failed",
			slog.String("symbol", symbol), slog.Any("error", err))
	}
}

func (s *Server) unsubscribe(client *Client, symbol string) {
	if s.registry.RemoveSubscriber(symbol, client) {
		s.releaseUpstream(symbol)
	}
}

// releaseUpstream unsubscribes a symbol that no downstream client wants
// anymore.
func (s *Server) releaseUpstream(symbol string) {
	connector, ok := s.connectors[s.classify(symbol)]
	if !ok {
		return
	}
	if err := connector.Unsubscribe(symbol); err != nil {
		slog.Warn("Gateway: upstream unsubscribe failed",
			slog.String("symbol", symbol), slog.Any("error", err))
	}
}
