package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/infra"
	"margin_go/internal/marketdata"

	"github.com/gorilla/websocket"
)

// fakeFeed records upstream subscribe/unsubscribe calls.
type fakeFeed struct {
	mu         sync.Mutex
	subscribed []string
	dropped    []string
}

func (f *fakeFeed) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbol)
	return nil
}

func (f *fakeFeed) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, symbol)
	return nil
}

func (f *fakeFeed) IsConnected() bool { return true }

func (f *fakeFeed) calls() (sub, unsub []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...), append([]string(nil), f.dropped...)
}

func newTestServer(forex, crypto domain.FeedSubscriber) (*Server, *marketdata.SubscriptionRegistry) {
	registry := marketdata.NewSubscriptionRegistry()
	connectors := map[domain.AssetClass]domain.FeedSubscriber{}
	if forex != nil {
		connectors[domain.AssetForex] = forex
	}
	if crypto != nil {
		connectors[domain.AssetCrypto] = crypto
	}
	return NewServer(":0", registry, connectors, &infra.Metrics{}, nil), registry
}

func TestHandleRequest_SubscribeRoutesByAssetClass(t *testing.T) {
	forex := &fakeFeed{}
	crypto := &fakeFeed{}
	s, registry := newTestServer(forex, crypto)
	client := &Client{id: "c1"}

	s.handleRequest(client, []byte(`{"type":"subscribe","symbol":"EURUSD, BTCUSDT"}`))

	if len(registry.SubscribersOf("EURUSD")) != 1 {
		t.Error("EURUSD subscription not registered")
	}
	if len(registry.SubscribersOf("BTCUSDT")) != 1 {
		t.Error("BTCUSDT subscription not registered")
	}
	fxSubs, _ := forex.calls()
	ccSubs, _ := crypto.calls()
	if len(fxSubs) != 1 || fxSubs[0] != "EURUSD" {
		t.Errorf("forex upstream subscribes = %v, want [EURUSD]", fxSubs)
	}
	if len(ccSubs) != 1 || ccSubs[0] != "BTCUSDT" {
		t.Errorf("crypto upstream subscribes = %v, want [BTCUSDT]", ccSubs)
	}
}

func TestHandleRequest_UnsubscribeLastSubscriberOnly(t *testing.T) {
	forex := &fakeFeed{}
	s, registry := newTestServer(forex, nil)
	a := &Client{id: "a"}
	b := &Client{id: "b"}

	s.handleRequest(a, []byte(`{"type":"subscribe","symbol":"EURUSD"}`))
	s.handleRequest(b, []byte(`{"type":"subscribe","symbol":"EURUSD"}`))

	s.handleRequest(a, []byte(`{"type":"unsubscribe","symbol":"EURUSD"}`))
	if _, unsub := forex.calls(); len(unsub) != 0 {
		t.Errorf("upstream unsubscribe fired with a subscriber remaining: %v", unsub)
	}

	s.handleRequest(b, []byte(`{"type":"unsubscribe","symbol":"EURUSD"}`))
	if _, unsub := forex.calls(); len(unsub) != 1 || unsub[0] != "EURUSD" {
		t.Errorf("upstream unsubscribes = %v, want [EURUSD]", unsub)
	}
	if len(registry.SubscribersOf("EURUSD")) != 0 {
		t.Error("registry should be empty")
	}
}

func TestHandleRequest_MalformedAndUnknownFrames(t *testing.T) {
	forex := &fakeFeed{}
	s, registry := newTestServer(forex, nil)
	client := &Client{id: "c1"}

	s.handleRequest(client, []byte(`{"type":`))
	s.handleRequest(client, []byte(`{"type":"shout","symbol":"EURUSD"}`))
	s.handleRequest(client, []byte(`{"type":"subscribe","symbol":""}`))

	if len(registry.AllSubscribedSymbols()) != 0 {
		t.Errorf("registry = %v, want empty", registry.AllSubscribedSymbols())
	}
	if subs, _ := forex.calls(); len(subs) != 0 {
		t.Errorf("upstream subscribes = %v, want none", subs)
	}
}

func TestWebSocket_SubscribeFanOutAndCleanup(t *testing.T) {
	forex := &fakeFeed{}
	s, registry := newTestServer(forex, nil)

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","symbol":"EURUSD"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(registry.SubscribersOf("EURUSD")) == 1
	})

	// A frame pushed through the registry reaches the client verbatim.
	tick := `{"ac":"quote","data":{"s":"EURUSD","ld":1.0850}}`
	sub := registry.SubscribersOf("EURUSD")[0]
	if err := sub.Send([]byte(tick)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(msg) != tick {
		t.Errorf("client got %s, want %s", msg, tick)
	}

	// Closing the connection removes the client from every symbol and
	// releases the now-unwanted symbol upstream.
	conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		return len(registry.SubscribersOf("EURUSD")) == 0
	})
	waitFor(t, 2*time.Second, func() bool {
		_, unsub := forex.calls()
		return len(unsub) == 1 && unsub[0] == "EURUSD"
	})
}

func TestWebSocket_DisconnectKeepsSharedSubscription(t *testing.T) {
	forex := &fakeFeed{}
	s, registry := newTestServer(forex, nil)
	stayer := &Client{id: "stayer"}

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	// A second subscriber holds the symbol open.
	s.handleRequest(stayer, []byte(`{"type":"subscribe","symbol":"EURUSD"}`))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","symbol":"EURUSD"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(registry.SubscribersOf("EURUSD")) == 2
	})

	conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		return len(registry.SubscribersOf("EURUSD")) == 1
	})

	if _, unsub := forex.calls(); len(unsub) != 0 {
		t.Errorf("upstream unsubscribe fired with a subscriber remaining: %v", unsub)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
