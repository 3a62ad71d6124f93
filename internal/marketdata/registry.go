package marketdata

import "sync"

// Subscriber is a live downstream connection handle. The registry never
// owns the connection; it only checks liveness and drops dead handles.
type Subscriber interface {
	// Send forwards a raw upstream frame to the subscriber.
	Send(msg []byte) error
	// Alive reports whether the underlying connection is still open.
	Alive() bool
}

// SubscriptionRegistry tracks, per symbol, the live set of subscriber
// connections. Process-local; rebuilt from zero on restart.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{}
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs: make(map[string]map[Subscriber]struct{}),
	}
}

// AddSubscriber registers conn for symbol. Returns true when this is the
// first subscriber for the symbol.
func (r *SubscriptionRegistry) AddSubscriber(symbol string, conn Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[symbol]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.subs[symbol] = set
	}
	set[conn] = struct{}{}
	return len(set) == 1
}

// RemoveSubscriber drops conn from symbol. Returns true when conn was the
// last subscriber, in which case the symbol entry is removed too.
func (r *SubscriptionRegistry) RemoveSubscriber(symbol string, conn Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[symbol]
	if !ok {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.subs, symbol)
		return true
	}
	return false
}

// RemoveSubscriberFromAll drops conn from every symbol (disconnect
// cleanup) and returns the symbols left with no subscribers.
func (r *SubscriptionRegistry) RemoveSubscriberFromAll(conn Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for symbol, set := range r.subs {
		if _, ok := set[conn]; !ok {
			continue
		}
		delete(set, conn)
		if len(set) == 0 {
			delete(r.subs, symbol)
			emptied = append(emptied, symbol)
		}
	}
	return emptied
}

// SubscribersOf returns a snapshot of the subscribers for symbol.
func (r *SubscriptionRegistry) SubscribersOf(symbol string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.subs[symbol]
	out := make([]Subscriber, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// AllSubscribedSymbols returns every symbol with at least one subscriber.
// Used by the feed connectors to resubscribe after a reconnect.
func (r *SubscriptionRegistry) AllSubscribedSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.subs))
	for symbol := range r.subs {
		out = append(out, symbol)
	}
	return out
}
