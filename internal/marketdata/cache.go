package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"margin_go/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	// DefaultStaleness is the window after which a cached price is no
	// longer "current". Load-bearing: stale prices must never trigger a
	// fill or a close.
	DefaultStaleness = 5000 * time.Millisecond

	// evictAfter is the age past which idle entries are dropped entirely.
	evictAfter = 10 * time.Second
)

// PriceEntry is the last observed price for one symbol.
type PriceEntry struct {
	AssetClass domain.AssetClass
	Symbol     string
	Price      decimal.Decimal
	Aux        map[string]any
	ObservedAt time.Time
}

// PriceCache is a last-value cache keyed by (assetClass, symbol).
// Written by the feed connectors, read by every monitor.
type PriceCache struct {
	mu        sync.RWMutex
	entries   map[domain.AssetClass]map[string]*PriceEntry
	staleness time.Duration
	lookup    domain.InstrumentLookup
	nowFn     func() time.Time
}

// NewPriceCache creates a cache with the given staleness window.
// The lookup resolves instrument ids for CurrentPriceByInstrumentID.
func NewPriceCache(staleness time.Duration, lookup domain.InstrumentLookup) *PriceCache {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &PriceCache{
		entries:   make(map[domain.AssetClass]map[string]*PriceEntry),
		staleness: staleness,
		lookup:    lookup,
		nowFn:     time.Now,
	}
}

// UpdatePrice overwrites the entry for (class, symbol), stamped with now.
func (c *PriceCache) UpdatePrice(class domain.AssetClass, symbol string, price decimal.Decimal, aux map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bySymbol, ok := c.entries[class]
	if !ok {
		bySymbol = make(map[string]*PriceEntry)
		c.entries[class] = bySymbol
	}
	bySymbol[symbol] = &PriceEntry{
		AssetClass: class,
		Symbol:     symbol,
		Price:      price,
		Aux:        aux,
		ObservedAt: c.nowFn(),
	}
}

// CurrentPrice returns the cached price, or false when no entry exists or
// the entry is older than the staleness window.
func (c *PriceCache) CurrentPrice(class domain.AssetClass, symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[class][symbol]
	if !ok {
		return decimal.Zero, false
	}
	if c.nowFn().Sub(entry.ObservedAt) > c.staleness {
		return decimal.Zero, false
	}
	return entry.Price, true
}

// CurrentPriceByInstrumentID resolves instrument -> symbol -> asset class,
// then delegates to CurrentPrice. The instrument's declared category wins;
// symbol-shape inference is the fallback.
func (c *PriceCache) CurrentPriceByInstrumentID(ctx context.Context, instrumentID string) (decimal.Decimal, bool) {
	inst, err := c.lookup.InstrumentByID(ctx, instrumentID)
	if err != nil || inst == nil {
		return decimal.Zero, false
	}
	return c.CurrentPrice(inst.AssetClassOf(), inst.Symbol)
}

// EvictStale drops entries older than the eviction window and returns how
// many were removed. Bounds memory for symbols that stopped ticking.
func (c *PriceCache) EvictStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	evicted := 0
	for class, bySymbol := range c.entries {
		for symbol, entry := range bySymbol {
			if now.Sub(entry.ObservedAt) > evictAfter {
				delete(bySymbol, symbol)
				evicted++
			}
		}
		if len(bySymbol) == 0 {
			delete(c.entries, class)
		}
	}
	return evicted
}

// StartEviction runs EvictStale on a fixed interval until ctx ends.
func (c *PriceCache) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.EvictStale(); n > 0 {
					slog.Debug("Evicted stale price entries", slog.Int("count", n))
				}
			}
		}
	}()
}

// Len returns the total number of cached entries.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, bySymbol := range c.entries {
		total += len(bySymbol)
	}
	return total
}
