package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ticksProcessed  atomic.Uint64
	ordersFilled    atomic.Uint64
	positionsClosed atomic.Uint64
	liquidations    atomic.Uint64
	errorsTotal     atomic.Uint64

	// Gauges
	activeSubscribers atomic.Int32
	feedsConnected    atomic.Int32
}

// RecordTick records one processed inbound tick.
func (m *Metrics) RecordTick() {
	m.ticksProcessed.Add(1)
}

// RecordOrderFilled records a filled order.
func (m *Metrics) RecordOrderFilled() {
	m.ordersFilled.Add(1)
}

// RecordPositionClosed records a position close (full or partial).
func (m *Metrics) RecordPositionClosed() {
	m.positionsClosed.Add(1)
}

// RecordLiquidation records one force-liquidated account.
func (m *Metrics) RecordLiquidation() {
	m.liquidations.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementSubscribers increments active gateway subscribers by 1.
func (m *Metrics) IncrementSubscribers() {
	m.activeSubscribers.Add(1)
}

// DecrementSubscribers decrements active gateway subscribers by 1.
func (m *Metrics) DecrementSubscribers() {
	m.activeSubscribers.Add(-1)
}

// SetFeedsConnected sets how many upstream feeds are currently live.
func (m *Metrics) SetFeedsConnected(n int32) {
	m.feedsConnected.Store(n)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TicksProcessed    uint64
	OrdersFilled      uint64
	PositionsClosed   uint64
	Liquidations      uint64
	ErrorsTotal       uint64
	ActiveSubscribers int32
	FeedsConnected    int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TicksProcessed:    m.ticksProcessed.Load(),
		OrdersFilled:      m.ordersFilled.Load(),
		PositionsClosed:   m.positionsClosed.Load(),
		Liquidations:      m.liquidations.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		ActiveSubscribers: m.activeSubscribers.Load(),
		FeedsConnected:    m.feedsConnected.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ticksProcessed.Store(0)
	m.ordersFilled.Store(0)
	m.positionsClosed.Store(0)
	m.liquidations.Store(0)
	m.errorsTotal.Store(0)
	m.activeSubscribers.Store(0)
	m.feedsConnected.Store(0)
}
