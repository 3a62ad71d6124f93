package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/execution"
)

// OrderMonitor polls pending conditional orders and fills the ones whose
// trigger condition the current cached price satisfies.
type OrderMonitor struct {
	orders   domain.OrderRepository
	prices   domain.PriceSource
	exec     *execution.Service
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrderMonitor wires an order monitor polling at interval.
func NewOrderMonitor(orders domain.OrderRepository, prices domain.PriceSource,
	exec *execution.Service, interval time.Duration) *OrderMonitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &OrderMonitor{
		orders:   orders,
		prices:   prices,
		exec:     exec,
		interval: interval,
	}
}

// Start runs the polling loop in the background. Cycles run inline on the
// loop goroutine, so a slow cycle delays the next one instead of
// overlapping itself.
func (m *OrderMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cycle(ctx)
			}
		}
	}()
}

// Stop halts the polling loop and waits for the running cycle to finish.
func (m *OrderMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *OrderMonitor) cycle(ctx context.Context) {
	orders, err := m.orders.FindPendingOrders(ctx)
	if err != nil {
		slog.Error("Order monitor: load pending orders failed", slog.Any("error", err))
		return
	}

	for i := range orders {
		order := &orders[i]
		if order.TriggerPrice == nil {
			continue
		}

		current, ok := m.prices.CurrentPriceByInstrumentID(ctx, order.InstrumentID)
		if !ok {
			// No fresh price; re-attempted next cycle.
			slog.Warn("Order monitor: price unavailable",
				slog.String("order", order.ID),
				slog.String("instrument", order.InstrumentID))
			continue
		}

		if !domain.ShouldTrigger(order.Kind, order.Side, *order.TriggerPrice, current) {
			continue
		}

		if _, err := m.exec.FillOrder(ctx, order, current); err != nil {
			// Per-item failure; the batch continues.
			slog.Error("Order monitor: fill failed",
				slog.String("order", order.ID), slog.Any("error", err))
		}
	}
}
