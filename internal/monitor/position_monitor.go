package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/execution"
)

// PositionMonitor polls open positions and closes the ones whose stop-loss
// or take-profit the current cached price has crossed.
type PositionMonitor struct {
	positions domain.PositionRepository
	prices    domain.PriceSource
	exec      *execution.Service
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPositionMonitor wires a position monitor polling at interval.
func NewPositionMonitor(positions domain.PositionRepository, prices domain.PriceSource,
	exec *execution.Service, interval time.Duration) *PositionMonitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &PositionMonitor{
		positions: positions,
		prices:    prices,
		exec:      exec,
		interval:  interval,
	}
}

// Start runs the polling loop in the background.
func (m *PositionMonitor) Start(ctx context.Context) {
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
func (m *PositionMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *PositionMonitor) cycle(ctx context.Context) {
	positions, err := m.positions.FindOpenPositions(ctx)
	if err != nil {
		slog.Error("Position monitor: load open positions failed", slog.Any("error", err))
		return
	}

	for i := range positions {
		pos := &positions[i]

		current, ok := m.prices.CurrentPriceByInstrumentID(ctx, pos.InstrumentID)
		if !ok {
			slog.Warn("Position monitor: price unavailable",
				slog.String("position", pos.ID),
				slog.String("instrument", pos.InstrumentID))
			continue
		}

		// Stop-loss is evaluated before take-profit; at most one trigger
		// is acted on per position per cycle.
		if !pos.StopLossHit(current) && !pos.TakeProfitHit(current) {
			continue
		}

		if _, err := m.exec.ClosePosition(ctx, pos.ID, current); err != nil {
			slog.Error("Position monitor: close failed",
				slog.String("position", pos.ID), slog.Any("error", err))
		}
	}
}
