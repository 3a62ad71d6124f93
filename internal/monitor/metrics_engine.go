package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"margin_go/internal/domain"

	"github.com/shopspring/decimal"
)

// MetricsEngine recomputes each active account's derived fields (equity,
// margin, free margin, margin level) from its balance and open positions.
// The derived fields converge on every cycle; they are not sources of
// truth between recomputations.
type MetricsEngine struct {
	accounts    domain.AccountRepository
	positions   domain.PositionRepository
	instruments domain.InstrumentLookup
	prices      domain.PriceSource
	interval    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMetricsEngine wires a metrics engine polling at interval.
func NewMetricsEngine(accounts domain.AccountRepository, positions domain.PositionRepository,
	instruments domain.InstrumentLookup, prices domain.PriceSource, interval time.Duration) *MetricsEngine {
	if interval <= 0 {
		interval = 1000 * time.Millisecond
	}
	return &MetricsEngine{
		accounts:    accounts,
		positions:   positions,
		instruments: instruments,
		prices:      prices,
		interval:    interval,
	}
}

// Start runs the recomputation loop in the background.
func (m *MetricsEngine) Start(ctx context.Context) {
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

// Stop halts the loop and waits for the running cycle to finish.
func (m *MetricsEngine) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *MetricsEngine) cycle(ctx context.Context) {
	accounts, err := m.accounts.FindActiveAccounts(ctx)
	if err != nil {
		slog.Error("Metrics engine: load active accounts failed", slog.Any("error", err))
		return
	}

	for i := range accounts {
		if err := m.RefreshAccount(ctx, &accounts[i]); err != nil {
			slog.Error("Metrics engine: refresh failed",
				slog.String("account", accounts[i].AccountUID), slog.Any("error", err))
		}
	}
}

// RefreshAccount recomputes and persists one account's derived fields.
// A position with no fresh price contributes zero unrealized pnl (the
// entry price stands in); missing data is never an error here.
func (m *MetricsEngine) RefreshAccount(ctx context.Context, acc *domain.TradingAccount) error {
	positions, err := m.positions.FindOpenPositionsByAccount(ctx, acc.AccountUID)
	if err != nil {
		return err
	}

	totalUnrealized := decimal.Zero
	totalMargin := decimal.Zero
	for i := range positions {
		pos := &positions[i]
		totalMargin = totalMargin.Add(pos.MarginUsed)

		current, ok := m.prices.CurrentPriceByInstrumentID(ctx, pos.InstrumentID)
		if !ok {
			continue // entry price fallback: zero unrealized pnl
		}
		inst, err := m.instruments.InstrumentByID(ctx, pos.InstrumentID)
		if err != nil {
			slog.Warn("Metrics engine: instrument unavailable",
				slog.String("position", pos.ID), slog.Any("error", err))
			continue
		}
		totalUnrealized = totalUnrealized.Add(pos.UnrealizedPnL(current, inst.ContractSize))
	}

	metrics := domain.ComputeMetrics(acc.Balance, totalUnrealized, totalMargin)
	return m.accounts.UpdateDerivedMetrics(ctx, acc.AccountUID, metrics)
}

// MarginSufficiency refreshes one account's metrics on demand and reports
// whether the updated free margin covers requiredMargin.
func (m *MetricsEngine) MarginSufficiency(ctx context.Context, accountUID string, requiredMargin decimal.Decimal) (bool, error) {
	acc, err := m.accounts.AccountByUID(ctx, accountUID)
	if err != nil {
		return false, err
	}
	if err := m.RefreshAccount(ctx, acc); err != nil {
		return false, err
	}
	acc, err = m.accounts.AccountByUID(ctx, accountUID)
	if err != nil {
		return false, err
	}
	return acc.FreeMargin.GreaterThanOrEqual(requiredMargin), nil
}
