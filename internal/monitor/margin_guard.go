package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/execution"
	"margin_go/internal/infra"

	"github.com/shopspring/decimal"
)

// MarginGuard force-liquidates every open position of any active account
// whose free margin has fallen to the liquidation threshold.
type MarginGuard struct {
	accounts  domain.AccountRepository
	positions domain.PositionRepository
	prices    domain.PriceSource
	exec      *execution.Service
	metrics   *infra.Metrics
	threshold decimal.Decimal
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMarginGuard wires a margin guard polling at interval with the given
// liquidation threshold (default 0).
func NewMarginGuard(accounts domain.AccountRepository, positions domain.PositionRepository,
	prices domain.PriceSource, exec *execution.Service, metrics *infra.Metrics,
	threshold decimal.Decimal, interval time.Duration) *MarginGuard {
	if interval <= 0 {
		interval = 5000 * time.Millisecond
	}
	return &MarginGuard{
		accounts:  accounts,
		positions: positions,
		prices:    prices,
		exec:      exec,
		metrics:   metrics,
		threshold: threshold,
		interval:  interval,
	}
}

// Start runs the liquidation loop in the background.
func (g *MarginGuard) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.cycle(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the running cycle to finish.
func (g *MarginGuard) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *MarginGuard) cycle(ctx context.Context) {
	accounts, err := g.accounts.FindActiveAccounts(ctx)
	if err != nil {
		slog.Error("Margin guard: load active accounts failed", slog.Any("error", err))
		return
	}

	for i := range accounts {
		acc := &accounts[i]
		if acc.FreeMargin.GreaterThan(g.threshold) {
			continue
		}
		if err := g.Liquidate(ctx, acc.AccountUID); err != nil {
			slog.Error("Margin guard: liquidation failed",
				slog.String("account", acc.AccountUID), slog.Any("error", err))
		}
	}
}

// Liquidate closes every open position of the account at the current
// cached price, falling back to each position's entry price (zero pnl)
// when no price is available: liquidation never blocks on missing data.
// Afterwards the account's free margin is clamped to the threshold, which
// also covers the zero-open-positions case.
func (g *MarginGuard) Liquidate(ctx context.Context, accountUID string) error {
	positions, err := g.positions.FindOpenPositionsByAccount(ctx, accountUID)
	if err != nil {
		return err
	}

	slog.Warn("Margin guard: liquidating account",
		slog.String("account", accountUID),
		slog.Int("positions", len(positions)))

	for i := range positions {
		pos := &positions[i]
		exitPrice, ok := g.prices.CurrentPriceByInstrumentID(ctx, pos.InstrumentID)
		if !ok {
			exitPrice = pos.EntryPrice
		}
		if _, err := g.exec.ClosePosition(ctx, pos.ID, exitPrice); err != nil {
			// Per-position failure; liquidation of the rest continues.
			slog.Error("Margin guard: position close failed",
				slog.String("position", pos.ID), slog.Any("error", err))
		}
	}

	if g.metrics != nil {
		g.metrics.RecordLiquidation()
	}
	return g.accounts.ClampFreeMargin(ctx, accountUID, g.threshold)
}
