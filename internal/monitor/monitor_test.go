package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/execution"
	"margin_go/internal/infra"
	"margin_go/internal/infra/storage"
	"margin_go/internal/marketdata"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type stubQuotes struct{}

func (stubQuotes) LastPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.Zero, domain.ErrPriceUnavailable
}

type fixture struct {
	store   *storage.Storage
	cache   *marketdata.PriceCache
	exec    *execution.Service
	metrics *infra.Metrics
	inst    *domain.Instrument
	acc     *domain.TradingAccount
}

func setup(t *testing.T) fixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	inst := &domain.Instrument{
		Symbol:         "EURUSD",
		Category:       domain.AssetForex,
		ContractSize:   d("100000"),
		LeverageFactor: d("0.01"),
		IsActive:       true,
	}
	if err := store.UpsertInstrument(context.Background(), inst); err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}

	acc := &domain.TradingAccount{
		Balance:  d("1000"),
		Currency: "USD",
		Leverage: 100,
		Status:   domain.AccountStatusActive,
	}
	if err := store.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	metrics := &infra.Metrics{}
	return fixture{
		store:   store,
		cache:   marketdata.NewPriceCache(marketdata.DefaultStaleness, store),
		exec:    execution.NewService(store, store, store, store, store, stubQuotes{}, metrics),
		metrics: metrics,
		inst:    inst,
		acc:     acc,
	}
}

func (f fixture) pendingLimitBuy(t *testing.T, trigger string) *domain.Order {
	t.Helper()
	tp := d(trigger)
	order := &domain.Order{
		AccountUID:   f.acc.AccountUID,
		InstrumentID: f.inst.ID,
		Kind:         domain.KindLimit,
		Side:         domain.SideBuy,
		LotSize:      d("0.1"),
		TriggerPrice: &tp,
	}
	if err := f.store.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	return order
}

func (f fixture) openBuy(t *testing.T, lot, entry string, stopLoss, takeProfit *decimal.Decimal) *domain.Position {
	t.Helper()
	pos := &domain.Position{
		AccountUID:   f.acc.AccountUID,
		InstrumentID: f.inst.ID,
		Side:         domain.SideBuy,
		LotSize:      d(lot),
		EntryPrice:   d(entry),
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		MarginUsed:   domain.MarginRequired(d(lot), d(entry), f.inst.LeverageFactor),
	}
	if err := f.store.CreatePosition(context.Background(), pos); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}
	return pos
}

func TestOrderMonitor_FillsTriggeredLimitBuy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewOrderMonitor(f.store, f.cache, f.exec, time.Second)

	order := f.pendingLimitBuy(t, "1.1600")
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.1595"), nil)

	m.cycle(ctx)

	got, _ := f.store.OrderByID(ctx, order.ID)
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	// Fill at the observed price, not the trigger.
	if got.FillPrice == nil || !got.FillPrice.Equal(d("1.1595")) {
		t.Errorf("fill price = %v, want 1.1595", got.FillPrice)
	}

	positions, _ := f.store.FindOpenPositionsByAccount(ctx, f.acc.AccountUID)
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1", len(positions))
	}
	if !positions[0].EntryPrice.Equal(d("1.1595")) {
		t.Errorf("entry price = %s, want 1.1595", positions[0].EntryPrice)
	}
}

func TestOrderMonitor_ConditionNotMet(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewOrderMonitor(f.store, f.cache, f.exec, time.Second)

	order := f.pendingLimitBuy(t, "1.1600")
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.1700"), nil)

	m.cycle(ctx)

	got, _ := f.store.OrderByID(ctx, order.ID)
	if got.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestOrderMonitor_NoPriceNoAction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewOrderMonitor(f.store, f.cache, f.exec, time.Second)

	order := f.pendingLimitBuy(t, "1.1600")

	m.cycle(ctx) // empty cache

	got, _ := f.store.OrderByID(ctx, order.ID)
	if got.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want pending when no price exists", got.Status)
	}
}

func TestOrderMonitor_StalePriceNoAction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cache := marketdata.NewPriceCache(time.Millisecond, f.store)
	m := NewOrderMonitor(f.store, cache, f.exec, time.Second)

	order := f.pendingLimitBuy(t, "1.1600")
	cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.1595"), nil)
	time.Sleep(10 * time.Millisecond)

	m.cycle(ctx)

	got, _ := f.store.OrderByID(ctx, order.ID)
	if got.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want pending on stale price", got.Status)
	}
}

func TestPositionMonitor_StopLossCloses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewPositionMonitor(f.store, f.cache, f.exec, time.Second)

	sl := d("1.0750")
	pos := f.openBuy(t, "0.1", "1.0800", &sl, nil)
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.0745"), nil)

	m.cycle(ctx)

	got, _ := f.store.PositionByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	// (1.0745 - 1.0800) * 0.1 * 100000 = -55
	if got.RealizedPnl == nil || !got.RealizedPnl.Equal(d("-55")) {
		t.Errorf("realized pnl = %v, want -55", got.RealizedPnl)
	}
	acc, _ := f.store.AccountByUID(ctx, f.acc.AccountUID)
	if !acc.Balance.Equal(d("945")) {
		t.Errorf("balance = %s, want 945", acc.Balance)
	}
}

func TestPositionMonitor_TakeProfitCloses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewPositionMonitor(f.store, f.cache, f.exec, time.Second)

	tp := d("1.0900")
	pos := f.openBuy(t, "0.1", "1.0800", nil, &tp)
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.0905"), nil)

	m.cycle(ctx)

	got, _ := f.store.PositionByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	acc, _ := f.store.AccountByUID(ctx, f.acc.AccountUID)
	if !acc.Balance.Equal(d("1105")) {
		t.Errorf("balance = %s, want 1105", acc.Balance)
	}
}

func TestPositionMonitor_NoLevelsNoAction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewPositionMonitor(f.store, f.cache, f.exec, time.Second)

	pos := f.openBuy(t, "0.1", "1.0800", nil, nil)
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("0.9000"), nil)

	m.cycle(ctx)

	got, _ := f.store.PositionByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusOpen {
		t.Errorf("status = %s, want open (no SL/TP set)", got.Status)
	}
}

func TestMetricsEngine_EquityIdentity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewMetricsEngine(f.store, f.store, f.store, f.cache, time.Second)

	pos := f.openBuy(t, "0.1", "1.0800", nil, nil)
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.0850"), nil)

	m.cycle(ctx)

	acc, err := f.store.AccountByUID(ctx, f.acc.AccountUID)
	if err != nil {
		t.Fatalf("AccountByUID failed: %v", err)
	}

	// unrealized = (1.0850 - 1.0800) * 0.1 * 100000 = 50
	wantEquity := acc.Balance.Add(d("50"))
	if !acc.Equity.Equal(wantEquity) {
		t.Errorf("equity = %s, want balance + unrealized = %s", acc.Equity, wantEquity)
	}
	if !acc.Margin.Equal(pos.MarginUsed) {
		t.Errorf("margin = %s, want %s", acc.Margin, pos.MarginUsed)
	}
	if !acc.FreeMargin.Equal(acc.Equity.Sub(acc.Margin)) {
		t.Errorf("free margin = %s, want equity - margin = %s",
			acc.FreeMargin, acc.Equity.Sub(acc.Margin))
	}
}

func TestMetricsEngine_MissingPriceContributesZeroPnl(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewMetricsEngine(f.store, f.store, f.store, f.cache, time.Second)

	pos := f.openBuy(t, "0.1", "1.0800", nil, nil)

	m.cycle(ctx) // empty cache

	acc, _ := f.store.AccountByUID(ctx, f.acc.AccountUID)
	if !acc.Equity.Equal(acc.Balance) {
		t.Errorf("equity = %s, want balance %s when no price is fresh", acc.Equity, acc.Balance)
	}
	// Margin is still reserved even without a price.
	if !acc.Margin.Equal(pos.MarginUsed) {
		t.Errorf("margin = %s, want %s", acc.Margin, pos.MarginUsed)
	}
}

func TestMetricsEngine_MarginSufficiency(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := NewMetricsEngine(f.store, f.store, f.store, f.cache, time.Second)

	ok, err := m.MarginSufficiency(ctx, f.acc.AccountUID, d("500"))
	if err != nil {
		t.Fatalf("MarginSufficiency failed: %v", err)
	}
	if !ok {
		t.Error("1000 free margin should cover 500")
	}

	ok, err = m.MarginSufficiency(ctx, f.acc.AccountUID, d("5000"))
	if err != nil {
		t.Fatalf("MarginSufficiency failed: %v", err)
	}
	if ok {
		t.Error("1000 free margin should not cover 5000")
	}
}

func TestMarginGuard_LiquidatesDepletedAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	engine := NewMetricsEngine(f.store, f.store, f.store, f.cache, time.Second)
	guard := NewMarginGuard(f.store, f.store, f.cache, f.exec, f.metrics,
		decimal.Zero, time.Second)

	// Deplete the account so the loss wipes the equity.
	if _, err := f.store.ApplyBalanceDelta(ctx, f.acc.AccountUID, d("-990")); err != nil {
		t.Fatalf("ApplyBalanceDelta failed: %v", err)
	}
	pos := f.openBuy(t, "0.1", "1.0800", nil, nil)
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.0745"), nil)

	// One metrics cycle persists free margin = 0 for the account.
	engine.cycle(ctx)
	guard.cycle(ctx)

	got, _ := f.store.PositionByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusClosed {
		t.Fatalf("status = %s, want closed after liquidation", got.Status)
	}
	if got.ExitPrice == nil || !got.ExitPrice.Equal(d("1.0745")) {
		t.Errorf("exit price = %v, want cached 1.0745", got.ExitPrice)
	}

	// Balance 10 + pnl -55 clamps at zero.
	acc, _ := f.store.AccountByUID(ctx, f.acc.AccountUID)
	if !acc.Balance.Equal(decimal.Zero) {
		t.Errorf("balance = %s, want 0", acc.Balance)
	}
	if f.metrics.Snapshot().Liquidations != 1 {
		t.Errorf("liquidations = %d, want 1", f.metrics.Snapshot().Liquidations)
	}
}

func TestMarginGuard_EntryPriceFallback(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	guard := NewMarginGuard(f.store, f.store, f.cache, f.exec, f.metrics,
		decimal.Zero, time.Second)

	pos := f.openBuy(t, "0.1", "1.0800", nil, nil)

	// No cached price: liquidation falls back to the entry price.
	if err := guard.Liquidate(ctx, f.acc.AccountUID); err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}

	got, _ := f.store.PositionByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	if got.ExitPrice == nil || !got.ExitPrice.Equal(d("1.0800")) {
		t.Errorf("exit price = %v, want entry 1.0800", got.ExitPrice)
	}
	if got.RealizedPnl == nil || !got.RealizedPnl.Equal(decimal.Zero) {
		t.Errorf("realized pnl = %v, want 0", got.RealizedPnl)
	}
	acc, _ := f.store.AccountByUID(ctx, f.acc.AccountUID)
	if !acc.Balance.Equal(d("1000")) {
		t.Errorf("balance = %s, want untouched 1000", acc.Balance)
	}
}

func TestMarginGuard_LiquidatesMixedPricedPositions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	guard := NewMarginGuard(f.store, f.store, f.cache, f.exec, f.metrics,
		decimal.Zero, time.Second)

	gbp := &domain.Instrument{
		Symbol:         "GBPUSD",
		Category:       domain.AssetForex,
		ContractSize:   d("100000"),
		LeverageFactor: d("0.01"),
		IsActive:       true,
	}
	if err := f.store.UpsertInstrument(ctx, gbp); err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}

	priced := f.openBuy(t, "0.1", "1.0800", nil, nil)
	unpriced := &domain.Position{
		AccountUID:   f.acc.AccountUID,
		InstrumentID: gbp.ID,
		Side:         domain.SideBuy,
		LotSize:      d("0.1"),
		EntryPrice:   d("1.2600"),
		MarginUsed:   domain.MarginRequired(d("0.1"), d("1.2600"), gbp.LeverageFactor),
	}
	if err := f.store.CreatePosition(ctx, unpriced); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}

	// Only one of the two symbols has a fresh price.
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.0745"), nil)

	if err := guard.Liquidate(ctx, f.acc.AccountUID); err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}

	// Both positions are closed in the single pass: the priced one at the
	// cached price, the unpriced one at its entry.
	gotPriced, _ := f.store.PositionByID(ctx, priced.ID)
	if gotPriced.Status != domain.PositionStatusClosed {
		t.Fatalf("priced position status = %s, want closed", gotPriced.Status)
	}
	if gotPriced.ExitPrice == nil || !gotPriced.ExitPrice.Equal(d("1.0745")) {
		t.Errorf("priced exit = %v, want cached 1.0745", gotPriced.ExitPrice)
	}
	gotUnpriced, _ := f.store.PositionByID(ctx, unpriced.ID)
	if gotUnpriced.Status != domain.PositionStatusClosed {
		t.Fatalf("unpriced position status = %s, want closed", gotUnpriced.Status)
	}
	if gotUnpriced.ExitPrice == nil || !gotUnpriced.ExitPrice.Equal(d("1.2600")) {
		t.Errorf("unpriced exit = %v, want entry 1.2600", gotUnpriced.ExitPrice)
	}

	// Balance settles only the priced loss: 1000 - 55.
	acc, _ := f.store.AccountByUID(ctx, f.acc.AccountUID)
	if !acc.Balance.Equal(d("945")) {
		t.Errorf("balance = %s, want 945", acc.Balance)
	}
	if !acc.FreeMargin.Equal(decimal.Zero) {
		t.Errorf("free margin = %s, want clamped 0", acc.FreeMargin)
	}
	if f.metrics.Snapshot().Liquidations != 1 {
		t.Errorf("liquidations = %d, want 1", f.metrics.Snapshot().Liquidations)
	}
}

func TestMarginGuard_SkipsHealthyAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	engine := NewMetricsEngine(f.store, f.store, f.store, f.cache, time.Second)
	guard := NewMarginGuard(f.store, f.store, f.cache, f.exec, f.metrics,
		decimal.Zero, time.Second)

	pos := f.openBuy(t, "0.1", "1.0800", nil, nil)
	f.cache.UpdatePrice(domain.AssetForex, "EURUSD", d("1.0850"), nil)

	engine.cycle(ctx) // free margin well above zero
	guard.cycle(ctx)

	got, _ := f.store.PositionByID(ctx, pos.ID)
	if got.Status != domain.PositionStatusOpen {
		t.Errorf("status = %s, want open for healthy account", got.Status)
	}
	if f.metrics.Snapshot().Liquidations != 0 {
		t.Errorf("liquidations = %d, want 0", f.metrics.Snapshot().Liquidations)
	}
}
