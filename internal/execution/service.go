package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/infra"

	"github.com/shopspring/decimal"
)

// QuoteProvider supplies the synchronous reference price market orders
// fill at. Deliberately a different source than the websocket-fed cache
// the monitors read.
type QuoteProvider interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Service implements order fills and the position close contract shared by
// the position monitor, the margin guard, and the external close API.
type Service struct {
	orders      domain.OrderRepository
	positions   domain.PositionRepository
	trades      domain.TradeRepository
	accounts    domain.AccountRepository
	instruments domain.InstrumentLookup
	quotes      QuoteProvider
	metrics     *infra.Metrics
}

// NewService wires the execution service with its collaborators.
func NewService(orders domain.OrderRepository, positions domain.PositionRepository,
	trades domain.TradeRepository, accounts domain.AccountRepository,
	instruments domain.InstrumentLookup, quotes QuoteProvider, metrics *infra.Metrics) *Service {
	return &Service{
		orders:      orders,
		positions:   positions,
		trades:      trades,
		accounts:    accounts,
		instruments: instruments,
		quotes:      quotes,
		metrics:     metrics,
	}
}

// FillOrder transitions a pending order to filled at price and records the
// resulting Trade and Position. Returns false when another poller already
// terminated the order (a no-op, not an error).
//
// A Trade/Position write failing after the fill succeeded is logged and
// surfaced but never rolls the fill back; the terminal order status is the
// durable fact.
func (s *Service) FillOrder(ctx context.Context, order *domain.Order, price decimal.Decimal) (bool, error) {
	filled, err := s.orders.FillOrderIfPending(ctx, order.ID, price, time.Now())
	if err != nil {
		return false, err
	}
	if !filled {
		return false, nil
	}
	if s.metrics != nil {
		s.metrics.RecordOrderFilled()
	}

	trade := &domain.Trade{
		OrderID:      order.ID,
		AccountUID:   order.AccountUID,
		InstrumentID: order.InstrumentID,
		Side:         order.Side,
		Quantity:     order.LotSize,
		Price:        price,
		Fee:          decimal.Zero,
	}
	if err := s.trades.CreateTrade(ctx, trade); err != nil {
		slog.Error("Trade record failed after fill",
			slog.String("order", order.ID), slog.Any("error", err))
		return true, err
	}

	inst, err := s.instruments.InstrumentByID(ctx, order.InstrumentID)
	if err != nil {
		slog.Error("Instrument lookup failed after fill",
			slog.String("order", order.ID), slog.Any("error", err))
		return true, err
	}

	pos := &domain.Position{
		AccountUID:   order.AccountUID,
		InstrumentID: order.InstrumentID,
		Side:         order.Side,
		LotSize:      order.LotSize,
		EntryPrice:   price,
		StopLoss:     order.StopLoss,
		TakeProfit:   order.TakeProfit,
		MarginUsed:   domain.MarginRequired(order.LotSize, price, inst.LeverageFactor),
	}
	if err := s.positions.CreatePosition(ctx, pos); err != nil {
		slog.Error("Position create failed after fill; order remains filled",
			slog.String("order", order.ID), slog.Any("error", err))
		return true, err
	}

	return true, nil
}

// PlaceMarketOrder creates a market order and fills it within the same
// logical operation at the quote provider's reference price. When no
// reference price can be obtained the order is rejected, never left
// hanging.
func (s *Service) PlaceMarketOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	order.Kind = domain.KindMarket
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	inst, err := s.instruments.InstrumentByID(ctx, order.InstrumentID)
	if err != nil {
		s.orders.RejectOrderIfPending(ctx, order.ID)
		return nil, err
	}

	price, err := s.quotes.LastPrice(ctx, inst.Symbol)
	if err != nil {
		s.orders.RejectOrderIfPending(ctx, order.ID)
		return nil, fmt.Errorf("market order %s: %w", order.ID, err)
	}

	if _, err := s.FillOrder(ctx, order, price); err != nil {
		return nil, err
	}
	return s.orders.OrderByID(ctx, order.ID)
}

// ClosePosition performs a full close at exitPrice. The realized pnl is
// computed by the repository against the position's lot size at close
// time, so a racing partial close can never inflate it. Returns (nil, nil)
// when a concurrent poller closed the position first.
//
// The balance update failing after the close succeeded is logged and
// surfaced, but the close stands: closing is the durable, higher-priority
// fact and reconciliation is preferred over rollback.
func (s *Service) ClosePosition(ctx context.Context, positionID string, exitPrice decimal.Decimal) (*domain.Position, error) {
	pos, err := s.positions.PositionByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, domain.ErrPositionNotFound
	}

	closed, err := s.positions.ClosePositionIfOpen(ctx, positionID, exitPrice)
	if err != nil {
		return nil, err
	}
	if closed == nil {
		return nil, nil
	}
	if s.metrics != nil {
		s.metrics.RecordPositionClosed()
	}

	pnl := decimal.Zero
	if closed.RealizedPnl != nil {
		pnl = *closed.RealizedPnl
	}
	if _, err := s.accounts.ApplyBalanceDelta(ctx, closed.AccountUID, pnl); err != nil {
		slog.Error("Balance update failed after position close; close stands",
			slog.String("position", closed.ID),
			slog.String("account", closed.AccountUID),
			slog.String("pnl", pnl.String()),
			slog.Any("error", err))
		return closed, err
	}

	return closed, nil
}

// PartialClose realizes pnl on closePortion of an open position, leaving
// the remainder open with proportionally reduced margin.
func (s *Service) PartialClose(ctx context.Context, positionID string, closePortion, exitPrice decimal.Decimal) (closed, remaining *domain.Position, err error) {
	closed, remaining, err = s.positions.PartialClosePosition(ctx, positionID, closePortion, exitPrice)
	if err != nil {
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordPositionClosed()
	}

	if closed.RealizedPnl != nil {
		if _, err := s.accounts.ApplyBalanceDelta(ctx, closed.AccountUID, *closed.RealizedPnl); err != nil {
			slog.Error("Balance update failed after partial close; close stands",
				slog.String("position", positionID),
				slog.Any("error", err))
			return closed, remaining, err
		}
	}

	return closed, remaining, nil
}
