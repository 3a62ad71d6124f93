package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is open or closed. Closed is terminal.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position represents exposure opened by a filled order.
type Position struct {
	ID           string           `gorm:"primaryKey" json:"id"`
	AccountUID   string           `gorm:"index" json:"account_uid"`
	InstrumentID string           `gorm:"index" json:"instrument_id"`
	Side         OrderSide        `json:"side"`
	LotSize      decimal.Decimal  `json:"lot_size"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	ExitPrice    *decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnl  *decimal.Decimal `json:"realized_pnl,omitempty"`
	Status       PositionStatus   `gorm:"index" json:"status"`
	MarginUsed   decimal.Decimal  `json:"margin_used"`
	OpenedAt     time.Time        `json:"opened_at"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
}

// IsOpen reports whether the position can still be mutated.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// sideSign is +1 for buy, -1 for sell.
func sideSign(side OrderSide) decimal.Decimal {
	if side == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PnL computes profit and loss for a lot closed at exitPrice:
// (exit - entry) * sign(side) * lotSize * contractSize.
func PnL(entry, exit decimal.Decimal, side OrderSide, lotSize, contractSize decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(sideSign(side)).Mul(lotSize).Mul(contractSize)
}

// UnrealizedPnL computes mark-to-market profit of an open position.
func (p *Position) UnrealizedPnL(current, contractSize decimal.Decimal) decimal.Decimal {
	return PnL(p.EntryPrice, current, p.Side, p.LotSize, contractSize)
}

// MarginRequired computes capital reserved against a position:
// lotSize * price * leverageFactor.
func MarginRequired(lotSize, price, leverageFactor decimal.Decimal) decimal.Decimal {
	return lotSize.Mul(price).Mul(leverageFactor)
}

// StopLossHit reports whether a stop-loss level has been crossed.
func (p *Position) StopLossHit(current decimal.Decimal) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == SideBuy {
		return current.LessThanOrEqual(*p.StopLoss)
	}
	return current.GreaterThanOrEqual(*p.StopLoss)
}

// TakeProfitHit reports whether a take-profit level has been crossed.
func (p *Position) TakeProfitHit(current decimal.Decimal) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == SideBuy {
		return current.GreaterThanOrEqual(*p.TakeProfit)
	}
	return current.LessThanOrEqual(*p.TakeProfit)
}
