package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind is the execution style of an order.
type OrderKind string

// OrderSide is the direction of an order or position.
type OrderSide string

// OrderStatus tracks the order lifecycle. Terminal statuses never change again.
type OrderStatus string

const (
	KindMarket    OrderKind = "market"
	KindLimit     OrderKind = "limit"
	KindStop      OrderKind = "stop"
	KindStopLimit OrderKind = "stopLimit"

	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"

	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order represents a trading order against a synthetic instrument.
type Order struct {
	ID           string           `gorm:"primaryKey" json:"id"`
	AccountUID   string           `gorm:"index" json:"account_uid"`
	InstrumentID string           `gorm:"index" json:"instrument_id"`
	Kind         OrderKind        `json:"kind"`
	Side         OrderSide        `json:"side"`
	LotSize      decimal.Decimal  `json:"lot_size"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
	FillPrice    *decimal.Decimal `json:"fill_price,omitempty"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	Status       OrderStatus      `gorm:"index" json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	FilledAt     *time.Time       `json:"filled_at,omitempty"`
}

// IsTerminal reports whether the order has reached a final status.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Validate checks order shape before it enters the system.
func (o *Order) Validate() error {
	if o.LotSize.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidOrder
	}
	switch o.Kind {
	case KindMarket:
	case KindLimit, KindStop, KindStopLimit:
		if o.TriggerPrice == nil || o.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return ErrInvalidOrder
		}
	default:
		return ErrInvalidOrder
	}
	switch o.Side {
	case SideBuy, SideSell:
	default:
		return ErrInvalidOrder
	}
	return nil
}

// ShouldTrigger evaluates the fill condition for a conditional order:
//
//	buy limit   fills when current <= trigger
//	sell limit  fills when current >= trigger
//	buy stop    fills when current >= trigger
//	sell stop   fills when current <= trigger
//
// Stop-limit orders carry a single trigger value and behave as plain stops.
func ShouldTrigger(kind OrderKind, side OrderSide, trigger, current decimal.Decimal) bool {
	switch kind {
	case KindLimit:
		if side == SideBuy {
			return current.LessThanOrEqual(trigger)
		}
		return current.GreaterThanOrEqual(trigger)
	case KindStop, KindStopLimit:
		if side == SideBuy {
			return current.GreaterThanOrEqual(trigger)
		}
		return current.LessThanOrEqual(trigger)
	}
	return false
}
