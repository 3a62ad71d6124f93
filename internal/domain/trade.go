package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable execution record. Created once per fill, never mutated.
type Trade struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	OrderID      string          `gorm:"index" json:"order_id"`
	AccountUID   string          `gorm:"index" json:"account_uid"`
	InstrumentID string          `json:"instrument_id"`
	Side         OrderSide       `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	ExecutedAt   time.Time       `json:"executed_at"`
}
