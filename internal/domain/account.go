package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus gates whether an account participates in monitoring cycles.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

// TradingAccount holds the balance plus derived margin fields.
// Equity, Margin, FreeMargin and MarginLevel are derived: they are
// overwritten on every metrics cycle and are not sources of truth
// between recomputations.
type TradingAccount struct {
	AccountUID  string          `gorm:"primaryKey" json:"account_uid"`
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Currency    string          `json:"currency"`
	Leverage    int             `json:"leverage"`
	Status      AccountStatus   `gorm:"index" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AccountMetrics is one recomputation of an account's derived fields.
type AccountMetrics struct {
	Equity      decimal.Decimal
	Margin      decimal.Decimal
	FreeMargin  decimal.Decimal
	MarginLevel decimal.Decimal
}

// ComputeMetrics derives equity/margin/freeMargin/marginLevel from the
// balance and the mark-to-market totals of the open positions:
//
//	equity      = max(0, balance + totalUnrealizedPnl)
//	margin      = max(0, totalMarginUsed)
//	freeMargin  = max(0, equity - margin)
//	marginLevel = margin > 0 ? equity/margin*100 : 0
func ComputeMetrics(balance, totalUnrealizedPnl, totalMarginUsed decimal.Decimal) AccountMetrics {
	equity := balance.Add(totalUnrealizedPnl)
	if equity.IsNegative() {
		equity = decimal.Zero
	}
	margin := totalMarginUsed
	if margin.IsNegative() {
		margin = decimal.Zero
	}
	freeMargin := equity.Sub(margin)
	if freeMargin.IsNegative() {
		freeMargin = decimal.Zero
	}
	marginLevel := decimal.Zero
	if margin.IsPositive() {
		marginLevel = equity.Div(margin).Mul(decimal.NewFromInt(100))
	}
	return AccountMetrics{
		Equity:      equity,
		Margin:      margin,
		FreeMargin:  freeMargin,
		MarginLevel: marginLevel,
	}
}
