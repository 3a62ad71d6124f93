package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource supplies the latest cached price for a symbol or instrument.
// A false return means no fresh price exists; callers skip the item rather
// than treating it as an error.
type PriceSource interface {
	CurrentPrice(class AssetClass, symbol string) (decimal.Decimal, bool)
	CurrentPriceByInstrumentID(ctx context.Context, instrumentID string) (decimal.Decimal, bool)
}

// FeedSubscriber issues upstream subscribe/unsubscribe requests for one
// asset class. Implemented by the market feed connectors.
type FeedSubscriber interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	IsConnected() bool
}

// InstrumentLookup resolves instruments. Order/Trade/Position repositories
// depend on this narrow interface rather than on each other.
type InstrumentLookup interface {
	InstrumentByID(ctx context.Context, id string) (*Instrument, error)
	InstrumentBySymbol(ctx context.Context, symbol string) (*Instrument, error)
}

// OrderRepository is the persistence contract for orders. Terminal-state
// writes are conditional: FillOrderIfPending reports false when another
// poller already terminated the order, which is a no-op, not an error.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *Order) error
	OrderByID(ctx context.Context, id string) (*Order, error)
	FindPendingOrders(ctx context.Context) ([]Order, error)
	FillOrderIfPending(ctx context.Context, id string, price decimal.Decimal, at time.Time) (bool, error)
	CancelOrderIfPending(ctx context.Context, id string) (bool, error)
	RejectOrderIfPending(ctx context.Context, id string) (bool, error)
}

// PositionRepository is the persistence contract for positions.
// ClosePositionIfOpen computes realized pnl from the row's current lot
// size within the same transaction as the close, and returns (nil, nil)
// when the position was already closed by a concurrent poller.
type PositionRepository interface {
	CreatePosition(ctx context.Context, pos *Position) error
	PositionByID(ctx context.Context, id string) (*Position, error)
	FindOpenPositions(ctx context.Context) ([]Position, error)
	FindOpenPositionsByAccount(ctx context.Context, accountUID string) ([]Position, error)
	ClosePositionIfOpen(ctx context.Context, id string, exitPrice decimal.Decimal) (*Position, error)
	PartialClosePosition(ctx context.Context, id string, closePortion, exitPrice decimal.Decimal) (closed, remaining *Position, err error)
}

// TradeRepository records immutable executions.
type TradeRepository interface {
	CreateTrade(ctx context.Context, trade *Trade) error
	TradesByAccount(ctx context.Context, accountUID string) ([]Trade, error)
}

// AccountRepository is the persistence contract for trading accounts.
// ApplyBalanceDelta must be an atomic increment at the store, never a
// read-modify-write from the caller.
type AccountRepository interface {
	CreateAccount(ctx context.Context, acc *TradingAccount) error
	AccountByUID(ctx context.Context, uid string) (*TradingAccount, error)
	FindActiveAccounts(ctx context.Context) ([]TradingAccount, error)
	ApplyBalanceDelta(ctx context.Context, uid string, delta decimal.Decimal) (*TradingAccount, error)
	UpdateDerivedMetrics(ctx context.Context, uid string, m AccountMetrics) error
	ClampFreeMargin(ctx context.Context, uid string, threshold decimal.Decimal) error
}
