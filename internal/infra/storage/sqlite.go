package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"margin_go/internal/domain"
	"margin_go/internal/infra"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage implements the repository boundary on SQLite.
// Terminal-state writes are conditional updates so that concurrent pollers
// racing on the same row resolve to exactly one winner.
type Storage struct {
	db    *gorm.DB
	retry infra.RetryPolicy
}

// NewStorage opens (or creates) the database at path and migrates the schema.
func NewStorage(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent pollers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&domain.Instrument{},
		&domain.Order{},
		&domain.Position{},
		&domain.Trade{},
		&domain.TradingAccount{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db, retry: infra.DefaultRetryPolicy()}, nil
}

// withRetry retries transient store errors per the policy. Not-found and
// validation outcomes are surfaced immediately.
func (s *Storage) withRetry(ctx context.Context, op string, fn func() error) error {
	return s.retry.Retry(ctx, func() error {
		err := fn()
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return domain.NewNetworkError(op, err)
	})
}

// ======================================================================================
// Instrument Operations
// ======================================================================================

// UpsertInstrument creates or updates an instrument, minting an id if absent.
func (s *Storage) UpsertInstrument(ctx context.Context, inst *domain.Instrument) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	return s.withRetry(ctx, "upsert instrument", func() error {
		return s.db.WithContext(ctx).Save(inst).Error
	})
}

// InstrumentByID retrieves an instrument by id.
func (s *Storage) InstrumentByID(ctx context.Context, id string) (*domain.Instrument, error) {
	return instrumentByID(s.db.WithContext(ctx), id)
}

// instrumentByID resolves an instrument on the given handle. Transactions
// pass their tx here: with a single pooled connection, going through s.db
// from inside a transaction would wait on the connection the transaction
// itself holds.
func instrumentByID(db *gorm.DB, id string) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := db.First(&inst, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInstrumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// InstrumentBySymbol retrieves an instrument by its unified symbol.
func (s *Storage) InstrumentBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := s.db.WithContext(ctx).First(&inst, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInstrumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ======================================================================================
// Order Operations
// ======================================================================================

// CreateOrder validates and persists a new order.
func (s *Storage) CreateOrder(ctx context.Context, order *domain.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	return s.withRetry(ctx, "create order", func() error {
		return s.db.WithContext(ctx).Create(order).Error
	})
}

// OrderByID retrieves an order by id.
func (s *Storage) OrderByID(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindPendingOrders loads every order still waiting for its trigger.
func (s *Storage) FindPendingOrders(ctx context.Context) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.withRetry(ctx, "find pending orders", func() error {
		return s.db.WithContext(ctx).Where("status = ?", domain.OrderStatusPending).Find(&orders).Error
	})
	return orders, err
}

// FillOrderIfPending transitions pending -> filled, stamping the fill price.
// Returns false when another poller already terminated the order; that is a
// no-op, not an error.
func (s *Storage) FillOrderIfPending(ctx context.Context, id string, price decimal.Decimal, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, domain.OrderStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.OrderStatusFilled,
			"fill_price": price,
			"filled_at":  at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CancelOrderIfPending transitions pending -> cancelled under the same
// conditional-update contract as FillOrderIfPending.
func (s *Storage) CancelOrderIfPending(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, domain.OrderStatusPending).
		Update("status", domain.OrderStatusCancelled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RejectOrderIfPending transitions pending -> rejected.
func (s *Storage) RejectOrderIfPending(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, domain.OrderStatusPending).
		Update("status", domain.OrderStatusRejected)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ======================================================================================
// Position Operations
// ======================================================================================

// CreatePosition persists a new open position.
func (s *Storage) CreatePosition(ctx context.Context, pos *domain.Position) error {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.Status == "" {
		pos.Status = domain.PositionStatusOpen
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	return s.withRetry(ctx, "create position", func() error {
		return s.db.WithContext(ctx).Create(pos).Error
	})
}

// PositionByID retrieves a position by id.
func (s *Storage) PositionByID(ctx context.Context, id string) (*domain.Position, error) {
	var pos domain.Position
	err := s.db.WithContext(ctx).First(&pos, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// FindOpenPositions loads every open position.
func (s *Storage) FindOpenPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	err := s.withRetry(ctx, "find open positions", func() error {
		return s.db.WithContext(ctx).Where("status = ?", domain.PositionStatusOpen).Find(&positions).Error
	})
	return positions, err
}

// FindOpenPositionsByAccount loads one account's open positions.
func (s *Storage) FindOpenPositionsByAccount(ctx context.Context, accountUID string) ([]domain.Position, error) {
	var positions []domain.Position
	err := s.withRetry(ctx, "find open positions by account", func() error {
		return s.db.WithContext(ctx).
			Where("account_uid = ? AND status = ?", accountUID, domain.PositionStatusOpen).
			Find(&positions).Error
	})
	return positions, err
}

// ClosePositionIfOpen transitions open -> closed, stamping exit price and
// realized pnl. The pnl is computed from the row's lot size inside the
// transaction, so a partial close racing ahead of this call cannot leave
// pnl realized for a lot size the position no longer has. Returns
// (nil, nil) when the position was already closed by a concurrent poller.
func (s *Storage) ClosePositionIfOpen(ctx context.Context, id string, exitPrice decimal.Decimal) (*domain.Position, error) {
	var closed *domain.Position
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos domain.Position
		if err := tx.First(&pos, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // nothing to close
			}
			return err
		}
		if !pos.IsOpen() {
			return nil
		}

		inst, err := instrumentByID(tx, pos.InstrumentID)
		if err != nil {
			return err
		}
		pnl := domain.PnL(pos.EntryPrice, exitPrice, pos.Side, pos.LotSize, inst.ContractSize)
		now := time.Now()

		res := tx.Model(&domain.Position{}).
			Where("id = ? AND status = ?", id, domain.PositionStatusOpen).
			Updates(map[string]interface{}{
				"status":       domain.PositionStatusClosed,
				"exit_price":   exitPrice,
				"realized_pnl": pnl,
				"closed_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		pos.Status = domain.PositionStatusClosed
		pos.ExitPrice = &exitPrice
		pos.RealizedPnl = &pnl
		pos.ClosedAt = &now
		closed = &pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// PartialClosePosition splits an open position: a new terminal row carries
// the closed portion with proportional margin and realized pnl, and the
// original row keeps the remainder open. Runs in one transaction; the
// original row is only touched while its status is still open.
func (s *Storage) PartialClosePosition(ctx context.Context, id string, closePortion, exitPrice decimal.Decimal) (closed, remaining *domain.Position, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orig domain.Position
		if err := tx.First(&orig, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrPositionNotFound
			}
			return err
		}
		if !orig.IsOpen() {
			return domain.ErrPositionNotFound
		}
		if closePortion.LessThanOrEqual(decimal.Zero) || closePortion.GreaterThanOrEqual(orig.LotSize) {
			return fmt.Errorf("close portion %s out of range for lot size %s", closePortion, orig.LotSize)
		}

		inst, err := instrumentByID(tx, orig.InstrumentID)
		if err != nil {
			return err
		}
		closePnl := domain.PnL(orig.EntryPrice, exitPrice, orig.Side, closePortion, inst.ContractSize)

		ratio := closePortion.Div(orig.LotSize)
		closeMargin := orig.MarginUsed.Mul(ratio)
		now := time.Now()

		closedRow := orig
		closedRow.ID = uuid.NewString()
		closedRow.LotSize = closePortion
		closedRow.MarginUsed = closeMargin
		closedRow.Status = domain.PositionStatusClosed
		closedRow.ExitPrice = &exitPrice
		closedRow.RealizedPnl = &closePnl
		closedRow.ClosedAt = &now
		if err := tx.Create(&closedRow).Error; err != nil {
			return err
		}

		res := tx.Model(&domain.Position{}).
			Where("id = ? AND status = ?", id, domain.PositionStatusOpen).
			Updates(map[string]interface{}{
				"lot_size":    orig.LotSize.Sub(closePortion),
				"margin_used": orig.MarginUsed.Sub(closeMargin),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrPositionNotFound // closed underneath us; roll back the split
		}

		closed = &closedRow
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	remaining, err = s.PositionByID(ctx, id)
	return closed, remaining, err
}

// ======================================================================================
// Trade Operations
// ======================================================================================

// CreateTrade records an immutable execution.
func (s *Storage) CreateTrade(ctx context.Context, trade *domain.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = time.Now()
	}
	return s.withRetry(ctx, "create trade", func() error {
		return s.db.WithContext(ctx).Create(trade).Error
	})
}

// TradesByAccount loads an account's executions, newest first.
func (s *Storage) TradesByAccount(ctx context.Context, accountUID string) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.db.WithContext(ctx).
		Where("account_uid = ?", accountUID).
		Order("executed_at DESC").
		Find(&trades).Error
	return trades, err
}

// ======================================================================================
// Account Operations
// ======================================================================================

// CreateAccount persists a new trading account.
func (s *Storage) CreateAccount(ctx context.Context, acc *domain.TradingAccount) error {
	if acc.AccountUID == "" {
		acc.AccountUID = uuid.NewString()
	}
	if acc.Status == "" {
		acc.Status = domain.AccountStatusActive
	}
	return s.withRetry(ctx, "create account", func() error {
		return s.db.WithContext(ctx).Create(acc).Error
	})
}

// AccountByUID retrieves an account by uid.
func (s *Storage) AccountByUID(ctx context.Context, uid string) (*domain.TradingAccount, error) {
	var acc domain.TradingAccount
	err := s.db.WithContext(ctx).First(&acc, "account_uid = ?", uid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// FindActiveAccounts loads every account eligible for monitoring cycles.
func (s *Storage) FindActiveAccounts(ctx context.Context) ([]domain.TradingAccount, error) {
	var accounts []domain.TradingAccount
	err := s.withRetry(ctx, "find active accounts", func() error {
		return s.db.WithContext(ctx).Where("status = ?", domain.AccountStatusActive).Find(&accounts).Error
	})
	return accounts, err
}

// ApplyBalanceDelta applies pnl (or a deposit/withdrawal) as an atomic
// in-store increment, clamped at zero from below. Read-modify-write from
// the caller would lose updates under concurrent cycles.
func (s *Storage) ApplyBalanceDelta(ctx context.Context, uid string, delta decimal.Decimal) (*domain.TradingAccount, error) {
	res := s.db.WithContext(ctx).Model(&domain.TradingAccount{}).
		Where("account_uid = ?", uid).
		Update("balance", gorm.Expr(
			"CASE WHEN balance + ? < 0 THEN 0 ELSE balance + ? END", delta, delta))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return s.AccountByUID(ctx, uid)
}

// UpdateDerivedMetrics overwrites the derived account fields for one cycle.
func (s *Storage) UpdateDerivedMetrics(ctx context.Context, uid string, m domain.AccountMetrics) error {
	return s.db.WithContext(ctx).Model(&domain.TradingAccount{}).
		Where("account_uid = ?", uid).
		Updates(map[string]interface{}{
			"equity":       m.Equity,
			"margin":       m.Margin,
			"free_margin":  m.FreeMargin,
			"margin_level": m.MarginLevel,
		}).Error
}

// ClampFreeMargin pins free margin to the liquidation threshold after a
// forced liquidation, covering the zero-open-positions case the metrics
// engine would otherwise leave stale.
func (s *Storage) ClampFreeMargin(ctx context.Context, uid string, threshold decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&domain.TradingAccount{}).
		Where("account_uid = ?", uid).
		Update("free_margin", threshold).Error
}
