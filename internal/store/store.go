package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"bybit-scalper-engine/internal/errs"
	"bybit-scalper-engine/pkg/types"
)

// Store is the relational persistence layer backing the at-most-once order
// protocol and trade/position bookkeeping, §4.6.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open opens a sqlite-backed Store at dsn and runs AutoMigrate. The sqlite
// dialector is the only one wired; there is no postgres path. sqlite fits
// the way the teacher's JSON-file store defaulted to a local directory —
// zero external dependencies for a single-process deployment.
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, logger: logger.With().Str("component", "store").Logger()}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateOrderPending inserts the at-most-once order row before the exchange
// is ever contacted, §4.7.3. clientOrderID must be pre-generated (uuid) by
// the caller so it is stable across retries of this same call.
func (s *Store) CreateOrderPending(ctx context.Context, o Order) (*Order, error) {
	o.Status = types.StatusPending
	if err := s.db.WithContext(ctx).Create(&o).Error; err != nil {
		return nil, fmt.Errorf("create pending order: %w", err)
	}
	return &o, nil
}

// BindExchangeId records the exchange's order id against a pending order
// once PlaceOrder acknowledges, §4.7.3.
func (s *Store) BindExchangeId(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("client_order_id = ?", clientOrderID).
		Update("exchange_order_id", exchangeOrderID)
	if res.Error != nil {
		return fmt.Errorf("bind exchange id: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("bind exchange id: no order with client_order_id %s", clientOrderID)
	}
	return nil
}

// SetNew transitions an order from PENDING to NEW once the exchange
// confirms acceptance, §3.
func (s *Store) SetNew(ctx context.Context, clientOrderID string) error {
	return s.UpdateOrderStatus(ctx, clientOrderID, types.StatusNew, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
}

// UpdateOrderStatus applies a lifecycle transition, idempotent once a
// terminal status has been recorded — a later event for an already-terminal
// order is a no-op, never overwriting FILLED/CANCELLED/REJECTED, §3/§4.7.4.
// profit is only meaningful on a CLOSE order's terminal write; callers pass
// decimal.Zero for every other transition.
func (s *Store) UpdateOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus, filledQty, avgFillPrice, commission, profit decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Order
		if err := tx.Where("client_order_id = ?", clientOrderID).First(&existing).Error; err != nil {
			return fmt.Errorf("load order for status update: %w", err)
		}
		if existing.Status.IsTerminal() {
			return nil
		}

		updates := map[string]interface{}{"status": status}
		if !filledQty.IsZero() {
			updates["filled_qty"] = filledQty
		}
		if !avgFillPrice.IsZero() {
			updates["avg_fill_price"] = avgFillPrice
		}
		if !commission.IsZero() {
			updates["commission"] = commission
		}
		if !profit.IsZero() {
			updates["profit"] = profit
		}
		return tx.Model(&existing).Updates(updates).Error
	})
}

// UpdateOrderStatusByExchangeId is UpdateOrderStatus keyed by the
// exchange's own order id — the form AccountFeed's Cancelled/Rejected
// handling needs, since the private stream only ever reports the
// exchange-assigned id, never the client_order_id it was submitted under,
// §4.5.
func (s *Store) UpdateOrderStatusByExchangeId(ctx context.Context, exchangeOrderID string, status types.OrderStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Order
		if err := tx.Where("exchange_order_id = ?", exchangeOrderID).First(&existing).Error; err != nil {
			return fmt.Errorf("load order for status update: %w", err)
		}
		if existing.Status.IsTerminal() {
			return nil
		}
		return tx.Model(&existing).Update("status", status).Error
	})
}

// DeleteOrder removes an order row entirely — used only for orders that
// never left PENDING (the exchange never saw them, e.g. a crash before
// PlaceOrder returned), §4.9.
func (s *Store) DeleteOrder(ctx context.Context, clientOrderID string) error {
	return s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).Delete(&Order{}).Error
}

// GetOrderByExchangeId looks up an order by its exchange-assigned id.
func (s *Store) GetOrderByExchangeId(ctx context.Context, exchangeOrderID string) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).Where("exchange_order_id = ?", exchangeOrderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by exchange id: %w", err)
	}
	return &o, nil
}

// GetOrderByClientId looks up an order by its client_order_id.
func (s *Store) GetOrderByClientId(ctx context.Context, clientOrderID string) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by client id: %w", err)
	}
	return &o, nil
}

// GetActiveOrdersForSync returns every order for (userID, accountPriority)
// whose status is still PENDING, NEW or PARTIALLY_FILLED — the set both
// AccountFeed's reconnect reconciliation (§4.5) and RecoveryCoordinator's
// boot-time pass (§4.9) poll GetOrderStatus against.
func (s *Store) GetActiveOrdersForSync(ctx context.Context, userID int64, accountPriority int) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND account_priority = ? AND status IN ?",
			userID, accountPriority,
			[]types.OrderStatus{types.StatusPending, types.StatusNew, types.StatusPartiallyFilled}).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("get active orders: %w", err)
	}
	return orders, nil
}

// HasPendingCloseOrder reports whether a slot already has a non-terminal
// CLOSE order outstanding, preventing a duplicate close submission, §4.7.6.
func (s *Store) HasPendingCloseOrder(ctx context.Context, userID int64, symbol string, accountPriority int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Order{}).
		Where("user_id = ? AND symbol = ? AND account_priority = ? AND purpose = ? AND status NOT IN ?",
			userID, symbol, accountPriority, types.PurposeClose,
			[]types.OrderStatus{types.StatusFilled, types.StatusCancelled, types.StatusRejected}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check pending close order: %w", err)
	}
	return count > 0, nil
}

// HasUnclosedPosition reports whether a slot already has an OPEN trade —
// the exactly-one-OPEN-trade-per-slot invariant check before submitting a
// new entry order, §4.6.
func (s *Store) HasUnclosedPosition(ctx context.Context, userID int64, symbol string, accountPriority int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("user_id = ? AND symbol = ? AND account_priority = ? AND status = ?", userID, symbol, accountPriority, types.TradeOpen).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check unclosed position: %w", err)
	}
	return count > 0, nil
}

// GetAllOpenPositions returns every OPEN trade, the boot-time reconciliation
// reference set for matching against exchange-reported positions, §4.9.
func (s *Store) GetAllOpenPositions(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).Where("status = ?", types.TradeOpen).Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	return trades, nil
}

// CreateTrade inserts a new OPEN trade row. Callers must have already
// confirmed HasUnclosedPosition is false for this slot; CreateTrade does not
// re-check inside its own transaction, since the caller's non-reentrant
// per-slot mutex (§4.7.1) is the actual serialization point.
func (s *Store) CreateTrade(ctx context.Context, t Trade) (*Trade, error) {
	t.Status = types.TradeOpen
	t.OpenedAt = time.Now()
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}
	return &t, nil
}

// UpdateTradeOnAveraging recomputes the volume-weighted average entry price
// and total quantity after an averaging fill, §4.7.5.
func (s *Store) UpdateTradeOnAveraging(ctx context.Context, tradeID uint, fillQty, fillPrice decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Trade
		if err := tx.First(&t, tradeID).Error; err != nil {
			return fmt.Errorf("load trade for averaging: %w", err)
		}

		priorNotional := t.AvgEntryPrice.Mul(t.TotalQty)
		fillNotional := fillPrice.Mul(fillQty)
		newQty := t.TotalQty.Add(fillQty)
		if newQty.IsZero() {
			return fmt.Errorf("averaging produced zero total qty for trade %d", tradeID)
		}
		newAvg := priorNotional.Add(fillNotional).Div(newQty)

		return tx.Model(&t).Updates(map[string]interface{}{
			"avg_entry_price": newAvg,
			"total_qty":       newQty,
			"averaging_count": t.AveragingCount + 1,
		}).Error
	})
}

// UpdateTradeOnClose marks a trade CLOSED with its realized PnL and the
// total commission accumulated across every fill that contributed to it
// (entry, averaging, and close), §3/§4.7.4.
func (s *Store) UpdateTradeOnClose(ctx context.Context, tradeID uint, exitPrice, realizedPnL, commission decimal.Decimal) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Trade{}).Where("id = ? AND status = ?", tradeID, types.TradeOpen).
		Updates(map[string]interface{}{
			"status":       types.TradeClosed,
			"exit_price":   exitPrice,
			"realized_pnl": realizedPnL,
			"commission":   commission,
			"closed_at":    &now,
		})
	if res.Error != nil {
		return fmt.Errorf("close trade: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &errs.StoreIntegrityViolation{Detail: fmt.Sprintf("trade %d already closed or missing", tradeID)}
	}
	return nil
}

// UpdateStrategyStats applies a closed trade's outcome to a user's
// per-strategy lifetime counters inside one transaction — keyed by
// (user, strategy), not by symbol or account, so win rate aggregates across
// every symbol and sub-account that strategy trades under, §4.6/§12. The
// increment-and-read semantics are what cooldown/kill-switch logic depends
// on, §4.7.6.
func (s *Store) UpdateStrategyStats(ctx context.Context, userID int64, strategyType string, pnl decimal.Decimal) (*StrategyStats, error) {
	var stats StrategyStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND strategy_type = ?", userID, strategyType).
			First(&stats).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stats = StrategyStats{UserID: userID, StrategyType: strategyType}
			if err := tx.Create(&stats).Error; err != nil {
				return fmt.Errorf("create strategy stats: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("load strategy stats: %w", err)
		}

		stats.TotalTrades++
		stats.TotalPnL = stats.TotalPnL.Add(pnl)
		if pnl.IsPositive() {
			stats.WinCount++
			stats.ConsecutiveLosses = 0
		} else {
			stats.LossCount++
			stats.ConsecutiveLosses++
		}

		return tx.Save(&stats).Error
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// CountOpenTrades reports how many OPEN trades a user currently holds
// across every symbol and account — the per-user concurrent-position count
// risk.Manager's periodic sweep reports, §4.8.
func (s *Store) CountOpenTrades(ctx context.Context, userID int64) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("user_id = ? AND status = ?", userID, types.TradeOpen).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return int(count), nil
}

// SumRealizedPnLSince totals RealizedPnL across every trade a user closed
// at or after since — the daily-loss figure risk.Manager's periodic sweep
// reports, §4.8.
func (s *Store) SumRealizedPnLSince(ctx context.Context, userID int64, since time.Time) (decimal.Decimal, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("user_id = ? AND status = ? AND closed_at >= ?", userID, types.TradeClosed, since).
		Find(&trades).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum realized pnl: %w", err)
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.RealizedPnL)
	}
	return total, nil
}

// IsOwnedOrder reports whether exchangeOrderID belongs to a known order for
// (userID, accountPriority) — the ownership filter accountfeed applies to
// every inbound authenticated-stream event, §4.5/§4.9.
func (s *Store) IsOwnedOrder(ctx context.Context, userID int64, accountPriority int, exchangeOrderID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Order{}).
		Where("user_id = ? AND account_priority = ? AND exchange_order_id = ?", userID, accountPriority, exchangeOrderID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check order ownership: %w", err)
	}
	return count > 0, nil
}
