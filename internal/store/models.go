// Package store persists orders, trades, and per-strategy statistics in a
// relational database via gorm, §3/§4.6. This replaces the teacher's
// atomic-rename JSON-file position store — that shape fit one position
// struct per market; here the at-most-once order protocol and the
// exactly-one-OPEN-trade-per-slot invariant need real transactions and
// unique constraints, the same reach for gorm the web3guy0-polybot bot makes
// for its Trade/Opportunity tables.
package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bybit-scalper-engine/pkg/types"
)

// Order is the at-most-once order submission record, §3/§4.7.3. A row is
// created with status PENDING before the exchange is ever contacted; the
// client_order_id (ClientOrderID) is generated first and is the natural
// idempotency key on crash/restart.
type Order struct {
	ID              uint   `gorm:"primarykey"`
	ClientOrderID   string `gorm:"uniqueIndex;size:64"`
	ExchangeOrderID string `gorm:"index;size:64"`

	UserID          int64  `gorm:"index:idx_order_slot"`
	Symbol          string `gorm:"index:idx_order_slot;size:32"`
	AccountPriority int    `gorm:"index:idx_order_slot"`

	Side      types.Side      `gorm:"size:8"`
	OrderType types.OrderType `gorm:"size:16"`
	Purpose   types.OrderPurpose `gorm:"size:16"`

	Qty   decimal.Decimal `gorm:"type:decimal(24,10)"`
	Price decimal.Decimal `gorm:"type:decimal(24,10)"`

	FilledQty    decimal.Decimal `gorm:"type:decimal(24,10)"`
	AvgFillPrice decimal.Decimal `gorm:"type:decimal(24,10)"`
	Commission   decimal.Decimal `gorm:"type:decimal(24,10)"`

	Status types.OrderStatus `gorm:"size:24;index"`
	TradeID uint             `gorm:"index"`

	StrategyType string          `gorm:"size:32"`
	Leverage     int
	ReduceOnly   bool
	Profit       decimal.Decimal `gorm:"type:decimal(24,10)"` // set on the first terminal write of a CLOSE order, §3
	Metadata     string          `gorm:"size:255"`            // free-form context (close/averaging reason), §3

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trade is the logical position between an OPEN order and its eventual
// CLOSE, spanning any number of AVERAGING fills, §3. The unique partial
// index on (user_id, symbol, account_priority) where status = OPEN is the
// mechanism behind HasUnclosedPosition/exactly-one-OPEN-trade invariant,
// §4.6 — enforced in application code here since gorm's default sqlite/
// postgres portability layer doesn't express partial unique indexes
// identically across drivers.
type Trade struct {
	ID              uint   `gorm:"primarykey"`
	UserID          int64  `gorm:"index:idx_trade_slot"`
	Symbol          string `gorm:"index:idx_trade_slot;size:32"`
	AccountPriority int    `gorm:"index:idx_trade_slot"`

	Direction types.Direction   `gorm:"size:8"`
	Status    types.TradeStatus `gorm:"size:8;index"`

	EntryPrice    decimal.Decimal `gorm:"type:decimal(24,10)"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(24,10)"`
	TotalQty      decimal.Decimal `gorm:"type:decimal(24,10)"`
	AveragingCount int

	ExitPrice decimal.Decimal `gorm:"type:decimal(24,10)"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(24,10)"`
	Commission decimal.Decimal `gorm:"type:decimal(24,10)"` // sum of all fees across entry, averaging, and close fills, §3

	StopLossPrice decimal.Decimal `gorm:"type:decimal(24,10)"`
	TrailingLevel int             // highest trailing-stop rung reached, §4.7.5

	OpenedAt time.Time
	ClosedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StrategyStats accumulates lifetime counters per (user, strategy) — the
// win-rate aggregation §4.6/§12 calls for spans every symbol and account a
// strategy type trades under for that user, read-modify-written
// transactionally by UpdateStrategyStats.
type StrategyStats struct {
	ID           uint   `gorm:"primarykey"`
	UserID       int64  `gorm:"uniqueIndex:idx_stats_slot"`
	StrategyType string `gorm:"uniqueIndex:idx_stats_slot;size:32"`

	TotalTrades int
	WinCount    int
	LossCount   int
	TotalPnL    decimal.Decimal `gorm:"type:decimal(24,10)"`

	ConsecutiveLosses int
	LastCooldownUntil *time.Time

	UpdatedAt time.Time
}

// AutoMigrate creates or updates all tables. Called once at startup.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Order{}, &Trade{}, &StrategyStats{})
}
