// Package types defines the shared vocabulary used across all packages of
// the trading engine — sides, order/trade lifecycle enums, instrument
// metadata, exchange snapshots, and the payloads carried on the event bus.
// It has no dependency on internal packages so any layer can import it.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the order types the exchange accepts.
type OrderType string

const (
	Market OrderType = "Market"
	Limit  OrderType = "Limit"
	Stop   OrderType = "Stop"
)

// OrderStatus is the lifecycle state of an order, §3.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusNew             OrderStatus = "NEW"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether status is a final state that should not be
// overwritten by a later event for the same order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// OrderPurpose classifies why the strategy submitted an order.
type OrderPurpose string

const (
	PurposeOpen      OrderPurpose = "OPEN"
	PurposeAveraging OrderPurpose = "AVERAGING"
	PurposeClose     OrderPurpose = "CLOSE"
	PurposeStop      OrderPurpose = "STOP"
)

// TradeStatus is the lifecycle state of a Trade (the logical position
// between an OPEN order and its matching CLOSE order).
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Direction is the held position's side while active.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// SignalDirection is what the external SignalAnalyzer returns per candle, §4.7.2.
type SignalDirection string

const (
	SignalLong  SignalDirection = "LONG"
	SignalShort SignalDirection = "SHORT"
	SignalHold  SignalDirection = "HOLD"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument metadata, §3 / §4.2
// ————————————————————————————————————————————————————————————————————————

// Instrument is per-symbol trading metadata from InstrumentCache.
// Immutable between refreshes; callers must not mutate a returned value.
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinOrderQty decimal.Decimal
	Status      string
	RefreshedAt time.Time
}

// RoundPriceDown snaps price down to the nearest TickSize multiple.
func (i Instrument) RoundPriceDown(price decimal.Decimal) decimal.Decimal {
	return roundStepDown(price, i.TickSize)
}

// RoundQtyDown snaps qty down to the nearest QtyStep multiple.
func (i Instrument) RoundQtyDown(qty decimal.Decimal) decimal.Decimal {
	return roundStepDown(qty, i.QtyStep)
}

func roundStepDown(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}

// ————————————————————————————————————————————————————————————————————————
// Exchange snapshots, §4.1
// ————————————————————————————————————————————————————————————————————————

// Ticker is the result of GetTicker.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h decimal.Decimal
}

// Kline is a single candle, ascending by StartTime when returned in batch.
type Kline struct {
	Symbol    string
	Interval  string
	StartTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Confirmed bool
}

// WalletBalance is the result of GetWalletBalance.
type WalletBalance struct {
	Equity     decimal.Decimal
	Available  decimal.Decimal
	Unrealized decimal.Decimal
	AccountType string // "UNIFIED" or "CONTRACT" — whichever answered
}

// ExchangePosition is a single open position as reported by GetPositions.
type ExchangePosition struct {
	Symbol         string
	Side           Side
	Size           decimal.Decimal
	EntryPrice     decimal.Decimal
	MarkPrice      decimal.Decimal
	Leverage       decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	BreakEvenPrice decimal.Decimal
	HasBreakEven   bool
}

// ClosedPnLEntry is a single row from GetClosedPnL — exchange-computed net
// PnL, already net of fees. Used as the §4.7.4 ground truth on close.
type ClosedPnLEntry struct {
	Symbol      string
	OrderID     string
	ClosedPnL   decimal.Decimal
	AvgEntry    decimal.Decimal
	AvgExit     decimal.Decimal
	Qty         decimal.Decimal
	CreatedTime time.Time
}

// OrderSnapshot is the result of GetOrderStatus / PlaceOrder acknowledgment.
type OrderSnapshot struct {
	ExchangeOrderID  string
	Symbol           string
	Side             Side
	OrderType        OrderType
	Qty              decimal.Decimal
	Price            decimal.Decimal
	FilledQty        decimal.Decimal
	AvgFillPrice     decimal.Decimal
	Commission       decimal.Decimal
	Status           OrderStatus
	ReduceOnly       bool
	UpdatedTime      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Event bus payloads, §4.3
// ————————————————————————————————————————————————————————————————————————

// PriceUpdate carries a last-trade price tick for a symbol, scoped to a user.
type PriceUpdate struct {
	UserID int64
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// NewCandle carries a confirmed candle close, scoped to a user.
type NewCandle struct {
	UserID   int64
	Symbol   string
	Interval string // canonical form, e.g. "5m", "1m"
	Candle   Kline
}

// OrderUpdate carries a non-fill order lifecycle transition (CANCELLED or
// REJECTED) observed on the authenticated stream.
type OrderUpdate struct {
	UserID          int64
	AccountPriority int
	ExchangeOrderID string
	Symbol          string
	Status          OrderStatus
	Time            time.Time
}

// OrderFilled carries a confirmed fill, whether observed via the
// API-polling confirmation path or synthesized during reconciliation.
type OrderFilled struct {
	UserID          int64
	AccountPriority int
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	Time            time.Time
}

// PositionUpdate carries a position snapshot from the authenticated stream.
type PositionUpdate struct {
	UserID          int64
	AccountPriority int
	Symbol          string
	Side            Side
	Size            decimal.Decimal
	EntryPrice      decimal.Decimal
	MarkPrice       decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	Time            time.Time
}

// PositionClosed signals a position reached zero size on the exchange.
type PositionClosed struct {
	UserID          int64
	Symbol          string
	AccountPriority int
	ClosedManually  bool
	Time            time.Time
}

// UserSessionStartRequested asks SessionSupervisor to (re)start a user's session.
type UserSessionStartRequested struct {
	UserID int64
}

// UserSessionStopRequested asks SessionSupervisor to stop a user's session.
type UserSessionStopRequested struct {
	UserID              int64
	Reason              string
	ClosePositionsOnStop bool
}

// UserSettingsChanged signals configuration changed for a user.
type UserSettingsChanged struct {
	UserID      int64
	ChangedKeys []string
}

// RiskLimitExceeded signals a risk limit breach for a user.
type RiskLimitExceeded struct {
	UserID    int64
	LimitType string
	Current   decimal.Decimal
	Limit     decimal.Decimal
	Action    string
}

// Signal carries a strategy signal decision for (user, symbol).
type Signal struct {
	UserID       int64
	Symbol       string
	StrategyType string
	Direction    SignalDirection
	Strength     decimal.Decimal
	Analysis     string
}
