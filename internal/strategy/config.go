// Package strategy implements the per-(user, symbol, account_priority)
// scalping state machine, §4.7 — the hard core of the engine. Its Run loop
// and non-reentrant-lock-around-a-single-mutation-surface shape is grounded
// on the teacher's Maker: a ticker-driven per-slot goroutine, consuming
// fills/orders off typed channels, only here there are no resting quotes and
// no AS reservation-price math. Reversal, averaging, and stop management
// replace spread/inventory skew as the thing the loop protects.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

// TrailingLevels are the six fixed fractions of notional that make up the
// trailing-stop ladder, §4.7.5. Only the first level is read: it gates when
// evaluateTrailingExit starts closing on a giveback from peak PnL. A
// package-level constant per SPEC_FULL §12 rather than user configuration.
var TrailingLevels = []decimal.Decimal{
	decimal.NewFromFloat(0.0020),
	decimal.NewFromFloat(0.0035),
	decimal.NewFromFloat(0.0070),
	decimal.NewFromFloat(0.0115),
	decimal.NewFromFloat(0.0155),
	decimal.NewFromFloat(0.0225),
}

// CooldownAfterClose is the minimum wait after any closed trade before a new
// entry is accepted, §4.7.2.
const CooldownAfterClose = 60 * time.Second

// CooldownAfterReversal is the minimum wait after a same-candle reversal
// before a new entry is accepted, §4.7.2.
const CooldownAfterReversal = 60 * time.Second

// requiredConfirmations is the number of consecutive matching signals needed
// before an entry fires under ordinary conditions, §4.7.2.
const requiredConfirmations = 2

// trailingGiveback is the fraction of peak unrealized PnL the standard exit
// policy tolerates losing back before closing, §4.7.5.
var trailingGiveback = decimal.NewFromFloat(0.20)

// stopLossFeeBuffer widens the stop-loss distance to compensate for the
// estimated closing fee and micro-movement, §4.7.6.
var stopLossFeeBuffer = decimal.NewFromFloat(1.05)

// Config is the immutable-between-entries parameter set, snapshotted into
// PositionState.FrozenConfig at entry time, §3.
type Config struct {
	OrderAmount               decimal.Decimal
	Leverage                  int
	AveragingTriggerPct       decimal.Decimal
	AveragingMultiplier       decimal.Decimal
	AveragingStopLossPct      decimal.Decimal
	MaxAveragingCount         int
	EnableStopLoss            bool
	EnableAveraging           bool
	EnableStagnationDetector  bool
	StagnationRangeMinPct     decimal.Decimal
	StagnationRangeMaxPct     decimal.Decimal
	StagnationObservationSecs int
	StagnationMultiplier      decimal.Decimal
	AnalysisInterval          string
}

// StagnationMonitor tracks the continuous-observation window the stagnation
// detector needs, §4.7.5.
type StagnationMonitor struct {
	Observing bool
	Since     time.Time
}

// PositionState is the in-memory per-slot position record, §3.
type PositionState struct {
	Active    bool
	Direction types.Direction

	InitialEntryPrice  decimal.Decimal
	InitialSize        decimal.Decimal
	AverageEntryPrice  decimal.Decimal
	TotalSize          decimal.Decimal
	AveragingCount     int
	InitialMargin      decimal.Decimal
	CurrentTotalMargin decimal.Decimal
	AccumulatedFees    decimal.Decimal
	PeakUnrealizedPnL  decimal.Decimal
	StopLossPrice      decimal.Decimal
	UseBreakevenExit   bool

	// AwaitingFill is set while an averaging order has been submitted but
	// not yet confirmed filled, §4.7.5. Guards handlePriceTick against
	// resubmitting another averaging order on every tick that lands in
	// the gap between submission and fill confirmation.
	AwaitingFill bool

	Stagnation StagnationMonitor

	FrozenConfig Config

	ActiveTradeDBID uint
}
