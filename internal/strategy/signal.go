package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

// handleAnalysisCandle is the entry point for every confirmed candle on the
// configured analysis interval, §4.7.2. Called with in.mu held.
func (in *Instance) handleAnalysisCandle(ctx context.Context, c types.NewCandle) {
	signal := in.deps.Analyzer.Analyze(in.candleHistory)

	if in.position.Active {
		in.handleActivePositionSignal(ctx, signal.Direction, c.Candle.Close)
		return
	}

	if signal.Direction == types.SignalHold {
		in.confirmationCount = 0
		in.lastSignal = types.SignalHold
		return
	}

	in.tryEnter(ctx, signal.Direction, c.Candle.Close)
}

// tryEnter runs the confirmation/cooldown/spike gauntlet and submits an
// entry order on success, §4.7.2.
func (in *Instance) tryEnter(ctx context.Context, signal types.SignalDirection, price decimal.Decimal) {
	now := timeNow()

	if now.Sub(in.lastCloseTime) < CooldownAfterClose {
		return
	}
	if now.Before(in.reversalCooldownUntil) {
		return
	}

	if signal == in.lastSignal {
		in.confirmationCount++
	} else {
		justClosedDirectionMatches := in.lastTradeDirection != "" && string(in.lastTradeDirection) == string(signal)
		if justClosedDirectionMatches {
			in.confirmationCount = 0
		} else {
			in.confirmationCount = 1
		}
	}
	in.lastSignal = signal

	// Required confirmations is always 2, §4.7.2 — a loss or post-reversal
	// mode doesn't raise the bar further, it's already covered by the
	// "start at 0 on same-direction-as-just-closed" rule above.
	if in.confirmationCount < requiredConfirmations {
		return
	}

	finalSignal := signal
	if in.deps.Spike != nil {
		shouldEnter, advised, reason := in.deps.Spike.Evaluate(signal)
		if !shouldEnter {
			in.logger.Info().Str("reason", reason).Msg("entry suppressed by spike detector")
			in.confirmationCount = 0
			return
		}
		if advised != signal {
			in.logger.Info().Str("reason", reason).Str("from", string(signal)).Str("to", string(advised)).Msg("entry reversed by spike detector")
		}
		finalSignal = advised
	}

	in.confirmationCount = 0
	in.submitEntry(ctx, finalSignal, price)
}

// handleActivePositionSignal implements the reversal and double-hold close
// rules for a candle signal observed while a position is active, §4.7.2.
func (in *Instance) handleActivePositionSignal(ctx context.Context, signal types.SignalDirection, price decimal.Decimal) {
	unrealized := in.unrealizedPnL(price)

	if signal == types.SignalHold {
		if unrealized.IsNegative() {
			in.doubleHoldCount = 0
			return
		}
		in.doubleHoldCount++
		if in.doubleHoldCount >= 2 {
			in.doubleHoldCount = 0
			in.closePosition(ctx, price, "double_hold_signal")
		}
		return
	}
	in.doubleHoldCount = 0

	activeSignal := directionToSignal(in.position.Direction)
	if signal == activeSignal {
		return
	}

	if unrealized.IsNegative() {
		return // only close-and-switch when unrealized PnL >= 0, §4.7.2
	}

	in.postReversalMode = true
	in.reversalCooldownUntil = timeNow().Add(CooldownAfterReversal)
	in.closePosition(ctx, price, "reversal")
}

func directionToSignal(d types.Direction) types.SignalDirection {
	if d == types.Long {
		return types.SignalLong
	}
	return types.SignalShort
}

// submitEntry snapshots the strategy config, sizes the order, sets leverage,
// and submits a market entry via §4.7.3.
func (in *Instance) submitEntry(ctx context.Context, signal types.SignalDirection, price decimal.Decimal) {
	inst, err := in.deps.Instruments.Get(ctx, in.Symbol)
	if err != nil {
		in.logger.Warn().Err(err).Msg("instrument lookup failed, entry skipped")
		return
	}

	frozen := in.baseConfig
	notional := frozen.OrderAmount.Mul(decimal.NewFromInt(int64(frozen.Leverage)))
	qty := inst.RoundQtyDown(notional.Div(price))
	if qty.LessThan(inst.MinOrderQty) {
		in.logger.Warn().Msg("entry quantity below minimum, skipped")
		go in.deps.Notifier.SendMessage(context.Background(), in.UserID,
			fmt.Sprintf("%s entry skipped: computed quantity below the exchange minimum order size", in.Symbol), "")
		return
	}

	if _, err := in.deps.Exchange.SetLeverage(ctx, in.Symbol, frozen.Leverage); err != nil {
		in.logger.Warn().Err(err).Msg("set leverage failed, entry skipped")
		go in.deps.Notifier.SendMessage(context.Background(), in.UserID,
			fmt.Sprintf("%s entry skipped: failed to set leverage", in.Symbol), "")
		return
	}

	side := types.Buy
	if signal == types.SignalShort {
		side = types.Sell
	}

	in.pendingEntryConfig = &frozen
	in.submitOrder(ctx, submitRequest{
		Side:      side,
		OrderType: types.Market,
		Qty:       qty,
		Purpose:   types.PurposeOpen,
		Leverage:  frozen.Leverage,
	})
}

func (in *Instance) unrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if !in.position.Active {
		return decimal.Zero
	}
	diff := price.Sub(in.position.AverageEntryPrice)
	if in.position.Direction == types.Short {
		diff = diff.Neg()
	}
	return diff.Mul(in.position.TotalSize)
}

var timeNow = defaultTimeNow
