package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/decimalx"
	"bybit-scalper-engine/pkg/types"
)

// staleTickThreshold bounds how far a price tick may sit from entry before
// it's treated as a bad print and ignored, §4.7.5.
var staleTickThreshold = decimal.NewFromInt(50)

// handlePriceTick runs the stagnation/averaging/exit ladder on every price
// tick while a position is active, §4.7.5. Called with in.mu held.
func (in *Instance) handlePriceTick(ctx context.Context, p types.PriceUpdate) {
	if !in.position.Active {
		return
	}
	if in.position.AwaitingFill {
		return // an averaging order is in flight, §4.7.5
	}

	changePct := decimalx.PctChange(in.position.AverageEntryPrice, p.Price)
	if changePct.Abs().GreaterThan(staleTickThreshold) {
		return // stale/bad tick, §4.7.5
	}

	pnl := in.unrealizedPnL(p.Price)

	if in.position.AveragingCount == 0 {
		in.evaluateStagnation(ctx, p.Price, pnl, changePct)
	}

	if in.position.FrozenConfig.EnableAveraging &&
		in.position.AveragingCount < in.position.FrozenConfig.MaxAveragingCount &&
		pnl.IsNegative() &&
		changePct.Abs().GreaterThanOrEqual(in.position.FrozenConfig.AveragingTriggerPct) {
		in.submitAveraging(ctx, "trigger_pct")
		return
	}

	if in.position.UseBreakevenExit {
		in.evaluateBreakevenExit(ctx, p.Price)
		return
	}

	in.evaluateTrailingExit(ctx, p.Price, pnl)
}

// evaluateStagnation implements the continuous-observation stagnation
// detector, §4.7.5.
func (in *Instance) evaluateStagnation(ctx context.Context, price, pnl, changePct decimal.Decimal) {
	cfg := in.position.FrozenConfig
	if !cfg.EnableStagnationDetector {
		return
	}

	inBand := pnl.IsNegative() &&
		changePct.Abs().GreaterThanOrEqual(cfg.StagnationRangeMinPct) &&
		changePct.Abs().LessThanOrEqual(cfg.StagnationRangeMaxPct)

	if !inBand {
		in.position.Stagnation = StagnationMonitor{}
		return
	}

	if !in.position.Stagnation.Observing {
		in.position.Stagnation = StagnationMonitor{Observing: true, Since: timeNow()}
		return
	}

	elapsed := timeNow().Sub(in.position.Stagnation.Since)
	if elapsed >= time.Duration(cfg.StagnationObservationSecs)*time.Second {
		in.position.Stagnation = StagnationMonitor{}
		in.submitAveraging(ctx, "stagnation")
	}
}

// submitAveraging submits an averaging order at leverage 1 with notional
// order_amount × averaging_multiplier, §4.7.5/§12.
func (in *Instance) submitAveraging(ctx context.Context, reason string) {
	inst, err := in.deps.Instruments.Get(ctx, in.Symbol)
	if err != nil {
		in.logger.Warn().Err(err).Msg("instrument lookup failed, averaging skipped")
		return
	}

	cfg := in.position.FrozenConfig
	notional := cfg.OrderAmount.Mul(cfg.AveragingMultiplier)
	last, err := in.deps.Exchange.GetTicker(ctx, in.Symbol)
	if err != nil {
		in.logger.Warn().Err(err).Msg("ticker lookup failed, averaging skipped")
		return
	}
	qty := inst.RoundQtyDown(notional.Div(last.Last))
	if qty.LessThan(inst.MinOrderQty) {
		return
	}

	side := types.Buy
	if in.position.Direction == types.Short {
		side = types.Sell
	}

	in.logger.Info().Str("reason", reason).Msg("submitting averaging order")
	in.position.AwaitingFill = true
	in.submitOrder(ctx, submitRequest{
		Side:      side,
		OrderType: types.Market,
		Qty:       qty,
		Purpose:   types.PurposeAveraging,
		Leverage:  1,
		Metadata:  reason,
	})
}

// evaluateBreakevenExit implements the post-averaging exit policy, §4.7.5.
func (in *Instance) evaluateBreakevenExit(ctx context.Context, price decimal.Decimal) {
	positions, err := in.deps.Exchange.GetPositions(ctx, in.Symbol)
	if err == nil {
		for _, p := range positions {
			if !p.HasBreakEven {
				continue
			}
			if in.position.Direction == types.Long && price.GreaterThanOrEqual(p.BreakEvenPrice) {
				in.closePosition(ctx, price, "breakeven_exit")
			} else if in.position.Direction == types.Short && price.LessThanOrEqual(p.BreakEvenPrice) {
				in.closePosition(ctx, price, "breakeven_exit")
			}
			return
		}
	}

	// Fall back to "PnL >= 0 => close" when breakEvenPrice is unavailable, §4.7.5.
	if in.unrealizedPnL(price).GreaterThanOrEqual(decimal.Zero) {
		in.closePosition(ctx, price, "breakeven_exit_fallback")
	}
}

// evaluateTrailingExit implements the standard (no-averaging) trailing-stop
// ladder, §4.7.5.
func (in *Instance) evaluateTrailingExit(ctx context.Context, price, pnl decimal.Decimal) {
	if pnl.GreaterThan(in.position.PeakUnrealizedPnL) {
		in.position.PeakUnrealizedPnL = pnl
	}

	notional := in.position.FrozenConfig.OrderAmount.Mul(decimal.NewFromInt(int64(in.position.FrozenConfig.Leverage)))
	level1 := TrailingLevels[0].Mul(notional)
	if in.position.PeakUnrealizedPnL.LessThan(level1) {
		return
	}

	giveback := in.position.PeakUnrealizedPnL.Mul(trailingGiveback)
	if pnl.LessThan(in.position.PeakUnrealizedPnL.Sub(giveback)) {
		in.closePosition(ctx, price, "trailing_stop")
	}
}
