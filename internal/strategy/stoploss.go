package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/decimalx"
	"bybit-scalper-engine/pkg/types"
)

// estimatedClosingFeeRate approximates the taker fee charged on the
// eventual closing order, folded into the stop-loss distance, §4.7.6.
var estimatedClosingFeeRate = decimal.NewFromFloat(0.00055)

// installInitialStopLoss computes and installs the initial stop-loss price
// from initial_margin, §4.7.6. Called with in.mu held.
func (in *Instance) installInitialStopLoss(ctx context.Context) {
	price := in.computeStopLossPrice(in.position.InitialMargin, in.position.InitialEntryPrice, in.position.InitialSize)
	in.installStopLoss(ctx, price)
}

// installPostAveragingStopLoss recomputes the stop-loss using the grown
// current_total_margin and the new average entry/size, giving the position
// more room, §4.7.6.
func (in *Instance) installPostAveragingStopLoss(ctx context.Context) {
	price := in.computeStopLossPrice(in.position.CurrentTotalMargin, in.position.AverageEntryPrice, in.position.TotalSize)
	in.installStopLoss(ctx, price)
}

func (in *Instance) computeStopLossPrice(margin, entry, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	cfg := in.position.FrozenConfig
	maxLoss := margin.Mul(cfg.AveragingStopLossPct).Div(decimal.NewFromInt(100))
	distance := maxLoss.Div(qty).Mul(stopLossFeeBuffer)
	feeAdjustment := entry.Mul(estimatedClosingFeeRate)
	distance = distance.Add(feeAdjustment)

	if in.position.Direction == types.Long {
		return entry.Sub(distance)
	}
	return entry.Add(distance)
}

func (in *Instance) installStopLoss(ctx context.Context, price decimal.Decimal) {
	if price.IsZero() {
		in.logger.Warn().Msg("stop-loss price uncomputable, leaving position unprotected")
		go in.deps.Notifier.SendMessage(context.Background(), in.UserID,
			fmt.Sprintf("%s: could not compute a stop-loss price, position is unprotected", in.Symbol), "")
		return
	}
	inst, err := in.deps.Instruments.Get(ctx, in.Symbol)
	if err == nil {
		price = inst.RoundPriceDown(price)
	}
	if _, err := in.deps.Exchange.SetTradingStop(ctx, in.Symbol, decimalx.CanonicalizeQty(price), ""); err != nil {
		in.logger.Warn().Err(err).Msg("failed to install stop-loss")
		return
	}
	in.position.StopLossPrice = price
}
