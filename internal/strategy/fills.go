package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/store"
	"bybit-scalper-engine/pkg/types"
)

// handleOrderFilled classifies and dispatches a fill, §4.7.4. Called with
// in.mu held.
func (in *Instance) handleOrderFilled(ctx context.Context, f types.OrderFilled) {
	if _, seen := in.processedOrders[f.ExchangeOrderID]; seen {
		return
	}

	order, err := in.deps.Store.GetOrderByExchangeId(ctx, f.ExchangeOrderID)
	if err != nil || order == nil {
		return // not ours, or lookup failed — ignore per ownership filter
	}
	if order.UserID != in.UserID || order.Symbol != in.Symbol || order.AccountPriority != in.AccountPriority {
		return
	}

	in.processedOrders[f.ExchangeOrderID] = struct{}{}

	switch {
	case f.Side == closingSide(in.position.Direction) && in.position.Active:
		in.handleCloseFill(ctx, order, f)
	case in.position.Active:
		in.handleAveragingFill(ctx, order, f)
	default:
		in.handleOpenFill(ctx, order, f)
	}

	in.saveSnapshot(ctx)
}

// handleOpenFill implements the OPEN fill effect, §4.7.4. In recovery mode
// it first checks for a live matching position and rehydrates from it
// instead of trusting the fill event at face value.
func (in *Instance) handleOpenFill(ctx context.Context, order *store.Order, f types.OrderFilled) {
	if in.recoveryMode {
		defer func() { in.recoveryMode = false }()

		positions, err := in.deps.Exchange.GetPositions(ctx, in.Symbol)
		if err == nil {
			for _, p := range positions {
				if p.Side == f.Side {
					in.rehydrateFromExchangePosition(p)
					return
				}
			}
		}
	}

	direction := types.Long
	if f.Side == types.Sell {
		direction = types.Short
	}

	in.position = PositionState{
		Active:             true,
		Direction:          direction,
		InitialEntryPrice:  f.Price,
		InitialSize:        f.Qty,
		AverageEntryPrice:  f.Price,
		TotalSize:          f.Qty,
		AccumulatedFees:    f.Fee,
		FrozenConfig:       in.frozenConfigOrBase(),
	}
	in.position.InitialMargin = f.Price.Mul(f.Qty).Div(decimal.NewFromInt(int64(in.position.FrozenConfig.Leverage)))
	in.position.CurrentTotalMargin = in.position.InitialMargin

	if err := in.deps.Store.UpdateOrderStatus(ctx, order.ClientOrderID, types.StatusFilled, f.Qty, f.Price, f.Fee, decimal.Zero); err != nil {
		in.logger.Error().Err(err).Msg("failed to mark open order filled")
	}

	trade, err := in.deps.Store.CreateTrade(ctx, store.Trade{
		UserID:          in.UserID,
		Symbol:          in.Symbol,
		AccountPriority: in.AccountPriority,
		Direction:       direction,
		EntryPrice:      f.Price,
		AvgEntryPrice:   f.Price,
		TotalQty:        f.Qty,
		Commission:      f.Fee,
	})
	if err != nil {
		in.logger.Error().Err(err).Msg("failed to create trade record")
	} else {
		in.position.ActiveTradeDBID = trade.ID
	}

	in.subscribePrice(context.Background())

	if in.position.FrozenConfig.EnableStopLoss {
		in.installInitialStopLoss(ctx)
	}

	go in.deps.Notifier.SendMessage(context.Background(), in.UserID,
		fmt.Sprintf("%s %s opened: qty %s @ %s", in.Symbol, direction, f.Qty.String(), f.Price.String()), "")
}

func (in *Instance) frozenConfigOrBase() Config {
	if in.pendingEntryConfig != nil {
		cfg := *in.pendingEntryConfig
		in.pendingEntryConfig = nil
		return cfg
	}
	return in.baseConfig
}

func (in *Instance) rehydrateFromExchangePosition(p types.ExchangePosition) {
	direction := types.Long
	if p.Side == types.Sell {
		direction = types.Short
	}
	cfg := in.frozenConfigOrBase()
	in.position = PositionState{
		Active:             true,
		Direction:          direction,
		InitialEntryPrice:  p.EntryPrice,
		InitialSize:        p.Size,
		AverageEntryPrice:  p.EntryPrice,
		TotalSize:          p.Size,
		FrozenConfig:       cfg,
		InitialMargin:      p.EntryPrice.Mul(p.Size).Div(decimal.NewFromInt(int64(cfg.Leverage))),
	}
	in.position.CurrentTotalMargin = in.position.InitialMargin
	in.subscribePrice(context.Background())
}

// handleAveragingFill implements the AVERAGING fill effect, §4.7.4.
func (in *Instance) handleAveragingFill(ctx context.Context, order *store.Order, f types.OrderFilled) {
	beforeEntry := in.position.AverageEntryPrice
	beforeSize := in.position.TotalSize

	priorNotional := in.position.AverageEntryPrice.Mul(in.position.TotalSize)
	newTotal := in.position.TotalSize.Add(f.Qty)
	in.position.AverageEntryPrice = priorNotional.Add(f.Price.Mul(f.Qty)).Div(newTotal)
	in.position.TotalSize = newTotal

	averagingAmount := in.position.FrozenConfig.OrderAmount.Mul(in.position.FrozenConfig.AveragingMultiplier)
	in.position.CurrentTotalMargin = in.position.CurrentTotalMargin.Add(averagingAmount)
	in.position.AveragingCount++
	in.position.UseBreakevenExit = true
	in.position.AccumulatedFees = in.position.AccumulatedFees.Add(f.Fee)
	in.position.AwaitingFill = false

	if err := in.deps.Store.UpdateOrderStatus(ctx, order.ClientOrderID, types.StatusFilled, f.Qty, f.Price, f.Fee, decimal.Zero); err != nil {
		in.logger.Error().Err(err).Msg("failed to mark averaging order filled")
	}
	if err := in.deps.Store.UpdateTradeOnAveraging(ctx, in.position.ActiveTradeDBID, f.Qty, f.Price); err != nil {
		in.logger.Error().Err(err).Msg("failed to update trade on averaging")
	}

	if in.position.FrozenConfig.EnableStopLoss {
		in.installPostAveragingStopLoss(ctx)
	}

	go in.deps.Notifier.SendMessage(context.Background(), in.UserID, fmt.Sprintf(
		"%s averaging #%d: before %s@%s, after %s@%s, new SL %s",
		in.Symbol, in.position.AveragingCount, beforeSize.String(), beforeEntry.String(),
		in.position.TotalSize.String(), in.position.AverageEntryPrice.String(), in.position.StopLossPrice.String(),
	), "")
}

// handleCloseFill implements the CLOSE fill effect, §4.7.4.
func (in *Instance) handleCloseFill(ctx context.Context, order *store.Order, f types.OrderFilled) {
	pnl := in.computeClosedPnL(ctx, f)
	totalCommission := in.position.AccumulatedFees.Add(f.Fee)

	if err := in.deps.Store.UpdateOrderStatus(ctx, order.ClientOrderID, types.StatusFilled, f.Qty, f.Price, f.Fee, pnl); err != nil {
		in.logger.Error().Err(err).Msg("failed to mark close order filled")
	}
	if err := in.deps.Store.UpdateTradeOnClose(ctx, in.position.ActiveTradeDBID, f.Price, pnl, totalCommission); err != nil {
		in.logger.Error().Err(err).Msg("failed to close trade record")
	}
	if _, err := in.deps.Store.UpdateStrategyStats(ctx, in.UserID, in.StrategyType, pnl); err != nil {
		in.logger.Error().Err(err).Msg("failed to update strategy stats")
	}

	if in.position.FrozenConfig.EnableStopLoss {
		if _, err := in.deps.Exchange.SetTradingStop(ctx, in.Symbol, "0", ""); err != nil {
			in.logger.Warn().Err(err).Msg("failed to clear stop-loss on close")
		}
	}

	go in.deps.Notifier.SendMessage(context.Background(), in.UserID,
		fmt.Sprintf("%s position closed: qty %s @ %s, PnL %s", in.Symbol, f.Qty.String(), f.Price.String(), pnl.StringFixed(4)), "")

	in.lastTradeWasLoss = pnl.IsNegative()
	in.lastTradeDirection = in.position.Direction
	in.lastCloseTime = time.Now()
	in.postReversalMode = false
	in.doubleHoldCount = 0

	in.unsubscribePriceAsync()
	in.processedOrders = make(map[string]struct{})
	deferred := in.deferredStop
	in.position = PositionState{}

	if deferred {
		in.logger.Info().Msg("deferred stop: terminating strategy after close")
		go in.Stop()
	}
}

// handleManualClose reconciles store state after AccountFeed detects the
// user closed this position directly on the exchange, §4.4 scenario 4/§4.5.
// There is no CLOSE order to attribute the fill to, so the exit price and
// net PnL are taken straight from the exchange's own closed-PnL ledger;
// the trade close, stats, cooldown bookkeeping and notification after that
// mirror handleCloseFill, but no SetTradingStop call is made to clear the
// stop-loss. Called with in.mu held.
func (in *Instance) handleManualClose(ctx context.Context, c types.PositionClosed) {
	if !in.position.Active {
		return
	}

	exitPrice := in.position.AverageEntryPrice
	pnl := decimal.Zero
	if entries, err := in.deps.Exchange.GetClosedPnL(ctx, in.Symbol, 1); err == nil && len(entries) > 0 {
		pnl = entries[0].ClosedPnL
		if !entries[0].AvgExit.IsZero() {
			exitPrice = entries[0].AvgExit
		}
	}

	if err := in.deps.Store.UpdateTradeOnClose(ctx, in.position.ActiveTradeDBID, exitPrice, pnl, in.position.AccumulatedFees); err != nil {
		in.logger.Error().Err(err).Msg("failed to close trade record for manual close")
	}
	if _, err := in.deps.Store.UpdateStrategyStats(ctx, in.UserID, in.StrategyType, pnl); err != nil {
		in.logger.Error().Err(err).Msg("failed to update strategy stats for manual close")
	}

	in.logger.Warn().Str("symbol", in.Symbol).Msg("manual close by user detected on exchange")
	go in.deps.Notifier.SendMessage(context.Background(), in.UserID,
		fmt.Sprintf("%s position closed manually on the exchange, PnL %s", in.Symbol, pnl.StringFixed(4)), "")

	in.lastTradeWasLoss = pnl.IsNegative()
	in.lastTradeDirection = in.position.Direction
	in.lastCloseTime = time.Now()
	in.postReversalMode = false
	in.doubleHoldCount = 0

	in.unsubscribePriceAsync()
	in.processedOrders = make(map[string]struct{})
	deferred := in.deferredStop
	in.position = PositionState{}

	in.saveSnapshot(ctx)

	if deferred {
		in.logger.Info().Msg("deferred stop: terminating strategy after manual close")
		go in.Stop()
	}
}

// computeClosedPnL prefers the exchange's own net-of-fees PnL figure over a
// locally computed estimate, §4.7.4.
func (in *Instance) computeClosedPnL(ctx context.Context, f types.OrderFilled) decimal.Decimal {
	entries, err := in.deps.Exchange.GetClosedPnL(ctx, in.Symbol, 1)
	if err == nil && len(entries) > 0 {
		return entries[0].ClosedPnL
	}

	sign := decimal.NewFromInt(1)
	if in.position.Direction == types.Short {
		sign = decimal.NewFromInt(-1)
	}
	gross := f.Price.Sub(in.position.AverageEntryPrice).Mul(in.position.TotalSize).Mul(sign)
	return gross.Sub(in.position.AccumulatedFees)
}

func (in *Instance) unsubscribePriceAsync() {
	if in.unsubscribePrice != nil {
		unsub := in.unsubscribePrice
		in.unsubscribePrice = nil
		in.priceSubActive = false
		go unsub()
	}
}

func (in *Instance) saveSnapshot(ctx context.Context) {
	data, err := in.marshalSnapshot()
	if err != nil {
		in.logger.Warn().Err(err).Msg("failed to marshal snapshot")
		return
	}
	if err := in.deps.Snapshots.Save(ctx, in.UserID, in.Symbol, in.AccountPriority, data); err != nil {
		in.logger.Warn().Err(err).Msg("failed to persist snapshot")
	}
}
