package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

func TestTryEnterRequiresTwoMatchingConfirmations(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()
	price := decimal.NewFromFloat(100)

	in.mu.Lock()
	in.tryEnter(ctx, types.SignalLong, price)
	afterFirst := len(fx.placedOrders)
	in.mu.Unlock()

	if afterFirst != 0 {
		t.Fatalf("placed %d orders after one confirmation, want 0", afterFirst)
	}

	in.mu.Lock()
	in.tryEnter(ctx, types.SignalLong, price)
	afterSecond := len(fx.placedOrders)
	in.mu.Unlock()

	if afterSecond != 1 {
		t.Fatalf("placed %d orders after two matching confirmations, want 1", afterSecond)
	}
}

func TestTryEnterRequiresThirdConfirmationWhenReenteringJustClosedDirection(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()
	price := decimal.NewFromFloat(100)

	in.lastTradeDirection = types.Long

	in.mu.Lock()
	in.tryEnter(ctx, types.SignalLong, price)
	in.tryEnter(ctx, types.SignalLong, price)
	afterSecond := len(fx.placedOrders)
	in.tryEnter(ctx, types.SignalLong, price)
	afterThird := len(fx.placedOrders)
	in.mu.Unlock()

	if afterSecond != 0 {
		t.Fatalf("placed %d orders after two matching confirmations re-entering the just-closed direction, want 0 (needs one extra)", afterSecond)
	}
	if afterThird != 1 {
		t.Fatalf("placed %d orders after three matching confirmations re-entering the just-closed direction, want 1", afterThird)
	}
}

func TestTryEnterResetsConfirmationOnSignalFlip(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()
	price := decimal.NewFromFloat(100)

	in.mu.Lock()
	in.tryEnter(ctx, types.SignalLong, price)
	in.tryEnter(ctx, types.SignalShort, price) // flip resets the counter to 1
	afterFlip := len(fx.placedOrders)
	in.mu.Unlock()

	if afterFlip != 0 {
		t.Fatalf("placed %d orders after a signal flip, want 0 (counter should reset)", afterFlip)
	}
}

func TestTryEnterBlockedDuringCooldownAfterClose(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()
	price := decimal.NewFromFloat(100)

	in.lastCloseTime = time.Now()

	in.mu.Lock()
	in.tryEnter(ctx, types.SignalLong, price)
	in.tryEnter(ctx, types.SignalLong, price)
	placed := len(fx.placedOrders)
	confirmations := in.confirmationCount
	in.mu.Unlock()

	if placed != 0 {
		t.Fatalf("placed %d orders during the post-close cooldown, want 0", placed)
	}
	if confirmations != 0 {
		t.Errorf("confirmationCount = %d during cooldown, want 0 (cooldown check precedes confirmation counting)", confirmations)
	}
}

func TestTryEnterSpikeDetectorForcesReversal(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()
	price := decimal.NewFromFloat(100)

	in.deps.Spike = alwaysReverseSpike{}

	in.mu.Lock()
	in.tryEnter(ctx, types.SignalLong, price)
	in.tryEnter(ctx, types.SignalLong, price)
	in.mu.Unlock()

	if len(fx.placedOrders) != 1 {
		t.Fatalf("placed %d orders, want 1", len(fx.placedOrders))
	}
	if fx.placedOrders[0].Side != types.Sell {
		t.Errorf("Side = %s, want SELL (LONG forced to reverse to SHORT)", fx.placedOrders[0].Side)
	}
}

// alwaysReverseSpike is a SpikeDetector stub that always forces a reversal.
type alwaysReverseSpike struct{}

func (alwaysReverseSpike) Observe(candle types.Kline) {}
func (alwaysReverseSpike) Evaluate(signal types.SignalDirection) (bool, types.SignalDirection, string) {
	reversed := types.SignalShort
	if signal == types.SignalShort {
		reversed = types.SignalLong
	}
	return true, reversed, "forced"
}

func TestHandleActivePositionSignalDoubleHoldCloses(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()

	in.mu.Lock()
	in.position = PositionState{Active: true, Direction: types.Long, AverageEntryPrice: decimal.NewFromFloat(100), TotalSize: decimal.NewFromFloat(1)}
	price := decimal.NewFromFloat(110) // positive unrealized PnL

	in.handleActivePositionSignal(ctx, types.SignalHold, price)
	afterFirstHold := len(fx.placedOrders)
	in.handleActivePositionSignal(ctx, types.SignalHold, price)
	afterSecondHold := len(fx.placedOrders)
	in.mu.Unlock()

	if afterFirstHold != 0 {
		t.Fatalf("placed %d orders after the first HOLD, want 0", afterFirstHold)
	}
	if afterSecondHold != 1 {
		t.Fatalf("placed %d orders after the second consecutive HOLD, want 1 (double-hold close)", afterSecondHold)
	}
	if fx.placedOrders[0].Side != types.Sell {
		t.Errorf("Side = %s, want SELL to close a LONG", fx.placedOrders[0].Side)
	}
}

func TestHandleActivePositionSignalDoubleHoldResetsOnNegativePnL(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()

	in.mu.Lock()
	in.position = PositionState{Active: true, Direction: types.Long, AverageEntryPrice: decimal.NewFromFloat(100), TotalSize: decimal.NewFromFloat(1)}

	in.handleActivePositionSignal(ctx, types.SignalHold, decimal.NewFromFloat(110)) // positive, count -> 1
	in.handleActivePositionSignal(ctx, types.SignalHold, decimal.NewFromFloat(90))  // negative, resets to 0
	in.handleActivePositionSignal(ctx, types.SignalHold, decimal.NewFromFloat(110)) // positive again, count -> 1 only
	placed := len(fx.placedOrders)
	in.mu.Unlock()

	if placed != 0 {
		t.Errorf("placed %d orders, want 0 (negative PnL tick should reset the double-hold counter)", placed)
	}
}

func TestHandleActivePositionSignalReversalOnlyWhenNonNegativePnL(t *testing.T) {
	t.Parallel()
	in, fx := newTestInstance(t)
	ctx := context.Background()

	in.mu.Lock()
	in.position = PositionState{Active: true, Direction: types.Long, AverageEntryPrice: decimal.NewFromFloat(100), TotalSize: decimal.NewFromFloat(1)}
	in.handleActivePositionSignal(ctx, types.SignalShort, decimal.NewFromFloat(90)) // negative PnL, no reversal
	placedWhileLosing := len(fx.placedOrders)
	in.handleActivePositionSignal(ctx, types.SignalShort, decimal.NewFromFloat(110)) // non-negative, reversal fires
	placedAfterProfit := len(fx.placedOrders)
	postReversal := in.postReversalMode
	in.mu.Unlock()

	if placedWhileLosing != 0 {
		t.Errorf("placed %d orders on an opposite signal while losing, want 0", placedWhileLosing)
	}
	if placedAfterProfit != 1 {
		t.Errorf("placed %d orders on an opposite signal while at non-negative PnL, want 1", placedAfterProfit)
	}
	if !postReversal {
		t.Error("expected postReversalMode to be set after a reversal close")
	}
}
