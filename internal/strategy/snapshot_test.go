package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

func TestSnapshotRoundTripPreservesState(t *testing.T) {
	t.Parallel()
	in, _ := newTestInstance(t)

	in.mu.Lock()
	in.position = basePosition()
	in.position.ActiveTradeDBID = 42
	in.confirmationCount = 1
	in.lastSignal = types.SignalLong
	in.lastTradeWasLoss = true
	in.lastTradeDirection = types.Short
	in.lastCloseTime = time.Now().Truncate(time.Millisecond)
	in.postReversalMode = true
	in.doubleHoldCount = 1
	in.processedOrders["ex-1"] = struct{}{}
	data, err := in.marshalSnapshot()
	in.mu.Unlock()
	if err != nil {
		t.Fatalf("marshalSnapshot: %v", err)
	}

	restored, _ := newTestInstance(t)
	if err := restored.restoreSnapshot(data); err != nil {
		t.Fatalf("restoreSnapshot: %v", err)
	}

	restored.mu.Lock()
	defer restored.mu.Unlock()

	if !restored.position.Active || restored.position.ActiveTradeDBID != 42 {
		t.Errorf("position not restored correctly: %+v", restored.position)
	}
	if !restored.position.AverageEntryPrice.Equal(decimal.NewFromFloat(100)) {
		t.Errorf("AverageEntryPrice = %s, want 100", restored.position.AverageEntryPrice)
	}
	if restored.confirmationCount != 1 {
		t.Errorf("confirmationCount = %d, want 1", restored.confirmationCount)
	}
	if restored.lastSignal != types.SignalLong {
		t.Errorf("lastSignal = %s, want LONG", restored.lastSignal)
	}
	if !restored.lastTradeWasLoss {
		t.Error("lastTradeWasLoss not restored")
	}
	if restored.lastTradeDirection != types.Short {
		t.Errorf("lastTradeDirection = %s, want SHORT", restored.lastTradeDirection)
	}
	if !restored.postReversalMode {
		t.Error("postReversalMode not restored")
	}
	if restored.doubleHoldCount != 1 {
		t.Errorf("doubleHoldCount = %d, want 1", restored.doubleHoldCount)
	}
	if _, ok := restored.processedOrders["ex-1"]; !ok {
		t.Error("processedOrders not restored")
	}
}

func TestRestoreSnapshotZeroTimeWhenNeverSet(t *testing.T) {
	t.Parallel()
	in, _ := newTestInstance(t)

	in.mu.Lock()
	data, err := in.marshalSnapshot()
	in.mu.Unlock()
	if err != nil {
		t.Fatalf("marshalSnapshot: %v", err)
	}

	restored, _ := newTestInstance(t)
	if err := restored.restoreSnapshot(data); err != nil {
		t.Fatalf("restoreSnapshot: %v", err)
	}

	restored.mu.Lock()
	defer restored.mu.Unlock()
	if !restored.lastCloseTime.IsZero() {
		t.Errorf("lastCloseTime = %v, want zero value when never set", restored.lastCloseTime)
	}
}
