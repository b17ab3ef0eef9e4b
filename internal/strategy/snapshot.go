package strategy

import (
	"context"
	"encoding/json"
	"time"

	"bybit-scalper-engine/pkg/types"
)

// persistedState is the on-disk shape of an Instance snapshot, §4.7.7.
// Mirrors PositionState plus the confirmation/cooldown bookkeeping needed to
// resume signal-watching state across a restart.
type persistedState struct {
	Position PositionState

	LastSignal            string
	ConfirmationCount     int
	LastTradeWasLoss      bool
	LastTradeDirection    string
	LastCloseTimeUnixMs   int64
	ReversalCooldownUntilMs int64
	PostReversalMode      bool
	DoubleHoldCount       int

	ProcessedOrders []string

	ActiveTradeDBID uint
}

// marshalSnapshot serializes the instance's current state for §4.7.7
// persistence. Called with in.mu held.
func (in *Instance) marshalSnapshot() ([]byte, error) {
	processed := make([]string, 0, len(in.processedOrders))
	for id := range in.processedOrders {
		processed = append(processed, id)
	}

	state := persistedState{
		Position:                in.position,
		LastSignal:              string(in.lastSignal),
		ConfirmationCount:       in.confirmationCount,
		LastTradeWasLoss:        in.lastTradeWasLoss,
		LastTradeDirection:      string(in.lastTradeDirection),
		LastCloseTimeUnixMs:     in.lastCloseTime.UnixMilli(),
		ReversalCooldownUntilMs: in.reversalCooldownUntil.UnixMilli(),
		PostReversalMode:        in.postReversalMode,
		DoubleHoldCount:         in.doubleHoldCount,
		ProcessedOrders:         processed,
		ActiveTradeDBID:         in.position.ActiveTradeDBID,
	}
	return json.Marshal(state)
}

// restoreSnapshot rehydrates the instance's in-memory state from a
// previously persisted snapshot, §4.9. Called before Run starts consuming
// events.
func (in *Instance) restoreSnapshot(data []byte) error {
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	in.position = state.Position
	in.lastSignal = types.SignalDirection(state.LastSignal)
	in.confirmationCount = state.ConfirmationCount
	in.lastTradeWasLoss = state.LastTradeWasLoss
	in.lastTradeDirection = types.Direction(state.LastTradeDirection)
	in.lastCloseTime = msToTime(state.LastCloseTimeUnixMs)
	in.reversalCooldownUntil = msToTime(state.ReversalCooldownUntilMs)
	in.postReversalMode = state.PostReversalMode
	in.doubleHoldCount = state.DoubleHoldCount

	in.processedOrders = make(map[string]struct{}, len(state.ProcessedOrders))
	for _, id := range state.ProcessedOrders {
		in.processedOrders[id] = struct{}{}
	}

	if in.position.Active {
		in.subscribePrice(context.Background())
	}
	return nil
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
