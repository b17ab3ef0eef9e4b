package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

func TestComputeStopLossPriceBelowEntryForLong(t *testing.T) {
	t.Parallel()
	in, _ := newTestInstance(t)

	in.mu.Lock()
	in.position = basePosition()
	in.position.Direction = types.Long
	in.position.FrozenConfig.AveragingStopLossPct = decimal.NewFromFloat(50)
	price := in.computeStopLossPrice(decimal.NewFromFloat(10), decimal.NewFromFloat(100), decimal.NewFromFloat(1))
	in.mu.Unlock()

	if !price.LessThan(decimal.NewFromFloat(100)) {
		t.Errorf("stop-loss price = %s, want below entry (100) for a LONG", price)
	}
}

func TestComputeStopLossPriceAboveEntryForShort(t *testing.T) {
	t.Parallel()
	in, _ := newTestInstance(t)

	in.mu.Lock()
	in.position = basePosition()
	in.position.Direction = types.Short
	in.position.FrozenConfig.AveragingStopLossPct = decimal.NewFromFloat(50)
	price := in.computeStopLossPrice(decimal.NewFromFloat(10), decimal.NewFromFloat(100), decimal.NewFromFloat(1))
	in.mu.Unlock()

	if !price.GreaterThan(decimal.NewFromFloat(100)) {
		t.Errorf("stop-loss price = %s, want above entry (100) for a SHORT", price)
	}
}

func TestComputeStopLossPriceZeroQtyReturnsZero(t *testing.T) {
	t.Parallel()
	in, _ := newTestInstance(t)

	in.mu.Lock()
	in.position = basePosition()
	price := in.computeStopLossPrice(decimal.NewFromFloat(10), decimal.NewFromFloat(100), decimal.Zero)
	in.mu.Unlock()

	if !price.IsZero() {
		t.Errorf("computeStopLossPrice with zero qty = %s, want 0", price)
	}
}
