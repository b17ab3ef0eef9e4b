package strategy

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/internal/instrument"
	"bybit-scalper-engine/internal/notify"
	"bybit-scalper-engine/internal/snapshot"
	"bybit-scalper-engine/internal/store"
	"bybit-scalper-engine/pkg/types"
)

const testUserID = int64(1)
const testSymbol = "BTCUSDT"
const testAccount = 1

func testConfig() Config {
	return Config{
		OrderAmount:               decimal.NewFromFloat(10),
		Leverage:                  10,
		AveragingTriggerPct:       decimal.NewFromFloat(1),
		AveragingMultiplier:       decimal.NewFromFloat(1),
		AveragingStopLossPct:      decimal.NewFromFloat(50),
		MaxAveragingCount:         3,
		EnableStopLoss:            true,
		EnableAveraging:           true,
		EnableStagnationDetector:  true,
		StagnationRangeMinPct:     decimal.NewFromFloat(0.1),
		StagnationRangeMaxPct:     decimal.NewFromFloat(0.5),
		StagnationObservationSecs: 30,
		StagnationMultiplier:      decimal.NewFromFloat(1),
		AnalysisInterval:          "5m",
	}
}

// newTestInstance wires a real in-memory store and snapshot store alongside
// a fakeExchange, the same collaborator shape production wiring builds.
func newTestInstance(t *testing.T) (*Instance, *fakeExchange) {
	t.Helper()

	st, err := store.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fx := &fakeExchange{}
	cache := instrument.New(&fakeFetcher{instruments: map[string]types.Instrument{testSymbol: testInstrument(testSymbol)}}, zerolog.Nop())

	deps := Deps{
		Exchange:    fx,
		Instruments: cache,
		Store:       st,
		Bus:         eventbus.New(zerolog.Nop()),
		Snapshots:   snapshot.NewInMemory(),
		Notifier:    notify.NewLogNotifier(zerolog.Nop()),
	}

	in := New(deps, testUserID, testSymbol, testAccount, "scalper", testConfig(), zerolog.Nop())
	return in, fx
}
