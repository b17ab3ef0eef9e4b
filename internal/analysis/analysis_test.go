package analysis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

func kline(close float64) types.Kline {
	return types.Kline{
		Symbol:    "BTCUSDT",
		StartTime: time.Now(),
		Close:     decimal.NewFromFloat(close),
		Confirmed: true,
	}
}

func klineRange(open, high, low, close float64) types.Kline {
	k := kline(close)
	k.Open = decimal.NewFromFloat(open)
	k.High = decimal.NewFromFloat(high)
	k.Low = decimal.NewFromFloat(low)
	return k
}

func TestMACrossoverHoldsBeforeEnoughHistory(t *testing.T) {
	t.Parallel()

	m := NewMACrossover(2, 3)
	signal := m.Analyze([]types.Kline{kline(100), kline(101)})
	if signal.Direction != types.SignalHold {
		t.Errorf("Direction = %s, want HOLD with fewer candles than the slow period", signal.Direction)
	}
}

func TestMACrossoverDetectsLongAndShort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		closes  []float64
		fast    int
		slow    int
		want    types.SignalDirection
	}{
		{
			name:   "fast above slow is LONG",
			closes: []float64{10, 10, 10, 20, 30},
			fast:   2,
			slow:   4,
			want:   types.SignalLong,
		},
		{
			name:   "fast below slow is SHORT",
			closes: []float64{30, 30, 30, 20, 10},
			fast:   2,
			slow:   4,
			want:   types.SignalShort,
		},
		{
			name:   "flat series is HOLD",
			closes: []float64{10, 10, 10, 10},
			fast:   2,
			slow:   4,
			want:   types.SignalHold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMACrossover(tt.fast, tt.slow)
			var candles []types.Kline
			for _, c := range tt.closes {
				candles = append(candles, kline(c))
			}
			got := m.Analyze(candles).Direction
			if got != tt.want {
				t.Errorf("Analyze() direction = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStdDevSpikeDetectorEvaluatePassesThroughWithoutSpike(t *testing.T) {
	t.Parallel()

	d := NewStdDevSpikeDetector(decimal.NewFromFloat(3))
	for i := 0; i < 5; i++ {
		d.Observe(klineRange(100, 101, 99, 100))
	}

	shouldEnter, final, reason := d.Evaluate(types.SignalLong)
	if !shouldEnter {
		t.Fatal("shouldEnter = false without a spike")
	}
	if final != types.SignalLong {
		t.Errorf("final signal = %s, want unchanged LONG", final)
	}
	if reason != "" {
		t.Errorf("reason = %q, want empty without a spike", reason)
	}
}

func TestStdDevSpikeDetectorForcesReversalOnSpike(t *testing.T) {
	t.Parallel()

	d := NewStdDevSpikeDetector(decimal.NewFromFloat(3))
	for i := 0; i < 5; i++ {
		d.Observe(klineRange(100, 101, 99, 100)) // range 2, builds the average
	}
	d.Observe(klineRange(100, 120, 100, 115)) // range 20, far past 3x average

	shouldEnter, final, reason := d.Evaluate(types.SignalLong)
	if !shouldEnter {
		t.Fatal("shouldEnter = false, want the spike to force a reversal, not suppress entry")
	}
	if final != types.SignalShort {
		t.Errorf("final signal = %s, want SHORT (forced reversal of LONG)", final)
	}
	if reason == "" {
		t.Error("expected a non-empty reason when a spike forces reversal")
	}
}

func TestStdDevSpikeDetectorSpikeIsConsumedOnce(t *testing.T) {
	t.Parallel()

	d := NewStdDevSpikeDetector(decimal.NewFromFloat(3))
	for i := 0; i < 5; i++ {
		d.Observe(klineRange(100, 101, 99, 100))
	}
	d.Observe(klineRange(100, 120, 100, 115))

	_, first, _ := d.Evaluate(types.SignalLong)
	if first != types.SignalShort {
		t.Fatalf("first Evaluate() = %s, want SHORT", first)
	}

	_, second, reason := d.Evaluate(types.SignalLong)
	if second != types.SignalLong {
		t.Errorf("second Evaluate() = %s, want LONG unchanged (spike already consumed)", second)
	}
	if reason != "" {
		t.Errorf("reason = %q, want empty once the spike has been consumed", reason)
	}
}
