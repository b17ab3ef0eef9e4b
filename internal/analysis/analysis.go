// Package analysis defines the signal-generation contracts the strategy
// layer calls on every confirmed candle, §4.7.2/§4.7.8. Indicator math
// itself is out of scope; this package provides the interfaces plus minimal
// reference implementations (a moving-average crossover and a simple
// spike detector comparing the last candle's range with the average range
// of the preceding candles) sufficient for tests and a working
// default deployment.
package analysis

import (
	"sync"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

// SignalAnalyzer turns a window of recent candles into a directional
// signal, §4.7.2.
type SignalAnalyzer interface {
	Analyze(candles []types.Kline) types.Signal
}

// SpikeDetector watches the 1m candle stream independently of the analysis
// interval and can force a reversal on an otherwise-confirmed entry signal,
// §4.7.8. Observe feeds it every confirmed 1m candle; Evaluate is consulted
// once a signal has cleared the confirmation gauntlet.
type SpikeDetector interface {
	Observe(candle types.Kline)
	Evaluate(signal types.SignalDirection) (shouldEnter bool, finalSignal types.SignalDirection, reason string)
}

// MACrossover is a minimal SignalAnalyzer: fast/slow simple moving average
// crossover on closing price.
type MACrossover struct {
	FastPeriod int
	SlowPeriod int
}

// NewMACrossover creates a MACrossover analyzer.
func NewMACrossover(fastPeriod, slowPeriod int) *MACrossover {
	return &MACrossover{FastPeriod: fastPeriod, SlowPeriod: slowPeriod}
}

// Analyze implements SignalAnalyzer.
func (m *MACrossover) Analyze(candles []types.Kline) types.Signal {
	if len(candles) < m.SlowPeriod {
		return types.Signal{Direction: types.SignalHold}
	}

	fast := sma(candles, m.FastPeriod)
	slow := sma(candles, m.SlowPeriod)

	symbol := candles[len(candles)-1].Symbol
	switch {
	case fast.GreaterThan(slow):
		return types.Signal{Symbol: symbol, StrategyType: "ma_crossover", Direction: types.SignalLong, Strength: fast.Sub(slow).Div(slow).Abs()}
	case fast.LessThan(slow):
		return types.Signal{Symbol: symbol, StrategyType: "ma_crossover", Direction: types.SignalShort, Strength: slow.Sub(fast).Div(slow).Abs()}
	default:
		return types.Signal{Symbol: symbol, StrategyType: "ma_crossover", Direction: types.SignalHold}
	}
}

func sma(candles []types.Kline, period int) decimal.Decimal {
	window := candles[len(candles)-period:]
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// spikeWindow is how many 1m candles StdDevSpikeDetector keeps to compute
// the average true range a new candle is compared against.
const spikeWindow = 20

// StdDevSpikeDetector flags the latest 1m candle's range as a spike when it
// exceeds Multiplier times the window's average range, and forces a
// reversal on the next entry signal evaluated while a spike is live —
// §4.7.8's "forced reversal changes which side is opened".
type StdDevSpikeDetector struct {
	Multiplier decimal.Decimal

	mu      sync.Mutex
	candles []types.Kline
	spiked  bool
}

// NewStdDevSpikeDetector creates a StdDevSpikeDetector.
func NewStdDevSpikeDetector(multiplier decimal.Decimal) *StdDevSpikeDetector {
	return &StdDevSpikeDetector{Multiplier: multiplier}
}

// Observe implements SpikeDetector.
func (d *StdDevSpikeDetector) Observe(candle types.Kline) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.candles = append(d.candles, candle)
	if len(d.candles) > spikeWindow+1 {
		d.candles = d.candles[len(d.candles)-(spikeWindow+1):]
	}
	d.spiked = d.isSpikeLocked()
}

// Evaluate implements SpikeDetector: a live spike forces entry onto the
// opposite side rather than blocking it outright, and is consumed once.
func (d *StdDevSpikeDetector) Evaluate(signal types.SignalDirection) (bool, types.SignalDirection, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.spiked {
		return true, signal, ""
	}
	d.spiked = false
	return true, reverseSignal(signal), "spike detected, forced reversal"
}

func (d *StdDevSpikeDetector) isSpikeLocked() bool {
	if len(d.candles) < 2 {
		return false
	}

	window := d.candles[:len(d.candles)-1]
	sumRange := decimal.Zero
	for _, c := range window {
		sumRange = sumRange.Add(c.High.Sub(c.Low))
	}
	avgRange := sumRange.Div(decimal.NewFromInt(int64(len(window))))
	if avgRange.IsZero() {
		return false
	}

	last := d.candles[len(d.candles)-1]
	lastRange := last.High.Sub(last.Low)
	return lastRange.GreaterThan(avgRange.Mul(d.Multiplier))
}

func reverseSignal(s types.SignalDirection) types.SignalDirection {
	switch s {
	case types.SignalLong:
		return types.SignalShort
	case types.SignalShort:
		return types.SignalLong
	default:
		return s
	}
}
