package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/config"
	"bybit-scalper-engine/internal/eventbus"
)

func newTestManager(cfg config.RiskConfig) *Manager {
	return NewManager(cfg, eventbus.New(zerolog.Nop()), zerolog.Nop())
}

func TestProcessTriggersOnMaxConcurrentPositions(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxConcurrentPositions: 2, MaxDailyLossUSDT: 1000})

	m.process(PositionReport{UserID: 1, OpenPositions: 3, Timestamp: time.Now()})

	m.mu.Lock()
	u := m.users[1]
	m.mu.Unlock()
	if u == nil || !u.killSwitchActive {
		t.Fatal("expected the kill switch to activate on exceeding max concurrent positions")
	}
}

func TestProcessTriggersOnMaxDailyLoss(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxConcurrentPositions: 10, MaxDailyLossUSDT: 100})

	m.process(PositionReport{UserID: 1, OpenPositions: 1, RealizedPnL: decimal.NewFromFloat(-150), Timestamp: time.Now()})

	m.mu.Lock()
	u := m.users[1]
	m.mu.Unlock()
	if u == nil || !u.killSwitchActive {
		t.Fatal("expected the kill switch to activate on exceeding max daily loss")
	}
}

func TestProcessDoesNotReTriggerWhileKillSwitchActive(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxConcurrentPositions: 1, MaxDailyLossUSDT: 1000})

	m.process(PositionReport{UserID: 1, OpenPositions: 2, Timestamp: time.Now()})
	m.mu.Lock()
	firstKillUntil := m.users[1].killSwitchUntil
	m.mu.Unlock()

	m.process(PositionReport{UserID: 1, OpenPositions: 5, Timestamp: time.Now()})
	m.mu.Lock()
	secondKillUntil := m.users[1].killSwitchUntil
	m.mu.Unlock()

	if !firstKillUntil.Equal(secondKillUntil) {
		t.Error("expected the kill-switch cooldown to not be extended by a report while already active")
	}
}

func TestProcessResetsDailyPnLOnNewDay(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxConcurrentPositions: 10, MaxDailyLossUSDT: 100})

	yesterday := time.Now().AddDate(0, 0, -1)
	m.process(PositionReport{UserID: 1, OpenPositions: 1, RealizedPnL: decimal.NewFromFloat(-50), Timestamp: yesterday})

	today := time.Now()
	m.process(PositionReport{UserID: 1, OpenPositions: 1, RealizedPnL: decimal.NewFromFloat(-60), Timestamp: today})

	m.mu.Lock()
	u := m.users[1]
	m.mu.Unlock()

	// -60 alone should not exceed the 100 limit; if yesterday's -50 had
	// carried over, the combined -110 would have triggered the kill switch.
	if u.killSwitchActive {
		t.Error("expected daily PnL to reset across the day boundary, not accumulate")
	}
}

func TestClearExpiredKillSwitches(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxConcurrentPositions: 10, MaxDailyLossUSDT: 100, CooldownAfterKill: time.Millisecond})

	m.process(PositionReport{UserID: 1, OpenPositions: 1, RealizedPnL: decimal.NewFromFloat(-150), Timestamp: time.Now()})
	time.Sleep(5 * time.Millisecond)
	m.clearExpiredKillSwitches()

	m.mu.Lock()
	active := m.users[1].killSwitchActive
	m.mu.Unlock()
	if active {
		t.Error("expected the kill switch to clear once its cooldown has elapsed")
	}
}

func TestReportDropsWhenChannelFull(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxConcurrentPositions: 10, MaxDailyLossUSDT: 1000})

	for i := 0; i < cap(m.reportCh)+10; i++ {
		m.Report(PositionReport{UserID: 1})
	}
	// Must not block or panic; the channel buffer caps at its capacity.
	if len(m.reportCh) != cap(m.reportCh) {
		t.Errorf("reportCh len = %d, want full at cap %d", len(m.reportCh), cap(m.reportCh))
	}
}
