// Package risk enforces per-user hard limits and publishes RiskLimitExceeded
// events for SessionSupervisor to act on. The report-channel-plus-periodic-
// sweep shape is kept from the teacher's portfolio-level Manager; what
// changed is the unit of account (per-user daily loss and concurrent
// position count, not per-market USD exposure and price-movement kill
// switches — there's no order book here to move rapidly).
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/config"
	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/pkg/types"
)

// PositionReport is sent by a StrategyInstance (or the engine, on its
// behalf) whenever a position opens, closes, or its unrealized PnL changes
// materially.
type PositionReport struct {
	UserID        int64
	Symbol        string
	OpenPositions int
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Timestamp     time.Time
}

// userState is the latest known risk-relevant state for one user.
type userState struct {
	openPositions    int
	dailyPnL         decimal.Decimal
	dailyPnLResetAt  time.Time
	killSwitchActive bool
	killSwitchUntil  time.Time
}

// Manager enforces per-user risk limits, §4.8.
type Manager struct {
	cfg    config.RiskConfig
	bus    *eventbus.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	users map[int64]*userState

	reportCh chan PositionReport
}

// NewManager creates a risk manager bound to a bus for publishing
// RiskLimitExceeded events.
func NewManager(cfg config.RiskConfig, bus *eventbus.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With().Str("component", "risk_manager").Logger(),
		users:    make(map[int64]*userState),
		reportCh: make(chan PositionReport, 256),
	}
}

// Report submits a position state update for risk evaluation. Never blocks
// the caller beyond a full channel (dropped with a log line), matching the
// teacher's fire-and-forget reporting channel.
func (m *Manager) Report(r PositionReport) {
	select {
	case m.reportCh <- r:
	default:
		m.logger.Warn().Int64("user_id", r.UserID).Msg("risk report channel full, dropped")
	}
}

// Run processes reports and periodically clears expired kill-switch
// cooldowns until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.reportCh:
			m.process(r)
		case <-ticker.C:
			m.clearExpiredKillSwitches()
		}
	}
}

func (m *Manager) process(r PositionReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[r.UserID]
	if !ok {
		u = &userState{dailyPnLResetAt: startOfDay(r.Timestamp)}
		m.users[r.UserID] = u
	}
	if startOfDay(r.Timestamp).After(u.dailyPnLResetAt) {
		u.dailyPnL = decimal.Zero
		u.dailyPnLResetAt = startOfDay(r.Timestamp)
	}

	u.openPositions = r.OpenPositions
	u.dailyPnL = r.RealizedPnL.Add(r.UnrealizedPnL)

	if u.killSwitchActive {
		return
	}

	if u.openPositions > m.cfg.MaxConcurrentPositions {
		m.trigger(r.UserID, u, "max_concurrent_positions", decimal.NewFromInt(int64(u.openPositions)), decimal.NewFromInt(int64(m.cfg.MaxConcurrentPositions)))
		return
	}

	maxLoss := decimal.NewFromFloat(m.cfg.MaxDailyLossUSDT)
	if u.dailyPnL.Neg().GreaterThan(maxLoss) {
		m.trigger(r.UserID, u, "max_daily_loss_usdt", u.dailyPnL.Neg(), maxLoss)
	}
}

func (m *Manager) trigger(userID int64, u *userState, limitType string, current, limit decimal.Decimal) {
	u.killSwitchActive = true
	u.killSwitchUntil = time.Now().Add(m.cfg.CooldownAfterKill)

	m.logger.Warn().Int64("user_id", userID).Str("limit_type", limitType).Msg("risk limit exceeded, requesting session stop")
	m.bus.Publish(types.RiskLimitExceeded{
		UserID:    userID,
		LimitType: limitType,
		Current:   current,
		Limit:     limit,
		Action:    "stop_session",
	})
}

func (m *Manager) clearExpiredKillSwitches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, u := range m.users {
		if u.killSwitchActive && now.After(u.killSwitchUntil) {
			u.killSwitchActive = false
		}
	}
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
