// Package session implements SessionSupervisor, §4.8: the per-user lifecycle
// owner that spawns/stops StrategyInstances in response to bus events. Its
// shape is grounded on the teacher Engine's reconcileMarkets — start/stop a
// goroutine-backed unit per key, tracked in a map under a mutex — applied
// here per (user, symbol, account) slot instead of per market.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"bybit-scalper-engine/internal/config"
	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/internal/strategy"
	"bybit-scalper-engine/pkg/types"
)

// UserConfig is the minimal per-user configuration SessionSupervisor needs:
// which symbols to trade, which account priorities have credentials, and
// the strategy parameter overrides layered onto the engine defaults.
type UserConfig struct {
	UserID           int64
	Watchlist        []string
	AccountPriorities []int
	StrategyType     string
	Strategy         strategy.Config
	Critical         bool // whether the last settings change touched risk/global config
}

// ConfigProvider resolves the current UserConfig for a user.
type ConfigProvider interface {
	GetUserConfig(ctx context.Context, userID int64) (UserConfig, error)
}

// InstanceFactory creates a strategy.Instance for a (user, symbol, account).
type InstanceFactory func(userID int64, symbol string, accountPriority int, strategyType string, cfg strategy.Config) *strategy.Instance

type slotKey struct {
	userID          int64
	symbol          string
	accountPriority int
}

type session struct {
	autotradeEnabled bool
	slots            map[slotKey]*runningInstance
}

type runningInstance struct {
	instance *strategy.Instance
	cancel   context.CancelFunc
}

// Supervisor owns per-user sessions, §4.8.
type Supervisor struct {
	bus      *eventbus.Bus
	cfg      config.RiskConfig
	configs  ConfigProvider
	newInstance InstanceFactory
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

// New creates a Supervisor bound to the event bus and a config provider.
func New(bus *eventbus.Bus, configs ConfigProvider, newInstance InstanceFactory, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		bus:         bus,
		configs:     configs,
		newInstance: newInstance,
		logger:      logger.With().Str("component", "session_supervisor").Logger(),
		sessions:    make(map[int64]*session),
	}
}

// Run subscribes to the session-lifecycle event family until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	unsubStart := s.bus.Subscribe(ctx, types.UserSessionStartRequested{}, func(event interface{}) {
		e := event.(types.UserSessionStartRequested)
		s.start(ctx, e.UserID)
	})
	unsubStop := s.bus.Subscribe(ctx, types.UserSessionStopRequested{}, func(event interface{}) {
		e := event.(types.UserSessionStopRequested)
		s.stop(e.UserID, e.Reason, e.ClosePositionsOnStop)
	})
	unsubSettings := s.bus.Subscribe(ctx, types.UserSettingsChanged{}, func(event interface{}) {
		e := event.(types.UserSettingsChanged)
		s.onSettingsChanged(ctx, e)
	})
	unsubRisk := s.bus.Subscribe(ctx, types.RiskLimitExceeded{}, func(event interface{}) {
		e := event.(types.RiskLimitExceeded)
		s.logger.Warn().Int64("user_id", e.UserID).Str("limit_type", e.LimitType).Msg("risk limit exceeded, stopping session immediately")
		s.stop(e.UserID, "risk_limit:"+e.LimitType, false)
	})

	<-ctx.Done()
	unsubStart()
	unsubStop()
	unsubSettings()
	unsubRisk()
}

// start creates a session if absent and spawns a StrategyInstance per
// (symbol, account_priority) the user has configured, §4.8.
func (s *Supervisor) start(ctx context.Context, userID int64) {
	cfg, err := s.configs.GetUserConfig(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to load user config, session not started")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		sess = &session{slots: make(map[slotKey]*runningInstance)}
		s.sessions[userID] = sess
	}
	sess.autotradeEnabled = true

	for _, symbol := range cfg.Watchlist {
		for _, priority := range cfg.AccountPriorities {
			key := slotKey{userID, symbol, priority}
			if _, exists := sess.slots[key]; exists {
				continue
			}
			s.spawnSlot(ctx, sess, key, cfg)
		}
	}
}

func (s *Supervisor) spawnSlot(ctx context.Context, sess *session, key slotKey, cfg UserConfig) {
	instance := s.newInstance(key.userID, key.symbol, key.accountPriority, cfg.StrategyType, cfg.Strategy)
	runCtx, cancel := context.WithCancel(ctx)
	sess.slots[key] = &runningInstance{instance: instance, cancel: cancel}
	go instance.Run(runCtx)
}

// stop marks a session disabled and stops each of its strategies — either
// immediately, or deferred until the current position closes, §4.8/§12.
func (s *Supervisor) stop(userID int64, reason string, closePositionsOnStop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return
	}
	sess.autotradeEnabled = false

	for key, running := range sess.slots {
		if closePositionsOnStop && running.instance.HasActivePosition() {
			go running.instance.RequestClose(context.Background())
		}
		running.instance.MarkDeferredStop()
		if !running.instance.HasActivePosition() {
			running.cancel()
			delete(sess.slots, key)
		}
	}
	s.logger.Info().Int64("user_id", userID).Str("reason", reason).Msg("session stop requested")
}

// onSettingsChanged restarts the session for critical settings changes
// (risk, global config); otherwise it republishes UserSettingsChanged for
// running instances to pick up non-disruptively, §4.8.
func (s *Supervisor) onSettingsChanged(ctx context.Context, e types.UserSettingsChanged) {
	cfg, err := s.configs.GetUserConfig(ctx, e.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", e.UserID).Msg("failed to reload user config on settings change")
		return
	}

	if cfg.Critical {
		s.logger.Info().Int64("user_id", e.UserID).Msg("critical settings change, restarting session")
		s.stop(e.UserID, "settings_restart", false)
		s.start(ctx, e.UserID)
		return
	}

	s.bus.Publish(e)
}
