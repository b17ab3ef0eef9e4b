// Package engine wires every collaborator package into a running system,
// §4/§13. Its shape is grounded on the teacher's Engine: a single struct
// holding every long-lived component, a New() that constructs and connects
// them, and a Start()/Stop() lifecycle the entry point drives — generalized
// here from one market-maker-per-market to one StrategyInstance per
// (user, symbol, account_priority) slot, fed by per-account exchange clients
// and feeds instead of a single shared Polymarket connection.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/accountfeed"
	"bybit-scalper-engine/internal/analysis"
	"bybit-scalper-engine/internal/config"
	"bybit-scalper-engine/internal/creds"
	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/internal/exchange"
	"bybit-scalper-engine/internal/instrument"
	"bybit-scalper-engine/internal/marketdata"
	"bybit-scalper-engine/internal/notify"
	"bybit-scalper-engine/internal/recovery"
	"bybit-scalper-engine/internal/risk"
	"bybit-scalper-engine/internal/session"
	"bybit-scalper-engine/internal/snapshot"
	"bybit-scalper-engine/internal/store"
	"bybit-scalper-engine/internal/strategy"
	"bybit-scalper-engine/pkg/types"
)

const exchangeName = "bybit"

type clientKey struct {
	userID          int64
	accountPriority int
}

// Engine owns every long-lived component of the trading system.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger

	bus         *eventbus.Bus
	store       *store.Store
	instruments *instrument.Cache

	publicFeed *exchange.PublicFeed
	marketHub  *marketdata.Hub

	riskMgr    *risk.Manager
	supervisor *session.Supervisor
	recovery   *recovery.Coordinator

	clients      map[clientKey]*exchange.Client
	privateFeeds []*exchange.PrivateFeed
	accountFeeds []*accountfeed.Feed

	cancel context.CancelFunc
}

// New constructs an Engine and every collaborator it needs, but starts
// nothing — call Start to begin running.
func New(cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	if len(cfg.Users) == 0 {
		return nil, fmt.Errorf("no users configured")
	}

	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New(logger)
	credsProvider := creds.NewInMemory()
	clients := make(map[clientKey]*exchange.Client)
	var privateFeeds []*exchange.PrivateFeed
	var accountFeeds []*accountfeed.Feed

	for _, u := range cfg.Users {
		for _, acc := range u.Accounts {
			c := exchange.Credentials{APIKey: acc.APIKey, APISecret: acc.APISecret}
			credsProvider.Set(u.UserID, exchangeName, acc.AccountPriority, c)

			auth := exchange.NewAuth(c)
			clients[clientKey{u.UserID, acc.AccountPriority}] = exchange.NewClient(cfg.RESTBaseURL(), auth, u.UserID, acc.AccountPriority, logger)

			pf := exchange.NewPrivateFeed(cfg.WSPrivateURL(), auth, u.UserID, acc.AccountPriority, logger)
			privateFeeds = append(privateFeeds, pf)
			client := clients[clientKey{u.UserID, acc.AccountPriority}]
			accountFeeds = append(accountFeeds, accountfeed.New(pf, st, client, bus, u.UserID, acc.AccountPriority, logger))
		}
	}

	// instruments-info is account-agnostic; any one signed client can serve
	// as the cache's fetcher.
	var bootstrap *exchange.Client
	for _, c := range clients {
		bootstrap = c
		break
	}
	instruments := instrument.New(bootstrap, logger)

	publicFeed := exchange.NewPublicFeed(cfg.API.WSPublicURL, logger)
	marketHub := marketdata.New(publicFeed, bus, logger)

	notifier := notify.NewLogNotifier(logger)
	snapshots := snapshot.NewInMemory()
	analyzer := analysis.NewMACrossover(cfg.Strategy.AnalysisFastPeriod, cfg.Strategy.AnalysisSlowPeriod)
	riskMgr := risk.NewManager(cfg.Risk, bus, logger)

	newInstance := func(userID int64, symbol string, accountPriority int, strategyType string, scfg strategy.Config) *strategy.Instance {
		client, ok := clients[clientKey{userID, accountPriority}]
		if !ok {
			logger.Error().Int64("user_id", userID).Int("account", accountPriority).Msg("no exchange client configured for slot")
		}
		deps := strategy.Deps{
			Exchange:    &exchangeAdapter{client: client},
			Instruments: instruments,
			Store:       st,
			Bus:         bus,
			Snapshots:   snapshots,
			Notifier:    notifier,
			Analyzer:    analyzer,
			// Each slot gets its own spike detector instance: the candle
			// buffer it accumulates is per-symbol state, not shareable
			// across slots the way the stateless analyzer is.
			Spike: analysis.NewStdDevSpikeDetector(decimal.NewFromFloat(cfg.Strategy.SpikeMultiplier)),
		}
		return strategy.New(deps, userID, symbol, accountPriority, strategyType, scfg, logger)
	}

	configs := newStaticConfigProvider(cfg)
	supervisor := session.New(bus, configs, session.InstanceFactory(newInstance), logger)
	recoveryCoordinator := recovery.New(snapshots, st, notifier, func(slot recovery.Slot) *strategy.Instance {
		return newInstance(slot.UserID, slot.Symbol, slot.AccountPriority, slot.StrategyType, slot.Config)
	}, logger)

	return &Engine{
		cfg:          cfg,
		logger:       logger.With().Str("component", "engine").Logger(),
		bus:          bus,
		store:        st,
		instruments:  instruments,
		publicFeed:   publicFeed,
		marketHub:    marketHub,
		riskMgr:      riskMgr,
		supervisor:   supervisor,
		recovery:     recoveryCoordinator,
		clients:      clients,
		privateFeeds: privateFeeds,
		accountFeeds: accountFeeds,
	}, nil
}

// Start brings up every background component, runs the boot-time recovery
// pass, then requests a session for every configured user, §4.9.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.instruments.Refresh(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("initial instrument refresh failed, continuing with a cold cache")
	}
	go e.instruments.RunPeriodic(ctx)

	go e.publicFeed.Run(ctx)
	go e.marketHub.Run(ctx)

	for _, pf := range e.privateFeeds {
		go pf.Run(ctx)
	}
	for _, af := range e.accountFeeds {
		go af.Run(ctx)
	}

	go e.riskMgr.Run(ctx)
	go e.supervisor.Run(ctx)
	go e.runRiskSweep(ctx)

	e.recovery.Run(ctx, e.recoveryCandidates())

	for _, u := range e.cfg.Users {
		for _, symbol := range u.Watchlist {
			e.marketHub.Subscribe(u.UserID, symbol, []string{e.cfg.Strategy.AnalysisInterval, "1m"})
		}
		e.bus.Publish(types.UserSessionStartRequested{UserID: u.UserID})
	}

	e.logger.Info().Int("users", len(e.cfg.Users)).Int("accounts", len(e.clients)).Msg("engine started")
	return nil
}

// Stop cancels every background component and closes the store.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("error closing store")
	}
}

// riskSweepInterval paces the periodic per-user risk report — a store
// query per configured user is cheap enough to run this often without
// becoming a load concern, but frequent enough that a breached limit is
// caught within a single trading decision's latency budget, §4.8.
const riskSweepInterval = 5 * time.Second

// runRiskSweep periodically recomputes each configured user's open-position
// count and today's realized PnL from the store and reports them to
// risk.Manager, which owns the kill-switch decision, §4.8. This replaces
// the original design's per-fill Report() call with a poll: the
// StrategyInstance boundary has no reference to risk.Manager (§9 "no
// cycles between components"), and a 5s-stale view of daily loss is an
// acceptable tradeoff for keeping that boundary clean.
func (e *Engine) runRiskSweep(ctx context.Context) {
	ticker := time.NewTicker(riskSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepRiskOnce(ctx)
		}
	}
}

func (e *Engine) sweepRiskOnce(ctx context.Context) {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, u := range e.cfg.Users {
		openCount, err := e.store.CountOpenTrades(ctx, u.UserID)
		if err != nil {
			e.logger.Warn().Err(err).Int64("user_id", u.UserID).Msg("risk sweep: open trade count failed")
			continue
		}
		realized, err := e.store.SumRealizedPnLSince(ctx, u.UserID, startOfDay)
		if err != nil {
			e.logger.Warn().Err(err).Int64("user_id", u.UserID).Msg("risk sweep: realized pnl sum failed")
			continue
		}
		e.riskMgr.Report(risk.PositionReport{
			UserID:        u.UserID,
			OpenPositions: openCount,
			RealizedPnL:   realized,
			Timestamp:     now,
		})
	}
}

func (e *Engine) recoveryCandidates() []recovery.Slot {
	base := strategyConfigFromDefaults(e.cfg.Strategy)
	var slots []recovery.Slot
	for _, u := range e.cfg.Users {
		for _, symbol := range u.Watchlist {
			for _, acc := range u.Accounts {
				slots = append(slots, recovery.Slot{
					UserID:          u.UserID,
					Symbol:          symbol,
					AccountPriority: acc.AccountPriority,
					StrategyType:    u.StrategyType,
					Config:          base,
				})
			}
		}
	}
	return slots
}

func strategyConfigFromDefaults(d config.StrategyDefaults) strategy.Config {
	return strategy.Config{
		OrderAmount:               decimal.NewFromFloat(d.OrderAmount),
		Leverage:                  d.Leverage,
		AveragingTriggerPct:       decimal.NewFromFloat(d.AveragingTriggerPct),
		AveragingMultiplier:       decimal.NewFromFloat(d.AveragingMultiplier),
		AveragingStopLossPct:      decimal.NewFromFloat(d.AveragingStopLossPct),
		MaxAveragingCount:         d.MaxAveragingCount,
		EnableStopLoss:            d.EnableStopLoss,
		EnableAveraging:           d.EnableAveraging,
		EnableStagnationDetector:  d.EnableStagnationDetector,
		StagnationRangeMinPct:     decimal.NewFromFloat(d.StagnationRangeMinPct),
		StagnationRangeMaxPct:     decimal.NewFromFloat(d.StagnationRangeMaxPct),
		StagnationObservationSecs: d.StagnationObservationSecs,
		StagnationMultiplier:      decimal.NewFromFloat(d.StagnationMultiplier),
		AnalysisInterval:          d.AnalysisInterval,
	}
}
