package engine

import (
	"context"
	"fmt"

	"bybit-scalper-engine/internal/config"
	"bybit-scalper-engine/internal/session"
	"bybit-scalper-engine/internal/strategy"
)

// staticConfigProvider resolves session.UserConfig directly from the
// boot-time config file. The production equivalent reloads from a database
// whenever a user changes settings through the bot's onboarding flow; that
// surface is out of scope, so every reload here just re-reads the same
// static entry, and Critical is always false — nothing in this deployment
// mutates config at runtime, §6.4/§12.
type staticConfigProvider struct {
	byUser map[int64]config.UserConfig
	base   strategy.Config
}

func newStaticConfigProvider(cfg config.Config) *staticConfigProvider {
	byUser := make(map[int64]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		byUser[u.UserID] = u
	}
	return &staticConfigProvider{byUser: byUser, base: strategyConfigFromDefaults(cfg.Strategy)}
}

func (p *staticConfigProvider) GetUserConfig(_ context.Context, userID int64) (session.UserConfig, error) {
	u, ok := p.byUser[userID]
	if !ok {
		return session.UserConfig{}, fmt.Errorf("no configuration for user %d", userID)
	}

	priorities := make([]int, 0, len(u.Accounts))
	for _, acc := range u.Accounts {
		priorities = append(priorities, acc.AccountPriority)
	}

	return session.UserConfig{
		UserID:            u.UserID,
		Watchlist:         u.Watchlist,
		AccountPriorities: priorities,
		StrategyType:      u.StrategyType,
		Strategy:          p.base,
		Critical:          false,
	}, nil
}
