// Package recovery implements RecoveryCoordinator, §4.9: the once-at-startup
// reconciliation pass that rehydrates every previously active strategy slot
// from its snapshot and/or the exchange's own state before normal operation
// resumes.
package recovery

import (
	"context"

	"github.com/rs/zerolog"

	"bybit-scalper-engine/internal/notify"
	"bybit-scalper-engine/internal/snapshot"
	"bybit-scalper-engine/internal/store"
	"bybit-scalper-engine/internal/strategy"
)

// Slot identifies one (user, symbol, account_priority) the coordinator must
// consider.
type Slot struct {
	UserID          int64
	Symbol          string
	AccountPriority int
	StrategyType    string
	Config          strategy.Config
}

// InstanceFactory creates and starts a strategy.Instance for a slot. Mirrors
// session.InstanceFactory's shape without importing session, keeping
// recovery and session as siblings under engine wiring rather than letting
// one depend on the other.
type InstanceFactory func(slot Slot) *strategy.Instance

// Coordinator runs the boot-time reconciliation pass, §4.9.
type Coordinator struct {
	snapshots snapshot.Store
	store     *store.Store
	notifier  notify.Notifier
	newInstance InstanceFactory
	logger    zerolog.Logger
}

// New creates a Coordinator.
func New(snapshots snapshot.Store, st *store.Store, notifier notify.Notifier, newInstance InstanceFactory, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		snapshots:   snapshots,
		store:       st,
		notifier:    notifier,
		newInstance: newInstance,
		logger:      logger.With().Str("component", "recovery_coordinator").Logger(),
	}
}

// Run executes the reconciliation pass over every candidate slot. Idempotent:
// running it twice produces the same resting state, since each branch either
// restores deterministically from the snapshot/store or starts a fresh
// signal-watching instance, §4.9.
func (c *Coordinator) Run(ctx context.Context, candidates []Slot) {
	recovered, fresh := 0, 0

	for _, slot := range candidates {
		data, found, err := c.snapshots.Load(ctx, slot.UserID, slot.Symbol, slot.AccountPriority)
		if err != nil {
			c.logger.Warn().Err(err).Int64("user_id", slot.UserID).Str("symbol", slot.Symbol).Msg("snapshot load failed, starting fresh")
		}

		if found {
			instance := c.newInstance(slot)
			instance.SetRecoveryMode(true)
			if err := instance.RestoreSnapshot(data); err != nil {
				c.logger.Warn().Err(err).Msg("snapshot restore failed, starting fresh instead")
				instance = c.newInstance(slot)
				instance.SetRecoveryMode(false)
			} else {
				recovered++
				instance.ReconcileWithExchange(ctx)
			}
			go instance.Run(ctx)
			continue
		}

		hasOpenTrade, err := c.store.HasUnclosedPosition(ctx, slot.UserID, slot.Symbol, slot.AccountPriority)
		if err == nil && hasOpenTrade {
			instance := c.newInstance(slot)
			instance.SetRecoveryMode(true)
			instance.SyncFromExchange(ctx)
			go instance.Run(ctx)
			recovered++
			continue
		}

		instance := c.newInstance(slot)
		go instance.Run(ctx)
		fresh++
	}

	c.logger.Info().Int("recovered", recovered).Int("fresh", fresh).Msg("recovery pass complete")

	notified := make(map[int64]struct{})
	for _, slot := range candidates {
		if _, done := notified[slot.UserID]; done {
			continue
		}
		notified[slot.UserID] = struct{}{}
		c.notifier.SendMessage(ctx, slot.UserID, "engine restarted, strategies reconciled", "")
	}
}
