// Package instrument caches per-symbol trading metadata (tick size, qty
// step, min order qty) so every hot-path rounding decision avoids a network
// round trip, §4.2. The refresh shape mirrors the teacher's market Scanner:
// one background poll loop feeding a protected snapshot, but here callers
// block on first fill instead of reading from a results channel — instrument
// metadata is looked up synchronously from order-submission code paths.
package instrument

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-scalper-engine/pkg/types"
)

// TTL is how long a cached instrument is considered fresh before a refresh
// is triggered, §4.2.
const TTL = 300 * time.Second

// Fetcher is the subset of the exchange client the cache depends on.
type Fetcher interface {
	GetInstruments(ctx context.Context) (map[string]types.Instrument, error)
}

// Cache holds instrument metadata for every symbol the engine has seen,
// refreshing the whole set at once (the exchange's paginated
// instruments-info endpoint returns everything in one sweep).
type Cache struct {
	fetcher Fetcher
	logger  zerolog.Logger

	mu          sync.Mutex
	byInstr     map[string]types.Instrument
	lastRefresh time.Time
	inflight    chan struct{} // non-nil while a refresh is in progress
}

// New creates an empty Cache. Call Refresh once at startup before serving
// Get calls.
func New(fetcher Fetcher, logger zerolog.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "instrument_cache").Logger(),
		byInstr: make(map[string]types.Instrument),
	}
}

// Get returns instrument metadata for symbol, refreshing the cache first if
// it is stale or the symbol is unknown. Double-checked locking coalesces
// concurrent refreshes into one fetch, §4.2.
func (c *Cache) Get(ctx context.Context, symbol string) (types.Instrument, error) {
	c.mu.Lock()
	inst, ok := c.byInstr[symbol]
	fresh := ok && time.Since(c.lastRefresh) < TTL
	c.mu.Unlock()

	if fresh {
		return inst, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("refresh failed, serving stale instrument")
			return inst, nil
		}
		return types.Instrument{}, fmt.Errorf("refresh instruments: %w", err)
	}

	c.mu.Lock()
	inst, ok = c.byInstr[symbol]
	c.mu.Unlock()
	if !ok {
		return types.Instrument{}, fmt.Errorf("unknown symbol: %s", symbol)
	}
	return inst, nil
}

// Refresh forces a fetch regardless of staleness. Exported for boot-time
// warmup and periodic background refresh.
func (c *Cache) Refresh(ctx context.Context) error {
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight != nil {
		wait := c.inflight
		c.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(done)
	}()

	instruments, err := c.fetcher.GetInstruments(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.byInstr = instruments
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	c.logger.Info().Int("count", len(instruments)).Msg("instrument cache refreshed")
	return nil
}

// RunPeriodic refreshes the cache every TTL until ctx is cancelled. Intended
// to run as a background goroutine alongside the engine's other feeds.
func (c *Cache) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(TTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("periodic instrument refresh failed")
			}
		}
	}
}
