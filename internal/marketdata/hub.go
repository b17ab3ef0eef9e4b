// Package marketdata owns the shared public WebSocket feed and fans
// confirmed ticks/candles out onto the event bus, scoped per interested
// user, §4.4. One underlying connection serves every symbol regardless of
// how many users trade it — the same many-subscribers-one-feed shape as the
// teacher's single orderbook-per-market feed, generalized from "one feed per
// market" to "one feed, many symbols".
package marketdata

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/internal/exchange"
	"bybit-scalper-engine/pkg/types"
)

// Hub tracks which users are interested in which symbols and republishes
// PublicFeed events as user-scoped PriceUpdate/NewCandle events.
type Hub struct {
	feed   *exchange.PublicFeed
	bus    *eventbus.Bus
	logger zerolog.Logger

	mu            sync.RWMutex
	usersBySymbol map[string]map[int64]struct{}
	intervals     map[string][]string
}

// New creates a Hub bound to a running PublicFeed and Bus.
func New(feed *exchange.PublicFeed, bus *eventbus.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		feed:          feed,
		bus:           bus,
		logger:        logger.With().Str("component", "marketdata_hub").Logger(),
		usersBySymbol: make(map[string]map[int64]struct{}),
		intervals:     make(map[string][]string),
	}
}

// Subscribe registers userID's interest in symbol on the given candle
// intervals (e.g. "1m", "5m") and ensures the underlying feed is subscribed.
func (h *Hub) Subscribe(userID int64, symbol string, intervals []string) {
	h.mu.Lock()
	users, ok := h.usersBySymbol[symbol]
	if !ok {
		users = make(map[int64]struct{})
		h.usersBySymbol[symbol] = users
	}
	users[userID] = struct{}{}
	h.intervals[symbol] = intervals
	h.mu.Unlock()

	h.feed.Subscribe(symbol, intervals)
}

// Unsubscribe removes userID's interest in symbol. Once the last interested
// user is gone, the underlying feed subscription is dropped too, §4.4.
func (h *Hub) Unsubscribe(userID int64, symbol string) {
	h.mu.Lock()
	users, ok := h.usersBySymbol[symbol]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(users, userID)
	var drop bool
	var intervals []string
	if len(users) == 0 {
		delete(h.usersBySymbol, symbol)
		intervals = h.intervals[symbol]
		delete(h.intervals, symbol)
		drop = true
	}
	h.mu.Unlock()

	if drop {
		h.feed.Unsubscribe(symbol, intervals)
	}
}

func (h *Hub) interestedUsers(symbol string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := h.usersBySymbol[symbol]
	out := make([]int64, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

// Run drains the underlying feed's trade/kline channels and republishes them
// onto the bus, once per interested user, until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case trade, ok := <-h.feed.Trades:
			if !ok {
				return
			}
			for _, userID := range h.interestedUsers(trade.Symbol) {
				h.bus.Publish(types.PriceUpdate{
					UserID: userID,
					Symbol: trade.Symbol,
					Price:  trade.Price,
					Time:   trade.Time,
				})
			}

		case kline, ok := <-h.feed.Klines:
			if !ok {
				return
			}
			for _, userID := range h.interestedUsers(kline.Symbol) {
				h.bus.Publish(types.NewCandle{
					UserID:   userID,
					Symbol:   kline.Symbol,
					Interval: kline.Interval,
					Candle:   kline.Kline,
				})
			}
		}
	}
}
