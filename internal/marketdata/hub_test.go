package marketdata

import (
	"testing"

	"github.com/rs/zerolog"

	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/internal/exchange"
)

func newTestHub() *Hub {
	feed := exchange.NewPublicFeed("ws://unused.invalid", zerolog.Nop())
	return New(feed, eventbus.New(zerolog.Nop()), zerolog.Nop())
}

func TestSubscribeTracksMultipleInterestedUsers(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	h.Subscribe(1, "BTCUSDT", []string{"1m"})
	h.Subscribe(2, "BTCUSDT", []string{"1m"})

	users := h.interestedUsers("BTCUSDT")
	if len(users) != 2 {
		t.Fatalf("interestedUsers = %v, want 2 users", users)
	}
}

func TestUnsubscribeRemovesOnlyThatUser(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	h.Subscribe(1, "BTCUSDT", []string{"1m"})
	h.Subscribe(2, "BTCUSDT", []string{"1m"})
	h.Unsubscribe(1, "BTCUSDT")

	users := h.interestedUsers("BTCUSDT")
	if len(users) != 1 || users[0] != 2 {
		t.Fatalf("interestedUsers = %v, want only user 2", users)
	}
}

func TestUnsubscribeLastUserDropsSymbolEntirely(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	h.Subscribe(1, "BTCUSDT", []string{"1m"})
	h.Unsubscribe(1, "BTCUSDT")

	h.mu.RLock()
	_, stillTracked := h.usersBySymbol["BTCUSDT"]
	_, intervalsStillTracked := h.intervals["BTCUSDT"]
	h.mu.RUnlock()

	if stillTracked {
		t.Error("expected the symbol to be removed from usersBySymbol once the last user unsubscribes")
	}
	if intervalsStillTracked {
		t.Error("expected the interval record to be removed once the last user unsubscribes")
	}
}

func TestUnsubscribeUnknownSymbolIsNoOp(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	h.Unsubscribe(1, "ETHUSDT") // never subscribed; must not panic
	if len(h.interestedUsers("ETHUSDT")) != 0 {
		t.Error("expected no interested users for a symbol never subscribed to")
	}
}
