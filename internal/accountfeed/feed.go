// Package accountfeed owns one authenticated WebSocket connection per
// (user, account) and republishes its order/position events onto the
// shared event bus after filtering for ownership against the OrderStore,
// §4.5. Unlike the public feed, there is no sharing here: crediting a fill
// to the wrong user is a correctness bug, so each account gets an isolated
// connection and its own reconnect/backoff lifecycle.
package accountfeed

import (
	"context"

	"github.com/rs/zerolog"

	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/internal/exchange"
	"bybit-scalper-engine/internal/store"
	"bybit-scalper-engine/pkg/types"
)

// OrderOwnership is the subset of OrderStore this feed depends on, §4.5/§4.6.
type OrderOwnership interface {
	IsOwnedOrder(ctx context.Context, userID int64, accountPriority int, exchangeOrderID string) (bool, error)
	HasPendingCloseOrder(ctx context.Context, userID int64, symbol string, accountPriority int) (bool, error)
	HasUnclosedPosition(ctx context.Context, userID int64, symbol string, accountPriority int) (bool, error)
	GetActiveOrdersForSync(ctx context.Context, userID int64, accountPriority int) ([]store.Order, error)
	UpdateOrderStatusByExchangeId(ctx context.Context, exchangeOrderID string, status types.OrderStatus) error
}

// OrderStatusChecker is the subset of ExchangeClient the reconnect
// reconciliation routine calls, §4.5.
type OrderStatusChecker interface {
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*types.OrderSnapshot, error)
}

// Feed wraps one exchange.PrivateFeed, filters its events for ownership, and
// republishes them onto the bus.
type Feed struct {
	private  *exchange.PrivateFeed
	store    OrderOwnership
	exchange OrderStatusChecker
	bus      *eventbus.Bus
	logger   zerolog.Logger

	userID          int64
	accountPriority int
}

// New creates an account-scoped Feed. client is the signed REST client for
// this same (user, account) — used only by reconnect reconciliation to poll
// order status, never to drive ordinary fill detection (§4.5).
func New(private *exchange.PrivateFeed, store OrderOwnership, client OrderStatusChecker, bus *eventbus.Bus, userID int64, accountPriority int, logger zerolog.Logger) *Feed {
	f := &Feed{
		private:         private,
		store:           store,
		exchange:        client,
		bus:             bus,
		logger:          logger.With().Str("component", "account_feed").Int64("user_id", userID).Int("account", accountPriority).Logger(),
		userID:          userID,
		accountPriority: accountPriority,
	}
	private.OnConnected = f.reconcileOnConnect
	return f
}

// Run drains the underlying private feed and republishes ownership-checked
// events onto the bus until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case u, ok := <-f.private.Orders:
			if !ok {
				return
			}
			if f.owned(ctx, u.ExchangeOrderID) {
				// Only Cancelled/Rejected transitions reach this channel
				// (handleOrder already dropped Filled/PartiallyFilled),
				// §4.5 — update the store record before republishing.
				if err := f.store.UpdateOrderStatusByExchangeId(ctx, u.ExchangeOrderID, u.Status); err != nil {
					f.logger.Warn().Err(err).Str("order_id", u.ExchangeOrderID).Msg("failed to persist order status transition")
				}
				f.bus.Publish(u)
			}

		case p, ok := <-f.private.Positions:
			if !ok {
				return
			}
			f.bus.Publish(p)

		case c, ok := <-f.private.Closed:
			if !ok {
				return
			}
			f.handlePositionZero(ctx, c)
		}
	}
}

// handlePositionZero implements the three-branch classification of a
// position reaching zero size, §4.5:
//  1. an outstanding engine-authored CLOSE order exists: expected close, no-op.
//  2. an OPEN trade exists with no matching CLOSE: manual close by the user,
//     publish PositionClosed(closed_manually=true).
//  3. otherwise the trade is already closed in store: no-op.
func (f *Feed) handlePositionZero(ctx context.Context, c types.PositionClosed) {
	hasPendingClose, err := f.store.HasPendingCloseOrder(ctx, f.userID, c.Symbol, f.accountPriority)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", c.Symbol).Msg("pending-close lookup failed, dropping zero-size event")
		return
	}
	if hasPendingClose {
		return
	}

	hasOpenTrade, err := f.store.HasUnclosedPosition(ctx, f.userID, c.Symbol, f.accountPriority)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", c.Symbol).Msg("open-trade lookup failed, dropping zero-size event")
		return
	}
	if !hasOpenTrade {
		return
	}

	c.ClosedManually = true
	f.logger.Info().Str("symbol", c.Symbol).Msg("manual close detected on exchange")
	f.bus.Publish(c)
}

// reconcileOnConnect runs the order-sync routine immediately after every
// (re)connect and auth, §4.5: for each owned non-terminal order, poll
// GetOrderStatus and synthesize an OrderFilled event onto the bus if the
// exchange reports it Filled — the strategy's HandleOrderFilled dedupes on
// order id, so a redundant synthesis here is harmless.
func (f *Feed) reconcileOnConnect(ctx context.Context) {
	orders, err := f.store.GetActiveOrdersForSync(ctx, f.userID, f.accountPriority)
	if err != nil {
		f.logger.Warn().Err(err).Msg("order sync lookup failed on reconnect")
		return
	}

	for _, o := range orders {
		snap, err := f.exchange.GetOrderStatus(ctx, o.Symbol, o.ExchangeOrderID)
		if err != nil || snap == nil {
			continue
		}
		if snap.Status != types.StatusFilled && snap.Status != types.StatusPartiallyFilled {
			continue
		}
		f.logger.Info().Str("order_id", o.ExchangeOrderID).Msg("reconnect reconciliation found unconsumed fill")
		f.bus.Publish(types.OrderFilled{
			UserID:          f.userID,
			AccountPriority: f.accountPriority,
			ExchangeOrderID: snap.ExchangeOrderID,
			Symbol:          snap.Symbol,
			Side:            o.Side,
			Qty:             snap.FilledQty,
			Price:           snap.AvgFillPrice,
			Fee:             snap.Commission,
			Time:            snap.UpdatedTime,
		})
	}
}

func (f *Feed) owned(ctx context.Context, exchangeOrderID string) bool {
	owned, err := f.store.IsOwnedOrder(ctx, f.userID, f.accountPriority, exchangeOrderID)
	if err != nil {
		f.logger.Warn().Err(err).Str("order_id", exchangeOrderID).Msg("ownership check failed, event dropped")
		return false
	}
	if !owned {
		f.logger.Warn().Str("order_id", exchangeOrderID).Msg("event for unrecognized order on this account, dropped")
	}
	return owned
}
