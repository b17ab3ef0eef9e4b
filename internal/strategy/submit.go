package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/store"
	"bybit-scalper-engine/pkg/types"
)

// fillPollAttempts and fillPollSpacing implement §5's polling policy for
// market-order fill confirmation: three attempts, 300ms apart.
const fillPollAttempts = 3
const fillPollSpacing = 300 * time.Millisecond

// submitRequest is the input to submitOrder — everything the at-most-once
// protocol needs to create the store row before the exchange is contacted,
// §4.7.3.
type submitRequest struct {
	Side       types.Side
	OrderType  types.OrderType
	Qty        decimal.Decimal
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	ReduceOnly bool
	Purpose    types.OrderPurpose
	Leverage   int
	Metadata   string
}

// submitOrder implements the exactly-once-effect order submission protocol,
// §4.7.3. Called with in.mu held.
func (in *Instance) submitOrder(ctx context.Context, req submitRequest) {
	clientOrderID := in.newClientOrderID()

	record := store.Order{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: "PENDING",
		UserID:          in.UserID,
		Symbol:          in.Symbol,
		AccountPriority: in.AccountPriority,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Purpose:         req.Purpose,
		Qty:             req.Qty,
		Price:           req.Price,
		TradeID:         in.position.ActiveTradeDBID,
		StrategyType:    in.StrategyType,
		Leverage:        req.Leverage,
		ReduceOnly:      req.ReduceOnly,
		Metadata:        req.Metadata,
	}

	if _, err := in.deps.Store.CreateOrderPending(ctx, record); err != nil {
		in.logger.Error().Err(err).Msg("failed to persist pending order, aborting submission")
		return
	}

	exchangeOrderID, err := in.deps.Exchange.PlaceOrder(ctx, PlaceOrderParams{
		Symbol:      in.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Qty:         req.Qty,
		Price:       req.Price,
		StopLoss:    req.StopLoss,
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: clientOrderID,
	})
	if err != nil || exchangeOrderID == "" {
		in.logger.Warn().Err(err).Str("client_order_id", clientOrderID).Msg("order submission failed, deleting pending record")
		if delErr := in.deps.Store.DeleteOrder(ctx, clientOrderID); delErr != nil {
			in.logger.Error().Err(delErr).Msg("failed to delete unconfirmed pending order")
		}
		if req.Purpose == types.PurposeAveraging {
			in.position.AwaitingFill = false
		}
		return
	}

	if err := in.deps.Store.BindExchangeId(ctx, clientOrderID, exchangeOrderID); err != nil {
		in.logger.Error().Err(err).Msg("failed to bind exchange order id")
	}
	if err := in.deps.Store.SetNew(ctx, clientOrderID); err != nil {
		in.logger.Error().Err(err).Msg("failed to mark order new")
	}

	// The strategy does not block waiting for the fill — the
	// pollForFillConfirmation goroutine started below (or AccountFeed's
	// reconnect reconciliation) publishes the OrderFilled event that drives
	// the post-fill transition, §4.7.3.
	go in.pollForFillConfirmation(exchangeOrderID, req.Side)
}

// pollForFillConfirmation defeats the lost-fill race on Market orders that
// may fill before the private stream reports them — up to fillPollAttempts
// direct GetOrderStatus polls spaced fillPollSpacing apart, synthesizing an
// OrderFilled event onto the bus as soon as the exchange reports it
// Filled or PartiallyFilled, §4.5/§4.7.3/§5.
func (in *Instance) pollForFillConfirmation(exchangeOrderID string, side types.Side) {
	ctx := context.Background()

	for attempt := 0; attempt < fillPollAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(fillPollSpacing)
		}

		snap, err := in.deps.Exchange.GetOrderStatus(ctx, in.Symbol, exchangeOrderID)
		if err != nil || snap == nil {
			continue
		}
		if snap.Status != types.StatusFilled && snap.Status != types.StatusPartiallyFilled {
			continue
		}

		in.deps.Bus.Publish(types.OrderFilled{
			UserID:          in.UserID,
			AccountPriority: in.AccountPriority,
			ExchangeOrderID: snap.ExchangeOrderID,
			Symbol:          in.Symbol,
			Side:            side,
			Qty:             snap.FilledQty,
			Price:           snap.AvgFillPrice,
			Fee:             snap.Commission,
			Time:            snap.UpdatedTime,
		})
		return
	}
}

// RequestClose submits an immediate reduce-only close of any active
// position, for SessionSupervisor's close_positions_on_stop path, §5/§4.8.
// A no-op when no position is active. Acquires the lock itself since,
// unlike closePosition, it is an external entry point rather than a helper
// called from within an already-locked handler.
func (in *Instance) RequestClose(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.position.Active {
		return
	}
	in.closePosition(ctx, in.position.AverageEntryPrice, "stop_requested")
}

// closePosition submits a reduce-only market close for the full position
// size, §4.7.4.
func (in *Instance) closePosition(ctx context.Context, price decimal.Decimal, reason string) {
	if in.deps.Store != nil {
		hasPending, err := in.deps.Store.HasPendingCloseOrder(ctx, in.UserID, in.Symbol, in.AccountPriority)
		if err == nil && hasPending {
			return
		}
	}

	in.logger.Info().Str("reason", reason).Msg("closing position")
	in.submitOrder(ctx, submitRequest{
		Side:       closingSide(in.position.Direction),
		OrderType:  types.Market,
		Qty:        in.position.TotalSize,
		ReduceOnly: true,
		Purpose:    types.PurposeClose,
		Leverage:   in.position.FrozenConfig.Leverage,
		Metadata:   reason,
	})
}

// closingSide returns the order side that reduces a position held in
// direction d — Sell closes a LONG, Buy closes a SHORT.
func closingSide(d types.Direction) types.Side {
	if d == types.Long {
		return types.Sell
	}
	return types.Buy
}
