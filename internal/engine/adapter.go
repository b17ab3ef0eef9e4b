package engine

import (
	"context"

	"bybit-scalper-engine/internal/exchange"
	"bybit-scalper-engine/internal/strategy"
	"bybit-scalper-engine/pkg/types"
)

// exchangeAdapter satisfies strategy.ExchangeOps by forwarding to a concrete
// exchange.Client, translating strategy's local PlaceOrderParams into
// exchange.PlaceOrderParams. This is the one place that bridges the two
// packages, keeping strategy itself free of any import on exchange.
type exchangeAdapter struct {
	client *exchange.Client
}

func (a *exchangeAdapter) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	return a.client.GetTicker(ctx, symbol)
}

func (a *exchangeAdapter) GetPositions(ctx context.Context, symbol string) ([]types.ExchangePosition, error) {
	return a.client.GetPositions(ctx, symbol)
}

func (a *exchangeAdapter) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]types.ClosedPnLEntry, error) {
	return a.client.GetClosedPnL(ctx, symbol, limit)
}

func (a *exchangeAdapter) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*types.OrderSnapshot, error) {
	return a.client.GetOrderStatus(ctx, symbol, exchangeOrderID)
}

func (a *exchangeAdapter) PlaceOrder(ctx context.Context, p strategy.PlaceOrderParams) (string, error) {
	return a.client.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:      p.Symbol,
		Side:        p.Side,
		OrderType:   p.OrderType,
		Qty:         p.Qty,
		Price:       p.Price,
		StopLoss:    p.StopLoss,
		TakeProfit:  p.TakeProfit,
		ReduceOnly:  p.ReduceOnly,
		OrderLinkID: p.OrderLinkID,
	})
}

func (a *exchangeAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	return a.client.CancelOrder(ctx, symbol, exchangeOrderID)
}

func (a *exchangeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error) {
	return a.client.SetLeverage(ctx, symbol, leverage)
}

func (a *exchangeAdapter) SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit string) (bool, error) {
	return a.client.SetTradingStop(ctx, symbol, stopLoss, takeProfit)
}
