package strategy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

// fakeExchange is a hand-written ExchangeOps stand-in. Every call records its
// arguments so tests can assert on what the instance asked for, and every
// response is pre-programmed by the test.
type fakeExchange struct {
	mu sync.Mutex

	ticker    *types.Ticker
	positions []types.ExchangePosition
	closedPnL []types.ClosedPnLEntry
	orderSnap *types.OrderSnapshot

	placeOrderID  string
	placeOrderErr error
	placedOrders  []PlaceOrderParams

	setTradingStopCalls int
	cancelCalls         int
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticker, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context, symbol string) ([]types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeExchange) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]types.ClosedPnLEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedPnL, nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*types.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderSnap, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, p PlaceOrderParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placedOrders = append(f.placedOrders, p)
	return f.placeOrderID, f.placeOrderErr
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return true, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error) {
	return true, nil
}

func (f *fakeExchange) SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setTradingStopCalls++
	return true, nil
}

// fakeFetcher feeds instrument.Cache a single fixed instrument set.
type fakeFetcher struct {
	instruments map[string]types.Instrument
}

func (f *fakeFetcher) GetInstruments(ctx context.Context) (map[string]types.Instrument, error) {
	return f.instruments, nil
}

func testInstrument(symbol string) types.Instrument {
	return types.Instrument{
		Symbol:      symbol,
		TickSize:    decimal.NewFromFloat(0.1),
		QtyStep:     decimal.NewFromFloat(0.001),
		MinOrderQty: decimal.NewFromFloat(0.001),
	}
}
