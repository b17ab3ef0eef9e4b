package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/analysis"
	"bybit-scalper-engine/internal/eventbus"
	"bybit-scalper-engine/internal/instrument"
	"bybit-scalper-engine/internal/notify"
	"bybit-scalper-engine/internal/snapshot"
	"bybit-scalper-engine/internal/store"
	"bybit-scalper-engine/pkg/types"
)

// ExchangeOps is the subset of the exchange client a StrategyInstance calls,
// §4.7.
type ExchangeOps interface {
	GetTicker(ctx context.Context, symbol string) (*types.Ticker, error)
	GetPositions(ctx context.Context, symbol string) ([]types.ExchangePosition, error)
	GetClosedPnL(ctx context.Context, symbol string, limit int) ([]types.ClosedPnLEntry, error)
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*types.OrderSnapshot, error)
	PlaceOrder(ctx context.Context, p PlaceOrderParams) (string, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error)
	SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit string) (bool, error)
}

// PlaceOrderParams mirrors exchange.PlaceOrderParams field-for-field; a
// local type keeps this package from importing exchange, which would put
// exchange and strategy in a direct cycle with store through the top-level
// wiring. Engine wiring adapts exchange.Client to ExchangeOps.
type PlaceOrderParams struct {
	Symbol      string
	Side        types.Side
	OrderType   types.OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	ReduceOnly  bool
	OrderLinkID string
}

// Deps bundles every shared collaborator an Instance needs.
type Deps struct {
	Exchange   ExchangeOps
	Instruments *instrument.Cache
	Store      *store.Store
	Bus        *eventbus.Bus
	Snapshots  snapshot.Store
	Notifier   notify.Notifier
	Analyzer   analysis.SignalAnalyzer
	Spike      analysis.SpikeDetector
}

// Instance is the per-(user, symbol, account_priority) strategy state
// machine, §4.7. All position-state mutation happens under mu, acquired
// non-reentrantly at every public entry point.
type Instance struct {
	deps Deps

	UserID          int64
	Symbol          string
	AccountPriority int
	StrategyType    string

	baseConfig Config
	logger     zerolog.Logger

	mu       sync.Mutex
	position PositionState

	lastSignal        types.SignalDirection
	confirmationCount int
	lastTradeWasLoss  bool
	lastTradeDirection types.Direction
	lastCloseTime     time.Time
	reversalCooldownUntil time.Time
	postReversalMode  bool
	doubleHoldCount   int

	processedOrders map[string]struct{}

	// candleHistory is the rolling window of confirmed analysis-interval
	// candles fed to Deps.Analyzer, newest last.
	candleHistory []types.Kline

	recoveryMode bool
	deferredStop bool
	priceSubActive bool

	pendingEntryConfig *Config

	unsubscribePrice func()
	cancel           context.CancelFunc
}

// New creates an Instance in signal-watching mode.
func New(deps Deps, userID int64, symbol string, accountPriority int, strategyType string, cfg Config, logger zerolog.Logger) *Instance {
	return &Instance{
		deps:            deps,
		UserID:          userID,
		Symbol:          symbol,
		AccountPriority: accountPriority,
		StrategyType:    strategyType,
		baseConfig:      cfg,
		logger: logger.With().Str("component", "strategy_instance").
			Int64("user_id", userID).Str("symbol", symbol).Int("account", accountPriority).Logger(),
		processedOrders: make(map[string]struct{}),
	}
}

// Run subscribes to every event family this instance cares about and blocks
// until ctx is cancelled, §4.7.1.
func (in *Instance) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	in.cancel = cancel

	unsubCandle := in.deps.Bus.Subscribe(ctx, types.NewCandle{}, in.onNewCandleEvent)
	unsubFilled := in.deps.Bus.Subscribe(ctx, types.OrderFilled{}, in.onOrderFilledEvent)
	unsubOrder := in.deps.Bus.Subscribe(ctx, types.OrderUpdate{}, in.onOrderUpdateEvent)
	unsubSettings := in.deps.Bus.Subscribe(ctx, types.UserSettingsChanged{}, in.onSettingsChangedEvent)
	unsubClosed := in.deps.Bus.Subscribe(ctx, types.PositionClosed{}, in.onPositionClosedEvent)

	<-ctx.Done()
	unsubCandle()
	unsubFilled()
	unsubOrder()
	unsubSettings()
	unsubClosed()
	in.unsubscribePriceLocked()
}

// Stop cancels this instance's Run loop. It never closes or otherwise
// touches a position on the exchange; closing on stop goes through
// RequestClose, §5.
func (in *Instance) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
}

// MarkDeferredStop flags this instance to stop once its current position
// closes, rather than immediately, §4.8/§12.
func (in *Instance) MarkDeferredStop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.deferredStop = true
}

// SetRecoveryMode toggles the crash-recovery fill-classification path,
// §4.7.4/§4.9.
func (in *Instance) SetRecoveryMode(recovery bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.recoveryMode = recovery
}

// HasActivePosition reports whether this instance currently holds a
// position — SessionSupervisor uses this to decide between an immediate
// stop and a deferred one, §4.8.
func (in *Instance) HasActivePosition() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.position.Active
}

// RestoreSnapshot rehydrates in-memory state from a previously persisted
// snapshot, exposed for RecoveryCoordinator, §4.9.
func (in *Instance) RestoreSnapshot(data []byte) error {
	return in.restoreSnapshot(data)
}

// SyncFromExchange rehydrates position state directly from the exchange's
// own ground truth, for the boot-time case where a trade's snapshot is
// unavailable or expired but the exchange still reports an open position,
// §4.9. Clears recovery mode itself once the attempt is resolved, whether
// or not a matching position was found.
func (in *Instance) SyncFromExchange(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	defer func() { in.recoveryMode = false }()

	positions, err := in.deps.Exchange.GetPositions(ctx, in.Symbol)
	if err != nil {
		in.logger.Warn().Err(err).Msg("recovery position sync failed")
		return
	}
	for _, p := range positions {
		if p.Size.IsPositive() {
			in.rehydrateFromExchangePosition(p)
			return
		}
	}
}

// ReconcileWithExchange implements the snapshot-found branch of §4.9 step
// 1: compare the just-restored snapshot against live exchange ground truth
// (rehydrating or clearing `active` on mismatch), then walk every
// non-terminal order the store holds for this slot and synthesize the fill or
// removal the exchange's own status already settled while the engine was
// down. Called once, before Run starts consuming events, so no other
// handler can be racing the lock.
func (in *Instance) ReconcileWithExchange(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	defer func() { in.recoveryMode = false }()

	positions, err := in.deps.Exchange.GetPositions(ctx, in.Symbol)
	if err != nil {
		in.logger.Warn().Err(err).Msg("recovery position reconciliation failed, keeping snapshot state")
	} else {
		var live *types.ExchangePosition
		for i := range positions {
			if positions[i].Size.IsPositive() {
				live = &positions[i]
				break
			}
		}
		switch {
		case live != nil && !in.position.Active:
			in.rehydrateFromExchangePosition(*live)
		case live == nil && in.position.Active:
			in.logger.Warn().Msg("snapshot says active but exchange reports no position, clearing")
			in.unsubscribePriceLocked0()
			in.position = PositionState{}
		}
	}

	in.reconcileOpenOrdersLocked(ctx)
}

// unsubscribePriceLocked0 tears down the price subscription from a context
// where in.mu is already held — unsubscribePriceLocked itself acquires the
// lock and would deadlock here.
func (in *Instance) unsubscribePriceLocked0() {
	if in.unsubscribePrice != nil {
		in.unsubscribePrice()
		in.unsubscribePrice = nil
	}
	in.priceSubActive = false
}

// reconcileOpenOrdersLocked queries every non-terminal order this slot has
// on file and synthesizes the outcome the exchange already settled while
// the engine was offline: a Filled/PartiallyFilled status runs the normal
// fill handler inline (processedOrders dedupes it if it somehow arrives
// again over the bus); Cancelled/Rejected is written back to the store.
// Called with in.mu held.
func (in *Instance) reconcileOpenOrdersLocked(ctx context.Context) {
	orders, err := in.deps.Store.GetActiveOrdersForSync(ctx, in.UserID, in.AccountPriority)
	if err != nil {
		in.logger.Warn().Err(err).Msg("order reconciliation lookup failed")
		return
	}

	for _, o := range orders {
		if o.Symbol != in.Symbol {
			continue
		}
		snap, err := in.deps.Exchange.GetOrderStatus(ctx, o.Symbol, o.ExchangeOrderID)
		if err != nil || snap == nil {
			continue
		}
		switch snap.Status {
		case types.StatusFilled, types.StatusPartiallyFilled:
			in.handleOrderFilled(ctx, types.OrderFilled{
				UserID:          in.UserID,
				AccountPriority: in.AccountPriority,
				ExchangeOrderID: snap.ExchangeOrderID,
				Symbol:          o.Symbol,
				Side:            o.Side,
				Qty:             snap.FilledQty,
				Price:           snap.AvgFillPrice,
				Fee:             snap.Commission,
				Time:            snap.UpdatedTime,
			})
		case types.StatusCancelled, types.StatusRejected:
			if err := in.deps.Store.UpdateOrderStatus(ctx, o.ClientOrderID, snap.Status, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero); err != nil {
				in.logger.Warn().Err(err).Str("order_id", o.ExchangeOrderID).Msg("failed to persist reconciled cancel/reject")
			}
			if o.Purpose == types.PurposeAveraging {
				in.position.AwaitingFill = false
			}
		}
	}
}

func (in *Instance) onNewCandleEvent(event interface{}) {
	c := event.(types.NewCandle)
	if c.UserID != in.UserID || c.Symbol != in.Symbol {
		return
	}

	// 1m candles feed the spike detector's own internal buffer regardless of
	// the configured analysis interval, §4.7.8.
	if c.Interval == "1m" && in.deps.Spike != nil {
		in.deps.Spike.Observe(c.Candle)
	}

	if c.Interval != in.baseConfig.AnalysisInterval {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	in.candleHistory = append(in.candleHistory, c.Candle)
	if len(in.candleHistory) > maxCandleHistory {
		in.candleHistory = in.candleHistory[len(in.candleHistory)-maxCandleHistory:]
	}

	in.handleAnalysisCandle(context.Background(), c)
}

func (in *Instance) onOrderFilledEvent(event interface{}) {
	f := event.(types.OrderFilled)
	if f.UserID != in.UserID || f.Symbol != in.Symbol || f.AccountPriority != in.AccountPriority {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handleOrderFilled(context.Background(), f)
}

func (in *Instance) onOrderUpdateEvent(event interface{}) {
	u := event.(types.OrderUpdate)
	if u.UserID != in.UserID || u.Symbol != in.Symbol || u.AccountPriority != in.AccountPriority {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.logger.Debug().Str("status", string(u.Status)).Str("order_id", u.ExchangeOrderID).Msg("order update observed")
}

// onPositionClosedEvent reacts to a manual close detected by AccountFeed on
// the exchange (size reached zero with no engine-authored CLOSE order
// outstanding), §4.4 scenario 4/§4.5. A closed_manually=false event is a
// no-op here — AccountFeed only publishes this event family for the manual
// case; the expected-close and already-closed branches are silent no-ops
// at the feed layer itself.
func (in *Instance) onPositionClosedEvent(event interface{}) {
	c := event.(types.PositionClosed)
	if c.UserID != in.UserID || c.Symbol != in.Symbol || c.AccountPriority != in.AccountPriority {
		return
	}
	if !c.ClosedManually {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handleManualClose(context.Background(), c)
}

func (in *Instance) onSettingsChangedEvent(event interface{}) {
	s := event.(types.UserSettingsChanged)
	if s.UserID != in.UserID {
		return
	}
	in.logger.Info().Strs("changed_keys", s.ChangedKeys).Msg("settings changed, non-critical propagation")
}

// subscribePrice subscribes this instance to PriceUpdate, called on OPEN
// fill, §4.7.1/§4.7.4.
func (in *Instance) subscribePrice(ctx context.Context) {
	if in.priceSubActive {
		return
	}
	in.unsubscribePrice = in.deps.Bus.Subscribe(ctx, types.PriceUpdate{}, func(event interface{}) {
		p := event.(types.PriceUpdate)
		if p.UserID != in.UserID || p.Symbol != in.Symbol {
			return
		}
		in.mu.Lock()
		defer in.mu.Unlock()
		in.handlePriceTick(context.Background(), p)
	})
	in.priceSubActive = true
}

func (in *Instance) unsubscribePriceLocked() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.unsubscribePrice != nil {
		in.unsubscribePrice()
		in.unsubscribePrice = nil
	}
	in.priceSubActive = false
}

// maxCandleHistory bounds candleHistory well above any reasonable moving
// average period.
const maxCandleHistory = 200

func defaultTimeNow() time.Time { return time.Now() }

// newClientOrderID builds a client_order_id of the form required by §4.7.3.
func (in *Instance) newClientOrderID() string {
	return fmt.Sprintf("bot%d_%s_%d_%s", in.AccountPriority, in.Symbol, time.Now().UnixMilli(), uuid.NewString()[:4])
}
