package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/decimalx"
	"bybit-scalper-engine/internal/errs"
	"bybit-scalper-engine/pkg/types"
)

// envelope is the {retCode, retMsg, result} wrapper every v5 response uses, §6.1.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

const (
	maxRetries   = 3
	retryBaseDelay = 300 * time.Millisecond
)

// Client is the signed REST client for one (user, account_priority), §4.1.
type Client struct {
	http    *resty.Client
	auth    *Auth
	limiter *DomainLimiter
	logger  zerolog.Logger

	UserID          int64
	AccountPriority int
}

// NewClient creates a REST client bound to a single account's credentials.
func NewClient(baseURL string, auth *Auth, userID int64, accountPriority int, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
	httpClient.GetClient().Timeout = 60 * time.Second

	return &Client{
		http:    httpClient,
		auth:    auth,
		limiter: NewDomainLimiter(),
		logger:  logger.With().Str("component", "exchange_client").Int64("user_id", userID).Int("account", accountPriority).Logger(),
		UserID:  userID,
		AccountPriority: accountPriority,
	}
}

// doGET performs a signed GET with rate limiting and retry, returning the raw result bytes.
func (c *Client) doGET(ctx context.Context, domain, path string, params map[string]string) (json.RawMessage, error) {
	return c.do(ctx, domain, func(attempt int) (*resty.Response, error) {
		query := SortedQuery(params)
		ts := time.Now().UnixMilli()
		sig := c.auth.SignGET(ts, query)

		req := c.http.R().SetContext(ctx).SetHeaders(c.auth.Headers(ts, sig))
		for k, v := range params {
			if v != "" {
				req.SetQueryParam(k, v)
			}
		}
		return req.Get(path)
	})
}

// doPOST performs a signed POST with rate limiting and retry.
func (c *Client) doPOST(ctx context.Context, domain, path string, body interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	return c.do(ctx, domain, func(attempt int) (*resty.Response, error) {
		ts := time.Now().UnixMilli()
		sig := c.auth.SignPOST(ts, string(raw))
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(ts, sig)).
			SetBody(json.RawMessage(raw)).
			Post(path)
	})
}

// do applies the §4.1/§7 retry policy: up to 3 attempts, linear backoff
// (delay × attempt), auth errors fatal, transient errors retried, a bare
// success envelope with no result returned as an empty (not failing) value.
func (c *Client) do(ctx context.Context, domain string, send func(attempt int) (*resty.Response, error)) (json.RawMessage, error) {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx, domain); err != nil {
			return nil, err
		}

		resp, err := send(attempt)
		if err != nil {
			lastErr = &errs.TransientExchangeError{Op: domain, Err: err}
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("domain", domain).Msg("request failed, retrying")
			if !c.sleepBackoff(ctx, attempt) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode() >= 500 {
			lastErr = &errs.TransientExchangeError{Op: domain, Err: fmt.Errorf("http %d", resp.StatusCode())}
			if !c.sleepBackoff(ctx, attempt) {
				return nil, ctx.Err()
			}
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &errs.PermanentExchangeError{Op: domain, Code: resp.StatusCode(), Message: resp.String()}
		}

		var env envelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}

		if env.RetCode == 0 {
			if len(env.Result) == 0 {
				return json.RawMessage("{}"), nil
			}
			return env.Result, nil
		}

		if errs.IsAuthCode(env.RetCode) {
			return nil, &errs.AuthFailure{Code: env.RetCode, Message: env.RetMsg}
		}
		if env.RetCode == errs.CodeOrderNotExists {
			return nil, &errs.OrderAlreadyGone{}
		}
		if env.RetCode == errs.CodeLeverageNotModified || env.RetCode == errs.CodeTradingStopNotMod {
			return nil, &errs.NotModified{Op: domain}
		}

		return nil, &errs.PermanentExchangeError{Op: domain, Code: env.RetCode, Message: env.RetMsg}
	}

	return nil, lastErr
}

// sleepBackoff sleeps delay×attempt, returning false if ctx was cancelled first.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(retryBaseDelay * time.Duration(attempt)):
		return true
	}
}

// GetTicker fetches last/bid/ask/volume for a symbol, §4.1.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	raw, err := c.doGET(ctx, "market", "/v5/market/tickers", map[string]string{
		"category": "linear", "symbol": symbol,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	if len(result.List) == 0 {
		return nil, &errs.PermanentExchangeError{Op: "GetTicker", Message: "empty ticker list for " + symbol}
	}

	t := result.List[0]
	return &types.Ticker{
		Symbol:    t.Symbol,
		Last:      parseDecimal(t.LastPrice),
		Bid:       parseDecimal(t.Bid1Price),
		Ask:       parseDecimal(t.Ask1Price),
		Volume24h: parseDecimal(t.Volume24h),
	}, nil
}

// GetKlines fetches candles ordered ascending by start time, §4.1.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	raw, err := c.doGET(ctx, "market", "/v5/market/kline", map[string]string{
		"category": "linear", "symbol": symbol, "interval": interval, "limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List [][]string `json:"list"` // [start, open, high, low, close, volume, turnover], descending
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	klines := make([]types.Kline, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		klines = append(klines, types.Kline{
			Symbol:    symbol,
			Interval:  interval,
			StartTime: time.UnixMilli(ms).UTC(),
			Open:      parseDecimal(row[1]),
			High:      parseDecimal(row[2]),
			Low:       parseDecimal(row[3]),
			Close:     parseDecimal(row[4]),
			Volume:    parseDecimal(row[5]),
			Confirmed: true, // the REST endpoint only returns closed candles
		})
	}
	// exchange returns descending; ascending is required, §4.1
	for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
		klines[i], klines[j] = klines[j], klines[i]
	}
	return klines, nil
}

// GetInstruments paginates /v5/market/instruments-info until the cursor is
// empty, §4.2.
func (c *Client) GetInstruments(ctx context.Context) (map[string]types.Instrument, error) {
	out := make(map[string]types.Instrument)
	cursor := ""

	for {
		params := map[string]string{"category": "linear", "limit": "1000"}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.doGET(ctx, "instruments", "/v5/market/instruments-info", params)
		if err != nil {
			return nil, err
		}

		var page struct {
			Category       string `json:"category"`
			List           []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode instruments page: %w", err)
		}

		now := time.Now()
		for _, it := range page.List {
			out[it.Symbol] = types.Instrument{
				Symbol:      it.Symbol,
				TickSize:    parseDecimal(it.PriceFilter.TickSize),
				QtyStep:     parseDecimal(it.LotSizeFilter.QtyStep),
				MinOrderQty: parseDecimal(it.LotSizeFilter.MinOrderQty),
				Status:      it.Status,
				RefreshedAt: now,
			}
		}

		if page.NextPageCursor == "" {
			break
		}
		cursor = page.NextPageCursor
	}

	return out, nil
}

// GetWalletBalance tries UNIFIED first, falling back to CONTRACT, matching
// the original bot's demo/contract fallback, §12.
func (c *Client) GetWalletBalance(ctx context.Context) (*types.WalletBalance, error) {
	for _, accountType := range []string{"UNIFIED", "CONTRACT"} {
		raw, err := c.doGET(ctx, "wallet", "/v5/account/wallet-balance", map[string]string{
			"accountType": accountType,
		})
		if err != nil {
			if _, ok := err.(*errs.PermanentExchangeError); ok {
				continue
			}
			return nil, err
		}

		var result struct {
			List []struct {
				TotalEquity           string `json:"totalEquity"`
				TotalAvailableBalance string `json:"totalAvailableBalance"`
				TotalPerpUPL          string `json:"totalPerpUPL"`
			} `json:"list"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode wallet balance: %w", err)
		}
		if len(result.List) == 0 {
			continue
		}

		w := result.List[0]
		return &types.WalletBalance{
			Equity:      parseDecimal(w.TotalEquity),
			Available:   parseDecimal(w.TotalAvailableBalance),
			Unrealized:  parseDecimal(w.TotalPerpUPL),
			AccountType: accountType,
		}, nil
	}

	return nil, &errs.PermanentExchangeError{Op: "GetWalletBalance", Message: "no account type returned a balance"}
}

// GetPositions lists active positions, with up to three retries and linear
// backoff already applied by do().
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]types.ExchangePosition, error) {
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if symbol != "" {
		params["symbol"] = symbol
	}
	raw, err := c.doGET(ctx, "position", "/v5/position/list", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol         string `json:"symbol"`
			Side           string `json:"side"`
			Size           string `json:"size"`
			AvgPrice       string `json:"avgPrice"`
			MarkPrice      string `json:"markPrice"`
			Leverage       string `json:"leverage"`
			UnrealisedPnl  string `json:"unrealisedPnl"`
			BreakEvenPrice string `json:"breakEvenPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	positions := make([]types.ExchangePosition, 0, len(result.List))
	for _, p := range result.List {
		size := parseDecimal(p.Size)
		if size.IsZero() {
			continue
		}
		side := types.Buy
		if p.Side == "Sell" {
			side = types.Sell
		}
		positions = append(positions, types.ExchangePosition{
			Symbol:         p.Symbol,
			Side:           side,
			Size:           size,
			EntryPrice:     parseDecimal(p.AvgPrice),
			MarkPrice:      parseDecimal(p.MarkPrice),
			Leverage:       parseDecimal(p.Leverage),
			UnrealizedPnL:  parseDecimal(p.UnrealisedPnl),
			BreakEvenPrice: parseDecimal(p.BreakEvenPrice),
			HasBreakEven:   p.BreakEvenPrice != "" && p.BreakEvenPrice != "0",
		})
	}
	return positions, nil
}

// GetClosedPnL returns the exchange-computed net PnL for the most recent
// closes, used as ground truth on close, §4.1/§4.7.4.
func (c *Client) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]types.ClosedPnLEntry, error) {
	raw, err := c.doGET(ctx, "position", "/v5/position/closed-pnl", map[string]string{
		"category": "linear", "symbol": symbol, "limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			OrderID     string `json:"orderId"`
			ClosedPnl   string `json:"closedPnl"`
			AvgEntryPrice string `json:"avgEntryPrice"`
			AvgExitPrice  string `json:"avgExitPrice"`
			Qty         string `json:"qty"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode closed pnl: %w", err)
	}

	entries := make([]types.ClosedPnLEntry, 0, len(result.List))
	for _, e := range result.List {
		ms, _ := strconv.ParseInt(e.CreatedTime, 10, 64)
		entries = append(entries, types.ClosedPnLEntry{
			Symbol:      e.Symbol,
			OrderID:     e.OrderID,
			ClosedPnL:   parseDecimal(e.ClosedPnl),
			AvgEntry:    parseDecimal(e.AvgEntryPrice),
			AvgExit:     parseDecimal(e.AvgExitPrice),
			Qty:         parseDecimal(e.Qty),
			CreatedTime: time.UnixMilli(ms).UTC(),
		})
	}
	return entries, nil
}

// GetOrderStatus checks realtime then history, retrying on transient
// absence — market orders may take 100-500ms to appear in history, §4.1.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*types.OrderSnapshot, error) {
	if snap, err := c.queryOrder(ctx, "/v5/order/realtime", symbol, exchangeOrderID); err == nil && snap != nil {
		return snap, nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		snap, err := c.queryOrder(ctx, "/v5/order/history", symbol, exchangeOrderID)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}

	return nil, &errs.PermanentExchangeError{Op: "GetOrderStatus", Message: "order not found: " + exchangeOrderID}
}

func (c *Client) queryOrder(ctx context.Context, path, symbol, exchangeOrderID string) (*types.OrderSnapshot, error) {
	raw, err := c.doGET(ctx, "order", path, map[string]string{
		"category": "linear", "symbol": symbol, "orderId": exchangeOrderID,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			CumExecFee  string `json:"cumExecFee"`
			OrderStatus string `json:"orderStatus"`
			ReduceOnly  bool   `json:"reduceOnly"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode order snapshot: %w", err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}

	o := result.List[0]
	ms, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
	return &types.OrderSnapshot{
		ExchangeOrderID: o.OrderID,
		Symbol:          o.Symbol,
		Side:            types.Side(o.Side),
		OrderType:       types.OrderType(o.OrderType),
		Qty:             parseDecimal(o.Qty),
		Price:           parseDecimal(o.Price),
		FilledQty:       parseDecimal(o.CumExecQty),
		AvgFillPrice:    parseDecimal(o.AvgPrice),
		Commission:      parseDecimal(o.CumExecFee),
		Status:          bybitStatus(o.OrderStatus),
		ReduceOnly:      o.ReduceOnly,
		UpdatedTime:     time.UnixMilli(ms).UTC(),
	}, nil
}

func bybitStatus(s string) types.OrderStatus {
	switch s {
	case "New", "Created":
		return types.StatusNew
	case "Filled":
		return types.StatusFilled
	case "PartiallyFilled":
		return types.StatusPartiallyFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return types.StatusCancelled
	case "Rejected":
		return types.StatusRejected
	default:
		return types.StatusNew
	}
}

// PlaceOrderParams are the inputs to PlaceOrder, §4.1.
type PlaceOrderParams struct {
	Symbol     string
	Side       types.Side
	OrderType  types.OrderType
	Qty        decimal.Decimal
	Price      decimal.Decimal // zero for Market
	StopLoss   decimal.Decimal // zero = omit
	TakeProfit decimal.Decimal // zero = omit
	ReduceOnly bool
	OrderLinkID string // client_order_id
}

// PlaceOrder submits an order and returns the exchange_order_id, §4.1.
// Quantity is canonicalized (trailing zeros removed) before serialization.
func (c *Client) PlaceOrder(ctx context.Context, p PlaceOrderParams) (string, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"orderType":   string(p.OrderType),
		"qty":         decimalx.CanonicalizeQty(p.Qty),
		"reduceOnly":  p.ReduceOnly,
		"orderLinkId": p.OrderLinkID,
	}
	if p.OrderType != types.Market && !p.Price.IsZero() {
		body["price"] = p.Price.String()
	}
	if !p.StopLoss.IsZero() {
		body["stopLoss"] = p.StopLoss.String()
	}
	if !p.TakeProfit.IsZero() {
		body["takeProfit"] = p.TakeProfit.String()
	}

	raw, err := c.doPOST(ctx, "order", "/v5/order/create", body)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode place order result: %w", err)
	}
	return result.OrderID, nil
}

// CancelOrder cancels an order. "order does not exist" is treated as success, §4.1.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	_, err := c.doPOST(ctx, "order", "/v5/order/cancel", map[string]interface{}{
		"category": "linear", "symbol": symbol, "orderId": exchangeOrderID,
	})
	if err != nil {
		if _, ok := err.(*errs.OrderAlreadyGone); ok {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// SetLeverage sets leverage for a symbol. "not modified" is treated as success, §4.1.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error) {
	lev := strconv.Itoa(leverage)
	_, err := c.doPOST(ctx, "position", "/v5/position/set-leverage", map[string]interface{}{
		"category": "linear", "symbol": symbol, "buyLeverage": lev, "sellLeverage": lev,
	})
	if err != nil {
		if _, ok := err.(*errs.NotModified); ok {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// SetTradingStop sets or clears stop-loss/take-profit, §4.1. "0" clears.
// "not modified" is treated as success.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit string) (bool, error) {
	body := map[string]interface{}{"category": "linear", "symbol": symbol, "positionIdx": 0}
	if stopLoss != "" {
		body["stopLoss"] = stopLoss
	}
	if takeProfit != "" {
		body["takeProfit"] = takeProfit
	}

	_, err := c.doPOST(ctx, "position", "/v5/position/trading-stop", body)
	if err != nil {
		if _, ok := err.(*errs.NotModified); ok {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// CalculateQuantityFromNotional converts a notional USDT amount (already
// order_amount × leverage) into a tradeable quantity, notional / price
// rounded down to qty_step, §4.1. The leverage argument does not enter the
// computation. Returns zero if the result is below min_order_qty.
func CalculateQuantityFromNotional(inst types.Instrument, notionalUSDT decimal.Decimal, leverage int, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	raw := notionalUSDT.Div(price)
	qty := inst.RoundQtyDown(raw)
	if qty.LessThan(inst.MinOrderQty) {
		return decimal.Zero
	}
	return qty
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
