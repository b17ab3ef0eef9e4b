package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

// PrivateFeed is one authenticated order/position stream for a single
// (user, account_priority), §4.5. Each account gets its own connection so an
// auth failure or disconnect on one account cannot affect another.
type PrivateFeed struct {
	url             string
	auth            *Auth
	UserID          int64
	AccountPriority int
	logger          zerolog.Logger

	Orders    chan types.OrderUpdate
	Positions chan types.PositionUpdate
	Closed    chan types.PositionClosed

	// OnConnected, if set, is invoked synchronously on every (re)connect once
	// the auth and subscribe frames are sent (the auth reply is not awaited
	// or checked), before the read loop starts — the hook
	// AccountFeed uses to run its reconnect order-sync routine, §4.5.
	OnConnected func(ctx context.Context)
}

// NewPrivateFeed creates a disconnected PrivateFeed. Call Run to connect.
func NewPrivateFeed(url string, auth *Auth, userID int64, accountPriority int, logger zerolog.Logger) *PrivateFeed {
	return &PrivateFeed{
		url:             url,
		auth:            auth,
		UserID:          userID,
		AccountPriority: accountPriority,
		logger: logger.With().Str("component", "private_feed").
			Int64("user_id", userID).Int("account", accountPriority).Logger(),
		Orders:    make(chan types.OrderUpdate, 256),
		Positions: make(chan types.PositionUpdate, 256),
		Closed:    make(chan types.PositionClosed, 256),
	}
}

// Run connects and reconnects forever until ctx is cancelled, §4.5.
func (f *PrivateFeed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.runOnce(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("private feed disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectPause):
		}
	}
}

func (f *PrivateFeed) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := f.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	// Only "order" and "position" are subscribed, §4.5 — fill detail is
	// deliberately not taken from the stream; the authoritative Filled path
	// is the API-polling confirmation and reconnect reconciliation below.
	if err := conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"order", "position"},
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if f.OnConnected != nil {
		f.OnConnected(ctx)
	}

	stopPing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()
	defer close(stopPing)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(msg)
	}
}

func (f *PrivateFeed) authenticate(conn *websocket.Conn) error {
	apiKey, expiresMs, sig := f.auth.WSAuthArgs()
	return conn.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{apiKey, expiresMs, sig},
	})
}

func (f *PrivateFeed) handleMessage(msg []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil || envelope.Topic == "" {
		return
	}

	switch envelope.Topic {
	case "order":
		f.handleOrder(envelope.Data)
	case "position":
		f.handlePosition(envelope.Data)
	}
}

// handleOrder forwards Cancelled/Rejected transitions only; every other
// status is dropped, and ownership is filtered downstream by AccountFeed.
// Filled statuses on the stream are intentionally dropped here, §4.5: the
// authoritative Filled path is the API-polling confirmation the strategy
// itself initiates after placement, plus reconnect reconciliation below —
// never the stream, which would double-count during a transient disconnect.
func (f *PrivateFeed) handleOrder(data json.RawMessage) {
	var rows []struct {
		OrderID     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		OrderStatus string `json:"orderStatus"`
		UpdatedTime string `json:"updatedTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		status := bybitStatus(r.OrderStatus)
		if status != types.StatusCancelled && status != types.StatusRejected {
			continue
		}
		ms, _ := strconv.ParseInt(r.UpdatedTime, 10, 64)
		f.sendOrder(types.OrderUpdate{
			UserID:          f.UserID,
			AccountPriority: f.AccountPriority,
			ExchangeOrderID: r.OrderID,
			Symbol:          r.Symbol,
			Status:          status,
			Time:            time.UnixMilli(ms).UTC(),
		})
	}
}

func (f *PrivateFeed) handlePosition(data json.RawMessage) {
	var rows []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		EntryPrice    string `json:"entryPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealisedPnl string `json:"unrealisedPnl"`
		UpdatedTime   string `json:"updatedTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ms, _ := strconv.ParseInt(r.UpdatedTime, 10, 64)
		size := mustDecimal(r.Size)
		if size.Equal(decimal.Zero) {
			f.sendClosed(types.PositionClosed{
				UserID:          f.UserID,
				AccountPriority: f.AccountPriority,
				Symbol:          r.Symbol,
				Time:            time.UnixMilli(ms).UTC(),
			})
			continue
		}
		f.sendPosition(types.PositionUpdate{
			UserID:          f.UserID,
			AccountPriority: f.AccountPriority,
			Symbol:          r.Symbol,
			Side:            types.Side(r.Side),
			Size:            size,
			EntryPrice:      mustDecimal(r.EntryPrice),
			MarkPrice:       mustDecimal(r.MarkPrice),
			UnrealizedPnL:   mustDecimal(r.UnrealisedPnl),
			Time:            time.UnixMilli(ms).UTC(),
		})
	}
}

func (f *PrivateFeed) sendOrder(u types.OrderUpdate) {
	select {
	case f.Orders <- u:
	default:
		f.logger.Warn().Str("order_id", u.ExchangeOrderID).Msg("order channel full, dropping")
	}
}

func (f *PrivateFeed) sendPosition(u types.PositionUpdate) {
	select {
	case f.Positions <- u:
	default:
		f.logger.Warn().Str("symbol", u.Symbol).Msg("position channel full, dropping")
	}
}

func (f *PrivateFeed) sendClosed(u types.PositionClosed) {
	select {
	case f.Closed <- u:
	default:
		f.logger.Warn().Str("symbol", u.Symbol).Msg("closed channel full, dropping")
	}
}
