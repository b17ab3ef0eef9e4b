package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/pkg/types"
)

// reconnectPause is the fixed pause before re-dialing and re-subscribing the
// public feed, §4.4. Unlike the teacher's exponential backoff, the public
// feed contract here is a flat 5s pause.
const reconnectPause = 5 * time.Second

const pingInterval = 20 * time.Second

// PublicFeed is the shared, unauthenticated market-data WebSocket: one
// connection serves every subscribed symbol regardless of which users are
// interested in it, §4.4.
type PublicFeed struct {
	url    string
	logger zerolog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string]struct{} // topic -> subscribed

	Trades chan rawTrade
	Klines chan rawKline
}

type rawTrade struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

type rawKline struct {
	Symbol   string
	Interval string
	Kline    types.Kline
}

// NewPublicFeed creates a disconnected PublicFeed. Call Run to connect.
func NewPublicFeed(url string, logger zerolog.Logger) *PublicFeed {
	return &PublicFeed{
		url:    url,
		logger: logger.With().Str("component", "public_feed").Logger(),
		subs:   make(map[string]struct{}),
		Trades: make(chan rawTrade, 1024),
		Klines: make(chan rawKline, 1024),
	}
}

// Subscribe adds a trade + kline topic pair for symbol/interval. Safe to call
// before or after Run; resubscribes immediately if already connected.
func (f *PublicFeed) Subscribe(symbol string, intervals []string) {
	f.mu.Lock()
	topics := []string{"publicTrade." + symbol}
	for _, iv := range intervals {
		topics = append(topics, "kline."+canonicalizeBybitInterval(iv)+"."+symbol)
	}
	for _, t := range topics {
		f.subs[t] = struct{}{}
	}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.sendSubscribe(conn, topics)
	}
}

// Unsubscribe drops a trade + kline topic pair for symbol/interval. Safe to
// call before or after Run; sends an unsubscribe frame immediately if
// already connected.
func (f *PublicFeed) Unsubscribe(symbol string, intervals []string) {
	f.mu.Lock()
	topics := []string{"publicTrade." + symbol}
	for _, iv := range intervals {
		topics = append(topics, "kline."+canonicalizeBybitInterval(iv)+"."+symbol)
	}
	for _, t := range topics {
		delete(f.subs, t)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.sendUnsubscribe(conn, topics)
	}
}

// canonicalizeBybitInterval maps our "5m"/"1m" shorthand to the wire value
// the exchange expects ("5", "1"), and accepts either direction.
func canonicalizeBybitInterval(interval string) string {
	return strings.TrimSuffix(interval, "m")
}

// intervalLabel is the inverse: wire value "5"/"1" to our "5m"/"1m".
func intervalLabel(wire string) string {
	if strings.HasSuffix(wire, "m") {
		return wire
	}
	return wire + "m"
}

// Run connects and reconnects forever until ctx is cancelled, re-subscribing
// all known topics after every reconnect, §4.4.
func (f *PublicFeed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := f.runOnce(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("public feed disconnected, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectPause):
		}
	}
}

func (f *PublicFeed) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	topics := make([]string, 0, len(f.subs))
	for t := range f.subs {
		topics = append(topics, t)
	}
	f.mu.Unlock()

	if len(topics) > 0 {
		f.sendSubscribe(conn, topics)
	}

	stopPing := make(chan struct{})
	go f.pingLoop(conn, stopPing)
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
			f.mu.Lock()
			f.conn = nil
			f.mu.Unlock()
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(msg)
	}
}

func (f *PublicFeed) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (f *PublicFeed) sendSubscribe(conn *websocket.Conn, topics []string) {
	if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
		f.logger.Warn().Err(err).Msg("failed to send subscribe frame")
	}
}

func (f *PublicFeed) sendUnsubscribe(conn *websocket.Conn, topics []string) {
	if err := conn.WriteJSON(map[string]interface{}{"op": "unsubscribe", "args": topics}); err != nil {
		f.logger.Warn().Err(err).Msg("failed to send unsubscribe frame")
	}
}

func (f *PublicFeed) handleMessage(msg []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil || envelope.Topic == "" {
		return
	}

	switch {
	case strings.HasPrefix(envelope.Topic, "publicTrade."):
		f.handleTrade(envelope.Topic, envelope.Data)
	case strings.HasPrefix(envelope.Topic, "kline."):
		f.handleKline(envelope.Topic, envelope.Data)
	}
}

func (f *PublicFeed) handleTrade(topic string, data json.RawMessage) {
	symbol := strings.TrimPrefix(topic, "publicTrade.")

	var trades []struct {
		Price string `json:"p"`
		Time  int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &trades); err != nil || len(trades) == 0 {
		return
	}

	last := trades[len(trades)-1]
	price, err := decimal.NewFromString(last.Price)
	if err != nil {
		return
	}

	select {
	case f.Trades <- rawTrade{Symbol: symbol, Price: price, Time: time.UnixMilli(last.Time).UTC()}:
	default:
		f.logger.Warn().Str("symbol", symbol).Msg("trade channel full, dropping")
	}
}

func (f *PublicFeed) handleKline(topic string, data json.RawMessage) {
	parts := strings.SplitN(strings.TrimPrefix(topic, "kline."), ".", 2)
	if len(parts) != 2 {
		return
	}
	wireInterval, symbol := parts[0], parts[1]

	var candles []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	}
	if err := json.Unmarshal(data, &candles); err != nil {
		return
	}

	for _, c := range candles {
		if !c.Confirm {
			continue // only confirmed candles are emitted, §4.4
		}
		k := types.Kline{
			Symbol:    symbol,
			Interval:  intervalLabel(wireInterval),
			StartTime: time.UnixMilli(c.Start).UTC(),
			Open:      mustDecimal(c.Open),
			High:      mustDecimal(c.High),
			Low:       mustDecimal(c.Low),
			Close:     mustDecimal(c.Close),
			Volume:    mustDecimal(c.Volume),
			Confirmed: true,
		}
		select {
		case f.Klines <- rawKline{Symbol: symbol, Interval: k.Interval, Kline: k}:
		default:
			f.logger.Warn().Str("symbol", symbol).Msg("kline channel full, dropping")
		}
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
