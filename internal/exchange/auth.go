// Package exchange implements the signed REST client and the public/private
// WebSocket feeds for the exchange, §4.1, §4.4, §4.5, §6.1.
//
// The REST client (Client) is bound to exactly one (user, account_priority)
// and talks to the exchange's v5 API for order management:
//
//	GetTicker / GetKlines / GetInstruments — market data reads
//	GetWalletBalance / GetPositions / GetClosedPnL / GetOrderStatus — account reads
//	PlaceOrder / CancelOrder / SetLeverage / SetTradingStop — mutations
//
// Every signed request is rate-limited (min 100ms between calls to the same
// endpoint domain) and retried with linear backoff on transient failures.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"
)

const recvWindowMs = "5000"

// Credentials is the API key/secret pair loaded once per ExchangeClient
// from the credential store via the creds.Provider adapter, §4.1, §6.4.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Auth signs REST and WebSocket requests with HMAC-SHA256, §4.1.
type Auth struct {
	creds Credentials
}

// NewAuth creates an Auth bound to one credential pair.
func NewAuth(creds Credentials) *Auth {
	return &Auth{creds: creds}
}

// APIKey returns the bound API key (used in the X-BAPI-API-KEY header).
func (a *Auth) APIKey() string { return a.creds.APIKey }

// SignGET signs a GET request: timestamp || api_key || recv_window || query.
// query must already be the sorted url-encoded query string.
func (a *Auth) SignGET(timestampMs int64, query string) string {
	return a.sign(timestampMs, query)
}

// SignPOST signs a POST request: timestamp || api_key || recv_window || body.
// body is the exact JSON body bytes that will be sent on the wire.
func (a *Auth) SignPOST(timestampMs int64, body string) string {
	return a.sign(timestampMs, body)
}

func (a *Auth) sign(timestampMs int64, payload string) string {
	ts := strconv.FormatInt(timestampMs, 10)
	message := ts + a.creds.APIKey + recvWindowMs + payload
	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers builds the full signed-header set for one request.
func (a *Auth) Headers(timestampMs int64, signature string) map[string]string {
	return map[string]string{
		"X-BAPI-API-KEY":     a.creds.APIKey,
		"X-BAPI-SIGN":        signature,
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-TIMESTAMP":   strconv.FormatInt(timestampMs, 10),
		"X-BAPI-RECV-WINDOW": recvWindowMs,
	}
}

// SortedQuery renders params as a sorted, url-encoded query string — the
// exact payload GET requests sign, §4.1.
func SortedQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if params[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}
	return q.Encode()
}

// WSAuthArgs returns the (apiKey, expiresMs, signature) triplet for the
// private WebSocket auth frame, §4.5: sign "GET/realtime" || expires with
// the secret, expires = now + 10s.
func (a *Auth) WSAuthArgs() (apiKey string, expiresMs int64, signature string) {
	expiresMs = time.Now().Add(10 * time.Second).UnixMilli()
	message := fmt.Sprintf("GET/realtime%d", expiresMs)
	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(message))
	return a.creds.APIKey, expiresMs, hex.EncodeToString(mac.Sum(nil))
}
