package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-scalper-engine/internal/errs"
	"bybit-scalper-engine/pkg/types"
)

func newTestClient(baseURL string) *Client {
	return NewClient(baseURL, NewAuth(testCreds()), 1, 0, zerolog.Nop())
}

func writeEnvelope(w http.ResponseWriter, retCode int, retMsg string, result interface{}) {
	raw, _ := json.Marshal(result)
	env := envelope{RetCode: retCode, RetMsg: retMsg, Result: raw}
	body, _ := json.Marshal(env)
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func TestGetTickerParsesSuccessfulResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": []map[string]string{{
				"symbol": "BTCUSDT", "lastPrice": "65000.5", "bid1Price": "65000", "ask1Price": "65001", "volume24h": "1234.5",
			}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ticker, err := c.GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if ticker.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", ticker.Symbol)
	}
	if !ticker.Last.Equal(decimal.NewFromFloat(65000.5)) {
		t.Errorf("Last = %s, want 65000.5", ticker.Last)
	}
}

func TestGetTickerReturnsErrorOnEmptyList(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "OK", map[string]interface{}{"list": []map[string]string{}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.GetTicker(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected an error for an empty ticker list")
	}
}

func TestDoRetriesOnServerErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": []map[string]string{{"symbol": "BTCUSDT", "lastPrice": "1", "bid1Price": "1", "ask1Price": "1", "volume24h": "1"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.GetTicker(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("GetTicker after one transient 500: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one retry after the 500)", attempts)
	}
}

func TestDoReturnsPermanentErrorOnNonRetryableStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "not found")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetTicker(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
	var permErr *errs.PermanentExchangeError
	if !errors.As(err, &permErr) {
		t.Errorf("err = %T, want *errs.PermanentExchangeError", err)
	}
}

func TestDoReturnsAuthFailureOnAuthRetCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, errs.CodeAPIKeyInvalid, "invalid key", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetTicker(context.Background(), "BTCUSDT")
	var authErr *errs.AuthFailure
	if !asError(err, &authErr) {
		t.Errorf("err = %T, want *errs.AuthFailure", err)
	}
}

func TestCancelOrderTreatsOrderNotExistsAsSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, errs.CodeOrderNotExists, "order not exists", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ok, err := c.CancelOrder(context.Background(), "BTCUSDT", "abc123")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !ok {
		t.Error("expected CancelOrder to report success when the order no longer exists")
	}
}

func TestSetLeverageTreatsNotModifiedAsSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, errs.CodeLeverageNotModified, "leverage not modified", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ok, err := c.SetLeverage(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if !ok {
		t.Error("expected SetLeverage to report success when the exchange says leverage is unchanged")
	}
}

func TestGetPositionsSkipsZeroSizeEntries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": []map[string]string{
				{"symbol": "BTCUSDT", "side": "Buy", "size": "0", "avgPrice": "0", "markPrice": "0", "unrealisedPnl": "0"},
				{"symbol": "ETHUSDT", "side": "Sell", "size": "2", "avgPrice": "3000", "markPrice": "2990", "unrealisedPnl": "20"},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	positions, err := c.GetPositions(context.Background(), "")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1 (zero-size entries skipped)", len(positions))
	}
	if positions[0].Symbol != "ETHUSDT" || positions[0].Side != types.Sell {
		t.Errorf("positions[0] = %+v, want ETHUSDT/Sell", positions[0])
	}
}

func TestGetInstrumentsFollowsPagination(t *testing.T) {
	t.Parallel()

	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			writeEnvelope(w, 0, "OK", map[string]interface{}{
				"list": []map[string]interface{}{{
					"symbol": "BTCUSDT", "status": "Trading",
					"lotSizeFilter": map[string]string{"qtyStep": "0.001", "minOrderQty": "0.001"},
					"priceFilter":   map[string]string{"tickSize": "0.5"},
				}},
				"nextPageCursor": "cursor-2",
			})
			return
		}
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": []map[string]interface{}{{
				"symbol": "ETHUSDT", "status": "Trading",
				"lotSizeFilter": map[string]string{"qtyStep": "0.01", "minOrderQty": "0.01"},
				"priceFilter":   map[string]string{"tickSize": "0.05"},
			}},
			"nextPageCursor": "",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	instruments, err := c.GetInstruments(context.Background())
	if err != nil {
		t.Fatalf("GetInstruments: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("instruments = %d, want 2 across both pages", len(instruments))
	}
	if page != 2 {
		t.Errorf("pages fetched = %d, want 2", page)
	}
}

func TestBybitStatusMapsKnownStatuses(t *testing.T) {
	t.Parallel()

	cases := map[string]types.OrderStatus{
		"New":                     types.StatusNew,
		"Created":                 types.StatusNew,
		"Filled":                  types.StatusFilled,
		"PartiallyFilled":         types.StatusPartiallyFilled,
		"Cancelled":               types.StatusCancelled,
		"PartiallyFilledCanceled": types.StatusCancelled,
		"Rejected":                types.StatusRejected,
		"SomeUnknownStatus":       types.StatusNew,
	}
	for in, want := range cases {
		if got := bybitStatus(in); got != want {
			t.Errorf("bybitStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCalculateQuantityFromNotionalRoundsDownAndFloorsBelowMin(t *testing.T) {
	t.Parallel()
	inst := types.Instrument{
		Symbol:      "BTCUSDT",
		QtyStep:     decimal.NewFromFloat(0.001),
		MinOrderQty: decimal.NewFromFloat(0.01),
	}

	qty := CalculateQuantityFromNotional(inst, decimal.NewFromInt(1000), 1, decimal.NewFromInt(65000))
	want := decimal.NewFromFloat(0.015)
	if !qty.Equal(want) {
		t.Errorf("qty = %s, want %s", qty, want)
	}

	tiny := CalculateQuantityFromNotional(inst, decimal.NewFromInt(1), 1, decimal.NewFromInt(65000))
	if !tiny.IsZero() {
		t.Errorf("qty below min_order_qty = %s, want zero", tiny)
	}
}

func TestCalculateQuantityFromNotionalZeroPrice(t *testing.T) {
	t.Parallel()
	inst := types.Instrument{Symbol: "BTCUSDT", QtyStep: decimal.NewFromFloat(0.001)}
	qty := CalculateQuantityFromNotional(inst, decimal.NewFromInt(1000), 1, decimal.Zero)
	if !qty.IsZero() {
		t.Errorf("qty with zero price = %s, want zero", qty)
	}
}

// asError is a small type-assertion helper so each test can assert a
// concrete pointer-to-error-type without repeating the boilerplate. It
// matches the error's own concrete type only and does not unwrap.
func asError(err error, target interface{}) bool {
	type asser interface {
		As(interface{}) bool
	}
	switch t := target.(type) {
	case **errs.PermanentExchangeError:
		pe, ok := err.(*errs.PermanentExchangeError)
		if ok {
			*t = pe
		}
		return ok
	case **errs.AuthFailure:
		ae, ok := err.(*errs.AuthFailure)
		if ok {
			*t = ae
		}
		return ok
	default:
		_ = asser(nil)
		return false
	}
}
