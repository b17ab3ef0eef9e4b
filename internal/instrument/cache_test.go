package instrument

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"bybit-scalper-engine/pkg/types"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int32
	instr   map[string]types.Instrument
	err     error
	onFetch func()
}

func (f *fakeFetcher) GetInstruments(ctx context.Context) (map[string]types.Instrument, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.onFetch != nil {
		f.onFetch()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.instr, nil
}

func TestGetFetchesOnFirstCall(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{instr: map[string]types.Instrument{"BTCUSDT": {Symbol: "BTCUSDT"}}}
	c := New(fetcher, zerolog.Nop())

	inst, err := c.Get(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", inst.Symbol)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}
}

func TestGetServesFromCacheWithinTTL(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{instr: map[string]types.Instrument{"BTCUSDT": {Symbol: "BTCUSDT"}}}
	c := New(fetcher, zerolog.Nop())

	if _, err := c.Get(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("fetch calls = %d, want 1 (second call should hit the warm cache)", fetcher.calls)
	}
}

func TestGetUnknownSymbolAfterRefreshReturnsError(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{instr: map[string]types.Instrument{"BTCUSDT": {Symbol: "BTCUSDT"}}}
	c := New(fetcher, zerolog.Nop())

	_, err := c.Get(context.Background(), "ETHUSDT")
	if err == nil {
		t.Fatal("expected an error for a symbol absent from the fetched set")
	}
}

func TestGetServesStaleOnRefreshErrorIfAlreadyCached(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{instr: map[string]types.Instrument{"BTCUSDT": {Symbol: "BTCUSDT"}}}
	c := New(fetcher, zerolog.Nop())

	if _, err := c.Get(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Force staleness and a failing fetch on the next refresh.
	c.mu.Lock()
	c.lastRefresh = c.lastRefresh.Add(-2 * TTL)
	c.mu.Unlock()
	fetcher.err = errors.New("exchange unavailable")

	inst, err := c.Get(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Get after refresh failure with a warm cache = %v, want nil (serve stale)", err)
	}
	if inst.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want the stale cached entry preserved", inst.Symbol)
	}
}

func TestRefreshCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fetcher := &fakeFetcher{instr: map[string]types.Instrument{"BTCUSDT": {Symbol: "BTCUSDT"}}}
	fetcher.onFetch = func() {
		once.Do(func() { close(started) })
		<-release
	}
	c := New(fetcher, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Get(context.Background(), "BTCUSDT")
		}()
	}

	<-started
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("fetch calls = %d, want exactly 1 (concurrent Get calls should coalesce into one refresh)", fetcher.calls)
	}
}
