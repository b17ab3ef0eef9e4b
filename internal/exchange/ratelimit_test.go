package exchange

import (
	"context"
	"testing"
	"time"
)

func TestWaitDoesNotBlockFirstRequestOnADomain(t *testing.T) {
	t.Parallel()
	d := NewDomainLimiter()

	start := time.Now()
	if err := d.Wait(context.Background(), "order"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("first call on a new domain took %v, want near-instant", elapsed)
	}
}

func TestWaitEnforcesMinimumGapOnSameDomain(t *testing.T) {
	t.Parallel()
	d := NewDomainLimiter()
	ctx := context.Background()

	if err := d.Wait(ctx, "order"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	start := time.Now()
	if err := d.Wait(ctx, "order"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < minRequestGap-10*time.Millisecond {
		t.Errorf("second call on the same domain returned after %v, want at least ~%v", elapsed, minRequestGap)
	}
}

func TestWaitDoesNotBlockAcrossDifferentDomains(t *testing.T) {
	t.Parallel()
	d := NewDomainLimiter()
	ctx := context.Background()

	if err := d.Wait(ctx, "order"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	start := time.Now()
	if err := d.Wait(ctx, "position"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("call on an unrelated domain took %v, want near-instant", elapsed)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	d := NewDomainLimiter()
	ctx := context.Background()

	if err := d.Wait(ctx, "order"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Wait(cancelCtx, "order"); err == nil {
		t.Error("expected Wait to return an error once its context is cancelled before the gap elapses")
	}
}
