// Package eventbus implements the engine's internal publish/subscribe
// backbone, §4.3. Every cross-package signal (price ticks, fills, session
// requests, risk breaches) flows through it instead of direct channel wiring
// between packages — the shape the teacher's Engine uses for its per-market
// tradeCh/orderCh channels, generalized here to an arbitrary number of typed
// topics and subscribers instead of two hardcoded ones.
package eventbus

import (
	"context"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// queueSize is the bound on each subscriber's per-topic queue, §4.3. A slow
// subscriber drops its oldest queued event rather than blocking the
// publisher.
const queueSize = 1024

// Bus dispatches events by their concrete Go type. Publish order from a
// single publisher goroutine is preserved per-subscriber; there is no
// ordering guarantee across distinct publishers.
type Bus struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[reflect.Type][]*subscriber
}

type subscriber struct {
	id      int
	queue   chan interface{}
	cancel  chan struct{}
}

// New creates an empty Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "eventbus").Logger(),
		subs:   make(map[reflect.Type][]*subscriber),
	}
}

// Publish fans event out to every subscriber of its concrete type. Never
// blocks: a full subscriber queue drops the oldest entry and logs a warning,
// §4.3.
func (b *Bus) Publish(event interface{}) {
	t := reflect.TypeOf(event)

	b.mu.RLock()
	subs := b.subs[t]
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- event:
		default:
			select {
			case <-s.queue:
				b.logger.Warn().Str("type", t.String()).Int("subscriber", s.id).Msg("subscriber queue full, dropped oldest event")
			default:
			}
			select {
			case s.queue <- event:
			default:
			}
		}
	}
}

// Handle is a subscriber callback. dispatch recovers any panic it raises and
// logs it rather than letting it take down the subscriber's goroutine.
type Handle func(event interface{})

// Subscribe registers handle to run for every event whose concrete type
// matches sample (a zero value of the event type, e.g. types.OrderFilled{}).
// Subscribe spawns its own dispatch goroutine; cancel it via the returned
// func or by cancelling ctx. A handler error is logged, never unsubscribes.
func (b *Bus) Subscribe(ctx context.Context, sample interface{}, handle Handle) func() {
	t := reflect.TypeOf(sample)
	s := &subscriber{
		queue:  make(chan interface{}, queueSize),
		cancel: make(chan struct{}),
	}

	b.mu.Lock()
	s.id = len(b.subs[t])
	b.subs[t] = append(b.subs[t], s)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.cancel:
				return
			case event := <-s.queue:
				b.dispatch(t, handle, event)
			}
		}
	}()

	return func() {
		close(s.cancel)
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, cur := range list {
			if cur == s {
				b.subs[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) dispatch(t reflect.Type, handle Handle, event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("type", t.String()).Msg("event handler panicked")
		}
	}()
	handle(event)
}
