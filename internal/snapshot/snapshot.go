// Package snapshot defines the persistent strategy-state cache contract,
// §4.7.7/§6.3. Production backing is Redis with a 7-day TTL; that layer is
// out of scope, so this package provides the interface plus an in-memory
// implementation with the same TTL behavior for tests and single-process
// deployments.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TTL is how long a snapshot survives without being refreshed, §4.7.7.
const TTL = 7 * 24 * time.Hour

// Store persists and restores opaque per-slot strategy state (confirmation
// counters, cooldown deadlines, position state including peak unrealized
// PnL) across restarts.
type Store interface {
	Save(ctx context.Context, userID int64, symbol string, accountPriority int, state []byte) error
	Load(ctx context.Context, userID int64, symbol string, accountPriority int) ([]byte, bool, error)
	Delete(ctx context.Context, userID int64, symbol string, accountPriority int) error
}

type entry struct {
	state     []byte
	expiresAt time.Time
}

// InMemory is a Store backed by a map with manual TTL expiry checked on
// read, standing in for the Redis layer.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewInMemory creates an empty InMemory snapshot store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]entry)}
}

func slotKey(userID int64, symbol string, accountPriority int) string {
	return fmt.Sprintf("%d:%s:%d", userID, symbol, accountPriority)
}

// Save implements Store.
func (m *InMemory) Save(_ context.Context, userID int64, symbol string, accountPriority int, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[slotKey(userID, symbol, accountPriority)] = entry{state: state, expiresAt: time.Now().Add(TTL)}
	return nil
}

// Load implements Store. A missing or expired entry reports found=false.
func (m *InMemory) Load(_ context.Context, userID int64, symbol string, accountPriority int) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[slotKey(userID, symbol, accountPriority)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.state, true, nil
}

// Delete implements Store.
func (m *InMemory) Delete(_ context.Context, userID int64, symbol string, accountPriority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, slotKey(userID, symbol, accountPriority))
	return nil
}
