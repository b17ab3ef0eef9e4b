// Package creds defines the credential lookup contract strategy and engine
// code depend on, §4.1/§6.4. The production backing (an encrypted store fed
// by a Telegram onboarding flow) is out of scope; this package provides the
// interface plus an in-memory implementation suitable for tests and single-
// operator deployments.
package creds

import (
	"context"
	"fmt"
	"sync"

	"bybit-scalper-engine/internal/exchange"
)

// Provider resolves API credentials for a (user, exchange, account
// priority) triple. account_priority lets one user run multiple sub-accounts
// against the same exchange, each independently rate-limited and position-
// tracked, §6.4.
type Provider interface {
	GetAPIKeys(ctx context.Context, userID int64, exchangeName string, accountPriority int) (exchange.Credentials, error)
}

// InMemory is a static Provider backed by a map, for tests and single-
// operator deployments that configure credentials directly.
type InMemory struct {
	mu    sync.RWMutex
	creds map[key]exchange.Credentials
}

type key struct {
	userID          int64
	exchangeName    string
	accountPriority int
}

// NewInMemory creates an empty InMemory provider.
func NewInMemory() *InMemory {
	return &InMemory{creds: make(map[key]exchange.Credentials)}
}

// Set registers credentials for a (user, exchange, account) triple.
func (m *InMemory) Set(userID int64, exchangeName string, accountPriority int, creds exchange.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[key{userID, exchangeName, accountPriority}] = creds
}

// GetAPIKeys implements Provider.
func (m *InMemory) GetAPIKeys(_ context.Context, userID int64, exchangeName string, accountPriority int) (exchange.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[key{userID, exchangeName, accountPriority}]
	if !ok {
		return exchange.Credentials{}, fmt.Errorf("no credentials for user=%d exchange=%s account=%d", userID, exchangeName, accountPriority)
	}
	return c, nil
}
