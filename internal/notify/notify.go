// Package notify defines the fire-and-forget user notification contract,
// §6.5. The production transport (Telegram) is out of scope; this package
// provides the interface plus a logging-only implementation.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier sends a best-effort message to a user. Callers must not block on
// or retry failures — a dropped notification is never allowed to affect
// order flow, §6.5.
type Notifier interface {
	SendMessage(ctx context.Context, userID int64, text string, parseMode string)
}

// LogNotifier logs messages instead of delivering them, standing in for the
// Telegram transport in tests and single-operator deployments.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// SendMessage implements Notifier.
func (n *LogNotifier) SendMessage(_ context.Context, userID int64, text string, parseMode string) {
	n.logger.Info().Int64("user_id", userID).Str("parse_mode", parseMode).Msg(text)
}
