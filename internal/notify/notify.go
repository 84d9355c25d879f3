// Package notify delivers short out-of-band messages to principals on the
// external messaging platform that identifies them.
//
// Two drivers exist: "log" writes the message to the service log and is
// meant for development, "telegram" sends it through the Telegram Bot API to
// the chat whose ID is the principal's external ID.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/config"
)

var (
	// ErrNotConfigured indicates a driver is missing required settings.
	ErrNotConfigured = errors.New("notify: not configured")

	// ErrRecipientUnavailable indicates the recipient cannot be reached,
	// e.g. an unknown chat or a user who blocked the bot.
	ErrRecipientUnavailable = errors.New("notify: recipient unavailable")

	// ErrRateLimited indicates the platform refused the message for rate.
	ErrRateLimited = errors.New("notify: rate limited")
)

// Notifier sends text to the principal with the given external ID.
type Notifier interface {
	Send(ctx context.Context, externalID, text string) error
}

// Logger is the logging interface used by notifiers.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New builds the notifier selected by cfg.Driver.
func New(cfg config.NotifyConfig, logger Logger) (Notifier, error) {
	switch cfg.Driver {
	case "", "log":
		if logger != nil {
			logger.Warn("log notifier selected: one-time codes are written to the log, do not use in production")
		}
		return NewLogNotifier(logger), nil
	case "telegram":
		return NewTelegramNotifier(cfg.Telegram, logger)
	default:
		return nil, fmt.Errorf("notify: unknown driver %q", cfg.Driver)
	}
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, externalID, text string) error

// Send calls f.
func (f Func) Send(ctx context.Context, externalID, text string) error {
	return f(ctx, externalID, text)
}
