// Package channels connects pickup notifications and commands to chat
// platforms.
package channels

import (
	"context"
	"log/slog"

	"github.com/basket/pickupbot/internal/pickup"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// LogNotifier stands in for a chat channel when none is configured. Every
// notification is written to the log and reported as delivered.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) NotifyGuards(ctx context.Context, notice pickup.GuardNotice) error {
	n.logger.InfoContext(ctx, "guard notice", "request_id", notice.Request.ID, "text", pickup.GuardText(notice))
	return nil
}

func (n *LogNotifier) UpdateGuards(ctx context.Context, notice pickup.GuardNotice) error {
	n.logger.InfoContext(ctx, "guard notice updated", "request_id", notice.Request.ID, "text", pickup.GuardText(notice))
	return nil
}

func (n *LogNotifier) NotifyParent(ctx context.Context, telegramID int64, text string) error {
	n.logger.InfoContext(ctx, "parent message", "telegram_id", telegramID, "text", text)
	return nil
}
