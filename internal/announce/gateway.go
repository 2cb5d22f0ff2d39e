// Package announce speaks pickup reminders through the school's
// public-address system. A Gateway only reports success or failure; it never
// touches pickup state.
package announce

import (
	"context"
	"fmt"
	"log/slog"
)

// Gateway speaks text in a zone. An empty zone means the default zone.
type Gateway interface {
	Announce(ctx context.Context, text, zone string) error
}

// DeliveryFailure classifies a best-effort outbound delivery that did not
// go through: a PA announcement or a chat message. Callers log it and keep
// going; it never aborts the surrounding operation.
type DeliveryFailure struct {
	Channel string // "pa", "telegram", ...
	Target  string
	Err     error
}

func (e *DeliveryFailure) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Channel, e.Target, e.Err)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}

// Failure wraps err as a DeliveryFailure, or returns nil for a nil err.
func Failure(channel, target string, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryFailure{Channel: channel, Target: target, Err: err}
}

// LogGateway writes announcements to the log. It is the default when no PA
// controller is configured.
type LogGateway struct {
	logger *slog.Logger
}

func NewLogGateway(logger *slog.Logger) *LogGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogGateway{logger: logger.With("component", "pa")}
}

func (g *LogGateway) Announce(ctx context.Context, text, zone string) error {
	if err := ctx.Err(); err != nil {
		return Failure("pa", zone, err)
	}
	if zone == "" {
		g.logger.Info("pa announce", "text", text)
	} else {
		g.logger.Info("pa announce", "zone", zone, "text", text)
	}
	return nil
}
