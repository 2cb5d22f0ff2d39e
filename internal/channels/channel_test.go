package channels_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/pickupbot/internal/channels"
	"github.com/basket/pickupbot/internal/pickup"
)

var (
	_ channels.Channel = (*channels.TelegramChannel)(nil)
	_ pickup.Notifier  = (*channels.TelegramChannel)(nil)
	_ pickup.Notifier  = (*channels.LogNotifier)(nil)
)

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel(channels.TelegramConfig{Token: "fake-token"})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestLogNotifier_WritesEveryMessage(t *testing.T) {
	var buf bytes.Buffer
	n := channels.NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()

	notice := pickup.GuardNotice{
		Kind:    pickup.NoticeNew,
		Request: pickup.Request{ID: "req-log-1", Status: pickup.StatusPending, ArrivalMinutes: 10},
		Parent:  pickup.Parent{ID: 1, FullName: "Nodira Yusupova"},
		Child:   pickup.Child{ID: 2, FullName: "Timur", ClassName: "3B"},
	}
	if err := n.NotifyGuards(ctx, notice); err != nil {
		t.Fatalf("NotifyGuards: %v", err)
	}
	if err := n.UpdateGuards(ctx, notice); err != nil {
		t.Fatalf("UpdateGuards: %v", err)
	}
	if err := n.NotifyParent(ctx, 777, "Timur has been handed over"); err != nil {
		t.Fatalf("NotifyParent: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"guard notice", "guard notice updated", "req-log-1", "parent message", `"telegram_id":777`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}
