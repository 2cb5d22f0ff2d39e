package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/persistence"
	"github.com/basket/pickupbot/internal/pickup"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HomeDir:                t.TempDir(),
		BindAddr:               "127.0.0.1:18790",
		LogLevel:               "info",
		Timezone:               "Asia/Tashkent",
		DeliveryTimeoutSeconds: 10,
		Voice:                  config.VoiceConfig{Mode: "auto", WindowStart: "14:00", WindowEnd: "19:00"},
		Scheduler:              config.SchedulerConfig{PollIntervalSeconds: 20, AnnounceIntervalMinutes: 4, StaleAfterMinutes: 120, ExpirySweep: "@every 10m"},
		Announce:               config.AnnounceConfig{Backend: "log", TimeoutSeconds: 10},
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if d.Results[0].Status != StatusFail {
		t.Fatalf("expected config FAIL, got %+v", d.Results[0])
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("expected %s SKIP for nil config, got %s", r.Name, r.Status)
		}
	}
	if !d.Failed() {
		t.Fatal("expected diagnosis to be failed")
	}
	if d.System.Version != "test" {
		t.Fatalf("unexpected version %q", d.System.Version)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	if r := checkDatabase(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN for empty database, got %+v", r)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "pickupbot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.CreateParent(context.Background(), pickup.Parent{TelegramID: 1, FullName: "Aziza"}); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	store.Close()

	if r := checkDatabase(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckDatabase_Unopenable(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.HomeDir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg.DBPath = filepath.Join(blocker, "pickupbot.db")
	if r := checkDatabase(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckTimezone(t *testing.T) {
	cfg := testConfig(t)
	if r := checkTimezone(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
	cfg.Timezone = "Mars/Olympus"
	if r := checkTimezone(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.ExpirySweep = "@every 10m"
	if r := checkSchedule(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
	cfg.Scheduler.ExpirySweep = "every ten minutes"
	if r := checkSchedule(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for bad spec, got %+v", r)
	}
}

func TestCheckTelegram(t *testing.T) {
	tests := []struct {
		name string
		tg   config.TelegramConfig
		want string
	}{
		{"disabled", config.TelegramConfig{}, StatusWarn},
		{"no token", config.TelegramConfig{Enabled: true, GuardChatID: -100}, StatusFail},
		{"no guard chat", config.TelegramConfig{Enabled: true, Token: "t"}, StatusFail},
		{"no admins", config.TelegramConfig{Enabled: true, Token: "t", GuardChatID: -100}, StatusWarn},
		{"complete", config.TelegramConfig{Enabled: true, Token: "t", GuardChatID: -100, AdminIDs: []int64{5}}, StatusPass},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Channels.Telegram = tc.tg
			if r := checkTelegram(context.Background(), cfg); r.Status != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, r)
			}
		})
	}
}

func TestCheckAdminAPI(t *testing.T) {
	cfg := testConfig(t)
	if r := checkAdminAPI(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN without token, got %+v", r)
	}
	cfg.AuthToken = "secret"
	if r := checkAdminAPI(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckAnnounce_LogBackend(t *testing.T) {
	cfg := testConfig(t)
	if r := checkAnnounce(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN for log backend, got %+v", r)
	}
}

func TestCheckAnnounce_InvalidURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Announce.Backend = "http"
	cfg.Announce.URL = "not a url"
	if r := checkAnnounce(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckAnnounce_Localhost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Announce.Backend = "http"
	cfg.Announce.URL = "http://localhost:8080/announce"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := checkAnnounce(ctx, cfg)
	if r.Name != "PA Gateway" {
		t.Fatalf("expected name PA Gateway, got %s", r.Name)
	}
	// Resolver behavior varies in sandboxes.
	if r.Status != StatusPass && r.Status != StatusFail {
		t.Fatalf("expected PASS or FAIL, got %s", r.Status)
	}
}

func TestCheckAnnounce_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Announce.Backend = "http"
	cfg.Announce.URL = "http://pa.school.invalid/announce"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkAnnounce(ctx, cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for canceled context, got %s", r.Status)
	}
}
