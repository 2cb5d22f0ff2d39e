package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/policy"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// clearEnv unsets keys for the duration of the test so the host environment
// does not leak into Load.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

var envKeys = []string{
	"PICKUPBOT_BIND_ADDR", "PICKUPBOT_LOG_LEVEL", "PICKUPBOT_AUTH_TOKEN",
	"PICKUPBOT_TIMEZONE", "PICKUPBOT_DB_PATH", "PICKUPBOT_VOICE_MODE",
	"PICKUPBOT_PA_URL", "PICKUPBOT_PA_TOKEN", "TELEGRAM_TOKEN",
	"PICKUPBOT_GUARD_CHAT_ID", "PICKUPBOT_ADMIN_IDS",
}

func TestHomeDir_EnvOverride(t *testing.T) {
	t.Setenv("PICKUPBOT_HOME", "/tmp/pb-home")
	if got := config.HomeDir(); got != "/tmp/pb-home" {
		t.Fatalf("expected override, got %q", got)
	}
}

func TestHomeDir_DefaultUnderUserHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PICKUPBOT_HOME", "")
	t.Setenv("HOME", home)
	if got := config.HomeDir(); got != filepath.Join(home, ".pickupbot") {
		t.Fatalf("unexpected home dir %q", got)
	}
}

func TestLoad_NeedsSetupWhenNoConfig(t *testing.T) {
	clearEnv(t, envKeys...)
	home := filepath.Join(t.TempDir(), "pb")
	t.Setenv("PICKUPBOT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsSetup {
		t.Fatalf("expected NeedsSetup=true when config.yaml missing")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir to be created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, "{}\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected bind_addr %q", cfg.BindAddr)
	}
	if cfg.Timezone != policy.DefaultTimezone {
		t.Fatalf("expected default timezone, got %q", cfg.Timezone)
	}
	if cfg.VoiceMode() != policy.ModeAuto {
		t.Fatalf("expected AUTO, got %s", cfg.VoiceMode())
	}
	if cfg.PollInterval() != 20*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval())
	}
	if cfg.AnnounceInterval() != 4*time.Minute {
		t.Fatalf("unexpected announce interval %s", cfg.AnnounceInterval())
	}
	if cfg.StaleAfter() != 2*time.Hour {
		t.Fatalf("unexpected stale_after %s", cfg.StaleAfter())
	}
	if cfg.DeliveryTimeout() != 10*time.Second {
		t.Fatalf("unexpected delivery timeout %s", cfg.DeliveryTimeout())
	}
	if cfg.Announce.Backend != "log" {
		t.Fatalf("unexpected backend %q", cfg.Announce.Backend)
	}
	if cfg.DatabasePath() != filepath.Join(home, "pickupbot.db") {
		t.Fatalf("unexpected db path %q", cfg.DatabasePath())
	}
}

func TestLoad_YAMLValues(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, `
log_level: DEBUG
timezone: Europe/Berlin
voice:
  mode: force_off
  window_start: "13:30"
  window_end: "18:00"
scheduler:
  poll_interval_seconds: 5
  announce_interval_minutes: 3
announce:
  backend: http
  url: http://pa.local/announce
  zone: gate
channels:
  telegram:
    enabled: true
    token: "123456:abc"
    guard_chat_id: -100200
    admin_ids: [11, 12]
    guard_ids: [21]
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected lowercased log level, got %q", cfg.LogLevel)
	}
	if cfg.VoiceMode() != policy.ModeForceOff {
		t.Fatalf("expected FORCE_OFF, got %s", cfg.VoiceMode())
	}
	w := cfg.Window()
	if w.Start != 13*time.Hour+30*time.Minute || w.End != 18*time.Hour {
		t.Fatalf("unexpected window %s-%s", w.Start, w.End)
	}
	if w.Location.String() != "Europe/Berlin" {
		t.Fatalf("unexpected location %s", w.Location)
	}
	if cfg.Channels.Telegram.GuardChatID != -100200 {
		t.Fatalf("unexpected guard chat %d", cfg.Channels.Telegram.GuardChatID)
	}
	if !cfg.IsAdmin(12) || cfg.IsAdmin(21) {
		t.Fatalf("admin check wrong")
	}
	if !cfg.IsGuard(21) || !cfg.IsGuard(11) || cfg.IsGuard(99) {
		t.Fatalf("guard check wrong")
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:9000\nvoice:\n  mode: auto\n")
	t.Setenv("PICKUPBOT_BIND_ADDR", "127.0.0.1:9100")
	t.Setenv("PICKUPBOT_VOICE_MODE", "on")
	t.Setenv("TELEGRAM_TOKEN", "999:zzz")
	t.Setenv("PICKUPBOT_GUARD_CHAT_ID", "-42")
	t.Setenv("PICKUPBOT_ADMIN_IDS", "1, 2,3")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9100" {
		t.Fatalf("expected env bind addr, got %q", cfg.BindAddr)
	}
	if cfg.VoiceMode() != policy.ModeForceOn {
		t.Fatalf("expected FORCE_ON, got %s", cfg.VoiceMode())
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled || tg.Token != "999:zzz" || tg.GuardChatID != -42 {
		t.Fatalf("unexpected telegram config %+v", tg)
	}
	if len(tg.AdminIDs) != 3 || tg.AdminIDs[2] != 3 {
		t.Fatalf("unexpected admin ids %v", tg.AdminIDs)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, "{}\n")
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("PICKUPBOT_AUTH_TOKEN=from-dotenv\nPICKUPBOT_TIMEZONE=UTC\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AuthToken != "from-dotenv" {
		t.Fatalf("expected auth token from .env, got %q", cfg.AuthToken)
	}
	if cfg.Timezone != "UTC" {
		t.Fatalf("expected timezone from .env, got %q", cfg.Timezone)
	}
}

func TestLoad_ProcessEnvBeatsDotEnv(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, "{}\n")
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("PICKUPBOT_AUTH_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PICKUPBOT_AUTH_TOKEN", "from-process")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AuthToken != "from-process" {
		t.Fatalf("expected process env to win, got %q", cfg.AuthToken)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad timezone", "timezone: Mars/Olympus\n", "timezone"},
		{"bad voice mode", "voice:\n  mode: loud\n", "voice.mode"},
		{"bad clock", "voice:\n  window_start: \"25:99\"\n", "voice.window_start"},
		{"bad backend", "announce:\n  backend: smoke-signal\n", "announce.backend"},
		{"http without url", "announce:\n  backend: http\n", "announce.url"},
		{"telegram without token", "channels:\n  telegram:\n    enabled: true\n    guard_chat_id: 5\n", "channels.telegram.token"},
		{"bad log level", "log_level: chatty\n", "log_level"},
		{"bad sample rate", "telemetry:\n  sample_rate: 2\n", "telemetry.sample_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t, envKeys...)
			home := t.TempDir()
			writeConfig(t, home, tc.body)
			_, err := config.LoadFrom(home)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error to mention %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, "voice: [\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_BadGuardChatEnv(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, "{}\n")
	t.Setenv("PICKUPBOT_GUARD_CHAT_ID", "not-a-number")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected error for non-numeric guard chat id")
	}
}

func TestFingerprint_ChangesWithVoiceMode(t *testing.T) {
	clearEnv(t, envKeys...)
	home := t.TempDir()
	writeConfig(t, home, "{}\n")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	b.Voice.Mode = "off"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected fingerprint to change")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}
