// Package doctor runs read-only installation checks for the pickup bot.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/cron"
	"github.com/basket/pickupbot/internal/persistence"
	"github.com/basket/pickupbot/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkTimezone,
		checkSchedule,
		checkTelegram,
		checkAdminAPI,
		checkAnnounce,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults",
			Detail: fmt.Sprintf("create %s", config.ConfigPath(cfg.HomeDir))}
	}
	if err := config.Validate(*cfg); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.DatabasePath()
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err), Detail: path}
	}
	var parents int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM parents;`).Scan(&parents); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	if parents == 0 {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: "Schema valid but no parents registered", Detail: path}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d parents registered", parents), Detail: path}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkTimezone(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Timezone", Status: StatusSkip, Message: "Config missing"}
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return CheckResult{Name: "Timezone", Status: StatusFail, Message: fmt.Sprintf("Unknown timezone %q", cfg.Timezone),
			Detail: "install tzdata or set timezone to an IANA name"}
	}
	now := time.Now().In(loc)
	return CheckResult{
		Name:    "Timezone",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s (local time %s)", loc, now.Format("15:04")),
		Detail:  fmt.Sprintf("voice window %s-%s", cfg.Voice.WindowStart, cfg.Voice.WindowEnd),
	}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Expiry sweep", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.Scheduler.ExpirySweep, time.Now())
	if err != nil {
		return CheckResult{Name: "Expiry sweep", Status: StatusFail, Message: err.Error(),
			Detail: "set scheduler.expiry_sweep to a cron spec such as @every 10m"}
	}
	return CheckResult{Name: "Expiry sweep", Status: StatusPass,
		Message: fmt.Sprintf("%s (next run %s)", cfg.Scheduler.ExpirySweep, next.Format(time.DateTime))}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "Telegram disabled, guard notices go to the log only"}
	}
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Telegram enabled but no token set",
			Detail: "set TELEGRAM_TOKEN or channels.telegram.token"}
	}
	if tg.GuardChatID == 0 {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "guard_chat_id not set"}
	}
	if len(tg.AdminIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No admin_ids, /voice is unavailable in chat"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass,
		Message: fmt.Sprintf("Token set, guard chat %d, %d admins", tg.GuardChatID, len(tg.AdminIDs))}
}

func checkAdminAPI(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Admin API", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.AuthToken == "" {
		return CheckResult{Name: "Admin API", Status: StatusWarn, Message: "auth_token empty, every API call except /healthz is refused",
			Detail: "set PICKUPBOT_AUTH_TOKEN"}
	}
	return CheckResult{Name: "Admin API", Status: StatusPass, Message: fmt.Sprintf("Listening on %s with bearer auth", cfg.BindAddr)}
}

// checkAnnounce resolves the PA controller host when the http backend is used.
func checkAnnounce(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "PA Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Announce.Backend != "http" {
		return CheckResult{Name: "PA Gateway", Status: StatusWarn, Message: "Log backend, announcements are not spoken"}
	}
	u, err := url.Parse(cfg.Announce.URL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "PA Gateway", Status: StatusFail, Message: fmt.Sprintf("Invalid announce.url %q", shared.RedactURL(cfg.Announce.URL))}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "PA Gateway",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "PA Gateway",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("zone=%s, addresses=%v", cfg.Announce.Zone, addrs),
	}
}
