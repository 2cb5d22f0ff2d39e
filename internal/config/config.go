package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/pickupbot/internal/otel"
	"github.com/basket/pickupbot/internal/policy"
)

type VoiceConfig struct {
	Mode        string `yaml:"mode" validate:"omitempty,voicemode"`
	WindowStart string `yaml:"window_start" validate:"clock"`
	WindowEnd   string `yaml:"window_end" validate:"clock"`
}

type SchedulerConfig struct {
	PollIntervalSeconds     int    `yaml:"poll_interval_seconds" validate:"gte=1,lte=3600"`
	AnnounceIntervalMinutes int    `yaml:"announce_interval_minutes" validate:"gte=1,lte=120"`
	StaleAfterMinutes       int    `yaml:"stale_after_minutes" validate:"gte=1"`
	ExpirySweep             string `yaml:"expiry_sweep"`
}

type AnnounceConfig struct {
	// Backend is "log" (default) or "http".
	Backend        string `yaml:"backend" validate:"oneof=log http"`
	URL            string `yaml:"url" validate:"omitempty,url"`
	Token          string `yaml:"token"`
	Zone           string `yaml:"zone"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=1,lte=120"`
}

type TelegramConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Token       string  `yaml:"token" validate:"required_if=Enabled true"`
	GuardChatID int64   `yaml:"guard_chat_id" validate:"required_if=Enabled true"`
	AdminIDs    []int64 `yaml:"admin_ids"`
	GuardIDs    []int64 `yaml:"guard_ids"`
}

// GatewayConfig tunes the HTTP admin surface.
type GatewayConfig struct {
	AllowOrigins       []string `yaml:"allow_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" validate:"gte=0"`
	RateLimitBurst     int      `yaml:"rate_limit_burst" validate:"gte=0"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes" validate:"gte=0"`
}

// RateLimitEnabled is false when rate_limit_per_minute is 0.
func (g GatewayConfig) RateLimitEnabled() bool {
	return g.RateLimitPerMinute > 0
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr               string `yaml:"bind_addr" validate:"required,hostname_port"`
	LogLevel               string `yaml:"log_level" validate:"oneof=debug info warn error"`
	AuthToken              string `yaml:"auth_token"`
	Timezone               string `yaml:"timezone" validate:"required,timezone"`
	DBPath                 string `yaml:"db_path"`
	DeliveryTimeoutSeconds int    `yaml:"delivery_timeout_seconds" validate:"gte=1,lte=300"`
	DrainTimeoutSeconds    int    `yaml:"drain_timeout_seconds" validate:"gte=0"`

	Voice     VoiceConfig     `yaml:"voice"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Announce  AnnounceConfig  `yaml:"announce"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry otel.Config     `yaml:"telemetry"`

	// NeedsSetup is true when no config.yaml existed and defaults were used.
	NeedsSetup bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18790",
		LogLevel:               "info",
		Timezone:               policy.DefaultTimezone,
		DeliveryTimeoutSeconds: 10,
		DrainTimeoutSeconds:    5,
		Voice: VoiceConfig{
			Mode:        "auto",
			WindowStart: "14:00",
			WindowEnd:   "19:00",
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds:     20,
			AnnounceIntervalMinutes: 4,
			StaleAfterMinutes:       120,
			ExpirySweep:             "@every 10m",
		},
		Announce: AnnounceConfig{
			Backend:        "log",
			TimeoutSeconds: 10,
		},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
			MaxBodyBytes:       64 * 1024,
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "pickupbot",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("PICKUPBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pickupbot")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir, applies <home>/.env and the process
// environment on top, fills defaults and validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pickupbot home: %w", err)
	}

	// Variables already set in the environment win over .env.
	envPath := filepath.Join(cfg.HomeDir, ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsSetup = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.DeliveryTimeoutSeconds <= 0 {
		cfg.DeliveryTimeoutSeconds = def.DeliveryTimeoutSeconds
	}
	if cfg.Voice.WindowStart == "" {
		cfg.Voice.WindowStart = def.Voice.WindowStart
	}
	if cfg.Voice.WindowEnd == "" {
		cfg.Voice.WindowEnd = def.Voice.WindowEnd
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = def.Scheduler.PollIntervalSeconds
	}
	if cfg.Scheduler.AnnounceIntervalMinutes <= 0 {
		cfg.Scheduler.AnnounceIntervalMinutes = def.Scheduler.AnnounceIntervalMinutes
	}
	if cfg.Scheduler.StaleAfterMinutes <= 0 {
		cfg.Scheduler.StaleAfterMinutes = def.Scheduler.StaleAfterMinutes
	}
	if cfg.Scheduler.ExpirySweep == "" {
		cfg.Scheduler.ExpirySweep = def.Scheduler.ExpirySweep
	}
	cfg.Announce.Backend = strings.ToLower(strings.TrimSpace(cfg.Announce.Backend))
	if cfg.Announce.Backend == "" {
		cfg.Announce.Backend = def.Announce.Backend
	}
	if cfg.Announce.TimeoutSeconds <= 0 {
		cfg.Announce.TimeoutSeconds = def.Announce.TimeoutSeconds
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("PICKUPBOT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PICKUPBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PICKUPBOT_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("PICKUPBOT_TIMEZONE"); raw != "" {
		cfg.Timezone = raw
	}
	if raw := os.Getenv("PICKUPBOT_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("PICKUPBOT_VOICE_MODE"); raw != "" {
		cfg.Voice.Mode = raw
	}
	if raw := os.Getenv("PICKUPBOT_PA_URL"); raw != "" {
		cfg.Announce.URL = raw
		cfg.Announce.Backend = "http"
	}
	if raw := os.Getenv("PICKUPBOT_PA_TOKEN"); raw != "" {
		cfg.Announce.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("PICKUPBOT_GUARD_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("PICKUPBOT_GUARD_CHAT_ID: %w", err)
		}
		cfg.Channels.Telegram.GuardChatID = id
	}
	if raw := os.Getenv("PICKUPBOT_ADMIN_IDS"); raw != "" {
		ids, err := parseIDList(raw)
		if err != nil {
			return fmt.Errorf("PICKUPBOT_ADMIN_IDS: %w", err)
		}
		cfg.Channels.Telegram.AdminIDs = ids
	}
	return nil
}

func parseIDList(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml key names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := policy.ParseClock(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("voicemode", func(fl validator.FieldLevel) bool {
		_, err := policy.ParseVoiceMode(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks cfg and returns a readable list of offending keys.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		if cfg.Announce.Backend == "http" && cfg.Announce.URL == "" {
			return errors.New("invalid config: announce.url: required when backend is http")
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// VoiceMode returns the configured initial mode (AUTO when unset).
func (c Config) VoiceMode() policy.VoiceMode {
	mode, err := policy.ParseVoiceMode(c.Voice.Mode)
	if err != nil {
		return policy.ModeAuto
	}
	return mode
}

// Window builds the announcement window in the configured timezone.
func (c Config) Window() policy.Window {
	w := policy.DefaultWindow()
	if start, err := policy.ParseClock(c.Voice.WindowStart); err == nil {
		w.Start = start
	}
	if end, err := policy.ParseClock(c.Voice.WindowEnd); err == nil {
		w.End = end
	}
	w.Location = policy.LoadLocation(c.Timezone)
	return w
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

func (c Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Scheduler.AnnounceIntervalMinutes) * time.Minute
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Scheduler.StaleAfterMinutes) * time.Minute
}

func (c Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	if c.DrainTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// IsAdmin reports whether a Telegram user may change the voice mode.
func (c Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.Channels.Telegram.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// IsGuard reports whether a Telegram user may confirm handoffs. Admins are
// always guards.
func (c Config) IsGuard(telegramID int64) bool {
	if c.IsAdmin(telegramID) {
		return true
	}
	for _, id := range c.Channels.Telegram.GuardIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tz=%s|voice=%s|win=%s-%s|poll=%d|every=%d|pa=%s",
		c.BindAddr, c.LogLevel, c.Timezone, c.Voice.Mode, c.Voice.WindowStart, c.Voice.WindowEnd,
		c.Scheduler.PollIntervalSeconds, c.Scheduler.AnnounceIntervalMinutes, c.Announce.Backend)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DatabasePath is db_path or <home>/pickupbot.db.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "pickupbot.db")
}
