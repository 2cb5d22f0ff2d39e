package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/basket/pickupbot/internal/announce"
	"github.com/basket/pickupbot/internal/audit"
	"github.com/basket/pickupbot/internal/bus"
	"github.com/basket/pickupbot/internal/channels"
	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/cron"
	"github.com/basket/pickupbot/internal/gateway"
	pbotel "github.com/basket/pickupbot/internal/otel"
	"github.com/basket/pickupbot/internal/persistence"
	"github.com/basket/pickupbot/internal/pickup"
	"github.com/basket/pickupbot/internal/policy"
	"github.com/basket/pickupbot/internal/shared"
	"github.com/basket/pickupbot/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: Telegram bot, announcement scheduler and admin API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serve(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to logs/system.jsonl only, not stdout")
	return cmd
}

func serve(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes before the logger so E_LOGGER_INIT failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if cfg.NeedsSetup {
		logger.Warn("config.yaml not found, running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("gateway.allow_origins is empty on non-loopback bind; browser dashboards must be same-origin", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()
	defer eventBus.Close()

	otelProvider, err := pbotel.Init(ctx, cfg.Telemetry, pbotel.Deployment{
		Version:  Version,
		Zone:     cfg.Announce.Zone,
		Timezone: cfg.Timezone,
		HomeDir:  cfg.HomeDir,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := pbotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	// The mode an admin last chose survives restarts; config only seeds it.
	settings := policy.NewVoiceSettings(cfg.VoiceMode(), store)
	mode, err := settings.Restore(ctx)
	if err != nil {
		logger.Warn("voice mode not restored, using config value", "mode", mode, "error", err)
	}
	pol := policy.New(settings, cfg.Window())
	logger.Info("startup phase", "phase", "policy_ready", "voice_mode", mode, "timezone", pol.Location().String())

	paGateway := newAnnounceGateway(cfg, logger)

	var (
		notifier pickup.Notifier
		tg       *channels.TelegramChannel
	)
	tgCfg := cfg.Channels.Telegram
	if tgCfg.Enabled && tgCfg.Token != "" {
		tg = channels.NewTelegramChannel(channels.TelegramConfig{
			Token:       tgCfg.Token,
			GuardChatID: tgCfg.GuardChatID,
			AdminIDs:    tgCfg.AdminIDs,
			GuardIDs:    tgCfg.GuardIDs,
			Directory:   store,
			Bus:         eventBus,
			Logger:      logger,
		})
		notifier = tg
	} else {
		logger.Warn("telegram channel disabled; guard and parent messages go to the log")
		notifier = channels.NewLogNotifier(logger)
	}

	svc := pickup.NewService(pickup.Config{
		Store:            store,
		Notifier:         notifier,
		Gateway:          paGateway,
		Policy:           pol,
		Bus:              eventBus,
		Metrics:          metrics,
		Logger:           logger,
		Zone:             cfg.Announce.Zone,
		StaleAfter:       cfg.StaleAfter(),
		AnnounceInterval: cfg.AnnounceInterval(),
		DeliveryTimeout:  cfg.DeliveryTimeout(),
	})
	if tg != nil {
		tg.Bind(svc)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel failed", "error", err)
			}
		}()
	}

	if n, err := svc.ExpireStale(ctx, time.Now()); err != nil {
		logger.Warn("startup expiry sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("expired stale pickups left from previous run", "count", n)
	}

	sched, err := cron.NewScheduler(cron.Config{
		Store:            store,
		Lifecycle:        svc,
		Gateway:          paGateway,
		Policy:           pol,
		Bus:              eventBus,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
		Logger:           logger,
		Interval:         cfg.PollInterval(),
		AnnounceInterval: cfg.AnnounceInterval(),
		ExpirySweep:      cfg.Scheduler.ExpirySweep,
		Zone:             cfg.Announce.Zone,
		DeliveryTimeout:  cfg.DeliveryTimeout(),
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Lifecycle:         svc,
		Bus:               eventBus,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		AuthToken:         authToken,
		Gateway:           cfg.Gateway,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	gw.StartEviction(ctx)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(ctx, confWatcher, cfg, svc, eventBus, logger)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; the deferred sched.Stop lets an in-flight tick
	// commit before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func newAnnounceGateway(cfg config.Config, logger *slog.Logger) announce.Gateway {
	if cfg.Announce.Backend == "http" {
		logger.Info("announcements go to PA controller", "url", shared.RedactURL(cfg.Announce.URL), "zone", cfg.Announce.Zone)
		return announce.NewHTTPGateway(cfg.Announce.URL, cfg.Announce.Token, cfg.Announce.Zone,
			time.Duration(cfg.Announce.TimeoutSeconds)*time.Second)
	}
	return announce.NewLogGateway(logger)
}

// watchConfig applies config hot reloads. Only voice.mode is live; other
// changes are logged and take effect on restart.
func watchConfig(ctx context.Context, w *config.Watcher, current config.Config, svc *pickup.Service, eventBus *bus.Bus, logger *slog.Logger) {
	for ev := range w.Events() {
		names := make([]string, 0, len(ev.Paths))
		for _, p := range ev.Paths {
			names = append(names, filepath.Base(p))
		}
		logger.Info("config hot-reload event", "files", names, "op", ev.Op.String())
		next, err := config.LoadFrom(current.HomeDir)
		if err != nil {
			logger.Error("config reload rejected; keeping previous config", "error", err)
			continue
		}
		if next.Voice.Mode != current.Voice.Mode {
			if err := svc.SetVoiceMode(ctx, next.VoiceMode(), "config"); err != nil {
				logger.Warn("voice mode from config not persisted", "error", err)
			}
		}
		if next.Fingerprint() != current.Fingerprint() {
			logger.Info("config changed; restart to apply settings other than voice.mode",
				"old", current.Fingerprint(), "new", next.Fingerprint())
		}
		current = next
		eventBus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
			Files:       names,
			Fingerprint: next.Fingerprint(),
			VoiceMode:   string(svc.VoiceMode()),
		})
	}
}

// loadAuthToken returns the admin API token from <home>/auth.token,
// generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
