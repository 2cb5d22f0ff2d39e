// Package cron runs the repeat-announcement loop: every poll interval it
// finds pickups whose next announcement is due, speaks them through the PA
// gateway and records the successes. It also sweeps stale requests on a cron
// schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/pickupbot/internal/announce"
	"github.com/basket/pickupbot/internal/bus"
	"github.com/basket/pickupbot/internal/otel"
	"github.com/basket/pickupbot/internal/pickup"
	"github.com/basket/pickupbot/internal/policy"
	"github.com/basket/pickupbot/internal/shared"
)

const (
	DefaultPollInterval = 20 * time.Second
	DefaultExpirySweep  = "@every 10m"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 10m" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Store is the slice of persistence the loop needs.
type Store interface {
	DueAnnouncements(ctx context.Context, now time.Time) ([]pickup.Request, error)
	RecordAnnouncements(ctx context.Context, ids []string, now time.Time, interval time.Duration) (int64, error)
}

// Lifecycle builds announcement texts and expires stale requests.
// pickup.Service satisfies it.
type Lifecycle interface {
	AnnouncementFor(ctx context.Context, req pickup.Request) (string, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store            Store
	Lifecycle        Lifecycle
	Gateway          announce.Gateway
	Policy           *policy.Policy
	Bus              *bus.Bus
	Metrics          *otel.Metrics
	Tracer           trace.Tracer
	Logger           *slog.Logger
	Interval         time.Duration // poll interval; defaults to 20s
	AnnounceInterval time.Duration // defaults to pickup.AnnounceInterval
	ExpirySweep      string        // cron expression; defaults to "@every 10m", "-" disables
	Zone             string
	DeliveryTimeout  time.Duration
	Now              func() time.Time
}

// Scheduler is the background repeat-announcement loop.
type Scheduler struct {
	store            Store
	lifecycle        Lifecycle
	gateway          announce.Gateway
	policy           *policy.Policy
	bus              *bus.Bus
	metrics          *otel.Metrics
	tracer           trace.Tracer
	logger           *slog.Logger
	interval         time.Duration
	announceInterval time.Duration
	sweep            cronlib.Schedule
	zone             string
	deliveryTimeout  time.Duration
	now              func() time.Time

	nextSweep time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the sweep expression and applies defaults.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	announceInterval := cfg.AnnounceInterval
	if announceInterval <= 0 {
		announceInterval = pickup.AnnounceInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.New(nil, policy.DefaultWindow())
	}
	if cfg.Gateway == nil {
		cfg.Gateway = announce.NewLogGateway(logger)
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}

	var sweep cronlib.Schedule
	expr := cfg.ExpirySweep
	if expr == "" {
		expr = DefaultExpirySweep
	}
	if expr != "-" {
		parsed, err := cronParser.Parse(expr)
		if err != nil {
			return nil, err
		}
		sweep = parsed
	}

	return &Scheduler{
		store:            cfg.Store,
		lifecycle:        cfg.Lifecycle,
		gateway:          cfg.Gateway,
		policy:           cfg.Policy,
		bus:              cfg.Bus,
		metrics:          cfg.Metrics,
		tracer:           cfg.Tracer,
		logger:           logger.With("component", "scheduler"),
		interval:         interval,
		announceInterval: announceInterval,
		sweep:            sweep,
		zone:             cfg.Zone,
		deliveryTimeout:  cfg.DeliveryTimeout,
		now:              cfg.Now,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("announcement scheduler started",
		"interval", s.interval,
		"announce_interval", s.announceInterval,
	)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("announcement scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on startup, then on each tick.
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	// The in-flight tick completes on Stop: it runs on a context that is
	// detached from cancellation.
	tickCtx := shared.WithTraceID(context.WithoutCancel(ctx), shared.NewTraceID())
	now := s.now()
	s.maybeSweep(tickCtx, now)
	s.Tick(tickCtx, now)
}

func (s *Scheduler) maybeSweep(ctx context.Context, now time.Time) {
	if s.sweep == nil || s.lifecycle == nil {
		return
	}
	if s.nextSweep.IsZero() {
		s.nextSweep = s.sweep.Next(now)
		return
	}
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = s.sweep.Next(now)
	if _, err := s.lifecycle.ExpireStale(ctx, now); err != nil {
		s.logger.Error("expiry sweep failed", "trace_id", shared.TraceID(ctx), "error", err)
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Skipped   bool // policy inactive, store not queried
	Due       int
	Announced int64
	Failed    int
}

// Tick runs one announcement cycle at now. Gateway failures leave the
// request due for the next tick; successes are committed together.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickResult {
	started := time.Now()
	ctx, span := otel.StartSpan(ctx, s.tracer, "scheduler.tick")
	var res TickResult
	defer func() {
		span.SetAttributes(otel.AttrDueCount.Int(res.Due))
		span.End()
		s.metrics.RecordTick(ctx, time.Since(started), res.Due)
	}()

	if !s.policy.IsActive(now) {
		res.Skipped = true
		return res
	}

	due, err := s.store.DueAnnouncements(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due announcements", "trace_id", shared.TraceID(ctx), "error", err)
		return res
	}
	res.Due = len(due)

	var announced []pickup.Request
	for _, req := range due {
		// The mode can flip mid-batch; never reuse the first answer.
		if !s.policy.IsActive(s.now()) {
			s.metrics.RecordAnnouncement(ctx, "skipped")
			continue
		}
		if err := s.announce(ctx, req); err != nil {
			res.Failed++
			s.metrics.RecordAnnouncement(ctx, "failed")
			s.metrics.RecordDeliveryFailure(ctx, "pa")
			s.logger.Warn("announcement failed, will retry",
				"trace_id", shared.TraceID(ctx),
				"request_id", req.ID,
				"error", shared.Redact(err.Error()),
			)
			s.bus.Publish(bus.TopicDeliveryFailed, bus.DeliveryFailedEvent{
				Channel:   "pa",
				Target:    s.zone,
				RequestID: req.ID,
				Error:     shared.Redact(err.Error()),
			})
			continue
		}
		s.metrics.RecordAnnouncement(ctx, "ok")
		announced = append(announced, req)
	}

	if len(announced) == 0 {
		return res
	}
	ids := make([]string, len(announced))
	for i, req := range announced {
		ids[i] = req.ID
	}
	n, err := s.store.RecordAnnouncements(ctx, ids, now, s.announceInterval)
	if err != nil {
		s.logger.Error("failed to record announcements",
			"trace_id", shared.TraceID(ctx),
			"count", len(ids),
			"error", err,
		)
		return res
	}
	res.Announced = n
	for _, req := range announced {
		s.bus.Publish(bus.TopicPickupAnnounced, bus.PickupEvent{
			RequestID:      req.ID,
			ParentID:       req.ParentID,
			ChildID:        req.ChildID,
			Status:         string(pickup.StatusAnnounced),
			ArrivalMinutes: req.ArrivalMinutes,
			AnnounceCount:  req.AnnounceCount + 1,
			At:             now.UTC(),
		})
	}
	s.logger.Info("announcements recorded",
		"trace_id", shared.TraceID(ctx),
		"due", res.Due,
		"announced", n,
		"failed", res.Failed,
	)
	return res
}

func (s *Scheduler) announce(ctx context.Context, req pickup.Request) error {
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "pa.announce",
		otel.AttrRequestID.String(req.ID),
		otel.AttrZone.String(s.zone),
		attribute.Int("pickupbot.announce.count", req.AnnounceCount),
	)
	defer span.End()

	text, err := s.lifecycle.AnnouncementFor(ctx, req)
	if err != nil {
		return otel.Fail(span, err)
	}
	dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()
	return otel.Fail(span, s.gateway.Announce(dctx, text, s.zone))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
