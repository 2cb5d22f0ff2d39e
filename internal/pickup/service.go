package pickup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/basket/pickupbot/internal/announce"
	"github.com/basket/pickupbot/internal/bus"
	"github.com/basket/pickupbot/internal/otel"
	"github.com/basket/pickupbot/internal/policy"
	"github.com/basket/pickupbot/internal/shared"
)

const (
	// StaleAfter is how long an unresolved request stays open.
	StaleAfter = 2 * time.Hour
	// AnnounceInterval separates repeat announcements of one request.
	AnnounceInterval = 4 * time.Minute

	MaxArrivalMinutes = 180

	defaultDeliveryTimeout = 10 * time.Second
)

// Store is the persistence surface the lifecycle needs.
type Store interface {
	CreatePickup(ctx context.Context, parentID, childID int64, minutes int, now time.Time) (*Request, error)
	FindOpenPickup(ctx context.Context, parentID, childID int64) (*Request, error)
	UpdateArrival(ctx context.Context, id string, minutes int, now time.Time) error
	ExpireStale(ctx context.Context, before, now time.Time) (int64, error)
	MarkHandedOver(ctx context.Context, id string, now time.Time, operatorID string) (*Handoff, error)
	CreateClaimedPickup(ctx context.Context, parentID, childID int64, minutes int, now, claimUntil time.Time) (*Request, error)
	ConfirmAnnouncement(ctx context.Context, id string, now, claimUntil time.Time) (bool, error)
	ReleaseAnnouncement(ctx context.Context, id string, now, claimUntil time.Time) (bool, error)
	CountOpenToday(ctx context.Context, parentID int64, dayStart, dayEnd time.Time) (int, error)
	GetPickup(ctx context.Context, id string) (*Request, error)
	GetParent(ctx context.Context, id int64) (*Parent, error)
	GetChild(ctx context.Context, id int64) (*Child, error)
}

type NoticeKind int

const (
	NoticeNew NoticeKind = iota
	NoticeUpdated
	NoticeHandedOver
)

// GuardNotice carries everything the guard channel shows about a request.
type GuardNotice struct {
	Kind    NoticeKind
	Request Request
	Parent  Parent
	Child   Child
}

// Notifier delivers chat messages. UpdateGuards edits the card previously
// posted for the same request instead of posting a new one.
type Notifier interface {
	NotifyGuards(ctx context.Context, n GuardNotice) error
	UpdateGuards(ctx context.Context, n GuardNotice) error
	NotifyParent(ctx context.Context, telegramID int64, text string) error
}

// Result reports the outcome of RequestPickup.
type Result struct {
	Request   Request
	Parent    Parent
	Child     Child
	Updated   bool
	Announced bool
	Expired   int64
	Failures  []*announce.DeliveryFailure // best-effort deliveries that did not go through
}

// Outcome reports the outcome of CompleteHandoff.
type Outcome struct {
	Handoff  Handoff
	Message  string
	Plural   bool
	Failures []*announce.DeliveryFailure
}

type Config struct {
	Store            Store
	Notifier         Notifier
	Gateway          announce.Gateway
	Policy           *policy.Policy
	Bus              *bus.Bus
	Metrics          *otel.Metrics
	Logger           *slog.Logger
	Zone             string
	StaleAfter       time.Duration
	AnnounceInterval time.Duration
	DeliveryTimeout  time.Duration
}

// Service owns the pickup state machine.
type Service struct {
	store           Store
	notifier        Notifier
	gateway         announce.Gateway
	policy          *policy.Policy
	bus             *bus.Bus
	metrics         *otel.Metrics
	logger          *slog.Logger
	validate        *validator.Validate
	zone            string
	staleAfter      time.Duration
	interval        time.Duration
	deliveryTimeout time.Duration
}

func NewService(cfg Config) *Service {
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
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = StaleAfter
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = AnnounceInterval
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	return &Service{
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		gateway:         cfg.Gateway,
		policy:          cfg.Policy,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "pickup"),
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		zone:            cfg.Zone,
		staleAfter:      cfg.StaleAfter,
		interval:        cfg.AnnounceInterval,
		deliveryTimeout: cfg.DeliveryTimeout,
	}
}

func (s *Service) Policy() *policy.Policy {
	return s.policy
}

// AnnounceInterval is the spacing between repeat announcements.
func (s *Service) AnnounceInterval() time.Duration {
	return s.interval
}

type pickupInput struct {
	ParentID int64 `validate:"gt=0"`
	ChildID  int64 `validate:"gt=0"`
	Minutes  int   `validate:"min=1,max=180"`
}

// RequestPickup records that a parent is coming for a child. An open
// request for the same pair is amended in place rather than duplicated.
func (s *Service) RequestPickup(ctx context.Context, parentID, childID int64, minutes int, now time.Time) (Result, error) {
	ctx = shared.EnsureTraceID(ctx)
	if err := s.validate.Struct(pickupInput{ParentID: parentID, ChildID: childID, Minutes: minutes}); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	expired, err := s.ExpireStale(ctx, now)
	if err != nil {
		return Result{}, err
	}

	parent, err := s.store.GetParent(ctx, parentID)
	if err != nil {
		return Result{}, fmt.Errorf("load parent %d: %w", parentID, err)
	}
	child, err := s.store.GetChild(ctx, childID)
	if err != nil {
		return Result{}, fmt.Errorf("load child %d: %w", childID, err)
	}
	if child.ParentID != parent.ID {
		return Result{}, fmt.Errorf("%w: child %d does not belong to parent %d", ErrInvalidInput, childID, parentID)
	}

	res := Result{Parent: *parent, Child: *child, Expired: expired}

	existing, err := s.store.FindOpenPickup(ctx, parentID, childID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		changed := existing.ArrivalMinutes != minutes
		if err := s.store.UpdateArrival(ctx, existing.ID, minutes, now); err != nil {
			return Result{}, fmt.Errorf("amend pickup %s: %w", existing.ID, err)
		}
		existing.ArrivalMinutes = minutes
		existing.UpdatedAt = now.UTC()
		res.Request = *existing
		res.Updated = true
		s.metrics.RecordPickup(ctx, true)
		s.publish(bus.TopicPickupUpdated, res.Request, "", now)
		s.logger.Info("pickup amended",
			"trace_id", shared.TraceID(ctx),
			"request_id", existing.ID,
			"arrival_minutes", minutes,
		)
		if changed {
			s.deliverGuards(ctx, &res, GuardNotice{Kind: NoticeUpdated, Request: res.Request, Parent: *parent, Child: *child})
		}
		return res, nil
	}

	// Inside the window the first announcement is claimed at insert so a
	// concurrent scheduler tick does not speak the same request.
	speak := s.policy.IsActive(now)
	var created *Request
	if speak {
		created, err = s.store.CreateClaimedPickup(ctx, parentID, childID, minutes, now, now.Add(s.interval))
	} else {
		created, err = s.store.CreatePickup(ctx, parentID, childID, minutes, now)
	}
	if err != nil {
		return Result{}, err
	}
	res.Request = *created
	s.metrics.RecordPickup(ctx, false)
	s.publish(bus.TopicPickupCreated, res.Request, "", now)
	s.logger.Info("pickup created",
		"trace_id", shared.TraceID(ctx),
		"request_id", created.ID,
		"parent_id", parentID,
		"child_id", childID,
		"arrival_minutes", minutes,
	)
	s.deliverGuards(ctx, &res, GuardNotice{Kind: NoticeNew, Request: res.Request, Parent: *parent, Child: *child})

	if speak {
		s.announceNow(ctx, &res, now)
	}
	return res, nil
}

func (s *Service) deliverGuards(ctx context.Context, res *Result, n GuardNotice) {
	if s.notifier == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()

	var err error
	if n.Kind == NoticeNew {
		err = s.notifier.NotifyGuards(dctx, n)
	} else {
		err = s.notifier.UpdateGuards(dctx, n)
	}
	if f := s.deliveryFailure(ctx, "telegram", "guards", n.Request.ID, err); f != nil {
		res.Failures = append(res.Failures, f)
	}
}

func (s *Service) announceNow(ctx context.Context, res *Result, now time.Time) {
	claimUntil := now.UTC().Add(s.interval)
	dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	err := s.gateway.Announce(dctx, AnnouncementText(res.Child, res.Request.ArrivalMinutes), s.zone)
	cancel()
	if f := s.deliveryFailure(ctx, "pa", s.zone, res.Request.ID, err); f != nil {
		res.Failures = append(res.Failures, f)
		s.metrics.RecordAnnouncement(ctx, "failed")
		if _, err := s.store.ReleaseAnnouncement(ctx, res.Request.ID, now, claimUntil); err != nil {
			s.logger.Warn("release announcement claim failed", "request_id", res.Request.ID, "error", err)
			return
		}
		due := now.UTC()
		res.Request.NextAnnounceAt = &due
		return
	}
	s.metrics.RecordAnnouncement(ctx, "ok")
	ok, err := s.store.ConfirmAnnouncement(ctx, res.Request.ID, now, claimUntil)
	if err != nil {
		s.logger.Warn("record first announcement failed", "request_id", res.Request.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	res.Announced = true
	last := now.UTC()
	res.Request.Status = StatusAnnounced
	res.Request.AnnounceCount++
	res.Request.LastAnnounceAt = &last
	res.Request.NextAnnounceAt = &claimUntil
	s.publish(bus.TopicPickupAnnounced, res.Request, "", now)
}

// CompleteHandoff closes a request on a guard's confirmation and sends the
// parent the closing message. A repeated call returns ErrAlreadyDone and
// sends nothing.
func (s *Service) CompleteHandoff(ctx context.Context, requestID, operatorID string, now time.Time) (Outcome, error) {
	ctx = shared.EnsureTraceID(ctx)
	h, err := s.store.MarkHandedOver(ctx, requestID, now, operatorID)
	if errors.Is(err, ErrAlreadyDone) {
		out := Outcome{}
		if h != nil {
			out.Handoff = *h
		}
		return out, err
	}
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Handoff: *h}
	s.metrics.RecordHandoff(ctx)
	s.publish(bus.TopicPickupHandedOver, h.Request, operatorID, now)
	s.logger.Info("pickup handed over",
		"trace_id", shared.TraceID(ctx),
		"request_id", requestID,
		"operator", operatorID,
	)

	loc := s.policy.Location()
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	count, err := s.store.CountOpenToday(ctx, h.Parent.ID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		s.logger.Warn("count today's pickups failed", "parent_id", h.Parent.ID, "error", err)
	}
	out.Plural = count > 1
	out.Message = ClosingMessage(h.Child.FullName, out.Plural, local.Weekday())

	if s.notifier != nil {
		dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
		err := s.notifier.NotifyParent(dctx, h.Parent.TelegramID, out.Message)
		cancel()
		if f := s.deliveryFailure(ctx, "telegram", strconv.FormatInt(h.Parent.TelegramID, 10), requestID, err); f != nil {
			out.Failures = append(out.Failures, f)
		}

		dctx, cancel = context.WithTimeout(ctx, s.deliveryTimeout)
		err = s.notifier.UpdateGuards(dctx, GuardNotice{Kind: NoticeHandedOver, Request: h.Request, Parent: h.Parent, Child: h.Child})
		cancel()
		if f := s.deliveryFailure(ctx, "telegram", "guards", requestID, err); f != nil {
			out.Failures = append(out.Failures, f)
		}
	}
	return out, nil
}

// ExpireStale expires every open request older than the staleness threshold.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.staleAfter)
	n, err := s.store.ExpireStale(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.RecordExpired(ctx, n)
		s.logger.Info("stale pickups expired", "count", n, "cutoff", cutoff.UTC())
		s.bus.Publish(bus.TopicPickupExpired, bus.ExpiredEvent{Count: n, Cutoff: cutoff.UTC()})
	}
	return n, nil
}

// AnnouncementFor builds the PA text for a stored request.
func (s *Service) AnnouncementFor(ctx context.Context, req Request) (string, error) {
	child, err := s.store.GetChild(ctx, req.ChildID)
	if err != nil {
		return "", fmt.Errorf("load child %d: %w", req.ChildID, err)
	}
	return AnnouncementText(*child, req.ArrivalMinutes), nil
}

// VoiceMode returns the current announcement mode.
func (s *Service) VoiceMode() policy.VoiceMode {
	return s.policy.Settings().Mode()
}

// SetVoiceMode switches the announcement mode. The in-memory mode always
// changes; a persistence error is returned for the caller to report.
func (s *Service) SetVoiceMode(ctx context.Context, mode policy.VoiceMode, source string) error {
	err := s.policy.Settings().SetMode(ctx, mode)
	s.bus.Publish(bus.TopicVoiceModeChanged, bus.VoiceModeEvent{Mode: string(mode), Source: source})
	s.logger.Info("voice mode changed", "mode", mode, "source", source)
	return err
}

func (s *Service) publish(topic string, req Request, operator string, now time.Time) {
	s.bus.Publish(topic, bus.PickupEvent{
		RequestID:      req.ID,
		ParentID:       req.ParentID,
		ChildID:        req.ChildID,
		Status:         string(req.Status),
		ArrivalMinutes: req.ArrivalMinutes,
		AnnounceCount:  req.AnnounceCount,
		Operator:       operator,
		At:             now.UTC(),
	})
}

// deliveryFailure classifies err, logs it and emits an event. It returns nil
// when err is nil.
func (s *Service) deliveryFailure(ctx context.Context, channel, target, requestID string, err error) *announce.DeliveryFailure {
	if err == nil {
		return nil
	}
	var f *announce.DeliveryFailure
	if !errors.As(err, &f) {
		f = &announce.DeliveryFailure{Channel: channel, Target: target, Err: err}
	}
	s.logger.Warn("best-effort delivery failed",
		"trace_id", shared.TraceID(ctx),
		"channel", f.Channel,
		"target", f.Target,
		"request_id", requestID,
		"error", shared.Redact(f.Err.Error()),
	)
	s.metrics.RecordDeliveryFailure(ctx, f.Channel)
	s.bus.Publish(bus.TopicDeliveryFailed, bus.DeliveryFailedEvent{
		Channel:   f.Channel,
		Target:    f.Target,
		RequestID: requestID,
		Error:     shared.Redact(f.Err.Error()),
	})
	return f
}
