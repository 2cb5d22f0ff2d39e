package cron

import (
	"context"
	"testing"
	"time"

	"github.com/basket/pickupbot/internal/pickup"
)

type sweepRecorder struct {
	sweeps []time.Time
}

func (r *sweepRecorder) AnnouncementFor(context.Context, pickup.Request) (string, error) {
	return "", nil
}

func (r *sweepRecorder) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	r.sweeps = append(r.sweeps, now)
	return 0, nil
}

func TestMaybeSweepFollowsSchedule(t *testing.T) {
	rec := &sweepRecorder{}
	s, err := NewScheduler(Config{Lifecycle: rec, ExpirySweep: "@every 10m"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()
	start := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)

	// First call only arms the schedule.
	s.maybeSweep(ctx, start)
	s.maybeSweep(ctx, start.Add(9*time.Minute))
	if len(rec.sweeps) != 0 {
		t.Fatalf("expected no sweep before the first slot, got %d", len(rec.sweeps))
	}
	s.maybeSweep(ctx, start.Add(10*time.Minute))
	s.maybeSweep(ctx, start.Add(11*time.Minute))
	if len(rec.sweeps) != 1 {
		t.Fatalf("expected one sweep, got %d", len(rec.sweeps))
	}
	s.maybeSweep(ctx, start.Add(21*time.Minute))
	if len(rec.sweeps) != 2 {
		t.Fatalf("expected second sweep, got %d", len(rec.sweeps))
	}
}

func TestMaybeSweepDisabled(t *testing.T) {
	rec := &sweepRecorder{}
	s, err := NewScheduler(Config{Lifecycle: rec, ExpirySweep: "-"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	start := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.maybeSweep(context.Background(), start.Add(time.Duration(i)*time.Hour))
	}
	if len(rec.sweeps) != 0 {
		t.Fatalf("expected no sweeps when disabled, got %d", len(rec.sweeps))
	}
}
