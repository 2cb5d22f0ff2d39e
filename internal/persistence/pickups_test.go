package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/pickupbot/internal/pickup"
)

var testNow = time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)

func TestCreatePickupStartsPendingAndDue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann")

	req, err := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)
	if err != nil {
		t.Fatalf("create pickup: %v", err)
	}
	got, err := store.GetPickup(ctx, req.ID)
	if err != nil {
		t.Fatalf("get pickup: %v", err)
	}
	if got.Status != pickup.StatusPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
	if !got.CreatedAt.Equal(testNow) || got.NextAnnounceAt == nil || !got.NextAnnounceAt.Equal(testNow) {
		t.Fatalf("unexpected timestamps: created=%v next=%v", got.CreatedAt, got.NextAnnounceAt)
	}
	if got.AnnounceCount != 0 || got.LastAnnounceAt != nil || got.HandedOverAt != nil {
		t.Fatalf("unexpected announcement state: %+v", got)
	}
}

func TestGetPickupNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetPickup(context.Background(), "missing"); !errors.Is(err, pickup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindOpenPickupIgnoresClosedRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann", "Ben")

	if got, err := store.FindOpenPickup(ctx, parent.ID, kids[0].ID); err != nil || got != nil {
		t.Fatalf("expected no open pickup, got %+v err=%v", got, err)
	}
	old, err := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ExpireStale(ctx, testNow.Add(time.Second), testNow.Add(time.Second)); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got, err := store.FindOpenPickup(ctx, parent.ID, kids[0].ID); err != nil || got != nil {
		t.Fatalf("expected expired row to be ignored, got %+v err=%v", got, err)
	}

	fresh, err := store.CreatePickup(ctx, parent.ID, kids[0].ID, 5, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.FindOpenPickup(ctx, parent.ID, kids[0].ID)
	if err != nil || got == nil || got.ID != fresh.ID || got.ID == old.ID {
		t.Fatalf("expected fresh row, got %+v err=%v", got, err)
	}
	if other, _ := store.FindOpenPickup(ctx, parent.ID, kids[1].ID); other != nil {
		t.Fatalf("expected no open pickup for sibling, got %+v", other)
	}
}

func TestUpdateArrival(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann")
	req, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)

	later := testNow.Add(5 * time.Minute)
	if err := store.UpdateArrival(ctx, req.ID, 5, later); err != nil {
		t.Fatalf("update arrival: %v", err)
	}
	got, _ := store.GetPickup(ctx, req.ID)
	if got.ArrivalMinutes != 5 || !got.UpdatedAt.Equal(later) || got.Status != pickup.StatusPending {
		t.Fatalf("unexpected row after amendment: %+v", got)
	}

	if err := store.UpdateArrival(ctx, "missing", 5, later); !errors.Is(err, pickup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.ExpireStale(ctx, later, later); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := store.UpdateArrival(ctx, req.ID, 7, later); !errors.Is(err, pickup.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on expired row, got %v", err)
	}
}

func TestExpireStaleIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann", "Ben", "Cid")

	stale, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)
	fresh, _ := store.CreatePickup(ctx, parent.ID, kids[1].ID, 10, testNow.Add(90*time.Minute))
	done, _ := store.CreatePickup(ctx, parent.ID, kids[2].ID, 10, testNow)
	if _, err := store.MarkHandedOver(ctx, done.ID, testNow.Add(time.Minute), "guard"); err != nil {
		t.Fatalf("handoff: %v", err)
	}

	cutoff := testNow.Add(2*time.Hour + time.Second).Add(-2 * time.Hour)
	sweepAt := testNow.Add(2*time.Hour + time.Second)
	n, err := store.ExpireStale(ctx, cutoff, sweepAt)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired row, got %d err=%v", n, err)
	}
	n, err = store.ExpireStale(ctx, cutoff, sweepAt)
	if err != nil || n != 0 {
		t.Fatalf("expected second sweep to affect nothing, got %d err=%v", n, err)
	}

	got, _ := store.GetPickup(ctx, stale.ID)
	if got.Status != pickup.StatusExpired || got.NextAnnounceAt != nil {
		t.Fatalf("expected EXPIRED with cleared schedule, got %+v", got)
	}
	if got, _ := store.GetPickup(ctx, fresh.ID); got.Status != pickup.StatusPending {
		t.Fatalf("expected fresh request untouched, got %s", got.Status)
	}
	if got, _ := store.GetPickup(ctx, done.ID); got.Status != pickup.StatusHandedOver {
		t.Fatalf("expected handed over request untouched, got %s", got.Status)
	}
}

func TestDueAnnouncementsAndRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann", "Ben")

	first, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)
	second, _ := store.CreatePickup(ctx, parent.ID, kids[1].ID, 10, testNow.Add(time.Minute))

	due, err := store.DueAnnouncements(ctx, testNow.Add(30*time.Second))
	if err != nil {
		t.Fatalf("due announcements: %v", err)
	}
	if len(due) != 1 || due[0].ID != first.ID {
		t.Fatalf("expected only first request due, got %+v", due)
	}

	tick := testNow.Add(2 * time.Minute)
	n, err := store.RecordAnnouncements(ctx, []string{first.ID, second.ID}, tick, 4*time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("expected two recorded announcements, got %d err=%v", n, err)
	}
	got, _ := store.GetPickup(ctx, first.ID)
	if got.Status != pickup.StatusAnnounced || got.AnnounceCount != 1 {
		t.Fatalf("expected ANNOUNCED with count 1, got %+v", got)
	}
	if got.LastAnnounceAt == nil || !got.LastAnnounceAt.Equal(tick) {
		t.Fatalf("expected last announce %v, got %v", tick, got.LastAnnounceAt)
	}
	if got.NextAnnounceAt == nil || !got.NextAnnounceAt.Equal(tick.Add(4*time.Minute)) {
		t.Fatalf("expected next announce advanced by 4m, got %v", got.NextAnnounceAt)
	}

	// Not due again until the interval passes.
	if ok, err := store.RecordAnnouncement(ctx, first.ID, tick.Add(time.Minute), 4*time.Minute); err != nil || ok {
		t.Fatalf("expected early record to be rejected, ok=%v err=%v", ok, err)
	}
	due, _ = store.DueAnnouncements(ctx, tick.Add(4*time.Minute))
	if len(due) != 2 {
		t.Fatalf("expected both due after interval, got %d", len(due))
	}
	if ok, err := store.RecordAnnouncement(ctx, first.ID, tick.Add(4*time.Minute), 4*time.Minute); err != nil || !ok {
		t.Fatalf("expected second announcement recorded, ok=%v err=%v", ok, err)
	}
	if got, _ := store.GetPickup(ctx, first.ID); got.AnnounceCount != 2 || got.Status != pickup.StatusAnnounced {
		t.Fatalf("expected count 2 and ANNOUNCED, got %+v", got)
	}
}

func TestClaimedPickupIsHiddenUntilSettled(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann", "Ben")
	claimUntil := testNow.Add(4 * time.Minute)

	spoken, err := store.CreateClaimedPickup(ctx, parent.ID, kids[0].ID, 10, testNow, claimUntil)
	if err != nil {
		t.Fatalf("create claimed: %v", err)
	}
	failed, _ := store.CreateClaimedPickup(ctx, parent.ID, kids[1].ID, 10, testNow, claimUntil)
	if due, _ := store.DueAnnouncements(ctx, testNow.Add(time.Minute)); len(due) != 0 {
		t.Fatalf("claimed requests must not be due, got %d", len(due))
	}

	if ok, err := store.ConfirmAnnouncement(ctx, spoken.ID, testNow, claimUntil); err != nil || !ok {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	got, _ := store.GetPickup(ctx, spoken.ID)
	if got.Status != pickup.StatusAnnounced || got.AnnounceCount != 1 || !got.NextAnnounceAt.Equal(claimUntil) {
		t.Fatalf("expected ANNOUNCED once with next at claim, got %+v", got)
	}
	if ok, _ := store.ConfirmAnnouncement(ctx, spoken.ID, testNow, testNow); ok {
		t.Fatal("confirm against a stale claim must not count")
	}

	if ok, err := store.ReleaseAnnouncement(ctx, failed.ID, testNow, claimUntil); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	due, _ := store.DueAnnouncements(ctx, testNow)
	if len(due) != 1 || due[0].ID != failed.ID {
		t.Fatalf("expected released request due at once, got %+v", due)
	}

	if _, err := store.MarkHandedOver(ctx, failed.ID, testNow.Add(time.Second), "guard"); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if ok, _ := store.ReleaseAnnouncement(ctx, failed.ID, testNow, testNow); ok {
		t.Fatal("closed request must not be released")
	}
}

func TestRecordAnnouncementLosesToHandoff(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann")
	req, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)

	due, _ := store.DueAnnouncements(ctx, testNow)
	if len(due) != 1 {
		t.Fatalf("expected one due request, got %d", len(due))
	}
	if _, err := store.MarkHandedOver(ctx, req.ID, testNow.Add(time.Second), "guard"); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	n, err := store.RecordAnnouncements(ctx, []string{req.ID}, testNow.Add(2*time.Second), 4*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("expected stale announcement to be dropped, got %d err=%v", n, err)
	}
	got, _ := store.GetPickup(ctx, req.ID)
	if got.Status != pickup.StatusHandedOver || got.AnnounceCount != 0 || got.NextAnnounceAt != nil {
		t.Fatalf("unexpected row after lost race: %+v", got)
	}
	if due, _ := store.DueAnnouncements(ctx, testNow.Add(time.Hour)); len(due) != 0 {
		t.Fatalf("expected handed over request never due, got %d", len(due))
	}
}

func TestMarkHandedOver(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann")
	req, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)

	at := testNow.Add(10 * time.Minute)
	h, err := store.MarkHandedOver(ctx, req.ID, at, "guard-7")
	if err != nil {
		t.Fatalf("mark handed over: %v", err)
	}
	if h.Request.Status != pickup.StatusHandedOver || h.Request.HandedOverBy != "guard-7" {
		t.Fatalf("unexpected handoff request: %+v", h.Request)
	}
	if h.Parent.ID != parent.ID || h.Child.FullName != "Ann" {
		t.Fatalf("expected parent and child context, got %+v", h)
	}
	got, _ := store.GetPickup(ctx, req.ID)
	if got.HandedOverAt == nil || !got.HandedOverAt.Equal(at) || got.NextAnnounceAt != nil {
		t.Fatalf("unexpected persisted row: %+v", got)
	}

	again, err := store.MarkHandedOver(ctx, req.ID, at.Add(time.Minute), "guard-8")
	if !errors.Is(err, pickup.ErrAlreadyDone) {
		t.Fatalf("expected ErrAlreadyDone, got %v", err)
	}
	if again == nil || again.Request.HandedOverBy != "guard-7" {
		t.Fatalf("expected current state with first operator, got %+v", again)
	}

	if _, err := store.MarkHandedOver(ctx, "missing", at, "guard"); !errors.Is(err, pickup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkHandedOverInvalidState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann", "Ben")

	orphan, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)
	if err := store.DeleteChild(ctx, kids[0].ID); err != nil {
		t.Fatalf("delete child: %v", err)
	}
	if _, err := store.MarkHandedOver(ctx, orphan.ID, testNow, "guard"); !errors.Is(err, pickup.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for missing child, got %v", err)
	}
	got, _ := store.GetPickup(ctx, orphan.ID)
	if got.Status != pickup.StatusPending || got.HandedOverAt != nil {
		t.Fatalf("expected no partial commit, got %+v", got)
	}

	expired, _ := store.CreatePickup(ctx, parent.ID, kids[1].ID, 10, testNow)
	if _, err := store.ExpireStale(ctx, testNow.Add(time.Second), testNow.Add(time.Second)); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := store.MarkHandedOver(ctx, expired.ID, testNow.Add(time.Minute), "guard"); !errors.Is(err, pickup.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for expired request, got %v", err)
	}
}

func TestMarkHandedOverMissingParent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann")
	req, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)

	if _, err := store.DB().Exec(`PRAGMA foreign_keys = OFF; DELETE FROM parents WHERE id = ?;`, parent.ID); err != nil {
		t.Fatalf("delete parent row: %v", err)
	}
	if _, err := store.MarkHandedOver(ctx, req.ID, testNow, "guard"); !errors.Is(err, pickup.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for missing parent, got %v", err)
	}
}

func TestMarkHandedOverConcurrentPressesCommitOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann")
	req, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)

	const presses = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		already int
	)
	for i := 0; i < presses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.MarkHandedOver(ctx, req.ID, testNow.Add(time.Minute), "guard")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, pickup.ErrAlreadyDone):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 || already != presses-1 {
		t.Fatalf("expected exactly one successful handoff, got success=%d already=%d", success, already)
	}
}

func TestCountOpenToday(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann", "Ben", "Cid")
	other, otherKids := seedFamily(t, store, 2, "Dan")

	dayStart := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	yesterday, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, dayStart.Add(-time.Hour))
	_ = yesterday
	a, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)
	_, _ = store.CreatePickup(ctx, parent.ID, kids[1].ID, 10, testNow)
	_, _ = store.CreatePickup(ctx, other.ID, otherKids[0].ID, 10, testNow)

	n, err := store.CountOpenToday(ctx, parent.ID, dayStart, dayEnd)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 requests today, got %d err=%v", n, err)
	}

	if _, err := store.MarkHandedOver(ctx, a.ID, testNow.Add(time.Minute), "guard"); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if n, _ := store.CountOpenToday(ctx, parent.ID, dayStart, dayEnd); n != 2 {
		t.Fatalf("expected handed over sibling still counted, got %d", n)
	}

	c, _ := store.CreatePickup(ctx, parent.ID, kids[2].ID, 10, testNow.Add(-3*time.Hour))
	if _, err := store.ExpireStale(ctx, testNow.Add(-2*time.Hour), testNow); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got, _ := store.GetPickup(ctx, c.ID); got.Status != pickup.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if n, _ := store.CountOpenToday(ctx, parent.ID, dayStart, dayEnd); n != 2 {
		t.Fatalf("expected expired request not counted, got %d", n)
	}

	// Ann is collected a second time today; she is still one child.
	again, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 5, testNow.Add(time.Hour))
	if _, err := store.MarkHandedOver(ctx, again.ID, testNow.Add(90*time.Minute), "guard"); err != nil {
		t.Fatalf("second handoff: %v", err)
	}
	if n, _ := store.CountOpenToday(ctx, parent.ID, dayStart, dayEnd); n != 2 {
		t.Fatalf("expected repeat pickup of the same child counted once, got %d", n)
	}
}

func TestListPickupsFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parent, kids := seedFamily(t, store, 1, "Ann", "Ben")
	other, otherKids := seedFamily(t, store, 2, "Cid")

	a, _ := store.CreatePickup(ctx, parent.ID, kids[0].ID, 10, testNow)
	_, _ = store.CreatePickup(ctx, parent.ID, kids[1].ID, 10, testNow.Add(time.Minute))
	_, _ = store.CreatePickup(ctx, other.ID, otherKids[0].ID, 10, testNow.Add(2*time.Minute))
	if _, err := store.MarkHandedOver(ctx, a.ID, testNow.Add(3*time.Minute), "guard"); err != nil {
		t.Fatalf("handoff: %v", err)
	}

	all, err := store.ListPickups(ctx, pickup.Filter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 pickups, got %d err=%v", len(all), err)
	}
	if all[0].ParentID != other.ID {
		t.Fatalf("expected newest first, got %+v", all[0])
	}
	mine, _ := store.ListPickups(ctx, pickup.Filter{ParentID: parent.ID})
	if len(mine) != 2 {
		t.Fatalf("expected 2 pickups for parent, got %d", len(mine))
	}
	handed, _ := store.ListPickups(ctx, pickup.Filter{Status: pickup.StatusHandedOver})
	if len(handed) != 1 || handed[0].ID != a.ID {
		t.Fatalf("expected handed over filter to match one, got %+v", handed)
	}
	limited, _ := store.ListPickups(ctx, pickup.Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}
