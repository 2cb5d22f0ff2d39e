package pickup

import (
	"strings"
	"testing"
	"time"
)

func TestClosingMessage(t *testing.T) {
	cases := []struct {
		weekday time.Weekday
		plural  bool
		suffix  string
	}{
		{time.Monday, false, "see you tomorrow!"},
		{time.Thursday, true, "see you tomorrow!"},
		{time.Friday, false, "see you Monday!"},
		{time.Saturday, false, "today."},
		{time.Sunday, true, "today."},
	}
	for _, tc := range cases {
		got := ClosingMessage("Ali", tc.plural, tc.weekday)
		if !strings.HasSuffix(got, tc.suffix) {
			t.Errorf("%s: expected suffix %q, got %q", tc.weekday, tc.suffix, got)
		}
		if tc.plural != strings.Contains(got, "children") {
			t.Errorf("%s: plural=%v but message %q", tc.weekday, tc.plural, got)
		}
	}
}

func TestGuardText(t *testing.T) {
	n := GuardNotice{
		Kind:    NoticeUpdated,
		Request: Request{ArrivalMinutes: 5},
		Parent:  Parent{FullName: "Dilnoza"},
		Child:   Child{FullName: "Ali", ClassName: "2A"},
	}
	got := GuardText(n)
	for _, want := range []string{"(updated)", "Dilnoza", "Ali (2A)", "5 min"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	n.Kind = NoticeHandedOver
	n.Request.HandedOverBy = "guard-1"
	if got := GuardText(n); !strings.Contains(got, "handed over") || strings.Contains(got, "min.") {
		t.Fatalf("unexpected handed over card: %q", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	if !CanTransition(StatusPending, StatusAnnounced) || !CanTransition(StatusAnnounced, StatusHandedOver) {
		t.Fatal("expected forward transitions to be allowed")
	}
	if CanTransition(StatusHandedOver, StatusAnnounced) || CanTransition(StatusExpired, StatusPending) {
		t.Fatal("expected no transition out of terminal states")
	}
	if CanTransition(StatusAnnounced, StatusPending) {
		t.Fatal("expected no backwards transition")
	}
	if _, err := ParseStatus("DONE"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
	for _, s := range OpenStatuses {
		if !s.IsOpen() || s.IsTerminal() {
			t.Fatalf("%s should be open", s)
		}
	}
}
