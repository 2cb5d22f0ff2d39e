package pickup

import (
	"fmt"
	"strings"
	"time"
)

// ClosingMessage is the parent-facing text sent after a handoff. plural is
// true when the parent collected more than one child today.
func ClosingMessage(childName string, plural bool, weekday time.Weekday) string {
	noun := "child"
	if plural {
		noun = "children"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s has been handed over to you. Thank you for picking up your %s today.", childName, noun)
	if farewell := farewellFor(weekday); farewell != "" {
		b.WriteString(" ")
		b.WriteString(farewell)
	}
	return b.String()
}

func farewellFor(weekday time.Weekday) string {
	switch weekday {
	case time.Monday, time.Tuesday, time.Wednesday, time.Thursday:
		return "Goodbye, see you tomorrow!"
	case time.Friday:
		return "Goodbye, see you Monday!"
	default:
		return ""
	}
}

// AnnouncementText is what the PA speaks for an outstanding pickup.
func AnnouncementText(child Child, minutes int) string {
	if child.ClassName == "" {
		return fmt.Sprintf("Please send %s to the exit. The parent will arrive in %d minutes.", child.FullName, minutes)
	}
	return fmt.Sprintf("Please send %s, class %s, to the exit. The parent will arrive in %d minutes.",
		child.FullName, child.ClassName, minutes)
}

// AckMessage confirms a pickup request back to the parent.
func AckMessage(child Child, minutes int, updated bool) string {
	head := "Request sent."
	if updated {
		head = "Request updated."
	}
	return fmt.Sprintf("%s\nChild: %s (%s)\nArriving in %d min.", head, child.FullName, child.ClassName, minutes)
}

// GuardText renders the guard card for a notice.
func GuardText(n GuardNotice) string {
	var b strings.Builder
	switch n.Kind {
	case NoticeUpdated:
		b.WriteString("Pickup (updated)\n")
	case NoticeHandedOver:
		b.WriteString("Pickup handed over\n")
	default:
		b.WriteString("Pickup\n")
	}
	fmt.Fprintf(&b, "Parent: %s\n", n.Parent.FullName)
	fmt.Fprintf(&b, "Student: %s (%s)\n", n.Child.FullName, n.Child.ClassName)
	if n.Kind == NoticeHandedOver {
		if n.Request.HandedOverBy != "" {
			fmt.Fprintf(&b, "Handed over by: %s", n.Request.HandedOverBy)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	fmt.Fprintf(&b, "Expected in: %d min.", n.Request.ArrivalMinutes)
	return b.String()
}
