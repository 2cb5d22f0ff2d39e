package bus

import (
	"testing"
	"time"
)

func TestPickupTopicsShareParentPrefix(t *testing.T) {
	topics := []string{
		TopicPickupCreated,
		TopicPickupUpdated,
		TopicPickupAnnounced,
		TopicPickupHandedOver,
		TopicPickupExpired,
	}
	seen := map[string]bool{}
	b := New()
	sub := b.Subscribe("pickup.")
	defer b.Unsubscribe(sub)

	for _, topic := range topics {
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
		b.Publish(topic, PickupEvent{RequestID: "r1", At: time.Now()})
	}
	b.Publish(TopicVoiceModeChanged, VoiceModeEvent{Mode: "FORCE_ON"})

	for range topics {
		select {
		case ev := <-sub.Ch():
			if _, ok := ev.Payload.(PickupEvent); !ok {
				t.Fatalf("expected PickupEvent payload, got %T", ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for pickup event")
		}
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected non-pickup event %q", ev.Topic)
	default:
	}
}
