package graphrelay

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventHubBroadcastsToAccountSubscribers(t *testing.T) {
	hub := NewEventHub()
	ch, unsubscribe := hub.Subscribe("alice")
	defer unsubscribe()
	otherCh, otherUnsubscribe := hub.Subscribe("bob")
	defer otherUnsubscribe()

	hub.Broadcast([]EventGroup{{
		AccountName:    "alice",
		SubscriptionID: "s1",
		Events:         []LogicalEvent{{AccountName: "alice", EventID: "m1", ChangeType: ChangeCreated}},
	}})

	select {
	case payload := <-ch:
		var group EventGroup
		if err := json.Unmarshal(payload, &group); err != nil {
			t.Fatalf("invalid payload: %v", err)
		}
		if group.SubscriptionID != "s1" || len(group.Events) != 1 {
			t.Fatalf("unexpected group: %+v", group)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber never received the group")
	}

	select {
	case payload := <-otherCh:
		t.Fatalf("bob received alice's events: %s", payload)
	default:
	}
}

func TestEventHubDoesNotBlockOnSlowSubscriber(t *testing.T) {
	hub := NewEventHub()
	_, unsubscribe := hub.Subscribe("alice")
	defer unsubscribe()

	group := EventGroup{AccountName: "alice", SubscriptionID: "s1"}
	done := make(chan struct{})
	go func() {
		// more groups than the channel buffer holds
		for i := 0; i < 100; i++ {
			hub.Broadcast([]EventGroup{group})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a slow subscriber")
	}
}

func TestEventHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewEventHub()
	ch, unsubscribe := hub.Subscribe("alice")
	unsubscribe()
	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
	// broadcasting after unsubscribe must not panic
	hub.Broadcast([]EventGroup{{AccountName: "alice"}})
}
