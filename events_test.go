package enclave

import (
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBus()

	var loaded []string
	b.Subscribe(EventPluginLoaded, func(e Event) {
		loaded = append(loaded, e.(PluginLoaded).Plugin)
	})
	var all []string
	b.SubscribeAll(func(e Event) {
		all = append(all, e.EventName())
	})

	b.Publish(PluginLoaded{Plugin: "a@1.0.0", LoadTime: time.Millisecond})
	b.Publish(WorkerCreated{WorkerID: "w1"})
	b.Publish(PluginLoaded{Plugin: "b@2.0.0"})

	if len(loaded) != 2 || loaded[0] != "a@1.0.0" || loaded[1] != "b@2.0.0" {
		t.Errorf("named subscriber saw %v", loaded)
	}
	want := []string{EventPluginLoaded, EventWorkerCreated, EventPluginLoaded}
	if len(all) != len(want) {
		t.Fatalf("catch-all subscriber saw %v", all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, all[i], want[i])
		}
	}
}

func TestBus_SubscribersInRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := NewBus()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(EventPluginError, func(Event) { order = append(order, i) })
	}
	b.Publish(PluginError{Plugin: "a@1.0.0"})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("delivery order = %v", order)
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBus()
	// Publishing into the void must not panic.
	b.Publish(SecurityViolation{Type: "event_rate", PluginID: "p"})
}
