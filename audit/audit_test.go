package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTrail_AppendAndQuery(t *testing.T) {
	t.Parallel()

	trail := NewTrail(nil)
	ctx := context.Background()

	trail.Append(ctx, Event{Type: "channel:message", PluginID: "a"})
	trail.Append(ctx, Event{Type: "violation", PluginID: "b", Severity: SeverityCritical})
	trail.Append(ctx, Event{Type: "channel:message", PluginID: "a"})

	if got := len(trail.Events("a")); got != 2 {
		t.Errorf("Events(a) = %d, want 2", got)
	}
	if got := len(trail.Events("")); got != 3 {
		t.Errorf("Events(\"\") = %d, want 3", got)
	}

	events := trail.Events("b")
	if len(events) != 1 || events[0].Severity != SeverityCritical {
		t.Fatalf("unexpected events for b: %+v", events)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
}

func TestTrail_MaxEntries(t *testing.T) {
	t.Parallel()

	trail := NewTrail(nil, WithMaxEntries(3))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		trail.Append(ctx, Event{Type: "e", PluginID: "p"})
	}
	if got := trail.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestTrail_Retention(t *testing.T) {
	t.Parallel()

	trail := NewTrail(nil, WithRetention(50*time.Millisecond))
	ctx := context.Background()

	trail.Append(ctx, Event{Type: "old", Timestamp: time.Now().UTC().Add(-time.Second)})
	trail.Append(ctx, Event{Type: "fresh"})

	// The append of "fresh" prunes "old".
	events := trail.Events("")
	if len(events) != 1 || events[0].Type != "fresh" {
		t.Fatalf("retention did not prune: %+v", events)
	}
}

func TestTrail_Writer(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	trail := NewTrail(nil, WithWriter(&buf))
	trail.Append(context.Background(), Event{Type: "violation", PluginID: "p", Detail: "heap over limit"})

	line := strings.TrimSpace(buf.String())
	var decoded Event
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("writer output is not a JSON line: %v", err)
	}
	if decoded.Type != "violation" || decoded.PluginID != "p" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	trail := NewTrail(nil, WithStore(store))
	trail.Append(ctx, Event{Type: "violation", PluginID: "p1", Detail: "cpu", Metadata: map[string]any{"cpu": 99.0}})
	trail.Append(ctx, Event{Type: "channel:message", PluginID: "p2"})

	events, err := store.RecentEvents(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 || events[0].Detail != "cpu" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Metadata["cpu"] != 99.0 {
		t.Errorf("metadata lost: %+v", events[0].Metadata)
	}

	all, err := store.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEvents all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 events, got %d", len(all))
	}
}

func TestStore_PluginState(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.UpsertPluginState(ctx, "p@1.0.0", "p", "1.0.0", "running"); err != nil {
		t.Fatalf("UpsertPluginState: %v", err)
	}
	if err := store.UpsertPluginState(ctx, "p@1.0.0", "p", "1.0.0", "stopped"); err != nil {
		t.Fatalf("UpsertPluginState update: %v", err)
	}

	states, err := store.PluginStates(ctx)
	if err != nil {
		t.Fatalf("PluginStates: %v", err)
	}
	if states["p@1.0.0"] != "stopped" {
		t.Errorf("state = %q, want stopped", states["p@1.0.0"])
	}
}
