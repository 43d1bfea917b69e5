package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/GoCodeAlone/enclave/audit"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEventsPerMinute = 5
	cfg.MaxErrorsPerMinute = 2
	cfg.AlertOnAnomaly = false
	return cfg
}

func TestMonitor_EventCeilingBlocks(t *testing.T) {
	t.Parallel()

	var seen []Violation
	m := NewMonitor(testConfig(), nil, nil, func(v Violation) { seen = append(seen, v) })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if v := m.RecordEvent(ctx, "p1"); v != nil {
			t.Fatalf("event %d unexpectedly flagged: %v", i, v)
		}
	}

	v := m.RecordEvent(ctx, "p1")
	if v == nil || v.Type != ViolationEventRate {
		t.Fatalf("expected event rate violation, got %v", v)
	}
	if !m.IsBlocked("p1") {
		t.Fatal("plugin not blocked after violation with BlockOnViolation")
	}

	// While blocked, delivery is refused with a blocked violation.
	v = m.RecordEvent(ctx, "p1")
	if v == nil || v.Type != ViolationBlocked {
		t.Fatalf("expected blocked violation, got %v", v)
	}

	// Other plugins are unaffected.
	if v := m.RecordEvent(ctx, "p2"); v != nil {
		t.Fatalf("sibling plugin affected: %v", v)
	}

	if len(seen) != 2 {
		t.Errorf("onViolation called %d times, want 2", len(seen))
	}
}

func TestMonitor_ResetLiftsBlock(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m.RecordEvent(ctx, "p1")
	}
	if !m.IsBlocked("p1") {
		t.Fatal("expected block")
	}

	m.Reset("p1")
	if m.IsBlocked("p1") {
		t.Fatal("reset did not lift block")
	}
	if v := m.RecordEvent(ctx, "p1"); v != nil {
		t.Fatalf("event after reset flagged: %v", v)
	}
}

func TestMonitor_ErrorCeiling(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BlockOnViolation = false
	m := NewMonitor(cfg, nil, nil, nil)
	ctx := context.Background()

	if v := m.RecordError(ctx, "p1"); v != nil {
		t.Fatalf("error 1 flagged: %v", v)
	}
	if v := m.RecordError(ctx, "p1"); v != nil {
		t.Fatalf("error 2 flagged: %v", v)
	}
	v := m.RecordError(ctx, "p1")
	if v == nil || v.Type != ViolationErrorRate {
		t.Fatalf("expected error rate violation, got %v", v)
	}
	// Log-only configuration must not gate the plugin.
	if m.IsBlocked("p1") {
		t.Fatal("plugin blocked despite BlockOnViolation=false")
	}
}

func TestMonitor_AnomalyDetection(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxEventsPerMinute = 100000
	cfg.MaxErrorsPerMinute = 100000
	cfg.AnomalyFactor = 3.0
	cfg.BaselineBuckets = 4
	cfg.BucketWidth = 10 * time.Second
	cfg.AlertOnAnomaly = true
	cfg.BlockOnViolation = false

	m := NewMonitor(cfg, nil, nil, nil)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	// Build a steady baseline of 2 events per bucket.
	for b := 0; b < 4; b++ {
		for i := 0; i < 2; i++ {
			if v := m.RecordEvent(ctx, "p1"); v != nil {
				t.Fatalf("baseline event flagged: %v", v)
			}
		}
		now = now.Add(cfg.BucketWidth)
	}

	// Burst well past 3x the baseline within one bucket.
	var anomaly *Violation
	for i := 0; i < 20 && anomaly == nil; i++ {
		anomaly = m.RecordEvent(ctx, "p1")
	}
	if anomaly == nil || anomaly.Type != ViolationAnomaly {
		t.Fatalf("expected anomaly violation, got %v", anomaly)
	}

	// Only one alert per bucket.
	for i := 0; i < 10; i++ {
		if v := m.RecordEvent(ctx, "p1"); v != nil {
			t.Fatalf("anomaly re-reported within the same bucket: %v", v)
		}
	}
}

func TestMonitor_AnomalyDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxEventsPerMinute = 100000
	cfg.AlertOnAnomaly = false

	m := NewMonitor(cfg, nil, nil, nil)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for b := 0; b < 6; b++ {
		m.RecordEvent(ctx, "p1")
		m.RecordEvent(ctx, "p1")
		now = now.Add(cfg.BucketWidth)
	}
	for i := 0; i < 50; i++ {
		if v := m.RecordEvent(ctx, "p1"); v != nil {
			t.Fatalf("anomaly reported despite AlertOnAnomaly=false: %v", v)
		}
	}
}

func TestMonitor_AuditTrail(t *testing.T) {
	t.Parallel()

	trail := audit.NewTrail(nil)
	m := NewMonitor(testConfig(), trail, nil, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m.RecordEvent(ctx, "p1")
	}

	events := trail.Events("p1")
	if len(events) == 0 {
		t.Fatal("no audit events recorded")
	}
	if events[0].Type != "security:"+ViolationEventRate {
		t.Errorf("audit type = %q", events[0].Type)
	}
	if events[0].Severity != audit.SeverityCritical {
		t.Errorf("severity = %q, want critical", events[0].Severity)
	}
}
