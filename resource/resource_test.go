package resource

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/enclave/audit"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = 100 * time.Millisecond
	return cfg
}

// staticSource always reports the same usage.
func staticSource(u Usage) Source {
	return SourceFunc(func(context.Context) (Usage, error) { return u, nil })
}

func TestEnforcer_NominalStaysQuiet(t *testing.T) {
	t.Parallel()

	e := NewEnforcer(testConfig(), nil, nil,
		func(v Violation) { t.Errorf("unexpected warning: %v", &v) },
		func(v Violation) { t.Errorf("unexpected termination: %v", &v) })
	e.Track("p1", staticSource(Usage{HeapMB: 10, CPUPercent: 5, FileHandles: 3}), Limits{})

	e.poll(context.Background())

	if state, _ := e.PluginState("p1"); state != StateNominal {
		t.Errorf("state = %q, want nominal", state)
	}
	usage, ok := e.Usage("p1")
	if !ok || usage.HeapMB != 10 {
		t.Errorf("usage not recorded: %+v ok=%v", usage, ok)
	}
}

func TestEnforcer_SoftThresholdWarnsOnce(t *testing.T) {
	t.Parallel()

	var warnings []Violation
	e := NewEnforcer(testConfig(), nil, nil,
		func(v Violation) { warnings = append(warnings, v) },
		func(v Violation) { t.Errorf("unexpected termination: %v", &v) })
	// Soft threshold for heap is 256 * 0.8 = 204.8 MB.
	e.Track("p1", staticSource(Usage{HeapMB: 220}), Limits{})

	ctx := context.Background()
	e.poll(ctx)
	e.poll(ctx)
	e.poll(ctx)

	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1 (sustained breach must not re-warn)", len(warnings))
	}
	if warnings[0].Metric != MetricHeap || warnings[0].Hard {
		t.Errorf("unexpected warning: %+v", warnings[0])
	}
	if state, _ := e.PluginState("p1"); state != StateWarned {
		t.Errorf("state = %q, want warned", state)
	}
}

func TestEnforcer_RecoveryReturnsToNominal(t *testing.T) {
	t.Parallel()

	heap := atomic.Int64{}
	heap.Store(220)
	src := SourceFunc(func(context.Context) (Usage, error) {
		return Usage{HeapMB: float64(heap.Load())}, nil
	})

	e := NewEnforcer(testConfig(), nil, nil, nil, nil)
	e.Track("p1", src, Limits{})
	ctx := context.Background()

	e.poll(ctx)
	if state, _ := e.PluginState("p1"); state != StateWarned {
		t.Fatalf("state = %q, want warned", state)
	}

	heap.Store(50)
	e.poll(ctx)
	if state, _ := e.PluginState("p1"); state != StateNominal {
		t.Errorf("state = %q, want nominal after recovery", state)
	}
}

func TestEnforcer_HardLimitTerminatesExactlyOnce(t *testing.T) {
	t.Parallel()

	var terminated []Violation
	trail := audit.NewTrail(nil)
	e := NewEnforcer(testConfig(), trail, nil, nil,
		func(v Violation) { terminated = append(terminated, v) })

	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	e.Track("p1", staticSource(Usage{HeapMB: 500}), Limits{})
	ctx := context.Background()

	// First breach starts the grace period; no termination yet.
	e.poll(ctx)
	if len(terminated) != 0 {
		t.Fatalf("terminated before grace period expired: %+v", terminated)
	}
	if state, _ := e.PluginState("p1"); state != StateWarned {
		t.Fatalf("state = %q, want warned during grace period", state)
	}

	// Still over the limit when the grace period expires.
	now = now.Add(150 * time.Millisecond)
	e.poll(ctx)
	if len(terminated) != 1 {
		t.Fatalf("got %d terminations, want exactly 1", len(terminated))
	}
	v := terminated[0]
	if v.Metric != MetricHeap || !v.Hard || v.Value != 500 {
		t.Errorf("unexpected violation: %+v", v)
	}
	if state, _ := e.PluginState("p1"); state != StateTerminated {
		t.Errorf("state = %q, want terminated", state)
	}

	// Further polls must not re-terminate.
	now = now.Add(time.Second)
	e.poll(ctx)
	e.poll(ctx)
	if len(terminated) != 1 {
		t.Fatalf("plugin terminated more than once: %d", len(terminated))
	}

	events := trail.Events("p1")
	var critical int
	for _, ev := range events {
		if ev.Type == "resource:violation" && ev.Severity == audit.SeverityCritical {
			critical++
		}
	}
	if critical != 1 {
		t.Errorf("got %d critical audit events, want 1", critical)
	}
}

func TestEnforcer_RecoveryWithinGraceAvoidsTermination(t *testing.T) {
	t.Parallel()

	heap := atomic.Int64{}
	heap.Store(500)
	src := SourceFunc(func(context.Context) (Usage, error) {
		return Usage{HeapMB: float64(heap.Load())}, nil
	})

	var terminated []Violation
	e := NewEnforcer(testConfig(), nil, nil, nil,
		func(v Violation) { terminated = append(terminated, v) })
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	e.Track("p1", src, Limits{})
	ctx := context.Background()

	e.poll(ctx)

	// Drop under the limit before the grace period ends.
	heap.Store(50)
	now = now.Add(50 * time.Millisecond)
	e.poll(ctx)

	// Back over: a fresh grace period must start, not the stale one.
	heap.Store(500)
	now = now.Add(200 * time.Millisecond)
	e.poll(ctx)
	if len(terminated) != 0 {
		t.Fatalf("terminated despite recovery within grace: %+v", terminated)
	}
}

func TestEnforcer_HardLimitsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnforceHardLimits = false
	var terminated []Violation
	e := NewEnforcer(cfg, nil, nil, nil,
		func(v Violation) { terminated = append(terminated, v) })
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	e.Track("p1", staticSource(Usage{HeapMB: 5000}), Limits{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.poll(ctx)
		now = now.Add(time.Second)
	}
	if len(terminated) != 0 {
		t.Fatalf("terminated with EnforceHardLimits=false: %+v", terminated)
	}
	// The breach still surfaces as a warning via the soft threshold.
	if state, _ := e.PluginState("p1"); state != StateWarned {
		t.Errorf("state = %q, want warned", state)
	}
}

func TestEnforcer_NetworkRateWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxNetworkRequestsPerMinute = 10
	var terminated []Violation
	e := NewEnforcer(cfg, nil, nil, nil,
		func(v Violation) { terminated = append(terminated, v) })
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	e.Track("p1", staticSource(Usage{}), Limits{})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		e.RecordNetworkRequest("p1")
	}
	e.poll(ctx)
	usage, _ := e.Usage("p1")
	if usage.NetworkPerMinute != 15 {
		t.Fatalf("NetworkPerMinute = %d, want 15", usage.NetworkPerMinute)
	}

	// Grace period expires with the rate still over the ceiling.
	now = now.Add(150 * time.Millisecond)
	e.poll(ctx)
	if len(terminated) != 1 || terminated[0].Metric != MetricNetworkRate {
		t.Fatalf("expected network rate termination, got %+v", terminated)
	}
}

func TestEnforcer_NetworkStampsExpire(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxNetworkRequestsPerMinute = 10
	e := NewEnforcer(cfg, nil, nil, nil, nil)
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	e.Track("p1", staticSource(Usage{}), Limits{})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		e.RecordNetworkRequest("p1")
	}
	now = now.Add(2 * time.Minute)
	e.poll(ctx)
	usage, _ := e.Usage("p1")
	if usage.NetworkPerMinute != 0 {
		t.Errorf("stale stamps retained: NetworkPerMinute = %d", usage.NetworkPerMinute)
	}
}

func TestEnforcer_PerPluginLimitOverride(t *testing.T) {
	t.Parallel()

	var terminated []Violation
	e := NewEnforcer(testConfig(), nil, nil, nil,
		func(v Violation) { terminated = append(terminated, v) })
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	// Manifest grants this plugin a lower heap ceiling than the default.
	e.Track("p1", staticSource(Usage{HeapMB: 100}), Limits{MaxHeapMB: 64})
	ctx := context.Background()

	e.poll(ctx)
	now = now.Add(150 * time.Millisecond)
	e.poll(ctx)
	if len(terminated) != 1 || terminated[0].Limit != 64 {
		t.Fatalf("override limit not applied: %+v", terminated)
	}
}

func TestEnforcer_UntrackStopsSupervision(t *testing.T) {
	t.Parallel()

	e := NewEnforcer(testConfig(), nil, nil, nil,
		func(v Violation) { t.Errorf("terminated untracked plugin: %v", &v) })
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	e.Track("p1", staticSource(Usage{HeapMB: 5000}), Limits{})
	ctx := context.Background()

	e.poll(ctx)
	e.Untrack("p1")
	now = now.Add(time.Second)
	e.poll(ctx)

	if _, ok := e.PluginState("p1"); ok {
		t.Error("plugin still tracked after Untrack")
	}
}
