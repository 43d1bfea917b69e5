// Package resource enforces per-plugin resource ceilings: heap, CPU, open
// file handles, and outbound request rate. Each metric has a soft threshold
// that warns and a hard threshold that, after a grace period of sustained
// breach, terminates the owning worker. Termination is reported with the
// triggering metric and values, never applied silently.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/enclave/audit"
)

// State is the enforcement state of one tracked plugin.
type State string

const (
	StateNominal    State = "nominal"
	StateWarned     State = "warned"
	StateTerminated State = "terminated"
)

// Metric names used in violations.
const (
	MetricHeap        = "heap_mb"
	MetricCPU         = "cpu_percent"
	MetricFileHandles = "file_handles"
	MetricNetworkRate = "network_requests_per_minute"
)

// Usage is a point-in-time resource snapshot for one plugin.
type Usage struct {
	HeapMB           float64
	CPUPercent       float64
	FileHandles      int
	NetworkPerMinute int
	SampledAt        time.Time
}

// Limits are the hard ceilings for one plugin. Zero-value fields fall back
// to the enforcer's configured defaults.
type Limits struct {
	MaxHeapMB                   float64 `yaml:"maxHeapUsageMB" json:"maxHeapUsageMB"`
	MaxCPUPercent               float64 `yaml:"maxCpuPercent" json:"maxCpuPercent"`
	MaxFileHandles              int     `yaml:"maxFileHandles" json:"maxFileHandles"`
	MaxNetworkRequestsPerMinute int     `yaml:"maxNetworkRequestsPerMinute" json:"maxNetworkRequestsPerMinute"`
}

// Config controls the enforcer.
type Config struct {
	Limits `yaml:",inline" json:",inline"`

	EnforceHardLimits bool          `yaml:"enforceHardLimits" json:"enforceHardLimits"`
	GracePeriod       time.Duration `yaml:"-" json:"-"`
	SampleInterval    time.Duration `yaml:"-" json:"-"`
	// SoftFraction is the fraction of a hard limit at which a warning fires.
	SoftFraction float64 `yaml:"softFraction" json:"softFraction"`
}

// DefaultConfig returns production enforcer defaults.
func DefaultConfig() Config {
	return Config{
		Limits: Limits{
			MaxHeapMB:                   256,
			MaxCPUPercent:               80,
			MaxFileHandles:              64,
			MaxNetworkRequestsPerMinute: 300,
		},
		EnforceHardLimits: true,
		GracePeriod:       5 * time.Second,
		SampleInterval:    time.Second,
		SoftFraction:      0.8,
	}
}

// Violation reports one metric crossing a threshold.
type Violation struct {
	PluginID  string
	Metric    string
	Value     float64
	Limit     float64
	Hard      bool
	Timestamp time.Time
}

// Error implements the error interface.
func (v *Violation) Error() string {
	kind := "soft"
	if v.Hard {
		kind = "hard"
	}
	return fmt.Sprintf("resource violation [%s] plugin %q: %s = %.1f exceeds limit %.1f",
		kind, v.PluginID, v.Metric, v.Value, v.Limit)
}

type tracked struct {
	source Source
	limits Limits
	state  State

	usage Usage

	// graceStart records when each metric first breached its hard limit;
	// cleared as soon as the metric drops back under.
	graceStart map[string]time.Time
	// warned marks metrics already past their soft threshold so a sustained
	// breach warns once, not every sample.
	warned map[string]bool

	// Outbound request timestamps within the trailing minute.
	netStamps []time.Time
}

// Enforcer samples tracked plugins on a fixed interval and applies the
// nominal, warned, terminated state machine per plugin. All methods are safe
// for concurrent use.
type Enforcer struct {
	mu      sync.Mutex
	cfg     Config
	plugins map[string]*tracked

	onWarning   func(Violation)
	onTerminate func(Violation)
	trail       *audit.Trail
	logger      *slog.Logger
	now         func() time.Time
}

// NewEnforcer creates an Enforcer. onTerminate is invoked exactly once per
// terminated plugin with the triggering violation; onWarning, when non-nil,
// receives soft-threshold and grace-period-start warnings.
func NewEnforcer(cfg Config, trail *audit.Trail, logger *slog.Logger, onWarning, onTerminate func(Violation)) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.SoftFraction <= 0 || cfg.SoftFraction >= 1 {
		cfg.SoftFraction = 0.8
	}
	return &Enforcer{
		cfg:         cfg,
		plugins:     make(map[string]*tracked),
		onWarning:   onWarning,
		onTerminate: onTerminate,
		trail:       trail,
		logger:      logger,
		now:         time.Now,
	}
}

// Track begins supervising a plugin. Zero-value fields in limits fall back
// to the enforcer defaults. Re-tracking an id resets its state.
func (e *Enforcer) Track(pluginID string, src Source, limits Limits) {
	if limits.MaxHeapMB <= 0 {
		limits.MaxHeapMB = e.cfg.MaxHeapMB
	}
	if limits.MaxCPUPercent <= 0 {
		limits.MaxCPUPercent = e.cfg.MaxCPUPercent
	}
	if limits.MaxFileHandles <= 0 {
		limits.MaxFileHandles = e.cfg.MaxFileHandles
	}
	if limits.MaxNetworkRequestsPerMinute <= 0 {
		limits.MaxNetworkRequestsPerMinute = e.cfg.MaxNetworkRequestsPerMinute
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.plugins[pluginID] = &tracked{
		source:     src,
		limits:     limits,
		state:      StateNominal,
		graceStart: make(map[string]time.Time),
		warned:     make(map[string]bool),
	}
}

// Untrack stops supervising a plugin (unload or termination handled
// elsewhere).
func (e *Enforcer) Untrack(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.plugins, pluginID)
}

// PluginState returns the enforcement state for a plugin.
func (e *Enforcer) PluginState(pluginID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.plugins[pluginID]
	if !ok {
		return "", false
	}
	return t.state, true
}

// Usage returns the last sampled usage for a plugin.
func (e *Enforcer) Usage(pluginID string) (Usage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.plugins[pluginID]
	if !ok {
		return Usage{}, false
	}
	return t.usage, true
}

// RecordNetworkRequest counts one outbound request against the plugin's
// trailing-minute rate window.
func (e *Enforcer) RecordNetworkRequest(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.plugins[pluginID]
	if !ok {
		return
	}
	now := e.now()
	t.netStamps = append(t.netStamps, now)
	t.netStamps = pruneStamps(t.netStamps, now)
}

// Run samples all tracked plugins on the configured interval until ctx is
// canceled.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

// poll samples every tracked plugin once and applies threshold checks.
func (e *Enforcer) poll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.plugins))
	for id := range e.plugins {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.pollOne(ctx, id)
	}
}

func (e *Enforcer) pollOne(ctx context.Context, pluginID string) {
	e.mu.Lock()
	t, ok := e.plugins[pluginID]
	if !ok || t.state == StateTerminated {
		e.mu.Unlock()
		return
	}
	src := t.source
	e.mu.Unlock()

	now := e.now()
	usage, err := src.Sample(ctx)
	if err != nil {
		e.logger.Warn("Resource sample failed", "plugin", pluginID, "error", err)
		return
	}
	usage.SampledAt = now

	e.mu.Lock()
	t, ok = e.plugins[pluginID]
	if !ok || t.state == StateTerminated {
		e.mu.Unlock()
		return
	}
	t.netStamps = pruneStamps(t.netStamps, now)
	usage.NetworkPerMinute = len(t.netStamps)
	t.usage = usage

	checks := []struct {
		metric string
		value  float64
		limit  float64
	}{
		{MetricHeap, usage.HeapMB, t.limits.MaxHeapMB},
		{MetricCPU, usage.CPUPercent, t.limits.MaxCPUPercent},
		{MetricFileHandles, float64(usage.FileHandles), float64(t.limits.MaxFileHandles)},
		{MetricNetworkRate, float64(usage.NetworkPerMinute), float64(t.limits.MaxNetworkRequestsPerMinute)},
	}

	var warnings []Violation
	var terminal *Violation

	for _, c := range checks {
		soft := c.limit * e.cfg.SoftFraction

		if c.value > c.limit && e.cfg.EnforceHardLimits {
			started, breaching := t.graceStart[c.metric]
			if !breaching {
				t.graceStart[c.metric] = now
				warnings = append(warnings, Violation{
					PluginID: pluginID, Metric: c.metric,
					Value: c.value, Limit: c.limit, Hard: true, Timestamp: now,
				})
			} else if now.Sub(started) >= e.cfg.GracePeriod {
				terminal = &Violation{
					PluginID: pluginID, Metric: c.metric,
					Value: c.value, Limit: c.limit, Hard: true, Timestamp: now,
				}
				break
			}
			continue
		}
		delete(t.graceStart, c.metric)

		if c.value > soft {
			if !t.warned[c.metric] {
				t.warned[c.metric] = true
				warnings = append(warnings, Violation{
					PluginID: pluginID, Metric: c.metric,
					Value: c.value, Limit: soft, Timestamp: now,
				})
			}
		} else {
			delete(t.warned, c.metric)
		}
	}

	if terminal != nil {
		t.state = StateTerminated
	} else if len(warnings) > 0 {
		t.state = StateWarned
	} else if len(t.graceStart) == 0 && len(t.warned) == 0 {
		t.state = StateNominal
	}
	e.mu.Unlock()

	for _, w := range warnings {
		e.report(ctx, w, false)
	}
	if terminal != nil {
		e.report(ctx, *terminal, true)
	}
}

// report audits and logs a violation, then fans it out to the configured
// callback. Termination fan-out happens exactly once per plugin because the
// terminated state gates all further polling.
func (e *Enforcer) report(ctx context.Context, v Violation, terminate bool) {
	severity := audit.SeverityWarning
	eventType := "resource:warning"
	if terminate {
		severity = audit.SeverityCritical
		eventType = "resource:violation"
	}
	if e.trail != nil {
		e.trail.Append(ctx, audit.Event{
			Type:     eventType,
			Severity: severity,
			PluginID: v.PluginID,
			Detail:   v.Error(),
			Metadata: map[string]any{
				"metric": v.Metric,
				"value":  v.Value,
				"limit":  v.Limit,
			},
		})
	}
	e.logger.Warn("Resource threshold crossed",
		"plugin", v.PluginID, "metric", v.Metric, "value", v.Value, "limit", v.Limit, "terminate", terminate)

	if terminate {
		if e.onTerminate != nil {
			e.onTerminate(v)
		}
	} else if e.onWarning != nil {
		e.onWarning(v)
	}
}

// pruneStamps drops timestamps older than one minute before now.
func pruneStamps(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
	}
	return stamps
}
