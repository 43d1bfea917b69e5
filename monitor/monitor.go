// Package monitor watches each plugin's event and error stream for abuse:
// rate ceilings, error storms, and heuristic anomalies against a short-term
// baseline. Depending on configuration it logs, alerts, or blocks the
// offending plugin until an explicit reset.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/enclave/audit"
)

// Violation types the monitor reports.
const (
	ViolationEventRate = "event_rate_exceeded"
	ViolationErrorRate = "error_rate_exceeded"
	ViolationAnomaly   = "anomaly_detected"
	ViolationBlocked   = "plugin_blocked"
)

// Violation records a runtime abuse detection for one plugin.
type Violation struct {
	Type      string
	PluginID  string
	Severity  audit.Severity
	Timestamp time.Time
	Detail    string
}

// Error implements the error interface so violations can flow through error
// returns where convenient.
func (v *Violation) Error() string {
	return fmt.Sprintf("security violation [%s] plugin %q: %s", v.Type, v.PluginID, v.Detail)
}

// Config controls monitor behavior.
type Config struct {
	MaxEventsPerMinute int  `yaml:"maxEventsPerMinute" json:"maxEventsPerMinute"`
	MaxErrorsPerMinute int  `yaml:"maxErrorsPerMinute" json:"maxErrorsPerMinute"`
	BlockOnViolation   bool `yaml:"blockOnViolation" json:"blockOnViolation"`
	AlertOnAnomaly     bool `yaml:"alertOnAnomaly" json:"alertOnAnomaly"`
	// AnomalyFactor is the multiple of the rolling baseline rate above which
	// the current rate counts as anomalous. The detection is heuristic, not
	// statistical modeling.
	AnomalyFactor float64 `yaml:"anomalyFactor" json:"anomalyFactor"`
	// BaselineBuckets and BucketWidth size the rolling window the baseline is
	// computed over.
	BaselineBuckets int           `yaml:"baselineBuckets" json:"baselineBuckets"`
	BucketWidth     time.Duration `yaml:"-" json:"-"`
}

// DefaultConfig returns production monitor defaults.
func DefaultConfig() Config {
	return Config{
		MaxEventsPerMinute: 600,
		MaxErrorsPerMinute: 60,
		BlockOnViolation:   true,
		AlertOnAnomaly:     true,
		AnomalyFactor:      3.0,
		BaselineBuckets:    6,
		BucketWidth:        10 * time.Second,
	}
}

// Monitor tracks per-plugin rolling windows. All methods are safe for
// concurrent use.
type Monitor struct {
	mu          sync.Mutex
	cfg         Config
	plugins     map[string]*pluginWindow
	onViolation func(Violation)
	trail       *audit.Trail
	logger      *slog.Logger
	now         func() time.Time
}

type pluginWindow struct {
	events *rate.Limiter
	errors *rate.Limiter

	// Rolling bucket counts for the anomaly baseline. buckets[len-1] is the
	// current bucket.
	buckets     []float64
	bucketStart time.Time
	alerted     bool // anomaly already reported for the current bucket

	blocked bool
}

// NewMonitor creates a Monitor. onViolation, when non-nil, is invoked for
// every detection after the configured response has been applied.
func NewMonitor(cfg Config, trail *audit.Trail, logger *slog.Logger, onViolation func(Violation)) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AnomalyFactor <= 0 {
		cfg.AnomalyFactor = 3.0
	}
	if cfg.BaselineBuckets <= 0 {
		cfg.BaselineBuckets = 6
	}
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = 10 * time.Second
	}
	return &Monitor{
		cfg:         cfg,
		plugins:     make(map[string]*pluginWindow),
		onViolation: onViolation,
		trail:       trail,
		logger:      logger,
		now:         time.Now,
	}
}

// Track registers a plugin with the monitor. Recording for an untracked
// plugin registers it implicitly.
func (m *Monitor) Track(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowLocked(pluginID)
}

// Remove forgets a plugin entirely (unload).
func (m *Monitor) Remove(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plugins, pluginID)
}

// IsBlocked reports whether the plugin is gated from further delivery.
func (m *Monitor) IsBlocked(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.plugins[pluginID]
	return ok && w.blocked
}

// Reset clears a plugin's blocked state and rolling window. Blocking is only
// ever lifted through this explicit call.
func (m *Monitor) Reset(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plugins, pluginID)
	m.windowLocked(pluginID)
}

// RecordEvent notes one event from the plugin and returns a violation if a
// ceiling or anomaly was detected, nil otherwise.
func (m *Monitor) RecordEvent(ctx context.Context, pluginID string) *Violation {
	return m.record(ctx, pluginID, false)
}

// RecordError notes one error from the plugin. Errors count against both the
// event window and the stricter error ceiling.
func (m *Monitor) RecordError(ctx context.Context, pluginID string) *Violation {
	return m.record(ctx, pluginID, true)
}

func (m *Monitor) record(ctx context.Context, pluginID string, isError bool) *Violation {
	m.mu.Lock()
	w := m.windowLocked(pluginID)
	now := m.now()

	if w.blocked {
		m.mu.Unlock()
		return m.report(ctx, Violation{
			Type:      ViolationBlocked,
			PluginID:  pluginID,
			Severity:  audit.SeverityWarning,
			Timestamp: now,
			Detail:    "plugin is blocked; delivery refused until reset",
		}, false)
	}

	var v *Violation
	if isError && w.errors != nil && !w.errors.AllowN(now, 1) {
		v = &Violation{
			Type:     ViolationErrorRate,
			PluginID: pluginID,
			Severity: audit.SeverityCritical,
			Detail:   fmt.Sprintf("error rate exceeded %d/min", m.cfg.MaxErrorsPerMinute),
		}
	}
	if v == nil && w.events != nil && !w.events.AllowN(now, 1) {
		v = &Violation{
			Type:     ViolationEventRate,
			PluginID: pluginID,
			Severity: audit.SeverityCritical,
			Detail:   fmt.Sprintf("event rate exceeded %d/min", m.cfg.MaxEventsPerMinute),
		}
	}

	anomaly := m.observeLocked(w, now)

	if v != nil {
		v.Timestamp = now
		blocked := false
		if m.cfg.BlockOnViolation {
			w.blocked = true
			blocked = true
		}
		m.mu.Unlock()
		return m.report(ctx, *v, blocked)
	}

	if anomaly != "" && m.cfg.AlertOnAnomaly {
		m.mu.Unlock()
		return m.report(ctx, Violation{
			Type:      ViolationAnomaly,
			PluginID:  pluginID,
			Severity:  audit.SeverityWarning,
			Timestamp: now,
			Detail:    anomaly,
		}, false)
	}

	m.mu.Unlock()
	return nil
}

// observeLocked advances the rolling buckets, counts the observation, and
// returns a non-empty detail string when the current bucket rate exceeds the
// baseline by the configured factor. Caller must hold m.mu.
func (m *Monitor) observeLocked(w *pluginWindow, now time.Time) string {
	// Roll forward however many bucket widths have elapsed.
	for now.Sub(w.bucketStart) >= m.cfg.BucketWidth {
		w.buckets = append(w.buckets[1:], 0)
		w.bucketStart = w.bucketStart.Add(m.cfg.BucketWidth)
		w.alerted = false
		if now.Sub(w.bucketStart) > time.Duration(len(w.buckets))*m.cfg.BucketWidth {
			// Idle long enough that history is stale; restart the window.
			for i := range w.buckets {
				w.buckets[i] = 0
			}
			w.bucketStart = now
			break
		}
	}

	current := &w.buckets[len(w.buckets)-1]
	*current++

	if w.alerted {
		return ""
	}
	var sum float64
	n := 0
	for _, c := range w.buckets[:len(w.buckets)-1] {
		sum += c
		n++
	}
	if n == 0 {
		return ""
	}
	baseline := sum / float64(n)
	// A baseline below one observation per bucket is noise, not a signal.
	if baseline < 1 {
		return ""
	}
	if *current > baseline*m.cfg.AnomalyFactor {
		w.alerted = true
		return fmt.Sprintf("current bucket rate %.0f exceeds %.1fx baseline %.1f", *current, m.cfg.AnomalyFactor, baseline)
	}
	return ""
}

func (m *Monitor) windowLocked(pluginID string) *pluginWindow {
	w, ok := m.plugins[pluginID]
	if !ok {
		w = &pluginWindow{
			buckets:     make([]float64, m.cfg.BaselineBuckets),
			bucketStart: m.now(),
		}
		if m.cfg.MaxEventsPerMinute > 0 {
			w.events = rate.NewLimiter(rate.Limit(float64(m.cfg.MaxEventsPerMinute)/60.0), m.cfg.MaxEventsPerMinute)
		}
		if m.cfg.MaxErrorsPerMinute > 0 {
			w.errors = rate.NewLimiter(rate.Limit(float64(m.cfg.MaxErrorsPerMinute)/60.0), m.cfg.MaxErrorsPerMinute)
		}
		m.plugins[pluginID] = w
	}
	return w
}

// report audits, logs, and fans out a violation, then returns it.
func (m *Monitor) report(ctx context.Context, v Violation, blocked bool) *Violation {
	if m.trail != nil {
		m.trail.Append(ctx, audit.Event{
			Type:     "security:" + v.Type,
			Severity: v.Severity,
			PluginID: v.PluginID,
			Detail:   v.Detail,
		})
	}
	m.logger.Warn("Security violation",
		"plugin", v.PluginID, "type", v.Type, "detail", v.Detail, "blocked", blocked)
	if m.onViolation != nil {
		m.onViolation(v)
	}
	return &v
}
