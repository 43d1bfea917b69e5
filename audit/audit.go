// Package audit records security-relevant sandbox events on an append-only
// trail with bounded retention. Every message crossing a security boundary
// and every violation lands here.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single audit trail entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	PluginID  string         `json:"plugin_id,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Option configures a Trail.
type Option func(*Trail)

// WithRetention bounds how long events are kept in memory. Zero keeps events
// until the entry cap evicts them.
func WithRetention(d time.Duration) Option {
	return func(t *Trail) { t.retention = d }
}

// WithMaxEntries bounds how many events are kept in memory.
func WithMaxEntries(n int) Option {
	return func(t *Trail) { t.maxEntries = n }
}

// WithWriter mirrors every event as a JSON line to w.
func WithWriter(w io.Writer) Option {
	return func(t *Trail) { t.writer = w }
}

// WithStore mirrors every event to a persistent store.
func WithStore(s *Store) Option {
	return func(t *Trail) { t.store = s }
}

// Trail is an append-only, bounded-retention audit log. It is one of the two
// pieces of state shared across plugin instances (the other being the worker
// pool), so every mutation is serialized.
type Trail struct {
	mu         sync.Mutex
	events     []Event
	retention  time.Duration
	maxEntries int
	writer     io.Writer
	store      *Store
	logger     *slog.Logger
}

// NewTrail creates an audit trail. Defaults: 10k entries, no time-based
// retention, no writer, no store.
func NewTrail(logger *slog.Logger, opts ...Option) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trail{
		maxEntries: 10000,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append records an event. It is safe for concurrent use and never fails the
// caller: persistence problems are logged, not propagated, since an audit
// write must not take down the operation it describes.
func (t *Trail) Append(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	t.mu.Lock()
	t.events = append(t.events, event)
	t.pruneLocked(time.Now())
	t.mu.Unlock()

	if t.writer != nil {
		data, err := json.Marshal(event)
		if err != nil {
			t.logger.Error("Failed to marshal audit event", "error", err)
		} else {
			data = append(data, '\n')
			if _, err := t.writer.Write(data); err != nil {
				t.logger.Error("Failed to write audit event", "error", err)
			}
		}
	}

	if t.store != nil {
		if err := t.store.InsertEvent(ctx, event); err != nil {
			t.logger.Error("Failed to persist audit event", "error", err)
		}
	}
}

// Events returns the retained events for a plugin, oldest first. An empty
// pluginID returns everything retained.
func (t *Trail) Events(pluginID string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Event
	for _, e := range t.events {
		if pluginID == "" || e.PluginID == pluginID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained events.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// pruneLocked drops events past retention or beyond the entry cap. Caller
// must hold t.mu.
func (t *Trail) pruneLocked(now time.Time) {
	if t.retention > 0 {
		cutoff := now.Add(-t.retention)
		i := 0
		for i < len(t.events) && t.events[i].Timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			t.events = append(t.events[:0], t.events[i:]...)
		}
	}
	if t.maxEntries > 0 && len(t.events) > t.maxEntries {
		drop := len(t.events) - t.maxEntries
		t.events = append(t.events[:0], t.events[drop:]...)
	}
}
