// Package enclave hosts untrusted plugin code behind a sandbox: validated
// manifests, capability checks, isolated workers, resource ceilings, runtime
// monitoring, and a secured message boundary. The Manager composes those
// pieces into a single lifecycle API.
package enclave

import (
	"sync"
	"time"
)

// Event names published on the Bus.
const (
	EventPluginLoaded      = "plugin:loaded"
	EventPluginError       = "plugin:error"
	EventWorkerCreated     = "worker:created"
	EventWorkerTerminated  = "worker:terminated"
	EventSecurityViolation = "security:violation"
)

// Event is a typed lifecycle or security notification.
type Event interface {
	EventName() string
}

// PluginLoaded announces a plugin that reached the running state.
type PluginLoaded struct {
	Plugin   string
	LoadTime time.Duration
}

func (PluginLoaded) EventName() string { return EventPluginLoaded }

// PluginError announces a load or runtime failure for a plugin.
type PluginError struct {
	Plugin string
	Err    error
}

func (PluginError) EventName() string { return EventPluginError }

// WorkerCreated announces a new worker in the pool.
type WorkerCreated struct {
	WorkerID string
	PluginID string
}

func (WorkerCreated) EventName() string { return EventWorkerCreated }

// WorkerTerminated announces a worker leaving the pool with a reason
// (idle-timeout, crash, shutdown, resource-violation).
type WorkerTerminated struct {
	WorkerID string
	PluginID string
	Reason   string
}

func (WorkerTerminated) EventName() string { return EventWorkerTerminated }

// SecurityViolation announces a monitor or enforcer detection.
type SecurityViolation struct {
	Type      string
	Severity  string
	PluginID  string
	Timestamp time.Time
	Detail    string
}

func (SecurityViolation) EventName() string { return EventSecurityViolation }

// Bus fans typed events out to registered subscribers. Subscribers are
// invoked synchronously in registration order; there is no implicit global
// listener state.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]func(Event)
	all  []func(Event)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]func(Event))}
}

// Subscribe registers fn for one event name.
func (b *Bus) Subscribe(name string, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], fn)
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

// Publish delivers e to all matching subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	named := b.subs[e.EventName()]
	all := b.all
	b.mu.RUnlock()

	for _, fn := range named {
		fn(e)
	}
	for _, fn := range all {
		fn(e)
	}
}
