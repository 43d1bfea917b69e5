package enclave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/enclave/manifest"
	"github.com/GoCodeAlone/enclave/resource"
	"github.com/GoCodeAlone/enclave/worker"
)

// InstanceState is the lifecycle state of one plugin instance.
type InstanceState string

const (
	StateUnloaded InstanceState = "unloaded"
	StateQueued   InstanceState = "queued"
	StateLoading  InstanceState = "loading"
	StateRunning  InstanceState = "running"
	StateStopped  InstanceState = "stopped"
	StateCrashed  InstanceState = "crashed"
)

// Instance is one accepted plugin. It is owned exclusively by the Manager:
// created on admission, destroyed on unload or unrecoverable crash.
type Instance struct {
	ID           string
	Manifest     *manifest.Manifest
	CodeLocation string

	mu         sync.Mutex
	state      InstanceState
	handle     *worker.Handle
	cancel     func()
	loadedAt   time.Time
	violations int

	// invokeMu serializes hook invocations: the channel correlates one
	// request/response pair at a time.
	invokeMu sync.Mutex
}

func newInstance(m *manifest.Manifest, codeLocation string) *Instance {
	return &Instance{
		ID:           uuid.NewString(),
		Manifest:     m,
		CodeLocation: codeLocation,
		state:        StateQueued,
	}
}

// State returns the instance's lifecycle state.
func (in *Instance) State() InstanceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Violations returns the cumulative violation count.
func (in *Instance) Violations() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.violations
}

func (in *Instance) setState(s InstanceState) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

func (in *Instance) addViolation() {
	in.mu.Lock()
	in.violations++
	in.mu.Unlock()
}

// attach binds a running worker and its serve-loop cancel function.
func (in *Instance) attach(h *worker.Handle, cancel func(), at time.Time) {
	in.mu.Lock()
	in.handle = h
	in.cancel = cancel
	in.loadedAt = at
	in.state = StateRunning
	in.mu.Unlock()
}

// detach releases the worker binding, canceling the serve loop first, and
// moves the instance to the given terminal-ish state.
func (in *Instance) detach(s InstanceState) *worker.Handle {
	in.mu.Lock()
	h := in.handle
	cancel := in.cancel
	in.handle = nil
	in.cancel = nil
	in.state = s
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return h
}

// invoke runs one hook over the instance's boundary channel, holding the
// per-instance invoke lock for the duration of the round trip.
func (in *Instance) invoke(ctx context.Context, hook string, payload map[string]any) (map[string]any, error) {
	in.invokeMu.Lock()
	defer in.invokeMu.Unlock()
	h := in.workerHandle()
	if h == nil || h.Channel() == nil {
		return nil, errors.New("no worker attached")
	}
	return worker.Invoke(ctx, h.Channel(), hook, payload)
}

// workerHandle returns the currently assigned handle, nil when not running.
func (in *Instance) workerHandle() *worker.Handle {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.handle
}

// Snapshot is the externally visible view of an instance.
type Snapshot struct {
	ID         string
	Name       string
	Version    string
	State      InstanceState
	Violations int
	Usage      resource.Usage
}
