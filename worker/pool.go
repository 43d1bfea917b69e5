// Package worker owns the pool of isolated execution contexts plugins run
// in. Each context hosts at most one plugin at a time inside a sandboxed
// interpreter behind a boundary channel; the pool grows and shrinks between
// configured bounds and reaps idle contexts after a timeout.
package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/enclave/audit"
	"github.com/GoCodeAlone/enclave/boundary"
	"github.com/GoCodeAlone/enclave/permission"
)

// Termination reasons reported on worker:terminated events.
const (
	ReasonIdleTimeout       = "idle-timeout"
	ReasonCrash             = "crash"
	ReasonShutdown          = "shutdown"
	ReasonResourceViolation = "resource-violation"
)

// Event types the pool emits.
const (
	EventWorkerCreated    = "worker:created"
	EventWorkerTerminated = "worker:terminated"
)

// Event describes a pool lifecycle change.
type Event struct {
	Type     string
	WorkerID string
	PluginID string
	Reason   string
}

// ErrPoolExhausted is returned when no worker is idle and the pool is at
// MaxWorkers. The request stays with the caller; nothing is discarded.
var ErrPoolExhausted = errors.New("worker pool exhausted")

// Config controls pool sizing.
type Config struct {
	MinWorkers  int           `yaml:"minWorkers" json:"minWorkers"`
	MaxWorkers  int           `yaml:"maxWorkers" json:"maxWorkers"`
	IdleTimeout time.Duration `yaml:"-" json:"-"`

	// EvalTimeout bounds entry-source evaluation during an assignment so a
	// hostile or slow source fails only its own load.
	EvalTimeout time.Duration `yaml:"-" json:"-"`

	// Boundary configures the channel established for every assignment.
	Boundary boundary.Config `yaml:"boundary" json:"boundary"`
}

// DefaultConfig returns production pool defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:  1,
		MaxWorkers:  4,
		IdleTimeout: 60 * time.Second,
		EvalTimeout: 10 * time.Second,
		Boundary:    boundary.DefaultConfig(),
	}
}

// Stats is a point-in-time pool census.
type Stats struct {
	Size   int
	Idle   int
	Active int
}

// Pool manages worker handles. The pool's size counters are shared across
// all plugin lifecycles, so every mutation runs under one lock and handle
// assignment is atomic relative to it.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	handles map[string]*Handle
	closed  bool

	masterKey []byte
	trail     *audit.Trail
	logger    *slog.Logger
	onEvent   func(Event)
	now       func() time.Time
}

// NewPool creates a pool, generates the boundary master key, and pre-spawns
// MinWorkers idle handles. onEvent, when non-nil, receives every
// worker:created and worker:terminated event.
func NewPool(cfg Config, trail *audit.Trail, logger *slog.Logger, onEvent func(Event)) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		return nil, fmt.Errorf("minWorkers %d exceeds maxWorkers %d", cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 10 * time.Second
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate boundary master key: %w", err)
	}

	p := &Pool{
		cfg:       cfg,
		handles:   make(map[string]*Handle),
		masterKey: key,
		trail:     trail,
		logger:    logger,
		onEvent:   onEvent,
		now:       time.Now,
	}

	var events []Event
	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		h := p.spawnLocked()
		events = append(events, Event{Type: EventWorkerCreated, WorkerID: h.id})
	}
	p.mu.Unlock()
	p.emit(events)

	return p, nil
}

// Acquire assigns a plugin to an idle worker, spawning one if the pool is
// under MaxWorkers. It establishes the plugin's boundary channel, screens
// the entry source, and binds the manifest hooks. Returns ErrPoolExhausted
// when every handle is busy and the pool is full.
func (p *Pool) Acquire(ctx context.Context, pluginID, entrySource string, hookSymbols map[string]string, perms *permission.Set) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("worker pool is shut down")
	}

	h := p.idleLocked()
	var created bool
	if h == nil {
		if len(p.handles) >= p.cfg.MaxWorkers {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}
		h = p.spawnLocked()
		created = true
	}
	if err := h.reserve(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	// Channel setup and source evaluation run outside the pool lock:
	// evaluating untrusted entry source must never stall sibling instances
	// or the supervision loops. The reserved handle keeps the slot.
	ch, err := boundary.NewChannel(pluginID, p.masterKey, p.cfg.Boundary, p.trail, p.logger)
	if err != nil {
		p.unreserve(h, created)
		return nil, fmt.Errorf("acquire worker: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, p.cfg.EvalTimeout)
	err = h.assign(evalCtx, pluginID, entrySource, hookSymbols, perms.Sanitize(), ch)
	cancel()
	if err != nil {
		_ = ch.Close()
		p.unreserve(h, created)
		return nil, err
	}

	if created {
		p.emit([]Event{{Type: EventWorkerCreated, WorkerID: h.id, PluginID: pluginID}})
	}
	p.logger.Debug("Worker assigned", "worker", h.id, "plugin", pluginID)
	return h, nil
}

// unreserve rolls a failed assignment back to the idle set.
func (p *Pool) unreserve(h *Handle, created bool) {
	p.mu.Lock()
	h.release(p.now())
	p.mu.Unlock()
	if created {
		p.emit([]Event{{Type: EventWorkerCreated, WorkerID: h.id}})
	}
}

// Release severs the handle's boundary channel and returns it to the idle
// set for reuse by a later assignment.
func (p *Pool) Release(h *Handle) {
	if ch := h.Channel(); ch != nil {
		_ = ch.Close()
	}
	p.mu.Lock()
	h.release(p.now())
	p.mu.Unlock()
}

// Terminate destroys a handle with the given reason. The boundary channel is
// always severed before the execution context is torn down. If the pool
// drops below MinWorkers a replacement is spawned.
func (p *Pool) Terminate(h *Handle, reason string) {
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		p.mu.Unlock()
		return
	}
	pluginID := h.PluginID()
	h.terminate()
	delete(p.handles, h.id)

	events := []Event{{Type: EventWorkerTerminated, WorkerID: h.id, PluginID: pluginID, Reason: reason}}
	if !p.closed {
		for len(p.handles) < p.cfg.MinWorkers {
			nh := p.spawnLocked()
			events = append(events, Event{Type: EventWorkerCreated, WorkerID: nh.id})
		}
	}
	p.mu.Unlock()
	p.emit(events)
}

// Stats returns the current pool census.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Size: len(p.handles)}
	for _, h := range p.handles {
		if h.State() == HandleIdle {
			s.Idle++
		} else {
			s.Active++
		}
	}
	return s
}

// Run reaps idle workers until ctx is canceled. Idle handles beyond
// MinWorkers that have been inactive longer than IdleTimeout are terminated.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.IdleTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// Shutdown terminates every handle and refuses further acquisitions.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	var events []Event
	for id, h := range p.handles {
		pluginID := h.PluginID()
		h.terminate()
		delete(p.handles, id)
		events = append(events, Event{Type: EventWorkerTerminated, WorkerID: id, PluginID: pluginID, Reason: ReasonShutdown})
	}
	p.mu.Unlock()
	p.emit(events)
}

// reap evicts expired idle handles, oldest first, never shrinking below
// MinWorkers.
func (p *Pool) reap() {
	now := p.now()

	p.mu.Lock()
	var idle []*Handle
	for _, h := range p.handles {
		h.mu.RLock()
		if h.state == HandleIdle && now.Sub(h.idleSince) >= p.cfg.IdleTimeout {
			idle = append(idle, h)
		}
		h.mu.RUnlock()
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].idleSince.Before(idle[j].idleSince)
	})

	var events []Event
	for _, h := range idle {
		if len(p.handles) <= p.cfg.MinWorkers {
			break
		}
		h.terminate()
		delete(p.handles, h.id)
		events = append(events, Event{Type: EventWorkerTerminated, WorkerID: h.id, Reason: ReasonIdleTimeout})
	}
	p.mu.Unlock()
	p.emit(events)
}

func (p *Pool) idleLocked() *Handle {
	for _, h := range p.handles {
		if h.State() == HandleIdle {
			return h
		}
	}
	return nil
}

func (p *Pool) spawnLocked() *Handle {
	h := newHandle(p.now())
	p.handles[h.id] = h
	return h
}

func (p *Pool) emit(events []Event) {
	for _, e := range events {
		if p.trail != nil {
			p.trail.Append(context.Background(), audit.Event{
				Type:     e.Type,
				Severity: audit.SeverityInfo,
				PluginID: e.PluginID,
				Detail:   e.Reason,
				Metadata: map[string]any{"worker": e.WorkerID},
			})
		}
		if p.onEvent != nil {
			p.onEvent(e)
		}
	}
}
