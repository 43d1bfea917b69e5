// Package loader schedules plugin load requests: a priority queue admitted
// under a concurrency bound, with a preload list served ahead of any runtime
// request. Failed loads are not retried; retry is a fresh submission.
package loader

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/enclave/manifest"
)

// Priority orders load requests. Higher values are admitted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ParsePriority converts a priority name to its level. Unknown names are an
// error so a config typo cannot silently demote a plugin.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// RequestState tracks a load request through its lifecycle.
type RequestState string

const (
	RequestQueued    RequestState = "queued"
	RequestAdmitted  RequestState = "admitted"
	RequestSucceeded RequestState = "succeeded"
	RequestFailed    RequestState = "failed"
)

// Request is one submitted plugin load.
type Request struct {
	Manifest     *manifest.Manifest
	CodeLocation string
	Priority     Priority
	Preload      bool
	EnqueuedAt   time.Time

	mu    sync.Mutex
	state RequestState
	err   error
	seq   uint64
	ctx   context.Context
}

// State returns the request's current lifecycle state.
func (r *Request) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the load error for a failed request.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) setState(s RequestState, err error) {
	r.mu.Lock()
	r.state = s
	r.err = err
	r.mu.Unlock()
}

// LoadFunc performs the actual load for an admitted request. A non-nil error
// marks the request failed.
type LoadFunc func(ctx context.Context, req *Request) error

// Config controls the loader.
type Config struct {
	MaxConcurrentLoads int `yaml:"maxConcurrentLoads" json:"maxConcurrentLoads"`
	// PreloadQueue lists plugin names admitted ahead of any runtime request
	// regardless of their declared priority.
	PreloadQueue []string `yaml:"preloadQueue" json:"preloadQueue"`
	// PriorityMap overrides the priority of named plugins.
	PriorityMap map[string]string `yaml:"priorityMap" json:"priorityMap"`
}

// DefaultConfig returns production loader defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentLoads: 2}
}

// Stats is a point-in-time loader census.
type Stats struct {
	LoadedCount   int
	QueuedCount   int
	FailedCount   int
	InFlightCount int
	AvgLoadTime   time.Duration
}

// Loader admits queued requests in priority order under the concurrency
// bound. All methods are safe for concurrent use.
type Loader struct {
	mu       sync.Mutex
	cfg      Config
	queue    requestQueue
	inFlight int
	nextSeq  uint64
	preload  map[string]bool

	loaded    int
	failed    int
	totalTime time.Duration

	loadFn LoadFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewLoader creates a Loader that calls loadFn for every admitted request.
func NewLoader(cfg Config, loadFn LoadFunc, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = 2
	}
	preload := make(map[string]bool, len(cfg.PreloadQueue))
	for _, name := range cfg.PreloadQueue {
		preload[name] = true
	}
	l := &Loader{
		cfg:     cfg,
		preload: preload,
		loadFn:  loadFn,
		logger:  logger,
		now:     time.Now,
	}
	heap.Init(&l.queue)
	return l
}

// Submit enqueues a load request and admits work if the concurrency budget
// allows. The configured preload list and priority map are applied here. ctx
// belongs to this request alone: it governs this load whenever the request is
// admitted, independent of any other caller.
func (l *Loader) Submit(ctx context.Context, req *Request) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	req.ctx = ctx
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = l.now()
	}
	if req.Manifest != nil {
		if l.preload[req.Manifest.Name] {
			req.Preload = true
		}
		if override, ok := l.cfg.PriorityMap[req.Manifest.Name]; ok {
			if p, err := ParsePriority(override); err == nil {
				req.Priority = p
			}
		}
	}
	req.setState(RequestQueued, nil)
	l.nextSeq++
	req.seq = l.nextSeq
	heap.Push(&l.queue, req)
	l.dispatchLocked()
	l.mu.Unlock()
}

// Stats returns the loader's counters. Average load time covers successful
// loads only.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		LoadedCount:   l.loaded,
		QueuedCount:   l.queue.Len(),
		FailedCount:   l.failed,
		InFlightCount: l.inFlight,
	}
	if l.loaded > 0 {
		s.AvgLoadTime = l.totalTime / time.Duration(l.loaded)
	}
	return s
}

// dispatchLocked admits queued requests while the concurrency budget has
// room. Each admitted request runs under the context it was submitted with.
// Caller must hold l.mu.
func (l *Loader) dispatchLocked() {
	for l.inFlight < l.cfg.MaxConcurrentLoads && l.queue.Len() > 0 {
		req := heap.Pop(&l.queue).(*Request)
		req.setState(RequestAdmitted, nil)
		l.inFlight++
		go l.run(req)
	}
}

func (l *Loader) run(req *Request) {
	start := l.now()
	err := l.loadFn(req.ctx, req)
	elapsed := l.now().Sub(start)

	l.mu.Lock()
	l.inFlight--
	if err != nil {
		l.failed++
		req.setState(RequestFailed, err)
		l.logger.Error("Plugin load failed",
			"plugin", requestName(req), "priority", req.Priority.String(), "error", err)
	} else {
		l.loaded++
		l.totalTime += elapsed
		req.setState(RequestSucceeded, nil)
		l.logger.Info("Plugin loaded",
			"plugin", requestName(req), "priority", req.Priority.String(), "duration", elapsed)
	}
	l.dispatchLocked()
	l.mu.Unlock()
}

func requestName(req *Request) string {
	if req.Manifest != nil {
		return req.Manifest.Identity()
	}
	return req.CodeLocation
}

// requestQueue orders requests preload-first, then by priority, ties broken
// by submission order.
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].Preload != q[j].Preload {
		return q[i].Preload
	}
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) { *q = append(*q, x.(*Request)) }

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return req
}
