package enclave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/GoCodeAlone/enclave/audit"
	"github.com/GoCodeAlone/enclave/loader"
	"github.com/GoCodeAlone/enclave/manifest"
	"github.com/GoCodeAlone/enclave/monitor"
	"github.com/GoCodeAlone/enclave/resource"
	"github.com/GoCodeAlone/enclave/worker"
)

// ErrNotFound is returned for operations on unknown plugin ids.
var ErrNotFound = errors.New("plugin not found")

// PermissionDeniedError reports a capability check that refused a call. The
// plugin keeps running; only the call is refused.
type PermissionDeniedError struct {
	PluginID string
	Reason   string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for plugin %s: %s", e.PluginID, e.Reason)
}

// BlockedError reports delivery refused because the security monitor has
// gated the plugin.
type BlockedError struct {
	PluginID string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("plugin %s is blocked by the security monitor", e.PluginID)
}

// defaultDrainTimeout bounds how long a stopping plugin may drain before its
// worker is force-terminated.
const defaultDrainTimeout = 5 * time.Second

// Manager composes the sandbox subsystems into one lifecycle API. All
// cross-cutting failures surface as typed errors or bus events; nothing in
// this subsystem crashes the host process.
type Manager struct {
	cfg       Config
	bus       *Bus
	trail     *audit.Trail
	store     *audit.Store
	validator *manifest.Validator
	pool      *worker.Pool
	monitor   *monitor.Monitor
	enforcer  *resource.Enforcer
	loader    *loader.Loader
	metrics   *Metrics
	logger    *slog.Logger

	// SourceFactory supplies the resource sampling source per instance. The
	// default samples host runtime heap; deployments that run workers as
	// separate processes plug in resource.NewProcessSource instead. Set
	// before Start.
	SourceFactory func(*Instance) resource.Source

	mu         sync.Mutex
	instances  map[string]*Instance
	identities map[string]string // name@version -> instance id

	runCancel context.CancelFunc
	watcher   *Watcher
}

// NewManager wires the sandbox from configuration.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:        cfg,
		bus:        NewBus(),
		metrics:    NewMetrics(),
		logger:     logger,
		instances:  make(map[string]*Instance),
		identities: make(map[string]string),
	}
	m.SourceFactory = func(*Instance) resource.Source { return runtimeSource() }

	opts := []audit.Option{}
	if cfg.Audit.MaxEntries > 0 {
		opts = append(opts, audit.WithMaxEntries(cfg.Audit.MaxEntries))
	}
	if cfg.Boundary.AuditRetentionMs > 0 {
		opts = append(opts, audit.WithRetention(time.Duration(cfg.Boundary.AuditRetentionMs)*time.Millisecond))
	}
	if cfg.Audit.StorePath != "" {
		store, err := audit.OpenStore(cfg.Audit.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		m.store = store
		opts = append(opts, audit.WithStore(store))
	}
	m.trail = audit.NewTrail(logger, opts...)

	m.validator = manifest.NewValidator(manifest.Policy{
		RequireSigned:    cfg.Security.RequireSignedPlugins,
		VerifySignatures: cfg.Security.EnableSignatureValidation,
		MaxEntrySize:     cfg.Security.MaxPluginSize,
	}, logger)

	pool, err := worker.NewPool(cfg.Workers.poolConfig(cfg.Boundary), m.trail, logger, m.onPoolEvent)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	m.pool = pool
	m.metrics.ActiveWorkers.Set(float64(pool.Stats().Size))

	m.monitor = monitor.NewMonitor(cfg.Monitor.monitorConfig(), m.trail, logger, m.onMonitorViolation)
	m.enforcer = resource.NewEnforcer(cfg.Enforcer.enforcerConfig(), m.trail, logger,
		m.onResourceWarning, m.onResourceTermination)
	m.loader = loader.NewLoader(cfg.Loader, m.performLoad, logger)

	return m, nil
}

// Bus returns the manager's event bus for collaborator subscriptions.
func (m *Manager) Bus() *Bus { return m.bus }

// Trail returns the audit trail.
func (m *Manager) Trail() *audit.Trail { return m.trail }

// Metrics returns the platform metrics.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Start launches the background supervision loops and, when a plugin
// directory is configured, the bundle watcher.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel

	go m.enforcer.Run(runCtx)
	go m.pool.Run(runCtx)

	if m.cfg.PluginDirectory != "" {
		w, err := NewWatcher(m.cfg.PluginDirectory, m, m.logger)
		if err != nil {
			cancel()
			return fmt.Errorf("watch plugin directory: %w", err)
		}
		m.watcher = w
		go w.Run(runCtx)
	}
	return nil
}

// Shutdown stops every running plugin, tears down the pool, and closes the
// audit store.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.runCancel != nil {
		m.runCancel()
	}

	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		instances = append(instances, in)
	}
	m.mu.Unlock()

	for _, in := range instances {
		if in.State() == StateRunning {
			if err := m.StopPlugin(ctx, in.ID); err != nil {
				m.logger.Warn("Stop during shutdown failed", "plugin", in.ID, "error", err)
			}
		}
	}
	m.pool.Shutdown()
	if m.store != nil {
		_ = m.store.Close()
	}
}

// LoadPlugin validates a manifest-and-code bundle and queues it for loading.
// Validation happens here, before admission, so a failing bundle never
// consumes a worker slot. Loading an already accepted (name, version) is a
// no-op returning the existing instance id.
func (m *Manager) LoadPlugin(ctx context.Context, rawManifest []byte, codeLocation string, priority loader.Priority) (string, error) {
	parsed, err := manifest.Parse(rawManifest)
	if err != nil {
		m.failValidation(codeLocation, err)
		return "", err
	}

	var entrySource []byte
	if parsed.Entry != "" && codeLocation != "" {
		entrySource, err = os.ReadFile(filepath.Join(codeLocation, parsed.Entry))
		if err != nil {
			err = fmt.Errorf("read entry source: %w", err)
			m.failValidation(parsed.Identity(), err)
			return "", err
		}
	}

	mf, verrs := m.validator.Validate(rawManifest, entrySource)
	if verrs != nil {
		m.failValidation(parsed.Identity(), verrs)
		return "", verrs
	}

	m.mu.Lock()
	if id, ok := m.identities[mf.Identity()]; ok {
		m.mu.Unlock()
		m.logger.Debug("Plugin already loaded", "identity", mf.Identity(), "id", id)
		return id, nil
	}
	if err := m.checkDependenciesLocked(mf); err != nil {
		m.mu.Unlock()
		m.failValidation(mf.Identity(), err)
		return "", err
	}
	inst := newInstance(mf, codeLocation)
	m.instances[inst.ID] = inst
	m.identities[mf.Identity()] = inst.ID
	m.mu.Unlock()

	m.persistState(ctx, inst)
	m.loader.Submit(ctx, &loader.Request{
		Manifest:     mf,
		CodeLocation: codeLocation,
		Priority:     priority,
	})
	m.metrics.QueuedLoads.Set(float64(m.loader.Stats().QueuedCount))
	return inst.ID, nil
}

// LoadPluginFromDir reads manifest.json from a bundle directory and loads it.
func (m *Manager) LoadPluginFromDir(ctx context.Context, dir string, priority loader.Priority) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return "", fmt.Errorf("read bundle manifest: %w", err)
	}
	return m.LoadPlugin(ctx, raw, dir, priority)
}

// StartPlugin restarts a stopped plugin on a fresh worker.
func (m *Manager) StartPlugin(ctx context.Context, id string) error {
	inst, err := m.instance(id)
	if err != nil {
		return err
	}
	if s := inst.State(); s != StateStopped {
		return fmt.Errorf("plugin %s is %s, only stopped plugins can be started", id, s)
	}
	inst.setState(StateLoading)
	if err := m.startInstance(ctx, inst); err != nil {
		m.failLoad(ctx, inst, err)
		return err
	}
	return nil
}

// StopPlugin drains and stops a running plugin. The drain is bounded; after
// the timeout the worker is force-released regardless.
func (m *Manager) StopPlugin(ctx context.Context, id string) error {
	inst, err := m.instance(id)
	if err != nil {
		return err
	}
	if s := inst.State(); s != StateRunning {
		return fmt.Errorf("plugin %s is %s, not running", id, s)
	}

	inst.invokeMu.Lock()
	if h := inst.workerHandle(); h != nil && h.Channel() != nil {
		drainCtx, cancel := context.WithTimeout(ctx, defaultDrainTimeout)
		if _, declared := inst.Manifest.Hooks[manifest.HookUnload]; declared {
			if _, err := worker.Invoke(drainCtx, h.Channel(), manifest.HookUnload, nil); err != nil {
				m.logger.Warn("Unload hook failed", "plugin", id, "error", err)
			}
		}
		if err := worker.Shutdown(drainCtx, h.Channel()); err != nil {
			m.logger.Warn("Worker drain timed out, force-releasing", "plugin", id, "error", err)
		}
		cancel()
	}
	inst.invokeMu.Unlock()

	h := inst.detach(StateStopped)
	if h != nil {
		m.pool.Release(h)
	}
	m.enforcer.Untrack(id)
	m.monitor.Remove(id)
	m.persistState(ctx, inst)
	m.metrics.ActiveWorkers.Set(float64(m.pool.Stats().Size))
	return nil
}

// UnloadPlugin stops the plugin if needed and destroys the instance, freeing
// its identity for future loads.
func (m *Manager) UnloadPlugin(ctx context.Context, id string) error {
	inst, err := m.instance(id)
	if err != nil {
		return err
	}
	if inst.State() == StateRunning {
		if err := m.StopPlugin(ctx, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.instances, id)
	delete(m.identities, inst.Manifest.Identity())
	m.mu.Unlock()

	inst.setState(StateUnloaded)
	m.persistState(ctx, inst)
	return nil
}

// ReloadPlugin is the only way to replace an accepted identity: it unloads
// the existing instance and submits the new bundle.
func (m *Manager) ReloadPlugin(ctx context.Context, id string, rawManifest []byte, codeLocation string, priority loader.Priority) (string, error) {
	if err := m.UnloadPlugin(ctx, id); err != nil {
		return "", err
	}
	return m.LoadPlugin(ctx, rawManifest, codeLocation, priority)
}

// SendEventToPlugins fans a hardware-class event out to every running plugin
// whose hardware grant admits the event's vendor/product pair. It returns
// the number of plugins the event was delivered to.
func (m *Manager) SendEventToPlugins(ctx context.Context, eventType string, payload map[string]any) int {
	hook, ok := hardwareHook(eventType)
	if !ok {
		m.logger.Warn("Unknown event type for fan-out", "type", eventType)
		return 0
	}
	vendor, _ := payload["vendorId"].(string)
	product, _ := payload["productId"].(string)

	delivered := 0
	for _, inst := range m.running() {
		if d := inst.Manifest.Permissions.CheckHardware(vendor, product); !d.Allowed {
			continue
		}
		if _, declared := inst.Manifest.Hooks[hook]; !declared {
			continue
		}
		if v := m.monitor.RecordEvent(ctx, inst.ID); v != nil {
			continue
		}
		if _, err := inst.invoke(ctx, hook, payload); err != nil {
			m.monitor.RecordError(ctx, inst.ID)
			m.bus.Publish(PluginError{Plugin: inst.Manifest.Identity(), Err: err})
			continue
		}
		delivered++
	}
	return delivered
}

// SendJobToPlugin delivers a job to one plugin, subject to its queue-topic
// grant and the security monitor's gate.
func (m *Manager) SendJobToPlugin(ctx context.Context, id, topic string, payload map[string]any) (map[string]any, error) {
	inst, err := m.instance(id)
	if err != nil {
		return nil, err
	}
	if s := inst.State(); s != StateRunning {
		return nil, fmt.Errorf("plugin %s is %s, not running", id, s)
	}
	if d := inst.Manifest.Permissions.CheckQueueTopic(topic); !d.Allowed {
		return nil, &PermissionDeniedError{PluginID: id, Reason: d.Reason}
	}
	if v := m.monitor.RecordEvent(ctx, id); v != nil {
		return nil, &BlockedError{PluginID: id}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["topic"] = topic

	result, err := inst.invoke(ctx, manifest.HookJobReceived, payload)
	if err != nil {
		m.monitor.RecordError(ctx, id)
		m.bus.Publish(PluginError{Plugin: inst.Manifest.Identity(), Err: err})
		return nil, err
	}
	return result, nil
}

// ManagerStats aggregates plugin, worker, and loader statistics.
type ManagerStats struct {
	Plugins map[InstanceState]int
	Workers worker.Stats
	Loader  loader.Stats
}

// Stats returns a point-in-time census of the platform.
func (m *Manager) Stats() ManagerStats {
	s := ManagerStats{
		Plugins: make(map[InstanceState]int),
		Workers: m.pool.Stats(),
		Loader:  m.loader.Stats(),
	}
	m.mu.Lock()
	for _, in := range m.instances {
		s.Plugins[in.State()]++
	}
	m.mu.Unlock()
	return s
}

// Snapshot returns the externally visible view of one instance.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	inst, err := m.instance(id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ID:         inst.ID,
		Name:       inst.Manifest.Name,
		Version:    inst.Manifest.Version,
		State:      inst.State(),
		Violations: inst.Violations(),
	}
	if usage, ok := m.enforcer.Usage(inst.ID); ok {
		snap.Usage = usage
	}
	return snap, nil
}

// Snapshots returns the visible view of every instance.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := m.Snapshot(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// ResetPlugin lifts a security-monitor block. Blocking is only ever lifted
// through this explicit call.
func (m *Manager) ResetPlugin(id string) error {
	if _, err := m.instance(id); err != nil {
		return err
	}
	m.monitor.Reset(id)
	return nil
}

// performLoad is the loader's admission callback.
func (m *Manager) performLoad(ctx context.Context, req *loader.Request) error {
	m.mu.Lock()
	id, ok := m.identities[req.Manifest.Identity()]
	inst := m.instances[id]
	m.mu.Unlock()
	if !ok || inst == nil {
		return fmt.Errorf("no instance for %s", req.Manifest.Identity())
	}

	inst.setState(StateLoading)
	m.persistState(ctx, inst)

	start := time.Now()
	if err := m.startInstance(ctx, inst); err != nil {
		m.failLoad(ctx, inst, err)
		return err
	}

	elapsed := time.Since(start)
	m.metrics.Loads.WithLabelValues("success").Inc()
	m.metrics.LoadDuration.Observe(elapsed.Seconds())
	m.metrics.QueuedLoads.Set(float64(m.loader.Stats().QueuedCount))
	m.bus.Publish(PluginLoaded{Plugin: inst.Manifest.Identity(), LoadTime: elapsed})
	m.persistState(ctx, inst)
	return nil
}

// startInstance acquires a worker, starts its serve loop, begins
// supervision, and runs the load hook. Pool exhaustion keeps the request
// waiting; it is never discarded.
func (m *Manager) startInstance(ctx context.Context, inst *Instance) error {
	mf := inst.Manifest

	entrySource, err := os.ReadFile(filepath.Join(inst.CodeLocation, mf.Entry))
	if err != nil {
		return fmt.Errorf("read entry source: %w", err)
	}

	var h *worker.Handle
	for {
		h, err = m.pool.Acquire(ctx, inst.ID, string(entrySource), mf.Hooks, &mf.Permissions)
		if err == nil {
			break
		}
		if !errors.Is(err, worker.ErrPoolExhausted) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	go h.Serve(serveCtx)
	inst.attach(h, cancel, time.Now())

	limits := resource.Limits{}
	if mf.Permissions.Memory != nil {
		limits.MaxHeapMB = float64(mf.Permissions.Memory.MaxHeapMB)
	}
	m.enforcer.Track(inst.ID, m.SourceFactory(inst), limits)
	m.monitor.Track(inst.ID)
	m.metrics.ActiveWorkers.Set(float64(m.pool.Stats().Size))

	if _, declared := mf.Hooks[manifest.HookLoad]; declared {
		if _, err := inst.invoke(ctx, manifest.HookLoad, nil); err != nil {
			return fmt.Errorf("load hook: %w", err)
		}
	}
	return nil
}

// failLoad tears down a failed load. The identity is freed so the caller can
// retry with a new request; the crashed instance remains inspectable until
// unloaded.
func (m *Manager) failLoad(ctx context.Context, inst *Instance, cause error) {
	h := inst.detach(StateCrashed)
	if h != nil {
		m.pool.Terminate(h, worker.ReasonCrash)
	}
	m.enforcer.Untrack(inst.ID)
	m.monitor.Remove(inst.ID)

	m.mu.Lock()
	delete(m.identities, inst.Manifest.Identity())
	m.mu.Unlock()

	m.metrics.Loads.WithLabelValues("failure").Inc()
	m.metrics.QueuedLoads.Set(float64(m.loader.Stats().QueuedCount))
	m.bus.Publish(PluginError{Plugin: inst.Manifest.Identity(), Err: cause})
	m.persistState(ctx, inst)
}

func (m *Manager) failValidation(subject string, cause error) {
	m.metrics.Loads.WithLabelValues("rejected").Inc()
	m.bus.Publish(PluginError{Plugin: subject, Err: cause})
}

// checkDependenciesLocked verifies every declared dependency is satisfied by
// an already accepted plugin. Caller must hold m.mu.
func (m *Manager) checkDependenciesLocked(mf *manifest.Manifest) error {
	for _, dep := range mf.Dependencies {
		var found *Instance
		for _, in := range m.instances {
			if in.Manifest.Name == dep.Name && in.State() != StateUnloaded && in.State() != StateCrashed {
				found = in
				break
			}
		}
		if found == nil {
			return fmt.Errorf("dependency %q is not loaded", dep.Name)
		}
		ok, err := manifest.CheckVersion(found.Manifest.Version, dep.Constraint)
		if err != nil {
			return fmt.Errorf("dependency %q: %w", dep.Name, err)
		}
		if !ok {
			return fmt.Errorf("dependency %q version %s does not satisfy %q",
				dep.Name, found.Manifest.Version, dep.Constraint)
		}
	}
	return nil
}

func (m *Manager) instance(id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

func (m *Manager) running() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, in := range m.instances {
		if in.State() == StateRunning {
			out = append(out, in)
		}
	}
	return out
}

func (m *Manager) onPoolEvent(e worker.Event) {
	switch e.Type {
	case worker.EventWorkerCreated:
		m.bus.Publish(WorkerCreated{WorkerID: e.WorkerID, PluginID: e.PluginID})
	case worker.EventWorkerTerminated:
		m.bus.Publish(WorkerTerminated{WorkerID: e.WorkerID, PluginID: e.PluginID, Reason: e.Reason})
	}
	if m.pool != nil {
		m.metrics.ActiveWorkers.Set(float64(m.pool.Stats().Size))
	}
}

func (m *Manager) onMonitorViolation(v monitor.Violation) {
	m.metrics.Violations.WithLabelValues(v.Type).Inc()
	if inst, err := m.instance(v.PluginID); err == nil {
		inst.addViolation()
	}
	m.bus.Publish(SecurityViolation{
		Type:      v.Type,
		Severity:  string(v.Severity),
		PluginID:  v.PluginID,
		Timestamp: v.Timestamp,
		Detail:    v.Detail,
	})
}

func (m *Manager) onResourceWarning(v resource.Violation) {
	m.metrics.Violations.WithLabelValues(v.Metric).Inc()
	if inst, err := m.instance(v.PluginID); err == nil {
		inst.addViolation()
	}
	m.bus.Publish(SecurityViolation{
		Type:      "resource:" + v.Metric,
		Severity:  string(audit.SeverityWarning),
		PluginID:  v.PluginID,
		Timestamp: v.Timestamp,
		Detail:    v.Error(),
	})
}

// onResourceTermination terminates the offending instance only; sibling
// instances and the host are untouched.
func (m *Manager) onResourceTermination(v resource.Violation) {
	m.metrics.Violations.WithLabelValues(v.Metric).Inc()

	inst, err := m.instance(v.PluginID)
	if err != nil {
		return
	}
	inst.addViolation()
	h := inst.detach(StateCrashed)
	if h != nil {
		m.pool.Terminate(h, worker.ReasonResourceViolation)
	}
	m.enforcer.Untrack(inst.ID)
	m.monitor.Remove(inst.ID)
	m.metrics.ActiveWorkers.Set(float64(m.pool.Stats().Size))

	m.bus.Publish(SecurityViolation{
		Type:      "resource:" + v.Metric,
		Severity:  string(audit.SeverityCritical),
		PluginID:  v.PluginID,
		Timestamp: v.Timestamp,
		Detail:    v.Error(),
	})
	m.bus.Publish(PluginError{Plugin: inst.Manifest.Identity(), Err: &v})
	m.persistState(context.Background(), inst)
}

func (m *Manager) persistState(ctx context.Context, inst *Instance) {
	if m.store == nil {
		return
	}
	err := m.store.UpsertPluginState(ctx,
		inst.Manifest.Identity(), inst.Manifest.Name, inst.Manifest.Version, string(inst.State()))
	if err != nil {
		m.logger.Error("Failed to persist plugin state", "plugin", inst.ID, "error", err)
	}
}

// hardwareHook maps a fan-out event type to the manifest hook it invokes.
func hardwareHook(eventType string) (string, bool) {
	switch eventType {
	case manifest.HookHardwareAttach, "hardware:attach":
		return manifest.HookHardwareAttach, true
	case manifest.HookHardwareDetach, "hardware:detach":
		return manifest.HookHardwareDetach, true
	default:
		return "", false
	}
}

// runtimeSource samples the host runtime's heap. It is an approximation
// shared by in-process workers; per-process deployments use
// resource.NewProcessSource for true per-plugin accounting.
func runtimeSource() resource.Source {
	return resource.SourceFunc(func(context.Context) (resource.Usage, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return resource.Usage{HeapMB: float64(ms.HeapAlloc) / (1 << 20)}, nil
	})
}
