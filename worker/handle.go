package worker

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/GoCodeAlone/enclave/boundary"
	"github.com/GoCodeAlone/enclave/permission"
)

// HandleState is the lifecycle state of one worker handle.
type HandleState string

const (
	HandleIdle       HandleState = "idle"
	HandleAssigning  HandleState = "assigning"
	HandleActive     HandleState = "active"
	HandleTerminated HandleState = "terminated"
)

// HookFunc is the signature every plugin hook resolves to. Payload maps are
// the only values that cross into interpreted code.
type HookFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Handle is one isolated execution context. A handle outlives any single
// plugin assignment: released handles are reusable, but each assignment gets
// a fresh interpreter so no state or capability scope leaks between plugins.
type Handle struct {
	id string

	mu        sync.RWMutex
	state     HandleState
	pluginID  string
	idleSince time.Time

	interpreter *interp.Interpreter
	hooks       map[string]HookFunc
	channel     *boundary.Channel
}

func newHandle(now time.Time) *Handle {
	return &Handle{
		id:        uuid.NewString(),
		state:     HandleIdle,
		idleSince: now,
	}
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// State returns the handle's current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// PluginID returns the currently assigned plugin id, empty when idle.
func (h *Handle) PluginID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pluginID
}

// Channel returns the boundary channel for the current assignment, nil when
// idle.
func (h *Handle) Channel() *boundary.Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channel
}

// reserve takes an idle handle out of circulation for an assignment. The
// caller (the pool, under its lock) owns the handle until assign commits or
// the handle is released.
func (h *Handle) reserve() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleIdle {
		return fmt.Errorf("worker %s is %s, not idle", h.id, h.state)
	}
	h.state = HandleAssigning
	return nil
}

// assign loads a plugin into a reserved handle: screens the entry source's
// imports, evaluates it in a fresh sandboxed interpreter, and binds the
// manifest's hook symbols. Evaluation runs untrusted code, so it happens
// without holding the handle lock and is bounded by ctx; a hanging source
// fails only this assignment. perms must already be sanitized by the caller.
// On failure the handle stays reserved; the caller releases it.
func (h *Handle) assign(ctx context.Context, pluginID, entrySource string, hookSymbols map[string]string, perms *permission.Set, ch *boundary.Channel) error {
	if s := h.State(); s != HandleAssigning {
		return fmt.Errorf("worker %s is %s, not reserved for assignment", h.id, s)
	}

	if err := ValidateImports(entrySource, perms); err != nil {
		return err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("load interpreter symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, entrySource); err != nil {
		return fmt.Errorf("evaluate entry source: %w", err)
	}

	hooks := make(map[string]HookFunc, len(hookSymbols))
	for hook, symbol := range hookSymbols {
		fn, err := extractHook(ctx, i, symbol)
		if err != nil {
			return fmt.Errorf("hook %q: %w", hook, err)
		}
		hooks[hook] = fn
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleAssigning {
		// Terminated while evaluating.
		return fmt.Errorf("worker %s is %s, assignment aborted", h.id, h.state)
	}
	h.state = HandleActive
	h.pluginID = pluginID
	h.interpreter = i
	h.hooks = hooks
	h.channel = ch
	return nil
}

// InvokeHook calls one of the plugin's bound hooks. Panics in interpreted
// code are recovered and returned as errors so a misbehaving plugin cannot
// take down the host.
func (h *Handle) InvokeHook(ctx context.Context, hook string, payload map[string]any) (result map[string]any, err error) {
	h.mu.RLock()
	fn, ok := h.hooks[hook]
	state := h.state
	pluginID := h.pluginID
	h.mu.RUnlock()

	if state != HandleActive {
		return nil, fmt.Errorf("worker is %s, cannot invoke hooks", state)
	}
	if !ok {
		return nil, fmt.Errorf("plugin %q declares no %q hook", pluginID, hook)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic in %q hook of plugin %q: %v", hook, pluginID, r)
		}
	}()
	return fn(ctx, payload)
}

// release returns the handle to the idle pool. The interpreter and hook
// bindings are dropped so the next assignment starts from a clean scope; the
// caller severs the channel first.
func (h *Handle) release(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HandleTerminated {
		return
	}
	h.state = HandleIdle
	h.pluginID = ""
	h.interpreter = nil
	h.hooks = nil
	h.channel = nil
	h.idleSince = now
}

// terminate severs the boundary channel first, then tears down the execution
// context. The ordering is load-bearing: a closed channel with a live context
// is an allowed transient, the reverse is not.
func (h *Handle) terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HandleTerminated {
		return
	}
	if h.channel != nil {
		_ = h.channel.Close()
		h.channel = nil
	}
	h.state = HandleTerminated
	h.pluginID = ""
	h.interpreter = nil
	h.hooks = nil
}

// extractHook resolves a hook symbol in the interpreter and adapts it to
// HookFunc. Entry sources declare package plugin; bare symbols are resolved
// inside it. Symbol resolution evaluates interpreted code, so it carries the
// same context bound as the entry source.
func extractHook(ctx context.Context, i *interp.Interpreter, symbol string) (HookFunc, error) {
	expr := symbol
	if !containsDot(symbol) {
		expr = "plugin." + symbol
	}
	v, err := i.EvalWithContext(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("symbol %q not found: %w", symbol, err)
	}
	if fn, ok := v.Interface().(func(context.Context, map[string]any) (map[string]any, error)); ok {
		return fn, nil
	}
	// Yaegi may hand back a function with matching shape but not the exact
	// Go type; adapt through reflection.
	fn := makeHookAdapter(v)
	if fn == nil {
		return nil, fmt.Errorf("symbol %q is not a hook function", symbol)
	}
	return fn, nil
}

func makeHookAdapter(v reflect.Value) HookFunc {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil
	}
	t := v.Type()
	if t.NumIn() != 2 || t.NumOut() != 2 {
		return nil
	}
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		results := v.Call([]reflect.Value{
			reflect.ValueOf(ctx),
			reflect.ValueOf(payload),
		})
		var out map[string]any
		if !results[0].IsNil() {
			out = results[0].Interface().(map[string]any)
		}
		var err error
		if !results[1].IsNil() {
			err = results[1].Interface().(error)
		}
		return out, err
	}
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}
