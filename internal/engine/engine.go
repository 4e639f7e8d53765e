// Package engine implements the Engine Façade (C9): the process-wide flag
// registry, composed with the Storage Registry and the Metrics Pipeline,
// exposing the evaluation and mutation entry points every other component
// (HTTP server, admin contract) is built on.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/core"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/telemetry"
)

// DeprecationSink receives a signal, once per evaluation, each time a
// deprecated flag resolves true. A deprecated flag only resolves true for a
// context that opts into allow_deprecated, so only such contexts signal.
type DeprecationSink interface {
	DeprecatedAccess(flagName string)
}

// RegisterOptions configures Register/register(name, opts).
type RegisterOptions struct {
	Type         core.ValueType
	DefaultValue core.Value
	Description  string
	DisplayName  string
	Group        string
	Dependencies []string
}

// Engine is an explicit, constructed value — not a singleton — per
// spec.md §9 ("model as an explicit Engine value... pass it by reference").
// The package exposes no default instance; callers construct one with New.
type Engine struct {
	mu    sync.RWMutex
	flags map[string]*core.Flag

	registry *store.Registry
	pipeline *telemetry.Pipeline
	log      *slog.Logger

	warnOnDeprecated bool
	deprecation      DeprecationSink
	events           EventSink
}

// New constructs an Engine bound to the given Storage Registry and Metrics
// Pipeline.
func New(registry *store.Registry, pipeline *telemetry.Pipeline, log *slog.Logger, warnOnDeprecated bool) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		flags:            make(map[string]*core.Flag),
		registry:         registry,
		pipeline:         pipeline,
		log:              log,
		warnOnDeprecated: warnOnDeprecated,
	}
	if registry != nil {
		registry.SetReloader(e)
	}
	return e
}

// SetDeprecationSink wires an optional deprecation-event sink (spec.md
// §7: "Rails-style structured events (if a sink exists)").
func (e *Engine) SetDeprecationSink(sink DeprecationSink) { e.deprecation = sink }

// Register implements register(name, opts): idempotent by name, persists
// the initial projection through the Storage Registry.
func (e *Engine) Register(ctx context.Context, name string, opts RegisterOptions) (*core.Flag, error) {
	flag, err := core.NewFlag(name, opts.Type, opts.DefaultValue)
	if err != nil {
		return nil, err
	}
	flag.Description = opts.Description
	flag.DisplayName = opts.DisplayName
	flag.Group = opts.Group
	flag.Dependencies = opts.Dependencies

	e.mu.Lock()
	if existing, ok := e.flags[name]; ok {
		// Re-registration rebinds metadata but keeps the live value and
		// targeting state intact.
		existing.Description = opts.Description
		existing.DisplayName = opts.DisplayName
		existing.Group = opts.Group
		existing.Dependencies = opts.Dependencies
		e.mu.Unlock()
		e.persist(ctx, existing)
		return existing, nil
	}
	e.flags[name] = flag
	e.mu.Unlock()

	e.persist(ctx, flag)
	e.emitSnapshot(ctx, flag, "created")
	return flag, nil
}

func (e *Engine) emitSnapshot(ctx context.Context, f *core.Flag, eventType string) {
	attrs, err := toAttrs(f)
	if err != nil {
		e.log.Error("marshal flag for event failed", "flag", f.Name, "error", err)
		return
	}
	e.emit(ctx, f.Name, eventType, attrs)
}

func (e *Engine) persist(ctx context.Context, f *core.Flag) {
	if e.registry == nil {
		return
	}
	attrs, err := toAttrs(f)
	if err != nil {
		e.log.Error("marshal flag for persistence failed", "flag", f.Name, "error", err)
		return
	}
	if err := e.registry.Set(ctx, f.Name, attrs); err != nil {
		e.log.Error("persist flag failed", "flag", f.Name, "error", err)
	}
}

// Get implements get(name): returns the registered Flag, or a transient
// unregistered defaults-bearing Flag if absent (never nil, never an
// error — per spec.md §3 "Lifecycle").
func (e *Engine) Get(name string) *core.Flag {
	e.mu.RLock()
	f, ok := e.flags[name]
	e.mu.RUnlock()
	if ok {
		return f
	}
	defaultFlag, _ := core.NewFlag(name, core.TypeBoolean, false)
	return defaultFlag
}

func (e *Engine) lookup(name string) (*core.Flag, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.flags[name]
	return f, ok
}

// Enabled implements enabled?(name, ctx) (spec.md §4.9, §7: evaluation
// paths never raise — any internal fault is logged and resolves to the
// fail-safe false).
func (e *Engine) Enabled(ctx context.Context, name string, evalCtx core.Context) bool {
	start := time.Now()
	f, ok := e.lookup(name)
	if !ok {
		e.record(name, "enabled", start, true)
		return false
	}

	enabled, deprecated, err := f.Enabled(evalCtx)
	success := err == nil
	if err != nil {
		e.log.Debug("evaluation failed, returning fail-safe default", "flag", name, "error", err)
		enabled = false
	}
	if deprecated && e.warnOnDeprecated {
		e.signalDeprecated(name)
	}
	e.record(name, "enabled", start, success)
	return enabled
}

// Disabled implements disabled?(name, ctx).
func (e *Engine) Disabled(ctx context.Context, name string, evalCtx core.Context) bool {
	return !e.Enabled(ctx, name, evalCtx)
}

// Value implements value(name, ctx).
func (e *Engine) Value(ctx context.Context, name string, evalCtx core.Context) core.Value {
	start := time.Now()
	f, ok := e.lookup(name)
	if !ok {
		e.record(name, "value", start, true)
		return false
	}
	v, err := f.Value(evalCtx)
	success := err == nil
	if err != nil {
		e.log.Debug("value evaluation failed, returning default", "flag", name, "error", err)
		v = f.DefaultValue
	}
	e.record(name, "value", start, success)
	return v
}

// EnabledFor implements enabled_for?(name, obj, extra).
func (e *Engine) EnabledFor(ctx context.Context, name string, obj any, extra core.Context) bool {
	evalCtx := core.ExtractContext(obj, extra)
	return e.Enabled(ctx, name, evalCtx)
}

func (e *Engine) record(name, op string, start time.Time, success bool) {
	if e.pipeline == nil {
		return
	}
	e.pipeline.Record(name, op, time.Since(start), success)
}

func (e *Engine) signalDeprecated(name string) {
	if e.deprecation != nil {
		e.deprecation.DeprecatedAccess(name)
	}
}

// Enable implements Flag.enable() through the Engine, since I3's
// dependency check needs the registry-wide DependencyResolver view.
func (e *Engine) Enable(ctx context.Context, name string) (bool, error) {
	f, ok := e.lookup(name)
	if !ok {
		return false, &store.FeatureNotFoundError{Name: name}
	}
	ok, err := f.Enable(e)
	if err != nil || !ok {
		return ok, err
	}
	e.persist(ctx, f)
	e.emitSnapshot(ctx, f, "enabled")
	return true, nil
}

// Disable implements Flag.disable() plus its dependent cascade (I4).
func (e *Engine) Disable(name string) error {
	f, ok := e.lookup(name)
	if !ok {
		return &store.FeatureNotFoundError{Name: name}
	}
	if err := f.Disable(e); err != nil {
		return err
	}
	e.persist(context.Background(), f)
	e.emitSnapshot(context.Background(), f, "disabled")
	return nil
}

// IsEnabled implements core.DependencyResolver.
func (e *Engine) IsEnabled(name string) bool {
	f, ok := e.lookup(name)
	if !ok {
		return false
	}
	enabled, _, _ := f.Enabled(core.Context{})
	return enabled
}

// DependentsOf implements core.DependencyResolver.
func (e *Engine) DependentsOf(name string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var dependents []string
	for candidateName, f := range e.flags {
		for _, dep := range f.Dependencies {
			if dep == name {
				dependents = append(dependents, candidateName)
				break
			}
		}
	}
	return dependents
}

// BulkEnable implements bulk_enable(names): boolean-only, no-op for other
// types.
func (e *Engine) BulkEnable(ctx context.Context, names []string) {
	for _, name := range names {
		if f, ok := e.lookup(name); ok && f.Type == core.TypeBoolean {
			_, _ = e.Enable(ctx, name)
		}
	}
}

// BulkDisable implements bulk_disable(names).
func (e *Engine) BulkDisable(ctx context.Context, names []string) {
	for _, name := range names {
		if f, ok := e.lookup(name); ok && f.Type == core.TypeBoolean {
			_ = e.Disable(name)
		}
	}
}

// Reload implements reload(name): force a re-read of the flag's
// projection from storage.
func (e *Engine) Reload(ctx context.Context, name string) error {
	f, ok := e.lookup(name)
	if !ok {
		return &store.FeatureNotFoundError{Name: name}
	}
	if e.registry == nil {
		return nil
	}
	attrs, err := e.registry.Get(ctx, name)
	if err != nil {
		return err
	}
	if attrs == nil {
		return nil
	}
	return fromAttrs(f, attrs)
}

// ReloadFromAttrs implements store.Reloader: invoked by the invalidation
// subscriber after it has re-read Remote/Durable for a flag.
func (e *Engine) ReloadFromAttrs(name string, attrs map[string]any) {
	f, ok := e.lookup(name)
	if !ok || attrs == nil {
		return
	}
	if err := fromAttrs(f, attrs); err != nil {
		e.log.Warn("invalidation reload failed to apply attrs", "flag", name, "error", err)
	}
}

// Reset drops the registry and clears the Local store (testing only, per
// spec.md §4.9).
func (e *Engine) Reset() {
	e.mu.Lock()
	e.flags = make(map[string]*core.Flag)
	e.mu.Unlock()
	if e.registry != nil {
		e.registry.Local().Clear()
	}
}

// Delete implements delete(name): removed from all storage tiers and the
// registry; subsequent Get calls return a transient default flag.
func (e *Engine) Delete(ctx context.Context, name string) error {
	e.mu.Lock()
	delete(e.flags, name)
	e.mu.Unlock()
	e.emit(ctx, name, "deleted", nil)
	if e.registry == nil {
		return nil
	}
	return e.registry.Delete(ctx, name)
}

// LoadFromStorage populates the in-memory projection from the Durable
// Store at process start, mirroring the teacher's eager cache-load
// pattern (New → LoadCache): list every known flag name, then replay its
// attributes without re-persisting, since it is already durable.
//
// A flag that fails to load is logged and skipped rather than aborting
// the whole warm — a single corrupt row should not keep the process from
// serving the flags that loaded cleanly.
func (e *Engine) LoadFromStorage(ctx context.Context) error {
	if e.registry == nil {
		return nil
	}
	durable := e.registry.Durable()
	if durable == nil {
		return nil
	}

	names, err := durable.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("list flag names: %w", err)
	}

	for _, name := range names {
		attrs, err := e.registry.Get(ctx, name)
		if err != nil {
			e.log.Error("load flag from storage failed", "flag", name, "error", err)
			continue
		}
		if attrs == nil {
			continue
		}
		t, ok := attrs["type"]
		if !ok {
			e.log.Error("load flag from storage failed: missing type", "flag", name)
			continue
		}
		valueType := core.ValueType(fmt.Sprint(t))
		defaultValue := coerceValue(valueType, attrs["default_value"])
		flag, err := core.NewFlag(name, valueType, defaultValue)
		if err != nil {
			e.log.Error("load flag from storage failed: construct flag", "flag", name, "error", err)
			continue
		}
		if err := fromAttrs(flag, attrs); err != nil {
			e.log.Error("load flag from storage failed: apply attrs", "flag", name, "error", err)
			continue
		}

		e.mu.Lock()
		e.flags[name] = flag
		e.mu.Unlock()
	}

	e.log.Info("loaded flags from storage", "count", len(names))
	return nil
}

// compile-time assertions
var (
	_ core.DependencyResolver = (*Engine)(nil)
	_ store.Reloader          = (*Engine)(nil)
)
