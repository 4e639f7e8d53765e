// Package store implements the tiered storage registry (C1–C5): the
// Local, Remote, and Durable adapters, the circuit breaker guarding Remote
// writes, and the Registry that composes them into a single read-through/
// write-through facade with pub/sub cache invalidation.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Reloader is implemented by the Engine so the invalidation subscriber can
// refresh a flag's in-memory projection without the Registry importing the
// engine package (spec.md §9 — no owning cycle between tiers).
type Reloader interface {
	ReloadFromAttrs(name string, attrs map[string]any)
}

// RegistryConfig controls write/async/debounce behavior (spec.md §4.5,
// §6).
type RegistryConfig struct {
	AsyncUpdates        bool
	InvalidationDebounce time.Duration

	// BreakerConfig tunes the Circuit Breaker (C4) guarding Remote Store
	// writes. Zero value selects DefaultBreakerConfig.
	BreakerConfig BreakerConfig

	// OnBreakerStateChange, if set, is invoked on every Remote Store
	// breaker transition so callers can mirror state into a metrics gauge
	// (cmd/server feeds internal/metrics' BreakerState).
	OnBreakerStateChange func(name string, from, to gobreaker.State)
}

// Registry composes Local, Remote, and Durable into the read-through/
// write-through facade (C5). Writes fan out to every configured tier;
// reads fall through Local → Remote → Durable with warm-back to Local only.
type Registry struct {
	local   *Local
	remote  *Remote
	durable *Durable
	breaker *gobreaker.CircuitBreaker[struct{}]

	cfg RegistryConfig
	log *slog.Logger

	debounceMu sync.Mutex
	debounced  map[string]time.Time

	subCancel context.CancelFunc
	subDone   chan struct{}

	reloader   Reloader
	reloaderMu sync.RWMutex
}

// NewRegistry constructs a Registry. remote and durable may independently
// be nil/unconfigured; reads and writes degrade accordingly.
func NewRegistry(local *Local, remote *Remote, durable *Durable, cfg RegistryConfig, log *slog.Logger) *Registry {
	if cfg.InvalidationDebounce <= 0 {
		cfg.InvalidationDebounce = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		local:     local,
		remote:    remote,
		durable:   durable,
		breaker:   NewBreaker[struct{}]("remote-store", cfg.BreakerConfig, cfg.OnBreakerStateChange),
		cfg:       cfg,
		log:       log,
		debounced: make(map[string]time.Time),
	}
}

// SetReloader attaches the Engine callback used by the invalidation
// subscriber. Called once at startup, after the Engine is constructed.
func (r *Registry) SetReloader(rl Reloader) {
	r.reloaderMu.Lock()
	defer r.reloaderMu.Unlock()
	r.reloader = rl
}

// Get implements the read-through path: Local → Remote → Durable, warming
// Local (only) on whichever tier satisfies the read.
func (r *Registry) Get(ctx context.Context, name string) (map[string]any, error) {
	if attrs, ok := r.local.GetAll(name); ok {
		return attrs, nil
	}

	if r.remote.Configured() {
		attrs, err := r.remote.GetAll(ctx, name)
		if err == nil && attrs != nil {
			r.local.SetAll(name, attrs)
			return attrs, nil
		}
		if err != nil {
			r.log.Debug("remote read failed, falling through to durable", "flag", name, "error", err)
		}
	}

	if r.durable == nil {
		return nil, nil
	}
	attrs, err := r.durable.GetAll(ctx, name)
	if err != nil {
		return nil, err
	}
	if attrs != nil {
		r.local.SetAll(name, attrs)
	}
	return attrs, nil
}

// Set implements the write-through path (spec.md §4.5): Local and Durable
// write synchronously; Remote writes through the breaker, synchronously or
// on a goroutine per AsyncUpdates; the invalidation publish precedes or
// overlaps the Remote write, never follows it.
func (r *Registry) Set(ctx context.Context, name string, attrs map[string]any) error {
	for k, v := range attrs {
		r.local.Set(name, k, v)
	}

	if r.durable != nil {
		merged, err := r.mergedDurableAttrs(ctx, name, attrs)
		if err != nil {
			return err
		}
		if err := r.durable.SetAll(ctx, name, merged); err != nil {
			return err
		}
	}

	r.publishInvalidation(ctx, name)

	if r.remote.Configured() {
		writeRemote := func() error {
			_, err := r.breaker.Execute(func() (struct{}, error) {
				return struct{}{}, r.remote.SetAll(ctx, name, attrs)
			})
			return err
		}
		if r.cfg.AsyncUpdates {
			go func() {
				if err := writeRemote(); err != nil {
					r.log.Warn("async remote write failed", "flag", name, "error", err)
				}
			}()
		} else if err := writeRemote(); err != nil {
			r.log.Warn("remote write failed, local/durable remain authoritative", "flag", name, "error", err)
		}
	}

	return nil
}

func (r *Registry) mergedDurableAttrs(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	existing, err := r.durable.GetAll(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		existing[k] = v
	}
	return existing, nil
}

// Delete removes a flag from every tier.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.local.Delete(name)
	if r.remote.Configured() {
		if err := r.remote.Delete(ctx, name); err != nil {
			r.log.Warn("remote delete failed", "flag", name, "error", err)
		}
	}
	if r.durable != nil {
		if err := r.durable.Delete(ctx, name); err != nil {
			return err
		}
	}
	r.publishInvalidation(ctx, name)
	return nil
}

func (r *Registry) publishInvalidation(ctx context.Context, name string) {
	if !r.remote.Configured() {
		return
	}
	if err := r.remote.Publish(ctx, name); err != nil {
		r.log.Warn("invalidation publish failed", "flag", name, "error", err)
	}
}

// StartSubscriber launches the long-lived invalidation subscriber task
// (spec.md §4.5, §9: "one dedicated long-lived task that owns its store
// subscription"). It self-restarts after 5s on subscription errors and
// stops when ctx is cancelled or Stop is called.
func (r *Registry) StartSubscriber(ctx context.Context) {
	if !r.remote.Configured() {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	r.subCancel = cancel
	r.subDone = make(chan struct{})

	go func() {
		defer close(r.subDone)
		for {
			if subCtx.Err() != nil {
				return
			}
			if err := r.runSubscriber(subCtx); err != nil {
				r.log.Error("invalidation subscriber failed, restarting", "error", err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}()
}

func (r *Registry) runSubscriber(ctx context.Context) error {
	sub, err := r.remote.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleInvalidation(ctx, msg.Payload)
		}
	}
}

func (r *Registry) handleInvalidation(ctx context.Context, flagName string) {
	if r.debounce(flagName) {
		return
	}

	r.local.Delete(flagName)

	r.reloaderMu.RLock()
	reloader := r.reloader
	r.reloaderMu.RUnlock()
	if reloader == nil {
		return
	}

	attrs, err := r.readThroughRemoteThenDurable(ctx, flagName)
	if err != nil {
		r.log.Warn("invalidation reload failed", "flag", flagName, "error", err)
		return
	}
	reloader.ReloadFromAttrs(flagName, attrs)
}

func (r *Registry) readThroughRemoteThenDurable(ctx context.Context, name string) (map[string]any, error) {
	if r.remote.Configured() {
		attrs, err := r.remote.GetAll(ctx, name)
		if err == nil && attrs != nil {
			r.local.SetAll(name, attrs)
			return attrs, nil
		}
	}
	if r.durable == nil {
		return nil, nil
	}
	attrs, err := r.durable.GetAll(ctx, name)
	if err != nil {
		return nil, err
	}
	if attrs != nil {
		r.local.SetAll(name, attrs)
	}
	return attrs, nil
}

// debounce reports whether flagName was processed within the debounce
// window and should be dropped.
func (r *Registry) debounce(flagName string) bool {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	now := time.Now()
	if last, ok := r.debounced[flagName]; ok && now.Sub(last) < r.cfg.InvalidationDebounce {
		return true
	}
	r.debounced[flagName] = now
	return false
}

// Stop halts the invalidation subscriber and waits for it to exit.
func (r *Registry) Stop() {
	if r.subCancel != nil {
		r.subCancel()
	}
	if r.subDone != nil {
		<-r.subDone
	}
}

// Local exposes the underlying Local store for the Engine's startup warm.
func (r *Registry) Local() *Local { return r.local }

// Durable exposes the underlying Durable store, used for schema setup and
// registry-wide listing.
func (r *Registry) Durable() *Durable { return r.durable }

// Remote exposes the underlying Remote store, used by the metrics
// pipeline's flush target.
func (r *Registry) Remote() *Remote { return r.remote }
