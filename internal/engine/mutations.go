package engine

import (
	"context"
	"fmt"

	"github.com/wardenhq/warden/internal/core"
	"github.com/wardenhq/warden/internal/store"
)

// Names returns every registered flag name, used by the admin contract's
// list operation.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.flags))
	for name := range e.flags {
		names = append(names, name)
	}
	return names
}

// SetValue sets a flag's global value directly, subject to I1 type
// agreement. I2 forbids this for boolean flags — they go through
// Enable/Disable instead.
func (e *Engine) SetValue(ctx context.Context, name string, value core.Value) error {
	f, ok := e.lookup(name)
	if !ok {
		return &store.FeatureNotFoundError{Name: name}
	}
	if f.Type == core.TypeBoolean {
		return fmt.Errorf("%w: use Enable/Disable for boolean flags", core.ErrInvalidFeatureValue)
	}
	if err := core.ValidateType(f.Type, value); err != nil {
		return err
	}
	f.CurrentValue = value
	e.persist(ctx, f)
	e.emitSnapshot(ctx, f, "value_updated")
	return nil
}

// SetGroup reassigns a flag's display group.
func (e *Engine) SetGroup(ctx context.Context, name, group string) error {
	f, ok := e.lookup(name)
	if !ok {
		return &store.FeatureNotFoundError{Name: name}
	}
	f.Group = group
	e.persist(ctx, f)
	e.emitSnapshot(ctx, f, "group_updated")
	return nil
}

// AddTargetingRole adds a role to a flag's targeting map without touching
// its global value.
func (e *Engine) AddTargetingRole(ctx context.Context, name, role string) error {
	f, ok := e.lookup(name)
	if !ok {
		return &store.FeatureNotFoundError{Name: name}
	}
	if f.Targeting.Roles == nil {
		f.Targeting.Roles = make(map[string]struct{})
	}
	f.Targeting.Roles[role] = struct{}{}
	e.persist(ctx, f)
	e.emitSnapshot(ctx, f, "targeting_updated")
	return nil
}

// AddTargetingUser adds a user ID to a flag's targeting map.
func (e *Engine) AddTargetingUser(ctx context.Context, name, userID string) error {
	f, ok := e.lookup(name)
	if !ok {
		return &store.FeatureNotFoundError{Name: name}
	}
	if f.Targeting.Users == nil {
		f.Targeting.Users = make(map[string]struct{})
	}
	f.Targeting.Users[userID] = struct{}{}
	e.persist(ctx, f)
	e.emitSnapshot(ctx, f, "targeting_updated")
	return nil
}

// SetTargeting replaces a flag's entire targeting map (the admin façade's
// compound diff-apply operation).
func (e *Engine) SetTargeting(ctx context.Context, name string, t core.Targeting) error {
	f, ok := e.lookup(name)
	if !ok {
		return &store.FeatureNotFoundError{Name: name}
	}
	f.Targeting = t
	e.persist(ctx, f)
	e.emitSnapshot(ctx, f, "targeting_updated")
	return nil
}
