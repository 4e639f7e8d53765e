// Package admin defines the contract boundary between the evaluation
// engine and its HTTP admin surface. The admin surface itself — templates,
// sessions, authentication, audit UI — is an external collaborator
// (spec.md §1): only the operations it needs from the engine are specified
// here.
package admin

import "context"

// TargetingUpdate is the compound diff-apply operation spec.md §6
// describes: selected roles, comma-separated user IDs, and optional
// percentage rules. Blank or ≤0 percentages disable the corresponding
// rule; >100 is invalid and ApplyTargeting rejects it with an error.
type TargetingUpdate struct {
	Roles              []string
	UserIDs            []string
	PercentageUsers    *float64
	PercentageRequests *float64
}

// Service is the capability surface an admin HTTP handler is built
// against. internal/engine.Engine, wrapped by a thin adapter, satisfies
// it; nothing in this package performs I/O or renders HTML.
type Service interface {
	// List returns every registered flag name.
	List(ctx context.Context) ([]string, error)
	// Show returns a flag's current attribute snapshot for display.
	Show(ctx context.Context, name string) (map[string]any, error)
	// UpdateValue sets a flag's global value (non-boolean types only;
	// boolean flags are mutated via EnableGlobal/DisableGlobal).
	UpdateValue(ctx context.Context, name string, value any) error
	// UpdateGroup reassigns a flag's display group.
	UpdateGroup(ctx context.Context, name, group string) error
	// EnableGlobal / DisableGlobal toggle a boolean flag's global value,
	// subject to I3/I4 dependency semantics.
	EnableGlobal(ctx context.Context, name string) (bool, error)
	DisableGlobal(ctx context.Context, name string) error
	// EnableForRole / EnableForUser extend targeting without touching the
	// global value.
	EnableForRole(ctx context.Context, name, role string) error
	EnableForUser(ctx context.Context, name, userID string) error
	// ApplyTargeting diff-applies a compound targeting update.
	ApplyTargeting(ctx context.Context, name string, update TargetingUpdate) error
}
