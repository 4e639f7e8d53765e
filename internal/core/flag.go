package core

import (
	"fmt"
	"math/rand"
)

// DependencyResolver is the non-owning handle a Flag uses to enforce the
// parent-before-dependency rule (I3) and to cascade disables (I4), without
// the Flag owning a reference back to the Engine that constructed it
// (spec.md §9, "cyclic references").
type DependencyResolver interface {
	// IsEnabled reports whether the named flag is currently enabled,
	// using its own stored context-free projection (no targeting).
	IsEnabled(name string) bool
	// DependentsOf returns every registered flag that declares name in
	// its Dependencies.
	DependentsOf(name string) []string
	// Disable disables the named flag (used for cascade).
	Disable(name string) error
}

// Flag is the typed, mutable state of a single feature flag (C7). It holds
// no storage handle of its own — the Storage Registry owns persistence; the
// Flag is a pure value object plus the algorithms in spec.md §4.7.
type Flag struct {
	Name         string
	Type         ValueType
	Status       Status
	DefaultValue Value
	CurrentValue Value
	Description  string
	DisplayName  string
	Group        string
	Dependencies []string
	Targeting    Targeting
	Variants     []Variant
}

// NewFlag constructs a Flag with its default value as the current value and
// an empty targeting map, validating type/value agreement (I1).
func NewFlag(name string, t ValueType, defaultValue Value) (*Flag, error) {
	if err := ValidateType(t, defaultValue); err != nil {
		return nil, err
	}
	return &Flag{
		Name:         name,
		Type:         t,
		Status:       StatusActive,
		DefaultValue: defaultValue,
		CurrentValue: defaultValue,
	}, nil
}

// Enabled implements the enabled?(ctx) algorithm of spec.md §4.7. It never
// returns an error to the caller: any internal fault is treated as
// fail-safe false, with the fault returned separately for logging.
func (f *Flag) Enabled(ctx Context) (enabled bool, deprecated bool, err error) {
	if f.Status == StatusInactive {
		return false, false, nil
	}
	if f.Status == StatusDeprecated && !ctx.AllowDeprecated() {
		return false, false, nil
	}

	if !f.Targeting.IsEmpty() {
		result, merr := Match(f.Name, f.Targeting, ctx)
		if merr != nil {
			return false, false, merr
		}
		switch result {
		case NoMatch:
			return false, false, nil
		case Matched:
			if f.Type == TypeBoolean {
				enabled = true
			} else {
				enabled = f.valueTruthy()
			}
		case NoRules:
			enabled = f.valueTruthy()
		}
	} else {
		enabled = f.valueTruthy()
	}

	// A deprecated flag that still resolved true gets flagged so the
	// caller can emit its once-per-call deprecation signal.
	if enabled && f.Status == StatusDeprecated {
		deprecated = true
	}
	return enabled, deprecated, nil
}

func (f *Flag) valueTruthy() bool {
	switch f.Type {
	case TypeBoolean:
		b, _ := f.CurrentValue.(bool)
		return b
	case TypeString:
		s, _ := f.CurrentValue.(string)
		return s != ""
	case TypeNumber:
		n, _ := f.CurrentValue.(float64)
		return n > 0
	default:
		return false
	}
}

// Value implements the value(ctx) algorithm of spec.md §4.7.
func (f *Flag) Value(ctx Context) (Value, error) {
	if f.Targeting.IsEmpty() {
		return f.CurrentValue, nil
	}
	result, err := Match(f.Name, f.Targeting, ctx)
	if err != nil {
		return f.DefaultValue, err
	}
	if result == NoMatch {
		return f.DefaultValue, nil
	}
	return f.CurrentValue, nil
}

// Enable implements enable() (I2, I3): boolean-only, rejected while any
// flag declaring Name as a dependency is itself disabled.
func (f *Flag) Enable(resolver DependencyResolver) (bool, error) {
	if f.Type != TypeBoolean {
		return false, fmt.Errorf("%w: enable() only applies to boolean flags", ErrInvalidFeatureValue)
	}
	for _, dependent := range resolver.DependentsOf(f.Name) {
		if !resolver.IsEnabled(dependent) {
			return false, nil
		}
	}
	f.Targeting = Targeting{}
	f.CurrentValue = true
	return true, nil
}

// Disable implements disable() (I4): clears targeting, writes the
// type-appropriate "off" value, and cascades one level to every flag that
// declares Name as a dependency.
func (f *Flag) Disable(resolver DependencyResolver) error {
	f.Targeting = Targeting{}
	f.CurrentValue = ZeroValue(f.Type)

	for _, dependent := range resolver.DependentsOf(f.Name) {
		if err := resolver.Disable(dependent); err != nil {
			return err
		}
	}
	return nil
}

// SelectVariant implements get_variant(ctx): weighted selection over
// f.Variants. With zero total weight, the first variant wins.
func (f *Flag) SelectVariant() (*Variant, error) {
	if len(f.Variants) == 0 {
		return nil, ErrNoVariants
	}

	var total float64
	for _, v := range f.Variants {
		total += v.Weight
	}
	if total <= 0 {
		return &f.Variants[0], nil
	}

	draw := rand.Float64() * total
	var running float64
	for i := range f.Variants {
		running += f.Variants[i].Weight
		if draw < running {
			return &f.Variants[i], nil
		}
	}
	return &f.Variants[len(f.Variants)-1], nil
}

// ExtractContext implements enabled_for?(obj, extra) (spec.md §4.7): derive
// a Context from a caller-supplied mapping or capability-interface object,
// then merge extra over it (extra wins).
func ExtractContext(obj any, extra Context) Context {
	ctx := Context{}

	switch v := obj.(type) {
	case map[string]any:
		for k, val := range v {
			switch k {
			case "id", "user_id":
				ctx["user_id"] = val
			case "group":
				ctx["group"] = val
			case "role":
				ctx["role"] = val
			case "ip_address":
				ctx["ip_address"] = val
			case "tags", "tag_ids", "tag_names":
				ctx["tags"] = val
			default:
				ctx[k] = val
			}
		}
	case ContextCapable:
		if id, ok := v.UserID(); ok {
			ctx["user_id"] = id
		}
		if group, ok := v.Group(); ok {
			ctx["group"] = group
		}
		if role, ok := v.Role(); ok {
			ctx["role"] = role
		}
		if ip, ok := v.IPAddress(); ok {
			ctx["ip_address"] = ip
		}
		if tags, ok := v.TagNames(); ok {
			ctx["tags"] = tags
		}
	case int:
		ctx["user_id"] = v
	case int64:
		ctx["user_id"] = v
	case string:
		ctx["user_id"] = v
	}

	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

// ContextCapable is the explicit capability interface replacing the
// teacher's reflective attribute lookup (spec.md §9): callers whose domain
// type isn't a plain map implement this instead of exposing it via
// reflection.
type ContextCapable interface {
	UserID() (string, bool)
	Group() (string, bool)
	Role() (string, bool)
	IPAddress() (string, bool)
	TagNames() ([]string, bool)
}
