// Package core implements the pure evaluation logic of the warden feature-flag
// engine: flag state, targeting-rule matching, percentage bucketing, and
// variant selection. Nothing in this package performs I/O — storage,
// caching, and networking live in internal/store, internal/telemetry, and
// internal/engine, which compose on top of these types.
package core

import (
	"fmt"
	"math"
	"time"
)

// ValueType is the declared type of a flag's value. It is immutable once a
// flag is registered.
type ValueType string

const (
	TypeBoolean ValueType = "boolean"
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
)

// Status is the lifecycle state of a flag.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDeprecated Status = "deprecated"
)

// MatchResult is the outcome of running the Targeting Matcher against a
// context.
type MatchResult int

const (
	NoRules MatchResult = iota
	Matched
	NoMatch
)

func (r MatchResult) String() string {
	switch r {
	case Matched:
		return "match"
	case NoMatch:
		return "no_match"
	default:
		return "no_rules"
	}
}

// Variant is a weighted value alternative selected per evaluation by
// Flag.SelectVariant.
type Variant struct {
	Name   string  `json:"name"`
	Value  any     `json:"value"`
	Weight float64 `json:"weight"`
}

// CustomOperator is the comparison applied to a custom-attribute targeting
// rule.
type CustomOperator string

const (
	OpEquals    CustomOperator = "eq"
	OpNotEquals CustomOperator = "ne"
	OpIn        CustomOperator = "in"
	OpNotIn     CustomOperator = "not_in"
	OpGreater   CustomOperator = "gt"
	OpLess      CustomOperator = "lt"
)

// CustomAttributeRule matches an arbitrary context key against a set of
// values using one of the six supported operators.
type CustomAttributeRule struct {
	Values   []string       `json:"values"`
	Operator CustomOperator `json:"operator"`
}

// DateRange gates targeting to a window of wall-clock time.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Active reports whether now falls within [Start, End]. A zero Start or End
// leaves that bound open.
func (d DateRange) Active(now time.Time) bool {
	if !d.Start.IsZero() && now.Before(d.Start) {
		return false
	}
	if !d.End.IsZero() && now.After(d.End) {
		return false
	}
	return true
}

// ComplexOperator aggregates a set of complex-condition leaves.
type ComplexOperator string

const (
	ComplexAnd ComplexOperator = "and"
	ComplexOr  ComplexOperator = "or"
)

// ComplexCondition is a single leaf of a complex_conditions targeting rule.
// Type mirrors the name of a selection/gating rule kind ("user", "group",
// "role", "tag", "percentage_users", "percentage_requests", "ip_address",
// "custom_attributes"); Params holds that rule kind's operand, keyed the
// same way the top-level Targeting map would hold it.
type ComplexCondition struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// ComplexConditions aggregates a list of leaves with "and"/"or" semantics.
type ComplexConditions struct {
	Operator   ComplexOperator    `json:"operator"`
	Conditions []ComplexCondition `json:"conditions"`
}

// Targeting is the structured rule map attached to a flag. The zero value is
// an empty targeting map (no rules).
type Targeting struct {
	Users              map[string]struct{}           `json:"user,omitempty"`
	Groups             map[string]struct{}           `json:"group,omitempty"`
	Roles              map[string]struct{}           `json:"role,omitempty"`
	Tags               map[string]struct{}           `json:"tag,omitempty"`
	PercentageUsers    *float64                       `json:"percentage_users,omitempty"`
	PercentageRequests *float64                       `json:"percentage_requests,omitempty"`
	DateRange          *DateRange                     `json:"date_range,omitempty"`
	IPAddresses        []string                       `json:"ip_address,omitempty"`
	CustomAttributes   map[string]CustomAttributeRule `json:"custom_attributes,omitempty"`
	Complex            *ComplexConditions             `json:"complex_conditions,omitempty"`
}

// IsEmpty reports whether the targeting map carries no rules at all, per
// spec.md §4.6 step 3 (caller treats this as NO_RULES).
func (t Targeting) IsEmpty() bool {
	return len(t.Users) == 0 &&
		len(t.Groups) == 0 &&
		len(t.Roles) == 0 &&
		len(t.Tags) == 0 &&
		t.PercentageUsers == nil &&
		t.PercentageRequests == nil &&
		t.DateRange == nil &&
		len(t.IPAddresses) == 0 &&
		len(t.CustomAttributes) == 0 &&
		t.Complex == nil
}

// Context is the per-evaluation caller-supplied attribute bag. Recognized
// keys are user_id, group, role, tags, ip_address, and allow_deprecated;
// any other key is available to custom_attributes matching.
type Context map[string]any

func (c Context) str(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c[key]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// UserID returns the context's user_id, stringified.
func (c Context) UserID() (string, bool) { return c.str("user_id") }

// Group returns the context's group, stringified.
func (c Context) Group() (string, bool) { return c.str("group") }

// Role returns the context's role, stringified.
func (c Context) Role() (string, bool) { return c.str("role") }

// IPAddress returns the context's ip_address.
func (c Context) IPAddress() (string, bool) { return c.str("ip_address") }

// AllowDeprecated reports whether the context opts in to deprecated flags.
func (c Context) AllowDeprecated() bool {
	if c == nil {
		return false
	}
	v, ok := c["allow_deprecated"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Tags returns the context's tags as a set of strings, from either a
// []string or a []any of stringable elements.
func (c Context) Tags() []string {
	if c == nil {
		return nil
	}
	switch v := c["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			tags = append(tags, fmt.Sprint(item))
		}
		return tags
	default:
		return nil
	}
}

// Value is the dynamically typed payload a flag carries: a bool, a string,
// or a finite float64, matching ValueType.
type Value = any

// ValidateType reports whether v is the Go representation of t (I1:
// boolean<=>bool, string<=>string, number<=>finite float64).
func ValidateType(t ValueType, v Value) error {
	switch t {
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: want boolean, got %T", ErrInvalidFeatureValue, v)
		}
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: want string, got %T", ErrInvalidFeatureValue, v)
		}
	case TypeNumber:
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: want number, got %T", ErrInvalidFeatureValue, v)
		}
		if n != n || math.IsInf(n, 0) { // NaN or +/-Inf
			return fmt.Errorf("%w: number must be finite", ErrInvalidFeatureValue)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFeatureType, t)
	}
	return nil
}

// ZeroValue returns the type-appropriate "off" value used by disable().
func ZeroValue(t ValueType) Value {
	switch t {
	case TypeString:
		return ""
	case TypeNumber:
		return float64(0)
	default:
		return false
	}
}
