package engine

import (
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/internal/core"
)

// toAttrs flattens a Flag into the attribute map the Storage Registry
// persists (spec.md §6: "keys are value, status, default_value,
// description, display_name, group, type, targeting, ...").
func toAttrs(f *core.Flag) (map[string]any, error) {
	targetingJSON, err := json.Marshal(f.Targeting)
	if err != nil {
		return nil, fmt.Errorf("marshal targeting: %w", err)
	}
	variantsJSON, err := json.Marshal(f.Variants)
	if err != nil {
		return nil, fmt.Errorf("marshal variants: %w", err)
	}
	depsJSON, err := json.Marshal(f.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("marshal dependencies: %w", err)
	}

	return map[string]any{
		"type":          string(f.Type),
		"status":        string(f.Status),
		"default_value": f.DefaultValue,
		"value":         f.CurrentValue,
		"description":   f.Description,
		"display_name":  f.DisplayName,
		"group":         f.Group,
		"dependencies":  string(depsJSON),
		"targeting":     string(targetingJSON),
		"variants":      string(variantsJSON),
	}, nil
}

// fromAttrs reconstructs a Flag's mutable fields from a stored attribute
// map, leaving Name/Type untouched (they are immutable per I1 and are
// supplied by the registration call, not by storage).
func fromAttrs(f *core.Flag, attrs map[string]any) error {
	if v, ok := attrs["status"]; ok {
		f.Status = core.Status(fmt.Sprint(v))
	}
	if v, ok := attrs["value"]; ok {
		f.CurrentValue = coerceValue(f.Type, v)
	}
	if v, ok := attrs["description"]; ok {
		f.Description = fmt.Sprint(v)
	}
	if v, ok := attrs["display_name"]; ok {
		f.DisplayName = fmt.Sprint(v)
	}
	if v, ok := attrs["group"]; ok {
		f.Group = fmt.Sprint(v)
	}
	if v, ok := attrs["dependencies"]; ok {
		var deps []string
		if err := unmarshalStringField(v, &deps); err == nil {
			f.Dependencies = deps
		}
	}
	if v, ok := attrs["targeting"]; ok {
		var t core.Targeting
		if err := unmarshalStringField(v, &t); err == nil {
			f.Targeting = t
		}
	}
	if v, ok := attrs["variants"]; ok {
		var variants []core.Variant
		if err := unmarshalStringField(v, &variants); err == nil {
			f.Variants = variants
		}
	}
	return nil
}

func unmarshalStringField(v any, dest any) error {
	switch s := v.(type) {
	case string:
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), dest)
	case []byte:
		return json.Unmarshal(s, dest)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dest)
	}
}

// coerceValue normalizes a value read back from storage (often a string,
// since Remote's hash fields are strings) into the Go type its ValueType
// expects.
func coerceValue(t core.ValueType, v any) core.Value {
	switch t {
	case core.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x
		case string:
			return x == "true"
		}
	case core.TypeNumber:
		switch x := v.(type) {
		case float64:
			return x
		case string:
			var f float64
			if _, err := fmt.Sscanf(x, "%g", &f); err == nil {
				return f
			}
		}
	case core.TypeString:
		return fmt.Sprint(v)
	}
	return core.ZeroValue(t)
}
