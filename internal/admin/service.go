package admin

import (
	"context"
	"fmt"

	"github.com/wardenhq/warden/internal/core"
	"github.com/wardenhq/warden/internal/engine"
)

// EngineService adapts an *engine.Engine to the Service contract. It is
// the only piece of this package that knows about internal/engine or
// internal/core — the admin HTTP surface built on Service never needs to.
type EngineService struct {
	Engine *engine.Engine
}

// compile-time assertion
var _ Service = (*EngineService)(nil)

func (s *EngineService) List(ctx context.Context) ([]string, error) {
	return s.Engine.Names(), nil
}

func (s *EngineService) Show(ctx context.Context, name string) (map[string]any, error) {
	f := s.Engine.Get(name)
	return map[string]any{
		"name":          f.Name,
		"type":          string(f.Type),
		"status":        string(f.Status),
		"value":         f.CurrentValue,
		"default_value": f.DefaultValue,
		"description":   f.Description,
		"display_name":  f.DisplayName,
		"group":         f.Group,
		"dependencies":  f.Dependencies,
		"targeting":     f.Targeting,
	}, nil
}

func (s *EngineService) UpdateValue(ctx context.Context, name string, value any) error {
	return s.Engine.SetValue(ctx, name, value)
}

func (s *EngineService) UpdateGroup(ctx context.Context, name, group string) error {
	return s.Engine.SetGroup(ctx, name, group)
}

func (s *EngineService) EnableGlobal(ctx context.Context, name string) (bool, error) {
	return s.Engine.Enable(ctx, name)
}

func (s *EngineService) DisableGlobal(ctx context.Context, name string) error {
	return s.Engine.Disable(name)
}

func (s *EngineService) EnableForRole(ctx context.Context, name, role string) error {
	return s.Engine.AddTargetingRole(ctx, name, role)
}

func (s *EngineService) EnableForUser(ctx context.Context, name, userID string) error {
	return s.Engine.AddTargetingUser(ctx, name, userID)
}

func (s *EngineService) ApplyTargeting(ctx context.Context, name string, update TargetingUpdate) error {
	if update.PercentageUsers != nil && *update.PercentageUsers > 100 {
		return fmt.Errorf("admin: percentage_users %v exceeds 100", *update.PercentageUsers)
	}
	if update.PercentageRequests != nil && *update.PercentageRequests > 100 {
		return fmt.Errorf("admin: percentage_requests %v exceeds 100", *update.PercentageRequests)
	}

	t := core.Targeting{}
	if len(update.Roles) > 0 {
		t.Roles = toSet(update.Roles)
	}
	if len(update.UserIDs) > 0 {
		t.Users = toSet(update.UserIDs)
	}
	if update.PercentageUsers != nil && *update.PercentageUsers > 0 {
		t.PercentageUsers = update.PercentageUsers
	}
	if update.PercentageRequests != nil && *update.PercentageRequests > 0 {
		t.PercentageRequests = update.PercentageRequests
	}

	return s.Engine.SetTargeting(ctx, name, t)
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
