package server

import (
	"context"

	"github.com/wardenhq/warden/internal/core"
	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/store"
)

// FlagView is the JSON projection of a flag returned by the HTTP evaluate
// surface's CRUD endpoints.
type FlagView struct {
	Name         string       `json:"name"`
	Type         core.ValueType `json:"type"`
	Status       core.Status  `json:"status"`
	DefaultValue core.Value   `json:"default_value"`
	CurrentValue core.Value   `json:"current_value"`
	Description  string       `json:"description,omitempty"`
	DisplayName  string       `json:"display_name,omitempty"`
	Group        string       `json:"group,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Targeting    core.Targeting `json:"targeting"`
}

// RegisterFlagRequest is the JSON body of POST /v1/flags.
type RegisterFlagRequest struct {
	Name         string       `json:"name"`
	Type         core.ValueType `json:"type"`
	DefaultValue core.Value   `json:"default_value"`
	Description  string       `json:"description,omitempty"`
	DisplayName  string       `json:"display_name,omitempty"`
	Group        string       `json:"group,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
}

// EvaluateRequest is a single flag evaluation request, either standalone or
// one element of an evaluate-batch.
type EvaluateRequest struct {
	Name    string      `json:"name"`
	Context core.Context `json:"context,omitempty"`
}

// EvaluateResult is the outcome of one EvaluateRequest.
type EvaluateResult struct {
	Name    string     `json:"name"`
	Enabled bool       `json:"enabled"`
	Value   core.Value `json:"value"`
}

// Service is the capability surface the HTTP handlers are built against.
type Service interface {
	CreateFlag(ctx context.Context, req RegisterFlagRequest) (FlagView, error)
	GetFlag(ctx context.Context, name string) (FlagView, error)
	ListFlags(ctx context.Context) ([]FlagView, error)
	DeleteFlag(ctx context.Context, name string) error
	Evaluate(ctx context.Context, req EvaluateRequest) EvaluateResult
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) []EvaluateResult
	ListEventsSince(ctx context.Context, eventID int64) ([]store.FlagEvent, error)
}

// EngineService adapts *engine.Engine and an optional *store.EventLog to
// the Service interface consumed by the HTTP handlers.
type EngineService struct {
	Engine *engine.Engine
	Events *store.EventLog
}

var _ Service = (*EngineService)(nil)

func (s *EngineService) CreateFlag(ctx context.Context, req RegisterFlagRequest) (FlagView, error) {
	f, err := s.Engine.Register(ctx, req.Name, engine.RegisterOptions{
		Type:         req.Type,
		DefaultValue: req.DefaultValue,
		Description:  req.Description,
		DisplayName:  req.DisplayName,
		Group:        req.Group,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		return FlagView{}, err
	}
	return toFlagView(f), nil
}

func (s *EngineService) GetFlag(ctx context.Context, name string) (FlagView, error) {
	return toFlagView(s.Engine.Get(name)), nil
}

func (s *EngineService) ListFlags(ctx context.Context) ([]FlagView, error) {
	names := s.Engine.Names()
	views := make([]FlagView, 0, len(names))
	for _, name := range names {
		views = append(views, toFlagView(s.Engine.Get(name)))
	}
	return views, nil
}

func (s *EngineService) DeleteFlag(ctx context.Context, name string) error {
	return s.Engine.Delete(ctx, name)
}

func (s *EngineService) Evaluate(ctx context.Context, req EvaluateRequest) EvaluateResult {
	return EvaluateResult{
		Name:    req.Name,
		Enabled: s.Engine.Enabled(ctx, req.Name, req.Context),
		Value:   s.Engine.Value(ctx, req.Name, req.Context),
	}
}

func (s *EngineService) EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) []EvaluateResult {
	results := make([]EvaluateResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, s.Evaluate(ctx, req))
	}
	return results
}

func (s *EngineService) ListEventsSince(ctx context.Context, eventID int64) ([]store.FlagEvent, error) {
	if s.Events == nil {
		return nil, nil
	}
	return s.Events.ListSince(ctx, eventID)
}

func toFlagView(f *core.Flag) FlagView {
	return FlagView{
		Name:         f.Name,
		Type:         f.Type,
		Status:       f.Status,
		DefaultValue: f.DefaultValue,
		CurrentValue: f.CurrentValue,
		Description:  f.Description,
		DisplayName:  f.DisplayName,
		Group:        f.Group,
		Dependencies: f.Dependencies,
		Targeting:    f.Targeting,
	}
}
