package store

import (
	"context"
	"encoding/json"

	"github.com/basket/go-claw/internal/model"
)

// Resolver resolves Team/Bot/Ghost/Shell/Model resources against the
// polymorphic resource table via GetResourceWithFallback (owner-scoped
// row wins, falls back to the public-scoped row). It satisfies both
// internal/dispatcher.Resolver and internal/gateway's resolver
// interface, so the dispatcher and the gateway resolve the resource
// graph the same way.
type Resolver struct {
	store *Store
}

func NewResolver(s *Store) *Resolver { return &Resolver{store: s} }

func (r *Resolver) ResolveTeam(ctx context.Context, owner int64, name, namespace string) (model.Team, error) {
	var t model.Team
	res, err := r.store.GetResourceWithFallback(ctx, owner, model.KindTeam, name, namespace)
	if err != nil {
		return t, err
	}
	err = json.Unmarshal([]byte(res.JSON), &t)
	return t, err
}

func (r *Resolver) ResolveBot(ctx context.Context, owner int64, name, namespace string) (model.Bot, error) {
	var b model.Bot
	res, err := r.store.GetResourceWithFallback(ctx, owner, model.KindBot, name, namespace)
	if err != nil {
		return b, err
	}
	err = json.Unmarshal([]byte(res.JSON), &b)
	return b, err
}

func (r *Resolver) ResolveGhost(ctx context.Context, owner int64, name, namespace string) (model.Ghost, error) {
	var g model.Ghost
	res, err := r.store.GetResourceWithFallback(ctx, owner, model.KindGhost, name, namespace)
	if err != nil {
		return g, err
	}
	err = json.Unmarshal([]byte(res.JSON), &g)
	return g, err
}

func (r *Resolver) ResolveShell(ctx context.Context, owner int64, name, namespace string) (model.Shell, error) {
	var s model.Shell
	res, err := r.store.GetResourceWithFallback(ctx, owner, model.KindShell, name, namespace)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal([]byte(res.JSON), &s)
	return s, err
}

// ResolveWorkspace resolves a Workspace resource, the git repo binding a
// Task carries via its workspace_name field.
func (r *Resolver) ResolveWorkspace(ctx context.Context, owner int64, name, namespace string) (model.Workspace, error) {
	var w model.Workspace
	res, err := r.store.GetResourceWithFallback(ctx, owner, model.KindWorkspace, name, namespace)
	if err != nil {
		return w, err
	}
	err = json.Unmarshal([]byte(res.JSON), &w)
	return w, err
}

// ResolveModel resolves a Model resource. bindType further narrows which
// owner scope a caller intends (public/user/group) but the fallback
// lookup itself is owner-then-public, matching ResolveTeam/ResolveBot.
func (r *Resolver) ResolveModel(ctx context.Context, owner int64, bindType model.BindModelType, name, namespace string) (model.ModelConfig, error) {
	var m model.ModelConfig
	scopeOwner := owner
	if bindType == model.BindModelPublic {
		scopeOwner = model.PublicOwner
	}
	res, err := r.store.GetResourceWithFallback(ctx, scopeOwner, model.KindModel, name, namespace)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal([]byte(res.JSON), &m)
	return m, err
}
