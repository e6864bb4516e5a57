// Package model defines the polymorphic resource kinds and operational
// rows that make up the control plane's data model.
package model

import "time"

// Kind enumerates the resource kinds stored in the polymorphic resource
// table. Task and Subscription rows are mirrored into dedicated
// operational tables (internal/store) for predicate indexing, but their
// configuration-like aspects still flow through Resource for bootstrap
// and admin purposes.
type Kind string

const (
	KindTeam         Kind = "Team"
	KindBot          Kind = "Bot"
	KindGhost        Kind = "Ghost"
	KindShell        Kind = "Shell"
	KindModel        Kind = "Model"
	KindWorkspace    Kind = "Workspace"
	KindTask         Kind = "Task"
	KindSubscription Kind = "Subscription"
)

// PublicOwner is the owner_id sentinel for publicly-scoped resources.
const PublicOwner = 0

// Resource is the row shape of the single polymorphic container:
// {id, owner_id, kind, name, namespace, json, is_active, created_at,
// updated_at}. Uniqueness is (owner_id, kind, name, namespace) among
// active rows.
type Resource struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	JSON      string    `json:"json"` // schema-versioned JSON document for Kind
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
