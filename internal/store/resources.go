package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GetResource looks up a single active resource scoped to owner.
func (s *Store) GetResource(ctx context.Context, owner int64, kind model.Kind, name, namespace string) (model.Resource, error) {
	return s.queryResource(ctx,
		`SELECT id, owner_id, kind, name, namespace, json, is_active, created_at, updated_at
		 FROM resources WHERE owner_id = `+s.placeholder(1)+` AND kind = `+s.placeholder(2)+
			` AND name = `+s.placeholder(3)+` AND namespace = `+s.placeholder(4)+` AND is_active`,
		owner, kind, name, namespace)
}

// GetResourceByID looks up a resource by its primary key, for callers
// that already hold a foreign-key reference (e.g. a rental
// subscription's rentalSourceId) rather than a (kind, name, namespace)
// triple.
func (s *Store) GetResourceByID(ctx context.Context, id int64) (model.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, kind, name, namespace, json, is_active, created_at, updated_at
		 FROM resources WHERE id = `+s.placeholder(1), id)
	var r model.Resource
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Kind, &r.Name, &r.Namespace, &r.JSON, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Resource{}, goerr.New(goerr.KindResourceNotFound, "resource not found")
		}
		return model.Resource{}, goerr.Wrap(goerr.KindFatal, "get resource by id", err)
	}
	return r, nil
}

// GetResourceWithFallback searches owner-scoped first, then public
// (owner_id=0).
func (s *Store) GetResourceWithFallback(ctx context.Context, owner int64, kind model.Kind, name, namespace string) (model.Resource, error) {
	if owner != model.PublicOwner {
		if r, err := s.GetResource(ctx, owner, kind, name, namespace); err == nil {
			return r, nil
		} else if !goerr.Is(err, goerr.KindResourceNotFound) {
			return model.Resource{}, err
		}
	}
	return s.GetResource(ctx, model.PublicOwner, kind, name, namespace)
}

func (s *Store) queryResource(ctx context.Context, query string, args ...any) (model.Resource, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var r model.Resource
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Kind, &r.Name, &r.Namespace, &r.JSON, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Resource{}, goerr.Wrap(goerr.KindResourceNotFound, fmt.Sprintf("resource %s/%s not found", args[1], args[2]), err)
		}
		return model.Resource{}, goerr.Wrap(goerr.KindFatal, "query resource", err)
	}
	return r, nil
}

// ListResourcesFilter narrows List to active rows of one kind, optionally
// owner-scoped and paginated.
type ListResourcesFilter struct {
	Owner     int64
	Kind      model.Kind
	Namespace string
	Limit     int
	Offset    int
}

// ListResources returns a paginated sequence of active resources.
func (s *Store) ListResources(ctx context.Context, f ListResourcesFilter) ([]model.Resource, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT id, owner_id, kind, name, namespace, json, is_active, created_at, updated_at
		FROM resources WHERE kind = ` + s.placeholder(1) + ` AND is_active`
	args := []any{f.Kind}
	n := 2
	if f.Owner != 0 {
		query += fmt.Sprintf(" AND owner_id = %s", s.placeholder(n))
		args = append(args, f.Owner)
		n++
	}
	if f.Namespace != "" {
		query += fmt.Sprintf(" AND namespace = %s", s.placeholder(n))
		args = append(args, f.Namespace)
		n++
	}
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT %s OFFSET %s", s.placeholder(n), s.placeholder(n+1))
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(goerr.KindFatal, "list resources", err)
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		var r model.Resource
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Kind, &r.Name, &r.Namespace, &r.JSON, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, goerr.Wrap(goerr.KindFatal, "scan resource", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertResource idempotently creates or replaces the active row for
// (owner, kind, name, namespace).
func (s *Store) UpsertResource(ctx context.Context, owner int64, kind model.Kind, name, namespace, json string) (model.Resource, error) {
	existing, err := s.GetResource(ctx, owner, kind, name, namespace)
	ts := now()
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE resources SET json = `+s.placeholder(1)+`, updated_at = `+s.placeholder(2)+` WHERE id = `+s.placeholder(3),
			json, ts, existing.ID)
		if err != nil {
			return model.Resource{}, goerr.Wrap(goerr.KindFatal, "update resource", err)
		}
		existing.JSON, existing.UpdatedAt = json, ts
		return existing, nil
	}
	if !goerr.Is(err, goerr.KindResourceNotFound) {
		return model.Resource{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (owner_id, kind, name, namespace, json, is_active, created_at, updated_at)
		 VALUES (`+s.placeholder(1)+`, `+s.placeholder(2)+`, `+s.placeholder(3)+`, `+s.placeholder(4)+`, `+s.placeholder(5)+`, `+trueLiteral(s)+`, `+s.placeholder(6)+`, `+s.placeholder(7)+`)`,
		owner, kind, name, namespace, json, ts, ts)
	if err != nil {
		return model.Resource{}, goerr.Wrap(goerr.KindFatal, "insert resource", err)
	}
	id, _ := res.LastInsertId()
	return model.Resource{ID: id, OwnerID: owner, Kind: kind, Name: name, Namespace: namespace, JSON: json, IsActive: true, CreatedAt: ts, UpdatedAt: ts}, nil
}

// UpdateResourceJSON performs a read-modify-write under a row-level
// transaction: patch receives the current JSON
// document and returns the new one, so callers don't race each other's
// partial field updates.
func (s *Store) UpdateResourceJSON(ctx context.Context, id int64, patch func(current string) (string, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "begin tx", err)
	}
	defer tx.Rollback()

	var current string
	row := tx.QueryRowContext(ctx, `SELECT json FROM resources WHERE id = `+s.placeholder(1), id)
	if err := row.Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return goerr.New(goerr.KindResourceNotFound, "resource not found")
		}
		return goerr.Wrap(goerr.KindFatal, "select json", err)
	}

	updated, err := patch(current)
	if err != nil {
		return goerr.Wrap(goerr.KindValidationFailed, "patch resource json", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE resources SET json = `+s.placeholder(1)+`, updated_at = `+s.placeholder(2)+` WHERE id = `+s.placeholder(3),
		updated, now(), id); err != nil {
		return goerr.Wrap(goerr.KindFatal, "update json", err)
	}
	return tx.Commit()
}

// SetResourceField is a convenience wrapper over UpdateResourceJSON
// for the common case of patching one top-level JSON key.
func (s *Store) SetResourceField(ctx context.Context, id int64, path string, value any) error {
	return s.UpdateResourceJSON(ctx, id, func(current string) (string, error) {
		return sjson.Set(current, path, value)
	})
}

// GetResourceField reads one dotted-path field out of a resource's JSON
// document without unmarshalling it into a typed struct, the read-side
// counterpart to SetResourceField. Used by callers that only need to
// peek at a single field (e.g. the trigger scan's cheap enabled-flag
// check below) before paying for a full typed decode.
func (s *Store) GetResourceField(ctx context.Context, id int64, path string) (gjson.Result, error) {
	var current string
	row := s.db.QueryRowContext(ctx, `SELECT json FROM resources WHERE id = `+s.placeholder(1), id)
	if err := row.Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return gjson.Result{}, goerr.New(goerr.KindResourceNotFound, "resource not found")
		}
		return gjson.Result{}, goerr.Wrap(goerr.KindFatal, "select json", err)
	}
	return gjson.Get(current, path), nil
}

// SoftDeleteResource sets is_active=false; rows are never purged.
func (s *Store) SoftDeleteResource(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE resources SET is_active = `+falseLiteral(s)+`, updated_at = `+s.placeholder(1)+` WHERE id = `+s.placeholder(2),
		now(), id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "soft delete resource", err)
	}
	return nil
}

func trueLiteral(s *Store) string {
	if s.backend == config.StoragePostgres {
		return "TRUE"
	}
	return "1"
}

func falseLiteral(s *Store) string {
	if s.backend == config.StoragePostgres {
		return "FALSE"
	}
	return "0"
}
