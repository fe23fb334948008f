// Package projects is the control-plane CRUD over the main database's
// project table. Creating a project only registers the row; the project's
// own database is provisioned lazily on its first data access.
package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborbase/harborbase/internal/tenantdb"
)

// Project is one tenant as stored in the main database.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	AllowedOrigin string    `json:"allowed_origin,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Repo reads and writes project rows through the registry's main handle,
// with transient faults absorbed by the retry wrapper.
type Repo struct {
	reg  *tenantdb.Registry
	exec *tenantdb.Executor
}

// NewRepo wires a repo over the registry and executor.
func NewRepo(reg *tenantdb.Registry, exec *tenantdb.Executor) *Repo {
	return &Repo{reg: reg, exec: exec}
}

// Create registers a new project. The id is immutable once created.
func (r *Repo) Create(ctx context.Context, name, allowedOrigin string) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("name required")
	}

	now := time.Now().UTC()
	p := &Project{
		ID:            uuid.New().String(),
		Name:          name,
		AllowedOrigin: allowedOrigin,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := r.exec.Do(ctx, tenantdb.MainTarget, func(ctx context.Context, h *tenantdb.Handle) error {
		_, err := h.DB().ExecContext(ctx,
			`INSERT INTO projects (id, name, allowed_origin, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.AllowedOrigin,
			now.Format(time.RFC3339), now.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns one live project by id.
func (r *Repo) Get(ctx context.Context, id string) (*Project, error) {
	var p *Project
	err := r.exec.Do(ctx, tenantdb.MainTarget, func(ctx context.Context, h *tenantdb.Handle) error {
		row := h.DB().QueryRowContext(ctx,
			`SELECT id, name, allowed_origin, created_at, updated_at
			 FROM projects WHERE id = ? AND deleted_at IS NULL`, id)
		proj, err := scanProject(row)
		if err != nil {
			return err
		}
		p = proj
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || tenantdb.ErrNotFound.Has(err) {
			return nil, tenantdb.ErrNotFound.New("project %q", id)
		}
		return nil, err
	}
	return p, nil
}

// List returns all live projects, oldest first.
func (r *Repo) List(ctx context.Context) ([]Project, error) {
	var out []Project
	err := r.exec.Do(ctx, tenantdb.MainTarget, func(ctx context.Context, h *tenantdb.Handle) error {
		rows, err := h.DB().QueryContext(ctx,
			`SELECT id, name, allowed_origin, created_at, updated_at
			 FROM projects WHERE deleted_at IS NULL ORDER BY created_at`)
		if err != nil {
			return err
		}
		defer rows.Close()

		items := make([]Project, 0, 16)
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			items = append(items, *p)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = items
		return nil
	})
	return out, err
}

// Rename updates a project's name.
func (r *Repo) Rename(ctx context.Context, id, name string) error {
	err := r.affectOne(ctx,
		`UPDATE projects SET name = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		name, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	r.reg.InvalidateProject(ctx, id)
	return nil
}

// SoftDelete marks a project deleted, evicts its handle and drops cached
// directory state. The database file stays on disk.
func (r *Repo) SoftDelete(ctx context.Context, id string) error {
	err := r.affectOne(ctx,
		`UPDATE projects SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	r.reg.InvalidateProject(ctx, id)
	r.reg.Evict(id)
	return nil
}

// affectOne runs a write that must touch exactly one row, mapping zero
// rows to ErrNotFound.
func (r *Repo) affectOne(ctx context.Context, query string, args ...any) error {
	return r.exec.Do(ctx, tenantdb.MainTarget, func(ctx context.Context, h *tenantdb.Handle) error {
		res, err := h.DB().ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return tenantdb.ErrNotFound.New("project not found")
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                    Project
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.AllowedOrigin, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}
