package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dispider/dispider/pkg/errdefs"
)

// Role tags for project membership.
const (
	RoleAdmin  = "project_admin"
	RoleOwner  = "project_owner"
	RoleMember = "project_member"
)

// Project statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Project is a registry row. Settings is a free-form JSON document
// (retry ceilings, timeouts and similar per-project knobs).
type Project struct {
	ID       int64           `db:"id" json:"id"`
	Name     string          `db:"name" json:"name"`
	Status   string          `db:"status" json:"status"`
	Settings json.RawMessage `db:"settings" json:"settings,omitempty"`
}

// Member is a project membership with the user's push key attached for
// alert notifications.
type Member struct {
	UserID   int64  `db:"user_id" json:"user_id"`
	Username string `db:"username" json:"username"`
	Role     string `db:"role" json:"role"`
	PushKey  string `db:"push_key" json:"-"`
}

// Registry provides project existence, membership, and settings lookups.
// Project CRUD itself lives with the transport; the coordination core
// only reads.
type Registry struct {
	db *sqlx.DB
}

// New creates a Registry over the shared database handle.
func New(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// EnsureSchema creates the fixed control-plane tables when absent. The
// per-project task and result tables are managed separately by the
// dynamic table helper.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(255) UNIQUE NOT NULL,
			push_key VARCHAR(255) DEFAULT '',
			is_super_admin BOOLEAN DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'active',
			settings JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			id SERIAL PRIMARY KEY,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role VARCHAR(32) NOT NULL DEFAULT 'project_member',
			UNIQUE (project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS containers (
			id SERIAL PRIMARY KEY,
			external_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) UNIQUE NOT NULL,
			image VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'creating',
			host_port_url VARCHAR(255) UNIQUE,
			worker_id VARCHAR(64) UNIQUE NOT NULL,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// ProjectExists reports whether the project row is present.
func (r *Registry) ProjectExists(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, projectID)
	if err != nil {
		return false, errdefs.Internal(err, "check project existence")
	}
	return exists, nil
}

// GetProject returns a project row or ErrNotFound.
func (r *Registry) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	var p Project
	err := r.db.GetContext(ctx, &p,
		`SELECT id, name, status, settings FROM projects WHERE id = $1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("project %d", projectID)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "load project")
	}
	return &p, nil
}

// MemberProjectIDs returns the IDs of all projects the user belongs to.
func (r *Registry) MemberProjectIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids,
		`SELECT project_id FROM project_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, errdefs.Internal(err, "list member projects")
	}
	return ids, nil
}

// NotifiableMembers returns the project's members (any role) together
// with their push keys, for alert fan-out. Members without a push key
// are included; the notifier skips them.
func (r *Registry) NotifiableMembers(ctx context.Context, projectID int64) ([]Member, error) {
	var members []Member
	err := r.db.SelectContext(ctx, &members,
		`SELECT u.id AS user_id, u.username, pm.role, u.push_key
		 FROM users u
		 JOIN project_members pm ON pm.user_id = u.id
		 WHERE pm.project_id = $1
		   AND pm.role IN ($2, $3, $4)`,
		projectID, RoleOwner, RoleAdmin, RoleMember)
	if err != nil {
		return nil, errdefs.Internal(err, "list notifiable members")
	}
	return members, nil
}

// RoleRank orders project roles for at-least comparisons. Unknown roles
// rank below member.
func RoleRank(role string) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

// MemberRole returns the user's role in a project, or ErrNotFound when
// the user is not a member.
func (r *Registry) MemberRole(ctx context.Context, projectID, userID int64) (string, error) {
	var role string
	err := r.db.GetContext(ctx, &role,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.NotFound("user %d is not a member of project %d", userID, projectID)
	}
	if err != nil {
		return "", errdefs.Internal(err, "load member role")
	}
	return role, nil
}

// SetProjectStatus flips a project between active and archived. The
// transport pairs archiving with a project-wide container stop.
func (r *Registry) SetProjectStatus(ctx context.Context, projectID int64, status string) error {
	if status != StatusActive && status != StatusArchived {
		return errdefs.InvalidArgument("unknown project status %q", status)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE projects SET status = $1 WHERE id = $2`, status, projectID)
	if err != nil {
		return errdefs.Internal(err, "update project status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("project %d", projectID)
	}
	return nil
}
