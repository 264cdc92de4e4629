package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispider/dispider/pkg/errdefs"
)

// Container statuses tracked in the registry.
const (
	StatusCreating   = "creating"
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusExited     = "exited"
	StatusError      = "error"

	// StatusUnknown marks rows whose engine container vanished out from
	// under us, usually removed by hand.
	StatusUnknown = "unknown"
)

// activeStatuses are the states a project-wide stop sweeps over.
var activeStatuses = []string{StatusRunning, StatusCreating, StatusRestarting}

// Container is a tracked worker container row.
type Container struct {
	ID          int64      `db:"id" json:"id"`
	ExternalID  string     `db:"external_id" json:"container_id"`
	Name        string     `db:"name" json:"container_name"`
	Image       string     `db:"image" json:"image"`
	Status      string     `db:"status" json:"status"`
	HostPortURL string     `db:"host_port_url" json:"host_port"`
	WorkerID    string     `db:"worker_id" json:"worker_id"`
	ProjectID   int64      `db:"project_id" json:"project_id"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// store persists container rows.
type store struct {
	db *sqlx.DB
}

func (s *store) insert(ctx context.Context, c *Container) error {
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO containers (external_id, name, image, status, host_port_url, worker_id, project_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		c.ExternalID, c.Name, c.Image, c.Status, c.HostPortURL, c.WorkerID, c.ProjectID,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return errdefs.Internal(err, "insert container row")
	}
	return nil
}

func (s *store) get(ctx context.Context, id int64) (*Container, error) {
	var c Container
	err := s.db.GetContext(ctx, &c, `SELECT * FROM containers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("container record %d", id)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "load container row")
	}
	return &c, nil
}

func (s *store) setStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return errdefs.Internal(err, "update container status")
	}
	return nil
}

// setLaunched records the engine-assigned ID once the container is up.
func (s *store) setLaunched(ctx context.Context, id int64, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET external_id = $1, status = $2, updated_at = NOW() WHERE id = $3`,
		externalID, StatusRunning, id)
	if err != nil {
		return errdefs.Internal(err, "record container launch")
	}
	return nil
}

func (s *store) delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE id = $1`, id)
	if err != nil {
		return errdefs.Internal(err, "delete container row")
	}
	return nil
}

// latestHostPortURL returns the host_port_url of the newest row, or ""
// when no containers exist.
func (s *store) latestHostPortURL(ctx context.Context) (string, error) {
	var url sql.NullString
	err := s.db.GetContext(ctx, &url,
		`SELECT host_port_url FROM containers ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errdefs.Internal(err, "query latest container port")
	}
	return url.String, nil
}

func (s *store) listAll(ctx context.Context) ([]Container, error) {
	containers := []Container{}
	err := s.db.SelectContext(ctx, &containers,
		`SELECT * FROM containers ORDER BY id DESC`)
	if err != nil {
		return nil, errdefs.Internal(err, "list containers")
	}
	return containers, nil
}

func (s *store) listByProjects(ctx context.Context, projectIDs []int64) ([]Container, error) {
	if len(projectIDs) == 0 {
		return []Container{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM containers WHERE project_id IN (?) ORDER BY id DESC`, projectIDs)
	if err != nil {
		return nil, errdefs.Internal(err, "build container list query")
	}
	query = s.db.Rebind(query)

	containers := []Container{}
	if err := s.db.SelectContext(ctx, &containers, query, args...); err != nil {
		return nil, errdefs.Internal(err, "list containers by project")
	}
	return containers, nil
}

func (s *store) listActiveForProject(ctx context.Context, projectID int64) ([]Container, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM containers WHERE project_id = ? AND status IN (?) ORDER BY id`,
		projectID, activeStatuses)
	if err != nil {
		return nil, errdefs.Internal(err, "build active container query")
	}
	query = s.db.Rebind(query)

	containers := []Container{}
	if err := s.db.SelectContext(ctx, &containers, query, args...); err != nil {
		return nil, errdefs.Internal(err, "list active containers")
	}
	return containers, nil
}
