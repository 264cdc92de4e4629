package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/kv"
	"github.com/dispider/dispider/pkg/log"
	"github.com/dispider/dispider/pkg/metrics"
	"github.com/dispider/dispider/pkg/registry"
	"github.com/dispider/dispider/pkg/runtime"
)

// workerTaskDir is where the project workspace is mounted inside every
// worker container.
const workerTaskDir = "/home/user/task"

// Worker status reports accepted by ReportStatus.
const (
	ReportNeedsIntervention = "needs_manual_intervention"
	ReportRunning           = "running"
)

// Config carries the coordinator's launch parameters.
type Config struct {
	// APIBaseURL is handed to workers so they can reach the dispatch API.
	APIBaseURL string

	// ContainerHost is the advertised host for published worker ports.
	ContainerHost string

	// WorkspaceDir is the host root holding per-project work directories.
	WorkspaceDir string

	// PortStart is the first host port handed to worker containers.
	PortStart int
}

// BatchCreateRequest describes a batch of worker containers to launch.
type BatchCreateRequest struct {
	Image string `json:"image" validate:"required"`
	Count int    `json:"container_count" validate:"required,min=1,max=100"`

	// ProxyEnv is merged into each worker's environment, typically the
	// proxy endpoint assigned by the proxy manager.
	ProxyEnv map[string]string `json:"proxy_config,omitempty"`

	// Volumes maps extra host paths to container paths.
	Volumes map[string]string `json:"volumes,omitempty"`
}

// Alert is a worker's manual-intervention flag as stored in the KV
// store.
type Alert struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	ProjectID int64  `json:"project_id"`
	WorkerID  string `json:"worker_id,omitempty"`
}

// Coordinator owns the worker container lifecycle: batch launch, state
// transitions, project-wide sweeps, and worker status reports.
type Coordinator struct {
	store    *store
	runtime  runtime.Runtime
	kv       *kv.Store
	registry *registry.Registry
	notifier *Notifier
	cfg      Config
}

// NewCoordinator wires a Coordinator over the shared backends.
func NewCoordinator(db *sqlx.DB, rt runtime.Runtime, kvs *kv.Store, reg *registry.Registry, notifier *Notifier, cfg Config) *Coordinator {
	return &Coordinator{
		store:    &store{db: db},
		runtime:  rt,
		kv:       kvs,
		registry: reg,
		notifier: notifier,
		cfg:      cfg,
	}
}

// nextHostPort picks the next free host port by parsing the newest
// recorded host_port_url. An unparsable or absent record falls back to
// the configured start port.
func (c *Coordinator) nextHostPort(ctx context.Context) (int, error) {
	latest, err := c.store.latestHostPortURL(ctx)
	if err != nil {
		return 0, err
	}
	if latest == "" {
		log.Info(fmt.Sprintf("No container records, starting port allocation at %d", c.cfg.PortStart))
		return c.cfg.PortStart, nil
	}

	idx := strings.LastIndex(latest, ":")
	if idx < 0 {
		log.Warn(fmt.Sprintf("Cannot parse port from %q, falling back to %d", latest, c.cfg.PortStart))
		return c.cfg.PortStart, nil
	}
	port, err := strconv.Atoi(latest[idx+1:])
	if err != nil {
		log.Warn(fmt.Sprintf("Cannot parse port from %q, falling back to %d", latest, c.cfg.PortStart))
		return c.cfg.PortStart, nil
	}
	return port + 1, nil
}

// BatchCreate launches a batch of worker containers for a project. Each
// container is recorded as creating before launch and flipped to
// running once the engine confirms it. A launch failure marks that row
// error and aborts the rest of the batch.
func (c *Coordinator) BatchCreate(ctx context.Context, projectID int64, req BatchCreateRequest) ([]Container, error) {
	if req.Image == "" {
		return nil, errdefs.InvalidArgument("image must not be empty")
	}
	if req.Count < 1 {
		return nil, errdefs.InvalidArgument("container_count must be at least 1")
	}

	if err := c.runtime.EnsureImage(ctx, req.Image); err != nil {
		return nil, err
	}

	basePort, err := c.nextHostPort(ctx)
	if err != nil {
		return nil, err
	}

	logger := log.WithProjectID(projectID)
	created := make([]Container, 0, req.Count)

	for i := 0; i < req.Count; i++ {
		workerID := uuid.New().String()
		name := fmt.Sprintf("dispider-worker-%d-%s", projectID, workerID[:8])
		hostPort := basePort + i

		row := &Container{
			ExternalID:  "pending",
			Name:        name,
			Image:       req.Image,
			Status:      StatusCreating,
			HostPortURL: fmt.Sprintf("%s:%d", c.cfg.ContainerHost, hostPort),
			WorkerID:    workerID,
			ProjectID:   projectID,
		}
		if err := c.store.insert(ctx, row); err != nil {
			return nil, err
		}

		spec := runtime.WorkerSpec{
			Image:    req.Image,
			Name:     name,
			Env:      c.workerEnv(projectID, workerID, req.ProxyEnv),
			HostPort: hostPort,
			Binds:    c.workerBinds(projectID, req.Volumes),
		}

		externalID, err := c.runtime.RunWorker(ctx, spec)
		if err != nil {
			logger.Error().Err(err).Str("container", name).Msg("Failed to launch worker container")
			if serr := c.store.setStatus(ctx, row.ID, StatusError); serr != nil {
				logger.Error().Err(serr).Msg("Failed to mark container row as error")
			}
			return nil, errdefs.Internal(err, "launch container "+name)
		}

		if err := c.store.setLaunched(ctx, row.ID, externalID); err != nil {
			return nil, err
		}
		row.ExternalID = externalID
		row.Status = StatusRunning

		metrics.ContainersCreated.Inc()
		logger.Info().
			Str("container", name).
			Str("worker_id", workerID).
			Int("host_port", hostPort).
			Msg("Worker container started")
		created = append(created, *row)
	}

	logger.Info().Int("count", len(created)).Msg("Container batch created")
	return created, nil
}

func (c *Coordinator) workerEnv(projectID int64, workerID string, proxyEnv map[string]string) []string {
	env := []string{
		"PROJECT_ID=" + strconv.FormatInt(projectID, 10),
		"API_BASE_URL=" + c.cfg.APIBaseURL,
		"WORKER_ID=" + workerID,
	}

	keys := make([]string, 0, len(proxyEnv))
	for k := range proxyEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+proxyEnv[k])
	}
	return env
}

func (c *Coordinator) workerBinds(projectID int64, volumes map[string]string) []string {
	binds := []string{
		path.Join(c.cfg.WorkspaceDir, strconv.FormatInt(projectID, 10)) + ":" + workerTaskDir,
	}

	hosts := make([]string, 0, len(volumes))
	for h := range volumes {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	for _, h := range hosts {
		binds = append(binds, h+":"+volumes[h])
	}
	return binds
}

// ListVisible returns the containers the user may see: everything for
// super admins, otherwise only containers of projects the user belongs
// to.
func (c *Coordinator) ListVisible(ctx context.Context, userID int64, superAdmin bool) ([]Container, error) {
	if superAdmin {
		return c.store.listAll(ctx)
	}

	projectIDs, err := c.registry.MemberProjectIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.store.listByProjects(ctx, projectIDs)
}

// Get returns one container record.
func (c *Coordinator) Get(ctx context.Context, id int64) (*Container, error) {
	return c.store.get(ctx, id)
}

// Stop stops a container. A container already gone from the engine is
// marked unknown instead of failing.
func (c *Coordinator) Stop(ctx context.Context, id int64) (*Container, error) {
	row, err := c.store.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch err := c.runtime.Stop(ctx, row.ExternalID); {
	case err == nil:
		row.Status = StatusExited
	case errdefs.IsNotFound(err):
		log.Warn(fmt.Sprintf("Container %s missing from engine during stop, marking unknown", row.Name))
		row.Status = StatusUnknown
	default:
		return nil, err
	}

	if err := c.store.setStatus(ctx, row.ID, row.Status); err != nil {
		return nil, err
	}
	plog1 := log.WithProjectID(row.ProjectID)
	plog1.Info().
		Str("container", row.Name).
		Str("status", row.Status).
		Msg("Container stopped")
	return row, nil
}

// Restart restarts a container, marking it unknown when the engine no
// longer has it.
func (c *Coordinator) Restart(ctx context.Context, id int64) (*Container, error) {
	row, err := c.store.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch err := c.runtime.Restart(ctx, row.ExternalID); {
	case err == nil:
		row.Status = StatusRunning
	case errdefs.IsNotFound(err):
		log.Warn(fmt.Sprintf("Container %s missing from engine during restart, marking unknown", row.Name))
		row.Status = StatusUnknown
	default:
		return nil, err
	}

	if err := c.store.setStatus(ctx, row.ID, row.Status); err != nil {
		return nil, err
	}
	plog2 := log.WithProjectID(row.ProjectID)
	plog2.Info().
		Str("container", row.Name).
		Str("status", row.Status).
		Msg("Container restarted")
	return row, nil
}

// Remove removes a container from the engine and deletes its record.
// The record is deleted even when the engine container is already gone.
func (c *Coordinator) Remove(ctx context.Context, id int64) error {
	row, err := c.store.get(ctx, id)
	if err != nil {
		return err
	}

	if err := c.runtime.Remove(ctx, row.ExternalID); err != nil {
		if !errdefs.IsNotFound(err) {
			return err
		}
		log.Warn(fmt.Sprintf("Container %s missing from engine during remove, deleting record only", row.Name))
	}

	if err := c.store.delete(ctx, row.ID); err != nil {
		return err
	}
	plog3 := log.WithProjectID(row.ProjectID)
	plog3.Info().
		Str("container", row.Name).
		Msg("Container removed")
	return nil
}

// StopAllForProject stops every active container of a project,
// continuing past individual failures. Returns the number stopped.
func (c *Coordinator) StopAllForProject(ctx context.Context, projectID int64) (int, error) {
	active, err := c.store.listActiveForProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		plog4 := log.WithProjectID(projectID)
		plog4.Info().Msg("No active containers to stop")
		return 0, nil
	}

	stopped := 0
	for _, row := range active {
		if _, err := c.Stop(ctx, row.ID); err != nil {
			plog5 := log.WithProjectID(projectID)
			plog5.Error().
				Err(err).
				Int64("container_id", row.ID).
				Msg("Failed to stop container during project sweep")
			continue
		}
		stopped++
	}
	return stopped, nil
}

// ReportStatus handles a worker's status report. A manual-intervention
// report raises an alert in the KV store and notifies the project's
// members; a running report clears any standing alert. Notification
// failures never fail the report.
func (c *Coordinator) ReportStatus(ctx context.Context, projectID int64, workerID, status, message string) error {
	key := kv.ContainerAlertPrefix + workerID
	logger := log.WithWorkerID(workerID)

	switch status {
	case ReportNeedsIntervention:
		payload, err := json.Marshal(Alert{
			Status:    status,
			Message:   message,
			ProjectID: projectID,
		})
		if err != nil {
			return errdefs.Internal(err, "encode alert")
		}
		if err := c.kv.Set(ctx, key, string(payload)); err != nil {
			return err
		}
		metrics.ContainerAlerts.Inc()
		logger.Info().Msg("Worker alert recorded")

		c.notifyMembers(ctx, projectID, workerID)
		return nil

	case ReportRunning:
		if err := c.kv.Delete(ctx, key); err != nil {
			return err
		}
		logger.Info().Msg("Worker recovered, alert cleared")
		return nil

	default:
		logger.Warn().Str("status", status).Msg("Unknown worker status report")
		return nil
	}
}

func (c *Coordinator) notifyMembers(ctx context.Context, projectID int64, workerID string) {
	members, err := c.registry.NotifiableMembers(ctx, projectID)
	if err != nil {
		plog6 := log.WithProjectID(projectID)
		plog6.Error().Err(err).Msg("Failed to look up members for alert notification")
		return
	}
	if len(members) == 0 {
		plog7 := log.WithProjectID(projectID)
		plog7.Error().Msg("No members found to notify about worker alert")
		return
	}

	title := fmt.Sprintf("Container needs manual intervention (project %d)", projectID)
	content := "Worker ID: " + workerID

	for _, member := range members {
		if err := c.notifier.Push(ctx, member.PushKey, title, content); err != nil {
			plog8 := log.WithProjectID(projectID)
			plog8.Error().
				Err(err).
				Str("username", member.Username).
				Msg("Failed to deliver alert notification")
		}
	}
}

// ListAlerts returns every standing worker alert.
func (c *Coordinator) ListAlerts(ctx context.Context) ([]Alert, error) {
	keys, err := c.kv.KeysByPrefix(ctx, kv.ContainerAlertPrefix)
	if err != nil {
		return nil, err
	}

	alerts := []Alert{}
	for _, key := range keys {
		value, ok, err := c.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		var alert Alert
		if err := json.Unmarshal([]byte(value), &alert); err != nil {
			log.Error(fmt.Sprintf("Skipping malformed alert under %s: %v", key, err))
			continue
		}
		alert.WorkerID = strings.TrimPrefix(key, kv.ContainerAlertPrefix)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
