package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dispider/dispider/pkg/dispatch"
	"github.com/dispider/dispider/pkg/kv"
	"github.com/dispider/dispider/pkg/lifecycle"
	"github.com/dispider/dispider/pkg/proxy"
	"github.com/dispider/dispider/pkg/registry"
	"github.com/dispider/dispider/pkg/runtime"
)

type stubRuntime struct{}

func (stubRuntime) EnsureImage(ctx context.Context, image string) error { return nil }
func (stubRuntime) RunWorker(ctx context.Context, spec runtime.WorkerSpec) (string, error) {
	return "engine-" + spec.Name, nil
}
func (stubRuntime) Stop(ctx context.Context, containerID string) error    { return nil }
func (stubRuntime) Restart(ctx context.Context, containerID string) error { return nil }
func (stubRuntime) Remove(ctx context.Context, containerID string) error  { return nil }
func (stubRuntime) RestartByName(ctx context.Context, name string) error  { return nil }

type serverFixture struct {
	server       *Server
	mock         sqlmock.Sqlmock
	kv           *kv.Store
	providersDir string
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	red := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: red.Addr()}))
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	providersDir := filepath.Join(dir, "providers")
	require.NoError(t, os.MkdirAll(providersDir, 0o755))

	reg := registry.New(sqlxDB)
	rt := stubRuntime{}
	coord := lifecycle.NewCoordinator(sqlxDB, rt, store, reg, lifecycle.NewNotifier("http://127.0.0.1:0"), lifecycle.Config{
		APIBaseURL:    "http://backend:8000",
		ContainerHost: "http://localhost",
		WorkspaceDir:  "/srv/dispider/projects",
		PortStart:     30000,
	})
	pm := proxy.NewManager(
		store,
		proxy.NewConfigFile(filepath.Join(dir, "config.yaml")),
		providersDir,
		proxy.NewAdminClient("http://127.0.0.1:0"),
		rt,
		"dispider-clash",
	)

	return &serverFixture{
		server:       New(reg, dispatch.NewEngine(sqlxDB, 3), coord, pm, providersDir),
		mock:         mock,
		kv:           store,
		providersDir: providersDir,
	}
}

func (fx *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, rec.Code, env.Code, "envelope code mirrors HTTP status")
	return rec, env
}

func asSuperAdmin() map[string]string {
	return map[string]string{headerUserID: "1", headerUserRole: roleSuperAdmin}
}

func asUser(id string) map[string]string {
	return map[string]string{headerUserID: id}
}

func TestLiveness(t *testing.T) {
	fx := newTestServer(t)

	rec, env := fx.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", env.Msg)
}

func TestAuthGuards(t *testing.T) {
	fx := newTestServer(t)

	rec, env := fx.do(t, http.MethodGet, "/api/v1/containers", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, env.Data)

	rec, _ = fx.do(t, http.MethodPost, "/api/v1/proxy/refresh", nil, asUser("7"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = fx.do(t, http.MethodPost, "/api/v1/proxy/refresh", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedIdentityHeader(t *testing.T) {
	fx := newTestServer(t)

	rec, _ := fx.do(t, http.MethodGet, "/api/v1/containers", nil, map[string]string{headerUserID: "not-a-number"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimTask(t *testing.T) {
	fx := newTestServer(t)

	rows := sqlmock.NewRows([]string{"id", "url", "status", "worker_id", "retry_count"}).
		AddRow(int64(1), "http://a", "in_progress", "w-A", 0)
	fx.mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WithArgs("w-A").WillReturnRows(rows)

	rec, env := fx.do(t, http.MethodPost, "/api/v1/projects/7/tasks/claim",
		map[string]string{"worker_id": "w-A"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, data["id"])
	taskData, ok := data["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "http://a", taskData["url"])
}

func TestClaimTask_NothingAvailable(t *testing.T) {
	fx := newTestServer(t)

	fx.mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WithArgs("w-A").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec, env := fx.do(t, http.MethodPost, "/api/v1/projects/7/tasks/claim",
		map[string]string{"worker_id": "w-A"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, env.Data)
}

func TestClaimTask_RequiresWorkerID(t *testing.T) {
	fx := newTestServer(t)

	rec, _ := fx.do(t, http.MethodPost, "/api/v1/projects/7/tasks/claim",
		map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgress_SuperAdminBypassesMembership(t *testing.T) {
	fx := newTestServer(t)

	fx.mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	// Table existence probe, then the aggregate.
	fx.mock.ExpectQuery("information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	fx.mock.ExpectQuery("COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"total", "completed"}).AddRow(4, 1))

	rec, env := fx.do(t, http.MethodGet, "/api/v1/projects/7/progress", nil, asSuperAdmin())

	require.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	require.InDelta(t, 0.25, data["progress"], 0.0001)
}

func TestProgress_NonMemberForbidden(t *testing.T) {
	fx := newTestServer(t)

	fx.mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	fx.mock.ExpectQuery("SELECT role FROM project_members").WithArgs(int64(7), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}))

	rec, _ := fx.do(t, http.MethodGet, "/api/v1/projects/7/progress", nil, asUser("9"))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProgress_ProjectMissing(t *testing.T) {
	fx := newTestServer(t)

	fx.mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	rec, _ := fx.do(t, http.MethodGet, "/api/v1/projects/7/progress", nil, asUser("9"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitTaskTable_RequiresOwner(t *testing.T) {
	fx := newTestServer(t)

	fx.mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	fx.mock.ExpectQuery("SELECT role FROM project_members").WithArgs(int64(7), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(registry.RoleMember))

	rec, _ := fx.do(t, http.MethodPost, "/api/v1/projects/7/task-table",
		map[string]any{"columns": []string{"url"}}, asUser("3"))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReportStatusAndAlerts(t *testing.T) {
	fx := newTestServer(t)
	ctx := context.Background()

	// Member lookup for the notification fan-out; nobody to notify.
	fx.mock.ExpectQuery("JOIN project_members").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "username", "role", "push_key"}))

	rec, _ := fx.do(t, http.MethodPost, "/api/v1/projects/2/containers/report-status",
		map[string]string{"worker_id": "w-X", "status": "needs_manual_intervention", "message": "captcha"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	value, ok, err := fx.kv.Get(ctx, kv.ContainerAlertPrefix+"w-X")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, value, "captcha")

	rec, env := fx.do(t, http.MethodGet, "/api/v1/alerts", nil, asUser("5"))
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := env.Data.([]any)
	require.Len(t, alerts, 1)
	require.Equal(t, "w-X", alerts[0].(map[string]any)["worker_id"])

	rec, _ = fx.do(t, http.MethodPost, "/api/v1/projects/2/containers/report-status",
		map[string]string{"worker_id": "w-X", "status": "running"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, err = fx.kv.Get(ctx, kv.ContainerAlertPrefix+"w-X")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProviderUpload(t *testing.T) {
	fx := newTestServer(t)

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", "sub.yaml")
	require.NoError(t, err)
	_, err = part.Write([]byte("proxies:\n  - name: 香港 01\n    type: ss\n"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proxy/providers", body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	for k, v := range asSuperAdmin() {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, err = os.Stat(filepath.Join(fx.providersDir, "sub.yaml"))
	require.NoError(t, err)

	groups, err := fx.kv.ListAll(context.Background(), kv.ProxyGroupsListKey)
	require.NoError(t, err)
	require.Equal(t, []string{"[Auto] 香港"}, groups, "upload triggers a refresh")
}

func TestValidateProviderFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{"plain yml", "sub.yml", false},
		{"plain yaml", "provider-1.yaml", false},
		{"traversal", "../evil.yaml", true},
		{"absolute", "/etc/passwd.yaml", true},
		{"backslash", `dir\sub.yaml`, true},
		{"wrong extension", "sub.txt", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateProviderFilename(tt.filename)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestClearBlacklistEndpoint(t *testing.T) {
	fx := newTestServer(t)

	// Empty body sweeps expired entries; nothing to clear here.
	rec, env := fx.do(t, http.MethodPost, "/api/v1/proxy/blacklist/clear", nil, asSuperAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	require.Empty(t, data["cleared"])

	rec, _ = fx.do(t, http.MethodPost, "/api/v1/proxy/blacklist/clear",
		map[string]string{"group_name": "[Auto] 香港"}, asSuperAdmin())
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPathIDValidation(t *testing.T) {
	fx := newTestServer(t)

	rec, _ := fx.do(t, http.MethodPost, "/api/v1/projects/abc/tasks/claim",
		map[string]string{"worker_id": "w"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchCreate_InvalidCount(t *testing.T) {
	fx := newTestServer(t)

	fx.mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec, _ := fx.do(t, http.MethodPost, "/api/v1/projects/3/containers",
		map[string]any{"image": "dispider:latest", "container_count": 0}, asSuperAdmin())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnvelopeOnError(t *testing.T) {
	fx := newTestServer(t)

	rec, env := fx.do(t, http.MethodGet, "/api/v1/containers", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, http.StatusUnauthorized, env.Code)
	require.True(t, strings.Contains(env.Msg, "unauthenticated"))
	require.Nil(t, env.Data)
}
