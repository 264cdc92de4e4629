// Package api exposes the control plane over HTTP: task dispatch,
// container lifecycle, and proxy management, all behind a uniform
// {code, msg, data} envelope. Authentication happens upstream; this
// layer consumes pre-validated identity headers and enforces roles.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/dispider/dispider/pkg/dispatch"
	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/lifecycle"
	"github.com/dispider/dispider/pkg/metrics"
	"github.com/dispider/dispider/pkg/proxy"
	"github.com/dispider/dispider/pkg/registry"
)

// Server is the HTTP transport over the control-plane services.
type Server struct {
	registry  *registry.Registry
	dispatch  *dispatch.Engine
	lifecycle *lifecycle.Coordinator
	proxy     *proxy.Manager

	providersDir string
	validate     *validator.Validate
	router       *chi.Mux
}

// New wires the transport over the services and builds the route table.
func New(reg *registry.Registry, eng *dispatch.Engine, coord *lifecycle.Coordinator, pm *proxy.Manager, providersDir string) *Server {
	s := &Server{
		registry:     reg,
		dispatch:     eng,
		lifecycle:    coord,
		proxy:        pm,
		providersDir: providersDir,
		validate:     validator.New(),
		router:       chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", headerUserID, headerUserRole},
	}))
	r.Use(instrument)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withIdentity)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			// Worker endpoints. Workers carry no user identity; the
			// worker_id in the body is the bearer of its own authority.
			r.Post("/tasks/claim", s.handleClaimTask)
			r.Post("/tasks/{taskID}/result", s.handleSubmitResult)
			r.Post("/tasks/{taskID}/fail", s.handleReportFailure)
			r.Post("/containers/report-status", s.handleReportStatus)

			// Member and owner operations; role checks live in the
			// handlers because they are per-project.
			r.Post("/task-table", s.handleInitTaskTable)
			r.Post("/result-table", s.handleInitResultTable)
			r.Post("/tasks", s.handleAddTasks)
			r.Get("/progress", s.handleProgress)
			r.Get("/results/count", s.handleResultsCount)
			r.Get("/columns", s.handleColumns)
			r.Post("/containers", s.handleBatchCreate)
			r.Post("/containers/stop-all", s.handleStopAll)
			r.Post("/archive", s.handleArchive)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/containers", s.handleListContainers)
			r.Post("/containers/{containerID}/stop", s.handleStopContainer)
			r.Post("/containers/{containerID}/restart", s.handleRestartContainer)
			r.Delete("/containers/{containerID}", s.handleRemoveContainer)
			r.Get("/alerts", s.handleListAlerts)
		})

		r.Route("/proxy", func(r chi.Router) {
			r.Use(requireSuperAdmin)
			r.Post("/refresh", s.handleProxyRefresh)
			r.Post("/providers", s.handleProviderUpload)
			r.Get("/health", s.handleProxyHealth)
			r.Get("/mappings", s.handleProxyMappings)
			r.Get("/summary", s.handleProxySummary)
			r.Get("/clash", s.handleClashStatus)
			r.Get("/diagnose", s.handleProxyDiagnose)
			r.Post("/assign", s.handleProxyAssign)
			r.Post("/release", s.handleProxyRelease)
			r.Post("/reassign", s.handleForceReassign)
			r.Post("/reassign-all", s.handleReassignAll)
			r.Post("/blacklist/clear", s.handleClearBlacklist)
			r.Post("/recover", s.handleRecoverMappings)
		})
	})
}

// pathID parses a numeric URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, errdefs.InvalidArgument("malformed %s", name)
	}
	return id, nil
}
