package api

import (
	"net/http"

	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/registry"
)

func (s *Server) handleInitTaskTable(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleOwner); err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Columns []string `json:"columns" validate:"required,min=1"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("columns must not be empty"))
		return
	}

	if err := s.dispatch.InitTaskTable(r.Context(), projectID, req.Columns); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"columns": req.Columns})
}

func (s *Server) handleInitResultTable(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleOwner); err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Columns []string `json:"columns" validate:"required,min=1"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("columns must not be empty"))
		return
	}

	if err := s.dispatch.InitResultTable(r.Context(), projectID, req.Columns); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"columns": req.Columns})
}

func (s *Server) handleAddTasks(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleMember); err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Data map[string][]any `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	inserted, err := s.dispatch.AddTasks(r.Context(), projectID, req.Data)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"inserted_count": inserted})
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		WorkerID string `json:"worker_id" validate:"required"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("worker_id is required"))
		return
	}

	task, err := s.dispatch.ClaimNext(r.Context(), projectID, req.WorkerID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, task)
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	taskID, err := pathID(r, "taskID")
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Data map[string]any `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	if err := s.dispatch.SubmitResult(r.Context(), projectID, taskID, req.Data); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"task_id": taskID})
}

func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	taskID, err := pathID(r, "taskID")
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Error string `json:"error,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	status, err := s.dispatch.ReportFailure(r.Context(), projectID, taskID, req.Error)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleMember); err != nil {
		respondErr(w, err)
		return
	}

	progress, err := s.dispatch.Progress(r.Context(), projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]float64{"progress": progress})
}

func (s *Server) handleResultsCount(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleMember); err != nil {
		respondErr(w, err)
		return
	}

	count, err := s.dispatch.ResultsCount(r.Context(), projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleMember); err != nil {
		respondErr(w, err)
		return
	}

	structure, err := s.dispatch.Structure(r.Context(), projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, structure)
}
