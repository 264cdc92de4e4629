package api

import (
	"net/http"

	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/lifecycle"
	"github.com/dispider/dispider/pkg/registry"
)

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleOwner); err != nil {
		respondErr(w, err)
		return
	}

	var req lifecycle.BatchCreateRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("invalid batch request: %v", err))
		return
	}

	created, err := s.lifecycle.BatchCreate(r.Context(), projectID, req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, created)
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	containers, err := s.lifecycle.ListVisible(r.Context(), id.UserID, id.SuperAdmin)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, containers)
}

// canAccessContainer checks that the caller belongs to the container's
// project. Super admins see everything.
func (s *Server) canAccessContainer(r *http.Request, containerID int64) (*lifecycle.Container, error) {
	id, ok := identityFrom(r.Context())
	if !ok {
		return nil, errdefs.ErrUnauthenticated
	}

	row, err := s.lifecycle.Get(r.Context(), containerID)
	if err != nil {
		return nil, err
	}
	if id.SuperAdmin {
		return row, nil
	}

	if _, err := s.registry.MemberRole(r.Context(), row.ProjectID, id.UserID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.ErrPermissionDenied
		}
		return nil, err
	}
	return row, nil
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	containerID, err := pathID(r, "containerID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if _, err := s.canAccessContainer(r, containerID); err != nil {
		respondErr(w, err)
		return
	}

	row, err := s.lifecycle.Stop(r.Context(), containerID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, row)
}

func (s *Server) handleRestartContainer(w http.ResponseWriter, r *http.Request) {
	containerID, err := pathID(r, "containerID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if _, err := s.canAccessContainer(r, containerID); err != nil {
		respondErr(w, err)
		return
	}

	row, err := s.lifecycle.Restart(r.Context(), containerID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, row)
}

func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	containerID, err := pathID(r, "containerID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if _, err := s.canAccessContainer(r, containerID); err != nil {
		respondErr(w, err)
		return
	}

	if err := s.lifecycle.Remove(r.Context(), containerID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleOwner); err != nil {
		respondErr(w, err)
		return
	}

	stopped, err := s.lifecycle.StopAllForProject(r.Context(), projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.requireProjectRole(r.Context(), projectID, registry.RoleOwner); err != nil {
		respondErr(w, err)
		return
	}

	stopped, err := s.lifecycle.StopAllForProject(r.Context(), projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.registry.SetProjectStatus(r.Context(), projectID, registry.StatusArchived); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		WorkerID string `json:"worker_id" validate:"required"`
		Status   string `json:"status" validate:"required"`
		Message  string `json:"message,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("worker_id and status are required"))
		return
	}

	if err := s.lifecycle.ReportStatus(r.Context(), projectID, req.WorkerID, req.Status, req.Message); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.lifecycle.ListAlerts(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, alerts)
}
