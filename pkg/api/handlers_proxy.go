package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/log"
)

func (s *Server) handleProxyRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.Refresh(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// maxProviderSize bounds uploaded provider files.
const maxProviderSize = 10 << 20

func (s *Server) handleProviderUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxProviderSize); err != nil {
		respondErr(w, errdefs.InvalidArgument("malformed multipart request: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondErr(w, errdefs.InvalidArgument("missing provider file"))
		return
	}
	defer file.Close()

	name := header.Filename
	if err := validateProviderFilename(name); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(file, maxProviderSize))
	if err != nil {
		respondErr(w, errdefs.Internal(err, "read provider upload"))
		return
	}

	dest := filepath.Join(s.providersDir, name)
	if err := os.WriteFile(dest, payload, 0o644); err != nil {
		respondErr(w, errdefs.Internal(err, "write provider file"))
		return
	}
	log.Info(fmt.Sprintf("Provider file %s uploaded (%d bytes)", name, len(payload)))

	if err := s.proxy.Refresh(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"filename": name})
}

// validateProviderFilename rejects anything that could escape the
// providers directory or that the refresh would not pick up.
func validateProviderFilename(name string) error {
	if name == "" || name != filepath.Base(name) ||
		strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) {
		return errdefs.InvalidArgument("unsafe provider filename %q", name)
	}
	if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
		return errdefs.InvalidArgument("provider file must be .yml or .yaml")
	}
	return nil
}

func (s *Server) handleProxyHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.proxy.GroupsHealth(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (s *Server) handleProxyMappings(w http.ResponseWriter, r *http.Request) {
	report, err := s.proxy.ContainerMappings(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (s *Server) handleProxySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.proxy.Summary(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, summary)
}

func (s *Server) handleClashStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.proxy.CheckClash(r.Context()))
}

func (s *Server) handleProxyDiagnose(w http.ResponseWriter, r *http.Request) {
	diagnosis, err := s.proxy.Diagnose(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, diagnosis)
}

type containerIPRequest struct {
	ContainerIP string `json:"container_ip" validate:"required,ip4_addr"`
}

func (s *Server) handleProxyAssign(w http.ResponseWriter, r *http.Request) {
	var req containerIPRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("container_ip must be a valid IPv4 address"))
		return
	}

	group, err := s.proxy.Assign(r.Context(), req.ContainerIP)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"assigned_group": group})
}

func (s *Server) handleProxyRelease(w http.ResponseWriter, r *http.Request) {
	var req containerIPRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("container_ip must be a valid IPv4 address"))
		return
	}

	if err := s.proxy.Release(r.Context(), req.ContainerIP); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleForceReassign(w http.ResponseWriter, r *http.Request) {
	var req containerIPRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondErr(w, errdefs.InvalidArgument("container_ip must be a valid IPv4 address"))
		return
	}

	result, err := s.proxy.ForceReassign(r.Context(), req.ContainerIP)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleReassignAll(w http.ResponseWriter, r *http.Request) {
	moved, err := s.proxy.ReassignAll(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"reassigned": moved})
}

func (s *Server) handleClearBlacklist(w http.ResponseWriter, r *http.Request) {
	// The body is optional: no group name means "sweep expired entries".
	var req struct {
		GroupName string `json:"group_name,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	cleared, err := s.proxy.ClearBlacklist(r.Context(), req.GroupName)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleRecoverMappings(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.RecoverMappings(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}
