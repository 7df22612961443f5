package api

import (
	"net/http"
	"strings"

	"facilityapi/internal/beamline"
	"facilityapi/pkg/domain"
)

func (s *Server) handleListBeamlines(w http.ResponseWriter, r *http.Request) {
	beamlines, err := s.beamlines.List(r.Context(), r.URL.Query().Get("facility"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beamlines)
}

func (s *Server) serveBeamline(w http.ResponseWriter, r *http.Request, rest string) {
	head, tail := shift(rest)

	// lock/unlock apply to the beamline named in the next segment.
	if head == "lock" || head == "unlock" {
		s.handleBeamlineLock(w, r, tail, head == "lock")
		return
	}

	name := head
	if name == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch strings.TrimSuffix(tail, "/") {
	case "":
		s.handleGetBeamline(w, r, name)
	case "service-accounts":
		s.handleServiceAccounts(w, r, name)
	case "services":
		switch r.Method {
		case http.MethodGet:
			s.handleBeamlineServices(w, r, name)
		case http.MethodPut:
			s.handleAddBeamlineService(w, r, name)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "detectors":
		switch r.Method {
		case http.MethodGet:
			s.handleDetectors(w, r, name)
		case http.MethodPost:
			s.handleAddDetector(w, r, name)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "proposal-directory-skeleton":
		s.handleDirectorySkeleton(w, r, name)
	case "network-locations":
		s.handleNetworkLocations(w, r, name)
	case "slack-channel-managers":
		s.handleSlackChannelManagers(w, r, name)
	case "data-root":
		s.handleDataRoot(w, r, name)
	case "data-admin-group":
		s.handleDataAdminGroup(w, r, name)
	case "data-admins":
		switch r.Method {
		case http.MethodGet:
			s.handleBeamlineDataAdmins(w, r, name)
		case http.MethodPut:
			s.handleSetBeamlineDataAdmins(w, r, name)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		// detectors/{directory_name}
		action, detector := shift(tail)
		if action == "detectors" && detector != "" && r.Method == http.MethodDelete {
			s.handleDeleteDetector(w, r, name, detector)
			return
		}
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetBeamline(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleServiceAccounts(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.ServiceAccounts)
}

func (s *Server) handleBeamlineServices(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Services)
}

func (s *Server) handleAddBeamlineService(w http.ResponseWriter, r *http.Request, name string) {
	if _, ok := s.requireRole(w, r, domain.RoleAdmin); !ok {
		return
	}
	var svc domain.BeamlineService
	if err := decodeJSON(r, &svc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	b, err := s.beamlines.AddService(r.Context(), name, svc)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b.Services)
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detectors": b.Detectors, "count": len(b.Detectors)})
}

func (s *Server) handleAddDetector(w http.ResponseWriter, r *http.Request, name string) {
	if _, ok := s.requireRole(w, r, domain.RoleAdmin); !ok {
		return
	}
	var det domain.Detector
	if err := decodeJSON(r, &det); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if det.DirectoryName == "" {
		writeError(w, http.StatusBadRequest, "a detector directory name is required")
		return
	}
	b, err := s.beamlines.AddDetector(r.Context(), name, det)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"detectors": b.Detectors, "count": len(b.Detectors)})
}

func (s *Server) handleDeleteDetector(w http.ResponseWriter, r *http.Request, name, detector string) {
	if _, ok := s.requireRole(w, r, domain.RoleAdmin); !ok {
		return
	}
	if err := s.beamlines.DeleteDetector(r.Context(), name, detector); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirectorySkeleton(w http.ResponseWriter, r *http.Request, name string) {
	dirs, err := s.beamlines.DirectorySkeleton(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dirs)
}

func (s *Server) handleNetworkLocations(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.NetworkLocations)
}

func (s *Server) handleSlackChannelManagers(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.SlackChannelManagers)
}

func (s *Server) handleDataRoot(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data_root": beamline.DataRootFor(b)})
}

func (s *Server) handleDataAdminGroup(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data_admin_group": beamline.DataAdminGroupFor(b)})
}

func (s *Server) handleBeamlineDataAdmins(w http.ResponseWriter, r *http.Request, name string) {
	b, err := s.beamlines.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data_admins": b.DataAdmins})
}

func (s *Server) handleSetBeamlineDataAdmins(w http.ResponseWriter, r *http.Request, name string) {
	if _, ok := s.requireRole(w, r, domain.RoleAdmin); !ok {
		return
	}
	var body struct {
		DataAdmins []string `json:"data_admins"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	b, err := s.beamlines.ReplaceDataAdmins(r.Context(), name, body.DataAdmins)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data_admins": b.DataAdmins})
}

// handleBeamlineLock applies or clears the lock flag on every proposal
// running at the beamline. Staff or a data admin for the beamline may do
// this.
func (s *Server) handleBeamlineLock(w http.ResponseWriter, r *http.Request, name string, lock bool) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireKey(w, r)
	if !ok {
		return
	}
	allowed, err := s.auth.IsDataAdmin(r.Context(), p, name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "not a data admin for this beamline")
		return
	}
	var changed []string
	if lock {
		changed, err = s.proposals.LockBeamline(r.Context(), name)
	} else {
		changed, err = s.proposals.UnlockBeamline(r.Context(), name)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"successful_proposals": changed, "failed_proposals": []string{}})
}
