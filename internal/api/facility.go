package api

import (
	"net/http"
	"time"

	"facilityapi/pkg/domain"
)

func (s *Server) serveFacility(w http.ResponseWriter, r *http.Request, rest string) {
	facilityID, remainder := shift(rest)
	if facilityID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch remainder {
	case "":
		s.handleGetFacility(w, r, facilityID)
	case "cycles":
		s.handleFacilityCycles(w, r, facilityID)
	case "cycles/current":
		switch r.Method {
		case http.MethodGet:
			s.handleCurrentCycle(w, r, facilityID)
		case http.MethodPost:
			s.handleSetCurrentCycle(w, r, facilityID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "cycle_by_date":
		s.handleCycleByDate(w, r, facilityID)
	case "data-admins":
		switch r.Method {
		case http.MethodGet:
			s.handleFacilityDataAdmins(w, r, facilityID)
		case http.MethodPut:
			s.handleSetFacilityDataAdmins(w, r, facilityID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "healthy":
		s.handleFacilityHealthy(w, r, facilityID)
	default:
		// cycle/{name}/proposals
		head, tail := shift(remainder)
		if head == "cycle" {
			cycleName, action := shift(tail)
			if cycleName != "" && action == "proposals" {
				s.handleCycleProposals(w, r, facilityID, cycleName)
				return
			}
		}
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleListFacilities(w http.ResponseWriter, r *http.Request) {
	facilities, err := s.facilities.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, facilities)
}

func (s *Server) handleGetFacility(w http.ResponseWriter, r *http.Request, facilityID string) {
	f, err := s.facilities.Get(r.Context(), facilityID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFacilityCycles(w http.ResponseWriter, r *http.Request, facilityID string) {
	cycles, err := s.facilities.Cycles(r.Context(), facilityID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleCurrentCycle(w http.ResponseWriter, r *http.Request, facilityID string) {
	c, err := s.facilities.CurrentOperatingCycle(r.Context(), facilityID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSetCurrentCycle(w http.ResponseWriter, r *http.Request, facilityID string) {
	if _, ok := s.requireRole(w, r, domain.RoleAdmin); !ok {
		return
	}
	var body struct {
		Cycle string `json:"cycle"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Cycle == "" {
		writeError(w, http.StatusBadRequest, "a cycle name is required")
		return
	}
	c, err := s.facilities.SetCurrentOperatingCycle(r.Context(), facilityID, body.Cycle)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCycleByDate(w http.ResponseWriter, r *http.Request, facilityID string) {
	at := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		at = parsed
	}
	c, err := s.facilities.CycleByDate(r.Context(), facilityID, at)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCycleProposals(w http.ResponseWriter, r *http.Request, facilityID, cycleName string) {
	ids, err := s.facilities.CycleProposals(r.Context(), facilityID, cycleName)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": cycleName, "proposals": ids})
}

func (s *Server) handleFacilityDataAdmins(w http.ResponseWriter, r *http.Request, facilityID string) {
	admins, err := s.facilities.DataAdmins(r.Context(), facilityID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data_admins": admins})
}

func (s *Server) handleSetFacilityDataAdmins(w http.ResponseWriter, r *http.Request, facilityID string) {
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
	f, err := s.facilities.ReplaceDataAdmins(r.Context(), facilityID, body.DataAdmins)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFacilityHealthy(w http.ResponseWriter, r *http.Request, facilityID string) {
	healthy, err := s.facilities.Healthy(r.Context(), facilityID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facility": facilityID, "healthy": healthy})
}
