package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"facilityapi/pkg/domain"
)

func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request, rest string) {
	if _, ok := s.requireRole(w, r, domain.RoleAdmin); !ok {
		return
	}
	head, tail := shift(rest)
	switch head {
	case "generate-api-key":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGenerateAPIKey(w, r, tail)
	case "revoke-api-keys":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRevokeAPIKeys(w, r, tail)
	case "user":
		// user/{username}/role/{role}
		username, remainder := shift(tail)
		verb, role := shift(remainder)
		if username == "" || verb != "role" || role == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleSetRole(w, r, username, role)
	case "proposals":
		s.handleProposalLocks(w, r, tail)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGenerateAPIKey(w http.ResponseWriter, r *http.Request, username string) {
	if username == "" {
		writeError(w, http.StatusBadRequest, "a username is required")
		return
	}
	plaintext, key, err := s.auth.IssueKey(r.Context(), username, r.URL.Query().Get("note"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":         plaintext,
		"first_eight": key.FirstEight,
		"expires_at":  key.ExpiresAt,
	})
}

func (s *Server) handleRevokeAPIKeys(w http.ResponseWriter, r *http.Request, username string) {
	if username == "" {
		writeError(w, http.StatusBadRequest, "a username is required")
		return
	}
	revoked, err := s.auth.Revoke(r.Context(), username)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": username, "revoked": revoked})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request, username, rawRole string) {
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := s.auth.SetRole(r.Context(), username, role)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleProposalLocks serves the bulk lock endpoints:
// PUT /admin/proposals/lock, PUT /admin/proposals/unlock,
// GET /admin/proposals/locked.
func (s *Server) handleProposalLocks(w http.ResponseWriter, r *http.Request, verb string) {
	switch verb {
	case "locked":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		locked, err := s.proposals.Locked(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": locked, "count": len(locked)})
	case "lock", "unlock":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			ProposalsToChange []string `json:"proposals_to_change"`
		}
		if err := decodeJSON(r, &body); err != nil || len(body.ProposalsToChange) == 0 {
			writeError(w, http.StatusBadRequest, "proposals_to_change is required")
			return
		}
		result, err := s.proposals.SetLocked(r.Context(), body.ProposalsToChange, verb == "lock")
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if result.AnyMissing() {
			missing, _ := json.Marshal(result.NotFound)
			writeError(w, http.StatusNotFound, fmt.Sprintf("Proposals %s not found. No action taken.", missing))
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// serveCycleLock serves PUT /cycle/{lock,unlock}/{cycle}/{facility}.
func (s *Server) serveCycleLock(w http.ResponseWriter, r *http.Request, rest string) {
	verb, tail := shift(rest)
	if verb != "lock" && verb != "unlock" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireRole(w, r, domain.RoleStaff); !ok {
		return
	}
	cycleName, facilityID := shift(tail)
	if facilityID == "" {
		facilityID = "nsls2"
	}
	changed, err := s.proposals.SetLockedCycle(r.Context(), facilityID, cycleName, verb == "lock")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"successful_proposals": changed, "failed_proposals": []string{}})
}
