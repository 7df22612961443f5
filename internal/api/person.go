package api

import (
	"errors"
	"net/http"

	"facilityapi/internal/upstream/people"
)

// writePeopleError maps directory lookup failures; the directory is an
// upstream dependency, so transport errors surface as 502.
func (s *Server) writePeopleError(w http.ResponseWriter, err error) {
	if errors.Is(err, people.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("people directory lookup failed", "error", err)
	writeError(w, http.StatusBadGateway, "people directory unavailable")
}

func (s *Server) servePerson(w http.ResponseWriter, r *http.Request, rest string) {
	head, tail := shift(rest)
	switch head {
	case "me":
		s.handlePersonMe(w, r)
	case "username":
		s.handlePersonByUsername(w, r, tail)
	case "email":
		s.handlePersonByEmail(w, r, tail)
	case "department":
		s.handlePersonByDepartment(w, r, tail)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handlePersonMe identifies the caller from their API key.
func (s *Server) handlePersonMe(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireKey(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": p.Username, "role": p.Role})
}

func (s *Server) handlePersonByUsername(w http.ResponseWriter, r *http.Request, username string) {
	if username == "" {
		writeError(w, http.StatusBadRequest, "a username is required")
		return
	}
	person, err := s.people.ByUsername(r.Context(), username)
	if err != nil {
		s.writePeopleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, person)
}

func (s *Server) handlePersonByEmail(w http.ResponseWriter, r *http.Request, email string) {
	if email == "" {
		writeError(w, http.StatusBadRequest, "an email address is required")
		return
	}
	person, err := s.people.ByEmail(r.Context(), email)
	if err != nil {
		s.writePeopleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, person)
}

func (s *Server) handlePersonByDepartment(w http.ResponseWriter, r *http.Request, department string) {
	if department == "" {
		writeError(w, http.StatusBadRequest, "a department is required")
		return
	}
	matches, err := s.people.ByDepartment(r.Context(), department)
	if err != nil {
		s.writePeopleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleDataSessionAccess reports which data sessions a username may read.
func (s *Server) handleDataSessionAccess(w http.ResponseWriter, r *http.Request, username string) {
	if username == "" {
		writeError(w, http.StatusBadRequest, "a username is required")
		return
	}
	access, err := s.proposals.SessionsForUser(r.Context(), username)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

// handleDataSessionLookup resolves a data session name to its proposal and
// beamlines.
func (s *Server) handleDataSessionLookup(w http.ResponseWriter, r *http.Request, session string) {
	if session == "" {
		writeError(w, http.StatusBadRequest, "a data session is required")
		return
	}
	info, err := s.proposals.DataSession(r.Context(), session)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
