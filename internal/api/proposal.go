package api

import (
	"net/http"
	"strconv"
	"strings"

	"facilityapi/internal/store"
	"facilityapi/pkg/domain"
)

func (s *Server) serveProposal(w http.ResponseWriter, r *http.Request, path string) {
	switch {
	case path == "/proposals":
		s.handleListProposals(w, r)
	case strings.HasPrefix(path, "/proposals/"):
		s.serveProposalsCollection(w, r, strings.TrimPrefix(path, "/proposals/"))
	case strings.HasPrefix(path, "/proposal/"):
		s.serveSingleProposal(w, r, strings.TrimPrefix(path, "/proposal/"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) serveProposalsCollection(w http.ResponseWriter, r *http.Request, rest string) {
	head, tail := shift(rest)
	switch head {
	case "recent":
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "count must be a non-negative integer")
			return
		}
		s.handleRecentProposals(w, r, n)
	case "commissioning":
		s.handleCommissioningProposals(w, r)
	case "data-sessions":
		s.handleProposalDataSessions(w, r)
	case "search":
		s.handleSearchProposals(w, r, tail)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) serveSingleProposal(w http.ResponseWriter, r *http.Request, rest string) {
	head, tail := shift(rest)
	if head == "saf" {
		s.handleProposalBySAF(w, r, tail)
		return
	}
	proposalID := head
	if proposalID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch tail {
	case "":
		s.handleGetProposal(w, r, proposalID)
	case "users":
		s.handleProposalUsers(w, r, proposalID)
	case "principal-investigator":
		s.handlePrincipalInvestigator(w, r, proposalID)
	case "usernames":
		s.handleProposalUsernames(w, r, proposalID)
	case "directories":
		s.handleProposalDirectories(w, r, proposalID)
	case "data-session":
		s.handleProposalDataSession(w, r, proposalID)
	case "slack-channels":
		switch r.Method {
		case http.MethodGet:
			s.handleProposalSlackChannels(w, r, proposalID)
		case http.MethodPost:
			s.handleCreateSlackChannels(w, r, proposalID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ProposalFilter{
		Beamline: q.Get("beamline"),
		Cycle:    q.Get("cycle"),
		Facility: q.Get("facility"),
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	page, err := s.proposals.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRecentProposals(w http.ResponseWriter, r *http.Request, n int) {
	proposals, err := s.proposals.Recent(r.Context(), n)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) handleCommissioningProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.proposals.Commissioning(r.Context(), r.URL.Query().Get("beamline"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) handleProposalDataSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.proposals.DataSessions(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSearchProposals(w http.ResponseWriter, r *http.Request, query string) {
	if query == "" {
		query = r.URL.Query().Get("q")
	}
	matches, err := s.proposals.Search(r.Context(), query)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "proposals": matches, "count": len(matches)})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	p, err := s.proposals.Get(r.Context(), proposalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalBySAF(w http.ResponseWriter, r *http.Request, safID string) {
	p, err := s.proposals.BySafetyForm(r.Context(), safID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalUsers(w http.ResponseWriter, r *http.Request, proposalID string) {
	users, err := s.proposals.Users(r.Context(), proposalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handlePrincipalInvestigator(w http.ResponseWriter, r *http.Request, proposalID string) {
	pi, err := s.proposals.PrincipalInvestigator(r.Context(), proposalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pi)
}

func (s *Server) handleProposalUsernames(w http.ResponseWriter, r *http.Request, proposalID string) {
	usernames, err := s.proposals.Usernames(r.Context(), proposalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usernames)
}

func (s *Server) handleProposalDirectories(w http.ResponseWriter, r *http.Request, proposalID string) {
	dirs, err := s.proposals.Directories(r.Context(), proposalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dirs)
}

func (s *Server) handleProposalDataSession(w http.ResponseWriter, r *http.Request, proposalID string) {
	p, err := s.proposals.Get(r.Context(), proposalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal_id": p.ProposalID, "data_session": p.DataSession})
}

func (s *Server) handleProposalSlackChannels(w http.ResponseWriter, r *http.Request, proposalID string) {
	p, err := s.proposals.Get(r.Context(), proposalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.SlackChannels)
}

// handleCreateSlackChannels enqueues the channel derivation job for a
// proposal.
func (s *Server) handleCreateSlackChannels(w http.ResponseWriter, r *http.Request, proposalID string) {
	if _, ok := s.requireRole(w, r, domain.RoleAdmin); !ok {
		return
	}
	source, err := syncSourceFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.engine.Enqueue(r.Context(), domain.ActionCreateSlackChannel, source, domain.JobSyncParameters{
		ProposalID: &proposalID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
