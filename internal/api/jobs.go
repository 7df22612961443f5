package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"facilityapi/pkg/domain"
)

// syncSourceFrom reads the sync_source query parameter, defaulting to PASS.
func syncSourceFrom(r *http.Request) (domain.SyncSource, error) {
	raw := r.URL.Query().Get("sync_source")
	if raw == "" {
		return domain.SyncSourcePASS, nil
	}
	source, err := domain.ParseSyncSource(strings.ToLower(raw))
	if err != nil {
		return "", fmt.Errorf("sync_source must be one of pass, ups")
	}
	return source, nil
}

func (s *Server) serveJobs(w http.ResponseWriter, r *http.Request, path string) {
	switch {
	case strings.HasPrefix(path, "/jobs/check-status/"):
		s.handleJobStatus(w, r, strings.TrimPrefix(path, "/jobs/check-status/"))
	case path == "/jobs/pending":
		s.handlePendingJobs(w, r)
	case strings.HasPrefix(path, "/sync/"):
		s.serveSync(w, r, strings.TrimPrefix(path, "/sync/"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.engine.Job(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePendingJobs(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.Pending(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": pending, "count": len(pending)})
}

// serveSync maps the /sync routes to background job enqueues. Every route
// requires a key; the job id comes back immediately.
func (s *Server) serveSync(w http.ResponseWriter, r *http.Request, rest string) {
	if _, ok := s.requireKey(w, r); !ok {
		return
	}
	source, err := syncSourceFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	facilityQuery := r.URL.Query().Get("facility")

	var (
		action domain.JobAction
		params domain.JobSyncParameters
	)
	head, tail := shift(rest)
	switch head {
	case "dataadmins":
		action = domain.ActionSynchronizeAdmins
		params.Facility = optionalParam(facilityQuery)
	case "proposal":
		sub, remainder := shift(tail)
		if sub == "types" {
			// /sync/proposal/types/{facility}
			action = domain.ActionSynchronizeProposalTypes
			params.Facility = optionalParam(remainder)
		} else {
			// /sync/proposal/{proposal_id}
			action = domain.ActionSynchronizeProposal
			params.ProposalID = optionalParam(sub)
			params.Facility = optionalParam(facilityQuery)
		}
	case "proposals":
		sub, remainder := shift(tail)
		switch sub {
		case "cycle":
			// /sync/proposals/cycle/{cycle}
			action = domain.ActionSynchronizeProposalsForCycle
			params.CycleName = optionalParam(remainder)
			params.Facility = optionalParam(facilityQuery)
		case "":
			writeError(w, http.StatusNotFound, "not found")
			return
		default:
			// /sync/proposals/{facility}
			action = domain.ActionSynchronizeAllProposals
			params.Facility = optionalParam(sub)
		}
	case "facility":
		// /sync/facility/{facility}/proposal/{id}
		// /sync/facility/{facility}/cycle/{cycle}/proposals
		facilityID, remainder := shift(tail)
		sub, arg := shift(remainder)
		params.Facility = optionalParam(facilityID)
		switch sub {
		case "proposal":
			action = domain.ActionSynchronizeProposal
			params.ProposalID = optionalParam(arg)
		case "cycle":
			cycleName, verb := shift(arg)
			if verb != "proposals" {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			action = domain.ActionSynchronizeProposalsForCycle
			params.CycleName = optionalParam(cycleName)
		default:
			writeError(w, http.StatusNotFound, "not found")
			return
		}
	case "cycles":
		// /sync/cycles/{facility}
		action = domain.ActionSynchronizeCycles
		params.Facility = optionalParam(tail)
	case "update-cycles":
		// /sync/update-cycles/{facility}
		action = domain.ActionUpdateCycleInformation
		params.Facility = optionalParam(tail)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if raw := r.URL.Query().Get("year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "year must be an integer")
			return
		}
		params.Year = &year
	}

	job, err := s.engine.Enqueue(r.Context(), action, source, params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func optionalParam(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
