package api

import (
	"net/http"
	"runtime"
	"time"

	"facilityapi/internal/proposal"
	"facilityapi/internal/store"
	"facilityapi/pkg/domain"
)

// CycleCount pairs a cycle with its proposal count.
type CycleCount struct {
	Cycle     string `json:"cycle"`
	Facility  string `json:"facility"`
	Proposals int    `json:"proposal_count"`
}

// Stats summarises the size of the store.
type Stats struct {
	Facilities    int          `json:"facility_count"`
	Beamlines     int          `json:"beamline_count"`
	Proposals     int          `json:"proposal_count"`
	Cycles        int          `json:"cycle_count"`
	Commissioning int          `json:"commissioning_proposal_count"`
	PendingJobs   int          `json:"pending_job_count"`
	PerCycle      []CycleCount `json:"proposals_per_cycle"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats Stats
	err := s.store.View(r.Context(), func(v store.View) error {
		stats.Facilities = len(v.ListFacilities())
		stats.Beamlines = len(v.ListBeamlines(""))
		stats.Proposals = v.CountProposals(store.ProposalFilter{})
		for _, p := range v.ListProposals(store.ProposalFilter{}) {
			if proposal.IsCommissioning(p) {
				stats.Commissioning++
			}
		}
		for _, f := range v.ListFacilities() {
			for _, c := range v.ListCycles(f.FacilityID) {
				stats.Cycles++
				stats.PerCycle = append(stats.PerCycle, CycleCount{
					Cycle:     c.Name,
					Facility:  f.FacilityID,
					Proposals: len(c.Proposals),
				})
			}
		}
		stats.PendingJobs = len(v.ListJobs(domain.JobStatusAwaiting)) + len(v.ListJobs(domain.JobStatusProcessing))
		return nil
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "facilityapi",
		"version":    s.version,
		"go_version": runtime.Version(),
		"started":    s.started,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	})
}

// handleHealthy reports the health of every facility: each must have
// exactly one current operating cycle.
func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	type facilityHealth struct {
		Facility string `json:"facility"`
		Healthy  bool   `json:"healthy"`
	}
	var (
		results []facilityHealth
		allOK   = true
	)
	err := s.store.View(r.Context(), func(v store.View) error {
		for _, f := range v.ListFacilities() {
			_, ok := v.CurrentOperatingCycle(f.FacilityID)
			allOK = allOK && ok
			results = append(results, facilityHealth{Facility: f.FacilityID, Healthy: ok})
		}
		return nil
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": allOK, "facilities": results})
}
