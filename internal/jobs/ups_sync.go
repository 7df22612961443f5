package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"facilityapi/internal/metrics"
	"facilityapi/internal/store"
	"facilityapi/internal/strutil"
	"facilityapi/internal/upstream/people"
	"facilityapi/internal/upstream/ups"
	"facilityapi/pkg/domain"
)

// UPSAPI is the slice of the universal proposal system client the
// synchronizer needs.
type UPSAPI interface {
	Proposals(ctx context.Context, query string) ([]ups.Record, error)
	ProposalTypes(ctx context.Context) ([]ups.Record, error)
	RunCycles(ctx context.Context) ([]ups.Record, error)
	TimeRequests(ctx context.Context, proposalSysID string) ([]ups.Record, error)
	User(ctx context.Context, sysID string) (ups.Record, error)
}

// UPSSynchronizer executes sync jobs against the universal proposal system.
type UPSSynchronizer struct {
	localOps
	ups    UPSAPI
	people PeopleAPI
}

// NewUPSSynchronizer constructs a synchronizer backed by the universal
// proposal system.
func NewUPSSynchronizer(s store.Store, upsAPI UPSAPI, peopleAPI PeopleAPI, groups GroupsAPI, logger *slog.Logger, m *metrics.Metrics) *UPSSynchronizer {
	return &UPSSynchronizer{
		localOps: localOps{store: s, groups: groups, logger: logger, metrics: m, source: domain.SyncSourceUPS},
		ups:      upsAPI,
		people:   peopleAPI,
	}
}

// Run dispatches one job.
func (s *UPSSynchronizer) Run(ctx context.Context, job domain.BackgroundJob) error {
	switch job.Action {
	case domain.ActionSynchronizeProposalTypes:
		return s.fail(s.syncProposalTypes(ctx, facilityParam(job)))
	case domain.ActionSynchronizeCycles:
		return s.fail(s.syncCycles(ctx, facilityParam(job)))
	case domain.ActionSynchronizeProposal:
		if job.Parameters.ProposalID == nil {
			return fmt.Errorf("%s requires a proposal id", job.Action)
		}
		return s.fail(s.syncProposal(ctx, facilityParam(job), *job.Parameters.ProposalID))
	case domain.ActionSynchronizeAllProposals:
		return s.fail(s.syncAllProposals(ctx, facilityParam(job)))
	case domain.ActionSynchronizeProposalsForCycle:
		if job.Parameters.CycleName == nil {
			return fmt.Errorf("%s requires a cycle name", job.Action)
		}
		return s.fail(s.syncProposalsForCycle(ctx, facilityParam(job), *job.Parameters.CycleName))
	case domain.ActionUpdateCycleInformation:
		return s.updateCycleInformation(ctx, facilityParam(job))
	case domain.ActionSynchronizeAdmins:
		return s.syncAdmins(ctx, facilityParam(job))
	case domain.ActionCreateSlackChannel:
		if job.Parameters.ProposalID == nil {
			return fmt.Errorf("%s requires a proposal id", job.Action)
		}
		return s.createSlackChannel(ctx, *job.Parameters.ProposalID)
	default:
		return fmt.Errorf("ups synchronizer cannot handle action %q", job.Action)
	}
}

// facilityUPSID resolves the facility's sys_id in the universal proposal
// system.
func (s *UPSSynchronizer) facilityUPSID(ctx context.Context, facilityID string) (string, error) {
	var upsID string
	err := s.store.View(ctx, func(v store.View) error {
		f, ok := v.FindFacility(facilityID)
		if !ok {
			return fmt.Errorf("facility %s: %w", facilityID, store.ErrNotFound)
		}
		if f.UPSID == nil || *f.UPSID == "" {
			return fmt.Errorf("facility %s has no universal proposal system identifier", facilityID)
		}
		upsID = *f.UPSID
		return nil
	})
	return upsID, err
}

func (s *UPSSynchronizer) syncProposalTypes(ctx context.Context, facilityID string) error {
	upsID, err := s.facilityUPSID(ctx, facilityID)
	if err != nil {
		return err
	}
	records, err := s.ups.ProposalTypes(ctx)
	if err != nil {
		return fmt.Errorf("fetch proposal types: %w", err)
	}
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		for _, rec := range records {
			if rec.Get("u_facility") != upsID {
				continue
			}
			sysID := rec.Get("sys_id")
			if sysID == "" {
				continue
			}
			pt := domain.ProposalType{
				Code:        rec.Display("u_type"),
				Description: rec.Display("u_name"),
				Facility:    facilityID,
				UPSID:       optional(sysID),
				UPSType:     optional(rec.Get("u_type")),
			}
			if active, err := strutil.ToBool(rec.Get("u_active")); err == nil {
				pt.Active = &active
			} else if rec.Get("u_active") != "" {
				s.logger.Warn("unparsable proposal type active flag", "sys_id", sysID, "value", rec.Get("u_active"))
			}
			if _, err := tx.UpsertProposalType(pt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *UPSSynchronizer) syncCycles(ctx context.Context, facilityID string) error {
	upsID, err := s.facilityUPSID(ctx, facilityID)
	if err != nil {
		return err
	}
	records, err := s.ups.RunCycles(ctx)
	if err != nil {
		return fmt.Errorf("fetch run cycles: %w", err)
	}
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		for _, rec := range records {
			if rec.Get("u_facility") != upsID {
				continue
			}
			name := rec.Display("u_name")
			if name == "" {
				continue
			}
			cycle := domain.Cycle{
				Name:     name,
				Facility: facilityID,
				UPSID:    optional(rec.Get("sys_id")),
				Start:    parseUPSTime(rec.Get("u_start_date")),
				End:      parseUPSTime(rec.Get("u_end_date")),
			}
			// The run cycle table has no year column; the display title
			// leads with it.
			if len(name) >= 4 {
				if year, err := strconv.Atoi(name[:4]); err == nil {
					cycle.Year = &year
				}
			}
			if raw := rec.Get("u_accepting_proposals"); raw != "" {
				if accepting, err := strutil.ToBool(raw); err == nil {
					cycle.Accepting = &accepting
				} else {
					s.logger.Warn("unparsable accepting flag", "cycle", name, "value", raw)
				}
			}
			if _, err := tx.UpsertCycle(cycle); err != nil {
				return err
			}
		}
		return nil
	})
}

// syncProposalsForCycle maps the cycle's proposal membership out of the
// universal proposal system and mirrors it onto the local records.
// Proposals the store has never seen are logged and skipped; a later
// proposal sync re-links them.
func (s *UPSSynchronizer) syncProposalsForCycle(ctx context.Context, facilityID, cycleName string) error {
	var cycleUPSID string
	err := s.store.View(ctx, func(v store.View) error {
		c, ok := v.FindCycle(facilityID, cycleName)
		if !ok {
			return fmt.Errorf("cycle %s at %s: %w", cycleName, facilityID, store.ErrNotFound)
		}
		if c.UPSID == nil || *c.UPSID == "" {
			return fmt.Errorf("cycle %s has no universal proposal system identifier", cycleName)
		}
		cycleUPSID = *c.UPSID
		return nil
	})
	if err != nil {
		return err
	}
	records, err := s.ups.Proposals(ctx, "u_run_cycle="+cycleUPSID)
	if err != nil {
		return fmt.Errorf("fetch proposals for cycle %s: %w", cycleName, err)
	}

	var ids []string
	seen := map[string]struct{}{}
	for _, rec := range records {
		id := rec.Get("u_proposal_number")
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.UpdateCycle(facilityID, cycleName, func(c *domain.Cycle) error {
			c.Proposals = unionStrings(c.Proposals, ids)
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := tx.FindProposal(id); !ok {
				s.logger.Warn("cycle proposal not in store, skipping", "proposal_id", id, "cycle", cycleName)
				continue
			}
			if _, err := tx.UpdateProposal(id, func(p *domain.Proposal) error {
				p.Cycles = unionStrings(p.Cycles, []string{cycleName})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// syncProposal rebuilds one proposal from its universal proposal system
// record.
func (s *UPSSynchronizer) syncProposal(ctx context.Context, facilityID, proposalID string) error {
	if _, err := s.facilityUPSID(ctx, facilityID); err != nil {
		return err
	}
	records, err := s.ups.Proposals(ctx, "u_proposal_number="+proposalID)
	if err != nil {
		return fmt.Errorf("fetch proposal %s: %w", proposalID, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("proposal %s not in universal proposal system", proposalID)
	}
	proposal := s.proposalFromRecord(ctx, records[0])
	return s.upsertMerged(ctx, proposal)
}

// syncAllProposals walks the facility's proposal types and imports every
// proposal filed under each of them.
func (s *UPSSynchronizer) syncAllProposals(ctx context.Context, facilityID string) error {
	upsID, err := s.facilityUPSID(ctx, facilityID)
	if err != nil {
		return err
	}
	types, err := s.ups.ProposalTypes(ctx)
	if err != nil {
		return fmt.Errorf("fetch proposal types: %w", err)
	}
	for _, t := range types {
		if t.Get("u_facility") != upsID {
			continue
		}
		sysID := t.Get("sys_id")
		if sysID == "" {
			continue
		}
		records, err := s.ups.Proposals(ctx, "u_proposal_type="+sysID)
		if err != nil {
			return fmt.Errorf("fetch proposals of type %s: %w", t.Display("u_name"), err)
		}
		for _, rec := range records {
			proposal := s.proposalFromRecord(ctx, rec)
			if proposal.ProposalID == "" {
				s.logger.Warn("proposal record without number, skipping", "sys_id", rec.Get("sys_id"))
				continue
			}
			if err := s.upsertMerged(ctx, proposal); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertMerged stores the rebuilt proposal. Safety forms only exist in
// PASS, so the existing ones survive; instruments survive only when the
// time-request lookup yielded none.
func (s *UPSSynchronizer) upsertMerged(ctx context.Context, proposal domain.Proposal) error {
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		if existing, ok := tx.FindProposal(proposal.ProposalID); ok {
			proposal.SafetyForms = existing.SafetyForms
			if len(proposal.Instruments) == 0 {
				proposal.Instruments = existing.Instruments
			}
		}
		_, err := tx.UpsertProposal(proposal)
		return err
	})
}

func (s *UPSSynchronizer) proposalFromRecord(ctx context.Context, rec ups.Record) domain.Proposal {
	proposalID := rec.Get("u_proposal_number")
	proposal := domain.Proposal{
		ProposalID:  proposalID,
		Title:       rec.Display("u_title"),
		UPSID:       optional(rec.Get("sys_id")),
		UPSType:     optional(rec.Get("u_proposal_type")),
		Users:       s.proposalUsers(ctx, rec),
		Instruments: s.requestedBeamlines(ctx, rec.Get("sys_id")),
		LastUpdated: time.Now().UTC(),
	}
	if proposalID != "" {
		session := "ups-" + proposalID
		proposal.DataSession = &session
	}
	if display := rec.Display("u_proposal_type"); display != "" {
		proposal.Type = &display
	}
	return proposal
}

// requestedBeamlines resolves the proposal's beamlines from its experiment
// time requests, matched against the locally known beamline sys_ids.
func (s *UPSSynchronizer) requestedBeamlines(ctx context.Context, proposalSysID string) []string {
	if proposalSysID == "" {
		return nil
	}
	requests, err := s.ups.TimeRequests(ctx, proposalSysID)
	if err != nil {
		s.logger.Warn("time request lookup failed", "proposal_sys_id", proposalSysID, "error", err)
		return nil
	}
	index, err := s.beamlineUPSIndex(ctx)
	if err != nil {
		s.logger.Warn("beamline index unavailable", "error", err)
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	for _, req := range requests {
		beamlineID := req.Get("u_beamline")
		name, ok := index[beamlineID]
		if !ok {
			if beamlineID != "" {
				s.logger.Warn("time request names unknown beamline, skipping", "beamline_sys_id", beamlineID)
			}
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (s *UPSSynchronizer) beamlineUPSIndex(ctx context.Context) (map[string]string, error) {
	index := map[string]string{}
	err := s.store.View(ctx, func(v store.View) error {
		for _, b := range v.ListBeamlines("") {
			if b.UPSID != nil && *b.UPSID != "" {
				index[*b.UPSID] = b.Name
			}
		}
		return nil
	})
	return index, err
}

// proposalUsers resolves the PI, co-proposers, and contributors named on
// the record. Each column holds a comma-separated list of user sys_ids.
func (s *UPSSynchronizer) proposalUsers(ctx context.Context, rec ups.Record) []domain.ProposalUser {
	var users []domain.ProposalUser
	seen := map[string]struct{}{}
	add := func(column string, isPI bool) {
		for _, sysID := range splitSysIDs(rec.Get(column)) {
			if _, dup := seen[sysID]; dup {
				continue
			}
			seen[sysID] = struct{}{}
			user, err := s.ups.User(ctx, sysID)
			if err != nil {
				s.logger.Warn("ups user lookup failed", "sys_id", sysID, "error", err)
				continue
			}
			users = append(users, s.proposalUser(ctx, user, isPI))
		}
	}
	add("u_principal_investigator_pi", true)
	add("u_co_proposers", false)
	add("u_contributor_users", false)
	return users
}

func (s *UPSSynchronizer) proposalUser(ctx context.Context, rec ups.Record, isPI bool) domain.ProposalUser {
	user := domain.ProposalUser{
		FirstName: optional(rec.Display("first_name")),
		LastName:  optional(rec.Display("last_name")),
		Email:     rec.Display("email"),
		BNLID:     optional(rec.Display("u_brookhaven_badge")),
		IsPI:      isPI,
	}
	user.Username = s.usernameFor(ctx, user)
	return user
}

// usernameFor resolves the laboratory username by badge number first, then
// by email. A miss in both leaves the username unset.
func (s *UPSSynchronizer) usernameFor(ctx context.Context, user domain.ProposalUser) *string {
	if user.BNLID != nil && *user.BNLID != "" {
		person, err := s.people.ByBNLID(ctx, *user.BNLID)
		if err == nil && person.Username != "" {
			username := person.Username
			return &username
		}
		if err != nil && !errors.Is(err, people.ErrNotFound) {
			s.logger.Warn("people lookup by badge failed", "bnl_id", *user.BNLID, "error", err)
		}
	}
	if user.Email != "" {
		person, err := s.people.ByEmail(ctx, user.Email)
		if err == nil && person.Username != "" {
			username := person.Username
			return &username
		}
		if err != nil && !errors.Is(err, people.ErrNotFound) {
			s.logger.Warn("people lookup by email failed", "email", user.Email, "error", err)
		}
	}
	return nil
}

func splitSysIDs(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseUPSTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
