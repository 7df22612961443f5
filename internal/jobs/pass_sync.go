package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"facilityapi/internal/beamline"
	"facilityapi/internal/metrics"
	"facilityapi/internal/store"
	"facilityapi/internal/upstream/pass"
	"facilityapi/internal/upstream/people"
	"facilityapi/pkg/domain"
)

// commissioningCycle is the virtual cycle that collects commissioning
// proposals, which PASS never allocates to a real run cycle.
const commissioningCycle = "commissioning"

// PassAPI is the slice of the PASS client the synchronizer needs.
type PassAPI interface {
	Proposal(ctx context.Context, facility, proposalID string) (pass.Proposal, error)
	ProposalTypes(ctx context.Context, facility string) ([]pass.ProposalType, error)
	SAFs(ctx context.Context, facility, proposalID string) ([]pass.SAF, error)
	CommissioningProposals(ctx context.Context, facility string, year int) ([]pass.Proposal, error)
	Cycles(ctx context.Context, facility string) ([]pass.Cycle, error)
	ProposalsAllocatedByCycle(ctx context.Context, facility, cyclePassID string) ([]pass.Allocation, error)
}

// PeopleAPI resolves laboratory usernames for proposal members.
type PeopleAPI interface {
	ByBNLID(ctx context.Context, bnlID string) (people.Person, error)
	ByEmail(ctx context.Context, email string) (people.Person, error)
}

// GroupsAPI lists directory group members for data-admin sync.
type GroupsAPI interface {
	GroupMembers(ctx context.Context, group string) ([]string, error)
}

// PassSynchronizer executes sync jobs against the PASS proposal system.
type PassSynchronizer struct {
	localOps
	pass   PassAPI
	people PeopleAPI
}

// NewPassSynchronizer constructs a PASS-backed synchronizer.
func NewPassSynchronizer(s store.Store, passAPI PassAPI, peopleAPI PeopleAPI, groups GroupsAPI, logger *slog.Logger, m *metrics.Metrics) *PassSynchronizer {
	return &PassSynchronizer{
		localOps: localOps{store: s, groups: groups, logger: logger, metrics: m, source: domain.SyncSourcePASS},
		pass:     passAPI,
		people:   peopleAPI,
	}
}

// Run dispatches one job.
func (s *PassSynchronizer) Run(ctx context.Context, job domain.BackgroundJob) error {
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
	case domain.ActionSynchronizeProposalsForCycle:
		if job.Parameters.CycleName == nil {
			return fmt.Errorf("%s requires a cycle name", job.Action)
		}
		if *job.Parameters.CycleName == commissioningCycle {
			return s.fail(s.syncCommissioningProposals(ctx, facilityParam(job), job.Parameters.Year))
		}
		return s.fail(s.syncProposalsForCycle(ctx, facilityParam(job), *job.Parameters.CycleName))
	case domain.ActionSynchronizeAllProposals:
		// PASS proposals are reached per cycle; a blanket sync has
		// nothing extra to fetch.
		return errUnneeded
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
		return fmt.Errorf("pass synchronizer cannot handle action %q", job.Action)
	}
}

func facilityParam(job domain.BackgroundJob) string {
	if job.Parameters.Facility != nil {
		return *job.Parameters.Facility
	}
	return "nsls2"
}

func (s *PassSynchronizer) facilityPassID(ctx context.Context, facilityID string) (string, error) {
	var passID string
	err := s.store.View(ctx, func(v store.View) error {
		f, ok := v.FindFacility(facilityID)
		if !ok {
			return fmt.Errorf("facility %s: %w", facilityID, store.ErrNotFound)
		}
		if f.PassID == nil || *f.PassID == "" {
			return fmt.Errorf("facility %s has no PASS identifier", facilityID)
		}
		passID = *f.PassID
		return nil
	})
	return passID, err
}

func (s *PassSynchronizer) syncProposalTypes(ctx context.Context, facilityID string) error {
	passFacility, err := s.facilityPassID(ctx, facilityID)
	if err != nil {
		return err
	}
	types, err := s.pass.ProposalTypes(ctx, passFacility)
	if err != nil {
		return fmt.Errorf("fetch proposal types: %w", err)
	}
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		for _, t := range types {
			if t.ID == nil {
				continue
			}
			if _, err := tx.UpsertProposalType(domain.ProposalType{
				Code:        t.Code,
				Description: t.Description,
				Facility:    facilityID,
				PassID:      strconv.Itoa(*t.ID),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PassSynchronizer) syncCycles(ctx context.Context, facilityID string) error {
	passFacility, err := s.facilityPassID(ctx, facilityID)
	if err != nil {
		return err
	}
	cycles, err := s.pass.Cycles(ctx, passFacility)
	if err != nil {
		return fmt.Errorf("fetch cycles: %w", err)
	}
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		for _, c := range cycles {
			if c.Name == "" {
				continue
			}
			cycle := domain.Cycle{
				Name:     c.Name,
				Facility: facilityID,
				Year:     c.Year,
				Active:   c.Active,
				Start:    parsePassTime(c.StartDate),
				End:      parsePassTime(c.EndDate),
			}
			if c.Description != "" {
				desc := c.Description
				cycle.PassDescription = &desc
			}
			if c.ID != nil {
				id := strconv.Itoa(*c.ID)
				cycle.PassID = &id
			}
			if _, err := tx.UpsertCycle(cycle); err != nil {
				return err
			}
		}
		return nil
	})
}

// syncProposal pulls one proposal and its safety forms from PASS and
// rebuilds the local record. Cycle membership, lock state, and slack
// channels survive the rebuild.
func (s *PassSynchronizer) syncProposal(ctx context.Context, facilityID, proposalID string) error {
	passFacility, err := s.facilityPassID(ctx, facilityID)
	if err != nil {
		return err
	}
	p, err := s.pass.Proposal(ctx, passFacility, proposalID)
	if err != nil {
		return fmt.Errorf("fetch proposal %s: %w", proposalID, err)
	}
	safs, err := s.pass.SAFs(ctx, passFacility, proposalID)
	if err != nil {
		return fmt.Errorf("fetch safety forms for %s: %w", proposalID, err)
	}

	index, err := s.beamlinePassIndex(ctx)
	if err != nil {
		return err
	}
	proposal := s.proposalFromPass(ctx, proposalID, p, safs, index)

	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		_, err := tx.UpsertProposal(proposal)
		return err
	})
}

func (s *PassSynchronizer) proposalFromPass(ctx context.Context, proposalID string, p pass.Proposal, safs []pass.SAF, index map[string]string) domain.Proposal {
	proposal := domain.Proposal{
		ProposalID:  proposalID,
		Title:       p.Title,
		Instruments: resourceBeamlines(p.Resources, index),
		Users:       s.experimenterUsers(ctx, p),
		LastUpdated: time.Now().UTC(),
	}
	session := "pass-" + proposalID
	proposal.DataSession = &session
	if p.ProposalTypeDescription != "" {
		desc := p.ProposalTypeDescription
		proposal.Type = &desc
	}
	if p.ProposalTypeID != nil {
		typeID := strconv.Itoa(*p.ProposalTypeID)
		proposal.PassTypeID = &typeID
	}
	for _, saf := range safs {
		if saf.SAFID == nil {
			continue
		}
		proposal.SafetyForms = append(proposal.SafetyForms, domain.SafetyForm{
			SafID:       strconv.Itoa(*saf.SAFID),
			Status:      saf.Status,
			Instruments: resourceBeamlines(saf.Resources, index),
		})
	}
	return proposal
}

// syncCommissioningProposals imports the year's commissioning proposals and
// files them under the virtual commissioning cycle. Safety forms are not
// fetched here; a follow-up per-proposal sync fills them in.
func (s *PassSynchronizer) syncCommissioningProposals(ctx context.Context, facilityID string, year *int) error {
	passFacility, err := s.facilityPassID(ctx, facilityID)
	if err != nil {
		return err
	}
	y := time.Now().UTC().Year()
	if year != nil {
		y = *year
	}
	proposals, err := s.pass.CommissioningProposals(ctx, passFacility, y)
	if err != nil {
		return fmt.Errorf("fetch commissioning proposals for %d: %w", y, err)
	}
	index, err := s.beamlinePassIndex(ctx)
	if err != nil {
		return err
	}

	records := make([]domain.Proposal, 0, len(proposals))
	for _, p := range proposals {
		if p.ProposalID == nil {
			continue
		}
		record := s.proposalFromPass(ctx, strconv.Itoa(*p.ProposalID), p, nil, index)
		record.Cycles = []string{commissioningCycle}
		records = append(records, record)
	}

	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		ids := make([]string, 0, len(records))
		for _, record := range records {
			if existing, ok := tx.FindProposal(record.ProposalID); ok {
				record.Cycles = unionStrings(existing.Cycles, record.Cycles)
				record.SafetyForms = existing.SafetyForms
			}
			if _, err := tx.UpsertProposal(record); err != nil {
				return err
			}
			ids = append(ids, record.ProposalID)
		}
		if _, ok := tx.FindCycle(facilityID, commissioningCycle); !ok {
			if _, err := tx.UpsertCycle(domain.Cycle{Name: commissioningCycle, Facility: facilityID, Proposals: ids}); err != nil {
				return err
			}
			return nil
		}
		_, err := tx.UpdateCycle(facilityID, commissioningCycle, func(c *domain.Cycle) error {
			c.Proposals = unionStrings(c.Proposals, ids)
			return nil
		})
		return err
	})
}

// experimenterUsers maps the PASS experimenter list to proposal users.
// Username lookups that miss are tolerated; the PI is appended
// synthetically when not listed as an experimenter.
func (s *PassSynchronizer) experimenterUsers(ctx context.Context, p pass.Proposal) []domain.ProposalUser {
	var users []domain.ProposalUser
	piSeen := false
	piBNLID := ""
	if p.PI != nil {
		piBNLID = p.PI.BNLID
	}
	for _, exp := range p.Experimenters {
		isPI := piBNLID != "" && strings.EqualFold(exp.BNLID, piBNLID)
		piSeen = piSeen || isPI
		users = append(users, domain.ProposalUser{
			FirstName: optional(exp.FirstName),
			LastName:  optional(exp.LastName),
			Email:     exp.Email,
			BNLID:     optional(exp.BNLID),
			Username:  s.usernameFor(ctx, exp.BNLID),
			IsPI:      isPI,
		})
	}
	if p.PI != nil && !piSeen {
		users = append(users, domain.ProposalUser{
			FirstName: optional(p.PI.FirstName),
			LastName:  optional(p.PI.LastName),
			Email:     p.PI.Email,
			BNLID:     optional(p.PI.BNLID),
			Username:  s.usernameFor(ctx, p.PI.BNLID),
			IsPI:      true,
		})
	}
	return users
}

func (s *PassSynchronizer) usernameFor(ctx context.Context, bnlID string) *string {
	if bnlID == "" {
		return nil
	}
	person, err := s.people.ByBNLID(ctx, bnlID)
	if err != nil {
		if !errors.Is(err, people.ErrNotFound) {
			s.logger.Warn("people lookup failed", "bnl_id", bnlID, "error", err)
		}
		return nil
	}
	if person.Username == "" {
		return nil
	}
	username := person.Username
	return &username
}

// syncProposalsForCycle attaches the cycle's allocated proposals to the
// cycle record and mirrors the cycle name onto each proposal. Allocations
// for proposals the store has never seen are logged and skipped.
func (s *PassSynchronizer) syncProposalsForCycle(ctx context.Context, facilityID, cycleName string) error {
	var cyclePassID string
	err := s.store.View(ctx, func(v store.View) error {
		c, ok := v.FindCycle(facilityID, cycleName)
		if !ok {
			return fmt.Errorf("cycle %s at %s: %w", cycleName, facilityID, store.ErrNotFound)
		}
		if c.PassID == nil || *c.PassID == "" {
			return fmt.Errorf("cycle %s has no PASS identifier", cycleName)
		}
		cyclePassID = *c.PassID
		return nil
	})
	if err != nil {
		return err
	}
	passFacility, err := s.facilityPassID(ctx, facilityID)
	if err != nil {
		return err
	}
	allocations, err := s.pass.ProposalsAllocatedByCycle(ctx, passFacility, cyclePassID)
	if err != nil {
		return fmt.Errorf("fetch allocations for cycle %s: %w", cycleName, err)
	}

	var ids []string
	seen := map[string]struct{}{}
	for _, a := range allocations {
		if a.ProposalID == nil {
			continue
		}
		id := strconv.Itoa(*a.ProposalID)
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
				s.logger.Warn("allocated proposal not in store, skipping", "proposal_id", id, "cycle", cycleName)
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

func (s *PassSynchronizer) beamlinePassIndex(ctx context.Context) (map[string]string, error) {
	index := map[string]string{}
	err := s.store.View(ctx, func(v store.View) error {
		for _, b := range v.ListBeamlines("") {
			if b.PassID != nil && *b.PassID != "" {
				index[*b.PassID] = b.Name
			}
		}
		return nil
	})
	return index, err
}

func resourceBeamlines(resources []pass.Resource, index map[string]string) []string {
	var out []string
	for _, r := range resources {
		if r.ID == nil {
			continue
		}
		if name, ok := index[strconv.Itoa(*r.ID)]; ok {
			out = append(out, name)
		}
	}
	return out
}

func parsePassTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "1/2/2006 3:04:05 PM"} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func unionStrings(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// localOps holds the sync operations that read only the store and the
// directory service; both upstream synchronizers share them.
type localOps struct {
	store   store.Store
	groups  GroupsAPI
	logger  *slog.Logger
	metrics *metrics.Metrics
	source  domain.SyncSource
}

// fail counts an upstream failure before passing the error through.
func (o localOps) fail(err error) error {
	if err != nil && o.metrics != nil {
		o.metrics.SyncFailure(string(o.source))
	}
	return err
}

// syncAdmins replaces the facility's and each beamline's data-admin lists
// with the current directory group membership.
func (o localOps) syncAdmins(ctx context.Context, facilityID string) error {
	facilityMembers, err := o.groups.GroupMembers(ctx, beamline.DataAdminGroupName)
	if err != nil {
		return o.fail(fmt.Errorf("fetch facility admin group: %w", err))
	}

	var beamlines []domain.Beamline
	if err := o.store.View(ctx, func(v store.View) error {
		beamlines = v.ListBeamlines(facilityID)
		return nil
	}); err != nil {
		return err
	}

	beamlineMembers := make(map[string][]string, len(beamlines))
	for _, b := range beamlines {
		members, err := o.groups.GroupMembers(ctx, beamline.DataAdminGroupFor(b))
		if err != nil {
			return o.fail(fmt.Errorf("fetch admin group for %s: %w", b.Name, err))
		}
		beamlineMembers[b.Name] = members
	}

	return o.store.RunInTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.UpdateFacility(facilityID, func(f *domain.Facility) error {
			f.DataAdmins = append([]string(nil), facilityMembers...)
			return nil
		}); err != nil {
			return err
		}
		for name, members := range beamlineMembers {
			if _, err := tx.UpdateBeamline(name, func(b *domain.Beamline) error {
				b.DataAdmins = append([]string(nil), members...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// updateCycleInformation mirrors cycle membership onto proposals for every
// cycle of the facility. Proposals listed on a cycle but absent from the
// store are logged and skipped.
func (o localOps) updateCycleInformation(ctx context.Context, facilityID string) error {
	var cycles []domain.Cycle
	if err := o.store.View(ctx, func(v store.View) error {
		cycles = v.ListCycles(facilityID)
		return nil
	}); err != nil {
		return err
	}
	return o.store.RunInTransaction(ctx, func(tx store.Tx) error {
		for _, cycle := range cycles {
			for _, id := range cycle.Proposals {
				if _, ok := tx.FindProposal(id); !ok {
					o.logger.Warn("cycle lists unknown proposal, skipping", "proposal_id", id, "cycle", cycle.Name)
					continue
				}
				if _, err := tx.UpdateProposal(id, func(p *domain.Proposal) error {
					p.Cycles = unionStrings(p.Cycles, []string{cycle.Name})
					return nil
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// createSlackChannel derives the proposal's channel names and records them.
// Actual channel creation is owned by the chat tooling, not this service.
func (o localOps) createSlackChannel(ctx context.Context, proposalID string) error {
	return o.store.RunInTransaction(ctx, func(tx store.Tx) error {
		p, ok := tx.FindProposal(proposalID)
		if !ok {
			return fmt.Errorf("proposal %s: %w", proposalID, store.ErrNotFound)
		}
		if p.DataSession == nil || *p.DataSession == "" {
			return fmt.Errorf("proposal %s has no data session", proposalID)
		}
		names := slackChannelNames(p)
		if len(unionStrings(p.SlackChannels, names)) == len(p.SlackChannels) {
			return errUnneeded
		}
		_, err := tx.UpdateProposal(proposalID, func(p *domain.Proposal) error {
			p.SlackChannels = unionStrings(p.SlackChannels, names)
			return nil
		})
		return err
	})
}

// slackChannelNames yields the generic data-session channel followed by one
// channel per beamline the proposal runs on.
func slackChannelNames(p domain.Proposal) []string {
	session := strings.ToLower(*p.DataSession)
	names := make([]string, 0, len(p.Instruments)+1)
	names = append(names, session)
	for _, instrument := range p.Instruments {
		names = append(names, session+"-"+strings.ToLower(instrument))
	}
	return names
}
