// Package proposal implements proposal queries, directory derivation, and
// proposal locking.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"facilityapi/internal/beamline"
	"facilityapi/internal/store"
	"facilityapi/pkg/domain"
)

// CommissioningCycle is the virtual cycle directory used for commissioning
// proposals, which are not allocated to an operating cycle.
const CommissioningCycle = "commissioning"

// commissioningTypeID is the upstream proposal type for commissioning time.
const commissioningTypeID = "300005"

// ErrNoPI reports a proposal without a principal investigator.
var ErrNoPI = errors.New("proposal has no principal investigator")

// ErrMultiplePIs reports a proposal with more than one principal
// investigator.
var ErrMultiplePIs = errors.New("proposal has multiple principal investigators")

// PreconditionError reports that a proposal is missing the fields required
// to derive its storage directories.
type PreconditionError struct {
	ProposalID string
	Missing    []string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("proposal %s cannot derive directories: missing %s", e.ProposalID, strings.Join(e.Missing, ", "))
}

// Page is a paginated proposal listing.
type Page struct {
	Proposals []domain.Proposal `json:"proposals"`
	Total     int               `json:"count"`
	Offset    int               `json:"offset"`
	Limit     int               `json:"limit"`
}

// Service answers proposal queries against the store.
type Service struct {
	store store.Store
}

// NewService constructs a proposal service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Get returns a proposal by its proposal ID.
func (s *Service) Get(ctx context.Context, proposalID string) (domain.Proposal, error) {
	var out domain.Proposal
	err := s.store.View(ctx, func(v store.View) error {
		p, ok := v.FindProposal(proposalID)
		if !ok {
			return fmt.Errorf("proposal %s: %w", proposalID, store.ErrNotFound)
		}
		out = p
		return nil
	})
	return out, err
}

// List returns a page of proposals matching the filter.
func (s *Service) List(ctx context.Context, filter store.ProposalFilter) (Page, error) {
	var page Page
	err := s.store.View(ctx, func(v store.View) error {
		page = Page{
			Proposals: v.ListProposals(filter),
			Total:     v.CountProposals(filter),
			Offset:    filter.Offset,
			Limit:     filter.Limit,
		}
		return nil
	})
	return page, err
}

// Search returns proposals matching a free-text query. Queries shorter than
// three characters match nothing.
func (s *Service) Search(ctx context.Context, query string) ([]domain.Proposal, error) {
	var out []domain.Proposal
	err := s.store.View(ctx, func(v store.View) error {
		out = v.SearchProposals(query)
		return nil
	})
	return out, err
}

// Users returns the people named on a proposal.
func (s *Service) Users(ctx context.Context, proposalID string) ([]domain.ProposalUser, error) {
	p, err := s.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return p.Users, nil
}

// PrincipalInvestigator returns the single PI of a proposal. A proposal
// with no PI or more than one is an upstream data fault surfaced as an
// error.
func (s *Service) PrincipalInvestigator(ctx context.Context, proposalID string) (domain.ProposalUser, error) {
	p, err := s.Get(ctx, proposalID)
	if err != nil {
		return domain.ProposalUser{}, err
	}
	var pis []domain.ProposalUser
	for _, u := range p.Users {
		if u.IsPI {
			pis = append(pis, u)
		}
	}
	switch len(pis) {
	case 0:
		return domain.ProposalUser{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNoPI)
	case 1:
		return pis[0], nil
	default:
		return domain.ProposalUser{}, fmt.Errorf("proposal %s: %w", proposalID, ErrMultiplePIs)
	}
}

// Usernames returns the laboratory account names of everyone on a proposal
// who has one.
func (s *Service) Usernames(ctx context.Context, proposalID string) ([]string, error) {
	p, err := s.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, u := range p.Users {
		if u.Username != nil && *u.Username != "" {
			out = append(out, *u.Username)
		}
	}
	return out, nil
}

// IsCommissioning reports whether a proposal is a commissioning proposal:
// either its upstream type is the commissioning type or it carries the
// virtual commissioning cycle.
func IsCommissioning(p domain.Proposal) bool {
	if p.PassTypeID != nil && *p.PassTypeID == commissioningTypeID {
		return true
	}
	for _, c := range p.Cycles {
		if strings.EqualFold(c, CommissioningCycle) {
			return true
		}
	}
	return false
}

// Commissioning returns all commissioning proposals, optionally narrowed to
// one beamline.
func (s *Service) Commissioning(ctx context.Context, beamlineName string) ([]domain.Proposal, error) {
	var out []domain.Proposal
	err := s.store.View(ctx, func(v store.View) error {
		for _, p := range v.ListProposals(store.ProposalFilter{Beamline: beamlineName}) {
			if IsCommissioning(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

// Directories derives the storage directories a proposal needs: one per
// (cycle, beamline) pair, all sharing the proposal's data session group.
func (s *Service) Directories(ctx context.Context, proposalID string) ([]domain.Directory, error) {
	var (
		p         domain.Proposal
		beamlines = map[string]domain.Beamline{}
	)
	err := s.store.View(ctx, func(v store.View) error {
		found, ok := v.FindProposal(proposalID)
		if !ok {
			return fmt.Errorf("proposal %s: %w", proposalID, store.ErrNotFound)
		}
		p = found
		for _, instrument := range p.Instruments {
			if b, ok := v.FindBeamline(instrument); ok {
				beamlines[instrument] = b
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return DeriveDirectories(p, beamlines)
}

// DeriveDirectories computes the directory policies for a proposal given
// the beamlines it runs on.
func DeriveDirectories(p domain.Proposal, beamlines map[string]domain.Beamline) ([]domain.Directory, error) {
	var missing []string
	if p.DataSession == nil || *p.DataSession == "" {
		missing = append(missing, "data_session")
	}
	if len(p.Instruments) == 0 {
		missing = append(missing, "instruments")
	}
	cycles := p.Cycles
	if IsCommissioning(p) {
		cycles = []string{CommissioningCycle}
	}
	if len(cycles) == 0 {
		missing = append(missing, "cycles")
	}
	if len(missing) > 0 {
		return nil, PreconditionError{ProposalID: p.ProposalID, Missing: missing}
	}

	session := *p.DataSession
	var dirs []domain.Directory
	for _, cycle := range cycles {
		for _, instrument := range p.Instruments {
			b, ok := beamlines[instrument]
			if !ok {
				return nil, fmt.Errorf("proposal %s references unknown beamline %s", p.ProposalID, instrument)
			}
			dirs = append(dirs, proposalDirectory(b, cycle, session))
		}
	}
	return dirs, nil
}

func proposalDirectory(b domain.Beamline, cycle, session string) domain.Directory {
	users := []domain.ACLEntry{
		{Name: beamline.ServiceAccountOwner, Permissions: domain.PermReadWrite},
	}
	add := func(account *string, perms string) {
		if account != nil && *account != "" {
			users = append(users, domain.ACLEntry{Name: *account, Permissions: perms})
		}
	}
	add(b.ServiceAccounts.Workflow, domain.PermReadWrite)
	add(b.ServiceAccounts.IOC, domain.PermReadWrite)
	add(b.ServiceAccounts.Bluesky, domain.PermRead)
	if runsSynchWeb(b) {
		add(b.ServiceAccounts.SynchWeb, domain.PermRead)
	}
	add(b.ServiceAccounts.LSDC, domain.PermReadWrite)

	groups := []domain.ACLEntry{
		{Name: session, Permissions: domain.PermReadWrite},
		{Name: beamline.DataAdminGroupName, Permissions: domain.PermReadWrite},
		{Name: beamline.DataAdminGroupFor(b), Permissions: domain.PermReadWrite},
	}

	return domain.Directory{
		Path:     strings.Join([]string{beamline.DataRootFor(b), "proposals", cycle, session}, "/"),
		Owner:    beamline.ServiceAccountOwner,
		Group:    session,
		Beamline: b.Name,
		Cycle:    cycle,
		Users:    users,
		Groups:   groups,
	}
}

func runsSynchWeb(b domain.Beamline) bool {
	for _, svc := range b.Services {
		if strings.EqualFold(svc.Name, "synchweb") {
			return true
		}
	}
	return false
}

// Recent returns the n most recently updated proposals.
func (s *Service) Recent(ctx context.Context, n int) ([]domain.Proposal, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []domain.Proposal
	err := s.store.View(ctx, func(v store.View) error {
		out = v.ListProposals(store.ProposalFilter{})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// BySafetyForm finds the proposal that owns a safety form.
func (s *Service) BySafetyForm(ctx context.Context, safID string) (domain.Proposal, error) {
	var out domain.Proposal
	err := s.store.View(ctx, func(v store.View) error {
		for _, p := range v.ListProposals(store.ProposalFilter{}) {
			for _, saf := range p.SafetyForms {
				if saf.SafID == safID {
					out = p
					return nil
				}
			}
		}
		return fmt.Errorf("safety form %s: %w", safID, store.ErrNotFound)
	})
	return out, err
}

// DataSessions lists the data session of every proposal that has one.
func (s *Service) DataSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.store.View(ctx, func(v store.View) error {
		for _, p := range v.ListProposals(store.ProposalFilter{}) {
			if p.DataSession == nil {
				continue
			}
			out = append(out, SessionInfo{
				DataSession: *p.DataSession,
				ProposalID:  p.ProposalID,
				Beamlines:   p.Instruments,
			})
		}
		return nil
	})
	return out, err
}

// SessionInfo maps a data session back to the proposal and beamlines it
// grants access to.
type SessionInfo struct {
	DataSession string   `json:"data_session"`
	ProposalID  string   `json:"proposal_id"`
	Beamlines   []string `json:"beamlines"`
}

// DataSession resolves a data session name to its proposal and beamlines.
func (s *Service) DataSession(ctx context.Context, session string) (SessionInfo, error) {
	var out SessionInfo
	err := s.store.View(ctx, func(v store.View) error {
		for _, p := range v.ListProposals(store.ProposalFilter{}) {
			if p.DataSession != nil && strings.EqualFold(*p.DataSession, session) {
				out = SessionInfo{
					DataSession: *p.DataSession,
					ProposalID:  p.ProposalID,
					Beamlines:   p.Instruments,
				}
				return nil
			}
		}
		return fmt.Errorf("data session %s: %w", session, store.ErrNotFound)
	})
	return out, err
}

// SessionAccess summarises what a user may read: explicit data sessions
// from their proposals plus any blanket facility or beamline grants from
// data-admin membership.
type SessionAccess struct {
	DataSessions      []string `json:"data_sessions"`
	FacilityAllAccess []string `json:"facility_all_access"`
	BeamlineAllAccess []string `json:"beamline_all_access"`
}

// SessionsForUser computes the data-session access of a username.
func (s *Service) SessionsForUser(ctx context.Context, username string) (SessionAccess, error) {
	access := SessionAccess{
		DataSessions:      []string{},
		FacilityAllAccess: []string{},
		BeamlineAllAccess: []string{},
	}
	err := s.store.View(ctx, func(v store.View) error {
		for _, p := range v.ListProposals(store.ProposalFilter{}) {
			if p.DataSession == nil {
				continue
			}
			for _, u := range p.Users {
				if u.Username != nil && strings.EqualFold(*u.Username, username) {
					access.DataSessions = append(access.DataSessions, *p.DataSession)
					break
				}
			}
		}
		for _, f := range v.ListFacilities() {
			if containsFold(f.DataAdmins, username) {
				access.FacilityAllAccess = append(access.FacilityAllAccess, f.FacilityID)
			}
		}
		for _, b := range v.ListBeamlines("") {
			if containsFold(b.DataAdmins, username) {
				access.BeamlineAllAccess = append(access.BeamlineAllAccess, b.Name)
			}
		}
		return nil
	})
	return access, err
}

// BatchResult partitions a bulk lock or unlock request into the proposals
// that were updated and those that do not exist.
type BatchResult struct {
	Updated  []string `json:"successful_proposals"`
	NotFound []string `json:"failed_proposals"`
}

// AnyMissing reports whether the batch referenced unknown proposals.
func (r BatchResult) AnyMissing() bool {
	return len(r.NotFound) > 0
}

// SetLocked locks or unlocks the given proposals. The batch is all or
// nothing: if any proposal ID is unknown, no proposal is mutated and the
// unknown IDs are reported.
func (s *Service) SetLocked(ctx context.Context, proposalIDs []string, locked bool) (BatchResult, error) {
	var result BatchResult
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		result = BatchResult{}
		for _, id := range proposalIDs {
			if _, ok := tx.FindProposal(id); !ok {
				result.NotFound = append(result.NotFound, id)
			}
		}
		if len(result.NotFound) > 0 {
			return nil
		}
		for _, id := range proposalIDs {
			if _, err := tx.UpdateProposal(id, func(p *domain.Proposal) error {
				p.Locked = locked
				return nil
			}); err != nil {
				return err
			}
			result.Updated = append(result.Updated, id)
		}
		return nil
	})
	return result, err
}

// UnlockBeamline unlocks every proposal that runs on the beamline,
// regardless of which cycle the proposal belongs to.
func (s *Service) UnlockBeamline(ctx context.Context, beamlineName string) ([]string, error) {
	return s.setLockedBeamline(ctx, beamlineName, false)
}

// LockBeamline locks every proposal that runs on the beamline.
func (s *Service) LockBeamline(ctx context.Context, beamlineName string) ([]string, error) {
	return s.setLockedBeamline(ctx, beamlineName, true)
}

func (s *Service) setLockedBeamline(ctx context.Context, beamlineName string, locked bool) ([]string, error) {
	var changed []string
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		changed = nil
		if _, ok := tx.FindBeamline(beamlineName); !ok {
			return fmt.Errorf("beamline %s: %w", beamlineName, store.ErrNotFound)
		}
		for _, p := range tx.ListProposals(store.ProposalFilter{Beamline: beamlineName}) {
			if p.Locked == locked {
				continue
			}
			if _, err := tx.UpdateProposal(p.ProposalID, func(p *domain.Proposal) error {
				p.Locked = locked
				return nil
			}); err != nil {
				return err
			}
			changed = append(changed, p.ProposalID)
		}
		return nil
	})
	return changed, err
}

// SetLockedCycle locks or unlocks every proposal allocated to a cycle.
func (s *Service) SetLockedCycle(ctx context.Context, facilityID, cycleName string, locked bool) ([]string, error) {
	var changed []string
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		changed = nil
		if _, ok := tx.FindCycle(facilityID, cycleName); !ok {
			return fmt.Errorf("cycle %s at %s: %w", cycleName, facilityID, store.ErrNotFound)
		}
		for _, p := range tx.ListProposals(store.ProposalFilter{Cycle: cycleName}) {
			if p.Locked == locked {
				continue
			}
			if _, err := tx.UpdateProposal(p.ProposalID, func(p *domain.Proposal) error {
				p.Locked = locked
				return nil
			}); err != nil {
				return err
			}
			changed = append(changed, p.ProposalID)
		}
		return nil
	})
	return changed, err
}

// Locked lists the proposals currently locked.
func (s *Service) Locked(ctx context.Context) ([]string, error) {
	var out []string
	err := s.store.View(ctx, func(v store.View) error {
		for _, p := range v.ListProposals(store.ProposalFilter{}) {
			if p.Locked {
				out = append(out, p.ProposalID)
			}
		}
		return nil
	})
	return out, err
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
