// Package memory provides the in-memory reference implementation of the
// persistence contract. The Postgres and SQLite backends wrap it and persist
// snapshots of its state.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"facilityapi/internal/store"
	"facilityapi/pkg/domain"
)

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

type memoryState struct {
	facilities    map[string]domain.Facility
	cycles        map[string]domain.Cycle
	proposalTypes map[string]domain.ProposalType
	beamlines     map[string]domain.Beamline
	proposals     map[string]domain.Proposal
	apiUsers      map[string]domain.APIUser
	apiKeys       map[string]domain.APIKey
	jobs          map[string]domain.BackgroundJob
	currentCycles map[string]string
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Facilities    map[string]domain.Facility      `json:"facilities"`
	Cycles        map[string]domain.Cycle         `json:"cycles"`
	ProposalTypes map[string]domain.ProposalType  `json:"proposal_types"`
	Beamlines     map[string]domain.Beamline      `json:"beamlines"`
	Proposals     map[string]domain.Proposal      `json:"proposals"`
	APIUsers      map[string]domain.APIUser       `json:"api_users"`
	APIKeys       map[string]domain.APIKey        `json:"api_keys"`
	Jobs          map[string]domain.BackgroundJob `json:"jobs"`
	CurrentCycles map[string]string               `json:"current_cycles"`
}

func newMemoryState() memoryState {
	return memoryState{
		facilities:    make(map[string]domain.Facility),
		cycles:        make(map[string]domain.Cycle),
		proposalTypes: make(map[string]domain.ProposalType),
		beamlines:     make(map[string]domain.Beamline),
		proposals:     make(map[string]domain.Proposal),
		apiUsers:      make(map[string]domain.APIUser),
		apiKeys:       make(map[string]domain.APIKey),
		jobs:          make(map[string]domain.BackgroundJob),
		currentCycles: make(map[string]string),
	}
}

func cycleKey(facility, name string) string {
	return facility + "/" + name
}

func beamlineKey(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func proposalTypeKey(facility, passID string) string {
	return facility + "/" + passID
}

func cloneFacility(f domain.Facility) domain.Facility {
	cp := f
	if f.PassID != nil {
		v := *f.PassID
		cp.PassID = &v
	}
	cp.DataAdmins = append([]string(nil), f.DataAdmins...)
	return cp
}

func cloneCycle(c domain.Cycle) domain.Cycle {
	cp := c
	cp.Proposals = append([]string(nil), c.Proposals...)
	return cp
}

func cloneBeamline(b domain.Beamline) domain.Beamline {
	cp := b
	cp.NetworkLocations = append([]string(nil), b.NetworkLocations...)
	cp.Services = append([]domain.BeamlineService(nil), b.Services...)
	cp.Detectors = append([]domain.Detector(nil), b.Detectors...)
	cp.DataAdmins = append([]string(nil), b.DataAdmins...)
	cp.SlackChannelManagers = append([]string(nil), b.SlackChannelManagers...)
	return cp
}

func cloneProposal(p domain.Proposal) domain.Proposal {
	cp := p
	cp.Instruments = append([]string(nil), p.Instruments...)
	cp.Cycles = append([]string(nil), p.Cycles...)
	cp.Users = append([]domain.ProposalUser(nil), p.Users...)
	cp.SlackChannels = append([]string(nil), p.SlackChannels...)
	if len(p.SafetyForms) > 0 {
		cp.SafetyForms = make([]domain.SafetyForm, len(p.SafetyForms))
		for i, saf := range p.SafetyForms {
			saf.Instruments = append([]string(nil), saf.Instruments...)
			cp.SafetyForms[i] = saf
		}
	}
	return cp
}

func cloneJob(j domain.BackgroundJob) domain.BackgroundJob {
	return j
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Facilities:    make(map[string]domain.Facility, len(state.facilities)),
		Cycles:        make(map[string]domain.Cycle, len(state.cycles)),
		ProposalTypes: make(map[string]domain.ProposalType, len(state.proposalTypes)),
		Beamlines:     make(map[string]domain.Beamline, len(state.beamlines)),
		Proposals:     make(map[string]domain.Proposal, len(state.proposals)),
		APIUsers:      make(map[string]domain.APIUser, len(state.apiUsers)),
		APIKeys:       make(map[string]domain.APIKey, len(state.apiKeys)),
		Jobs:          make(map[string]domain.BackgroundJob, len(state.jobs)),
		CurrentCycles: make(map[string]string, len(state.currentCycles)),
	}
	for k, v := range state.facilities {
		s.Facilities[k] = cloneFacility(v)
	}
	for k, v := range state.cycles {
		s.Cycles[k] = cloneCycle(v)
	}
	for k, v := range state.proposalTypes {
		s.ProposalTypes[k] = v
	}
	for k, v := range state.beamlines {
		s.Beamlines[k] = cloneBeamline(v)
	}
	for k, v := range state.proposals {
		s.Proposals[k] = cloneProposal(v)
	}
	for k, v := range state.apiUsers {
		s.APIUsers[k] = v
	}
	for k, v := range state.apiKeys {
		s.APIKeys[k] = v
	}
	for k, v := range state.jobs {
		s.Jobs[k] = cloneJob(v)
	}
	for k, v := range state.currentCycles {
		s.CurrentCycles[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Facilities {
		state.facilities[k] = cloneFacility(v)
	}
	for k, v := range s.Cycles {
		state.cycles[k] = cloneCycle(v)
	}
	for k, v := range s.ProposalTypes {
		state.proposalTypes[k] = v
	}
	for k, v := range s.Beamlines {
		state.beamlines[k] = cloneBeamline(v)
	}
	for k, v := range s.Proposals {
		state.proposals[k] = cloneProposal(v)
	}
	for k, v := range s.APIUsers {
		state.apiUsers[k] = v
	}
	for k, v := range s.APIKeys {
		state.apiKeys[k] = v
	}
	for k, v := range s.Jobs {
		state.jobs[k] = cloneJob(v)
	}
	for k, v := range s.CurrentCycles {
		state.currentCycles[k] = v
	}
	return state
}

// migrateSnapshot normalises snapshots loaded from external persistence:
// missing buckets become empty maps and dangling current-cycle pointers are
// dropped.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Facilities == nil {
		snapshot.Facilities = map[string]domain.Facility{}
	}
	if snapshot.Cycles == nil {
		snapshot.Cycles = map[string]domain.Cycle{}
	}
	if snapshot.ProposalTypes == nil {
		snapshot.ProposalTypes = map[string]domain.ProposalType{}
	}
	if snapshot.Beamlines == nil {
		snapshot.Beamlines = map[string]domain.Beamline{}
	}
	if snapshot.Proposals == nil {
		snapshot.Proposals = map[string]domain.Proposal{}
	}
	if snapshot.APIUsers == nil {
		snapshot.APIUsers = map[string]domain.APIUser{}
	}
	if snapshot.APIKeys == nil {
		snapshot.APIKeys = map[string]domain.APIKey{}
	}
	if snapshot.Jobs == nil {
		snapshot.Jobs = map[string]domain.BackgroundJob{}
	}
	if snapshot.CurrentCycles == nil {
		snapshot.CurrentCycles = map[string]string{}
	}
	for facility, name := range snapshot.CurrentCycles {
		if _, ok := snapshot.Cycles[cycleKey(facility, name)]; !ok {
			delete(snapshot.CurrentCycles, facility)
		}
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	return memoryStateFromSnapshot(snapshotFromMemoryState(s))
}

func purgeExpiredJobs(state *memoryState, now time.Time) {
	for id, job := range state.jobs {
		if now.Sub(job.CreatedAt) > domain.JobRetention {
			delete(state.jobs, id)
		}
	}
}

// Store provides an in-memory transactional store.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time provider for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

func newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RunInTransaction executes fn within a transactional copy of the store
// state. The copy replaces the live state only when fn returns nil.
func (s *Store) RunInTransaction(_ context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	purgeExpiredJobs(&tx.state, tx.now)

	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(store.View) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := stateView{state: &snapshot, now: s.nowFn()}
	return fn(view)
}

type stateView struct {
	state *memoryState
	now   time.Time
}

type transaction struct {
	state memoryState
	now   time.Time
}

func (tx *transaction) view() stateView {
	return stateView{state: &tx.state, now: tx.now}
}

// Read methods delegate to the shared snapshot view.

func (tx *transaction) ListFacilities() []domain.Facility { return tx.view().ListFacilities() }
func (tx *transaction) FindFacility(id string) (domain.Facility, bool) {
	return tx.view().FindFacility(id)
}
func (tx *transaction) ListCycles(facility string) []domain.Cycle {
	return tx.view().ListCycles(facility)
}
func (tx *transaction) FindCycle(facility, name string) (domain.Cycle, bool) {
	return tx.view().FindCycle(facility, name)
}
func (tx *transaction) CurrentOperatingCycle(facility string) (domain.Cycle, bool) {
	return tx.view().CurrentOperatingCycle(facility)
}
func (tx *transaction) ListBeamlines(facility string) []domain.Beamline {
	return tx.view().ListBeamlines(facility)
}
func (tx *transaction) FindBeamline(name string) (domain.Beamline, bool) {
	return tx.view().FindBeamline(name)
}
func (tx *transaction) ListProposalTypes(facility string) []domain.ProposalType {
	return tx.view().ListProposalTypes(facility)
}
func (tx *transaction) FindProposalTypeByPassID(facility, passID string) (domain.ProposalType, bool) {
	return tx.view().FindProposalTypeByPassID(facility, passID)
}
func (tx *transaction) ListProposals(filter store.ProposalFilter) []domain.Proposal {
	return tx.view().ListProposals(filter)
}
func (tx *transaction) CountProposals(filter store.ProposalFilter) int {
	return tx.view().CountProposals(filter)
}
func (tx *transaction) FindProposal(id string) (domain.Proposal, bool) {
	return tx.view().FindProposal(id)
}
func (tx *transaction) SearchProposals(query string) []domain.Proposal {
	return tx.view().SearchProposals(query)
}
func (tx *transaction) FindAPIUser(username string) (domain.APIUser, bool) {
	return tx.view().FindAPIUser(username)
}
func (tx *transaction) FindAPIKeyByFirstEight(firstEight string) (domain.APIKey, bool) {
	return tx.view().FindAPIKeyByFirstEight(firstEight)
}
func (tx *transaction) ListAPIKeys(username string) []domain.APIKey {
	return tx.view().ListAPIKeys(username)
}
func (tx *transaction) FindJob(id string) (domain.BackgroundJob, bool) { return tx.view().FindJob(id) }
func (tx *transaction) ListJobs(status domain.JobStatus) []domain.BackgroundJob {
	return tx.view().ListJobs(status)
}

func (v stateView) ListFacilities() []domain.Facility {
	out := make([]domain.Facility, 0, len(v.state.facilities))
	for _, f := range v.state.facilities {
		out = append(out, cloneFacility(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FacilityID < out[j].FacilityID })
	return out
}

func (v stateView) FindFacility(id string) (domain.Facility, bool) {
	f, ok := v.state.facilities[id]
	if !ok {
		return domain.Facility{}, false
	}
	return cloneFacility(f), true
}

func (v stateView) ListCycles(facility string) []domain.Cycle {
	out := make([]domain.Cycle, 0, len(v.state.cycles))
	for _, c := range v.state.cycles {
		if facility != "" && c.Facility != facility {
			continue
		}
		out = append(out, cloneCycle(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (v stateView) FindCycle(facility, name string) (domain.Cycle, bool) {
	c, ok := v.state.cycles[cycleKey(facility, name)]
	if !ok {
		return domain.Cycle{}, false
	}
	return cloneCycle(c), true
}

func (v stateView) CurrentOperatingCycle(facility string) (domain.Cycle, bool) {
	name, ok := v.state.currentCycles[facility]
	if !ok {
		return domain.Cycle{}, false
	}
	return v.FindCycle(facility, name)
}

func (v stateView) ListBeamlines(facility string) []domain.Beamline {
	out := make([]domain.Beamline, 0, len(v.state.beamlines))
	for _, b := range v.state.beamlines {
		if facility != "" && b.Facility != facility {
			continue
		}
		out = append(out, cloneBeamline(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (v stateView) FindBeamline(name string) (domain.Beamline, bool) {
	b, ok := v.state.beamlines[beamlineKey(name)]
	if !ok {
		return domain.Beamline{}, false
	}
	return cloneBeamline(b), true
}

func (v stateView) ListProposalTypes(facility string) []domain.ProposalType {
	out := make([]domain.ProposalType, 0, len(v.state.proposalTypes))
	for _, t := range v.state.proposalTypes {
		if facility != "" && t.Facility != facility {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Description < out[j].Description })
	return out
}

func (v stateView) FindProposalTypeByPassID(facility, passID string) (domain.ProposalType, bool) {
	t, ok := v.state.proposalTypes[proposalTypeKey(facility, passID)]
	return t, ok
}

func matchesFilter(p domain.Proposal, filter store.ProposalFilter, facilityBeamlines map[string]struct{}) bool {
	if filter.Beamline != "" && !containsFold(p.Instruments, filter.Beamline) {
		return false
	}
	if filter.Cycle != "" && !containsFold(p.Cycles, filter.Cycle) {
		return false
	}
	if filter.Facility != "" {
		onFacility := false
		for _, instrument := range p.Instruments {
			if _, ok := facilityBeamlines[beamlineKey(instrument)]; ok {
				onFacility = true
				break
			}
		}
		if !onFacility {
			return false
		}
	}
	return true
}

func (v stateView) facilityBeamlineSet(facility string) map[string]struct{} {
	if facility == "" {
		return nil
	}
	set := make(map[string]struct{})
	for key, b := range v.state.beamlines {
		if b.Facility == facility {
			set[key] = struct{}{}
		}
	}
	return set
}

func (v stateView) filteredProposals(filter store.ProposalFilter) []domain.Proposal {
	beamlineSet := v.facilityBeamlineSet(filter.Facility)
	out := make([]domain.Proposal, 0, len(v.state.proposals))
	for _, p := range v.state.proposals {
		if matchesFilter(p, filter, beamlineSet) {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposalID < out[j].ProposalID })
	return out
}

func (v stateView) ListProposals(filter store.ProposalFilter) []domain.Proposal {
	out := v.filteredProposals(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

func (v stateView) CountProposals(filter store.ProposalFilter) int {
	filter.Offset = 0
	filter.Limit = 0
	return len(v.filteredProposals(filter))
}

func (v stateView) FindProposal(id string) (domain.Proposal, bool) {
	p, ok := v.state.proposals[id]
	if !ok {
		return domain.Proposal{}, false
	}
	return cloneProposal(p), true
}

// SearchProposals matches the query case-insensitively against proposal ID,
// data session, safety form IDs, instruments, cycle names, and title.
// Queries shorter than three characters match nothing.
func (v stateView) SearchProposals(query string) []domain.Proposal {
	query = strings.TrimSpace(query)
	if len(query) < 3 {
		return nil
	}
	q := strings.ToLower(query)
	var out []domain.Proposal
	for _, p := range v.state.proposals {
		if proposalMatches(p, q) {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposalID < out[j].ProposalID })
	return out
}

func proposalMatches(p domain.Proposal, q string) bool {
	if strings.Contains(strings.ToLower(p.ProposalID), q) {
		return true
	}
	if p.DataSession != nil && strings.Contains(strings.ToLower(*p.DataSession), q) {
		return true
	}
	if strings.Contains(strings.ToLower(p.Title), q) {
		return true
	}
	for _, saf := range p.SafetyForms {
		if strings.Contains(strings.ToLower(saf.SafID), q) {
			return true
		}
	}
	for _, instrument := range p.Instruments {
		if strings.Contains(strings.ToLower(instrument), q) {
			return true
		}
	}
	for _, cycle := range p.Cycles {
		if strings.Contains(strings.ToLower(cycle), q) {
			return true
		}
	}
	return false
}

func (v stateView) FindAPIUser(username string) (domain.APIUser, bool) {
	u, ok := v.state.apiUsers[username]
	return u, ok
}

func (v stateView) FindAPIKeyByFirstEight(firstEight string) (domain.APIKey, bool) {
	k, ok := v.state.apiKeys[firstEight]
	return k, ok
}

func (v stateView) ListAPIKeys(username string) []domain.APIKey {
	var out []domain.APIKey
	for _, k := range v.state.apiKeys {
		if k.Username == username {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (v stateView) FindJob(id string) (domain.BackgroundJob, bool) {
	j, ok := v.state.jobs[id]
	if !ok || v.now.Sub(j.CreatedAt) > domain.JobRetention {
		return domain.BackgroundJob{}, false
	}
	return cloneJob(j), true
}

func (v stateView) ListJobs(status domain.JobStatus) []domain.BackgroundJob {
	var out []domain.BackgroundJob
	for _, j := range v.state.jobs {
		if v.now.Sub(j.CreatedAt) > domain.JobRetention {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Write methods.

func (tx *transaction) UpsertFacility(f domain.Facility) (domain.Facility, error) {
	if f.FacilityID == "" {
		return domain.Facility{}, store.ConflictError{Entity: domain.EntityFacility, Detail: "facility id required"}
	}
	if existing, ok := tx.state.facilities[f.FacilityID]; ok {
		f.Base = existing.Base
	} else {
		f.ID = newID()
		f.CreatedAt = tx.now
	}
	f.UpdatedAt = tx.now
	tx.state.facilities[f.FacilityID] = cloneFacility(f)
	return cloneFacility(f), nil
}

func (tx *transaction) UpdateFacility(id string, mutate func(*domain.Facility) error) (domain.Facility, error) {
	current, ok := tx.state.facilities[id]
	if !ok {
		return domain.Facility{}, store.ErrNotFound
	}
	current = cloneFacility(current)
	if err := mutate(&current); err != nil {
		return domain.Facility{}, err
	}
	current.FacilityID = id
	current.UpdatedAt = tx.now
	tx.state.facilities[id] = cloneFacility(current)
	return cloneFacility(current), nil
}

func (tx *transaction) UpsertCycle(c domain.Cycle) (domain.Cycle, error) {
	if c.Name == "" || c.Facility == "" {
		return domain.Cycle{}, store.ConflictError{Entity: domain.EntityCycle, Detail: "cycle name and facility required"}
	}
	key := cycleKey(c.Facility, c.Name)
	if existing, ok := tx.state.cycles[key]; ok {
		c.Base = existing.Base
		if c.Proposals == nil {
			c.Proposals = existing.Proposals
		}
	} else {
		c.ID = newID()
		c.CreatedAt = tx.now
	}
	c.UpdatedAt = tx.now
	tx.state.cycles[key] = cloneCycle(c)
	return cloneCycle(c), nil
}

func (tx *transaction) UpdateCycle(facility, name string, mutate func(*domain.Cycle) error) (domain.Cycle, error) {
	key := cycleKey(facility, name)
	current, ok := tx.state.cycles[key]
	if !ok {
		return domain.Cycle{}, store.ErrNotFound
	}
	current = cloneCycle(current)
	if err := mutate(&current); err != nil {
		return domain.Cycle{}, err
	}
	current.Name = name
	current.Facility = facility
	current.UpdatedAt = tx.now
	tx.state.cycles[key] = cloneCycle(current)
	return cloneCycle(current), nil
}

// SetCurrentOperatingCycle moves the per-facility current flag. The previous
// holder is released in the same transaction, so at most one cycle per
// facility holds it.
func (tx *transaction) SetCurrentOperatingCycle(facility, name string) error {
	if _, ok := tx.state.cycles[cycleKey(facility, name)]; !ok {
		return store.ErrNotFound
	}
	tx.state.currentCycles[facility] = name
	return nil
}

func (tx *transaction) UpsertBeamline(b domain.Beamline) (domain.Beamline, error) {
	if b.Name == "" {
		return domain.Beamline{}, store.ConflictError{Entity: domain.EntityBeamline, Detail: "beamline name required"}
	}
	b.Name = strings.ToUpper(b.Name)
	key := beamlineKey(b.Name)
	if existing, ok := tx.state.beamlines[key]; ok {
		b.Base = existing.Base
	} else {
		b.ID = newID()
		b.CreatedAt = tx.now
	}
	b.UpdatedAt = tx.now
	tx.state.beamlines[key] = cloneBeamline(b)
	return cloneBeamline(b), nil
}

func (tx *transaction) UpdateBeamline(name string, mutate func(*domain.Beamline) error) (domain.Beamline, error) {
	key := beamlineKey(name)
	current, ok := tx.state.beamlines[key]
	if !ok {
		return domain.Beamline{}, store.ErrNotFound
	}
	current = cloneBeamline(current)
	if err := mutate(&current); err != nil {
		return domain.Beamline{}, err
	}
	current.UpdatedAt = tx.now
	tx.state.beamlines[key] = cloneBeamline(current)
	return cloneBeamline(current), nil
}

func (tx *transaction) UpsertProposalType(t domain.ProposalType) (domain.ProposalType, error) {
	if t.Facility == "" || (t.PassID == "" && (t.UPSID == nil || *t.UPSID == "")) {
		return domain.ProposalType{}, store.ConflictError{Entity: domain.EntityProposalType, Detail: "proposal type facility and an upstream id required"}
	}
	// PASS and UPS identifiers are distinct keyspaces; a type known to both
	// upstreams keeps two records until reconciled administratively.
	key := proposalTypeKey(t.Facility, t.PassID)
	if t.PassID == "" {
		key = proposalTypeKey(t.Facility, "ups:"+*t.UPSID)
	}
	if existing, ok := tx.state.proposalTypes[key]; ok {
		t.Base = existing.Base
	} else {
		t.ID = newID()
		t.CreatedAt = tx.now
	}
	t.UpdatedAt = tx.now
	tx.state.proposalTypes[key] = t
	return t, nil
}

func (tx *transaction) UpsertProposal(p domain.Proposal) (domain.Proposal, error) {
	if p.ProposalID == "" {
		return domain.Proposal{}, store.ConflictError{Entity: domain.EntityProposal, Detail: "proposal id required"}
	}
	if existing, ok := tx.state.proposals[p.ProposalID]; ok {
		p.Base = existing.Base
		p.Locked = existing.Locked
		if p.Cycles == nil {
			p.Cycles = existing.Cycles
		}
		if p.SlackChannels == nil {
			p.SlackChannels = existing.SlackChannels
		}
	} else {
		p.ID = newID()
		p.CreatedAt = tx.now
	}
	p.UpdatedAt = tx.now
	tx.state.proposals[p.ProposalID] = cloneProposal(p)
	return cloneProposal(p), nil
}

func (tx *transaction) UpdateProposal(id string, mutate func(*domain.Proposal) error) (domain.Proposal, error) {
	current, ok := tx.state.proposals[id]
	if !ok {
		return domain.Proposal{}, store.ErrNotFound
	}
	current = cloneProposal(current)
	if err := mutate(&current); err != nil {
		return domain.Proposal{}, err
	}
	current.ProposalID = id
	current.UpdatedAt = tx.now
	tx.state.proposals[id] = cloneProposal(current)
	return cloneProposal(current), nil
}

func (tx *transaction) PutAPIUser(u domain.APIUser) (domain.APIUser, error) {
	if u.Username == "" {
		return domain.APIUser{}, store.ConflictError{Entity: domain.EntityAPIUser, Detail: "username required"}
	}
	if existing, ok := tx.state.apiUsers[u.Username]; ok {
		u.Base = existing.Base
	} else {
		u.ID = newID()
		u.CreatedAt = tx.now
	}
	u.UpdatedAt = tx.now
	tx.state.apiUsers[u.Username] = u
	return u, nil
}

func (tx *transaction) CreateAPIKey(k domain.APIKey) (domain.APIKey, error) {
	if k.FirstEight == "" {
		return domain.APIKey{}, store.ConflictError{Entity: domain.EntityAPIKey, Detail: "first eight required"}
	}
	if _, exists := tx.state.apiKeys[k.FirstEight]; exists {
		return domain.APIKey{}, store.ConflictError{Entity: domain.EntityAPIKey, Detail: "duplicate key prefix " + k.FirstEight}
	}
	k.ID = newID()
	k.CreatedAt = tx.now
	k.UpdatedAt = tx.now
	tx.state.apiKeys[k.FirstEight] = k
	return k, nil
}

func (tx *transaction) InvalidateAPIKeys(username string) int {
	count := 0
	for firstEight, k := range tx.state.apiKeys {
		if k.Username != username || !k.Valid {
			continue
		}
		k.Valid = false
		k.UpdatedAt = tx.now
		tx.state.apiKeys[firstEight] = k
		count++
	}
	return count
}

func (tx *transaction) CreateJob(j domain.BackgroundJob) (domain.BackgroundJob, error) {
	if j.ID == "" {
		j.ID = newID()
	}
	if _, exists := tx.state.jobs[j.ID]; exists {
		return domain.BackgroundJob{}, store.ConflictError{Entity: domain.EntityJob, Detail: "duplicate job " + j.ID}
	}
	if j.Status == "" {
		j.Status = domain.JobStatusAwaiting
	}
	j.CreatedAt = tx.now
	j.UpdatedAt = tx.now
	tx.state.jobs[j.ID] = cloneJob(j)
	return cloneJob(j), nil
}

func (tx *transaction) UpdateJob(id string, mutate func(*domain.BackgroundJob) error) (domain.BackgroundJob, error) {
	current, ok := tx.state.jobs[id]
	if !ok {
		return domain.BackgroundJob{}, store.ErrNotFound
	}
	current = cloneJob(current)
	if err := mutate(&current); err != nil {
		return domain.BackgroundJob{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.jobs[id] = cloneJob(current)
	return cloneJob(current), nil
}

// ClaimNextJob takes the oldest awaiting job, marks it processing, and
// returns it. The queue is FIFO by creation time.
func (tx *transaction) ClaimNextJob() (domain.BackgroundJob, bool) {
	var oldest *domain.BackgroundJob
	for id := range tx.state.jobs {
		j := tx.state.jobs[id]
		if j.Status != domain.JobStatusAwaiting {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			copyJ := cloneJob(j)
			oldest = &copyJ
		}
	}
	if oldest == nil {
		return domain.BackgroundJob{}, false
	}
	oldest.Status = domain.JobStatusProcessing
	start := tx.now
	oldest.StartTime = &start
	oldest.UpdatedAt = tx.now
	tx.state.jobs[oldest.ID] = cloneJob(*oldest)
	return cloneJob(*oldest), true
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
