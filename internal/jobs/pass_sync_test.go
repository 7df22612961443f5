package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"testing"

	"facilityapi/internal/store"
	"facilityapi/internal/store/memory"
	"facilityapi/internal/upstream/pass"
	"facilityapi/internal/upstream/people"
	"facilityapi/pkg/domain"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

type fakePass struct {
	proposals     map[string]pass.Proposal
	safs          map[string][]pass.SAF
	types         []pass.ProposalType
	cycles        []pass.Cycle
	commissioning []pass.Proposal
	allocations   map[string][]pass.Allocation
}

func (f *fakePass) Proposal(_ context.Context, _, proposalID string) (pass.Proposal, error) {
	p, ok := f.proposals[proposalID]
	if !ok {
		return pass.Proposal{}, fmt.Errorf("proposal %s not in fixture", proposalID)
	}
	return p, nil
}

func (f *fakePass) ProposalTypes(context.Context, string) ([]pass.ProposalType, error) {
	return f.types, nil
}

func (f *fakePass) SAFs(_ context.Context, _, proposalID string) ([]pass.SAF, error) {
	return f.safs[proposalID], nil
}

func (f *fakePass) CommissioningProposals(context.Context, string, int) ([]pass.Proposal, error) {
	return f.commissioning, nil
}

func (f *fakePass) Cycles(context.Context, string) ([]pass.Cycle, error) {
	return f.cycles, nil
}

func (f *fakePass) ProposalsAllocatedByCycle(_ context.Context, _, cyclePassID string) ([]pass.Allocation, error) {
	return f.allocations[cyclePassID], nil
}

type fakePeople struct {
	byBNLID map[string]people.Person
	byEmail map[string]people.Person
}

func (f *fakePeople) ByBNLID(_ context.Context, bnlID string) (people.Person, error) {
	p, ok := f.byBNLID[bnlID]
	if !ok {
		return people.Person{}, people.ErrNotFound
	}
	return p, nil
}

func (f *fakePeople) ByEmail(_ context.Context, email string) (people.Person, error) {
	p, ok := f.byEmail[email]
	if !ok {
		return people.Person{}, people.ErrNotFound
	}
	return p, nil
}

type fakeGroups struct {
	members map[string][]string
}

func (f *fakeGroups) GroupMembers(_ context.Context, group string) ([]string, error) {
	return f.members[group], nil
}

func seedUpstreamFixture(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.NewStore()
	err := st.RunInTransaction(context.Background(), func(tx store.Tx) error {
		if _, err := tx.UpsertFacility(domain.Facility{FacilityID: "nsls2", PassID: strPtr("NSLS-II")}); err != nil {
			return err
		}
		_, err := tx.UpsertBeamline(domain.Beamline{Name: "ZZZ", Facility: "nsls2", PassID: strPtr("777")})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return st
}

func newPassSync(st *memory.Store, passAPI PassAPI, peopleAPI PeopleAPI, groups GroupsAPI) *PassSynchronizer {
	if peopleAPI == nil {
		peopleAPI = &fakePeople{}
	}
	if groups == nil {
		groups = &fakeGroups{}
	}
	return NewPassSynchronizer(st, passAPI, peopleAPI, groups, slog.New(slog.DiscardHandler), nil)
}

func jobFor(action domain.JobAction, params domain.JobSyncParameters) domain.BackgroundJob {
	source := domain.SyncSourcePASS
	return domain.BackgroundJob{Action: action, Source: &source, Parameters: params}
}

func TestPassSyncProposal(t *testing.T) {
	st := seedUpstreamFixture(t)
	fake := &fakePass{
		proposals: map[string]pass.Proposal{
			"314159": {
				ProposalID:              intPtr(314159),
				ProposalTypeID:          intPtr(300001),
				ProposalTypeDescription: "General User",
				Title:                   "Structure of Things",
				PI:                      &pass.Person{BNLID: "11111", Email: "pi@university.edu", FirstName: "Pat"},
				Experimenters: []pass.Experimenter{
					{BNLID: "11111", Email: "pi@university.edu", FirstName: "Pat"},
					{BNLID: "22222", Email: "student@university.edu", FirstName: "Sam"},
				},
				Resources: []pass.Resource{{ID: intPtr(777)}, {ID: intPtr(999)}},
			},
		},
		safs: map[string][]pass.SAF{
			"314159": {{SAFID: intPtr(400001), Status: "Approved", Resources: []pass.Resource{{ID: intPtr(777)}}}},
		},
	}
	directory := &fakePeople{byBNLID: map[string]people.Person{
		"11111": {Username: "pat"},
	}}
	sync := newPassSync(st, fake, directory, nil)

	err := sync.Run(context.Background(), jobFor(domain.ActionSynchronizeProposal, domain.JobSyncParameters{
		ProposalID: strPtr("314159"),
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	_ = st.View(context.Background(), func(v store.View) error {
		p, ok := v.FindProposal("314159")
		if !ok {
			t.Fatalf("proposal not stored")
		}
		if p.DataSession == nil || *p.DataSession != "pass-314159" {
			t.Fatalf("data session %v", p.DataSession)
		}
		if len(p.Instruments) != 1 || p.Instruments[0] != "ZZZ" {
			t.Fatalf("instruments %v: unknown resources must be dropped", p.Instruments)
		}
		if p.PassTypeID == nil || *p.PassTypeID != "300001" {
			t.Fatalf("pass type id %v", p.PassTypeID)
		}
		if len(p.Users) != 2 {
			t.Fatalf("users %+v", p.Users)
		}
		var pi *domain.ProposalUser
		for i := range p.Users {
			if p.Users[i].IsPI {
				if pi != nil {
					t.Fatalf("multiple PIs marked")
				}
				pi = &p.Users[i]
			}
		}
		if pi == nil || pi.Email != "pi@university.edu" {
			t.Fatalf("pi not identified: %+v", p.Users)
		}
		if pi.Username == nil || *pi.Username != "pat" {
			t.Fatalf("pi username %v", pi.Username)
		}
		if len(p.SafetyForms) != 1 || p.SafetyForms[0].SafID != "400001" {
			t.Fatalf("safety forms %+v", p.SafetyForms)
		}
		if len(p.SafetyForms[0].Instruments) != 1 || p.SafetyForms[0].Instruments[0] != "ZZZ" {
			t.Fatalf("saf instruments %+v", p.SafetyForms[0].Instruments)
		}
		return nil
	})
}

func TestPassSyncProposalAppendsUnlistedPI(t *testing.T) {
	st := seedUpstreamFixture(t)
	fake := &fakePass{
		proposals: map[string]pass.Proposal{
			"42": {
				ProposalID: intPtr(42),
				Title:      "No PI Among Experimenters",
				PI:         &pass.Person{BNLID: "33333", Email: "boss@lab.gov"},
				Experimenters: []pass.Experimenter{
					{BNLID: "22222", Email: "student@university.edu"},
				},
			},
		},
	}
	sync := newPassSync(st, fake, nil, nil)

	err := sync.Run(context.Background(), jobFor(domain.ActionSynchronizeProposal, domain.JobSyncParameters{
		ProposalID: strPtr("42"),
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		p, _ := v.FindProposal("42")
		if len(p.Users) != 2 {
			t.Fatalf("expected synthetic PI appended, users %+v", p.Users)
		}
		last := p.Users[len(p.Users)-1]
		if !last.IsPI || last.Email != "boss@lab.gov" {
			t.Fatalf("synthetic PI wrong: %+v", last)
		}
		return nil
	})
}

func TestPassSyncProposalTypes(t *testing.T) {
	st := seedUpstreamFixture(t)
	fake := &fakePass{types: []pass.ProposalType{
		{ID: intPtr(300001), Code: "GU", Description: "General User"},
		{Code: "skipped, no id"},
	}}
	sync := newPassSync(st, fake, nil, nil)

	if err := sync.Run(context.Background(), jobFor(domain.ActionSynchronizeProposalTypes, domain.JobSyncParameters{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		types := v.ListProposalTypes("nsls2")
		if len(types) != 1 || types[0].PassID != "300001" || types[0].Code != "GU" {
			t.Fatalf("stored types %+v", types)
		}
		return nil
	})
}

func TestPassSyncCycles(t *testing.T) {
	st := seedUpstreamFixture(t)
	fake := &fakePass{cycles: []pass.Cycle{
		{ID: intPtr(501), Name: "2024-2", Year: intPtr(2024), StartDate: "2024-05-01T00:00:00", EndDate: "8/31/2024 11:59:59 PM"},
		{StartDate: "2024-01-01T00:00:00"},
	}}
	sync := newPassSync(st, fake, nil, nil)

	if err := sync.Run(context.Background(), jobFor(domain.ActionSynchronizeCycles, domain.JobSyncParameters{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		cycles := v.ListCycles("nsls2")
		if len(cycles) != 1 {
			t.Fatalf("nameless cycles must be skipped, got %+v", cycles)
		}
		c := cycles[0]
		if c.PassID == nil || *c.PassID != "501" {
			t.Fatalf("cycle pass id %v", c.PassID)
		}
		if c.Start == nil || c.Start.Month() != 5 {
			t.Fatalf("start %v", c.Start)
		}
		if c.End == nil || c.End.Month() != 8 || c.End.Hour() != 23 {
			t.Fatalf("end %v", c.End)
		}
		return nil
	})
}

func TestPassSyncProposalsForCycle(t *testing.T) {
	st := seedUpstreamFixture(t)
	err := st.RunInTransaction(context.Background(), func(tx store.Tx) error {
		if _, err := tx.UpsertCycle(domain.Cycle{Name: "2024-2", Facility: "nsls2", PassID: strPtr("501")}); err != nil {
			return err
		}
		_, err := tx.UpsertProposal(domain.Proposal{ProposalID: "314159", Cycles: []string{"2024-1"}})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	fake := &fakePass{allocations: map[string][]pass.Allocation{
		"501": {
			{ProposalID: intPtr(314159)},
			{ProposalID: intPtr(314159)},
			{ProposalID: intPtr(271828)},
		},
	}}
	sync := newPassSync(st, fake, nil, nil)

	err = sync.Run(context.Background(), jobFor(domain.ActionSynchronizeProposalsForCycle, domain.JobSyncParameters{
		CycleName: strPtr("2024-2"),
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		c, _ := v.FindCycle("nsls2", "2024-2")
		if len(c.Proposals) != 2 {
			t.Fatalf("cycle proposals %v: duplicates must collapse", c.Proposals)
		}
		p, _ := v.FindProposal("314159")
		if len(p.Cycles) != 2 || p.Cycles[0] != "2024-1" || p.Cycles[1] != "2024-2" {
			t.Fatalf("proposal cycles %v", p.Cycles)
		}
		return nil
	})
}

func TestPassSyncCommissioningProposals(t *testing.T) {
	st := seedUpstreamFixture(t)
	fake := &fakePass{commissioning: []pass.Proposal{
		{ProposalID: intPtr(900001), ProposalTypeID: intPtr(300005), Title: "Beamline Commissioning"},
	}}
	sync := newPassSync(st, fake, nil, nil)

	err := sync.Run(context.Background(), jobFor(domain.ActionSynchronizeProposalsForCycle, domain.JobSyncParameters{
		CycleName: strPtr("commissioning"),
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		p, ok := v.FindProposal("900001")
		if !ok {
			t.Fatalf("commissioning proposal not stored")
		}
		if len(p.Cycles) != 1 || p.Cycles[0] != "commissioning" {
			t.Fatalf("cycles %v", p.Cycles)
		}
		c, ok := v.FindCycle("nsls2", "commissioning")
		if !ok || len(c.Proposals) != 1 || c.Proposals[0] != "900001" {
			t.Fatalf("virtual cycle %+v", c)
		}
		return nil
	})
}

func TestSyncAdminsReplacesGroups(t *testing.T) {
	st := seedUpstreamFixture(t)
	groups := &fakeGroups{members: map[string][]string{
		"n2sn-right-dataadmin":     {"facility-admin"},
		"n2sn-right-dataadmin-zzz": {"alice", "bob"},
	}}
	sync := newPassSync(st, &fakePass{}, nil, groups)

	if err := sync.Run(context.Background(), jobFor(domain.ActionSynchronizeAdmins, domain.JobSyncParameters{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		f, _ := v.FindFacility("nsls2")
		if len(f.DataAdmins) != 1 || f.DataAdmins[0] != "facility-admin" {
			t.Fatalf("facility admins %v", f.DataAdmins)
		}
		b, _ := v.FindBeamline("ZZZ")
		if len(b.DataAdmins) != 2 {
			t.Fatalf("beamline admins %v", b.DataAdmins)
		}
		return nil
	})
}

func TestCreateSlackChannel(t *testing.T) {
	st := seedUpstreamFixture(t)
	err := st.RunInTransaction(context.Background(), func(tx store.Tx) error {
		_, err := tx.UpsertProposal(domain.Proposal{
			ProposalID:  "314159",
			DataSession: strPtr("pass-314159"),
			Instruments: []string{"ZZZ"},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	sync := newPassSync(st, &fakePass{}, nil, nil)
	job := jobFor(domain.ActionCreateSlackChannel, domain.JobSyncParameters{ProposalID: strPtr("314159")})

	if err := sync.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		p, _ := v.FindProposal("314159")
		want := []string{"pass-314159", "pass-314159-zzz"}
		if !reflect.DeepEqual(p.SlackChannels, want) {
			t.Fatalf("channels %v, want %v", p.SlackChannels, want)
		}
		return nil
	})

	// A second run finds nothing new to record.
	if err := sync.Run(context.Background(), job); !errorsIsUnneeded(err) {
		t.Fatalf("expected unneeded on rerun, got %v", err)
	}
}

func TestCreateSlackChannelRequiresDataSession(t *testing.T) {
	st := seedUpstreamFixture(t)
	err := st.RunInTransaction(context.Background(), func(tx store.Tx) error {
		_, err := tx.UpsertProposal(domain.Proposal{ProposalID: "314159"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	sync := newPassSync(st, &fakePass{}, nil, nil)
	job := jobFor(domain.ActionCreateSlackChannel, domain.JobSyncParameters{ProposalID: strPtr("314159")})
	if err := sync.Run(context.Background(), job); err == nil {
		t.Fatalf("expected error for proposal without data session")
	}
}

func errorsIsUnneeded(err error) bool { return errors.Is(err, errUnneeded) }

func TestPassSyncAllProposalsIsUnneeded(t *testing.T) {
	sync := newPassSync(seedUpstreamFixture(t), &fakePass{}, nil, nil)
	err := sync.Run(context.Background(), jobFor(domain.ActionSynchronizeAllProposals, domain.JobSyncParameters{}))
	if !errorsIsUnneeded(err) {
		t.Fatalf("expected unneeded, got %v", err)
	}
}
