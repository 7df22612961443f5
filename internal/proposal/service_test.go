package proposal

import (
	"context"
	"errors"
	"strings"
	"testing"

	"facilityapi/internal/store"
	"facilityapi/internal/store/memory"
	"facilityapi/pkg/domain"
)

func strPtr(s string) *string { return &s }

func seed(t *testing.T, st *memory.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := st.RunInTransaction(context.Background(), fn); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func testBeamline() domain.Beamline {
	return domain.Beamline{
		Name:     "ZZZ",
		Facility: "nsls2",
		ServiceAccounts: domain.ServiceAccounts{
			IOC:      strPtr("testy-mctestface-ioc"),
			Workflow: strPtr("testy-mctestface-workflow"),
			Bluesky:  strPtr("testy-mctestface-bluesky"),
		},
	}
}

func TestDirectoryDerivation(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		if _, err := tx.UpsertBeamline(testBeamline()); err != nil {
			return err
		}
		_, err := tx.UpsertProposal(domain.Proposal{
			ProposalID:  "314159",
			DataSession: strPtr("pass-314159"),
			Instruments: []string{"ZZZ"},
			Cycles:      []string{"1999-1"},
		})
		return err
	})

	dirs, err := svc.Directories(context.Background(), "314159")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(dirs) != 1 {
		t.Fatalf("expected one directory, got %d", len(dirs))
	}
	dir := dirs[0]
	if dir.Path != "/nsls2/data/zzz/proposals/1999-1/pass-314159" {
		t.Fatalf("unexpected path %q", dir.Path)
	}
	if dir.Owner != "nsls2data" || dir.Group != "pass-314159" {
		t.Fatalf("unexpected ownership %s:%s", dir.Owner, dir.Group)
	}

	wantUsers := map[string]string{
		"nsls2data":                 "rw",
		"testy-mctestface-workflow": "rw",
		"testy-mctestface-ioc":      "rw",
		"testy-mctestface-bluesky":  "r",
	}
	if len(dir.Users) != len(wantUsers) {
		t.Fatalf("user acl count %d, want %d: %+v", len(dir.Users), len(wantUsers), dir.Users)
	}
	for _, entry := range dir.Users {
		if wantUsers[entry.Name] != entry.Permissions {
			t.Fatalf("user acl %s=%s unexpected", entry.Name, entry.Permissions)
		}
	}

	wantGroups := map[string]string{
		"pass-314159":              "rw",
		"n2sn-right-dataadmin":     "rw",
		"n2sn-right-dataadmin-zzz": "rw",
	}
	if len(dir.Groups) != len(wantGroups) {
		t.Fatalf("group acl count %d: %+v", len(dir.Groups), dir.Groups)
	}
	for _, entry := range dir.Groups {
		if wantGroups[entry.Name] != entry.Permissions {
			t.Fatalf("group acl %s=%s unexpected", entry.Name, entry.Permissions)
		}
	}
}

func TestDirectoryDerivationSynchWeb(t *testing.T) {
	b := testBeamline()
	b.ServiceAccounts.SynchWeb = strPtr("zzz-synchweb")
	b.Services = []domain.BeamlineService{{Name: "synchweb"}}
	dirs, err := DeriveDirectories(domain.Proposal{
		ProposalID:  "5",
		DataSession: strPtr("pass-5"),
		Instruments: []string{"ZZZ"},
		Cycles:      []string{"2024-1"},
	}, map[string]domain.Beamline{"ZZZ": b})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	found := false
	for _, entry := range dirs[0].Users {
		if entry.Name == "zzz-synchweb" && entry.Permissions == "r" {
			found = true
		}
	}
	if !found {
		t.Fatalf("synchweb account missing from ACLs: %+v", dirs[0].Users)
	}
}

func TestCommissioningDirectoryUsesVirtualCycle(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		if _, err := tx.UpsertBeamline(testBeamline()); err != nil {
			return err
		}
		_, err := tx.UpsertProposal(domain.Proposal{
			ProposalID:  "900001",
			DataSession: strPtr("pass-900001"),
			Instruments: []string{"ZZZ"},
			PassTypeID:  strPtr("300005"),
		})
		return err
	})

	dirs, err := svc.Directories(context.Background(), "900001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(dirs) != 1 || dirs[0].Path != "/nsls2/data/zzz/proposals/commissioning/pass-900001" {
		t.Fatalf("unexpected directories %+v", dirs)
	}
}

func TestDirectoryPreconditions(t *testing.T) {
	_, err := DeriveDirectories(domain.Proposal{ProposalID: "7"}, nil)
	var precondition PreconditionError
	if !errors.As(err, &precondition) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	want := map[string]bool{"data_session": true, "instruments": true, "cycles": true}
	if len(precondition.Missing) != len(want) {
		t.Fatalf("missing fields %v", precondition.Missing)
	}
	for _, field := range precondition.Missing {
		if !want[field] {
			t.Fatalf("unexpected missing field %q", field)
		}
	}
}

func TestDirectoryDerivationUnknownBeamline(t *testing.T) {
	p := domain.Proposal{
		ProposalID:  "7",
		DataSession: strPtr("pass-7"),
		Instruments: []string{"GHOST"},
		Cycles:      []string{"2024-1"},
	}
	_, err := DeriveDirectories(p, nil)
	if err == nil || !strings.Contains(err.Error(), "GHOST") {
		t.Fatalf("expected unknown beamline error naming GHOST, got %v", err)
	}
}

func TestPrincipalInvestigator(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		proposals := []domain.Proposal{
			{ProposalID: "none", Users: []domain.ProposalUser{{Email: "a@b.gov"}}},
			{ProposalID: "one", Users: []domain.ProposalUser{{Email: "a@b.gov", IsPI: true}, {Email: "c@d.gov"}}},
			{ProposalID: "two", Users: []domain.ProposalUser{{Email: "a@b.gov", IsPI: true}, {Email: "c@d.gov", IsPI: true}}},
		}
		for _, p := range proposals {
			if _, err := tx.UpsertProposal(p); err != nil {
				return err
			}
		}
		return nil
	})

	if _, err := svc.PrincipalInvestigator(context.Background(), "none"); !errors.Is(err, ErrNoPI) {
		t.Fatalf("expected ErrNoPI, got %v", err)
	}
	pi, err := svc.PrincipalInvestigator(context.Background(), "one")
	if err != nil || pi.Email != "a@b.gov" {
		t.Fatalf("pi=%+v err=%v", pi, err)
	}
	if _, err := svc.PrincipalInvestigator(context.Background(), "two"); !errors.Is(err, ErrMultiplePIs) {
		t.Fatalf("expected ErrMultiplePIs, got %v", err)
	}
}

func TestSetLockedAbortsWhenAnyMissing(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		_, err := tx.UpsertProposal(domain.Proposal{ProposalID: "314159"})
		return err
	})

	result, err := svc.SetLocked(context.Background(), []string{"314159", "999"}, true)
	if err != nil {
		t.Fatalf("set locked: %v", err)
	}
	if !result.AnyMissing() || len(result.NotFound) != 1 || result.NotFound[0] != "999" {
		t.Fatalf("unexpected result %+v", result)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		p, _ := v.FindProposal("314159")
		if p.Locked {
			t.Fatalf("proposal mutated despite missing batch member")
		}
		return nil
	})

	result, err = svc.SetLocked(context.Background(), []string{"314159"}, true)
	if err != nil || result.AnyMissing() {
		t.Fatalf("clean batch failed: %+v err=%v", result, err)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		p, _ := v.FindProposal("314159")
		if !p.Locked {
			t.Fatalf("proposal not locked")
		}
		return nil
	})
}

func TestUnlockBeamlineIgnoresCycles(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		if _, err := tx.UpsertBeamline(testBeamline()); err != nil {
			return err
		}
		proposals := []domain.Proposal{
			{ProposalID: "1", Instruments: []string{"ZZZ"}, Cycles: []string{"2024-1"}},
			{ProposalID: "2", Instruments: []string{"ZZZ"}, Cycles: []string{"2024-2"}},
			{ProposalID: "3", Instruments: []string{"YYY"}, Cycles: []string{"2024-1"}},
		}
		for _, p := range proposals {
			if _, err := tx.UpsertProposal(p); err != nil {
				return err
			}
			if _, err := tx.UpdateProposal(p.ProposalID, func(p *domain.Proposal) error {
				p.Locked = true
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})

	unlocked, err := svc.UnlockBeamline(context.Background(), "zzz")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if len(unlocked) != 2 {
		t.Fatalf("expected proposals from every cycle, got %v", unlocked)
	}
	_ = st.View(context.Background(), func(v store.View) error {
		if p, _ := v.FindProposal("3"); !p.Locked {
			t.Fatalf("other beamline's proposal unlocked")
		}
		return nil
	})

	if _, err := svc.UnlockBeamline(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown beamline, got %v", err)
	}
}

func TestCommissioningListing(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		proposals := []domain.Proposal{
			{ProposalID: "1", PassTypeID: strPtr("300005"), Instruments: []string{"ZZZ"}},
			{ProposalID: "2", Cycles: []string{"commissioning"}, Instruments: []string{"YYY"}},
			{ProposalID: "3", Cycles: []string{"2024-1"}, Instruments: []string{"ZZZ"}},
		}
		for _, p := range proposals {
			if _, err := tx.UpsertProposal(p); err != nil {
				return err
			}
		}
		return nil
	})

	all, err := svc.Commissioning(context.Background(), "")
	if err != nil || len(all) != 2 {
		t.Fatalf("commissioning listing: %v (%d)", err, len(all))
	}
	zzz, err := svc.Commissioning(context.Background(), "zzz")
	if err != nil || len(zzz) != 1 || zzz[0].ProposalID != "1" {
		t.Fatalf("beamline-scoped commissioning: %v %+v", err, zzz)
	}
}

func TestSessionsForUser(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		if _, err := tx.UpsertFacility(domain.Facility{FacilityID: "nsls2", DataAdmins: []string{"root"}}); err != nil {
			return err
		}
		b := testBeamline()
		b.DataAdmins = []string{"alice"}
		if _, err := tx.UpsertBeamline(b); err != nil {
			return err
		}
		_, err := tx.UpsertProposal(domain.Proposal{
			ProposalID:  "314159",
			DataSession: strPtr("pass-314159"),
			Users:       []domain.ProposalUser{{Username: strPtr("alice")}},
		})
		return err
	})

	access, err := svc.SessionsForUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(access.DataSessions) != 1 || access.DataSessions[0] != "pass-314159" {
		t.Fatalf("data sessions %v", access.DataSessions)
	}
	if len(access.BeamlineAllAccess) != 1 || access.BeamlineAllAccess[0] != "ZZZ" {
		t.Fatalf("beamline access %v", access.BeamlineAllAccess)
	}
	if len(access.FacilityAllAccess) != 0 {
		t.Fatalf("unexpected facility access %v", access.FacilityAllAccess)
	}

	root, err := svc.SessionsForUser(context.Background(), "root")
	if err != nil || len(root.FacilityAllAccess) != 1 {
		t.Fatalf("facility admin access %+v err=%v", root, err)
	}
}

func TestDataSessionLookup(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		_, err := tx.UpsertProposal(domain.Proposal{
			ProposalID:  "314159",
			DataSession: strPtr("pass-314159"),
			Instruments: []string{"ZZZ"},
		})
		return err
	})

	info, err := svc.DataSession(context.Background(), "PASS-314159")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.ProposalID != "314159" || len(info.Beamlines) != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := svc.DataSession(context.Background(), "pass-0"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBySafetyForm(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st)
	seed(t, st, func(tx store.Tx) error {
		_, err := tx.UpsertProposal(domain.Proposal{
			ProposalID:  "314159",
			SafetyForms: []domain.SafetyForm{{SafID: "400001", Status: "Approved"}},
		})
		return err
	})

	p, err := svc.BySafetyForm(context.Background(), "400001")
	if err != nil || p.ProposalID != "314159" {
		t.Fatalf("saf lookup: %+v err=%v", p, err)
	}
	if _, err := svc.BySafetyForm(context.Background(), "999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
