package facility

import (
	"context"
	"errors"
	"testing"
	"time"

	"facilityapi/internal/store"
	"facilityapi/internal/store/memory"
	"facilityapi/pkg/domain"
)

func timePtr(t time.Time) *time.Time { return &t }

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	err := st.RunInTransaction(context.Background(), func(tx store.Tx) error {
		if _, err := tx.UpsertFacility(domain.Facility{FacilityID: "nsls2", Name: "NSLS-II"}); err != nil {
			return err
		}
		cycles := []domain.Cycle{
			{
				Facility: "nsls2",
				Name:     "2024-1",
				Start:    timePtr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
				End:      timePtr(time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)),
			},
			{
				Facility: "nsls2",
				Name:     "2024-2",
				Start:    timePtr(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
				End:      timePtr(time.Date(2024, 8, 31, 0, 0, 0, 0, time.UTC)),
			},
		}
		for _, c := range cycles {
			if _, err := tx.UpsertCycle(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return NewService(st), st
}

func TestSetCurrentOperatingCycleMovesFlag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CurrentOperatingCycle(ctx, "nsls2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no current cycle initially, got %v", err)
	}

	c, err := svc.SetCurrentOperatingCycle(ctx, "nsls2", "2024-1")
	if err != nil || c.Name != "2024-1" {
		t.Fatalf("set: %+v err=%v", c, err)
	}

	c, err = svc.SetCurrentOperatingCycle(ctx, "nsls2", "2024-2")
	if err != nil || c.Name != "2024-2" {
		t.Fatalf("move: %+v err=%v", c, err)
	}
	current, err := svc.CurrentOperatingCycle(ctx, "nsls2")
	if err != nil || current.Name != "2024-2" {
		t.Fatalf("current after move: %+v err=%v", current, err)
	}

	cycles, err := svc.Cycles(ctx, "nsls2")
	if err != nil {
		t.Fatalf("cycles: %v", err)
	}
	flagged := 0
	for _, c := range cycles {
		if c.CurrentOperating {
			flagged++
		}
	}
	if flagged != 1 {
		t.Fatalf("expected exactly one current cycle, got %d", flagged)
	}
}

func TestSetCurrentOperatingCycleUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.SetCurrentOperatingCycle(context.Background(), "nsls2", "1999-9"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.SetCurrentOperatingCycle(context.Background(), "nope", "2024-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown facility, got %v", err)
	}
}

func TestCycleByDate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.CycleByDate(ctx, "nsls2", time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	if err != nil || c.Name != "2024-2" {
		t.Fatalf("mid-cycle lookup: %+v err=%v", c, err)
	}

	// Boundaries are inclusive.
	c, err = svc.CycleByDate(ctx, "nsls2", time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC))
	if err != nil || c.Name != "2024-1" {
		t.Fatalf("end boundary: %+v err=%v", c, err)
	}

	if _, err := svc.CycleByDate(ctx, "nsls2", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found outside all cycles, got %v", err)
	}
	if _, err := svc.CycleByDate(ctx, "nope", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown facility, got %v", err)
	}
}

func TestHealthy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	healthy, err := svc.Healthy(ctx, "nsls2")
	if err != nil || healthy {
		t.Fatalf("expected unhealthy without current cycle: %v %v", healthy, err)
	}
	if _, err := svc.SetCurrentOperatingCycle(ctx, "nsls2", "2024-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	healthy, err = svc.Healthy(ctx, "nsls2")
	if err != nil || !healthy {
		t.Fatalf("expected healthy: %v %v", healthy, err)
	}
	if _, err := svc.Healthy(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplaceDataAdmins(t *testing.T) {
	svc, _ := newTestService(t)
	f, err := svc.ReplaceDataAdmins(context.Background(), "nsls2", []string{"alice"})
	if err != nil || len(f.DataAdmins) != 1 || f.DataAdmins[0] != "alice" {
		t.Fatalf("replace: %+v err=%v", f, err)
	}
	admins, err := svc.DataAdmins(context.Background(), "nsls2")
	if err != nil || len(admins) != 1 {
		t.Fatalf("read back: %v %v", admins, err)
	}
}
