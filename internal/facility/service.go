// Package facility implements facility and operating cycle operations.
package facility

import (
	"context"
	"fmt"
	"time"

	"facilityapi/internal/store"
	"facilityapi/pkg/domain"
)

// Service answers facility and cycle queries against the store.
type Service struct {
	store store.Store
}

// NewService constructs a facility service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// List returns all known facilities.
func (s *Service) List(ctx context.Context) ([]domain.Facility, error) {
	var out []domain.Facility
	err := s.store.View(ctx, func(v store.View) error {
		out = v.ListFacilities()
		return nil
	})
	return out, err
}

// Get returns a facility by its identifier.
func (s *Service) Get(ctx context.Context, facilityID string) (domain.Facility, error) {
	var out domain.Facility
	err := s.store.View(ctx, func(v store.View) error {
		f, ok := v.FindFacility(facilityID)
		if !ok {
			return fmt.Errorf("facility %s: %w", facilityID, store.ErrNotFound)
		}
		out = f
		return nil
	})
	return out, err
}

// Cycles returns the operating cycles of a facility.
func (s *Service) Cycles(ctx context.Context, facilityID string) ([]domain.Cycle, error) {
	if _, err := s.Get(ctx, facilityID); err != nil {
		return nil, err
	}
	var out []domain.Cycle
	err := s.store.View(ctx, func(v store.View) error {
		out = v.ListCycles(facilityID)
		return nil
	})
	return out, err
}

// CurrentOperatingCycle returns the cycle currently flagged as operating
// for the facility.
func (s *Service) CurrentOperatingCycle(ctx context.Context, facilityID string) (domain.Cycle, error) {
	var out domain.Cycle
	err := s.store.View(ctx, func(v store.View) error {
		c, ok := v.CurrentOperatingCycle(facilityID)
		if !ok {
			return fmt.Errorf("current operating cycle for %s: %w", facilityID, store.ErrNotFound)
		}
		out = c
		return nil
	})
	return out, err
}

// SetCurrentOperatingCycle moves the current-operating flag to the named
// cycle, releasing it from the previous holder in the same transaction.
func (s *Service) SetCurrentOperatingCycle(ctx context.Context, facilityID, cycle string) (domain.Cycle, error) {
	var out domain.Cycle
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		if _, ok := tx.FindFacility(facilityID); !ok {
			return fmt.Errorf("facility %s: %w", facilityID, store.ErrNotFound)
		}
		if err := tx.SetCurrentOperatingCycle(facilityID, cycle); err != nil {
			return fmt.Errorf("set current cycle %s for %s: %w", cycle, facilityID, err)
		}
		c, ok := tx.CurrentOperatingCycle(facilityID)
		if !ok {
			return fmt.Errorf("current cycle %s for %s not visible after set", cycle, facilityID)
		}
		out = c
		return nil
	})
	return out, err
}

// CycleProposals returns the proposal IDs allocated to a cycle.
func (s *Service) CycleProposals(ctx context.Context, facilityID, cycle string) ([]string, error) {
	var out []string
	err := s.store.View(ctx, func(v store.View) error {
		c, ok := v.FindCycle(facilityID, cycle)
		if !ok {
			return fmt.Errorf("cycle %s at %s: %w", cycle, facilityID, store.ErrNotFound)
		}
		out = c.Proposals
		return nil
	})
	return out, err
}

// CycleByDate finds the cycle whose date range contains the given time.
func (s *Service) CycleByDate(ctx context.Context, facilityID string, at time.Time) (domain.Cycle, error) {
	var out domain.Cycle
	err := s.store.View(ctx, func(v store.View) error {
		if _, ok := v.FindFacility(facilityID); !ok {
			return fmt.Errorf("facility %s: %w", facilityID, store.ErrNotFound)
		}
		for _, c := range v.ListCycles(facilityID) {
			if c.Start == nil || c.End == nil {
				continue
			}
			if !at.Before(*c.Start) && !at.After(*c.End) {
				out = c
				return nil
			}
		}
		return fmt.Errorf("no cycle at %s covers %s: %w", facilityID, at.Format("2006-01-02"), store.ErrNotFound)
	})
	return out, err
}

// DataAdmins returns the facility-wide data administrators.
func (s *Service) DataAdmins(ctx context.Context, facilityID string) ([]string, error) {
	f, err := s.Get(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	return f.DataAdmins, nil
}

// ReplaceDataAdmins overwrites the facility-wide data administrator list.
func (s *Service) ReplaceDataAdmins(ctx context.Context, facilityID string, admins []string) (domain.Facility, error) {
	var out domain.Facility
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		updated, err := tx.UpdateFacility(facilityID, func(f *domain.Facility) error {
			f.DataAdmins = append([]string(nil), admins...)
			return nil
		})
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// Healthy reports whether the facility has exactly one current operating
// cycle recorded.
func (s *Service) Healthy(ctx context.Context, facilityID string) (bool, error) {
	if _, err := s.Get(ctx, facilityID); err != nil {
		return false, err
	}
	healthy := false
	err := s.store.View(ctx, func(v store.View) error {
		_, healthy = v.CurrentOperatingCycle(facilityID)
		return nil
	})
	return healthy, err
}
