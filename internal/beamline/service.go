// Package beamline implements beamline queries, detector management, and
// derivation of the per-beamline storage directory skeleton.
package beamline

import (
	"context"
	"fmt"
	"strings"

	"facilityapi/internal/store"
	"facilityapi/internal/strutil"
	"facilityapi/pkg/domain"
)

// DataAdminGroupName is the facility-wide data administration group.
const DataAdminGroupName = "n2sn-right-dataadmin"

// ServiceAccountOwner owns all derived data directories.
const ServiceAccountOwner = "nsls2data"

// Service answers beamline queries against the store.
type Service struct {
	store store.Store
}

// NewService constructs a beamline service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// List returns the beamlines of a facility, or all beamlines when facility
// is empty.
func (s *Service) List(ctx context.Context, facility string) ([]domain.Beamline, error) {
	var out []domain.Beamline
	err := s.store.View(ctx, func(v store.View) error {
		out = v.ListBeamlines(facility)
		return nil
	})
	return out, err
}

// Get returns a beamline by name. Lookups are case-insensitive.
func (s *Service) Get(ctx context.Context, name string) (domain.Beamline, error) {
	var out domain.Beamline
	err := s.store.View(ctx, func(v store.View) error {
		b, ok := v.FindBeamline(name)
		if !ok {
			return fmt.Errorf("beamline %s: %w", name, store.ErrNotFound)
		}
		out = b
		return nil
	})
	return out, err
}

// DataRootFor returns the root of a beamline's data tree, honouring the
// per-beamline override when set.
func DataRootFor(b domain.Beamline) string {
	if b.DataRoot != nil && *b.DataRoot != "" {
		return *b.DataRoot
	}
	return "/nsls2/data/" + strings.ToLower(b.Name)
}

// DataAdminGroupFor returns the directory group whose members administer
// the beamline's data, honouring the per-beamline override when set.
func DataAdminGroupFor(b domain.Beamline) string {
	if b.CustomDataAdminGroup != nil && *b.CustomDataAdminGroup != "" {
		return *b.CustomDataAdminGroup
	}
	return DataAdminGroupName + "-" + strings.ToLower(b.Name)
}

// AddDetector appends a detector to a beamline. Directory names must be
// unique within the beamline.
func (s *Service) AddDetector(ctx context.Context, name string, det domain.Detector) (domain.Beamline, error) {
	if det.DirectoryName == "" {
		return domain.Beamline{}, fmt.Errorf("detector directory name required")
	}
	if det.Granularity == "" {
		det.Granularity = domain.GranularityDay
	}
	var out domain.Beamline
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		updated, err := tx.UpdateBeamline(name, func(b *domain.Beamline) error {
			for _, existing := range b.Detectors {
				if strings.EqualFold(existing.DirectoryName, det.DirectoryName) {
					return store.ConflictError{
						Entity: domain.EntityBeamline,
						Detail: fmt.Sprintf("detector directory %q already exists on %s", det.DirectoryName, b.Name),
					}
				}
			}
			b.Detectors = append(b.Detectors, det)
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

// DeleteDetector removes a detector by its directory name.
func (s *Service) DeleteDetector(ctx context.Context, name, directoryName string) error {
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		_, err := tx.UpdateBeamline(name, func(b *domain.Beamline) error {
			kept := b.Detectors[:0]
			found := false
			for _, det := range b.Detectors {
				if strings.EqualFold(det.DirectoryName, directoryName) {
					found = true
					continue
				}
				kept = append(kept, det)
			}
			if !found {
				return fmt.Errorf("detector %s: %w", directoryName, store.ErrNotFound)
			}
			b.Detectors = kept
			return nil
		})
		return err
	})
}

// AddService registers a deployed software service on a beamline. Service
// names must be unique within the beamline.
func (s *Service) AddService(ctx context.Context, name string, svc domain.BeamlineService) (domain.Beamline, error) {
	if svc.Name == "" {
		return domain.Beamline{}, fmt.Errorf("service name required")
	}
	var out domain.Beamline
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		updated, err := tx.UpdateBeamline(name, func(b *domain.Beamline) error {
			for _, existing := range b.Services {
				if strings.EqualFold(existing.Name, svc.Name) {
					return store.ConflictError{
						Entity: domain.EntityBeamline,
						Detail: fmt.Sprintf("service %q already exists on %s", svc.Name, b.Name),
					}
				}
			}
			b.Services = append(b.Services, svc)
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

// ReplaceDataAdmins overwrites the beamline's data-admin list.
func (s *Service) ReplaceDataAdmins(ctx context.Context, name string, admins []string) (domain.Beamline, error) {
	var out domain.Beamline
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		updated, err := tx.UpdateBeamline(name, func(b *domain.Beamline) error {
			b.DataAdmins = append([]string(nil), admins...)
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

// DirectorySkeleton derives the asset directory tree a beamline needs
// before any proposal data lands: a top-level assets directory plus one
// directory per detector and a catch-all default.
func (s *Service) DirectorySkeleton(ctx context.Context, name string) ([]domain.Directory, error) {
	b, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return SkeletonFor(b), nil
}

// SkeletonFor derives the asset directory skeleton for a beamline. The
// assets directory itself only lets the ioc accounts read; the per-detector
// directories below it widen that to read-write.
func SkeletonFor(b domain.Beamline) []domain.Directory {
	root := DataRootFor(b)
	adminGroup := DataAdminGroupFor(b)

	groups := []domain.ACLEntry{
		{Name: adminGroup, Permissions: domain.PermRead},
		{Name: DataAdminGroupName, Permissions: domain.PermRead},
	}

	dirs := []domain.Directory{{
		Path:        strutil.JoinURL(root, "assets"),
		Owner:       ServiceAccountOwner,
		Group:       adminGroup,
		Beamline:    b.Name,
		Granularity: domain.GranularityFlat,
		Users:       assetUsers(b.ServiceAccounts, domain.PermRead),
		Groups:      groups,
	}}

	detectorUsers := assetUsers(b.ServiceAccounts, domain.PermReadWrite)
	for _, det := range b.Detectors {
		granularity := det.Granularity
		if granularity == "" {
			granularity = domain.GranularityDay
		}
		dirs = append(dirs, domain.Directory{
			Path:        strutil.JoinURL(root, "assets", det.DirectoryName),
			Owner:       ServiceAccountOwner,
			Group:       adminGroup,
			Beamline:    b.Name,
			Granularity: granularity,
			Users:       detectorUsers,
			Groups:      groups,
		})
	}
	dirs = append(dirs, domain.Directory{
		Path:        strutil.JoinURL(root, "assets", "default"),
		Owner:       ServiceAccountOwner,
		Group:       adminGroup,
		Beamline:    b.Name,
		Granularity: domain.GranularityDay,
		Users:       detectorUsers,
		Groups:      groups,
	})
	return dirs
}

// assetUsers builds the user ACL for a skeleton directory. iocPerms is the
// access granted to the ioc and softioc accounts.
func assetUsers(accounts domain.ServiceAccounts, iocPerms string) []domain.ACLEntry {
	var users []domain.ACLEntry
	add := func(account *string, perms string) {
		if account != nil && *account != "" {
			users = append(users, domain.ACLEntry{Name: *account, Permissions: perms})
		}
	}
	add(accounts.IOC, iocPerms)
	add(accounts.SoftIOC, iocPerms)
	add(accounts.Bluesky, domain.PermReadWrite)
	add(accounts.Workflow, domain.PermRead)
	users = append(users, domain.ACLEntry{Name: ServiceAccountOwner, Permissions: domain.PermReadWrite})
	return users
}
