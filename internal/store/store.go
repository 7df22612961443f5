// Package store defines the persistence contract shared by the memory,
// Postgres, and SQLite backends.
package store

import (
	"context"
	"errors"
	"fmt"

	"facilityapi/pkg/domain"
)

// ErrNotFound reports a lookup that matched nothing.
var ErrNotFound = errors.New("not found")

// ConflictError reports a write that violated a uniqueness constraint.
type ConflictError struct {
	Entity domain.EntityType
	Detail string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Detail)
}

// ProposalFilter narrows proposal listings. Zero values match everything.
type ProposalFilter struct {
	Beamline string
	Cycle    string
	Facility string
	Offset   int
	Limit    int
}

// View exposes read-only access to a consistent snapshot of the store.
type View interface {
	ListFacilities() []domain.Facility
	FindFacility(facilityID string) (domain.Facility, bool)

	ListCycles(facility string) []domain.Cycle
	FindCycle(facility, name string) (domain.Cycle, bool)
	CurrentOperatingCycle(facility string) (domain.Cycle, bool)

	ListBeamlines(facility string) []domain.Beamline
	FindBeamline(name string) (domain.Beamline, bool)

	ListProposalTypes(facility string) []domain.ProposalType
	FindProposalTypeByPassID(facility, passID string) (domain.ProposalType, bool)

	ListProposals(filter ProposalFilter) []domain.Proposal
	CountProposals(filter ProposalFilter) int
	FindProposal(proposalID string) (domain.Proposal, bool)
	SearchProposals(query string) []domain.Proposal

	FindAPIUser(username string) (domain.APIUser, bool)
	FindAPIKeyByFirstEight(firstEight string) (domain.APIKey, bool)
	ListAPIKeys(username string) []domain.APIKey

	FindJob(jobID string) (domain.BackgroundJob, bool)
	ListJobs(status domain.JobStatus) []domain.BackgroundJob
}

// Tx extends View with mutations. All writes within one transaction commit
// atomically or not at all.
type Tx interface {
	View

	UpsertFacility(f domain.Facility) (domain.Facility, error)
	UpdateFacility(facilityID string, mutate func(*domain.Facility) error) (domain.Facility, error)

	UpsertCycle(c domain.Cycle) (domain.Cycle, error)
	UpdateCycle(facility, name string, mutate func(*domain.Cycle) error) (domain.Cycle, error)
	SetCurrentOperatingCycle(facility, name string) error

	UpsertBeamline(b domain.Beamline) (domain.Beamline, error)
	UpdateBeamline(name string, mutate func(*domain.Beamline) error) (domain.Beamline, error)

	UpsertProposalType(t domain.ProposalType) (domain.ProposalType, error)

	UpsertProposal(p domain.Proposal) (domain.Proposal, error)
	UpdateProposal(proposalID string, mutate func(*domain.Proposal) error) (domain.Proposal, error)

	PutAPIUser(u domain.APIUser) (domain.APIUser, error)
	CreateAPIKey(k domain.APIKey) (domain.APIKey, error)
	InvalidateAPIKeys(username string) int

	CreateJob(j domain.BackgroundJob) (domain.BackgroundJob, error)
	UpdateJob(jobID string, mutate func(*domain.BackgroundJob) error) (domain.BackgroundJob, error)
	ClaimNextJob() (domain.BackgroundJob, bool)
}

// Store is the persistence entry point used by all services.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(View) error) error
}
