package domain

import (
	"fmt"
	"time"
)

// JobStatus describes the lifecycle stage of a background job.
type JobStatus string

// Canonical job statuses.
const (
	JobStatusAwaiting   JobStatus = "awaiting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusUnneeded   JobStatus = "unneeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSuccess    JobStatus = "success"
)

// JobAction enumerates the work a background job can perform.
type JobAction string

// Canonical job actions.
const (
	ActionSynchronizeAdmins            JobAction = "synchronize_admins"
	ActionSynchronizeCycles            JobAction = "synchronize_cycles"
	ActionSynchronizeProposal          JobAction = "synchronize_proposal"
	ActionSynchronizeProposalsForCycle JobAction = "synchronize_proposals_for_cycle"
	ActionSynchronizeProposalTypes     JobAction = "synchronize_proposal_types"
	ActionSynchronizeAllProposals      JobAction = "synchronize_all_proposals"
	ActionUpdateCycleInformation       JobAction = "update_cycle_information"
	ActionCreateSlackChannel           JobAction = "create_slack_channel"
)

// SyncSource selects which upstream proposal system a sync job reads from.
type SyncSource string

// Supported upstream sources.
const (
	SyncSourcePASS SyncSource = "pass"
	SyncSourceUPS  SyncSource = "ups"
)

// ParseSyncSource validates a wire value for a sync source.
func ParseSyncSource(s string) (SyncSource, error) {
	switch SyncSource(s) {
	case SyncSourcePASS:
		return SyncSourcePASS, nil
	case SyncSourceUPS:
		return SyncSourceUPS, nil
	default:
		return "", fmt.Errorf("unknown sync source %q", s)
	}
}

// JobSyncParameters carries the target of a sync job. Only the fields the
// action needs are set.
type JobSyncParameters struct {
	SyncDate   *time.Time `json:"sync_date,omitempty"`
	ProposalID *string    `json:"proposal_id,omitempty"`
	CycleName  *string    `json:"cycle,omitempty"`
	Facility   *string    `json:"facility,omitempty"`
	Beamline   *string    `json:"beamline,omitempty"`
	Year       *int       `json:"year,omitempty"`
}

// BackgroundJob records an asynchronous unit of work. Jobs are retained for
// seven days after creation.
type BackgroundJob struct {
	Base
	Action     JobAction         `json:"action"`
	Status     JobStatus         `json:"processing_status"`
	Source     *SyncSource       `json:"sync_source,omitempty"`
	Parameters JobSyncParameters `json:"sync_parameters"`
	LogMessage *string           `json:"log_message,omitempty"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
}

// JobRetention is how long finished and pending jobs remain queryable.
const JobRetention = 7 * 24 * time.Hour
