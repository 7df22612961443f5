// Package domain defines the persistent entities and value types used by
// the facility information API.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the type of record stored in the domain.
type EntityType string

// Supported entity type identifiers used in persistence buckets.
const (
	// EntityFacility identifies a facility record.
	EntityFacility EntityType = "facility"
	// EntityCycle identifies an operating cycle record.
	EntityCycle EntityType = "cycle"
	// EntityProposalType identifies a proposal type record.
	EntityProposalType EntityType = "proposal_type"
	// EntityBeamline identifies a beamline record.
	EntityBeamline EntityType = "beamline"
	// EntityProposal identifies a proposal record.
	EntityProposal EntityType = "proposal"
	// EntityAPIUser identifies an API user record.
	EntityAPIUser EntityType = "api_user"
	// EntityAPIKey identifies an API key record.
	EntityAPIKey EntityType = "api_key"
	// EntityJob identifies a background job record.
	EntityJob EntityType = "job"
)

// DetectorGranularity controls how detector asset directories are cycled.
type DetectorGranularity string

// Canonical detector granularities.
const (
	GranularityFlat  DetectorGranularity = "flat"
	GranularityYear  DetectorGranularity = "year"
	GranularityMonth DetectorGranularity = "month"
	GranularityDay   DetectorGranularity = "day"
	GranularityHour  DetectorGranularity = "hour"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Facility represents a user facility served by the API.
type Facility struct {
	Base
	Name       string   `json:"name"`
	FacilityID string   `json:"facility_id"`
	FullName   string   `json:"fullname"`
	PassID     *string  `json:"pass_facility_id,omitempty"`
	UPSID      *string  `json:"ups_facility_id,omitempty"`
	DataAdmins []string `json:"data_admins"`
}

// Cycle represents an operating cycle of a facility. Proposals allocated to
// the cycle are referenced by proposal ID only; the proposal record carries
// the reverse association by cycle name.
type Cycle struct {
	Base
	Name             string     `json:"name"`
	Facility         string     `json:"facility"`
	Year             *int       `json:"year,omitempty"`
	Start            *time.Time `json:"start_date,omitempty"`
	End              *time.Time `json:"end_date,omitempty"`
	Accepting        *bool      `json:"accepting_proposals,omitempty"`
	Active           *bool      `json:"active,omitempty"`
	CurrentOperating bool       `json:"is_current_operating_cycle"`
	PassDescription  *string    `json:"pass_description,omitempty"`
	PassID           *string    `json:"pass_id,omitempty"`
	UPSID            *string    `json:"ups_id,omitempty"`
	Proposals        []string   `json:"proposals"`
}

// ProposalType captures a facility's proposal classification as defined by
// the upstream proposal system.
type ProposalType struct {
	Base
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Facility    string  `json:"facility_id"`
	PassID      string  `json:"pass_id,omitempty"`
	UPSID       *string `json:"ups_id,omitempty"`
	UPSType     *string `json:"ups_type,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

// ServiceAccounts lists the machine accounts a beamline operates with.
// Accounts that a beamline does not run are left nil.
type ServiceAccounts struct {
	IOC      *string `json:"ioc,omitempty"`
	SoftIOC  *string `json:"softioc,omitempty"`
	Bluesky  *string `json:"bluesky,omitempty"`
	Epics    *string `json:"epics_services,omitempty"`
	Operator *string `json:"operator,omitempty"`
	Workflow *string `json:"workflow,omitempty"`
	LSDC     *string `json:"lsdc,omitempty"`
	SynchWeb *string `json:"synchweb,omitempty"`
}

// BeamlineService describes a deployed software service at a beamline.
type BeamlineService struct {
	Name             string `json:"name"`
	UsedInProduction *bool  `json:"used_in_production,omitempty"`
	HostCount        *int   `json:"host_count,omitempty"`
}

// Detector describes a detector attached to a beamline. DirectoryName is the
// name of the per-detector asset directory and must be unique per beamline.
type Detector struct {
	Name                     string              `json:"name"`
	Description              *string             `json:"description,omitempty"`
	DirectoryName            string              `json:"directory_name"`
	Granularity              DetectorGranularity `json:"granularity"`
	ManufacturerSerialNumber *string             `json:"manufacturer_serial_number,omitempty"`
}

// Beamline represents an instrument end-station.
type Beamline struct {
	Base
	Name                 string            `json:"name"`
	LongName             string            `json:"long_name"`
	Alternative          *string           `json:"alternative_name,omitempty"`
	Facility             string            `json:"facility"`
	PassName             *string           `json:"pass_name,omitempty"`
	PassID               *string           `json:"pass_id,omitempty"`
	PortID               *string           `json:"port_id,omitempty"`
	UPSName              *string           `json:"ups_name,omitempty"`
	UPSID                *string           `json:"ups_id,omitempty"`
	NetworkLocations     []string          `json:"network_locations"`
	ServiceAccounts      ServiceAccounts   `json:"service_accounts"`
	Services             []BeamlineService `json:"services"`
	Detectors            []Detector        `json:"detectors"`
	DataRoot             *string           `json:"data_root,omitempty"`
	GitHubOrg            *string           `json:"github_org,omitempty"`
	DataAdmins           []string          `json:"data_admins"`
	CustomDataAdminGroup *string           `json:"custom_data_admin_group,omitempty"`
	SlackChannelManagers []string          `json:"slack_channel_managers"`
}

// ProposalUser is a person named on a proposal. Username is nil when the
// person has no account at the laboratory.
type ProposalUser struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     string  `json:"email"`
	BNLID     *string `json:"bnl_id,omitempty"`
	Username  *string `json:"username,omitempty"`
	IsPI      bool    `json:"is_pi"`
}

// SafetyForm captures an approved safety review attached to a proposal.
type SafetyForm struct {
	SafID       string   `json:"saf_id"`
	Status      string   `json:"status"`
	Instruments []string `json:"instruments"`
}

// Proposal represents a beam-time proposal. Cycles holds the names of the
// operating cycles the proposal is allocated to; commissioning proposals may
// have none.
type Proposal struct {
	Base
	ProposalID    string         `json:"proposal_id"`
	Title         string         `json:"title"`
	DataSession   *string        `json:"data_session,omitempty"`
	Instruments   []string       `json:"instruments"`
	Cycles        []string       `json:"cycles"`
	Users         []ProposalUser `json:"users"`
	SafetyForms   []SafetyForm   `json:"safs"`
	Type          *string        `json:"type,omitempty"`
	PassTypeID    *string        `json:"pass_type_id,omitempty"`
	UPSID         *string        `json:"ups_id,omitempty"`
	UPSType       *string        `json:"ups_type,omitempty"`
	SlackChannels []string       `json:"slack_channels"`
	Locked        bool           `json:"locked"`
	LastUpdated   time.Time      `json:"last_updated"`
}

// APIUserType distinguishes people from machine accounts.
type APIUserType string

// Canonical API user types.
const (
	APIUserTypeUser    APIUserType = "user"
	APIUserTypeService APIUserType = "service"
)

// Role orders the access levels recognised by the API.
type Role string

// Canonical roles, from least to most privileged.
const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

var roleRank = map[Role]int{RoleUser: 0, RoleStaff: 1, RoleAdmin: 2}

// ParseRole validates a wire value for a role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// AtLeast reports whether the role grants at minimum the given role.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// APIUser represents an account that can hold API keys.
type APIUser struct {
	Base
	Username string      `json:"username"`
	Type     APIUserType `json:"type"`
	Role     Role        `json:"role"`
}

// APIKey stores the verifiable remainder of an issued key. The key material
// itself is returned once at issue time and never persisted.
type APIKey struct {
	Base
	UserID     string     `json:"user_id"`
	Username   string     `json:"username"`
	FirstEight string     `json:"first_eight"`
	HashedKey  string     `json:"hashed_key"`
	SecretSalt string     `json:"secret_salt"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Valid      bool       `json:"valid"`
	Note       string     `json:"note,omitempty"`
}
