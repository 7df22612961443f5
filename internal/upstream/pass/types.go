package pass

// Person is PASS's representation of a PI or creator.
type Person struct {
	UserID    *int   `json:"User_ID"`
	Account   string `json:"Account"`
	BNLID     string `json:"BNL_ID"`
	Email     string `json:"Email"`
	FirstName string `json:"First_Name"`
	LastName  string `json:"Last_Name"`
	ORCID     string `json:"ORCID_ID"`
}

// Experimenter is PASS's representation of a person named on a proposal or
// safety form.
type Experimenter struct {
	UserID    *int   `json:"User_ID"`
	Account   string `json:"Account"`
	BNLID     string `json:"BNL_ID"`
	Email     string `json:"Email"`
	FirstName string `json:"First_Name"`
	LastName  string `json:"Last_Name"`
	ORCID     string `json:"ORCID_ID"`
}

// Resource is PASS's representation of an instrument.
type Resource struct {
	ID           *int   `json:"ID"`
	Description  string `json:"Description"`
	ShortName    string `json:"Short_Name"`
	UserFacility string `json:"User_Facility_ID"`
}

// ProposalType is PASS's representation of a proposal classification.
type ProposalType struct {
	ID           *int   `json:"ID"`
	Code         string `json:"Code"`
	Description  string `json:"Description"`
	UserFacility string `json:"User_Facility_ID"`
}

// Proposal is PASS's representation of a proposal.
type Proposal struct {
	ProposalID              *int           `json:"Proposal_ID"`
	ProposalTypeID          *int           `json:"Proposal_Type_ID"`
	ProposalTypeDescription string         `json:"Proposal_Type_Description"`
	Title                   string         `json:"Title"`
	UserFacility            string         `json:"User_Facility_ID"`
	PI                      *Person        `json:"PI"`
	Experimenters           []Experimenter `json:"Experimenters"`
	Resources               []Resource     `json:"Resources"`
}

// SAF is PASS's representation of a safety approval form.
type SAF struct {
	SAFID         *int           `json:"SAF_ID"`
	Status        string         `json:"Status"`
	Experimenters []Experimenter `json:"Experimenters"`
	Resources     []Resource     `json:"Resources"`
}

// Cycle is PASS's representation of an operating cycle.
type Cycle struct {
	ID           *int   `json:"ID"`
	Year         *int   `json:"Year"`
	Active       *bool  `json:"Active"`
	StartDate    string `json:"Start_Date"`
	EndDate      string `json:"End_Date"`
	Name         string `json:"Name"`
	Description  string `json:"Description"`
	UserFacility string `json:"User_Facility_ID"`
}

// Allocation is PASS's representation of a proposal allocated to a cycle.
type Allocation struct {
	ProposalID   *int   `json:"Proposal_ID"`
	CycleRequest string `json:"Cycle_Requested_Description"`
	UserFacility string `json:"User_Facility_ID"`
}
