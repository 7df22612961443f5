package domain

// Permissions on a directory entry.
const (
	PermReadWrite = "rw"
	PermRead      = "r"
)

// ACLEntry grants a user or group access to a directory.
type ACLEntry struct {
	Name        string `json:"name"`
	Permissions string `json:"permissions"`
}

// Directory describes a storage directory the provisioning system should
// ensure exists. The API derives these policies; it never touches the
// filesystem itself.
type Directory struct {
	Path        string              `json:"path"`
	Owner       string              `json:"owner"`
	Group       string              `json:"group"`
	Beamline    string              `json:"beamline,omitempty"`
	Cycle       string              `json:"cycle,omitempty"`
	Granularity DetectorGranularity `json:"granularity,omitempty"`
	Users       []ACLEntry          `json:"users"`
	Groups      []ACLEntry          `json:"groups"`
}
