package domain

// Capability is a named permission set resolved by the platform.
type Capability string

const (
	CapabilityStaff Capability = "STAFF"
	CapabilityOwner Capability = "OWNER"
)

// AccessSpec describes who may see a provisioned ticket resource.
type AccessSpec struct {
	Members      []string
	Capabilities []Capability
	DenyPublic   bool
}
