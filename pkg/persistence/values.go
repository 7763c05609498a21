// Package persistence converts quiescent workflow instances to
// dictionaries of persistable values and coordinates with an external
// instance store through pluggable persistence modules.
package persistence

import "fmt"

// ValueOption flags how a persisted value participates in the record.
type ValueOption int

const (
	// OptionNone marks an ordinary read-write value.
	OptionNone ValueOption = 0

	// OptionOptional values may be absent on load without error.
	OptionOptional ValueOption = 1 << iota

	// OptionWriteOnly values are written for observers but never read
	// back into the instance.
	OptionWriteOnly
)

// Value is one persisted entry: a JSON-representable value plus options.
type Value struct {
	Value   any         `json:"value"`
	Options ValueOption `json:"options,omitempty"`
}

// IsWriteOnly reports whether the value is write-only.
func (v Value) IsWriteOnly() bool { return v.Options&OptionWriteOnly != 0 }

// IsOptional reports whether the value may be absent on load.
func (v Value) IsOptional() bool { return v.Options&OptionOptional != 0 }

// Reserved keys of the persisted instance record.
const (
	// KeyWorkflow holds the serialized executor blob. Required.
	KeyWorkflow = "Workflow"

	// KeyStatus holds one of the Status* constants.
	KeyStatus = "Status"

	// KeyBookmarks holds the outstanding bookmark descriptors.
	// Optional, write-only.
	KeyBookmarks = "Bookmarks"

	// KeyLastUpdate holds the UTC save timestamp. Optional, write-only.
	KeyLastUpdate = "LastUpdate"

	// KeyException holds the serialized fault; present iff the status is
	// Faulted.
	KeyException = "Exception"

	// VariablesPath prefixes mapped variable values.
	VariablesPath = "Variables"

	// OutputPath prefixes completed outputs; present when the status is
	// Closed.
	OutputPath = "Output"
)

// Status values stored under KeyStatus.
const (
	StatusExecuting = "Executing"
	StatusIdle      = "Idle"
	StatusFaulted   = "Faulted"
	StatusClosed    = "Closed"
	StatusCanceled  = "Canceled"
)

// VariableKey renders the persisted key for a mapped variable.
func VariableKey(name string) string {
	return fmt.Sprintf("%s/%s", VariablesPath, name)
}

// OutputKey renders the persisted key for a completed output.
func OutputKey(name string) string {
	return fmt.Sprintf("%s/%s", OutputPath, name)
}

// Metadata keys attached to owners and instances.
const (
	// KeyInstanceType identifies this runtime in owner metadata.
	KeyInstanceType = "InstanceType"

	// KeyDefinitionIdentity carries the optional versioned identity.
	KeyDefinitionIdentity = "DefinitionIdentity"

	// KeyDefinitionIdentityFilter carries the owner's match policy.
	KeyDefinitionIdentityFilter = "DefinitionIdentityFilter"
)

// InstanceType is the constant identifying this runtime in store
// metadata.
const InstanceType = "github.com/tombee/baton"

// DefinitionIdentity is an optional versioned identity for a workflow
// definition. Instances saved under an identity only load into hosts
// whose identity matches the owner's filter.
type DefinitionIdentity struct {
	// Name identifies the definition.
	Name string `json:"name"`

	// Version is an opaque version string: FilterExact compares it for
	// equality and FilterAnyRevision ignores it.
	Version string `json:"version,omitempty"`
}

// String renders the identity for diagnostics.
func (d DefinitionIdentity) String() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + "@" + d.Version
}

// IdentityFilter selects how strictly a stored identity must match.
type IdentityFilter int

const (
	// FilterExact requires name and version to match exactly.
	FilterExact IdentityFilter = iota
	// FilterAny matches any identity, including none.
	FilterAny
	// FilterAnyRevision requires the name to match and accepts any
	// version.
	FilterAnyRevision
)

// String returns the filter name as stored in metadata.
func (f IdentityFilter) String() string {
	switch f {
	case FilterExact:
		return "Exact"
	case FilterAny:
		return "Any"
	case FilterAnyRevision:
		return "AnyRevision"
	default:
		return "Unknown"
	}
}

// Matches reports whether a stored identity satisfies the filter against
// the host's identity.
func (f IdentityFilter) Matches(host, stored *DefinitionIdentity) bool {
	switch f {
	case FilterAny:
		return true
	case FilterAnyRevision:
		if host == nil || stored == nil {
			return host == stored
		}
		return host.Name == stored.Name
	default: // FilterExact
		if host == nil || stored == nil {
			return host == stored
		}
		return host.Name == stored.Name && host.Version == stored.Version
	}
}
