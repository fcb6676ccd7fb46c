package vcd

import (
	"slices"
	"time"

	"github.com/vmware/go-vcloud-director/v2/types/v56"
)

// TaskStatus is the status reported by the platform for an asynchronous task
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskPreRunning TaskStatus = "preRunning"
	TaskRunning    TaskStatus = "running"
	TaskSuccess    TaskStatus = "success"
	TaskError      TaskStatus = "error"
	TaskCanceled   TaskStatus = "canceled"
	TaskAborted    TaskStatus = "aborted"
)

// TerminalStatuses are the statuses after which a task never changes again
var TerminalStatuses = []TaskStatus{TaskSuccess, TaskError, TaskAborted, TaskCanceled}

// IsTerminal reports whether s is one of TerminalStatuses
func (s TaskStatus) IsTerminal() bool {
	return slices.Contains(TerminalStatuses, s)
}

// Task is the handle of a submitted platform task
type Task struct {
	HREF string
	// Target is the reference of the entity the task acts on
	Target string
	// Operation is a short label used in logs and metrics, one of the Op constants
	Operation string
}

const (
	OpComposeVApp     = "compose vApp"
	OpInstantiateVApp = "instantiate vApp template"
	OpDeleteVApp      = "delete vApp"
	OpEditVApp        = "edit vApp"
	OpPowerOn         = "power on"
	OpPowerOff        = "power off"
	OpSetLease        = "set lease"
	OpSetMetadata     = "set metadata"
)

// VDC identifies an organization VDC
type VDC struct {
	HREF string
	Name string
	Org  string

	// native is the adapter specific handle the VDC was resolved from
	native any
}

// VApp is the platform view of a vApp
type VApp struct {
	HREF        string
	ID          string
	Name        string
	Description string
	// StatusCode is the numeric status of the vApp, see StatusName
	StatusCode int
	Owner      string
}

// User is an organization user
type User struct {
	HREF string
	Name string
}

// Lease holds the lease settings of a vApp
type Lease struct {
	DeploymentLeaseInSeconds  int32
	StorageLeaseInSeconds     int32
	DeploymentLeaseExpiration *time.Time
	StorageLeaseExpiration    *time.Time
}

// Visibility of a metadata entry
type Visibility string

const (
	VisibilityReadOnly  = Visibility(types.MetadataReadOnlyVisibility)
	VisibilityReadWrite = Visibility(types.MetadataReadWriteVisibility)
	VisibilityPrivate   = Visibility(types.MetadataHiddenVisibility)
)

// ComposeParams describes an empty vApp built from scratch
type ComposeParams struct {
	Name           string
	Description    string
	FenceMode      string
	AcceptAllEulas bool
}

// InstantiateParams describes a vApp cloned from a catalog template
type InstantiateParams struct {
	Name           string
	Description    string
	Catalog        string
	Template       string
	Deploy         bool
	PowerOn        bool
	AcceptAllEulas bool
}

// LeaseSettings is the requested lease update. Nil fields are left unchanged.
type LeaseSettings struct {
	DeploymentLeaseInSeconds *int32
	StorageLeaseInSeconds    *int32
}
