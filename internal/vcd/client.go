package vcd

import "context"

// Client is the set of platform operations used by the reconcilers.
// Lookups return an error for which IsNotFound is true when the entity does not exist.
type Client interface {
	// GetVDC resolves an organization VDC by organization and VDC names
	GetVDC(ctx context.Context, org, vdc string) (*VDC, error)
	// FindVApp looks up a vApp by name inside a VDC
	FindVApp(ctx context.Context, vdc *VDC, name string) (*VApp, error)
	// GetVApp fetches a vApp by reference
	GetVApp(ctx context.Context, href string) (*VApp, error)

	ComposeVApp(ctx context.Context, vdc *VDC, params ComposeParams) (Task, error)
	InstantiateVApp(ctx context.Context, vdc *VDC, params InstantiateParams) (Task, error)
	DeleteVApp(ctx context.Context, vapp *VApp, force bool) (Task, error)
	EditVApp(ctx context.Context, href, name, description string) (Task, error)

	// PowerOn deploys and powers on the vApp
	PowerOn(ctx context.Context, href string) (Task, error)
	// PowerOff undeploys the vApp with a power off action
	PowerOff(ctx context.Context, href string) (Task, error)

	GetLease(ctx context.Context, href string) (*Lease, error)
	SetLease(ctx context.Context, href string, lease LeaseSettings) error

	GetMetadata(ctx context.Context, href string) (map[string]string, error)
	SetMetadata(ctx context.Context, href, key, value string, visibility Visibility) (Task, error)

	// FindUser resolves a user by name inside an organization
	FindUser(ctx context.Context, org, name string) (*User, error)
	// ChangeOwner is synchronous, no task is returned
	ChangeOwner(ctx context.Context, href string, user *User) error

	TaskStatus(ctx context.Context, task Task) (TaskStatus, error)

	// IsSysAdmin reports whether the session principal is a system administrator
	IsSysAdmin() bool

	// Disconnect closes the platform session held by the client
	Disconnect() error
}
