package v1

const (
	// ReasonReconciled is used when the last reconciliation converged the vApp
	ReasonReconciled = "Reconciled"

	// ReasonCreated is used when the vApp has been created or adopted on the platform
	ReasonCreated = "Created"

	// ReasonRetrying is used when a reconciler hit a temporary platform condition
	ReasonRetrying = "Retrying"

	// ReasonFailed is used when a reconciler hit a permanent failure
	ReasonFailed = "Failed"

	// ReasonMissing is used when the backing vApp disappeared from the platform
	ReasonMissing = "BackingMissing"

	// ReasonExpired is used when the storage lease of the vApp expired
	ReasonExpired = "LeaseExpired"

	// ReasonDeleting is used while the backing vApp is being removed
	ReasonDeleting = "Deleting"

	// TypeReady indicates the backing vApp is in sync with the spec
	TypeReady = "Ready"

	// TypeSynced indicates the backing state was refreshed from the platform
	TypeSynced = "Synced"
)
