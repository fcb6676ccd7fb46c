package reconciler

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/ptr"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

var (
	powerOnFrom  = []v1.VAppStatus{v1.StatusDeployed, v1.StatusSuspended, v1.StatusPoweredOff}
	powerOffFrom = []v1.VAppStatus{v1.StatusSuspended, v1.StatusPoweredOn}
)

// Description applies the object name and spec description to the vApp
func (e *Engine) Description(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	b := obj.Backing
	if !b.HasPlatformRef() {
		return Done("no vApp to update")
	}
	if _, err := cli.GetVApp(ctx, b.VAppHref); err != nil {
		return missingOrError(err, b.VAppHref)
	}

	task, err := cli.EditVApp(ctx, b.VAppHref, obj.Name, obj.Spec.Description)
	if err != nil {
		return fromError(err, "failed to update vApp %s", obj.Name)
	}
	if out, ok := e.wait(ctx, cli, task, 0); !ok {
		return out
	}
	logr.FromContextOrDiscard(ctx).Info("vApp description updated")
	return Done("vApp successfully updated")
}

// PowerState powers the vApp on or off according to spec.powered_on.
// Only the transitions allowed from the current backing status are attempted.
func (e *Engine) PowerState(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	log := logr.FromContextOrDiscard(ctx)
	b := obj.Backing
	if !b.HasPlatformRef() {
		return Done("no vApp to power")
	}

	var (
		submit func(context.Context, string) (vcd.Task, error)
		target v1.VAppStatus
	)
	switch {
	case obj.Spec.PoweredOn && slices.Contains(powerOnFrom, b.Status):
		submit, target = cli.PowerOn, v1.StatusPoweredOn
	case !obj.Spec.PoweredOn && slices.Contains(powerOffFrom, b.Status):
		submit, target = cli.PowerOff, v1.StatusPoweredOff
	default:
		return Done("no power action from status %q", b.Status)
	}

	if _, err := cli.GetVApp(ctx, b.VAppHref); err != nil {
		return missingOrError(err, b.VAppHref)
	}
	log.Info("changing vApp power state", "from", b.Status, "to", target)
	task, err := submit(ctx, b.VAppHref)
	if err != nil {
		return fromError(err, "failed to change the power state of vApp %s", obj.Name)
	}
	if out, ok := e.wait(ctx, cli, task, e.powerTimeout); !ok {
		return out
	}
	b.Status = target
	return Done("vApp is now %s", target)
}

// Owner hands the vApp over to spec.owner. An empty owner leaves the vApp untouched.
func (e *Engine) Owner(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	b := obj.Backing
	if !b.HasPlatformRef() {
		return Done("no vApp to update")
	}
	expected := obj.Spec.Owner
	if expected == "" {
		return Done("no owner requested")
	}
	if _, err := cli.GetVApp(ctx, b.VAppHref); err != nil {
		return missingOrError(err, b.VAppHref)
	}

	user, err := cli.FindUser(ctx, obj.Spec.Org, expected)
	if err != nil {
		if errors.Is(err, vcd.ErrOrgNotFound) {
			return Fail(err, "cannot find organization %q to resolve the owner", obj.Spec.Org)
		}
		if vcd.IsNotFound(err) {
			return Retry(err, "cannot find the expected owner %q as an org user", expected)
		}
		return fromError(err, "cannot resolve the expected owner %q", expected)
	}
	if err := cli.ChangeOwner(ctx, b.VAppHref, user); err != nil {
		return fromError(err, "failed to change the owner of vApp %s", obj.Name)
	}
	b.Owner = user.Name
	logr.FromContextOrDiscard(ctx).Info("vApp owner changed", "owner", user.Name)
	return Done("vApp owner is now %s", user.Name)
}

// Lease converges the deployment and storage leases. An unset lease keeps its current value.
func (e *Engine) Lease(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	b := obj.Backing
	if !b.HasPlatformRef() {
		return Done("no vApp to update")
	}
	deployment := lo.Ternary(obj.Spec.DeploymentLeaseInSeconds != nil, obj.Spec.DeploymentLeaseInSeconds, b.DeploymentLeaseInSeconds)
	storage := lo.Ternary(obj.Spec.StorageLeaseInSeconds != nil, obj.Spec.StorageLeaseInSeconds, b.StorageLeaseInSeconds)
	if ptr.Equal(deployment, b.DeploymentLeaseInSeconds) && ptr.Equal(storage, b.StorageLeaseInSeconds) {
		return Done("leases already match")
	}

	if _, err := cli.GetVApp(ctx, b.VAppHref); err != nil {
		return missingOrError(err, b.VAppHref)
	}
	err := cli.SetLease(ctx, b.VAppHref, vcd.LeaseSettings{
		DeploymentLeaseInSeconds: deployment,
		StorageLeaseInSeconds:    storage,
	})
	if err != nil {
		if vcd.IsBusyEntity(err) {
			return Retry(err, "cannot set the lease of vApp %s while it is busy", obj.Name)
		}
		return fromError(err, "failed to set the lease of vApp %s", obj.Name)
	}
	b.DeploymentLeaseInSeconds = clone(deployment)
	b.StorageLeaseInSeconds = clone(storage)
	logr.FromContextOrDiscard(ctx).Info("vApp lease changed",
		"deploymentLeaseInSeconds", deployment, "storageLeaseInSeconds", storage)
	return Done("vApp lease updated")
}

// Metadata writes every non reserved annotation that differs from the vApp metadata
func (e *Engine) Metadata(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	log := logr.FromContextOrDiscard(ctx)
	b := obj.Backing
	if !b.HasPlatformRef() {
		return Done("no vApp to update")
	}

	expected := ExpectedMetadata(obj.Annotations)
	pending := lo.Filter(slices.Sorted(maps.Keys(expected)), func(key string, _ int) bool {
		current, ok := b.Metadata[key]
		return !ok || current != expected[key]
	})
	if len(pending) == 0 {
		return Done("metadata already match")
	}

	if _, err := cli.GetVApp(ctx, b.VAppHref); err != nil {
		return missingOrError(err, b.VAppHref)
	}
	// READONLY entries can only be written by system administrators
	visibility := lo.Ternary(cli.IsSysAdmin(), vcd.VisibilityReadOnly, vcd.VisibilityReadWrite)
	for _, key := range pending {
		task, err := cli.SetMetadata(ctx, b.VAppHref, key, expected[key], visibility)
		if err != nil {
			return metadataRejected(err, key)
		}
		status, err := e.poller.Wait(ctx, cli, task, 0)
		if err != nil {
			return metadataRejected(err, key)
		}
		if status != vcd.TaskSuccess {
			return Fail(nil, "failed to set metadata %q: task status %s", key, status)
		}
		if b.Metadata == nil {
			b.Metadata = map[string]string{}
		}
		b.Metadata[key] = expected[key]
		log.V(1).Info("metadata entry written", "key", key)
	}
	log.Info("vApp metadata updated", "keys", pending)
	return Done("%d metadata entries updated", len(pending))
}

// ExpectedMetadata returns the annotations that are mirrored as vApp metadata
func ExpectedMetadata(annotations map[string]string) map[string]string {
	return lo.OmitBy(annotations, func(key string, _ string) bool {
		return IsReserved(key)
	})
}

func metadataRejected(err error, key string) Outcome {
	if vcd.IsOperationNotSupported(err) {
		return Retry(err, "metadata %q cannot be written in the current vApp state", key)
	}
	return fromError(err, "failed to set metadata %q", key)
}

func clone(v *int32) *int32 {
	if v == nil {
		return nil
	}
	return ptr.To(*v)
}
