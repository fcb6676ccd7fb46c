package reconciler

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/utils/ptr"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

// Refresh rebuilds the backing state from the platform.
// A vApp that disappeared is marked Missing, an expired storage lease freezes
// status, owner and metadata at their last observed values.
func (e *Engine) Refresh(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	log := logr.FromContextOrDiscard(ctx)
	if !obj.Backing.HasPlatformRef() {
		return Done("nothing to refresh")
	}

	vdc, err := cli.GetVDC(ctx, obj.Spec.Org, obj.Spec.Vdc)
	if err != nil {
		return fromError(err, "cannot resolve VDC %q in organization %q", obj.Spec.Vdc, obj.Spec.Org)
	}
	vapp, err := cli.FindVApp(ctx, vdc, obj.Name)
	if err != nil {
		if vcd.IsNotFound(err) {
			obj.Backing.MarkMissing()
			return Fail(err, "vApp %s is not existing anymore on the platform", obj.Name)
		}
		return fromError(err, "cannot look up vApp %s", obj.Name)
	}

	next := obj.Backing.DeepCopy()
	next.VAppHref = vapp.HREF
	next.UUID = vapp.ID
	next.VdcHref = vdc.HREF

	lease, err := cli.GetLease(ctx, vapp.HREF)
	if err != nil {
		return fromError(err, "cannot read the lease of vApp %s", obj.Name)
	}
	next.DeploymentLeaseInSeconds = ptr.To(lease.DeploymentLeaseInSeconds)
	next.StorageLeaseInSeconds = ptr.To(lease.StorageLeaseInSeconds)

	expired := lease.StorageLeaseExpiration != nil && lease.StorageLeaseExpiration.Before(e.clock.Now())
	if expired {
		next.Status = v1.StatusExpired
		log.V(1).Info("storage lease expired", "expiration", lease.StorageLeaseExpiration)
	} else {
		metadata, err := cli.GetMetadata(ctx, vapp.HREF)
		if err != nil {
			return fromError(err, "cannot read the metadata of vApp %s", obj.Name)
		}
		next.Status = v1.VAppStatus(vcd.StatusName(vapp.StatusCode))
		next.Owner = vapp.Owner
		next.Metadata = metadata
	}

	*obj.Backing = *next
	if !obj.IsManaged() {
		log.Info("restoring the managed-by marker")
		obj.markManaged()
	}
	return Done("backing state refreshed, status %s", next.Status)
}
