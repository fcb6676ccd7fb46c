package reconciler

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/utils/ptr"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

// Create makes sure exactly one vApp named after the object exists in the target VDC.
// A vApp already referenced by the backing state is only re-fetched, a vApp found by
// name is adopted, otherwise one is instantiated from a template or composed from scratch.
func (e *Engine) Create(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	log := logr.FromContextOrDiscard(ctx)
	spec := obj.Spec
	b := obj.Backing

	vdc, err := cli.GetVDC(ctx, spec.Org, spec.Vdc)
	if err != nil {
		return fromError(err, "cannot resolve VDC %q in organization %q", spec.Vdc, spec.Org)
	}

	if b != nil && b.Status == v1.StatusMissing {
		return Fail(nil, "vApp %s is missing from the platform and is not recreated", obj.Name)
	}
	if b.HasPlatformRef() {
		if _, err := cli.GetVApp(ctx, b.VAppHref); err != nil {
			if vcd.IsNotFound(err) {
				return Fail(err, "cannot find the previously created vApp %s", obj.Name)
			}
			return fromError(err, "cannot read the previously created vApp %s", obj.Name)
		}
		return Done("vApp %s already exists", obj.Name)
	}

	existing, err := cli.FindVApp(ctx, vdc, obj.Name)
	switch {
	case err == nil:
		populate(obj, vdc, existing)
		log.Info("adopted an existing vApp with the same name", "href", existing.HREF)
		return Done("vApp %s adopted", obj.Name)
	case !vcd.IsNotFound(err):
		return fromError(err, "cannot look up vApp %s", obj.Name)
	}

	if spec.HasPartialTemplateSource() {
		return Fail(nil, "source_catalog and source_template_name must be set together to create the vApp %s", obj.Name)
	}

	acceptEulas := ptr.Deref(spec.AcceptAllEulas, true)
	var task vcd.Task
	if spec.HasTemplateSource() {
		log.V(1).Info("instantiating vApp from catalog", "catalog", *spec.SourceCatalog, "template", *spec.SourceTemplateName)
		task, err = cli.InstantiateVApp(ctx, vdc, vcd.InstantiateParams{
			Name:           obj.Name,
			Description:    spec.Description,
			Catalog:        *spec.SourceCatalog,
			Template:       *spec.SourceTemplateName,
			Deploy:         true,
			PowerOn:        spec.PoweredOn,
			AcceptAllEulas: acceptEulas,
		})
	} else {
		fenceMode := spec.FenceMode
		if fenceMode == "" {
			fenceMode = v1.DefaultFenceMode
		}
		log.V(1).Info("composing vApp from scratch", "fenceMode", fenceMode)
		task, err = cli.ComposeVApp(ctx, vdc, vcd.ComposeParams{
			Name:           obj.Name,
			Description:    spec.Description,
			FenceMode:      fenceMode,
			AcceptAllEulas: acceptEulas,
		})
	}
	if err != nil {
		return fromError(err, "failed to submit the creation of vApp %s", obj.Name)
	}
	if out, ok := e.wait(ctx, cli, task, 0); !ok {
		return out
	}

	var created *vcd.VApp
	if task.Target != "" {
		created, err = cli.GetVApp(ctx, task.Target)
	} else {
		created, err = cli.FindVApp(ctx, vdc, obj.Name)
	}
	if err != nil {
		if vcd.IsNotFound(err) {
			return Fail(err, "cannot find the newly created vApp %s", obj.Name)
		}
		return fromError(err, "cannot read the newly created vApp %s", obj.Name)
	}
	populate(obj, vdc, created)
	log.Info("vApp created", "href", created.HREF, "status", obj.Backing.Status)
	return Done("vApp successfully created")
}

func populate(obj *Object, vdc *vcd.VDC, vapp *vcd.VApp) {
	b := obj.backing()
	b.VAppHref = vapp.HREF
	b.VdcHref = vdc.HREF
	b.Status = v1.VAppStatus(vcd.StatusName(vapp.StatusCode))
	b.Owner = vapp.Owner
	b.UUID = vapp.ID
	obj.markManaged()
}

// Delete makes sure the vApp referenced by the backing state is gone.
// Objects that were never created or are already deleted are a no-op.
func (e *Engine) Delete(ctx context.Context, cli vcd.Client, obj *Object) Outcome {
	log := logr.FromContextOrDiscard(ctx)
	b := obj.Backing
	if !b.HasPlatformRef() {
		log.Info("skipping deletion, no vApp href found")
		return Done("nothing to delete")
	}

	vapp, err := cli.GetVApp(ctx, b.VAppHref)
	if err != nil {
		if vcd.IsNotFound(err) {
			log.Info("skipping deletion, vApp already gone", "href", b.VAppHref)
			return Done("vApp already deleted")
		}
		return fromError(err, "cannot read vApp %s before deletion", obj.Name)
	}

	log.Info("deleting vApp", "href", vapp.HREF, "force", obj.Spec.ForceDelete)
	task, err := cli.DeleteVApp(ctx, vapp, obj.Spec.ForceDelete)
	if err != nil {
		return deleteRejected(err, obj.Name)
	}
	status, err := e.poller.Wait(ctx, cli, task, 0)
	if err != nil {
		return deleteRejected(err, obj.Name)
	}
	if status != vcd.TaskSuccess {
		return Fail(nil, "failed to delete vApp %s: task status %s", obj.Name, status)
	}

	b.MarkMissing()
	log.Info("vApp deleted")
	return Done("vApp successfully deleted")
}

func deleteRejected(err error, name string) Outcome {
	if vcd.IsBadRequest(err) {
		return Retry(err, "the vApp %s cannot be deleted, ensure it is powered off", name)
	}
	return fromError(err, "failed to delete vApp %s", name)
}
