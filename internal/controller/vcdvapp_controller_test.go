/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
	"github.com/kvcd-project/kvcd-operator/internal/vcd/vcdtest"
)

var _ = Describe("VcdVApp Controller", func() {
	var (
		h   *harness
		vdc *vcd.VDC
	)

	setup := func(vapp *v1.VcdVApp) {
		h = newHarness(vapp)
		vdc = h.platform.AddVDC("acme", "acme-vdc")
	}

	readyCondition := func(vapp *v1.VcdVApp) *metav1.Condition {
		return meta.FindStatusCondition(vapp.Status.Conditions, v1.TypeReady)
	}

	Context("When creating a vApp", func() {
		BeforeEach(func() {
			setup(newVApp())
		})

		It("should add the finalizer and compose the vApp", func() {
			result := h.reconcile()

			vapp := h.get()
			Expect(controllerutil.ContainsFinalizer(vapp, v1.Finalizer)).To(BeTrue())
			Expect(h.platform.CallCount("ComposeVApp")).To(Equal(1))
			Expect(h.platform.VAppCount(vdc)).To(Equal(1))

			Expect(vapp.Status.Backing).NotTo(BeNil())
			Expect(vapp.Status.Backing.HasPlatformRef()).To(BeTrue())
			Expect(vapp.Status.Backing.VdcHref).To(Equal(vdc.HREF))
			Expect(vapp.Status.Backing.Status).To(Equal(v1.StatusPoweredOff))
			Expect(vapp.Annotations).To(HaveKeyWithValue(v1.ManagedByAnnotation, v1.ManagedByValue))

			Expect(vapp.Status.Phase).To(Equal(v1.PhaseReady))
			Expect(vapp.Status.ObservedGeneration).To(Equal(int64(1)))
			Expect(readyCondition(vapp)).NotTo(BeNil())
			Expect(readyCondition(vapp).Status).To(Equal(metav1.ConditionTrue))
			Expect(h.events()).To(ContainElement(HavePrefix("Normal " + v1.ReasonCreated)))

			Expect(result.RequeueAfter).To(Equal(DefaultTiming.InitialDelay))
		})

		It("should run every field reconciler once after creation", func() {
			h.reconcile()

			vapp := h.get()
			Expect(h.platform.CallCount("EditVApp")).To(Equal(1))
			Expect(h.platform.Metadata(vapp.Status.Backing.VAppHref)).
				To(HaveKeyWithValue(v1.ManagedByAnnotation, v1.ManagedByValue))
			Expect(vapp.Status.LastHandled).To(HaveKey("spec.description"))
			Expect(vapp.Status.LastHandled).To(HaveKey("metadata.annotations"))
			Expect(vapp.Status.LastChangeTime).NotTo(BeNil())
		})

		It("should not call the platform again when nothing changed", func() {
			h.reconcile()
			h.platform.ResetCalls()

			result := h.reconcile()

			Expect(h.platform.Calls()).To(BeEmpty())
			Expect(result.RequeueAfter).To(Equal(DefaultTiming.InitialDelay))
			Expect(h.get().Status.Phase).To(Equal(v1.PhaseReady))
		})

		It("should adopt a vApp that already has the object name", func() {
			setup(newVApp(func(vapp *v1.VcdVApp) {
				vapp.Spec.PoweredOn = true
			}))
			existing := h.platform.AddVApp(vdc, vcd.VApp{Name: "web", StatusCode: vcdtest.StatusPoweredOn})

			h.reconcile()

			vapp := h.get()
			Expect(h.platform.CallCount("ComposeVApp")).To(BeZero())
			Expect(h.platform.CallCount("PowerOn")).To(BeZero())
			Expect(h.platform.CallCount("PowerOff")).To(BeZero())
			Expect(vapp.Status.Backing.VAppHref).To(Equal(existing.HREF))
			Expect(vapp.Status.Backing.Status).To(Equal(v1.StatusPoweredOn))
		})

		It("should power off an adopted vApp that is not expected to run", func() {
			existing := h.platform.AddVApp(vdc, vcd.VApp{Name: "web", StatusCode: vcdtest.StatusPoweredOn})

			h.reconcile()

			vapp := h.get()
			Expect(h.platform.CallCount("ComposeVApp")).To(BeZero())
			Expect(h.platform.CallCount("PowerOff")).To(Equal(1))
			Expect(vapp.Status.Backing.VAppHref).To(Equal(existing.HREF))
			Expect(vapp.Status.Backing.Status).To(Equal(v1.StatusPoweredOff))
		})
	})

	Context("When the desired state changes", func() {
		BeforeEach(func() {
			setup(newVApp(func(vapp *v1.VcdVApp) {
				vapp.Spec.PoweredOn = true
			}))
			h.platform.AddUser("acme", "alice")
			h.reconcile()
		})

		It("should power the vApp on right after creation", func() {
			vapp := h.get()
			Expect(h.platform.CallCount("PowerOn")).To(Equal(1))
			Expect(vapp.Status.Backing.Status).To(Equal(v1.StatusPoweredOn))
		})

		It("should only run the reconciler of the changed field", func() {
			h.platform.ResetCalls()
			h.update(func(vapp *v1.VcdVApp) {
				vapp.Spec.Owner = "alice"
			})

			h.reconcile()

			vapp := h.get()
			Expect(h.platform.CallCount("ChangeOwner")).To(Equal(1))
			Expect(h.platform.CallCount("EditVApp")).To(BeZero())
			Expect(h.platform.CallCount("PowerOn")).To(BeZero())
			Expect(vapp.Status.Backing.Owner).To(Equal("alice"))
			Expect(vapp.Status.LastHandled).To(HaveKeyWithValue("spec.owner", `"alice"`))
		})

		It("should mirror new annotations as metadata", func() {
			h.update(func(vapp *v1.VcdVApp) {
				vapp.Annotations["team"] = "web"
				vapp.Annotations[v1.BookkeepingPrefix+"note"] = "internal"
			})

			h.reconcile()

			vapp := h.get()
			metadata := h.platform.Metadata(vapp.Status.Backing.VAppHref)
			Expect(metadata).To(HaveKeyWithValue("team", "web"))
			Expect(metadata).NotTo(HaveKey(v1.BookkeepingPrefix + "note"))
			Expect(vapp.Status.Backing.Metadata).To(HaveKeyWithValue("team", "web"))
		})

		It("should retry a field reconciler until it succeeds", func() {
			h.update(func(vapp *v1.VcdVApp) {
				vapp.Spec.Owner = "bob"
			})

			result := h.reconcile()

			vapp := h.get()
			Expect(result.RequeueAfter).To(Equal(DefaultTiming.RetryDelay))
			Expect(vapp.Status.Phase).To(Equal(v1.PhasePending))
			Expect(readyCondition(vapp).Status).To(Equal(metav1.ConditionUnknown))
			Expect(vapp.Status.LastHandled).NotTo(HaveKeyWithValue("spec.owner", `"bob"`))
			Expect(h.events()).To(ContainElement(HavePrefix("Warning " + v1.ReasonRetrying)))

			h.platform.AddUser("acme", "bob")
			h.reconcile()

			vapp = h.get()
			Expect(vapp.Status.Backing.Owner).To(Equal("bob"))
			Expect(vapp.Status.Phase).To(Equal(v1.PhaseReady))
		})
	})

	Context("When the refresh timer fires", func() {
		BeforeEach(func() {
			setup(newVApp(func(vapp *v1.VcdVApp) {
				vapp.Spec.PoweredOn = true
			}))
			h.reconcile()
			h.platform.ResetCalls()
		})

		It("should wait for the initial delay", func() {
			h.advance(DefaultTiming.InitialDelay / 2)
			h.reconcile()
			Expect(h.platform.CallCount("GetLease")).To(BeZero())
		})

		It("should refresh the backing state once due", func() {
			h.platform.SetLeaseState(h.get().Status.Backing.VAppHref, vcd.Lease{
				DeploymentLeaseInSeconds: 3600,
				StorageLeaseInSeconds:    7200,
			})
			h.advance(DefaultTiming.InitialDelay + time.Second)

			result := h.reconcile()

			vapp := h.get()
			Expect(h.platform.CallCount("GetLease")).To(Equal(1))
			Expect(vapp.Status.Backing.DeploymentLeaseInSeconds).To(Equal(ptr.To[int32](3600)))
			Expect(vapp.Status.Backing.StorageLeaseInSeconds).To(Equal(ptr.To[int32](7200)))
			Expect(vapp.Status.LastRefreshTime).NotTo(BeNil())
			Expect(meta.IsStatusConditionTrue(vapp.Status.Conditions, v1.TypeSynced)).To(BeTrue())
			Expect(h.platform.CallCount("SetLease")).To(BeZero())
			Expect(result.RequeueAfter).To(Equal(DefaultTiming.RefreshInterval))
		})

		It("should converge drift detected by the refresh", func() {
			href := h.get().Status.Backing.VAppHref
			h.platform.SetStatusCode(href, vcdtest.StatusPoweredOff)
			h.advance(DefaultTiming.InitialDelay + time.Second)

			h.reconcile()

			Expect(h.platform.CallCount("PowerOn")).To(Equal(1))
			Expect(h.get().Status.Backing.Status).To(Equal(v1.StatusPoweredOn))
		})

		It("should mark a vApp removed from the platform as missing", func() {
			h.platform.RemoveVApp(h.get().Status.Backing.VAppHref)
			h.advance(DefaultTiming.InitialDelay + time.Second)

			result := h.reconcile()

			vapp := h.get()
			Expect(vapp.Status.Backing.Status).To(Equal(v1.StatusMissing))
			Expect(vapp.Status.Backing.HasPlatformRef()).To(BeFalse())
			Expect(vapp.Status.Phase).To(Equal(v1.PhaseMissing))
			Expect(readyCondition(vapp).Reason).To(Equal(v1.ReasonMissing))
			Expect(result).To(Equal(ctrl.Result{}))

			h.platform.ResetCalls()
			h.advance(DefaultTiming.RefreshInterval * 2)
			h.reconcile()
			Expect(h.platform.MutatingCalls()).To(BeEmpty(), "a missing vApp is not recreated")
		})
	})

	Context("When the operator restarts", func() {
		It("should re-fetch known vApps once", func() {
			setup(newVApp())
			h.reconcile()
			h.platform.ResetCalls()

			h.r = h.newReconciler()
			h.reconcile()
			h.reconcile()

			Expect(h.platform.CallCount("GetVApp")).To(Equal(1))
			Expect(h.platform.MutatingCalls()).To(BeEmpty())
		})
	})

	Context("When creation fails", func() {
		It("should requeue after a transient platform failure", func() {
			setup(newVApp())
			h.platform.FailWith("GetVDC", vcd.NewError(vcd.KindUnavailable, "connection refused"))

			result := h.reconcile()

			vapp := h.get()
			Expect(result.RequeueAfter).To(Equal(DefaultTiming.RetryDelay))
			Expect(vapp.Status.Backing).To(BeNil())
			Expect(vapp.Status.Phase).To(Equal(v1.PhasePending))
		})

		It("should requeue when no platform session can be opened", func() {
			setup(newVApp())
			h.source.err = errors.New("invalid credentials")

			result := h.reconcile()

			Expect(result.RequeueAfter).To(Equal(DefaultTiming.RetryDelay))
			Expect(readyCondition(h.get()).Reason).To(Equal(v1.ReasonRetrying))
		})

		It("should not retry a permanent failure for the same generation", func() {
			h = newHarness(newVApp())

			result := h.reconcile()

			vapp := h.get()
			Expect(result).To(Equal(ctrl.Result{}))
			Expect(vapp.Status.Phase).To(Equal(v1.PhaseFailed))
			Expect(readyCondition(vapp).Reason).To(Equal(v1.ReasonFailed))
			Expect(h.events()).To(ContainElement(HavePrefix("Warning " + v1.ReasonFailed)))

			h.reconcile()
			Expect(h.platform.CallCount("GetVDC")).To(Equal(1))
		})

		It("should retry a permanent failure once the spec changed", func() {
			setup(newVApp(func(vapp *v1.VcdVApp) {
				vapp.Generation = 2
				vapp.Status.Phase = v1.PhaseFailed
				vapp.Status.ObservedGeneration = 1
			}))

			h.reconcile()

			vapp := h.get()
			Expect(h.platform.CallCount("ComposeVApp")).To(Equal(1))
			Expect(vapp.Status.Phase).To(Equal(v1.PhaseReady))
			Expect(vapp.Status.ObservedGeneration).To(Equal(int64(2)))
		})
	})

	Context("When deleting a vApp", func() {
		BeforeEach(func() {
			setup(newVApp())
			h.reconcile()
		})

		It("should delete the vApp and release the object", func() {
			Expect(h.client.Delete(h.ctx, h.get())).To(Succeed())

			result := h.reconcile()

			Expect(result).To(Equal(ctrl.Result{}))
			Expect(h.platform.CallCount("DeleteVApp")).To(Equal(1))
			Expect(h.platform.VAppCount(vdc)).To(BeZero())
			err := h.client.Get(h.ctx, h.key, &v1.VcdVApp{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("should keep the finalizer while the vApp cannot be deleted", func() {
			h.platform.FailWith("DeleteVApp", vcd.NewError(vcd.KindBadRequest, "vApp is running"))
			Expect(h.client.Delete(h.ctx, h.get())).To(Succeed())

			result := h.reconcile()

			vapp := h.get()
			Expect(result.RequeueAfter).To(Equal(DefaultTiming.RetryDelay))
			Expect(controllerutil.ContainsFinalizer(vapp, v1.Finalizer)).To(BeTrue())
			Expect(vapp.Status.Phase).To(Equal(v1.PhaseDeleting))
			Expect(h.platform.VAppCount(vdc)).To(Equal(1))

			h.platform.ClearFailure("DeleteVApp")
			h.reconcile()
			Expect(apierrors.IsNotFound(h.client.Get(h.ctx, h.key, &v1.VcdVApp{}))).To(BeTrue())
		})

		It("should release an object whose vApp is already gone", func() {
			h.platform.RemoveVApp(h.get().Status.Backing.VAppHref)
			Expect(h.client.Delete(h.ctx, h.get())).To(Succeed())

			h.reconcile()

			Expect(h.platform.CallCount("DeleteVApp")).To(BeZero())
			Expect(apierrors.IsNotFound(h.client.Get(h.ctx, h.key, &v1.VcdVApp{}))).To(BeTrue())
		})
	})
})
