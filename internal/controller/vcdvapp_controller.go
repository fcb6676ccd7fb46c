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
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/common"
	"github.com/kvcd-project/kvcd-operator/internal/reconciler"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

// PlatformSource hands out the current platform client
type PlatformSource interface {
	Client(ctx context.Context) (vcd.Client, error)
}

// Timing holds the refresh timer and retry settings
type Timing struct {
	RefreshInterval time.Duration
	// InitialDelay postpones the first refresh after an object is first seen by this process
	InitialDelay time.Duration
	// IdleDelay postpones refreshes while the object changed recently
	IdleDelay  time.Duration
	RetryDelay time.Duration
}

// DefaultTiming matches the operator defaults
var DefaultTiming = Timing{
	RefreshInterval: 60 * time.Second,
	InitialDelay:    60 * time.Second,
	IdleDelay:       60 * time.Second,
	RetryDelay:      30 * time.Second,
}

type objectState struct {
	firstSeen time.Time
	resumed   bool
}

// tracker remembers per process facts about objects, keyed by UID
type tracker struct {
	mu      sync.Mutex
	objects map[types.UID]*objectState
}

func (t *tracker) get(uid types.UID, now time.Time) objectState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.objects == nil {
		t.objects = map[types.UID]*objectState{}
	}
	state, ok := t.objects[uid]
	if !ok {
		state = &objectState{firstSeen: now}
		t.objects[uid] = state
	}
	return *state
}

func (t *tracker) markResumed(uid types.UID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.objects[uid]; ok {
		state.resumed = true
	}
}

func (t *tracker) forget(uid types.UID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, uid)
}

// NewVcdVAppReconciler creates a new VcdVAppReconciler
func NewVcdVAppReconciler(mgr ctrl.Manager, platform PlatformSource, engine *reconciler.Engine, timing Timing) *VcdVAppReconciler {
	return &VcdVAppReconciler{
		inClient: mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("vcdvapp-controller"),
		platform: platform,
		engine:   engine,
		table:    reconciler.NewTable(engine),
		timing:   timing,
		clock:    clock.RealClock{},
	}
}

// VcdVAppReconciler reconciles a VcdVApp object
type VcdVAppReconciler struct {
	inClient client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	platform PlatformSource
	engine   *reconciler.Engine
	table    *reconciler.Table
	timing   Timing
	clock    clock.PassiveClock
	objects  tracker

	// MaxConcurrentReconciles bounds the number of vApps handled in parallel
	MaxConcurrentReconciles int
}

// routeResult is the outcome of one route within a reconcile pass
type routeResult struct {
	route   reconciler.Route
	outcome reconciler.Outcome
}

//+kubebuilder:rbac:groups=kvcd.lrivallain.dev,resources=vcdvapps,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=kvcd.lrivallain.dev,resources=vcdvapps/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=kvcd.lrivallain.dev,resources=vcdvapps/finalizers,verbs=update
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile selects the triggers that apply to the object, runs the matching reconcilers
// and persists the resulting backing state.
func (r *VcdVAppReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := log.FromContext(ctx).WithValues("vcdvapp", req.Name, "namespace", req.Namespace)
	ctx = log.IntoContext(ctx, l)

	vapp := &v1.VcdVApp{}
	if err := r.inClient.Get(ctx, req.NamespacedName, vapp); err != nil {
		if apierrors.IsNotFound(err) {
			l.V(1).Info("VcdVApp not found")
			return ctrl.Result{}, nil
		}
		l.Error(err, "unable to fetch VcdVApp")
		return ctrl.Result{}, err
	}

	if !vapp.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, vapp)
	}

	if !controllerutil.ContainsFinalizer(vapp, v1.Finalizer) {
		controllerutil.AddFinalizer(vapp, v1.Finalizer)
		if err := r.inClient.Update(ctx, vapp); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}
	}

	now := r.clock.Now()
	state := r.objects.get(vapp.UID, now)
	platform := r.lazyPlatform(ctx)
	obj := reconciler.NewObject(vapp)
	var results []routeResult
	changed := false

	run := func(route reconciler.Route) (reconciler.Outcome, bool) {
		cli, err := platform()
		if err != nil {
			out := reconciler.Retry(err, "platform session unavailable")
			results = append(results, routeResult{route: route, outcome: out})
			return out, false
		}
		out := r.engine.Run(ctx, route, cli, obj)
		vapp.Status.Backing = obj.Backing
		results = append(results, routeResult{route: route, outcome: out})
		return out, true
	}

	// creation, or re-fetch of an existing vApp once per process
	switch {
	case vapp.Status.Backing == nil && !r.createBlocked(vapp):
		route, _ := r.table.Lookup(reconciler.TriggerCreate, "")
		out, _ := run(route)
		if !out.IsRetryable() {
			vapp.Status.ObservedGeneration = vapp.Generation
			r.objects.markResumed(vapp.UID)
		}
		changed = changed || out.IsOk()
	case vapp.Status.Backing != nil && vapp.Status.Backing.Status != v1.StatusMissing && !state.resumed:
		route, _ := r.table.Lookup(reconciler.TriggerResume, "")
		if out, _ := run(route); !out.IsRetryable() {
			r.objects.markResumed(vapp.UID)
		}
	}

	if obj.Backing.HasPlatformRef() && r.refreshDue(vapp, state, now) {
		route, _ := r.table.Lookup(reconciler.TriggerTimer, "")
		out, _ := run(route)
		if !out.IsRetryable() {
			vapp.Status.LastRefreshTime = ptrTime(now)
		}
		r.setSynced(vapp, out)
	}

	// field reconcilers only start once a vApp exists so that each of them converges it once
	if obj.Backing.HasPlatformRef() {
		for _, route := range r.table.Changed(obj, vapp.Status.LastHandled) {
			out, reached := run(route)
			if !reached {
				break
			}
			if !out.IsRetryable() {
				vapp.Status.LastHandled = r.table.MarkHandled(vapp.Status.LastHandled, obj, route)
			}
			changed = true
		}
	}
	if changed {
		vapp.Status.LastChangeTime = ptrTime(now)
	}

	r.report(vapp, results)
	if err := r.persist(ctx, vapp, obj); err != nil {
		return ctrl.Result{}, err
	}

	return r.requeue(vapp, results), nil
}

func (r *VcdVAppReconciler) reconcileDelete(ctx context.Context, vapp *v1.VcdVApp) (ctrl.Result, error) {
	l := log.FromContext(ctx)
	if !controllerutil.ContainsFinalizer(vapp, v1.Finalizer) {
		return ctrl.Result{}, nil
	}

	route, _ := r.table.Lookup(reconciler.TriggerDelete, "")
	obj := reconciler.NewObject(vapp)
	var out reconciler.Outcome
	if !obj.Backing.HasPlatformRef() {
		// nothing on the platform, no session needed
		out = r.engine.Run(ctx, route, nil, obj)
	} else if cli, err := r.platform.Client(ctx); err != nil {
		out = reconciler.Retry(err, "platform session unavailable")
	} else {
		out = r.engine.Run(ctx, route, cli, obj)
	}

	if out.IsOk() {
		r.Recorder.Event(vapp, corev1.EventTypeNormal, "Deleted", out.Message)
		controllerutil.RemoveFinalizer(vapp, v1.Finalizer)
		if err := r.inClient.Update(ctx, vapp); err != nil {
			if apierrors.IsNotFound(err) {
				return ctrl.Result{}, nil
			}
			return ctrl.Result{}, fmt.Errorf("failed to remove finalizer: %w", err)
		}
		r.objects.forget(vapp.UID)
		l.Info("vApp deleted, finalizer removed")
		return ctrl.Result{}, nil
	}

	vapp.Status.Phase = v1.PhaseDeleting
	r.report(vapp, []routeResult{{route: route, outcome: out}})
	vapp.Status.Backing = obj.Backing
	if err := r.inClient.Status().Update(ctx, vapp); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to update status: %w", err)
	}
	if out.IsRetryable() {
		return ctrl.Result{RequeueAfter: r.timing.RetryDelay}, nil
	}
	// fatal: wait for a spec change, e.g. force_delete
	return ctrl.Result{}, nil
}

// createBlocked is true when creation already failed permanently for the current generation
func (r *VcdVAppReconciler) createBlocked(vapp *v1.VcdVApp) bool {
	return vapp.Status.Phase == v1.PhaseFailed && vapp.Status.ObservedGeneration == vapp.Generation
}

// refreshDue applies the interval, initial delay and idle delay of the refresh timer
func (r *VcdVAppReconciler) refreshDue(vapp *v1.VcdVApp, state objectState, now time.Time) bool {
	return !now.Before(r.nextRefresh(vapp, state))
}

func (r *VcdVAppReconciler) nextRefresh(vapp *v1.VcdVApp, state objectState) time.Time {
	next := state.firstSeen.Add(r.timing.InitialDelay)
	if t := vapp.Status.LastRefreshTime; t != nil {
		next = later(next, t.Add(r.timing.RefreshInterval))
	}
	if t := vapp.Status.LastChangeTime; t != nil {
		next = later(next, t.Add(r.timing.IdleDelay))
	}
	return next
}

func (r *VcdVAppReconciler) lazyPlatform(ctx context.Context) func() (vcd.Client, error) {
	return sync.OnceValues(func() (vcd.Client, error) {
		return r.platform.Client(ctx)
	})
}

// report turns the outcomes of a pass into conditions, phase and events
func (r *VcdVAppReconciler) report(vapp *v1.VcdVApp, results []routeResult) {
	var retry, fatal *routeResult
	for i := range results {
		res := &results[i]
		switch res.outcome.Kind {
		case reconciler.Fatal:
			r.Recorder.Event(vapp, corev1.EventTypeWarning, v1.ReasonFailed, describe(res))
			if fatal == nil {
				fatal = res
			}
		case reconciler.Retryable:
			r.Recorder.Event(vapp, corev1.EventTypeWarning, v1.ReasonRetrying, describe(res))
			if retry == nil {
				retry = res
			}
		default:
			if res.route.Trigger == reconciler.TriggerCreate {
				r.Recorder.Event(vapp, corev1.EventTypeNormal, v1.ReasonCreated, res.outcome.Message)
			}
		}
	}

	if vapp.Status.Phase == v1.PhaseDeleting {
		switch {
		case fatal != nil:
			vapp.SetConditions(common.ReadyFalse(v1.ReasonFailed, describe(fatal)))
		case retry != nil:
			vapp.SetConditions(common.ReadyFalse(v1.ReasonDeleting, describe(retry)))
		}
		return
	}

	backing := vapp.Status.Backing
	switch {
	case backing != nil && backing.Status == v1.StatusMissing:
		message := "the backing vApp is gone and is not recreated"
		if fatal != nil {
			message = describe(fatal)
		}
		vapp.Status.Phase = v1.PhaseMissing
		vapp.SetConditions(common.ReadyFalse(v1.ReasonMissing, message))
	case fatal != nil:
		vapp.Status.Phase = v1.PhaseFailed
		vapp.SetConditions(common.ReadyFalse(v1.ReasonFailed, describe(fatal)))
	case retry != nil:
		vapp.Status.Phase = v1.PhasePending
		vapp.SetConditions(common.ReadyUnknown(v1.ReasonRetrying, describe(retry)))
	case len(results) == 0:
		return
	case backing != nil && backing.Status == v1.StatusExpired:
		vapp.Status.Phase = v1.PhaseReady
		vapp.SetConditions(common.ReadyFalse(v1.ReasonExpired, "the storage lease of the vApp expired"))
	default:
		vapp.Status.Phase = v1.PhaseReady
		vapp.SetConditions(common.ReadyTrue("vApp matches its specification"))
	}
}

func (r *VcdVAppReconciler) setSynced(vapp *v1.VcdVApp, out reconciler.Outcome) {
	switch out.Kind {
	case reconciler.Ok:
		vapp.SetConditions(common.Synced(out.Message))
	case reconciler.Retryable:
		vapp.SetConditions(common.NotSynced(v1.ReasonRetrying, out.String()))
	default:
		reason := v1.ReasonFailed
		if b := vapp.Status.Backing; b != nil && b.Status == v1.StatusMissing {
			reason = v1.ReasonMissing
		}
		vapp.SetConditions(common.NotSynced(reason, out.String()))
	}
}

// persist writes the annotations first, then the status
func (r *VcdVAppReconciler) persist(ctx context.Context, vapp *v1.VcdVApp, obj *reconciler.Object) error {
	if !maps.Equal(vapp.Annotations, obj.Annotations) {
		status := vapp.Status.DeepCopy()
		vapp.Annotations = obj.Annotations
		if err := r.inClient.Update(ctx, vapp); err != nil {
			return fmt.Errorf("failed to update annotations: %w", err)
		}
		vapp.Status = *status
	}
	vapp.Status.Backing = obj.Backing
	if err := r.inClient.Status().Update(ctx, vapp); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// requeue retries soon after a retryable outcome and otherwise waits for the next refresh
func (r *VcdVAppReconciler) requeue(vapp *v1.VcdVApp, results []routeResult) ctrl.Result {
	for _, res := range results {
		if res.outcome.IsRetryable() {
			return ctrl.Result{RequeueAfter: r.timing.RetryDelay}
		}
	}
	if !vapp.Status.Backing.HasPlatformRef() {
		return ctrl.Result{}
	}
	state := r.objects.get(vapp.UID, r.clock.Now())
	wait := r.nextRefresh(vapp, state).Sub(r.clock.Now())
	if wait <= 0 {
		wait = r.timing.RefreshInterval
	}
	return ctrl.Result{RequeueAfter: wait}
}

// SetupWithManager sets up the controller with the Manager.
func (r *VcdVAppReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1.VcdVApp{}, builder.WithPredicates(predicate.Or(
			predicate.GenerationChangedPredicate{},
			predicate.AnnotationChangedPredicate{},
		))).
		WithOptions(controller.Options{MaxConcurrentReconciles: max(r.MaxConcurrentReconciles, 1)}).
		Complete(r)
}

func describe(res *routeResult) string {
	return fmt.Sprintf("%s: %s", res.route.Name, res.outcome)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func ptrTime(t time.Time) *metav1.Time {
	mt := metav1.NewTime(t)
	return &mt
}
