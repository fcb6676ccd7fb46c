package reconciler

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

const (
	// DefaultPollInterval is the default delay between two task status reads
	DefaultPollInterval = 2 * time.Second
	// DefaultPowerTimeout bounds the wait on power tasks
	DefaultPowerTimeout = 60 * time.Second
)

// ReservedPrefixes are annotation prefixes never written to the platform as metadata
var ReservedPrefixes = []string{v1.BookkeepingPrefix, "kubectl.kubernetes.io/", "kopf."}

// Object is the typed view of a resource handed to a reconciler.
// Spec is read only, Backing and Annotations may be updated.
// Backing stays nil until a vApp has been created or adopted.
type Object struct {
	Name        string
	Namespace   string
	Spec        v1.VcdVAppSpec
	Backing     *v1.BackingState
	Annotations map[string]string
}

// NewObject builds the reconciler view of a copy of vapp
func NewObject(vapp *v1.VcdVApp) *Object {
	return &Object{
		Name:        vapp.Name,
		Namespace:   vapp.Namespace,
		Spec:        *vapp.Spec.DeepCopy(),
		Backing:     vapp.Status.Backing.DeepCopy(),
		Annotations: maps.Clone(vapp.Annotations),
	}
}

// Apply writes the backing state and annotations back to vapp
func (o *Object) Apply(vapp *v1.VcdVApp) {
	vapp.Status.Backing = o.Backing
	vapp.Annotations = o.Annotations
}

// backing returns the backing state, creating it on first use
func (o *Object) backing() *v1.BackingState {
	if o.Backing == nil {
		o.Backing = &v1.BackingState{}
	}
	return o.Backing
}

// IsManaged reports whether the managed-by marker is present
func (o *Object) IsManaged() bool {
	return o.Annotations[v1.ManagedByAnnotation] != ""
}

func (o *Object) markManaged() {
	if o.Annotations == nil {
		o.Annotations = map[string]string{}
	}
	o.Annotations[v1.ManagedByAnnotation] = v1.ManagedByValue
}

// IsReserved reports whether an annotation key is internal bookkeeping
func IsReserved(key string) bool {
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Func is the signature shared by every reconciler
type Func func(ctx context.Context, cli vcd.Client, obj *Object) Outcome

// Recorder receives reconcile and task measurements
type Recorder interface {
	ObserveReconcile(ctx context.Context, reconciler, outcome string, duration time.Duration)
	ObserveTask(ctx context.Context, operation, status string, duration time.Duration)
}

// NoopRecorder drops every measurement
type NoopRecorder struct{}

func (NoopRecorder) ObserveReconcile(context.Context, string, string, time.Duration) {}

func (NoopRecorder) ObserveTask(context.Context, string, string, time.Duration) {}

// Engine holds the reconcilers and their shared collaborators
type Engine struct {
	poller       *TaskPoller
	clock        clock.PassiveClock
	recorder     Recorder
	pollInterval time.Duration
	powerTimeout time.Duration
}

// Option configures an Engine
type Option func(*Engine)

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

func WithPowerTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.powerTimeout = d
	}
}

// WithClock sets the clock used for lease expiry and durations
func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// NewEngine creates an Engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:        clock.RealClock{},
		recorder:     NoopRecorder{},
		pollInterval: DefaultPollInterval,
		powerTimeout: DefaultPowerTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.poller = NewTaskPoller(e.pollInterval, e.clock, e.recorder)
	return e
}

// Run invokes route and records its outcome
func (e *Engine) Run(ctx context.Context, route Route, cli vcd.Client, obj *Object) Outcome {
	log := logr.FromContextOrDiscard(ctx).WithValues("reconciler", route.Name)
	ctx = logr.NewContext(ctx, log)

	start := e.clock.Now()
	out := route.Handler(ctx, cli, obj)
	e.recorder.ObserveReconcile(ctx, route.Name, out.Kind.String(), e.clock.Since(start))

	switch out.Kind {
	case Fatal:
		log.Error(out.Err, out.Message)
	case Retryable:
		log.Info("reconciler will be retried", "reason", out.Message, "error", errString(out.Err))
	default:
		log.V(1).Info(out.Message)
	}
	return out
}

// wait polls task to a terminal status and fails on anything but success
func (e *Engine) wait(ctx context.Context, cli vcd.Client, task vcd.Task, timeout time.Duration) (Outcome, bool) {
	status, err := e.poller.Wait(ctx, cli, task, timeout)
	if err != nil {
		return fromError(err, "waiting for %s", task.Operation), false
	}
	if status != vcd.TaskSuccess {
		return Fail(nil, "failed to %s: task status %s", task.Operation, status), false
	}
	return Outcome{}, true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
