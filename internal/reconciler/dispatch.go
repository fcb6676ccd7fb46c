package reconciler

import (
	"encoding/json"
	"maps"

	"github.com/samber/lo"
)

// TriggerKind is the kind of event a route reacts to
type TriggerKind string

const (
	TriggerCreate TriggerKind = "create"
	// TriggerResume fires once per process for objects that already have a backing state
	TriggerResume TriggerKind = "resume"
	TriggerField  TriggerKind = "field"
	TriggerDelete TriggerKind = "delete"
	TriggerTimer  TriggerKind = "timer"
)

// FieldPath identifies a watched field of the resource
type FieldPath string

const (
	PathDescription            FieldPath = "spec.description"
	PathPoweredOn              FieldPath = "spec.powered_on"
	PathOwner                  FieldPath = "spec.owner"
	PathDeploymentLease        FieldPath = "spec.deploymentLeaseInSeconds"
	PathStorageLease           FieldPath = "spec.storageLeaseInSeconds"
	PathAnnotations            FieldPath = "metadata.annotations"
	PathBackingStatus          FieldPath = "status.backing.status"
	PathBackingOwner           FieldPath = "status.backing.owner"
	PathBackingDeploymentLease FieldPath = "status.backing.deploymentLeaseInSeconds"
	PathBackingStorageLease    FieldPath = "status.backing.storageLeaseInSeconds"
	PathBackingMetadata        FieldPath = "status.backing.metadata"
)

// Key addresses a route in the dispatch table. Path is empty for non field triggers.
type Key struct {
	Trigger TriggerKind
	Path    FieldPath
}

// Route binds a reconciler to the triggers it handles
type Route struct {
	Name    string
	Trigger TriggerKind
	Paths   []FieldPath
	Handler Func
}

// Table dispatches triggers to reconcilers
type Table struct {
	routes []Route
	index  map[Key]int
}

// NewTable returns the dispatch table of e
func NewTable(e *Engine) *Table {
	return newTable([]Route{
		{Name: "create", Trigger: TriggerCreate, Handler: e.Create},
		{Name: "resume", Trigger: TriggerResume, Handler: e.Create},
		{Name: "delete", Trigger: TriggerDelete, Handler: e.Delete},
		{Name: "refresh", Trigger: TriggerTimer, Handler: e.Refresh},
		{Name: "description", Trigger: TriggerField, Paths: []FieldPath{PathDescription}, Handler: e.Description},
		{Name: "power", Trigger: TriggerField, Paths: []FieldPath{PathPoweredOn, PathBackingStatus}, Handler: e.PowerState},
		{Name: "owner", Trigger: TriggerField, Paths: []FieldPath{PathOwner, PathBackingOwner}, Handler: e.Owner},
		{Name: "lease", Trigger: TriggerField, Paths: []FieldPath{
			PathDeploymentLease, PathStorageLease, PathBackingDeploymentLease, PathBackingStorageLease,
		}, Handler: e.Lease},
		{Name: "metadata", Trigger: TriggerField, Paths: []FieldPath{PathAnnotations, PathBackingMetadata}, Handler: e.Metadata},
	})
}

func newTable(routes []Route) *Table {
	t := &Table{routes: routes, index: map[Key]int{}}
	for i, route := range routes {
		if len(route.Paths) == 0 {
			t.index[Key{Trigger: route.Trigger}] = i
			continue
		}
		for _, path := range route.Paths {
			t.index[Key{Trigger: route.Trigger, Path: path}] = i
		}
	}
	return t
}

// Lookup returns the route registered for a trigger
func (t *Table) Lookup(trigger TriggerKind, path FieldPath) (Route, bool) {
	i, ok := t.index[Key{Trigger: trigger, Path: path}]
	if !ok {
		return Route{}, false
	}
	return t.routes[i], true
}

// FieldRoutes returns the field routes in dispatch order
func (t *Table) FieldRoutes() []Route {
	return lo.Filter(t.routes, func(route Route, _ int) bool {
		return route.Trigger == TriggerField
	})
}

// Changed returns the field routes with at least one path whose value differs from
// the value recorded in handled
func (t *Table) Changed(obj *Object, handled map[string]string) []Route {
	snapshot := Snapshot(obj)
	return lo.Filter(t.FieldRoutes(), func(route Route, _ int) bool {
		return lo.SomeBy(route.Paths, func(path FieldPath) bool {
			previous, ok := handled[string(path)]
			return !ok || previous != snapshot[path]
		})
	})
}

// MarkHandled records the current value of every path of route into handled
func (t *Table) MarkHandled(handled map[string]string, obj *Object, route Route) map[string]string {
	out := maps.Clone(handled)
	if out == nil {
		out = map[string]string{}
	}
	snapshot := Snapshot(obj)
	for _, path := range route.Paths {
		out[string(path)] = snapshot[path]
	}
	return out
}

// Snapshot returns the canonical JSON value of every watched path.
// Reserved annotations are left out so bookkeeping writes do not count as changes.
func Snapshot(obj *Object) map[FieldPath]string {
	spec := obj.Spec
	values := map[FieldPath]any{
		PathDescription:     spec.Description,
		PathPoweredOn:       spec.PoweredOn,
		PathOwner:           spec.Owner,
		PathDeploymentLease: spec.DeploymentLeaseInSeconds,
		PathStorageLease:    spec.StorageLeaseInSeconds,
		PathAnnotations:     ExpectedMetadata(obj.Annotations),
	}
	if b := obj.Backing; b != nil {
		values[PathBackingStatus] = b.Status
		values[PathBackingOwner] = b.Owner
		values[PathBackingDeploymentLease] = b.DeploymentLeaseInSeconds
		values[PathBackingStorageLease] = b.StorageLeaseInSeconds
		values[PathBackingMetadata] = b.Metadata
	} else {
		for _, path := range []FieldPath{PathBackingStatus, PathBackingOwner, PathBackingDeploymentLease, PathBackingStorageLease, PathBackingMetadata} {
			values[path] = nil
		}
	}

	out := make(map[FieldPath]string, len(values))
	for path, value := range values {
		out[path] = canonical(value)
	}
	return out
}

func canonical(value any) string {
	// maps are encoded with sorted keys, every value here is plain data
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(raw)
}
