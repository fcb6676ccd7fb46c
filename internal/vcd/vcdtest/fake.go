// Package vcdtest provides an in-memory platform used by the operator tests.
package vcdtest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

const (
	StatusDeployed   = 2
	StatusSuspended  = 3
	StatusPoweredOn  = 4
	StatusPoweredOff = 8
)

// Call is one recorded client invocation
type Call struct {
	Method string
	Args   []any
}

type vappEntry struct {
	vapp     vcd.VApp
	vdcHref  string
	lease    vcd.Lease
	metadata map[string]string
}

type task struct {
	op     string
	polls  int
	effect func()
	done   bool
}

// Fake is a concurrency safe in-memory vcd.Client.
// Submitted tasks apply their effect the first time they are polled to success.
type Fake struct {
	mu sync.Mutex

	BaseURL string
	// CreatedStatusCode is the status code of vApps created through the fake
	CreatedStatusCode int
	SysAdmin          bool

	vdcs      map[string]*vcd.VDC
	vapps     map[string]*vappEntry
	users     map[string]*vcd.User
	templates map[string]bool
	failures  map[string]error
	outcomes  map[string][]vcd.TaskStatus
	tasks     map[string]*task
	calls     []Call

	disconnected bool
}

var _ vcd.Client = &Fake{}

// New returns an empty platform
func New() *Fake {
	return &Fake{
		BaseURL:           "https://vcd.example.com/api",
		CreatedStatusCode: StatusPoweredOff,
		vdcs:              map[string]*vcd.VDC{},
		vapps:             map[string]*vappEntry{},
		users:             map[string]*vcd.User{},
		templates:         map[string]bool{},
		failures:          map[string]error{},
		outcomes:          map[string][]vcd.TaskStatus{},
		tasks:             map[string]*task{},
	}
}

// AddVDC registers a VDC and returns it
func (f *Fake) AddVDC(org, name string) *vcd.VDC {
	f.mu.Lock()
	defer f.mu.Unlock()
	vdc := &vcd.VDC{HREF: fmt.Sprintf("%s/vdc/%s", f.BaseURL, uuid.NewString()), Name: name, Org: org}
	f.vdcs[org+"/"+name] = vdc
	return vdc
}

// AddVApp registers an existing vApp inside vdc. HREF and ID are generated when empty.
func (f *Fake) AddVApp(vdc *vcd.VDC, vapp vcd.VApp) vcd.VApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addVApp(vdc, vapp)
}

func (f *Fake) addVApp(vdc *vcd.VDC, vapp vcd.VApp) vcd.VApp {
	if vapp.ID == "" {
		vapp.ID = "urn:vcloud:vapp:" + uuid.NewString()
	}
	if vapp.HREF == "" {
		vapp.HREF = fmt.Sprintf("%s/vApp/vapp-%s", f.BaseURL, strings.TrimPrefix(vapp.ID, "urn:vcloud:vapp:"))
	}
	f.vapps[vapp.HREF] = &vappEntry{vapp: vapp, vdcHref: vdc.HREF, metadata: map[string]string{}}
	return vapp
}

// RemoveVApp deletes a vApp behind the operator's back
func (f *Fake) RemoveVApp(href string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vapps, href)
}

// VApp returns the stored vApp
func (f *Fake) VApp(href string) (vcd.VApp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.vapps[href]
	if !ok {
		return vcd.VApp{}, false
	}
	return entry.vapp, true
}

// VAppCount returns the number of vApps in vdc
func (f *Fake) VAppCount(vdc *vcd.VDC) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, entry := range f.vapps {
		if entry.vdcHref == vdc.HREF {
			count++
		}
	}
	return count
}

// SetStatusCode changes the platform status of a vApp
func (f *Fake) SetStatusCode(href string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.vapps[href]; ok {
		entry.vapp.StatusCode = code
	}
}

// SetOwner changes the platform owner of a vApp
func (f *Fake) SetOwner(href, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.vapps[href]; ok {
		entry.vapp.Owner = owner
	}
}

// SetLeaseState replaces the lease of a vApp
func (f *Fake) SetLeaseState(href string, lease vcd.Lease) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.vapps[href]; ok {
		entry.lease = lease
	}
}

// Lease returns the stored lease of a vApp
func (f *Fake) Lease(href string) vcd.Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.vapps[href]; ok {
		return entry.lease
	}
	return vcd.Lease{}
}

// SetMetadataState replaces the metadata of a vApp
func (f *Fake) SetMetadataState(href string, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.vapps[href]; ok {
		entry.metadata = maps.Clone(metadata)
	}
}

// Metadata returns the stored metadata of a vApp
func (f *Fake) Metadata(href string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.vapps[href]; ok {
		return maps.Clone(entry.metadata)
	}
	return nil
}

// AddUser registers an organization user
func (f *Fake) AddUser(org, name string) *vcd.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := &vcd.User{HREF: fmt.Sprintf("%s/admin/user/%s", f.BaseURL, uuid.NewString()), Name: name}
	f.users[org+"/"+name] = user
	return user
}

// knowsOrg reports whether a VDC or a user was registered under org
func (f *Fake) knowsOrg(org string) bool {
	prefix := org + "/"
	for key := range f.vdcs {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	for key := range f.users {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// AddTemplate registers a catalog template
func (f *Fake) AddTemplate(catalog, template string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[catalog+"/"+template] = true
}

// FailWith makes every call to method return err until ClearFailure is called
func (f *Fake) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

// ClearFailure removes an injected failure
func (f *Fake) ClearFailure(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, method)
}

// SetTaskOutcome sets the statuses successive polls of tasks of operation return.
// The last status repeats. Tasks succeed on their first poll by default.
func (f *Fake) SetTaskOutcome(operation string, statuses ...vcd.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[operation] = statuses
}

// Calls returns every recorded call, optionally filtered by method names
func (f *Fake) Calls(methods ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(methods) == 0 {
		return slices.Clone(f.calls)
	}
	var out []Call
	for _, call := range f.calls {
		if slices.Contains(methods, call.Method) {
			out = append(out, call)
		}
	}
	return out
}

// CallCount returns how many times method was called
func (f *Fake) CallCount(method string) int {
	return len(f.Calls(method))
}

// MutatingCalls returns the calls that change platform state
func (f *Fake) MutatingCalls() []Call {
	return f.Calls("ComposeVApp", "InstantiateVApp", "DeleteVApp", "EditVApp", "PowerOn", "PowerOff",
		"SetLease", "SetMetadata", "ChangeOwner")
}

// ResetCalls forgets the recorded calls
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Disconnected reports whether Disconnect was called
func (f *Fake) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *Fake) begin(method string, args ...any) error {
	f.calls = append(f.calls, Call{Method: method, Args: args})
	return f.failures[method]
}

func (f *Fake) submit(op, target string, effect func()) vcd.Task {
	href := fmt.Sprintf("%s/task/%s", f.BaseURL, uuid.NewString())
	f.tasks[href] = &task{op: op, effect: effect}
	return vcd.Task{HREF: href, Target: target, Operation: op}
}

func (f *Fake) entry(href string) (*vappEntry, error) {
	entry, ok := f.vapps[href]
	if !ok {
		return nil, vcd.NotFound("vApp", href)
	}
	return entry, nil
}

func (f *Fake) GetVDC(_ context.Context, org, name string) (*vcd.VDC, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetVDC", org, name); err != nil {
		return nil, err
	}
	vdc, ok := f.vdcs[org+"/"+name]
	if !ok {
		return nil, vcd.NotFound("VDC", org+"/"+name)
	}
	out := *vdc
	return &out, nil
}

func (f *Fake) FindVApp(_ context.Context, vdc *vcd.VDC, name string) (*vcd.VApp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("FindVApp", vdc.Name, name); err != nil {
		return nil, err
	}
	for _, entry := range f.vapps {
		if entry.vdcHref == vdc.HREF && entry.vapp.Name == name {
			out := entry.vapp
			return &out, nil
		}
	}
	return nil, vcd.NotFound("vApp", name)
}

func (f *Fake) GetVApp(_ context.Context, href string) (*vcd.VApp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetVApp", href); err != nil {
		return nil, err
	}
	entry, err := f.entry(href)
	if err != nil {
		return nil, err
	}
	out := entry.vapp
	return &out, nil
}

func (f *Fake) ComposeVApp(_ context.Context, vdc *vcd.VDC, params vcd.ComposeParams) (vcd.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ComposeVApp", vdc.Name, params); err != nil {
		return vcd.Task{}, err
	}
	vapp := f.addVApp(vdc, vcd.VApp{Name: params.Name, Description: params.Description, StatusCode: 0})
	return f.submit(vcd.OpComposeVApp, vapp.HREF, func() {
		f.vapps[vapp.HREF].vapp.StatusCode = f.CreatedStatusCode
	}), nil
}

func (f *Fake) InstantiateVApp(_ context.Context, vdc *vcd.VDC, params vcd.InstantiateParams) (vcd.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("InstantiateVApp", vdc.Name, params); err != nil {
		return vcd.Task{}, err
	}
	if !f.templates[params.Catalog+"/"+params.Template] {
		return vcd.Task{}, vcd.NotFound("template", params.Catalog+"/"+params.Template)
	}
	vapp := f.addVApp(vdc, vcd.VApp{Name: params.Name, Description: params.Description, StatusCode: 0})
	return f.submit(vcd.OpInstantiateVApp, vapp.HREF, func() {
		code := f.CreatedStatusCode
		if params.PowerOn {
			code = StatusPoweredOn
		}
		f.vapps[vapp.HREF].vapp.StatusCode = code
	}), nil
}

func (f *Fake) DeleteVApp(_ context.Context, vapp *vcd.VApp, force bool) (vcd.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteVApp", vapp.HREF, force); err != nil {
		return vcd.Task{}, err
	}
	if _, err := f.entry(vapp.HREF); err != nil {
		return vcd.Task{}, err
	}
	href := vapp.HREF
	return f.submit(vcd.OpDeleteVApp, href, func() { delete(f.vapps, href) }), nil
}

func (f *Fake) EditVApp(_ context.Context, href, name, description string) (vcd.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("EditVApp", href, name, description); err != nil {
		return vcd.Task{}, err
	}
	entry, err := f.entry(href)
	if err != nil {
		return vcd.Task{}, err
	}
	return f.submit(vcd.OpEditVApp, href, func() {
		entry.vapp.Name = name
		entry.vapp.Description = description
	}), nil
}

func (f *Fake) PowerOn(_ context.Context, href string) (vcd.Task, error) {
	return f.power("PowerOn", vcd.OpPowerOn, href, StatusPoweredOn)
}

func (f *Fake) PowerOff(_ context.Context, href string) (vcd.Task, error) {
	return f.power("PowerOff", vcd.OpPowerOff, href, StatusPoweredOff)
}

func (f *Fake) power(method, op, href string, code int) (vcd.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(method, href); err != nil {
		return vcd.Task{}, err
	}
	entry, err := f.entry(href)
	if err != nil {
		return vcd.Task{}, err
	}
	return f.submit(op, href, func() { entry.vapp.StatusCode = code }), nil
}

func (f *Fake) GetLease(_ context.Context, href string) (*vcd.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetLease", href); err != nil {
		return nil, err
	}
	entry, err := f.entry(href)
	if err != nil {
		return nil, err
	}
	out := entry.lease
	return &out, nil
}

func (f *Fake) SetLease(_ context.Context, href string, lease vcd.LeaseSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetLease", href, lease); err != nil {
		return err
	}
	entry, err := f.entry(href)
	if err != nil {
		return err
	}
	if lease.DeploymentLeaseInSeconds != nil {
		entry.lease.DeploymentLeaseInSeconds = *lease.DeploymentLeaseInSeconds
	}
	if lease.StorageLeaseInSeconds != nil {
		entry.lease.StorageLeaseInSeconds = *lease.StorageLeaseInSeconds
	}
	return nil
}

func (f *Fake) GetMetadata(_ context.Context, href string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetMetadata", href); err != nil {
		return nil, err
	}
	entry, err := f.entry(href)
	if err != nil {
		return nil, err
	}
	return maps.Clone(entry.metadata), nil
}

func (f *Fake) SetMetadata(_ context.Context, href, key, value string, visibility vcd.Visibility) (vcd.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetMetadata", href, key, value, visibility); err != nil {
		return vcd.Task{}, err
	}
	entry, err := f.entry(href)
	if err != nil {
		return vcd.Task{}, err
	}
	return f.submit(vcd.OpSetMetadata, href, func() { entry.metadata[key] = value }), nil
}

func (f *Fake) FindUser(_ context.Context, org, name string) (*vcd.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("FindUser", org, name); err != nil {
		return nil, err
	}
	if !f.knowsOrg(org) {
		return nil, vcd.OrgNotFound(org)
	}
	user, ok := f.users[org+"/"+name]
	if !ok {
		return nil, vcd.NotFound("user", name)
	}
	out := *user
	return &out, nil
}

func (f *Fake) ChangeOwner(_ context.Context, href string, user *vcd.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ChangeOwner", href, user.Name); err != nil {
		return err
	}
	entry, err := f.entry(href)
	if err != nil {
		return err
	}
	entry.vapp.Owner = user.Name
	return nil
}

func (f *Fake) TaskStatus(_ context.Context, t vcd.Task) (vcd.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("TaskStatus", t.HREF); err != nil {
		return "", err
	}
	submitted, ok := f.tasks[t.HREF]
	if !ok {
		return "", vcd.NotFound("task", t.HREF)
	}
	statuses := f.outcomes[submitted.op]
	if len(statuses) == 0 {
		statuses = []vcd.TaskStatus{vcd.TaskSuccess}
	}
	status := statuses[min(submitted.polls, len(statuses)-1)]
	submitted.polls++
	if status == vcd.TaskSuccess && !submitted.done {
		submitted.done = true
		submitted.effect()
	}
	return status, nil
}

func (f *Fake) IsSysAdmin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SysAdmin
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return f.failures["Disconnect"]
}
