package vcd

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vmware/go-vcloud-director/v2/govcd"
	"github.com/vmware/go-vcloud-director/v2/types/v56"
	"k8s.io/utils/ptr"
)

const (
	// the library has no vApp owner support
	mimeOwner = "application/vnd.vmware.vcloud.owner+xml"

	userCacheSize = 256
)

var fenceModes = []string{"bridged", "isolated", "natRouted"}

// NewGovcdConnector returns a Connector backed by go-vcloud-director.
// Resolved users are cached across sessions for userCacheTTL.
func NewGovcdConnector(userCacheTTL time.Duration) Connector {
	users := expirable.NewLRU[string, User](userCacheSize, nil, userCacheTTL)
	return func(ctx context.Context, creds Credentials) (Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		endpoint := url.URL{
			Scheme: "https",
			Host:   net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port)),
			Path:   "/api",
		}
		vcdClient := govcd.NewVCDClient(endpoint, !creds.VerifySSL)
		if err := vcdClient.Authenticate(creds.Username, creds.Password, creds.Org); err != nil {
			return nil, classify(err, fmt.Sprintf("authenticating %s@%s", creds.Username, creds.Org))
		}
		return &govcdClient{vcd: vcdClient, users: users}, nil
	}
}

type govcdClient struct {
	vcd   *govcd.VCDClient
	users *expirable.LRU[string, User]
}

var _ Client = &govcdClient{}

func (c *govcdClient) GetVDC(ctx context.Context, orgName, vdcName string) (*VDC, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	org, err := c.vcd.GetOrgByName(orgName)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("organization %q", orgName))
	}
	vdc, err := org.GetVDCByName(vdcName, false)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("VDC %q in organization %q", vdcName, orgName))
	}
	return &VDC{HREF: vdc.Vdc.HREF, Name: vdc.Vdc.Name, Org: orgName, native: vdc}, nil
}

func (c *govcdClient) nativeVDC(ctx context.Context, vdc *VDC) (*govcd.Vdc, error) {
	if native, ok := vdc.native.(*govcd.Vdc); ok && native != nil {
		return native, nil
	}
	resolved, err := c.GetVDC(ctx, vdc.Org, vdc.Name)
	if err != nil {
		return nil, err
	}
	return resolved.native.(*govcd.Vdc), nil
}

func (c *govcdClient) FindVApp(ctx context.Context, vdc *VDC, name string) (*VApp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	native, err := c.nativeVDC(ctx, vdc)
	if err != nil {
		return nil, err
	}
	vapp, err := native.GetVAppByName(name, true)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("vApp %q in VDC %q", name, vdc.Name))
	}
	return toVApp(vapp.VApp), nil
}

func (c *govcdClient) GetVApp(ctx context.Context, href string) (*VApp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vapp, err := c.nativeVApp(href)
	if err != nil {
		return nil, err
	}
	return toVApp(vapp.VApp), nil
}

func (c *govcdClient) nativeVApp(href string) (*govcd.VApp, error) {
	vapp := govcd.NewVApp(&c.vcd.Client)
	vapp.VApp.HREF = href
	if err := vapp.Refresh(); err != nil {
		return nil, classify(err, fmt.Sprintf("vApp %s", href))
	}
	return vapp, nil
}

func toVApp(v *types.VApp) *VApp {
	out := &VApp{
		HREF:        v.HREF,
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		StatusCode:  v.Status,
	}
	if v.Owner != nil && v.Owner.User != nil {
		out.Owner = v.Owner.User.Name
	}
	return out
}

// submitVApp posts a creation request, the task is read from the returned vApp
func (c *govcdClient) submitVApp(target, contentType, operation string, payload any) (Task, error) {
	var out types.VApp
	_, err := c.vcd.Client.ExecuteRequest(target, http.MethodPost, contentType, "error submitting "+operation+": %s", payload, &out)
	if err != nil {
		return Task{}, classify(err, operation)
	}
	if out.Tasks == nil || len(out.Tasks.Task) == 0 {
		return Task{}, NewError(KindGeneric, "%s returned no task", operation)
	}
	return Task{HREF: out.Tasks.Task[0].HREF, Target: out.HREF, Operation: operation}, nil
}

func (c *govcdClient) ComposeVApp(ctx context.Context, vdc *VDC, params ComposeParams) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	// the fence mode only applies to vApp networks, none are declared on a scratch vApp
	if params.FenceMode != "" && !slices.Contains(fenceModes, params.FenceMode) {
		return Task{}, NewError(KindBadRequest, "unsupported fence mode %q", params.FenceMode)
	}
	payload := &types.ComposeVAppParams{
		Ovf:              types.XMLNamespaceOVF,
		Xsi:              types.XMLNamespaceXSI,
		Xmlns:            types.XMLNamespaceVCloud,
		Name:             params.Name,
		Description:      params.Description,
		AllEULAsAccepted: params.AcceptAllEulas,
	}
	return c.submitVApp(vdc.HREF+"/action/composeVApp", types.MimeComposeVappParams, OpComposeVApp, payload)
}

func (c *govcdClient) InstantiateVApp(ctx context.Context, vdc *VDC, params InstantiateParams) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	org, err := c.vcd.GetOrgByName(vdc.Org)
	if err != nil {
		return Task{}, classify(err, fmt.Sprintf("organization %q", vdc.Org))
	}
	catalog, err := org.GetCatalogByName(params.Catalog, false)
	if err != nil {
		return Task{}, classify(err, fmt.Sprintf("catalog %q", params.Catalog))
	}
	template, err := catalog.GetVAppTemplateByName(params.Template)
	if err != nil {
		return Task{}, classify(err, fmt.Sprintf("template %q in catalog %q", params.Template, params.Catalog))
	}
	payload := &types.InstantiateVAppTemplateParams{
		Ovf:              types.XMLNamespaceOVF,
		Xmlns:            types.XMLNamespaceVCloud,
		Name:             params.Name,
		Deploy:           params.Deploy,
		PowerOn:          params.PowerOn,
		Description:      params.Description,
		Source:           &types.Reference{HREF: template.VAppTemplate.HREF, Name: template.VAppTemplate.Name},
		AllEULAsAccepted: params.AcceptAllEulas,
	}
	return c.submitVApp(vdc.HREF+"/action/instantiateVAppTemplate", types.MimeInstantiateVappTemplateParams, OpInstantiateVApp, payload)
}

func (c *govcdClient) DeleteVApp(ctx context.Context, vapp *VApp, force bool) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	target := vapp.HREF + "?force=" + strconv.FormatBool(force)
	task, err := c.vcd.Client.ExecuteTaskRequest(target, http.MethodDelete, "", "error deleting vApp: %s", nil)
	if err != nil {
		return Task{}, classify(err, fmt.Sprintf("deleting vApp %q", vapp.Name))
	}
	return Task{HREF: task.Task.HREF, Target: vapp.HREF, Operation: OpDeleteVApp}, nil
}

// EditVApp renames the vApp through a recompose request, keeping its deployment state
func (c *govcdClient) EditVApp(ctx context.Context, href, name, description string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	vapp, err := c.nativeVApp(href)
	if err != nil {
		return Task{}, err
	}
	target := href + "/action/recomposeVApp"
	for _, link := range vapp.VApp.Link {
		if link.Type == types.MimeRecomposeVappParams && link.Rel == "recompose" {
			target = link.HREF
			break
		}
	}
	payload := &types.SmallRecomposeVappParams{
		Ovf:         types.XMLNamespaceOVF,
		Xsi:         types.XMLNamespaceXSI,
		Xmlns:       types.XMLNamespaceVCloud,
		Name:        name,
		Description: description,
		Deploy:      vapp.VApp.Deployed,
	}
	return c.taskRequest(ctx, href, target, http.MethodPost, types.MimeRecomposeVappParams, OpEditVApp, payload)
}

func (c *govcdClient) PowerOn(ctx context.Context, href string) (Task, error) {
	return c.taskRequest(ctx, href, href+"/action/deploy", http.MethodPost, types.MimeDeployVappParams, OpPowerOn,
		&types.DeployVAppParams{Xmlns: types.XMLNamespaceVCloud, PowerOn: true})
}

func (c *govcdClient) PowerOff(ctx context.Context, href string) (Task, error) {
	return c.taskRequest(ctx, href, href+"/action/undeploy", http.MethodPost, types.MimeUndeployVappParams, OpPowerOff,
		&types.UndeployVAppParams{Xmlns: types.XMLNamespaceVCloud, UndeployPowerAction: "powerOff"})
}

func (c *govcdClient) taskRequest(ctx context.Context, href, target, method, contentType, operation string, payload any) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	task, err := c.vcd.Client.ExecuteTaskRequest(target, method, contentType, "error during "+operation+": %s", payload)
	if err != nil {
		return Task{}, classify(err, operation)
	}
	return Task{HREF: task.Task.HREF, Target: href, Operation: operation}, nil
}

func (c *govcdClient) GetLease(ctx context.Context, href string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vapp, err := c.nativeVApp(href)
	if err != nil {
		return nil, err
	}
	section, err := vapp.GetLease()
	if err != nil {
		return nil, classify(err, "reading lease settings")
	}
	return toLease(section)
}

func toLease(section *types.LeaseSettingsSection) (*Lease, error) {
	lease := &Lease{
		DeploymentLeaseInSeconds: int32(section.DeploymentLeaseInSeconds),
		StorageLeaseInSeconds:    int32(section.StorageLeaseInSeconds),
	}
	var err error
	if lease.DeploymentLeaseExpiration, err = parseLeaseTime(section.DeploymentLeaseExpiration); err != nil {
		return nil, err
	}
	if lease.StorageLeaseExpiration, err = parseLeaseTime(section.StorageLeaseExpiration); err != nil {
		return nil, err
	}
	return lease, nil
}

func parseLeaseTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Message: fmt.Sprintf("invalid lease expiration %q", value), Err: err}
	}
	return &t, nil
}

// SetLease submits the lease section itself, vApp.RenewLease skips unchanged values and blocks on the task
func (c *govcdClient) SetLease(ctx context.Context, href string, lease LeaseSettings) error {
	_, err := c.taskRequest(ctx, href, href+"/leaseSettingsSection/", http.MethodPut, types.MimeLeaseSettingSection, OpSetLease, leasePayload(lease))
	return err
}

func leasePayload(lease LeaseSettings) *types.UpdateLeaseSettingsSection {
	toInt := func(v *int32) *int {
		if v == nil {
			return nil
		}
		return ptr.To(int(*v))
	}
	return &types.UpdateLeaseSettingsSection{
		XmlnsOvf:                 types.XMLNamespaceOVF,
		Xmlns:                    types.XMLNamespaceVCloud,
		OVFInfo:                  "Lease settings section",
		DeploymentLeaseInSeconds: toInt(lease.DeploymentLeaseInSeconds),
		StorageLeaseInSeconds:    toInt(lease.StorageLeaseInSeconds),
	}
}

func (c *govcdClient) GetMetadata(ctx context.Context, href string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vapp := govcd.NewVApp(&c.vcd.Client)
	vapp.VApp.HREF = href
	metadata, err := vapp.GetMetadata()
	if err != nil {
		return nil, classify(err, "reading metadata")
	}
	return metadataValues(metadata), nil
}

func metadataValues(metadata *types.Metadata) map[string]string {
	out := make(map[string]string, len(metadata.MetadataEntry))
	for _, entry := range metadata.MetadataEntry {
		if entry == nil || entry.TypedValue == nil {
			continue
		}
		out[entry.Key] = entry.TypedValue.Value
	}
	return out
}

// SetMetadata writes a GENERAL entry. The library helpers force READWRITE on that domain, so the request is built here.
func (c *govcdClient) SetMetadata(ctx context.Context, href, key, value string, visibility Visibility) (Task, error) {
	return c.taskRequest(ctx, href, href+"/metadata/"+url.PathEscape(key), http.MethodPut, types.MimeMetaDataValue, OpSetMetadata,
		metadataPayload(value, visibility))
}

func metadataPayload(value string, visibility Visibility) *types.MetadataValue {
	return &types.MetadataValue{
		Xsi:        types.XMLNamespaceXSI,
		Xmlns:      types.XMLNamespaceVCloud,
		Domain:     &types.MetadataDomainTag{Visibility: string(visibility), Domain: "GENERAL"},
		TypedValue: &types.MetadataTypedValue{XsiType: types.MetadataStringValue, Value: value},
	}
}

func (c *govcdClient) FindUser(ctx context.Context, orgName, name string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := orgName + "/" + name
	if user, ok := c.users.Get(key); ok {
		return &user, nil
	}
	adminOrg, err := c.vcd.GetAdminOrgByName(orgName)
	if err != nil {
		classified := classify(err, fmt.Sprintf("organization %q", orgName))
		if IsNotFound(classified) {
			return nil, &Error{Kind: KindNotFound, Message: fmt.Sprintf("organization %q", orgName), Err: fmt.Errorf("%w: %w", ErrOrgNotFound, err)}
		}
		return nil, classified
	}
	found, err := adminOrg.GetUserByName(name, false)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("user %q in organization %q", name, orgName))
	}
	user := User{HREF: found.User.Href, Name: found.User.Name}
	c.users.Add(key, user)
	return &user, nil
}

// vAppOwner is types.Owner with the namespace a request body needs
type vAppOwner struct {
	XMLName xml.Name `xml:"Owner"`
	Xmlns   string   `xml:"xmlns,attr"`
	types.Owner
}

func ownerPayload(user *User) *vAppOwner {
	return &vAppOwner{
		Xmlns: types.XMLNamespaceVCloud,
		Owner: types.Owner{User: &types.Reference{HREF: user.HREF, Type: types.MimeAdminUser}},
	}
}

func (c *govcdClient) ChangeOwner(ctx context.Context, href string, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.vcd.Client.ExecuteRequestWithoutResponse(href+"/owner", http.MethodPut, mimeOwner, "error changing owner: %s", ownerPayload(user)); err != nil {
		return classify(err, fmt.Sprintf("changing owner to %q", user.Name))
	}
	return nil
}

func (c *govcdClient) TaskStatus(ctx context.Context, task Task) (TaskStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	native := govcd.NewTask(&c.vcd.Client)
	native.Task.HREF = task.HREF
	if err := native.Refresh(); err != nil {
		return "", classify(err, "refreshing task "+task.Operation)
	}
	return TaskStatus(native.Task.Status), nil
}

func (c *govcdClient) IsSysAdmin() bool {
	return c.vcd.Client.IsSysAdmin
}

func (c *govcdClient) Disconnect() error {
	return c.vcd.Disconnect()
}

// classify maps a go-vcloud-director failure to an *Error
func classify(err error, action string) error {
	if err == nil {
		return nil
	}
	classified := &Error{Kind: KindGeneric, Message: action, Err: err}

	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		classified.Code = apiErr.MinorErrorCode
		classified.Kind = kindFromStatus(apiErr.MajorErrorCode, apiErr.MinorErrorCode)
		return classified
	}

	var netErr net.Error
	msg := err.Error()
	switch {
	case govcd.ContainsNotFound(err):
		classified.Kind = KindNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		classified.Kind = KindUnavailable
	case strings.Contains(msg, "BUSY_ENTITY"), strings.Contains(msg, "is busy"):
		classified.Kind = KindBusyEntity
		classified.Code = "BUSY_ENTITY"
	case strings.Contains(msg, "OPERATION_NOT_SUPPORTED"), strings.Contains(msg, "not supported"):
		classified.Kind = KindOperationNotSupported
	case strings.Contains(msg, "API Error: 404"), strings.Contains(msg, "API Error: 403"):
		classified.Kind = KindNotFound
	case strings.Contains(msg, "API Error: 400"):
		classified.Kind = KindBadRequest
	case strings.Contains(msg, "API Error: 5"):
		classified.Kind = KindUnavailable
	}
	return classified
}

// kindFromStatus follows the platform convention of an HTTP status as major code
func kindFromStatus(major int, minor string) ErrorKind {
	switch {
	case minor == "BUSY_ENTITY":
		return KindBusyEntity
	case minor == "OPERATION_NOT_SUPPORTED":
		return KindOperationNotSupported
	case major == http.StatusNotFound, major == http.StatusForbidden:
		return KindNotFound
	case major == http.StatusBadRequest:
		return KindBadRequest
	case major >= http.StatusInternalServerError:
		return KindUnavailable
	}
	return KindGeneric
}
