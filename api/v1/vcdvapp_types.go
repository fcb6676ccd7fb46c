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

package v1

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// ManagedByAnnotation marks objects whose vApp is handled by this operator
	ManagedByAnnotation = "managed-by"
	// ManagedByValue is the value written in ManagedByAnnotation
	ManagedByValue = "kvcd"
	// Finalizer guarantees the vApp is removed before the object goes away
	Finalizer = "kvcd.lrivallain.dev/finalizer"
	// BookkeepingPrefix is the annotation prefix reserved to the operator itself
	BookkeepingPrefix = "kvcd.lrivallain.dev/"

	// DefaultFenceMode is used when spec.fence_mode is empty
	DefaultFenceMode = "bridged"
)

// PhaseType is the coarse lifecycle phase of a VcdVApp
// +kubebuilder:validation:Enum=Pending;Ready;Failed;Missing;Deleting
type PhaseType string

const (
	// PhasePending represents a vApp not created yet or waiting for a retry
	PhasePending PhaseType = "Pending"
	// PhaseReady represents a vApp in sync with its spec
	PhaseReady PhaseType = "Ready"
	// PhaseFailed represents a vApp whose last reconciliation failed permanently
	PhaseFailed PhaseType = "Failed"
	// PhaseMissing represents a vApp removed from the platform behind our back
	PhaseMissing PhaseType = "Missing"
	// PhaseDeleting represents a vApp being removed
	PhaseDeleting PhaseType = "Deleting"
)

// VAppStatus is the human readable status of the backing vApp.
// Values other than Missing and Expired are derived from the platform status code.
type VAppStatus string

const (
	StatusMissing     VAppStatus = "Missing"
	StatusExpired     VAppStatus = "Expired"
	StatusDeployed    VAppStatus = "Deployed"
	StatusSuspended   VAppStatus = "Suspended"
	StatusPoweredOn   VAppStatus = "Powered on"
	StatusPoweredOff  VAppStatus = "Powered off"
	StatusUnresolved  VAppStatus = "Unresolved"
	StatusResolved    VAppStatus = "Resolved"
	StatusUnknown     VAppStatus = "Unknown state"
	StatusFailedBuild VAppStatus = "Could not be created"
)

// VcdVAppSpec defines the desired state of VcdVApp
type VcdVAppSpec struct {
	// Name of the vCloud organization hosting the vApp
	Org string `json:"org"`
	// Name of the organization VDC hosting the vApp
	Vdc string `json:"vdc"`
	// Catalog holding the template to instantiate. Must be set together with source_template_name.
	// +optional
	SourceCatalog *string `json:"source_catalog,omitempty"`
	// Name of the vApp template to instantiate. Must be set together with source_catalog.
	// +optional
	SourceTemplateName *string `json:"source_template_name,omitempty"`
	// +optional
	Description string `json:"description,omitempty"`
	// +optional
	PoweredOn bool `json:"powered_on,omitempty"`
	// Name of an organization user to set as owner. Empty leaves the owner untouched.
	// +optional
	Owner string `json:"owner,omitempty"`
	// Empty leaves the deployment lease untouched.
	// +optional
	// +kubebuilder:validation:Minimum=0
	DeploymentLeaseInSeconds *int32 `json:"deploymentLeaseInSeconds,omitempty"`
	// Empty leaves the storage lease untouched.
	// +optional
	// +kubebuilder:validation:Minimum=0
	StorageLeaseInSeconds *int32 `json:"storageLeaseInSeconds,omitempty"`
	// Delete the vApp even if it is running
	// +optional
	ForceDelete bool `json:"force_delete,omitempty"`
	// +optional
	// +kubebuilder:default:=bridged
	FenceMode string `json:"fence_mode,omitempty"`
	// +optional
	// +kubebuilder:default:=true
	AcceptAllEulas *bool `json:"accept_all_eulas,omitempty"`
}

// HasTemplateSource reports whether both template coordinates are set
func (s *VcdVAppSpec) HasTemplateSource() bool {
	return s.SourceCatalog != nil && *s.SourceCatalog != "" &&
		s.SourceTemplateName != nil && *s.SourceTemplateName != ""
}

// HasPartialTemplateSource reports whether only one of the template coordinates is set
func (s *VcdVAppSpec) HasPartialTemplateSource() bool {
	hasCatalog := s.SourceCatalog != nil && *s.SourceCatalog != ""
	hasTemplate := s.SourceTemplateName != nil && *s.SourceTemplateName != ""
	return hasCatalog != hasTemplate
}

// BackingState is the last known platform view of the vApp.
// An empty VAppHref goes together with Status == Missing.
type BackingState struct {
	// +optional
	VAppHref string `json:"vcd_vapp_href,omitempty"`
	// +optional
	VdcHref string `json:"vcd_vdc_href,omitempty"`
	// +optional
	Status VAppStatus `json:"status,omitempty"`
	// +optional
	Owner string `json:"owner,omitempty"`
	// +optional
	UUID string `json:"uuid,omitempty"`
	// +optional
	DeploymentLeaseInSeconds *int32 `json:"deploymentLeaseInSeconds,omitempty"`
	// +optional
	StorageLeaseInSeconds *int32 `json:"storageLeaseInSeconds,omitempty"`
	// +optional
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasPlatformRef reports whether the backing state points to a platform object
func (b *BackingState) HasPlatformRef() bool {
	return b != nil && b.VAppHref != ""
}

// MarkMissing drops the platform identifiers and flags the vApp as gone
func (b *BackingState) MarkMissing() {
	b.VAppHref = ""
	b.UUID = ""
	b.Status = StatusMissing
}

// VcdVAppStatus defines the observed state of VcdVApp
type VcdVAppStatus struct {
	// +optional
	Backing *BackingState `json:"backing,omitempty"`

	// +kubebuilder:default:=Pending
	Phase PhaseType `json:"phase,omitempty"`

	// Generation of the spec last seen by the create handler
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Canonical value of each watched field when it was last handled
	// +optional
	LastHandled map[string]string `json:"lastHandled,omitempty"`

	// +optional
	LastRefreshTime *metav1.Time `json:"lastRefreshTime,omitempty"`

	// +optional
	LastChangeTime *metav1.Time `json:"lastChangeTime,omitempty"`

	// Conditions represent the latest available observations of an object's state
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// SetConditions merges the given conditions into the status
func (r *VcdVApp) SetConditions(conditions ...metav1.Condition) {
	for _, c := range conditions {
		meta.SetStatusCondition(&r.Status.Conditions, c)
	}
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=vapp
//+kubebuilder:printcolumn:name="Status",type="string",JSONPath=".status.backing.status"
//+kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
//+kubebuilder:printcolumn:name="Owner",type="string",JSONPath=".status.backing.owner"

// VcdVApp is the Schema for the vcdvapps API
type VcdVApp struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   VcdVAppSpec   `json:"spec,omitempty"`
	Status VcdVAppStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// VcdVAppList contains a list of VcdVApp
type VcdVAppList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []VcdVApp `json:"items"`
}

func init() {
	SchemeBuilder.Register(&VcdVApp{}, &VcdVAppList{})
}
