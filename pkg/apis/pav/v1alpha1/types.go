package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ProvisioningMode names one of the two ways volumes of a provisioner can
// come into being.
type ProvisioningMode string

const (
	// ProvisioningModeDynamic means volumes are created on demand by
	// volumeCreation and torn down by volumeDeletion.
	ProvisioningModeDynamic ProvisioningMode = "Dynamic"
	// ProvisioningModeStatic means volumes are pre-provisioned outside PaV
	// and only staged/unstaged.
	ProvisioningModeStatic ProvisioningMode = "Static"
)

// PavProvisionerPhase is the ProvisionerRegistry/ControllerAgent state
// machine slot a provisioner currently occupies.
type PavProvisionerPhase string

const (
	PavProvisionerPhaseBootstrapping PavProvisionerPhase = "Bootstrapping"
	PavProvisionerPhaseActive        PavProvisionerPhase = "Active"
	PavProvisionerPhaseBlocked       PavProvisionerPhase = "Blocked"
	PavProvisionerPhaseTombstoned    PavProvisionerPhase = "Tombstoned"
)

// VolumesExistFinalizer is attached to every PavProvisioner at bootstrap and
// held while any volume references the provisioner.
const VolumesExistFinalizer = "pav.albertofaria.dev/volumes-exist"

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster,shortName=pav
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`

// PavProvisioner declares how volumes of one provisioner are validated,
// created, deleted, staged and unstaged via pod templates.
type PavProvisioner struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PavProvisionerSpec   `json:"spec"`
	Status PavProvisionerStatus `json:"status,omitempty"`
}

// PavProvisionerSpec declares the five lifecycle phases. Every string leaf
// below, except ProvisioningModes, is evaluated as a template.
type PavProvisionerSpec struct {
	// +kubebuilder:validation:MinItems=1
	ProvisioningModes []ProvisioningMode `json:"provisioningModes"`

	// +optional
	VolumeValidation *VolumeValidationSpec `json:"volumeValidation,omitempty"`

	// Dynamic-only.
	// +optional
	VolumeCreation *VolumeCreationSpec `json:"volumeCreation,omitempty"`

	// Dynamic-only.
	// +optional
	VolumeDeletion *VolumeDeletionSpec `json:"volumeDeletion,omitempty"`

	VolumeStaging VolumeStagingSpec `json:"volumeStaging"`

	// +optional
	VolumeUnstaging *VolumeUnstagingSpec `json:"volumeUnstaging,omitempty"`
}

// VolumeValidationSpec carries the admission filters and the optional
// validation worker template.
type VolumeValidationSpec struct {
	// +optional
	VolumeModes []string `json:"volumeModes,omitempty"`
	// +optional
	AccessModes []string `json:"accessModes,omitempty"`
	// +optional
	MinCapacity string `json:"minCapacity,omitempty"`
	// +optional
	MaxCapacity string `json:"maxCapacity,omitempty"`
	// +optional
	PodTemplate *corev1.PodTemplateSpec `json:"podTemplate,omitempty"`
}

// VolumeCreationSpec is the worker that creates the backing object.
type VolumeCreationSpec struct {
	// +optional
	Handle string `json:"handle,omitempty"`
	Capacity string `json:"capacity"`
	// +optional
	PodTemplate *corev1.PodTemplateSpec `json:"podTemplate,omitempty"`
}

// VolumeDeletionSpec is the worker that destroys the backing object.
type VolumeDeletionSpec struct {
	// +optional
	PodTemplate *corev1.PodTemplateSpec `json:"podTemplate,omitempty"`
}

// VolumeStagingSpec is the worker that makes a volume available on a node.
type VolumeStagingSpec struct {
	PodTemplate corev1.PodTemplateSpec `json:"podTemplate"`
}

// VolumeUnstagingSpec is the worker that reverts staging.
type VolumeUnstagingSpec struct {
	// +optional
	PodTemplate *corev1.PodTemplateSpec `json:"podTemplate,omitempty"`
}

// PavProvisionerStatus reports the ProvisionerRegistry state machine slot
// and the outcome of the last bundle reconciliation.
type PavProvisionerStatus struct {
	// +optional
	Phase PavProvisionerPhase `json:"phase,omitempty"`
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true

// PavProvisionerList is a list of PavProvisioner.
type PavProvisionerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PavProvisioner `json:"items"`
}
