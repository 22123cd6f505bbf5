package phase

import (
	"reflect"

	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// toUnstructured converts a typed API object into the plain
// map[string]interface{} shape templates address with lowercase,
// JSON-style field paths (e.g. `{{ .pvc.metadata.name }}`).
// A nil obj yields a nil map, which templates see as the zero value.
func toUnstructured(obj runtime.Object) (map[string]interface{}, error) {
	if obj == nil || reflect.ValueOf(obj).IsNil() {
		return nil, nil
	}
	return runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
}

// ValidationDynamicVars builds the evaluation context for the dynamic
// validation phase.
func ValidationDynamicVars(
	requestedVolumeMode string,
	requestedAccessModes []string,
	requestedMinCapacity int64,
	requestedMaxCapacity int64,
	params map[string]string,
	sc *storagev1.StorageClass,
	pvc *corev1.PersistentVolumeClaim,
) (map[string]interface{}, error) {
	scUns, err := toUnstructured(sc)
	if err != nil {
		return nil, err
	}
	pvcUns, err := toUnstructured(pvc)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"requestedVolumeMode":   requestedVolumeMode,
		"requestedAccessModes":  requestedAccessModes,
		"requestedMinCapacity":  requestedMinCapacity,
		"requestedMaxCapacity":  requestedMaxCapacity,
		"params":                params,
		"sc":                    scUns,
		"pvc":                   pvcUns,
	}, nil
}

// ValidationStaticVars builds the evaluation context for the static
// validation phase. PaV never actually renders a template under this
// context (static validation is rejected at admission) but the shape is
// part of the documented contract.
func ValidationStaticVars(
	requestedVolumeMode string,
	requestedAccessModes []string,
	requestedMinCapacity int64,
	requestedMaxCapacity int64,
	params map[string]string,
	handle string,
	pv *corev1.PersistentVolume,
) (map[string]interface{}, error) {
	pvUns, err := toUnstructured(pv)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"requestedVolumeMode":  requestedVolumeMode,
		"requestedAccessModes": requestedAccessModes,
		"requestedMinCapacity": requestedMinCapacity,
		"requestedMaxCapacity": requestedMaxCapacity,
		"params":               params,
		"handle":               handle,
		"pv":                   pvUns,
	}, nil
}

// CreationDeletionVars builds the evaluation context shared by the
// creation and deletion phases: the dynamic validation context plus
// defaultHandle.
func CreationDeletionVars(
	requestedVolumeMode string,
	requestedAccessModes []string,
	requestedMinCapacity int64,
	requestedMaxCapacity int64,
	params map[string]string,
	sc *storagev1.StorageClass,
	pvc *corev1.PersistentVolumeClaim,
	defaultHandle string,
) (map[string]interface{}, error) {
	vars, err := ValidationDynamicVars(requestedVolumeMode, requestedAccessModes, requestedMinCapacity, requestedMaxCapacity, params, sc, pvc)
	if err != nil {
		return nil, err
	}
	vars["defaultHandle"] = defaultHandle
	return vars, nil
}

// StagingUnstagingVars builds the evaluation context for the staging and
// unstaging phases.
func StagingUnstagingVars(
	volumeMode string,
	accessModes []string,
	capacity int64,
	params map[string]string,
	handle string,
	readOnly bool,
	pvc *corev1.PersistentVolumeClaim,
	pv *corev1.PersistentVolume,
	node *corev1.Node,
) (map[string]interface{}, error) {
	pvcUns, err := toUnstructured(pvc)
	if err != nil {
		return nil, err
	}
	pvUns, err := toUnstructured(pv)
	if err != nil {
		return nil, err
	}
	nodeUns, err := toUnstructured(node)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"volumeMode":  volumeMode,
		"accessModes": accessModes,
		"capacity":    capacity,
		"params":      params,
		"handle":      handle,
		"readOnly":    readOnly,
		"pvc":         pvcUns,
		"pv":          pvUns,
		"node":        nodeUns,
	}, nil
}
