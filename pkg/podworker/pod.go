package podworker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/albertofaria/pav/pkg/phase"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// PodName derives the deterministic worker pod name for one invocation.
// Determinism is what makes adoption work: a retried call computes the same
// name and finds the previous attempt's pod instead of spawning a twin.
func PodName(provisionerUID types.UID, ph phase.Kind, handle string, retryEpoch int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", provisionerUID, ph, handle, retryEpoch)))
	return "pav-" + string(ph) + "-" + hex.EncodeToString(sum[:])[:16]
}

// buildPod turns an evaluated pod template into the concrete worker pod:
// never-restart policy, identifying labels, the /pav side-channel volume in
// every container, and (for emptyDir-backed side channels) a sidecar that
// outlives the workload containers so their exported files stay readable.
func buildPod(name string, opts Options) *corev1.Pod {
	tmpl := opts.Template.DeepCopy()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   opts.Namespace,
			Labels:      tmpl.Labels,
			Annotations: tmpl.Annotations,
		},
		Spec: tmpl.Spec,
	}

	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[LabelPhase] = string(opts.Phase)
	pod.Labels[LabelProvisionerUID] = string(opts.ProvisionerUID)
	if opts.Handle != "" {
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		pod.Annotations[AnnotationVolumeHandle] = opts.Handle
	}

	if opts.Owner != nil {
		pod.OwnerReferences = []metav1.OwnerReference{*opts.Owner}
	}

	pod.Spec.RestartPolicy = corev1.RestartPolicyNever
	if opts.NodeName != "" {
		pod.Spec.NodeName = opts.NodeName
	}

	injectSideChannel(pod, opts)
	return pod
}

func injectSideChannel(pod *corev1.Pod, opts Options) {
	source := corev1.VolumeSource{
		EmptyDir: &corev1.EmptyDirVolumeSource{},
	}
	mountPropagation := corev1.MountPropagationNone
	if opts.HostDir != "" {
		hostPathType := corev1.HostPathDirectoryOrCreate
		source = corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: opts.HostDir, Type: &hostPathType},
		}
		// Mounts performed by staging workers under /pav/volume must
		// propagate back to the host, where the node agent bind-mounts
		// them onward.
		mountPropagation = corev1.MountPropagationBidirectional
	}

	pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
		Name:         sideChannelVolume,
		VolumeSource: source,
	})

	mount := corev1.VolumeMount{
		Name:      sideChannelVolume,
		MountPath: SideChannelMount,
	}
	if opts.HostDir != "" {
		mount.MountPropagation = &mountPropagation
		privileged := true
		for i := range pod.Spec.Containers {
			if pod.Spec.Containers[i].SecurityContext == nil {
				pod.Spec.Containers[i].SecurityContext = &corev1.SecurityContext{}
			}
			if pod.Spec.Containers[i].SecurityContext.Privileged == nil {
				pod.Spec.Containers[i].SecurityContext.Privileged = &privileged
			}
		}
	}
	for i := range pod.Spec.Containers {
		pod.Spec.Containers[i].VolumeMounts = append(pod.Spec.Containers[i].VolumeMounts, mount)
	}
	for i := range pod.Spec.InitContainers {
		pod.Spec.InitContainers[i].VolumeMounts = append(pod.Spec.InitContainers[i].VolumeMounts, mount)
	}

	if opts.HostDir == "" && len(pod.Spec.Containers) > 0 {
		// The sidecar reuses the workload image so no extra pull is
		// needed; it idles until the driver has read the side channel.
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{
			Name:    sidecarContainer,
			Image:   pod.Spec.Containers[0].Image,
			Command: []string{"sh", "-c", "trap 'exit 0' TERM INT; while true; do sleep 1; done"},
			VolumeMounts: []corev1.VolumeMount{{
				Name:      sideChannelVolume,
				MountPath: SideChannelMount,
			}},
		})
	}
}
