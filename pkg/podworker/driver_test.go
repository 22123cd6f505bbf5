package podworker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertofaria/pav/pkg/phase"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
)

func TestPodNameDeterministicAndDistinct(t *testing.T) {
	uid := types.UID("11111111-2222-3333-4444-555555555555")

	a := PodName(uid, phase.Creation, "pvc-abc", 0)
	b := PodName(uid, phase.Creation, "pvc-abc", 0)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, PodName(uid, phase.Deletion, "pvc-abc", 0))
	assert.NotEqual(t, a, PodName(uid, phase.Creation, "pvc-def", 0))
	assert.NotEqual(t, a, PodName(uid, phase.Creation, "pvc-abc", 1))

	assert.LessOrEqual(t, len(a), 63)
}

func workerTemplate() *corev1.PodTemplateSpec {
	return &corev1.PodTemplateSpec{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:    "worker",
				Image:   "busybox",
				Command: []string{"true"},
			}},
		},
	}
}

func TestBuildPodInjectsSidecarAndNeverRestarts(t *testing.T) {
	opts := Options{
		Phase:          phase.Creation,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "pvc-abc",
		Template:       workerTemplate(),
	}
	pod := buildPod("pav-creation-x", opts)

	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, string(phase.Creation), pod.Labels[LabelPhase])
	assert.Equal(t, "pvc-abc", pod.Annotations[AnnotationVolumeHandle])

	require.Len(t, pod.Spec.Containers, 2)
	sidecar := pod.Spec.Containers[1]
	assert.Equal(t, "pav-sidecar", sidecar.Name)
	assert.Equal(t, "busybox", sidecar.Image, "sidecar reuses the workload image")

	require.Len(t, pod.Spec.Containers[0].VolumeMounts, 1)
	assert.Equal(t, SideChannelMount, pod.Spec.Containers[0].VolumeMounts[0].MountPath)
	require.Len(t, pod.Spec.Volumes, 1)
	assert.NotNil(t, pod.Spec.Volumes[0].EmptyDir)
}

func TestBuildPodHostDirUsesHostPathAndPinsNode(t *testing.T) {
	opts := Options{
		Phase:          phase.Staging,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "pvc-abc",
		Template:       workerTemplate(),
		NodeName:       "node-1",
		HostDir:        "/var/lib/pav/volumes/p/pvc-abc",
	}
	pod := buildPod("pav-staging-x", opts)

	assert.Equal(t, "node-1", pod.Spec.NodeName)
	require.Len(t, pod.Spec.Containers, 1, "host-dir side channel needs no sidecar")
	require.Len(t, pod.Spec.Volumes, 1)
	require.NotNil(t, pod.Spec.Volumes[0].HostPath)
	assert.Equal(t, opts.HostDir, pod.Spec.Volumes[0].HostPath.Path)
	require.NotNil(t, pod.Spec.Containers[0].VolumeMounts[0].MountPropagation)
	assert.Equal(t, corev1.MountPropagationBidirectional, *pod.Spec.Containers[0].VolumeMounts[0].MountPropagation)
}

// driverWithPod seeds a fake clientset with a worker pod already in the
// state set by mutate, so Run adopts it instead of creating a new one.
func driverWithPod(t *testing.T, opts Options, mutate func(*corev1.Pod)) *Driver {
	t.Helper()
	pod := buildPod(PodName(opts.ProvisionerUID, opts.Phase, opts.Handle, opts.RetryEpoch), opts)
	mutate(pod)
	kube := fake.NewSimpleClientset(pod)
	d := NewDriver(kube, nil)
	d.pollInterval = time.Millisecond
	return d
}

func TestRunAdoptsSucceededPod(t *testing.T) {
	opts := Options{
		Phase:          phase.Validation,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "pvc-abc",
		Template:       workerTemplate(),
	}
	d := driverWithPod(t, opts, func(p *corev1.Pod) {
		p.Status.Phase = corev1.PodSucceeded
	})

	verdict, err := d.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, verdict.Succeeded)
	assert.False(t, verdict.PodAlive)
}

func TestRunReportsFailureExitCode(t *testing.T) {
	opts := Options{
		Phase:          phase.Creation,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "pvc-abc",
		Template:       workerTemplate(),
	}
	d := driverWithPod(t, opts, func(p *corev1.Pod) {
		p.Status.Phase = corev1.PodFailed
		p.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name: "worker",
			State: corev1.ContainerState{
				Terminated: &corev1.ContainerStateTerminated{ExitCode: 7},
			},
		}}
	})

	verdict, err := d.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, verdict.Succeeded)
	assert.Equal(t, int32(7), verdict.ExitCode)
	assert.NotEmpty(t, verdict.ErrorText)
}

func TestRunReadsHostDirSideChannel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handle"), []byte("vol-7\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "capacity"), []byte("1073741824"), 0o644))

	opts := Options{
		Phase:          phase.Staging,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "vol-7",
		Template:       workerTemplate(),
		HostDir:        dir,
	}
	d := driverWithPod(t, opts, func(p *corev1.Pod) {
		p.Status.Phase = corev1.PodSucceeded
	})

	verdict, err := d.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, verdict.Succeeded)
	assert.Equal(t, "vol-7", verdict.SideChannel.Handle)
	assert.Equal(t, "1073741824", verdict.SideChannel.Capacity)
}

func TestRunLiveReadyLeavesPodAlive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ready"), nil, 0o644))

	opts := Options{
		Phase:          phase.Staging,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "vol-7",
		Template:       workerTemplate(),
		HostDir:        dir,
		AllowLiveReady: true,
		Timeout:        5 * time.Second,
	}
	d := driverWithPod(t, opts, func(p *corev1.Pod) {
		p.Status.Phase = corev1.PodRunning
	})

	verdict, err := d.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, verdict.Succeeded)
	assert.True(t, verdict.PodAlive)
	assert.True(t, verdict.SideChannel.ReadyAppeared)
}

func TestRunTimesOut(t *testing.T) {
	opts := Options{
		Phase:          phase.Creation,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "pvc-abc",
		Template:       workerTemplate(),
		Timeout:        20 * time.Millisecond,
	}
	d := driverWithPod(t, opts, func(p *corev1.Pod) {
		p.Status.Phase = corev1.PodRunning
	})

	_, err := d.Run(context.Background(), opts)
	require.Error(t, err)
	var tErr *TimeoutError
	assert.ErrorAs(t, err, &tErr)
}

func TestCleanupAndRetain(t *testing.T) {
	opts := Options{
		Phase:          phase.Deletion,
		ProvisionerUID: "uid-1",
		Namespace:      "pav-test",
		Handle:         "pvc-abc",
		Template:       workerTemplate(),
	}
	name := PodName(opts.ProvisionerUID, opts.Phase, opts.Handle, opts.RetryEpoch)
	pod := buildPod(name, opts)
	kube := fake.NewSimpleClientset(pod)
	d := NewDriver(kube, nil)
	d.pollInterval = time.Millisecond

	require.NoError(t, d.Retain(context.Background(), opts, "deletion failed"))
	got, err := kube.CoreV1().Pods("pav-test").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "deletion failed", got.Annotations[AnnotationRetained])

	require.NoError(t, d.Cleanup(context.Background(), opts))
	_, err = kube.CoreV1().Pods("pav-test").Get(context.Background(), name, metav1.GetOptions{})
	assert.Error(t, err)

	// Cleanup of an absent pod is a no-op.
	require.NoError(t, d.Cleanup(context.Background(), opts))
}
