// Package podworker submits lifecycle worker pods, observes them to a
// terminal verdict, and extracts the /pav side-channel files. It is shared
// by the controller plugin (validation, creation, deletion) and the node
// plugin (staging, unstaging).
package podworker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/phase"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	// LabelPhase marks a worker pod with its lifecycle phase.
	LabelPhase = "pav.albertofaria.dev/phase"
	// LabelProvisionerUID marks a worker pod with the UID of the
	// provisioner it works for.
	LabelProvisionerUID = "pav.albertofaria.dev/provisioner-uid"
	// AnnotationVolumeHandle records the handle the worker acts on (an
	// annotation, not a label: handles are not label-value constrained).
	AnnotationVolumeHandle = "pav.albertofaria.dev/volume-handle"
	// AnnotationRetained flags a pod kept for diagnostics after an
	// unrecoverable failure.
	AnnotationRetained = "pav.albertofaria.dev/retained"

	// SideChannelMount is where the side-channel volume appears inside
	// every worker container.
	SideChannelMount = "/pav"

	sideChannelVolume = "pav-side-channel"
	sidecarContainer  = "pav-sidecar"
)

// Options describes one worker-pod invocation.
type Options struct {
	Phase          phase.Kind
	ProvisionerUID types.UID
	Namespace      string
	// Handle is the volume handle, when already known. For validation and
	// creation, where the handle may not exist yet, the controller plugin
	// passes the claim key (the CreateVolume request name) in its place.
	Handle string
	// RetryEpoch distinguishes retries so a retained failed pod from a
	// previous attempt never collides with the next one.
	RetryEpoch int

	Template *corev1.PodTemplateSpec
	Owner    *metav1.OwnerReference

	// NodeName pins the worker to a node (staging/unstaging).
	NodeName string
	// HostDir, when set, is a host directory mounted at /pav instead of an
	// emptyDir, and side-channel files are read from it directly
	// (staging/unstaging, where the per-volume directory lives on the
	// node). When empty, /pav is an emptyDir shared with a sidecar and
	// files are read by exec-ing into the sidecar.
	HostDir string

	// Timeout bounds the wait for a terminal state. Zero means the
	// phase descriptor's default; a negative value means unbounded.
	Timeout time.Duration
	// AllowLiveReady accepts a still-running pod that has produced
	// /pav/ready as a successful outcome (staging only).
	AllowLiveReady bool
}

// SideChannel is what the worker exported through /pav.
type SideChannel struct {
	Handle        string
	Capacity      string
	ErrorText     string
	ReadyAppeared bool
}

// Verdict is the terminal outcome of one worker invocation.
type Verdict struct {
	Succeeded   bool
	ExitCode    int32
	ErrorText   string
	SideChannel SideChannel
	// PodAlive is true when the pod was deliberately left running
	// (AllowLiveReady staging workers).
	PodAlive bool
}

// Runner is the capability the plugins program against; Driver implements
// it against a real cluster and tests substitute a fake.
type Runner interface {
	// Run submits (or adopts) the worker pod for opts and waits for a
	// terminal verdict. The pod is left in place; the caller decides
	// between Cleanup and Retain based on recoverability.
	Run(ctx context.Context, opts Options) (Verdict, error)
	// Cleanup deletes the worker pod, if present.
	Cleanup(ctx context.Context, opts Options) error
	// Retain annotates the worker pod as kept for diagnostics.
	Retain(ctx context.Context, opts Options, reason string) error
	// Terminate requests deletion of a live worker pod and waits until it
	// is gone.
	Terminate(ctx context.Context, opts Options) error
	// IsAlive reports whether the worker pod for opts currently exists
	// and has not reached a terminal state.
	IsAlive(ctx context.Context, opts Options) (bool, error)
}

// Driver runs worker pods against a real cluster.
type Driver struct {
	kube   kubernetes.Interface
	config *rest.Config

	pollInterval time.Duration
}

var _ Runner = &Driver{}

// NewDriver builds a Driver. config may be nil in tests; it is only needed
// for exec-based side-channel reads.
func NewDriver(kube kubernetes.Interface, config *rest.Config) *Driver {
	return &Driver{
		kube:         kube,
		config:       config,
		pollInterval: time.Second,
	}
}

func (d *Driver) Run(ctx context.Context, opts Options) (Verdict, error) {
	pod, err := d.submitOrAdopt(ctx, opts)
	if err != nil {
		return Verdict{}, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = phase.Descriptors[opts.Phase].DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	verdict, err := d.waitTerminal(ctx, pod.Namespace, pod.Name, opts)
	if err != nil {
		if wait.Interrupted(err) {
			return Verdict{}, &TimeoutError{Phase: opts.Phase, Pod: pod.Name}
		}
		return Verdict{}, err
	}
	return verdict, nil
}

// TimeoutError reports a phase exceeding its bound.
type TimeoutError struct {
	Phase phase.Kind
	Pod   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s worker pod %s did not reach a terminal state in time", e.Phase, e.Pod)
}

func (d *Driver) submitOrAdopt(ctx context.Context, opts Options) (*corev1.Pod, error) {
	name := PodName(opts.ProvisionerUID, opts.Phase, opts.Handle, opts.RetryEpoch)

	existing, err := d.kube.CoreV1().Pods(opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		// At most one live pod per (phase, handle): a previous attempt's
		// pod is adopted, never duplicated.
		klog.V(2).Infof("adopting existing %s worker pod %s/%s", opts.Phase, opts.Namespace, name)
		return existing, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}

	pod := buildPod(name, opts)
	created, err := d.kube.CoreV1().Pods(opts.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return d.kube.CoreV1().Pods(opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("create %s worker pod %s/%s: %w", opts.Phase, opts.Namespace, name, err)
	}
	klog.V(2).Infof("created %s worker pod %s/%s", opts.Phase, opts.Namespace, name)
	return created, nil
}

func (d *Driver) waitTerminal(ctx context.Context, namespace, name string, opts Options) (Verdict, error) {
	var verdict Verdict

	err := wait.PollUntilContextCancel(ctx, d.pollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := d.kube.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				// The pod disappeared between submit and terminal state
				// (evicted, deleted by hand). Treat as a failure the
				// caller may retry.
				verdict = Verdict{Succeeded: false, ErrorText: "worker pod disappeared"}
				return true, nil
			}
			// Transient apiserver errors just mean another poll.
			klog.V(4).Infof("polling worker pod %s/%s: %v", namespace, name, err)
			return false, nil
		}

		if done, exitCode := workersTerminated(pod); done {
			verdict = d.collect(ctx, pod, opts, exitCode)
			return true, nil
		}

		if opts.AllowLiveReady && pod.Status.Phase == corev1.PodRunning {
			ready, err := d.sideFileExists(ctx, pod, opts, "ready")
			if err != nil {
				klog.V(4).Infof("checking /pav/ready in %s/%s: %v", namespace, name, err)
				return false, nil
			}
			if ready {
				verdict = Verdict{Succeeded: true, PodAlive: true}
				verdict.SideChannel.ReadyAppeared = true
				return true, nil
			}
		}
		return false, nil
	})
	return verdict, err
}

// workersTerminated reports whether every non-sidecar container has
// terminated, and the worst exit code among them. Pod phase alone is not
// enough: the side-channel sidecar keeps running after the workload
// containers finish, so the pod never reaches Succeeded on its own.
func workersTerminated(pod *corev1.Pod) (bool, int32) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return true, 0
	case corev1.PodFailed:
		return true, failedExitCode(pod)
	}

	var worst int32
	sawAny := false
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == sidecarContainer {
			continue
		}
		sawAny = true
		if cs.State.Terminated == nil {
			return false, 0
		}
		if cs.State.Terminated.ExitCode > worst {
			worst = cs.State.Terminated.ExitCode
		}
	}
	if !sawAny {
		return false, 0
	}
	if len(pod.Status.ContainerStatuses) < len(pod.Spec.Containers) {
		return false, 0
	}
	return true, worst
}

func failedExitCode(pod *corev1.Pod) int32 {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == sidecarContainer {
			continue
		}
		if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
			return cs.State.Terminated.ExitCode
		}
	}
	return 1
}

func (d *Driver) collect(ctx context.Context, pod *corev1.Pod, opts Options, exitCode int32) Verdict {
	verdict := Verdict{Succeeded: exitCode == 0, ExitCode: exitCode}

	sc, err := d.readSideChannel(ctx, pod, opts)
	if err != nil {
		// A vanished pod between termination and read is tolerable; the
		// side channel is then simply absent.
		klog.V(2).Infof("reading side channel of %s/%s: %v", pod.Namespace, pod.Name, err)
	}
	verdict.SideChannel = sc

	if !verdict.Succeeded {
		verdict.ErrorText = strings.TrimSpace(sc.ErrorText)
		if verdict.ErrorText == "" {
			verdict.ErrorText = fmt.Sprintf("%s worker pod %s exited with code %d", opts.Phase, pod.Name, exitCode)
		}
	}
	return verdict
}

func (d *Driver) Cleanup(ctx context.Context, opts Options) error {
	name := PodName(opts.ProvisionerUID, opts.Phase, opts.Handle, opts.RetryEpoch)
	err := d.kube.CoreV1().Pods(opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *Driver) Retain(ctx context.Context, opts Options, reason string) error {
	name := PodName(opts.ProvisionerUID, opts.Phase, opts.Handle, opts.RetryEpoch)
	pod, err := d.kube.CoreV1().Pods(opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[AnnotationRetained] = reason
	_, err = d.kube.CoreV1().Pods(opts.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
	return err
}

func (d *Driver) Terminate(ctx context.Context, opts Options) error {
	name := PodName(opts.ProvisionerUID, opts.Phase, opts.Handle, opts.RetryEpoch)
	err := d.kube.CoreV1().Pods(opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return wait.PollUntilContextCancel(ctx, d.pollInterval, true, func(ctx context.Context) (bool, error) {
		_, err := d.kube.CoreV1().Pods(opts.Namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, nil
	})
}

func (d *Driver) IsAlive(ctx context.Context, opts Options) (bool, error) {
	name := PodName(opts.ProvisionerUID, opts.Phase, opts.Handle, opts.RetryEpoch)
	pod, err := d.kube.CoreV1().Pods(opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	done, _ := workersTerminated(pod)
	return !done, nil
}
