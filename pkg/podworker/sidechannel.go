package podworker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
)

// readSideChannel gathers the exported files after the workload containers
// have terminated. Host-dir-backed invocations read straight off the node's
// filesystem; emptyDir-backed ones exec into the still-running sidecar.
func (d *Driver) readSideChannel(ctx context.Context, pod *corev1.Pod, opts Options) (SideChannel, error) {
	var sc SideChannel

	read := func(name string) (string, bool, error) {
		return d.readSideFile(ctx, pod, opts, name)
	}

	if v, ok, err := read("handle"); err != nil {
		return sc, err
	} else if ok {
		sc.Handle = strings.TrimSpace(v)
	}
	if v, ok, err := read("capacity"); err != nil {
		return sc, err
	} else if ok {
		sc.Capacity = strings.TrimSpace(v)
	}
	if v, ok, err := read("error"); err != nil {
		return sc, err
	} else if ok {
		sc.ErrorText = v
	}
	ready, err := d.sideFileExists(ctx, pod, opts, "ready")
	if err != nil {
		return sc, err
	}
	sc.ReadyAppeared = ready
	return sc, nil
}

func (d *Driver) readSideFile(ctx context.Context, pod *corev1.Pod, opts Options, name string) (string, bool, error) {
	if opts.HostDir != "" {
		data, err := os.ReadFile(filepath.Join(opts.HostDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return "", false, nil
			}
			return "", false, err
		}
		return string(data), true, nil
	}
	return d.execRead(ctx, pod, name)
}

func (d *Driver) sideFileExists(ctx context.Context, pod *corev1.Pod, opts Options, name string) (bool, error) {
	if opts.HostDir != "" {
		_, err := os.Stat(filepath.Join(opts.HostDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	_, ok, err := d.execRead(ctx, pod, name)
	return ok, err
}

// execRead cats one side-channel file through the sidecar container. A
// missing file and a vanished pod both report absence rather than failure:
// the worker may legitimately never have written the file.
func (d *Driver) execRead(ctx context.Context, pod *corev1.Pod, name string) (string, bool, error) {
	if d.config == nil {
		return "", false, nil
	}

	req := d.kube.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod.Name).
		Namespace(pod.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: sidecarContainer,
			Command:   []string{"cat", SideChannelMount + "/" + name},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(d.config, "POST", req.URL())
	if err != nil {
		return "", false, fmt.Errorf("exec into %s/%s: %w", pod.Namespace, pod.Name, err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		// cat exiting non-zero means the file does not exist; anything
		// else (pod gone, transport error) is absence too, by contract.
		return "", false, nil
	}
	return stdout.String(), true, nil
}
