// Package nodeplugin implements the node side of the CSI contract for one
// provisioner: NodePublishVolume runs the staging phase as a worker pod on
// the local node and bind-mounts its /pav/volume artifact into the publish
// target; NodeUnpublishVolume reverts it through the unstaging phase.
package nodeplugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	"github.com/albertofaria/pav/pkg/csidriver"
	"github.com/albertofaria/pav/pkg/metrics"
	"github.com/albertofaria/pav/pkg/pavclient"
	"github.com/albertofaria/pav/pkg/phase"
	"github.com/albertofaria/pav/pkg/podworker"
	"github.com/albertofaria/pav/pkg/registry"
	"github.com/albertofaria/pav/pkg/template"
	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	mountutils "k8s.io/mount-utils"
	"k8s.io/utils/pointer"
)

// Parameter keys the kubelet injects into the volume context when the
// driver registration asks for pod info on mount.
const (
	contextPodName      = "csi.storage.k8s.io/pod.name"
	contextPodNamespace = "csi.storage.k8s.io/pod.namespace"
)

// Server implements csi.NodeServer for one provisioner on one node.
type Server struct {
	csi.UnimplementedNodeServer

	provisionerName string
	namespace       string
	nodeName        string
	hostRoot        string

	kube    kubernetes.Interface
	pav     pavclient.Interface
	workers podworker.Runner
	mounter mountutils.Interface
	metrics *metrics.Metrics

	// locks serialises publish/unpublish per volume handle; the node is
	// fixed per process, so the key pair (node, handle) degenerates to
	// the handle.
	locks *csidriver.KeyedMutex
}

// New builds a node-plugin server.
func New(provisionerName, nodeName, hostRoot string, kube kubernetes.Interface, pav pavclient.Interface, workers podworker.Runner, mounter mountutils.Interface, m *metrics.Metrics) *Server {
	return &Server{
		provisionerName: provisionerName,
		namespace:       registry.NamespaceName(provisionerName),
		nodeName:        nodeName,
		hostRoot:        hostRoot,
		kube:            kube,
		pav:             pav,
		workers:         workers,
		mounter:         mounter,
		metrics:         m,
		locks:           csidriver.NewKeyedMutex(),
	}
}

func (s *Server) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{NodeId: s.nodeName}, nil
}

func (s *Server) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	// No STAGE_UNSTAGE_VOLUME: staging is PaV's own notion, driven
	// entirely from the publish path.
	return &csi.NodeGetCapabilitiesResponse{}, nil
}

// volumeDir is the stable per-volume host directory.
func (s *Server) volumeDir(handle string) string {
	return filepath.Join(s.hostRoot, s.provisionerName, handle)
}

func (s *Server) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	handle := req.GetVolumeId()
	target := req.GetTargetPath()
	if handle == "" || target == "" || req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "volume id, target path and volume capability are required")
	}

	s.locks.Lock(handle)
	defer s.locks.Unlock(handle)

	// Completed publishes are keyed by the bind mount's existence.
	if mounted, err := s.isMounted(target); err != nil {
		return nil, status.Errorf(codes.Internal, "checking target path: %v", err)
	} else if mounted {
		return &csi.NodePublishVolumeResponse{}, nil
	}

	prov, err := s.pav.Get(ctx, s.provisionerName)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading provisioner %s: %v", s.provisionerName, err)
	}

	dir := s.volumeDir(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, status.Errorf(codes.Internal, "creating volume directory: %v", err)
	}

	vars, err := s.stagingVars(ctx, req, handle)
	if err != nil {
		return nil, err
	}

	rendered, err := template.RenderPodTemplate("volumeStaging.podTemplate", &prov.Spec.VolumeStaging.PodTemplate, vars, s.templateCaps())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	opts := podworker.Options{
		Phase:          phase.Staging,
		ProvisionerUID: prov.UID,
		Namespace:      s.namespace,
		Handle:         handle,
		Template:       rendered,
		NodeName:       s.nodeName,
		HostDir:        dir,
		AllowLiveReady: true,
		Owner:          s.clientPodOwnerRef(ctx, req.GetVolumeContext()),
	}

	start := time.Now()
	done := s.metrics.TrackWorker()
	verdict, err := s.workers.Run(ctx, opts)
	done()
	s.metrics.ObservePhase(string(phase.Staging), start, err == nil && verdict.Succeeded)
	if err != nil || !verdict.Succeeded {
		errText := verdict.ErrorText
		if err != nil {
			errText = err.Error()
		}
		s.rollbackStaging(ctx, prov, handle, vars, opts)
		return nil, status.Errorf(codes.Internal, "volume staging failed: %s", errText)
	}

	if err := s.bindPublish(dir, target, req); err != nil {
		s.rollbackStaging(ctx, prov, handle, vars, opts)
		return nil, status.Errorf(codes.Internal, "publishing staged volume: %v", err)
	}

	if !verdict.PodAlive {
		// A staging worker that exited has nothing more to do; one that
		// signalled /pav/ready stays alive until unstage.
		if err := s.workers.Cleanup(ctx, opts); err != nil {
			klog.V(2).Infof("cleaning up staging worker for %s: %v", handle, err)
		}
	}
	return &csi.NodePublishVolumeResponse{}, nil
}

func (s *Server) stagingVars(ctx context.Context, req *csi.NodePublishVolumeRequest, handle string) (map[string]interface{}, error) {
	volumeMode := csidriver.VolumeModeName(req.GetVolumeCapability())

	params := map[string]string{}
	for k, v := range req.GetVolumeContext() {
		if !strings.HasPrefix(k, "csi.storage.k8s.io/") {
			params[k] = v
		}
	}

	var accessModes []string
	var capacity int64
	var pv *corev1.PersistentVolume
	var pvc *corev1.PersistentVolumeClaim

	pv, err := s.findVolume(ctx, handle)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "resolving volume %s: %v", handle, err)
	}
	if pv != nil {
		for _, m := range pv.Spec.AccessModes {
			accessModes = append(accessModes, string(m))
		}
		if storage, ok := pv.Spec.Capacity[corev1.ResourceStorage]; ok {
			capacity = storage.Value()
		}
		if ref := pv.Spec.ClaimRef; ref != nil {
			if claim, err := s.kube.CoreV1().PersistentVolumeClaims(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{}); err == nil {
				pvc = claim
			}
		}
	}
	if accessModes == nil {
		if mode := req.GetVolumeCapability().GetAccessMode(); mode != nil {
			if name, err := csidriver.AccessModeName(mode.GetMode()); err == nil {
				accessModes = []string{name}
			}
		}
	}

	node, err := s.kube.CoreV1().Nodes().Get(ctx, s.nodeName, metav1.GetOptions{})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading node %s: %v", s.nodeName, err)
	}

	vars, err := phase.StagingUnstagingVars(volumeMode, accessModes, capacity, params, handle, req.GetReadonly(), pvc, pv, node)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building staging context: %v", err)
	}
	return vars, nil
}

func (s *Server) findVolume(ctx context.Context, handle string) (*corev1.PersistentVolume, error) {
	pvs, err := s.kube.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range pvs.Items {
		csiSource := pvs.Items[i].Spec.CSI
		if csiSource != nil && csiSource.Driver == s.provisionerName && csiSource.VolumeHandle == handle {
			return &pvs.Items[i], nil
		}
	}
	return nil, nil
}

// bindPublish makes the staged artifact visible at the kubelet's target
// path: a bind mount of the /pav/volume directory for filesystem volumes,
// a bind mount of the device file for block volumes.
func (s *Server) bindPublish(dir, target string, req *csi.NodePublishVolumeRequest) error {
	source := filepath.Join(dir, "volume")
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("staging worker did not produce %s", source)
		}
		return err
	}

	options := []string{"bind"}
	if req.GetReadonly() {
		options = append(options, "ro")
	}

	if req.GetVolumeCapability().GetBlock() != nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory but the volume mode is Block", source)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		_ = f.Close()
	} else {
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory but the volume mode is Filesystem", source)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
	}

	return s.mounter.Mount(source, target, "", options)
}

// rollbackStaging synthesises an unstaging phase after a failed staging to
// release partial state. Best-effort: the staging error is the one the
// caller must see.
func (s *Server) rollbackStaging(ctx context.Context, prov *v1alpha1.PavProvisioner, handle string, vars map[string]interface{}, stagingOpts podworker.Options) {
	if err := s.workers.Terminate(ctx, stagingOpts); err != nil {
		klog.Errorf("terminating failed staging worker for %s: %v", handle, err)
	}
	if err := s.runUnstaging(ctx, prov, handle, vars); err != nil {
		klog.Errorf("synthesised unstaging for %s: %v", handle, err)
	}
}

func (s *Server) runUnstaging(ctx context.Context, prov *v1alpha1.PavProvisioner, handle string, vars map[string]interface{}) error {
	vu := prov.Spec.VolumeUnstaging
	if vu == nil || vu.PodTemplate == nil {
		return nil
	}

	rendered, err := template.RenderPodTemplate("volumeUnstaging.podTemplate", vu.PodTemplate, vars, s.templateCaps())
	if err != nil {
		return err
	}

	opts := podworker.Options{
		Phase:          phase.Unstaging,
		ProvisionerUID: prov.UID,
		Namespace:      s.namespace,
		Handle:         handle,
		Template:       rendered,
		NodeName:       s.nodeName,
		HostDir:        s.volumeDir(handle),
	}

	start := time.Now()
	done := s.metrics.TrackWorker()
	verdict, err := s.workers.Run(ctx, opts)
	done()
	s.metrics.ObservePhase(string(phase.Unstaging), start, err == nil && verdict.Succeeded)
	if err != nil {
		return err
	}
	if !verdict.Succeeded {
		if retainErr := s.workers.Retain(ctx, opts, verdict.ErrorText); retainErr != nil {
			klog.V(2).Infof("retaining failed unstaging worker for %s: %v", handle, retainErr)
		}
		return fmt.Errorf("unstaging worker failed: %s", verdict.ErrorText)
	}
	if err := s.workers.Cleanup(ctx, opts); err != nil {
		klog.V(2).Infof("cleaning up unstaging worker for %s: %v", handle, err)
	}
	return nil
}

func (s *Server) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	handle := req.GetVolumeId()
	target := req.GetTargetPath()
	if handle == "" || target == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id and target path are required")
	}

	s.locks.Lock(handle)
	defer s.locks.Unlock(handle)

	if mounted, err := s.isMounted(target); err == nil && mounted {
		if err := s.mounter.Unmount(target); err != nil {
			return nil, status.Errorf(codes.Internal, "unmounting target path: %v", err)
		}
	}
	_ = os.Remove(target)

	prov, err := s.pav.Get(ctx, s.provisionerName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			// No provisioner left to run unstaging; the bind mount is
			// gone, which is all we can still guarantee.
			return &csi.NodeUnpublishVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.Internal, "reading provisioner %s: %v", s.provisionerName, err)
	}

	dir := s.volumeDir(handle)

	// A still-live staging worker (ready-file style) is told to stop
	// before unstaging runs.
	stagingOpts := podworker.Options{
		Phase:          phase.Staging,
		ProvisionerUID: prov.UID,
		Namespace:      s.namespace,
		Handle:         handle,
	}
	alive, err := s.workers.IsAlive(ctx, stagingOpts)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "checking staging worker: %v", err)
	}
	if alive {
		if err := s.workers.Terminate(ctx, stagingOpts); err != nil {
			return nil, status.Errorf(codes.Internal, "terminating staging worker: %v", err)
		}
	} else if err := s.workers.Cleanup(ctx, stagingOpts); err != nil {
		klog.V(2).Infof("cleaning up staging worker for %s: %v", handle, err)
	}

	vars, err := s.unstagingVars(ctx, handle)
	if err != nil {
		return nil, err
	}
	if err := s.runUnstaging(ctx, prov, handle, vars); err != nil {
		// Unrecoverable: the volume stays in its unstaging state for
		// operator repair.
		return nil, status.Errorf(codes.Internal, "volume unstaging failed: %v", err)
	}

	s.releaseVolumeDir(dir)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// unstagingVars rebuilds the evaluation context for unstaging from
// persisted state; the triggering publish request is long gone.
func (s *Server) unstagingVars(ctx context.Context, handle string) (map[string]interface{}, error) {
	volumeMode := "Filesystem"
	var accessModes []string
	var capacity int64
	params := map[string]string{}
	var pv *corev1.PersistentVolume
	var pvc *corev1.PersistentVolumeClaim

	pv, err := s.findVolume(ctx, handle)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "resolving volume %s: %v", handle, err)
	}
	if pv != nil {
		if pv.Spec.VolumeMode != nil {
			volumeMode = string(*pv.Spec.VolumeMode)
		}
		for _, m := range pv.Spec.AccessModes {
			accessModes = append(accessModes, string(m))
		}
		if storage, ok := pv.Spec.Capacity[corev1.ResourceStorage]; ok {
			capacity = storage.Value()
		}
		for k, v := range pv.Spec.CSI.VolumeAttributes {
			if !strings.HasPrefix(k, "csi.storage.k8s.io/") {
				params[k] = v
			}
		}
		if ref := pv.Spec.ClaimRef; ref != nil {
			if claim, err := s.kube.CoreV1().PersistentVolumeClaims(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{}); err == nil {
				pvc = claim
			}
		}
	}

	node, err := s.kube.CoreV1().Nodes().Get(ctx, s.nodeName, metav1.GetOptions{})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading node %s: %v", s.nodeName, err)
	}

	vars, err := phase.StagingUnstagingVars(volumeMode, accessModes, capacity, params, handle, false, pvc, pv, node)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building unstaging context: %v", err)
	}
	return vars, nil
}

// releaseVolumeDir removes the per-volume host directory, unmounting a
// leftover /pav/volume mount first so the removal does not hit a busy
// mount point.
func (s *Server) releaseVolumeDir(dir string) {
	source := filepath.Join(dir, "volume")
	if mounted, err := s.isMounted(source); err == nil && mounted {
		if err := s.mounter.Unmount(source); err != nil {
			klog.V(2).Infof("unmounting leftover %s: %v", source, err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		klog.V(2).Infof("removing volume directory %s: %v", dir, err)
	}
}

func (s *Server) isMounted(path string) (bool, error) {
	notMount, err := s.mounter.IsLikelyNotMountPoint(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !notMount, nil
}

func (s *Server) clientPodOwnerRef(ctx context.Context, volumeContext map[string]string) *metav1.OwnerReference {
	name := volumeContext[contextPodName]
	namespace := volumeContext[contextPodNamespace]
	if name == "" || namespace == "" {
		return nil
	}
	pod, err := s.kube.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		klog.V(2).Infof("resolving client pod %s/%s: %v", namespace, name, err)
		return nil
	}
	return &metav1.OwnerReference{
		APIVersion: "v1",
		Kind:       "Pod",
		Name:       pod.Name,
		UID:        pod.UID,
		Controller: pointer.Bool(false),
	}
}

func (s *Server) templateCaps() template.Capabilities {
	return template.Capabilities{
		LookupClaim: func(name, namespace string) (interface{}, error) {
			pvc, err := s.kube.CoreV1().PersistentVolumeClaims(namespace).Get(context.Background(), name, metav1.GetOptions{})
			if err != nil {
				return nil, err
			}
			return runtime.DefaultUnstructuredConverter.ToUnstructured(pvc)
		},
	}
}
