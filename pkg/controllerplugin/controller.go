// Package controllerplugin implements the volume-provisioning side of the
// CSI contract for one provisioner: CreateVolume runs the validation and
// creation phases as worker pods, DeleteVolume runs the deletion phase.
package controllerplugin

import (
	"context"
	"fmt"
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
	"github.com/albertofaria/pav/pkg/schema"
	"github.com/albertofaria/pav/pkg/template"
	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/pointer"
)

// Parameter keys the external provisioner injects when running with
// --extra-create-metadata.
const (
	paramPVCName      = "csi.storage.k8s.io/pvc/name"
	paramPVCNamespace = "csi.storage.k8s.io/pvc/namespace"
	paramPVName       = "csi.storage.k8s.io/pv/name"
)

// Server implements csi.ControllerServer for one provisioner.
type Server struct {
	csi.UnimplementedControllerServer

	provisionerName string
	namespace       string

	kube    kubernetes.Interface
	pav     pavclient.Interface
	workers podworker.Runner
	metrics *metrics.Metrics

	// locks serialises RPCs per claim key (CreateVolume) and per handle
	// (DeleteVolume): two phases never run for the same resource at once.
	locks *csidriver.KeyedMutex

	// ownerRef points worker pods back at the controller-plugin
	// deployment; resolved lazily on first use.
	ownerRef *metav1.OwnerReference
}

// New builds a controller-plugin server.
func New(provisionerName string, kube kubernetes.Interface, pav pavclient.Interface, workers podworker.Runner, m *metrics.Metrics) *Server {
	return &Server{
		provisionerName: provisionerName,
		namespace:       registry.NamespaceName(provisionerName),
		kube:            kube,
		pav:             pav,
		workers:         workers,
		metrics:         m,
		locks:           csidriver.NewKeyedMutex(),
	}
}

func (s *Server) ControllerGetCapabilities(ctx context.Context, req *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: []*csi.ControllerServiceCapability{{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
				},
			},
		}},
	}, nil
}

func (s *Server) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume name is required")
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities are required")
	}

	s.locks.Lock(req.Name)
	defer s.locks.Unlock(req.Name)

	prov, err := s.pav.Get(ctx, s.provisionerName)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading provisioner %s: %v", s.provisionerName, err)
	}
	if !hasMode(prov, v1alpha1.ProvisioningModeDynamic) {
		return nil, status.Errorf(codes.InvalidArgument, "provisioner %s does not support dynamic provisioning", s.provisionerName)
	}

	vreq, err := s.resolveRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.checkAdmissionFilters(prov, vreq); err != nil {
		return nil, err
	}

	if err := s.runValidation(ctx, prov, vreq); err != nil {
		return nil, err
	}

	handle, capacity, err := s.runCreation(ctx, prov, vreq)
	if err != nil {
		return nil, err
	}

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      handle,
			CapacityBytes: capacity,
			VolumeContext: vreq.params,
		},
	}, nil
}

// volumeRequest is the resolved per-claim input to the validation and
// creation phases.
type volumeRequest struct {
	claimKey      string
	defaultHandle string

	volumeMode  string
	accessModes []string
	minCapacity int64
	maxCapacity int64
	params      map[string]string

	sc  *storagev1.StorageClass
	pvc *corev1.PersistentVolumeClaim
}

func (s *Server) resolveRequest(ctx context.Context, req *csi.CreateVolumeRequest) (*volumeRequest, error) {
	accessModes, err := csidriver.AccessModeNames(req.GetVolumeCapabilities())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	vreq := &volumeRequest{
		claimKey:      req.Name,
		defaultHandle: req.Name,
		volumeMode:    csidriver.VolumeModeName(req.GetVolumeCapabilities()[0]),
		accessModes:   accessModes,
		minCapacity:   req.GetCapacityRange().GetRequiredBytes(),
		maxCapacity:   req.GetCapacityRange().GetLimitBytes(),
		params:        map[string]string{},
	}

	var pvcName, pvcNamespace string
	for k, v := range req.GetParameters() {
		switch k {
		case paramPVCName:
			pvcName = v
		case paramPVCNamespace:
			pvcNamespace = v
		case paramPVName:
		default:
			vreq.params[k] = v
		}
	}

	if pvcName != "" && pvcNamespace != "" {
		pvc, err := s.kube.CoreV1().PersistentVolumeClaims(pvcNamespace).Get(ctx, pvcName, metav1.GetOptions{})
		if err != nil {
			return nil, status.Errorf(codes.Internal, "reading claim %s/%s: %v", pvcNamespace, pvcName, err)
		}
		vreq.pvc = pvc

		if pvc.Spec.StorageClassName != nil && *pvc.Spec.StorageClassName != "" {
			sc, err := s.kube.StorageV1().StorageClasses().Get(ctx, *pvc.Spec.StorageClassName, metav1.GetOptions{})
			if err != nil {
				return nil, status.Errorf(codes.Internal, "reading storage class %s: %v", *pvc.Spec.StorageClassName, err)
			}
			vreq.sc = sc
		}
	}
	return vreq, nil
}

// checkAdmissionFilters applies the static volumeValidation filters.
func (s *Server) checkAdmissionFilters(prov *v1alpha1.PavProvisioner, vreq *volumeRequest) error {
	vv := prov.Spec.VolumeValidation
	if vv == nil {
		return nil
	}

	vars, err := phase.ValidationDynamicVars(vreq.volumeMode, vreq.accessModes, vreq.minCapacity, vreq.maxCapacity, vreq.params, vreq.sc, vreq.pvc)
	if err != nil {
		return status.Errorf(codes.Internal, "building validation context: %v", err)
	}
	caps := s.templateCaps()

	if len(vv.VolumeModes) > 0 {
		allowed, err := renderStringList("volumeValidation.volumeModes", vv.VolumeModes, schema.KindVolumeMode, vars, caps)
		if err != nil {
			return asTemplateError(err)
		}
		if !contains(allowed, vreq.volumeMode) {
			return status.Errorf(codes.InvalidArgument, "volume mode %s is not allowed by provisioner %s", vreq.volumeMode, prov.Name)
		}
	}
	if len(vv.AccessModes) > 0 {
		allowed, err := renderStringList("volumeValidation.accessModes", vv.AccessModes, schema.KindAccessMode, vars, caps)
		if err != nil {
			return asTemplateError(err)
		}
		for _, m := range vreq.accessModes {
			if !contains(allowed, m) {
				return status.Errorf(codes.InvalidArgument, "access mode %s is not allowed by provisioner %s", m, prov.Name)
			}
		}
	}
	if vv.MinCapacity != "" {
		min, err := renderCapacity("volumeValidation.minCapacity", vv.MinCapacity, vars, caps)
		if err != nil {
			return asTemplateError(err)
		}
		if vreq.minCapacity < min {
			return status.Errorf(codes.InvalidArgument, "requested capacity %d is below the provisioner minimum %d", vreq.minCapacity, min)
		}
	}
	if vv.MaxCapacity != "" && vreq.maxCapacity > 0 {
		max, err := renderCapacity("volumeValidation.maxCapacity", vv.MaxCapacity, vars, caps)
		if err != nil {
			return asTemplateError(err)
		}
		if vreq.maxCapacity > max {
			return status.Errorf(codes.InvalidArgument, "requested capacity limit %d is above the provisioner maximum %d", vreq.maxCapacity, max)
		}
	}
	return nil
}

func (s *Server) runValidation(ctx context.Context, prov *v1alpha1.PavProvisioner, vreq *volumeRequest) error {
	vv := prov.Spec.VolumeValidation
	if vv == nil || vv.PodTemplate == nil {
		return nil
	}

	vars, err := phase.ValidationDynamicVars(vreq.volumeMode, vreq.accessModes, vreq.minCapacity, vreq.maxCapacity, vreq.params, vreq.sc, vreq.pvc)
	if err != nil {
		return status.Errorf(codes.Internal, "building validation context: %v", err)
	}

	rendered, err := template.RenderPodTemplate("volumeValidation.podTemplate", vv.PodTemplate, vars, s.templateCaps())
	if err != nil {
		return asTemplateError(err)
	}

	opts := s.workerOptions(ctx, phase.Validation, prov, vreq.claimKey, rendered)
	start := time.Now()
	done := s.metrics.TrackWorker()
	verdict, err := s.workers.Run(ctx, opts)
	done()
	s.metrics.ObservePhase(string(phase.Validation), start, err == nil && verdict.Succeeded)
	if err != nil {
		return status.Errorf(codes.Internal, "validation worker: %v", err)
	}

	if cleanupErr := s.workers.Cleanup(ctx, opts); cleanupErr != nil {
		klog.V(2).Infof("cleaning up validation worker for %s: %v", vreq.claimKey, cleanupErr)
	}
	if !verdict.Succeeded {
		return status.Errorf(codes.InvalidArgument, "volume validation failed: %s", verdict.ErrorText)
	}
	return nil
}

func (s *Server) runCreation(ctx context.Context, prov *v1alpha1.PavProvisioner, vreq *volumeRequest) (string, int64, error) {
	vc := prov.Spec.VolumeCreation
	if vc == nil {
		// No creation section: the volume is its default handle and the
		// requested capacity, with nothing to run.
		if vreq.minCapacity <= 0 {
			return "", 0, status.Error(codes.InvalidArgument, "capacity is not determinable without a capacity request")
		}
		return vreq.defaultHandle, vreq.minCapacity, nil
	}

	vars, err := phase.CreationDeletionVars(vreq.volumeMode, vreq.accessModes, vreq.minCapacity, vreq.maxCapacity, vreq.params, vreq.sc, vreq.pvc, vreq.defaultHandle)
	if err != nil {
		return "", 0, status.Errorf(codes.Internal, "building creation context: %v", err)
	}
	caps := s.templateCaps()

	fieldHandle := ""
	if vc.Handle != "" {
		fieldHandle, err = template.EvaluateScalar("volumeCreation.handle", vc.Handle, vars, caps)
		if err != nil {
			return "", 0, asTemplateError(err)
		}
		fieldHandle = strings.TrimSpace(fieldHandle)
		if err := schema.ValidateRendered(schema.KindHandle, "volumeCreation.handle", fieldHandle); err != nil {
			return "", 0, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	fieldCapacity := int64(0)
	if vc.Capacity != "" {
		fieldCapacity, err = renderCapacity("volumeCreation.capacity", vc.Capacity, vars, caps)
		if err != nil {
			return "", 0, asTemplateError(err)
		}
	}

	var verdict podworker.Verdict
	ranWorker := false
	if vc.PodTemplate != nil {
		rendered, err := template.RenderPodTemplate("volumeCreation.podTemplate", vc.PodTemplate, vars, caps)
		if err != nil {
			return "", 0, asTemplateError(err)
		}

		opts := s.workerOptions(ctx, phase.Creation, prov, vreq.claimKey, rendered)
		start := time.Now()
		done := s.metrics.TrackWorker()
		verdict, err = s.workers.Run(ctx, opts)
		done()
		ranWorker = true
		s.metrics.ObservePhase(string(phase.Creation), start, err == nil && verdict.Succeeded)
		if err != nil || !verdict.Succeeded {
			errText := verdict.ErrorText
			if err != nil {
				errText = err.Error()
			}
			// Creation may have produced partial backing state before
			// failing; a synthesised deletion releases it before the
			// error goes back for retry.
			s.rollbackCreation(ctx, prov, vreq, vars)
			if cleanupErr := s.workers.Cleanup(ctx, opts); cleanupErr != nil {
				klog.V(2).Infof("cleaning up creation worker for %s: %v", vreq.claimKey, cleanupErr)
			}
			return "", 0, status.Errorf(codes.Internal, "volume creation failed: %s", errText)
		}
		if cleanupErr := s.workers.Cleanup(ctx, opts); cleanupErr != nil {
			klog.V(2).Infof("cleaning up creation worker for %s: %v", vreq.claimKey, cleanupErr)
		}
	}

	// The evaluated field wins over the worker's side channel; the side
	// channel wins over the default.
	handle := fieldHandle
	if handle == "" && ranWorker {
		handle = verdict.SideChannel.Handle
	}
	if handle == "" {
		handle = vreq.defaultHandle
	}
	if err := schema.ValidateRendered(schema.KindHandle, "volume handle", handle); err != nil {
		return "", 0, status.Error(codes.Internal, err.Error())
	}

	capacity := fieldCapacity
	if capacity == 0 && ranWorker && verdict.SideChannel.Capacity != "" {
		capacity, err = v1alpha1.ParseCapacity(verdict.SideChannel.Capacity)
		if err != nil {
			return "", 0, status.Errorf(codes.Internal, "worker-reported capacity: %v", err)
		}
	}
	if capacity == 0 {
		return "", 0, status.Error(codes.Internal, "volume capacity is not determinable")
	}
	return handle, capacity, nil
}

// rollbackCreation synthesises a deletion phase after a failed creation,
// best-effort: rollback failures are logged, not surfaced, because the
// creation error is the one the caller must see.
func (s *Server) rollbackCreation(ctx context.Context, prov *v1alpha1.PavProvisioner, vreq *volumeRequest, vars map[string]interface{}) {
	vd := prov.Spec.VolumeDeletion
	if vd == nil || vd.PodTemplate == nil {
		return
	}

	rendered, err := template.RenderPodTemplate("volumeDeletion.podTemplate", vd.PodTemplate, vars, s.templateCaps())
	if err != nil {
		klog.Errorf("rendering synthesised deletion for %s: %v", vreq.claimKey, err)
		return
	}

	opts := s.workerOptions(ctx, phase.Deletion, prov, vreq.claimKey, rendered)
	start := time.Now()
	done := s.metrics.TrackWorker()
	verdict, err := s.workers.Run(ctx, opts)
	done()
	s.metrics.ObservePhase(string(phase.Deletion), start, err == nil && verdict.Succeeded)
	if err != nil {
		klog.Errorf("synthesised deletion for %s: %v", vreq.claimKey, err)
		return
	}
	if !verdict.Succeeded {
		klog.Errorf("synthesised deletion for %s failed: %s", vreq.claimKey, verdict.ErrorText)
	}
	if err := s.workers.Cleanup(ctx, opts); err != nil {
		klog.V(2).Infof("cleaning up synthesised deletion worker for %s: %v", vreq.claimKey, err)
	}
}

func (s *Server) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	handle := req.GetVolumeId()
	if handle == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id is required")
	}

	s.locks.Lock(handle)
	defer s.locks.Unlock(handle)

	prov, err := s.pav.Get(ctx, s.provisionerName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			// Provisioner gone; nothing left that could run a deletion
			// worker.
			return &csi.DeleteVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.Internal, "reading provisioner %s: %v", s.provisionerName, err)
	}

	vd := prov.Spec.VolumeDeletion
	if vd == nil || vd.PodTemplate == nil {
		return &csi.DeleteVolumeResponse{}, nil
	}

	vreq, err := s.rebuildFromVolume(ctx, handle)
	if err != nil {
		return nil, err
	}

	vars, err := phase.CreationDeletionVars(vreq.volumeMode, vreq.accessModes, vreq.minCapacity, vreq.maxCapacity, vreq.params, vreq.sc, vreq.pvc, handle)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building deletion context: %v", err)
	}

	rendered, err := template.RenderPodTemplate("volumeDeletion.podTemplate", vd.PodTemplate, vars, s.templateCaps())
	if err != nil {
		return nil, asTemplateError(err)
	}

	opts := s.workerOptions(ctx, phase.Deletion, prov, handle, rendered)
	start := time.Now()
	done := s.metrics.TrackWorker()
	verdict, err := s.workers.Run(ctx, opts)
	done()
	s.metrics.ObservePhase(string(phase.Deletion), start, err == nil && verdict.Succeeded)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "deletion worker: %v", err)
	}
	if !verdict.Succeeded {
		// Unrecoverable: keep the worker pod for diagnostics, leave the
		// volume parked in its deleting state for operator intervention.
		if retainErr := s.workers.Retain(ctx, opts, verdict.ErrorText); retainErr != nil {
			klog.V(2).Infof("retaining failed deletion worker for %s: %v", handle, retainErr)
		}
		return nil, status.Errorf(codes.Internal, "volume deletion failed: %s", verdict.ErrorText)
	}

	if err := s.workers.Cleanup(ctx, opts); err != nil {
		klog.V(2).Infof("cleaning up deletion worker for %s: %v", handle, err)
	}
	return &csi.DeleteVolumeResponse{}, nil
}

// rebuildFromVolume reconstructs the deletion context from the persisted
// volume objects. The original claim may already be gone; its absence is
// not an error.
func (s *Server) rebuildFromVolume(ctx context.Context, handle string) (*volumeRequest, error) {
	vreq := &volumeRequest{
		volumeMode:  "Filesystem",
		accessModes: nil,
		params:      map[string]string{},
	}

	pvs, err := s.kube.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing volumes: %v", err)
	}

	var pv *corev1.PersistentVolume
	for i := range pvs.Items {
		csiSource := pvs.Items[i].Spec.CSI
		if csiSource != nil && csiSource.Driver == s.provisionerName && csiSource.VolumeHandle == handle {
			pv = &pvs.Items[i]
			break
		}
	}
	if pv == nil {
		return vreq, nil
	}

	if pv.Spec.VolumeMode != nil {
		vreq.volumeMode = string(*pv.Spec.VolumeMode)
	}
	for _, m := range pv.Spec.AccessModes {
		vreq.accessModes = append(vreq.accessModes, string(m))
	}
	if storage, ok := pv.Spec.Capacity[corev1.ResourceStorage]; ok {
		vreq.minCapacity = storage.Value()
	}
	for k, v := range pv.Spec.CSI.VolumeAttributes {
		if !strings.HasPrefix(k, "csi.storage.k8s.io/") {
			vreq.params[k] = v
		}
	}

	if pv.Spec.StorageClassName != "" {
		if sc, err := s.kube.StorageV1().StorageClasses().Get(ctx, pv.Spec.StorageClassName, metav1.GetOptions{}); err == nil {
			vreq.sc = sc
		}
	}
	if ref := pv.Spec.ClaimRef; ref != nil {
		if pvc, err := s.kube.CoreV1().PersistentVolumeClaims(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{}); err == nil {
			vreq.pvc = pvc
		}
	}
	return vreq, nil
}

func (s *Server) workerOptions(ctx context.Context, ph phase.Kind, prov *v1alpha1.PavProvisioner, handle string, rendered *corev1.PodTemplateSpec) podworker.Options {
	return podworker.Options{
		Phase:          ph,
		ProvisionerUID: prov.UID,
		Namespace:      s.namespace,
		Handle:         handle,
		Template:       rendered,
		Owner:          s.deploymentOwnerRef(ctx),
	}
}

// deploymentOwnerRef resolves (once) the controller-plugin deployment so
// worker pods are garbage-collected with it.
func (s *Server) deploymentOwnerRef(ctx context.Context) *metav1.OwnerReference {
	if s.ownerRef != nil {
		return s.ownerRef
	}
	deploy, err := s.kube.AppsV1().Deployments(s.namespace).Get(ctx, "pav-controller-plugin", metav1.GetOptions{})
	if err != nil {
		klog.V(2).Infof("resolving controller-plugin deployment owner: %v", err)
		return nil
	}
	s.ownerRef = &metav1.OwnerReference{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Name:       deploy.Name,
		UID:        deploy.UID,
		Controller: pointer.Bool(false),
	}
	return s.ownerRef
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

func hasMode(p *v1alpha1.PavProvisioner, mode v1alpha1.ProvisioningMode) bool {
	for _, m := range p.Spec.ProvisioningModes {
		if m == mode {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func renderStringList(path string, values []string, kind schema.FieldKind, vars map[string]interface{}, caps template.Capabilities) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, v := range values {
		leafPath := fmt.Sprintf("%s[%d]", path, i)
		rendered, err := template.EvaluateScalar(leafPath, v, vars, caps)
		if err != nil {
			return nil, err
		}
		rendered = strings.TrimSpace(rendered)
		if err := schema.ValidateRendered(kind, leafPath, rendered); err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	return out, nil
}

func renderCapacity(path, value string, vars map[string]interface{}, caps template.Capabilities) (int64, error) {
	rendered, err := template.EvaluateScalar(path, value, vars, caps)
	if err != nil {
		return 0, err
	}
	capacity, err := v1alpha1.ParseCapacity(rendered)
	if err != nil {
		return 0, &template.Error{Path: path, Err: err}
	}
	return capacity, nil
}

// asTemplateError surfaces template evaluation failures as invalid-argument
// errors: they are deterministic and retrying cannot help until the CR
// changes.
func asTemplateError(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}
