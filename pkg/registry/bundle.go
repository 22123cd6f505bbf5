package registry

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/pointer"
)

const (
	controllerPluginName = "pav-controller-plugin"
	nodePluginName       = "pav-node-plugin"

	// The two fixed cluster roles the per-provisioner service accounts
	// bind to. They ship with the deployment manifests.
	controllerPluginClusterRole = "pav-controller-plugin"
	nodePluginClusterRole       = "pav-node-plugin"

	csiSocketDir  = "/csi"
	csiSocketPath = csiSocketDir + "/csi.sock"
)

// BundleConfig carries the knobs the rendered infrastructure bundle needs.
type BundleConfig struct {
	// AgentImage is the PaV agent image run as controller and node plugin.
	AgentImage string
	// ProvisionerImage is the embedded external-provisioner sidecar.
	ProvisionerImage string
	// RegistrarImage is the embedded node-driver-registrar sidecar.
	RegistrarImage string
	// HostRoot is the fixed root under which per-volume directories live
	// on every node.
	HostRoot string
	// KubeletDir is the kubelet state directory on every node.
	KubeletDir string
}

// NamespaceName is the per-provisioner infrastructure namespace.
func NamespaceName(provisioner string) string {
	return "pav-" + provisioner
}

// bundle renders the desired per-provisioner infrastructure objects, in the
// order they must be created. Teardown walks the same list in reverse.
type bundle struct {
	namespace *corev1.Namespace
	accounts  []*corev1.ServiceAccount
	bindings  []*rbacv1.ClusterRoleBinding
	csiDriver *storagev1.CSIDriver
	deploy    *appsv1.Deployment
	daemonSet *appsv1.DaemonSet
}

func renderBundle(p *v1alpha1.PavProvisioner, cfg BundleConfig) *bundle {
	ns := NamespaceName(p.Name)
	labels := map[string]string{
		"app.kubernetes.io/managed-by":     "pav",
		"pav.albertofaria.dev/provisioner": p.Name,
	}

	b := &bundle{}

	b.namespace = &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: labels},
	}

	for _, sa := range []string{controllerPluginName, nodePluginName} {
		b.accounts = append(b.accounts, &corev1.ServiceAccount{
			ObjectMeta: metav1.ObjectMeta{Name: sa, Namespace: ns, Labels: labels},
		})
	}

	for _, pair := range []struct{ sa, role string }{
		{controllerPluginName, controllerPluginClusterRole},
		{nodePluginName, nodePluginClusterRole},
	} {
		b.bindings = append(b.bindings, &rbacv1.ClusterRoleBinding{
			ObjectMeta: metav1.ObjectMeta{
				Name:   fmt.Sprintf("%s-%s", pair.role, p.Name),
				Labels: labels,
			},
			Subjects: []rbacv1.Subject{{
				Kind:      rbacv1.ServiceAccountKind,
				Name:      pair.sa,
				Namespace: ns,
			}},
			RoleRef: rbacv1.RoleRef{
				APIGroup: rbacv1.GroupName,
				Kind:     "ClusterRole",
				Name:     pair.role,
			},
		})
	}

	b.csiDriver = &storagev1.CSIDriver{
		ObjectMeta: metav1.ObjectMeta{Name: p.Name, Labels: labels},
		Spec: storagev1.CSIDriverSpec{
			AttachRequired: pointer.Bool(false),
			// Staging workers are owned by the client pod; the node plugin
			// needs to know which pod triggered the publish.
			PodInfoOnMount: pointer.Bool(true),
			VolumeLifecycleModes: []storagev1.VolumeLifecycleMode{
				storagev1.VolumeLifecyclePersistent,
			},
		},
	}

	b.deploy = renderControllerPluginDeployment(p, ns, labels, cfg)
	b.daemonSet = renderNodePluginDaemonSet(p, ns, labels, cfg)
	return b
}

func renderControllerPluginDeployment(p *v1alpha1.PavProvisioner, ns string, labels map[string]string, cfg BundleConfig) *appsv1.Deployment {
	selector := map[string]string{
		"pav.albertofaria.dev/provisioner": p.Name,
		"pav.albertofaria.dev/component":   "controller-plugin",
	}
	podLabels := map[string]string{}
	for k, v := range labels {
		podLabels[k] = v
	}
	for k, v := range selector {
		podLabels[k] = v
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: controllerPluginName, Namespace: ns, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: pointer.Int32(1),
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			// Single replica with Recreate: the creation/deletion state
			// machines are serialised per claim inside one process, so two
			// overlapping replicas are never wanted, not even during
			// rollout.
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					ServiceAccountName: controllerPluginName,
					Containers: []corev1.Container{
						{
							Name:  "controller-plugin",
							Image: cfg.AgentImage,
							Args: []string{
								"--mode=controller-plugin",
								"--provisioner-name=" + p.Name,
								"--csi-endpoint=unix://" + csiSocketPath,
							},
							VolumeMounts: []corev1.VolumeMount{{Name: "socket-dir", MountPath: csiSocketDir}},
						},
						{
							Name:  "csi-provisioner",
							Image: cfg.ProvisionerImage,
							Args: []string{
								"--csi-address=" + csiSocketPath,
								"--extra-create-metadata",
							},
							VolumeMounts: []corev1.VolumeMount{{Name: "socket-dir", MountPath: csiSocketDir}},
						},
					},
					Volumes: []corev1.Volume{{
						Name:         "socket-dir",
						VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
					}},
				},
			},
		},
	}
}

func renderNodePluginDaemonSet(p *v1alpha1.PavProvisioner, ns string, labels map[string]string, cfg BundleConfig) *appsv1.DaemonSet {
	selector := map[string]string{
		"pav.albertofaria.dev/provisioner": p.Name,
		"pav.albertofaria.dev/component":   "node-plugin",
	}
	podLabels := map[string]string{}
	for k, v := range labels {
		podLabels[k] = v
	}
	for k, v := range selector {
		podLabels[k] = v
	}

	hostPathDir := corev1.HostPathDirectory
	hostPathDirOrCreate := corev1.HostPathDirectoryOrCreate
	bidirectional := corev1.MountPropagationBidirectional
	privileged := true

	pluginDir := cfg.KubeletDir + "/plugins/" + p.Name
	registrationDir := cfg.KubeletDir + "/plugins_registry"

	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{Name: nodePluginName, Namespace: ns, Labels: labels},
		Spec: appsv1.DaemonSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					ServiceAccountName: nodePluginName,
					Containers: []corev1.Container{
						{
							Name:  "node-plugin",
							Image: cfg.AgentImage,
							Args: []string{
								"--mode=node-plugin",
								"--provisioner-name=" + p.Name,
								"--csi-endpoint=unix://" + csiSocketPath,
								"--host-root=" + cfg.HostRoot,
							},
							Env: []corev1.EnvVar{{
								Name: "NODE_NAME",
								ValueFrom: &corev1.EnvVarSource{
									FieldRef: &corev1.ObjectFieldSelector{FieldPath: "spec.nodeName"},
								},
							}},
							SecurityContext: &corev1.SecurityContext{Privileged: &privileged},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "socket-dir", MountPath: csiSocketDir},
								// Bidirectional so unmounts performed inside
								// worker pods propagate back to the host.
								{Name: "host-root", MountPath: cfg.HostRoot, MountPropagation: &bidirectional},
								{Name: "pods-dir", MountPath: cfg.KubeletDir + "/pods", MountPropagation: &bidirectional},
							},
						},
						{
							Name:  "node-driver-registrar",
							Image: cfg.RegistrarImage,
							Args: []string{
								"--csi-address=" + csiSocketPath,
								"--kubelet-registration-path=" + pluginDir + "/csi.sock",
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "socket-dir", MountPath: csiSocketDir},
								{Name: "registration-dir", MountPath: "/registration"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "socket-dir",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: pluginDir, Type: &hostPathDirOrCreate},
							},
						},
						{
							Name: "registration-dir",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: registrationDir, Type: &hostPathDir},
							},
						},
						{
							Name: "host-root",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: cfg.HostRoot, Type: &hostPathDirOrCreate},
							},
						},
						{
							Name: "pods-dir",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: cfg.KubeletDir + "/pods", Type: &hostPathDir},
							},
						},
					},
				},
			},
		},
	}
}

// ensureBundle creates every bundle object that does not exist yet and
// returns whether both plugin workloads report ready.
func (r *Registry) ensureBundle(ctx context.Context, p *v1alpha1.PavProvisioner) (bool, error) {
	b := renderBundle(p, r.bundleConfig)

	if _, err := r.kube.CoreV1().Namespaces().Create(ctx, b.namespace, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
		return false, fmt.Errorf("ensure namespace: %w", err)
	}
	for _, sa := range b.accounts {
		if _, err := r.kube.CoreV1().ServiceAccounts(sa.Namespace).Create(ctx, sa, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
			return false, fmt.Errorf("ensure service account %s: %w", sa.Name, err)
		}
	}
	for _, crb := range b.bindings {
		if _, err := r.kube.RbacV1().ClusterRoleBindings().Create(ctx, crb, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
			return false, fmt.Errorf("ensure cluster role binding %s: %w", crb.Name, err)
		}
	}
	if _, err := r.kube.StorageV1().CSIDrivers().Create(ctx, b.csiDriver, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
		return false, fmt.Errorf("ensure CSI driver registration: %w", err)
	}
	if _, err := r.kube.AppsV1().Deployments(b.deploy.Namespace).Create(ctx, b.deploy, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
		return false, fmt.Errorf("ensure controller-plugin deployment: %w", err)
	}
	if _, err := r.kube.AppsV1().DaemonSets(b.daemonSet.Namespace).Create(ctx, b.daemonSet, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
		return false, fmt.Errorf("ensure node-plugin daemonset: %w", err)
	}

	return r.bundleReady(ctx, p)
}

func (r *Registry) bundleReady(ctx context.Context, p *v1alpha1.PavProvisioner) (bool, error) {
	ns := NamespaceName(p.Name)

	deploy, err := r.kube.AppsV1().Deployments(ns).Get(ctx, controllerPluginName, metav1.GetOptions{})
	if err != nil {
		return false, err
	}
	if deploy.Status.ReadyReplicas < 1 {
		return false, nil
	}

	ds, err := r.kube.AppsV1().DaemonSets(ns).Get(ctx, nodePluginName, metav1.GetOptions{})
	if err != nil {
		return false, err
	}
	if ds.Status.DesiredNumberScheduled == 0 || ds.Status.NumberReady < ds.Status.DesiredNumberScheduled {
		return false, nil
	}
	return true, nil
}

// teardownBundle deletes the bundle in reverse creation order.
func (r *Registry) teardownBundle(ctx context.Context, p *v1alpha1.PavProvisioner) error {
	b := renderBundle(p, r.bundleConfig)
	ns := b.namespace.Name

	if err := ignoreNotFound(r.kube.AppsV1().DaemonSets(ns).Delete(ctx, b.daemonSet.Name, metav1.DeleteOptions{})); err != nil {
		return fmt.Errorf("delete node-plugin daemonset: %w", err)
	}
	if err := ignoreNotFound(r.kube.AppsV1().Deployments(ns).Delete(ctx, b.deploy.Name, metav1.DeleteOptions{})); err != nil {
		return fmt.Errorf("delete controller-plugin deployment: %w", err)
	}
	if err := ignoreNotFound(r.kube.StorageV1().CSIDrivers().Delete(ctx, b.csiDriver.Name, metav1.DeleteOptions{})); err != nil {
		return fmt.Errorf("delete CSI driver registration: %w", err)
	}
	for i := len(b.bindings) - 1; i >= 0; i-- {
		if err := ignoreNotFound(r.kube.RbacV1().ClusterRoleBindings().Delete(ctx, b.bindings[i].Name, metav1.DeleteOptions{})); err != nil {
			return fmt.Errorf("delete cluster role binding %s: %w", b.bindings[i].Name, err)
		}
	}
	for i := len(b.accounts) - 1; i >= 0; i-- {
		if err := ignoreNotFound(r.kube.CoreV1().ServiceAccounts(ns).Delete(ctx, b.accounts[i].Name, metav1.DeleteOptions{})); err != nil {
			return fmt.Errorf("delete service account %s: %w", b.accounts[i].Name, err)
		}
	}
	if err := ignoreNotFound(r.kube.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})); err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}

	klog.V(2).Infof("tore down infrastructure bundle of provisioner %s", p.Name)
	return nil
}

func ignoreAlreadyExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
