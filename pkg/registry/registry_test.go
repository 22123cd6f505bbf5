package registry

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	"github.com/albertofaria/pav/pkg/metrics"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/record"
)

// fakePavClient keeps provisioners in memory with just enough
// resource-version semantics for the registry's conflict-retried updates.
type fakePavClient struct {
	objects map[string]*v1alpha1.PavProvisioner
}

func newFakePavClient(objs ...*v1alpha1.PavProvisioner) *fakePavClient {
	c := &fakePavClient{objects: map[string]*v1alpha1.PavProvisioner{}}
	for _, o := range objs {
		o.ResourceVersion = "1"
		c.objects[o.Name] = o
	}
	return c
}

func (c *fakePavClient) Get(_ context.Context, name string) (*v1alpha1.PavProvisioner, error) {
	o, ok := c.objects[name]
	if !ok {
		return nil, apierrors.NewNotFound(v1alpha1.Resource("pavprovisioners"), name)
	}
	return o.DeepCopy(), nil
}

func (c *fakePavClient) List(_ context.Context, _ metav1.ListOptions) (*v1alpha1.PavProvisionerList, error) {
	list := &v1alpha1.PavProvisionerList{}
	for _, o := range c.objects {
		list.Items = append(list.Items, *o.DeepCopy())
	}
	return list, nil
}

func (c *fakePavClient) Watch(_ context.Context, _ metav1.ListOptions) (watch.Interface, error) {
	return watch.NewFake(), nil
}

func (c *fakePavClient) update(obj *v1alpha1.PavProvisioner, statusOnly bool) (*v1alpha1.PavProvisioner, error) {
	existing, ok := c.objects[obj.Name]
	if !ok {
		return nil, apierrors.NewNotFound(v1alpha1.Resource("pavprovisioners"), obj.Name)
	}
	if obj.ResourceVersion != existing.ResourceVersion {
		return nil, apierrors.NewConflict(v1alpha1.Resource("pavprovisioners"), obj.Name, fmt.Errorf("stale resource version"))
	}
	next := obj.DeepCopy()
	if statusOnly {
		status := next.Status
		next = existing.DeepCopy()
		next.Status = status
	}
	rv, _ := strconv.Atoi(existing.ResourceVersion)
	next.ResourceVersion = strconv.Itoa(rv + 1)
	c.objects[obj.Name] = next
	return next.DeepCopy(), nil
}

func (c *fakePavClient) Update(_ context.Context, obj *v1alpha1.PavProvisioner) (*v1alpha1.PavProvisioner, error) {
	return c.update(obj, false)
}

func (c *fakePavClient) UpdateStatus(_ context.Context, obj *v1alpha1.PavProvisioner) (*v1alpha1.PavProvisioner, error) {
	return c.update(obj, true)
}

func testProvisioner() *v1alpha1.PavProvisioner {
	return &v1alpha1.PavProvisioner{
		ObjectMeta: metav1.ObjectMeta{Name: "my-prov", UID: "uid-1", Generation: 1},
		Spec: v1alpha1.PavProvisionerSpec{
			ProvisioningModes: []v1alpha1.ProvisioningMode{v1alpha1.ProvisioningModeDynamic},
			VolumeStaging: v1alpha1.VolumeStagingSpec{
				PodTemplate: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "stage", Image: "busybox"}}},
				},
			},
		},
	}
}

func newTestRegistry(pav *fakePavClient, kubeObjects ...runtime.Object) (*Registry, *fake.Clientset) {
	kube := fake.NewSimpleClientset(kubeObjects...)
	r := New(kube, pav, nil, record.NewFakeRecorder(32), metrics.New(), BundleConfig{
		AgentImage:       "pav-agent:test",
		ProvisionerImage: "csi-provisioner:test",
		RegistrarImage:   "csi-node-driver-registrar:test",
		HostRoot:         "/var/lib/pav/volumes",
		KubeletDir:       "/var/lib/kubelet",
	})
	return r, kube
}

func TestSyncCreatesBundleAndFinalizer(t *testing.T) {
	pav := newFakePavClient(testProvisioner())
	r, kube := newTestRegistry(pav)

	requeue, err := r.syncProvisioner(context.Background(), "my-prov")
	require.NoError(t, err)
	assert.Equal(t, bootstrapRequeueDelay, requeue, "workloads are not ready yet")

	ctx := context.Background()
	ns := NamespaceName("my-prov")

	_, err = kube.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	assert.NoError(t, err)
	for _, sa := range []string{"pav-controller-plugin", "pav-node-plugin"} {
		_, err = kube.CoreV1().ServiceAccounts(ns).Get(ctx, sa, metav1.GetOptions{})
		assert.NoError(t, err, sa)
	}
	_, err = kube.RbacV1().ClusterRoleBindings().Get(ctx, "pav-controller-plugin-my-prov", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = kube.StorageV1().CSIDrivers().Get(ctx, "my-prov", metav1.GetOptions{})
	assert.NoError(t, err)

	deploy, err := kube.AppsV1().Deployments(ns).Get(ctx, "pav-controller-plugin", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Recreate", string(deploy.Spec.Strategy.Type))
	_, err = kube.AppsV1().DaemonSets(ns).Get(ctx, "pav-node-plugin", metav1.GetOptions{})
	assert.NoError(t, err)

	updated, err := pav.Get(ctx, "my-prov")
	require.NoError(t, err)
	assert.Contains(t, updated.Finalizers, v1alpha1.VolumesExistFinalizer)
	assert.Equal(t, v1alpha1.PavProvisionerPhaseBootstrapping, updated.Status.Phase)
}

func TestSyncBecomesActiveOnceWorkloadsReady(t *testing.T) {
	pav := newFakePavClient(testProvisioner())
	r, kube := newTestRegistry(pav)
	ctx := context.Background()

	_, err := r.syncProvisioner(ctx, "my-prov")
	require.NoError(t, err)

	ns := NamespaceName("my-prov")
	deploy, err := kube.AppsV1().Deployments(ns).Get(ctx, "pav-controller-plugin", metav1.GetOptions{})
	require.NoError(t, err)
	deploy.Status.ReadyReplicas = 1
	_, err = kube.AppsV1().Deployments(ns).UpdateStatus(ctx, deploy, metav1.UpdateOptions{})
	require.NoError(t, err)

	ds, err := kube.AppsV1().DaemonSets(ns).Get(ctx, "pav-node-plugin", metav1.GetOptions{})
	require.NoError(t, err)
	ds.Status.DesiredNumberScheduled = 2
	ds.Status.NumberReady = 2
	_, err = kube.AppsV1().DaemonSets(ns).UpdateStatus(ctx, ds, metav1.UpdateOptions{})
	require.NoError(t, err)

	requeue, err := r.syncProvisioner(ctx, "my-prov")
	require.NoError(t, err)
	assert.Zero(t, requeue)

	updated, err := pav.Get(ctx, "my-prov")
	require.NoError(t, err)
	assert.Equal(t, v1alpha1.PavProvisionerPhaseActive, updated.Status.Phase)
}

func deletingProvisioner() *v1alpha1.PavProvisioner {
	p := testProvisioner()
	now := metav1.Now()
	p.DeletionTimestamp = &now
	p.Finalizers = []string{v1alpha1.VolumesExistFinalizer}
	return p
}

func TestSyncDeletionBlockedWhileVolumeExists(t *testing.T) {
	pav := newFakePavClient(deletingProvisioner())
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "pv-1"},
		Spec: corev1.PersistentVolumeSpec{
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				CSI: &corev1.CSIPersistentVolumeSource{Driver: "my-prov", VolumeHandle: "vol-1"},
			},
		},
	}
	r, _ := newTestRegistry(pav, pv)

	requeue, err := r.syncProvisioner(context.Background(), "my-prov")
	require.NoError(t, err)
	assert.Equal(t, blockedRequeueDelay, requeue)

	updated, err := pav.Get(context.Background(), "my-prov")
	require.NoError(t, err)
	assert.Equal(t, v1alpha1.PavProvisionerPhaseBlocked, updated.Status.Phase)
	assert.Contains(t, updated.Finalizers, v1alpha1.VolumesExistFinalizer, "finalizer must be held while volumes exist")
}

func TestSyncDeletionBlockedByPendingClaim(t *testing.T) {
	pav := newFakePavClient(deletingProvisioner())
	sc := &storagev1.StorageClass{
		ObjectMeta:  metav1.ObjectMeta{Name: "my-class"},
		Provisioner: "my-prov",
	}
	className := "my-class"
	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: "default"},
		Spec:       corev1.PersistentVolumeClaimSpec{StorageClassName: &className},
		Status:     corev1.PersistentVolumeClaimStatus{Phase: corev1.ClaimPending},
	}
	r, _ := newTestRegistry(pav, sc, claim)

	requeue, err := r.syncProvisioner(context.Background(), "my-prov")
	require.NoError(t, err)
	assert.Equal(t, blockedRequeueDelay, requeue)
}

func TestSyncDeletionTearsDownAndReleasesFinalizer(t *testing.T) {
	pav := newFakePavClient(deletingProvisioner())
	r, kube := newTestRegistry(pav)
	ctx := context.Background()

	// Materialise the bundle first so teardown has something to delete.
	p, err := pav.Get(ctx, "my-prov")
	require.NoError(t, err)
	_, err = r.ensureBundle(ctx, p)
	require.NoError(t, err)

	requeue, err := r.syncProvisioner(ctx, "my-prov")
	require.NoError(t, err)
	assert.Zero(t, requeue)

	updated, err := pav.Get(ctx, "my-prov")
	require.NoError(t, err)
	assert.NotContains(t, updated.Finalizers, v1alpha1.VolumesExistFinalizer)

	ns := NamespaceName("my-prov")
	_, err = kube.AppsV1().Deployments(ns).Get(ctx, "pav-controller-plugin", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	_, err = kube.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	_, err = kube.StorageV1().CSIDrivers().Get(ctx, "my-prov", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestSyncGoneProvisionerIsNoop(t *testing.T) {
	pav := newFakePavClient()
	r, _ := newTestRegistry(pav)

	requeue, err := r.syncProvisioner(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, requeue)
}
