// Package registry reconciles PavProvisioner objects into their
// per-provisioner infrastructure bundles, driving each provisioner through
// bootstrapping, active, blocked and tombstoned.
package registry

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	"github.com/albertofaria/pav/pkg/metrics"
	"github.com/albertofaria/pav/pkg/pavclient"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	"k8s.io/client-go/util/workqueue"
)

const (
	// blockedRequeueDelay is how soon a finalizer-blocked provisioner is
	// re-examined for remaining volumes.
	blockedRequeueDelay = 10 * time.Second
	// bootstrapRequeueDelay is how soon a bootstrapping provisioner's
	// workload readiness is polled again.
	bootstrapRequeueDelay = 5 * time.Second
)

// Registry is the provisioner controller. It is single-writer per
// provisioner key: all watch events funnel into one rate-limited work queue
// with exponential backoff, and one sync owns a key at a time.
type Registry struct {
	kube     kubernetes.Interface
	pav      pavclient.Interface
	recorder record.EventRecorder
	metrics  *metrics.Metrics

	bundleConfig BundleConfig

	queue    workqueue.RateLimitingInterface
	informer cache.SharedIndexInformer

	resyncPeriod time.Duration
}

// New builds a Registry around the given clients. lw is the provisioner
// list-watch; pass nil in tests that drive syncProvisioner directly.
func New(
	kube kubernetes.Interface,
	pav pavclient.Interface,
	lw cache.ListerWatcher,
	recorder record.EventRecorder,
	m *metrics.Metrics,
	bundleConfig BundleConfig,
) *Registry {
	r := &Registry{
		kube:         kube,
		pav:          pav,
		recorder:     recorder,
		metrics:      m,
		bundleConfig: bundleConfig,
		queue: workqueue.NewNamedRateLimitingQueue(
			workqueue.NewItemExponentialFailureRateLimiter(100*time.Millisecond, 30*time.Second),
			"pav-provisioner",
		),
		resyncPeriod: 15 * time.Minute,
	}

	if lw != nil {
		r.informer = cache.NewSharedIndexInformer(lw, &v1alpha1.PavProvisioner{}, r.resyncPeriod, cache.Indexers{})
		r.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
			AddFunc:    r.enqueue,
			UpdateFunc: func(_, newObj interface{}) { r.enqueue(newObj) },
			DeleteFunc: r.enqueue,
		})
	}
	return r
}

func (r *Registry) enqueue(obj interface{}) {
	key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
	if err != nil {
		utilruntime.HandleError(err)
		return
	}
	r.queue.Add(key)
}

// Run starts the informer and worker loop and blocks until ctx is done.
func (r *Registry) Run(ctx context.Context, workers int) {
	defer utilruntime.HandleCrash()
	defer r.queue.ShutDown()

	klog.Info("starting provisioner registry")

	if r.informer != nil {
		go r.informer.Run(ctx.Done())
		if !cache.WaitForCacheSync(ctx.Done(), r.informer.HasSynced) {
			utilruntime.HandleError(fmt.Errorf("provisioner informer cache never synced"))
			return
		}
	}

	for i := 0; i < workers; i++ {
		go wait.UntilWithContext(ctx, r.runWorker, time.Second)
	}

	<-ctx.Done()
	klog.Info("stopping provisioner registry")
}

func (r *Registry) runWorker(ctx context.Context) {
	for r.processNextWorkItem(ctx) {
	}
}

func (r *Registry) processNextWorkItem(ctx context.Context) bool {
	key, quit := r.queue.Get()
	if quit {
		return false
	}
	defer r.queue.Done(key)

	start := time.Now()
	requeueAfter, err := r.syncProvisioner(ctx, key.(string))
	r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		r.metrics.ReconcileFailures.WithLabelValues(key.(string)).Inc()
		utilruntime.HandleError(fmt.Errorf("syncing provisioner %q: %w", key, err))
		r.queue.AddRateLimited(key)
	case requeueAfter > 0:
		r.queue.Forget(key)
		r.queue.AddAfter(key, requeueAfter)
	default:
		r.queue.Forget(key)
	}
	return true
}

// syncProvisioner reconciles one provisioner. It returns a non-zero
// duration when the provisioner should be revisited without an error
// (blocked deletion, workloads not yet ready).
func (r *Registry) syncProvisioner(ctx context.Context, key string) (time.Duration, error) {
	_, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		return 0, err
	}

	p, err := r.pav.Get(ctx, name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			klog.V(2).Infof("provisioner %s is gone", name)
			return 0, nil
		}
		return 0, err
	}

	if p.DeletionTimestamp != nil {
		return r.syncDeleting(ctx, p)
	}
	return r.syncLive(ctx, p)
}

func (r *Registry) syncLive(ctx context.Context, p *v1alpha1.PavProvisioner) (time.Duration, error) {
	if !hasFinalizer(p, v1alpha1.VolumesExistFinalizer) {
		// The finalizer goes on before any bundle object exists, so a
		// provisioner can never become deletable while its bundle (or any
		// volume) still stands.
		if err := r.addFinalizer(ctx, p); err != nil {
			return 0, err
		}
	}

	ready, err := r.ensureBundle(ctx, p)
	if err != nil {
		r.recorder.Eventf(p, corev1.EventTypeWarning, "BundleFailed", "reconciling infrastructure bundle: %v", err)
		return 0, err
	}

	if !ready {
		if err := r.updatePhase(ctx, p, v1alpha1.PavProvisionerPhaseBootstrapping); err != nil {
			return 0, err
		}
		return bootstrapRequeueDelay, nil
	}

	if p.Status.Phase != v1alpha1.PavProvisionerPhaseActive {
		r.recorder.Eventf(p, corev1.EventTypeNormal, "Active", "infrastructure bundle is ready")
	}
	if err := r.updatePhase(ctx, p, v1alpha1.PavProvisionerPhaseActive); err != nil {
		return 0, err
	}
	r.metrics.ReconcileTotal.WithLabelValues(string(v1alpha1.PavProvisionerPhaseActive)).Inc()
	return 0, nil
}

func (r *Registry) syncDeleting(ctx context.Context, p *v1alpha1.PavProvisioner) (time.Duration, error) {
	if !hasFinalizer(p, v1alpha1.VolumesExistFinalizer) {
		// Finalizer already released; the apiserver finishes the delete.
		return 0, nil
	}

	inUse, reason, err := r.volumesExist(ctx, p.Name)
	if err != nil {
		return 0, err
	}
	if inUse {
		if p.Status.Phase != v1alpha1.PavProvisionerPhaseBlocked {
			r.recorder.Eventf(p, corev1.EventTypeWarning, "DeletionBlocked", "cannot delete provisioner: %s", reason)
		}
		if err := r.updatePhase(ctx, p, v1alpha1.PavProvisionerPhaseBlocked); err != nil {
			return 0, err
		}
		r.metrics.ReconcileTotal.WithLabelValues(string(v1alpha1.PavProvisionerPhaseBlocked)).Inc()
		return blockedRequeueDelay, nil
	}

	if err := r.updatePhase(ctx, p, v1alpha1.PavProvisionerPhaseTombstoned); err != nil {
		return 0, err
	}
	if err := r.teardownBundle(ctx, p); err != nil {
		return 0, err
	}
	if err := r.removeFinalizer(ctx, p); err != nil {
		return 0, err
	}
	r.metrics.ReconcileTotal.WithLabelValues(string(v1alpha1.PavProvisionerPhaseTombstoned)).Inc()
	klog.Infof("provisioner %s tombstoned and released", p.Name)
	return 0, nil
}

// volumesExist reports whether any volume (a PV of this driver) or pending
// claim (a PVC of a storage class of this driver) still references the
// provisioner.
func (r *Registry) volumesExist(ctx context.Context, provisioner string) (bool, string, error) {
	pvs, err := r.kube.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, "", fmt.Errorf("listing persistent volumes: %w", err)
	}
	for i := range pvs.Items {
		csi := pvs.Items[i].Spec.CSI
		if csi != nil && csi.Driver == provisioner {
			return true, fmt.Sprintf("volume %s still exists", pvs.Items[i].Name), nil
		}
	}

	classes, err := r.kube.StorageV1().StorageClasses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, "", fmt.Errorf("listing storage classes: %w", err)
	}
	classNames := map[string]bool{}
	for i := range classes.Items {
		if classes.Items[i].Provisioner == provisioner {
			classNames[classes.Items[i].Name] = true
		}
	}
	if len(classNames) == 0 {
		return false, "", nil
	}

	claims, err := r.kube.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, "", fmt.Errorf("listing claims: %w", err)
	}
	for i := range claims.Items {
		claim := &claims.Items[i]
		if claim.Spec.StorageClassName != nil && classNames[*claim.Spec.StorageClassName] && claim.Status.Phase == corev1.ClaimPending {
			return true, fmt.Sprintf("claim %s/%s is still pending against this provisioner", claim.Namespace, claim.Name), nil
		}
	}
	return false, "", nil
}

func (r *Registry) addFinalizer(ctx context.Context, p *v1alpha1.PavProvisioner) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current, err := r.pav.Get(ctx, p.Name)
		if err != nil {
			return err
		}
		if hasFinalizer(current, v1alpha1.VolumesExistFinalizer) {
			return nil
		}
		current.Finalizers = append(current.Finalizers, v1alpha1.VolumesExistFinalizer)
		_, err = r.pav.Update(ctx, current)
		return err
	})
}

func (r *Registry) removeFinalizer(ctx context.Context, p *v1alpha1.PavProvisioner) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current, err := r.pav.Get(ctx, p.Name)
		if err != nil {
			if apierrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		kept := current.Finalizers[:0]
		for _, f := range current.Finalizers {
			if f != v1alpha1.VolumesExistFinalizer {
				kept = append(kept, f)
			}
		}
		current.Finalizers = kept
		_, err = r.pav.Update(ctx, current)
		return err
	})
}

func (r *Registry) updatePhase(ctx context.Context, p *v1alpha1.PavProvisioner, phase v1alpha1.PavProvisionerPhase) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current, err := r.pav.Get(ctx, p.Name)
		if err != nil {
			if apierrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		if current.Status.Phase == phase && current.Status.ObservedGeneration == current.Generation {
			return nil
		}
		current.Status.Phase = phase
		current.Status.ObservedGeneration = current.Generation
		_, err = r.pav.UpdateStatus(ctx, current)
		return err
	})
}

func hasFinalizer(p *v1alpha1.PavProvisioner, finalizer string) bool {
	for _, f := range p.Finalizers {
		if f == finalizer {
			return true
		}
	}
	return false
}
