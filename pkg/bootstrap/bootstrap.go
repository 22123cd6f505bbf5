// Package bootstrap assembles the process-lifetime state an agent needs:
// the REST config, the shared clientsets, the event recorder, and signal
// handling. Everything is created once at start and passed explicitly into
// the components; there are no implicit singletons.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	"github.com/albertofaria/pav/pkg/pavclient"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/record"
)

// Clients is the shared client bundle.
type Clients struct {
	Config *rest.Config
	Kube   kubernetes.Interface
	APIExt apiextensionsclient.Interface
	Pav    *pavclient.Client

	// Identity distinguishes this agent instance in events and logs; it
	// is generated at start and not persisted.
	Identity string

	recorderScheme *runtime.Scheme
	broadcaster    record.EventBroadcaster
}

// NewClients builds the bundle from an explicit kubeconfig (out-of-cluster
// runs) or the in-cluster service account.
func NewClients(master, kubeconfig string) (*Clients, error) {
	var config *rest.Config
	var err error
	if master != "" || kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags(master, kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building client config: %w", err)
	}

	kube, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes client: %w", err)
	}
	apiExt, err := apiextensionsclient.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building apiextensions client: %w", err)
	}
	pav, err := pavclient.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building provisioner client: %w", err)
	}

	recorderScheme := runtime.NewScheme()
	if err := scheme.AddToScheme(recorderScheme); err != nil {
		return nil, err
	}
	if err := v1alpha1.AddToScheme(recorderScheme); err != nil {
		return nil, err
	}

	return &Clients{
		Config:         config,
		Kube:           kube,
		APIExt:         apiExt,
		Pav:            pav,
		Identity:       uuid.NewString(),
		recorderScheme: recorderScheme,
	}, nil
}

// EventRecorder starts (once) the event broadcaster and returns a recorder
// writing events as the given component.
func (c *Clients) EventRecorder(component string) record.EventRecorder {
	if c.broadcaster == nil {
		c.broadcaster = record.NewBroadcaster()
		c.broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
			Interface: c.Kube.CoreV1().Events(""),
		})
	}
	return c.broadcaster.NewRecorder(c.recorderScheme, corev1.EventSource{
		Component: component,
		Host:      c.Identity,
	})
}

// SetupSignalContext returns a context cancelled on SIGINT/SIGTERM. A
// second signal exits immediately.
func SetupSignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		klog.Info("shutdown signal received")
		cancel()
		<-ch
		os.Exit(1)
	}()
	return ctx
}
