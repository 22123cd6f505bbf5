// pav-agent is the single binary behind all three PaV processes: the
// cluster-wide controller agent (provisioner registry plus admission
// webhook), the per-provisioner controller plugin, and the per-node node
// plugin. The mode flag selects which; the registry itself renders the
// plugin workloads with the matching arguments.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/bootstrap"
	"github.com/albertofaria/pav/pkg/controllerplugin"
	"github.com/albertofaria/pav/pkg/csidriver"
	"github.com/albertofaria/pav/pkg/metrics"
	"github.com/albertofaria/pav/pkg/nodeplugin"
	"github.com/albertofaria/pav/pkg/pavclient"
	"github.com/albertofaria/pav/pkg/podworker"
	"github.com/albertofaria/pav/pkg/registry"
	"github.com/albertofaria/pav/pkg/webhook"
	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/tools/cache"
	mountutils "k8s.io/mount-utils"
)

var (
	mode       = flag.String("mode", "", "One of controller-agent, controller-plugin, node-plugin.")
	master     = flag.String("master", "", "Master URL for out-of-cluster runs; in-cluster config is used when unset.")
	kubeconfig = flag.String("kubeconfig", "", "Kubeconfig path for out-of-cluster runs.")

	// controller-agent flags.
	agentImage       = flag.String("agent-image", "", "PaV agent image used for the per-provisioner plugin workloads.")
	provisionerImage = flag.String("provisioner-image", "registry.k8s.io/sig-storage/csi-provisioner:v3.6.0", "external-provisioner sidecar image.")
	registrarImage   = flag.String("registrar-image", "registry.k8s.io/sig-storage/csi-node-driver-registrar:v2.9.0", "node-driver-registrar sidecar image.")
	webhookAddr      = flag.String("webhook-addr", ":443", "Listen address of the admission webhook.")
	webhookService   = flag.String("webhook-service", "pav-webhook", "In-cluster service name of the admission webhook.")
	agentNamespace   = flag.String("namespace", "pav-system", "Namespace the controller agent runs in.")
	metricsAddr      = flag.String("metrics-addr", ":8080", "Listen address of the metrics endpoint; empty disables it.")
	workers          = flag.Int("workers", 4, "Concurrent provisioner reconcile workers.")

	// plugin flags.
	provisionerName = flag.String("provisioner-name", "", "Name of the PavProvisioner this plugin serves.")
	csiEndpoint     = flag.String("csi-endpoint", "unix:///csi/csi.sock", "CSI gRPC endpoint.")
	hostRoot        = flag.String("host-root", "/var/lib/pav/volumes", "Host directory under which per-volume directories live.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx := bootstrap.SetupSignalContext()

	clients, err := bootstrap.NewClients(*master, *kubeconfig)
	if err != nil {
		klog.Errorf("bootstrapping clients: %v", err)
		os.Exit(1)
	}

	m := metrics.New()
	if *metricsAddr != "" {
		go m.Serve(*metricsAddr)
	}

	switch *mode {
	case "controller-agent":
		err = runControllerAgent(ctx, clients, m)
	case "controller-plugin":
		err = runControllerPlugin(ctx, clients, m)
	case "node-plugin":
		err = runNodePlugin(ctx, clients, m)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		klog.Errorf("%s: %v", *mode, err)
		os.Exit(1)
	}
}

func runControllerAgent(ctx context.Context, clients *bootstrap.Clients, m *metrics.Metrics) error {
	if *agentImage == "" {
		return fmt.Errorf("--agent-image is required in controller-agent mode")
	}

	if err := pavclient.EnsureCRD(ctx, clients.APIExt); err != nil {
		return err
	}
	if err := pavclient.WaitForCRD(ctx, clients.Pav); err != nil {
		return fmt.Errorf("waiting for PavProvisioner resource: %w", err)
	}

	cert, err := webhook.GenerateServingCert([]string{
		*webhookService,
		fmt.Sprintf("%s.%s", *webhookService, *agentNamespace),
		fmt.Sprintf("%s.%s.svc", *webhookService, *agentNamespace),
	})
	if err != nil {
		return err
	}

	server := webhook.NewServer(*webhookAddr, cert)
	go func() {
		if err := server.Run(ctx); err != nil {
			klog.Errorf("admission webhook: %v", err)
		}
	}()
	if err := webhook.InstallConfiguration(ctx, clients.Kube, cert.CABundle, *agentNamespace, *webhookService); err != nil {
		return fmt.Errorf("installing webhook configuration: %w", err)
	}

	lw := cache.NewListWatchFromClient(clients.Pav.RESTClient(), pavclient.ResourcePlural, metav1.NamespaceAll, fields.Everything())
	reg := registry.New(
		clients.Kube,
		clients.Pav,
		lw,
		clients.EventRecorder("pav-controller-agent"),
		m,
		registry.BundleConfig{
			AgentImage:       *agentImage,
			ProvisionerImage: *provisionerImage,
			RegistrarImage:   *registrarImage,
			HostRoot:         *hostRoot,
			KubeletDir:       "/var/lib/kubelet",
		},
	)

	reg.Run(ctx, *workers)
	return nil
}

func runControllerPlugin(ctx context.Context, clients *bootstrap.Clients, m *metrics.Metrics) error {
	if *provisionerName == "" {
		return fmt.Errorf("--provisioner-name is required in controller-plugin mode")
	}

	driver := podworker.NewDriver(clients.Kube, clients.Config)
	controller := controllerplugin.New(*provisionerName, clients.Kube, clients.Pav, driver, m)
	identity := csidriver.NewIdentityServer(*provisionerName, true)

	return csidriver.Serve(ctx, *csiEndpoint, func(server *grpc.Server) {
		csi.RegisterIdentityServer(server, identity)
		csi.RegisterControllerServer(server, controller)
	})
}

func runNodePlugin(ctx context.Context, clients *bootstrap.Clients, m *metrics.Metrics) error {
	if *provisionerName == "" {
		return fmt.Errorf("--provisioner-name is required in node-plugin mode")
	}
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		return fmt.Errorf("NODE_NAME must be set in node-plugin mode")
	}

	driver := podworker.NewDriver(clients.Kube, clients.Config)
	node := nodeplugin.New(*provisionerName, nodeName, *hostRoot, clients.Kube, clients.Pav, driver, mountutils.New(""), m)
	identity := csidriver.NewIdentityServer(*provisionerName, false)

	return csidriver.Serve(ctx, *csiEndpoint, func(server *grpc.Server) {
		csi.RegisterIdentityServer(server, identity)
		csi.RegisterNodeServer(server, node)
	})
}
