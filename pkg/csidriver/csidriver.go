// Package csidriver carries the plumbing shared by the controller and node
// plugins: the identity service, the unix-socket gRPC server, and the
// per-key serialisation both plugins use to keep at most one phase running
// per resource.
package csidriver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc"
)

// VendorVersion is reported through Identity.GetPluginInfo.
const VendorVersion = "0.1.0"

// IdentityServer answers the identity RPCs for one provisioner-backed
// driver.
type IdentityServer struct {
	csi.UnimplementedIdentityServer

	driverName string
	// controllerService is true for the controller plugin, which must
	// advertise the controller service capability so the external
	// provisioner sidecar engages.
	controllerService bool
}

// NewIdentityServer builds the identity service.
func NewIdentityServer(driverName string, controllerService bool) *IdentityServer {
	return &IdentityServer{driverName: driverName, controllerService: controllerService}
}

func (s *IdentityServer) GetPluginInfo(ctx context.Context, req *csi.GetPluginInfoRequest) (*csi.GetPluginInfoResponse, error) {
	return &csi.GetPluginInfoResponse{
		Name:          s.driverName,
		VendorVersion: VendorVersion,
	}, nil
}

func (s *IdentityServer) GetPluginCapabilities(ctx context.Context, req *csi.GetPluginCapabilitiesRequest) (*csi.GetPluginCapabilitiesResponse, error) {
	resp := &csi.GetPluginCapabilitiesResponse{}
	if s.controllerService {
		resp.Capabilities = append(resp.Capabilities, &csi.PluginCapability{
			Type: &csi.PluginCapability_Service_{
				Service: &csi.PluginCapability_Service{
					Type: csi.PluginCapability_Service_CONTROLLER_SERVICE,
				},
			},
		})
	}
	return resp, nil
}

func (s *IdentityServer) Probe(ctx context.Context, req *csi.ProbeRequest) (*csi.ProbeResponse, error) {
	return &csi.ProbeResponse{}, nil
}

// Serve listens on the given endpoint (unix://<path> or a bare path) and
// serves the registered services until ctx is cancelled.
func Serve(ctx context.Context, endpoint string, register func(*grpc.Server)) error {
	path, err := socketPath(endpoint)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(logInterceptor))
	register(server)

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	klog.Infof("CSI server listening on %s", path)
	if err := server.Serve(listener); err != nil {
		return fmt.Errorf("serving on %s: %w", path, err)
	}
	return nil
}

func socketPath(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "/") {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "unix" {
		return "", fmt.Errorf("unsupported CSI endpoint %q (want unix://<path>)", endpoint)
	}
	if u.Path != "" {
		return u.Path, nil
	}
	return "/" + u.Host + u.Path, nil
}

func logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	klog.V(4).Infof("gRPC call %s", info.FullMethod)
	resp, err := handler(ctx, req)
	if err != nil {
		klog.V(2).Infof("gRPC call %s failed: %v", info.FullMethod, err)
	}
	return resp, err
}

// KeyedMutex serialises work per string key. Cross-key work proceeds in
// parallel; two calls for the same key never overlap.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex builds an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}
