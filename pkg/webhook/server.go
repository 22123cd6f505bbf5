// Package webhook serves the validating admission endpoint for
// PavProvisioner objects. A bootstrap webhook configuration installed with
// the deployment manifests rejects every request; the controller agent
// overwrites it with real rules and the freshly generated CA bundle once
// the server is listening.
package webhook

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	"github.com/albertofaria/pav/pkg/schema"
	admissionv1 "k8s.io/api/admission/v1"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// ConfigurationName is the pre-installed ValidatingWebhookConfiguration the
// controller agent takes over.
const ConfigurationName = "pav-provisioner-validation"

// Server answers admission-review requests for pavprovisioners.
type Server struct {
	cert *ServingCert
	addr string
}

// NewServer builds a webhook server that will listen on addr with cert.
func NewServer(addr string, cert *ServingCert) *Server {
	return &Server{cert: cert, addr: addr}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/validate", s.handleValidate)

	server := &http.Server{
		Addr:      s.addr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{s.cert.Certificate}},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServeTLS("", "")
	}()
	klog.Infof("admission webhook listening on %s", s.addr)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return fmt.Errorf("admission webhook server: %w", err)
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	review := &admissionv1.AdmissionReview{}
	if err := json.Unmarshal(body, review); err != nil || review.Request == nil {
		http.Error(w, "malformed admission review", http.StatusBadRequest)
		return
	}

	response := Review(review.Request)
	review.Response = response
	review.Request = nil

	out, err := json.Marshal(review)
	if err != nil {
		http.Error(w, "encoding admission response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// Review produces the admission verdict for one request. Factored out of
// the HTTP handler so it is testable without TLS plumbing.
func Review(req *admissionv1.AdmissionRequest) *admissionv1.AdmissionResponse {
	response := &admissionv1.AdmissionResponse{UID: req.UID}

	switch req.Operation {
	case admissionv1.Create, admissionv1.Update:
	default:
		// Deletes and connects carry no object to validate.
		response.Allowed = true
		return response
	}

	obj := &v1alpha1.PavProvisioner{}
	if err := json.Unmarshal(req.Object.Raw, obj); err != nil {
		return deny(response, fmt.Sprintf("cannot decode PavProvisioner: %v", err))
	}

	if err := schema.ValidateName(obj.Name); err != nil {
		return deny(response, err.Error())
	}
	if err := schema.ValidateForAdmission(&obj.Spec); err != nil {
		return deny(response, err.Error())
	}

	response.Allowed = true
	return response
}

func deny(response *admissionv1.AdmissionResponse, reason string) *admissionv1.AdmissionResponse {
	response.Allowed = false
	response.Result = &metav1.Status{
		Status:  metav1.StatusFailure,
		Message: reason,
		Reason:  metav1.StatusReasonInvalid,
		Code:    http.StatusUnprocessableEntity,
	}
	return response
}

// InstallConfiguration overwrites the bootstrap reject-all webhook
// configuration with the real rules and the CA bundle of the cert
// generated at this controller start.
func InstallConfiguration(ctx context.Context, kube kubernetes.Interface, caBundle []byte, serviceNamespace, serviceName string) error {
	path := "/validate"
	failurePolicy := admissionregistrationv1.Fail
	sideEffects := admissionregistrationv1.SideEffectClassNone
	scope := admissionregistrationv1.ClusterScope

	webhook := admissionregistrationv1.ValidatingWebhook{
		Name: "validate.pav.albertofaria.dev",
		ClientConfig: admissionregistrationv1.WebhookClientConfig{
			Service: &admissionregistrationv1.ServiceReference{
				Namespace: serviceNamespace,
				Name:      serviceName,
				Path:      &path,
			},
			CABundle: caBundle,
		},
		Rules: []admissionregistrationv1.RuleWithOperations{{
			Operations: []admissionregistrationv1.OperationType{admissionregistrationv1.OperationAll},
			Rule: admissionregistrationv1.Rule{
				APIGroups:   []string{v1alpha1.GroupVersion.Group},
				APIVersions: []string{v1alpha1.GroupVersion.Version},
				Resources:   []string{"pavprovisioners"},
				Scope:       &scope,
			},
		}},
		FailurePolicy:           &failurePolicy,
		SideEffects:             &sideEffects,
		AdmissionReviewVersions: []string{"v1"},
	}

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		existing, err := kube.AdmissionregistrationV1().ValidatingWebhookConfigurations().Get(ctx, ConfigurationName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		existing.Webhooks = []admissionregistrationv1.ValidatingWebhook{webhook}
		_, err = kube.AdmissionregistrationV1().ValidatingWebhookConfigurations().Update(ctx, existing, metav1.UpdateOptions{})
		return err
	})
}
