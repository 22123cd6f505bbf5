package webhook

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	admissionv1 "k8s.io/api/admission/v1"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

func admissionRequest(t *testing.T, op admissionv1.Operation, obj *v1alpha1.PavProvisioner) *admissionv1.AdmissionRequest {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return &admissionv1.AdmissionRequest{
		UID:       "req-1",
		Operation: op,
		Object:    runtime.RawExtension{Raw: raw},
	}
}

func validProvisioner() *v1alpha1.PavProvisioner {
	return &v1alpha1.PavProvisioner{
		ObjectMeta: metav1.ObjectMeta{Name: "my-provisioner"},
		Spec: v1alpha1.PavProvisionerSpec{
			ProvisioningModes: []v1alpha1.ProvisioningMode{v1alpha1.ProvisioningModeDynamic},
			VolumeCreation: &v1alpha1.VolumeCreationSpec{
				Capacity: "{{ .requestedMinCapacity }}",
			},
			VolumeStaging: v1alpha1.VolumeStagingSpec{
				PodTemplate: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{{Name: "stage", Image: "busybox"}},
					},
				},
			},
		},
	}
}

func TestReviewAllowsValidProvisioner(t *testing.T) {
	resp := Review(admissionRequest(t, admissionv1.Create, validProvisioner()))
	assert.True(t, resp.Allowed, "templated capacity must be admitted")
	assert.Equal(t, "req-1", string(resp.UID))
}

func TestReviewRejectsStaticOnlyWithCreation(t *testing.T) {
	obj := validProvisioner()
	obj.Spec.ProvisioningModes = []v1alpha1.ProvisioningMode{v1alpha1.ProvisioningModeStatic}

	resp := Review(admissionRequest(t, admissionv1.Create, obj))
	require.False(t, resp.Allowed)
	require.NotNil(t, resp.Result)
	assert.Contains(t, resp.Result.Message, "volumeCreation")
}

func TestReviewRejectsDuplicateModes(t *testing.T) {
	obj := validProvisioner()
	obj.Spec.ProvisioningModes = []v1alpha1.ProvisioningMode{
		v1alpha1.ProvisioningModeDynamic,
		v1alpha1.ProvisioningModeDynamic,
	}

	resp := Review(admissionRequest(t, admissionv1.Update, obj))
	require.False(t, resp.Allowed)
	assert.Contains(t, resp.Result.Message, "duplicate")
}

func TestReviewRejectsBadName(t *testing.T) {
	obj := validProvisioner()
	obj.Name = "Not-A-DNS-Label"

	resp := Review(admissionRequest(t, admissionv1.Create, obj))
	assert.False(t, resp.Allowed)
}

func TestReviewAllowsDelete(t *testing.T) {
	resp := Review(&admissionv1.AdmissionRequest{UID: "req-2", Operation: admissionv1.Delete})
	assert.True(t, resp.Allowed)
}

func TestGenerateServingCertIsSelfConsistent(t *testing.T) {
	cert, err := GenerateServingCert([]string{"pav-webhook.pav.svc"})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.CABundle)
	assert.NotNil(t, cert.Certificate.PrivateKey)
}

func TestInstallConfigurationOverwritesBootstrapRules(t *testing.T) {
	bootstrap := &admissionregistrationv1.ValidatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{Name: ConfigurationName},
		// The pre-installed configuration rejects everything by matching
		// all resources with no reachable backend.
		Webhooks: []admissionregistrationv1.ValidatingWebhook{{Name: "bootstrap.pav.albertofaria.dev"}},
	}
	kube := fake.NewSimpleClientset(bootstrap)

	err := InstallConfiguration(context.Background(), kube, []byte("ca"), "pav-system", "pav-webhook")
	require.NoError(t, err)

	got, err := kube.AdmissionregistrationV1().ValidatingWebhookConfigurations().Get(context.Background(), ConfigurationName, metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, got.Webhooks, 1)
	assert.Equal(t, "validate.pav.albertofaria.dev", got.Webhooks[0].Name)
	assert.Equal(t, []byte("ca"), got.Webhooks[0].ClientConfig.CABundle)
}
