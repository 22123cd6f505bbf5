// Package pavclient provides the REST client and CRD bootstrap for the
// PavProvisioner custom resource.
package pavclient

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/albertofaria/pav/pkg/apis/pav/v1alpha1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/rest"
)

// ResourcePlural is the resource name under the pav API group.
const ResourcePlural = "pavprovisioners"

// Interface is the subset of provisioner operations the registry and the
// plugins need. The concrete Client below talks to the apiserver; tests
// substitute an in-memory implementation.
type Interface interface {
	Get(ctx context.Context, name string) (*v1alpha1.PavProvisioner, error)
	List(ctx context.Context, opts metav1.ListOptions) (*v1alpha1.PavProvisionerList, error)
	Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)
	Update(ctx context.Context, obj *v1alpha1.PavProvisioner) (*v1alpha1.PavProvisioner, error)
	UpdateStatus(ctx context.Context, obj *v1alpha1.PavProvisioner) (*v1alpha1.PavProvisioner, error)
}

// Client is a typed REST client for cluster-scoped PavProvisioner objects.
type Client struct {
	rest   rest.Interface
	scheme *runtime.Scheme
}

var _ Interface = &Client{}

// NewForConfig builds a Client from a base REST config.
func NewForConfig(cfg *rest.Config) (*Client, error) {
	scheme := runtime.NewScheme()
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		return nil, err
	}

	config := *cfg
	config.GroupVersion = &v1alpha1.GroupVersion
	config.APIPath = "/apis"
	config.ContentType = runtime.ContentTypeJSON
	config.NegotiatedSerializer = serializer.NewCodecFactory(scheme).WithoutConversion()

	restClient, err := rest.RESTClientFor(&config)
	if err != nil {
		return nil, err
	}
	return &Client{rest: restClient, scheme: scheme}, nil
}

// RESTClient exposes the underlying client for informer list-watches.
func (c *Client) RESTClient() rest.Interface { return c.rest }

func (c *Client) Get(ctx context.Context, name string) (*v1alpha1.PavProvisioner, error) {
	result := &v1alpha1.PavProvisioner{}
	err := c.rest.Get().
		Resource(ResourcePlural).
		Name(name).
		Do(ctx).
		Into(result)
	return result, err
}

func (c *Client) List(ctx context.Context, opts metav1.ListOptions) (*v1alpha1.PavProvisionerList, error) {
	result := &v1alpha1.PavProvisionerList{}
	err := c.rest.Get().
		Resource(ResourcePlural).
		VersionedParams(&opts, runtime.NewParameterCodec(c.scheme)).
		Do(ctx).
		Into(result)
	return result, err
}

func (c *Client) Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
	opts.Watch = true
	return c.rest.Get().
		Resource(ResourcePlural).
		VersionedParams(&opts, runtime.NewParameterCodec(c.scheme)).
		Watch(ctx)
}

func (c *Client) Update(ctx context.Context, obj *v1alpha1.PavProvisioner) (*v1alpha1.PavProvisioner, error) {
	result := &v1alpha1.PavProvisioner{}
	err := c.rest.Put().
		Resource(ResourcePlural).
		Name(obj.Name).
		Body(obj).
		Do(ctx).
		Into(result)
	return result, err
}

func (c *Client) UpdateStatus(ctx context.Context, obj *v1alpha1.PavProvisioner) (*v1alpha1.PavProvisioner, error) {
	result := &v1alpha1.PavProvisioner{}
	err := c.rest.Put().
		Resource(ResourcePlural).
		Name(obj.Name).
		SubResource("status").
		Body(obj).
		Do(ctx).
		Into(result)
	return result, err
}

// EnsureCRD registers the PavProvisioner CustomResourceDefinition, tolerating
// a pre-existing definition installed by the deployment manifests. The pod
// template leaves are schemaless on purpose: their string leaves carry
// template syntax that no static schema can constrain, so admission-time
// validation is done by the webhook instead.
func EnsureCRD(ctx context.Context, clientset apiextensionsclient.Interface) error {
	preserveUnknown := true
	crd := &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{
			Name: ResourcePlural + "." + v1alpha1.GroupVersion.Group,
		},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: v1alpha1.GroupVersion.Group,
			Scope: apiextensionsv1.ClusterScoped,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Plural:     ResourcePlural,
				Singular:   "pavprovisioner",
				Kind:       "PavProvisioner",
				ShortNames: []string{"pav"},
			},
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:    v1alpha1.GroupVersion.Version,
				Served:  true,
				Storage: true,
				Subresources: &apiextensionsv1.CustomResourceSubresources{
					Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
				},
				Schema: &apiextensionsv1.CustomResourceValidation{
					OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{
						Type: "object",
						Properties: map[string]apiextensionsv1.JSONSchemaProps{
							"spec": {
								Type:                   "object",
								XPreserveUnknownFields: &preserveUnknown,
							},
							"status": {
								Type:                   "object",
								XPreserveUnknownFields: &preserveUnknown,
							},
						},
					},
				},
				AdditionalPrinterColumns: []apiextensionsv1.CustomResourceColumnDefinition{{
					Name:     "Phase",
					Type:     "string",
					JSONPath: ".status.phase",
				}},
			}},
		},
	}

	_, err := clientset.ApiextensionsV1().CustomResourceDefinitions().Create(ctx, crd, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create PavProvisioner CRD: %w", err)
	}
	if apierrors.IsAlreadyExists(err) {
		klog.V(2).Infof("PavProvisioner CRD already registered")
	}
	return nil
}

// WaitForCRD blocks until the PavProvisioner resource is served.
func WaitForCRD(ctx context.Context, client *Client) error {
	return wait.PollUntilContextTimeout(ctx, 100*time.Millisecond, 60*time.Second, true, func(ctx context.Context) (bool, error) {
		_, err := client.List(ctx, metav1.ListOptions{Limit: 1})
		if err == nil {
			return true, nil
		}
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	})
}
