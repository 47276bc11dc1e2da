package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// OpenShift resources read through the dynamic client.
var (
	InfrastructureGVR     = schema.GroupVersionResource{Group: "config.openshift.io", Version: "v1", Resource: "infrastructures"}
	ClusterOperatorGVR    = schema.GroupVersionResource{Group: "config.openshift.io", Version: "v1", Resource: "clusteroperators"}
	CloudCredentialGVR    = schema.GroupVersionResource{Group: "operator.openshift.io", Version: "v1", Resource: "cloudcredentials"}
	CredentialsRequestGVR = schema.GroupVersionResource{Group: "cloudcredential.openshift.io", Version: "v1", Resource: "credentialsrequests"}
)

// Cluster-scoped singletons are all named "cluster".
const singletonName = "cluster"

const awsProviderSpecKind = "AWSProviderSpec"

// KubeOptions selects the kubeconfig and context.
type KubeOptions struct {
	Kubeconfig string
	Context    string
}

// KubeClient implements rotation.ClusterClient on client-go.
type KubeClient struct {
	kube    kubernetes.Interface
	dynamic dynamic.Interface
	logger  *logging.Logger

	// listLimit bounds each list page.
	listLimit int64
}

// NewKubeClient builds clients from the kubeconfig loading rules, honouring
// KUBECONFIG, and falls back to in-cluster config when none is found.
func NewKubeClient(opts KubeOptions, logger *logging.Logger) (*KubeClient, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if opts.Kubeconfig != "" {
		rules.ExplicitPath = opts.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: opts.Context}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, rrerrors.Configuration("LoadKubeconfig", fmt.Errorf("failed to create kubernetes config: %w", err))
	}

	kube, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, rrerrors.Configuration("LoadKubeconfig", fmt.Errorf("failed to create kubernetes client: %w", err))
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, rrerrors.Configuration("LoadKubeconfig", fmt.Errorf("failed to create dynamic client: %w", err))
	}
	return NewKubeClientFromInterfaces(kube, dyn, logger), nil
}

// NewKubeClientFromInterfaces wraps existing clients.
func NewKubeClientFromInterfaces(kube kubernetes.Interface, dyn dynamic.Interface, logger *logging.Logger) *KubeClient {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KubeClient{kube: kube, dynamic: dyn, logger: logger, listLimit: 250}
}

var _ rotation.ClusterClient = (*KubeClient)(nil)

// ServerVersion returns the API server's git version.
func (c *KubeClient) ServerVersion(ctx context.Context) (string, error) {
	info, err := c.kube.Discovery().ServerVersion()
	if err != nil {
		return "", classifyKubeError("ServerVersion", err)
	}
	return info.GitVersion, nil
}

// IsClusterAdmin asks whether the current user may do anything anywhere.
func (c *KubeClient) IsClusterAdmin(ctx context.Context) (bool, error) {
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Verb:     "*",
				Group:    "*",
				Resource: "*",
			},
		},
	}
	out, err := c.kube.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, classifyKubeError("IsClusterAdmin", err)
	}
	if !out.Status.Allowed && out.Status.Reason != "" {
		c.logger.Debug("Cluster admin check denied: %s", out.Status.Reason)
	}
	return out.Status.Allowed, nil
}

// GetInfrastructureMetadata reads the cluster Infrastructure object.
func (c *KubeClient) GetInfrastructureMetadata(ctx context.Context) (rotation.InfrastructureMetadata, error) {
	obj, err := c.dynamic.Resource(InfrastructureGVR).Get(ctx, singletonName, metav1.GetOptions{})
	if err != nil {
		return rotation.InfrastructureMetadata{}, classifyKubeError("GetInfrastructure", err)
	}

	infra := rotation.InfrastructureMetadata{
		InfrastructureName: nestedString(obj, "status", "infrastructureName"),
		Platform:           nestedString(obj, "status", "platformStatus", "type"),
		Region:             nestedString(obj, "status", "platformStatus", "aws", "region"),
	}
	if infra.Platform == "" {
		// Clusters installed before platformStatus existed.
		infra.Platform = nestedString(obj, "status", "platform")
	}
	return infra, nil
}

// GetCredentialsMode reads spec.credentialsMode of the CloudCredential config.
func (c *KubeClient) GetCredentialsMode(ctx context.Context) (string, error) {
	obj, err := c.dynamic.Resource(CloudCredentialGVR).Get(ctx, singletonName, metav1.GetOptions{})
	if err != nil {
		return "", classifyKubeError("GetCloudCredential", err)
	}
	return nestedString(obj, "spec", "credentialsMode"), nil
}

// GetSecret reads a Secret.
func (c *KubeClient) GetSecret(ctx context.Context, namespace, name string) (*rotation.Secret, error) {
	s, err := c.kube.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classifyKubeError("GetSecret", err)
	}
	return toSecret(s), nil
}

// UpdateSecret replaces the data and annotations of a Secret, re-reading it
// on write conflicts.
func (c *KubeClient) UpdateSecret(ctx context.Context, namespace, name string, data map[string][]byte, annotations map[string]string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		s, err := c.kube.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		s.Data = data
		s.StringData = nil
		s.Annotations = annotations
		_, err = c.kube.CoreV1().Secrets(namespace).Update(ctx, s, metav1.UpdateOptions{})
		return err
	})
	return classifyKubeError("UpdateSecret", err)
}

// DeleteSecret deletes a Secret.
func (c *KubeClient) DeleteSecret(ctx context.Context, namespace, name string) error {
	err := c.kube.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return classifyKubeError("DeleteSecret", err)
}

// NamespaceExists reports whether a namespace exists.
func (c *KubeClient) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	_, err := c.kube.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classifyKubeError("GetNamespace", err)
	}
	return true, nil
}

// ListCredentialsRequests lists AWS CredentialsRequests in every namespace.
func (c *KubeClient) ListCredentialsRequests(ctx context.Context) ([]rotation.CredentialsRequestRef, error) {
	items, err := c.listAll(ctx, CredentialsRequestGVR)
	if err != nil {
		return nil, classifyKubeError("ListCredentialsRequests", err)
	}

	var refs []rotation.CredentialsRequestRef
	for i := range items {
		obj := &items[i]
		if kind := nestedString(obj, "spec", "providerSpec", "kind"); kind != awsProviderSpecKind {
			continue
		}
		ref := rotation.CredentialsRequestRef{
			Namespace:       obj.GetNamespace(),
			Name:            obj.GetName(),
			SecretNamespace: nestedString(obj, "spec", "secretRef", "namespace"),
			SecretName:      nestedString(obj, "spec", "secretRef", "name"),
		}
		if ref.SecretNamespace == "" || ref.SecretName == "" {
			c.logger.Warn("CredentialsRequest %s has no secretRef, skipping", ref.Component())
			continue
		}
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Component() < refs[j].Component()
	})
	return refs, nil
}

// GetOperatorStatuses reads the conditions of every ClusterOperator.
func (c *KubeClient) GetOperatorStatuses(ctx context.Context) ([]health.OperatorStatus, error) {
	items, err := c.listAll(ctx, ClusterOperatorGVR)
	if err != nil {
		return nil, classifyKubeError("ListClusterOperators", err)
	}

	statuses := make([]health.OperatorStatus, 0, len(items))
	for i := range items {
		statuses = append(statuses, toOperatorStatus(&items[i]))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses, nil
}

// listAll lists a cluster-scoped resource, or a namespaced one across every
// namespace, following continue tokens.
func (c *KubeClient) listAll(ctx context.Context, gvr schema.GroupVersionResource) ([]unstructured.Unstructured, error) {
	var items []unstructured.Unstructured
	opts := metav1.ListOptions{Limit: c.listLimit}
	for {
		list, err := c.dynamic.Resource(gvr).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		items = append(items, list.Items...)
		if list.GetContinue() == "" {
			return items, nil
		}
		opts.Continue = list.GetContinue()
	}
}

func toOperatorStatus(obj *unstructured.Unstructured) health.OperatorStatus {
	status := health.OperatorStatus{Name: obj.GetName()}
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")

	var reasons, messages []string
	for _, raw := range conditions {
		cond, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		condType, _ := cond["type"].(string)
		condStatus, _ := cond["status"].(string)
		on := condStatus == string(metav1.ConditionTrue)

		switch condType {
		case "Available":
			status.Available = on
		case "Degraded":
			status.Degraded = on
		case "Progressing":
			status.Progressing = on
		default:
			continue
		}

		// Record why a condition is off its steady state.
		if on == (condType == "Available") {
			continue
		}
		if reason, _ := cond["reason"].(string); reason != "" {
			reasons = append(reasons, reason)
		}
		if message, _ := cond["message"].(string); message != "" {
			messages = append(messages, message)
		}
	}
	status.Reason = strings.Join(reasons, ", ")
	status.Message = strings.Join(messages, "; ")
	return status
}

func toSecret(s *corev1.Secret) *rotation.Secret {
	return &rotation.Secret{
		Namespace:         s.Namespace,
		Name:              s.Name,
		Data:              s.Data,
		Annotations:       s.Annotations,
		CreationTimestamp: s.CreationTimestamp.Time,
	}
}

func nestedString(obj *unstructured.Unstructured, fields ...string) string {
	v, _, _ := unstructured.NestedString(obj.Object, fields...)
	return v
}
