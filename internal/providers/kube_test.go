package providers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/providers"
	"github.com/systmms/rootrotate/pkg/rotation"
)

var listKinds = map[schema.GroupVersionResource]string{
	providers.InfrastructureGVR:     "InfrastructureList",
	providers.ClusterOperatorGVR:    "ClusterOperatorList",
	providers.CloudCredentialGVR:    "CloudCredentialList",
	providers.CredentialsRequestGVR: "CredentialsRequestList",
}

func object(apiVersion, kind, namespace, name string, fields map[string]interface{}) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: fields}
	if obj.Object == nil {
		obj.Object = map[string]interface{}{}
	}
	obj.SetAPIVersion(apiVersion)
	obj.SetKind(kind)
	obj.SetNamespace(namespace)
	obj.SetName(name)
	return obj
}

func infrastructure() *unstructured.Unstructured {
	return object("config.openshift.io/v1", "Infrastructure", "", "cluster", map[string]interface{}{
		"status": map[string]interface{}{
			"infrastructureName": "prod-east-x7k2p",
			"platformStatus": map[string]interface{}{
				"type": "AWS",
				"aws":  map[string]interface{}{"region": "us-east-1"},
			},
		},
	})
}

func cloudCredential(mode string) *unstructured.Unstructured {
	return object("operator.openshift.io/v1", "CloudCredential", "", "cluster", map[string]interface{}{
		"spec": map[string]interface{}{"credentialsMode": mode},
	})
}

func credentialsRequest(name, providerKind, secretNamespace, secretName string) *unstructured.Unstructured {
	spec := map[string]interface{}{
		"providerSpec": map[string]interface{}{
			"apiVersion": "cloudcredential.openshift.io/v1",
			"kind":       providerKind,
		},
	}
	if secretName != "" {
		spec["secretRef"] = map[string]interface{}{"namespace": secretNamespace, "name": secretName}
	}
	return object("cloudcredential.openshift.io/v1", "CredentialsRequest", "openshift-cloud-credential-operator", name,
		map[string]interface{}{"spec": spec})
}

func clusterOperator(name string, conditions ...map[string]interface{}) *unstructured.Unstructured {
	list := make([]interface{}, 0, len(conditions))
	for _, c := range conditions {
		list = append(list, c)
	}
	return object("config.openshift.io/v1", "ClusterOperator", "", name, map[string]interface{}{
		"status": map[string]interface{}{"conditions": list},
	})
}

func condition(condType, status, reason, message string) map[string]interface{} {
	return map[string]interface{}{"type": condType, "status": status, "reason": reason, "message": message}
}

func rootSecret() *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:         "kube-system",
			Name:              "aws-creds",
			CreationTimestamp: metav1.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			Annotations:       map[string]string{"team": "platform"},
		},
		Data: map[string][]byte{
			rotation.SecretKeyAccessKeyID:     []byte("AKIAOLD"),
			rotation.SecretKeySecretAccessKey: []byte("old-secret"),
		},
	}
}

type kubeFixture struct {
	kube    *kubefake.Clientset
	dynamic *dynamicfake.FakeDynamicClient
	client  *providers.KubeClient
}

func newKubeFixture(kubeObjects []runtime.Object, dynamicObjects ...runtime.Object) *kubeFixture {
	kube := kubefake.NewSimpleClientset(kubeObjects...)
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, dynamicObjects...)
	return &kubeFixture{
		kube:    kube,
		dynamic: dyn,
		client:  providers.NewKubeClientFromInterfaces(kube, dyn, nil),
	}
}

func TestKubeClient_ServerVersion(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil)
	f.kube.Discovery().(*fakediscovery.FakeDiscovery).FakedServerVersion = &version.Info{GitVersion: "v1.30.4"}

	v, err := f.client.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.30.4", v)
}

func TestKubeClient_IsClusterAdmin(t *testing.T) {
	t.Parallel()

	for _, allowed := range []bool{true, false} {
		f := newKubeFixture(nil)
		var got *authorizationv1.SelfSubjectAccessReview
		f.kube.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
			got = action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
			review := got.DeepCopy()
			review.Status.Allowed = allowed
			return true, review, nil
		})

		admin, err := f.client.IsClusterAdmin(context.Background())
		require.NoError(t, err)
		assert.Equal(t, allowed, admin)
		require.NotNil(t, got)
		assert.Equal(t, "*", got.Spec.ResourceAttributes.Verb)
		assert.Equal(t, "*", got.Spec.ResourceAttributes.Resource)
	}
}

func TestKubeClient_InfrastructureMetadata(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil, infrastructure())

	infra, err := f.client.GetInfrastructureMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rotation.InfrastructureMetadata{
		InfrastructureName: "prod-east-x7k2p",
		Platform:           "AWS",
		Region:             "us-east-1",
	}, infra)
}

func TestKubeClient_InfrastructureLegacyPlatform(t *testing.T) {
	t.Parallel()
	legacy := object("config.openshift.io/v1", "Infrastructure", "", "cluster", map[string]interface{}{
		"status": map[string]interface{}{
			"infrastructureName": "old-4abcd",
			"platform":           "AWS",
		},
	})
	f := newKubeFixture(nil, legacy)

	infra, err := f.client.GetInfrastructureMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AWS", infra.Platform)
	assert.Empty(t, infra.Region)
}

func TestKubeClient_InfrastructureMissing(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil)

	_, err := f.client.GetInfrastructureMetadata(context.Background())
	require.Error(t, err)
	assert.True(t, rrerrors.IsNotFound(err))
}

func TestKubeClient_CredentialsMode(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil, cloudCredential("Mint"))

	mode, err := f.client.GetCredentialsMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Mint", mode)

	empty := newKubeFixture(nil, cloudCredential(""))
	mode, err = empty.client.GetCredentialsMode(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mode)
}

func TestKubeClient_SecretRoundTrip(t *testing.T) {
	t.Parallel()
	f := newKubeFixture([]runtime.Object{rootSecret()})
	ctx := context.Background()

	s, err := f.client.GetSecret(ctx, "kube-system", "aws-creds")
	require.NoError(t, err)
	assert.Equal(t, "AKIAOLD", string(s.Data[rotation.SecretKeyAccessKeyID]))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s.CreationTimestamp.UTC())

	data := map[string][]byte{
		rotation.SecretKeyAccessKeyID:     []byte("AKIANEW"),
		rotation.SecretKeySecretAccessKey: []byte("new-secret"),
	}
	annotations := map[string]string{rotation.AnnotationPreviousKeyID: "AKIAOLD"}
	require.NoError(t, f.client.UpdateSecret(ctx, "kube-system", "aws-creds", data, annotations))

	s, err = f.client.GetSecret(ctx, "kube-system", "aws-creds")
	require.NoError(t, err)
	assert.Equal(t, data, s.Data)
	assert.Equal(t, annotations, s.Annotations, "annotations are replaced, not merged")
}

func TestKubeClient_UpdateSecretRetriesConflicts(t *testing.T) {
	t.Parallel()
	f := newKubeFixture([]runtime.Object{rootSecret()})
	conflicts := 2
	f.kube.PrependReactor("update", "secrets", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if conflicts > 0 {
			conflicts--
			return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "secrets"}, "aws-creds", errors.New("object was modified"))
		}
		return false, nil, nil
	})

	err := f.client.UpdateSecret(context.Background(), "kube-system", "aws-creds", map[string][]byte{"k": []byte("v")}, nil)
	require.NoError(t, err)
	assert.Zero(t, conflicts)
}

func TestKubeClient_SecretErrorsAreClassified(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil)
	ctx := context.Background()

	_, err := f.client.GetSecret(ctx, "kube-system", "aws-creds")
	assert.True(t, rrerrors.IsNotFound(err))

	err = f.client.DeleteSecret(ctx, "kube-system", "aws-creds")
	assert.True(t, rrerrors.IsNotFound(err))

	f.kube.PrependReactor("get", "secrets", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "secrets"}, "aws-creds", errors.New("rbac"))
	})
	_, err = f.client.GetSecret(ctx, "kube-system", "aws-creds")
	assert.True(t, rrerrors.Is(err, rrerrors.KindPermission))

	f.kube.PrependReactor("delete", "secrets", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("slow down", 1)
	})
	err = f.client.DeleteSecret(ctx, "kube-system", "aws-creds")
	assert.True(t, rrerrors.IsRetryable(err))
}

func TestKubeClient_DeleteSecret(t *testing.T) {
	t.Parallel()
	f := newKubeFixture([]runtime.Object{rootSecret()})

	require.NoError(t, f.client.DeleteSecret(context.Background(), "kube-system", "aws-creds"))
	_, err := f.kube.CoreV1().Secrets("kube-system").Get(context.Background(), "aws-creds", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestKubeClient_NamespaceExists(t *testing.T) {
	t.Parallel()
	f := newKubeFixture([]runtime.Object{&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "openshift-ingress"}}})

	ok, err := f.client.NamespaceExists(context.Background(), "openshift-ingress")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.client.NamespaceExists(context.Background(), "openshift-gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKubeClient_ListCredentialsRequests(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil,
		credentialsRequest("openshift-ingress", "AWSProviderSpec", "openshift-ingress-operator", "cloud-credentials"),
		credentialsRequest("openshift-image-registry", "AWSProviderSpec", "openshift-image-registry", "installer-cloud-credentials"),
		credentialsRequest("openshift-gcp-pd", "GCPProviderSpec", "openshift-cluster-csi-drivers", "gcp-pd-cloud-credentials"),
		credentialsRequest("openshift-broken", "AWSProviderSpec", "", ""),
	)

	refs, err := f.client.ListCredentialsRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []rotation.CredentialsRequestRef{
		{
			Namespace:       "openshift-cloud-credential-operator",
			Name:            "openshift-image-registry",
			SecretNamespace: "openshift-image-registry",
			SecretName:      "installer-cloud-credentials",
		},
		{
			Namespace:       "openshift-cloud-credential-operator",
			Name:            "openshift-ingress",
			SecretNamespace: "openshift-ingress-operator",
			SecretName:      "cloud-credentials",
		},
	}, refs)
}

func TestKubeClient_OperatorStatuses(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil,
		clusterOperator("ingress",
			condition("Available", "True", "AsExpected", ""),
			condition("Degraded", "False", "AsExpected", ""),
			condition("Progressing", "False", "AsExpected", ""),
		),
		clusterOperator("cloud-credential",
			condition("Available", "True", "", ""),
			condition("Degraded", "True", "CredentialsFailing", "1 of 7 credentials requests are failing to sync."),
			condition("Progressing", "False", "", ""),
			condition("Upgradeable", "False", "MissingRootCredential", "ignored"),
		),
		clusterOperator("image-registry",
			condition("Available", "False", "NoReplicasAvailable", "The deployment does not have available replicas"),
		),
	)

	statuses, err := f.client.GetOperatorStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.Equal(t, "cloud-credential", statuses[0].Name)
	assert.True(t, statuses[0].Degraded)
	assert.Equal(t, "CredentialsFailing", statuses[0].Reason)
	assert.Contains(t, statuses[0].Message, "failing to sync")
	assert.True(t, statuses[0].Unhealthy())

	assert.Equal(t, "image-registry", statuses[1].Name)
	assert.False(t, statuses[1].Available)
	assert.Equal(t, "NoReplicasAvailable", statuses[1].Reason)

	assert.Equal(t, "ingress", statuses[2].Name)
	assert.False(t, statuses[2].Unhealthy())
	assert.Empty(t, statuses[2].Reason)
}

func TestKubeClient_ListErrorsAreClassified(t *testing.T) {
	t.Parallel()
	f := newKubeFixture(nil)
	f.dynamic.PrependReactor("list", "clusteroperators", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewNotFound(schema.GroupResource{Group: "config.openshift.io", Resource: "clusteroperators"}, "")
	})

	_, err := f.client.GetOperatorStatuses(context.Background())
	require.Error(t, err)
	assert.True(t, rrerrors.IsNotFound(err))
}
