package rotation

import (
	"context"
	"time"

	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/internal/secure"
)

// MaxAccessKeys is the number of access keys AWS allows per IAM user.
const MaxAccessKeys = 2

// Root secret layout.
const (
	SecretKeyAccessKeyID     = "aws_access_key_id"
	SecretKeySecretAccessKey = "aws_secret_access_key"

	AnnotationPrefix        = "rootrotate.systmms.io/"
	AnnotationLastRotatedAt = AnnotationPrefix + "last-rotated-at"
	AnnotationRotatedBy     = AnnotationPrefix + "rotated-by"
	AnnotationPreviousKeyID = AnnotationPrefix + "previous-key-id"
)

// Principal tags.
const (
	TagClusterID = AnnotationPrefix + "cluster-id"
	TagManagedBy = AnnotationPrefix + "managed-by"
	ManagedBy    = "rootrotate"
)

// KeyStatus is the IAM status of an access key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "Active"
	KeyInactive KeyStatus = "Inactive"
)

// AccessKey is an IAM access key. Secret is only set for a key minted in the
// current run; listed keys never carry one.
type AccessKey struct {
	ID        string
	Secret    *secure.SecretKey
	CreatedAt time.Time
	Status    KeyStatus
}

// Active reports whether the key can sign requests.
func (k AccessKey) Active() bool {
	return k.Status == KeyActive
}

// Age is how long ago the key was created.
func (k AccessKey) Age(now time.Time) time.Duration {
	if k.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(k.CreatedAt)
}

// CallerIdentity is the result of STS GetCallerIdentity.
type CallerIdentity struct {
	Account string
	ARN     string
	UserID  string
}

// IAMUser is the subset of an IAM user the rotation reads.
type IAMUser struct {
	Name string
	ARN  string
	Tags map[string]string
}

// InfrastructureMetadata is read from the cluster Infrastructure object.
type InfrastructureMetadata struct {
	InfrastructureName string
	Platform           string
	Region             string
}

// Secret is a cluster Secret as seen by the rotation.
type Secret struct {
	Namespace         string
	Name              string
	Data              map[string][]byte
	Annotations       map[string]string
	CreationTimestamp time.Time
}

// CredentialsRequestRef points at the Secret a CredentialsRequest owns.
type CredentialsRequestRef struct {
	Namespace       string
	Name            string
	SecretNamespace string
	SecretName      string
}

// Component names the request for reports.
func (r CredentialsRequestRef) Component() string {
	return r.Namespace + "/" + r.Name
}

// ClusterIdentity identifies the cluster a run targets. It is resolved once.
type ClusterIdentity struct {
	ClusterID      string `json:"cluster_id" yaml:"cluster_id"`
	ClusterName    string `json:"cluster_name" yaml:"cluster_name"`
	CloudAccountID string `json:"cloud_account_id" yaml:"cloud_account_id"`
	Region         string `json:"region" yaml:"region"`
	Platform       string `json:"platform" yaml:"platform"`
}

// IAMPrincipal is the long-lived IAM user that owns the root key.
type IAMPrincipal struct {
	Name           string            `json:"name" yaml:"name"`
	ARN            string            `json:"arn,omitempty" yaml:"arn,omitempty"`
	PolicyName     string            `json:"policy_name" yaml:"policy_name"`
	PolicyDocument string            `json:"-" yaml:"-"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Exists         bool              `json:"exists" yaml:"exists"`
}

// IAMClient is the AWS IAM and STS surface the rotation uses. Implementations
// classify errors with internal/errors: a missing entity is KindNotFound,
// throttling is KindTransient and a denied call is KindPermission.
type IAMClient interface {
	GetCallerIdentity(ctx context.Context) (CallerIdentity, error)
	GetUser(ctx context.Context, name string) (IAMUser, error)
	CreateUser(ctx context.Context, name string, tags map[string]string) (IAMUser, error)
	PutUserPolicy(ctx context.Context, userName, policyName, document string) error
	GetUserPolicy(ctx context.Context, userName, policyName string) (string, error)
	ListAccessKeys(ctx context.Context, userName string) ([]AccessKey, error)
	CreateAccessKey(ctx context.Context, userName string) (AccessKey, error)
	UpdateAccessKeyStatus(ctx context.Context, userName, keyID string, status KeyStatus) error
	DeleteAccessKey(ctx context.Context, userName, keyID string) error

	// SimulatePrincipalPolicy returns the actions that are not allowed.
	SimulatePrincipalPolicy(ctx context.Context, principalARN string, actions []string) ([]string, error)
}

// KeyVerifier proves a key can authenticate and returns the ARN it resolves to.
type KeyVerifier interface {
	Confirm(ctx context.Context, key AccessKey) (string, error)
}

// ClusterClient is the cluster control-plane surface the rotation uses.
type ClusterClient interface {
	health.StatusSource

	ServerVersion(ctx context.Context) (string, error)
	IsClusterAdmin(ctx context.Context) (bool, error)
	GetInfrastructureMetadata(ctx context.Context) (InfrastructureMetadata, error)

	// GetCredentialsMode returns spec.credentialsMode of the CloudCredential
	// config. An empty string means the default, Mint.
	GetCredentialsMode(ctx context.Context) (string, error)

	GetSecret(ctx context.Context, namespace, name string) (*Secret, error)

	// UpdateSecret replaces the data and annotations of an existing Secret.
	UpdateSecret(ctx context.Context, namespace, name string, data map[string][]byte, annotations map[string]string) error
	DeleteSecret(ctx context.Context, namespace, name string) error
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
	ListCredentialsRequests(ctx context.Context) ([]CredentialsRequestRef, error)
}
