package rotation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
)

const (
	// DefaultPrincipalPrefix prefixes the derived IAM user name.
	DefaultPrincipalPrefix = "cco-root-"

	// maxUserNameLength is the IAM limit on user names.
	maxUserNameLength = 64

	platformAWS = "AWS"
)

// Resolver discovers which cluster and AWS account a run targets.
type Resolver struct {
	cluster ClusterClient
	iam     IAMClient
	logger  *logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cluster ClusterClient, iam IAMClient, logger *logging.Logger) *Resolver {
	return &Resolver{cluster: cluster, iam: iam, logger: logger}
}

// Resolve reads the Infrastructure object once and the caller's AWS account.
// A cluster that does not run on AWS is a configuration error.
func (r *Resolver) Resolve(ctx context.Context) (ClusterIdentity, error) {
	infra, err := r.cluster.GetInfrastructureMetadata(ctx)
	if err != nil {
		return ClusterIdentity{}, fmt.Errorf("failed to read infrastructure: %w", err)
	}
	if infra.InfrastructureName == "" {
		return ClusterIdentity{}, rrerrors.Newf(rrerrors.KindConfiguration, "Resolve",
			"infrastructure object has no infrastructureName")
	}
	if !strings.EqualFold(infra.Platform, platformAWS) {
		return ClusterIdentity{}, rrerrors.Newf(rrerrors.KindConfiguration, "Resolve",
			"cluster platform is %q, only AWS is supported", infra.Platform)
	}

	caller, err := retryValue(ctx, DefaultRetryPolicy(), r.logger, "GetCallerIdentity", func() (CallerIdentity, error) {
		return r.iam.GetCallerIdentity(ctx)
	})
	if err != nil {
		return ClusterIdentity{}, fmt.Errorf("failed to resolve AWS account: %w", err)
	}

	id := ClusterIdentity{
		ClusterID:      infra.InfrastructureName,
		ClusterName:    clusterNameFromInfraName(infra.InfrastructureName),
		CloudAccountID: caller.Account,
		Region:         infra.Region,
		Platform:       platformAWS,
	}
	r.logger.Debug("resolved cluster %s (account %s, region %s)", id.ClusterID, id.CloudAccountID, id.Region)
	return id, nil
}

// clusterNameFromInfraName strips the random suffix the installer appends
// to the cluster name, e.g. "prod-east-7xk2p" becomes "prod-east".
func clusterNameFromInfraName(infraName string) string {
	i := strings.LastIndexByte(infraName, '-')
	if i <= 0 {
		return infraName
	}
	return infraName[:i]
}

// DeriveName returns the IAM user name for a cluster. It depends only on its
// inputs: the same identity and prefix always give the same name.
func DeriveName(identity ClusterIdentity, prefix string) string {
	if prefix == "" {
		prefix = DefaultPrincipalPrefix
	}
	name := sanitizeIAMName(prefix + identity.ClusterID)
	if len(name) <= maxUserNameLength {
		return name
	}

	sum := sha256.Sum256([]byte(identity.ClusterID))
	suffix := "-" + hex.EncodeToString(sum[:])[:8]
	return name[:maxUserNameLength-len(suffix)] + suffix
}

// sanitizeIAMName drops every character IAM does not allow in a user name.
func sanitizeIAMName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("+=,.@_-", r):
			b.WriteRune(r)
		}
	}
	return b.String()
}
