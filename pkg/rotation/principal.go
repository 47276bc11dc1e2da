package rotation

import (
	"context"
	"fmt"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
)

// PrincipalConfig names the principal and its inline policy.
type PrincipalConfig struct {
	Prefix     string
	PolicyName string
	DryRun     bool
}

// PrincipalManager provisions the IAM user that owns the root key.
type PrincipalManager struct {
	iam      IAMClient
	config   PrincipalConfig
	logger   *logging.Logger
	recorder *Recorder
	retry    RetryPolicy
}

// NewPrincipalManager creates a PrincipalManager. recorder may be nil.
func NewPrincipalManager(iam IAMClient, config PrincipalConfig, logger *logging.Logger, recorder *Recorder) *PrincipalManager {
	if config.Prefix == "" {
		config.Prefix = DefaultPrincipalPrefix
	}
	if config.PolicyName == "" {
		config.PolicyName = DefaultPolicyName
	}
	return &PrincipalManager{
		iam:      iam,
		config:   config,
		logger:   logger,
		recorder: recorder,
		retry:    DefaultRetryPolicy(),
	}
}

// PrincipalTags are the tags a principal is created with.
func PrincipalTags(identity ClusterIdentity) map[string]string {
	return map[string]string{
		TagClusterID: identity.ClusterID,
		"kubernetes.io/cluster/" + identity.ClusterID: "owned",
		TagManagedBy: ManagedBy,
	}
}

// Lookup reads the principal without changing anything. Exists is false when
// the user is not there yet.
func (m *PrincipalManager) Lookup(ctx context.Context, identity ClusterIdentity) (IAMPrincipal, error) {
	p := IAMPrincipal{
		Name:           DeriveName(identity, m.config.Prefix),
		PolicyName:     m.config.PolicyName,
		PolicyDocument: RootPolicyDocument(),
		Tags:           PrincipalTags(identity),
	}

	user, err := retryValue(ctx, m.retry, m.logger, "GetUser", func() (IAMUser, error) {
		return m.iam.GetUser(ctx, p.Name)
	})
	switch {
	case rrerrors.IsNotFound(err):
		return p, nil
	case err != nil:
		return p, fmt.Errorf("failed to look up principal %s: %w", p.Name, err)
	}

	p.ARN = user.ARN
	p.Exists = true
	if len(user.Tags) > 0 {
		p.Tags = user.Tags
	}
	return p, nil
}

// EnsurePrincipal creates the principal if it is missing and repairs its
// inline policy if it drifted. A second call with nothing to repair makes no
// IAM mutation.
func (m *PrincipalManager) EnsurePrincipal(ctx context.Context, identity ClusterIdentity) (IAMPrincipal, error) {
	step := m.recorder.Begin("EnsurePrincipal")

	p, err := m.Lookup(ctx, identity)
	if err != nil {
		step.Fail(err)
		return p, err
	}

	if !p.Exists {
		if m.config.DryRun {
			step.Plan(fmt.Sprintf("create user %s", p.Name), fmt.Sprintf("put policy %s", p.PolicyName))
			return p, nil
		}
		user, err := m.createUser(ctx, p)
		if err != nil {
			err = fmt.Errorf("failed to create principal %s: %w", p.Name, err)
			step.Fail(err)
			return p, err
		}
		m.recorder.MarkMutated()
		p.ARN = user.ARN
		p.Exists = true
		if err := m.putPolicy(ctx, p); err != nil {
			step.Fail(err)
			return p, err
		}
		step.Succeed("created %s", p.Name)
		return p, nil
	}

	current, err := retryValue(ctx, m.retry, m.logger, "GetUserPolicy", func() (string, error) {
		return m.iam.GetUserPolicy(ctx, p.Name, p.PolicyName)
	})
	if err != nil && !rrerrors.IsNotFound(err) {
		err = fmt.Errorf("failed to read policy %s: %w", p.PolicyName, err)
		step.Fail(err)
		return p, err
	}
	if err == nil && policiesEqual(current, p.PolicyDocument) {
		step.Succeed("%s up to date", p.Name)
		return p, nil
	}

	reason := "drifted"
	if err != nil {
		reason = "missing"
	}
	m.logger.Warn("Policy %s on %s is %s", p.PolicyName, p.Name, reason)
	if m.config.DryRun {
		step.Plan(fmt.Sprintf("put policy %s (%s)", p.PolicyName, reason))
		return p, nil
	}
	if err := m.putPolicy(ctx, p); err != nil {
		step.Fail(err)
		return p, err
	}
	step.Succeed("repaired %s policy on %s", reason, p.Name)
	return p, nil
}

// createUser retries CreateUser on transient errors. CreateUser is not
// idempotent: when a retry finds the user already there, an earlier attempt
// succeeded without its response arriving, and the user is read back.
func (m *PrincipalManager) createUser(ctx context.Context, p IAMPrincipal) (IAMUser, error) {
	attempt := 0
	return retryValue(ctx, m.retry, m.logger, "CreateUser", func() (IAMUser, error) {
		attempt++
		user, err := m.iam.CreateUser(ctx, p.Name, p.Tags)
		if err == nil || attempt == 1 || !rrerrors.Is(err, rrerrors.KindConfiguration) {
			return user, err
		}
		existing, getErr := m.iam.GetUser(ctx, p.Name)
		if getErr != nil {
			return user, err
		}
		m.logger.Info("User %s was created by an earlier attempt", p.Name)
		return existing, nil
	})
}

func (m *PrincipalManager) putPolicy(ctx context.Context, p IAMPrincipal) error {
	err := retryTransient(ctx, m.retry, m.logger, "PutUserPolicy", func() error {
		return m.iam.PutUserPolicy(ctx, p.Name, p.PolicyName, p.PolicyDocument)
	})
	if err != nil {
		return fmt.Errorf("failed to put policy %s on %s: %w", p.PolicyName, p.Name, err)
	}
	m.recorder.MarkMutated()
	return nil
}
