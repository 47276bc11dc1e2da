package rotation

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
)

// Preflight check names.
const (
	CheckClusterReachable = "cluster-reachable"
	CheckClusterAdmin     = "cluster-admin"
	CheckIAMIdentity      = "iam-identity"
	CheckIAMPrivilege     = "iam-privilege"
	CheckMintingMode      = "minting-mode"
)

// CheckResult is the outcome of one preflight check.
type CheckResult struct {
	Name   string        `json:"name" yaml:"name"`
	Passed bool          `json:"passed" yaml:"passed"`
	Reason string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Kind   rrerrors.Kind `json:"-" yaml:"-"`
}

// PreflightResult collects every check. Checks run independently, so one
// failure does not hide another.
type PreflightResult struct {
	Checks []CheckResult `json:"checks" yaml:"checks"`

	// Caller is the operator identity, used as the rotated-by annotation.
	Caller CallerIdentity `json:"-" yaml:"-"`
}

// OK reports whether every check passed.
func (r PreflightResult) OK() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Reasons lists the failure reasons.
func (r PreflightResult) Reasons() []string {
	var reasons []string
	for _, c := range r.Checks {
		if !c.Passed {
			reasons = append(reasons, fmt.Sprintf("%s: %s", c.Name, c.Reason))
		}
	}
	return reasons
}

// Err folds every failed check into one error. It is nil when OK.
func (r PreflightResult) Err() error {
	var result *multierror.Error
	for _, c := range r.Checks {
		if !c.Passed {
			kind := c.Kind
			if kind == rrerrors.KindUnknown {
				kind = rrerrors.KindConfiguration
			}
			result = multierror.Append(result, rrerrors.Newf(kind, c.Name, "%s", c.Reason))
		}
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = func(errs []error) string {
		lines := make([]string, len(errs))
		for i, err := range errs {
			lines[i] = err.Error()
		}
		return fmt.Sprintf("preflight failed: %s", strings.Join(lines, "; "))
	}
	return result
}

// Preflight verifies the environment before anything is mutated.
type Preflight struct {
	cluster    ClusterClient
	iam        IAMClient
	rootSecret SecretRef
	logger     *logging.Logger
}

// SecretRef names a Secret.
type SecretRef struct {
	Namespace string
	Name      string
}

func (r SecretRef) String() string {
	return r.Namespace + "/" + r.Name
}

// NewPreflight creates a Preflight validator.
func NewPreflight(cluster ClusterClient, iam IAMClient, rootSecret SecretRef, logger *logging.Logger) *Preflight {
	return &Preflight{cluster: cluster, iam: iam, rootSecret: rootSecret, logger: logger}
}

// Validate runs every check. It never mutates anything. The error is only
// set when the checks could not be run at all.
func (p *Preflight) Validate(ctx context.Context) (PreflightResult, error) {
	var result PreflightResult

	result.Checks = append(result.Checks, p.checkReachable(ctx))
	result.Checks = append(result.Checks, p.checkAdmin(ctx))

	identityCheck, caller := p.checkIdentity(ctx)
	result.Caller = caller
	result.Checks = append(result.Checks, identityCheck)
	result.Checks = append(result.Checks, p.checkPrivilege(ctx, caller))
	result.Checks = append(result.Checks, p.checkMintingMode(ctx))

	if err := ctx.Err(); err != nil {
		return result, err
	}
	for _, c := range result.Checks {
		if c.Passed {
			p.logger.Debug("preflight %s: ok %s", c.Name, c.Reason)
		} else {
			p.logger.Warn("Preflight %s failed: %s", c.Name, c.Reason)
		}
	}
	return result, nil
}

func failed(name string, err error) CheckResult {
	kind := rrerrors.KindOf(err)
	if kind == rrerrors.KindUnknown {
		kind = rrerrors.KindConfiguration
	}
	return CheckResult{Name: name, Reason: err.Error(), Kind: kind}
}

func (p *Preflight) checkReachable(ctx context.Context) CheckResult {
	version, err := p.cluster.ServerVersion(ctx)
	if err != nil {
		return failed(CheckClusterReachable, err)
	}
	return CheckResult{Name: CheckClusterReachable, Passed: true, Reason: version}
}

func (p *Preflight) checkAdmin(ctx context.Context) CheckResult {
	ok, err := p.cluster.IsClusterAdmin(ctx)
	if err != nil {
		return failed(CheckClusterAdmin, err)
	}
	if !ok {
		return CheckResult{
			Name:   CheckClusterAdmin,
			Reason: "kubeconfig identity is not cluster-admin",
			Kind:   rrerrors.KindPermission,
		}
	}
	return CheckResult{Name: CheckClusterAdmin, Passed: true}
}

func (p *Preflight) checkIdentity(ctx context.Context) (CheckResult, CallerIdentity) {
	caller, err := retryValue(ctx, DefaultRetryPolicy(), p.logger, "GetCallerIdentity", func() (CallerIdentity, error) {
		return p.iam.GetCallerIdentity(ctx)
	})
	if err != nil {
		return failed(CheckIAMIdentity, err), CallerIdentity{}
	}
	return CheckResult{Name: CheckIAMIdentity, Passed: true, Reason: caller.ARN}, caller
}

func (p *Preflight) checkPrivilege(ctx context.Context, caller CallerIdentity) CheckResult {
	if caller.ARN == "" {
		return CheckResult{
			Name:   CheckIAMPrivilege,
			Reason: "caller identity unknown",
			Kind:   rrerrors.KindPermission,
		}
	}

	denied, err := p.iam.SimulatePrincipalPolicy(ctx, SimulationARN(caller.ARN), rotationActions)
	switch {
	case rrerrors.Is(err, rrerrors.KindPermission):
		return CheckResult{
			Name:   CheckIAMPrivilege,
			Passed: true,
			Reason: "policy simulation not permitted, privileges unverified",
		}
	case err != nil:
		return failed(CheckIAMPrivilege, err)
	case len(denied) > 0:
		return CheckResult{
			Name:   CheckIAMPrivilege,
			Reason: "denied: " + strings.Join(denied, ", "),
			Kind:   rrerrors.KindPermission,
		}
	}
	return CheckResult{Name: CheckIAMPrivilege, Passed: true}
}

func (p *Preflight) checkMintingMode(ctx context.Context) CheckResult {
	mode, err := p.cluster.GetCredentialsMode(ctx)
	if err != nil {
		return failed(CheckMintingMode, err)
	}
	if mode != "" && !strings.EqualFold(mode, "Mint") {
		return CheckResult{
			Name:   CheckMintingMode,
			Reason: fmt.Sprintf("credentialsMode is %q, expected Mint", mode),
			Kind:   rrerrors.KindConfiguration,
		}
	}

	secret, err := p.cluster.GetSecret(ctx, p.rootSecret.Namespace, p.rootSecret.Name)
	if rrerrors.IsNotFound(err) {
		return CheckResult{
			Name:   CheckMintingMode,
			Reason: fmt.Sprintf("root secret %s not found", p.rootSecret),
			Kind:   rrerrors.KindConfiguration,
		}
	}
	if err != nil {
		return failed(CheckMintingMode, err)
	}
	for _, key := range []string{SecretKeyAccessKeyID, SecretKeySecretAccessKey} {
		if len(secret.Data[key]) == 0 {
			return CheckResult{
				Name:   CheckMintingMode,
				Reason: fmt.Sprintf("root secret %s has no %s", p.rootSecret, key),
				Kind:   rrerrors.KindConfiguration,
			}
		}
	}
	return CheckResult{Name: CheckMintingMode, Passed: true, Reason: "Mint"}
}

// SimulationARN maps an assumed-role session ARN to the role it came from,
// since IAM cannot simulate a session.
//
//	arn:aws:sts::123456789012:assumed-role/Admin/alice
//	→ arn:aws:iam::123456789012:role/Admin
func SimulationARN(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[2] != "sts" || !strings.HasPrefix(parts[5], "assumed-role/") {
		return arn
	}
	resource := strings.Split(strings.TrimPrefix(parts[5], "assumed-role/"), "/")
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", parts[1], parts[4], resource[0])
}
