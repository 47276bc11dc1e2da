package providers

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/secure"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// IAMAPI defines the IAM operations the rotation uses.
// This allows for mocking in tests
type IAMAPI interface {
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	GetUserPolicy(ctx context.Context, params *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

// STSAPI defines the STS operations the rotation uses.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AWSIAMClient implements rotation.IAMClient on the AWS SDK.
type AWSIAMClient struct {
	iam    IAMAPI
	sts    STSAPI
	logger *logging.Logger
}

// IAMOption is a functional option for configuring AWSIAMClient
type IAMOption func(*AWSIAMClient)

// WithIAMAPI sets a custom IAM client (for testing)
func WithIAMAPI(client IAMAPI) IAMOption {
	return func(c *AWSIAMClient) {
		c.iam = client
	}
}

// WithSTSAPI sets a custom STS client (for testing)
func WithSTSAPI(client STSAPI) IAMOption {
	return func(c *AWSIAMClient) {
		c.sts = client
	}
}

// WithIAMLogger sets the logger used for debug output.
func WithIAMLogger(logger *logging.Logger) IAMOption {
	return func(c *AWSIAMClient) {
		c.logger = logger
	}
}

// NewAWSIAMClient creates an IAM client from cfg. Clients passed as options
// take precedence.
func NewAWSIAMClient(cfg aws.Config, opts ...IAMOption) *AWSIAMClient {
	c := &AWSIAMClient{logger: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	if c.iam == nil {
		c.iam = iam.NewFromConfig(cfg)
	}
	if c.sts == nil {
		c.sts = sts.NewFromConfig(cfg)
	}
	return c
}

var _ rotation.IAMClient = (*AWSIAMClient)(nil)

// GetCallerIdentity returns the identity of the operator's credentials.
func (c *AWSIAMClient) GetCallerIdentity(ctx context.Context) (rotation.CallerIdentity, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return rotation.CallerIdentity{}, classifyAWSError("GetCallerIdentity", err)
	}
	return rotation.CallerIdentity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

// GetUser reads an IAM user with its tags.
func (c *AWSIAMClient) GetUser(ctx context.Context, name string) (rotation.IAMUser, error) {
	out, err := c.iam.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(name)})
	if err != nil {
		return rotation.IAMUser{}, classifyAWSError("GetUser", err)
	}
	if out.User == nil {
		return rotation.IAMUser{}, rrerrors.Newf(rrerrors.KindNotFound, "GetUser", "user %s not returned", name)
	}
	return toIAMUser(out.User), nil
}

// CreateUser creates an IAM user carrying tags.
func (c *AWSIAMClient) CreateUser(ctx context.Context, name string, tags map[string]string) (rotation.IAMUser, error) {
	out, err := c.iam.CreateUser(ctx, &iam.CreateUserInput{
		UserName: aws.String(name),
		Tags:     toIAMTags(tags),
	})
	if err != nil {
		return rotation.IAMUser{}, classifyAWSError("CreateUser", err)
	}
	c.logger.Debug("Created IAM user %s", name)
	if out.User == nil {
		return rotation.IAMUser{Name: name, Tags: tags}, nil
	}
	return toIAMUser(out.User), nil
}

// PutUserPolicy writes an inline policy, replacing any document of that name.
func (c *AWSIAMClient) PutUserPolicy(ctx context.Context, userName, policyName, document string) error {
	_, err := c.iam.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
		UserName:       aws.String(userName),
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(document),
	})
	return classifyAWSError("PutUserPolicy", err)
}

// GetUserPolicy returns the decoded inline policy document.
func (c *AWSIAMClient) GetUserPolicy(ctx context.Context, userName, policyName string) (string, error) {
	out, err := c.iam.GetUserPolicy(ctx, &iam.GetUserPolicyInput{
		UserName:   aws.String(userName),
		PolicyName: aws.String(policyName),
	})
	if err != nil {
		return "", classifyAWSError("GetUserPolicy", err)
	}
	// IAM returns policy documents URL-encoded.
	doc, err := url.QueryUnescape(aws.ToString(out.PolicyDocument))
	if err != nil {
		return "", rrerrors.New(rrerrors.KindUnknown, "GetUserPolicy", fmt.Errorf("failed to decode policy document: %w", err))
	}
	return doc, nil
}

// ListAccessKeys lists every access key of a user.
func (c *AWSIAMClient) ListAccessKeys(ctx context.Context, userName string) ([]rotation.AccessKey, error) {
	var keys []rotation.AccessKey
	paginator := iam.NewListAccessKeysPaginator(c.iam, &iam.ListAccessKeysInput{UserName: aws.String(userName)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyAWSError("ListAccessKeys", err)
		}
		for _, md := range page.AccessKeyMetadata {
			keys = append(keys, rotation.AccessKey{
				ID:        aws.ToString(md.AccessKeyId),
				CreatedAt: aws.ToTime(md.CreateDate),
				Status:    rotation.KeyStatus(md.Status),
			})
		}
	}
	return keys, nil
}

// CreateAccessKey mints a key. The SDK's own retryer is disabled for this
// call: a retried mint after a lost response would leave an orphan key.
func (c *AWSIAMClient) CreateAccessKey(ctx context.Context, userName string) (rotation.AccessKey, error) {
	out, err := c.iam.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: aws.String(userName)},
		func(o *iam.Options) { o.RetryMaxAttempts = 1 })
	if err != nil {
		return rotation.AccessKey{}, classifyAWSError("CreateAccessKey", err)
	}
	if out.AccessKey == nil {
		return rotation.AccessKey{}, rrerrors.Newf(rrerrors.KindUnknown, "CreateAccessKey", "no access key returned for %s", userName)
	}

	secret, err := secure.NewSecretKeyFromString(aws.ToString(out.AccessKey.SecretAccessKey))
	if err != nil {
		return rotation.AccessKey{}, rrerrors.New(rrerrors.KindUnknown, "CreateAccessKey", err)
	}
	key := rotation.AccessKey{
		ID:        aws.ToString(out.AccessKey.AccessKeyId),
		Secret:    secret,
		CreatedAt: aws.ToTime(out.AccessKey.CreateDate),
		Status:    rotation.KeyStatus(out.AccessKey.Status),
	}
	c.logger.Debug("Created access key %s for %s", logging.MaskKeyID(key.ID), userName)
	return key, nil
}

// UpdateAccessKeyStatus activates or deactivates a key.
func (c *AWSIAMClient) UpdateAccessKeyStatus(ctx context.Context, userName, keyID string, status rotation.KeyStatus) error {
	_, err := c.iam.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		UserName:    aws.String(userName),
		AccessKeyId: aws.String(keyID),
		Status:      types.StatusType(status),
	})
	return classifyAWSError("UpdateAccessKey", err)
}

// DeleteAccessKey deletes a key.
func (c *AWSIAMClient) DeleteAccessKey(ctx context.Context, userName, keyID string) error {
	_, err := c.iam.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    aws.String(userName),
		AccessKeyId: aws.String(keyID),
	})
	return classifyAWSError("DeleteAccessKey", err)
}

// SimulatePrincipalPolicy returns the actions principalARN may not perform.
func (c *AWSIAMClient) SimulatePrincipalPolicy(ctx context.Context, principalARN string, actions []string) ([]string, error) {
	input := &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(principalARN),
		ActionNames:     actions,
	}

	var denied []string
	for {
		out, err := c.iam.SimulatePrincipalPolicy(ctx, input)
		if err != nil {
			return nil, classifyAWSError("SimulatePrincipalPolicy", err)
		}
		for _, result := range out.EvaluationResults {
			if result.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
				denied = append(denied, aws.ToString(result.EvalActionName))
			}
		}
		if !out.IsTruncated || out.Marker == nil {
			break
		}
		input.Marker = out.Marker
	}
	sort.Strings(denied)
	return denied, nil
}

func toIAMUser(u *types.User) rotation.IAMUser {
	user := rotation.IAMUser{
		Name: aws.ToString(u.UserName),
		ARN:  aws.ToString(u.Arn),
	}
	if len(u.Tags) > 0 {
		user.Tags = make(map[string]string, len(u.Tags))
		for _, tag := range u.Tags {
			user.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	}
	return user
}

func toIAMTags(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
