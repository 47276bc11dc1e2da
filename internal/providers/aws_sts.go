package providers

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// STSKeyVerifier confirms a key by calling GetCallerIdentity signed with it.
type STSKeyVerifier struct {
	client STSAPI
}

// NewSTSKeyVerifier creates a verifier. When client is nil one is built from
// cfg; the operator's own credentials in cfg are never used to sign.
func NewSTSKeyVerifier(cfg aws.Config, client STSAPI) *STSKeyVerifier {
	if client == nil {
		client = sts.NewFromConfig(cfg)
	}
	return &STSKeyVerifier{client: client}
}

var _ rotation.KeyVerifier = (*STSKeyVerifier)(nil)

// Confirm returns the ARN the key authenticates as. Authentication failures
// are KindTransient because a new key takes a while to propagate; the caller
// owns the retry loop, so the SDK retryer is off.
func (v *STSKeyVerifier) Confirm(ctx context.Context, key rotation.AccessKey) (string, error) {
	if key.ID == "" || key.Secret == nil {
		return "", rrerrors.Configuration("ConfirmKey", errors.New("key has no secret to sign with"))
	}
	secret, err := key.Secret.String()
	if err != nil {
		return "", rrerrors.New(rrerrors.KindUnknown, "ConfirmKey", err)
	}

	out, err := v.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.Options) {
		o.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(key.ID, secret, ""))
		o.RetryMaxAttempts = 1
	})
	if err != nil {
		return "", classifyConfirmError("ConfirmKey", err)
	}
	return aws.ToString(out.Arn), nil
}
