package providers

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
)

// AWS error codes, grouped by how a rotation reacts to them.
var (
	awsNotFoundCodes = map[string]bool{
		"NoSuchEntity":              true,
		"ResourceNotFoundException": true,
	}
	awsTransientCodes = map[string]bool{
		"Throttling":                             true,
		"ThrottlingException":                    true,
		"RequestLimitExceeded":                   true,
		"TooManyRequestsException":               true,
		"ServiceUnavailable":                     true,
		"ServiceFailure":                         true,
		"InternalFailure":                        true,
		"RequestTimeout":                         true,
		"ConcurrentModification":                 true,
		"IDPCommunicationError":                  true,
		"PriorRequestNotComplete":                true,
		"RequestTimeTooSkewed":                   true,
		"EC2ThrottledException":                  true,
		"ProvisionedThroughputExceededException": true,
	}
	awsPermissionCodes = map[string]bool{
		"AccessDenied":                true,
		"AccessDeniedException":       true,
		"UnauthorizedOperation":       true,
		"ExpiredToken":                true,
		"ExpiredTokenException":       true,
		"InvalidClientTokenId":        true,
		"SignatureDoesNotMatch":       true,
		"UnrecognizedClientException": true,
	}
	awsConfigurationCodes = map[string]bool{
		"LimitExceeded":           true,
		"EntityAlreadyExists":     true,
		"MalformedPolicyDocument": true,
		"InvalidInput":            true,
		"ValidationError":         true,
	}

	// Codes a freshly minted key returns until IAM has propagated it.
	awsPropagationCodes = map[string]bool{
		"InvalidClientTokenId":  true,
		"SignatureDoesNotMatch": true,
		"AuthFailure":           true,
		"AccessDenied":          true,
	}
)

// classifyAWSError maps an AWS SDK error onto a rotation error kind.
// Unrecognized errors are wrapped unclassified so that network failures
// still match the retryable message patterns.
func classifyAWSError(op string, err error) error {
	if err == nil {
		return nil
	}

	var noSuchEntity *types.NoSuchEntityException
	if errors.As(err, &noSuchEntity) {
		return rrerrors.NotFound(op, err)
	}
	var limit *types.LimitExceededException
	if errors.As(err, &limit) {
		return rrerrors.Configuration(op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case awsNotFoundCodes[code]:
			return rrerrors.NotFound(op, err)
		case awsTransientCodes[code]:
			return rrerrors.Transient(op, err)
		case awsPermissionCodes[code]:
			return rrerrors.Permission(op, err)
		case awsConfigurationCodes[code]:
			return rrerrors.Configuration(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// classifyConfirmError is classifyAWSError for calls signed with a key
// minted moments ago: authentication failures are propagation lag.
func classifyConfirmError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && awsPropagationCodes[apiErr.ErrorCode()] {
		return rrerrors.Transient(op, err)
	}
	return classifyAWSError(op, err)
}

// classifyKubeError maps a Kubernetes API error onto a rotation error kind.
func classifyKubeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return rrerrors.NotFound(op, err)
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return rrerrors.Permission(op, err)
	case apierrors.IsConflict(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return rrerrors.Transient(op, err)
	case meta.IsNoMatchError(err):
		return rrerrors.Configuration(op, fmt.Errorf("resource type not served by this cluster: %w", err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
