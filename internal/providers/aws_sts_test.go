package providers_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/providers"
	"github.com/systmms/rootrotate/internal/secure"
	"github.com/systmms/rootrotate/pkg/rotation"
	"github.com/systmms/rootrotate/tests/fakes"
)

func mintedKey(t *testing.T, id string) rotation.AccessKey {
	t.Helper()
	secret, err := secure.NewSecretKeyFromString("secret-" + id)
	require.NoError(t, err)
	return rotation.AccessKey{ID: id, Secret: secret, Status: rotation.KeyActive}
}

func TestSTSKeyVerifier_ConfirmsWithTheKeyItself(t *testing.T) {
	t.Parallel()
	stsSDK := fakes.NewFakeSTSSDK()
	stsSDK.Identities["AKIANEW"] = fakes.UserARN(principal)

	arn, err := providers.NewSTSKeyVerifier(aws.Config{}, stsSDK).Confirm(context.Background(), mintedKey(t, "AKIANEW"))
	require.NoError(t, err)
	assert.Equal(t, fakes.UserARN(principal), arn)

	require.Len(t, stsSDK.Options, 1)
	assert.NotNil(t, stsSDK.Options[0].Credentials)
	assert.Equal(t, 1, stsSDK.Options[0].RetryMaxAttempts)
}

func TestSTSKeyVerifier_UnpropagatedKeyIsTransient(t *testing.T) {
	t.Parallel()
	stsSDK := fakes.NewFakeSTSSDK()
	stsSDK.Identities["AKIANEW"] = fakes.UserARN(principal)
	stsSDK.RejectFirst = 1
	v := providers.NewSTSKeyVerifier(aws.Config{}, stsSDK)
	key := mintedKey(t, "AKIANEW")

	_, err := v.Confirm(context.Background(), key)
	require.Error(t, err)
	assert.True(t, rrerrors.Is(err, rrerrors.KindTransient))
	assert.True(t, rrerrors.IsRetryable(err))

	arn, err := v.Confirm(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, fakes.UserARN(principal), arn)
}

func TestSTSKeyVerifier_ConfirmErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      string
		kind      rrerrors.Kind
		retryable bool
	}{
		{"AccessDenied", rrerrors.KindTransient, true},
		{"InvalidClientTokenId", rrerrors.KindTransient, true},
		{"SignatureDoesNotMatch", rrerrors.KindTransient, true},
		{"Throttling", rrerrors.KindTransient, true},
		{"ExpiredToken", rrerrors.KindPermission, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			stsSDK := fakes.NewFakeSTSSDK()
			stsSDK.Errors["GetCallerIdentity"] = &smithy.GenericAPIError{Code: tt.code}

			_, err := providers.NewSTSKeyVerifier(aws.Config{}, stsSDK).Confirm(context.Background(), mintedKey(t, "AKIANEW"))
			require.Error(t, err)
			assert.True(t, rrerrors.Is(err, tt.kind), "kind of %s", tt.code)
			assert.Equal(t, tt.retryable, rrerrors.IsRetryable(err))
		})
	}
}

func TestSTSKeyVerifier_RequiresSecret(t *testing.T) {
	t.Parallel()
	stsSDK := fakes.NewFakeSTSSDK()

	_, err := providers.NewSTSKeyVerifier(aws.Config{}, stsSDK).Confirm(context.Background(), rotation.AccessKey{ID: "AKIALISTED"})
	require.Error(t, err)
	assert.True(t, rrerrors.Is(err, rrerrors.KindConfiguration))
	assert.Zero(t, stsSDK.Calls)
}

func TestSTSKeyVerifier_DestroyedSecret(t *testing.T) {
	t.Parallel()
	stsSDK := fakes.NewFakeSTSSDK()
	key := mintedKey(t, "AKIANEW")
	key.Secret.Destroy()

	_, err := providers.NewSTSKeyVerifier(aws.Config{}, stsSDK).Confirm(context.Background(), key)
	require.ErrorIs(t, err, secure.ErrDestroyed)
	assert.Zero(t, stsSDK.Calls)
}
