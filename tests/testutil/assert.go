package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertSecretRedacted verifies that a secret value does not appear in
// output and that the [REDACTED] marker does.
//
// Example usage:
//
//	logger.Info("Installing %s", logging.Secret(value))
//	testutil.AssertSecretRedacted(t, logger.GetOutput(), value)
func AssertSecretRedacted(t *testing.T, output, secretValue string) {
	t.Helper()

	assert.NotContains(t, output, secretValue,
		"Secret value %q should be redacted, but appears in output", secretValue)
	assert.Contains(t, output, "[REDACTED]",
		"Expected [REDACTED] marker when secret is used")
}

// AssertNoSecrets verifies that none of the secret values appear in output.
// Use it where secrets are never formatted at all, such as reports and
// webhook payloads.
func AssertNoSecrets(t *testing.T, output string, secrets ...string) {
	t.Helper()

	for _, secret := range secrets {
		assert.NotContains(t, output, secret, "Secret value %q leaked into output", secret)
	}
}

// AssertFileMode verifies that path exists with exactly the given
// permission bits.
func AssertFileMode(t *testing.T, path string, mode os.FileMode) {
	t.Helper()

	info, err := os.Stat(path)
	require.NoError(t, err, "File should exist: %s", path)
	assert.Equal(t, mode, info.Mode().Perm(), "Unexpected permissions on %s", path)
}
