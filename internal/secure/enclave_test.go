package secure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretKey_UseRoundTrip(t *testing.T) {
	t.Parallel()

	src := []byte("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY")
	key, err := NewSecretKey(src)
	require.NoError(t, err)
	defer key.Destroy()

	var seen string
	require.NoError(t, key.Use(func(secret []byte) error {
		seen = string(secret)
		return nil
	}))
	assert.Equal(t, "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY", seen)

	str, err := key.String()
	require.NoError(t, err)
	assert.Equal(t, seen, str)
}

func TestSecretKey_SourceIsWiped(t *testing.T) {
	t.Parallel()

	src := []byte("source-secret-value")
	key, err := NewSecretKey(src)
	require.NoError(t, err)
	defer key.Destroy()

	for _, b := range src {
		assert.Equal(t, byte(0), b)
	}
}

func TestSecretKey_Empty(t *testing.T) {
	t.Parallel()

	_, err := NewSecretKey(nil)
	require.Error(t, err)
}

func TestSecretKey_UseAfterDestroy(t *testing.T) {
	t.Parallel()

	key, err := NewSecretKeyFromString("value-to-destroy")
	require.NoError(t, err)

	key.Destroy()
	key.Destroy()

	err = key.Use(func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrDestroyed)

	var nilKey *SecretKey
	assert.NotPanics(t, nilKey.Destroy)
}

func TestSecretKey_CallbackErrorPropagates(t *testing.T) {
	t.Parallel()

	key, err := NewSecretKeyFromString("value")
	require.NoError(t, err)
	defer key.Destroy()

	boom := errors.New("boom")
	assert.ErrorIs(t, key.Use(func([]byte) error { return boom }), boom)
}
