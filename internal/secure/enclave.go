package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a destroyed SecretKey is used.
var ErrDestroyed = errors.New("secret key has been destroyed")

// SecretKey holds the secret half of an access key inside a memguard
// enclave. The plaintext only exists inside Use callbacks.
type SecretKey struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// NewSecretKey seals value into an enclave. memguard wipes the source
// slice, so callers must not reuse it.
func NewSecretKey(value []byte) (*SecretKey, error) {
	if len(value) == 0 {
		return nil, errors.New("secret key is empty")
	}
	return &SecretKey{enclave: memguard.NewEnclave(value)}, nil
}

// NewSecretKeyFromString seals a string copy of value.
func NewSecretKeyFromString(value string) (*SecretKey, error) {
	return NewSecretKey([]byte(value))
}

// Use decrypts the secret for the duration of fn. The slice passed to fn
// is wiped when fn returns and must not be retained.
func (s *SecretKey) Use(fn func(secret []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed || s.enclave == nil {
		return ErrDestroyed
	}

	locked, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// String reveals the secret as an immutable string. Only the Kubernetes
// and STS clients need this, because their APIs take strings.
func (s *SecretKey) String() (string, error) {
	var out string
	err := s.Use(func(secret []byte) error {
		out = string(secret)
		return nil
	})
	return out, err
}

// Destroy drops the enclave. It is safe to call more than once.
func (s *SecretKey) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
	s.destroyed = true
}
