// Package rollback restores the root secret from a pre-rotation backup when a
// freshly installed key cannot be confirmed, or when an operator asks for it.
package rollback

import (
	"time"

	"github.com/systmms/rootrotate/internal/config"
)

const (
	// DefaultTimeout bounds a single restore attempt.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxRetries is the number of extra attempts after a failed restore.
	DefaultMaxRetries = 2
)

// Config holds configuration for rollback behavior.
type Config struct {
	// Timeout is the maximum time for one restore attempt.
	Timeout time.Duration

	// MaxRetries is the number of times to retry a failed restore.
	MaxRetries int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// ConfigFrom maps the rollback section of rootrotate.yaml.
func ConfigFrom(rc config.RollbackConfig) Config {
	cfg := DefaultConfig()
	if rc.Timeout.Duration > 0 {
		cfg.Timeout = rc.Timeout.Duration
	}
	if rc.MaxRetries != nil {
		cfg.MaxRetries = *rc.MaxRetries
	}
	return cfg
}
