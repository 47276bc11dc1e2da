package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// Kind classifies a failure by how the orchestrator must react to it.
type Kind int

const (
	// KindUnknown is an unclassified error. It is treated as fatal.
	KindUnknown Kind = iota
	// KindConfiguration is a wrong platform or missing precondition. Fatal, never retried.
	KindConfiguration
	// KindTransient is rate limiting or eventual-consistency lag. Retried with backoff.
	KindTransient
	// KindPermission is missing IAM or RBAC privilege. Fatal, never retried.
	KindPermission
	// KindNotFound is a missing entity. Callers decide whether that is fatal.
	KindNotFound
	// KindPartialFailure means a subset of components did not converge.
	KindPartialFailure
	// KindInvariant means the run was about to break a safety invariant and halted.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindTransient:
		return "TransientError"
	case KindPermission:
		return "PermissionError"
	case KindNotFound:
		return "NotFound"
	case KindPartialFailure:
		return "PartialFailure"
	case KindInvariant:
		return "InvariantViolation"
	default:
		return "Error"
	}
}

// RotationError is a classified error raised by a rotation step or client call.
type RotationError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *RotationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *RotationError) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &RotationError{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &RotationError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Configuration returns a ConfigurationError.
func Configuration(op string, err error) error { return New(KindConfiguration, op, err) }

// Transient returns a TransientError.
func Transient(op string, err error) error { return New(KindTransient, op, err) }

// Permission returns a PermissionError.
func Permission(op string, err error) error { return New(KindPermission, op, err) }

// NotFound returns a NotFound error.
func NotFound(op string, err error) error { return New(KindNotFound, op, err) }

// Invariant returns an InvariantViolation.
func Invariant(op, format string, args ...interface{}) error {
	return Newf(KindInvariant, op, format, args...)
}

// KindOf returns the kind of the outermost RotationError in err's chain.
// ConfigErrors count as configuration failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *RotationError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ce ConfigError
	if errors.As(err, &ce) {
		return KindConfiguration
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsFatal reports whether err must halt the run immediately.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindPartialFailure, KindNotFound:
		return false
	default:
		return err != nil
	}
}

// IsRetryable checks if an error is retryable. Classified errors are
// retryable only when transient; unclassified errors fall back to
// message matching for network-level failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RotationError
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// SuggestionFor returns a remediation hint for a classified error.
func SuggestionFor(err error) string {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	switch KindOf(err) {
	case KindPermission:
		if strings.Contains(errStr, "iam:") || strings.Contains(errStr, "AccessDenied") {
			return "Check that the AWS profile has iam:*AccessKey*, iam:*User* and iam:*UserPolicy permissions"
		}
		return "Run with a kubeconfig bound to cluster-admin and an AWS profile with IAM administration rights"
	case KindConfiguration:
		return "Verify the cluster runs on AWS with the Cloud Credential Operator in Mint mode and the root secret present"
	case KindTransient:
		return "The API is throttling or still propagating. Re-run the rotation; it resumes safely from discovery"
	case KindInvariant:
		return "The run halted to avoid removing the last usable root key. Inspect the principal's keys before re-running"
	}
	if strings.Contains(errStr, "no such host") || strings.Contains(errStr, "connection refused") {
		return "Unable to connect. Check your network and kubeconfig/AWS configuration"
	}
	return ""
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	var ue UserError
	if errors.As(err, &ue) {
		return err
	}
	var ce ConfigError
	if errors.As(err, &ce) {
		return err
	}

	if suggestion := SuggestionFor(err); suggestion != "" {
		return UserError{
			Message:    err.Error(),
			Suggestion: suggestion,
			Err:        err,
		}
	}

	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}
	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions of the backup directory",
			Err:        err,
		}
	}

	return err
}
