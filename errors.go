package filecrypt

import (
	"errors"
	"fmt"
)

// ValidationError represents a parameter validation error. It is raised before
// any cryptographic work happens.
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value (never key material)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents a failure to set up encryption or decryption
// for a named file
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Path      string // File path, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a failure of the wrapped sink, source or filesystem
type IOError struct {
	Operation string // "read", "write", "open", "close", etc.
	Path      string // File path
	Offset    int64  // Stream offset, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	} else if e.Offset >= 0 {
		return fmt.Sprintf("io error: %s at offset %d: %s", e.Operation, e.Offset, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a truncated or structurally invalid header
type CorruptionError struct {
	Path    string // File path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a failed HMAC or AEAD check. A wrong
// password, a wrong key and a tampered envelope all produce this error.
type AuthenticationError struct {
	Subject string // What failed to authenticate ("wrapped key", "stream header", "token")
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Subject, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	ErrInvalidKeyLength    = errors.New("invalid key length")
	ErrMalformedInput      = errors.New("malformed input")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrUnsupportedVersion  = errors.New("unsupported format version")
	ErrTokenExpired        = errors.New("token expired")
	ErrUninitializedCipher = errors.New("cipher not initialized: stream header incomplete")
	ErrInvalidHeader       = fmt.Errorf("invalid stream header: %w", ErrMalformedInput)
	ErrNilConfig           = errors.New("config cannot be nil")
	ErrNilKeyProvider      = errors.New("key provider cannot be nil")
	ErrUnsupportedMode     = errors.New("operation not supported on an encrypted stream")
)

// NewValidationError creates a new validation error wrapping ErrMalformedInput
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Err:     ErrMalformedInput,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, path string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string, err error) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error wrapping ErrAuthFailed
func NewAuthenticationError(subject, message string) error {
	return &AuthenticationError{
		Subject: subject,
		Message: message,
		Err:     ErrAuthFailed,
	}
}

// asType reports whether err's chain contains a T
func asType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return asType[*ValidationError](err) }

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool { return asType[*EncryptionError](err) }

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool { return asType[*IOError](err) }

// IsCorruptionError checks if an error is a header corruption error
func IsCorruptionError(err error) bool { return asType[*CorruptionError](err) }

// IsAuthenticationError reports whether err is a failed authentication check.
// Callers that only care about the outcome can test errors.Is(err, ErrAuthFailed).
func IsAuthenticationError(err error) bool { return asType[*AuthenticationError](err) }
