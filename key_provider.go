package filecrypt

import (
	"encoding/base64"
	"fmt"
	"os"
)

// KeyProvider supplies root keys to the encrypted filesystem
type KeyProvider interface {
	// RootKey returns the key used to encrypt new files
	RootKey() ([]byte, error)
}

// StaticKeyProvider implements KeyProvider with a raw key held in memory
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider creates a provider for a raw 32-byte key. The key is copied.
func NewStaticKeyProvider(key []byte) (*StaticKeyProvider, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &StaticKeyProvider{key: k}, nil
}

// RootKey returns a copy of the key
func (s *StaticKeyProvider) RootKey() ([]byte, error) {
	k := make([]byte, KeySize)
	copy(k, s.key)
	return k, nil
}

// Wipe clears the held key
func (s *StaticKeyProvider) Wipe() {
	clear(s.key)
}

// PasswordKeyProvider implements KeyProvider by unwrapping a wrapped key
// with a password. Each call pays the full bcrypt cost.
type PasswordKeyProvider struct {
	password string
	wrapped  string
}

// NewPasswordKeyProvider creates a provider for a wrapped key. The wrapped
// key is checked for structure but not unwrapped.
func NewPasswordKeyProvider(password, wrapped string) (*PasswordKeyProvider, error) {
	if _, err := ValidateWrappedKey(wrapped); err != nil {
		return nil, err
	}
	return &PasswordKeyProvider{password: password, wrapped: wrapped}, nil
}

// RootKey unwraps and returns the raw key
func (p *PasswordKeyProvider) RootKey() ([]byte, error) {
	key, err := UnwrapKey(p.password, p.wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap root key: %w", err)
	}
	return key, nil
}

// Rewrap re-wraps the key under a new password and switches the provider to it.
// The new wrapped key is returned for the caller to persist.
func (p *PasswordKeyProvider) Rewrap(newPassword string, workFactor int) (string, error) {
	wrapped, err := RewrapKey(p.password, newPassword, p.wrapped, workFactor)
	if err != nil {
		return "", err
	}
	p.password = newPassword
	p.wrapped = wrapped
	return wrapped, nil
}

// EnvKeyProvider implements KeyProvider using an environment variable
// holding a standard base64 encoded key
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a new environment variable key provider
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// RootKey decodes the key from the environment variable
func (e *EnvKeyProvider) RootKey() ([]byte, error) {
	encoded := os.Getenv(e.envVar)
	if encoded == "" {
		return nil, fmt.Errorf("environment variable %s not set", e.envVar)
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ValidationError{Field: e.envVar, Message: "key is not valid base64", Err: ErrMalformedInput}
	}

	if err := ValidateKey(key, KeySize); err != nil {
		clear(key)
		return nil, fmt.Errorf("key from environment variable %s: %w", e.envVar, err)
	}

	return key, nil
}
