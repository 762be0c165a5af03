package filecrypt

import (
	"time"
)

const (
	// KeySize is the size of a raw file key and of every derived subkey
	KeySize = 32

	// NonceSize is the size of the stream cipher nonce
	NonceSize = 8

	// TokenKeySize is the size of the AES-128 key that signs tokens
	TokenKeySize = 16

	// DefaultWorkFactor is the bcrypt cost used when none is given
	DefaultWorkFactor = 12

	// DefaultTokenExpiry is the lifetime of a token when none is given
	DefaultTokenExpiry = 14 * 24 * time.Hour
)

// WrapParams contains parameters for wrapping a raw key under a password
type WrapParams struct {
	WorkFactor int    // bcrypt cost, used only when Salt is empty (default 12)
	Salt       string // bcrypt salt ("$2b$12$..."); generated when empty
	Nonce      []byte // 8-byte stream cipher nonce; random when nil
}

// StreamParams pins the per-stream randomness of an encrypting adapter.
// Both fields are generated when nil; fixing them is only useful for
// reproducible output in tests.
type StreamParams struct {
	Nonce      []byte // 8-byte stream cipher nonce
	FileSubkey []byte // 32-byte per-file subkey
}

func (p *StreamParams) nonce() []byte {
	if p == nil {
		return nil
	}
	return p.Nonce
}

func (p *StreamParams) fileSubkey() []byte {
	if p == nil {
		return nil
	}
	return p.FileSubkey
}

// Config contains configuration for the encrypted filesystem
type Config struct {
	// KeyProvider supplies the root key for new files and the candidate
	// keys for existing ones
	KeyProvider KeyProvider

	// Parallel controls bulk key rotation
	Parallel ParallelConfig
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeyProvider == nil {
		return ErrNilKeyProvider
	}
	return c.Parallel.Validate()
}
