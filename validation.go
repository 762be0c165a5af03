package filecrypt

import (
	"fmt"
)

// Input validation helpers

// ValidateBuffer checks if a buffer is valid (non-nil and has at least minSize bytes)
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return &ValidationError{
			Field:   name,
			Message: "buffer cannot be nil",
			Err:     ErrMalformedInput,
		}
	}
	if minSize > 0 && len(buf) < minSize {
		return &ValidationError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("buffer too small: got %d bytes, need at least %d bytes", len(buf), minSize),
			Err:     ErrMalformedInput,
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKeyLength,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKeyLength,
		}
	}

	return nil
}

// ValidateNonce checks that a stream cipher nonce is NonceSize bytes
func ValidateNonce(nonce []byte) error {
	if len(nonce) != NonceSize {
		return &ValidationError{
			Field:   "nonce",
			Value:   len(nonce),
			Message: fmt.Sprintf("invalid nonce size: got %d bytes, expected %d bytes", len(nonce), NonceSize),
			Err:     ErrMalformedInput,
		}
	}
	return nil
}

// ValidateWorkFactor checks that a bcrypt cost is within the supported range
func ValidateWorkFactor(cost int) error {
	if cost < MinWorkFactor || cost > MaxWorkFactor {
		return &ValidationError{
			Field:   "work_factor",
			Value:   cost,
			Message: fmt.Sprintf("bcrypt cost %d outside [%d, %d]", cost, MinWorkFactor, MaxWorkFactor),
			Err:     ErrMalformedInput,
		}
	}
	return nil
}
