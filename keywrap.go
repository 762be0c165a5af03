package filecrypt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// Wrapped key layout, colon separated:
//
//	version(2) : bcrypt salt(29) : base64 nonce(12) : base64 ciphertext(44) : base64 hmac(44)
//
// The HMAC covers the first four fields, each prefixed with its length as a
// little-endian uint32.
const (
	// WrappedKeyLength is the exact length of a wrapped key string
	WrappedKeyLength = 135

	// WrapVersion is the version tag of the wrapped key format
	WrapVersion = "01"

	wrapFieldCount = 5
	wrapSeparator  = ":"
)

var wrapFieldLengths = [wrapFieldCount]int{len(WrapVersion), SaltLength, 12, 44, 44}

// WrapKey encrypts a 32-byte raw key under password and returns the wrapped
// key string. Empty Salt and nil Nonce in params are generated.
func WrapKey(password string, rawKey []byte, params WrapParams) (string, error) {
	if err := ValidateKey(rawKey, KeySize); err != nil {
		return "", err
	}

	salt := params.Salt
	if salt == "" {
		cost := params.WorkFactor
		if cost == 0 {
			cost = DefaultWorkFactor
		}
		var err error
		if salt, err = GenerateSalt(cost); err != nil {
			return "", err
		}
	} else if !strings.HasPrefix(salt, saltPrefix) {
		return "", &ValidationError{Field: "salt", Message: "salt must start with " + saltPrefix, Err: ErrMalformedInput}
	}

	macKey, cipherKey, err := derivePasswordKeys(password, salt)
	if err != nil {
		return "", err
	}
	defer clear(macKey)
	defer clear(cipherKey)

	c, err := NewCipherHandle(cipherKey, params.Nonce)
	if err != nil {
		return "", err
	}
	defer c.Wipe()

	b64nonce := base64.StdEncoding.EncodeToString(c.Nonce())
	b64ciphertext := base64.StdEncoding.EncodeToString(c.Apply(rawKey))
	mac := envelopeMAC(macKey, WrapVersion, salt, b64nonce, b64ciphertext)

	return strings.Join([]string{
		WrapVersion,
		salt,
		b64nonce,
		b64ciphertext,
		base64.StdEncoding.EncodeToString(mac),
	}, wrapSeparator), nil
}

// NewWrappedKey generates a random raw key and wraps it under password
func NewWrappedKey(password string, params WrapParams) (string, error) {
	rawKey, err := GenerateKey()
	if err != nil {
		return "", err
	}
	defer clear(rawKey)

	return WrapKey(password, rawKey, params)
}

// UnwrapKey recovers the raw key from a wrapped key string. A wrong password
// and a modified envelope both fail with ErrAuthFailed; nothing is decrypted
// until the HMAC has been verified.
func UnwrapKey(password, wrapped string) ([]byte, error) {
	if _, err := ValidateWrappedKey(wrapped); err != nil {
		return nil, err
	}

	parts := strings.Split(wrapped, wrapSeparator)
	version, salt, b64nonce, b64ciphertext, b64mac := parts[0], parts[1], parts[2], parts[3], parts[4]
	if version != WrapVersion {
		return nil, fmt.Errorf("wrapped key version %q: %w", version, ErrUnsupportedVersion)
	}

	nonce, err := base64.StdEncoding.DecodeString(b64nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, &ValidationError{Field: "nonce", Message: "invalid nonce encoding", Err: ErrMalformedInput}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(b64ciphertext)
	if err != nil || len(ciphertext) != KeySize {
		return nil, &ValidationError{Field: "ciphertext", Message: "invalid ciphertext encoding", Err: ErrMalformedInput}
	}
	mac, err := base64.StdEncoding.DecodeString(b64mac)
	if err != nil || len(mac) != sha256.Size {
		return nil, &ValidationError{Field: "mac", Message: "invalid mac encoding", Err: ErrMalformedInput}
	}

	macKey, cipherKey, err := derivePasswordKeys(password, salt)
	if err != nil {
		return nil, err
	}
	defer clear(macKey)
	defer clear(cipherKey)

	expected := envelopeMAC(macKey, version, salt, b64nonce, b64ciphertext)
	if !hmac.Equal(expected, mac) {
		return nil, NewAuthenticationError("wrapped key", "invalid password or modified envelope")
	}

	c, err := NewCipherHandle(cipherKey, nonce)
	if err != nil {
		return nil, err
	}
	defer c.Wipe()

	return c.Apply(ciphertext), nil
}

// RewrapKey re-wraps the key under newPassword with a fresh salt and nonce.
// The raw key itself does not change, so data encrypted with it stays readable.
func RewrapKey(oldPassword, newPassword, wrapped string, workFactor int) (string, error) {
	rawKey, err := UnwrapKey(oldPassword, wrapped)
	if err != nil {
		return "", err
	}
	defer clear(rawKey)

	return WrapKey(newPassword, rawKey, WrapParams{WorkFactor: workFactor})
}

// ValidateWrappedKey checks the structure of a wrapped key without
// attempting to decrypt it, returning the key unchanged when it is well formed.
func ValidateWrappedKey(wrapped string) (string, error) {
	if len(wrapped) != WrappedKeyLength {
		return "", &ValidationError{
			Field:   "wrapped_key",
			Value:   len(wrapped),
			Message: fmt.Sprintf("expected %d characters, got %d", WrappedKeyLength, len(wrapped)),
			Err:     ErrMalformedInput,
		}
	}

	for i := 0; i < len(wrapped); i++ {
		if !isWrapAlphabet(wrapped[i]) {
			return "", &ValidationError{
				Field:   "wrapped_key",
				Value:   i,
				Message: fmt.Sprintf("invalid character at position %d", i),
				Err:     ErrMalformedInput,
			}
		}
	}

	parts := strings.Split(wrapped, wrapSeparator)
	if len(parts) != wrapFieldCount {
		return "", &ValidationError{
			Field:   "wrapped_key",
			Value:   len(parts),
			Message: fmt.Sprintf("expected %d fields, got %d", wrapFieldCount, len(parts)),
			Err:     ErrMalformedInput,
		}
	}

	for i, part := range parts {
		if len(part) != wrapFieldLengths[i] {
			return "", &ValidationError{
				Field:   "wrapped_key",
				Value:   i,
				Message: fmt.Sprintf("field %d: expected %d characters, got %d", i, wrapFieldLengths[i], len(part)),
				Err:     ErrMalformedInput,
			}
		}
	}

	if !strings.HasPrefix(parts[1], saltPrefix) {
		return "", &ValidationError{
			Field:   "wrapped_key",
			Message: "salt must start with " + saltPrefix,
			Err:     ErrMalformedInput,
		}
	}

	return wrapped, nil
}

func isWrapAlphabet(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	return strings.IndexByte(".:=/+$", b) >= 0
}

// envelopeMAC is HMAC-SHA256 over length-prefixed fields
func envelopeMAC(key []byte, fields ...string) []byte {
	m := hmac.New(sha256.New, key)
	var n [4]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint32(n[:], uint32(len(f)))
		m.Write(n[:])
		m.Write([]byte(f))
	}
	return m.Sum(nil)
}
