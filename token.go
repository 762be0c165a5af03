package filecrypt

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Token layout before encoding (37 bytes):
//
//	version(1) | expiry(3, big endian) | random(1) | AES-GCM ciphertext(16) | tag(16)
//
// The GCM nonce is the first five bytes padded with seven zero bytes and is
// also passed as additional data. Expiry counts 256-second buckets since
// TokenEpoch, so 24 bits cover roughly 136 years.
const (
	// TokenLength is the length of an encoded token
	TokenLength = 50

	// TokenVersion is the current token format version
	TokenVersion = 1

	tokenRawSize    = 37
	tokenHeaderSize = 5
	tokenIDSize     = 16
	expiryShift     = 8
	maxPackedExpiry = 1<<24 - 1
)

// TokenEpoch is the origin of token expiry timestamps
var TokenEpoch = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

// tokenEncoding is standard base64 with '-' in place of '/' and no padding
var tokenEncoding = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-").WithPadding(base64.NoPadding)

// TokenCodec issues and verifies signed, expiring tokens carrying a UUID.
// It is safe for concurrent use.
type TokenCodec struct {
	engine *AESGCMEngine
	rand   io.Reader
	now    func() time.Time
}

// NewTokenCodec creates a token codec for a 16-byte signing key
func NewTokenCodec(key []byte) (*TokenCodec, error) {
	if err := ValidateKey(key, TokenKeySize); err != nil {
		return nil, err
	}

	engine, err := NewAESGCMEngine(key)
	if err != nil {
		return nil, err
	}

	return &TokenCodec{engine: engine, rand: rand.Reader, now: time.Now}, nil
}

// Generate issues a token for id that expires after expiry. A zero expiry
// means DefaultTokenExpiry.
func (c *TokenCodec) Generate(id string, expiry time.Duration) (string, error) {
	return c.GenerateAt(id, expiry, c.now())
}

// GenerateAt issues a token for id as if the current time were now
func (c *TokenCodec) GenerateAt(id string, expiry time.Duration, now time.Time) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", &ValidationError{Field: "id", Message: "not a UUID", Err: ErrMalformedInput}
	}
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}

	packed, err := packExpiry(now.Unix() + int64(expiry/time.Second))
	if err != nil {
		return "", err
	}

	header := make([]byte, tokenHeaderSize)
	header[0] = TokenVersion
	copy(header[1:4], packed[:])
	if _, err := io.ReadFull(c.rand, header[4:5]); err != nil {
		return "", fmt.Errorf("failed to generate token randomness: %w", err)
	}

	nonce := tokenNonce(header)
	sealed, err := c.engine.Seal(nonce, u[:], nonce)
	if err != nil {
		return "", err
	}

	data := make([]byte, 0, tokenRawSize)
	data = append(data, header...)
	data = append(data, sealed...)
	return tokenEncoding.EncodeToString(data), nil
}

// Verify checks a token and returns the UUID it carries
func (c *TokenCodec) Verify(token string) (string, error) {
	return c.VerifyAt(token, c.now())
}

// VerifyAt checks a token as if the current time were now. Failures are
// ErrMalformedInput, ErrUnsupportedVersion, ErrTokenExpired or ErrAuthFailed,
// checked in that order.
func (c *TokenCodec) VerifyAt(token string, now time.Time) (string, error) {
	if len(token) != TokenLength {
		return "", &ValidationError{
			Field:   "token",
			Value:   len(token),
			Message: fmt.Sprintf("expected %d characters, got %d", TokenLength, len(token)),
			Err:     ErrMalformedInput,
		}
	}

	data, err := tokenEncoding.DecodeString(token)
	if err != nil || len(data) != tokenRawSize {
		return "", &ValidationError{Field: "token", Message: "invalid token encoding", Err: ErrMalformedInput}
	}

	if data[0] != TokenVersion {
		return "", fmt.Errorf("token version %d: %w", data[0], ErrUnsupportedVersion)
	}

	var packed [3]byte
	copy(packed[:], data[1:4])
	if expires := unpackExpiry(packed); expires < now.Unix() {
		return "", ErrTokenExpired
	}

	nonce := tokenNonce(data[:tokenHeaderSize])
	id, err := c.engine.Open(nonce, data[tokenHeaderSize:], nonce)
	if err != nil {
		return "", NewAuthenticationError("token", "signature mismatch")
	}

	u, err := uuid.FromBytes(id)
	if err != nil {
		return "", &ValidationError{Field: "token", Message: "payload is not a UUID", Err: ErrMalformedInput}
	}
	return u.String(), nil
}

// Expiry returns the expiry time encoded in a token without verifying it
func Expiry(token string) (time.Time, error) {
	data, err := tokenEncoding.DecodeString(token)
	if err != nil || len(data) != tokenRawSize {
		return time.Time{}, &ValidationError{Field: "token", Message: "invalid token encoding", Err: ErrMalformedInput}
	}
	var packed [3]byte
	copy(packed[:], data[1:4])
	return time.Unix(unpackExpiry(packed), 0).UTC(), nil
}

func tokenNonce(header []byte) []byte {
	nonce := make([]byte, 12)
	copy(nonce, header[:tokenHeaderSize])
	return nonce
}

// packExpiry quantizes a unix timestamp into a 3-byte big-endian bucket count
func packExpiry(ts int64) ([3]byte, error) {
	var b [3]byte
	v := (ts - TokenEpoch.Unix()) >> expiryShift
	if v < 0 || v > maxPackedExpiry {
		return b, &ValidationError{Field: "expiry", Value: ts, Message: "expiry outside the representable range", Err: ErrMalformedInput}
	}
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
	return b, nil
}

// unpackExpiry is the inverse of packExpiry, rounded down to the bucket start
func unpackExpiry(b [3]byte) int64 {
	v := int64(b[0])<<16 | int64(b[1])<<8 | int64(b[2])
	return v<<expiryShift + TokenEpoch.Unix()
}
