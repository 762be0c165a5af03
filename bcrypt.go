package filecrypt

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blowfish"
)

// golang.org/x/crypto/bcrypt always draws its own salt, but a wrapped key
// stores the salt and must be re-derived from it, so the bcrypt core is
// assembled here from the same blowfish primitives.

const (
	// MinWorkFactor is the smallest bcrypt cost accepted
	MinWorkFactor = 4

	// MaxWorkFactor is the largest bcrypt cost accepted
	MaxWorkFactor = 31

	// SaltLength is the length of an encoded bcrypt salt: "$2b$" + cost + "$" + 22 chars
	SaltLength = 29

	saltPrefix        = "$2b$"
	rawSaltSize       = 16
	encodedSaltSize   = 22
	encodedDigestSize = 31
)

var bcryptEncoding = base64.NewEncoding("./ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789").WithPadding(base64.NoPadding)

// "OrpheanBeholderScryDoubt"
var magicCipherData = []byte{
	0x4f, 0x72, 0x70, 0x68,
	0x65, 0x61, 0x6e, 0x42,
	0x65, 0x68, 0x6f, 0x6c,
	0x64, 0x65, 0x72, 0x53,
	0x63, 0x72, 0x79, 0x44,
	0x6f, 0x75, 0x62, 0x74,
}

// GenerateSalt returns a fresh "$2b$" bcrypt salt string for the given cost
func GenerateSalt(cost int) (string, error) {
	if err := ValidateWorkFactor(cost); err != nil {
		return "", err
	}

	raw := make([]byte, rawSaltSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	return fmt.Sprintf("%s%02d$%s", saltPrefix, cost, bcryptEncoding.EncodeToString(raw)), nil
}

// parseSalt splits a "$2x$NN$<22 chars>" salt into its cost and raw bytes.
// The 2a, 2b and 2y variants hash identically for inputs under 72 bytes.
func parseSalt(salt string) (prefix string, cost int, raw []byte, err error) {
	if len(salt) != SaltLength {
		return "", 0, nil, &ValidationError{Field: "salt", Value: len(salt), Message: fmt.Sprintf("salt must be %d characters", SaltLength), Err: ErrMalformedInput}
	}
	if salt[0] != '$' || salt[1] != '2' || salt[3] != '$' || salt[6] != '$' {
		return "", 0, nil, &ValidationError{Field: "salt", Message: "not a bcrypt salt", Err: ErrMalformedInput}
	}
	switch salt[2] {
	case 'a', 'b', 'y':
	default:
		return "", 0, nil, &ValidationError{Field: "salt", Value: salt[:4], Message: "unsupported bcrypt variant", Err: ErrMalformedInput}
	}

	cost, err = strconv.Atoi(salt[4:6])
	if err != nil {
		return "", 0, nil, &ValidationError{Field: "salt", Message: "invalid bcrypt cost", Err: ErrMalformedInput}
	}
	if err := ValidateWorkFactor(cost); err != nil {
		return "", 0, nil, err
	}

	raw, err = bcryptEncoding.DecodeString(salt[7:])
	if err != nil || len(raw) != rawSaltSize {
		return "", 0, nil, &ValidationError{Field: "salt", Message: "invalid bcrypt salt encoding", Err: ErrMalformedInput}
	}

	return salt[:4], cost, raw, nil
}

// bcryptHash computes the 60-character bcrypt string of password under salt
func bcryptHash(password []byte, salt string) ([]byte, error) {
	prefix, cost, csalt, err := parseSalt(salt)
	if err != nil {
		return nil, err
	}

	// C implementations include the trailing NUL in the key schedule
	ckey := make([]byte, len(password)+1)
	copy(ckey, password)
	defer clear(ckey)

	c, err := blowfish.NewSaltedCipher(ckey, csalt)
	if err != nil {
		return nil, fmt.Errorf("failed to create blowfish cipher: %w", err)
	}

	rounds := uint64(1) << uint(cost)
	for i := uint64(0); i < rounds; i++ {
		blowfish.ExpandKey(ckey, c)
		blowfish.ExpandKey(csalt, c)
	}

	cipherData := make([]byte, len(magicCipherData))
	copy(cipherData, magicCipherData)
	for i := 0; i < len(cipherData); i += 8 {
		for j := 0; j < 64; j++ {
			c.Encrypt(cipherData[i:i+8], cipherData[i:i+8])
		}
	}

	out := make([]byte, 0, SaltLength+encodedDigestSize)
	out = fmt.Appendf(out, "%s%02d$", prefix, cost)
	out = bcryptEncoding.AppendEncode(out, csalt)
	// Only 23 of the 24 encrypted bytes are encoded, as in every C bcrypt
	out = bcryptEncoding.AppendEncode(out, cipherData[:23])
	return out, nil
}
