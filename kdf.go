package filecrypt

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// sha256Digest hashes the concatenation of parts
func sha256Digest(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// sha512Digest hashes the concatenation of parts
func sha512Digest(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// derivePasswordKeys stretches a password through bcrypt and splits the
// SHA-512 of the result into an HMAC key and a cipher key.
//
// The password is pre-hashed and base64 encoded so that bcrypt never sees
// more than 44 bytes or an embedded NUL.
func derivePasswordKeys(password, salt string) (macKey, cipherKey []byte, err error) {
	pw := sha256Digest([]byte(password))
	digest := make([]byte, base64.StdEncoding.EncodedLen(len(pw)))
	base64.StdEncoding.Encode(digest, pw)
	defer clear(pw)
	defer clear(digest)

	hashed, err := bcryptHash(digest, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive password key: %w", err)
	}
	defer clear(hashed)

	k := sha512Digest(hashed)
	return k[:KeySize], k[KeySize:], nil
}

// deriveStreamKeys binds a per-file subkey to a root key. Distinct files get
// distinct cipher keys, and the MAC key never doubles as a cipher key.
func deriveStreamKeys(rootKey, fileSubkey []byte) (cipherKey, macKey []byte) {
	d := sha512Digest(rootKey, fileSubkey)
	return d[:KeySize], d[KeySize:]
}
