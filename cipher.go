package filecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// segmentSize is how many bytes the IETF ChaCha20 block counter covers
// (2^32 blocks of 64 bytes). Past it the 64-bit-nonce construction carries
// into the next counter word, which here is the first word of the IETF nonce.
const segmentSize = uint64(1) << 38

// CipherHandle is a ChaCha20 keystream with an 8-byte nonce and a 64-bit
// block counter. The keystream advances one byte per byte processed, so the
// output never depends on how the input is split across calls.
//
// A CipherHandle is not safe for concurrent use.
type CipherHandle struct {
	key    [KeySize]byte
	nonce  [NonceSize]byte
	stream *chacha20.Cipher
	offset uint64
}

// NewCipherHandle creates a keystream for key and nonce. A nil nonce is
// replaced with NonceSize random bytes.
func NewCipherHandle(key, nonce []byte) (*CipherHandle, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}

	if nonce == nil {
		var err error
		if nonce, err = GenerateNonce(); err != nil {
			return nil, err
		}
	}
	if err := ValidateNonce(nonce); err != nil {
		return nil, err
	}

	c := &CipherHandle{}
	copy(c.key[:], key)
	copy(c.nonce[:], nonce)

	stream, err := c.segmentCipher(0)
	if err != nil {
		return nil, err
	}
	c.stream = stream
	return c, nil
}

func (c *CipherHandle) segmentCipher(segment uint32) (*chacha20.Cipher, error) {
	var iv [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint32(iv[:4], segment)
	copy(iv[4:], c.nonce[:])

	stream, err := chacha20.NewUnauthenticatedCipher(c.key[:], iv[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create chacha20 cipher: %w", err)
	}
	return stream, nil
}

// Nonce returns a copy of the 8-byte nonce
func (c *CipherHandle) Nonce() []byte {
	n := make([]byte, NonceSize)
	copy(n, c.nonce[:])
	return n
}

// Offset returns the number of bytes processed so far
func (c *CipherHandle) Offset() uint64 {
	return c.offset
}

// XORKeyStream XORs src with the keystream into dst. dst and src may overlap
// entirely; dst must be at least as long as src.
func (c *CipherHandle) XORKeyStream(dst, src []byte) {
	for len(src) > 0 {
		n := len(src)
		if room := segmentSize - c.offset%segmentSize; uint64(n) > room {
			n = int(room)
		}

		c.stream.XORKeyStream(dst[:n], src[:n])
		c.offset += uint64(n)
		dst, src = dst[n:], src[n:]

		if c.offset%segmentSize == 0 {
			// key and nonce sizes were validated at construction
			c.stream, _ = c.segmentCipher(uint32(c.offset / segmentSize))
		}
	}
}

// Apply returns buf XORed with the next len(buf) bytes of keystream
func (c *CipherHandle) Apply(buf []byte) []byte {
	out := make([]byte, len(buf))
	c.XORKeyStream(out, buf)
	return out
}

// Wipe clears the key held by the handle. The handle is unusable afterwards.
func (c *CipherHandle) Wipe() {
	clear(c.key[:])
	c.stream = nil
}

func (c *CipherHandle) wiped() bool {
	return c.stream == nil
}

// GenerateNonce generates a random stream cipher nonce
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// GenerateKey generates a random KeySize key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// AESGCMEngine is an AES-GCM AEAD with caller-supplied additional data
type AESGCMEngine struct {
	aead cipher.AEAD
}

// NewAESGCMEngine creates a new AES-GCM engine. The key selects AES-128,
// AES-192 or AES-256.
func NewAESGCMEngine(key []byte) (*AESGCMEngine, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("AES requires a 16, 24 or 32-byte key, got %d bytes", len(key)),
			Err:     ErrInvalidKeyLength,
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMEngine{aead: aead}, nil
}

// Seal encrypts and authenticates plaintext, authenticating ad as well.
// The result is ciphertext followed by the tag.
func (e *AESGCMEngine) Seal(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open verifies and decrypts ciphertext (with trailing tag)
func (e *AESGCMEngine) Open(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// NonceSize returns the nonce size for AES-GCM (12 bytes)
func (e *AESGCMEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *AESGCMEngine) Overhead() int {
	return e.aead.Overhead()
}
