package filecrypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream header layout (80 bytes):
//
//	magic "EYUE"(4) | version uint32 LE(4) | nonce(8) | file subkey(32) | HMAC-SHA256(32)
//
// The HMAC covers everything before it and is keyed with the MAC half of
// SHA-512(root key || file subkey).
const (
	// HeaderMagic identifies encrypted streams
	HeaderMagic = "EYUE"

	// HeaderVersion is the current stream header version
	HeaderVersion = uint32(1)

	// HeaderSize is the size of the stream header in bytes
	HeaderSize = 80

	tagSize = 8
	macSize = sha256.Size
)

// StreamHeader is the parsed form of the header prefixed to every encrypted stream
type StreamHeader struct {
	Version    uint32
	Nonce      [NonceSize]byte
	FileSubkey [KeySize]byte
	MAC        [macSize]byte
}

// BuildHeader creates a header binding a per-file subkey to rootKey and
// returns it with the encrypting cipher. nonce and fileSubkey are generated
// when nil.
func BuildHeader(rootKey, nonce, fileSubkey []byte) (*CipherHandle, *StreamHeader, error) {
	if err := ValidateKey(rootKey, KeySize); err != nil {
		return nil, nil, err
	}

	if fileSubkey == nil {
		fileSubkey = make([]byte, KeySize)
		if _, err := rand.Read(fileSubkey); err != nil {
			return nil, nil, fmt.Errorf("failed to generate file subkey: %w", err)
		}
	}
	if err := ValidateKey(fileSubkey, KeySize); err != nil {
		return nil, nil, err
	}

	cipherKey, macKey := deriveStreamKeys(rootKey, fileSubkey)
	defer clear(cipherKey)
	defer clear(macKey)

	c, err := NewCipherHandle(cipherKey, nonce)
	if err != nil {
		return nil, nil, err
	}

	h := &StreamHeader{Version: HeaderVersion}
	copy(h.Nonce[:], c.Nonce())
	copy(h.FileSubkey[:], fileSubkey)
	copy(h.MAC[:], h.computeMAC(macKey))

	return c, h, nil
}

// OpenHeader authenticates an encoded header against rootKey and returns the
// decrypting cipher. Only the first HeaderSize bytes of header are used. A
// wrong root key or a modified header fails with ErrAuthFailed before any
// cipher is constructed. A header shorter than HeaderSize is ErrMalformedInput.
func OpenHeader(rootKey, header []byte) (*CipherHandle, error) {
	if err := ValidateKey(rootKey, KeySize); err != nil {
		return nil, err
	}

	h, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}

	return h.Open(rootKey)
}

// Open authenticates the header against rootKey and returns the decrypting cipher
func (h *StreamHeader) Open(rootKey []byte) (*CipherHandle, error) {
	if err := ValidateKey(rootKey, KeySize); err != nil {
		return nil, err
	}

	cipherKey, macKey := deriveStreamKeys(rootKey, h.FileSubkey[:])
	defer clear(cipherKey)
	defer clear(macKey)

	if !hmac.Equal(h.computeMAC(macKey), h.MAC[:]) {
		return nil, NewAuthenticationError("stream header", "wrong key or corrupted header")
	}

	return NewCipherHandle(cipherKey, h.Nonce[:])
}

// Authenticates reports whether rootKey is the key this header was built with
func (h *StreamHeader) Authenticates(rootKey []byte) bool {
	if len(rootKey) != KeySize {
		return false
	}
	cipherKey, macKey := deriveStreamKeys(rootKey, h.FileSubkey[:])
	defer clear(cipherKey)
	defer clear(macKey)
	return hmac.Equal(h.computeMAC(macKey), h.MAC[:])
}

func (h *StreamHeader) tag() []byte {
	t := make([]byte, tagSize)
	copy(t, HeaderMagic)
	binary.LittleEndian.PutUint32(t[len(HeaderMagic):], h.Version)
	return t
}

func (h *StreamHeader) computeMAC(macKey []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(h.tag())
	m.Write(h.Nonce[:])
	m.Write(h.FileSubkey[:])
	return m.Sum(nil)
}

// Bytes returns the 80-byte encoding of the header
func (h *StreamHeader) Bytes() []byte {
	b := make([]byte, 0, HeaderSize)
	b = append(b, h.tag()...)
	b = append(b, h.Nonce[:]...)
	b = append(b, h.FileSubkey[:]...)
	b = append(b, h.MAC[:]...)
	return b
}

// WriteTo writes the header to the given writer
func (h *StreamHeader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.Bytes())
	if err == nil && n != HeaderSize {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// ReadFrom reads exactly HeaderSize bytes from r and parses them
func (h *StreamHeader) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return int64(n), NewCorruptionError("", fmt.Sprintf("stream header truncated at %d bytes", n), ErrInvalidHeader)
		}
		return int64(n), NewIOError("read", "", err)
	}

	parsed, err := ParseHeader(buf)
	if err != nil {
		return int64(n), err
	}
	*h = *parsed
	return int64(n), nil
}

// ParseHeader decodes the first HeaderSize bytes of b. It checks the
// structure only; use Open to authenticate. The magic and version are part
// of the authenticated tag, so a mismatch in either also matches ErrAuthFailed.
func ParseHeader(b []byte) (*StreamHeader, error) {
	if err := ValidateBuffer(b, "header", HeaderSize); err != nil {
		return nil, err
	}

	if string(b[:len(HeaderMagic)]) != HeaderMagic {
		return nil, NewCorruptionError("", "bad magic", errors.Join(ErrInvalidHeader, ErrAuthFailed))
	}

	h := &StreamHeader{Version: binary.LittleEndian.Uint32(b[len(HeaderMagic):tagSize])}
	if h.Version != HeaderVersion {
		return nil, fmt.Errorf("stream header version %d: %w (%w)", h.Version, ErrUnsupportedVersion, ErrAuthFailed)
	}

	off := tagSize
	off += copy(h.Nonce[:], b[off:])
	off += copy(h.FileSubkey[:], b[off:])
	copy(h.MAC[:], b[off:HeaderSize])

	return h, nil
}
