// Package filecrypt provides password-based key wrapping, transparent stream
// encryption and compact signed tokens for a file storage service.
//
// # Overview
//
// A user owns a random 256-bit root key. At rest the key is kept as a
// wrapped key: a 135-character string that encrypts it under a password. The
// raw key encrypts file contents through four stream adapters, and a separate
// 16-byte key signs share tokens.
//
// # Key Wrapping
//
//	wrapped, err := filecrypt.NewWrappedKey("hunter2", filecrypt.WrapParams{})
//	key, err := filecrypt.UnwrapKey("hunter2", wrapped)
//	wrapped, err = filecrypt.RewrapKey("hunter2", "correct horse", wrapped, filecrypt.DefaultWorkFactor)
//
// The password is hashed with SHA-256, stretched with bcrypt ($2b$, cost 12
// by default) and the SHA-512 of the bcrypt string is split into an
// HMAC-SHA256 key and a ChaCha20 key. The envelope is encrypt-then-MAC:
// the HMAC is checked before anything is decrypted, and a wrong password is
// indistinguishable from a modified envelope. Rewrapping changes only the
// envelope, never the key.
//
// # Streams
//
// Every encrypted stream starts with an 80-byte header:
//
//	"EYUE" | version (uint32 LE) | nonce (8) | file subkey (32) | HMAC-SHA256 (32)
//
// Each stream gets a fresh random subkey. SHA-512(root key || subkey) gives
// the stream's ChaCha20 key and HMAC key, so a holder of the root key can
// confirm from the header alone that it has the right key.
//
//	w, err := filecrypt.NewEncryptWriter(dst, key, nil)   // header written now
//	r, err := filecrypt.NewEncryptReader(src, key, nil)   // header read first
//	r, err := filecrypt.NewDecryptReader(src, key)        // header checked now
//	w, err := filecrypt.NewDecryptWriter(dst, key)        // header checked at byte 80
//
// Output is identical however the data is split into reads and writes.
// The payload itself is not authenticated; only the key is confirmed.
//
// # Tokens
//
//	codec, err := filecrypt.NewTokenCodec(tokenKey)
//	token, err := codec.Generate("8d5d6b4a-5b7e-4a3a-9f0e-5c2d1e0f9a11", 0)
//	id, err := codec.Verify(token)
//
// A token is 50 characters of base64 ('+' and '-' as the last two symbols)
// holding a version, a 3-byte expiry with 256-second resolution and an
// AES-128-GCM sealed UUID.
//
// # Filesystem
//
// EncryptFS wraps any absfs.FileSystem so that files are written through an
// EncryptWriter and read through a DecryptReader. Files are sequential
// streams: no seeking, appending or read-write access. MultiKeyProvider and
// ReEncrypt/RotateAll support moving files to a new root key.
//
// # Security Considerations
//
// Not Protected Against:
//   - Modification of ciphertext after the header
//   - A compromised server process
//   - Loss of the wrapped key
//
// Key buffers are cleared once they are no longer needed, but Go offers no
// guarantee that copies do not remain elsewhere in memory.
package filecrypt
