package filecrypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// MultiKeyProvider holds several root keys during a key migration. The first
// provider encrypts new files; all of them are tried when opening existing
// ones. The stream header identifies the matching key without decrypting.
type MultiKeyProvider struct {
	providers []KeyProvider
	primary   KeyProvider
}

// NewMultiKeyProvider creates a new multi-key provider
// The first provider is used for new encryptions, others for decryption fallback
func NewMultiKeyProvider(providers ...KeyProvider) (*MultiKeyProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one key provider required")
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("key provider %d: %w", i, ErrNilKeyProvider)
		}
	}

	return &MultiKeyProvider{
		providers: providers,
		primary:   providers[0],
	}, nil
}

// RootKey uses the primary provider
func (m *MultiKeyProvider) RootKey() ([]byte, error) {
	return m.primary.RootKey()
}

// OpenHeader returns the decrypting cipher for the first provider whose key
// authenticates h. Providers that fail to produce a key are skipped.
func (m *MultiKeyProvider) OpenHeader(h *StreamHeader) (*CipherHandle, error) {
	var lastErr error
	for _, provider := range m.providers {
		key, err := provider.RootKey()
		if err != nil {
			lastErr = err
			continue
		}

		if h.Authenticates(key) {
			c, err := h.Open(key)
			clear(key)
			return c, err
		}
		clear(key)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w (last provider error: %v)", NewAuthenticationError("stream header", "no matching key"), lastErr)
	}
	return nil, NewAuthenticationError("stream header", "no matching key")
}

// KeyRotationOptions contains options for key rotation operations
type KeyRotationOptions struct {
	// NewKeyProvider is the key provider to use for re-encryption
	NewKeyProvider KeyProvider

	// DryRun only checks that each file authenticates under the current keys
	DryRun bool
}

// RotationResult summarizes a bulk rotation
type RotationResult struct {
	Rotated int              // files re-encrypted (or verified, for a dry run)
	Failed  map[string]error // per-file failures
}

// rotateSuffix marks the temporary file a re-encryption writes before it
// replaces the original. Each temporary name ends in a fresh UUID so
// concurrent rotations never share one.
const rotateSuffix = ".rotate-"

func rotationTempName(name string) string {
	return name + rotateSuffix + uuid.NewString()
}

// isRotationTemp reports whether name is a temporary file left by an
// interrupted re-encryption
func isRotationTemp(name string) bool {
	i := strings.LastIndex(name, rotateSuffix)
	if i < 0 {
		return false
	}
	return uuid.Validate(name[i+len(rotateSuffix):]) == nil
}

// ReEncrypt re-encrypts a file under a new root key. The plaintext is streamed
// from the old file into a temporary file that then replaces the original, so
// the file is never held in memory and a failure leaves the original intact.
func (e *EncryptFS) ReEncrypt(name string, opts KeyRotationOptions) error {
	if opts.DryRun {
		return e.VerifyEncryption(name)
	}
	if opts.NewKeyProvider == nil {
		return ErrNilKeyProvider
	}

	src, err := e.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	newFS, err := New(e.base, &Config{KeyProvider: opts.NewKeyProvider, Parallel: e.config.Parallel})
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create new encrypted filesystem: %w", err)
	}

	tmp := rotationTempName(name)
	dst, err := newFS.Create(tmp)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create new file: %w", err)
	}

	_, err = io.Copy(dst, src)
	src.Close()
	if err != nil {
		dst.Close()
		e.base.Remove(tmp)
		return fmt.Errorf("failed to write re-encrypted content: %w", err)
	}

	if err := dst.Close(); err != nil {
		e.base.Remove(tmp)
		return fmt.Errorf("failed to close new file: %w", err)
	}

	if err := e.base.Rename(tmp, name); err != nil {
		// some filesystems refuse to rename over an existing file
		if rmErr := e.base.Remove(name); rmErr != nil {
			e.base.Remove(tmp)
			return fmt.Errorf("failed to replace %s: %w", name, err)
		}
		if err := e.base.Rename(tmp, name); err != nil {
			return fmt.Errorf("failed to replace %s: %w", name, err)
		}
	}

	return nil
}

// RotateAll re-encrypts the named files concurrently, bounded by the
// configured ParallelConfig. Every file is attempted; the returned error
// summarizes failures and the result lists them.
func (e *EncryptFS) RotateAll(ctx context.Context, names []string, opts KeyRotationOptions) (*RotationResult, error) {
	failed := forEachParallel(ctx, e.config.Parallel, names, func(name string) error {
		return e.ReEncrypt(name, opts)
	})

	result := &RotationResult{
		Rotated: len(names) - len(failed),
		Failed:  failed,
	}
	if len(failed) > 0 {
		return result, fmt.Errorf("key rotation completed with %d errors (rotated %d files)", len(failed), result.Rotated)
	}
	return result, nil
}

// EncryptedFileWalker is called for every entry visited by WalkEncrypted.
// File infos report plaintext sizes.
type EncryptedFileWalker func(path string, info os.FileInfo, err error) error

// WalkEncrypted walks the tree rooted at root on the base filesystem in
// lexical order. Returning fs.SkipDir from walkFn on a directory skips it.
func (e *EncryptFS) WalkEncrypted(root string, walkFn EncryptedFileWalker) error {
	info, err := e.Stat(root)
	if err != nil {
		err = walkFn(root, nil, err)
	} else {
		err = e.walk(root, info, walkFn)
	}
	if errors.Is(err, fs.SkipDir) {
		return nil
	}
	return err
}

func (e *EncryptFS) walk(name string, info os.FileInfo, walkFn EncryptedFileWalker) error {
	if !info.IsDir() {
		return walkFn(name, info, nil)
	}

	if err := walkFn(name, info, nil); err != nil {
		return err
	}

	dir, err := e.base.Open(name)
	if err != nil {
		return walkFn(name, info, err)
	}
	infos, err := dir.Readdir(-1)
	dir.Close()
	if err != nil {
		return walkFn(name, info, err)
	}

	slices.SortFunc(infos, func(a, b os.FileInfo) int {
		return strings.Compare(a.Name(), b.Name())
	})

	for _, child := range infos {
		if !child.IsDir() {
			child = newEncryptedFileInfo(child)
		}
		err := e.walk(path.Join(name, child.Name()), child, walkFn)
		if err != nil {
			if child.IsDir() && errors.Is(err, fs.SkipDir) {
				continue
			}
			return err
		}
	}
	return nil
}

// ListEncrypted returns the regular files below root, skipping temporary
// files left by interrupted re-encryptions
func (e *EncryptFS) ListEncrypted(root string) ([]string, error) {
	var names []string
	err := e.WalkEncrypted(root, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && !isRotationTemp(name) {
			names = append(names, name)
		}
		return nil
	})
	return names, err
}

// VerifyEncryption checks that the stream header of name authenticates
// under the configured keys. The payload carries no MAC, so this is the
// strongest check available without the plaintext.
func (e *EncryptFS) VerifyEncryption(name string) error {
	file, err := e.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	return file.Close()
}

// VerifyAllEncryption verifies every file below root and returns the names
// that failed
func (e *EncryptFS) VerifyAllEncryption(ctx context.Context, root string) ([]string, error) {
	names, err := e.ListEncrypted(root)
	if err != nil {
		return nil, fmt.Errorf("verification walk failed: %w", err)
	}

	failed := forEachParallel(ctx, e.config.Parallel, names, e.VerifyEncryption)
	if len(failed) == 0 {
		return nil, nil
	}

	bad := make([]string, 0, len(failed))
	for name := range failed {
		bad = append(bad, name)
	}
	slices.Sort(bad)
	return bad, fmt.Errorf("%d files failed verification", len(bad))
}

// RotateAllKeys re-encrypts every file below root
func (e *EncryptFS) RotateAllKeys(ctx context.Context, root string, opts KeyRotationOptions) (*RotationResult, error) {
	names, err := e.ListEncrypted(root)
	if err != nil {
		return nil, fmt.Errorf("walk failed: %w", err)
	}
	return e.RotateAll(ctx, names, opts)
}
