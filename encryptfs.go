package filecrypt

import (
	"fmt"
	"os"
	"time"

	"github.com/absfs/absfs"
)

// EncryptFS implements absfs.FileSystem with transparent stream encryption.
// Files are sequential streams: they are either written from the start
// (create or truncate) or read from the start, never both.
type EncryptFS struct {
	base        absfs.FileSystem
	config      *Config
	keyProvider KeyProvider
}

// New creates a new encrypted filesystem wrapping the base filesystem
func New(base absfs.FileSystem, config *Config) (*EncryptFS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &EncryptFS{
		base:        base,
		config:      config,
		keyProvider: config.KeyProvider,
	}, nil
}

// Separator returns the path separator for the underlying filesystem
func (e *EncryptFS) Separator() uint8 {
	return e.base.Separator()
}

// ListSeparator returns the list separator for the underlying filesystem
func (e *EncryptFS) ListSeparator() uint8 {
	return e.base.ListSeparator()
}

// Chdir changes the current working directory
func (e *EncryptFS) Chdir(dir string) error {
	return e.base.Chdir(dir)
}

// Getwd returns the current working directory
func (e *EncryptFS) Getwd() (string, error) {
	return e.base.Getwd()
}

// TempDir returns the temporary directory path
func (e *EncryptFS) TempDir() string {
	return e.base.TempDir()
}

// Open opens a file for reading with transparent decryption
func (e *EncryptFS) Open(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for writing with transparent encryption
func (e *EncryptFS) Create(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens a file with the specified flags and permissions. Writable
// opens must truncate (O_TRUNC) or create a new file (O_EXCL); appending and
// read-write access are not supported.
func (e *EncryptFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	access := flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR)

	if access == os.O_RDONLY {
		return e.openForRead(name, flag, perm)
	}

	if access == os.O_RDWR || flag&os.O_APPEND != 0 || flag&(os.O_TRUNC|os.O_EXCL) == 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: ErrUnsupportedMode}
	}

	return e.openForWrite(name, flag, perm)
}

func (e *EncryptFS) openForRead(name string, flag int, perm os.FileMode) (absfs.File, error) {
	baseFile, err := e.base.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	info, err := baseFile.Stat()
	if err != nil {
		baseFile.Close()
		return nil, NewIOError("stat", name, err)
	}
	if info.IsDir() {
		return &streamFile{base: baseFile, name: name}, nil
	}

	h := &StreamHeader{}
	if _, err := h.ReadFrom(baseFile); err != nil {
		baseFile.Close()
		return nil, NewEncryptionError("decrypt", name, err)
	}

	c, err := e.openHeader(h)
	if err != nil {
		baseFile.Close()
		return nil, NewEncryptionError("decrypt", name, err)
	}

	return &streamFile{
		base:   baseFile,
		name:   name,
		reader: newDecryptReaderWithHeader(baseFile, h, c),
	}, nil
}

func (e *EncryptFS) openForWrite(name string, flag int, perm os.FileMode) (absfs.File, error) {
	key, err := e.keyProvider.RootKey()
	if err != nil {
		return nil, NewEncryptionError("encrypt", name, err)
	}
	defer clear(key)

	baseFile, err := e.base.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	w, err := NewEncryptWriter(baseFile, key, nil)
	if err != nil {
		baseFile.Close()
		return nil, NewEncryptionError("encrypt", name, err)
	}

	return &streamFile{base: baseFile, name: name, writer: w}, nil
}

// openHeader finds the decrypting cipher for h
func (e *EncryptFS) openHeader(h *StreamHeader) (*CipherHandle, error) {
	if multi, ok := e.keyProvider.(*MultiKeyProvider); ok {
		return multi.OpenHeader(h)
	}

	key, err := e.keyProvider.RootKey()
	if err != nil {
		return nil, err
	}
	defer clear(key)

	return h.Open(key)
}

// Mkdir creates a directory
func (e *EncryptFS) Mkdir(name string, perm os.FileMode) error {
	return e.base.Mkdir(name, perm)
}

// MkdirAll creates a directory and all necessary parent directories
func (e *EncryptFS) MkdirAll(name string, perm os.FileMode) error {
	return e.base.MkdirAll(name, perm)
}

// Remove removes a file or empty directory
func (e *EncryptFS) Remove(name string) error {
	return e.base.Remove(name)
}

// RemoveAll removes a path and any children it contains
func (e *EncryptFS) RemoveAll(path string) error {
	return e.base.RemoveAll(path)
}

// Rename renames (moves) a file. Stream headers do not depend on the file
// name, so no re-encryption is needed.
func (e *EncryptFS) Rename(oldpath, newpath string) error {
	return e.base.Rename(oldpath, newpath)
}

// Stat returns file information with the plaintext size
func (e *EncryptFS) Stat(name string) (os.FileInfo, error) {
	info, err := e.base.Stat(name)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return newEncryptedFileInfo(info), nil
	}

	return info, nil
}

// Chmod changes the mode of a file
func (e *EncryptFS) Chmod(name string, mode os.FileMode) error {
	return e.base.Chmod(name, mode)
}

// Chtimes changes the access and modification times of a file
func (e *EncryptFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return e.base.Chtimes(name, atime, mtime)
}

// Chown changes the owner and group of a file
func (e *EncryptFS) Chown(name string, uid, gid int) error {
	return e.base.Chown(name, uid, gid)
}

// Truncate truncates a file. Only truncation to zero is supported; it
// replaces the file with an empty encrypted stream under the current key.
func (e *EncryptFS) Truncate(name string, size int64) error {
	if size != 0 {
		return &os.PathError{Op: "truncate", Path: name, Err: ErrUnsupportedMode}
	}

	f, err := e.OpenFile(name, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// encryptedFileInfo wraps os.FileInfo to report the plaintext size
type encryptedFileInfo struct {
	os.FileInfo
}

// newEncryptedFileInfo creates a new encryptedFileInfo
func newEncryptedFileInfo(info os.FileInfo) *encryptedFileInfo {
	return &encryptedFileInfo{FileInfo: info}
}

// Size returns the decrypted size of the file. The stream cipher adds no
// per-byte overhead, so this is the stored size less the header.
func (e *encryptedFileInfo) Size() int64 {
	return max(e.FileInfo.Size()-HeaderSize, 0)
}
