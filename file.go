package filecrypt

import (
	"io"
	"io/fs"
	"os"

	"github.com/absfs/absfs"
)

// streamFile is an absfs.File backed by one stream adapter: a DecryptReader
// for files opened for reading, an EncryptWriter for files opened for
// writing, or neither for directories.
type streamFile struct {
	base   absfs.File
	name   string
	reader *DecryptReader
	writer *EncryptWriter
	offset int64
	closed bool
}

var _ absfs.File = (*streamFile)(nil)

// Name returns the name of the file
func (f *streamFile) Name() string {
	return f.name
}

// Read reads and decrypts the next bytes of the file
func (f *streamFile) Read(p []byte) (n int, err error) {
	if f.closed {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: os.ErrClosed}
	}
	if f.reader == nil {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: ErrUnsupportedMode}
	}

	n, err = f.reader.Read(p)
	f.offset += int64(n)
	return n, err
}

// Write encrypts p and appends it to the file
func (f *streamFile) Write(p []byte) (n int, err error) {
	if f.closed {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrClosed}
	}
	if f.writer == nil {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: ErrUnsupportedMode}
	}

	n, err = f.writer.Write(p)
	f.offset += int64(n)
	return n, err
}

// WriteString writes a string to the file
func (f *streamFile) WriteString(s string) (n int, err error) {
	return f.Write([]byte(s))
}

// Seek reports the current plaintext offset. Streams cannot be repositioned,
// so only Seek(0, io.SeekCurrent) is accepted.
func (f *streamFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekCurrent {
		return f.offset, nil
	}
	return f.offset, &os.PathError{Op: "seek", Path: f.name, Err: ErrUnsupportedMode}
}

// Close clears the stream keys and closes the base file
func (f *streamFile) Close() error {
	if f.closed {
		return &os.PathError{Op: "close", Path: f.name, Err: os.ErrClosed}
	}
	f.closed = true

	var streamErr error
	if f.reader != nil {
		streamErr = f.reader.Close()
	}
	if f.writer != nil {
		streamErr = f.writer.Close()
	}

	if err := f.base.Close(); err != nil {
		return NewIOError("close", f.name, err)
	}
	return streamErr
}

// Sync flushes the base file to stable storage. Ciphertext is written
// through on every Write, so there is nothing buffered here.
func (f *streamFile) Sync() error {
	return f.base.Sync()
}

// Stat returns file information with the plaintext size
func (f *streamFile) Stat() (os.FileInfo, error) {
	info, err := f.base.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return info, nil
	}
	return newEncryptedFileInfo(info), nil
}

// Readdir reads directory entries
func (f *streamFile) Readdir(n int) ([]os.FileInfo, error) {
	infos, err := f.base.Readdir(n)
	for i, info := range infos {
		if !info.IsDir() {
			infos[i] = newEncryptedFileInfo(info)
		}
	}
	return infos, err
}

// ReadDir reads directory entries as fs.DirEntry values
func (f *streamFile) ReadDir(n int) ([]fs.DirEntry, error) {
	infos, err := f.Readdir(n)
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, err
}

// Readdirnames reads directory entry names
func (f *streamFile) Readdirnames(n int) ([]string, error) {
	return f.base.Readdirnames(n)
}

// ReadAt is not supported on encrypted streams
func (f *streamFile) ReadAt(b []byte, off int64) (n int, err error) {
	return 0, &os.PathError{Op: "readat", Path: f.name, Err: ErrUnsupportedMode}
}

// WriteAt is not supported on encrypted streams
func (f *streamFile) WriteAt(b []byte, off int64) (n int, err error) {
	return 0, &os.PathError{Op: "writeat", Path: f.name, Err: ErrUnsupportedMode}
}

// Truncate is not supported on open encrypted streams; use EncryptFS.Truncate
func (f *streamFile) Truncate(size int64) error {
	return &os.PathError{Op: "truncate", Path: f.name, Err: ErrUnsupportedMode}
}
