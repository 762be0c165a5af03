package filecrypt

import (
	"io"
	"os"
)

// The four stream adapters below share one property: the keystream advances
// exactly one byte per byte processed, so the bytes they produce do not
// depend on how callers split their reads and writes.
//
// An adapter is not safe for concurrent use; use one per transfer.

// EncryptWriter encrypts everything written to it and forwards the
// ciphertext to the underlying writer, after the stream header.
type EncryptWriter struct {
	w      io.Writer
	cipher *CipherHandle
	header *StreamHeader
	buf    []byte
	err    error
}

// NewEncryptWriter builds a stream header for rootKey and writes it to w
// immediately. params may be nil.
func NewEncryptWriter(w io.Writer, rootKey []byte, params *StreamParams) (*EncryptWriter, error) {
	c, h, err := BuildHeader(rootKey, params.nonce(), params.fileSubkey())
	if err != nil {
		return nil, err
	}

	if _, err := h.WriteTo(w); err != nil {
		c.Wipe()
		return nil, NewIOError("write", "", err)
	}

	return &EncryptWriter{w: w, cipher: c, header: h}, nil
}

// Header returns the stream header that was written
func (e *EncryptWriter) Header() *StreamHeader {
	return e.header
}

// Write encrypts p and writes the ciphertext. It returns len(p) on success.
func (e *EncryptWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if cap(e.buf) < len(p) {
		e.buf = make([]byte, len(p))
	}
	out := e.buf[:len(p)]
	e.cipher.XORKeyStream(out, p)

	n, err := e.w.Write(out)
	if err == nil && n != len(out) {
		err = io.ErrShortWrite
	}
	if err != nil {
		// the keystream has already advanced past p, so the stream is lost
		e.err = &IOError{Operation: "write", Offset: int64(e.cipher.Offset()) - int64(len(p)) + int64(n), Message: err.Error(), Err: err}
		return n, e.err
	}
	return len(p), nil
}

// Close clears key material. It does not close the underlying writer.
func (e *EncryptWriter) Close() error {
	e.cipher.Wipe()
	if e.err != nil {
		return e.err
	}
	e.err = os.ErrClosed
	return nil
}

// EncryptReader reads plaintext from an underlying reader and yields the
// stream header followed by the ciphertext.
type EncryptReader struct {
	r      io.Reader
	cipher *CipherHandle
	header *StreamHeader
	// pending holds the not yet returned part of the encoded header
	pending []byte
}

// NewEncryptReader builds a stream header for rootKey and holds it in memory
// to be returned ahead of the ciphertext. params may be nil.
func NewEncryptReader(r io.Reader, rootKey []byte, params *StreamParams) (*EncryptReader, error) {
	c, h, err := BuildHeader(rootKey, params.nonce(), params.fileSubkey())
	if err != nil {
		return nil, err
	}

	return &EncryptReader{r: r, cipher: c, header: h, pending: h.Bytes()}, nil
}

// Header returns the stream header prepended to the output
func (e *EncryptReader) Header() *StreamHeader {
	return e.header
}

// Read fills p with remaining header bytes first and then, in the same call,
// with ciphertext read from the underlying reader.
func (e *EncryptReader) Read(p []byte) (int, error) {
	if e.cipher.wiped() {
		return 0, os.ErrClosed
	}

	n := 0
	if len(e.pending) > 0 {
		n = copy(p, e.pending)
		e.pending = e.pending[n:]
		if len(e.pending) == 0 {
			e.pending = nil
		}
	}
	if n == len(p) {
		return n, nil
	}

	m, err := e.r.Read(p[n:])
	if m > 0 {
		e.cipher.XORKeyStream(p[n:n+m], p[n:n+m])
		n += m
	}
	if err != nil && err != io.EOF {
		return n, NewIOError("read", "", err)
	}
	return n, err
}

// Close clears key material. It does not close the underlying reader.
func (e *EncryptReader) Close() error {
	e.cipher.Wipe()
	e.pending = nil
	return nil
}

// DecryptReader authenticates the stream header of an underlying reader and
// decrypts the payload that follows.
type DecryptReader struct {
	r      io.Reader
	cipher *CipherHandle
	header *StreamHeader
}

// NewDecryptReader reads the HeaderSize header bytes from r and checks them
// against rootKey. It fails if fewer bytes are available or the header does
// not authenticate.
func NewDecryptReader(r io.Reader, rootKey []byte) (*DecryptReader, error) {
	if err := ValidateKey(rootKey, KeySize); err != nil {
		return nil, err
	}

	h := &StreamHeader{}
	if _, err := h.ReadFrom(r); err != nil {
		return nil, err
	}

	c, err := h.Open(rootKey)
	if err != nil {
		return nil, err
	}

	return &DecryptReader{r: r, cipher: c, header: h}, nil
}

// newDecryptReaderWithHeader wraps r, which is positioned just after an
// already authenticated header
func newDecryptReaderWithHeader(r io.Reader, h *StreamHeader, c *CipherHandle) *DecryptReader {
	return &DecryptReader{r: r, cipher: c, header: h}
}

// Header returns the authenticated stream header
func (d *DecryptReader) Header() *StreamHeader {
	return d.header
}

// Read reads ciphertext from the underlying reader and decrypts it into p
func (d *DecryptReader) Read(p []byte) (int, error) {
	if d.cipher.wiped() {
		return 0, os.ErrClosed
	}

	n, err := d.r.Read(p)
	if n > 0 {
		d.cipher.XORKeyStream(p[:n], p[:n])
	}
	if err != nil && err != io.EOF {
		return n, NewIOError("read", "", err)
	}
	return n, err
}

// Close clears key material. It does not close the underlying reader.
func (d *DecryptReader) Close() error {
	d.cipher.Wipe()
	return nil
}

type decryptState int

const (
	stateAccumulatingHeader decryptState = iota
	stateStreaming
)

// DecryptWriter accepts an encrypted stream, header included, in pieces of
// any size and writes the decrypted payload to the underlying writer.
type DecryptWriter struct {
	w       io.Writer
	rootKey []byte
	state   decryptState
	// header accumulates bytes while state is stateAccumulatingHeader
	header []byte
	cipher *CipherHandle
	buf    []byte
	err    error
}

// NewDecryptWriter returns a writer that decrypts streams built for rootKey
func NewDecryptWriter(w io.Writer, rootKey []byte) (*DecryptWriter, error) {
	if err := ValidateKey(rootKey, KeySize); err != nil {
		return nil, err
	}

	key := make([]byte, KeySize)
	copy(key, rootKey)

	return &DecryptWriter{
		w:       w,
		rootKey: key,
		state:   stateAccumulatingHeader,
		header:  make([]byte, 0, HeaderSize),
	}, nil
}

// Write consumes p. Bytes up to the end of the header are buffered; once the
// header is complete it is authenticated and any remaining bytes of p are
// decrypted and written in the same call. The returned count covers every
// byte consumed, buffered ones included.
func (d *DecryptWriter) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}

	consumed := 0
	if d.state == stateAccumulatingHeader {
		take := min(HeaderSize-len(d.header), len(p))
		d.header = append(d.header, p[:take]...)
		consumed = take
		p = p[take:]

		if len(d.header) == HeaderSize {
			c, err := OpenHeader(d.rootKey, d.header)
			clear(d.rootKey)
			if err != nil {
				d.err = err
				return consumed, err
			}
			d.cipher = c
			d.state = stateStreaming
			d.header = nil
		} else if len(p) > 0 {
			// unreachable: take drains p whenever the header is still short
			return consumed, ErrUninitializedCipher
		}
	}

	if len(p) == 0 {
		return consumed, nil
	}

	if cap(d.buf) < len(p) {
		d.buf = make([]byte, len(p))
	}
	out := d.buf[:len(p)]
	d.cipher.XORKeyStream(out, p)

	n, err := d.w.Write(out)
	if err == nil && n != len(out) {
		err = io.ErrShortWrite
	}
	if err != nil {
		d.err = &IOError{Operation: "write", Offset: int64(d.cipher.Offset()) - int64(len(p)) + int64(n), Message: err.Error(), Err: err}
		return consumed + n, d.err
	}
	return consumed + len(p), nil
}

// Streaming reports whether the header has been received and authenticated
func (d *DecryptWriter) Streaming() bool {
	return d.state == stateStreaming
}

// Close reports a stream that ended before its header was complete and
// clears key material. It does not close the underlying writer.
func (d *DecryptWriter) Close() error {
	clear(d.rootKey)
	if d.cipher != nil {
		d.cipher.Wipe()
	}

	err := d.err
	if err == nil && d.state == stateAccumulatingHeader {
		err = NewCorruptionError("", "stream ended inside the header", ErrInvalidHeader)
	}
	d.err = os.ErrClosed
	return err
}
