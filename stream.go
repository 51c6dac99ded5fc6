//go:build unix

package subprocess

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Stream is a polymorphic handle over something that can be read from
// and/or written to: a kernel file descriptor, or an in-process byte
// source, sink, or duplex stream. The spawn core depends only on this
// interface: if a Stream exposes a kernel descriptor it is wired
// directly into the child, otherwise it is bridged through a pipe by a
// transfer worker.
type Stream interface {
	// Fileno returns the OS descriptor backing this stream, or -1 if
	// the stream has none (any in-process variant).
	Fileno() int
	IsOpen() bool
	IsReadable() bool
	IsWritable() bool
	// Read attempts to read exactly n octets, returning fewer only at
	// end-of-input.
	Read(n int) ([]byte, error)
	// ReadAll consumes the stream until end-of-input.
	ReadAll() ([]byte, error)
	// Write writes exactly len(buf) octets, looping on short writes.
	Write(buf []byte) (int, error)
	// Close releases the underlying resource if this stream owns it.
	Close() error
	// Release drops the association without touching the resource.
	Release()
}

// BufMode selects the user-space buffering discipline for fd-backed
// streams, mirroring C stdio's setvbuf modes.
type BufMode int

const (
	// BufDefault requests bufio's default buffer size.
	BufDefault BufMode = -1
	// BufUnbuffered disables user-space buffering entirely.
	BufUnbuffered BufMode = 0
	// BufLine flushes writes whenever they contain a newline.
	BufLine BufMode = 1
)

const defaultReadChunk = 4096

// fdStream wraps a kernel file descriptor, with an optional buffered
// layer for write-side use. Non-owning unless constructed as owned
// (pipe ends and opened files/paths own their descriptor; descriptors
// and file handles supplied by the caller are borrowed).
type fdStream struct {
	f     *os.File
	owned bool
	open  bool

	bufw     *bufio.Writer
	bufr     *bufio.Reader
	lineMode bool
}

func newFdStream(f *os.File, owned bool) *fdStream {
	return &fdStream{f: f, owned: owned, open: true}
}

func (s *fdStream) Fileno() int {
	if !s.open {
		return -1
	}
	return int(s.f.Fd())
}

func (s *fdStream) IsOpen() bool { return s.open }

func (s *fdStream) accessMode() (int, error) {
	flags, err := unix.FcntlInt(s.f.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return 0, err
	}
	return flags & unix.O_ACCMODE, nil
}

func (s *fdStream) IsReadable() bool {
	if !s.open {
		return false
	}
	mode, err := s.accessMode()
	if err != nil {
		return false
	}
	return mode == unix.O_RDONLY || mode == unix.O_RDWR
}

func (s *fdStream) IsWritable() bool {
	if !s.open {
		return false
	}
	mode, err := s.accessMode()
	if err != nil {
		return false
	}
	return mode == unix.O_WRONLY || mode == unix.O_RDWR
}

// SetBufSize configures the user-space buffering layer. Only valid for
// fd-backed streams; errors surface as IoError.
func (s *fdStream) SetBufSize(n int) error {
	if !s.open {
		return &IoError{Op: "setvbuf", Err: errClosed}
	}
	s.lineMode = false
	s.bufr = nil
	s.bufw = nil

	switch {
	case n == int(BufUnbuffered):
		return nil
	case n == int(BufLine):
		s.lineMode = true
		s.bufw = bufio.NewWriter(s.f)
		s.bufr = bufio.NewReader(s.f)
	case n < 0:
		s.bufw = bufio.NewWriter(s.f)
		s.bufr = bufio.NewReader(s.f)
	default:
		s.bufw = bufio.NewWriterSize(s.f, n)
		s.bufr = bufio.NewReaderSize(s.f, n)
	}
	return nil
}

func (s *fdStream) reader() io.Reader {
	if s.bufr != nil {
		return s.bufr
	}
	return s.f
}

func (s *fdStream) Read(n int) ([]byte, error) {
	if !s.open {
		return nil, &IoError{Op: "read", Err: errClosed}
	}
	if !s.IsReadable() {
		return nil, &IoError{Op: "read", Err: errNotReadable}
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(s.reader(), buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf[:read], nil
	}
	if err != nil {
		return buf[:read], &IoError{Op: "read", Err: err}
	}
	return buf[:read], nil
}

func (s *fdStream) ReadAll() ([]byte, error) {
	if !s.open {
		return nil, &IoError{Op: "read_all", Err: errClosed}
	}
	if !s.IsReadable() {
		return nil, &IoError{Op: "read_all", Err: errNotReadable}
	}
	var buf bytes.Buffer
	buf.Grow(defaultReadChunk)
	if _, err := buf.ReadFrom(s.reader()); err != nil {
		return nil, &IoError{Op: "read_all", Err: err}
	}
	return buf.Bytes(), nil
}

func (s *fdStream) Write(buf []byte) (int, error) {
	if !s.open {
		return 0, &IoError{Op: "write", Err: errClosed}
	}
	if !s.IsWritable() {
		return 0, &IoError{Op: "write", Err: errNotWritable}
	}

	var w io.Writer = s.f
	if s.bufw != nil {
		w = s.bufw
	}

	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, &IoError{Op: "write", Err: err}
		}
	}

	if s.bufw != nil {
		if !s.lineMode || bytes.IndexByte(buf, '\n') >= 0 {
			if err := s.bufw.Flush(); err != nil {
				return total, &IoError{Op: "write", Err: err}
			}
		}
	}
	return total, nil
}

func (s *fdStream) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	if s.bufw != nil {
		_ = s.bufw.Flush()
	}
	if !s.owned {
		return nil
	}
	if err := s.f.Close(); err != nil {
		return &IoError{Op: "close", Err: err}
	}
	return nil
}

func (s *fdStream) Release() {
	s.open = false
}

// inStream wraps a caller-owned in-process input byte source.
type inStream struct {
	r      io.Reader
	closer io.Closer
	open   bool
	eof    bool
}

// NewInStream builds a Stream over an in-process input source. The
// returned stream is borrowed: Close releases it only if r also
// implements io.Closer, matching the borrowed/owned rule for caller
// supplied objects that happen to be closeable.
func NewInStream(r io.Reader) Stream {
	closer, _ := r.(io.Closer)
	return &inStream{r: r, closer: closer, open: true}
}

func (s *inStream) Fileno() int      { return -1 }
func (s *inStream) IsOpen() bool     { return s.open }
func (s *inStream) IsReadable() bool { return s.open && !s.eof }
func (s *inStream) IsWritable() bool { return false }

func (s *inStream) Read(n int) ([]byte, error) {
	if !s.open {
		return nil, &IoError{Op: "read", Err: errClosed}
	}
	if s.eof {
		return nil, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(s.r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		s.eof = true
		return buf[:read], nil
	}
	if err != nil {
		return buf[:read], &IoError{Op: "read", Err: err}
	}
	return buf[:read], nil
}

func (s *inStream) ReadAll() ([]byte, error) {
	if !s.open {
		return nil, &IoError{Op: "read_all", Err: errClosed}
	}
	var buf bytes.Buffer
	buf.Grow(defaultReadChunk)
	if _, err := buf.ReadFrom(s.r); err != nil {
		return nil, &IoError{Op: "read_all", Err: err}
	}
	s.eof = true
	return buf.Bytes(), nil
}

func (s *inStream) Write([]byte) (int, error) {
	return 0, &IoError{Op: "write", Err: errNotWritable}
}

func (s *inStream) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return &IoError{Op: "close", Err: err}
		}
	}
	return nil
}

func (s *inStream) Release() { s.open = false }

// outStream wraps a caller-owned in-process output byte sink.
type outStream struct {
	w      io.Writer
	closer io.Closer
	open   bool
}

// NewOutStream builds a Stream over an in-process output sink.
func NewOutStream(w io.Writer) Stream {
	closer, _ := w.(io.Closer)
	return &outStream{w: w, closer: closer, open: true}
}

func (s *outStream) Fileno() int      { return -1 }
func (s *outStream) IsOpen() bool     { return s.open }
func (s *outStream) IsReadable() bool { return false }
func (s *outStream) IsWritable() bool { return s.open }

func (s *outStream) Read(int) ([]byte, error) {
	return nil, &IoError{Op: "read", Err: errNotReadable}
}

func (s *outStream) ReadAll() ([]byte, error) {
	return nil, &IoError{Op: "read_all", Err: errNotReadable}
}

func (s *outStream) Write(buf []byte) (int, error) {
	if !s.open {
		return 0, &IoError{Op: "write", Err: errClosed}
	}
	total := 0
	for total < len(buf) {
		n, err := s.w.Write(buf[total:])
		total += n
		if err != nil {
			return total, &IoError{Op: "write", Err: err}
		}
	}
	return total, nil
}

func (s *outStream) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return &IoError{Op: "close", Err: err}
		}
	}
	return nil
}

func (s *outStream) Release() { s.open = false }

// inOutStream wraps a caller-owned in-process bidirectional stream,
// combining the read semantics of inStream and the write semantics of
// outStream over the same underlying object.
type inOutStream struct {
	rw     io.ReadWriter
	closer io.Closer
	open   bool
	eof    bool
}

// NewInOutStream builds a Stream over an in-process duplex object such
// as a net.Conn or io.Pipe endpoint.
func NewInOutStream(rw io.ReadWriter) Stream {
	closer, _ := rw.(io.Closer)
	return &inOutStream{rw: rw, closer: closer, open: true}
}

func (s *inOutStream) Fileno() int      { return -1 }
func (s *inOutStream) IsOpen() bool     { return s.open }
func (s *inOutStream) IsReadable() bool { return s.open && !s.eof }
func (s *inOutStream) IsWritable() bool { return s.open }

func (s *inOutStream) Read(n int) ([]byte, error) {
	if !s.open {
		return nil, &IoError{Op: "read", Err: errClosed}
	}
	if s.eof {
		return nil, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(s.rw, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		s.eof = true
		return buf[:read], nil
	}
	if err != nil {
		return buf[:read], &IoError{Op: "read", Err: err}
	}
	return buf[:read], nil
}

func (s *inOutStream) ReadAll() ([]byte, error) {
	if !s.open {
		return nil, &IoError{Op: "read_all", Err: errClosed}
	}
	var buf bytes.Buffer
	buf.Grow(defaultReadChunk)
	if _, err := buf.ReadFrom(s.rw); err != nil {
		return nil, &IoError{Op: "read_all", Err: err}
	}
	s.eof = true
	return buf.Bytes(), nil
}

func (s *inOutStream) Write(buf []byte) (int, error) {
	if !s.open {
		return 0, &IoError{Op: "write", Err: errClosed}
	}
	total := 0
	for total < len(buf) {
		n, err := s.rw.Write(buf[total:])
		total += n
		if err != nil {
			return total, &IoError{Op: "write", Err: err}
		}
	}
	return total, nil
}

func (s *inOutStream) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return &IoError{Op: "close", Err: err}
		}
	}
	return nil
}

func (s *inOutStream) Release() { s.open = false }
