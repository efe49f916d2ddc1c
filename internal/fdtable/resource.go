package fdtable

import (
	"errors"
	"io"
	"os"

	"github.com/woxQAQ/wasmoo/pkg/abi"
)

var (
	// ErrNotSeekable is returned by Seek on standard streams.
	ErrNotSeekable = errors.New("resource is not seekable")

	// ErrNotReadable is returned when reading a resource opened without read access.
	ErrNotReadable = errors.New("resource is not readable")

	// ErrNotWritable is returned when writing a resource opened without write access.
	ErrNotWritable = errors.New("resource is not writable")
)

// Kind identifies a resource variant.
type Kind int

const (
	KindStream Kind = iota
	KindFile
)

func (k Kind) String() string {
	if k == KindFile {
		return "file"
	}
	return "stream"
}

// Resource is a host object reachable through a handle.
type Resource interface {
	io.ReadWriteSeeker
	io.Closer

	Kind() Kind
	Name() string
	Readable() bool
	Writable() bool
	Seekable() bool
}

// Stream is one of the standard streams. It is unbuffered and is never
// closed through the table.
type Stream struct {
	name string
	r    io.Reader
	w    io.Writer
}

// NewInputStream wraps r as a read-only stream.
func NewInputStream(name string, r io.Reader) *Stream {
	return &Stream{name: name, r: r}
}

// NewOutputStream wraps w as a write-only stream.
func NewOutputStream(name string, w io.Writer) *Stream {
	return &Stream{name: name, w: w}
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, ErrNotReadable
	}
	return s.r.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, ErrNotWritable
	}
	return s.w.Write(p)
}

func (s *Stream) Seek(int64, int) (int64, error) {
	return 0, ErrNotSeekable
}

// Close is a no-op; the host owns the underlying stream.
func (s *Stream) Close() error { return nil }

func (s *Stream) Kind() Kind     { return KindStream }
func (s *Stream) Name() string   { return s.name }
func (s *Stream) Readable() bool { return s.r != nil }
func (s *Stream) Writable() bool { return s.w != nil }
func (s *Stream) Seekable() bool { return false }

// File is a regular file opened on behalf of the guest.
type File struct {
	f    *os.File
	path string
	mode abi.Mode
}

// OpenFile opens path with the flags implied by mode.
func OpenFile(path string, mode abi.Mode) (*File, error) {
	f, err := os.OpenFile(path, Flags(mode), 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, path: path, mode: mode}, nil
}

// Flags translates a guest open mode to os.OpenFile flags.
func Flags(mode abi.Mode) int {
	switch mode {
	case abi.ModeWrite:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case abi.ModeAppend:
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case abi.ModeReadWrite:
		return os.O_RDWR | os.O_CREATE
	case abi.ModeCreateNew:
		return os.O_WRONLY | os.O_CREATE | os.O_EXCL
	default:
		return os.O_RDONLY
	}
}

func (f *File) Read(p []byte) (int, error) {
	if !f.Readable() {
		return 0, ErrNotReadable
	}
	return f.f.Read(p)
}

func (f *File) Write(p []byte) (int, error) {
	if !f.Writable() {
		return 0, ErrNotWritable
	}
	return f.f.Write(p)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	return f.f.Seek(offset, whence)
}

func (f *File) Close() error {
	return f.f.Close()
}

// Stat returns the file's metadata.
func (f *File) Stat() (os.FileInfo, error) {
	return f.f.Stat()
}

func (f *File) Kind() Kind     { return KindFile }
func (f *File) Name() string   { return f.path }
func (f *File) Mode() abi.Mode { return f.mode }
func (f *File) Seekable() bool { return true }

func (f *File) Readable() bool {
	return f.mode == abi.ModeRead || f.mode == abi.ModeReadWrite
}

func (f *File) Writable() bool {
	return f.mode != abi.ModeRead
}
