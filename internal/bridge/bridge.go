// Package bridge exposes host file and stream operations to guest code.
//
// Every operation is synchronous and runs on the caller's goroutine. A
// Bridge owns one descriptor table and belongs to exactly one run, so no
// locking is done here; re-entrant use of a single handle is rejected by
// the table with Busy.
package bridge

import (
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	wasmapi "github.com/woxQAQ/wasmoo/api/wasm"
	"github.com/woxQAQ/wasmoo/internal/fdtable"
	"github.com/woxQAQ/wasmoo/pkg/abi"
)

// DefaultMaxRead caps the buffer allocated by a single Read call.
const DefaultMaxRead = 1 << 20

var _ wasmapi.HostFunctions = (*Bridge)(nil)

// Bridge implements the guest-visible capability surface over a descriptor table.
type Bridge struct {
	table   *fdtable.Table
	argv    []string
	maxRead int
	logger  *zap.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMaxRead overrides DefaultMaxRead.
func WithMaxRead(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxRead = n
		}
	}
}

// New creates a bridge over table. argv is copied.
func New(table *fdtable.Table, argv []string, logger *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		table:   table,
		argv:    append([]string(nil), argv...),
		maxRead: DefaultMaxRead,
		logger:  logger.With(zap.String("component", "bridge")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Table returns the underlying descriptor table.
func (b *Bridge) Table() *fdtable.Table {
	return b.table
}

// Open opens path in mode and returns a new handle.
func (b *Bridge) Open(path string, mode abi.Mode) (abi.Handle, error) {
	switch {
	case path == "":
		return -1, pathError("open", path, errEmptyPath)
	case strings.IndexByte(path, 0) >= 0:
		return -1, pathError("open", path, errInvalidPath)
	case !mode.Valid():
		return -1, pathError("open", path, errInvalidMode)
	}

	f, err := fdtable.OpenFile(path, mode)
	if err != nil {
		b.logger.Debug("open failed", zap.String("path", path), zap.Stringer("mode", mode), zap.Error(err))
		return -1, pathError("open", path, err)
	}

	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return -1, pathError("open", path, errIsDirectory)
	}

	h := b.table.Insert(f)
	b.logger.Debug("opened",
		zap.String("path", path),
		zap.Stringer("mode", mode),
		zap.Int32("handle", int32(h)),
	)
	return h, nil
}

// Read reads up to max bytes from h. At end of file it returns an empty
// slice and no error.
func (b *Bridge) Read(h abi.Handle, max int) ([]byte, error) {
	if max < 0 {
		return nil, handleError("read", h, errNegativeCount)
	}
	if max > b.maxRead {
		max = b.maxRead
	}
	buf := make([]byte, max)
	n, err := b.ReadInto(h, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReadInto reads into p and returns the byte count. It is the zero-copy
// form of Read used when p aliases guest memory.
func (b *Bridge) ReadInto(h abi.Handle, p []byte) (int, error) {
	res, release, err := b.table.Acquire(h)
	if err != nil {
		return 0, handleError("read", h, err)
	}
	defer release()

	if !res.Readable() {
		return 0, handleError("read", h, fdtable.ErrNotReadable)
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := res.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && n == 0 {
		return 0, handleError("read", h, err)
	}
	return n, nil
}

// Write writes data at the current position of h. A short write is
// reported as the count actually written.
func (b *Bridge) Write(h abi.Handle, data []byte) (int, error) {
	res, release, err := b.table.Acquire(h)
	if err != nil {
		return 0, handleError("write", h, err)
	}
	defer release()

	if !res.Writable() {
		return 0, handleError("write", h, fdtable.ErrNotWritable)
	}

	n, err := res.Write(data)
	if err != nil {
		if n > 0 {
			b.logger.Debug("short write", zap.Int32("handle", int32(h)), zap.Int("written", n), zap.Error(err))
			return n, nil
		}
		return 0, handleError("write", h, err)
	}
	return n, nil
}

// Seek moves the position of h and returns the new absolute offset.
func (b *Bridge) Seek(h abi.Handle, offset int64, whence abi.Whence) (int64, error) {
	if !whence.Valid() {
		return -1, handleError("seek", h, errInvalidWhence)
	}

	res, release, err := b.table.Acquire(h)
	if err != nil {
		return -1, handleError("seek", h, err)
	}
	defer release()

	if !res.Seekable() {
		return -1, handleError("seek", h, fdtable.ErrNotSeekable)
	}

	pos, err := res.Seek(offset, int(whence))
	if err != nil {
		return -1, handleError("seek", h, err)
	}
	return pos, nil
}

// Close releases h. The handle is freed even when the underlying close
// reports an error.
func (b *Bridge) Close(h abi.Handle) error {
	res, err := b.table.Remove(h)
	if err != nil {
		return handleError("close", h, err)
	}
	if err := res.Close(); err != nil {
		return &Error{Op: "close", Handle: h, Code: abi.IOError, Err: err}
	}
	b.logger.Debug("closed", zap.Int32("handle", int32(h)))
	return nil
}

// Argv returns a copy of the argument vector.
func (b *Bridge) Argv() []string {
	return append([]string(nil), b.argv...)
}

// ArgvAt returns argument i.
func (b *Bridge) ArgvAt(i int) (string, error) {
	if i < 0 || i >= len(b.argv) {
		return "", &Error{Op: "argv", Handle: -1, Code: abi.InvalidArgument, Err: errArgvIndex}
	}
	return b.argv[i], nil
}

// ArgvCount returns the number of arguments.
func (b *Bridge) ArgvCount() int {
	return len(b.argv)
}

// CloseAll closes every resource the guest left open.
func (b *Bridge) CloseAll() error {
	var leftover []int32
	for _, h := range b.table.Handles() {
		if !h.IsStandard() {
			leftover = append(leftover, int32(h))
		}
	}
	if len(leftover) > 0 {
		b.logger.Debug("closing leftover handles", zap.Int32s("handles", leftover))
	}
	return b.table.CloseAll()
}
