package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/woxQAQ/wasmoo/internal/fdtable"
	"github.com/woxQAQ/wasmoo/pkg/abi"
)

var (
	errIsDirectory   = errors.New("is a directory")
	errEmptyPath     = errors.New("empty path")
	errInvalidPath   = errors.New("path contains NUL byte")
	errInvalidMode   = errors.New("unknown open mode")
	errInvalidWhence = errors.New("unknown whence")
	errNegativeCount = errors.New("negative byte count")
	errArgvIndex     = errors.New("argument index out of range")
)

// Error is a resource error returned to the guest as a value.
type Error struct {
	Op     string
	Handle abi.Handle
	Path   string
	Code   abi.Errno
	Err    error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
	}
	return fmt.Sprintf("%s handle %d: %s: %v", e.Op, e.Handle, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the guest error code from err. Errors that did not
// originate in the bridge are reported as IOError.
func CodeOf(err error) abi.Errno {
	if err == nil {
		return abi.OK
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return classify(err)
}

// classify maps table and OS errors onto guest error codes.
func classify(err error) abi.Errno {
	switch {
	case errors.Is(err, fdtable.ErrBadHandle),
		errors.Is(err, fdtable.ErrProtected),
		errors.Is(err, fdtable.ErrNotReadable),
		errors.Is(err, fdtable.ErrNotWritable),
		errors.Is(err, fs.ErrClosed):
		return abi.BadHandle
	case errors.Is(err, fdtable.ErrBusy):
		return abi.Busy
	case errors.Is(err, fdtable.ErrNotSeekable):
		return abi.NotSeekable
	case errors.Is(err, fs.ErrNotExist):
		return abi.NotFound
	case errors.Is(err, fs.ErrPermission):
		return abi.PermissionDenied
	case errors.Is(err, fs.ErrExist):
		return abi.AlreadyExists
	case errors.Is(err, syscall.EINVAL),
		errors.Is(err, errEmptyPath),
		errors.Is(err, errInvalidPath),
		errors.Is(err, errInvalidMode),
		errors.Is(err, errInvalidWhence),
		errors.Is(err, errNegativeCount),
		errors.Is(err, errArgvIndex):
		return abi.InvalidArgument
	default:
		return abi.IOError
	}
}

func handleError(op string, h abi.Handle, err error) *Error {
	return &Error{Op: op, Handle: h, Code: classify(err), Err: err}
}

func pathError(op, path string, err error) *Error {
	return &Error{Op: op, Handle: -1, Path: path, Code: classify(err), Err: err}
}
