//go:build !wasm

package wasm

import "github.com/woxQAQ/wasmoo/pkg/abi"

// HostFunctions is the capability surface a host offers to a guest.
// Errors carry an abi.Errno; guests receive them as values, never as traps.
type HostFunctions interface {
	// Open opens path in mode and returns a new handle.
	Open(path string, mode abi.Mode) (abi.Handle, error)

	// Read returns up to max bytes; an empty slice at end of file.
	Read(h abi.Handle, max int) ([]byte, error)

	// Write returns the number of bytes written, which may be short.
	Write(h abi.Handle, data []byte) (int, error)

	// Seek returns the new absolute position.
	Seek(h abi.Handle, offset int64, whence abi.Whence) (int64, error)

	// Close frees h. Standard handles cannot be closed.
	Close(h abi.Handle) error

	// Argv returns the process arguments delivered to the guest.
	Argv() []string
}
