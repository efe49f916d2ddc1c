//go:build wasip1

package wasm

// Guest-side bindings for the host capability module.
// Build guests with GOOS=wasip1 GOARCH=wasm and import this package.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a
// 32-bit linear memory model.

import (
	"errors"
	"unsafe"

	"github.com/woxQAQ/wasmoo/pkg/abi"
)

//go:wasmimport wasmoo open
func hostOpen(pathPtr, pathLen, mode uint32) int32

//go:wasmimport wasmoo read
func hostRead(fd int32, bufPtr, bufLen uint32) int32

//go:wasmimport wasmoo write
func hostWrite(fd int32, bufPtr, bufLen uint32) int32

//go:wasmimport wasmoo seek
func hostSeek(fd int32, offset int64, whence uint32) int64

//go:wasmimport wasmoo close
func hostClose(fd int32) int32

//go:wasmimport wasmoo argv_count
func hostArgvCount() int32

//go:wasmimport wasmoo argv_len
func hostArgvLen(index uint32) int32

//go:wasmimport wasmoo argv_get
func hostArgvGet(index, bufPtr, bufLen uint32) int32

// Errno is a host error code received by the guest.
type Errno abi.Errno

func (e Errno) Error() string {
	return abi.Errno(e).String()
}

func check(r int64) (int64, error) {
	if r < 0 {
		return 0, Errno(-r)
	}
	return r, nil
}

func bytesPtr(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

// Open opens path on the host.
func Open(path string, mode abi.Mode) (abi.Handle, error) {
	p := []byte(path)
	r, err := check(int64(hostOpen(bytesPtr(p), uint32(len(p)), uint32(mode))))
	return abi.Handle(r), err
}

// Read reads into p.
func Read(h abi.Handle, p []byte) (int, error) {
	r, err := check(int64(hostRead(int32(h), bytesPtr(p), uint32(len(p)))))
	return int(r), err
}

// Write writes p.
func Write(h abi.Handle, p []byte) (int, error) {
	r, err := check(int64(hostWrite(int32(h), bytesPtr(p), uint32(len(p)))))
	return int(r), err
}

// Seek moves the position of h.
func Seek(h abi.Handle, offset int64, whence abi.Whence) (int64, error) {
	return check(hostSeek(int32(h), offset, uint32(whence)))
}

// Close frees h.
func Close(h abi.Handle) error {
	_, err := check(int64(hostClose(int32(h))))
	return err
}

var errArgv = errors.New("argument vector changed while reading")

// Args returns the argument vector delivered by the host.
func Args() ([]string, error) {
	n := hostArgvCount()
	args := make([]string, 0, n)
	for i := uint32(0); i < uint32(n); i++ {
		size, err := check(int64(hostArgvLen(i)))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		got, err := check(int64(hostArgvGet(i, bytesPtr(buf), uint32(len(buf)))))
		if err != nil {
			return nil, err
		}
		if got != size {
			return nil, errArgv
		}
		args = append(args, string(buf))
	}
	return args, nil
}
