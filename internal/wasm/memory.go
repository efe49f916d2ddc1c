package wasm

import (
	"errors"
	"reflect"

	"github.com/tetratelabs/wazero/api"
)

var (
	errNoMemory    = errors.New("module has no linear memory")
	errOutOfBounds = errors.New("range out of bounds")
)

// Memory provides bounds-checked access to a guest's linear memory.
//
// Guest memory is separate from Go memory. Every pointer the guest hands
// to a host function is an offset into that memory and is checked here
// before use; a bad pointer becomes a MemoryAccessError instead of a trap.
//
// The guest always supplies the buffers, so the host never allocates in
// guest memory.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory helper. A module that neither defines nor
// imports a memory gets a helper whose every access fails with errNoMemory.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: linearMemory(module)}
}

// linearMemory returns the module's memory or nil. wazero reports a
// memoryless module as a non-nil api.Memory wrapping a nil instance.
func linearMemory(module api.Module) api.Memory {
	mem := module.Memory()
	if mem == nil {
		return nil
	}
	if v := reflect.ValueOf(mem); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil
	}
	return mem
}

func (m *Memory) fault(op string, ptr, length uint32, err error) error {
	return &MemoryAccessError{Operation: op, Address: ptr, Length: length, Err: err}
}

// View returns a slice aliasing guest memory. Writes through it are
// visible to the guest.
func (m *Memory) View(ptr, length uint32) ([]byte, error) {
	if m.mem == nil {
		return nil, m.fault("view", ptr, length, errNoMemory)
	}
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, m.fault("view", ptr, length, errOutOfBounds)
	}
	return buf, nil
}

// ReadBytes copies length bytes out of guest memory.
func (m *Memory) ReadBytes(ptr, length uint32) ([]byte, error) {
	buf, err := m.View(ptr, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf...), nil
}

// ReadString reads a length-delimited UTF-8 string.
func (m *Memory) ReadString(ptr, length uint32) (string, error) {
	buf, err := m.View(ptr, length)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteBytes copies data into guest memory at ptr.
func (m *Memory) WriteBytes(ptr uint32, data []byte) error {
	if m.mem == nil {
		return m.fault("write", ptr, uint32(len(data)), errNoMemory)
	}
	if !m.mem.Write(ptr, data) {
		return m.fault("write", ptr, uint32(len(data)), errOutOfBounds)
	}
	return nil
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}
