package bridge

import (
	"errors"
	"fmt"
	"math"

	"go.starlark.net/starlark"

	"github.com/woxQAQ/wasmoo/pkg/abi"
)

// Global binding names installed into every run's namespace.
const (
	BindingArgv  = "process_argv"
	BindingOpen  = "fs_open"
	BindingRead  = "fs_read"
	BindingWrite = "fs_write"
	BindingSeek  = "fs_seek"
	BindingClose = "fs_close"
)

// threadKey names the thread-local slot holding the run's bridge. Thread
// locals are invisible to script code.
const threadKey = "wasmoo.bridge"

var errNoBridge = errors.New("no capability bridge attached to this thread")

// Attach stores b in the thread's private state.
func Attach(thread *starlark.Thread, b *Bridge) {
	thread.SetLocal(threadKey, b)
}

// FromThread returns the bridge attached to thread.
func FromThread(thread *starlark.Thread) (*Bridge, error) {
	b, ok := thread.Local(threadKey).(*Bridge)
	if !ok || b == nil {
		return nil, errNoBridge
	}
	return b, nil
}

// Bindings returns the host functions to install into a global namespace.
// Each call returns fresh builtins; they locate their bridge through the
// calling thread.
func Bindings() starlark.StringDict {
	return starlark.StringDict{
		BindingOpen:  starlark.NewBuiltin(BindingOpen, fsOpen),
		BindingRead:  starlark.NewBuiltin(BindingRead, fsRead),
		BindingWrite: starlark.NewBuiltin(BindingWrite, fsWrite),
		BindingSeek:  starlark.NewBuiltin(BindingSeek, fsSeek),
		BindingClose: starlark.NewBuiltin(BindingClose, fsClose),
	}
}

// ArgvValue encodes argv as a frozen list of strings.
func ArgvValue(argv []string) *starlark.List {
	elems := make([]starlark.Value, len(argv))
	for i, a := range argv {
		elems[i] = starlark.String(a)
	}
	list := starlark.NewList(elems)
	list.Freeze()
	return list
}

// result packs an operation outcome as (value, error_code_or_None).
func result(v, failed starlark.Value, err error) (starlark.Value, error) {
	if err != nil {
		return starlark.Tuple{failed, starlark.String(CodeOf(err).String())}, nil
	}
	return starlark.Tuple{v, starlark.None}, nil
}

func errResult(failed starlark.Value, code abi.Errno) (starlark.Value, error) {
	return starlark.Tuple{failed, starlark.String(code.String())}, nil
}

var minusOne = starlark.MakeInt(-1)

// toHandle narrows a script integer to a handle. Values outside the
// handle range name no descriptor and must not wrap onto a live one.
func toHandle(n int) (abi.Handle, bool) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return -1, false
	}
	return abi.Handle(n), true
}

func fsOpen(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	modeName := "read"
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "mode?", &modeName); err != nil {
		return nil, err
	}
	b, err := FromThread(thread)
	if err != nil {
		return nil, err
	}

	mode, ok := abi.ParseMode(modeName)
	if !ok {
		return errResult(minusOne, abi.InvalidArgument)
	}
	h, err := b.Open(path, mode)
	return result(starlark.MakeInt(int(h)), minusOne, err)
}

func fsRead(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle, maxBytes int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "handle", &handle, "max_bytes", &maxBytes); err != nil {
		return nil, err
	}
	b, err := FromThread(thread)
	if err != nil {
		return nil, err
	}

	h, ok := toHandle(handle)
	if !ok {
		return errResult(starlark.Bytes(""), abi.BadHandle)
	}
	data, err := b.Read(h, maxBytes)
	return result(starlark.Bytes(data), starlark.Bytes(""), err)
}

func fsWrite(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle int
	var data starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "handle", &handle, "data", &data); err != nil {
		return nil, err
	}
	b, err := FromThread(thread)
	if err != nil {
		return nil, err
	}

	h, ok := toHandle(handle)
	if !ok {
		return errResult(minusOne, abi.BadHandle)
	}

	var payload []byte
	switch v := data.(type) {
	case starlark.Bytes:
		payload = []byte(v)
	case starlark.String:
		payload = []byte(v)
	default:
		return nil, fmt.Errorf("%s: data must be bytes or string, got %s", fn.Name(), data.Type())
	}

	n, err := b.Write(h, payload)
	return result(starlark.MakeInt(n), minusOne, err)
}

func fsSeek(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle int
	var offsetValue starlark.Value
	whenceName := "start"
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "handle", &handle, "offset", &offsetValue, "whence?", &whenceName); err != nil {
		return nil, err
	}
	b, err := FromThread(thread)
	if err != nil {
		return nil, err
	}

	h, ok := toHandle(handle)
	if !ok {
		return errResult(minusOne, abi.BadHandle)
	}
	offsetInt, ok := offsetValue.(starlark.Int)
	if !ok {
		return nil, fmt.Errorf("%s: offset must be int, got %s", fn.Name(), offsetValue.Type())
	}
	offset, ok := offsetInt.Int64()
	if !ok {
		return errResult(minusOne, abi.InvalidArgument)
	}
	whence, ok := abi.ParseWhence(whenceName)
	if !ok {
		return errResult(minusOne, abi.InvalidArgument)
	}

	pos, err := b.Seek(h, offset, whence)
	return result(starlark.MakeInt64(pos), minusOne, err)
}

func fsClose(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "handle", &handle); err != nil {
		return nil, err
	}
	b, err := FromThread(thread)
	if err != nil {
		return nil, err
	}

	h, ok := toHandle(handle)
	if !ok {
		return errResult(starlark.False, abi.BadHandle)
	}
	err = b.Close(h)
	return result(starlark.True, starlark.False, err)
}
