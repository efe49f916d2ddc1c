package wasmtest

import "github.com/woxQAQ/wasmoo/pkg/abi"

// Empty is the smallest valid module.
func Empty() []byte {
	return New().Bytes()
}

// Noop exports a _start that returns immediately.
func Noop() []byte {
	b := New()
	start := b.Func(b.Type(nil, nil), 0)
	return b.Export("_start", start).Bytes()
}

// EchoArg exports _start, which copies argv[index] from the capability
// bridge and writes it to stdout.
func EchoArg(index int32) []byte {
	b := New()
	io3 := b.Type([]byte{I32, I32, I32}, []byte{I32})
	argvGet := b.Import(abi.ImportModule, abi.FuncArgvGet, io3)
	write := b.Import(abi.ImportModule, abi.FuncWrite, io3)
	start := b.Func(b.Type(nil, nil), 0,
		I32Const(int32(abi.Stdout)),
		I32Const(0),
		I32Const(index), I32Const(0), I32Const(256), Call(argvGet),
		Call(write),
		Op(OpDrop),
	)
	return b.Memory(1).Export("_start", start).Bytes()
}

// WriteFile exports _start, which opens path in write mode, writes content
// to it and closes it.
func WriteFile(path, content string) []byte {
	const (
		pathAt    = 0
		contentAt = 4096
	)
	b := New()
	open := b.Import(abi.ImportModule, abi.FuncOpen, b.Type([]byte{I32, I32, I32}, []byte{I32}))
	write := b.Import(abi.ImportModule, abi.FuncWrite, b.Type([]byte{I32, I32, I32}, []byte{I32}))
	closeFn := b.Import(abi.ImportModule, abi.FuncClose, b.Type([]byte{I32}, []byte{I32}))
	start := b.Func(b.Type(nil, nil), 1,
		I32Const(pathAt), I32Const(int32(len(path))), I32Const(int32(abi.ModeWrite)), Call(open),
		LocalSet(0),
		LocalGet(0), I32Const(contentAt), I32Const(int32(len(content))), Call(write),
		Op(OpDrop),
		LocalGet(0), Call(closeFn),
		Op(OpDrop),
	)
	return b.Memory(1).
		Data(pathAt, []byte(path)).
		Data(contentAt, []byte(content)).
		Export("_start", start).
		Bytes()
}

// Exit exports _start, which calls WASI proc_exit with code.
func Exit(code int32) []byte {
	b := New()
	procExit := b.Import("wasi_snapshot_preview1", "proc_exit", b.Type([]byte{I32}, nil))
	start := b.Func(b.Type(nil, nil), 0, I32Const(code), Call(procExit))
	return b.Memory(1).Export("_start", start).Bytes()
}

// MemorylessWrite declares no memory. Its _start asks the bridge to write
// four bytes from offset 0 to stdout and exits with the negated result, so
// a refused write surfaces as the errno code.
func MemorylessWrite() []byte {
	b := New()
	write := b.Import(abi.ImportModule, abi.FuncWrite, b.Type([]byte{I32, I32, I32}, []byte{I32}))
	procExit := b.Import("wasi_snapshot_preview1", "proc_exit", b.Type([]byte{I32}, nil))
	start := b.Func(b.Type(nil, nil), 0,
		I32Const(0),
		I32Const(int32(abi.Stdout)), I32Const(0), I32Const(4), Call(write),
		Op(OpI32Sub),
		Call(procExit),
	)
	return b.Export("_start", start).Bytes()
}

// Trap exports _start, which executes unreachable.
func Trap() []byte {
	b := New()
	start := b.Func(b.Type(nil, nil), 0, Op(OpUnreachable))
	return b.Export("_start", start).Bytes()
}

// Closer exports close_fd(i32) -> i32, forwarding to the bridge's close.
func Closer() []byte {
	b := New()
	sig := b.Type([]byte{I32}, []byte{I32})
	closeFn := b.Import(abi.ImportModule, abi.FuncClose, sig)
	fn := b.Func(sig, 0, LocalGet(0), Call(closeFn))
	return b.Memory(1).Export("close_fd", fn).Bytes()
}
