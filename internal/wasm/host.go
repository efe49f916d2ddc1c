package wasm

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasmoo/internal/bridge"
	"github.com/woxQAQ/wasmoo/pkg/abi"
)

// HostFunctionsImpl implements the capability imports for guest modules.
// The host module is instantiated once per runtime; each call finds the
// calling run's bridge in the context passed to the guest export.
type HostFunctionsImpl struct {
	logger *zap.Logger
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "wasm-host")),
	}
}

// Instantiate builds the capability module and registers it with r.
func (h *HostFunctionsImpl) Instantiate(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(abi.ImportModule)
	h.export(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		return &HostFunctionError{FunctionName: abi.ImportModule, Err: err}
	}
	return nil
}

// export registers Go functions for import by Wasm modules.
func (h *HostFunctionsImpl) export(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(h.open).
		WithParameterNames("path_ptr", "path_len", "mode").
		Export(abi.FuncOpen)

	builder.NewFunctionBuilder().
		WithFunc(h.read).
		WithParameterNames("fd", "buf_ptr", "buf_len").
		Export(abi.FuncRead)

	builder.NewFunctionBuilder().
		WithFunc(h.write).
		WithParameterNames("fd", "buf_ptr", "buf_len").
		Export(abi.FuncWrite)

	builder.NewFunctionBuilder().
		WithFunc(h.seek).
		WithParameterNames("fd", "offset", "whence").
		Export(abi.FuncSeek)

	builder.NewFunctionBuilder().
		WithFunc(h.close).
		WithParameterNames("fd").
		Export(abi.FuncClose)

	builder.NewFunctionBuilder().
		WithFunc(h.argvCount).
		Export(abi.FuncArgvCount)

	builder.NewFunctionBuilder().
		WithFunc(h.argvLen).
		WithParameterNames("index").
		Export(abi.FuncArgvLen)

	builder.NewFunctionBuilder().
		WithFunc(h.argvGet).
		WithParameterNames("index", "buf_ptr", "buf_len").
		Export(abi.FuncArgvGet)
}

// bridgeFor returns the calling run's bridge. A guest invoked outside a
// run gets BadHandle from every import.
func (h *HostFunctionsImpl) bridgeFor(ctx context.Context, fn string) (*bridge.Bridge, bool) {
	b, ok := bridge.FromContext(ctx)
	if !ok {
		h.logger.Error("Host function called without a bridge in context", zap.String("function", fn))
	}
	return b, ok
}

func (h *HostFunctionsImpl) memoryFault(fn string, err error) int32 {
	h.logger.Warn("Guest passed an invalid buffer",
		zap.String("function", fn),
		zap.Error(err),
	)
	return abi.InvalidArgument.Sentinel()
}

// clampLen keeps byte counts representable in an i32 result.
func clampLen(n uint32) uint32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return n
}

// open(path_ptr, path_len, mode) -> fd | -errno
func (h *HostFunctionsImpl) open(ctx context.Context, mod api.Module, pathPtr, pathLen, mode uint32) int32 {
	b, ok := h.bridgeFor(ctx, abi.FuncOpen)
	if !ok {
		return abi.BadHandle.Sentinel()
	}
	path, err := NewMemory(mod).ReadString(pathPtr, pathLen)
	if err != nil {
		return h.memoryFault(abi.FuncOpen, err)
	}
	fd, err := b.Open(path, abi.Mode(mode))
	if err != nil {
		return bridge.CodeOf(err).Sentinel()
	}
	return int32(fd)
}

// read(fd, buf_ptr, buf_len) -> n | -errno; n == 0 at end of file.
func (h *HostFunctionsImpl) read(ctx context.Context, mod api.Module, fd int32, bufPtr, bufLen uint32) int32 {
	b, ok := h.bridgeFor(ctx, abi.FuncRead)
	if !ok {
		return abi.BadHandle.Sentinel()
	}
	buf, err := NewMemory(mod).View(bufPtr, clampLen(bufLen))
	if err != nil {
		return h.memoryFault(abi.FuncRead, err)
	}
	n, err := b.ReadInto(abi.Handle(fd), buf)
	if err != nil {
		return bridge.CodeOf(err).Sentinel()
	}
	return int32(n)
}

// write(fd, buf_ptr, buf_len) -> n | -errno
func (h *HostFunctionsImpl) write(ctx context.Context, mod api.Module, fd int32, bufPtr, bufLen uint32) int32 {
	b, ok := h.bridgeFor(ctx, abi.FuncWrite)
	if !ok {
		return abi.BadHandle.Sentinel()
	}
	data, err := NewMemory(mod).ReadBytes(bufPtr, clampLen(bufLen))
	if err != nil {
		return h.memoryFault(abi.FuncWrite, err)
	}
	n, err := b.Write(abi.Handle(fd), data)
	if err != nil {
		return bridge.CodeOf(err).Sentinel()
	}
	return int32(n)
}

// seek(fd, offset, whence) -> position | -errno
func (h *HostFunctionsImpl) seek(ctx context.Context, mod api.Module, fd int32, offset int64, whence uint32) int64 {
	b, ok := h.bridgeFor(ctx, abi.FuncSeek)
	if !ok {
		return int64(abi.BadHandle.Sentinel())
	}
	pos, err := b.Seek(abi.Handle(fd), offset, abi.Whence(whence))
	if err != nil {
		return int64(bridge.CodeOf(err).Sentinel())
	}
	return pos
}

// close(fd) -> 0 | -errno
func (h *HostFunctionsImpl) close(ctx context.Context, mod api.Module, fd int32) int32 {
	b, ok := h.bridgeFor(ctx, abi.FuncClose)
	if !ok {
		return abi.BadHandle.Sentinel()
	}
	return bridge.CodeOf(b.Close(abi.Handle(fd))).Sentinel()
}

// argv_count() -> count
func (h *HostFunctionsImpl) argvCount(ctx context.Context, mod api.Module) int32 {
	b, ok := h.bridgeFor(ctx, abi.FuncArgvCount)
	if !ok {
		return 0
	}
	return int32(b.ArgvCount())
}

// argv_len(index) -> byte length | -errno
func (h *HostFunctionsImpl) argvLen(ctx context.Context, mod api.Module, index uint32) int32 {
	b, ok := h.bridgeFor(ctx, abi.FuncArgvLen)
	if !ok {
		return abi.BadHandle.Sentinel()
	}
	arg, err := b.ArgvAt(int(index))
	if err != nil {
		return bridge.CodeOf(err).Sentinel()
	}
	return int32(len(arg))
}

// argv_get(index, buf_ptr, buf_len) -> bytes copied | -errno. The buffer
// must hold the whole argument.
func (h *HostFunctionsImpl) argvGet(ctx context.Context, mod api.Module, index, bufPtr, bufLen uint32) int32 {
	b, ok := h.bridgeFor(ctx, abi.FuncArgvGet)
	if !ok {
		return abi.BadHandle.Sentinel()
	}
	arg, err := b.ArgvAt(int(index))
	if err != nil {
		return bridge.CodeOf(err).Sentinel()
	}
	if uint32(len(arg)) > bufLen {
		return abi.InvalidArgument.Sentinel()
	}
	if err := NewMemory(mod).WriteBytes(bufPtr, []byte(arg)); err != nil {
		return h.memoryFault(abi.FuncArgvGet, err)
	}
	return int32(len(arg))
}
