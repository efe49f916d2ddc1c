// Package loader runs the bootstrap script that instantiates the guest
// program inside an execution context and invokes its entry point.
package loader

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasmoo/internal/sandbox"
	"github.com/woxQAQ/wasmoo/internal/wasm"
)

const (
	// BootstrapVersion identifies the embedded bootstrap script.
	BootstrapVersion = "1"

	// ScriptName is the file name diagnostics attribute the bootstrap to.
	ScriptName = "bootstrap.star"
)

// Names of the loader intrinsics visible to the bootstrap script.
const (
	IntrinsicAsset       = "guest_asset"
	IntrinsicEntry       = "guest_entry"
	IntrinsicName        = "guest_name"
	IntrinsicInstantiate = "wasm_instantiate"

	exitCodeGlobal = "exit_code"
)

//go:embed bootstrap.star
var bootstrapSource string

// Config selects the guest and how failures are reported.
type Config struct {
	// Path of the guest binary. Relative paths are tried against the
	// working directory, then the executable's directory.
	AssetPath string

	// Export invoked as the entry point.
	Entry string

	// Display name of the guest.
	Name string

	// Maximum number of backtrace frames kept in a GuestError.
	StackFrames int
}

// DefaultConfig returns the settings for the bundled compiler guest.
func DefaultConfig() Config {
	return Config{
		AssetPath:   filepath.Join("assets", "moonc.wasm"),
		Entry:       "_start",
		Name:        "moonc",
		StackFrames: 10,
	}
}

// Loader compiles and executes the bootstrap script.
type Loader struct {
	config Config
	base   *zap.Logger
	logger *zap.Logger
	script string
	source string
}

// Option configures a Loader.
type Option func(*Loader)

// WithScript replaces the embedded bootstrap script.
func WithScript(name, source string) Option {
	return func(l *Loader) {
		l.script = name
		l.source = source
	}
}

// New creates a loader.
func New(config Config, logger *zap.Logger, opts ...Option) *Loader {
	if config.StackFrames <= 0 {
		config.StackFrames = DefaultConfig().StackFrames
	}
	l := &Loader{
		config: config,
		base:   logger,
		logger: logger.With(zap.String("component", "loader")),
		script: ScriptName,
		source: bootstrapSource,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the loader's configuration.
func (l *Loader) Config() Config {
	return l.config
}

// Run executes the bootstrap in run. It makes a single pass and returns
// nil on success or exactly one of *AssetError, *CompileError or
// *GuestError.
func (l *Loader) Run(ctx context.Context, run *sandbox.Run) error {
	asset, err := ResolveAsset(l.config.AssetPath)
	if err != nil {
		return err
	}

	logger := l.logger.With(zap.String("run_id", run.ID()))
	logger.Info("Running bootstrap",
		zap.String("script", l.script),
		zap.String("bootstrap_version", BootstrapVersion),
		zap.String("asset", asset),
		zap.String("entry", l.config.Entry),
	)

	predeclared := run.Globals()
	predeclared[IntrinsicAsset] = starlark.String(asset)
	predeclared[IntrinsicEntry] = starlark.String(l.config.Entry)
	predeclared[IntrinsicName] = starlark.String(l.config.Name)
	predeclared[IntrinsicInstantiate] = starlark.NewBuiltin(IntrinsicInstantiate, wasmInstantiate)

	_, prog, err := starlark.SourceProgramOptions(&syntax.FileOptions{}, l.script, l.source, predeclared.Has)
	if err != nil {
		logger.Error("Bootstrap script failed to compile", zap.Error(err))
		return &CompileError{Script: l.script, Err: err}
	}

	thread := run.Thread()
	attachSession(thread, &session{
		ctx:       ctx,
		run:       run,
		modules:   wasm.NewModuleLoader(run.Runtime(), l.base),
		instances: wasm.NewInstanceManager(run.Runtime(), l.base),
	})
	defer detachSession(thread)

	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		guestErr := l.guestError(err)
		logger.Warn("Guest run failed",
			zap.String("message", guestErr.Message),
			zap.Int("frames", len(guestErr.Frames)),
		)
		return guestErr
	}

	if v, ok := globals[exitCodeGlobal]; ok && v != starlark.None {
		status, ok := v.(starlark.Int)
		if !ok {
			return &GuestError{
				Message:  fmt.Sprintf("%s is not an integer: %s", exitCodeGlobal, v.Type()),
				ExitCode: 1,
			}
		}
		if status.Sign() != 0 {
			code := processExitCode(status)
			logger.Info("Guest exited with status",
				zap.String("status", status.String()),
				zap.Int("exit_code", code),
			)
			return &GuestError{
				Message:  fmt.Sprintf("guest %s exited with status %s", l.config.Name, status),
				ExitCode: code,
			}
		}
	}

	logger.Info("Guest completed")
	return nil
}

// processExitCode maps a nonzero guest status to the host's exit code.
// Statuses outside the int32 range, such as a WASI status of 0xFFFFFFFF,
// become 1.
func processExitCode(status starlark.Int) int {
	n, ok := status.Int64()
	if !ok || n < math.MinInt32 || n > math.MaxInt32 {
		return 1
	}
	return int(n)
}

// guestError converts an execution failure, keeping the innermost
// StackFrames frames.
func (l *Loader) guestError(err error) *GuestError {
	ge := &GuestError{Message: err.Error(), ExitCode: 1, Err: err}

	var evalErr *starlark.EvalError
	if !errors.As(err, &evalErr) {
		return ge
	}
	ge.Message = evalErr.Msg

	stack := evalErr.CallStack
	if len(stack) > l.config.StackFrames {
		stack = stack[len(stack)-l.config.StackFrames:]
	}
	ge.Frames = make([]Frame, 0, len(stack))
	for _, fr := range stack {
		ge.Frames = append(ge.Frames, Frame{
			Function: fr.Name,
			File:     fr.Pos.Filename(),
			Line:     int(fr.Pos.Line),
			Column:   int(fr.Pos.Col),
		})
	}
	return ge
}

// ResolveAsset locates the guest binary. An absolute path is used as is;
// a relative one is tried against the working directory and then the
// directory of the running executable. The file must be a readable
// regular file.
func ResolveAsset(path string) (string, error) {
	if path == "" {
		return "", &AssetError{Err: errors.New("no guest asset configured")}
	}

	var candidates []string
	if filepath.IsAbs(path) {
		candidates = []string{path}
	} else {
		if wd, err := os.Getwd(); err == nil {
			candidates = append(candidates, filepath.Join(wd, path))
		}
		if exe, err := os.Executable(); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(exe), path))
		}
	}

	var lastErr error = os.ErrNotExist
	for _, candidate := range candidates {
		if err := checkReadable(candidate); err != nil {
			lastErr = err
			continue
		}
		return candidate, nil
	}
	return "", &AssetError{Path: path, Tried: candidates, Err: lastErr}
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
