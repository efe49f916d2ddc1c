// Package launcher drives one process-level run: engine bootstrap, the
// execution context, the guest loader and teardown.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/wasmoo/internal/config"
	"github.com/woxQAQ/wasmoo/internal/loader"
	"github.com/woxQAQ/wasmoo/internal/sandbox"
	"github.com/woxQAQ/wasmoo/internal/wasm"
)

// Exit codes for failures that carry no guest status.
const (
	ExitGuestFailure = 1
	ExitFatal        = 2
)

// Kind classifies the outcome of a run.
type Kind int

const (
	KindSuccess Kind = iota
	// Engine bootstrap, context creation or guest asset failure.
	KindStartup
	// The bootstrap script did not compile.
	KindCompile
	// The guest failed or exited with a non-zero status.
	KindGuest
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindStartup:
		return "startup"
	case KindCompile:
		return "compile"
	case KindGuest:
		return "guest"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is the single result of a run.
type Outcome struct {
	Kind       Kind
	ExitCode   int
	Diagnostic string
	Err        error
}

// OK reports whether the run succeeded.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Launcher owns the engine, context and loader for one process run.
type Launcher struct {
	cfg     *config.HostConfig
	logger  *zap.Logger
	runtime *wasm.Runtime
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer

	loaderOpts []loader.Option
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithRuntime runs on an already initialized engine instead of
// bootstrapping one. The launcher does not close it.
func WithRuntime(rt *wasm.Runtime) Option {
	return func(l *Launcher) { l.runtime = rt }
}

// WithStdio sets the guest's standard streams.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(l *Launcher) {
		l.stdin, l.stdout, l.stderr = stdin, stdout, stderr
	}
}

// WithLoaderOptions passes options through to the guest loader.
func WithLoaderOptions(opts ...loader.Option) Option {
	return func(l *Launcher) { l.loaderOpts = append(l.loaderOpts, opts...) }
}

func New(cfg *config.HostConfig, logger *zap.Logger, opts ...Option) *Launcher {
	l := &Launcher{
		cfg:    cfg,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the guest with argv [program, args...] and reports one
// outcome. Initialization failures are fatal: no guest code runs.
func (l *Launcher) Run(ctx context.Context, program string, args []string) Outcome {
	argv := append([]string{program}, args...)

	rt := l.runtime
	if rt == nil {
		var err error
		rt, err = wasm.Initialize(ctx, l.logger, l.cfg.RuntimeConfig())
		if err != nil {
			return l.outcome(fmt.Errorf("failed to initialize Wasm engine: %w", err))
		}
		defer func() {
			if err := rt.Close(ctx); err != nil {
				l.logger.Error("Failed to shutdown Wasm engine", zap.Error(err))
			}
		}()
	}

	engine := rt.Config()
	l.logger.Debug("Using Wasm engine",
		zap.Strings("features", engine.Features),
		zap.Uint32("memory_pages", engine.MemoryPages),
		zap.Int("max_instances", engine.MaxInstances),
		zap.Bool("wasi", engine.WASI),
	)

	run, err := sandbox.New(rt, argv,
		sandbox.WithStdio(l.stdin, l.stdout, l.stderr),
		sandbox.WithLogger(l.logger),
		sandbox.WithMaxRead(l.cfg.Engine.MaxRead),
	)
	if err != nil {
		return l.outcome(fmt.Errorf("failed to create execution context: %w", err))
	}

	runErr := loader.New(l.cfg.LoaderConfig(), l.logger, l.loaderOpts...).Run(ctx, run)

	if err := run.Close(ctx); err != nil {
		l.logger.Warn("Execution context teardown reported errors",
			zap.String("run_id", run.ID()),
			zap.Error(err),
		)
	}

	out := l.outcome(runErr)
	l.logger.Info("Run finished",
		zap.String("run_id", run.ID()),
		zap.Stringer("outcome", out.Kind),
		zap.Int("exit_code", out.ExitCode),
	)
	return out
}

func (l *Launcher) outcome(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindSuccess}
	}

	var (
		guestErr   *loader.GuestError
		compileErr *loader.CompileError
	)
	switch {
	case errors.As(err, &guestErr):
		return Outcome{
			Kind:       KindGuest,
			ExitCode:   guestErr.ExitCode,
			Diagnostic: guestErr.Error(),
			Err:        err,
		}
	case errors.As(err, &compileErr):
		l.logger.Error("Bootstrap script is broken", zap.Error(err))
		return Outcome{
			Kind:       KindCompile,
			ExitCode:   ExitFatal,
			Diagnostic: "internal error: " + err.Error(),
			Err:        err,
		}
	default:
		l.logger.Error("Startup failed", zap.Error(err))
		return Outcome{
			Kind:       KindStartup,
			ExitCode:   ExitFatal,
			Diagnostic: "startup failed: " + err.Error(),
			Err:        err,
		}
	}
}

// NewLogger builds the production JSON logger writing to stderr.
func NewLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
