// Package sandbox creates the per-run execution context: one script
// namespace and one capability bridge, torn down together when the run ends.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.starlark.net/starlark"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasmoo/internal/bridge"
	"github.com/woxQAQ/wasmoo/internal/fdtable"
	"github.com/woxQAQ/wasmoo/internal/wasm"
)

var runSeq atomic.Uint64

type options struct {
	id      string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	logger  *zap.Logger
	maxRead int
}

// Option configures a Run.
type Option func(*options)

// WithStdio sets the streams behind handles 0, 1 and 2. Defaults are the
// process streams.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdin, o.stdout, o.stderr = stdin, stdout, stderr
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithID names the run. Generated when unset.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithMaxRead caps a single read request through the bridge.
func WithMaxRead(n int) Option {
	return func(o *options) { o.maxRead = n }
}

// Run is one execution context. It owns a global namespace, the thread
// that evaluates it and a bridge over a fresh descriptor table. A Run is
// used for exactly one guest execution and then closed.
type Run struct {
	id      string
	argv    []string
	runtime *wasm.Runtime
	bridge  *bridge.Bridge
	thread  *starlark.Thread
	globals starlark.StringDict
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	logger  *zap.Logger

	mu        sync.Mutex
	instances []*wasm.Instance
	closed    bool
	closeErr  error
}

// New creates an execution context for argv on rt. The runtime must be the
// one created by wasm.Initialize and still be open.
func New(rt *wasm.Runtime, argv []string, opts ...Option) (*Run, error) {
	engine, err := wasm.Current()
	if err != nil || rt == nil || rt != engine {
		return nil, wasm.ErrNotInitialized
	}

	o := options{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = fmt.Sprintf("run-%d", runSeq.Add(1))
	}
	logger := o.logger.With(zap.String("component", "sandbox"), zap.String("run_id", o.id))

	var bridgeOpts []bridge.Option
	if o.maxRead > 0 {
		bridgeOpts = append(bridgeOpts, bridge.WithMaxRead(o.maxRead))
	}
	argv = append([]string(nil), argv...)
	table := fdtable.New(o.stdin, o.stdout, o.stderr)
	b := bridge.New(table, argv, o.logger, bridgeOpts...)

	stdout := o.stdout
	thread := &starlark.Thread{
		Name: o.id,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(stdout, msg)
		},
	}
	bridge.Attach(thread, b)

	globals := bridge.Bindings()
	globals[bridge.BindingArgv] = bridge.ArgvValue(argv)

	logger.Debug("Execution context created", zap.Strings("argv", argv))

	return &Run{
		id:      o.id,
		argv:    argv,
		runtime: rt,
		bridge:  b,
		thread:  thread,
		globals: globals,
		stdin:   o.stdin,
		stdout:  o.stdout,
		stderr:  o.stderr,
		logger:  logger,
	}, nil
}

// ID returns the run's name.
func (r *Run) ID() string { return r.id }

// Argv returns a copy of the argument vector.
func (r *Run) Argv() []string { return append([]string(nil), r.argv...) }

// Runtime returns the engine the run executes on.
func (r *Run) Runtime() *wasm.Runtime { return r.runtime }

// Bridge returns the run's capability bridge.
func (r *Run) Bridge() *bridge.Bridge { return r.bridge }

// Thread returns the script thread. The bridge lives in its thread-local
// storage, out of reach of script code.
func (r *Run) Thread() *starlark.Thread { return r.thread }

// Globals returns the run's global namespace. Callers add to a copy; the
// bindings installed by New are never replaced.
func (r *Run) Globals() starlark.StringDict {
	g := make(starlark.StringDict, len(r.globals))
	for k, v := range r.globals {
		g[k] = v
	}
	return g
}

// Stdio returns the streams behind handles 0, 1 and 2.
func (r *Run) Stdio() (io.Reader, io.Writer, io.Writer) {
	return r.stdin, r.stdout, r.stderr
}

// Logger returns the run's logger.
func (r *Run) Logger() *zap.Logger { return r.logger }

// Context returns ctx carrying the run's bridge. Guest calls must use it
// so host imports reach this run's descriptor table.
func (r *Run) Context(ctx context.Context) context.Context {
	return bridge.WithBridge(ctx, r.bridge)
}

// Track registers a guest instance to be closed with the run.
func (r *Run) Track(inst *wasm.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("run %s is closed", r.id)
	}
	r.instances = append(r.instances, inst)
	return nil
}

// Close closes the run's guest instances and every descriptor it still
// holds. Later calls return the first result.
func (r *Run) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.closeErr
	}
	r.closed = true

	var err error
	for _, inst := range r.instances {
		err = multierr.Append(err, inst.Close(ctx))
	}
	r.instances = nil

	open := r.bridge.Table().Len() - 3
	err = multierr.Append(err, r.bridge.CloseAll())
	r.closeErr = err

	r.logger.Debug("Execution context closed",
		zap.Int("closed_handles", open),
		zap.Error(err),
	)
	return err
}
