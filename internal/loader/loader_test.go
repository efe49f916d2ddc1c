package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasmoo/internal/sandbox"
	"github.com/woxQAQ/wasmoo/internal/wasm"
	"github.com/woxQAQ/wasmoo/internal/wasmtest"
)

var engine *wasm.Runtime

func TestMain(m *testing.M) {
	ctx := context.Background()
	rt, err := wasm.Initialize(ctx, zap.NewNop(), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize engine:", err)
		os.Exit(1)
	}
	engine = rt
	code := m.Run()
	_ = rt.Close(ctx)
	os.Exit(code)
}

type fixture struct {
	run    *sandbox.Run
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newFixture(t *testing.T, argv ...string) *fixture {
	t.Helper()
	var stdout, stderr bytes.Buffer
	run, err := sandbox.New(engine, argv,
		sandbox.WithStdio(strings.NewReader(""), &stdout, &stderr),
		sandbox.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.Close(context.Background()) })
	return &fixture{run: run, stdout: &stdout, stderr: &stderr}
}

func writeGuest(t *testing.T, wasm []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guest.wasm")
	require.NoError(t, os.WriteFile(path, wasm, 0o644))
	return path
}

func configFor(asset string) Config {
	cfg := DefaultConfig()
	cfg.AssetPath = asset
	return cfg
}

func requireGuestError(t *testing.T, err error) *GuestError {
	t.Helper()
	var ge *GuestError
	require.True(t, errors.As(err, &ge), "expected *GuestError, got %T: %v", err, err)
	return ge
}

func TestRun_DeliversArgvAndInvokesEntryOnce(t *testing.T) {
	f := newFixture(t, "moonc", "--version")
	l := New(configFor(writeGuest(t, wasmtest.EchoArg(1))), zaptest.NewLogger(t))

	err := l.Run(context.Background(), f.run)
	require.NoError(t, err)
	assert.Equal(t, "--version", f.stdout.String())
}

func TestRun_ExitStatus(t *testing.T) {
	f := newFixture(t, "moonc")
	l := New(configFor(writeGuest(t, wasmtest.Exit(3))), zaptest.NewLogger(t))

	ge := requireGuestError(t, l.Run(context.Background(), f.run))
	assert.Equal(t, 3, ge.ExitCode)
	assert.Empty(t, ge.Frames)
	assert.Contains(t, ge.Message, "status 3")
}

func TestRun_ExitZeroIsSuccess(t *testing.T) {
	f := newFixture(t, "moonc")
	l := New(configFor(writeGuest(t, wasmtest.Exit(0))), zaptest.NewLogger(t))

	assert.NoError(t, l.Run(context.Background(), f.run))
}

func TestRun_TrapIsGuestError(t *testing.T) {
	f := newFixture(t, "moonc")
	l := New(configFor(writeGuest(t, wasmtest.Trap())), zaptest.NewLogger(t))

	err := l.Run(context.Background(), f.run)
	ge := requireGuestError(t, err)
	assert.Equal(t, 1, ge.ExitCode)

	var callErr *wasm.CallError
	assert.True(t, errors.As(err, &callErr), "trap should unwrap to *wasm.CallError")

	require.NotEmpty(t, ge.Frames)
	var inScript bool
	for _, fr := range ge.Frames {
		if fr.File == ScriptName {
			inScript = true
		}
	}
	assert.True(t, inScript, "frames should point into %s: %v", ScriptName, ge.Frames)
	assert.Contains(t, ge.Error(), "Traceback")
}

func TestRun_MissingEntry(t *testing.T) {
	f := newFixture(t, "moonc")
	cfg := configFor(writeGuest(t, wasmtest.Noop()))
	cfg.Entry = "main"
	l := New(cfg, zaptest.NewLogger(t))

	ge := requireGuestError(t, l.Run(context.Background(), f.run))
	assert.Contains(t, ge.Message, "does not export main")
	assert.Contains(t, ge.Message, "_start")
}

func TestRun_MissingAsset(t *testing.T) {
	f := newFixture(t)
	l := New(configFor(filepath.Join(t.TempDir(), "absent.wasm")), zaptest.NewLogger(t))

	err := l.Run(context.Background(), f.run)
	var assetErr *AssetError
	require.True(t, errors.As(err, &assetErr), "got %T: %v", err, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_CompileErrors(t *testing.T) {
	asset := writeGuest(t, wasmtest.Noop())

	for name, src := range map[string]string{
		"syntax":     "def main(:\n    pass\n",
		"undefined":  "exit_code = no_such_binding()\n",
		"toplevelif": "if True:\n    exit_code = 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			l := New(configFor(asset), zaptest.NewLogger(t), WithScript("broken.star", src))

			err := l.Run(context.Background(), f.run)
			var compileErr *CompileError
			require.True(t, errors.As(err, &compileErr), "got %T: %v", err, err)
			assert.Equal(t, "broken.star", compileErr.Script)

			var ge *GuestError
			assert.False(t, errors.As(err, &ge), "compile errors are not guest errors")
		})
	}
}

func TestRun_StackFramesLimit(t *testing.T) {
	var src strings.Builder
	src.WriteString("def f0():\n    fail(\"deep\")\n")
	for i := 1; i < 15; i++ {
		fmt.Fprintf(&src, "def f%d():\n    f%d()\n", i, i-1)
	}
	src.WriteString("f14()\n")

	cfg := configFor(writeGuest(t, wasmtest.Noop()))
	cfg.StackFrames = 10

	f := newFixture(t)
	l := New(cfg, zaptest.NewLogger(t), WithScript("deep.star", src.String()))

	ge := requireGuestError(t, l.Run(context.Background(), f.run))
	assert.Len(t, ge.Frames, 10)
	assert.Contains(t, ge.Message, "deep")
	for _, fr := range ge.Frames {
		assert.NotEqual(t, "<toplevel>", fr.Function, "outermost frames should be trimmed")
	}
}

func TestRun_EntryPointRunsAtMostOnce(t *testing.T) {
	f := newFixture(t, "moonc", "--version")
	src := `
guest = wasm_instantiate(guest_asset, argv = process_argv, name = guest_name)
guest.call(guest_entry)
guest.call(guest_entry)
`
	l := New(configFor(writeGuest(t, wasmtest.EchoArg(1))), zaptest.NewLogger(t), WithScript("twice.star", src))

	err := l.Run(context.Background(), f.run)
	requireGuestError(t, err)

	var invoked *wasm.EntryInvokedError
	assert.True(t, errors.As(err, &invoked), "got %v", err)
	assert.Equal(t, "--version", f.stdout.String())
}

func TestRun_ResourceErrorsAreValues(t *testing.T) {
	f := newFixture(t)
	src := `
h, err = fs_open(guest_asset + ".missing")
fs_write(1, "%d %s" % (h, err))
`
	l := New(configFor(writeGuest(t, wasmtest.Noop())), zaptest.NewLogger(t), WithScript("values.star", src))

	require.NoError(t, l.Run(context.Background(), f.run))
	assert.Equal(t, "-1 NotFound", f.stdout.String())
}

func TestRun_GuestValue(t *testing.T) {
	f := newFixture(t)
	src := `
guest = wasm_instantiate(guest_asset, name = "inspect")
fs_write(1, "%s %s %s" % (guest.name, type(guest), ",".join(guest.exports)))
`
	l := New(configFor(writeGuest(t, wasmtest.Noop())), zaptest.NewLogger(t), WithScript("inspect.star", src))

	require.NoError(t, l.Run(context.Background(), f.run))
	assert.Equal(t, "inspect guest _start", f.stdout.String())
}

func TestRun_ExitCodeMustBeInt(t *testing.T) {
	f := newFixture(t)
	l := New(configFor(writeGuest(t, wasmtest.Noop())), zaptest.NewLogger(t),
		WithScript("badexit.star", `exit_code = "zero"`))

	ge := requireGuestError(t, l.Run(context.Background(), f.run))
	assert.Equal(t, 1, ge.ExitCode)
}

func TestRun_ExitStatusBeyondInt32(t *testing.T) {
	f := newFixture(t, "moonc")
	// proc_exit(-1) reports status 0xFFFFFFFF.
	l := New(configFor(writeGuest(t, wasmtest.Exit(-1))), zaptest.NewLogger(t))

	ge := requireGuestError(t, l.Run(context.Background(), f.run))
	assert.Equal(t, 1, ge.ExitCode)
	assert.Contains(t, ge.Message, "4294967295")
	assert.NotContains(t, ge.Message, "not an integer")
}

func TestRun_ScriptExitCodeOutOfRange(t *testing.T) {
	f := newFixture(t)
	l := New(configFor(writeGuest(t, wasmtest.Noop())), zaptest.NewLogger(t),
		WithScript("bigexit.star", `exit_code = 1 << 40`))

	ge := requireGuestError(t, l.Run(context.Background(), f.run))
	assert.Equal(t, 1, ge.ExitCode)
	assert.Contains(t, ge.Message, "1099511627776")
}

func TestRun_ClosesGuestWithRun(t *testing.T) {
	f := newFixture(t, "moonc", "--version")
	before := engine.ActiveInstances()
	l := New(configFor(writeGuest(t, wasmtest.EchoArg(1))), zaptest.NewLogger(t))

	require.NoError(t, l.Run(context.Background(), f.run))
	assert.Equal(t, before+1, engine.ActiveInstances())

	require.NoError(t, f.run.Close(context.Background()))
	assert.Equal(t, before, engine.ActiveInstances())
}

func TestInstantiateOutsideRun(t *testing.T) {
	thread := &starlark.Thread{Name: "detached"}
	_, err := starlark.Call(thread, starlark.NewBuiltin(IntrinsicInstantiate, wasmInstantiate),
		starlark.Tuple{starlark.String("guest.wasm")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside a bootstrap run")
}

func TestResolveAsset(t *testing.T) {
	dir := t.TempDir()
	asset := filepath.Join(dir, "moonc.wasm")
	require.NoError(t, os.WriteFile(asset, wasmtest.Empty(), 0o644))

	got, err := ResolveAsset(asset)
	require.NoError(t, err)
	assert.Equal(t, asset, got)

	t.Chdir(dir)
	got, err = ResolveAsset("moonc.wasm")
	require.NoError(t, err)
	assert.Equal(t, "moonc.wasm", filepath.Base(got))
	assert.True(t, filepath.IsAbs(got))

	var assetErr *AssetError
	_, err = ResolveAsset(dir)
	require.True(t, errors.As(err, &assetErr), "a directory is not a guest asset")

	_, err = ResolveAsset("")
	require.True(t, errors.As(err, &assetErr))

	_, err = ResolveAsset("nowhere.wasm")
	require.True(t, errors.As(err, &assetErr))
	assert.Len(t, assetErr.Tried, 2)
}

func TestEmbeddedBootstrapCompiles(t *testing.T) {
	require.NotEmpty(t, bootstrapSource)
	assert.Contains(t, bootstrapSource, "version "+BootstrapVersion)
}
