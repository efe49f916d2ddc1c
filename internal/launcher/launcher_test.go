package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasmoo/internal/config"
	"github.com/woxQAQ/wasmoo/internal/loader"
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

type streams struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func setup(t *testing.T, guest []byte, opts ...Option) (*Launcher, *streams) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	asset := filepath.Join(t.TempDir(), "guest.wasm")
	if guest != nil {
		require.NoError(t, os.WriteFile(asset, guest, 0o644))
	}
	cfg.Guest.AssetPath = asset

	s := &streams{}
	opts = append([]Option{
		WithRuntime(engine),
		WithStdio(strings.NewReader(""), &s.stdout, &s.stderr),
	}, opts...)
	return New(cfg, zaptest.NewLogger(t), opts...), s
}

func TestRun_Success(t *testing.T) {
	l, s := setup(t, wasmtest.EchoArg(1))

	out := l.Run(context.Background(), "moonc", []string{"--version"})
	require.True(t, out.OK(), "outcome: %+v", out)
	assert.Equal(t, 0, out.ExitCode)
	assert.Empty(t, out.Diagnostic)
	assert.Equal(t, "--version", s.stdout.String())
}

func TestRun_GuestExitStatus(t *testing.T) {
	l, _ := setup(t, wasmtest.Exit(7))

	out := l.Run(context.Background(), "moonc", nil)
	assert.Equal(t, KindGuest, out.Kind)
	assert.Equal(t, 7, out.ExitCode)
}

func TestRun_GuestTrap(t *testing.T) {
	l, _ := setup(t, wasmtest.Trap())

	out := l.Run(context.Background(), "moonc", []string{"build"})
	assert.Equal(t, KindGuest, out.Kind)
	assert.Equal(t, ExitGuestFailure, out.ExitCode)
	assert.Contains(t, out.Diagnostic, "Traceback")
	assert.Contains(t, out.Diagnostic, loader.ScriptName)
}

func TestRun_MissingAssetIsFatal(t *testing.T) {
	l, s := setup(t, nil)

	out := l.Run(context.Background(), "moonc", []string{"--version"})
	assert.Equal(t, KindStartup, out.Kind)
	assert.Equal(t, ExitFatal, out.ExitCode)

	var assetErr *loader.AssetError
	assert.ErrorAs(t, out.Err, &assetErr)
	assert.Empty(t, s.stdout.String())
}

func TestRun_CompileErrorIsDistinct(t *testing.T) {
	l, _ := setup(t, wasmtest.Noop(), WithLoaderOptions(loader.WithScript("broken.star", "def (")))

	out := l.Run(context.Background(), "moonc", nil)
	assert.Equal(t, KindCompile, out.Kind)
	assert.Equal(t, ExitFatal, out.ExitCode)
	assert.Contains(t, out.Diagnostic, "internal error")
}

func TestRun_SecondEngineBootstrapIsFatal(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Guest.AssetPath = filepath.Join(t.TempDir(), "guest.wasm")
	require.NoError(t, os.WriteFile(cfg.Guest.AssetPath, wasmtest.EchoArg(1), 0o644))

	var stdout bytes.Buffer
	l := New(cfg, zaptest.NewLogger(t), WithStdio(strings.NewReader(""), &stdout, &stdout))

	out := l.Run(context.Background(), "moonc", []string{"--version"})
	assert.Equal(t, KindStartup, out.Kind)
	assert.ErrorIs(t, out.Err, wasm.ErrAlreadyInitialized)
	assert.Empty(t, stdout.String(), "no guest code may run after a failed bootstrap")
	assert.False(t, engine.IsClosed(), "a failed bootstrap must not close the existing engine")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "success", KindSuccess.String())
	assert.Equal(t, "startup", KindStartup.String())
	assert.Equal(t, "compile", KindCompile.String())
	assert.Equal(t, "guest", KindGuest.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(zapcore.WarnLevel)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}
