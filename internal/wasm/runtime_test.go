package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap/zaptest"
)

func newTestRuntime(t *testing.T, config *RuntimeConfig) *Runtime {
	t.Helper()
	runtime, err := newRuntime(context.Background(), zaptest.NewLogger(t), config)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { runtime.Close(context.Background()) })
	return runtime
}

func TestNewRuntime(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	if runtime.Config().MaxInstances != DefaultRuntimeConfig().MaxInstances {
		t.Errorf("nil config should select defaults")
	}
	if runtime.ActiveInstances() != 0 {
		t.Errorf("ActiveInstances = %d, want 0", runtime.ActiveInstances())
	}
}

// Initialize is process-wide, so this is the only test in the package that
// calls it.
func TestInitializeOnce(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	if _, err := Current(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Current before Initialize = %v, want ErrNotInitialized", err)
	}

	runtime, err := Initialize(ctx, logger, nil)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	got, err := Current()
	if err != nil || got != runtime {
		t.Fatalf("Current = %v, %v; want the initialized runtime", got, err)
	}

	if _, err := Initialize(ctx, logger, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize = %v, want ErrAlreadyInitialized", err)
	}

	if err := runtime.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := Current(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Current after Close = %v, want ErrNotInitialized", err)
	}
	if _, err := Initialize(ctx, logger, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Initialize after Close = %v, want ErrAlreadyInitialized", err)
	}
}

func TestRuntimeCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	runtime, err := newRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := runtime.Close(ctx); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := runtime.Close(ctx); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if !runtime.IsClosed() {
		t.Error("Runtime should be closed after Close()")
	}
}

func TestDefaultRuntimeConfig(t *testing.T) {
	config := DefaultRuntimeConfig()

	if config.MemoryPages != 16384 {
		t.Errorf("Default memory pages = %d, want 16384", config.MemoryPages)
	}
	if config.DebugEnabled {
		t.Error("Debug should be disabled by default")
	}
	if config.MaxInstances != 8 {
		t.Errorf("Default max instances = %d, want 8", config.MaxInstances)
	}
	if config.StackSizeMB != 1536 {
		t.Errorf("Default stack size = %d MiB, want 1536", config.StackSizeMB)
	}
	if !config.WASI {
		t.Error("WASI should be enabled by default")
	}
}

func TestRuntimeConfiguration(t *testing.T) {
	runtime := newTestRuntime(t, &RuntimeConfig{
		MemoryPages:  128,
		DebugEnabled: true,
		MaxInstances: 50,
		CacheDir:     t.TempDir(),
		Features:     []string{"v2", "threads"},
	})

	if runtime.Config().MemoryPages != 128 {
		t.Errorf("Memory pages not set correctly")
	}
}

func TestRuntimeRejectsUnknownFeature(t *testing.T) {
	_, err := newRuntime(context.Background(), zaptest.NewLogger(t), &RuntimeConfig{
		Features: []string{"v2", "exnref"},
	})

	var unknown *UnknownFeatureError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want *UnknownFeatureError", err)
	}
	if unknown.Feature != "exnref" {
		t.Errorf("Feature = %q, want exnref", unknown.Feature)
	}
}

func TestParseFeatures(t *testing.T) {
	tests := []struct {
		names []string
		want  api.CoreFeatures
	}{
		{nil, api.CoreFeaturesV2},
		{[]string{"v1"}, api.CoreFeaturesV1},
		{[]string{"v1", "simd"}, api.CoreFeaturesV1 | api.CoreFeatureSIMD},
		{[]string{"v2", "threads"}, api.CoreFeaturesV2 | experimental.CoreFeaturesThreads},
	}

	for _, tt := range tests {
		got, err := ParseFeatures(tt.names)
		if err != nil {
			t.Errorf("ParseFeatures(%v) error: %v", tt.names, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFeatures(%v) = %v, want %v", tt.names, got, tt.want)
		}
	}
}

func TestRaiseMaxStack(t *testing.T) {
	if got := raiseMaxStack(0); got != 0 {
		t.Errorf("raiseMaxStack(0) = %d, want 0", got)
	}

	big := raiseMaxStack(2048)
	if big != 2048<<20 {
		t.Fatalf("raiseMaxStack(2048) = %d", big)
	}

	// A smaller request never lowers the limit.
	if got := raiseMaxStack(1); got != big {
		t.Errorf("raiseMaxStack(1) = %d, want %d", got, big)
	}
}

func TestRuntimeContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runtime, err := newRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	cancel()

	err = runtime.Close(ctx)
	if err != nil && err != context.Canceled {
		t.Errorf("Unexpected error when closing with cancelled context: %v", err)
	}
}

func TestRuntimeModuleCache(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	module := &CompiledModule{
		Name:       "test-module",
		Source:     "test",
		SizeBytes:  1024,
		CompiledAt: time.Now().Unix(),
	}

	runtime.StoreCompiledModule(module)

	retrieved, ok := runtime.GetCompiledModule("test-module")
	if !ok {
		t.Fatal("Failed to retrieve module from cache")
	}
	if retrieved.Name != "test-module" {
		t.Errorf("Retrieved wrong module: %s", retrieved.Name)
	}
}

func TestRuntimeInstanceTracking(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	instanceID := "test-instance"
	instanceData := "test-data"

	runtime.StoreInstance(instanceID, instanceData)
	runtime.StoreInstance(instanceID, instanceData)

	retrieved, ok := runtime.instance(instanceID)
	if !ok {
		t.Fatal("Failed to retrieve instance from tracking")
	}
	if retrieved != instanceData {
		t.Errorf("Retrieved wrong instance data")
	}
	if runtime.ActiveInstances() != 1 {
		t.Errorf("ActiveInstances = %d, want 1", runtime.ActiveInstances())
	}

	runtime.DeleteInstance(instanceID)
	runtime.DeleteInstance(instanceID)

	if _, ok := runtime.instance(instanceID); ok {
		t.Error("Instance should have been deleted")
	}
	if runtime.ActiveInstances() != 0 {
		t.Errorf("ActiveInstances = %d, want 0", runtime.ActiveInstances())
	}
}

func TestCompilationError(t *testing.T) {
	err := &CompilationError{
		ModuleName: "test",
		Err:        &testError{},
	}

	expected := "failed to compile Wasm module 'test': test error"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

func TestInstantiationError(t *testing.T) {
	err := &InstantiationError{
		ModuleName: "test",
		InstanceID: "inst-1",
		Err:        &testError{},
	}

	expected := "failed to instantiate module 'test' (instance: inst-1): test error"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

func TestModuleNotFoundError(t *testing.T) {
	err := &ModuleNotFoundError{ModuleName: "test"}

	expected := "module 'test' not found in cache"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

func TestFunctionNotFoundError(t *testing.T) {
	err := &FunctionNotFoundError{
		ModuleName:   "moonc",
		FunctionName: "_start",
	}

	expected := "function '_start' not found in module 'moonc'"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

func TestCallErrorUnwrap(t *testing.T) {
	inner := &testError{}
	err := &CallError{InstanceID: "inst-1", FunctionName: "_start", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("CallError should unwrap to its cause")
	}
}

// testError is a simple error for testing.
type testError struct{}

func (e *testError) Error() string {
	return "test error"
}
