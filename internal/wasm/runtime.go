package wasm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyInitialized is returned when Initialize is called more than once.
	ErrAlreadyInitialized = errors.New("wasm engine already initialized")

	// ErrNotInitialized is returned when a run is requested before
	// Initialize succeeded or after the runtime was closed.
	ErrNotInitialized = errors.New("wasm engine not initialized")
)

// Process-wide engine state. Guarded by initMu.
var (
	initMu      sync.Mutex
	initialized bool
	current     *Runtime
)

// Runtime manages the wazero runtime lifecycle.
// There is one Runtime per process; runs share it and instantiate their own
// guest instances from its compiled module cache.
type Runtime struct {
	// wazero runtime (singleton)
	runtime wazero.Runtime

	// Compiled module cache (key: module name/path -> value: compiled module)
	// This avoids recompiling the same Wasm binary multiple times
	modules sync.Map // map[string]*CompiledModule

	// Active guest instances (for cleanup on shutdown)
	// key: instance ID -> value: *Instance
	instances sync.Map

	// Number of entries in instances.
	active int32
	mu     sync.Mutex

	config *RuntimeConfig
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds engine-wide tunables.
type RuntimeConfig struct {
	// Memory limits for Wasm modules (in pages, 64KB each)
	// Default: 16384 pages = 1GB max memory per module
	MemoryPages uint32

	// Embed DWARF-derived debug info in guest stack traces.
	DebugEnabled bool

	// Compilation cache directory (for persistent caching)
	// If empty, uses in-memory caching only
	CacheDir string

	// Maximum number of concurrent guest instances
	MaxInstances int

	// Maximum goroutine stack size in MiB. Only ever raises the
	// process limit. Does not change wazero's guest call stack depth.
	StackSizeMB int

	// Core feature names enabled for guests, see ParseFeatures.
	Features []string

	// Instantiate wasi_snapshot_preview1 alongside the capability module.
	WASI bool
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	// wazero compiled module
	Module wazero.CompiledModule

	// Module metadata
	Name      string
	Source    string // File path or identifier
	SizeBytes int64

	// Compilation timestamp
	CompiledAt int64
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:  16384, // 1GB
		DebugEnabled: false,
		CacheDir:     "",
		MaxInstances: 8,
		StackSizeMB:  1536,
		Features:     []string{"v2"},
		WASI:         true,
	}
}

// Initialize configures and starts the engine. It must be called exactly
// once per process, before any run is created; later calls fail with
// ErrAlreadyInitialized and callers treat that as fatal.
func Initialize(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil, ErrAlreadyInitialized
	}
	initialized = true

	rt, err := newRuntime(ctx, logger, config)
	if err != nil {
		return nil, err
	}
	current = rt
	return rt, nil
}

// Current returns the runtime created by Initialize.
func Current() (*Runtime, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if current == nil || current.IsClosed() {
		return nil, ErrNotInitialized
	}
	return current, nil
}

func newRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}
	logger = logger.With(zap.String("component", "wasm-runtime"))

	features, err := ParseFeatures(config.Features)
	if err != nil {
		return nil, err
	}

	stack := raiseMaxStack(config.StackSizeMB)

	rc := wazero.NewRuntimeConfig().
		WithCoreFeatures(features).
		WithDebugInfoEnabled(config.DebugEnabled)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}
	if config.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
		rc = rc.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	if config.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			r.Close(ctx)
			return nil, &HostFunctionError{FunctionName: wasi_snapshot_preview1.ModuleName, Err: err}
		}
	}

	host := NewHostFunctions(logger)
	if err := host.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, err
	}

	runtime := &Runtime{
		runtime: r,
		config:  config,
		logger:  logger,
		closed:  make(chan struct{}),
	}

	logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Int("max_stack_bytes", stack),
		zap.Strings("features", config.Features),
		zap.Bool("wasi", config.WASI),
	)

	return runtime, nil
}

// raiseMaxStack lifts the goroutine stack ceiling to mb MiB if that is
// larger than the current one and returns the effective limit.
//
// The ceiling bounds host-side recursion only: the bootstrap script and the
// Go code behind host imports. Compiled guest code runs on wazero's own
// stack, whose depth limit is fixed by wazero and not affected here.
func raiseMaxStack(mb int) int {
	if mb <= 0 {
		return 0
	}
	want := mb << 20
	prev := debug.SetMaxStack(want)
	if prev > want {
		debug.SetMaxStack(prev)
		return prev
	}
	return want
}

var featureNames = map[string]api.CoreFeatures{
	"v1":                                  api.CoreFeaturesV1,
	"v2":                                  api.CoreFeaturesV2,
	"mutable-global":                      api.CoreFeatureMutableGlobal,
	"sign-extension-ops":                  api.CoreFeatureSignExtensionOps,
	"multi-value":                         api.CoreFeatureMultiValue,
	"nontrapping-float-to-int-conversion": api.CoreFeatureNonTrappingFloatToIntConversion,
	"bulk-memory-operations":              api.CoreFeatureBulkMemoryOperations,
	"reference-types":                     api.CoreFeatureReferenceTypes,
	"simd":                                api.CoreFeatureSIMD,
	"threads":                             experimental.CoreFeaturesThreads,
}

// ParseFeatures turns feature names into a wazero feature set. An empty
// list selects WebAssembly 2.0.
func ParseFeatures(names []string) (api.CoreFeatures, error) {
	if len(names) == 0 {
		return api.CoreFeaturesV2, nil
	}
	var features api.CoreFeatures
	for _, name := range names {
		f, ok := featureNames[name]
		if !ok {
			return 0, &UnknownFeatureError{Feature: name}
		}
		features |= f
	}
	return features, nil
}

// Close gracefully shuts down the runtime.
// Safe to call multiple times (idempotent).
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		// Close all active instances first
		r.instances.Range(func(key, value interface{}) bool {
			if inst, ok := value.(interface{ Close(context.Context) error }); ok {
				if closeErr := inst.Close(ctx); closeErr != nil {
					r.logger.Warn("Failed to close instance",
						zap.String("instance_id", key.(string)),
						zap.Error(closeErr),
					)
				}
			}
			return true
		})

		// Close the runtime (closes compiled modules)
		err = r.runtime.Close(ctx)

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() *RuntimeConfig {
	return r.config
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

// instance retrieves an active instance.
func (r *Runtime) instance(instanceID string) (interface{}, bool) {
	return r.instances.Load(instanceID)
}

// StoreInstance stores an active instance.
func (r *Runtime) StoreInstance(instanceID string, instance interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, loaded := r.instances.LoadOrStore(instanceID, instance); !loaded {
		r.active++
	}
}

// DeleteInstance removes an instance from tracking.
func (r *Runtime) DeleteInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, loaded := r.instances.LoadAndDelete(instanceID); loaded {
		r.active--
	}
}

// ActiveInstances returns the number of tracked instances.
func (r *Runtime) ActiveInstances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.active)
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
