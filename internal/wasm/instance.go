package wasm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

var instanceSeq atomic.Uint64

// InstanceManager creates guest instances from compiled modules.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate, as stored by ModuleLoader.
	ModuleName string

	// Instance ID. Generated when empty.
	InstanceID string

	// WASI argv. The capability imports read argv from the bridge instead.
	Args []string

	// WASI standard streams. Nil leaves wazero's defaults (empty input,
	// discarded output).
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Instance is an instantiated guest whose entry point has not run yet.
type Instance struct {
	module  api.Module
	runtime *Runtime
	logger  *zap.Logger

	ID        string
	Name      string
	CreatedAt int64

	invoked   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Instantiate creates a new instance from a compiled module. No start
// function runs; the entry point is invoked later through Call.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	if m.runtime.IsClosed() {
		return nil, ErrNotInitialized
	}

	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	if limit := m.runtime.config.MaxInstances; limit > 0 && m.runtime.ActiveInstances() >= limit {
		return nil, &InstanceLimitError{Limit: limit}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = generateInstanceID()
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithArgs(config.Args...).
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	if config.Stdin != nil {
		moduleConfig = moduleConfig.WithStdin(config.Stdin)
	}
	if config.Stdout != nil {
		moduleConfig = moduleConfig.WithStdout(config.Stdout)
	}
	if config.Stderr != nil {
		moduleConfig = moduleConfig.WithStderr(config.Stderr)
	}

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	instance := &Instance{
		module:    module,
		runtime:   m.runtime,
		logger:    m.logger.With(zap.String("instance_id", instanceID)),
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
	}
	m.runtime.StoreInstance(instanceID, instance)

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(instance.Exports())),
	)

	return instance, nil
}

// Exports lists the instance's exported function names, sorted.
func (i *Instance) Exports() []string {
	defs := i.module.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Memory returns bounds-checked access to the instance's linear memory.
func (i *Instance) Memory() *Memory {
	return NewMemory(i.module)
}

// Call invokes the nullary export entry. An instance's entry point runs at
// most once; a second call fails without touching the guest.
//
// A guest that exits through WASI proc_exit reports its status as the
// returned code with a nil error. Traps come back as *CallError.
func (i *Instance) Call(ctx context.Context, entry string) (uint32, error) {
	fn := i.module.ExportedFunction(entry)
	if fn == nil {
		return 0, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: entry}
	}
	if !i.invoked.CompareAndSwap(false, true) {
		return 0, &EntryInvokedError{InstanceID: i.ID, FunctionName: entry}
	}

	i.logger.Debug("Invoking guest entry point", zap.String("function", entry))

	start := time.Now()
	_, err := fn.Call(ctx)
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			i.logger.Debug("Guest exited",
				zap.Uint32("exit_code", exit.ExitCode()),
				zap.Duration("duration", time.Since(start)),
			)
			return exit.ExitCode(), nil
		}
		return 0, &CallError{InstanceID: i.ID, FunctionName: entry, Err: err}
	}

	i.logger.Debug("Guest entry point returned", zap.Duration("duration", time.Since(start)))
	return 0, nil
}

// entered reports whether Call has run the entry point.
func (i *Instance) entered() bool {
	return i.invoked.Load()
}

// Close releases the instance. Safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.runtime.DeleteInstance(i.ID)
		i.closeErr = i.module.Close(ctx)
	})
	return i.closeErr
}

func generateInstanceID() string {
	return fmt.Sprintf("inst-%d", instanceSeq.Add(1))
}
