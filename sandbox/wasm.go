package sandbox

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/MoSiYuan/cis/memory"
	"github.com/MoSiYuan/cis/skill"
	"github.com/MoSiYuan/cis/vector"
)

// Runtime executes WASM skills. One engine is shared (compilation cache);
// every invocation gets a fresh store with its own fuel and memory ceiling.
type Runtime struct {
	engine    *wasmtime.Engine
	validator *validator
	memorySvc *memory.Service
	embedder  vector.EmbeddingService
	audit     AuditSink
	logger    *slog.Logger
	moduleDir string
}

// Config configures the WASM runtime.
type Config struct {
	// ModuleDir is where skill modules live; a manifest's entry is resolved
	// against it.
	ModuleDir string
	Memory    *memory.Service
	Embedder  vector.EmbeddingService
	Audit     AuditSink
	Logger    *slog.Logger
}

// NewRuntime builds the engine with the fixed confinement profile:
// fuel metering on, threads/atomics and memory64 off.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	engineCfg := wasmtime.NewConfig()
	engineCfg.SetConsumeFuel(true)
	engineCfg.SetEpochInterruption(true)
	engineCfg.SetWasmThreads(false)
	engineCfg.SetWasmMemory64(false)
	engine := wasmtime.NewEngineWithConfig(engineCfg)

	return &Runtime{
		engine:    engine,
		validator: newValidator(engine),
		memorySvc: cfg.Memory,
		embedder:  cfg.Embedder,
		audit:     cfg.Audit,
		logger:    cfg.Logger,
		moduleDir: cfg.ModuleDir,
	}
}

// Validate runs pre-load validation only, returning the structured report.
func (r *Runtime) Validate(wasmBytes []byte, caps skill.Capabilities) (*ValidationReport, error) {
	_, report, err := r.validator.validate(wasmBytes, caps)
	return report, err
}

// Invoke implements skill.Runtime.
func (r *Runtime) Invoke(ctx context.Context, manifest *skill.Manifest, method string, params map[string]string) (string, error) {
	wasmBytes, err := os.ReadFile(r.modulePath(manifest))
	if err != nil {
		return "", validationErr("read module for %s: %v", manifest.ID, err)
	}

	module, report, err := r.validator.validate(wasmBytes, manifest.Requires)
	if err != nil {
		return "", err
	}
	r.logger.Debug("wasm module validated",
		"skill", manifest.ID, "hash", report.ContentHash[:12], "size", report.SizeBytes)

	output, invReport, err := r.run(ctx, manifest, module, method, params)
	if invReport != nil {
		r.logger.Debug("wasm invocation finished",
			"skill", manifest.ID,
			"fuel_consumed", invReport.FuelConsumed,
			"fuel_remaining", invReport.FuelRemaining,
			"peak_memory", invReport.PeakMemory,
			"host_calls", invReport.HostCalls,
			"wall_time", invReport.WallTime)
	}
	return output, err
}

func (r *Runtime) modulePath(manifest *skill.Manifest) string {
	if strings.HasPrefix(manifest.Entry, "/") || r.moduleDir == "" {
		return manifest.Entry
	}
	return r.moduleDir + "/" + manifest.Entry
}

// run instantiates a fresh store and executes one invocation.
func (r *Runtime) run(ctx context.Context, manifest *skill.Manifest, module *wasmtime.Module, method string, params map[string]string) (string, *InvocationReport, error) {
	fuel := manifest.Requires.Fuel
	memLimit := int64(manifest.Requires.MemoryBytes)
	mon := newMonitor(manifest.ID, fuel, memLimit)

	store := wasmtime.NewStore(r.engine)
	defer store.Close()

	// Memory ceiling from the manifest; single instance, single memory.
	store.Limiter(memLimit, -1, 1, 1, 1)
	if err := store.SetFuel(fuel); err != nil {
		return "", nil, runtimeErr(err, "set fuel for %s", manifest.ID)
	}
	// One epoch ahead; cancellation bumps the epoch and traps the guest.
	store.SetEpochDeadline(1)

	// The single pre-opened directory is the only filesystem capability.
	wasi := wasmtime.NewWasiConfig()
	if len(manifest.Requires.FSRead) > 0 {
		if err := wasi.PreopenDir(manifest.Requires.FSRead[0], "/data",
			wasmtime.DIR_READ, wasmtime.FILE_READ); err != nil {
			return "", nil, capabilityErr("preopen %s: %v", manifest.Requires.FSRead[0], err)
		}
	}
	store.SetWasi(wasi)

	policy := NewPolicy(manifest.ID, manifest.Requires.Network, r.audit)
	bridge := newHostBridge(manifest.ID, r.memorySvc, r.embedder, policy, mon, params, r.logger)

	linker := wasmtime.NewLinker(r.engine)
	if err := linker.DefineWasi(); err != nil {
		return "", nil, runtimeErr(err, "define wasi")
	}
	if err := bridge.register(linker, store); err != nil {
		return "", nil, runtimeErr(err, "register host functions")
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return "", nil, runtimeErr(err, "instantiate %s", manifest.ID)
	}
	bridge.bind(instance, store)

	entry := instance.GetFunc(store, method)
	if entry == nil {
		return "", nil, validationErr("skill %s exports no function %q", manifest.ID, method)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Cancellation bumps the epoch past the store deadline; the
			// guest traps at its next suspension point.
			store.Engine.IncrementEpoch()
		case <-done:
		}
	}()

	_, callErr := entry.Call(store)
	close(done)

	remaining, _ := store.GetFuel()
	if size := bridge.memoryDataSize(store); size > 0 {
		mon.observeMemory(size)
	}
	invReport := mon.report(remaining)

	if callErr != nil {
		if bridge.violation != nil {
			return "", invReport, bridge.violation
		}
		if remaining == 0 {
			return "", invReport, resourceErr("fuel exhausted for %s (fuel=0)", manifest.ID)
		}
		return "", invReport, runtimeErr(callErr, "guest trap in %s", manifest.ID)
	}
	return bridge.result(), invReport, nil
}
