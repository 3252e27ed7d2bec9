// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sandbox runs third-party WAF rule modules as WebAssembly guests,
// isolating them from the host process while still letting the front end
// call into them on every request.
//
// A guest exports `inspect_request(ptr, len) -> i32` over a linear
// `memory` export, and the host writes a JSON-encoded RequestContext at
// offset 0 before calling it. wazero is the pure-Go runtime used here
// (documented in DESIGN.md); it has no native fuel counter, so a
// per-call context deadline plus a configured memory-page cap stand in
// for a guest execution budget.
package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
	"github.com/aegismesh/aegis/internal/logging"
)

// Action is a guest module's inspection verdict.
type Action int32

const (
	ActionAllow Action = iota
	ActionBlock
	ActionLog
	ActionRateLimit
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "Allow"
	case ActionBlock:
		return "Block"
	case ActionLog:
		return "Log"
	case ActionRateLimit:
		return "RateLimit"
	default:
		return "Unknown"
	}
}

// RequestContext is the JSON payload written into guest memory before
// calling inspect_request.
type RequestContext struct {
	Method string `json:"method"`
	URI string `json:"uri"`
	Version string `json:"version"`
	SourceIP string `json:"source_ip"`
	Headers map[string]string `json:"headers,omitempty"`
	BodyPreview string `json:"body_preview,omitempty"`
}

const inspectRequestFn = "inspect_request"

// Config bounds a guest module's resource use per call.
type Config struct {
	MaxMemoryPages uint32 // wazero linear-memory page cap (64KiB/page); 0 uses wazero's default
	CallTimeout time.Duration // per-call context deadline, standing in for fuel
}

type cachedModule struct {
	compiled wazero.CompiledModule
	loadedAt time.Time
}

// Engine loads, runs, and hot-reloads WASM rule modules under one
// wazero.Runtime. Safe for concurrent use.
type Engine struct {
	cfg Config
	runtime wazero.Runtime
	logger *logging.Logger

	mu sync.RWMutex
	modules map[string]*cachedModule
}

// New constructs an Engine with its own wazero.Runtime.
func New(ctx context.Context, cfg Config, logger *logging.Logger) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 50 * time.Millisecond
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MaxMemoryPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MaxMemoryPages)
	}

	return &Engine{
		cfg: cfg,
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		logger: logger,
		modules: make(map[string]*cachedModule),
	}
}

// Close releases the underlying wazero runtime and every compiled module.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// LoadModule compiles bytecode and installs it under name, replacing any
// existing module of the same name atomically under the write lock. It
// validates the guest exports inspect_request before accepting it, and
// runs an optional configure(ptr, len) export with configJSON when
// non-empty.
func (e *Engine) LoadModule(ctx context.Context, name string, bytecode []byte, configJSON string) error {
	compiled, err := e.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindSandbox, "compile module %s", name)
	}

	hasInspect := false
	for _, fn := range compiled.ExportedFunctions {
		if fn.Name == inspectRequestFn {
			hasInspect = true
			break
		}
	}
	if !hasInspect {
		_ = compiled.Close(ctx)
		return aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s does not export %s", name, inspectRequestFn)
	}

	if configJSON != "" {
		if err := e.configure(ctx, name, compiled, configJSON); err != nil {
			_ = compiled.Close(ctx)
			return err
		}
	}

	e.mu.Lock()
	old := e.modules[name]
	e.modules[name] = &cachedModule{compiled: compiled, loadedAt: time.Now()}
	e.mu.Unlock()

	if old != nil {
		_ = old.compiled.Close(ctx)
	}
	if e.logger != nil {
		e.logger.Info("sandbox: loaded module", "name", name)
	}
	return nil
}

func (e *Engine) configure(ctx context.Context, name string, compiled wazero.CompiledModule, configJSON string) error {
	instance, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name+"-configure"))
	if err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindSandbox, "instantiate module %s for configuration", name)
	}
	defer instance.Close(ctx)

	configureFn := instance.ExportedFunction("configure")
	if configureFn == nil {
		if e.logger != nil {
			e.logger.Warn("sandbox: module does not support configuration", "name", name)
		}
		return nil
	}

	mem := instance.Memory
	if mem == nil {
		return aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s exports no memory", name)
	}
	data := []byte(configJSON)
	if !mem.Write(0, data) {
		return aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s: config exceeds guest memory", name)
	}

	results, err := configureFn.Call(ctx, 0, uint64(len(data)))
	if err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindSandbox, "configure call failed for module %s", name)
	}
	if len(results) > 0 && int32(results[0]) != 0 {
		return aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s: configure returned code %d", name, int32(results[0]))
	}
	return nil
}

// UnloadModule removes name from the cache. It is a no-op if absent.
func (e *Engine) UnloadModule(ctx context.Context, name string) {
	e.mu.Lock()
	old, ok := e.modules[name]
	delete(e.modules, name)
	e.mu.Unlock()
	if ok {
		_ = old.compiled.Close(ctx)
		if e.logger != nil {
			e.logger.Info("sandbox: unloaded module", "name", name)
		}
	}
}

// ListModules returns every currently loaded module name.
func (e *Engine) ListModules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.modules))
	for name := range e.modules {
		out = append(out, name)
	}
	return out
}

// Inspect instantiates a fresh guest instance of name and calls
// inspect_request with rc JSON-encoded into offset 0 of guest memory, under
// a context deadline of cfg.CallTimeout. Instances and stores are never
// cached between calls, so no guest state leaks across requests.
func (e *Engine) Inspect(ctx context.Context, name string, rc RequestContext) (Action, error) {
	e.mu.RLock()
	cached, ok := e.modules[name]
	e.mu.RUnlock()
	if !ok {
		return ActionAllow, aegiserrors.Errorf(aegiserrors.KindSandbox, "module not loaded: %s", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	instance, err := e.runtime.InstantiateModule(callCtx, cached.compiled, wazero.NewModuleConfig())
	if err != nil {
		return ActionAllow, aegiserrors.Wrapf(err, aegiserrors.KindSandbox, "instantiate module %s", name)
	}
	defer instance.Close(callCtx)

	inspectFn := instance.ExportedFunction(inspectRequestFn)
	mem := instance.Memory
	if inspectFn == nil || mem == nil {
		return ActionAllow, aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s missing %s/memory export", name, inspectRequestFn)
	}

	payload, err := json.Marshal(rc)
	if err != nil {
		return ActionAllow, aegiserrors.Wrapf(err, aegiserrors.KindSerialization, "encode request context")
	}
	if !mem.Write(0, payload) {
		return ActionAllow, aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s: request context exceeds guest memory", name)
	}

	results, err := inspectFn.Call(callCtx, 0, uint64(len(payload)))
	if err != nil {
		return ActionAllow, aegiserrors.Wrapf(err, aegiserrors.KindSandbox, "inspect_request call failed for module %s", name)
	}
	if len(results) == 0 {
		return ActionAllow, aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s: inspect_request returned no value", name)
	}

	action := Action(int32(results[0]))
	if action < ActionAllow || action > ActionRateLimit {
		return ActionAllow, aegiserrors.Errorf(aegiserrors.KindSandbox, "module %s: invalid action %d", name, int32(results[0]))
	}
	return action, nil
}
