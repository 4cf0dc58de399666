package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-sandbox/clock"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/governor"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/meter"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Engine is the process-wide compiler and execution context. It owns the
// wazero runtime, the logical clock, the module cache and host bindings.
// Configuration is fixed at construction.
type Engine struct {
	runtime  wazero.Runtime
	clock    *clock.Clock
	cache    ModuleCache
	bridge   *Bridge
	charge   api.Module
	log      *zap.Logger
	bindings map[*HostRegistry]*binding
	group    singleflight.Group
	cfg      Config

	compilations atomic.Uint64
	hits         atomic.Uint64
	instances    atomic.Int64
	hostBindings atomic.Int64
	closed       atomic.Bool
	bindMu       sync.Mutex
	ownClock     bool
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Compilations   uint64 // compilations performed, including failed ones
	CacheHits      uint64 // Compile calls served without compiling
	CachedModules  int
	Instances      int64 // live instances
	PendingHostOps int64
	HostBindings   int64 // registry versions with host modules instantiated
}

// New creates an engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.HostCallCost == 0 {
		cfg.HostCallCost = 1
	}

	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	rc := wazero.NewRuntimeConfig()
	if cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	rc = rc.WithCoreFeatures(api.CoreFeaturesV2).
		WithMemoryLimitPages(cfg.Policy.MaxMemoryPages)

	e := &Engine{
		runtime:  wazero.NewRuntimeWithConfig(ctx, rc),
		clock:    cfg.Clock,
		bridge:   newBridge(cfg.MaxPendingHostOps),
		log:      log,
		bindings: make(map[*HostRegistry]*binding),
		cfg:      cfg,
	}

	if e.clock == nil {
		e.clock = clock.New(cfg.TickInterval)
		e.ownClock = true
	}

	switch {
	case cfg.Cache != nil:
		e.cache = cfg.Cache
	case cfg.CacheCapacity > 0:
		c, err := NewLRUCache(cfg.CacheCapacity, func(key Hash, _ *Module) {
			log.Debug("module evicted", zap.Stringer("hash", key))
		})
		if err != nil {
			return nil, multierr.Append(errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "module cache"), e.Close(ctx))
		}
		e.cache = c
	default:
		e.cache = NewMapCache()
	}

	charge, err := e.instantiateHost(ctx, meter.DefaultNamespace, func(b wazero.HostModuleBuilder) wazero.HostModuleBuilder {
		return b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(chargeHandler), []api.ValueType{api.ValueTypeI64}, nil).
			WithName(meter.ChargeName).
			Export(meter.ChargeName)
	})
	if err != nil {
		return nil, multierr.Append(err, e.Close(ctx))
	}
	e.charge = charge

	log.Debug("engine created",
		zap.Uint32("max_memory_pages", cfg.Policy.MaxMemoryPages),
		zap.Duration("tick", e.clock.Interval()),
		zap.Bool("interpreter", cfg.Interpreter))
	return e, nil
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *clock.Clock {
	return e.clock
}

// Policy returns the host ceilings.
func (e *Engine) Policy() limits.HostPolicy {
	return e.cfg.Policy
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Compilations:   e.compilations.Load(),
		CacheHits:      e.hits.Load(),
		CachedModules:  e.cache.Len(),
		Instances:      e.instances.Load(),
		PendingHostOps: e.bridge.Pending(),
		HostBindings:   e.hostBindings.Load(),
	}
}

// Close releases every module, instance and host binding and stops the
// clock if the engine started it. Instances must not be used afterwards.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if e.cache != nil {
		e.cache.Purge()
	}
	err = multierr.Append(err, e.runtime.Close(ctx))
	if e.ownClock && e.clock != nil {
		e.clock.Stop()
	}
	e.log.Debug("engine closed")
	return err
}

// binding holds the host modules of one registry version. It lives as
// long as instances created from it do.
type binding struct {
	reg     *HostRegistry
	modules map[string]api.Module
	version uint64
	refs    int
}

func (e *Engine) instantiateHost(ctx context.Context, namespace string, build func(wazero.HostModuleBuilder) wazero.HostModuleBuilder) (api.Module, error) {
	compiled, err := build(e.runtime.NewHostModuleBuilder(namespace)).Compile(ctx)
	if err != nil {
		return nil, errors.Registration(namespace, "", err)
	}
	// anonymous so several registries can bind the same namespace
	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Registration(namespace, "", err)
	}
	return mod, nil
}

// bind returns the host modules for reg with a reference taken, instantiating
// them on first use and again whenever reg has changed since. Every
// successful bind is paired with unbind.
func (e *Engine) bind(ctx context.Context, reg *HostRegistry) (*binding, error) {
	if reg == nil {
		return &binding{}, nil
	}

	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	funcs, version := reg.snapshot()
	// instances created from an older binding keep using it until Close
	if b, ok := e.bindings[reg]; ok && b.version == version {
		b.refs++
		return b, nil
	}

	b := &binding{reg: reg, modules: make(map[string]api.Module, len(funcs)), version: version, refs: 1}
	for ns, list := range funcs {
		mod, err := e.instantiateHost(ctx, ns, func(builder wazero.HostModuleBuilder) wazero.HostModuleBuilder {
			for _, hf := range list {
				fn := e.syncHandler(hf)
				if hf.Async() {
					fn = e.asyncHandler(hf)
				}
				builder = builder.NewFunctionBuilder().
					WithGoModuleFunction(fn, hf.Params, hf.Results).
					WithName(hf.Name).
					Export(hf.Name)
			}
			return builder
		})
		if err != nil {
			for _, m := range b.modules {
				err = multierr.Append(err, m.Close(ctx))
			}
			return nil, err
		}
		b.modules[ns] = mod
	}
	e.bindings[reg] = b
	e.hostBindings.Add(1)

	e.log.Debug("host registry bound",
		zap.Int("namespaces", len(b.modules)),
		zap.Uint64("version", version))
	return b, nil
}

// unbind drops a reference taken by bind. The host modules are closed with
// the last reference, whether or not the registry has changed since.
func (e *Engine) unbind(ctx context.Context, b *binding) error {
	if b == nil || b.reg == nil {
		return nil
	}

	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	b.refs--
	if b.refs > 0 {
		return nil
	}
	if e.bindings[b.reg] == b {
		delete(e.bindings, b.reg)
	}
	e.hostBindings.Add(-1)

	var err error
	if !e.closed.Load() {
		for _, m := range b.modules {
			err = multierr.Append(err, m.Close(ctx))
		}
	}
	e.log.Debug("host registry unbound", zap.Uint64("version", b.version))
	return err
}

func (e *Engine) resolver(b *binding) experimental.ImportResolver {
	return func(name string) api.Module {
		if name == meter.DefaultNamespace {
			return e.charge
		}
		return b.modules[name]
	}
}

// checkImports verifies reg provides every import of m with a matching
// signature.
func checkImports(m *Module, reg *HostRegistry) error {
	var missing []string
	for _, imp := range m.imports {
		hf, ok := reg.Lookup(imp.Module, imp.Name)
		if !ok {
			missing = append(missing, imp.Module+"#"+imp.Name)
			continue
		}
		if !sameValueTypes(hf.Params, imp.Params) || !sameValueTypes(hf.Results, imp.Results) {
			return errors.New(errors.PhaseInstantiate, errors.KindTypeMismatch).
				Path(imp.Module, imp.Name).
				Detail("guest imports %s, host provides %s",
					signature(imp.Params, imp.Results), signature(hf.Params, hf.Results)).
				Build()
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}
	return nil
}

func sameValueTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(params, results []api.ValueType) string {
	ft := wasm.FuncType{}
	for _, p := range params {
		ft.Params = append(ft.Params, wasm.ValType(p))
	}
	for _, r := range results {
		ft.Results = append(ft.Results, wasm.ValType(r))
	}
	return ft.String()
}

// Instantiate creates an instance of m bounded by lim, binding its imports
// to hosts. It never compiles guest code.
//
// Errors are *errors.Error in the instantiate phase, or a
// *errors.MissingImportsError.
func (e *Engine) Instantiate(ctx context.Context, m *Module, lim limits.ResourceLimits, hosts *HostRegistry) (*Instance, error) {
	if e.closed.Load() {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindClosed).Detail("engine is closed").Build()
	}
	if m == nil {
		return nil, errors.InvalidInput(errors.PhaseInstantiate, "module is nil")
	}
	if err := lim.Validate(e.cfg.Policy); err != nil {
		return nil, err
	}
	if m.memory && m.memMin > lim.MaxMemoryPages {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindLimitExceeded).
			Path("max_memory_pages").
			Value(lim.MaxMemoryPages).
			Detail("module declares a minimum of %d pages", m.memMin).
			Build()
	}
	if err := checkImports(m, hosts); err != nil {
		return nil, err
	}

	b, err := e.bind(ctx, hosts)
	if err != nil {
		return nil, err
	}

	if !m.acquire() {
		return nil, multierr.Append(
			errors.New(errors.PhaseInstantiate, errors.KindClosed).
				Detail("module %s was evicted and released; compile it again", m.hash).
				Build(),
			e.unbind(ctx, b))
	}

	initial := max(m.memMin, lim.MinMemoryPages)
	alloc := &memoryAllocator{
		limit:   lim.MaxMemoryBytes(),
		guard:   lim.GuardPageSize,
		initial: uint64(initial) * wasm.PageSize,
	}
	ictx := experimental.WithImportResolver(ctx, e.resolver(b))
	ictx = experimental.WithMemoryAllocator(ictx, alloc)

	mod, err := e.runtime.InstantiateModule(ictx, m.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		m.release()
		return nil, multierr.Append(errors.Instantiation(err), e.unbind(ctx, b))
	}

	// mod.Memory is never a nil interface, so trust the parsed shape
	var mem api.Memory
	if m.memory {
		mem = mod.Memory()
	}
	if mem != nil && initial > m.memMin {
		if _, ok := mem.Grow(initial - m.memMin); !ok {
			m.release()
			return nil, multierr.Combine(
				errors.New(errors.PhaseInstantiate, errors.KindAllocation).
					Detail("grow memory to %d pages", initial).
					Build(),
				mod.Close(ctx),
				e.unbind(ctx, b))
		}
		alloc.mem.grows.Store(0)
	}

	inst := &Instance{
		engine: e,
		module: m,
		mod:    mod,
		hosts:  b,
		mem:    alloc.mem,
		gov:    governor.New(e.clock),
		limits: lim,
		id:     uuid.NewString(),
	}
	if mem != nil {
		inst.view = &Memory{mem: mem}
	}
	inst.log = e.log.With(zap.String("instance", inst.id))
	e.instances.Add(1)

	inst.log.Debug("instance created",
		zap.Stringer("module", m.hash),
		zap.Stringer("limits", lim))
	return inst, nil
}

func (e *Engine) report(inst *Instance, function string, res Result) {
	inst.log.Debug("call finished",
		zap.String("function", function),
		zap.Stringer("outcome", res.Outcome),
		zap.Uint64("instructions", res.Instructions),
		zap.Duration("wall_time", res.WallTime),
		zap.Int("suspensions", res.Suspensions))

	if e.cfg.Diagnostics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("diagnostics hook panicked", zap.Any("panic", r))
		}
	}()
	e.cfg.Diagnostics(Report{
		InstanceID:   inst.id,
		Function:     function,
		Outcome:      res.Outcome,
		Trap:         res.Trap,
		Instructions: res.Instructions,
		WallTime:     res.WallTime,
		Suspensions:  res.Suspensions,
	})
}
