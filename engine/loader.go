package engine

import (
	"context"
	stderrors "errors"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/meter"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Compile validates, meters and compiles bytecode. Identical bytecode is
// compiled once: later calls return the cached Module, and concurrent calls
// wait for the one compilation in flight. Failures are not cached.
//
// Errors are *errors.Error in the load phase.
func (e *Engine) Compile(ctx context.Context, bytecode []byte) (*Module, error) {
	if e.closed.Load() {
		return nil, errors.New(errors.PhaseLoad, errors.KindClosed).Detail("engine is closed").Build()
	}

	key := HashOf(bytecode)
	if m, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		e.log.Debug("module cache hit", zap.Stringer("hash", key))
		return m, nil
	}

	v, err, shared := e.group.Do(key.String(), func() (any, error) {
		if m, ok := e.cache.Get(key); ok {
			return m, nil
		}
		// joiners must not fail because the leader's context ended
		m, err := e.compile(context.WithoutCancel(ctx), key, bytecode)
		if err != nil {
			return nil, err
		}
		e.cache.Add(key, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.hits.Add(1)
	}
	return v.(*Module), nil
}

func (e *Engine) compile(ctx context.Context, key Hash, bytecode []byte) (*Module, error) {
	e.compilations.Add(1)

	parsed, err := wasm.ParseModule(bytecode)
	if err != nil {
		return nil, loadError(err)
	}

	m := &Module{
		hash: key,
		size: len(bytecode),
		log:  e.log,
	}
	if err := conform(parsed, e.cfg.Policy, m); err != nil {
		return nil, err
	}

	stats, err := meter.Instrument(parsed, meter.Options{})
	if err != nil {
		return nil, loadError(err)
	}
	m.metering = *stats

	compiled, err := e.runtime.CompileModule(ctx, parsed.Encode())
	if err != nil {
		return nil, errors.Load("compile", err)
	}
	m.compiled = compiled
	m.refs.Store(1)

	e.log.Debug("module compiled",
		zap.Stringer("hash", key),
		zap.Int("size", len(bytecode)),
		zap.Int("checkpoints", stats.Checkpoints))
	return m, nil
}

// conform checks the module against what the sandbox can run and records
// its shape on m. A declared maximum memory above the ceiling is clamped.
func conform(parsed *wasm.Module, policy limits.HostPolicy, m *Module) error {
	for _, imp := range parsed.Imports {
		if imp.Kind != wasm.KindFunc {
			return errors.Nonconformant("import %s.%s: only function imports are allowed", imp.Module, imp.Name)
		}
		if imp.Module == meter.DefaultNamespace {
			return errors.Nonconformant("import %s.%s: namespace is reserved", imp.Module, imp.Name)
		}
		if int(imp.TypeIdx) >= len(parsed.Types) {
			return errors.Nonconformant("import %s.%s: unknown type %d", imp.Module, imp.Name, imp.TypeIdx)
		}
		ft := parsed.Types[imp.TypeIdx]
		m.imports = append(m.imports, Import{
			Module:  imp.Module,
			Name:    imp.Name,
			Params:  valueTypes(ft.Params),
			Results: valueTypes(ft.Results),
		})
	}

	if parsed.Start != nil {
		return errors.Nonconformant("start section is not allowed; export an initializer and call it")
	}

	for _, exp := range parsed.Exports {
		if exp.Kind == wasm.KindFunc {
			m.exports = append(m.exports, exp.Name)
		}
	}
	if len(m.exports) == 0 {
		return errors.Nonconformant("module exports no functions")
	}

	switch len(parsed.Memories) {
	case 0:
		return nil
	case 1:
	default:
		return errors.Unsupported(errors.PhaseLoad, "multiple memories")
	}

	mem := &parsed.Memories[0]
	if mem.Shared {
		return errors.Unsupported(errors.PhaseLoad, "shared memory")
	}
	if mem.Is64 {
		return errors.Unsupported(errors.PhaseLoad, "64-bit memory")
	}
	if mem.Min > policy.MaxMemoryPages {
		return errors.LimitExceeded(errors.PhaseLoad, "memory.min", mem.Min, policy.MaxMemoryPages)
	}
	if mem.Max == nil || *mem.Max > policy.MaxMemoryPages {
		ceiling := policy.MaxMemoryPages
		mem.Max = &ceiling
	}

	m.memory = true
	m.memMin = mem.Min
	m.memMax = *mem.Max
	return nil
}

func valueTypes(vs []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}

func loadError(err error) error {
	switch {
	case stderrors.Is(err, wasm.ErrComponent):
		return errors.Wrap(errors.PhaseLoad, errors.KindUnsupported, err, "component-model binaries are not supported")
	case stderrors.Is(err, wasm.ErrInvalidVersion):
		return errors.Wrap(errors.PhaseLoad, errors.KindUnsupported, err, "unsupported binary version")
	case stderrors.Is(err, wasm.ErrUnsupported), stderrors.Is(err, wasm.ErrUnsupportedOpcode):
		return errors.Wrap(errors.PhaseLoad, errors.KindUnsupported, err, "unsupported construct")
	}
	return errors.Load("malformed module", err)
}
