package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	wasmsandbox "github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/abi"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/governor"
)

// Misuse errors returned by Call. Guest outcomes are never errors.
var (
	ErrPoisoned = &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindPoisoned, Detail: "instance is poisoned"}
	ErrClosed   = &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindClosed, Detail: "instance is closed"}
	ErrBusy     = &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindBusy, Detail: "instance is running another call"}
)

// ReallocExport is the guest allocator typed calls use to pass strings.
const ReallocExport = "cabi_realloc"

// frame is the per-call state host functions reach through the context.
type frame struct {
	inst   *Instance
	gov    *governor.State
	caller *Caller

	mu       sync.Mutex
	deferred []func()
	ended    bool
}

type frameKey struct{}

func withFrame(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// checkpoint charges cost and unwinds the guest if the call must stop.
func (f *frame) checkpoint(cost uint64) {
	v := governor.Continue
	if cost == 0 {
		v = f.gov.Check()
	} else {
		v = f.gov.Charge(cost)
	}
	if v != governor.Continue {
		panic(f.gov.Abort(v))
	}
}

// settle unwinds the guest once a host function returns if the call was
// stopped while the host held it. A done caller context counts as an
// interrupt even if its AfterFunc has not run yet. Budget still wins.
func (f *frame) settle(ctx context.Context) {
	v := f.gov.Check()
	if v == governor.Continue && ctx.Err() != nil {
		v = governor.DeadlineExceeded
	}
	if v != governor.Continue {
		panic(f.gov.Abort(v))
	}
}

// later registers fn to run at unwind, or runs it now if the call has
// already ended.
func (f *frame) later(fn func()) {
	f.mu.Lock()
	if !f.ended {
		f.deferred = append(f.deferred, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.run(fn)
}

// guard converts anything a host function panics with into a host fault.
// Governor aborts, exits and faults already raised pass through.
func (f *frame) guard(hf *HostFunc) {
	r := recover()
	switch r.(type) {
	case nil:
		return
	case *governor.Abort, *sys.ExitError, *hostFault:
		panic(r)
	}
	panic(&hostFault{namespace: hf.Namespace, name: hf.Name, cause: panicError(r)})
}

// unwind runs resources deferred by host functions, last first.
func (f *frame) unwind() {
	f.mu.Lock()
	deferred := f.deferred
	f.deferred, f.ended = nil, true
	f.mu.Unlock()

	for n := len(deferred) - 1; n >= 0; n-- {
		f.run(deferred[n])
	}
}

func (f *frame) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.inst.log.Error("deferred host cleanup panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Call invokes an exported function with raw core values. The returned
// error reports misuse only: a poisoned, closed or busy instance, an
// unknown export, an argument count mismatch, or a context that was done
// before the call started. Everything the guest does is in the Result.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) (Result, error) {
	fn, err := i.prepare(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if want := len(fn.Definition().ParamTypes()); len(args) != want {
		i.end(Completed)
		return Result{}, errors.InvalidInput(errors.PhaseCall,
			fmt.Sprintf("%s takes %d arguments, got %d", name, want, len(args)))
	}

	return i.run(ctx, name, func(ctx context.Context) (Result, error) {
		vals, err := fn.Call(ctx, args...)
		return Result{Values: vals}, err
	}), nil
}

// CallTyped invokes an exported function through a WIT signature. Arguments
// are lowered and results lifted inside the same governed call, so guest
// allocation for string arguments counts against the budget. Invalid data
// returned by the guest ends the call Trapped with TrapABI.
func (i *Instance) CallTyped(ctx context.Context, name string, sig *abi.Signature, args ...any) (Result, error) {
	if sig == nil {
		return Result{}, errors.InvalidInput(errors.PhaseCall, "signature is nil")
	}
	fn, err := i.prepare(ctx, name)
	if err != nil {
		return Result{}, err
	}

	var realloc api.Function
	def := fn.Definition()
	err = sig.Match(def.ParamTypes(), def.ResultTypes())
	if err == nil {
		err = sig.CheckArgs(args)
	}
	if err == nil && sig.NeedsAlloc() {
		if realloc = i.mod.ExportedFunction(ReallocExport); realloc == nil {
			err = errors.NotFound(errors.PhaseCall, "export", ReallocExport)
		}
	}
	if err == nil && (sig.NeedsAlloc() || sig.RetPtr()) && i.view == nil {
		err = errors.Unsupported(errors.PhaseCall, "typed call through memory on a module without memory")
	}
	if err != nil {
		i.end(Completed)
		return Result{}, err
	}

	var mem wasmsandbox.Memory
	if i.view != nil {
		mem = i.view
	}
	return i.run(ctx, name, func(ctx context.Context) (Result, error) {
		flat, err := sig.Lower(mem, &guestAllocator{ctx: ctx, fn: realloc}, args)
		if err != nil {
			return Result{}, err
		}
		raw, err := fn.Call(ctx, flat...)
		if err != nil {
			return Result{}, err
		}
		typed, err := sig.Lift(mem, raw)
		return Result{Values: raw, Typed: typed}, err
	}), nil
}

func (i *Instance) prepare(ctx context.Context, name string) (api.Function, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := i.begin(); err != nil {
		return nil, err
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		i.end(Completed)
		return nil, errors.NotFound(errors.PhaseCall, "export", name)
	}
	return fn, nil
}

// run executes body as one governed call inside the crash boundary.
func (i *Instance) run(ctx context.Context, name string, body func(context.Context) (Result, error)) (res Result) {
	f := &frame{inst: i, gov: i.gov}
	f.caller = &Caller{inst: i, frame: f}

	refused := i.mem.refusals()
	gen := i.gov.Arm(i.limits.InstructionBudget, i.limits.WallClockTimeout)
	stop := context.AfterFunc(ctx, func() { i.gov.Interrupt(gen) })
	start := time.Now()

	defer func() {
		stop()
		i.gov.Disarm()
		f.unwind()
		res.Instructions = i.gov.Consumed()
		res.Suspensions = i.gov.Suspensions()
		res.WallTime = time.Since(start)
		i.end(res.Outcome)
		i.engine.report(i, name, res)
	}()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: HostError, Detail: "runtime fault", Cause: panicError(r)}
		}
	}()

	out, err := body(withFrame(ctx, f))
	res = classify(err, i.mem.refusals() > refused)
	if res.Outcome == Completed {
		res.Values, res.Typed = out.Values, out.Typed
	}
	return res
}

// guestAllocator allocates through the guest's realloc export within the
// running call.
type guestAllocator struct {
	ctx context.Context
	fn  api.Function
}

func (a *guestAllocator) Alloc(size, align uint32) (uint32, error) {
	res, err := a.fn.Call(a.ctx, 0, 0, uint64(align), uint64(size))
	if err != nil {
		return 0, err
	}
	if len(res) != 1 || uint32(res[0]) == 0 {
		return 0, errors.AllocationFailed(errors.PhaseABI, size, align)
	}
	return uint32(res[0]), nil
}
