package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"

	wt "github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func newTestEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	ctx := context.Background()
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func testLimits(mutate ...func(*limits.ResourceLimits)) limits.ResourceLimits {
	lim := limits.ResourceLimits{
		MinMemoryPages:    1,
		MaxMemoryPages:    16,
		InstructionBudget: 10_000_000,
		WallClockTimeout:  5 * time.Second,
		GuardPageSize:     wasm.PageSize,
	}
	for _, fn := range mutate {
		fn(&lim)
	}
	return lim
}

func compile(t *testing.T, e *Engine, bytecode []byte) *Module {
	t.Helper()
	m, err := e.Compile(context.Background(), bytecode)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return m
}

func instantiate(t *testing.T, e *Engine, bytecode []byte, lim limits.ResourceLimits, hosts *HostRegistry) *Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := e.Instantiate(ctx, compile(t, e, bytecode), lim, hosts)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(ctx) })
	return inst
}

func call(t *testing.T, inst *Instance, name string, args ...uint64) Result {
	t.Helper()
	res, err := inst.Call(context.Background(), name, args...)
	if err != nil {
		t.Fatalf("Call(%s) failed: %v", name, err)
	}
	return res
}

func expectOutcome(t *testing.T, res Result, want Outcome) {
	t.Helper()
	if res.Outcome != want {
		t.Fatalf("outcome = %s, want %s (detail: %s, cause: %v)", res.Outcome, want, res.Detail, res.Cause)
	}
}

var i32 = []api.ValueType{api.ValueTypeI32}

// computeModule exports plain compute functions and traps, with one page of
// memory growable to maxPages.
//
//	add(a, b i32) i32
//	countdown(n i32) i32   loops n times, returns 0
//	spin()                 loops forever
//	boom()                 unreachable
//	divzero()              integer divide by zero
//	grow(n i32) i32        memory.grow
//	size() i32             memory.size
//	load(p i32) i32        i32.load
//	grow_or_trap(n i32)    memory.grow, unreachable on -1
//	store(p, v i32)        i32.store
//	store8(p, v i32)       i32.store8
//	store64(p i32, v i64)  i64.store
//	bump() i32             increments a global counter, returns it
func computeModule(maxPages uint32) []byte {
	b := wt.New().Memory(1, maxPages)
	counter := b.MutableGlobalI32(0)
	b.Export("add", b.Func(wt.Vals(wt.I32, wt.I32), wt.Vals(wt.I32), nil,
		wt.LocalGet(0), wt.LocalGet(1), wt.Op(wasm.OpI32Add)))
	b.Export("countdown", b.Func(wt.Vals(wt.I32), wt.Vals(wt.I32), nil,
		wt.Loop(
			wt.LocalGet(0), wt.I32Const(1), wt.Op(wasm.OpI32Sub), wt.LocalTee(0),
			wt.BrIf(0),
		),
		wt.LocalGet(0)))
	b.Export("spin", b.Func(nil, nil, nil, wt.Loop(wt.Br(0))))
	b.Export("boom", b.Func(nil, nil, nil, wt.Op(wasm.OpUnreachable)))
	b.Export("divzero", b.Func(nil, nil, nil,
		wt.I32Const(1), wt.I32Const(0), wt.Op(wasm.OpI32DivU, wasm.OpDrop)))
	b.Export("grow", b.Func(wt.Vals(wt.I32), wt.Vals(wt.I32), nil, wt.LocalGet(0), wt.MemoryGrow()))
	b.Export("size", b.Func(nil, wt.Vals(wt.I32), nil, wt.MemorySize()))
	b.Export("load", b.Func(wt.Vals(wt.I32), wt.Vals(wt.I32), nil, wt.LocalGet(0), wt.I32Load(0)))
	b.Export("grow_or_trap", b.Func(wt.Vals(wt.I32), nil, nil,
		wt.LocalGet(0), wt.MemoryGrow(), wt.I32Const(-1), wt.Op(wasm.OpI32Eq),
		wt.If(wt.Op(wasm.OpUnreachable))))
	b.Export("store", b.Func(wt.Vals(wt.I32, wt.I32), nil, nil, wt.LocalGet(0), wt.LocalGet(1), wt.I32Store(0)))
	b.Export("store8", b.Func(wt.Vals(wt.I32, wt.I32), nil, nil, wt.LocalGet(0), wt.LocalGet(1), wt.I32Store8(0)))
	b.Export("store64", b.Func(wt.Vals(wt.I32, wt.I64), nil, nil, wt.LocalGet(0), wt.LocalGet(1), wt.I64Store(0)))
	b.Export("bump", b.Func(nil, wt.Vals(wt.I32), wt.Vals(wt.I32),
		wt.GlobalGet(counter), wt.I32Const(1), wt.Op(wasm.OpI32Add), wt.LocalSet(0),
		wt.LocalGet(0), wt.GlobalSet(counter),
		wt.LocalGet(0)))
	return b.Bytes()
}

// hostModule imports host.wait () -> i32 and host.poke (i32) -> () and
// exports thin wrappers around them.
//
//	wait() i32             calls host.wait
//	poke(v i32)            calls host.poke
//	wait_then_spin()       calls host.wait, drops, loops forever
func hostModule() []byte {
	b := wt.New()
	wait := b.ImportFunc("host", "wait", nil, wt.Vals(wt.I32))
	poke := b.ImportFunc("host", "poke", wt.Vals(wt.I32), nil)
	b.Memory(1, 4)
	b.Export("wait", b.Func(nil, wt.Vals(wt.I32), nil, wt.Call(wait)))
	b.Export("poke", b.Func(wt.Vals(wt.I32), nil, nil, wt.LocalGet(0), wt.Call(poke)))
	b.Export("wait_then_spin", b.Func(nil, nil, nil,
		wt.Call(wait), wt.Op(wasm.OpDrop), wt.Loop(wt.Br(0))))
	return b.Bytes()
}

// hostRegistry registers wait as async running op and poke as sync running
// fn. Either may be nil, in which case a trivial implementation is used.
func hostRegistry(t *testing.T, op PendingOp, fn SyncFunc) *HostRegistry {
	t.Helper()
	if op == nil {
		op = func(context.Context) ([]uint64, error) { return []uint64{7}, nil }
	}
	if fn == nil {
		fn = func(context.Context, *Caller, []uint64) error { return nil }
	}
	reg := NewHostRegistry()
	if err := reg.RegisterAsync("host", "wait", nil, i32, func(context.Context, *Caller, []uint64) PendingOp {
		return op
	}); err != nil {
		t.Fatalf("RegisterAsync failed: %v", err)
	}
	if err := reg.Register("host", "poke", i32, nil, fn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

// schedulingSlack covers goroutine scheduling between the tick that expires
// a deadline and the call returning to the test.
const schedulingSlack = 100 * time.Millisecond

// expectTimedOutWithin fails unless a call that ran for elapsed ended no
// later than timeout plus one tick of e's clock.
func expectTimedOutWithin(t *testing.T, e *Engine, res Result, timeout, elapsed time.Duration) {
	t.Helper()
	expectOutcome(t, res, TimedOut)
	if bound := timeout + e.Clock().Interval() + schedulingSlack; elapsed > bound {
		t.Errorf("timed out after %v, want at most %v (timeout %v plus one %v tick)",
			elapsed, bound, timeout, e.Clock().Interval())
	}
}

// waitUntil polls cond until it holds or d passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", d)
		}
		time.Sleep(time.Millisecond)
	}
}
