package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wippyai/wasm-sandbox/engine"
	wt "github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func TestRecorder_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := New(reg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec.Observe(engine.Report{Outcome: engine.Completed, Instructions: 500, WallTime: time.Millisecond})
	rec.Observe(engine.Report{Outcome: engine.Completed, Instructions: 700, Suspensions: 2})
	rec.Observe(engine.Report{Outcome: engine.Trapped, Trap: engine.TrapUnreachable})

	if got := testutil.ToFloat64(rec.calls.WithLabelValues("completed", "")); got != 2 {
		t.Errorf("completed calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rec.calls.WithLabelValues("trapped", "unreachable")); got != 1 {
		t.Errorf("trapped calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.suspensions); got != 2 {
		t.Errorf("suspensions = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(rec.instructions); n != 2 {
		t.Errorf("instruction histograms = %d, want one per outcome", n)
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestRecorder_Engine(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec, err := New(reg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Diagnostics = rec.Observe
	e, err := engine.New(ctx, cfg)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	defer e.Close(ctx)
	if err := rec.Watch(e); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	b := wt.New().Memory(1, 1)
	b.Export("spin", b.Func(nil, nil, nil, wt.Loop(wt.Br(0))))
	b.Export("nop", b.Func(nil, nil, nil))
	m, err := e.Compile(ctx, b.Bytes())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	lim := limits.ResourceLimits{
		MinMemoryPages:    1,
		MaxMemoryPages:    1,
		InstructionBudget: 10_000,
		WallClockTimeout:  time.Second,
		GuardPageSize:     wasm.PageSize,
	}

	for i := 0; i < 2; i++ {
		inst, err := e.Instantiate(ctx, m, lim, nil)
		if err != nil {
			t.Fatalf("Instantiate failed: %v", err)
		}
		if _, err := inst.Call(ctx, "nop"); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if _, err := inst.Call(ctx, "spin"); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		_ = inst.Close(ctx)
	}

	if got := testutil.ToFloat64(rec.calls.WithLabelValues("completed", "")); got != 2 {
		t.Errorf("completed calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rec.calls.WithLabelValues("instruction_budget_exceeded", "")); got != 2 {
		t.Errorf("budget exceeded calls = %v, want 2", got)
	}

	expected := `
# HELP wasm_sandbox_modules_compilations_total Modules compiled, including failed compilations
# TYPE wasm_sandbox_modules_compilations_total counter
wasm_sandbox_modules_compilations_total 1
# HELP wasm_sandbox_instances Live instances
# TYPE wasm_sandbox_instances gauge
wasm_sandbox_instances 0
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"wasm_sandbox_modules_compilations_total", "wasm_sandbox_instances")
	if err != nil {
		t.Errorf("engine gauges: %v", err)
	}
}
