// Package wasmsandbox runs untrusted WebAssembly modules inside a host
// process under hard resource limits.
//
// Every instance owns its linear memory, capped at a per-instance page
// ceiling. Every call runs under an instruction budget, enforced by metering
// checkpoints injected at load time, and a wall-clock timeout, enforced
// cooperatively against a process-wide logical clock. Guest faults never
// escape as panics or Go errors: each call ends in a structured result and
// any abnormal end retires the instance.
//
// # Architecture Overview
//
//	wasmsandbox/         Root package with the Memory and Allocator interfaces
//	├── engine/          Engine, module cache, instances, calls, host functions
//	├── governor/        Per-call budget and deadline state
//	├── clock/           Logical clock
//	├── meter/           Load-time metering rewrite
//	├── wasm/            Core module codec and instruction scanner
//	├── limits/          Resource limits and host policy
//	├── abi/             Typed calls over WIT primitive and string types
//	├── manifest/        YAML component manifests
//	├── metrics/         Prometheus collector for call diagnostics
//	└── errors/          Structured error types
//
// # Quick Start
//
//	eng, err := engine.New(ctx, engine.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	mod, err := eng.Compile(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	lim, err := limits.NewBuilder().
//	    MinMemoryPages(1).
//	    MaxMemoryPages(16).
//	    InstructionBudget(1_000_000).
//	    WallClockTimeout(100 * time.Millisecond).
//	    GuardPageSize(0).
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := eng.Instantiate(ctx, mod, lim, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	res, err := inst.Call(ctx, "run")
//	fmt.Println(res.Outcome)
//
// # Host Functions
//
// Host functions are registered on an engine.HostRegistry and bound once per
// engine. Synchronous functions run on the guest goroutine. Asynchronous
// functions return a PendingOp that runs on its own goroutine while the call
// is suspended; the compute deadline pauses and resumes with whatever time
// was left, and the operation is cancelled if the call times out.
package wasmsandbox
