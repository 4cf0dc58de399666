// Package engine compiles and runs guest modules under resource limits.
//
// # Architecture
//
// The package provides three main types:
//
//	Engine   - process-wide wazero runtime, logical clock, module cache and host bindings
//	Module   - a validated, metered and compiled module shared by its instances
//	Instance - one execution context owning its memory and governor state
//
// # Load and Instantiation Flow
//
//  1. Engine.Compile hashes the bytecode and returns the cached Module, or
//     validates it, injects metering checkpoints and compiles it once.
//  2. Engine.Instantiate checks the ResourceLimits against the host policy,
//     binds host functions and creates the instance with a memory capped
//     at MaxMemoryPages.
//  3. Instance.Call and Instance.CallTyped run one governed call each.
//
// # Outcomes
//
// Every call ends in a Result:
//
//	Outcome                    Cause
//	────────────────────────────────────────────────────────────────
//	Completed                  the export returned
//	Trapped                    guest trap, exit, or invalid typed result
//	MemoryExceeded             a trap after a refused memory.grow
//	InstructionBudgetExceeded  metered cost reached the budget
//	TimedOut                   deadline passed, or the call was interrupted
//	HostError                  a host function failed or panicked
//
// Any outcome other than Completed poisons the instance: its module is
// closed and later calls fail with ErrPoisoned.
//
// # Governance
//
// Checkpoints run at function entries, loop headers and host calls. Each
// one charges the instruction budget and compares the logical clock with
// the call's deadline; when both are exhausted at once the budget wins.
// Async host functions suspend the call: the deadline pauses, the wait is
// bounded by its own timeout, and on resume the deadline is re-armed with
// the ticks that were left.
package engine
