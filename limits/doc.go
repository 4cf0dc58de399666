// Package limits defines the per-instance resource descriptor and the host
// policy that bounds it.
//
// Limits are never defaulted by the engine. Construct them explicitly, through
// the Builder, which refuses to build while a field is unset:
//
//	l, err := limits.NewBuilder().
//		MinMemoryPages(1).
//		MaxMemoryPages(16).
//		InstructionBudget(1_000_000).
//		WallClockTimeout(100 * time.Millisecond).
//		GuardPageSize(0).
//		Build()
//
// or load them from a component manifest (see package manifest).
package limits
