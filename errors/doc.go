// Package errors provides structured error types for the sandbox.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// A LoadError is any Error in PhaseLoad and an InstantiateError is any Error in
// PhaseInstantiate; the LoadError and InstantiateError sentinels match them with
// errors.Is regardless of kind:
//
//	if errors.Is(err, sberrors.LoadError) { ... }
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseABI, errors.KindTypeMismatch).
//		Path("args", "0").
//		GoType("string").
//		WitType("u32").
//		Detail("cannot lower string to integer").
//		Build()
//
// Guest faults are not errors: they are reported as engine.Result outcomes.
package errors
