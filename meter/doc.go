// Package meter injects instruction-budget checkpoints into core wasm modules.
//
// The rewrite adds one function import, the charge function, and calls it
// with a static cost at each function entry and loop header:
//
//	(func $f
//	  i64.const 12 call $charge      ;; straight-line cost of $f
//	  ...
//	  (loop
//	    i64.const 7 call $charge     ;; cost of one iteration
//	    ...))
//
// The host side of the charge function accumulates the cost and aborts the
// call once the budget is crossed; it is also where wall-clock deadlines are
// checked, making every function entry and loop iteration a preemption point.
//
// The rewritten module is self-contained: the host must provide the charge
// import under Options.Namespace.
package meter
