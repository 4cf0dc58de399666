package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/sys"

	sberrors "github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/governor"
)

// Outcome tags how a call ended.
type Outcome uint8

const (
	Completed Outcome = iota
	Trapped
	MemoryExceeded
	InstructionBudgetExceeded
	TimedOut
	HostError
)

var outcomeNames = [...]string{
	Completed:                 "completed",
	Trapped:                   "trapped",
	MemoryExceeded:            "memory_exceeded",
	InstructionBudgetExceeded: "instruction_budget_exceeded",
	TimedOut:                  "timed_out",
	HostError:                 "host_error",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Poisons reports whether the outcome retires the instance.
func (o Outcome) Poisons() bool {
	return o != Completed
}

// TrapCode classifies a Trapped or MemoryExceeded outcome.
type TrapCode string

const (
	TrapNone                     TrapCode = ""
	TrapUnreachable              TrapCode = "unreachable"
	TrapMemoryOutOfBounds        TrapCode = "out of bounds memory access"
	TrapStackOverflow            TrapCode = "stack overflow"
	TrapIntegerDivideByZero      TrapCode = "integer divide by zero"
	TrapIntegerOverflow          TrapCode = "integer overflow"
	TrapBadConversion            TrapCode = "invalid conversion to integer"
	TrapTableOutOfBounds         TrapCode = "invalid table access"
	TrapIndirectCallTypeMismatch TrapCode = "indirect call type mismatch"
	TrapUnalignedAtomic          TrapCode = "unaligned atomic"
	TrapExit                     TrapCode = "exit"
	TrapABI                      TrapCode = "abi"
	TrapUnknown                  TrapCode = "unknown"
)

var trapCodes = map[string]TrapCode{
	string(TrapUnreachable):              TrapUnreachable,
	string(TrapMemoryOutOfBounds):        TrapMemoryOutOfBounds,
	string(TrapStackOverflow):            TrapStackOverflow,
	string(TrapIntegerDivideByZero):      TrapIntegerDivideByZero,
	string(TrapIntegerOverflow):          TrapIntegerOverflow,
	string(TrapBadConversion):            TrapBadConversion,
	string(TrapTableOutOfBounds):         TrapTableOutOfBounds,
	string(TrapIndirectCallTypeMismatch): TrapIndirectCallTypeMismatch,
	string(TrapUnalignedAtomic):          TrapUnalignedAtomic,
}

// Result is the structured outcome of one call. Guest faults are reported
// here, never as a Go error.
type Result struct {
	// Cause is the underlying error for any outcome but Completed.
	Cause error

	// Values holds the raw core results of a Completed call.
	Values []uint64

	// Typed holds the lifted results of a Completed typed call.
	Typed []any

	Detail string
	Trap   TrapCode

	Outcome Outcome

	// Instructions is the metered cost accrued by the call, including
	// charges made by async host operations.
	Instructions uint64

	WallTime    time.Duration
	Suspensions int
}

// OK reports whether the call completed.
func (r Result) OK() bool {
	return r.Outcome == Completed
}

func (r Result) String() string {
	var b strings.Builder
	b.WriteString(r.Outcome.String())
	if r.Trap != TrapNone {
		b.WriteString(" (")
		b.WriteString(string(r.Trap))
		b.WriteByte(')')
	}
	if r.Detail != "" {
		b.WriteString(": ")
		b.WriteString(r.Detail)
	}
	return b.String()
}

// hostFault is raised by host function wrappers when a host function fails.
type hostFault struct {
	cause     error
	namespace string
	name      string
}

func (f *hostFault) Error() string {
	return fmt.Sprintf("host function %s.%s: %v", f.namespace, f.name, f.cause)
}

func (f *hostFault) Unwrap() error {
	return f.cause
}

// classify maps the error returned by a guest call to a Result. refused
// reports whether a memory growth was refused during the call.
func classify(err error, refused bool) Result {
	if err == nil {
		return Result{Outcome: Completed}
	}

	var abort *governor.Abort
	if errors.As(err, &abort) {
		res := Result{Outcome: TimedOut, Cause: err, Detail: abort.Verdict.String()}
		if abort.Verdict == governor.BudgetExceeded {
			res.Outcome = InstructionBudgetExceeded
		}
		return res
	}

	var fault *hostFault
	if errors.As(err, &fault) {
		return Result{Outcome: HostError, Cause: fault, Detail: fault.Error()}
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		return Result{
			Outcome: Trapped,
			Trap:    TrapExit,
			Cause:   err,
			Detail:  fmt.Sprintf("exit code %d", exit.ExitCode()),
		}
	}

	// typed call lowering and lifting
	var se *sberrors.Error
	if errors.As(err, &se) {
		return Result{Outcome: Trapped, Trap: TrapABI, Cause: err, Detail: se.Error()}
	}

	code := trapCode(err)
	res := Result{Outcome: Trapped, Trap: code, Cause: err, Detail: string(code)}
	if refused {
		res.Outcome = MemoryExceeded
	}
	return res
}

// trapCode extracts the trap message from a "wasm error: <msg>\n..." error.
func trapCode(err error) TrapCode {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "wasm error: ")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if code, ok := trapCodes[msg]; ok {
		return code
	}
	return TrapUnknown
}
