package engine

import "time"

// Report is passed to Config.Diagnostics after every call. The engine only
// emits it; interpreting it is up to the hook.
type Report struct {
	InstanceID   string
	Function     string
	Trap         TrapCode
	Outcome      Outcome
	Instructions uint64
	WallTime     time.Duration
	Suspensions  int
}
