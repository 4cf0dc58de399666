// Package clock implements the logical clock used for cooperative wall-clock
// preemption.
//
// One background goroutine increments an atomic counter every interval.
// Governed calls convert their timeout to a tick deadline up front and
// compare it against Now at checkpoints, so no checkpoint ever reads the
// system time or takes a lock.
package clock
