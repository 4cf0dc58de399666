// Package governor tracks the execution budget of one governed call.
//
// A State accrues instruction cost charged by metering checkpoints and
// compares the logical clock against a tick deadline. When a call suspends
// at a host boundary the compute deadline is paused, and on resume it is
// re-armed with the ticks that were left. Budget exhaustion is checked
// before the deadline, so a checkpoint that crosses both reports
// BudgetExceeded.
package governor
