package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/clock"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
)

// Config holds configuration for engine creation. The engine copies it and
// never changes it afterwards.
type Config struct {
	// Logger overrides the package logger for this engine.
	Logger *zap.Logger

	// Diagnostics, when set, is invoked synchronously after every call.
	Diagnostics func(Report)

	// Clock is an existing logical clock to share. When nil the engine
	// starts its own clock ticking every TickInterval and stops it on Close.
	Clock *clock.Clock

	// Cache overrides the compiled module cache. When nil, CacheCapacity
	// selects an unbounded cache (0) or an LRU cache of that many modules.
	Cache ModuleCache

	// Policy holds the host ceilings every ResourceLimits is checked against.
	Policy limits.HostPolicy

	// TickInterval is the logical clock period. 0 means clock.DefaultInterval.
	TickInterval time.Duration

	CacheCapacity int

	// HostCallCost is charged against the instruction budget at every host
	// call, sync or async.
	HostCallCost uint64

	// MaxPendingHostOps bounds async host operations in flight across the
	// engine. 0 means unbounded.
	MaxPendingHostOps int64

	// Interpreter selects wazero's interpreter instead of the compiler.
	Interpreter bool
}

// DefaultConfig returns the configuration used by New when none is given.
func DefaultConfig() Config {
	return Config{
		Policy:            limits.DefaultPolicy(),
		TickInterval:      clock.DefaultInterval,
		HostCallCost:      1,
		MaxPendingHostOps: 1024,
	}
}

func (c Config) validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.TickInterval < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "tick interval must not be negative")
	}
	if c.CacheCapacity < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "cache capacity must not be negative")
	}
	if c.MaxPendingHostOps < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "max pending host ops must not be negative")
	}
	return nil
}
