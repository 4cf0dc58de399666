package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/governor"
	"github.com/wippyai/wasm-sandbox/limits"
)

// State is the lifecycle state of an instance.
type State int32

const (
	StateReady State = iota
	StateRunning
	StatePoisoned
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePoisoned:
		return "poisoned"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Instance is one execution context. It exclusively owns its memory, its
// limits and its governor state. Calls on an instance are sequential; a call
// that does not complete poisons it for good.
type Instance struct {
	engine *Engine
	module *Module
	mod    api.Module
	hosts  *binding
	mem    *linearMemory
	view   *Memory
	gov    *governor.State
	log    *zap.Logger
	id     string
	limits limits.ResourceLimits

	state    atomic.Int32
	closeReq atomic.Bool
	retire   sync.Once
	retErr   error
}

// ID returns the instance's unique ID.
func (i *Instance) ID() string {
	return i.id
}

// Module returns the module the instance was created from.
func (i *Instance) Module() *Module {
	return i.module
}

// Limits returns the instance's resource limits.
func (i *Instance) Limits() limits.ResourceLimits {
	return i.limits
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// Memory returns a view of the instance's memory, or nil if the module
// defines none.
func (i *Instance) Memory() *Memory {
	return i.view
}

// MemoryStats returns the instance's memory accounting.
func (i *Instance) MemoryStats() MemoryStats {
	return i.mem.stats()
}

// Interrupt forces the deadline of the running call to the present. The
// call ends TimedOut at its next checkpoint, or immediately if it is
// suspended in a host operation. It does nothing when no call is running.
func (i *Instance) Interrupt() {
	i.gov.InterruptCurrent()
}

// Close releases the instance. Closing a running instance interrupts the
// call and the instance is released when it returns.
func (i *Instance) Close(ctx context.Context) error {
	for {
		switch s := State(i.state.Load()); s {
		case StateClosed:
			return nil
		case StateRunning:
			i.closeReq.Store(true)
			i.gov.InterruptCurrent()
			if State(i.state.Load()) == StateRunning {
				return nil
			}
		default:
			if i.state.CompareAndSwap(int32(s), int32(StateClosed)) {
				return i.release(ctx)
			}
		}
	}
}

// release closes the wazero module and drops the module and host binding
// references once.
func (i *Instance) release(ctx context.Context) error {
	i.retire.Do(func() {
		i.retErr = multierr.Append(i.mod.Close(ctx), i.engine.unbind(ctx, i.hosts))
		i.module.release()
		i.engine.instances.Add(-1)
	})
	return i.retErr
}

// begin moves the instance from Ready to Running.
func (i *Instance) begin() error {
	if i.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		return nil
	}
	switch State(i.state.Load()) {
	case StateRunning:
		return ErrBusy
	case StatePoisoned:
		return ErrPoisoned
	}
	return ErrClosed
}

// end leaves Running according to the call's outcome.
func (i *Instance) end(o Outcome) {
	next := StateReady
	if o.Poisons() {
		next = StatePoisoned
	}
	if i.closeReq.Load() {
		next = StateClosed
	}
	i.state.CompareAndSwap(int32(StateRunning), int32(next))

	switch next {
	case StatePoisoned:
		i.log.Debug("instance poisoned", zap.Stringer("outcome", o))
		_ = i.release(context.Background())
	case StateClosed:
		_ = i.release(context.Background())
	default:
		// Close may have raced with the end of the call
		if i.closeReq.Load() {
			_ = i.Close(context.Background())
		}
	}
}
