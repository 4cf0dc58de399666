package limits

import (
	"fmt"
	"math"
	"time"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// ResourceLimits bounds a single instance. Every field is mandatory: there is
// no zero value meaning "unlimited". Limits are supplied by the manifest
// provider and checked against a HostPolicy before an instance is created.
type ResourceLimits struct {
	// MinMemoryPages is the number of 64KiB pages the instance starts with.
	// The module's own declared minimum wins when it is larger.
	MinMemoryPages uint32

	// MaxMemoryPages caps memory.grow. A grow past it fails that single
	// request (memory.grow returns -1) and the instance keeps running.
	MaxMemoryPages uint32

	// InstructionBudget is the metered cost a single call may accrue.
	InstructionBudget uint64

	// WallClockTimeout bounds the guest compute time of a single call.
	WallClockTimeout time.Duration

	// GuardPageSize is the byte headroom reserved past the current memory
	// size so early growth does not reallocate. Accesses into the reserve
	// still trap; bounds are checked against the visible size.
	GuardPageSize uint64
}

// HostPolicy holds the host ceilings every ResourceLimits must fit under.
// Zero ceilings other than MaxMemoryPages mean that dimension is bounded
// only by the limits themselves.
type HostPolicy struct {
	MaxMemoryPages       uint32
	MaxInstructionBudget uint64
	MaxWallClockTimeout  time.Duration
	MaxGuardPageSize     uint64
}

// DefaultPolicy allows up to 64MiB of memory per instance, 1GiB guard
// reserve and no further ceilings.
func DefaultPolicy() HostPolicy {
	return HostPolicy{
		MaxMemoryPages:   1024,
		MaxGuardPageSize: 1 << 30,
	}
}

// Validate checks the policy itself.
func (p HostPolicy) Validate() error {
	if p.MaxMemoryPages == 0 {
		return errors.FieldMissing(errors.PhaseConfig, "policy.max_memory_pages")
	}
	if p.MaxMemoryPages > wasm.MaxPages {
		return errors.LimitExceeded(errors.PhaseConfig, "policy.max_memory_pages", p.MaxMemoryPages, wasm.MaxPages)
	}
	return nil
}

// Validate checks internal consistency and the host ceilings. Errors are in
// the instantiate phase since limits are checked when creating an instance.
func (l ResourceLimits) Validate(p HostPolicy) error {
	const phase = errors.PhaseInstantiate

	switch {
	case l.MaxMemoryPages == 0:
		return errors.FieldMissing(phase, "max_memory_pages")
	case l.InstructionBudget == 0:
		return errors.FieldMissing(phase, "instruction_budget")
	case l.WallClockTimeout <= 0:
		return errors.FieldMissing(phase, "wall_clock_timeout")
	}

	if l.MinMemoryPages > l.MaxMemoryPages {
		return errors.New(phase, errors.KindInvalidInput).
			Path("min_memory_pages").
			Value(l.MinMemoryPages).
			Detail("min_memory_pages %d exceeds max_memory_pages %d", l.MinMemoryPages, l.MaxMemoryPages).
			Build()
	}
	if l.MaxMemoryPages > p.MaxMemoryPages {
		return errors.LimitExceeded(phase, "max_memory_pages", l.MaxMemoryPages, p.MaxMemoryPages)
	}
	if p.MaxInstructionBudget > 0 && l.InstructionBudget > p.MaxInstructionBudget {
		return errors.LimitExceeded(phase, "instruction_budget", l.InstructionBudget, p.MaxInstructionBudget)
	}
	if p.MaxWallClockTimeout > 0 && l.WallClockTimeout > p.MaxWallClockTimeout {
		return errors.LimitExceeded(phase, "wall_clock_timeout", l.WallClockTimeout, p.MaxWallClockTimeout)
	}
	if l.GuardPageSize > p.MaxGuardPageSize {
		return errors.LimitExceeded(phase, "guard_page_size", l.GuardPageSize, p.MaxGuardPageSize)
	}
	if l.GuardPageSize%wasm.PageSize != 0 {
		return errors.New(phase, errors.KindInvalidInput).
			Path("guard_page_size").
			Value(l.GuardPageSize).
			Detail("guard_page_size must be a multiple of %d", wasm.PageSize).
			Build()
	}
	return nil
}

// MaxMemoryBytes returns the memory ceiling in bytes.
func (l ResourceLimits) MaxMemoryBytes() uint64 {
	return uint64(l.MaxMemoryPages) * wasm.PageSize
}

func (l ResourceLimits) String() string {
	budget := fmt.Sprint(l.InstructionBudget)
	if l.InstructionBudget == math.MaxUint64 {
		budget = "max"
	}
	return fmt.Sprintf("memory=%d..%d pages budget=%s timeout=%s guard=%dB",
		l.MinMemoryPages, l.MaxMemoryPages, budget, l.WallClockTimeout, l.GuardPageSize)
}

// Builder assembles ResourceLimits and refuses to build while any field is
// unset, including fields whose valid value is zero.
type Builder struct {
	limits ResourceLimits
	set    uint8
}

const (
	setMin uint8 = 1 << iota
	setMax
	setBudget
	setTimeout
	setGuard
	setAll = setMin | setMax | setBudget | setTimeout | setGuard
)

// NewBuilder returns an empty limits builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) MinMemoryPages(n uint32) *Builder {
	b.limits.MinMemoryPages = n
	b.set |= setMin
	return b
}

func (b *Builder) MaxMemoryPages(n uint32) *Builder {
	b.limits.MaxMemoryPages = n
	b.set |= setMax
	return b
}

func (b *Builder) InstructionBudget(n uint64) *Builder {
	b.limits.InstructionBudget = n
	b.set |= setBudget
	return b
}

func (b *Builder) WallClockTimeout(d time.Duration) *Builder {
	b.limits.WallClockTimeout = d
	b.set |= setTimeout
	return b
}

func (b *Builder) GuardPageSize(n uint64) *Builder {
	b.limits.GuardPageSize = n
	b.set |= setGuard
	return b
}

// Build returns the limits or a field_missing error naming the first unset
// field. Values are not checked against any policy here.
func (b *Builder) Build() (ResourceLimits, error) {
	if b.set != setAll {
		for _, f := range []struct {
			bit  uint8
			name string
		}{
			{setMin, "min_memory_pages"},
			{setMax, "max_memory_pages"},
			{setBudget, "instruction_budget"},
			{setTimeout, "wall_clock_timeout"},
			{setGuard, "guard_page_size"},
		} {
			if b.set&f.bit == 0 {
				return ResourceLimits{}, errors.FieldMissing(errors.PhaseConfig, f.name)
			}
		}
	}
	return b.limits, nil
}
