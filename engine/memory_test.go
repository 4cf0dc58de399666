package engine

import (
	"errors"
	"testing"

	"github.com/tetratelabs/wazero/api"

	sberrors "github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func TestMemory_GrowPastLimitFailsRequest(t *testing.T) {
	e := newTestEngine(t)
	lim := testLimits(func(l *limits.ResourceLimits) { l.MaxMemoryPages = 2 })
	inst := instantiate(t, e, computeModule(8), lim, nil)

	res := call(t, inst, "grow", 1)
	expectOutcome(t, res, Completed)
	if got := api.DecodeI32(res.Values[0]); got != 1 {
		t.Fatalf("first grow = %d, want previous size 1", got)
	}

	res = call(t, inst, "grow", 1)
	expectOutcome(t, res, Completed)
	if got := api.DecodeI32(res.Values[0]); got != -1 {
		t.Fatalf("grow past limit = %d, want -1", got)
	}

	// the refusal is not a fault
	if inst.State() != StateReady {
		t.Errorf("State = %s, want ready", inst.State())
	}
	res = call(t, inst, "size")
	if got := api.DecodeI32(res.Values[0]); got != 2 {
		t.Errorf("size = %d, want 2", got)
	}

	st := inst.MemoryStats()
	if st.CurrentBytes != 2*wasm.PageSize {
		t.Errorf("CurrentBytes = %d, want %d", st.CurrentBytes, 2*wasm.PageSize)
	}
	if st.PeakBytes != 2*wasm.PageSize {
		t.Errorf("PeakBytes = %d, want %d", st.PeakBytes, 2*wasm.PageSize)
	}
	if st.LimitBytes != 2*wasm.PageSize {
		t.Errorf("LimitBytes = %d, want %d", st.LimitBytes, 2*wasm.PageSize)
	}
	if st.Grows != 1 {
		t.Errorf("Grows = %d, want 1", st.Grows)
	}
	if st.Refused != 1 {
		t.Errorf("Refused = %d, want 1", st.Refused)
	}
}

func TestMemory_ExceededThenTrap(t *testing.T) {
	e := newTestEngine(t)
	lim := testLimits(func(l *limits.ResourceLimits) { l.MaxMemoryPages = 2 })
	inst := instantiate(t, e, computeModule(8), lim, nil)

	res := call(t, inst, "grow_or_trap", 4)
	expectOutcome(t, res, MemoryExceeded)
	if res.Trap != TrapUnreachable {
		t.Errorf("Trap = %q, want %q", res.Trap, TrapUnreachable)
	}
	if inst.State() != StatePoisoned {
		t.Errorf("State = %s, want poisoned", inst.State())
	}
}

func TestMemory_RefusalInEarlierCallDoesNotLeak(t *testing.T) {
	e := newTestEngine(t)
	lim := testLimits(func(l *limits.ResourceLimits) { l.MaxMemoryPages = 2 })
	inst := instantiate(t, e, computeModule(8), lim, nil)

	res := call(t, inst, "grow", 8)
	if got := api.DecodeI32(res.Values[0]); got != -1 {
		t.Fatalf("grow = %d, want -1", got)
	}
	// a trap in a later call is a plain trap
	expectOutcome(t, call(t, inst, "boom"), Trapped)
}

func TestMemory_ModuleMaxBelowLimit(t *testing.T) {
	e := newTestEngine(t)
	inst := instantiate(t, e, computeModule(2), testLimits(), nil)

	res := call(t, inst, "grow", 4)
	if got := api.DecodeI32(res.Values[0]); got != -1 {
		t.Fatalf("grow past declared max = %d, want -1", got)
	}
	if st := inst.MemoryStats(); st.Refused != 0 {
		t.Errorf("Refused = %d, want 0 (the module's own maximum refused it)", st.Refused)
	}
}

func TestMemory_InitialPagesFromLimits(t *testing.T) {
	e := newTestEngine(t)
	lim := testLimits(func(l *limits.ResourceLimits) { l.MinMemoryPages = 3 })
	inst := instantiate(t, e, computeModule(8), lim, nil)

	res := call(t, inst, "size")
	if got := api.DecodeI32(res.Values[0]); got != 3 {
		t.Errorf("size = %d, want 3", got)
	}
	st := inst.MemoryStats()
	if st.Grows != 0 {
		t.Errorf("Grows = %d, want 0 (sizing at instantiation is not a grow)", st.Grows)
	}
	if st.ReservedBytes < st.CurrentBytes {
		t.Errorf("ReservedBytes = %d, want at least CurrentBytes %d", st.ReservedBytes, st.CurrentBytes)
	}
}

func TestMemory_GuardReserve(t *testing.T) {
	e := newTestEngine(t)
	lim := testLimits(func(l *limits.ResourceLimits) { l.GuardPageSize = 2 * wasm.PageSize })
	inst := instantiate(t, e, computeModule(8), lim, nil)

	st := inst.MemoryStats()
	if want := st.CurrentBytes + 2*wasm.PageSize; st.ReservedBytes < want {
		t.Errorf("ReservedBytes = %d, want at least %d", st.ReservedBytes, want)
	}

	// the reserve is not addressable
	res := call(t, inst, "load", wasm.PageSize+8)
	expectOutcome(t, res, Trapped)
	if res.Trap != TrapMemoryOutOfBounds {
		t.Errorf("Trap = %q, want %q", res.Trap, TrapMemoryOutOfBounds)
	}

	// growing into the reserve does not reallocate
	fresh := instantiate(t, e, computeModule(8), lim, nil)
	before := fresh.MemoryStats().Allocations
	call(t, fresh, "grow", 1)
	if after := fresh.MemoryStats().Allocations; after != before {
		t.Errorf("Allocations = %d, want %d", after, before)
	}
}

func TestMemory_View(t *testing.T) {
	e := newTestEngine(t)
	inst := instantiate(t, e, computeModule(4), testLimits(), nil)
	mem := inst.Memory()

	if mem.Size() != wasm.PageSize {
		t.Fatalf("Size = %d, want %d", mem.Size(), wasm.PageSize)
	}
	if err := mem.Write(100, []byte("sandbox")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if s, err := mem.ReadString(100, 7); err != nil || s != "sandbox" {
		t.Errorf("ReadString = %q, %v", s, err)
	}
	if err := mem.WriteU64(200, 0x0102030405060708); err != nil {
		t.Fatalf("WriteU64 failed: %v", err)
	}
	if v, err := mem.ReadU64(200); err != nil || v != 0x0102030405060708 {
		t.Errorf("ReadU64 = %#x, %v", v, err)
	}
	if v, err := mem.ReadU8(200); err != nil || v != 0x08 {
		t.Errorf("ReadU8 = %#x, %v (want little-endian)", v, err)
	}
	if err := mem.WriteU16(300, 0xbeef); err != nil {
		t.Fatalf("WriteU16 failed: %v", err)
	}
	if v, err := mem.ReadU16(300); err != nil || v != 0xbeef {
		t.Errorf("ReadU16 = %#x, %v", v, err)
	}

	// the guest sees host writes
	if err := mem.WriteU32(8, 1234); err != nil {
		t.Fatalf("WriteU32 failed: %v", err)
	}
	res := call(t, inst, "load", 8)
	if res.Values[0] != 1234 {
		t.Errorf("load = %d, want 1234", res.Values[0])
	}

	oob := &sberrors.Error{Phase: sberrors.PhaseABI, Kind: sberrors.KindOutOfBounds}
	if _, err := mem.Read(wasm.PageSize-2, 4); !errors.Is(err, oob) {
		t.Errorf("Read past end: got %v", err)
	}
	if err := mem.WriteU32(wasm.PageSize, 1); !errors.Is(err, oob) {
		t.Errorf("WriteU32 past end: got %v", err)
	}
	if _, err := mem.ReadString(0xffffffff, 2); !errors.Is(err, oob) {
		t.Errorf("ReadString wrapping offset: got %v", err)
	}
}

func TestMemoryAllocator_Reserve(t *testing.T) {
	tests := []struct {
		name    string
		alloc   memoryAllocator
		capB    uint64
		maxB    uint64
		reserve int
	}{
		{"guard added", memoryAllocator{limit: 16 * wasm.PageSize, guard: wasm.PageSize}, wasm.PageSize, 16 * wasm.PageSize, 2 * wasm.PageSize},
		{"capped at limit", memoryAllocator{limit: 2 * wasm.PageSize, guard: 8 * wasm.PageSize}, wasm.PageSize, 16 * wasm.PageSize, 2 * wasm.PageSize},
		{"capped at module max", memoryAllocator{limit: 16 * wasm.PageSize, guard: 8 * wasm.PageSize}, wasm.PageSize, 3 * wasm.PageSize, 3 * wasm.PageSize},
		{"initial pages", memoryAllocator{limit: 16 * wasm.PageSize, initial: 4 * wasm.PageSize}, wasm.PageSize, 16 * wasm.PageSize, 4 * wasm.PageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lm := tt.alloc.Allocate(tt.capB, tt.maxB).(*linearMemory)
			if got := cap(lm.buf); got != tt.reserve {
				t.Errorf("reserve = %d, want %d", got, tt.reserve)
			}
			if buf := lm.Reallocate(tt.capB); len(buf) != int(tt.capB) {
				t.Errorf("Reallocate(%d) returned %d bytes", tt.capB, len(buf))
			}
			if lm.Reallocate(lm.limit+1) != nil {
				t.Error("Reallocate past the limit should return nil")
			}
			if st := lm.stats(); st.Refused != 1 || st.Grows != 0 {
				t.Errorf("stats = %+v, want one refusal and no grows", st)
			}
		})
	}
}
