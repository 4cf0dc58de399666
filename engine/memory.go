package engine

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	wasmsandbox "github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
)

// MemoryStats is the memory accounting of one instance.
type MemoryStats struct {
	CurrentBytes  uint64 // visible linear memory size
	PeakBytes     uint64 // largest size reached
	LimitBytes    uint64 // MaxMemoryPages in bytes
	ReservedBytes uint64 // backing capacity, including guard headroom
	Allocations   uint64 // backing buffer (re)allocations
	Grows         uint64 // successful growths after instantiation
	Refused       uint64 // growths refused by the page ceiling
}

// memoryAllocator hands wazero a linearMemory capped at limit bytes. One
// allocator serves one instantiation.
type memoryAllocator struct {
	mem     *linearMemory
	limit   uint64
	guard   uint64
	initial uint64
}

func (a *memoryAllocator) Allocate(capBytes, maxBytes uint64) experimental.LinearMemory {
	limit := min(a.limit, maxBytes)
	reserve := min(max(capBytes, a.initial)+a.guard, limit)
	a.mem = &linearMemory{
		buf:   make([]byte, 0, reserve),
		limit: limit,
		guard: a.guard,
	}
	a.mem.allocations.Add(1)
	return a.mem
}

// linearMemory backs one guest memory. Reallocate is only called from the
// goroutine running the instance; the counters are read concurrently by
// MemoryStats.
type linearMemory struct {
	buf   []byte
	limit uint64
	guard uint64
	sized bool

	current     atomic.Uint64
	peak        atomic.Uint64
	reserved    atomic.Uint64
	allocations atomic.Uint64
	grows       atomic.Uint64
	refused     atomic.Uint64
}

// Reallocate grows the memory to size bytes, or returns nil when size is
// past the ceiling so memory.grow yields -1.
func (m *linearMemory) Reallocate(size uint64) []byte {
	if size > m.limit {
		m.refused.Add(1)
		return nil
	}

	if size <= uint64(cap(m.buf)) {
		// never shrunk, so the extended region is still zero
		m.buf = m.buf[:size]
	} else {
		buf := make([]byte, size, min(size+m.guard, m.limit))
		copy(buf, m.buf)
		m.buf = buf
		m.allocations.Add(1)
	}

	// the first call sizes the memory at instantiation
	if m.sized {
		m.grows.Add(1)
	}
	m.sized = true
	m.current.Store(size)
	if size > m.peak.Load() {
		m.peak.Store(size)
	}
	m.reserved.Store(uint64(cap(m.buf)))
	return m.buf
}

func (m *linearMemory) Free() {
	m.buf = nil
	m.current.Store(0)
	m.reserved.Store(0)
}

func (m *linearMemory) stats() MemoryStats {
	if m == nil {
		return MemoryStats{}
	}
	return MemoryStats{
		CurrentBytes:  m.current.Load(),
		PeakBytes:     m.peak.Load(),
		LimitBytes:    m.limit,
		ReservedBytes: m.reserved.Load(),
		Allocations:   m.allocations.Load(),
		Grows:         m.grows.Load(),
		Refused:       m.refused.Load(),
	}
}

func (m *linearMemory) refusals() uint64 {
	if m == nil {
		return 0
	}
	return m.refused.Load()
}

// Memory is a bounds-checked view of an instance's linear memory. Slices
// returned by Read alias guest memory and are valid until the guest runs
// again.
type Memory struct {
	mem api.Memory
}

var (
	_ wasmsandbox.Memory      = (*Memory)(nil)
	_ wasmsandbox.MemorySizer = (*Memory)(nil)
)

func (m *Memory) oob(offset, length uint32) error {
	return errors.OutOfBounds(errors.PhaseABI, nil, uint64(offset), uint64(length), uint64(m.mem.Size()))
}

// Size returns the current size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

func (m *Memory) Read(offset, length uint32) ([]byte, error) {
	b, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, m.oob(offset, length)
	}
	return b, nil
}

func (m *Memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return m.oob(offset, uint32(len(data)))
	}
	return nil
}

// ReadString copies length bytes at offset into a Go string.
func (m *Memory) ReadString(offset, length uint32) (string, error) {
	b, err := m.Read(offset, length)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, m.oob(offset, 1)
	}
	return v, nil
}

func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.mem.ReadUint16Le(offset)
	if !ok {
		return 0, m.oob(offset, 2)
	}
	return v, nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, m.oob(offset, 4)
	}
	return v, nil
}

func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, m.oob(offset, 8)
	}
	return v, nil
}

func (m *Memory) WriteU8(offset uint32, value uint8) error {
	if !m.mem.WriteByte(offset, value) {
		return m.oob(offset, 1)
	}
	return nil
}

func (m *Memory) WriteU16(offset uint32, value uint16) error {
	if !m.mem.WriteUint16Le(offset, value) {
		return m.oob(offset, 2)
	}
	return nil
}

func (m *Memory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return m.oob(offset, 4)
	}
	return nil
}

func (m *Memory) WriteU64(offset uint32, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return m.Write(offset, b[:])
}
