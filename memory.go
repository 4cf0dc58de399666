package wasmsandbox

// Memory is a view of one instance's linear memory. Offsets are guest
// addresses; any access outside the current size fails instead of panicking.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator reserves guest memory, normally through the guest's own
// cabi_realloc export so the guest allocator stays consistent.
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
}
