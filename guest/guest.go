// Package guest defines the guest memory services the buffer cache
// reads from and writes back to.
//
// Two address spaces are involved: VAddr is an address in the emulated
// program's virtual space, GPUVAddr is an address in the emulated GPU's
// virtual space. The GPUMemory service translates between them.
//
// The cache never retains pointers obtained from these interfaces
// across operations; mappings may be invalidated between calls.
package guest

// VAddr is a guest CPU virtual address.
type VAddr uint64

// GPUVAddr is a guest GPU virtual address.
type GPUVAddr uint64

// Guest OS page geometry. A range that stays within one OS page is
// contiguous in the host mapping and can be accessed through a single
// pointer.
const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = PageSize - 1
)

// Memory reads and writes emulated physical memory through guest CPU
// addresses.
type Memory interface {
	// ReadBlockUnsafe copies len(dst) bytes at addr into dst without
	// checking page permissions.
	ReadBlockUnsafe(addr VAddr, dst []byte)

	// WriteBlockUnsafe copies src to addr without checking page
	// permissions.
	WriteBlockUnsafe(addr VAddr, src []byte)

	// Pointer returns the host mapping starting at addr, extending to
	// the end of the contiguous host range containing it. The returned
	// slice is valid at least to the end of the guest OS page holding
	// addr and only until the next operation that can remap guest
	// memory.
	Pointer(addr VAddr) []byte
}

// GPUMemory translates guest GPU addresses and reads values through
// them, for descriptor blocks the rasterizer leaves in GPU-visible
// memory.
type GPUMemory interface {
	// GpuToCpuAddress translates a GPU address to the CPU address
	// backing it. ok is false when the address has no mapping.
	GpuToCpuAddress(addr GPUVAddr) (cpu VAddr, ok bool)

	// BytesToMapEnd returns how many bytes remain between addr and the
	// end of the GPU mapping containing it.
	BytesToMapEnd(addr GPUVAddr) uint64

	// ReadUint32 reads a little-endian u32 at addr.
	ReadUint32(addr GPUVAddr) uint32

	// ReadUint64 reads a little-endian u64 at addr.
	ReadUint64(addr GPUVAddr) uint64
}
