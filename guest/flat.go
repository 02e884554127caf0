package guest

import "encoding/binary"

// FlatMemory is a Memory over a single contiguous slab. It serves
// embedders that keep guest RAM in one allocation, and the package
// tests.
type FlatMemory struct {
	base VAddr
	data []byte
}

// NewFlatMemory creates a FlatMemory covering [base, base+size).
func NewFlatMemory(base VAddr, size uint64) *FlatMemory {
	return &FlatMemory{base: base, data: make([]byte, size)}
}

// Base returns the lowest address the slab covers.
func (m *FlatMemory) Base() VAddr { return m.base }

func (m *FlatMemory) span(addr VAddr, size int) []byte {
	off := int(addr - m.base)
	return m.data[off : off+size]
}

// ReadBlockUnsafe implements Memory.
func (m *FlatMemory) ReadBlockUnsafe(addr VAddr, dst []byte) {
	copy(dst, m.span(addr, len(dst)))
}

// WriteBlockUnsafe implements Memory.
func (m *FlatMemory) WriteBlockUnsafe(addr VAddr, src []byte) {
	copy(m.span(addr, len(src)), src)
}

// Pointer implements Memory. The slab is fully contiguous, so the
// returned slice always extends to its end.
func (m *FlatMemory) Pointer(addr VAddr) []byte {
	return m.data[addr-m.base:]
}

// FlatGPUMemory is a GPUMemory with a single linear mapping of the
// whole flat slab: GPU address = CPU address + Delta.
type FlatGPUMemory struct {
	Mem *FlatMemory

	// Delta is subtracted from GPU addresses to obtain CPU addresses.
	Delta uint64
}

// GpuToCpuAddress implements GPUMemory.
func (g *FlatGPUMemory) GpuToCpuAddress(addr GPUVAddr) (VAddr, bool) {
	cpu := VAddr(uint64(addr) - g.Delta)
	if cpu < g.Mem.base || uint64(cpu-g.Mem.base) >= uint64(len(g.Mem.data)) {
		return 0, false
	}
	return cpu, true
}

// BytesToMapEnd implements GPUMemory.
func (g *FlatGPUMemory) BytesToMapEnd(addr GPUVAddr) uint64 {
	cpu, ok := g.GpuToCpuAddress(addr)
	if !ok {
		return 0
	}
	return uint64(len(g.Mem.data)) - uint64(cpu-g.Mem.base)
}

// ReadUint32 implements GPUMemory.
func (g *FlatGPUMemory) ReadUint32(addr GPUVAddr) uint32 {
	cpu, _ := g.GpuToCpuAddress(addr)
	return binary.LittleEndian.Uint32(g.Mem.span(cpu, 4))
}

// ReadUint64 implements GPUMemory.
func (g *FlatGPUMemory) ReadUint64(addr GPUVAddr) uint64 {
	cpu, _ := g.GpuToCpuAddress(addr)
	return binary.LittleEndian.Uint64(g.Mem.span(cpu, 8))
}
