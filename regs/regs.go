// Package regs holds the rasterizer register state the buffer cache
// reads: binding register banks, the dirty-flag bitset, and the
// compute launch descriptor.
//
// The emulated command processor writes these banks; the cache only
// reads them during its update and bind phases, under the cache lock.
package regs

import (
	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/host"
)

// Binding table geometry.
const (
	NumVertexBuffers            = 32
	NumTransformFeedbackBuffers = 4
	NumGraphicsUniformBuffers   = 18
	NumComputeUniformBuffers    = 8
	NumStorageBuffers           = 16
	NumStages                   = 5
)

// DirtyFlag indexes one bit in Flags.
type DirtyFlag uint

const (
	// DirtyIndexBuffer is set when the index array registers changed.
	DirtyIndexBuffer DirtyFlag = iota

	// DirtyVertexBuffers is set when any vertex array register changed.
	DirtyVertexBuffers

	// DirtyVertexBuffer0 through DirtyVertexBuffer0+31 cover the
	// individual vertex buffer slots.
	DirtyVertexBuffer0

	numDirtyFlags = DirtyVertexBuffer0 + NumVertexBuffers
)

// Flags is the rasterizer dirty-flag bitset.
type Flags uint64

// Test reports whether flag is set.
func (f Flags) Test(flag DirtyFlag) bool {
	return f&(1<<flag) != 0
}

// Set raises flag.
func (f *Flags) Set(flag DirtyFlag) {
	*f |= 1 << flag
}

// Clear lowers flag.
func (f *Flags) Clear(flag DirtyFlag) {
	*f &^= 1 << flag
}

// IndexArray is the index buffer register bank.
type IndexArray struct {
	Start  guest.GPUVAddr
	End    guest.GPUVAddr
	Format host.IndexFormat
	First  uint32
	Count  uint32
}

// VertexArray is one vertex buffer slot's register bank. The slot's
// address limit lives in Graphics.VertexLimits.
type VertexArray struct {
	Enable bool
	Start  guest.GPUVAddr
	Stride uint32
}

// TransformFeedback is one transform feedback slot's register bank.
type TransformFeedback struct {
	Enable  bool
	Address guest.GPUVAddr
	Offset  uint64
	Size    uint32
}

// ConstBuffer is one constant buffer descriptor.
type ConstBuffer struct {
	Address guest.GPUVAddr
	Size    uint32
}

// ShaderStage is the per-stage constant buffer bank.
type ShaderStage struct {
	ConstBuffers [NumGraphicsUniformBuffers]ConstBuffer
}

// Graphics is the 3D engine register state the cache consumes.
type Graphics struct {
	Topology host.PrimitiveTopology

	IndexArray IndexArray

	VertexArrays [NumVertexBuffers]VertexArray
	// VertexLimits holds the inclusive end address of each vertex
	// buffer slot.
	VertexLimits [NumVertexBuffers]guest.GPUVAddr

	// DrawFirst and DrawCount describe the current non-indexed draw
	// range, used for quad index synthesis.
	DrawFirst uint32
	DrawCount uint32

	TransformFeedbackEnabled bool
	TransformFeedback        [NumTransformFeedbackBuffers]TransformFeedback

	Stages [NumStages]ShaderStage

	Dirty Flags
}

// ComputeLaunch is the compute dispatch descriptor the cache consumes.
type ComputeLaunch struct {
	ConstBufferEnableMask uint32
	ConstBuffers          [NumComputeUniformBuffers]ConstBuffer
}
