// Package host abstracts the host graphics runtime the buffer cache
// drives: buffer allocation, staging transfers, region copies, fences,
// and the per-class bind primitives.
//
// Implementations wrap one graphics API. The capability set of an
// implementation is fixed for its lifetime and reported through Caps;
// the cache reads it once at construction and keys its code paths on
// it.
package host

// Buffer is an opaque handle to a host buffer object. The null binding
// is represented by a nil Buffer; runtimes must treat nil or
// zero-sized binds as "unbind this slot".
type Buffer interface {
	// Size returns the byte size of the host allocation.
	Size() uint64
}

// BufferCopy describes one region copy between two buffers.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// StagingLease is a mappable staging region leased from the runtime
// for one transfer batch. Offset is the region's position inside
// Buffer; Mapped is the CPU-visible span of the region. The lease is
// consumed by the copy batch that uses it and reclaimed by the runtime
// once that batch completes.
type StagingLease struct {
	Buffer Buffer
	Offset uint64
	Mapped []byte
}

// Caps describes the fixed capabilities of a runtime. The cache
// resolves all conditional paths from this once, at construction.
type Caps struct {
	// IsOpenGL is true for OpenGL-family runtimes. Only these can have
	// driver-side fast uniform buffer pushes.
	IsOpenGL bool

	// HasPersistentUniformBindings is true when the runtime keeps
	// uniform bindings alive across draws, requiring explicit
	// re-binds when the enable mask changes.
	HasPersistentUniformBindings bool

	// HasFullIndexAndPrimitiveSupport is true when the runtime handles
	// every index format and primitive topology natively. Runtimes
	// without it receive topology and format with each index bind and
	// need quad index expansion for quad draws.
	HasFullIndexAndPrimitiveSupport bool

	// NeedsBindUniformIndex selects runtimes whose uniform binds take
	// a dense binding index rather than a fixed slot.
	NeedsBindUniformIndex bool

	// NeedsBindStorageIndex is NeedsBindUniformIndex for storage
	// buffers.
	NeedsBindStorageIndex bool

	// UseMemoryMaps selects the staging-buffer transfer path. Runtimes
	// without it receive immediate per-copy uploads and downloads.
	UseMemoryMaps bool
}

// PrimitiveTopology is the draw primitive type, forwarded to runtimes
// that need it for index translation.
type PrimitiveTopology uint8

const (
	TopologyPoints PrimitiveTopology = iota
	TopologyLines
	TopologyLineStrip
	TopologyTriangles
	TopologyTriangleStrip
	TopologyQuads
)

// IndexFormat is the element type of an index buffer.
type IndexFormat uint8

const (
	IndexUint8 IndexFormat = iota
	IndexUint16
	IndexUint32
)

// SizeBytes returns the byte size of one index element.
func (f IndexFormat) SizeBytes() uint32 {
	switch f {
	case IndexUint8:
		return 1
	case IndexUint16:
		return 2
	default:
		return 4
	}
}

// Runtime is the host graphics runtime driven by the cache.
//
// All methods are called with the cache lock held and must not call
// back into the cache. Staging failures are host-fatal: an
// implementation may panic or abort the frame, there is no recoverable
// error channel on this surface.
type Runtime interface {
	// Caps returns the fixed capability set.
	Caps() Caps

	// HasFastBufferSubData reports whether the driver has a fast
	// small-upload path for uniform data. Meaningful only when
	// Caps().IsOpenGL.
	HasFastBufferSubData() bool

	// CreateBuffer allocates a device buffer of the given size.
	CreateBuffer(size uint64) Buffer

	// DestroyBuffer releases a buffer. Called only after the cache's
	// deferred-destruction window has passed.
	DestroyBuffer(buf Buffer)

	// UploadStagingBuffer leases a host-to-device staging region of at
	// least size bytes.
	UploadStagingBuffer(size uint64) StagingLease

	// DownloadStagingBuffer leases a device-to-host staging region of
	// at least size bytes.
	DownloadStagingBuffer(size uint64) StagingLease

	// CopyBuffer schedules region copies from src into dst on the host
	// queue.
	CopyBuffer(dst, src Buffer, copies []BufferCopy)

	// Finish blocks until all previously scheduled host work completes.
	Finish()

	// ImmediateUpload writes data into buf at offset, bypassing
	// staging. Used when Caps().UseMemoryMaps is false.
	ImmediateUpload(buf Buffer, offset uint64, data []byte)

	// ImmediateDownload reads len(dst) bytes from buf at offset.
	ImmediateDownload(buf Buffer, offset uint64, dst []byte)

	// BindIndexBuffer binds the index buffer on runtimes with full
	// index and primitive support.
	BindIndexBuffer(buf Buffer, offset, size uint32)

	// BindLegacyIndexBuffer binds the index buffer with enough draw
	// state for the runtime to translate unsupported formats and
	// topologies.
	BindLegacyIndexBuffer(topology PrimitiveTopology, format IndexFormat,
		first, count uint32, buf Buffer, offset, size uint32)

	// BindQuadArrayIndexBuffer synthesizes an index buffer turning a
	// quad array draw into triangles.
	BindQuadArrayIndexBuffer(first, count uint32)

	// BindVertexBuffer binds one vertex buffer slot.
	BindVertexBuffer(index uint32, buf Buffer, offset, size, stride uint32)

	// BindUniformBuffer binds a graphics uniform buffer. binding is
	// the dense index on runtimes with Caps().NeedsBindUniformIndex,
	// otherwise informational.
	BindUniformBuffer(stage int, binding uint32, buf Buffer, offset, size uint32)

	// BindComputeUniformBuffer binds a compute uniform buffer.
	BindComputeUniformBuffer(binding uint32, buf Buffer, offset, size uint32)

	// BindStorageBuffer binds a graphics storage buffer.
	BindStorageBuffer(stage int, binding uint32, buf Buffer, offset, size uint32, written bool)

	// BindComputeStorageBuffer binds a compute storage buffer.
	BindComputeStorageBuffer(binding uint32, buf Buffer, offset, size uint32, written bool)

	// BindTransformFeedbackBuffer binds one transform feedback slot.
	BindTransformFeedbackBuffer(index uint32, buf Buffer, offset, size uint32)

	// BindFastUniformBuffer points a uniform slot at the driver's fast
	// push buffer. Only called when HasFastBufferSubData.
	BindFastUniformBuffer(stage int, binding uint32, size uint32)

	// PushFastUniformBuffer pushes uniform data inline into the fast
	// slot bound by BindFastUniformBuffer.
	PushFastUniformBuffer(stage int, binding uint32, data []byte)

	// BindMappedUniformBuffer binds a stream-style uniform buffer and
	// returns its write span; the caller fills it before the draw.
	BindMappedUniformBuffer(stage int, binding uint32, size uint32) []byte
}
