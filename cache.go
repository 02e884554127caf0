package vram

import (
	"math/bits"
	"sync"

	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/host"
	"github.com/gogpu/vram/regs"
	"github.com/gogpu/vram/slot"
)

// Page geometry for the buffer catalogue. This is unrelated to the
// guest OS page size and is sized for catalogue density, not for
// protection.
const (
	pageBits = 16
	pageSize = uint64(1) << pageBits

	// addressSpaceBits covers the guest CPU virtual space.
	addressSpaceBits = 39
)

// DefaultSkipCacheSize is the uniform buffer size threshold below
// which the fast path is taken while the heuristic prefers it.
const DefaultSkipCacheSize = 4096

// maxUpdateRetries bounds the update retry loop after buffer
// deletions. Each pass strictly reduces the number of un-coalesced
// overlaps, so hitting the bound indicates a bug.
const maxUpdateRetries = 8

// BufferCache reconciles guest memory ranges with host buffer objects.
//
// It is externally synchronized: the rasterizer and the memory-write
// notifier hold Lock across every group of operations. No method is
// safe for unlocked concurrent use.
type BufferCache struct {
	mu sync.Mutex

	runtime host.Runtime
	caps    host.Caps
	memory  guest.Memory
	gpuMem  guest.GPUMemory
	gfx     *regs.Graphics
	launch  *regs.ComputeLaunch

	slots slot.Arena[Buffer]
	ring  destroyRing

	// pageTable maps guest page -> buffer id over the whole address
	// space. Flat for one dependent load per lookup on the bind path.
	pageTable []BufferId

	lastIndexCount uint32

	indexBuffer              Binding
	vertexBuffers            [regs.NumVertexBuffers]Binding
	uniformBuffers           [regs.NumStages][regs.NumGraphicsUniformBuffers]Binding
	storageBuffers           [regs.NumStages][regs.NumStorageBuffers]Binding
	transformFeedbackBuffers [regs.NumTransformFeedbackBuffers]Binding
	computeUniformBuffers    [regs.NumComputeUniformBuffers]Binding
	computeStorageBuffers    [regs.NumStorageBuffers]Binding

	enabledUniformBuffers        [regs.NumStages]uint32
	enabledComputeUniformBuffers uint32

	enabledStorageBuffers        [regs.NumStages]uint32
	writtenStorageBuffers        [regs.NumStages]uint32
	enabledComputeStorageBuffers uint32
	writtenComputeStorageBuffers uint32

	fastBoundUniformBuffers [regs.NumStages]uint32

	// dirtyUniformBuffers is consulted only on runtimes with
	// persistent uniform bindings.
	dirtyUniformBuffers [regs.NumStages]uint32

	uniformCacheHits  [16]uint32
	uniformCacheShots [16]uint32
	skipCacheSize     uint32

	hasDeletedBuffers bool

	cachedWriteBufferIds []BufferId

	uncommittedDownloads []BufferId
	// committedDownloads is a FIFO of snapshots; index 0 is the oldest.
	committedDownloads [][]BufferId

	immediateBuffer []byte

	tracking TrackingConfig
	stats    Stats
}

// New creates a buffer cache over the given host runtime, guest memory
// services, and rasterizer register banks.
func New(rt host.Runtime, mem guest.Memory, gpuMem guest.GPUMemory,
	gfx *regs.Graphics, launch *regs.ComputeLaunch, opts ...Option) *BufferCache {
	c := &BufferCache{
		runtime:       rt,
		caps:          rt.Caps(),
		memory:        mem,
		gpuMem:        gpuMem,
		gfx:           gfx,
		launch:        launch,
		pageTable:     make([]BufferId, uint64(1)<<(addressSpaceBits-pageBits)),
		skipCacheSize: DefaultSkipCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Slot 0 is the null buffer: no extent, no host allocation.
	c.slots.Insert(Buffer{})
	return c
}

// Lock acquires the cache mutex. Callers hold it across every group of
// operations that must observe consistent state.
func (c *BufferCache) Lock() { c.mu.Lock() }

// Unlock releases the cache mutex.
func (c *BufferCache) Unlock() { c.mu.Unlock() }

// SetTracking replaces the download-tracking configuration snapshot.
// Call at a frame boundary.
func (c *BufferCache) SetTracking(cfg TrackingConfig) {
	c.tracking = cfg
}

// buffer returns the buffer in the given slot.
func (c *BufferCache) buffer(id BufferId) *Buffer {
	return c.slots.Get(id)
}

// TickFrame advances the fast-uniform heuristic window and the
// deferred destruction ring. Call once per frame.
func (c *BufferCache) TickFrame() {
	var hits, shots uint32
	for i := range c.uniformCacheHits {
		hits += c.uniformCacheHits[i]
		shots += c.uniformCacheShots[i]
	}
	copy(c.uniformCacheHits[1:], c.uniformCacheHits[:len(c.uniformCacheHits)-1])
	copy(c.uniformCacheShots[1:], c.uniformCacheShots[:len(c.uniformCacheShots)-1])
	c.uniformCacheHits[0] = 0
	c.uniformCacheShots[0] = 0

	// Prefer the fast path while the cached path keeps a >=98% clean
	// rate; below that the cache is churning and small uniforms go
	// through it anyway.
	fastPreferred := uint64(hits)*256 >= uint64(shots)*251
	if fastPreferred {
		c.skipCacheSize = DefaultSkipCacheSize
	} else {
		c.skipCacheSize = 0
	}

	c.ring.tick(func(b *Buffer) {
		if b.hostBuf != nil {
			c.runtime.DestroyBuffer(b.hostBuf)
		}
		c.stats.BuffersDestroyed++
	})
}

// WriteMemory records a guest CPU write over [addr, addr+size).
func (c *BufferCache) WriteMemory(addr guest.VAddr, size uint64) {
	c.forEachBufferInRange(addr, size, func(_ BufferId, b *Buffer) {
		b.MarkRegionAsCpuModified(addr, size)
	})
}

// CachedWriteMemory records a guest CPU write for lazy flushing via
// FlushCachedWrites.
func (c *BufferCache) CachedWriteMemory(addr guest.VAddr, size uint64) {
	c.forEachBufferInRange(addr, size, func(id BufferId, b *Buffer) {
		if !b.HasCachedWrites() {
			c.cachedWriteBufferIds = append(c.cachedWriteBufferIds, id)
		}
		b.CachedCpuWrite(addr, size)
	})
}

// FlushCachedWrites promotes all writes recorded by CachedWriteMemory
// into the CPU-modified state.
func (c *BufferCache) FlushCachedWrites() {
	for _, id := range c.cachedWriteBufferIds {
		c.buffer(id).FlushCachedWrites()
	}
	c.cachedWriteBufferIds = c.cachedWriteBufferIds[:0]
}

// IsRegionGpuModified reports whether any byte of the range has
// pending GPU writes not yet visible to the guest.
func (c *BufferCache) IsRegionGpuModified(addr guest.VAddr, size uint64) bool {
	modified := false
	c.forEachBufferInRange(addr, size, func(_ BufferId, b *Buffer) {
		if b.IsRegionGpuModified(addr, size) {
			modified = true
		}
	})
	return modified
}

// forEachBufferInRange visits every registered buffer overlapping
// [addr, addr+size).
func (c *BufferCache) forEachBufferInRange(addr guest.VAddr, size uint64, fn func(BufferId, *Buffer)) {
	pageEnd := divCeil(uint64(addr)+size, pageSize)
	for page := uint64(addr) >> pageBits; page < pageEnd; {
		id := c.pageTable[page]
		if id == NullBufferId {
			page++
			continue
		}
		b := c.buffer(id)
		fn(id, b)

		end := uint64(b.CpuAddr()) + b.SizeBytes()
		page = divCeil(end, pageSize)
	}
}

// forEachEnabledBit calls fn with the index of every set bit, low to
// high.
func forEachEnabledBit(mask uint32, fn func(index uint32)) {
	for mask != 0 {
		index := uint32(bits.TrailingZeros32(mask))
		fn(index)
		mask &^= 1 << index
	}
}

// isRangeGranular reports whether the range stays within one guest OS
// page, making the mapped pointer usable without crossing a mapping
// boundary.
func isRangeGranular(addr guest.VAddr, size uint64) bool {
	return (uint64(addr) &^ uint64(guest.PageMask)) ==
		((uint64(addr) + size) &^ uint64(guest.PageMask))
}

func divCeil(n, d uint64) uint64 {
	return (n + d - 1) / d
}
