package vram

import (
	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/host"
	"github.com/gogpu/vram/slot"
	"github.com/gogpu/vram/tracker"
)

// BufferId identifies a buffer slot. Slot 0 is permanently the null
// buffer and represents "no binding".
type BufferId = slot.ID

// NullBufferId is the reserved id of the null buffer.
const NullBufferId BufferId = 0

// Buffer is one cached buffer: a guest extent, its host allocation,
// and the dirty state tying the two together. Address and size are
// immutable after creation; growth happens by building a new buffer
// that subsumes old ones.
type Buffer struct {
	id      BufferId
	cpuAddr guest.VAddr
	size    uint64
	hostBuf host.Buffer
	track   *tracker.Tracker

	// streamScore counts how many times this extent has been absorbed
	// by a coalescing allocation; high scores mark ring-like usage.
	streamScore int

	// picked dedupes overlap resolution within one scan.
	picked bool
}

func newBuffer(rt host.Runtime, cpuAddr guest.VAddr, size uint64) Buffer {
	return Buffer{
		cpuAddr: cpuAddr,
		size:    size,
		hostBuf: rt.CreateBuffer(size),
		track:   tracker.New(size),
	}
}

// Id returns the buffer's slot id.
func (b *Buffer) Id() BufferId { return b.id }

// CpuAddr returns the guest address of the buffer's first byte.
func (b *Buffer) CpuAddr() guest.VAddr { return b.cpuAddr }

// SizeBytes returns the buffer's extent in bytes.
func (b *Buffer) SizeBytes() uint64 { return b.size }

// HostBuffer returns the host allocation backing the buffer; nil for
// the null buffer.
func (b *Buffer) HostBuffer() host.Buffer { return b.hostBuf }

// IsInBounds reports whether [addr, addr+size) lies inside the buffer.
func (b *Buffer) IsInBounds(addr guest.VAddr, size uint64) bool {
	return addr >= b.cpuAddr && uint64(addr-b.cpuAddr)+size <= b.size
}

// Offset returns the buffer offset of a guest address inside it.
func (b *Buffer) Offset(addr guest.VAddr) uint32 {
	return uint32(addr - b.cpuAddr)
}

// clamp intersects [addr, addr+size) with the buffer extent, returning
// the buffer-relative offset and length of the intersection.
func (b *Buffer) clamp(addr guest.VAddr, size uint64) (offset, n uint64, ok bool) {
	if b.size == 0 {
		return 0, 0, false
	}
	start := uint64(addr)
	if s := uint64(b.cpuAddr); start < s {
		start = s
	}
	stop := uint64(addr) + size
	if e := uint64(b.cpuAddr) + b.size; stop > e {
		stop = e
	}
	if start >= stop {
		return 0, 0, false
	}
	return start - uint64(b.cpuAddr), stop - start, true
}

// MarkRegionAsCpuModified records guest writes over the given range.
func (b *Buffer) MarkRegionAsCpuModified(addr guest.VAddr, size uint64) {
	if off, n, ok := b.clamp(addr, size); ok {
		b.track.MarkCPUModified(off, n)
	}
}

// MarkRegionAsGpuModified records host GPU writes over the given range.
func (b *Buffer) MarkRegionAsGpuModified(addr guest.VAddr, size uint64) {
	if off, n, ok := b.clamp(addr, size); ok {
		b.track.MarkGPUModified(off, n)
	}
}

// IsRegionGpuModified reports whether any byte of the range is
// GPU-modified.
func (b *Buffer) IsRegionGpuModified(addr guest.VAddr, size uint64) bool {
	off, n, ok := b.clamp(addr, size)
	return ok && b.track.IsGPUModified(off, n)
}

// ForEachUploadRange enumerates and clears CPU-modified runs
// intersecting the range, as buffer-relative (offset, size) pairs.
func (b *Buffer) ForEachUploadRange(addr guest.VAddr, size uint64, fn func(offset, size uint64)) {
	if off, n, ok := b.clamp(addr, size); ok {
		b.track.ForEachUploadRange(off, n, fn)
	}
}

// ForEachDownloadRange enumerates and clears GPU-modified runs
// intersecting the range.
func (b *Buffer) ForEachDownloadRange(addr guest.VAddr, size uint64, fn func(offset, size uint64)) {
	if off, n, ok := b.clamp(addr, size); ok {
		b.track.ForEachDownloadRange(off, n, fn)
	}
}

// ForEachDownloadRangeAll enumerates and clears every GPU-modified run.
func (b *Buffer) ForEachDownloadRangeAll(fn func(offset, size uint64)) {
	if b.track != nil {
		b.track.ForEachDownloadRangeAll(fn)
	}
}

// CachedCpuWrite queues guest writes for lazy flushing.
func (b *Buffer) CachedCpuWrite(addr guest.VAddr, size uint64) {
	if off, n, ok := b.clamp(addr, size); ok {
		b.track.CachedCPUWrite(off, n)
	}
}

// HasCachedWrites reports pending lazily-flushed writes.
func (b *Buffer) HasCachedWrites() bool {
	return b.track != nil && b.track.HasCachedWrites()
}

// FlushCachedWrites promotes cached writes to CPU-modified.
func (b *Buffer) FlushCachedWrites() {
	if b.track != nil {
		b.track.FlushCachedWrites()
	}
}

// destroyRing defers buffer destruction by ringFrames frame ticks so
// in-flight host work keeps its resources.
const ringFrames = 8

type destroyRing struct {
	frames [ringFrames][]Buffer
	head   int
}

func (r *destroyRing) push(b Buffer) {
	r.frames[r.head] = append(r.frames[r.head], b)
}

func (r *destroyRing) tick(destroy func(*Buffer)) {
	r.head = (r.head + 1) % ringFrames
	for i := range r.frames[r.head] {
		destroy(&r.frames[r.head][i])
	}
	r.frames[r.head] = r.frames[r.head][:0]
}
