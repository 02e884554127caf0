package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vram/host"
)

// copyAlignment is the wgpu copy offset/size alignment.
const copyAlignment = 4

// leaseAlignment keeps lease offsets aligned for uniform reads from
// staging memory.
const leaseAlignment = 256

// minSlabSize is the initial staging slab size.
const minSlabSize = 1 << 20

// stagingSlab is one staging allocation: a device buffer paired with
// its CPU shadow. Leases are carved from it at ring offsets.
type stagingSlab struct {
	raw    hal.Buffer
	shadow []byte
}

// Size implements host.Buffer.
func (s *stagingSlab) Size() uint64 { return uint64(len(s.shadow)) }

// stagingPool carves staging leases from a growable ring slab. A lease
// is consumed by the copy batch that uses it; the ring relies on the
// cache finishing each batch before the offset wraps back over it.
type stagingPool struct {
	runtime *Runtime
	upload  bool
	slab    *stagingSlab
	offset  uint64
}

func (p *stagingPool) init(r *Runtime, upload bool) {
	p.runtime = r
	p.upload = upload
}

func (p *stagingPool) lease(size uint64) host.StagingLease {
	want := alignUp(size, leaseAlignment)
	if p.slab == nil || want > p.slab.Size() {
		p.grow(want)
	}
	offset, wrapped := reserveOffset(p.offset, p.slab.Size(), want)
	if wrapped && p.upload {
		// Writes before the wrap point are already submitted; the
		// region is safe to reuse. Downloads finish within their
		// operation, so the same holds there.
		p.runtime.Finish()
	}
	p.offset = offset + want
	return host.StagingLease{
		Buffer: p.slab,
		Offset: offset,
		Mapped: p.slab.shadow[offset : offset+size],
	}
}

func (p *stagingPool) grow(want uint64) {
	size := uint64(minSlabSize)
	if p.slab != nil {
		size = p.slab.Size() * 2
	}
	for size < want {
		size *= 2
	}
	if p.slab != nil && p.slab.raw != nil {
		p.runtime.device.DestroyBuffer(p.slab.raw)
	}

	usage := gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	label := "vram_upload_staging"
	if !p.upload {
		usage = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
		label = "vram_download_staging"
	}
	raw, err := p.runtime.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		panic(fmt.Sprintf("wgpu: create staging slab (%d bytes): %v", size, err))
	}
	p.slab = &stagingSlab{raw: raw, shadow: make([]byte, size)}
	p.offset = 0
}

// reserveOffset places a want-sized lease at the ring offset, wrapping
// to zero when the tail does not fit. want must not exceed poolSize.
func reserveOffset(offset, poolSize, want uint64) (leaseOffset uint64, wrapped bool) {
	if offset+want > poolSize {
		return 0, true
	}
	return offset, false
}

// alignUp rounds n up to the next multiple of align, a power of two.
func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
