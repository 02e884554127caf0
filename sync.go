package vram

import (
	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/host"
)

// SynchronizeBuffer uploads the CPU-modified ranges of buf
// intersecting [addr, addr+size) to the host. It reports true when the
// range was already clean.
func (c *BufferCache) SynchronizeBuffer(buf *Buffer, addr guest.VAddr, size uint32) bool {
	if buf.CpuAddr() == 0 {
		// Null buffer: nothing to synchronize.
		return true
	}
	return c.synchronizeBufferImpl(buf, addr, size)
}

func (c *BufferCache) synchronizeBufferImpl(buf *Buffer, addr guest.VAddr, size uint32) bool {
	var copies []host.BufferCopy
	var totalSizeBytes, largestCopy uint64
	buf.ForEachUploadRange(addr, uint64(size), func(rangeOffset, rangeSize uint64) {
		copies = append(copies, host.BufferCopy{
			SrcOffset: totalSizeBytes,
			DstOffset: rangeOffset,
			Size:      rangeSize,
		})
		totalSizeBytes += rangeSize
		if rangeSize > largestCopy {
			largestCopy = rangeSize
		}
	})
	if totalSizeBytes == 0 {
		return true
	}
	c.uploadMemory(buf, totalSizeBytes, largestCopy, copies)
	c.stats.UploadBytes += totalSizeBytes
	return false
}

func (c *BufferCache) uploadMemory(buf *Buffer, totalSizeBytes, largestCopy uint64, copies []host.BufferCopy) {
	if c.caps.UseMemoryMaps {
		c.mappedUploadMemory(buf, totalSizeBytes, copies)
	} else {
		c.immediateUploadMemory(buf, largestCopy, copies)
	}
}

// mappedUploadMemory fills one staging lease with every dirty range
// and issues the whole batch as a single host copy.
func (c *BufferCache) mappedUploadMemory(buf *Buffer, totalSizeBytes uint64, copies []host.BufferCopy) {
	staging := c.runtime.UploadStagingBuffer(totalSizeBytes)
	for i := range copies {
		copy := &copies[i]
		cpuAddr := buf.CpuAddr() + guest.VAddr(copy.DstOffset)
		c.memory.ReadBlockUnsafe(cpuAddr, staging.Mapped[copy.SrcOffset:copy.SrcOffset+copy.Size])

		// Shift the source into the lease's position in its buffer.
		copy.SrcOffset += staging.Offset
	}
	c.runtime.CopyBuffer(buf.hostBuf, staging.Buffer, copies)
}

// immediateUploadMemory uploads each dirty range directly, reading
// through the guest pointer when the range is granular and through the
// scratch buffer otherwise.
func (c *BufferCache) immediateUploadMemory(buf *Buffer, largestCopy uint64, copies []host.BufferCopy) {
	var scratch []byte
	for _, copy := range copies {
		var uploadSpan []byte
		cpuAddr := buf.CpuAddr() + guest.VAddr(copy.DstOffset)
		if isRangeGranular(cpuAddr, copy.Size) {
			uploadSpan = c.memory.Pointer(cpuAddr)[:copy.Size]
		} else {
			if scratch == nil {
				scratch = c.scratchBuffer(largestCopy)
			}
			c.memory.ReadBlockUnsafe(cpuAddr, scratch[:copy.Size])
			uploadSpan = scratch[:copy.Size]
		}
		c.runtime.ImmediateUpload(buf.hostBuf, copy.DstOffset, uploadSpan)
	}
}

// DownloadMemory writes every pending GPU-modified range intersecting
// [addr, addr+size) back to guest memory.
func (c *BufferCache) DownloadMemory(addr guest.VAddr, size uint64) {
	c.forEachBufferInRange(addr, size, func(_ BufferId, buf *Buffer) {
		var copies []host.BufferCopy
		var totalSizeBytes, largestCopy uint64
		buf.ForEachDownloadRange(addr, size, func(rangeOffset, rangeSize uint64) {
			copies = append(copies, host.BufferCopy{
				SrcOffset: rangeOffset,
				DstOffset: totalSizeBytes,
				Size:      rangeSize,
			})
			totalSizeBytes += rangeSize
			if rangeSize > largestCopy {
				largestCopy = rangeSize
			}
		})
		if totalSizeBytes == 0 {
			return
		}
		c.stats.DownloadBytes += totalSizeBytes

		if c.caps.UseMemoryMaps {
			staging := c.runtime.DownloadStagingBuffer(totalSizeBytes)
			for i := range copies {
				copies[i].DstOffset += staging.Offset
			}
			c.runtime.CopyBuffer(staging.Buffer, buf.hostBuf, copies)
			c.runtime.Finish()
			for _, copy := range copies {
				cpuAddr := buf.CpuAddr() + guest.VAddr(copy.SrcOffset)
				spanOffset := copy.DstOffset - staging.Offset
				c.memory.WriteBlockUnsafe(cpuAddr, staging.Mapped[spanOffset:spanOffset+copy.Size])
			}
		} else {
			scratch := c.scratchBuffer(largestCopy)
			for _, copy := range copies {
				c.runtime.ImmediateDownload(buf.hostBuf, copy.SrcOffset, scratch[:copy.Size])
				cpuAddr := buf.CpuAddr() + guest.VAddr(copy.SrcOffset)
				c.memory.WriteBlockUnsafe(cpuAddr, scratch[:copy.Size])
			}
		}
	})
}

// scratchBufferWithData returns guest bytes at [addr, addr+size),
// through the mapped pointer when it is contiguous over the range and
// through the scratch buffer otherwise.
func (c *BufferCache) scratchBufferWithData(addr guest.VAddr, size uint64) []byte {
	if pointer := c.memory.Pointer(addr); isRangeGranular(addr, size) || uint64(len(pointer)) >= size {
		return pointer[:size]
	}
	scratch := c.scratchBuffer(size)
	c.memory.ReadBlockUnsafe(addr, scratch[:size])
	return scratch[:size]
}

// scratchBuffer returns the reusable scratch span, grown to at least
// wantedCapacity. It never shrinks.
func (c *BufferCache) scratchBuffer(wantedCapacity uint64) []byte {
	if uint64(len(c.immediateBuffer)) < wantedCapacity {
		c.immediateBuffer = make([]byte, wantedCapacity)
	}
	return c.immediateBuffer[:wantedCapacity]
}
