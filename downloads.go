package vram

import (
	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/host"
)

// HasUncommittedFlushes reports whether GPU-written buffers are
// waiting to be committed for asynchronous readback.
func (c *BufferCache) HasUncommittedFlushes() bool {
	return len(c.uncommittedDownloads) > 0
}

// ShouldWaitAsyncFlushes reports whether the oldest committed download
// batch exists and has work, meaning the caller must drain it before
// letting the guest read.
func (c *BufferCache) ShouldWaitAsyncFlushes() bool {
	return len(c.committedDownloads) > 0 && len(c.committedDownloads[0]) > 0
}

// CommitAsyncFlushes snapshots the uncommitted download list into the
// committed queue and clears it.
func (c *BufferCache) CommitAsyncFlushes() {
	snapshot := make([]BufferId, len(c.uncommittedDownloads))
	copy(snapshot, c.uncommittedDownloads)
	c.committedDownloads = append(c.committedDownloads, snapshot)
	c.uncommittedDownloads = c.uncommittedDownloads[:0]
}

// PopAsyncFlushes drains the oldest committed download batch, writing
// every pending GPU-modified range of its buffers back to guest
// memory.
func (c *BufferCache) PopAsyncFlushes() {
	if len(c.committedDownloads) == 0 {
		return
	}
	defer func() {
		c.committedDownloads = c.committedDownloads[1:]
	}()
	downloadIds := c.committedDownloads[0]
	if len(downloadIds) == 0 {
		return
	}

	type pendingDownload struct {
		copy host.BufferCopy
		id   BufferId
	}
	var downloads []pendingDownload
	var totalSizeBytes, largestCopy uint64
	for _, id := range downloadIds {
		c.buffer(id).ForEachDownloadRangeAll(func(rangeOffset, rangeSize uint64) {
			downloads = append(downloads, pendingDownload{
				copy: host.BufferCopy{
					SrcOffset: rangeOffset,
					DstOffset: totalSizeBytes,
					Size:      rangeSize,
				},
				id: id,
			})
			totalSizeBytes += rangeSize
			if rangeSize > largestCopy {
				largestCopy = rangeSize
			}
		})
	}
	if len(downloads) == 0 {
		return
	}
	c.stats.DownloadBytes += totalSizeBytes

	if c.caps.UseMemoryMaps {
		staging := c.runtime.DownloadStagingBuffer(totalSizeBytes)
		for i := range downloads {
			downloads[i].copy.DstOffset += staging.Offset
			buf := c.buffer(downloads[i].id)
			c.runtime.CopyBuffer(staging.Buffer, buf.hostBuf,
				[]host.BufferCopy{downloads[i].copy})
		}
		c.runtime.Finish()
		for _, dl := range downloads {
			buf := c.buffer(dl.id)
			cpuAddr := buf.CpuAddr() + guest.VAddr(dl.copy.SrcOffset)
			spanOffset := dl.copy.DstOffset - staging.Offset
			c.memory.WriteBlockUnsafe(cpuAddr, staging.Mapped[spanOffset:spanOffset+dl.copy.Size])
		}
	} else {
		scratch := c.scratchBuffer(largestCopy)
		for _, dl := range downloads {
			buf := c.buffer(dl.id)
			c.runtime.ImmediateDownload(buf.hostBuf, dl.copy.SrcOffset, scratch[:dl.copy.Size])
			cpuAddr := buf.CpuAddr() + guest.VAddr(dl.copy.SrcOffset)
			c.memory.WriteBlockUnsafe(cpuAddr, scratch[:dl.copy.Size])
		}
	}
}
