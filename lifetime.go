package vram

import (
	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/host"
	"github.com/gogpu/vram/regs"
)

// streamLeapThreshold is the accumulated stream score past which a
// merged extent is treated as a ring and given headroom.
const streamLeapThreshold = 16

// streamLeapPages is the headroom, in catalogue pages, appended to a
// stream-leaping extent.
const streamLeapPages = 256

type overlapResult struct {
	ids           []BufferId
	begin, end    guest.VAddr
	hasStreamLeap bool
}

// resolveOverlaps scans the page table for buffers intersecting
// [cpuAddr, cpuAddr+wantedSize) and widens the extent to cover all of
// them. When an overlap extends the range to the left, the scan
// resumes from the new begin so buffers straddling earlier pages are
// picked up too.
func (c *BufferCache) resolveOverlaps(cpuAddr guest.VAddr, wantedSize uint32) overlapResult {
	var ids []BufferId
	begin := cpuAddr
	end := cpuAddr + guest.VAddr(wantedSize)
	streamScore := 0
	hasStreamLeap := false
	for addr := cpuAddr; uint64(addr)>>pageBits < divCeil(uint64(end), pageSize); addr += guest.VAddr(pageSize) {
		id := c.pageTable[uint64(addr)>>pageBits]
		if id == NullBufferId {
			continue
		}
		overlap := c.buffer(id)
		if overlap.picked {
			continue
		}
		ids = append(ids, id)
		overlap.picked = true
		if overlap.cpuAddr < begin {
			addr = overlap.cpuAddr
			begin = overlap.cpuAddr
		}
		if e := overlap.cpuAddr + guest.VAddr(overlap.size); e > end {
			end = e
		}

		streamScore += overlap.streamScore
		if streamScore > streamLeapThreshold && !hasStreamLeap {
			// This extent has been re-joined a bunch of times; it is
			// behaving like a stream buffer. Grow past the natural end
			// to stop the recreation churn.
			hasStreamLeap = true
			end += guest.VAddr(pageSize * streamLeapPages)
		}
	}
	return overlapResult{
		ids:           ids,
		begin:         begin,
		end:           end,
		hasStreamLeap: hasStreamLeap,
	}
}

// createBuffer allocates a buffer spanning the coalesced extent of the
// requested range, migrates every overlapped buffer into it, and
// registers it.
func (c *BufferCache) createBuffer(cpuAddr guest.VAddr, wantedSize uint32) BufferId {
	overlap := c.resolveOverlaps(cpuAddr, wantedSize)
	size := uint64(overlap.end - overlap.begin)
	id := c.slots.Insert(newBuffer(c.runtime, overlap.begin, size))
	c.buffer(id).id = id
	for _, overlapId := range overlap.ids {
		c.joinOverlap(id, overlapId, !overlap.hasStreamLeap)
	}
	c.register(id)

	c.stats.BuffersCreated++
	if overlap.hasStreamLeap {
		c.stats.StreamLeaps++
		Logger().Debug("stream leap", "addr", uint64(overlap.begin), "size", size)
	}
	Logger().Debug("created buffer",
		"id", uint32(id), "addr", uint64(overlap.begin), "size", size, "merged", len(overlap.ids))
	return id
}

// joinOverlap migrates one overlapped buffer into its replacement:
// pending GPU-written ranges are copied across on the host, download
// queue references are relinked, and the old buffer is deleted.
func (c *BufferCache) joinOverlap(newId, overlapId BufferId, accumulateStreamScore bool) {
	newBuffer := c.buffer(newId)
	overlap := c.buffer(overlapId)
	if accumulateStreamScore {
		newBuffer.streamScore += overlap.streamScore + 1
	}

	var copies []host.BufferCopy
	dstBaseOffset := uint64(overlap.cpuAddr - newBuffer.cpuAddr)
	overlap.ForEachDownloadRangeAll(func(begin, size uint64) {
		copies = append(copies, host.BufferCopy{
			SrcOffset: begin,
			DstOffset: dstBaseOffset + begin,
			Size:      size,
		})
		// The copied range is host-authoritative in the new buffer.
		newBuffer.track.UnmarkCPUModified(dstBaseOffset+begin, size)
		newBuffer.track.MarkGPUModified(dstBaseOffset+begin, size)
	})
	if len(copies) > 0 {
		c.runtime.CopyBuffer(newBuffer.hostBuf, overlap.hostBuf, copies)
	}
	c.replaceBufferDownloads(overlapId, newId)
	c.deleteBuffer(overlapId)
	c.stats.BuffersCoalesced++
}

func (c *BufferCache) register(id BufferId)   { c.changeRegister(id, true) }
func (c *BufferCache) unregister(id BufferId) { c.changeRegister(id, false) }

func (c *BufferCache) changeRegister(id BufferId, insert bool) {
	b := c.buffer(id)
	pageBegin := uint64(b.cpuAddr) / pageSize
	pageEnd := divCeil(uint64(b.cpuAddr)+b.size, pageSize)
	for page := pageBegin; page < pageEnd; page++ {
		if insert {
			if c.pageTable[page] != NullBufferId {
				panic("vram: registering over a live buffer page")
			}
			c.pageTable[page] = id
		} else {
			c.pageTable[page] = NullBufferId
		}
	}
}

// deleteBuffer retires a buffer: bindings referencing it reset to
// null, tracking stops, the page range clears, and the host
// allocation goes to the deferred destruction ring.
func (c *BufferCache) deleteBuffer(id BufferId) {
	scalarReplace := func(binding *Binding) {
		if binding.id == id {
			binding.id = NullBufferId
		}
	}
	replace := func(bindings []Binding) {
		for i := range bindings {
			scalarReplace(&bindings[i])
		}
	}
	scalarReplace(&c.indexBuffer)
	replace(c.vertexBuffers[:])
	for stage := range c.uniformBuffers {
		replace(c.uniformBuffers[stage][:])
	}
	for stage := range c.storageBuffers {
		replace(c.storageBuffers[stage][:])
	}
	replace(c.transformFeedbackBuffers[:])
	replace(c.computeUniformBuffers[:])
	replace(c.computeStorageBuffers[:])

	for i, have := range c.cachedWriteBufferIds {
		if have == id {
			c.cachedWriteBufferIds = append(c.cachedWriteBufferIds[:i], c.cachedWriteBufferIds[i+1:]...)
			break
		}
	}

	// Mark the whole extent CPU-modified to stop write tracking.
	b := c.buffer(id)
	b.MarkRegionAsCpuModified(b.cpuAddr, b.size)

	c.unregister(id)
	c.ring.push(*b)
	c.slots.Remove(id)

	c.notifyBufferDeletion()
}

// replaceBufferDownloads relinks download queue references from an
// absorbed buffer to its replacement, deduplicating: a buffer appears
// at most once per queue element afterwards.
func (c *BufferCache) replaceBufferDownloads(oldId, newId BufferId) {
	replace := func(ids []BufferId) []BufferId {
		for i, have := range ids {
			if have == oldId {
				ids[i] = newId
			}
		}
		seen := false
		out := ids[:0]
		for _, have := range ids {
			if have == newId {
				if seen {
					continue
				}
				seen = true
			}
			out = append(out, have)
		}
		return out
	}
	c.uncommittedDownloads = replace(c.uncommittedDownloads)
	for i := range c.committedDownloads {
		c.committedDownloads[i] = replace(c.committedDownloads[i])
	}
}

// notifyBufferDeletion forces every binding class to re-resolve after
// a slot id went away.
func (c *BufferCache) notifyBufferDeletion() {
	if c.caps.HasPersistentUniformBindings {
		for stage := range c.dirtyUniformBuffers {
			c.dirtyUniformBuffers[stage] = ^uint32(0)
		}
	}
	c.gfx.Dirty.Set(regs.DirtyIndexBuffer)
	c.gfx.Dirty.Set(regs.DirtyVertexBuffers)
	for index := 0; index < regs.NumVertexBuffers; index++ {
		c.gfx.Dirty.Set(regs.DirtyVertexBuffer0 + regs.DirtyFlag(index))
	}
	c.hasDeletedBuffers = true
}
