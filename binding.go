package vram

import (
	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/regs"
)

// Binding ties a guest range to the buffer slot serving it. The zero
// value is the canonical disabled binding.
type Binding struct {
	cpuAddr guest.VAddr
	size    uint32
	id      BufferId
}

// storageSlackBytes widens storage buffer bindings beyond the
// descriptor size, capped at the end of the GPU mapping. Some titles
// read past their descriptors; binding the whole mapping would be
// correct but unaffordably large.
const storageSlackBytes = 0xc000

// BindGraphicsUniformBuffer latches a graphics uniform buffer
// descriptor. The buffer slot is resolved on the next update pass.
func (c *BufferCache) BindGraphicsUniformBuffer(stage int, index uint32, gpuAddr guest.GPUVAddr, size uint32) {
	cpuAddr, ok := c.gpuMem.GpuToCpuAddress(gpuAddr)
	if !ok || size == 0 {
		c.uniformBuffers[stage][index] = Binding{}
		return
	}
	c.uniformBuffers[stage][index] = Binding{cpuAddr: cpuAddr, size: size}
}

// DisableGraphicsUniformBuffer resets a uniform binding to disabled.
func (c *BufferCache) DisableGraphicsUniformBuffer(stage int, index uint32) {
	c.uniformBuffers[stage][index] = Binding{}
}

// SetEnabledUniformBuffers sets the per-stage uniform enable mask.
// On runtimes with persistent uniform bindings a mask change marks
// every index dirty so stale slots are re-bound.
func (c *BufferCache) SetEnabledUniformBuffers(stage int, enabled uint32) {
	if c.caps.HasPersistentUniformBindings {
		if c.enabledUniformBuffers[stage] != enabled {
			c.dirtyUniformBuffers[stage] = ^uint32(0)
		}
	}
	c.enabledUniformBuffers[stage] = enabled
}

// SetEnabledComputeUniformBuffers sets the compute uniform enable mask.
func (c *BufferCache) SetEnabledComputeUniformBuffers(enabled uint32) {
	c.enabledComputeUniformBuffers = enabled
}

// UnbindGraphicsStorageBuffers clears all storage bindings for a stage.
func (c *BufferCache) UnbindGraphicsStorageBuffers(stage int) {
	c.enabledStorageBuffers[stage] = 0
	c.writtenStorageBuffers[stage] = 0
}

// BindGraphicsStorageBuffer enables a storage binding whose descriptor
// lives in the stage's constant buffer bank at cbufIndex+cbufOffset.
func (c *BufferCache) BindGraphicsStorageBuffer(stage int, ssboIndex uint32, cbufIndex, cbufOffset uint32, written bool) {
	c.enabledStorageBuffers[stage] |= 1 << ssboIndex
	if written {
		c.writtenStorageBuffers[stage] |= 1 << ssboIndex
	}

	cbuf := c.gfx.Stages[stage].ConstBuffers[cbufIndex]
	ssboAddr := cbuf.Address + guest.GPUVAddr(cbufOffset)
	c.storageBuffers[stage][ssboIndex] = c.storageBufferBinding(ssboAddr)
}

// UnbindComputeStorageBuffers clears all compute storage bindings.
func (c *BufferCache) UnbindComputeStorageBuffers() {
	c.enabledComputeStorageBuffers = 0
	c.writtenComputeStorageBuffers = 0
}

// BindComputeStorageBuffer enables a compute storage binding from the
// launch descriptor's constant buffer bank.
func (c *BufferCache) BindComputeStorageBuffer(ssboIndex uint32, cbufIndex, cbufOffset uint32, written bool) {
	c.enabledComputeStorageBuffers |= 1 << ssboIndex
	if written {
		c.writtenComputeStorageBuffers |= 1 << ssboIndex
	}

	if (c.launch.ConstBufferEnableMask>>cbufIndex)&1 == 0 {
		Logger().Warn("compute storage descriptor in disabled const buffer", "cbuf", cbufIndex)
	}
	cbuf := c.launch.ConstBuffers[cbufIndex]
	ssboAddr := cbuf.Address + guest.GPUVAddr(cbufOffset)
	c.computeStorageBuffers[ssboIndex] = c.storageBufferBinding(ssboAddr)
}

// storageBufferBinding reads a (GPU address, size) descriptor pair
// packed at ssboAddr and widens it by the storage slack.
func (c *BufferCache) storageBufferBinding(ssboAddr guest.GPUVAddr) Binding {
	gpuAddr := guest.GPUVAddr(c.gpuMem.ReadUint64(ssboAddr))
	size := c.gpuMem.ReadUint32(ssboAddr + 8)
	cpuAddr, ok := c.gpuMem.GpuToCpuAddress(gpuAddr)
	if !ok || size == 0 {
		return Binding{}
	}
	bound := uint64(size) + storageSlackBytes
	if end := c.gpuMem.BytesToMapEnd(gpuAddr); bound > end {
		bound = end
	}
	return Binding{cpuAddr: cpuAddr, size: uint32(bound)}
}

// UpdateGraphicsBuffers resolves every enabled graphics binding to a
// buffer slot, coalescing as needed. A pass that deletes buffers is
// retried so all bindings observe the post-merge slot ids.
func (c *BufferCache) UpdateGraphicsBuffers(indexed bool) {
	for try := 0; ; try++ {
		c.hasDeletedBuffers = false
		c.doUpdateGraphicsBuffers(indexed)
		if !c.hasDeletedBuffers {
			return
		}
		if try >= maxUpdateRetries {
			Logger().Warn("graphics buffer update did not converge", "retries", try)
			return
		}
	}
}

// UpdateComputeBuffers is UpdateGraphicsBuffers for the compute
// binding tables.
func (c *BufferCache) UpdateComputeBuffers() {
	for try := 0; ; try++ {
		c.hasDeletedBuffers = false
		c.doUpdateComputeBuffers()
		if !c.hasDeletedBuffers {
			return
		}
		if try >= maxUpdateRetries {
			Logger().Warn("compute buffer update did not converge", "retries", try)
			return
		}
	}
}

func (c *BufferCache) doUpdateGraphicsBuffers(indexed bool) {
	if indexed {
		c.updateIndexBuffer()
	}
	c.updateVertexBuffers()
	c.updateTransformFeedbackBuffers()
	for stage := 0; stage < regs.NumStages; stage++ {
		c.updateUniformBuffers(stage)
		c.updateStorageBuffers(stage)
	}
}

func (c *BufferCache) doUpdateComputeBuffers() {
	c.updateComputeUniformBuffers()
	c.updateComputeStorageBuffers()
}

func (c *BufferCache) updateIndexBuffer() {
	// Dirty flag plus count comparison: the index count is changed
	// without raising the flag on some paths.
	ia := &c.gfx.IndexArray
	if !c.gfx.Dirty.Test(regs.DirtyIndexBuffer) && c.lastIndexCount == ia.Count {
		return
	}
	c.gfx.Dirty.Clear(regs.DirtyIndexBuffer)
	c.lastIndexCount = ia.Count

	cpuAddr, ok := c.gpuMem.GpuToCpuAddress(ia.Start)
	addrSize := uint32(ia.End - ia.Start)
	drawSize := ia.Count * ia.Format.SizeBytes()
	size := addrSize
	if drawSize < size {
		size = drawSize
	}
	if size == 0 || !ok {
		c.indexBuffer = Binding{}
		return
	}
	c.indexBuffer = Binding{
		cpuAddr: cpuAddr,
		size:    size,
		id:      c.findBuffer(cpuAddr, size),
	}
}

func (c *BufferCache) updateVertexBuffers() {
	if !c.gfx.Dirty.Test(regs.DirtyVertexBuffers) {
		return
	}
	c.gfx.Dirty.Clear(regs.DirtyVertexBuffers)

	for index := uint32(0); index < regs.NumVertexBuffers; index++ {
		c.updateVertexBuffer(index)
	}
}

func (c *BufferCache) updateVertexBuffer(index uint32) {
	if !c.gfx.Dirty.Test(regs.DirtyVertexBuffer0 + regs.DirtyFlag(index)) {
		return
	}
	array := &c.gfx.VertexArrays[index]
	limit := c.gfx.VertexLimits[index]
	cpuAddr, ok := c.gpuMem.GpuToCpuAddress(array.Start)
	// Conservative bound: the register's address-limit delta.
	// TODO: derive a tighter size from stride and vertex count.
	size := uint32(limit + 1 - array.Start)
	if !array.Enable || size == 0 || !ok {
		c.vertexBuffers[index] = Binding{}
		return
	}
	c.vertexBuffers[index] = Binding{
		cpuAddr: cpuAddr,
		size:    size,
		id:      c.findBuffer(cpuAddr, size),
	}
}

func (c *BufferCache) updateUniformBuffers(stage int) {
	forEachEnabledBit(c.enabledUniformBuffers[stage], func(index uint32) {
		binding := &c.uniformBuffers[stage][index]
		if binding.id != NullBufferId {
			// Already resolved since the last latch.
			return
		}
		if c.caps.HasPersistentUniformBindings {
			c.dirtyUniformBuffers[stage] |= 1 << index
		}
		binding.id = c.findBuffer(binding.cpuAddr, binding.size)
	})
}

func (c *BufferCache) updateStorageBuffers(stage int) {
	writtenMask := c.writtenStorageBuffers[stage]
	forEachEnabledBit(c.enabledStorageBuffers[stage], func(index uint32) {
		binding := &c.storageBuffers[stage][index]
		id := c.findBuffer(binding.cpuAddr, binding.size)
		binding.id = id
		if (writtenMask>>index)&1 != 0 {
			c.markWrittenBuffer(id, binding.cpuAddr, binding.size)
		}
	})
}

func (c *BufferCache) updateTransformFeedbackBuffers() {
	if !c.gfx.TransformFeedbackEnabled {
		return
	}
	for index := uint32(0); index < regs.NumTransformFeedbackBuffers; index++ {
		c.updateTransformFeedbackBuffer(index)
	}
}

func (c *BufferCache) updateTransformFeedbackBuffer(index uint32) {
	tfb := &c.gfx.TransformFeedback[index]
	gpuAddr := tfb.Address + guest.GPUVAddr(tfb.Offset)
	size := tfb.Size
	cpuAddr, ok := c.gpuMem.GpuToCpuAddress(gpuAddr)
	if !tfb.Enable || size == 0 || !ok {
		c.transformFeedbackBuffers[index] = Binding{}
		return
	}
	id := c.findBuffer(cpuAddr, size)
	c.transformFeedbackBuffers[index] = Binding{
		cpuAddr: cpuAddr,
		size:    size,
		id:      id,
	}
	// The GPU writes transform feedback output.
	c.markWrittenBuffer(id, cpuAddr, size)
}

func (c *BufferCache) updateComputeUniformBuffers() {
	forEachEnabledBit(c.enabledComputeUniformBuffers, func(index uint32) {
		// Compute uniforms are rebuilt from the launch descriptor on
		// every dispatch; there is no persistent state to exploit.
		binding := Binding{}
		if (c.launch.ConstBufferEnableMask>>index)&1 != 0 {
			cbuf := c.launch.ConstBuffers[index]
			if cpuAddr, ok := c.gpuMem.GpuToCpuAddress(cbuf.Address); ok {
				binding.cpuAddr = cpuAddr
				binding.size = cbuf.Size
			}
		}
		binding.id = c.findBuffer(binding.cpuAddr, binding.size)
		c.computeUniformBuffers[index] = binding
	})
}

func (c *BufferCache) updateComputeStorageBuffers() {
	forEachEnabledBit(c.enabledComputeStorageBuffers, func(index uint32) {
		binding := &c.computeStorageBuffers[index]
		id := c.findBuffer(binding.cpuAddr, binding.size)
		binding.id = id
		if (c.writtenComputeStorageBuffers>>index)&1 != 0 {
			c.markWrittenBuffer(id, binding.cpuAddr, binding.size)
		}
	})
}

// markWrittenBuffer records a GPU write and, under high-accuracy
// asynchronous emulation, queues the buffer for asynchronous readback.
func (c *BufferCache) markWrittenBuffer(id BufferId, addr guest.VAddr, size uint32) {
	c.buffer(id).MarkRegionAsGpuModified(addr, uint64(size))

	if !c.tracking.HighAccuracy || !c.tracking.AsyncGPU {
		return
	}
	for _, have := range c.uncommittedDownloads {
		if have == id {
			return
		}
	}
	c.uncommittedDownloads = append(c.uncommittedDownloads, id)
}

// findBuffer returns the slot serving [addr, addr+size), creating or
// coalescing as needed. Address 0 is the null binding.
func (c *BufferCache) findBuffer(addr guest.VAddr, size uint32) BufferId {
	if addr == 0 {
		return NullBufferId
	}
	id := c.pageTable[uint64(addr)>>pageBits]
	if id == NullBufferId {
		return c.createBuffer(addr, size)
	}
	if c.buffer(id).IsInBounds(addr, uint64(size)) {
		return id
	}
	return c.createBuffer(addr, size)
}
