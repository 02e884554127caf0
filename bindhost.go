package vram

import (
	"github.com/gogpu/vram/host"
	"github.com/gogpu/vram/regs"
)

// BindHostGeometryBuffers synchronizes and binds the index and vertex
// buffers and the transform feedback slots for the current draw.
func (c *BufferCache) BindHostGeometryBuffers(indexed bool) {
	if indexed {
		c.bindHostIndexBuffer()
	} else if !c.caps.HasFullIndexAndPrimitiveSupport {
		if c.gfx.Topology == host.TopologyQuads {
			c.runtime.BindQuadArrayIndexBuffer(c.gfx.DrawFirst, c.gfx.DrawCount)
		}
	}
	c.bindHostVertexBuffers()
	c.bindHostTransformFeedbackBuffers()
}

// BindHostStageBuffers synchronizes and binds the uniform and storage
// buffers of one graphics stage.
func (c *BufferCache) BindHostStageBuffers(stage int) {
	c.bindHostGraphicsUniformBuffers(stage)
	c.bindHostGraphicsStorageBuffers(stage)
}

// BindHostComputeBuffers synchronizes and binds the compute uniform
// and storage buffers.
func (c *BufferCache) BindHostComputeBuffers() {
	c.bindHostComputeUniformBuffers()
	c.bindHostComputeStorageBuffers()
}

func (c *BufferCache) bindHostIndexBuffer() {
	buf := c.buffer(c.indexBuffer.id)
	offset := buf.Offset(c.indexBuffer.cpuAddr)
	size := c.indexBuffer.size
	c.SynchronizeBuffer(buf, c.indexBuffer.cpuAddr, size)
	if c.caps.HasFullIndexAndPrimitiveSupport {
		c.runtime.BindIndexBuffer(buf.hostBuf, offset, size)
	} else {
		ia := &c.gfx.IndexArray
		c.runtime.BindLegacyIndexBuffer(c.gfx.Topology, ia.Format, ia.First, ia.Count,
			buf.hostBuf, offset, size)
	}
}

func (c *BufferCache) bindHostVertexBuffers() {
	for index := uint32(0); index < regs.NumVertexBuffers; index++ {
		binding := &c.vertexBuffers[index]
		buf := c.buffer(binding.id)
		c.SynchronizeBuffer(buf, binding.cpuAddr, binding.size)
		flag := regs.DirtyVertexBuffer0 + regs.DirtyFlag(index)
		if !c.gfx.Dirty.Test(flag) {
			continue
		}
		c.gfx.Dirty.Clear(flag)

		stride := c.gfx.VertexArrays[index].Stride
		offset := buf.Offset(binding.cpuAddr)
		c.runtime.BindVertexBuffer(index, buf.hostBuf, offset, binding.size, stride)
	}
}

func (c *BufferCache) bindHostGraphicsUniformBuffers(stage int) {
	dirty := ^uint32(0)
	if c.caps.HasPersistentUniformBindings {
		dirty = c.dirtyUniformBuffers[stage]
		c.dirtyUniformBuffers[stage] = 0
	}
	bindingIndex := uint32(0)
	forEachEnabledBit(c.enabledUniformBuffers[stage], func(index uint32) {
		needsBind := (dirty>>index)&1 != 0
		c.bindHostGraphicsUniformBuffer(stage, index, bindingIndex, needsBind)
		if c.caps.NeedsBindUniformIndex {
			bindingIndex++
		}
	})
}

func (c *BufferCache) bindHostGraphicsUniformBuffer(stage int, index, bindingIndex uint32, needsBind bool) {
	binding := &c.uniformBuffers[stage][index]
	cpuAddr := binding.cpuAddr
	size := binding.size
	buf := c.buffer(binding.id)
	useFastBuffer := binding.id != NullBufferId &&
		size <= c.skipCacheSize &&
		!buf.IsRegionGpuModified(cpuAddr, uint64(size))
	if useFastBuffer {
		c.stats.FastUniformBinds++
		if c.caps.IsOpenGL && c.runtime.HasFastBufferSubData() {
			// Driver-side push path: the data goes inline, bypassing
			// the cache entirely.
			if !c.hasFastUniformBufferBound(stage, bindingIndex) {
				c.runtime.BindFastUniformBuffer(stage, bindingIndex, size)
			}
			c.fastBoundUniformBuffers[stage] |= 1 << bindingIndex
			span := c.scratchBufferWithData(cpuAddr, uint64(size))
			c.runtime.PushFastUniformBuffer(stage, bindingIndex, span)
			return
		}
		// Stream buffer path: fill a mapped span directly to avoid
		// stalling drivers without a fast push.
		c.fastBoundUniformBuffers[stage] |= 1 << bindingIndex
		span := c.runtime.BindMappedUniformBuffer(stage, bindingIndex, size)
		c.memory.ReadBlockUnsafe(cpuAddr, span[:size])
		return
	}
	// Classic cached path.
	c.stats.CachedUniformBinds++
	syncCached := c.SynchronizeBuffer(buf, cpuAddr, size)
	if syncCached {
		c.uniformCacheHits[0]++
	}
	c.uniformCacheShots[0]++

	if !needsBind && !c.hasFastUniformBufferBound(stage, bindingIndex) {
		// Nothing changed and no fast buffer occupies the slot, so the
		// previous cached bind still stands.
		return
	}
	c.fastBoundUniformBuffers[stage] &^= 1 << bindingIndex

	offset := buf.Offset(cpuAddr)
	c.runtime.BindUniformBuffer(stage, bindingIndex, buf.hostBuf, offset, size)
}

func (c *BufferCache) bindHostGraphicsStorageBuffers(stage int) {
	bindingIndex := uint32(0)
	forEachEnabledBit(c.enabledStorageBuffers[stage], func(index uint32) {
		binding := &c.storageBuffers[stage][index]
		buf := c.buffer(binding.id)
		size := binding.size
		c.SynchronizeBuffer(buf, binding.cpuAddr, size)

		offset := buf.Offset(binding.cpuAddr)
		written := (c.writtenStorageBuffers[stage]>>index)&1 != 0
		c.runtime.BindStorageBuffer(stage, bindingIndex, buf.hostBuf, offset, size, written)
		if c.caps.NeedsBindStorageIndex {
			bindingIndex++
		}
	})
}

func (c *BufferCache) bindHostTransformFeedbackBuffers() {
	if !c.gfx.TransformFeedbackEnabled {
		return
	}
	for index := uint32(0); index < regs.NumTransformFeedbackBuffers; index++ {
		binding := &c.transformFeedbackBuffers[index]
		buf := c.buffer(binding.id)
		c.SynchronizeBuffer(buf, binding.cpuAddr, binding.size)

		offset := buf.Offset(binding.cpuAddr)
		c.runtime.BindTransformFeedbackBuffer(index, buf.hostBuf, offset, binding.size)
	}
}

func (c *BufferCache) bindHostComputeUniformBuffers() {
	if c.caps.HasPersistentUniformBindings {
		// A dispatch disturbs the persistent graphics bindings; force
		// every stage to re-bind on the next draw.
		for stage := range c.dirtyUniformBuffers {
			c.dirtyUniformBuffers[stage] = ^uint32(0)
		}
	}
	bindingIndex := uint32(0)
	forEachEnabledBit(c.enabledComputeUniformBuffers, func(index uint32) {
		binding := &c.computeUniformBuffers[index]
		buf := c.buffer(binding.id)
		c.SynchronizeBuffer(buf, binding.cpuAddr, binding.size)

		offset := buf.Offset(binding.cpuAddr)
		c.runtime.BindComputeUniformBuffer(bindingIndex, buf.hostBuf, offset, binding.size)
		if c.caps.NeedsBindUniformIndex {
			bindingIndex++
		}
	})
}

func (c *BufferCache) bindHostComputeStorageBuffers() {
	bindingIndex := uint32(0)
	forEachEnabledBit(c.enabledComputeStorageBuffers, func(index uint32) {
		binding := &c.computeStorageBuffers[index]
		buf := c.buffer(binding.id)
		c.SynchronizeBuffer(buf, binding.cpuAddr, binding.size)

		offset := buf.Offset(binding.cpuAddr)
		written := (c.writtenComputeStorageBuffers>>index)&1 != 0
		c.runtime.BindComputeStorageBuffer(bindingIndex, buf.hostBuf, offset, binding.size, written)
		if c.caps.NeedsBindStorageIndex {
			bindingIndex++
		}
	})
}

// hasFastUniformBufferBound reports whether a fast uniform buffer
// occupies the slot. Only OpenGL runtimes have fast uniform buffers.
func (c *BufferCache) hasFastUniformBufferBound(stage int, bindingIndex uint32) bool {
	if !c.caps.IsOpenGL {
		return false
	}
	return (c.fastBoundUniformBuffers[stage]>>bindingIndex)&1 != 0
}
