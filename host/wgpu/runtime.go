package wgpu

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vram/host"
)

// Runtime errors.
var (
	// ErrNoHALDevice is returned when a provider does not expose HAL
	// types.
	ErrNoHALDevice = errors.New("wgpu: provider does not expose a HAL device")

	// ErrNilDevice is returned when constructing a runtime without a
	// device or queue.
	ErrNilDevice = errors.New("wgpu: device and queue must be non-nil")
)

// gpuWait bounds fence waits; exceeding it means the device is lost.
const gpuWait = 5 * time.Second

// deviceBuffer is a cache-owned device allocation.
type deviceBuffer struct {
	raw  hal.Buffer
	size uint64
}

// Size implements host.Buffer.
func (b *deviceBuffer) Size() uint64 { return b.size }

// pendingRead is a device-to-staging copy deferred until Finish, when
// the producing work is fenced.
type pendingRead struct {
	src    hal.Buffer
	srcOff uint64
	dst    []byte
}

// streamWrite is uniform data staged by BindMappedUniformBuffer,
// flushed to its device buffer by FlushStreamUniforms.
type streamWrite struct {
	buf  *deviceBuffer
	data []byte
}

// binding records one bind-point assignment for the render
// integration.
type binding struct {
	Buf     host.Buffer
	Offset  uint32
	Size    uint32
	Stride  uint32
	Written bool
}

// Runtime implements host.Runtime over a wgpu HAL device.
//
// It is driven under the buffer cache lock and is not otherwise safe
// for concurrent use.
type Runtime struct {
	device hal.Device
	queue  hal.Queue

	upload   stagingPool
	download stagingPool

	pendingFences []hal.Fence
	pendingCmds   []hal.CommandBuffer
	pendingReads  []pendingRead
	streamWrites  []streamWrite

	// Recorded binding state, keyed the way the cache binds.
	indexBinding    binding
	vertexBindings  [32]binding
	uniformBindings [5][32]binding
	storageBindings [5][32]binding
	tfbBindings     [4]binding
	computeUniforms [32]binding
	computeStorage  [32]binding

	streamUniforms map[[2]uint32]*deviceBuffer
}

// New creates a runtime over a HAL device and its queue.
func New(device hal.Device, queue hal.Queue) (*Runtime, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	r := &Runtime{
		device:         device,
		queue:          queue,
		streamUniforms: make(map[[2]uint32]*deviceBuffer),
	}
	r.upload.init(r, true)
	r.download.init(r, false)
	return r, nil
}

// FromProvider creates a runtime from a gpucontext device provider,
// such as a gogpu application context. The provider must expose the
// underlying HAL device and queue.
func FromProvider(provider gpucontext.DeviceProvider) (*Runtime, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALDevice
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHALDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHALDevice)
	}
	return New(device, queue)
}

// Caps implements host.Runtime.
func (r *Runtime) Caps() host.Caps {
	return host.Caps{
		IsOpenGL:                        false,
		HasPersistentUniformBindings:    false,
		HasFullIndexAndPrimitiveSupport: true,
		NeedsBindUniformIndex:           true,
		NeedsBindStorageIndex:           true,
		UseMemoryMaps:                   true,
	}
}

// HasFastBufferSubData implements host.Runtime. wgpu has no driver
// fast-push path.
func (r *Runtime) HasFastBufferSubData() bool { return false }

// CreateBuffer implements host.Runtime. Buffer creation failure is
// host-fatal.
func (r *Runtime) CreateBuffer(size uint64) host.Buffer {
	if size == 0 {
		return &deviceBuffer{size: 0}
	}
	raw, err := r.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "vram_buffer",
		Size:  alignUp(size, copyAlignment),
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst |
			gputypes.BufferUsageIndex | gputypes.BufferUsageVertex |
			gputypes.BufferUsageUniform | gputypes.BufferUsageStorage,
	})
	if err != nil {
		panic(fmt.Sprintf("wgpu: create buffer (%d bytes): %v", size, err))
	}
	return &deviceBuffer{raw: raw, size: size}
}

// DestroyBuffer implements host.Runtime.
func (r *Runtime) DestroyBuffer(buf host.Buffer) {
	b := buf.(*deviceBuffer)
	if b.raw != nil {
		r.device.DestroyBuffer(b.raw)
		b.raw = nil
	}
}

// UploadStagingBuffer implements host.Runtime.
func (r *Runtime) UploadStagingBuffer(size uint64) host.StagingLease {
	return r.upload.lease(size)
}

// DownloadStagingBuffer implements host.Runtime.
func (r *Runtime) DownloadStagingBuffer(size uint64) host.StagingLease {
	return r.download.lease(size)
}

// CopyBuffer implements host.Runtime. Copies whose source is an upload
// lease execute as queue writes; copies into a download lease are
// deferred until Finish; device-to-device batches are encoded and
// submitted immediately.
func (r *Runtime) CopyBuffer(dst, src host.Buffer, copies []host.BufferCopy) {
	if s, ok := src.(*stagingSlab); ok {
		d := dst.(*deviceBuffer)
		for _, cp := range copies {
			r.queue.WriteBuffer(d.raw, cp.DstOffset, s.shadow[cp.SrcOffset:cp.SrcOffset+cp.Size])
		}
		return
	}
	if d, ok := dst.(*stagingSlab); ok {
		s := src.(*deviceBuffer)
		for _, cp := range copies {
			r.pendingReads = append(r.pendingReads, pendingRead{
				src:    s.raw,
				srcOff: cp.SrcOffset,
				dst:    d.shadow[cp.DstOffset : cp.DstOffset+cp.Size],
			})
		}
		return
	}

	d := dst.(*deviceBuffer)
	s := src.(*deviceBuffer)
	encoder, err := r.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "vram_copy",
	})
	if err != nil {
		panic(fmt.Sprintf("wgpu: create command encoder: %v", err))
	}
	if err := encoder.BeginEncoding("vram_copy"); err != nil {
		panic(fmt.Sprintf("wgpu: begin encoding: %v", err))
	}
	halCopies := make([]hal.BufferCopy, len(copies))
	for i, cp := range copies {
		halCopies[i] = hal.BufferCopy{
			SrcOffset: cp.SrcOffset,
			DstOffset: cp.DstOffset,
			Size:      cp.Size,
		}
	}
	encoder.CopyBufferToBuffer(s.raw, d.raw, halCopies)
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		panic(fmt.Sprintf("wgpu: end encoding: %v", err))
	}

	fence, err := r.device.CreateFence()
	if err != nil {
		panic(fmt.Sprintf("wgpu: create fence: %v", err))
	}
	if err := r.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		panic(fmt.Sprintf("wgpu: submit: %v", err))
	}
	r.pendingFences = append(r.pendingFences, fence)
	r.pendingCmds = append(r.pendingCmds, cmdBuf)
}

// Finish implements host.Runtime: waits for all submitted work and
// resolves deferred download reads.
func (r *Runtime) Finish() {
	for _, fence := range r.pendingFences {
		ok, err := r.device.Wait(fence, 1, gpuWait)
		if err != nil || !ok {
			panic(fmt.Sprintf("wgpu: wait for GPU: ok=%v err=%v", ok, err))
		}
		r.device.DestroyFence(fence)
	}
	r.pendingFences = r.pendingFences[:0]
	for _, cmd := range r.pendingCmds {
		r.device.FreeCommandBuffer(cmd)
	}
	r.pendingCmds = r.pendingCmds[:0]

	for _, read := range r.pendingReads {
		if err := r.queue.ReadBuffer(read.src, read.srcOff, read.dst); err != nil {
			panic(fmt.Sprintf("wgpu: readback: %v", err))
		}
	}
	r.pendingReads = r.pendingReads[:0]
}

// ImmediateUpload implements host.Runtime.
func (r *Runtime) ImmediateUpload(buf host.Buffer, offset uint64, data []byte) {
	r.queue.WriteBuffer(buf.(*deviceBuffer).raw, offset, data)
}

// ImmediateDownload implements host.Runtime.
func (r *Runtime) ImmediateDownload(buf host.Buffer, offset uint64, dst []byte) {
	if err := r.queue.ReadBuffer(buf.(*deviceBuffer).raw, offset, dst); err != nil {
		panic(fmt.Sprintf("wgpu: readback: %v", err))
	}
}

// BindIndexBuffer implements host.Runtime.
func (r *Runtime) BindIndexBuffer(buf host.Buffer, offset, size uint32) {
	r.indexBinding = binding{Buf: buf, Offset: offset, Size: size}
}

// BindLegacyIndexBuffer implements host.Runtime. The runtime has full
// index and primitive support, so this is never reached by the cache.
func (r *Runtime) BindLegacyIndexBuffer(_ host.PrimitiveTopology, _ host.IndexFormat,
	_, _ uint32, buf host.Buffer, offset, size uint32) {
	r.BindIndexBuffer(buf, offset, size)
}

// BindQuadArrayIndexBuffer implements host.Runtime; unused with full
// primitive support.
func (r *Runtime) BindQuadArrayIndexBuffer(first, count uint32) {}

// BindVertexBuffer implements host.Runtime.
func (r *Runtime) BindVertexBuffer(index uint32, buf host.Buffer, offset, size, stride uint32) {
	r.vertexBindings[index] = binding{Buf: buf, Offset: offset, Size: size, Stride: stride}
}

// BindUniformBuffer implements host.Runtime.
func (r *Runtime) BindUniformBuffer(stage int, bindingIndex uint32, buf host.Buffer, offset, size uint32) {
	r.uniformBindings[stage][bindingIndex] = binding{Buf: buf, Offset: offset, Size: size}
}

// BindComputeUniformBuffer implements host.Runtime.
func (r *Runtime) BindComputeUniformBuffer(bindingIndex uint32, buf host.Buffer, offset, size uint32) {
	r.computeUniforms[bindingIndex] = binding{Buf: buf, Offset: offset, Size: size}
}

// BindStorageBuffer implements host.Runtime.
func (r *Runtime) BindStorageBuffer(stage int, bindingIndex uint32, buf host.Buffer, offset, size uint32, written bool) {
	r.storageBindings[stage][bindingIndex] = binding{Buf: buf, Offset: offset, Size: size, Written: written}
}

// BindComputeStorageBuffer implements host.Runtime.
func (r *Runtime) BindComputeStorageBuffer(bindingIndex uint32, buf host.Buffer, offset, size uint32, written bool) {
	r.computeStorage[bindingIndex] = binding{Buf: buf, Offset: offset, Size: size, Written: written}
}

// BindTransformFeedbackBuffer implements host.Runtime.
func (r *Runtime) BindTransformFeedbackBuffer(index uint32, buf host.Buffer, offset, size uint32) {
	r.tfbBindings[index] = binding{Buf: buf, Offset: offset, Size: size}
}

// BindFastUniformBuffer implements host.Runtime; unreachable without
// HasFastBufferSubData.
func (r *Runtime) BindFastUniformBuffer(stage int, bindingIndex uint32, size uint32) {}

// PushFastUniformBuffer implements host.Runtime; unreachable without
// HasFastBufferSubData.
func (r *Runtime) PushFastUniformBuffer(stage int, bindingIndex uint32, data []byte) {}

// BindMappedUniformBuffer implements host.Runtime. The returned span
// is staged CPU-side; FlushStreamUniforms moves every filled span to
// its device buffer before the draw is submitted.
func (r *Runtime) BindMappedUniformBuffer(stage int, bindingIndex uint32, size uint32) []byte {
	key := [2]uint32{uint32(stage), bindingIndex}
	buf := r.streamUniforms[key]
	if buf == nil || buf.size < uint64(size) {
		if buf != nil {
			r.DestroyBuffer(buf)
		}
		buf = r.CreateBuffer(alignUp(uint64(size), copyAlignment)).(*deviceBuffer)
		r.streamUniforms[key] = buf
	}
	span := make([]byte, size)
	r.streamWrites = append(r.streamWrites, streamWrite{buf: buf, data: span})
	r.uniformBindings[stage][bindingIndex] = binding{Buf: buf, Offset: 0, Size: size}
	return span
}

// FlushStreamUniforms writes every span handed out by
// BindMappedUniformBuffer since the last flush to its device buffer.
// The render integration calls it right before submitting the draw.
func (r *Runtime) FlushStreamUniforms() {
	for _, w := range r.streamWrites {
		r.queue.WriteBuffer(w.buf.raw, 0, w.data)
	}
	r.streamWrites = r.streamWrites[:0]
}

// IndexBinding returns the recorded index buffer binding.
func (r *Runtime) IndexBinding() (buf host.Buffer, offset, size uint32) {
	return r.indexBinding.Buf, r.indexBinding.Offset, r.indexBinding.Size
}

// VertexBinding returns one recorded vertex buffer binding.
func (r *Runtime) VertexBinding(index uint32) (buf host.Buffer, offset, size, stride uint32) {
	b := r.vertexBindings[index]
	return b.Buf, b.Offset, b.Size, b.Stride
}
