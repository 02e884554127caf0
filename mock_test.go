package vram

import (
	"testing"

	"github.com/gogpu/vram/guest"
	"github.com/gogpu/vram/host"
	"github.com/gogpu/vram/regs"
)

// mockBuffer backs host buffers with real bytes so copy batches move
// data and round trips can be asserted bit-exactly.
type mockBuffer struct {
	data []byte
}

func (b *mockBuffer) Size() uint64 { return uint64(len(b.data)) }

type bindCall struct {
	kind    string
	stage   int
	binding uint32
	buf     host.Buffer
	offset  uint32
	size    uint32
	stride  uint32
	written bool
}

// mockRuntime records every call and executes copies on mock buffer
// bytes. Staging leases carry a nonzero offset so offset arithmetic in
// the cache is exercised.
type mockRuntime struct {
	caps        host.Caps
	fastSubData bool

	created   int
	destroyed int
	finishes  int

	binds      []bindCall
	fastPushes [][]byte
	mapped     [][]byte

	// leaseSlack offsets every staging lease inside its buffer.
	leaseSlack uint64
}

func glCaps() host.Caps {
	return host.Caps{
		IsOpenGL:                        true,
		HasPersistentUniformBindings:    true,
		HasFullIndexAndPrimitiveSupport: true,
		NeedsBindUniformIndex:           true,
		NeedsBindStorageIndex:           true,
		UseMemoryMaps:                   false,
	}
}

func vkCaps() host.Caps {
	return host.Caps{
		HasFullIndexAndPrimitiveSupport: true,
		NeedsBindUniformIndex:           true,
		NeedsBindStorageIndex:           true,
		UseMemoryMaps:                   true,
	}
}

func newMockRuntime(caps host.Caps) *mockRuntime {
	return &mockRuntime{caps: caps, leaseSlack: 16}
}

func (r *mockRuntime) Caps() host.Caps { return r.caps }

func (r *mockRuntime) HasFastBufferSubData() bool { return r.fastSubData }

func (r *mockRuntime) CreateBuffer(size uint64) host.Buffer {
	r.created++
	return &mockBuffer{data: make([]byte, size)}
}

func (r *mockRuntime) DestroyBuffer(host.Buffer) { r.destroyed++ }

func (r *mockRuntime) lease(size uint64) host.StagingLease {
	buf := &mockBuffer{data: make([]byte, size+r.leaseSlack)}
	return host.StagingLease{
		Buffer: buf,
		Offset: r.leaseSlack,
		Mapped: buf.data[r.leaseSlack:],
	}
}

func (r *mockRuntime) UploadStagingBuffer(size uint64) host.StagingLease { return r.lease(size) }

func (r *mockRuntime) DownloadStagingBuffer(size uint64) host.StagingLease { return r.lease(size) }

func (r *mockRuntime) CopyBuffer(dst, src host.Buffer, copies []host.BufferCopy) {
	d := dst.(*mockBuffer)
	s := src.(*mockBuffer)
	for _, cp := range copies {
		copy(d.data[cp.DstOffset:cp.DstOffset+cp.Size], s.data[cp.SrcOffset:cp.SrcOffset+cp.Size])
	}
}

func (r *mockRuntime) Finish() { r.finishes++ }

func (r *mockRuntime) ImmediateUpload(buf host.Buffer, offset uint64, data []byte) {
	copy(buf.(*mockBuffer).data[offset:], data)
}

func (r *mockRuntime) ImmediateDownload(buf host.Buffer, offset uint64, dst []byte) {
	copy(dst, buf.(*mockBuffer).data[offset:])
}

func (r *mockRuntime) record(call bindCall) {
	r.binds = append(r.binds, call)
}

func (r *mockRuntime) BindIndexBuffer(buf host.Buffer, offset, size uint32) {
	r.record(bindCall{kind: "index", buf: buf, offset: offset, size: size})
}

func (r *mockRuntime) BindLegacyIndexBuffer(_ host.PrimitiveTopology, _ host.IndexFormat,
	_, _ uint32, buf host.Buffer, offset, size uint32) {
	r.record(bindCall{kind: "legacy-index", buf: buf, offset: offset, size: size})
}

func (r *mockRuntime) BindQuadArrayIndexBuffer(first, count uint32) {
	r.record(bindCall{kind: "quad-index", offset: first, size: count})
}

func (r *mockRuntime) BindVertexBuffer(index uint32, buf host.Buffer, offset, size, stride uint32) {
	r.record(bindCall{kind: "vertex", binding: index, buf: buf, offset: offset, size: size, stride: stride})
}

func (r *mockRuntime) BindUniformBuffer(stage int, binding uint32, buf host.Buffer, offset, size uint32) {
	r.record(bindCall{kind: "uniform", stage: stage, binding: binding, buf: buf, offset: offset, size: size})
}

func (r *mockRuntime) BindComputeUniformBuffer(binding uint32, buf host.Buffer, offset, size uint32) {
	r.record(bindCall{kind: "compute-uniform", binding: binding, buf: buf, offset: offset, size: size})
}

func (r *mockRuntime) BindStorageBuffer(stage int, binding uint32, buf host.Buffer, offset, size uint32, written bool) {
	r.record(bindCall{kind: "storage", stage: stage, binding: binding, buf: buf, offset: offset, size: size, written: written})
}

func (r *mockRuntime) BindComputeStorageBuffer(binding uint32, buf host.Buffer, offset, size uint32, written bool) {
	r.record(bindCall{kind: "compute-storage", binding: binding, buf: buf, offset: offset, size: size, written: written})
}

func (r *mockRuntime) BindTransformFeedbackBuffer(index uint32, buf host.Buffer, offset, size uint32) {
	r.record(bindCall{kind: "tfb", binding: index, buf: buf, offset: offset, size: size})
}

func (r *mockRuntime) BindFastUniformBuffer(stage int, binding uint32, size uint32) {
	r.record(bindCall{kind: "fast-uniform", stage: stage, binding: binding, size: size})
}

func (r *mockRuntime) PushFastUniformBuffer(stage int, binding uint32, data []byte) {
	pushed := make([]byte, len(data))
	copy(pushed, data)
	r.fastPushes = append(r.fastPushes, pushed)
	r.record(bindCall{kind: "fast-push", stage: stage, binding: binding, size: uint32(len(data))})
}

func (r *mockRuntime) BindMappedUniformBuffer(stage int, binding uint32, size uint32) []byte {
	span := make([]byte, size)
	r.mapped = append(r.mapped, span)
	r.record(bindCall{kind: "mapped-uniform", stage: stage, binding: binding, size: size})
	return span
}

func (r *mockRuntime) callsOf(kind string) []bindCall {
	var out []bindCall
	for _, call := range r.binds {
		if call.kind == kind {
			out = append(out, call)
		}
	}
	return out
}

// testEnv bundles a cache over mock collaborators. Guest memory is a
// 64 MiB slab at address 0; GPU addresses translate 1:1.
type testEnv struct {
	cache   *BufferCache
	runtime *mockRuntime
	mem     *guest.FlatMemory
	gfx     *regs.Graphics
	launch  *regs.ComputeLaunch
}

func newTestEnv(t *testing.T, caps host.Caps, opts ...Option) *testEnv {
	t.Helper()
	rt := newMockRuntime(caps)
	mem := guest.NewFlatMemory(0, 1<<26)
	gfx := &regs.Graphics{}
	launch := &regs.ComputeLaunch{}
	c := New(rt, mem, &guest.FlatGPUMemory{Mem: mem}, gfx, launch, opts...)
	return &testEnv{cache: c, runtime: rt, mem: mem, gfx: gfx, launch: launch}
}

// fill writes a deterministic byte pattern to guest memory.
func (e *testEnv) fill(addr guest.VAddr, size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i)
	}
	e.mem.WriteBlockUnsafe(addr, data)
	return data
}

// hostBytes reads back a range of a buffer's host allocation.
func hostBytes(b *Buffer, offset uint32, size int) []byte {
	data := b.HostBuffer().(*mockBuffer).data
	return data[offset : int(offset)+size]
}

// checkPages asserts that every page of [addr, addr+size) maps to id.
func (e *testEnv) checkPages(t *testing.T, addr guest.VAddr, size uint64, id BufferId) {
	t.Helper()
	pageEnd := divCeil(uint64(addr)+size, pageSize)
	for page := uint64(addr) >> pageBits; page < pageEnd; page++ {
		if got := e.cache.pageTable[page]; got != id {
			t.Errorf("pageTable[%#x] = %d, want %d", page, got, id)
		}
	}
}
