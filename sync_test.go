package vram

import (
	"bytes"
	"testing"

	"github.com/gogpu/vram/guest"
)

func TestSynchronizeBufferMappedPath(t *testing.T) {
	e := newTestEnv(t, vkCaps())
	id := e.cache.findBuffer(0x10000, 0x8000)
	b := e.cache.buffer(id)

	want := e.fill(0x10000, 0x8000, 0x11)
	clean := e.cache.SynchronizeBuffer(b, 0x10000, 0x8000)
	if clean {
		t.Fatal("SynchronizeBuffer = clean on a fresh buffer")
	}
	if got := hostBytes(b, 0, 0x8000); !bytes.Equal(got, want) {
		t.Error("host buffer content differs from guest after upload")
	}

	// Invariant: a second synchronize over the same range is clean.
	if !e.cache.SynchronizeBuffer(b, 0x10000, 0x8000) {
		t.Error("SynchronizeBuffer = dirty right after upload")
	}
}

func TestSynchronizeBufferImmediatePath(t *testing.T) {
	e := newTestEnv(t, glCaps())
	id := e.cache.findBuffer(0x10000, 0x8000)
	b := e.cache.buffer(id)

	want := e.fill(0x10000, 0x8000, 0x23)
	if e.cache.SynchronizeBuffer(b, 0x10000, 0x8000) {
		t.Fatal("SynchronizeBuffer = clean on a fresh buffer")
	}
	if got := hostBytes(b, 0, 0x8000); !bytes.Equal(got, want) {
		t.Error("host buffer content differs from guest after immediate upload")
	}
}

func TestSynchronizeBufferPartialDirty(t *testing.T) {
	e := newTestEnv(t, vkCaps())
	id := e.cache.findBuffer(0x10000, 0x8000)
	b := e.cache.buffer(id)
	e.fill(0x10000, 0x8000, 0x35)
	e.cache.SynchronizeBuffer(b, 0x10000, 0x8000)

	// Dirty one interior range; only it re-uploads.
	patch := e.fill(0x12000, 0x100, 0x77)
	e.cache.WriteMemory(0x12000, 0x100)

	uploaded := e.cache.stats.UploadBytes
	if e.cache.SynchronizeBuffer(b, 0x10000, 0x8000) {
		t.Fatal("SynchronizeBuffer = clean over a written range")
	}
	if delta := e.cache.stats.UploadBytes - uploaded; delta != 0x100 {
		t.Errorf("uploaded %#x bytes, want 0x100", delta)
	}
	if got := hostBytes(b, 0x2000, 0x100); !bytes.Equal(got, patch) {
		t.Error("patched range did not reach the host buffer")
	}
}

func TestSynchronizeNullBufferIsClean(t *testing.T) {
	e := newTestEnv(t, vkCaps())
	null := e.cache.buffer(NullBufferId)
	if !e.cache.SynchronizeBuffer(null, 0, 0) {
		t.Error("null buffer synchronize = dirty")
	}
}

func TestWriteMemoryThenSyncRoundTrip(t *testing.T) {
	// Invariant 7: after WriteMemory + SynchronizeBuffer, the host
	// holds the guest bytes.
	e := newTestEnv(t, vkCaps())
	id := e.cache.findBuffer(0x10000, 0x1000)
	b := e.cache.buffer(id)
	e.cache.SynchronizeBuffer(b, 0x10000, 0x1000)

	want := e.fill(0x10400, 0x200, 0x5A)
	e.cache.WriteMemory(0x10400, 0x200)
	e.cache.SynchronizeBuffer(b, 0x10000, 0x1000)
	if got := hostBytes(b, 0x400, 0x200); !bytes.Equal(got, want) {
		t.Error("host content differs after write+sync")
	}
}

func TestDownloadMemoryMappedPath(t *testing.T) {
	e := newTestEnv(t, vkCaps())
	id := e.cache.findBuffer(0x10000, 0x8000)
	b := e.cache.buffer(id)
	drainUploads(b)

	// GPU writes land in host memory and are marked.
	gpuData := bytes.Repeat([]byte{0xC3}, 0x300)
	copy(b.HostBuffer().(*mockBuffer).data[0x1000:], gpuData)
	b.MarkRegionAsGpuModified(0x11000, 0x300)

	e.cache.DownloadMemory(0x10000, 0x8000)
	if e.runtime.finishes != 1 {
		t.Errorf("Finish called %d times, want 1", e.runtime.finishes)
	}
	got := make([]byte, 0x300)
	e.mem.ReadBlockUnsafe(0x11000, got)
	if !bytes.Equal(got, gpuData) {
		t.Error("guest memory differs from host after download")
	}
	// The download drained the GPU-modified state.
	if b.IsRegionGpuModified(0x10000, 0x8000) {
		t.Error("GPU-modified state survived the download")
	}
}

func TestDownloadMemoryImmediatePath(t *testing.T) {
	e := newTestEnv(t, glCaps())
	id := e.cache.findBuffer(0x10000, 0x8000)
	b := e.cache.buffer(id)
	drainUploads(b)

	gpuData := bytes.Repeat([]byte{0xD4}, 0x140)
	copy(b.HostBuffer().(*mockBuffer).data[0x2000:], gpuData)
	b.MarkRegionAsGpuModified(0x12000, 0x140)

	e.cache.DownloadMemory(0x12000, 0x140)
	got := make([]byte, 0x140)
	e.mem.ReadBlockUnsafe(0x12000, got)
	if !bytes.Equal(got, gpuData) {
		t.Error("guest memory differs from host after immediate download")
	}
}

func TestDownloadMemoryNothingPending(t *testing.T) {
	e := newTestEnv(t, vkCaps())
	id := e.cache.findBuffer(0x10000, 0x8000)
	drainUploads(e.cache.buffer(id))

	e.cache.DownloadMemory(0x10000, 0x8000)
	if e.runtime.finishes != 0 {
		t.Error("Finish called with nothing to download")
	}
}

func TestScratchBufferGrowsNeverShrinks(t *testing.T) {
	e := newTestEnv(t, vkCaps())
	c := e.cache
	s := c.scratchBuffer(128)
	if len(s) != 128 {
		t.Errorf("scratch length = %d, want 128", len(s))
	}
	c.scratchBuffer(4096)
	s = c.scratchBuffer(64)
	if len(s) != 64 || cap(c.immediateBuffer) < 4096 {
		t.Error("scratch buffer shrank")
	}
}

func TestIsRangeGranular(t *testing.T) {
	tests := []struct {
		addr uint64
		size uint64
		want bool
	}{
		{0x1000, 0x100, true},
		{0x1000, 0xfff, true},
		// The predicate is end-inclusive of the boundary: a range whose
		// end lands on the next page is not granular.
		{0x1f00, 0x100, false},
		{0x1f00, 0x101, false},
		{0x0fff, 2, false},
	}
	for _, tt := range tests {
		if got := isRangeGranular(guest.VAddr(tt.addr), tt.size); got != tt.want {
			t.Errorf("isRangeGranular(%#x, %#x) = %v, want %v", tt.addr, tt.size, got, tt.want)
		}
	}
}
