// Package vram implements the buffer cache of a guest GPU translation
// layer: it reconciles guest virtual memory with host graphics-API
// buffer objects and keeps the two coherent under CPU writes, GPU
// writes, and per-draw binding updates.
//
// # Overview
//
// The cache maps guest addresses to host buffers through a flat
// page-indexed table, coalesces overlapping ranges into single host
// buffers, tracks CPU-modified and GPU-modified state per buffer, and
// uploads or downloads only the stale ranges. Uniform buffers get a
// fast path that pushes or streams small data inline while a sliding
// hit/shot heuristic reports a clean rate of at least 251/256 on the
// cached path.
//
// # Usage
//
//	cache := vram.New(runtime, mem, gpuMem, gfx, launch)
//
//	// Per draw, with the cache lock held:
//	cache.UpdateGraphicsBuffers(indexed)
//	cache.BindHostGeometryBuffers(indexed)
//	for stage := range stages {
//	    cache.BindHostStageBuffers(stage)
//	}
//
//	// Per frame:
//	cache.TickFrame()
//
// The runtime is any host.Runtime; host/wgpu provides one over
// gogpu/wgpu. Guest memory access goes through the guest package
// interfaces.
//
// # Concurrency
//
// The cache is externally synchronized: callers hold Lock across every
// group of operations that must observe consistent state. There is no
// internal parallelism.
package vram
