// Package wgpu implements the host runtime over the gogpu/wgpu HAL.
//
// The runtime advertises the memory-mapped transfer path: uploads and
// downloads move through staging leases carved from growable ring
// slabs, and buffer-to-buffer copies are encoded and submitted as one
// command buffer per batch.
//
// wgpu has no global bind points; bind calls record the current
// binding set, which the render integration reads when it assembles
// bind groups for a draw or dispatch.
package wgpu
