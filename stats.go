package vram

// Stats is a snapshot of cache activity counters, for monitoring.
type Stats struct {
	// BuffersCreated counts host buffers created, including merges.
	BuffersCreated uint64

	// BuffersCoalesced counts buffers absorbed into a larger one.
	BuffersCoalesced uint64

	// BuffersDestroyed counts buffers retired through the deferred
	// destruction ring.
	BuffersDestroyed uint64

	// StreamLeaps counts coalesces that triggered stream headroom.
	StreamLeaps uint64

	// UploadBytes and DownloadBytes count payload bytes moved between
	// guest memory and host buffers.
	UploadBytes   uint64
	DownloadBytes uint64

	// FastUniformBinds counts uniform binds served by the fast or
	// stream path; CachedUniformBinds counts classic cached binds.
	FastUniformBinds   uint64
	CachedUniformBinds uint64
}

// Stats returns a snapshot of the activity counters. Callers hold the
// cache lock.
func (c *BufferCache) Stats() Stats {
	return c.stats
}
