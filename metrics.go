package mempool

import "sync/atomic"

// Metrics tracks operational statistics for a pool. All fields are updated
// atomically and may be read while the pool is in use.
type Metrics struct {
	// Allocation counters
	AllocOps     atomic.Uint64 // Total Allocate calls (excluding zero-byte)
	FreeListHits atomic.Uint64 // Allocations served from the free list
	DeallocOps   atomic.Uint64 // Total ranges returned (sync, bulk and deferred)

	// Upstream traffic
	UpstreamAllocs   atomic.Uint64 // Successful upstream block requests
	UpstreamFailures atomic.Uint64 // Rejected upstream block requests
	UpstreamReleases atomic.Uint64 // Blocks returned to upstream
	LadderRetries    atomic.Uint64 // Shrink-and-retry attempts
	BlocksFlushed    atomic.Uint64 // Fully-free blocks released on failure

	// Byte accounting
	BytesFromUpstream atomic.Uint64 // Cumulative bytes obtained from upstream
	BytesToUpstream   atomic.Uint64 // Cumulative bytes released to upstream

	// Deferred layer
	DeferredSubmits atomic.Uint64 // Records pushed to the dealloc queues
	WorkerDrains    atomic.Uint64 // Queue batches completed by the worker
	FlushWaits      atomic.Uint64 // FlushDeferred calls that had to wait
	SyncWaits       atomic.Uint64 // Synchronization waits performed
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	AllocOps          uint64
	FreeListHits      uint64
	DeallocOps        uint64
	UpstreamAllocs    uint64
	UpstreamFailures  uint64
	UpstreamReleases  uint64
	LadderRetries     uint64
	BlocksFlushed     uint64
	BytesFromUpstream uint64
	BytesToUpstream   uint64
	DeferredSubmits   uint64
	WorkerDrains      uint64
	FlushWaits        uint64
	SyncWaits         uint64
}

// Snapshot returns a consistent-enough copy of the counters for reporting.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		AllocOps:          m.AllocOps.Load(),
		FreeListHits:      m.FreeListHits.Load(),
		DeallocOps:        m.DeallocOps.Load(),
		UpstreamAllocs:    m.UpstreamAllocs.Load(),
		UpstreamFailures:  m.UpstreamFailures.Load(),
		UpstreamReleases:  m.UpstreamReleases.Load(),
		LadderRetries:     m.LadderRetries.Load(),
		BlocksFlushed:     m.BlocksFlushed.Load(),
		BytesFromUpstream: m.BytesFromUpstream.Load(),
		BytesToUpstream:   m.BytesToUpstream.Load(),
		DeferredSubmits:   m.DeferredSubmits.Load(),
		WorkerDrains:      m.WorkerDrains.Load(),
		FlushWaits:        m.FlushWaits.Load(),
		SyncWaits:         m.SyncWaits.Load(),
	}
}

// OutstandingUpstreamBytes reports bytes currently held from upstream.
func (m *Metrics) OutstandingUpstreamBytes() uint64 {
	return m.BytesFromUpstream.Load() - m.BytesToUpstream.Load()
}
