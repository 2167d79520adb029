package mempool

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/ehrlich-b/go-mempool/freelist"
	"github.com/ehrlich-b/go-mempool/internal/logging"
)

// Resource is the capability a pool exposes to its consumers.
type Resource interface {
	Allocate(bytes, align uintptr) (unsafe.Pointer, error)
	Deallocate(ptr unsafe.Pointer, bytes, align uintptr)
}

// Config bundles a pool's collaborators. Upstream is required; the other
// fields default to the coalescing free list and the no-op synchronizer.
type Config struct {
	Upstream Upstream
	Options  Options
	FreeList freelist.List
	Sync     Synchronizer
}

type ownedBlock struct {
	ptr   unsafe.Pointer
	bytes uintptr
	align uintptr
}

// Pool services allocations from a free list of recycled ranges and grows by
// requesting geometrically larger blocks from its upstream. It is safe for
// concurrent use.
type Pool struct {
	upstream Upstream
	opts     Options
	sync     Synchronizer
	log      *logging.Logger
	metrics  Metrics

	// locking order: upstreamMu, then mu. Never the reverse.
	upstreamMu sync.Mutex // serializes upstream calls and owned-block mutation
	mu         sync.Mutex // guards the free list

	free freelist.List

	// guarded by upstreamMu
	blocks        []ownedBlock
	nextBlockSize uintptr

	// flushDeferred is installed by DeferredPool; nil means no-op.
	flushDeferred func()
}

// NewPool creates a pool drawing from cfg.Upstream.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Upstream == nil {
		return nil, NewError("new", ErrCodeInvalidParameters, "upstream is required")
	}
	opts := cfg.Options
	opts.normalize()
	free := cfg.FreeList
	if free == nil {
		free = freelist.NewCoalescing()
	}
	sc := cfg.Sync
	if sc == nil {
		sc = NopSynchronizer{}
	}
	ctx := cfg.Upstream.Context()
	return &Pool{
		upstream:      cfg.Upstream,
		opts:          opts,
		sync:          sc,
		log:           logging.Default().WithKind(ctx.Kind.String()).WithDevice(ctx.Device),
		free:          free,
		nextBlockSize: opts.MinBlockSize,
	}, nil
}

// Allocate returns bytes bytes of storage aligned to at least align, valid
// until a matching Deallocate. A zero-byte request returns (nil, nil). An
// align that is not a power of two fails with ErrCodeInvalidParameters;
// otherwise it fails only when upstream cannot satisfy any block in the
// retry ladder.
func (p *Pool) Allocate(bytes, align uintptr) (unsafe.Pointer, error) {
	if bytes == 0 {
		return nil, nil
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, &Error{Op: "allocate", Code: ErrCodeInvalidParameters,
			Bytes: bytes, Align: align, Msg: "alignment must be a power of two"}
	}
	p.metrics.AllocOps.Add(1)

	p.mu.Lock()
	addr := p.free.Get(bytes, align)
	p.mu.Unlock()
	if addr != 0 {
		p.metrics.FreeListHits.Add(1)
		return unsafe.Pointer(addr), nil
	}

	if align < p.opts.UpstreamAlignment {
		align = p.opts.UpstreamAlignment
	}
	block, blkSize, err := p.getUpstreamBlock(bytes, align)
	if err != nil {
		return nil, err
	}
	if blkSize == bytes {
		// Exact-size block: there is little chance it would coalesce with
		// anything in the pool, so it belongs to this caller whole.
		return block, nil
	}
	p.mu.Lock()
	p.free.Put(uintptr(block)+bytes, blkSize-bytes)
	p.mu.Unlock()
	return block, nil
}

// TryAllocateFromFree attempts to serve bytes from the free list alone.
// It never touches upstream and returns nil when no tracked range fits.
func (p *Pool) TryAllocateFromFree(bytes, align uintptr) unsafe.Pointer {
	if bytes == 0 {
		return nil
	}
	if align == 0 {
		align = 1
	}
	p.mu.Lock()
	addr := p.free.Get(bytes, align)
	p.mu.Unlock()
	if addr == 0 {
		return nil
	}
	p.metrics.FreeListHits.Add(1)
	return unsafe.Pointer(addr)
}

// Deallocate returns a range to the pool after performing the configured
// synchronization. align is accepted for interface symmetry and ignored.
func (p *Pool) Deallocate(ptr unsafe.Pointer, bytes, align uintptr) {
	if ptr == nil || bytes == 0 {
		return
	}
	p.synchronize()
	p.DeallocateNoSync(ptr, bytes, align)
}

// DeallocateNoSync returns a range to the pool for immediate reuse. The
// caller must guarantee no in-flight work still targets the range.
func (p *Pool) DeallocateNoSync(ptr unsafe.Pointer, bytes, align uintptr) {
	if ptr == nil || bytes == 0 {
		return
	}
	p.metrics.DeallocOps.Add(1)
	p.mu.Lock()
	p.free.Put(uintptr(ptr), bytes)
	p.mu.Unlock()
}

// BulkDeallocate returns multiple ranges, synchronizing once per distinct
// device across the batch instead of once per range.
func (p *Pool) BulkDeallocate(params []DeallocParams) {
	if len(params) == 0 {
		return
	}
	p.syncBatch(params)
	p.mu.Lock()
	for _, par := range params {
		if par.Ptr == nil || par.Bytes == 0 {
			continue
		}
		p.metrics.DeallocOps.Add(1)
		p.free.Put(uintptr(par.Ptr), par.Bytes)
	}
	p.mu.Unlock()
}

// FlushDeferred waits for at least one deferred-queue drain. It is a no-op
// on a plain pool; DeferredPool installs the real implementation.
func (p *Pool) FlushDeferred() {
	if p.flushDeferred != nil {
		p.flushDeferred()
	}
}

// FreeAll returns every owned block to upstream and clears the free list.
// Callers must have returned or abandoned all outstanding allocations.
func (p *Pool) FreeAll() {
	p.upstreamMu.Lock()
	defer p.upstreamMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, blk := range p.blocks {
		p.upstream.Deallocate(blk.ptr, blk.bytes, blk.align)
		p.metrics.UpstreamReleases.Add(1)
		p.metrics.BytesToUpstream.Add(uint64(blk.bytes))
	}
	if len(p.blocks) > 0 {
		p.log.Debug("released all owned blocks", "blocks", len(p.blocks))
	}
	p.blocks = nil
	p.free.Clear()
}

// Close releases every owned block back to upstream. Callers must quiesce
// before closing; outstanding pointers become invalid.
func (p *Pool) Close() error {
	p.FreeAll()
	return nil
}

// Context reports the memory domain of the pool's upstream, so a pool can
// itself serve as an upstream for another pool.
func (p *Pool) Context() Context {
	return p.upstream.Context()
}

// Metrics exposes the pool's counters.
func (p *Pool) Metrics() *Metrics {
	return &p.metrics
}

// OwnedBlocks reports how many upstream blocks the pool currently holds.
func (p *Pool) OwnedBlocks() int {
	p.upstreamMu.Lock()
	defer p.upstreamMu.Unlock()
	return len(p.blocks)
}

// getUpstreamBlock obtains a block of at least minBytes from upstream,
// walking the exhaustion ladder on failure: flush deferred deallocations,
// shrink the request, and finally return fully-free blocks to upstream.
func (p *Pool) getUpstreamBlock(minBytes, align uintptr) (unsafe.Pointer, uintptr, error) {
	p.upstreamMu.Lock()
	defer p.upstreamMu.Unlock()

	blkSize := p.nextBlock(minBytes)
	triedReturn := false
	for {
		ptr, err := p.upstream.Allocate(blkSize, align)
		if err == nil {
			p.blocks = append(p.blocks, ownedBlock{ptr, blkSize, align})
			p.metrics.UpstreamAllocs.Add(1)
			p.metrics.BytesFromUpstream.Add(uint64(blkSize))
			p.log.Debug("acquired upstream block", "bytes", uint64(blkSize), "align", uint64(align))
			return ptr, blkSize, nil
		}
		p.metrics.UpstreamFailures.Add(1)
		p.log.Debug("upstream rejected block", "bytes", uint64(blkSize), "error", err)

		// Outstanding deferred deallocations may pin the memory we need.
		p.FlushDeferred()

		if !p.opts.TrySmallerOnFailure {
			return nil, 0, WrapError("allocate", minBytes, align, err)
		}
		if blkSize == minBytes {
			// The request is as small as it can get; the only move left is
			// handing fully-free blocks back so upstream can reorganize.
			if triedReturn || !p.opts.ReturnToUpstreamOnFailure || len(p.blocks) == 0 ||
				p.releaseUnusedBlocks() == 0 {
				// The ladder is exhausted: report out of memory, keeping the
				// upstream's error as the cause.
				return nil, 0, &Error{Op: "allocate", Code: ErrCodeOutOfMemory,
					Bytes: minBytes, Align: align, Inner: err}
			}
			triedReturn = true
			continue
		}
		p.metrics.LadderRetries.Add(1)
		blkSize >>= 1
		if blkSize < minBytes {
			blkSize = minBytes
		}
		// Shrink the growth state too, so the next call doesn't immediately
		// re-overshoot a struggling upstream.
		p.nextBlockSize = blkSize
	}
}

// releaseUnusedBlocks returns every owned block whose whole extent sits in
// the free list back to upstream. Caller holds upstreamMu. The scan runs
// under the pool lock; the upstream releases happen after dropping it.
func (p *Pool) releaseUnusedBlocks() int {
	removed := make([]bool, len(p.blocks))
	freed := 0
	p.mu.Lock()
	for i, blk := range p.blocks {
		if p.free.RemoveIfContained(uintptr(blk.ptr), blk.bytes) {
			removed[i] = true
			freed++
		}
	}
	p.mu.Unlock()
	if freed == 0 {
		return 0
	}
	for i := len(p.blocks) - 1; i >= 0; i-- {
		if !removed[i] {
			continue
		}
		blk := p.blocks[i]
		p.upstream.Deallocate(blk.ptr, blk.bytes, blk.align)
		p.metrics.UpstreamReleases.Add(1)
		p.metrics.BlocksFlushed.Add(1)
		p.metrics.BytesToUpstream.Add(uint64(blk.bytes))
		p.blocks[i] = p.blocks[len(p.blocks)-1]
		p.blocks = p.blocks[:len(p.blocks)-1]
	}
	p.log.Info("returned free blocks to upstream", "blocks", freed)
	return freed
}

// nextBlock computes the size of the next upstream request given the minimum
// bytes needed, and advances the growth state. Caller holds upstreamMu.
func (p *Pool) nextBlock(minBytes uintptr) uintptr {
	if minBytes > p.opts.MaxBlockSize {
		// Requests beyond the growth cap are honored exactly; only the
		// stored state stays clamped.
		p.nextBlockSize = p.opts.MaxBlockSize
		return minBytes
	}
	size := uintptr(float64(p.nextBlockSize) * p.opts.GrowthFactor)
	if size < minBytes {
		size = minBytes
	}
	// Round the size up to 1/1024 of itself or 4 KiB, whichever is larger.
	// Coarse-granularity upstreams (OS page allocators) then have a chance
	// to hand out physically adjacent blocks, which the free list coalesces.
	shift := ilog2(size) - 10
	if shift < 12 {
		shift = 12
	}
	size = alignUp(size, uintptr(1)<<uint(shift))
	if size > p.opts.MaxBlockSize {
		p.nextBlockSize = p.opts.MaxBlockSize
	} else {
		p.nextBlockSize = size
	}
	return size
}

func (p *Pool) synchronize() {
	switch p.opts.Sync {
	case SyncDevice:
		p.metrics.SyncWaits.Add(1)
		if err := p.sync.SyncDevice(p.sync.CurrentDevice()); err != nil {
			p.log.Warn("device synchronization failed", "error", err)
		}
	case SyncSystem:
		p.metrics.SyncWaits.Add(1)
		if err := p.sync.SyncAll(); err != nil {
			p.log.Warn("system synchronization failed", "error", err)
		}
	}
}

// syncBatch waits once per distinct device referenced by a batch. Device ids
// are deduplicated through a fixed bitmap; ids past its range degrade to a
// compare-with-previous check.
func (p *Pool) syncBatch(params []DeallocParams) {
	switch p.opts.Sync {
	case SyncDevice:
		prev := -1
		var mask [maxTrackedDevices / 64]uint64
		for _, par := range params {
			dev := par.Device
			if dev < 0 {
				dev = p.sync.CurrentDevice()
			}
			if dev >= 0 && dev < maxTrackedDevices {
				bin, bit := dev>>6, uint64(1)<<(dev&63)
				if mask[bin]&bit != 0 {
					continue
				}
				mask[bin] |= bit
			} else if dev == prev {
				continue
			}
			p.metrics.SyncWaits.Add(1)
			if err := p.sync.SyncDevice(dev); err != nil {
				p.log.Warn("device synchronization failed", "device", dev, "error", err)
			}
			prev = dev
		}
	case SyncSystem:
		p.metrics.SyncWaits.Add(1)
		if err := p.sync.SyncAll(); err != nil {
			p.log.Warn("system synchronization failed", "error", err)
		}
	}
}

func ilog2(x uintptr) int {
	return bits.Len64(uint64(x)) - 1
}

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// Compile-time interface checks
var (
	_ Resource = (*Pool)(nil)
	_ Upstream = (*Pool)(nil)
)
