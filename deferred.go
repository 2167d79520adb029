package mempool

import (
	"sync"
	"unsafe"
)

// DeferredPool layers deferred deallocation on top of Pool. Returned ranges
// are buffered in one of two alternating queues; a background worker takes a
// full queue, synchronizes once across its batch, and reinserts the ranges.
// The alternation lets submitters keep enqueueing while the worker is inside
// a potentially long synchronization wait.
type DeferredPool struct {
	*Pool

	// mtx is a leaf lock: never held while acquiring the pool locks.
	mtx      sync.Mutex
	cv       *sync.Cond // work available
	ready    *sync.Cond // a queue drain completed
	queues   [2][]DeallocParams
	queueIdx int
	started  bool
	stopped  bool
	done     chan struct{}
}

// NewDeferredPool creates a pool whose Deallocate is routed through a
// background worker when cfg.Options.EnableDeferredDeallocation is set.
func NewDeferredPool(cfg Config) (*DeferredPool, error) {
	base, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	d := &DeferredPool{
		Pool: base,
		done: make(chan struct{}),
	}
	d.cv = sync.NewCond(&d.mtx)
	d.ready = sync.NewCond(&d.mtx)
	base.flushDeferred = d.FlushDeferred
	return d, nil
}

// Allocate applies backpressure before delegating to the pool: when the
// deferred queues hold more records than MaxOutstandingDeallocations, it
// first waits for a worker drain to bound memory pinned in the queues.
func (d *DeferredPool) Allocate(bytes, align uintptr) (unsafe.Pointer, error) {
	if d.opts.EnableDeferredDeallocation &&
		d.OutstandingDeallocCount() > d.opts.MaxOutstandingDeallocations {
		d.FlushDeferred()
	}
	return d.Pool.Allocate(bytes, align)
}

// Deallocate enqueues the range for the worker when deferred deallocation is
// enabled, and behaves like Pool.Deallocate otherwise.
func (d *DeferredPool) Deallocate(ptr unsafe.Pointer, bytes, align uintptr) {
	if d.opts.EnableDeferredDeallocation {
		d.DeferredDeallocate(ptr, bytes, align, -1)
		return
	}
	d.Pool.Deallocate(ptr, bytes, align)
}

// DeferredDeallocate submits a range to the dealloc queues. device -1 means
// "current device"; it is resolved now because the flushing goroutine may
// run on a different device than the submitter.
func (d *DeferredPool) DeferredDeallocate(ptr unsafe.Pointer, bytes, align uintptr, device int) {
	if ptr == nil || bytes == 0 {
		return
	}
	if device < 0 {
		device = d.sync.CurrentDevice()
	}
	d.mtx.Lock()
	d.queues[d.queueIdx] = append(d.queues[d.queueIdx], DeallocParams{
		Device: device, Ptr: ptr, Bytes: bytes, Align: align,
	})
	if !d.started && !d.stopped {
		d.started = true
		go d.run()
	}
	d.mtx.Unlock()
	d.cv.Signal()
	d.metrics.DeferredSubmits.Add(1)
}

// OutstandingDeallocCount reports how many records sit in the queues.
func (d *DeferredPool) OutstandingDeallocCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.queues[0]) + len(d.queues[1])
}

// FlushDeferred waits until the worker completes one queue drain. It does
// not guarantee both queues are empty on return: new submissions keep
// accumulating in the other queue, and waiting for full emptiness could
// deadlock against concurrent submitters.
func (d *DeferredPool) FlushDeferred() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.stopped || (len(d.queues[0]) == 0 && len(d.queues[1]) == 0) {
		return
	}
	d.metrics.FlushWaits.Add(1)
	d.ready.Wait()
}

// Close stops the worker, synchronously drains both queues, and releases
// every owned block to upstream.
func (d *DeferredPool) Close() error {
	d.mtx.Lock()
	started := d.started
	d.stopped = true
	d.mtx.Unlock()
	d.cv.Broadcast()
	if started {
		<-d.done
	}
	d.Pool.BulkDeallocate(d.queues[0])
	d.Pool.BulkDeallocate(d.queues[1])
	d.queues[0], d.queues[1] = nil, nil
	return d.Pool.Close()
}

func (d *DeferredPool) run() {
	defer close(d.done)
	d.mtx.Lock()
	for {
		for !d.stopped && len(d.queues[d.queueIdx]) == 0 {
			d.cv.Wait()
		}
		if d.stopped {
			// Unblock any flusher still parked on ready.
			d.ready.Broadcast()
			d.mtx.Unlock()
			return
		}
		idx := d.queueIdx
		batch := d.queues[idx]
		// New submissions accumulate in the other queue while this batch
		// synchronizes outside the lock.
		d.queueIdx = 1 - idx
		d.mtx.Unlock()

		d.Pool.BulkDeallocate(batch)
		d.metrics.WorkerDrains.Add(1)
		d.log.Debug("drained deferred queue", "records", len(batch))

		d.mtx.Lock()
		d.queues[idx] = d.queues[idx][:0]
		d.ready.Broadcast()
	}
}

var (
	_ Resource = (*DeferredPool)(nil)
	_ Upstream = (*DeferredPool)(nil)
)
