package upstream

import (
	"sync"
	"unsafe"

	mempool "github.com/ehrlich-b/go-mempool"
)

// Heap serves blocks from the Go heap. Blocks stay referenced until
// deallocated so the garbage collector cannot reclaim memory the pool still
// owns. An optional limit makes exhaustion reproducible, which is handy for
// exercising a pool's retry ladder outside of tests.
type Heap struct {
	limit uintptr // 0 means unlimited

	mu          sync.Mutex
	blocks      map[uintptr][]byte
	outstanding uintptr
}

// NewHeap creates a heap upstream. limit of 0 means unlimited.
func NewHeap(limit uintptr) *Heap {
	return &Heap{
		limit:  limit,
		blocks: make(map[uintptr][]byte),
	}
}

// Allocate implements the mempool.Upstream interface
func (h *Heap) Allocate(bytes, align uintptr) (unsafe.Pointer, error) {
	if bytes == 0 {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit != 0 && h.outstanding+bytes > h.limit {
		return nil, mempool.NewError("heap", mempool.ErrCodeUpstreamFailure, "byte limit reached")
	}
	buf := make([]byte, bytes+align)
	addr := alignUp(uintptr(unsafe.Pointer(&buf[0])), align)
	h.blocks[addr] = buf
	h.outstanding += bytes
	return unsafe.Pointer(addr), nil
}

// Deallocate implements the mempool.Upstream interface
func (h *Heap) Deallocate(ptr unsafe.Pointer, bytes, align uintptr) {
	if ptr == nil || bytes == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	addr := uintptr(ptr)
	if _, ok := h.blocks[addr]; !ok {
		return
	}
	delete(h.blocks, addr)
	h.outstanding -= bytes
}

// Context implements the mempool.Upstream interface
func (h *Heap) Context() mempool.Context {
	return mempool.Context{Kind: mempool.KindHost, Device: -1}
}

// OutstandingBytes returns net bytes currently handed out.
func (h *Heap) OutstandingBytes() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outstanding
}

var _ mempool.Upstream = (*Heap)(nil)
