// Package upstream provides standard backing resources for memory pools
package upstream

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	mempool "github.com/ehrlich-b/go-mempool"
)

// Mmap serves blocks from anonymous private mappings. Every block is its own
// mapping, so adjacent requests frequently land on contiguous pages and the
// pool's free list can coalesce them. Alignments above the page size are
// satisfied by over-mapping and handing out an aligned offset; the whole
// mapping is retained and released on Deallocate.
type Mmap struct {
	pageSize uintptr

	mu       sync.Mutex
	mappings map[uintptr][]byte
}

// NewMmap creates an mmap-backed upstream.
func NewMmap() *Mmap {
	return &Mmap{
		pageSize: uintptr(unix.Getpagesize()),
		mappings: make(map[uintptr][]byte),
	}
}

// Allocate implements the mempool.Upstream interface
func (m *Mmap) Allocate(bytes, align uintptr) (unsafe.Pointer, error) {
	if bytes == 0 {
		return nil, nil
	}
	mapLen := alignUp(bytes, m.pageSize)
	if align > m.pageSize {
		mapLen += align
	}

	b, err := unix.Mmap(-1, 0, int(mapLen),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, mempool.WrapError("mmap", bytes, align, err)
	}

	// Mappings are page aligned already; larger alignments use an offset
	// into the over-mapped region.
	addr := alignUp(uintptr(unsafe.Pointer(&b[0])), align)

	m.mu.Lock()
	m.mappings[addr] = b
	m.mu.Unlock()
	return unsafe.Pointer(addr), nil
}

// Deallocate implements the mempool.Upstream interface. bytes and align must
// match the original request.
func (m *Mmap) Deallocate(ptr unsafe.Pointer, bytes, align uintptr) {
	if ptr == nil || bytes == 0 {
		return
	}
	m.mu.Lock()
	b, ok := m.mappings[uintptr(ptr)]
	delete(m.mappings, uintptr(ptr))
	m.mu.Unlock()
	if ok {
		unix.Munmap(b)
	}
}

// Context implements the mempool.Upstream interface
func (m *Mmap) Context() mempool.Context {
	return mempool.Context{Kind: mempool.KindHost, Device: -1}
}

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

var _ mempool.Upstream = (*Mmap)(nil)
