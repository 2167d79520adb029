package upstream

import (
	"testing"

	mempool "github.com/ehrlich-b/go-mempool"
)

func TestMmapAllocate(t *testing.T) {
	m := NewMmap()

	ptr, err := m.Allocate(8192, 4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if uintptr(ptr)%4096 != 0 {
		t.Errorf("pointer %p not page aligned", ptr)
	}

	// Touch the whole range to ensure the mapping is live and writable.
	buf := mempool.Bytes(ptr, 8192)
	for i := range buf {
		buf[i] = byte(i)
	}
	if buf[0] != 0 || buf[8191] != byte(8191%256) {
		t.Error("mapped memory did not retain writes")
	}

	m.Deallocate(ptr, 8192, 4096)
}

func TestMmapLargeAlignment(t *testing.T) {
	m := NewMmap()
	const align = 1 << 16

	ptr, err := m.Allocate(4096, align)
	if err != nil {
		t.Fatalf("Allocate with 64K alignment failed: %v", err)
	}
	if uintptr(ptr)%align != 0 {
		t.Errorf("pointer %p not aligned to %d", ptr, align)
	}
	buf := mempool.Bytes(ptr, 4096)
	buf[0], buf[4095] = 1, 2

	m.Deallocate(ptr, 4096, align)
}

func TestMmapSubPageSize(t *testing.T) {
	m := NewMmap()

	// Requests below a page round up internally but stay usable.
	ptr, err := m.Allocate(100, 8)
	if err != nil {
		t.Fatalf("Allocate(100) failed: %v", err)
	}
	buf := mempool.Bytes(ptr, 100)
	buf[99] = 0xff
	m.Deallocate(ptr, 100, 8)
}

func TestMmapWithPool(t *testing.T) {
	m := NewMmap()
	p, err := mempool.NewPool(mempool.Config{Upstream: m, Options: mempool.HostOptions()})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	a, err := p.Allocate(100, 64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := p.Allocate(1<<16, 64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(mempool.Bytes(a, 100), "hello")
	mempool.Bytes(b, 1<<16)[1<<16-1] = 0x7f

	p.Deallocate(a, 100, 64)
	p.Deallocate(b, 1<<16, 64)
	p.FreeAll()
}
