package upstream

import (
	"testing"

	mempool "github.com/ehrlich-b/go-mempool"
)

func TestHeapAllocate(t *testing.T) {
	h := NewHeap(0)

	ptr, err := h.Allocate(4096, 256)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if uintptr(ptr)%256 != 0 {
		t.Errorf("pointer %p not aligned to 256", ptr)
	}
	if got := h.OutstandingBytes(); got != 4096 {
		t.Errorf("OutstandingBytes() = %d, want 4096", got)
	}

	// The range must be writable through its full extent.
	buf := mempool.Bytes(ptr, 4096)
	buf[0], buf[4095] = 0xab, 0xcd

	h.Deallocate(ptr, 4096, 256)
	if got := h.OutstandingBytes(); got != 0 {
		t.Errorf("OutstandingBytes() = %d after Deallocate, want 0", got)
	}
}

func TestHeapLimit(t *testing.T) {
	h := NewHeap(8192)

	ptr, err := h.Allocate(8192, 8)
	if err != nil {
		t.Fatalf("Allocate at limit failed: %v", err)
	}
	if _, err := h.Allocate(1, 8); err == nil {
		t.Error("Allocate past limit succeeded, want failure")
	}
	h.Deallocate(ptr, 8192, 8)
	if _, err := h.Allocate(1, 8); err != nil {
		t.Errorf("Allocate after release failed: %v", err)
	}
}

func TestHeapIgnoresUnknownFrees(t *testing.T) {
	h := NewHeap(0)
	ptr, _ := h.Allocate(64, 8)
	h.Deallocate(ptr, 64, 8)
	// A second free of the same range must not corrupt accounting.
	h.Deallocate(ptr, 64, 8)
	if got := h.OutstandingBytes(); got != 0 {
		t.Errorf("OutstandingBytes() = %d, want 0", got)
	}
}

func TestHeapContext(t *testing.T) {
	ctx := NewHeap(0).Context()
	if ctx.Kind != mempool.KindHost || ctx.Device != -1 {
		t.Errorf("Context() = %+v, want host/-1", ctx)
	}
}

func TestHeapWithPool(t *testing.T) {
	h := NewHeap(0)
	p, err := mempool.NewPool(mempool.Config{Upstream: h, Options: mempool.HostOptions()})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ptr, err := p.Allocate(100, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p.Deallocate(ptr, 100, 8)
	p.FreeAll()
	if got := h.OutstandingBytes(); got != 0 {
		t.Errorf("OutstandingBytes() = %d after FreeAll, want 0", got)
	}
}
