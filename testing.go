package mempool

import (
	"sync"
	"unsafe"
)

// UpstreamCall records one Allocate attempt against a MockUpstream.
type UpstreamCall struct {
	Bytes uintptr
	Align uintptr
	OK    bool
}

// MockUpstream is an in-memory Upstream for testing. It hands out pinned Go
// slices, tracks every allocation attempt, and can inject failures. This is
// useful for unit testing pool behavior without touching the OS.
type MockUpstream struct {
	// FailIf rejects requests for which it returns true. May be swapped
	// between calls; reads are guarded by the upstream's own lock.
	FailIf func(bytes, align uintptr) bool

	// Limit, when non-zero, rejects requests that would push outstanding
	// bytes past it.
	Limit uintptr

	ctx Context

	mu          sync.Mutex
	calls       []UpstreamCall
	blocks      map[uintptr][]byte
	outstanding uintptr
	badFrees    int
}

// NewMockUpstream creates a mock serving host memory.
func NewMockUpstream() *MockUpstream {
	return &MockUpstream{
		ctx:    Context{Kind: KindHost, Device: -1},
		blocks: make(map[uintptr][]byte),
	}
}

// NewMockDeviceUpstream creates a mock that reports a device context.
func NewMockDeviceUpstream(device int) *MockUpstream {
	return &MockUpstream{
		ctx:    Context{Kind: KindDevice, Device: device},
		blocks: make(map[uintptr][]byte),
	}
}

// Allocate implements the Upstream interface
func (m *MockUpstream) Allocate(bytes, align uintptr) (unsafe.Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := true
	if m.FailIf != nil && m.FailIf(bytes, align) {
		ok = false
	}
	if m.Limit != 0 && m.outstanding+bytes > m.Limit {
		ok = false
	}
	m.calls = append(m.calls, UpstreamCall{Bytes: bytes, Align: align, OK: ok})
	if !ok {
		return nil, NewError("upstream", ErrCodeUpstreamFailure, "injected failure")
	}

	buf := make([]byte, bytes+align)
	addr := alignUp(uintptr(unsafe.Pointer(&buf[0])), align)
	m.blocks[addr] = buf
	m.outstanding += bytes
	return unsafe.Pointer(addr), nil
}

// Deallocate implements the Upstream interface
func (m *MockUpstream) Deallocate(ptr unsafe.Pointer, bytes, align uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := uintptr(ptr)
	if _, ok := m.blocks[addr]; !ok {
		m.badFrees++
		return
	}
	delete(m.blocks, addr)
	m.outstanding -= bytes
}

// Context implements the Upstream interface
func (m *MockUpstream) Context() Context {
	return m.ctx
}

// Calls returns a copy of every recorded allocation attempt.
func (m *MockUpstream) Calls() []UpstreamCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UpstreamCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// AllocCount returns the number of successful upstream allocations.
func (m *MockUpstream) AllocCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.OK {
			n++
		}
	}
	return n
}

// OutstandingBytes returns net bytes currently held by callers.
func (m *MockUpstream) OutstandingBytes() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// OutstandingBlocks returns the number of live blocks.
func (m *MockUpstream) OutstandingBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// BadFrees returns the number of Deallocate calls that did not match a live
// block.
func (m *MockUpstream) BadFrees() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.badFrees
}

// SyncEvent records one wait performed against a RecordingSynchronizer.
type SyncEvent struct {
	Device int  // device waited on, when All is false
	All    bool // system-wide wait
}

// RecordingSynchronizer captures synchronization requests for verification.
type RecordingSynchronizer struct {
	// Current is the device id reported for "-1" submissions.
	Current int

	mu     sync.Mutex
	events []SyncEvent
}

// CurrentDevice implements the Synchronizer interface
func (r *RecordingSynchronizer) CurrentDevice() int {
	return r.Current
}

// SyncDevice implements the Synchronizer interface
func (r *RecordingSynchronizer) SyncDevice(device int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, SyncEvent{Device: device})
	return nil
}

// SyncAll implements the Synchronizer interface
func (r *RecordingSynchronizer) SyncAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, SyncEvent{All: true})
	return nil
}

// Events returns a copy of all recorded waits.
func (r *RecordingSynchronizer) Events() []SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Reset clears recorded waits.
func (r *RecordingSynchronizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Compile-time interface checks
var (
	_ Upstream     = (*MockUpstream)(nil)
	_ Synchronizer = (*RecordingSynchronizer)(nil)
)
