package mempool

import "unsafe"

// SyncScope selects how far Deallocate waits before memory becomes reusable.
type SyncScope int

const (
	// SyncNone performs no synchronization; callers coordinate reuse.
	SyncNone SyncScope = iota
	// SyncDevice waits for the device associated with the range.
	SyncDevice
	// SyncSystem waits for every device in the system.
	SyncSystem
)

func (s SyncScope) String() string {
	switch s {
	case SyncNone:
		return "none"
	case SyncDevice:
		return "device"
	case SyncSystem:
		return "system"
	}
	return "unknown"
}

// Synchronizer abstracts "wait until in-flight users of a range have
// quiesced". Device pools plug in a driver-backed implementation; host pools
// use NopSynchronizer.
type Synchronizer interface {
	// CurrentDevice resolves the device a submission on the calling
	// goroutine targets. Used when a DeallocParams carries device -1.
	CurrentDevice() int

	// SyncDevice blocks until work targeting the given device has completed.
	SyncDevice(device int) error

	// SyncAll blocks until every device in the system has quiesced.
	SyncAll() error
}

// NopSynchronizer satisfies Synchronizer with no-ops. It is the default for
// host pools.
type NopSynchronizer struct{}

func (NopSynchronizer) CurrentDevice() int   { return -1 }
func (NopSynchronizer) SyncDevice(int) error { return nil }
func (NopSynchronizer) SyncAll() error       { return nil }

// DeallocParams describes one range in a batched or deferred deallocation.
type DeallocParams struct {
	// Device to synchronize with when the pool's scope is SyncDevice.
	// -1 means "current device"; deferred submission resolves it at enqueue
	// time because the submitting and flushing goroutines may differ.
	Device int

	Ptr   unsafe.Pointer
	Bytes uintptr
	Align uintptr
}

// maxTrackedDevices bounds the device-id bitmap used to dedup per-device
// waits in a batch. Ids past the bitmap degrade to compare-with-previous.
const maxTrackedDevices = 256

var _ Synchronizer = NopSynchronizer{}
