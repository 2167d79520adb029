package mempool

// Options configures a pool. The zero value is not useful; start from one of
// the preset constructors or fill in at least the block-size fields. Options
// are immutable after the pool is constructed.
type Options struct {
	// MinBlockSize is the initial growth target for upstream requests.
	MinBlockSize uintptr

	// MaxBlockSize caps the growth series. Oversized user requests still go
	// through and are honored exactly.
	MaxBlockSize uintptr

	// GrowthFactor is the geometric multiplier between successive upstream
	// requests. Values below 1 are treated as 1.
	GrowthFactor float64

	// TrySmallerOnFailure enables the shrink-and-retry ladder when upstream
	// rejects a block request.
	TrySmallerOnFailure bool

	// ReturnToUpstreamOnFailure enables releasing completely-free owned
	// blocks back to upstream as the last rung of the ladder. Ignored when
	// TrySmallerOnFailure is false.
	ReturnToUpstreamOnFailure bool

	// Sync selects how far Deallocate waits before memory becomes reusable.
	Sync SyncScope

	// EnableDeferredDeallocation routes Deallocate through the background
	// worker when the pool is wrapped in a DeferredPool.
	EnableDeferredDeallocation bool

	// MaxOutstandingDeallocations bounds the deferred queues; once exceeded,
	// the next Allocate waits for a worker drain first.
	MaxOutstandingDeallocations int

	// UpstreamAlignment is a floor applied to the alignment of every
	// upstream request.
	UpstreamAlignment uintptr
}

// HostOptions returns the preset for pools over host memory:
// 4 KiB..256 MiB blocks, doubling, full retry ladder, no synchronization.
func HostOptions() Options {
	return Options{
		MinBlockSize:              4 << 10,
		MaxBlockSize:              256 << 20,
		GrowthFactor:              2,
		TrySmallerOnFailure:       true,
		ReturnToUpstreamOnFailure: true,
		Sync:                      SyncNone,
		UpstreamAlignment:         256,
	}
}

// DeviceOptions returns the preset for pools over device memory:
// 1 MiB..4 GiB blocks, doubling, full retry ladder, per-device
// synchronization and deferred deallocation.
func DeviceOptions() Options {
	return Options{
		MinBlockSize:                1 << 20,
		MaxBlockSize:                4 << 30,
		GrowthFactor:                2,
		TrySmallerOnFailure:         true,
		ReturnToUpstreamOnFailure:   true,
		Sync:                        SyncDevice,
		EnableDeferredDeallocation:  true,
		MaxOutstandingDeallocations: 16,
		UpstreamAlignment:           256,
	}
}

// DefaultOptions returns the preset matching a memory kind: HostOptions for
// KindHost, DeviceOptions (with SyncSystem for KindPinned and KindManaged,
// which are visible to every device) otherwise.
func DefaultOptions(kind Kind) Options {
	if kind == KindHost {
		return HostOptions()
	}
	opt := DeviceOptions()
	if kind != KindDevice {
		opt.Sync = SyncSystem
	}
	return opt
}

func (o *Options) normalize() {
	if o.MinBlockSize == 0 {
		o.MinBlockSize = 4 << 10
	}
	if o.MaxBlockSize == 0 {
		o.MaxBlockSize = ^uintptr(0)
	}
	if o.GrowthFactor < 1 {
		o.GrowthFactor = 1
	}
	if o.MaxOutstandingDeallocations <= 0 {
		o.MaxOutstandingDeallocations = 16
	}
	if o.UpstreamAlignment == 0 {
		o.UpstreamAlignment = 1
	}
}
