package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostOptions(t *testing.T) {
	opts := HostOptions()
	assert.Equal(t, uintptr(4<<10), opts.MinBlockSize)
	assert.Equal(t, uintptr(256<<20), opts.MaxBlockSize)
	assert.Equal(t, 2.0, opts.GrowthFactor)
	assert.True(t, opts.TrySmallerOnFailure)
	assert.True(t, opts.ReturnToUpstreamOnFailure)
	assert.Equal(t, SyncNone, opts.Sync)
	assert.False(t, opts.EnableDeferredDeallocation)
}

func TestDeviceOptions(t *testing.T) {
	opts := DeviceOptions()
	assert.Equal(t, uintptr(1<<20), opts.MinBlockSize)
	assert.Equal(t, uintptr(4<<30), opts.MaxBlockSize)
	assert.Equal(t, SyncDevice, opts.Sync)
	assert.True(t, opts.EnableDeferredDeallocation)
	assert.Equal(t, 16, opts.MaxOutstandingDeallocations)
}

func TestDefaultOptionsByKind(t *testing.T) {
	assert.Equal(t, HostOptions(), DefaultOptions(KindHost))
	assert.Equal(t, DeviceOptions(), DefaultOptions(KindDevice))

	// Pinned and managed memory are visible to every device, so waits
	// widen to the whole system.
	assert.Equal(t, SyncSystem, DefaultOptions(KindPinned).Sync)
	assert.Equal(t, SyncSystem, DefaultOptions(KindManaged).Sync)
	assert.True(t, DefaultOptions(KindPinned).EnableDeferredDeallocation)
}

func TestNormalizeDefaults(t *testing.T) {
	var opts Options
	opts.normalize()
	assert.Equal(t, uintptr(4<<10), opts.MinBlockSize)
	assert.Equal(t, ^uintptr(0), opts.MaxBlockSize)
	assert.Equal(t, 1.0, opts.GrowthFactor)
	assert.Equal(t, 16, opts.MaxOutstandingDeallocations)
	assert.Equal(t, uintptr(1), opts.UpstreamAlignment)
}

func TestScopeAndKindStrings(t *testing.T) {
	assert.Equal(t, "none", SyncNone.String())
	assert.Equal(t, "device", SyncDevice.String())
	assert.Equal(t, "system", SyncSystem.String())
	assert.Equal(t, "host", KindHost.String())
	assert.Equal(t, "device", KindDevice.String())
	assert.Equal(t, "pinned", KindPinned.String())
	assert.Equal(t, "managed", KindManaged.String())
}
