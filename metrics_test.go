package mempool

import "testing"

func TestMetricsSnapshot(t *testing.T) {
	var m Metrics
	m.AllocOps.Add(10)
	m.FreeListHits.Add(7)
	m.UpstreamAllocs.Add(3)
	m.BytesFromUpstream.Add(1 << 20)
	m.BytesToUpstream.Add(1 << 18)

	s := m.Snapshot()
	if s.AllocOps != 10 || s.FreeListHits != 7 || s.UpstreamAllocs != 3 {
		t.Errorf("Snapshot = %+v, counters not carried over", s)
	}
	if got := m.OutstandingUpstreamBytes(); got != (1<<20)-(1<<18) {
		t.Errorf("OutstandingUpstreamBytes() = %d, want %d", got, (1<<20)-(1<<18))
	}
}

func TestPoolMetricsAccounting(t *testing.T) {
	up := NewMockUpstream()
	p := newTestPool(t, up, testOptions())

	ptr, err := p.Allocate(100, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p.Deallocate(ptr, 100, 8)
	if _, err := p.Allocate(100, 8); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	s := p.Metrics().Snapshot()
	if s.AllocOps != 2 {
		t.Errorf("AllocOps = %d, want 2", s.AllocOps)
	}
	if s.FreeListHits != 1 {
		t.Errorf("FreeListHits = %d, want 1", s.FreeListHits)
	}
	if s.UpstreamAllocs != 1 {
		t.Errorf("UpstreamAllocs = %d, want 1", s.UpstreamAllocs)
	}
	if s.DeallocOps != 1 {
		t.Errorf("DeallocOps = %d, want 1", s.DeallocOps)
	}

	p.FreeAll()
	s = p.Metrics().Snapshot()
	if p.Metrics().OutstandingUpstreamBytes() != 0 {
		t.Errorf("OutstandingUpstreamBytes = %d after FreeAll, want 0",
			p.Metrics().OutstandingUpstreamBytes())
	}
	if s.UpstreamReleases == 0 {
		t.Error("UpstreamReleases = 0 after FreeAll")
	}
}
