package congestion

import "testing"

func TestMinMaxTracksMax(t *testing.T) {
	var m MinMax
	m.Init(10)
	m.UpdateMax(1, 100)
	if m.Get() != 100 {
		t.Error("expected 100, got", m.Get())
	}
	m.UpdateMax(2, 50)
	if m.Get() != 100 {
		t.Error("lower sample must not displace the max")
	}
	m.UpdateMax(3, 200)
	if m.Get() != 200 {
		t.Error("new max should win, got", m.Get())
	}
}

func TestMinMaxExpiry(t *testing.T) {
	var m MinMax
	m.Init(10)
	m.UpdateMax(1, 1000)
	// Feed lower samples as time advances; once the big sample falls out of
	// the window, the best of the newer samples takes over.
	for now := uint64(2); now < 30; now++ {
		m.UpdateMax(now, 100+now)
	}
	if got := m.Get(); got >= 1000 {
		t.Error("stale max should have expired, got", got)
	}
	if got := m.Get(); got < 100 || got > 130 {
		t.Error("windowed max should come from recent samples, got", got)
	}
}

func TestMinMaxInvariant(t *testing.T) {
	var m MinMax
	m.Init(8)
	vals := []uint64{50, 300, 20, 80, 250, 60, 40, 90, 10, 70}
	for i, v := range vals {
		m.UpdateMax(uint64(i), v)
		if m.GetIdx(0) < m.GetIdx(1) || m.GetIdx(1) < m.GetIdx(2) {
			t.Fatal("sample ordering invariant violated at step", i)
		}
	}
}

func TestMinMaxTracksMin(t *testing.T) {
	var m MinMax
	m.Init(10)
	m.UpdateMin(1, 100)
	m.UpdateMin(2, 150)
	if m.Get() != 100 {
		t.Error("min should hold, got", m.Get())
	}
	m.UpdateMin(3, 30)
	if m.Get() != 30 {
		t.Error("new min should win, got", m.Get())
	}
}

func TestMinMaxReset(t *testing.T) {
	var m MinMax
	m.Init(10)
	m.UpdateMax(1, 500)
	m.Reset(MinMaxSample{Time: 5, Value: 7})
	if m.Get() != 7 {
		t.Error("reset should install the seed sample, got", m.Get())
	}
}
