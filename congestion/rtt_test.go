package congestion

import "testing"

func TestRTTFirstSample(t *testing.T) {
	var r RTTStats
	r.Update(100000)
	if r.SmoothedRTT() != 100000 {
		t.Error("first srtt should equal the sample, got", r.SmoothedRTT())
	}
	if r.Var() != 50000 {
		t.Error("first rttvar should be half the sample, got", r.Var())
	}
	if r.MinRTT() != 100000 {
		t.Error("min rtt wrong:", r.MinRTT())
	}
}

func TestRTTSmoothing(t *testing.T) {
	var r RTTStats
	r.Update(100000)
	r.Update(200000)
	// srtt = 7/8*100000 + 1/8*200000 = 112500
	if got := r.SmoothedRTT(); got < 110000 || got > 115000 {
		t.Error("srtt after second sample:", got)
	}
	r.Update(50000)
	if r.MinRTT() != 50000 {
		t.Error("min rtt should track the low, got", r.MinRTT())
	}
}

func TestRTTConvergence(t *testing.T) {
	var r RTTStats
	for i := 0; i < 100; i++ {
		r.Update(40000)
	}
	if got := r.SmoothedRTT(); got < 38000 || got > 42000 {
		t.Error("srtt should converge to 40ms, got", got)
	}
	if r.Var() > 2000 {
		t.Error("rttvar should decay on a constant link, got", r.Var())
	}
}

func TestRTO(t *testing.T) {
	var r RTTStats
	if got := r.RTO(0, 200000, 100000, 6000000); got != 200000 {
		t.Error("RTO before first sample should be initial, got", got)
	}
	r.Update(50000)
	// srtt + 4*rttvar = 50000 + 100000 = 150000
	if got := r.RTO(0, 200000, 100000, 6000000); got != 150000 {
		t.Error("RTO after first sample:", got)
	}
	if got := r.RTO(0, 200000, 160000, 6000000); got != 160000 {
		t.Error("RTO should respect the floor, got", got)
	}
	if got := r.RTO(10000000, 200000, 100000, 6000000); got != 6000000 {
		t.Error("RTO should respect the ceiling, got", got)
	}
}
