package congestion

import "testing"

// linkSim drives a BBR instance over a simulated fixed-rate link: packets
// leave at the link rate and every packet is acknowledged one RTT after it
// was sent.
type linkSim struct {
	bbr     *BBR
	rtt     *RTTStats
	sampler *Sampler

	rateBps  uint64 // link rate, bytes per second
	rttUS    uint64
	size     uint16
	interval uint64 // µs between packet departures at link rate

	now      uint64
	nextPN   uint64
	inflight uint64
	queue    []sentPacket
}

type sentPacket struct {
	pn    uint64
	st    *PacketState
	sent  uint64
	ackAt uint64
}

func newLinkSim(rateBps, rttUS uint64) *linkSim {
	rtt := &RTTStats{}
	sampler := NewSampler(4096)
	return &linkSim{
		bbr:      NewBBR(rtt, sampler),
		rtt:      rtt,
		sampler:  sampler,
		rateBps:  rateBps,
		rttUS:    rttUS,
		size:     1460,
		interval: uint64(1460) * usPerSec / rateBps,
		now:      1000,
		nextPN:   1,
	}
}

// step sends one packet at the link rate and delivers any acks that have
// come due.  Each ack event covers the packets whose RTT has elapsed.
func (ls *linkSim) step() {
	// Deliver due acks first.
	due := 0
	for due < len(ls.queue) && ls.queue[due].ackAt <= ls.now {
		due++
	}
	if due > 0 {
		ackTime := ls.queue[due-1].ackAt
		ls.bbr.OnBeginAck(ackTime, ls.inflight)
		for i := 0; i < due; i++ {
			p := ls.queue[i]
			ls.rtt.Update(ackTime - p.sent)
			ls.bbr.OnAck(p.st, p.pn, ls.size, ackTime)
			ls.inflight -= uint64(ls.size)
		}
		ls.queue = ls.queue[due:]
		ls.bbr.OnEndAck(ls.inflight)
	}

	st := ls.bbr.OnPacketSent(ls.nextPN, ls.size, ls.now, ls.inflight, false)
	ls.queue = append(ls.queue, sentPacket{
		pn:    ls.nextPN,
		st:    st,
		sent:  ls.now,
		ackAt: ls.now + ls.rttUS,
	})
	ls.nextPN++
	ls.inflight += uint64(ls.size)
	ls.now += ls.interval
}

// drain acks everything outstanding without sending more.
func (ls *linkSim) drain() {
	for len(ls.queue) > 0 {
		p := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.now = p.ackAt
		ls.bbr.OnBeginAck(ls.now, ls.inflight)
		ls.rtt.Update(ls.now - p.sent)
		ls.bbr.OnAck(p.st, p.pn, ls.size, ls.now)
		ls.inflight -= uint64(ls.size)
		ls.bbr.OnEndAck(ls.inflight)
	}
}

// TestBBRBandwidthRecovery: on a 100 Mb/s, 50 ms link, the estimator must
// land within 10% of the link rate after 100 round trips.
func TestBBRBandwidthRecovery(t *testing.T) {
	const (
		linkRate = 12500000 // bytes/sec = 100 Mb/s
		rttUS    = 50000
	)
	ls := newLinkSim(linkRate, rttUS)
	start := ls.now
	for ls.now-start < 100*rttUS {
		ls.step()
	}
	got := uint64(ls.bbr.BandwidthEstimate())
	want := uint64(linkRate * 8)
	if got < want*9/10 || got > want*11/10 {
		t.Errorf("bandwidth estimate %d bits/s, want within 10%% of %d", got, want)
	}
}

func TestBBRReachesProbeBW(t *testing.T) {
	ls := newLinkSim(12500000, 50000)
	start := ls.now
	for ls.now-start < 50*ls.rttUS && ls.bbr.Mode() != ProbeBW {
		ls.step()
	}
	if ls.bbr.Mode() != ProbeBW {
		t.Error("controller should settle in ProbeBW, is in", ls.bbr.Mode())
	}
	// Cwnd should be near 2x BDP (the ProbeBW cwnd gain) and well above the
	// minimum.
	bdp := uint64(12500000) * 50000 / usPerSec
	cwnd := ls.bbr.Cwnd()
	if cwnd < bdp {
		t.Error("cwnd", cwnd, "should be at least one BDP", bdp)
	}
}

// TestBBRProbeRTTCycle: once min_rtt goes stale (10 s), the controller
// enters ProbeRTT, and returns to ProbeBW after inflight drains and the
// probe interval passes.
func TestBBRProbeRTTCycle(t *testing.T) {
	ls := newLinkSim(12500000, 50000)
	start := ls.now
	entered := uint64(0)
	for ls.now-start < 15*usPerSec {
		ls.step()
		if ls.bbr.Mode() == ProbeRTT {
			entered = ls.now
			break
		}
	}
	if entered == 0 {
		t.Fatal("controller never entered ProbeRTT within 15s")
	}
	if entered-start < 10*usPerSec {
		t.Error("ProbeRTT entered before the 10s min_rtt expiry:", entered-start)
	}

	// Stop sending; acks drain inflight, the probe round passes, and the
	// controller leaves ProbeRTT.
	ls.drain()
	// One more quiet round trip of acks is needed in some schedules; keep
	// pacing packets to generate ack events until the exit lands.
	for i := 0; i < 20000 && ls.bbr.Mode() == ProbeRTT; i++ {
		ls.step()
	}
	if ls.bbr.Mode() == ProbeRTT {
		t.Error("controller failed to leave ProbeRTT")
	}
}

func TestBBRRecoveryWindow(t *testing.T) {
	ls := newLinkSim(12500000, 50000)
	for i := 0; i < 2000; i++ {
		ls.step()
	}
	if ls.bbr.InRecovery() {
		t.Fatal("no losses yet, must not be in recovery")
	}
	// Declare one outstanding packet lost inside an ack event.
	p := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.bbr.OnBeginAck(ls.now, ls.inflight)
	ls.bbr.OnLost(p.st, ls.size)
	ls.inflight -= uint64(ls.size)
	// Ack a later packet in the same event.
	q := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.rtt.Update(ls.rttUS)
	ls.bbr.OnAck(q.st, q.pn, ls.size, ls.now)
	ls.inflight -= uint64(ls.size)
	ls.bbr.OnEndAck(ls.inflight)

	if !ls.bbr.InRecovery() {
		t.Error("loss should enter recovery")
	}
	if ls.bbr.Cwnd() < minCongestionWindow {
		t.Error("cwnd must never fall below the floor")
	}
}

func TestBBRPacingRateBeforeEstimate(t *testing.T) {
	rtt := &RTTStats{}
	b := NewBBR(rtt, NewSampler(16))
	if b.PacingRate() == 0 {
		t.Error("pacing rate must be nonzero before any measurement")
	}
}
