package congestion

import (
	"time"

	"github.com/m-lab/go/logx"
)

// Bandwidth is bits per second.  A distinct type keeps bytes-per-second and
// bits-per-second from being mixed by mistake.
type Bandwidth uint64

// BandwidthInfinite marks a sample whose send-rate denominator collapsed.
const BandwidthInfinite = Bandwidth(^uint64(0))

// BandwidthFromBytesAndDelta converts bytes moved over a µs interval.
func BandwidthFromBytesAndDelta(bytes, usecs uint64) Bandwidth {
	return Bandwidth(bytes * 8 * 1000000 / usecs)
}

// ToBytesPerSec converts to bytes per second.
func (b Bandwidth) ToBytesPerSec() uint64 {
	return uint64(b) / 8
}

// Times scales by a gain factor.
func (b Bandwidth) Times(factor float64) Bandwidth {
	return Bandwidth(float64(b) * factor)
}

// PacketState is the bandwidth sampler's per-packet record, attached to
// every sent packet and released when the packet is acked or lost.  It
// snapshots the sampler totals at send time plus the state observed at the
// most recently acknowledged packet.
type PacketState struct {
	PackNo   uint64
	Size     uint16
	SentTime uint64 // µs

	totalSentAtSend  uint64
	totalAckedAtSend uint64
	totalLostAtSend  uint64
	appLimited       bool

	sentAtLastAck   uint64
	lastAckSentTime uint64
	lastAckAckTime  uint64
}

// Sample is one bandwidth measurement produced by an acked packet.
type Sample struct {
	Bandwidth  Bandwidth
	RTT        uint64 // µs
	AppLimited bool
}

var samplerLog = logx.NewLogEvery(nil, time.Second)

// Sampler produces per-ack bandwidth samples from send/ack packet timing,
// after the QUIC BandwidthSampler design.  It owns a fixed free-list of
// PacketState records; when the list is empty the send goes unsampled,
// which the controller treats as a skipped sample rather than an error.
type Sampler struct {
	appLimited bool

	totalSent  uint64
	totalAcked uint64
	totalLost  uint64

	lastAckedTotalSent uint64
	lastAckedSentTime  uint64
	lastAckedAckTime   uint64

	lastSentPackNo       uint64
	endOfAppLimitedPhase uint64

	free []*PacketState
}

// NewSampler creates a sampler with a pool of poolSize packet records.  A
// fresh connection starts app-limited: nothing meaningful has been measured
// yet.
func NewSampler(poolSize int) *Sampler {
	s := &Sampler{appLimited: true}
	s.free = make([]*PacketState, poolSize)
	for i := range s.free {
		s.free[i] = &PacketState{}
	}
	return s
}

// TotalSent returns the total bytes sent through the sampler.
func (s *Sampler) TotalSent() uint64 { return s.totalSent }

// TotalAcked returns the total bytes acknowledged.
func (s *Sampler) TotalAcked() uint64 { return s.totalAcked }

// TotalLost returns the total bytes declared lost.
func (s *Sampler) TotalLost() uint64 { return s.totalLost }

// OnPacketSent registers a send and returns the state record to hang off
// the packet, or nil when the pool is exhausted.
func (s *Sampler) OnPacketSent(packNo uint64, size uint16, sentTime, inflight uint64) *PacketState {
	s.lastSentPackNo = packNo
	s.totalSent += uint64(size)

	// With nothing in flight this send is the reference point for the next
	// sample.  That slightly underestimates bandwidth but yields samples at
	// moments we would otherwise have none, most importantly at connection
	// start.
	if inflight == 0 {
		s.lastAckedAckTime = sentTime
		s.lastAckedSentTime = sentTime
		s.lastAckedTotalSent = s.totalSent
	}

	if len(s.free) == 0 {
		samplerLog.Println("sampler pool exhausted, packet", packNo, "unsampled")
		return nil
	}
	st := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	*st = PacketState{
		PackNo:           packNo,
		Size:             size,
		SentTime:         sentTime,
		totalSentAtSend:  s.totalSent,
		totalAckedAtSend: s.totalAcked,
		totalLostAtSend:  s.totalLost,
		appLimited:       s.appLimited,
		sentAtLastAck:    s.lastAckedTotalSent,
		lastAckSentTime:  s.lastAckedSentTime,
		lastAckAckTime:   s.lastAckedAckTime,
	}
	return st
}

// OnPacketAcked consumes a packet's state record and produces a bandwidth
// sample.  Returns false when no sample can be taken (missing state, zero
// reference, or non-advancing ack clock).
func (s *Sampler) OnPacketAcked(st *PacketState, ackTime uint64) (Sample, bool) {
	if st == nil {
		return Sample{}, false
	}
	s.totalAcked += uint64(st.Size)
	s.lastAckedTotalSent = st.totalSentAtSend
	s.lastAckedSentTime = st.SentTime
	s.lastAckedAckTime = ackTime

	if s.appLimited && st.PackNo > s.endOfAppLimitedPhase {
		s.appLimited = false
	}

	sample, ok := s.measure(st, ackTime)
	s.release(st)
	return sample, ok
}

func (s *Sampler) measure(st *PacketState, ackTime uint64) (Sample, bool) {
	// No packet had been acknowledged when this one was sent; there is no
	// reference point yet.
	if st.lastAckSentTime == 0 {
		return Sample{}, false
	}

	// An infinite send rate tells the caller to use the ack rate alone.
	sendRate := BandwidthInfinite
	if st.SentTime > st.lastAckSentTime {
		sendRate = BandwidthFromBytesAndDelta(
			st.totalSentAtSend-st.sentAtLastAck,
			st.SentTime-st.lastAckSentTime)
	}

	// The ack clock must advance, or the slope calculation divides by zero.
	if ackTime <= st.lastAckAckTime {
		return Sample{}, false
	}
	ackRate := BandwidthFromBytesAndDelta(
		s.totalAcked-st.totalAckedAtSend,
		ackTime-st.lastAckAckTime)

	bw := ackRate
	if sendRate < ackRate {
		bw = sendRate
	}
	return Sample{
		Bandwidth:  bw,
		RTT:        ackTime - st.SentTime,
		AppLimited: st.appLimited,
	}, true
}

// OnPacketLost consumes the state record of a lost packet.
func (s *Sampler) OnPacketLost(st *PacketState) {
	if st == nil {
		return
	}
	s.totalLost += uint64(st.Size)
	s.release(st)
}

// AppLimited marks the flow application-limited until the most recently
// sent packet is acknowledged.  Samples from the limited phase must not
// pull the bandwidth estimate down.
func (s *Sampler) AppLimited() {
	s.appLimited = true
	s.endOfAppLimitedPhase = s.lastSentPackNo
}

// IsAppLimited reports whether the flow is currently app-limited.
func (s *Sampler) IsAppLimited() bool { return s.appLimited }

func (s *Sampler) release(st *PacketState) {
	s.free = append(s.free, st)
}
