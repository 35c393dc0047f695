package connection

import (
	"sort"

	"github.com/eular/utp/frame"
	"github.com/eular/utp/metrics"
	"github.com/eular/utp/packet"
)

// timeThresholdUS returns the loss-detection time threshold:
// max(9/8 × srtt, 1ms).
func (c *Conn) timeThresholdUS() uint64 {
	t := c.rtt.SmoothedRTT() * 9 / 8
	if t < 1000 {
		t = 1000
	}
	return t
}

// handleAck processes an Ack frame: mark acked packets, feed the congestion
// controller and RTT estimator, then run loss detection over what remains.
func (c *Conn) handleAck(now uint64, f *frame.Ack) {
	if len(c.unacked) == 0 {
		return
	}

	c.bbr.OnBeginAck(now, c.inflight)
	defer func() { c.bbr.OnEndAck(c.inflight) }()

	acked := f.Acked() // descending
	ackedSet := make(map[uint64]struct{}, len(acked))
	for _, pn := range acked {
		ackedSet[pn] = struct{}{}
	}

	var (
		newlyAcked     []*packet.PacketOut
		largestNewly   = packet.InvalidPacketNumber
		ackElicitAcked bool
	)
	remaining := c.unacked[:0]
	for _, po := range c.unacked {
		if _, ok := ackedSet[po.PackNo]; !ok {
			remaining = append(remaining, po)
			continue
		}
		newlyAcked = append(newlyAcked, po)
		if largestNewly == packet.InvalidPacketNumber || po.PackNo > largestNewly {
			largestNewly = po.PackNo
		}
	}
	c.unacked = remaining
	if len(newlyAcked) == 0 {
		return
	}

	if c.largestAcked == packet.InvalidPacketNumber || largestNewly > c.largestAcked {
		c.largestAcked = largestNewly
	}

	// RTT from the largest acked packet only, corrected by the peer's
	// reported ack delay.
	for _, po := range newlyAcked {
		if po.PackNo != f.Largest {
			continue
		}
		delay := uint64(f.DelayMS) * 1000
		if sample := now - po.SentTime; sample > delay {
			c.rtt.Update(sample - delay)
			metrics.RTTHistogram.Observe(float64(sample-delay) / 1e6)
		}
	}

	// Each newly acked packet feeds its bandwidth sample, then marks its
	// stream bytes acked; loss detection runs once all of them are done.
	for _, po := range newlyAcked {
		switch {
		case po.Flags&packet.FlagMtuProbe != 0:
			c.mtu.onProbeAcked(c, now, po)
		case po.AckEliciting():
			c.inflight -= minU64(c.inflight, uint64(po.SealedSize))
			c.bbr.OnAck(po.BWState, po.PackNo, po.SealedSize, now)
			po.BWState = nil
		}
		if po.AckEliciting() && po.Flags&packet.FlagMtuProbe == 0 {
			ackElicitAcked = true
			if c.unackedEliciting > 0 {
				c.unackedEliciting--
			}
		}
		if po.FrameTypes.Has(frame.TypePing) {
			c.stats.PongCount++
			c.keepaliveMiss = 0
		}
		c.stats.AckedBytes += uint64(po.StreamBytes())
		for i := range po.Metas {
			m := &po.Metas[i]
			if m.HasStream {
				if s, ok := c.streams[m.StreamID]; ok {
					s.MarkAcked(m.StreamOffset, m.DataLen, m.Fin)
				}
			}
		}
		po.Flags &^= packet.FlagUnacked
		c.pool.Put(po)
	}

	c.detectLosses(now, largestNewly)

	if ackElicitAcked {
		c.ptoCount = 0
		c.armPTO(now)
	}
	if len(c.unacked) == 0 {
		c.ptoAt = 0
	}
}

// detectLosses declares unacked packets lost once a later packet has been
// acked and the candidate is either reorderThreshold packet numbers behind
// or older than the time threshold.
func (c *Conn) detectLosses(now uint64, largestAcked uint64) {
	if largestAcked == packet.InvalidPacketNumber {
		return
	}
	threshold := c.timeThresholdUS()
	remaining := c.unacked[:0]
	var lost []*packet.PacketOut
	for _, po := range c.unacked {
		if po.PackNo >= largestAcked {
			remaining = append(remaining, po)
			continue
		}
		pnLag := largestAcked - po.PackNo
		timeLag := now - po.SentTime
		if pnLag >= uint64(c.reorderThreshold) || timeLag > threshold {
			lost = append(lost, po)
		} else {
			remaining = append(remaining, po)
		}
	}
	c.unacked = remaining
	for _, po := range lost {
		c.onPacketLost(now, po)
	}
}

// onPacketLost accounts a lost packet and chains it for retransmission.
func (c *Conn) onPacketLost(now uint64, po *packet.PacketOut) {
	metrics.PacketsLost.Inc()
	if po.Flags&packet.FlagMtuProbe != 0 {
		// Probe loss only narrows the MTU search; it is not congestion.
		c.mtu.onProbeLost(c, now, po)
		c.pool.Put(po)
		return
	}
	if !po.AckEliciting() {
		// A lost pure-ack packet carries nothing that needs resending.
		c.pool.Put(po)
		return
	}
	if c.unackedEliciting > 0 {
		c.unackedEliciting--
	}
	c.inflight -= minU64(c.inflight, uint64(po.SealedSize))
	c.bbr.OnLost(po.BWState, po.SealedSize)
	po.BWState = nil

	po.Flags &^= packet.FlagUnacked
	po.Flags |= packet.FlagLost
	po.LossNext = packet.NoLossChain
	if c.lossTail == packet.NoLossChain {
		c.lossHead = po.Index()
	} else {
		c.pool.At(c.lossTail).LossNext = po.Index()
	}
	c.lossTail = po.Index()
}

// drainLossChain walks the loss chain oldest-first, re-queuing each lost
// packet's reliable frames on their owning streams, and releases the
// records.  Stream state is authoritative for what actually goes back on
// the wire: already-acked byte ranges are not resent.
func (c *Conn) drainLossChain() {
	idx := c.lossHead
	for idx != packet.NoLossChain {
		po := c.pool.At(idx)
		next := po.LossNext
		c.requeueFrames(po)
		po.Flags &^= packet.FlagLost
		c.pool.Put(po)
		idx = next
	}
	c.lossHead = packet.NoLossChain
	c.lossTail = packet.NoLossChain
}

func (c *Conn) requeueFrames(po *packet.PacketOut) {
	for i := range po.Metas {
		m := &po.Metas[i]
		switch {
		case m.HasStream:
			if s, ok := c.streams[m.StreamID]; ok {
				s.Requeue(m.StreamOffset, m.DataLen, m.Fin)
				c.stats.RtxBytes += uint64(m.DataLen)
				metrics.RetransmittedBytes.Add(float64(m.DataLen))
			}
		case m.Type == frame.TypeConnectionClose:
			c.closeQueued = true
		case m.Type == frame.TypeMaxData:
			c.advertiseMax = true
		case m.Type == frame.TypeMaxStreamData:
			// Re-advertise every stream; the absolute encoding makes the
			// extra frames harmless.
			for id := range c.streams {
				c.advertiseMaxSID = append(c.advertiseMaxSID, id)
			}
		case m.Type == frame.TypeResetStream:
			if s, ok := c.streams[m.StreamID]; ok {
				c.resetQueued = append(c.resetQueued, frame.ResetStream{
					StreamID:    m.StreamID,
					ErrorCode:   frame.Cancelled,
					FinalOffset: s.WriteOffset(),
				})
			}
		case m.Type == frame.TypePathChallenge:
			c.path.challengeQueued = true
		}
	}
}

// UnackedPacketNumbers returns the packet numbers currently awaiting
// acknowledgment, ascending.  Tests use it to check list ordering.
func (c *Conn) UnackedPacketNumbers() []uint64 {
	pns := make([]uint64, 0, len(c.unacked))
	for _, po := range c.unacked {
		pns = append(pns, po.PackNo)
	}
	sorted := sort.SliceIsSorted(pns, func(i, j int) bool { return pns[i] < pns[j] })
	if !sorted {
		panic("connection: unacked list out of order")
	}
	return pns
}
