package connection

import (
	"errors"
	"log"

	"golang.org/x/sys/unix"

	"github.com/eular/utp/frame"
	"github.com/eular/utp/metrics"
	"github.com/eular/utp/packet"
)

// ErrWouldBlock is how the send path reports a full socket buffer; the
// connection parks until the endpoint signals writability.
var ErrWouldBlock = errors.New("connection: socket would block")

// IsWouldBlock reports whether err means the socket cannot take more data.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, unix.EAGAIN)
}

// burstPackets caps how many packets one pacing budget refill may release.
const burstPackets = 10

// schedule assembles and transmits packets while the pacing budget and the
// congestion window allow.  Frame selection order per packet: close, ack,
// path response, retransmitted stream data, new stream data, control
// frames, probe ping.
func (c *Conn) schedule(now uint64) {
	if c.writeBlocked {
		return
	}
	switch c.state {
	case Connected, CloseSent, CloseReceived:
	default:
		return
	}

	c.refillPacing(now)
	for sent := 0; sent < burstPackets; sent++ {
		// The close frame goes out once pending stream data has flushed,
		// or immediately when nothing else can move.
		if c.closeQueued && !c.hasMoreToSend() {
			c.sendClose(now)
			continue
		}
		if !c.cfg.NoCwnd && c.inflight >= c.bbr.Cwnd() && !c.ackDue(now) {
			return
		}
		if c.paceBudget < float64(c.mtu.mss) && c.inflight > 0 && !c.ackDue(now) {
			return
		}
		po := c.buildPacket(now)
		if po == nil {
			if c.closeQueued {
				c.sendClose(now)
				continue
			}
			return
		}
		if !c.transmit(now, po, po.Flags&packet.FlagNoEncrypt != 0) {
			return
		}
	}
}

func (c *Conn) refillPacing(now uint64) {
	rate := c.bbr.PacingRate() // bytes per second
	if c.lastSendTime == 0 || rate == 0 {
		c.paceBudget = float64(burstPackets) * float64(c.mtu.mss)
		return
	}
	elapsed := float64(now-c.lastSendTime) / 1e6
	c.paceBudget += elapsed * float64(rate)
	if max := float64(burstPackets) * float64(c.mtu.mss); c.paceBudget > max {
		c.paceBudget = max
	}
}

func (c *Conn) ackDue(now uint64) bool {
	return c.ackQueued || (c.ackAt != 0 && now >= c.ackAt)
}

// buildPacket assembles the next outgoing packet, or returns nil when there
// is nothing to send.
func (c *Conn) buildPacket(now uint64) *packet.PacketOut {
	po := c.pool.Get()
	if po == nil {
		return nil
	}
	var payload []byte
	room := int(c.mtu.mss) - c.headerOverhead()

	// (2) Ack.
	if c.ackDue(now) {
		if ack := c.received.Ack(uint16(clampU64((now-c.firstUnackedAt)/1000, 0, 65535)), maxAckRanges); ack != nil {
			payload = ack.Encode(payload)
			po.AddMeta(packet.FrameMeta{Type: frame.TypeAck, Length: uint16(ack.Len())})
			po.AckNo = ack.Largest
			c.ackQueued = false
			c.ackAt = 0
			c.ackElicitingCount = 0
			c.lastAckSent = now
			metrics.AcksSent.Inc()
		}
	}

	// (3) Path response for any unanswered challenge.
	if c.path.responseQueued {
		pr := &frame.PathResponse{Token: c.path.peerToken}
		payload = pr.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypePathResponse})
		c.path.responseQueued = false
	}
	if c.path.challengeQueued {
		pc := &frame.PathChallenge{Token: c.path.token}
		payload = pc.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypePathChallenge})
		c.path.challengeQueued = false
	}

	// (4) Unwind the loss chain, oldest first, back onto the owning
	// streams; the stream send path below picks the ranges up again.
	c.drainLossChain()

	// (5) Stream data in round-robin order, while budget and credit allow.
	if c.state == Connected || c.state == CloseSent {
		payload = c.packStreamFrames(now, po, payload, &room)
	}

	// (6) Control frames.
	payload = c.packControlFrames(po, payload)

	// (7) Probe ping.
	if c.pingQueued {
		p := &frame.Ping{}
		payload = p.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypePing})
		c.pingQueued = false
	}

	if len(po.Metas) == 0 {
		c.pool.Put(po)
		return nil
	}
	po.Buf = payload
	return po
}

func clampU64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// headerOverhead is the per-packet byte cost outside the payload: header
// plus AEAD tag.
func (c *Conn) headerOverhead() int {
	overhead := 13 + 4 + 3 // header with a full-width packet number
	if c.keys != nil {
		overhead += c.keys.Send.Overhead()
	}
	return overhead
}

// packStreamFrames fills the packet with stream frames under flow control,
// rotating fairly across writable streams.
func (c *Conn) packStreamFrames(now uint64, po *packet.PacketOut, payload []byte, room *int) []byte {
	used := len(payload)
	budget := *room - used
	if budget <= 0 {
		return payload
	}
	connCredit := uint64(0)
	if c.peerMaxData > c.sentData {
		connCredit = c.peerMaxData - c.sentData
	}
	ids := c.writableStreamIDs(connCredit)
	const streamFrameOverhead = 14 // type + id + flags + offset + length
	for _, id := range ids {
		s := c.streams[id]
		for {
			budget = *room - len(payload)
			if budget <= streamFrameOverhead {
				return payload
			}
			f := s.NextFrame(budget-streamFrameOverhead, connCredit)
			if f == nil {
				break
			}
			sent := uint64(len(f.Data))
			if f.Offset+sent > c.sentData {
				c.sentData = f.Offset + sent
			}
			connCredit -= minU64(connCredit, sent)
			payload = f.Encode(payload)
			po.AddMeta(packet.FrameMeta{
				Type:         frame.TypeStream,
				Length:       uint16(f.Len()),
				StreamID:     id,
				StreamOffset: f.Offset,
				DataLen:      uint16(len(f.Data)),
				Fin:          f.Fin(),
				HasStream:    true,
			})
			c.stats.TxBytes += sent
		}
	}
	// Exhausted the peer's connection credit with data still queued: start
	// the BLOCKED probe schedule.
	if connCredit == 0 && c.blockedAt == 0 {
		for _, s := range c.streams {
			if s.HasPending(1) {
				c.blockedWait = 0
				c.queueBlockedProbe(now)
				break
			}
		}
	}
	return payload
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// writableStreamIDs returns streams with sendable data, starting after the
// last stream served so bandwidth rotates fairly.
func (c *Conn) writableStreamIDs(connCredit uint64) []uint16 {
	var ids []uint16
	for id, s := range c.streams {
		if s.HasPending(connCredit) || s.FinQueued() {
			ids = append(ids, id)
		}
	}
	if len(ids) <= 1 {
		return ids
	}
	// Sort ascending, then rotate past the round-robin cursor.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	start := 0
	for i, id := range ids {
		if id > c.rrCursor {
			start = i
			break
		}
	}
	rotated := append(append([]uint16{}, ids[start:]...), ids[:start]...)
	c.rrCursor = rotated[0]
	return rotated
}

// packControlFrames emits MaxData / MaxStreamData / Blocked / StreamBlocked
// as flagged.
func (c *Conn) packControlFrames(po *packet.PacketOut, payload []byte) []byte {
	for i := range c.resetQueued {
		f := &c.resetQueued[i]
		payload = f.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypeResetStream, StreamID: f.StreamID})
	}
	c.resetQueued = c.resetQueued[:0]
	if c.advertiseMax {
		f := &frame.MaxData{MaximumData: c.localMaxData}
		payload = f.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypeMaxData})
		c.advertiseMax = false
	}
	for _, id := range c.advertiseMaxSID {
		s, ok := c.streams[id]
		if !ok {
			continue
		}
		f := &frame.MaxStreamData{StreamID: id, MaximumStreamData: s.LocalMaxStreamData}
		payload = f.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypeMaxStreamData})
	}
	c.advertiseMaxSID = c.advertiseMaxSID[:0]
	if c.advertiseBlocked {
		f := &frame.Blocked{MaximumData: c.peerMaxData}
		payload = f.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypeBlocked})
		c.advertiseBlocked = false
		for _, s := range c.streams {
			if s.Blocked() {
				sb := &frame.StreamBlocked{StreamID: s.ID, MaximumStreamData: s.PeerMaxStreamData}
				payload = sb.Encode(payload)
				po.AddMeta(packet.FrameMeta{Type: frame.TypeStreamBlocked})
			}
		}
	}
	return payload
}

// sendClose emits the ConnectionClose frame, flushing nothing else.
func (c *Conn) sendClose(now uint64) {
	po := c.pool.Get()
	if po == nil {
		c.enterDisconnected(c.closeCode)
		return
	}
	var payload []byte
	cc := &frame.ConnectionClose{ErrorCode: c.closeCode, Reason: c.closeReason}
	payload = cc.Encode(payload)
	po.AddMeta(packet.FrameMeta{Type: frame.TypeConnectionClose})
	if ack := c.received.Ack(0, maxAckRanges); ack != nil {
		payload = ack.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypeAck})
	}
	po.Buf = payload
	c.closeQueued = false
	c.closeSent = true
	c.transmit(now, po, c.keys == nil)
}

// sendProbe emits a PING, used by the PTO ladder and keepalive.
func (c *Conn) sendProbe(now uint64) {
	c.pingQueued = true
	po := c.pool.Get()
	if po == nil {
		return
	}
	var payload []byte
	payload = (&frame.Ping{}).Encode(payload)
	po.AddMeta(packet.FrameMeta{Type: frame.TypePing})
	if ack := c.received.Ack(0, maxAckRanges); ack != nil {
		payload = ack.Encode(payload)
		po.AddMeta(packet.FrameMeta{Type: frame.TypeAck})
	}
	po.Buf = payload
	c.pingQueued = false
	c.transmit(now, po, c.keys == nil)
}

// transmit seals, frames, and sends one packet, then registers it with the
// unacked list and the congestion machinery.  Returns false when the packet
// is not sent; when the socket would block, the packet's reliable frames are
// re-queued and the connection waits for the writability callback.
func (c *Conn) transmit(now uint64, po *packet.PacketOut, hello bool) bool {
	pn := c.nextPackNo
	po.PackNo = pn
	po.SentTime = now
	po.DataSize = uint16(len(po.Buf))

	hdr := &packet.Header{
		Version: ProtocolVersion,
		DCID:    c.PeerCID,
		SCID:    c.LocalCID,
		PnLen:   packet.TruncateLen(pn, c.largestAcked),
		PnBits:  uint32(pn),
	}
	var sealed []byte
	if hello {
		hdr.Flags |= HeaderFlagHello
		sealed = po.Buf
	} else if c.keys == nil {
		// Only handshake packets may travel unsealed.
		c.pool.Put(po)
		return false
	}
	hdr.PayloadLen = uint16(len(po.Buf))
	if !hello && c.keys != nil {
		hdr.PayloadLen = uint16(len(po.Buf) + c.keys.Send.Overhead())
	}
	dg := hdr.Encode(make([]byte, 0, hdr.Len()+int(hdr.PayloadLen)))
	headerBytes := dg[:hdr.Len()]
	if sealed == nil {
		dg = c.keys.Send.Seal(dg, headerBytes, po.Buf, pn)
		po.Flags |= packet.FlagEncrypted
	} else {
		dg = append(dg, sealed...)
	}
	po.SealedSize = uint16(len(dg))

	// Pad Initial packets to the base segment size so the handshake
	// validates the floor MTU without being hostage to an optimistic MSS.
	if po.Flags&packet.FlagHello != 0 && len(dg) < int(c.mtu.floor) {
		dg = append(dg, make([]byte, int(c.mtu.floor)-len(dg))...)
	}

	// Anti-amplification: an unvalidated path gets at most 3x the bytes
	// it has sent us.
	if uint64(len(dg)) > c.path.sendAllowance() {
		c.pool.Put(po)
		return false
	}

	if err := c.send(dg, c.path.addr); err != nil {
		if IsWouldBlock(err) {
			c.writeBlocked = true
			c.requeueFrames(po)
			c.pool.Put(po)
			return false
		}
		log.Println("conn", c.LocalCID, "send failed:", err)
		c.pool.Put(po)
		return false
	}

	c.nextPackNo++
	c.lastSendTime = now
	if c.paceBudget > float64(len(dg)) {
		c.paceBudget -= float64(len(dg))
	} else {
		c.paceBudget = 0
	}
	metrics.PacketsSent.Inc()

	// Only ack-eliciting packets count toward flight and feed the
	// congestion machinery; pure acks and probes are free riders.
	if po.Flags&packet.FlagMtuProbe == 0 && po.AckEliciting() {
		appLimited := !c.hasMoreToSend()
		po.BWState = c.bbr.OnPacketSent(pn, po.SealedSize, now, c.inflight, appLimited)
		c.inflight += uint64(po.SealedSize)
	}
	po.Flags |= packet.FlagUnacked
	c.unacked = append(c.unacked, po)
	// MTU probes have their own timeout and never drive the PTO ladder.
	if po.AckEliciting() && po.Flags&packet.FlagMtuProbe == 0 {
		c.unackedEliciting++
		c.lastEliciting = now
		if c.ptoAt == 0 {
			c.armPTO(now)
		}
	}
	if !c.path.validated {
		c.path.bytesSent += uint64(len(dg))
	}
	return true
}

// hasMoreToSend reports whether the application has queued bytes beyond
// what has been packed already.
func (c *Conn) hasMoreToSend() bool {
	credit := uint64(0)
	if c.peerMaxData > c.sentData {
		credit = c.peerMaxData - c.sentData
	}
	for _, s := range c.streams {
		if s.HasPending(credit) {
			return true
		}
	}
	return false
}

// OnWritable unparks a connection previously blocked on the socket.
func (c *Conn) OnWritable(now uint64) {
	if !c.writeBlocked {
		return
	}
	c.writeBlocked = false
	c.schedule(now)
}
