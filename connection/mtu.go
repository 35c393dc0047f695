package connection

import (
	"log"
	"net"
	"time"

	"github.com/eular/utp/frame"
	"github.com/eular/utp/metrics"
	"github.com/eular/utp/packet"
)

// Per-family datagram overheads and bounds used by the prober.
const (
	ipv4HeaderSize = 20
	ipv6HeaderSize = 40
	udpHeaderSize  = 8

	ethernetMTU = 1500

	// mtuGranularity stops the binary search once the window is this
	// narrow; chasing single bytes of MTU is not worth the probes.
	mtuGranularity = 8
)

// mtuProber runs DPLPMTUD: a bounded binary search over padded probe
// packets, capped from above by ICMP fragmentation-needed reports.
type mtuProber struct {
	cfg *Config

	mss   uint16 // installed segment size, read by the scheduler
	floor uint16 // base segment size; handshake packets pad to this
	lower uint16 // largest validated size
	upper uint16 // smallest known-bad size minus one
	best  uint16

	candidate uint16
	retries   uint16
	deadline  uint64 // µs, 0 = no probe outstanding
	probePN   uint64
	done      bool
	started   bool
}

func (m *mtuProber) init(cfg *Config, remote *net.UDPAddr) {
	m.cfg = cfg
	m.probePN = packet.InvalidPacketNumber

	var overhead uint16 = ipv4HeaderSize + udpHeaderSize
	minMSS := uint16(576) - overhead
	maxMSS := uint16(ethernetMTU) - overhead
	if remote != nil && remote.IP.To4() == nil {
		overhead = ipv6HeaderSize + udpHeaderSize
		minMSS = cfg.IPv6MinMSS - overhead
		maxMSS = uint16(ethernetMTU) - overhead
	}
	if remote != nil && remote.IP.IsLoopback() {
		maxMSS = uint16(minU64(uint64(cfg.LocalhostMSS), 65535)) - overhead
	}

	m.mss = cfg.InitialMSS
	if m.mss > maxMSS {
		m.mss = maxMSS
	}
	if m.mss < minMSS {
		m.mss = minMSS
	}
	m.floor = minMSS
	m.lower = minMSS
	m.upper = maxMSS
	m.best = m.mss
}

// SetUpperBound narrows the search from link information (interface MTU).
func (m *mtuProber) SetUpperBound(linkMTU uint16) {
	overhead := uint16(ipv4HeaderSize + udpHeaderSize)
	if linkMTU > overhead && linkMTU-overhead < m.upper {
		m.upper = linkMTU - overhead
	}
}

// start begins probing, first validating the current base segment size.
func (m *mtuProber) start(now uint64) {
	if m.started || m.done {
		return
	}
	m.started = true
	m.candidate = m.mss
	m.retries = m.cfg.MTUProbeRetries
}

// wantProbe reports whether a probe should be sent now.
func (m *mtuProber) wantProbe(now uint64) bool {
	return m.started && !m.done && m.deadline == 0
}

func (m *mtuProber) armTimeout(now uint64) {
	m.deadline = now + uint64(m.cfg.MTUProbeTimeout/time.Microsecond)
}

// onProbeAcked raises the floor to the probed size and installs it as the
// connection's segment size.
func (m *mtuProber) onProbeAcked(c *Conn, now uint64, po *packet.PacketOut) {
	if po.PackNo != m.probePN {
		return
	}
	m.probePN = packet.InvalidPacketNumber
	m.deadline = 0
	size := m.candidate
	m.lower = size
	m.best = size
	m.mss = size
	metrics.MTUProbes.WithLabelValues("acked").Inc()
	m.advance(c, now)
}

// onProbeLost retries the candidate, then lowers the ceiling.
func (m *mtuProber) onProbeLost(c *Conn, now uint64, po *packet.PacketOut) {
	if po.PackNo != m.probePN {
		return
	}
	m.probePN = packet.InvalidPacketNumber
	m.deadline = 0
	metrics.MTUProbes.WithLabelValues("lost").Inc()
	if m.retries > 0 {
		m.retries--
		return // wantProbe re-sends the same candidate
	}
	if m.candidate > m.lower {
		m.upper = m.candidate - 1
	}
	if m.mss > m.upper {
		m.mss = maxU16(m.lower, 1)
	}
	m.advance(c, now)
}

// onTimeout treats an expired probe as lost.
func (m *mtuProber) onTimeout(c *Conn, now uint64) {
	m.deadline = 0
	if m.probePN == packet.InvalidPacketNumber {
		return
	}
	// Remove the probe from the unacked list before declaring it lost.
	for i, po := range c.unacked {
		if po.PackNo == m.probePN {
			c.unacked = append(c.unacked[:i], c.unacked[i+1:]...)
			m.onProbeLost(c, now, po)
			c.pool.Put(po)
			return
		}
	}
	m.probePN = packet.InvalidPacketNumber
}

// onICMPFragNeeded lowers the ceiling to the reported next-hop MTU and
// re-probes immediately.
func (m *mtuProber) onICMPFragNeeded(c *Conn, now uint64, nextHopMTU uint32) {
	overhead := uint32(ipv4HeaderSize + udpHeaderSize)
	if c.remote != nil && c.remote.IP.To4() == nil {
		overhead = ipv6HeaderSize + udpHeaderSize
	}
	if nextHopMTU <= overhead {
		return
	}
	reported := uint16(nextHopMTU - overhead)
	if reported < m.upper {
		m.upper = reported
	}
	if m.mss > m.upper {
		m.mss = maxU16(m.lower, 1)
	}
	m.done = false
	m.started = true
	m.advance(c, now)
	c.schedule(now)
}

// advance picks the next candidate, or terminates the search.
func (m *mtuProber) advance(c *Conn, now uint64) {
	if m.upper <= m.lower+mtuGranularity {
		if !m.done {
			m.done = true
			m.mss = m.best
			log.Println("conn", c.LocalCID, "MTU search converged, mss =", m.mss)
			metrics.MSSInstalled.Observe(float64(m.mss))
		}
		return
	}
	m.candidate = (m.lower + m.upper + 1) / 2
	m.retries = m.cfg.MTUProbeRetries
}

// maybeProbe sends the next probe packet if one is due.  Probes bypass
// pacing: a single padded packet per timeout interval is negligible.
func (c *Conn) maybeProbe(now uint64) {
	if !c.mtu.wantProbe(now) || c.state != Connected {
		return
	}
	po := c.pool.Get()
	if po == nil {
		return
	}
	size := int(c.mtu.candidate)
	var payload []byte
	payload = (&frame.Ping{}).Encode(payload)
	// Size the padding so the datagram lands exactly on the candidate.
	pnLen := int(packet.TruncateLen(c.nextPackNo, c.largestAcked))
	overhead := 13 + pnLen + 3 + len(payload) + 3
	if c.keys != nil {
		overhead += c.keys.Send.Overhead()
	}
	padLen := size - overhead
	if padLen < 0 {
		padLen = 0
	}
	payload = (&frame.Padding{Length: uint16(padLen)}).Encode(payload)
	po.AddMeta(packet.FrameMeta{Type: frame.TypePing})
	po.AddMeta(packet.FrameMeta{Type: frame.TypePadding})
	po.Flags |= packet.FlagMtuProbe
	po.Buf = payload
	pn := c.nextPackNo
	if c.transmit(now, po, c.keys == nil) {
		c.mtu.probePN = pn
		c.mtu.armTimeout(now)
	}
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
